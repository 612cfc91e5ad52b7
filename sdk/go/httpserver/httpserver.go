// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is an http.Server that reports its bound address and can be
// stopped from another goroutine.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	// Time allowed for in-flight requests to finish during Close.
	// Zero means 10 seconds.
	ShutdownTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Start listens on srv.Addr and serves requests in the background.
// By the time Start returns, srv.Addr is the address actually bound,
// so ":0" can be used to get a free port.
func (srv *Server) Start() error {
	lc := net.ListenConfig{KeepAlive: 3 * time.Minute}
	ln, err := lc.Listen(context.Background(), "tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops accepting connections, waits up to ShutdownTimeout for
// active requests to finish, and returns when the server has
// stopped. It is safe to call more than once.
func (srv *Server) Close() error {
	srv.closeOnce.Do(func() {
		timeout := srv.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			srv.Server.Close()
		}
	})
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}
