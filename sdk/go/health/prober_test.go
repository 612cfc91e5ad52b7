// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ProberSuite{})

type ProberSuite struct{}

func (s *ProberSuite) hostPort(c *check.C, srv *httptest.Server) (string, int) {
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	c.Assert(err, check.IsNil)
	p, err := strconv.Atoi(port)
	c.Assert(err, check.IsNil)
	return host, p
}

func (s *ProberSuite) TestHealthy(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, check.Equals, "/health")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	host, port := s.hostPort(c, srv)
	p := NewProber(ctxlog.TestLogger(c), "/health", time.Second, 0)
	c.Check(p.Probe(context.Background(), host, port), check.IsNil)
}

func (s *ProberSuite) TestRetryThenHealthy(c *check.C) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	host, port := s.hostPort(c, srv)
	p := NewProber(ctxlog.TestLogger(c), "/health", 5*time.Second, 2)
	c.Check(p.Probe(context.Background(), host, port), check.IsNil)
	c.Check(atomic.LoadInt32(&calls), check.Equals, int32(2))
}

func (s *ProberSuite) TestUnhealthyStatus(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	host, port := s.hostPort(c, srv)
	p := NewProber(ctxlog.TestLogger(c), "/health", time.Second, 0)
	c.Check(p.Probe(context.Background(), host, port), check.ErrorMatches, `health check .* returned 404.*`)
}

func (s *ProberSuite) TestConnectionRefused(c *check.C) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host, port := s.hostPort(c, srv)
	srv.Close()
	p := NewProber(ctxlog.TestLogger(c), "/health", time.Second, 0)
	c.Check(p.Probe(context.Background(), host, port), check.NotNil)
}
