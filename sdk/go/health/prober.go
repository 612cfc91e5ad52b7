// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Prober checks whether a data-plane endpoint is answering requests.
type Prober struct {
	client  *retryablehttp.Client
	path    string
	timeout time.Duration
}

// NewProber returns a Prober that issues "GET {path}" to each
// endpoint, retrying up to retries times on connection errors and
// 5xx responses. Each Probe is bounded by timeout, including
// retries.
func NewProber(logger logrus.FieldLogger, path string, timeout time.Duration, retries int) *Prober {
	if path == "" {
		path = "/health"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = debugLogger{logger}
	return &Prober{client: client, path: path, timeout: timeout}
}

// Probe returns nil if host:port responds to the health path with a
// 2xx status.
func (p *Prober) Probe(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	u := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + p.path
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check %s returned %s", u, resp.Status)
	}
	return nil
}

// debugLogger demotes retryablehttp's per-request chatter to debug
// level.
type debugLogger struct {
	logrus.FieldLogger
}

func (l debugLogger) Printf(format string, args ...interface{}) {
	if l.FieldLogger != nil {
		l.FieldLogger.Debugf(format, args...)
	}
}
