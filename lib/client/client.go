// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package client implements the hpcinfer command line client, which
// talks to a control plane over HTTP.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"git.arvados.org/hpcinfer.git/lib/orchestrator/transport"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// HTTPDoer sends API requests to a control plane. Requests that
// fail to connect are retried; error responses are not.
type HTTPDoer struct {
	BaseURL string
	Client  *retryablehttp.Client
}

// NewHTTPDoer returns an HTTPDoer for the control plane at baseURL.
func NewHTTPDoer(baseURL string, timeout time.Duration, retries int, logger logrus.FieldLogger) *HTTPDoer {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			logger.WithError(err).Debug("request failed, retrying")
			return true, nil
		}
		return false, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &HTTPDoer{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  client,
	}
}

// Do implements transport.Doer.
func (d *HTTPDoer) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, d.BaseURL+"/"+strings.TrimPrefix(path, "/"), rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, hpcinfer.Errorf(hpcinfer.KindTimeout, "%s %s: %s", method, path, err)
		}
		return nil, hpcinfer.Errorf(hpcinfer.KindTransportFailure, "%s %s: %s", method, path, err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, hpcinfer.Errorf(hpcinfer.KindTransportFailure, "%s %s: reading response: %s", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, transport.RemoteError(resp.StatusCode, buf)
	}
	return buf, nil
}

// New returns an hpcinfer.API that calls the control plane at
// baseURL.
func New(baseURL string, timeout time.Duration, logger logrus.FieldLogger) hpcinfer.API {
	return transport.NewConn(NewHTTPDoer(baseURL, timeout, 2, logger))
}

func describe(err error) string {
	e := hpcinfer.AsError(err)
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
