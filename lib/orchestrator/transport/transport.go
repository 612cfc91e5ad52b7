// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package transport relays API requests to a remote orchestrator
// that is reachable only from the scheduler's login host. Each
// request runs curl on the login host through an executor.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/hpcinfer.git/lib/executor"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Outcome classifies a single attempt.
type Outcome int

const (
	// The response was received and had a 2xx status.
	Success Outcome = iota
	// The remote orchestrator responded with a non-2xx status.
	// Never retried.
	ApplicationError
	// The request could not be delivered or the response could
	// not be read. Retried if the request is known not to have
	// been sent, or if the method is idempotent.
	TransportFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case ApplicationError:
		return "application_error"
	case TransportFailure:
		return "transport_failure"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Result is the classified result of one attempt.
type Result struct {
	Outcome Outcome
	Status  int
	Body    []byte
	Err     error

	// For a TransportFailure: the request may have reached the
	// remote orchestrator before the failure.
	Sent bool
	// For a TransportFailure: curl gave up waiting.
	TimedOut bool
}

// curl exit codes that mean no connection was made, so nothing was
// sent: could not resolve proxy, could not resolve host, could not
// connect.
var curlNotSent = map[int]bool{5: true, 6: true, 7: true}

const curlTimedOut = 28

func idempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "PUT", "DELETE":
		return true
	}
	return false
}

// Transport sends requests to a remote orchestrator.
type Transport struct {
	Executor executor.Executor
	Logger   logrus.FieldLogger

	// Base URL of the remote orchestrator, as seen from the
	// login host.
	BaseURL string

	// Additional attempts after a transport failure.
	Retries    int
	RetryDelay time.Duration

	// Timeout for a single attempt.
	CallTimeout time.Duration

	mAttempts *prometheus.CounterVec
}

// New returns a Transport configured from cfg. If reg is not nil,
// attempt counters are registered there.
func New(exr executor.Executor, baseURL string, cfg hpcinfer.RemoteConfig, logger logrus.FieldLogger, reg *prometheus.Registry) *Transport {
	t := &Transport{
		Executor:    exr,
		Logger:      logger,
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		Retries:     cfg.Retries,
		RetryDelay:  cfg.RetryDelay.Duration(),
		CallTimeout: cfg.CallTimeout.Or(120 * time.Second),
		mAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpcinfer",
			Subsystem: "transport",
			Name:      "attempts_total",
			Help:      "Remote orchestrator request attempts, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(t.mAttempts)
	}
	return t
}

// Do sends a request and returns the response body.
//
// Transport failures are retried up to Retries times, RetryDelay
// apart; if every attempt fails, the returned error has kind
// TransportFailure. A failure after the request may have been sent
// is retried only for idempotent methods: otherwise it is returned
// immediately, with kind Timeout if curl timed out and UpstreamError
// if not. An application error is returned immediately,
// keeping the kind reported by the remote orchestrator (or
// UpstreamError if it reported none), along with its status and
// body.
func (t *Transport) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	logger := t.Logger.WithFields(logrus.Fields{
		"Method": method,
		"Path":   path,
	})
	attempts := t.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	var last Result
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, hpcinfer.Errorf(hpcinfer.KindTimeout, "%s %s: %s (last error: %s)", method, path, ctx.Err(), last.Err)
			case <-time.After(t.RetryDelay):
			}
		}
		last = t.Attempt(ctx, method, path, body)
		if t.mAttempts != nil {
			t.mAttempts.WithLabelValues(last.Outcome.String()).Inc()
		}
		switch last.Outcome {
		case Success:
			return last.Body, nil
		case ApplicationError:
			logger.WithField("Status", last.Status).Debug("remote orchestrator returned error")
			return nil, applicationError(last)
		case TransportFailure:
			if ctx.Err() != nil {
				return nil, hpcinfer.Errorf(hpcinfer.KindTimeout, "%s %s: %s", method, path, ctx.Err())
			}
			if last.Sent && !idempotent(method) {
				logger.WithError(last.Err).Warn("remote orchestrator request failed after it may have been sent, not retrying")
				kind := hpcinfer.KindUpstreamError
				if last.TimedOut {
					kind = hpcinfer.KindTimeout
				}
				return nil, hpcinfer.Errorf(kind, "%s %s: request may have been delivered: %s", method, path, last.Err)
			}
			logger.WithError(last.Err).WithFields(logrus.Fields{
				"Attempt":     attempt,
				"MaxAttempts": attempts,
			}).Warn("remote orchestrator transport failure")
		}
	}
	return nil, hpcinfer.Errorf(hpcinfer.KindTransportFailure, "%s %s: giving up after %d attempts: %s", method, path, attempts, last.Err)
}

// Attempt sends a request once and classifies the result.
func (t *Transport) Attempt(ctx context.Context, method, path string, body []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, t.CallTimeout)
	defer cancel()
	args := []string{
		"curl", "-sS",
		"-X", method,
		"-H", "Accept: application/json",
		"--max-time", strconv.Itoa(int(t.CallTimeout.Seconds() + 0.5)),
		"-w", `\n%{http_code}`,
	}
	var stdin io.Reader
	if body != nil {
		args = append(args, "-H", "Content-Type: application/json", "--data-binary", "@-")
		stdin = bytes.NewReader(body)
	}
	args = append(args, t.BaseURL+"/"+strings.TrimPrefix(path, "/"))
	stdout, stderr, err := t.Executor.Execute(ctx, nil, executor.ShellQuote(args), stdin)
	if executor.IsChannelFailure(err) {
		if ctx.Err() != nil {
			// CallTimeout expired while curl was running.
			return Result{Outcome: TransportFailure, Err: err, Sent: true, TimedOut: true}
		}
		return Result{Outcome: TransportFailure, Err: err}
	} else if err != nil {
		code, _ := executor.ExitCode(err)
		return Result{
			Outcome:  TransportFailure,
			Err:      fmt.Errorf("curl exited %d: %s", code, bytes.TrimSpace(stderr)),
			Sent:     !curlNotSent[code],
			TimedOut: code == curlTimedOut,
		}
	}
	return parseResponse(stdout)
}

// parseResponse splits curl output into the response body and the
// trailing status line written by -w.
func parseResponse(stdout []byte) Result {
	i := bytes.LastIndexByte(stdout, '\n')
	if i < 0 {
		return Result{Outcome: TransportFailure, Sent: true, Err: fmt.Errorf("malformed response: missing status line in %q", truncate(stdout))}
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(stdout[i+1:])))
	if err != nil || status == 0 {
		// curl reports 000 when no response was received.
		return Result{Outcome: TransportFailure, Sent: true, Err: fmt.Errorf("no HTTP response (status %q)", stdout[i+1:])}
	}
	body := stdout[:i]
	if status < 200 || status > 299 {
		return Result{Outcome: ApplicationError, Status: status, Body: body}
	}
	return Result{Outcome: Success, Status: status, Body: body}
}

// RemoteError returns the error reported by a non-2xx API response.
func RemoteError(status int, body []byte) error {
	return applicationError(Result{Outcome: ApplicationError, Status: status, Body: body})
}

func applicationError(res Result) error {
	var er hpcinfer.ErrorResponse
	kind, msg := hpcinfer.KindUpstreamError, strings.TrimSpace(string(truncate(res.Body)))
	if json.Unmarshal(res.Body, &er) == nil && er.Kind != "" {
		kind, msg = er.Kind, er.Message
	}
	if msg == "" {
		msg = "remote orchestrator returned status " + strconv.Itoa(res.Status)
	}
	return &hpcinfer.Error{Kind: kind, Message: msg, Status: res.Status, Body: res.Body}
}

func truncate(buf []byte) []byte {
	if len(buf) > 1024 {
		return buf[:1024]
	}
	return buf
}
