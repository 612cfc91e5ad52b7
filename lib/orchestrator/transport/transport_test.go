// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"git.arvados.org/hpcinfer.git/lib/executor/executortest"
	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&transportSuite{})

type transportSuite struct {
	stub *executortest.Stub
	reg  *prometheus.Registry
	tr   *Transport
	ctx  context.Context
}

func (s *transportSuite) SetUpTest(c *check.C) {
	s.stub = &executortest.Stub{}
	s.reg = prometheus.NewRegistry()
	s.tr = New(s.stub, "http://gpu01:8090/", hpcinfer.RemoteConfig{
		Retries:     2,
		RetryDelay:  hpcinfer.Duration(time.Millisecond),
		CallTimeout: hpcinfer.Duration(30 * time.Second),
	}, ctxlog.TestLogger(c), s.reg)
	s.ctx = context.Background()
}

// respond returns a StubFunc that answers each call with the next
// of the given results.
func respond(results ...func() ([]byte, []byte, error)) executortest.StubFunc {
	i := 0
	return func(executortest.Call) ([]byte, []byte, error) {
		r := results[i]
		if i < len(results)-1 {
			i++
		}
		return r()
	}
}

func (s *transportSuite) attempts(c *check.C, outcome string) float64 {
	var m dto.Metric
	c.Assert(s.tr.mAttempts.WithLabelValues(outcome).Write(&m), check.IsNil)
	return m.GetCounter().GetValue()
}

func ok(body string, status string) func() ([]byte, []byte, error) {
	return func() ([]byte, []byte, error) {
		return []byte(body + "\n" + status), nil, nil
	}
}

func connRefused() ([]byte, []byte, error) {
	return nil, []byte("curl: (7) Failed to connect to gpu01 port 8090: Connection refused\n"), &executortest.ExitError{Status: 7}
}

func channelDown() ([]byte, []byte, error) {
	return nil, nil, errors.New("ssh: handshake failed: EOF")
}

func (s *transportSuite) TestOneFailureThenSuccess(c *check.C) {
	s.stub.Func = respond(connRefused, ok(`{"status":"ok"}`, "200"))
	body, err := s.tr.Do(s.ctx, "GET", "v1/metrics", nil)
	c.Check(err, check.IsNil)
	c.Check(string(body), check.Equals, `{"status":"ok"}`)
	c.Check(s.stub.Calls(), check.HasLen, 2)
	c.Check(s.attempts(c, "transport_failure"), check.Equals, float64(1))
	c.Check(s.attempts(c, "success"), check.Equals, float64(1))
}

func (s *transportSuite) TestRetriesExhausted(c *check.C) {
	s.stub.Func = respond(connRefused, channelDown, connRefused)
	_, err := s.tr.Do(s.ctx, "GET", "v1/metrics", nil)
	c.Check(errors.Is(err, hpcinfer.ErrTransportFailure), check.Equals, true)
	c.Check(err, check.ErrorMatches, `transport_failure: GET v1/metrics: giving up after 3 attempts: curl exited 7: curl: \(7\) Failed to connect.*`)
	c.Check(s.stub.Calls(), check.HasLen, 3)
}

func (s *transportSuite) TestNoResponse(c *check.C) {
	// Status 000 means curl received no response. A missing
	// status line means the output was cut short.
	s.stub.Func = respond(ok("", "000"), ok("garbage", "xyz"), ok(`{}`, "204"))
	_, err := s.tr.Do(s.ctx, "GET", "v1/services/1", nil)
	c.Check(err, check.IsNil)
	c.Check(s.stub.Calls(), check.HasLen, 3)
}

func curlTimeout() ([]byte, []byte, error) {
	return []byte("\n000"), []byte("curl: (28) Operation timed out after 30001 milliseconds with 0 bytes received\n"), &executortest.ExitError{Status: 28}
}

func emptyReply() ([]byte, []byte, error) {
	return []byte("\n000"), []byte("curl: (52) Empty reply from server\n"), &executortest.ExitError{Status: 52}
}

func (s *transportSuite) TestPostNotResentAfterTimeout(c *check.C) {
	s.stub.Func = respond(curlTimeout, ok(`{"status":"submitted","jobId":"12345"}`, "200"))
	_, err := s.tr.Do(s.ctx, "POST", "v1/services", []byte(`{"recipeName":"inference/single-node"}`))
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindTimeout)
	c.Check(err, check.ErrorMatches, `timeout: POST v1/services: request may have been delivered: curl exited 28: .*`)
	c.Check(s.stub.Calls(), check.HasLen, 1)
}

func (s *transportSuite) TestPostNotResentAfterReceiveFailure(c *check.C) {
	s.stub.Func = respond(emptyReply, ok(`{}`, "200"))
	_, err := s.tr.Do(s.ctx, "POST", "v1/completions", []byte(`{"prompt":"hello"}`))
	c.Check(errors.Is(err, hpcinfer.ErrUpstream), check.Equals, true)
	c.Check(errors.Is(err, hpcinfer.ErrTransportFailure), check.Equals, false)
	c.Check(s.stub.Calls(), check.HasLen, 1)

	s.stub = &executortest.Stub{Func: respond(ok("", "000"), ok(`{}`, "200"))}
	s.tr.Executor = s.stub
	_, err = s.tr.Do(s.ctx, "POST", "v1/services/1/stop", []byte(`{}`))
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindUpstreamError)
	c.Check(s.stub.Calls(), check.HasLen, 1)
}

func (s *transportSuite) TestPostResentWhenNotSent(c *check.C) {
	s.stub.Func = respond(connRefused, channelDown, ok(`{"status":"submitted","jobId":"12345"}`, "200"))
	body, err := s.tr.Do(s.ctx, "POST", "v1/services", []byte(`{"recipeName":"inference/single-node"}`))
	c.Check(err, check.IsNil)
	c.Check(string(body), check.Equals, `{"status":"submitted","jobId":"12345"}`)
	c.Check(s.stub.Calls(), check.HasLen, 3)
}

func (s *transportSuite) TestIdempotentResentAfterTimeout(c *check.C) {
	s.stub.Func = respond(curlTimeout, ok(`{"services":[]}`, "200"))
	_, err := s.tr.Do(s.ctx, "GET", "v1/services", nil)
	c.Check(err, check.IsNil)
	c.Check(s.stub.Calls(), check.HasLen, 2)
}

func (s *transportSuite) TestAttemptClassification(c *check.C) {
	for _, trial := range []struct {
		reply    func() ([]byte, []byte, error)
		sent     bool
		timedOut bool
	}{
		{connRefused, false, false},
		{channelDown, false, false},
		{curlTimeout, true, true},
		{emptyReply, true, false},
		{ok("", "000"), true, false},
	} {
		s.stub.Func = respond(trial.reply)
		res := s.tr.Attempt(s.ctx, "POST", "v1/services", []byte(`{}`))
		c.Check(res.Outcome, check.Equals, TransportFailure)
		c.Check(res.Sent, check.Equals, trial.sent, check.Commentf("%v", res.Err))
		c.Check(res.TimedOut, check.Equals, trial.timedOut, check.Commentf("%v", res.Err))
	}
}

func (s *transportSuite) TestApplicationErrorNotRetried(c *check.C) {
	s.stub.Func = respond(ok(`{"status":"error","kind":"not_found","message":"service 99 not found"}`, "404"))
	_, err := s.tr.Do(s.ctx, "GET", "v1/services/99", nil)
	c.Check(s.stub.Calls(), check.HasLen, 1)
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNotFound)
	e := hpcinfer.AsError(err)
	c.Check(e.Status, check.Equals, 404)
	c.Check(e.Message, check.Equals, "service 99 not found")
	c.Check(string(e.Body), check.Matches, `.*"kind":"not_found".*`)

	s.stub = &executortest.Stub{Func: respond(ok("<html>Bad Gateway</html>", "502"))}
	s.tr.Executor = s.stub
	_, err = s.tr.Do(s.ctx, "GET", "v1/services", nil)
	c.Check(s.stub.Calls(), check.HasLen, 1)
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindUpstreamError)
	c.Check(hpcinfer.AsError(err).Message, check.Equals, "<html>Bad Gateway</html>")
	c.Check(s.attempts(c, "application_error"), check.Equals, float64(2))
}

func (s *transportSuite) TestContextCancelledDuringBackoff(c *check.C) {
	s.tr.RetryDelay = time.Hour
	s.stub.Func = respond(connRefused)
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, err := s.tr.Do(ctx, "GET", "v1/metrics", nil)
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindTimeout)
	c.Check(time.Since(t0) < time.Minute, check.Equals, true)
	c.Check(s.stub.Calls(), check.HasLen, 1)
}

func (s *transportSuite) TestCommand(c *check.C) {
	s.stub.Func = respond(ok(`{}`, "200"))
	_, err := s.tr.Do(s.ctx, "POST", "v1/services", []byte(`{"recipeName":"a b"}`))
	c.Assert(err, check.IsNil)
	calls := s.stub.Calls()
	c.Assert(calls, check.HasLen, 1)
	c.Check(calls[0].Command, check.Equals, `curl -sS -X POST -H 'Accept: application/json' --max-time 30 -w '\n%{http_code}' -H 'Content-Type: application/json' --data-binary @- http://gpu01:8090/v1/services`)
	c.Check(calls[0].Stdin, check.Equals, `{"recipeName":"a b"}`)

	_, err = s.tr.Do(s.ctx, "GET", "/v1/services?status=running", nil)
	c.Assert(err, check.IsNil)
	calls = s.stub.Calls()
	c.Check(strings.HasSuffix(calls[1].Command, ` 'http://gpu01:8090/v1/services?status=running'`), check.Equals, true, check.Commentf("%s", calls[1].Command))
	c.Check(strings.Contains(calls[1].Command, "--data-binary"), check.Equals, false)
}

func (s *transportSuite) TestOutcomeString(c *check.C) {
	c.Check(Success.String(), check.Equals, "success")
	c.Check(ApplicationError.String(), check.Equals, "application_error")
	c.Check(TransportFailure.String(), check.Equals, "transport_failure")
	c.Check(Outcome(9).String(), check.Equals, "outcome(9)")
}
