// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transport

import (
	"context"
	"encoding/json"
	"strings"

	"git.arvados.org/hpcinfer.git/lib/executor/executortest"
	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&connSuite{})

type connSuite struct {
	stub *executortest.Stub
	conn *Conn
	ctx  context.Context
}

func (s *connSuite) SetUpTest(c *check.C) {
	s.stub = &executortest.Stub{}
	s.conn = NewConn(New(s.stub, "http://gpu01:8090", hpcinfer.RemoteConfig{Retries: 2}, ctxlog.TestLogger(c), nil))
	s.ctx = context.Background()
}

// lastCall returns the method, URL, and stdin of the most recent command.
func (s *connSuite) lastCall(c *check.C) (method, url, stdin string) {
	calls := s.stub.Calls()
	c.Assert(calls, check.Not(check.HasLen), 0)
	call := calls[len(calls)-1]
	fields := strings.Fields(call.Command)
	for i, f := range fields {
		if f == "-X" {
			method = fields[i+1]
		}
	}
	url = strings.Trim(fields[len(fields)-1], "'")
	return method, url, call.Stdin
}

func (s *connSuite) TestStartService(c *check.C) {
	s.stub.Func = respond(ok(`{"status":"submitted","jobId":"12345"}`, "200"))
	resp, err := s.conn.StartService(s.ctx, hpcinfer.StartOptions{RecipeName: "inference/single-node", Config: map[string]interface{}{"nodes": 1}})
	c.Assert(err, check.IsNil)
	c.Check(resp, check.DeepEquals, hpcinfer.StartResponse{Status: "submitted", JobID: "12345"})
	method, url, stdin := s.lastCall(c)
	c.Check(method, check.Equals, "POST")
	c.Check(url, check.Equals, "http://gpu01:8090/v1/services")
	var body map[string]interface{}
	c.Check(json.Unmarshal([]byte(stdin), &body), check.IsNil)
	c.Check(body, check.DeepEquals, map[string]interface{}{
		"recipeName": "inference/single-node",
		"config":     map[string]interface{}{"nodes": float64(1)},
	})
}

func (s *connSuite) TestPathSubstitution(c *check.C) {
	s.stub.Func = respond(ok(`{"id":"12345:8001","status":"running"}`, "200"))
	st, err := s.conn.GetServiceStatus(s.ctx, hpcinfer.GetOptions{ID: "12345:8001"})
	c.Assert(err, check.IsNil)
	c.Check(st.Status, check.Equals, hpcinfer.StatusRunning)
	method, url, stdin := s.lastCall(c)
	c.Check(method, check.Equals, "GET")
	c.Check(url, check.Equals, "http://gpu01:8090/v1/services/12345:8001/status")
	c.Check(stdin, check.Equals, "")

	s.stub.Func = respond(ok(`{"status":"registered","endpoint":{"serviceId":"12345","host":"gpu01","port":8001,"status":"healthy"}}`, "200"))
	reg, err := s.conn.RegisterService(s.ctx, hpcinfer.RegisterOptions{ID: "12345", Host: "gpu01", Port: 8001, Model: "m"})
	c.Assert(err, check.IsNil)
	c.Check(reg.Endpoint.Status, check.Equals, hpcinfer.EndpointHealthy)
	method, url, stdin = s.lastCall(c)
	c.Check(method, check.Equals, "POST")
	c.Check(url, check.Equals, "http://gpu01:8090/v1/services/12345/register")
	c.Check(stdin, check.Equals, `{"host":"gpu01","model":"m","port":8001}`)

	_, err = s.conn.StopServiceGroup(s.ctx, hpcinfer.GetOptions{})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindValidationError)
}

func (s *connSuite) TestListQuery(c *check.C) {
	s.stub.Func = respond(ok(`{"services":[{"id":"1","status":"running"}]}`, "200"))
	list, err := s.conn.ListServices(s.ctx, hpcinfer.ListOptions{Status: hpcinfer.StatusRunning, Recipe: "inference/single-node"})
	c.Assert(err, check.IsNil)
	c.Check(list.Services, check.HasLen, 1)
	_, url, _ := s.lastCall(c)
	c.Check(url, check.Equals, "http://gpu01:8090/v1/services?recipe=inference%2Fsingle-node&status=running")

	_, err = s.conn.ListServiceGroups(s.ctx, hpcinfer.ListOptions{})
	c.Assert(err, check.IsNil)
	_, url, _ = s.lastCall(c)
	c.Check(url, check.Equals, "http://gpu01:8090/v1/groups")
}

func (s *connSuite) TestForwardCompletion(c *check.C) {
	s.stub.Func = respond(ok(`{"response":{"text":"hi"},"backend":{"serviceId":"1","host":"gpu01","port":8001},"latency":"250ms"}`, "200"))
	resp, err := s.conn.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Target: "sg-1", Payload: map[string]interface{}{"prompt": "hello"}})
	c.Assert(err, check.IsNil)
	c.Check(string(resp.Response), check.Equals, `{"text":"hi"}`)
	c.Check(resp.Backend.Port, check.Equals, 8001)
	_, url, stdin := s.lastCall(c)
	c.Check(url, check.Equals, "http://gpu01:8090/v1/completions")
	c.Check(stdin, check.Equals, `{"prompt":"hello","target":"sg-1"}`)
}

func (s *connSuite) TestRemoteErrors(c *check.C) {
	s.stub.Func = respond(ok(`{"status":"error","kind":"no_healthy_backends","message":"no healthy backends"}`, "503"))
	_, err := s.conn.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNoHealthyBackends)
	c.Check(s.stub.Calls(), check.HasLen, 1)

	s.stub.Func = respond(ok(`not json`, "200"))
	_, err = s.conn.GetMetrics(s.ctx, hpcinfer.MetricsOptions{})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindUpstreamError)

	s.stub.Func = respond(connRefused)
	_, err = s.conn.ConfigureLoadBalancer(s.ctx, hpcinfer.LoadBalancerOptions{Strategy: "least_loaded"})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindTransportFailure)
	c.Check(s.stub.Calls(), check.HasLen, 5)
}
