// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

type stubBackend struct {
	*httptest.Server
	hits   int64
	status int
}

func newStubBackend(name string, status int) *stubBackend {
	sb := &stubBackend{status: status}
	sb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&sb.hits, 1)
		if req.URL.Path == "/health" {
			return
		}
		var body map[string]interface{}
		json.NewDecoder(req.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(sb.status)
		json.NewEncoder(w).Encode(map[string]interface{}{"backend": name, "prompt": body["prompt"]})
	}))
	return sb
}

func (sb *stubBackend) hostPort(c *check.C) (string, int) {
	host, port, err := net.SplitHostPort(sb.Listener.Addr().String())
	c.Assert(err, check.IsNil)
	p, err := strconv.Atoi(port)
	c.Assert(err, check.IsNil)
	return host, p
}

func (sb *stubBackend) count() int64 {
	return atomic.LoadInt64(&sb.hits)
}

// startBackend starts a single-node service and registers sb as its
// endpoint.
func (s *orchestratorSuite) startBackend(c *check.C, sb *stubBackend, model string) string {
	resp, err := s.orch.StartService(s.ctx, hpcinfer.StartOptions{RecipeName: "inference/single-node"})
	c.Assert(err, check.IsNil)
	host, port := sb.hostPort(c)
	_, err = s.orch.RegisterService(s.ctx, hpcinfer.RegisterOptions{ID: resp.JobID, Host: host, Port: port, Model: model})
	c.Assert(err, check.IsNil)
	return resp.JobID
}

func (s *orchestratorSuite) TestForwardCompletion(c *check.C) {
	sb := newStubBackend("a", http.StatusOK)
	defer sb.Close()
	id := s.startBackend(c, sb, "llama")

	resp, err := s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{"prompt": "hello"}})
	c.Assert(err, check.IsNil)
	c.Check(resp.Backend.ServiceID, check.Equals, id)
	c.Check(resp.Backend.Model, check.Equals, "llama")
	var body map[string]string
	c.Check(json.Unmarshal(resp.Response, &body), check.IsNil)
	c.Check(body, check.DeepEquals, map[string]string{"backend": "a", "prompt": "hello"})
	c.Check(resp.Latency.Duration() > 0, check.Equals, true)

	m, _ := s.orch.GetMetrics(s.ctx, hpcinfer.MetricsOptions{})
	c.Check(m.TotalRequests, check.Equals, int64(1))
	c.Check(m.FailedRequests, check.Equals, int64(0))
	c.Check(s.orch.Registry().IsServiceRecentlyHealthy(id, time.Minute), check.Equals, true)
}

func (s *orchestratorSuite) TestForwardRoundRobin(c *check.C) {
	sbA := newStubBackend("a", http.StatusOK)
	defer sbA.Close()
	sbB := newStubBackend("b", http.StatusOK)
	defer sbB.Close()
	idA := s.startBackend(c, sbA, "")
	idB := s.startBackend(c, sbB, "")

	var served []string
	for i := 0; i < 4; i++ {
		resp, err := s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
		c.Assert(err, check.IsNil)
		served = append(served, resp.Backend.ServiceID)
	}
	c.Check(served, check.DeepEquals, []string{idA, idB, idA, idB})
	c.Check(sbA.count(), check.Equals, int64(2))
	c.Check(sbB.count(), check.Equals, int64(2))
}

func (s *orchestratorSuite) TestForwardLeastLoaded(c *check.C) {
	sbA := newStubBackend("a", http.StatusOK)
	defer sbA.Close()
	sbB := newStubBackend("b", http.StatusOK)
	defer sbB.Close()
	idA := s.startBackend(c, sbA, "")
	s.startBackend(c, sbB, "")
	_, err := s.orch.ConfigureLoadBalancer(s.ctx, hpcinfer.LoadBalancerOptions{Strategy: "least_loaded"})
	c.Assert(err, check.IsNil)

	resp, err := s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Target: idA, Payload: map[string]interface{}{}})
	c.Assert(err, check.IsNil)
	c.Check(resp.Backend.ServiceID, check.Equals, idA)
	for i := 0; i < 3; i++ {
		resp, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
		c.Assert(err, check.IsNil)
	}
	c.Check(sbA.count(), check.Equals, int64(2))
	c.Check(sbB.count(), check.Equals, int64(2))
}

func (s *orchestratorSuite) TestForwardNoHealthyBackends(c *check.C) {
	_, err := s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNoHealthyBackends)

	sb := newStubBackend("a", http.StatusOK)
	defer sb.Close()
	id := s.startBackend(c, sb, "")
	s.orch.setEndpointHealth(id, hpcinfer.ErrTimeout)
	_, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNoHealthyBackends)
	c.Check(sb.count(), check.Equals, int64(0))

	s.orch.setEndpointHealth(id, nil)
	_, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
	c.Check(err, check.IsNil)
}

func (s *orchestratorSuite) TestForwardBackendError(c *check.C) {
	sb := newStubBackend("a", http.StatusInternalServerError)
	defer sb.Close()
	id := s.startBackend(c, sb, "")
	s.orch.Registry().MarkServiceHealthy(id)

	_, err := s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindUpstreamError)
	c.Check(hpcinfer.AsError(err).Status, check.Equals, http.StatusInternalServerError)
	c.Check(string(hpcinfer.AsError(err).Body), check.Matches, `(?s).*"backend":"a".*`)
	c.Check(s.orch.Registry().IsServiceRecentlyHealthy(id, time.Minute), check.Equals, false)

	m, _ := s.orch.GetMetrics(s.ctx, hpcinfer.MetricsOptions{})
	c.Check(m.TotalRequests, check.Equals, int64(1))
	c.Check(m.FailedRequests, check.Equals, int64(1))
}

func (s *orchestratorSuite) TestForwardUnreachable(c *check.C) {
	sb := newStubBackend("a", http.StatusOK)
	s.startBackend(c, sb, "")
	sb.Close()
	_, err := s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindUpstreamError)
}

func (s *orchestratorSuite) TestForwardTargets(c *check.C) {
	sbA := newStubBackend("a", http.StatusOK)
	defer sbA.Close()
	sbB := newStubBackend("b", http.StatusOK)
	defer sbB.Close()
	s.startBackend(c, sbA, "llama")
	s.startBackend(c, sbB, "mistral")

	resp, err := s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{"model": "mistral"}})
	c.Assert(err, check.IsNil)
	c.Check(resp.Backend.Model, check.Equals, "mistral")
	_, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Payload: map[string]interface{}{"model": "gpt"}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNoHealthyBackends)

	_, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Target: "99999", Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNotFound)
	_, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Target: "sg-unknown", Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNotFound)

	// A group target only reaches the group's replicas.
	group := s.startGroup(c)
	_, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Target: group.GroupID, Payload: map[string]interface{}{}})
	c.Check(hpcinfer.KindOf(err), check.Equals, hpcinfer.KindNoHealthyBackends)

	sbR := newStubBackend("replica", http.StatusOK)
	defer sbR.Close()
	host, port := sbR.hostPort(c)
	_, err = s.orch.RegisterService(s.ctx, hpcinfer.RegisterOptions{ID: hpcinfer.ReplicaID(group.JobIDs[1], 8003), Host: host, Port: port})
	c.Assert(err, check.IsNil)
	for i := 0; i < 3; i++ {
		resp, err = s.orch.ForwardCompletion(s.ctx, hpcinfer.CompletionRequest{Target: group.GroupID, Payload: map[string]interface{}{}})
		c.Assert(err, check.IsNil)
		c.Check(resp.Backend.ServiceID, check.Equals, group.JobIDs[1]+":8003")
	}
	c.Check(sbR.count(), check.Equals, int64(3))
}

func (s *orchestratorSuite) TestHealthSupervisor(c *check.C) {
	s.cluster.Health.Interval = hpcinfer.Duration(10 * time.Millisecond)
	s.cluster.Health.Timeout = hpcinfer.Duration(time.Second)
	s.cluster.Health.Retries = 0
	s.orch.Close()
	s.reg = prometheus.NewRegistry()
	s.newOrchestrator(c)

	sb := newStubBackend("a", http.StatusOK)
	id := s.startBackend(c, sb, "")
	sb.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if eps := s.orch.endpointList(true); len(eps) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Check(s.orch.endpointList(true), check.HasLen, 0)
	eps := s.orch.endpointList(false)
	c.Assert(eps, check.HasLen, 1)
	c.Check(eps[0].ServiceID, check.Equals, id)
	c.Check(eps[0].Status, check.Equals, hpcinfer.EndpointUnhealthy)

	// Stopping the service stops the supervisor.
	_, err := s.orch.StopService(s.ctx, hpcinfer.GetOptions{ID: id})
	c.Check(err, check.IsNil)
	c.Check(s.orch.endpointList(false), check.HasLen, 0)
}
