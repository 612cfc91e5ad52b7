// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"strings"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	check "gopkg.in/check.v1"
)

// Two node jobs, two replicas each, ports 8001-8004.
func (s *registrySuite) createGroup(c *check.C) hpcinfer.ServiceGroup {
	sg, err := s.reg.CreateReplicaGroup("inference/replicas", map[string]interface{}{"nodes": 2}, 2, 2)
	c.Assert(err, check.IsNil)
	c.Check(strings.HasPrefix(sg.ID, "sg-"), check.Equals, true)
	c.Check(sg.TotalReplicas, check.Equals, 4)
	c.Check(sg.Status, check.Equals, hpcinfer.StatusPending)
	port := 8001
	for node, jobID := range []string{"100", "101"} {
		for r := 0; r < 2; r++ {
			rep, err := s.reg.AddReplica(sg.ID, jobID, node, r, port, r)
			c.Assert(err, check.IsNil)
			c.Check(rep.ID, check.Equals, hpcinfer.ReplicaID(jobID, port))
			c.Check(rep.Status, check.Equals, hpcinfer.StatusPending)
			port++
		}
	}
	sg, ok := s.reg.GetGroup(sg.ID)
	c.Assert(ok, check.Equals, true)
	return sg
}

func (s *registrySuite) TestCreateGroup(c *check.C) {
	sg := s.createGroup(c)
	c.Check(sg.NodeJobs, check.HasLen, 2)
	c.Check(sg.Replicas(), check.HasLen, sg.TotalReplicas)
	c.Check(sg.JobIDs(), check.DeepEquals, []string{"100", "101"})
	c.Check(sg.NodeJobs[1].Replicas[1].ID, check.Equals, "101:8004")
	c.Check(sg.NodeJobs[1].Replicas[1].NodeIndex, check.Equals, 1)
	c.Check(sg.NodeJobs[1].Replicas[1].ReplicaIndex, check.Equals, 1)

	_, err := s.reg.AddReplica(sg.ID, "102", 2, 0, 8005, 0)
	c.Check(err, check.ErrorMatches, `validation_error: group .* already has 4 replicas`)
	_, err = s.reg.AddReplica("sg-nope", "102", 0, 0, 8005, 0)
	c.Check(err, check.ErrorMatches, `not_found: .*`)
	_, err = s.reg.CreateReplicaGroup("x", nil, 0, 2)
	c.Check(err, check.ErrorMatches, `validation_error: .*`)

	c.Check(s.reg.ListGroups(), check.HasLen, 1)

	// Mutating a returned copy does not affect the registry.
	sg.NodeJobs[0].Replicas[0].Status = hpcinfer.StatusFailed
	again, _ := s.reg.GetGroup(sg.ID)
	c.Check(again.NodeJobs[0].Replicas[0].Status, check.Equals, hpcinfer.StatusPending)
}

func (s *registrySuite) TestDuplicateReplica(c *check.C) {
	sg, err := s.reg.CreateReplicaGroup("r", nil, 1, 2)
	c.Assert(err, check.IsNil)
	_, err = s.reg.AddReplica(sg.ID, "100", 0, 0, 8001, 0)
	c.Assert(err, check.IsNil)
	_, err = s.reg.AddReplica(sg.ID, "100", 0, 1, 8001, 1)
	c.Check(err, check.ErrorMatches, `validation_error: replica 100:8001 already exists`)
}

func (s *registrySuite) TestDegradedGroup(c *check.C) {
	sg := s.createGroup(c)
	for _, id := range []string{"100:8001", "100:8002", "101:8003"} {
		changed, err := s.reg.UpdateReplicaStatus(id, hpcinfer.StatusRunning)
		c.Assert(err, check.IsNil)
		c.Check(changed, check.Equals, true)
	}
	_, err := s.reg.UpdateReplicaStatus("101:8004", hpcinfer.StatusFailed)
	c.Assert(err, check.IsNil)

	healthy, err := s.reg.GetHealthyReplicas(sg.ID)
	c.Check(err, check.IsNil)
	c.Check(healthy, check.HasLen, 3)

	gs, err := s.reg.GroupStatus(sg.ID)
	c.Assert(err, check.IsNil)
	c.Check(gs.OverallStatus, check.Equals, hpcinfer.StatusDegraded)
	c.Check(gs.HealthyReplicas, check.Equals, 3)
	c.Check(gs.FailedReplicas, check.Equals, 1)
	c.Check(gs.TotalReplicas, check.Equals, 4)
	c.Check(gs.Replicas, check.HasLen, 4)

	// With "degraded" disabled, the same replicas report running.
	s.reg.DegradedFailureThreshold = 0
	s.reg.UpdateReplicaStatus("100:8001", hpcinfer.StatusStarting)
	gs, _ = s.reg.GroupStatus(sg.ID)
	c.Check(gs.OverallStatus, check.Equals, hpcinfer.StatusRunning)
}

func (s *registrySuite) TestReplicaView(c *check.C) {
	sg := s.createGroup(c)
	svc, ok := s.reg.GetReplicaService("101:8003")
	c.Assert(ok, check.Equals, true)
	c.Check(svc.RecipeName, check.Equals, "inference/replicas")
	c.Check(svc.GroupID, check.Equals, sg.ID)
	c.Check(svc.Status, check.Equals, hpcinfer.StatusPending)
	_, ok = s.reg.GetReplicaService("101:9999")
	c.Check(ok, check.Equals, false)
	_, err := s.reg.UpdateReplicaStatus("101:9999", hpcinfer.StatusRunning)
	c.Check(err, check.ErrorMatches, `not_found: .*`)
}

func (s *registrySuite) TestJobReplicas(c *check.C) {
	sg := s.createGroup(c)
	n, err := s.reg.AdvanceJobReplicas(sg.ID, "101", hpcinfer.StatusStarting)
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 2)
	gid, ok := s.reg.FindJobGroup("101")
	c.Check(ok, check.Equals, true)
	c.Check(gid, check.Equals, sg.ID)
	_, ok = s.reg.FindJobGroup("999")
	c.Check(ok, check.Equals, false)
	gs, _ := s.reg.GroupStatus(sg.ID)
	c.Check(gs.OverallStatus, check.Equals, hpcinfer.StatusStarting)
	c.Check(gs.StartingReplicas, check.Equals, 2)
	c.Check(gs.PendingReplicas, check.Equals, 2)

	c.Check(s.reg.SetNodeHostname(sg.ID, "101", "gpu12"), check.IsNil)
	sg, _ = s.reg.GetGroup(sg.ID)
	c.Check(sg.NodeJobs[1].NodeHostname, check.Equals, "gpu12")
	c.Check(sg.NodeJobs[0].NodeHostname, check.Equals, "")

	// A stale poll does not undo a registration, but a terminal
	// status applies to every replica that is not yet terminal.
	s.reg.UpdateReplicaStatus("101:8003", hpcinfer.StatusRunning)
	s.reg.UpdateReplicaStatus("101:8004", hpcinfer.StatusFailed)
	n, _ = s.reg.AdvanceJobReplicas(sg.ID, "101", hpcinfer.StatusStarting)
	c.Check(n, check.Equals, 0)
	n, _ = s.reg.AdvanceJobReplicas(sg.ID, "101", hpcinfer.StatusCancelled)
	c.Check(n, check.Equals, 1)
	rep, _, _ := s.reg.GetReplica("101:8004")
	c.Check(rep.Status, check.Equals, hpcinfer.StatusFailed)
	_, err = s.reg.AdvanceJobReplicas("sg-nope", "101", hpcinfer.StatusCancelled)
	c.Check(err, check.ErrorMatches, `not_found: .*`)
}

func (s *registrySuite) TestGroupCompleted(c *check.C) {
	sg := s.createGroup(c)
	for id, status := range map[string]hpcinfer.ServiceStatus{
		"100:8001": hpcinfer.StatusCompleted,
		"100:8002": hpcinfer.StatusFailed,
		"101:8003": hpcinfer.StatusCancelled,
		"101:8004": hpcinfer.StatusCompleted,
	} {
		_, err := s.reg.UpdateReplicaStatus(id, status)
		c.Assert(err, check.IsNil)
	}
	gs, _ := s.reg.GroupStatus(sg.ID)
	c.Check(gs.OverallStatus, check.Equals, hpcinfer.StatusCompleted)
	changed, _ := s.reg.UpdateReplicaStatus("100:8001", hpcinfer.StatusRunning)
	c.Check(changed, check.Equals, false)
}

func (s *registrySuite) TestStopGroup(c *check.C) {
	sg := s.createGroup(c)
	s.reg.UpdateReplicaStatus("100:8001", hpcinfer.StatusRunning)
	s.reg.UpdateReplicaStatus("100:8002", hpcinfer.StatusFailed)
	c.Check(s.reg.UpdateGroupStatus(sg.ID, hpcinfer.StatusCancelled), check.IsNil)
	sg, _ = s.reg.GetGroup(sg.ID)
	c.Check(sg.Status, check.Equals, hpcinfer.StatusCancelled)
	var statuses []hpcinfer.ServiceStatus
	for _, rep := range sg.Replicas() {
		statuses = append(statuses, rep.Status)
	}
	c.Check(statuses, check.DeepEquals, []hpcinfer.ServiceStatus{
		hpcinfer.StatusCancelled,
		hpcinfer.StatusFailed,
		hpcinfer.StatusCancelled,
		hpcinfer.StatusCancelled,
	})
	c.Check(s.reg.UpdateGroupStatus("sg-nope", hpcinfer.StatusCancelled), check.ErrorMatches, `not_found: .*`)

	_, err := s.reg.RemoveGroup(sg.ID)
	c.Check(err, check.IsNil)
	_, ok := s.reg.GetGroup(sg.ID)
	c.Check(ok, check.Equals, false)
	_, ok = s.reg.GetReplicaService("100:8001")
	c.Check(ok, check.Equals, false)
	_, err = s.reg.RemoveGroup(sg.ID)
	c.Check(err, check.ErrorMatches, `not_found: .*`)
}

func (s *registrySuite) TestAggregate(c *check.C) {
	reps := func(statuses ...hpcinfer.ServiceStatus) []hpcinfer.Replica {
		var list []hpcinfer.Replica
		for _, st := range statuses {
			list = append(list, hpcinfer.Replica{Status: st})
		}
		return list
	}
	const (
		P = hpcinfer.StatusPending
		S = hpcinfer.StatusStarting
		R = hpcinfer.StatusRunning
		F = hpcinfer.StatusFailed
		T = hpcinfer.StatusTimeout
		X = hpcinfer.StatusCancelled
		D = hpcinfer.StatusCompleted
	)
	for _, trial := range []struct {
		replicas  []hpcinfer.Replica
		expected  int
		threshold int
		want      hpcinfer.ServiceStatus
	}{
		{nil, 4, 1, P},
		{reps(P, P), 2, 1, P},
		{reps(P, S), 2, 1, S},
		{reps(R, S, F), 3, 1, hpcinfer.StatusDegraded},
		{reps(R, S, F), 3, 2, R},
		{reps(R, S, F), 3, 0, R},
		{reps(R, T, F), 3, 2, hpcinfer.StatusDegraded},
		{reps(R, R), 2, 1, R},
		{reps(D, F, X), 3, 1, D},
		{reps(D, F), 3, 1, P},
		{reps(S, F), 2, 1, S},
	} {
		c.Check(Aggregate(trial.replicas, trial.expected, trial.threshold), check.Equals, trial.want, check.Commentf("%+v", trial))
	}
}
