// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"sort"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// CreateReplicaGroup adds an empty group that expects
// numNodes*replicasPerNode replicas, and returns a copy of it.
func (reg *Registry) CreateReplicaGroup(recipeName string, config map[string]interface{}, numNodes, replicasPerNode int) (hpcinfer.ServiceGroup, error) {
	if numNodes < 1 || replicasPerNode < 1 {
		return hpcinfer.ServiceGroup{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "group needs at least one node and one replica per node (got %d, %d)", numNodes, replicasPerNode)
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	now := reg.now()
	sg := &hpcinfer.ServiceGroup{
		ID:              newGroupID(),
		RecipeName:      recipeName,
		NumNodes:        numNodes,
		ReplicasPerNode: replicasPerNode,
		TotalReplicas:   numNodes * replicasPerNode,
		Config:          copyConfig(config),
		CreatedAt:       now,
		LastUpdated:     now,
		Status:          hpcinfer.StatusPending,
	}
	reg.groups[sg.ID] = sg
	reg.logger.WithFields(logrus.Fields{
		"GroupID":       sg.ID,
		"Recipe":        recipeName,
		"TotalReplicas": sg.TotalReplicas,
	}).Info("replica group created")
	return copyGroup(sg), nil
}

// AddReplica adds a pending replica to a group, creating the node job
// entry for jobID if needed.
func (reg *Registry) AddReplica(groupID, jobID string, nodeIndex, replicaIndex, port, gpuID int) (hpcinfer.Replica, error) {
	if jobID == "" {
		return hpcinfer.Replica{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "replica job ID must not be empty")
	}
	if port < 1 || port > 65535 {
		return hpcinfer.Replica{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "replica port %d out of range", port)
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return hpcinfer.Replica{}, hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", groupID)
	}
	id := hpcinfer.ReplicaID(jobID, port)
	if _, dup := reg.replicas[id]; dup {
		return hpcinfer.Replica{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "replica %s already exists", id)
	}
	if len(sg.Replicas()) >= sg.TotalReplicas {
		return hpcinfer.Replica{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "group %s already has %d replicas", groupID, sg.TotalReplicas)
	}
	now := reg.now()
	rep := hpcinfer.Replica{
		ID:           id,
		JobID:        jobID,
		NodeIndex:    nodeIndex,
		ReplicaIndex: replicaIndex,
		Port:         port,
		GPUID:        gpuID,
		Status:       hpcinfer.StatusPending,
		CreatedAt:    now,
		LastUpdated:  now,
	}
	nj := findNodeJob(sg, jobID, nodeIndex)
	if nj == nil {
		sg.NodeJobs = append(sg.NodeJobs, hpcinfer.NodeJob{JobID: jobID, NodeIndex: nodeIndex})
		sort.SliceStable(sg.NodeJobs, func(i, j int) bool { return sg.NodeJobs[i].NodeIndex < sg.NodeJobs[j].NodeIndex })
		nj = findNodeJob(sg, jobID, nodeIndex)
	}
	nj.Replicas = append(nj.Replicas, rep)
	reg.replicas[id] = groupID
	reg.refreshGroup(sg)
	return rep, nil
}

// FindJobGroup returns the ID of the group that has replicas backed
// by the given scheduler job.
func (reg *Registry) FindJobGroup(jobID string) (string, bool) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	for id, sg := range reg.groups {
		if findNodeJobByID(sg, jobID) != nil {
			return id, true
		}
	}
	return "", false
}

// SetNodeHostname records the host a group's node job is running on.
func (reg *Registry) SetNodeHostname(groupID, jobID, hostname string) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", groupID)
	}
	for i := range sg.NodeJobs {
		if sg.NodeJobs[i].JobID == jobID {
			sg.NodeJobs[i].NodeHostname = hostname
		}
	}
	return nil
}

// UpdateReplicaStatus changes the status of one replica and
// recomputes its group's aggregate status. Like UpdateServiceStatus,
// it returns false if the replica is already terminal.
func (reg *Registry) UpdateReplicaStatus(replicaID string, status hpcinfer.ServiceStatus) (bool, error) {
	if !status.Valid() {
		return false, hpcinfer.Errorf(hpcinfer.KindValidationError, "invalid status %q", status)
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	sg, rep := reg.lookupReplica(replicaID)
	if rep == nil {
		return false, hpcinfer.Errorf(hpcinfer.KindNotFound, "replica %s not found", replicaID)
	}
	if !reg.setReplicaStatus(rep, status) {
		return false, nil
	}
	reg.refreshGroup(sg)
	return true, nil
}

// AdvanceJobReplicas applies a scheduler-reported status to the
// replicas backed by the given job, and returns the number of
// replicas changed. A terminal status applies to every non-terminal
// replica; a non-terminal status only advances replicas that are
// earlier in the pending, starting, running sequence.
func (reg *Registry) AdvanceJobReplicas(groupID, jobID string, status hpcinfer.ServiceStatus) (int, error) {
	if !status.Valid() {
		return 0, hpcinfer.Errorf(hpcinfer.KindValidationError, "invalid status %q", status)
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return 0, hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", groupID)
	}
	n := 0
	for i := range sg.NodeJobs {
		if sg.NodeJobs[i].JobID != jobID {
			continue
		}
		for j := range sg.NodeJobs[i].Replicas {
			rep := &sg.NodeJobs[i].Replicas[j]
			if !status.Terminal() && rank(status) <= rank(rep.Status) {
				continue
			}
			if reg.setReplicaStatus(rep, status) {
				n++
			}
		}
	}
	if n > 0 {
		reg.refreshGroup(sg)
	}
	return n, nil
}

// UpdateGroupStatus sets the status of every non-terminal replica in
// the group, and of the group itself, to status. It is used for
// operator-initiated transitions like stop.
func (reg *Registry) UpdateGroupStatus(groupID string, status hpcinfer.ServiceStatus) error {
	if !status.Valid() {
		return hpcinfer.Errorf(hpcinfer.KindValidationError, "invalid status %q", status)
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", groupID)
	}
	for i := range sg.NodeJobs {
		for j := range sg.NodeJobs[i].Replicas {
			reg.setReplicaStatus(&sg.NodeJobs[i].Replicas[j], status)
		}
	}
	if !sg.Status.Terminal() {
		sg.Status = status
		sg.LastUpdated = reg.now()
	}
	reg.logger.WithFields(logrus.Fields{
		"GroupID": groupID,
		"State":   sg.Status,
	}).Info("group state changed")
	return nil
}

// RemoveGroup deletes a group and its replica index entries, and
// returns its last state.
func (reg *Registry) RemoveGroup(groupID string) (hpcinfer.ServiceGroup, error) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return hpcinfer.ServiceGroup{}, hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", groupID)
	}
	for _, rep := range sg.Replicas() {
		delete(reg.replicas, rep.ID)
		delete(reg.healthy, rep.ID)
	}
	delete(reg.groups, groupID)
	reg.logger.WithField("GroupID", groupID).Info("group removed")
	return copyGroup(sg), nil
}

// GetGroup returns a copy of the group with the given ID.
func (reg *Registry) GetGroup(groupID string) (hpcinfer.ServiceGroup, bool) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return hpcinfer.ServiceGroup{}, false
	}
	return copyGroup(sg), true
}

// ListGroups returns copies of all groups, ordered by creation time.
func (reg *Registry) ListGroups() []hpcinfer.ServiceGroup {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	list := make([]hpcinfer.ServiceGroup, 0, len(reg.groups))
	for _, sg := range reg.groups {
		list = append(list, copyGroup(sg))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// GetReplica returns a copy of the replica with the given composite
// ID, along with a copy of its group.
func (reg *Registry) GetReplica(replicaID string) (hpcinfer.Replica, hpcinfer.ServiceGroup, bool) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	sg, rep := reg.lookupReplica(replicaID)
	if rep == nil {
		return hpcinfer.Replica{}, hpcinfer.ServiceGroup{}, false
	}
	return *rep, copyGroup(sg), true
}

// GetReplicaService returns a Service view of a replica, carrying its
// parent group's recipe and config.
func (reg *Registry) GetReplicaService(replicaID string) (hpcinfer.Service, bool) {
	rep, sg, ok := reg.GetReplica(replicaID)
	if !ok {
		return hpcinfer.Service{}, false
	}
	return hpcinfer.Service{
		ID:          rep.ID,
		RecipeName:  sg.RecipeName,
		Status:      rep.Status,
		Config:      sg.Config,
		CreatedAt:   rep.CreatedAt,
		LastUpdated: rep.LastUpdated,
		GroupID:     sg.ID,
	}, true
}

// GetHealthyReplicas returns the running replicas of a group.
func (reg *Registry) GetHealthyReplicas(groupID string) ([]hpcinfer.Replica, error) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return nil, hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", groupID)
	}
	return lo.Filter(sg.Replicas(), func(rep hpcinfer.Replica, _ int) bool {
		return rep.Status == hpcinfer.StatusRunning
	}), nil
}

// GroupStatus returns the aggregate health report of a group.
func (reg *Registry) GroupStatus(groupID string) (hpcinfer.GroupStatus, error) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	sg, ok := reg.groups[groupID]
	if !ok {
		return hpcinfer.GroupStatus{}, hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", groupID)
	}
	gs := hpcinfer.GroupStatus{
		GroupID:       sg.ID,
		RecipeName:    sg.RecipeName,
		OverallStatus: sg.Status,
		TotalReplicas: sg.TotalReplicas,
		Replicas:      []hpcinfer.ReplicaStatus{},
	}
	for _, rep := range sg.Replicas() {
		switch {
		case rep.Status == hpcinfer.StatusRunning:
			gs.HealthyReplicas++
		case rep.Status == hpcinfer.StatusStarting:
			gs.StartingReplicas++
		case rep.Status == hpcinfer.StatusPending:
			gs.PendingReplicas++
		case rep.Status.Failed():
			gs.FailedReplicas++
		}
		gs.Replicas = append(gs.Replicas, hpcinfer.ReplicaStatus{
			ID:        rep.ID,
			JobID:     rep.JobID,
			NodeIndex: rep.NodeIndex,
			Port:      rep.Port,
			Status:    rep.Status,
		})
	}
	return gs, nil
}

// Aggregate computes a group's overall status from its replicas.
//
// No replicas: pending. Every expected replica terminal: completed.
// Any running: degraded if at least threshold replicas failed
// (threshold > 0), otherwise running. Any starting: starting.
// Otherwise pending.
func Aggregate(replicas []hpcinfer.Replica, expected, threshold int) hpcinfer.ServiceStatus {
	if len(replicas) == 0 {
		return hpcinfer.StatusPending
	}
	var running, starting, failed, terminal int
	for _, rep := range replicas {
		switch {
		case rep.Status == hpcinfer.StatusRunning:
			running++
		case rep.Status == hpcinfer.StatusStarting:
			starting++
		}
		if rep.Status.Failed() {
			failed++
		}
		if rep.Status.Terminal() {
			terminal++
		}
	}
	switch {
	case terminal == len(replicas) && len(replicas) >= expected:
		return hpcinfer.StatusCompleted
	case running > 0 && threshold > 0 && failed >= threshold:
		return hpcinfer.StatusDegraded
	case running > 0:
		return hpcinfer.StatusRunning
	case starting > 0:
		return hpcinfer.StatusStarting
	default:
		return hpcinfer.StatusPending
	}
}

// Caller must have lock.
func (reg *Registry) refreshGroup(sg *hpcinfer.ServiceGroup) {
	if sg.Status.Terminal() {
		return
	}
	status := Aggregate(sg.Replicas(), sg.TotalReplicas, reg.DegradedFailureThreshold)
	if status == sg.Status {
		return
	}
	reg.logger.WithFields(logrus.Fields{
		"GroupID":  sg.ID,
		"OldState": sg.Status,
		"State":    status,
	}).Info("group state changed")
	sg.Status = status
	sg.LastUpdated = reg.now()
}

// Caller must have lock. Returns true if the status changed.
func (reg *Registry) setReplicaStatus(rep *hpcinfer.Replica, status hpcinfer.ServiceStatus) bool {
	if rep.Status == status || rep.Status.Terminal() {
		return false
	}
	rep.Status = status
	rep.LastUpdated = reg.now()
	if status.Terminal() {
		delete(reg.healthy, rep.ID)
	}
	return true
}

// Caller must have lock.
func (reg *Registry) lookupReplica(replicaID string) (*hpcinfer.ServiceGroup, *hpcinfer.Replica) {
	sg, ok := reg.groups[reg.replicas[replicaID]]
	if !ok {
		return nil, nil
	}
	for i := range sg.NodeJobs {
		for j := range sg.NodeJobs[i].Replicas {
			if sg.NodeJobs[i].Replicas[j].ID == replicaID {
				return sg, &sg.NodeJobs[i].Replicas[j]
			}
		}
	}
	return nil, nil
}

func findNodeJob(sg *hpcinfer.ServiceGroup, jobID string, nodeIndex int) *hpcinfer.NodeJob {
	for i := range sg.NodeJobs {
		if sg.NodeJobs[i].JobID == jobID && sg.NodeJobs[i].NodeIndex == nodeIndex {
			return &sg.NodeJobs[i]
		}
	}
	return nil
}

func findNodeJobByID(sg *hpcinfer.ServiceGroup, jobID string) *hpcinfer.NodeJob {
	for i := range sg.NodeJobs {
		if sg.NodeJobs[i].JobID == jobID {
			return &sg.NodeJobs[i]
		}
	}
	return nil
}

func copyGroup(sg *hpcinfer.ServiceGroup) hpcinfer.ServiceGroup {
	cp := *sg
	cp.Config = copyConfig(sg.Config)
	cp.NodeJobs = make([]hpcinfer.NodeJob, len(sg.NodeJobs))
	for i, nj := range sg.NodeJobs {
		cp.NodeJobs[i] = nj
		cp.NodeJobs[i].Replicas = append([]hpcinfer.Replica(nil), nj.Replicas...)
	}
	return cp
}
