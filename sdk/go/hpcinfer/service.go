// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpcinfer

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// GroupIDPrefix distinguishes replica group IDs from scheduler job
// IDs.
const GroupIDPrefix = "sg-"

// IsGroupID returns true if id looks like a replica group ID.
func IsGroupID(id string) bool {
	return strings.HasPrefix(id, GroupIDPrefix)
}

// HostPort is a reachable network address.
type HostPort struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// A Service is a single deployed workload instance. Its ID is the
// scheduler job ID, or a replica ID for views synthesized from a
// replica group.
type Service struct {
	ID          string                 `json:"id"`
	RecipeName  string                 `json:"recipeName"`
	Status      ServiceStatus          `json:"status"`
	Config      map[string]interface{} `json:"config,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	LastUpdated time.Time              `json:"lastUpdated"`
	Endpoint    *HostPort              `json:"endpoint,omitempty"`

	// Populated only on views of a group replica.
	GroupID string `json:"groupId,omitempty"`
}

// A ServiceGroup is the set of replicas produced by one
// data-parallel request.
type ServiceGroup struct {
	ID              string                 `json:"id"`
	RecipeName      string                 `json:"recipeName"`
	NumNodes        int                    `json:"numNodes"`
	ReplicasPerNode int                    `json:"replicasPerNode"`
	TotalReplicas   int                    `json:"totalReplicas"`
	Config          map[string]interface{} `json:"config,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastUpdated     time.Time              `json:"lastUpdated"`
	Status          ServiceStatus          `json:"status"`
	NodeJobs        []NodeJob              `json:"nodeJobs"`
}

// Replicas returns all replicas of the group, in node order.
func (sg ServiceGroup) Replicas() []Replica {
	var all []Replica
	for _, nj := range sg.NodeJobs {
		all = append(all, nj.Replicas...)
	}
	return all
}

// JobIDs returns the distinct scheduler job IDs referenced by the
// group, in node order.
func (sg ServiceGroup) JobIDs() []string {
	return lo.Uniq(lo.Map(sg.NodeJobs, func(nj NodeJob, _ int) string {
		return nj.JobID
	}))
}

// A NodeJob is the scheduler job backing one node of a group.
type NodeJob struct {
	JobID        string    `json:"jobId"`
	NodeIndex    int       `json:"nodeIndex"`
	NodeHostname string    `json:"nodeHostname,omitempty"`
	Replicas     []Replica `json:"replicas"`
}

// A Replica is one member of a ServiceGroup.
type Replica struct {
	ID           string        `json:"id"`
	JobID        string        `json:"jobId"`
	NodeIndex    int           `json:"nodeIndex"`
	ReplicaIndex int           `json:"replicaIndex"`
	Port         int           `json:"port"`
	GPUID        int           `json:"gpuId"`
	Status       ServiceStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastUpdated  time.Time     `json:"lastUpdated"`
}

// ReplicaID returns the composite "jobID:port" replica ID.
func ReplicaID(jobID string, port int) string {
	return jobID + ":" + strconv.Itoa(port)
}

// ParseReplicaID splits a composite replica ID. The job ID itself
// never contains ":".
func ParseReplicaID(id string) (jobID string, port int, err error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%q is not a replica ID (want jobID:port)", id)
	}
	port, err = strconv.Atoi(id[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%q is not a replica ID: bad port", id)
	}
	return id[:i], port, nil
}

// IsReplicaID returns true if id parses as a composite replica ID.
func IsReplicaID(id string) bool {
	_, _, err := ParseReplicaID(id)
	return err == nil
}

// An Endpoint is a reachable data-plane inference backend.
type Endpoint struct {
	ServiceID       string         `json:"serviceId"`
	Host            string         `json:"host"`
	Port            int            `json:"port"`
	Model           string         `json:"model,omitempty"`
	Status          EndpointStatus `json:"status"`
	LastHealthCheck time.Time      `json:"lastHealthCheck"`
	TotalRequests   int64          `json:"totalRequests"`
	FailedRequests  int64          `json:"failedRequests"`
}

// Address returns the endpoint's host and port.
func (ep Endpoint) Address() HostPort {
	return HostPort{Host: ep.Host, Port: ep.Port}
}

// ReplicaStatus is one row of a GroupStatus report.
type ReplicaStatus struct {
	ID        string        `json:"id"`
	JobID     string        `json:"jobId"`
	NodeIndex int           `json:"nodeIndex"`
	Port      int           `json:"port"`
	Status    ServiceStatus `json:"status"`
}

// GroupStatus is the aggregate health report of a ServiceGroup.
type GroupStatus struct {
	GroupID          string          `json:"groupId"`
	RecipeName       string          `json:"recipeName"`
	OverallStatus    ServiceStatus   `json:"overallStatus"`
	TotalReplicas    int             `json:"totalReplicas"`
	HealthyReplicas  int             `json:"healthyReplicas"`
	StartingReplicas int             `json:"startingReplicas"`
	PendingReplicas  int             `json:"pendingReplicas"`
	FailedReplicas   int             `json:"failedReplicas"`
	Replicas         []ReplicaStatus `json:"replicas"`
}
