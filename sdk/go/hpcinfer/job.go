// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpcinfer

import "fmt"

// JobSpec describes the allocation requested for one scheduler job
// and the replica layout of the workload it runs.
type JobSpec struct {
	Name            string   `json:"name"`
	Nodes           int      `json:"nodes"`
	ReplicasPerNode int      `json:"replicasPerNode"`
	GPUsPerReplica  int      `json:"gpusPerReplica"`
	CPUsPerTask     int      `json:"cpusPerTask,omitempty"`
	MemoryMB        int64    `json:"memoryMB,omitempty"`
	TimeLimit       string   `json:"timeLimit,omitempty"`
	Partition       string   `json:"partition,omitempty"`
	Account         string   `json:"account,omitempty"`
	ExtraArgs       []string `json:"extraArgs,omitempty"`
	BasePort        int      `json:"basePort"`
	Model           string   `json:"model,omitempty"`
}

// TotalReplicas returns the number of replicas across all nodes.
func (spec JobSpec) TotalReplicas() int {
	return spec.Nodes * spec.ReplicasPerNode
}

// ForNode returns the spec of the single-node job that runs the
// replicas of the given node.
func (spec JobSpec) ForNode(node int) JobSpec {
	nspec := spec
	nspec.Nodes = 1
	if spec.Nodes > 1 {
		nspec.Name = fmt.Sprintf("%s-n%d", spec.Name, node)
	}
	return nspec
}

// ReplicaPort returns the port of replica r on the given node.
// Ports are distinct across the nodes of a group.
func (spec JobSpec) ReplicaPort(node, r int) int {
	return spec.BasePort + node*spec.ReplicasPerNode + r
}

// ReplicaGPU returns the first GPU index (on its node) of replica r.
func (spec JobSpec) ReplicaGPU(r int) int {
	return r * spec.GPUsPerReplica
}
