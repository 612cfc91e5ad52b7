// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"

	"git.arvados.org/hpcinfer.git/lib/recipe"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/sirupsen/logrus"
)

// startGroup creates a replica group and submits one job per node.
// If any submission fails, the jobs already submitted are cancelled
// and the group is discarded.
func (o *Orchestrator) startGroup(ctx context.Context, opts hpcinfer.StartOptions, job recipe.Job) (hpcinfer.StartResponse, error) {
	spec := job.Spec
	if len(job.Scripts) != spec.Nodes {
		err := hpcinfer.Errorf(hpcinfer.KindInternal, "recipe %s produced %d scripts for %d nodes", opts.RecipeName, len(job.Scripts), spec.Nodes)
		return startError(err), err
	}
	sg, err := o.registry.CreateReplicaGroup(opts.RecipeName, opts.Config, spec.Nodes, spec.ReplicasPerNode)
	if err != nil {
		return startError(err), err
	}
	logger := o.logger.WithField("GroupID", sg.ID)
	var jobIDs []string
	for node := 0; node < spec.Nodes; node++ {
		jobID, err := o.submit(ctx, job.Scripts[node], spec.ForNode(node))
		if err == nil {
			jobIDs = append(jobIDs, jobID)
			for r := 0; r < spec.ReplicasPerNode; r++ {
				_, err = o.registry.AddReplica(sg.ID, jobID, node, r, spec.ReplicaPort(node, r), spec.ReplicaGPU(r))
				if err != nil {
					break
				}
			}
		}
		if err != nil {
			logger.WithError(err).WithField("NodeIndex", node).Warn("group submission failed, cancelling submitted jobs")
			for _, jobID := range jobIDs {
				o.cancelJob(ctx, jobID)
			}
			o.registry.RemoveGroup(sg.ID)
			return startError(err), err
		}
	}
	for _, jobID := range jobIDs {
		o.cache.Track(jobID)
	}
	logger.WithField("JobIDs", jobIDs).Info("group submitted")
	return hpcinfer.StartResponse{Status: "submitted", GroupID: sg.ID, JobIDs: jobIDs}, nil
}

// StopServiceGroup cancels each distinct job of the group once, and
// marks the group and its unfinished replicas cancelled.
func (o *Orchestrator) StopServiceGroup(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.GroupStopResponse, error) {
	sg, ok := o.registry.GetGroup(opts.ID)
	if !ok {
		return hpcinfer.GroupStopResponse{Status: "error", GroupID: opts.ID, StoppedJobs: []string{}}, o.groupNotFound(opts.ID)
	}
	jobIDs := sg.JobIDs()
	for _, jobID := range jobIDs {
		o.cancelJob(ctx, jobID)
		o.jobFinished(jobID)
	}
	if err := o.registry.UpdateGroupStatus(sg.ID, hpcinfer.StatusCancelled); err != nil {
		return hpcinfer.GroupStopResponse{Status: "error", GroupID: opts.ID, StoppedJobs: []string{}}, err
	}
	for _, rep := range sg.Replicas() {
		o.removeEndpoint(rep.ID)
	}
	o.logger.WithFields(logrus.Fields{
		"GroupID": sg.ID,
		"JobIDs":  jobIDs,
	}).Info("group stopped")
	if jobIDs == nil {
		jobIDs = []string{}
	}
	return hpcinfer.GroupStopResponse{
		Status:      "success",
		GroupID:     sg.ID,
		Stopped:     len(jobIDs),
		StoppedJobs: jobIDs,
	}, nil
}

// DeleteServiceGroup stops the group if it is not already finished,
// and removes it from the registry.
func (o *Orchestrator) DeleteServiceGroup(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.GroupStopResponse, error) {
	sg, ok := o.registry.GetGroup(opts.ID)
	if !ok {
		return hpcinfer.GroupStopResponse{Status: "error", GroupID: opts.ID, StoppedJobs: []string{}}, o.groupNotFound(opts.ID)
	}
	resp := hpcinfer.GroupStopResponse{GroupID: sg.ID, StoppedJobs: []string{}}
	if !sg.Status.Terminal() {
		var err error
		resp, err = o.StopServiceGroup(ctx, opts)
		if err != nil {
			return resp, err
		}
	}
	if _, err := o.registry.RemoveGroup(sg.ID); err != nil {
		return hpcinfer.GroupStopResponse{Status: "error", GroupID: opts.ID, StoppedJobs: []string{}}, err
	}
	for _, rep := range sg.Replicas() {
		o.removeEndpoint(rep.ID)
	}
	for _, jobID := range sg.JobIDs() {
		o.jobFinished(jobID)
		o.cache.Invalidate(jobID)
	}
	resp.Status = "deleted"
	return resp, nil
}

// ListServiceGroups returns all groups, after refreshing the status
// of each unfinished group's jobs through the job cache.
func (o *Orchestrator) ListServiceGroups(ctx context.Context, opts hpcinfer.ListOptions) (hpcinfer.ServiceGroupList, error) {
	for _, sg := range o.registry.ListGroups() {
		if sg.Status.Terminal() {
			continue
		}
		for _, jobID := range sg.JobIDs() {
			if _, _, err := o.cache.GetStatus(ctx, jobID, true); err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"GroupID": sg.ID,
					"JobID":   jobID,
				}).Warn("status refresh failed")
			}
		}
	}
	var list []hpcinfer.ServiceGroup
	for _, sg := range o.registry.ListGroups() {
		if opts.Status != "" && sg.Status != opts.Status {
			continue
		}
		if opts.Recipe != "" && sg.RecipeName != opts.Recipe {
			continue
		}
		list = append(list, sg)
	}
	if list == nil {
		list = []hpcinfer.ServiceGroup{}
	}
	return hpcinfer.ServiceGroupList{Groups: list}, nil
}

// GetServiceGroup returns a group.
func (o *Orchestrator) GetServiceGroup(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.ServiceGroup, error) {
	sg, ok := o.registry.GetGroup(opts.ID)
	if !ok {
		return hpcinfer.ServiceGroup{}, o.groupNotFound(opts.ID)
	}
	return sg, nil
}

// GetServiceGroupStatus returns a group's aggregate health report.
func (o *Orchestrator) GetServiceGroupStatus(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.GroupStatus, error) {
	return o.registry.GroupStatus(opts.ID)
}

func (o *Orchestrator) groupNotFound(id string) error {
	return hpcinfer.Errorf(hpcinfer.KindNotFound, "group %s not found", id)
}
