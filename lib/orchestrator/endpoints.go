// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"sort"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/sirupsen/logrus"
)

type endpointEntry struct {
	ep     hpcinfer.Endpoint
	cancel context.CancelFunc
}

// addEndpoint adds or replaces the endpoint for ep.ServiceID, and
// starts its health supervisor.
func (o *Orchestrator) addEndpoint(ep hpcinfer.Endpoint) {
	ctx, cancel := context.WithCancel(o.ctx)
	o.mtx.Lock()
	if old, ok := o.endpoints[ep.ServiceID]; ok {
		old.cancel()
		ep.TotalRequests = old.ep.TotalRequests
		ep.FailedRequests = old.ep.FailedRequests
	}
	o.endpoints[ep.ServiceID] = &endpointEntry{ep: ep, cancel: cancel}
	o.mtx.Unlock()
	o.supervisors.Add(1)
	go func() {
		defer o.supervisors.Done()
		o.superviseEndpoint(ctx, ep)
	}()
}

// removeEndpoint drops the endpoint for the given service or replica
// ID, if any, and stops its health supervisor.
func (o *Orchestrator) removeEndpoint(id string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if ent, ok := o.endpoints[id]; ok {
		ent.cancel()
		delete(o.endpoints, id)
		o.logger.WithField("ServiceID", id).Info("endpoint removed")
	}
}

// superviseEndpoint probes the endpoint every Health.Interval until
// ctx is cancelled.
func (o *Orchestrator) superviseEndpoint(ctx context.Context, ep hpcinfer.Endpoint) {
	ticker := time.NewTicker(o.cluster.Health.Interval.Or(30 * time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := o.prober.Probe(ctx, ep.Host, ep.Port)
		if ctx.Err() != nil {
			return
		}
		o.setEndpointHealth(ep.ServiceID, err)
	}
}

// setEndpointHealth records the result of a health probe.
func (o *Orchestrator) setEndpointHealth(id string, probeErr error) {
	status := hpcinfer.EndpointHealthy
	if probeErr != nil {
		status = hpcinfer.EndpointUnhealthy
	}
	o.mtx.Lock()
	ent, ok := o.endpoints[id]
	var old hpcinfer.EndpointStatus
	if ok {
		old = ent.ep.Status
		ent.ep.Status = status
		ent.ep.LastHealthCheck = o.now()
	}
	o.mtx.Unlock()
	if !ok {
		return
	}
	if probeErr == nil {
		o.registry.MarkServiceHealthy(id)
	} else {
		o.registry.InvalidateServiceHealth(id)
	}
	if old != status {
		logger := o.logger.WithFields(logrus.Fields{
			"ServiceID": id,
			"OldState":  old,
			"State":     status,
		})
		if probeErr != nil {
			logger.WithError(probeErr).Warn("endpoint health changed")
		} else {
			logger.Info("endpoint health changed")
		}
	}
}

// countRequest updates an endpoint's request counters.
func (o *Orchestrator) countRequest(id string, failed bool) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	ent, ok := o.endpoints[id]
	if !ok {
		return
	}
	ent.ep.TotalRequests++
	if failed {
		ent.ep.FailedRequests++
	}
}

// endpointList returns copies of all endpoints, sorted by service ID.
// If healthyOnly is true, only healthy endpoints are returned.
func (o *Orchestrator) endpointList(healthyOnly bool) []hpcinfer.Endpoint {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	list := make([]hpcinfer.Endpoint, 0, len(o.endpoints))
	for _, ent := range o.endpoints {
		if healthyOnly && ent.ep.Status != hpcinfer.EndpointHealthy {
			continue
		}
		list = append(list, ent.ep)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ServiceID < list[j].ServiceID })
	return list
}

// fillEndpoint sets svc.Endpoint from the endpoint table if the
// registry doesn't have one (as for replica views).
func (o *Orchestrator) fillEndpoint(svc *hpcinfer.Service) {
	if svc.Endpoint != nil {
		return
	}
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if ent, ok := o.endpoints[svc.ID]; ok {
		hp := ent.ep.Address()
		svc.Endpoint = &hp
	}
}
