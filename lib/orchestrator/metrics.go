// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/prometheus/client_golang/prometheus"
)

// GetMetrics returns aggregate counters for services, groups,
// endpoints, and the job cache.
func (o *Orchestrator) GetMetrics(ctx context.Context, opts hpcinfer.MetricsOptions) (hpcinfer.Metrics, error) {
	m := hpcinfer.Metrics{
		Services:     o.registry.CountByStatus(),
		Groups:       len(o.registry.ListGroups()),
		LoadBalancer: o.balancer.Strategy(),
		Backends:     o.endpointList(false),
		Cache:        o.cache.Stats(),
	}
	m.Endpoints = len(m.Backends)
	for _, ep := range m.Backends {
		if ep.Status == hpcinfer.EndpointHealthy {
			m.HealthyEndpoints++
		}
		m.TotalRequests += ep.TotalRequests
		m.FailedRequests += ep.FailedRequests
	}
	return m, nil
}

func (o *Orchestrator) registerMetrics(reg *prometheus.Registry) {
	o.mForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hpcinfer",
		Name:      "forwarded_requests_total",
		Help:      "Data-plane requests forwarded to backends, by backend and outcome.",
	}, []string{"backend", "outcome"})
	if reg == nil {
		return
	}
	reg.MustRegister(o.mForwarded)
	reg.MustRegister(&stateCollector{o: o})
}

// stateCollector reports registry and endpoint state at scrape time.
type stateCollector struct {
	o *Orchestrator
}

var (
	servicesDesc = prometheus.NewDesc("hpcinfer_services", "Number of services in each status.", []string{"status"}, nil)
	groupsDesc   = prometheus.NewDesc("hpcinfer_groups", "Number of replica groups in each status.", []string{"status"}, nil)
	endpointDesc = prometheus.NewDesc("hpcinfer_endpoints", "Number of registered data-plane endpoints in each health status.", []string{"status"}, nil)
)

func (sc *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- servicesDesc
	ch <- groupsDesc
	ch <- endpointDesc
}

func (sc *stateCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range sc.o.registry.CountByStatus() {
		ch <- prometheus.MustNewConstMetric(servicesDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	groups := map[hpcinfer.ServiceStatus]int{}
	for _, sg := range sc.o.registry.ListGroups() {
		groups[sg.Status]++
	}
	for status, n := range groups {
		ch <- prometheus.MustNewConstMetric(groupsDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	endpoints := map[hpcinfer.EndpointStatus]int{}
	for _, ep := range sc.o.endpointList(false) {
		endpoints[ep.Status]++
	}
	for status, n := range endpoints {
		ch <- prometheus.MustNewConstMetric(endpointDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
