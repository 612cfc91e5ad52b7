// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package balancer picks one data-plane endpoint from a set of
// candidates.
package balancer

import (
	"sync"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	RoundRobin  = "round_robin"
	LeastLoaded = "least_loaded"
)

// Strategies lists the recognized strategy names.
var Strategies = []string{RoundRobin, LeastLoaded}

// A Balancer selects endpoints according to its current strategy.
// It is safe for concurrent use.
//
// With RoundRobin, a stable candidate list of length N passed to N
// consecutive Select calls yields each candidate exactly once. The
// rotation cursor is kept across calls.
//
// With LeastLoaded, the candidate with the fewest TotalRequests is
// selected; ties go to the earliest candidate in the list.
type Balancer struct {
	mtx      sync.Mutex
	strategy string
	cursor   uint64

	mSelected *prometheus.CounterVec
}

// New returns a Balancer using the given strategy ("" means
// RoundRobin). If reg is not nil, selection counters are registered
// there.
func New(strategy string, reg *prometheus.Registry) (*Balancer, error) {
	if strategy == "" {
		strategy = RoundRobin
	}
	if !valid(strategy) {
		return nil, hpcinfer.Errorf(hpcinfer.KindValidationError, "unknown load balancing strategy %q", strategy)
	}
	b := &Balancer{
		strategy: strategy,
		mSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpcinfer",
			Subsystem: "loadbalancer",
			Name:      "selections_total",
			Help:      "Endpoints selected, by strategy.",
		}, []string{"strategy"}),
	}
	if reg != nil {
		reg.MustRegister(b.mSelected)
	}
	return b, nil
}

// Strategy returns the name of the current strategy.
func (b *Balancer) Strategy() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.strategy
}

// SetStrategy changes the strategy. An unrecognized name returns a
// validation error and leaves the current strategy unchanged.
func (b *Balancer) SetStrategy(strategy string) error {
	if !valid(strategy) {
		return hpcinfer.Errorf(hpcinfer.KindValidationError, "unknown load balancing strategy %q (valid strategies: %q)", strategy, Strategies)
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.strategy = strategy
	return nil
}

// Select returns one of the candidates, or ErrNoHealthyBackends if
// there are none.
func (b *Balancer) Select(candidates []hpcinfer.Endpoint) (hpcinfer.Endpoint, error) {
	if len(candidates) == 0 {
		return hpcinfer.Endpoint{}, hpcinfer.ErrNoHealthyBackends
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.mSelected.WithLabelValues(b.strategy).Inc()
	switch b.strategy {
	case LeastLoaded:
		best := 0
		for i, ep := range candidates {
			if ep.TotalRequests < candidates[best].TotalRequests {
				best = i
			}
		}
		return candidates[best], nil
	default:
		i := b.cursor % uint64(len(candidates))
		b.cursor++
		return candidates[i], nil
	}
}

func valid(strategy string) bool {
	for _, s := range Strategies {
		if s == strategy {
			return true
		}
	}
	return false
}
