// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpcinfer

// ServiceStatus is the lifecycle state of a service or replica.
type ServiceStatus string

const (
	StatusPending   = ServiceStatus("pending")
	StatusStarting  = ServiceStatus("starting")
	StatusRunning   = ServiceStatus("running")
	StatusCompleted = ServiceStatus("completed")
	StatusFailed    = ServiceStatus("failed")
	StatusCancelled = ServiceStatus("cancelled")
	StatusTimeout   = ServiceStatus("timeout")

	// StatusUnknown is never stored. It is returned when a
	// scheduler-native state has no mapping, meaning "leave the
	// current status alone".
	StatusUnknown = ServiceStatus("")
)

// Group-only aggregate status, reported when some replicas are
// running and enough others have failed.
const StatusDegraded = ServiceStatus("degraded")

var validStatus = map[ServiceStatus]bool{
	StatusPending:   true,
	StatusStarting:  true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusTimeout:   true,
}

// Valid returns true if s is one of the storable service statuses.
func (s ServiceStatus) Valid() bool {
	return validStatus[s]
}

// Terminal returns true for statuses that can never change again.
func (s ServiceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Failed returns true for terminal statuses that count against a
// replica group's health.
func (s ServiceStatus) Failed() bool {
	return s == StatusFailed || s == StatusTimeout
}

// EndpointStatus is the data-plane health of an Endpoint.
type EndpointStatus string

const (
	EndpointUnknown   = EndpointStatus("unknown")
	EndpointHealthy   = EndpointStatus("healthy")
	EndpointUnhealthy = EndpointStatus("unhealthy")
)
