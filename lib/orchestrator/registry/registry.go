// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package registry keeps the in-memory record of services and
// replica groups. It is the only authority on their status.
package registry

import (
	"sort"
	"sync"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// A Registry stores Services and ServiceGroups.
//
// All mutating methods are serialized by a single lock. Read methods
// return copies, never references to the stored records, so callers
// can use the results without holding any lock.
//
// A service or replica whose status is terminal (completed, failed,
// cancelled, timeout) never changes status again, regardless of
// which caller asks.
type Registry struct {
	logger logrus.FieldLogger

	// Number of failed replicas at which a group with running
	// replicas is reported as degraded. Zero disables degraded.
	DegradedFailureThreshold int

	mtx      sync.RWMutex
	services map[string]*hpcinfer.Service
	byStatus map[hpcinfer.ServiceStatus]map[string]bool
	byRecipe map[string]map[string]bool
	groups   map[string]*hpcinfer.ServiceGroup
	replicas map[string]string // replica ID => group ID
	healthy  map[string]time.Time

	// for tests
	now func() time.Time
}

// New returns an empty Registry.
func New(logger logrus.FieldLogger, degradedFailureThreshold int) *Registry {
	return &Registry{
		logger:                   logger,
		DegradedFailureThreshold: degradedFailureThreshold,
		services:                 map[string]*hpcinfer.Service{},
		byStatus:                 map[hpcinfer.ServiceStatus]map[string]bool{},
		byRecipe:                 map[string]map[string]bool{},
		groups:                   map[string]*hpcinfer.ServiceGroup{},
		replicas:                 map[string]string{},
		healthy:                  map[string]time.Time{},
		now:                      time.Now,
	}
}

// SetClock replaces the time source used for timestamps and health
// freshness.
func (reg *Registry) SetClock(now func() time.Time) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	reg.now = now
}

// RegisterService adds a new service. Status defaults to pending;
// CreatedAt and LastUpdated default to the current time.
func (reg *Registry) RegisterService(svc hpcinfer.Service) (hpcinfer.Service, error) {
	if svc.ID == "" {
		return hpcinfer.Service{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "service ID must not be empty")
	}
	if svc.Status == hpcinfer.StatusUnknown {
		svc.Status = hpcinfer.StatusPending
	} else if !svc.Status.Valid() {
		return hpcinfer.Service{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "invalid status %q", svc.Status)
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if _, exists := reg.services[svc.ID]; exists {
		return hpcinfer.Service{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "service %s is already registered", svc.ID)
	}
	now := reg.now()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	if svc.LastUpdated.IsZero() {
		svc.LastUpdated = now
	}
	stored := copyService(&svc)
	reg.services[svc.ID] = &stored
	reg.index(&stored)
	reg.logger.WithFields(logrus.Fields{
		"ServiceID": svc.ID,
		"Recipe":    svc.RecipeName,
		"State":     svc.Status,
	}).Info("service registered")
	return copyService(&stored), nil
}

// UpdateServiceStatus changes the status of a service and moves it
// to the matching index. It returns false without error if the
// service is already in a terminal status, or already has the
// requested status.
func (reg *Registry) UpdateServiceStatus(id string, status hpcinfer.ServiceStatus) (bool, error) {
	return reg.updateServiceStatus(id, status, false)
}

func (reg *Registry) updateServiceStatus(id string, status hpcinfer.ServiceStatus, advance bool) (bool, error) {
	if !status.Valid() {
		return false, hpcinfer.Errorf(hpcinfer.KindValidationError, "invalid status %q", status)
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	svc, ok := reg.services[id]
	if !ok {
		return false, hpcinfer.Errorf(hpcinfer.KindNotFound, "service %s not found", id)
	}
	if svc.Status == status {
		return false, nil
	}
	if advance && !status.Terminal() && rank(status) <= rank(svc.Status) {
		return false, nil
	}
	if svc.Status.Terminal() {
		reg.logger.WithFields(logrus.Fields{
			"ServiceID": id,
			"State":     svc.Status,
			"Requested": status,
		}).Debug("ignoring status change on terminal service")
		return false, nil
	}
	reg.unindex(svc)
	old := svc.Status
	svc.Status = status
	svc.LastUpdated = reg.now()
	reg.index(svc)
	if status.Terminal() {
		delete(reg.healthy, id)
	}
	reg.logger.WithFields(logrus.Fields{
		"ServiceID": id,
		"OldState":  old,
		"State":     status,
	}).Info("service state changed")
	return true, nil
}

// AdvanceServiceStatus is like UpdateServiceStatus, except that a
// non-terminal status is applied only if it comes later in the
// pending, starting, running sequence than the current status.
func (reg *Registry) AdvanceServiceStatus(id string, status hpcinfer.ServiceStatus) (bool, error) {
	return reg.updateServiceStatus(id, status, true)
}

// SetServiceEndpoint records the data-plane address of a service.
func (reg *Registry) SetServiceEndpoint(id string, ep hpcinfer.HostPort) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	svc, ok := reg.services[id]
	if !ok {
		return hpcinfer.Errorf(hpcinfer.KindNotFound, "service %s not found", id)
	}
	svc.Endpoint = &ep
	svc.LastUpdated = reg.now()
	return nil
}

// RemoveService deletes a service and returns its last state.
func (reg *Registry) RemoveService(id string) (hpcinfer.Service, error) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	svc, ok := reg.services[id]
	if !ok {
		return hpcinfer.Service{}, hpcinfer.Errorf(hpcinfer.KindNotFound, "service %s not found", id)
	}
	reg.unindex(svc)
	delete(reg.services, id)
	delete(reg.healthy, id)
	reg.logger.WithField("ServiceID", id).Info("service removed")
	return copyService(svc), nil
}

// GetService returns a copy of the service with the given ID. Like a
// map lookup, its second return value is false if there is no such
// service.
func (reg *Registry) GetService(id string) (hpcinfer.Service, bool) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	svc, ok := reg.services[id]
	if !ok {
		return hpcinfer.Service{}, false
	}
	return copyService(svc), true
}

// ListServices returns the services matching the given status and
// recipe filters. An empty filter matches everything. Results are
// ordered by creation time.
func (reg *Registry) ListServices(status hpcinfer.ServiceStatus, recipe string) []hpcinfer.Service {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	var ids map[string]bool
	switch {
	case status != "" && recipe != "":
		// Walk the smaller index, check the other.
		a, b := reg.byStatus[status], reg.byRecipe[recipe]
		if len(b) < len(a) {
			a, b = b, a
		}
		ids = make(map[string]bool)
		for id := range a {
			if b[id] {
				ids[id] = true
			}
		}
	case status != "":
		ids = reg.byStatus[status]
	case recipe != "":
		ids = reg.byRecipe[recipe]
	default:
		ids = make(map[string]bool, len(reg.services))
		for id := range reg.services {
			ids[id] = true
		}
	}
	list := make([]hpcinfer.Service, 0, len(ids))
	for id := range ids {
		list = append(list, copyService(reg.services[id]))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// CountByStatus returns the number of services in each status.
func (reg *Registry) CountByStatus() map[hpcinfer.ServiceStatus]int {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	counts := map[hpcinfer.ServiceStatus]int{}
	for status, ids := range reg.byStatus {
		if len(ids) > 0 {
			counts[status] = len(ids)
		}
	}
	return counts
}

// MarkServiceHealthy records that the service answered a request
// successfully just now.
func (reg *Registry) MarkServiceHealthy(id string) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	reg.healthy[id] = reg.now()
}

// IsServiceRecentlyHealthy returns true if MarkServiceHealthy was
// called for the service within the last maxAge.
func (reg *Registry) IsServiceRecentlyHealthy(id string, maxAge time.Duration) bool {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	t, ok := reg.healthy[id]
	return ok && reg.now().Sub(t) <= maxAge
}

// InvalidateServiceHealth forgets any MarkServiceHealthy record for
// the service.
func (reg *Registry) InvalidateServiceHealth(id string) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	delete(reg.healthy, id)
}

// Caller must have lock.
func (reg *Registry) index(svc *hpcinfer.Service) {
	if reg.byStatus[svc.Status] == nil {
		reg.byStatus[svc.Status] = map[string]bool{}
	}
	reg.byStatus[svc.Status][svc.ID] = true
	if reg.byRecipe[svc.RecipeName] == nil {
		reg.byRecipe[svc.RecipeName] = map[string]bool{}
	}
	reg.byRecipe[svc.RecipeName][svc.ID] = true
}

// Caller must have lock.
func (reg *Registry) unindex(svc *hpcinfer.Service) {
	delete(reg.byStatus[svc.Status], svc.ID)
	if len(reg.byStatus[svc.Status]) == 0 {
		delete(reg.byStatus, svc.Status)
	}
	delete(reg.byRecipe[svc.RecipeName], svc.ID)
	if len(reg.byRecipe[svc.RecipeName]) == 0 {
		delete(reg.byRecipe, svc.RecipeName)
	}
}

// rank orders the non-terminal statuses.
func rank(status hpcinfer.ServiceStatus) int {
	switch status {
	case hpcinfer.StatusStarting:
		return 1
	case hpcinfer.StatusRunning:
		return 2
	default:
		return 0
	}
}

func copyService(svc *hpcinfer.Service) hpcinfer.Service {
	cp := *svc
	cp.Config = copyConfig(svc.Config)
	if svc.Endpoint != nil {
		ep := *svc.Endpoint
		cp.Endpoint = &ep
	}
	return cp
}

func copyConfig(cfg map[string]interface{}) map[string]interface{} {
	if cfg == nil {
		return nil
	}
	return lo.Assign(cfg)
}

func newGroupID() string {
	return hpcinfer.GroupIDPrefix + uuid.NewString()
}
