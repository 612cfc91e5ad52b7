// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobcache caches scheduler job status and detail lookups,
// and refreshes the entries for tracked jobs in the background.
package jobcache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultTTL            = 10 * time.Second
	defaultUpdateInterval = 8 * time.Second
	defaultStopTimeout    = 10 * time.Second
	defaultMaxEntries     = 4096
)

// ErrStopTimeout is returned by Stop if the background loop does
// not exit within StopTimeout.
var ErrStopTimeout = errors.New("timed out waiting for background updates to stop")

// A Cache sits in front of the scheduler's status and detail
// queries. GetStatus and GetDetails return fresh cached values
// without calling the scheduler; Update (called every
// UpdateInterval by the background loop, see Start) refreshes the
// entries for every tracked job.
//
// The zero value is not usable: FetchStatus and FetchDetails must be
// set. Other fields have defaults.
type Cache struct {
	FetchStatus  func(ctx context.Context, jobID string) (string, error)
	FetchDetails func(ctx context.Context, jobID string) (map[string]string, error)

	// Optional. Called once at the end of each background
	// refresh cycle with the job IDs that were refreshed.
	SyncLogs func(ctx context.Context, jobIDs []string)

	TTL            time.Duration
	UpdateInterval time.Duration
	StopTimeout    time.Duration
	MaxEntries     int

	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	setupOnce sync.Once
	status    *lru.TwoQueueCache
	details   *lru.TwoQueueCache
	stats     cacheStats

	mtx     sync.Mutex
	tracked map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}

	mTracked       prometheus.Gauge
	mRequests      *prometheus.CounterVec
	mRefreshErrors prometheus.Counter

	// for tests
	now func() time.Time
}

type cacheStats struct {
	hits          uint64
	misses        uint64
	refreshes     uint64
	refreshErrors uint64
}

type cachedStatus struct {
	fetched time.Time
	status  string
}

type cachedDetails struct {
	fetched time.Time
	details map[string]string
}

// New returns a Cache with the given fetch functions and settings.
func New(cfg hpcinfer.CacheConfig, fetchStatus func(context.Context, string) (string, error), fetchDetails func(context.Context, string) (map[string]string, error), logger logrus.FieldLogger, reg *prometheus.Registry) *Cache {
	return &Cache{
		FetchStatus:    fetchStatus,
		FetchDetails:   fetchDetails,
		TTL:            cfg.TTL.Duration(),
		UpdateInterval: cfg.UpdateInterval.Duration(),
		StopTimeout:    cfg.StopTimeout.Duration(),
		MaxEntries:     cfg.MaxEntries,
		Logger:         logger,
		Registry:       reg,
	}
}

func (c *Cache) setup() {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = defaultUpdateInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	var err error
	c.status, err = lru.New2Q(c.MaxEntries)
	if err != nil {
		panic(err)
	}
	c.details, err = lru.New2Q(c.MaxEntries)
	if err != nil {
		panic(err)
	}
	c.tracked = map[string]bool{}
	c.registerMetrics()
}

func (c *Cache) registerMetrics() {
	c.mTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hpcinfer",
		Subsystem: "jobcache",
		Name:      "tracked_jobs",
		Help:      "Number of scheduler jobs refreshed by the background loop.",
	})
	c.mRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hpcinfer",
		Subsystem: "jobcache",
		Name:      "requests_total",
		Help:      "Cache lookups, by result.",
	}, []string{"result"})
	c.mRefreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hpcinfer",
		Subsystem: "jobcache",
		Name:      "refresh_errors_total",
		Help:      "Failed background refreshes of individual jobs.",
	})
	if c.Registry != nil {
		c.Registry.MustRegister(c.mTracked, c.mRequests, c.mRefreshErrors)
	}
}

// GetStatus returns the scheduler status of the given job. A fresh
// cached value is returned immediately. Otherwise, if fetchIfMissing
// is true, the status is fetched, cached, and returned; if false,
// the second return value is false.
func (c *Cache) GetStatus(ctx context.Context, jobID string, fetchIfMissing bool) (string, bool, error) {
	c.setupOnce.Do(c.setup)
	if ent, ok := c.status.Get(jobID); ok {
		ent := ent.(*cachedStatus)
		if c.fresh(ent.fetched) {
			c.hit()
			return ent.status, true, nil
		}
		c.status.Remove(jobID)
	}
	c.miss()
	if !fetchIfMissing {
		return "", false, nil
	}
	status, err := c.refreshStatus(ctx, jobID)
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// GetDetails is like GetStatus, but for the job's detail record.
func (c *Cache) GetDetails(ctx context.Context, jobID string, fetchIfMissing bool) (map[string]string, bool, error) {
	c.setupOnce.Do(c.setup)
	if ent, ok := c.details.Get(jobID); ok {
		ent := ent.(*cachedDetails)
		if c.fresh(ent.fetched) {
			c.hit()
			return copyDetails(ent.details), true, nil
		}
		c.details.Remove(jobID)
	}
	c.miss()
	if !fetchIfMissing {
		return nil, false, nil
	}
	details, err := c.refreshDetails(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return copyDetails(details), true, nil
}

// Invalidate drops any cached values for the given job.
func (c *Cache) Invalidate(jobID string) {
	c.setupOnce.Do(c.setup)
	c.status.Remove(jobID)
	c.details.Remove(jobID)
}

// Track adds a job to the set refreshed by the background loop.
func (c *Cache) Track(jobID string) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.tracked[jobID] = true
	c.mTracked.Set(float64(len(c.tracked)))
}

// Untrack removes a job from the set refreshed by the background
// loop.
func (c *Cache) Untrack(jobID string) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.tracked, jobID)
	c.mTracked.Set(float64(len(c.tracked)))
}

// Tracked returns the tracked job IDs, sorted.
func (c *Cache) Tracked() []string {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Update refreshes the status and details of every tracked job. A
// failure to refresh one job is logged, and does not prevent the
// others from being refreshed.
func (c *Cache) Update(ctx context.Context) {
	c.setupOnce.Do(c.setup)
	ids := c.Tracked()
	for _, jobID := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.refreshStatus(ctx, jobID); err != nil {
			c.refreshFailed(jobID, "status", err)
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := c.refreshDetails(ctx, jobID); err != nil {
			c.refreshFailed(jobID, "details", err)
		}
	}
	if c.SyncLogs != nil && len(ids) > 0 && ctx.Err() == nil {
		c.SyncLogs(ctx, ids)
	}
}

// Start launches the background loop, which calls Update every
// UpdateInterval until Stop is called. Start is a no-op if the loop
// is already running.
func (c *Cache) Start() {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	c.Logger.WithField("UpdateInterval", c.UpdateInterval.String()).Info("job cache background updates started")
}

// Stop signals the background loop to exit and waits up to
// StopTimeout for it to do so.
func (c *Cache) Stop() error {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	cancel, done := c.cancel, c.done
	c.mtx.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(c.StopTimeout):
		c.Logger.WithField("StopTimeout", c.StopTimeout.String()).Warn(ErrStopTimeout)
		return ErrStopTimeout
	}
	c.mtx.Lock()
	if c.done == done {
		c.cancel, c.done = nil, nil
	}
	c.mtx.Unlock()
	c.Logger.Info("job cache background updates stopped")
	return nil
}

// Running returns true while the background loop is alive.
func (c *Cache) Running() bool {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	done := c.done
	c.mtx.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stats returns operational counters.
func (c *Cache) Stats() hpcinfer.CacheStats {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	tracked := len(c.tracked)
	c.mtx.Unlock()
	return hpcinfer.CacheStats{
		TrackedJobs:   tracked,
		StatusEntries: c.status.Len(),
		DetailEntries: c.details.Len(),
		Running:       c.Running(),
		Hits:          atomic.LoadUint64(&c.stats.hits),
		Misses:        atomic.LoadUint64(&c.stats.misses),
		Refreshes:     atomic.LoadUint64(&c.stats.refreshes),
		RefreshErrors: atomic.LoadUint64(&c.stats.refreshErrors),
	}
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.Update(ctx)
	}
}

func (c *Cache) refreshStatus(ctx context.Context, jobID string) (string, error) {
	status, err := c.FetchStatus(ctx, jobID)
	if err != nil {
		return "", err
	}
	atomic.AddUint64(&c.stats.refreshes, 1)
	c.status.Add(jobID, &cachedStatus{fetched: c.now(), status: status})
	return status, nil
}

func (c *Cache) refreshDetails(ctx context.Context, jobID string) (map[string]string, error) {
	if c.FetchDetails == nil {
		return nil, nil
	}
	details, err := c.FetchDetails(ctx, jobID)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&c.stats.refreshes, 1)
	c.details.Add(jobID, &cachedDetails{fetched: c.now(), details: copyDetails(details)})
	return details, nil
}

func (c *Cache) refreshFailed(jobID, what string, err error) {
	atomic.AddUint64(&c.stats.refreshErrors, 1)
	c.mRefreshErrors.Inc()
	c.Logger.WithError(err).WithFields(logrus.Fields{
		"JobID": jobID,
		"Item":  what,
	}).Warn("background refresh failed")
}

func (c *Cache) fresh(fetched time.Time) bool {
	return c.now().Sub(fetched) < c.TTL
}

func (c *Cache) hit() {
	atomic.AddUint64(&c.stats.hits, 1)
	c.mRequests.WithLabelValues("hit").Inc()
}

func (c *Cache) miss() {
	atomic.AddUint64(&c.stats.misses, 1)
	c.mRequests.WithLabelValues("miss").Inc()
}

func copyDetails(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
