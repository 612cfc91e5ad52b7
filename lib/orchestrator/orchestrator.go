// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package orchestrator implements hpcinfer.API in-process: it turns
// recipes into scheduler jobs, tracks the resulting services and
// replica groups, and forwards data-plane requests to their
// endpoints.
package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"git.arvados.org/hpcinfer.git/lib/orchestrator/balancer"
	"git.arvados.org/hpcinfer.git/lib/orchestrator/jobcache"
	"git.arvados.org/hpcinfer.git/lib/orchestrator/registry"
	"git.arvados.org/hpcinfer.git/lib/recipe"
	"git.arvados.org/hpcinfer.git/lib/slurm"
	"git.arvados.org/hpcinfer.git/sdk/go/health"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Scheduler submits, cancels, and queries batch jobs. It is
// typically a *slurm.Client.
type Scheduler interface {
	Submit(ctx context.Context, script string, spec hpcinfer.JobSpec) (string, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Status(ctx context.Context, jobID string) (string, error)
	Details(ctx context.Context, jobID string) (map[string]string, error)
}

// A ScriptBuilder turns a recipe name and config overlay into a
// ready-to-submit job. It is typically a *recipe.Builder.
type ScriptBuilder interface {
	Build(name string, config map[string]interface{}, account string) (recipe.Job, error)
}

// Orchestrator implements hpcinfer.API.
type Orchestrator struct {
	cluster   *hpcinfer.Config
	logger    logrus.FieldLogger
	scheduler Scheduler
	builder   ScriptBuilder
	registry  *registry.Registry
	cache     *jobcache.Cache
	balancer  *balancer.Balancer
	prober    *health.Prober
	client    *http.Client

	// MapStatus converts scheduler-native job states. Defaults
	// to slurm.MapStatus.
	MapStatus func(string) hpcinfer.ServiceStatus

	ctx         context.Context
	cancel      context.CancelFunc
	supervisors sync.WaitGroup

	mtx       sync.Mutex
	endpoints map[string]*endpointEntry
	unknown   map[string]int // job ID => consecutive UNKNOWN results

	mForwarded *prometheus.CounterVec
	now        func() time.Time

	// for tests
	registerChecked func(id string)
}

var _ hpcinfer.API = (*Orchestrator)(nil)

// New returns an Orchestrator that submits jobs built by builder to
// scheduler. Metrics are registered in reg if it is not nil.
func New(cluster *hpcinfer.Config, scheduler Scheduler, builder ScriptBuilder, logger logrus.FieldLogger, reg *prometheus.Registry) (*Orchestrator, error) {
	bal, err := balancer.New(cluster.LoadBalancer.Strategy, reg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cluster:   cluster,
		logger:    logger,
		scheduler: scheduler,
		builder:   builder,
		registry:  registry.New(logger, cluster.Groups.DegradedFailureThreshold),
		balancer:  bal,
		prober:    health.NewProber(logger, cluster.Health.Path, cluster.Health.Timeout.Duration(), cluster.Health.Retries),
		client:    &http.Client{},
		MapStatus: slurm.MapStatus,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: map[string]*endpointEntry{},
		unknown:   map[string]int{},
		now:       time.Now,
	}
	o.cache = jobcache.New(cluster.Cache, o.fetchJobStatus, o.fetchJobDetails, logger, reg)
	o.registerMetrics(reg)
	return o, nil
}

// Start launches the job cache's background refresh loop.
func (o *Orchestrator) Start() {
	o.cache.Start()
}

// Close stops all background work: the job cache refresh loop and
// every endpoint health supervisor.
func (o *Orchestrator) Close() error {
	o.cancel()
	err := o.cache.Stop()
	o.supervisors.Wait()
	return err
}

// Registry returns the service registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// StartService builds the named recipe and submits it. If the
// resulting workload has more than one replica, a replica group is
// created and one job is submitted per node.
func (o *Orchestrator) StartService(ctx context.Context, opts hpcinfer.StartOptions) (hpcinfer.StartResponse, error) {
	job, err := o.builder.Build(opts.RecipeName, opts.Config, o.cluster.Account)
	if err != nil {
		return startError(err), err
	}
	if job.Spec.TotalReplicas() > 1 {
		return o.startGroup(ctx, opts, job)
	}
	jobID, err := o.submit(ctx, job.Script(), job.Spec)
	if err != nil {
		return startError(err), err
	}
	_, err = o.registry.RegisterService(hpcinfer.Service{
		ID:         jobID,
		RecipeName: opts.RecipeName,
		Config:     opts.Config,
	})
	if err != nil {
		return startError(err), err
	}
	o.cache.Track(jobID)
	return hpcinfer.StartResponse{Status: "submitted", JobID: jobID}, nil
}

func (o *Orchestrator) submit(ctx context.Context, script string, spec hpcinfer.JobSpec) (string, error) {
	jobID, err := o.scheduler.Submit(ctx, script, spec)
	if err != nil {
		e := hpcinfer.AsError(err)
		if e.Kind == hpcinfer.KindInternal {
			return "", hpcinfer.Errorf(hpcinfer.KindUpstreamError, "submit failed: %s", err)
		}
		return "", err
	}
	return jobID, nil
}

func startError(err error) hpcinfer.StartResponse {
	return hpcinfer.StartResponse{Status: "error", Message: hpcinfer.AsError(err).Message}
}

// StopService cancels the service's job and marks it cancelled. The
// registry transition happens even if the scheduler's cancel call
// fails.
func (o *Orchestrator) StopService(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.StopResponse, error) {
	if _, ok := o.registry.GetService(opts.ID); !ok {
		err := o.notFound(opts.ID)
		return hpcinfer.StopResponse{Status: "error", ID: opts.ID, Message: hpcinfer.AsError(err).Message}, err
	}
	o.cancelJob(ctx, opts.ID)
	if _, err := o.registry.UpdateServiceStatus(opts.ID, hpcinfer.StatusCancelled); err != nil {
		return hpcinfer.StopResponse{Status: "error", ID: opts.ID, Message: hpcinfer.AsError(err).Message}, err
	}
	o.jobFinished(opts.ID)
	o.removeEndpoint(opts.ID)
	return hpcinfer.StopResponse{Status: "cancelled", ID: opts.ID}, nil
}

// DeleteService stops the service if it is not already finished, and
// removes it from the registry.
func (o *Orchestrator) DeleteService(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.StopResponse, error) {
	svc, ok := o.registry.GetService(opts.ID)
	if !ok {
		err := o.notFound(opts.ID)
		return hpcinfer.StopResponse{Status: "error", ID: opts.ID, Message: hpcinfer.AsError(err).Message}, err
	}
	if !svc.Status.Terminal() {
		if resp, err := o.StopService(ctx, opts); err != nil {
			return resp, err
		}
	}
	if _, err := o.registry.RemoveService(opts.ID); err != nil {
		return hpcinfer.StopResponse{Status: "error", ID: opts.ID, Message: hpcinfer.AsError(err).Message}, err
	}
	o.jobFinished(opts.ID)
	o.cache.Invalidate(opts.ID)
	o.removeEndpoint(opts.ID)
	return hpcinfer.StopResponse{Status: "deleted", ID: opts.ID}, nil
}

// RegisterService records the data-plane endpoint announced by a
// running workload, marks the service (or replica) running, and
// starts a health supervisor for the endpoint.
func (o *Orchestrator) RegisterService(ctx context.Context, opts hpcinfer.RegisterOptions) (hpcinfer.RegisterResponse, error) {
	if opts.Host == "" {
		return hpcinfer.RegisterResponse{Status: "error"}, hpcinfer.Errorf(hpcinfer.KindValidationError, "host must not be empty")
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return hpcinfer.RegisterResponse{Status: "error"}, hpcinfer.Errorf(hpcinfer.KindValidationError, "port %d out of range", opts.Port)
	}
	status, ok := o.currentStatus(opts.ID)
	if !ok {
		return hpcinfer.RegisterResponse{Status: "error"}, o.notFound(opts.ID)
	}
	if status.Terminal() {
		return hpcinfer.RegisterResponse{Status: "error"}, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s is already %s", opts.ID, status)
	}
	if o.registerChecked != nil {
		o.registerChecked(opts.ID)
	}

	ep := hpcinfer.Endpoint{
		ServiceID:       opts.ID,
		Host:            opts.Host,
		Port:            opts.Port,
		Model:           opts.Model,
		Status:          hpcinfer.EndpointHealthy,
		LastHealthCheck: o.now(),
	}
	var err error
	if hpcinfer.IsReplicaID(opts.ID) {
		if _, _, ok := o.registry.GetReplica(opts.ID); ok {
			_, err = o.registry.UpdateReplicaStatus(opts.ID, hpcinfer.StatusRunning)
		}
	} else {
		err = o.registry.SetServiceEndpoint(opts.ID, ep.Address())
		if err == nil {
			_, err = o.registry.UpdateServiceStatus(opts.ID, hpcinfer.StatusRunning)
		}
	}
	if err != nil {
		return hpcinfer.RegisterResponse{Status: "error"}, err
	}
	o.addEndpoint(ep)
	// A stop that landed after the check above has already
	// removed its endpoint (or will, after this point), so drop
	// ours if the service finished in the meantime.
	if status, ok := o.currentStatus(opts.ID); !ok {
		o.removeEndpoint(opts.ID)
		return hpcinfer.RegisterResponse{Status: "error"}, o.notFound(opts.ID)
	} else if status.Terminal() {
		o.removeEndpoint(opts.ID)
		return hpcinfer.RegisterResponse{Status: "error"}, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s is already %s", opts.ID, status)
	}
	o.registry.MarkServiceHealthy(opts.ID)
	o.logger.WithFields(logrus.Fields{
		"ServiceID": opts.ID,
		"Endpoint":  ep.Address().String(),
		"Model":     opts.Model,
	}).Info("endpoint registered")
	return hpcinfer.RegisterResponse{Status: "registered", Endpoint: ep}, nil
}

// ListServices returns the services matching the given filters. The
// status of each unfinished service is first refreshed through the
// job cache, unless it is running and answered a request within
// Health.FreshnessWindow.
func (o *Orchestrator) ListServices(ctx context.Context, opts hpcinfer.ListOptions) (hpcinfer.ServiceList, error) {
	freshness := o.cluster.Health.FreshnessWindow.Or(300 * time.Second)
	for _, svc := range o.registry.ListServices("", "") {
		if svc.Status.Terminal() {
			continue
		}
		if svc.Status == hpcinfer.StatusRunning && o.registry.IsServiceRecentlyHealthy(svc.ID, freshness) {
			continue
		}
		if _, _, err := o.cache.GetStatus(ctx, svc.ID, true); err != nil {
			o.logger.WithError(err).WithField("ServiceID", svc.ID).Warn("status refresh failed")
		}
	}
	list := o.registry.ListServices(opts.Status, opts.Recipe)
	for i := range list {
		o.fillEndpoint(&list[i])
	}
	return hpcinfer.ServiceList{Services: list}, nil
}

// GetService returns a service, or a view of a group replica if the
// ID is a composite replica ID.
func (o *Orchestrator) GetService(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.Service, error) {
	svc, ok := o.registry.GetService(opts.ID)
	if !ok {
		svc, ok = o.registry.GetReplicaService(opts.ID)
	}
	if !ok {
		return hpcinfer.Service{}, o.notFound(opts.ID)
	}
	o.fillEndpoint(&svc)
	return svc, nil
}

// GetServiceStatus returns the current registry status of a service
// or replica.
func (o *Orchestrator) GetServiceStatus(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.ServiceStatusResponse, error) {
	svc, err := o.GetService(ctx, opts)
	if err != nil {
		return hpcinfer.ServiceStatusResponse{}, err
	}
	return hpcinfer.ServiceStatusResponse{ID: svc.ID, Status: svc.Status}, nil
}

// GetJobDetails returns the scheduler's detail record for a job.
func (o *Orchestrator) GetJobDetails(ctx context.Context, opts hpcinfer.GetOptions) (hpcinfer.JobDetails, error) {
	if opts.ID == "" {
		return hpcinfer.JobDetails{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "job ID must not be empty")
	}
	fields, _, err := o.cache.GetDetails(ctx, opts.ID, true)
	if err != nil {
		return hpcinfer.JobDetails{}, err
	}
	return hpcinfer.JobDetails{JobID: opts.ID, Fields: fields}, nil
}

// ConfigureLoadBalancer changes the load balancing strategy.
func (o *Orchestrator) ConfigureLoadBalancer(ctx context.Context, opts hpcinfer.LoadBalancerOptions) (hpcinfer.LoadBalancerResponse, error) {
	if err := o.balancer.SetStrategy(opts.Strategy); err != nil {
		return hpcinfer.LoadBalancerResponse{Status: "error", Strategy: o.balancer.Strategy()}, err
	}
	o.logger.WithField("Strategy", opts.Strategy).Info("load balancing strategy changed")
	return hpcinfer.LoadBalancerResponse{Status: "configured", Strategy: opts.Strategy}, nil
}

// fetchJobStatus is the job cache's status callback. It applies the
// scheduler's view of the job to whichever service or group replicas
// the job backs, then returns the scheduler-native state.
func (o *Orchestrator) fetchJobStatus(ctx context.Context, jobID string) (string, error) {
	native, err := o.scheduler.Status(ctx, jobID)
	if err != nil {
		return "", err
	}
	status := o.MapStatus(native)
	if native == slurm.StatusUnknown && o.jobVanished(jobID) {
		o.logger.WithField("JobID", jobID).Warn("scheduler has no record of job, marking failed")
		status = hpcinfer.StatusFailed
	} else if native != slurm.StatusUnknown {
		o.mtx.Lock()
		delete(o.unknown, jobID)
		o.mtx.Unlock()
	}
	o.applyJobStatus(jobID, status)
	return native, nil
}

// jobVanished counts one more UNKNOWN result for the job, and
// returns true if Cache.UnknownJobLimit has been reached.
func (o *Orchestrator) jobVanished(jobID string) bool {
	limit := o.cluster.Cache.UnknownJobLimit
	if limit <= 0 {
		return false
	}
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.unknown[jobID]++
	return o.unknown[jobID] >= limit
}

func (o *Orchestrator) applyJobStatus(jobID string, status hpcinfer.ServiceStatus) {
	if status == hpcinfer.StatusUnknown {
		return
	}
	if _, ok := o.registry.GetService(jobID); ok {
		if _, err := o.registry.AdvanceServiceStatus(jobID, status); err != nil {
			o.logger.WithError(err).WithField("JobID", jobID).Warn("status update failed")
			return
		}
		if status.Terminal() {
			o.jobFinished(jobID)
			o.removeEndpoint(jobID)
		}
		return
	}
	groupID, ok := o.registry.FindJobGroup(jobID)
	if !ok {
		return
	}
	if _, err := o.registry.AdvanceJobReplicas(groupID, jobID, status); err != nil {
		o.logger.WithError(err).WithField("JobID", jobID).Warn("replica status update failed")
		return
	}
	if status.Terminal() {
		o.jobFinished(jobID)
		if sg, ok := o.registry.GetGroup(groupID); ok {
			for _, rep := range sg.Replicas() {
				if rep.JobID == jobID {
					o.removeEndpoint(rep.ID)
				}
			}
		}
	}
}

// fetchJobDetails is the job cache's details callback. For group
// jobs, it records the node the job is running on.
func (o *Orchestrator) fetchJobDetails(ctx context.Context, jobID string) (map[string]string, error) {
	details, err := o.scheduler.Details(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if host := slurm.BatchHost(details); host != "" {
		if groupID, ok := o.registry.FindJobGroup(jobID); ok {
			o.registry.SetNodeHostname(groupID, jobID, host)
		}
	}
	return details, nil
}

// cancelJob asks the scheduler to cancel a job. Failures are logged
// and otherwise ignored.
func (o *Orchestrator) cancelJob(ctx context.Context, jobID string) {
	ok, err := o.scheduler.Cancel(ctx, jobID)
	if err != nil {
		o.logger.WithError(err).WithField("JobID", jobID).Warn("scheduler cancel failed")
	} else if !ok {
		o.logger.WithField("JobID", jobID).Info("job was already finished")
	}
}

func (o *Orchestrator) jobFinished(jobID string) {
	o.cache.Untrack(jobID)
	o.mtx.Lock()
	delete(o.unknown, jobID)
	o.mtx.Unlock()
}

// currentStatus returns the status of the service or replica with
// the given ID.
func (o *Orchestrator) currentStatus(id string) (hpcinfer.ServiceStatus, bool) {
	if svc, ok := o.registry.GetService(id); ok {
		return svc.Status, true
	} else if rep, _, ok := o.registry.GetReplica(id); ok {
		return rep.Status, true
	}
	return hpcinfer.StatusUnknown, false
}

func (o *Orchestrator) notFound(id string) error {
	return hpcinfer.Errorf(hpcinfer.KindNotFound, "service %s not found", id)
}
