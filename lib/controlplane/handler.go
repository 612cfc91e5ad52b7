// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package controlplane provides the hpcinfer HTTP services: the
// control plane, which runs the orchestrator in-process or relays to
// a remote one, and the orchestrator itself.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"git.arvados.org/hpcinfer.git/lib/cmd"
	"git.arvados.org/hpcinfer.git/lib/discovery"
	"git.arvados.org/hpcinfer.git/lib/executor"
	"git.arvados.org/hpcinfer.git/lib/orchestrator"
	"git.arvados.org/hpcinfer.git/lib/orchestrator/transport"
	"git.arvados.org/hpcinfer.git/lib/recipe"
	"git.arvados.org/hpcinfer.git/lib/router"
	"git.arvados.org/hpcinfer.git/lib/service"
	"git.arvados.org/hpcinfer.git/lib/slurm"
	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Command runs the control plane. With Remote.Enable it relays every
// call to an orchestrator inside a scheduler allocation; otherwise it
// runs the orchestrator in-process.
var Command cmd.Handler = service.Command("controller", func(ctx context.Context, cluster *hpcinfer.Config, reg *prometheus.Registry) service.Handler {
	return newHandler(ctx, cluster, reg, cluster.Remote.Enable)
})

// OrchestratorCommand runs the orchestrator in-process regardless of
// Remote.Enable. It is what the orchestrator recipe starts inside an
// allocation.
var OrchestratorCommand cmd.Handler = service.Command("orchestrator", func(ctx context.Context, cluster *hpcinfer.Config, reg *prometheus.Registry) service.Handler {
	return newHandler(ctx, cluster, reg, false)
})

// Handler serves the hpcinfer API backed by an in-process or remote
// orchestrator.
type Handler struct {
	Cluster *hpcinfer.Config

	logger  logrus.FieldLogger
	backend hpcinfer.API
	stack   http.Handler
	closers []func()
	done    chan struct{}

	// Remote orchestrator job launched by this handler, if any.
	remoteJobID string

	healthMtx sync.Mutex
	healthErr error
}

func newHandler(ctx context.Context, cluster *hpcinfer.Config, reg *prometheus.Registry, remote bool) service.Handler {
	h := &Handler{
		Cluster: cluster,
		logger:  ctxlog.FromContext(ctx),
		done:    make(chan struct{}),
	}
	var err error
	if remote {
		err = h.setupRemote(ctx, reg)
	} else {
		err = h.setupLocal(ctx, reg)
	}
	if err != nil {
		h.close()
		return service.ErrorHandler(ctx, err)
	}
	h.stack = router.New(h.backend)
	go func() {
		<-ctx.Done()
		h.close()
		close(h.done)
	}()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.stack.ServeHTTP(w, req)
}

// CheckHealth returns nil if the backend answers a metrics call.
func (h *Handler) CheckHealth() error {
	timeout := h.Cluster.Remote.CallTimeout.Duration()
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := h.backend.GetMetrics(ctx, hpcinfer.MetricsOptions{})
	h.healthMtx.Lock()
	if err != nil && h.healthErr == nil {
		h.logger.WithError(err).Warn("backend health check failed")
	}
	h.healthErr = err
	h.healthMtx.Unlock()
	return err
}

// Done returns a channel that closes once the handler has released
// its backend after the service context is cancelled.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

func (h *Handler) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	h.closers = nil
}

// Executor constructors. Tests replace these with stubs.
var (
	newLocalExecutor = func() executor.Executor { return &executor.Local{} }
	newSSHExecutor   = func(cfg hpcinfer.RemoteConfig) (executor.Executor, error) {
		exr, err := executor.NewSSHFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return exr, nil
	}
)

func (h *Handler) newExecutor() (executor.Executor, error) {
	switch h.Cluster.Scheduler.Executor {
	case "", "local":
		return newLocalExecutor(), nil
	case "ssh":
		return newSSHExecutor(h.Cluster.Remote)
	default:
		return nil, errors.New("unknown executor " + h.Cluster.Scheduler.Executor)
	}
}

func (h *Handler) setupLocal(ctx context.Context, reg *prometheus.Registry) error {
	exr, err := h.newExecutor()
	if err != nil {
		return err
	}
	h.closers = append(h.closers, exr.Close)
	cat, err := recipe.NewCatalog(h.Cluster.Recipes.Directory, h.logger)
	if err != nil {
		return err
	}
	if h.Cluster.Recipes.Watch {
		go cat.Watch(ctx)
	}
	registerURL, _ := service.URLFromContext(ctx)
	builder := &recipe.Builder{
		Catalog:     cat,
		RegisterURL: registerURL,
		HealthPath:  h.Cluster.Health.Path,
	}
	orch, err := orchestrator.New(h.Cluster, slurm.New(exr, h.Cluster.Scheduler, h.logger), builder, h.logger, reg)
	if err != nil {
		return err
	}
	orch.Start()
	h.closers = append(h.closers, func() {
		if err := orch.Close(); err != nil {
			h.logger.WithError(err).Warn("error stopping orchestrator")
		}
	})
	h.backend = orch
	h.logger.WithFields(logrus.Fields{
		"Recipes":     cat.Names(),
		"RegisterURL": registerURL,
	}).Info("orchestrator running in-process")
	return nil
}

// setupRemote connects to the remote orchestrator through an SSH
// channel to the login host, launching it first unless Remote.URL
// is configured.
func (h *Handler) setupRemote(ctx context.Context, reg *prometheus.Registry) error {
	exr, err := newSSHExecutor(h.Cluster.Remote)
	if err != nil {
		return err
	}
	h.closers = append(h.closers, exr.Close)
	baseURL := h.Cluster.Remote.URL
	if baseURL == "" {
		baseURL, err = h.launchRemote(ctx, exr)
		if err != nil {
			return err
		}
	}
	h.backend = transport.NewConn(transport.New(exr, baseURL, h.Cluster.Remote, h.logger, reg))
	h.logger.WithFields(logrus.Fields{
		"URL":   baseURL,
		"JobID": h.remoteJobID,
	}).Info("relaying to remote orchestrator")
	return nil
}

// launchRemote submits the orchestrator recipe and waits for the
// new orchestrator's discovery record. The job is cancelled if it
// never announces itself.
func (h *Handler) launchRemote(ctx context.Context, exr executor.Executor) (string, error) {
	cat, err := recipe.NewCatalog(h.Cluster.Recipes.Directory, h.logger)
	if err != nil {
		return "", err
	}
	job, err := (&recipe.Builder{Catalog: cat}).Build(h.Cluster.Remote.Recipe, map[string]interface{}{
		"discovery_file": h.Cluster.Remote.DiscoveryFile,
	}, h.Cluster.Account)
	if err != nil {
		return "", err
	}
	sched := slurm.New(exr, h.Cluster.Scheduler, h.logger)
	jobID, err := sched.Submit(ctx, job.Script(), job.Spec)
	if err != nil {
		return "", err
	}
	h.remoteJobID = jobID
	poller := &discovery.Poller{
		Executor: exr,
		Logger:   h.logger,
		Path:     h.Cluster.Remote.DiscoveryFile,
		Timeout:  h.Cluster.Remote.DiscoveryTimeout.Duration(),
		Interval: h.Cluster.Remote.DiscoveryPollInterval.Duration(),
	}
	rec, err := poller.Wait(ctx, jobID)
	if err != nil {
		if _, cerr := sched.Cancel(context.Background(), jobID); cerr != nil {
			h.logger.WithError(cerr).WithField("JobID", jobID).Warn("error cancelling orchestrator job")
		}
		return "", err
	}
	return rec.URL, nil
}
