// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpcinfer

import (
	"errors"
	"fmt"
	"net"
)

// Config is the top-level configuration of an hpcinfer process.
type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}

	// host:port for the control-plane HTTP API.
	Listen string

	// Token required by management endpoints (/_health,
	// /metrics). If empty, /_health is disabled and /metrics is
	// public.
	ManagementToken string

	// Scheduler account charged for submitted jobs.
	Account string

	Scheduler    SchedulerConfig
	Remote       RemoteConfig
	Cache        CacheConfig
	Health       HealthConfig
	LoadBalancer struct {
		Strategy string
	}
	Forward struct {
		Timeout Duration
		Path    string
	}
	Groups struct {
		// Number of failed/timed-out replicas at which a group
		// with running replicas is reported as "degraded"
		// rather than "running". Zero disables "degraded".
		DegradedFailureThreshold int
	}
	Recipes struct {
		Directory string
		Watch     bool
	}
}

type SchedulerConfig struct {
	SubmitTimeout         Duration
	StatusTimeout         Duration
	CancelTimeout         Duration
	SbatchArguments       []string
	MaxConcurrentCommands int

	// "local" runs scheduler commands on this host; "ssh" runs
	// them on Remote.Host.
	Executor string
}

type RemoteConfig struct {
	// Run the orchestrator inside a scheduler allocation and
	// relay API calls to it.
	Enable bool

	// SSH login node used as the remote-execution channel.
	Host           string
	Port           string
	User           string
	PrivateKeyFile string
	// Expected host key in authorized_keys format. Empty means
	// accept whatever key the host presents.
	HostKey string

	Retries     int
	RetryDelay  Duration
	CallTimeout Duration

	// Discovery record written by the remote orchestrator.
	DiscoveryFile         string
	DiscoveryTimeout      Duration
	DiscoveryPollInterval Duration

	// Recipe used to launch the remote orchestrator.
	Recipe string

	// Attach to an already running remote orchestrator at this
	// URL instead of launching one.
	URL string
}

type CacheConfig struct {
	TTL            Duration
	UpdateInterval Duration
	StopTimeout    Duration
	MaxEntries     int

	// A job the scheduler has no record of this many times in a
	// row is considered failed. Zero means never.
	UnknownJobLimit int
}

type HealthConfig struct {
	Interval        Duration
	Timeout         Duration
	Retries         int
	Path            string
	FreshnessWindow Duration
}

// Check returns an error describing the first invalid setting in
// cfg, if any.
func (cfg *Config) Check() error {
	if cfg.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
			return fmt.Errorf("Listen: %w", err)
		}
	}
	switch cfg.SystemLogs.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("SystemLogs.Format: unknown format %q", cfg.SystemLogs.Format)
	}
	switch cfg.Scheduler.Executor {
	case "", "local":
	case "ssh":
		if cfg.Remote.Host == "" {
			return errors.New("Scheduler.Executor is \"ssh\" but Remote.Host is empty")
		}
	default:
		return fmt.Errorf("Scheduler.Executor: unknown executor %q", cfg.Scheduler.Executor)
	}
	switch cfg.LoadBalancer.Strategy {
	case "", "round_robin", "least_loaded":
	default:
		return fmt.Errorf("LoadBalancer.Strategy: unknown strategy %q", cfg.LoadBalancer.Strategy)
	}
	if cfg.Remote.Enable {
		if cfg.Remote.Host == "" {
			return errors.New("Remote.Enable is true but Remote.Host is empty")
		}
		if cfg.Remote.URL == "" && (cfg.Remote.Recipe == "" || cfg.Remote.DiscoveryFile == "") {
			return errors.New("Remote.Enable requires either Remote.URL, or both Remote.Recipe and Remote.DiscoveryFile")
		}
	}
	if cfg.Remote.Retries < 0 {
		return errors.New("Remote.Retries must not be negative")
	}
	if cfg.Groups.DegradedFailureThreshold < 0 {
		return errors.New("Groups.DegradedFailureThreshold must not be negative")
	}
	return nil
}
