// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package discovery implements the handshake by which an
// orchestrator running inside a scheduler allocation announces its
// address: the orchestrator writes a record to a shared file, and
// the control plane polls for it through an executor.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"git.arvados.org/hpcinfer.git/lib/executor"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/sirupsen/logrus"
)

// Record is the content of a discovery file.
type Record struct {
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	JobID     string    `json:"jobId"`
	StartedAt time.Time `json:"startedAt"`
}

// NewRecord returns a record for an orchestrator listening on
// host:port. JobID is taken from $SLURM_JOB_ID, if set.
func NewRecord(host string, port int) Record {
	return Record{
		URL:       "http://" + hpcinfer.HostPort{Host: host, Port: port}.String(),
		Host:      host,
		Port:      port,
		JobID:     os.Getenv("SLURM_JOB_ID"),
		StartedAt: time.Now().UTC(),
	}
}

// Write writes rec to path. Readers never see a partially written
// record: the data is written to a temporary file in the same
// directory, which is then renamed to path.
func Write(path string, rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	_, err = f.Write(append(buf, '\n'))
	if err == nil {
		err = f.Sync()
	}
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = os.Chmod(f.Name(), 0644)
	}
	if err != nil {
		return fmt.Errorf("writing discovery file: %w", err)
	}
	return os.Rename(f.Name(), path)
}

// Parse parses a discovery record.
func Parse(buf []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return rec, err
	}
	if rec.URL == "" {
		if rec.Host == "" || rec.Port == 0 {
			return rec, fmt.Errorf("record has neither url nor host/port")
		}
		rec.URL = "http://" + hpcinfer.HostPort{Host: rec.Host, Port: rec.Port}.String()
	}
	return rec, nil
}

// Poller waits for a discovery record to appear on the login host.
type Poller struct {
	Executor executor.Executor
	Logger   logrus.FieldLogger
	Path     string
	Timeout  time.Duration
	Interval time.Duration
}

// Wait polls Path until it contains a valid record, and returns it.
// If jobID is not empty, records written by other jobs (e.g., a
// previous run) are ignored.
//
// If no such record appears within Timeout, Wait returns an error
// of kind Timeout.
func (p *Poller) Wait(ctx context.Context, jobID string) (Record, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger := p.Logger.WithFields(logrus.Fields{
		"Path":  p.Path,
		"JobID": jobID,
	})
	logger.Info("waiting for discovery record")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		rec, err := p.read(ctx)
		if err == nil && jobID != "" && rec.JobID != "" && rec.JobID != jobID {
			err = fmt.Errorf("record is from job %s", rec.JobID)
		}
		if err == nil {
			logger.WithField("URL", rec.URL).Info("discovered orchestrator")
			return rec, nil
		}
		logger.WithError(err).WithField("Attempt", attempt).Debug("discovery record not ready")
		select {
		case <-ctx.Done():
			return Record{}, hpcinfer.Errorf(hpcinfer.KindTimeout, "no discovery record at %s after %s (last error: %s)", p.Path, timeout, err)
		case <-ticker.C:
		}
	}
}

func (p *Poller) read(ctx context.Context) (Record, error) {
	stdout, stderr, err := p.Executor.Execute(ctx, nil, executor.ShellQuote([]string{"cat", p.Path}), nil)
	if err != nil {
		if code, ok := executor.ExitCode(err); ok {
			return Record{}, fmt.Errorf("cat exited %d: %s", code, bytes.TrimSpace(stderr))
		}
		return Record{}, err
	}
	return Parse(stdout)
}
