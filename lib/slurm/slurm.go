// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm submits, cancels and inspects Slurm jobs by running
// the Slurm command line tools through an executor.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/hpcinfer.git/lib/executor"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/sirupsen/logrus"
)

// StatusUnknown is returned by Status when the scheduler has no
// record of a job.
const StatusUnknown = "UNKNOWN"

var jobIDRe = regexp.MustCompile(`^[0-9]+(_[0-9]+)?$`)

// Client is a JobSubmissionClient backed by sbatch, scancel, squeue,
// sacct and scontrol.
type Client struct {
	exr    executor.Executor
	logger logrus.FieldLogger

	submitTimeout time.Duration
	statusTimeout time.Duration
	cancelTimeout time.Duration
	sbatchArgs    []string
	runSemaphore  chan bool
}

// New returns a Client that runs Slurm commands through exr.
func New(exr executor.Executor, cfg hpcinfer.SchedulerConfig, logger logrus.FieldLogger) *Client {
	n := cfg.MaxConcurrentCommands
	if n < 1 {
		n = 3
	}
	return &Client{
		exr:           exr,
		logger:        logger,
		submitTimeout: cfg.SubmitTimeout.Or(30 * time.Second),
		statusTimeout: cfg.StatusTimeout.Or(5 * time.Second),
		cancelTimeout: cfg.CancelTimeout.Or(10 * time.Second),
		sbatchArgs:    cfg.SbatchArguments,
		runSemaphore:  make(chan bool, n),
	}
}

// Submit submits script with sbatch and returns the new job id.
func (cli *Client) Submit(ctx context.Context, script string, spec hpcinfer.JobSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cli.submitTimeout)
	defer cancel()
	args := append([]string{"sbatch", "--parsable"}, SbatchArgs(spec)...)
	args = append(args, cli.sbatchArgs...)
	cli.logger.WithField("JobName", spec.Name).Infof("sbatch %q", args[1:])
	stdout, err := cli.run(ctx, args, []byte(script))
	if err != nil {
		return "", err
	}
	// "12345" or "12345;clustername"
	id := strings.TrimSpace(string(stdout))
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if !jobIDRe.MatchString(id) {
		return "", hpcinfer.Errorf(hpcinfer.KindUpstreamError, "sbatch: cannot parse job id from output %q", stdout)
	}
	return id, nil
}

// Cancel cancels a job. It returns false, with no error, if the job
// was already finished.
func (cli *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	if err := checkJobID(jobID); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, cli.cancelTimeout)
	defer cancel()
	cli.logger.WithField("JobID", jobID).Info("scancel")
	_, err := cli.run(ctx, []string{"scancel", jobID}, nil)
	if err == nil {
		return true, nil
	}
	if msg := err.Error(); strings.Contains(msg, "already completing or completed") || strings.Contains(msg, "Invalid job id specified") {
		return false, nil
	}
	return false, err
}

// Status returns the scheduler-native state of a job, e.g.,
// "RUNNING", or StatusUnknown if the scheduler has no record of it.
func (cli *Client) Status(ctx context.Context, jobID string) (string, error) {
	if err := checkJobID(jobID); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, cli.statusTimeout)
	defer cancel()
	stdout, err := cli.run(ctx, []string{"squeue", "-h", "-j", jobID, "-o", "%T"}, nil)
	if err != nil && !strings.Contains(err.Error(), "Invalid job id specified") {
		return "", err
	}
	if state := firstField(stdout); state != "" {
		return state, nil
	}
	// Finished jobs drop out of squeue after MinJobAge; the
	// accounting database still knows how they ended.
	stdout, err = cli.run(ctx, []string{"sacct", "-n", "-X", "-P", "-j", jobID, "-o", "State"}, nil)
	if err != nil {
		return "", err
	}
	if state := firstField(stdout); state != "" {
		return state, nil
	}
	return StatusUnknown, nil
}

// Details returns the fields reported by "scontrol show job".
func (cli *Client) Details(ctx context.Context, jobID string) (map[string]string, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cli.statusTimeout)
	defer cancel()
	stdout, err := cli.run(ctx, []string{"scontrol", "show", "job", "-o", jobID}, nil)
	if err != nil {
		if strings.Contains(err.Error(), "Invalid job id specified") {
			return nil, hpcinfer.Errorf(hpcinfer.KindNotFound, "job %s not found", jobID)
		}
		return nil, err
	}
	return ParseDetails(stdout), nil
}

// ParseDetails parses the one-line "Key=Value Key=Value ..." output
// of "scontrol show job -o". Values containing spaces are joined to
// the preceding key.
func ParseDetails(out []byte) map[string]string {
	fields := map[string]string{}
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	var last string
	for _, tok := range strings.Fields(line) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" || strings.ContainsAny(k, "/:") {
			if last != "" {
				fields[last] += " " + tok
			}
			continue
		}
		fields[k] = v
		last = k
	}
	return fields
}

// BatchHost returns the host a job's batch script runs on, from a
// ParseDetails result. It falls back to the first entry of a plain
// NodeList, and returns "" for jobs that have not started.
func BatchHost(details map[string]string) string {
	if h := details["BatchHost"]; h != "" && h != "(null)" {
		return h
	}
	nodes := details["NodeList"]
	if nodes == "" || nodes == "(null)" || strings.ContainsAny(nodes, "[") {
		return ""
	}
	host, _, _ := strings.Cut(nodes, ",")
	return host
}

// SbatchArgs returns the sbatch options that request the resources
// described by spec.
func SbatchArgs(spec hpcinfer.JobSpec) []string {
	var args []string
	if spec.Name != "" {
		args = append(args, "--job-name="+spec.Name)
	}
	if spec.Nodes > 0 {
		args = append(args, "--nodes="+strconv.Itoa(spec.Nodes))
	}
	if spec.ReplicasPerNode > 0 {
		args = append(args, "--ntasks-per-node="+strconv.Itoa(spec.ReplicasPerNode))
	}
	if gpus := spec.ReplicasPerNode * spec.GPUsPerReplica; gpus > 0 {
		args = append(args, "--gres=gpu:"+strconv.Itoa(gpus))
	}
	if spec.CPUsPerTask > 0 {
		args = append(args, "--cpus-per-task="+strconv.Itoa(spec.CPUsPerTask))
	}
	if spec.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--mem=%dM", spec.MemoryMB))
	}
	if spec.TimeLimit != "" {
		args = append(args, "--time="+spec.TimeLimit)
	}
	if spec.Partition != "" {
		args = append(args, "--partition="+spec.Partition)
	}
	if spec.Account != "" {
		args = append(args, "--account="+spec.Account)
	}
	return append(args, spec.ExtraArgs...)
}

// MapStatus maps a scheduler-native job state to a service status.
// A running job maps to "starting": the service becomes "running"
// once its workload registers an endpoint. Unrecognized states map
// to StatusUnknown, which callers must treat as "no transition".
func MapStatus(native string) hpcinfer.ServiceStatus {
	state := strings.ToUpper(strings.TrimSpace(native))
	if i := strings.IndexAny(state, " +"); i >= 0 {
		// "CANCELLED by 1000", "RUNNING+"
		state = state[:i]
	}
	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_FED", "REQUEUE_HOLD", "RESIZING", "SUSPENDED":
		return hpcinfer.StatusPending
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		return hpcinfer.StatusStarting
	case "COMPLETED":
		return hpcinfer.StatusCompleted
	case "CANCELLED":
		return hpcinfer.StatusCancelled
	case "TIMEOUT", "DEADLINE":
		return hpcinfer.StatusTimeout
	case "FAILED", "NODE_FAIL", "OUT_OF_MEMORY", "BOOT_FAIL", "PREEMPTED", "SPECIAL_EXIT":
		return hpcinfer.StatusFailed
	default:
		return hpcinfer.StatusUnknown
	}
}

func checkJobID(jobID string) error {
	if !jobIDRe.MatchString(jobID) {
		return hpcinfer.Errorf(hpcinfer.KindValidationError, "invalid job id %q", jobID)
	}
	return nil
}

func firstField(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			return f[0]
		}
	}
	return ""
}

func (cli *Client) run(ctx context.Context, args []string, stdin []byte) ([]byte, error) {
	select {
	case cli.runSemaphore <- true:
	case <-ctx.Done():
		return nil, hpcinfer.Errorf(hpcinfer.KindTimeout, "%s: waiting for a command slot: %s", args[0], ctx.Err())
	}
	defer func() { <-cli.runSemaphore }()
	var rdr io.Reader
	if stdin != nil {
		rdr = bytes.NewReader(stdin)
	}
	stdout, stderr, err := cli.exr.Execute(ctx, nil, executor.ShellQuote(args), rdr)
	if err != nil {
		cli.logger.WithError(err).WithField("stderr", string(stderr)).Warnf("%s failed", args[0])
		if hpcinfer.KindOf(err) == hpcinfer.KindTimeout {
			return stdout, err
		}
		return stdout, fmt.Errorf("%s: %w (%q)", args[0], err, bytes.TrimSpace(stderr))
	}
	return stdout, nil
}
