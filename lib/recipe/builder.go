// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recipe

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/google/shlex"
)

// A Job is a ready-to-submit workload: one batch script per node
// job, and the resource descriptor shared by all of them.
type Job struct {
	Recipe *Recipe
	Spec   hpcinfer.JobSpec

	// Scripts[n] runs the replicas of node n. Each script is
	// submitted as its own single-node job.
	Scripts []string
}

// Script returns the script of the first (usually only) node job.
func (job Job) Script() string {
	return job.Scripts[0]
}

// Builder is a JobScriptBuilder.
type Builder struct {
	Catalog *Catalog

	// Base URL of the API that workloads call to register their
	// endpoints. If empty, workloads don't register themselves.
	RegisterURL string

	// Path polled on each replica before it is registered.
	HealthPath string
}

// Build returns the job for the named recipe, with the given config
// overlay applied.
//
// Recognized overlay keys are nodes, replicas_per_node,
// gpus_per_replica, cpus_per_task, memory, time, partition, model,
// base_port, image, discovery_file and environment. Other keys are
// ignored.
func (b *Builder) Build(name string, config map[string]interface{}, account string) (Job, error) {
	if name == "" {
		return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "recipe name is empty")
	}
	rcp, ok := b.Catalog.Get(name)
	if !ok {
		return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "unknown recipe %q", name)
	}
	ov := overlay(config)
	res := rcp.Resources
	var err error
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"nodes", &res.Nodes},
		{"replicas_per_node", &res.ReplicasPerNode},
		{"gpus_per_replica", &res.GPUsPerReplica},
		{"cpus_per_task", &res.CPUsPerTask},
	} {
		if *f.dst, err = ov.int(f.key, *f.dst); err != nil {
			return Job{}, err
		}
	}
	basePort, err := ov.int("base_port", rcp.BasePort)
	if err != nil {
		return Job{}, err
	}
	res.Memory = ov.str("memory", res.Memory)
	res.Time = ov.str("time", res.Time)
	res.Partition = ov.str("partition", res.Partition)

	spec := hpcinfer.JobSpec{
		Name:            "hpcinfer-" + strings.Replace(name, "/", "-", -1),
		Nodes:           res.Nodes,
		ReplicasPerNode: res.ReplicasPerNode,
		GPUsPerReplica:  res.GPUsPerReplica,
		CPUsPerTask:     res.CPUsPerTask,
		TimeLimit:       res.Time,
		Partition:       res.Partition,
		Account:         account,
		BasePort:        basePort,
		Model:           ov.str("model", rcp.Model),
	}
	switch {
	case spec.Nodes < 1:
		return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "nodes must be at least 1")
	case spec.ReplicasPerNode < 1:
		return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "replicas_per_node must be at least 1")
	case spec.GPUsPerReplica < 0:
		return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "gpus_per_replica must not be negative")
	case spec.BasePort < 1 || spec.ReplicaPort(spec.Nodes-1, spec.ReplicasPerNode-1) > 65535:
		return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "base_port %d out of range for %d replicas", spec.BasePort, spec.TotalReplicas())
	}
	if res.Memory != "" {
		if spec.MemoryMB, err = memoryMB(res.Memory); err != nil {
			return Job{}, err
		}
	}
	if rcp.SbatchArguments != "" {
		if spec.ExtraArgs, err = shlex.Split(rcp.SbatchArguments); err != nil {
			return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "recipe %s: sbatchArguments: %s", name, err)
		}
	}
	argv, err := shlex.Split(rcp.Command)
	if err != nil {
		return Job{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "recipe %s: command: %s", name, err)
	}
	env := map[string]string{}
	for k, v := range rcp.Environment {
		env[k] = v
	}
	if m, ok := config["environment"].(map[string]interface{}); ok {
		for k, v := range m {
			env[k] = fmt.Sprint(v)
		}
	}
	sw := scriptWriter{
		recipe:      rcp,
		spec:        spec,
		argv:        argv,
		env:         env,
		image:       ov.str("image", rcp.Image),
		discovery:   ov.str("discovery_file", ""),
		registerURL: strings.TrimSuffix(b.RegisterURL, "/"),
		healthPath:  b.HealthPath,
	}
	if sw.healthPath == "" {
		sw.healthPath = "/health"
	}
	job := Job{Recipe: rcp, Spec: spec}
	for node := 0; node < spec.Nodes; node++ {
		script, err := sw.script(node)
		if err != nil {
			return Job{}, err
		}
		job.Scripts = append(job.Scripts, script)
	}
	return job, nil
}

type overlay map[string]interface{}

func (ov overlay) int(key string, def int) (int, error) {
	v, ok := ov[key]
	if !ok || v == nil {
		return def, nil
	}
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s: %v is not an integer", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return 0, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s: %s", key, err)
		}
		return n, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s: %q is not an integer", key, v)
		}
		return n, nil
	default:
		return 0, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s: unsupported type %T", key, v)
	}
}

func (ov overlay) str(key, def string) string {
	if v, ok := ov[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return def
}

var substRe = regexp.MustCompile(`%.`)

type scriptWriter struct {
	recipe      *Recipe
	spec        hpcinfer.JobSpec
	argv        []string
	env         map[string]string
	image       string
	discovery   string
	registerURL string
	healthPath  string
}

// substitute replaces %-sequences in the command words for replica
// r of the given node.
func (sw *scriptWriter) substitute(node, r int) ([]string, error) {
	repl := map[string]string{
		"%%": "%",
		"%p": strconv.Itoa(sw.spec.ReplicaPort(node, r)),
		"%i": strconv.Itoa(node*sw.spec.ReplicasPerNode + r),
		"%m": sw.spec.Model,
		"%n": strconv.Itoa(sw.spec.ReplicasPerNode),
		"%g": strconv.Itoa(sw.spec.GPUsPerReplica),
		"%D": sw.discovery,
	}
	var substitutionErrors []string
	var out []string
	for _, a := range sw.argv {
		out = append(out, substRe.ReplaceAllStringFunc(a, func(s string) string {
			subst, ok := repl[s]
			if !ok {
				substitutionErrors = append(substitutionErrors, fmt.Sprintf("unknown substitution parameter %s", s))
			} else if subst == "" {
				substitutionErrors = append(substitutionErrors, fmt.Sprintf("substitution parameter %s has no value", s))
			}
			return subst
		}))
	}
	if len(substitutionErrors) > 0 {
		return nil, hpcinfer.Errorf(hpcinfer.KindValidationError, "recipe %s: %s", sw.recipe.Name, strings.Join(substitutionErrors, ", "))
	}
	return out, nil
}

func (sw *scriptWriter) script(node int) (string, error) {
	var s strings.Builder
	s.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&s, "# recipe %s, node %d of %d\n", sw.recipe.Name, node, sw.spec.Nodes)
	fmt.Fprintf(&s, "export HPCINFER_RECIPE=%s\n", quote(sw.recipe.Name))
	if sw.spec.Model != "" {
		fmt.Fprintf(&s, "export HPCINFER_MODEL=%s\n", quote(sw.spec.Model))
	}
	var keys []string
	for k := range sw.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&s, "export %s=%s\n", k, quote(sw.env[k]))
	}
	register := sw.registerURL != "" && sw.recipe.Kind != KindOrchestrator
	if register {
		fmt.Fprintf(&s, "export HPCINFER_REGISTER_URL=%s\n", quote(sw.registerURL))
		s.WriteString(registerFunc(sw.healthPath))
	}
	single := sw.spec.TotalReplicas() == 1
	for r := 0; r < sw.spec.ReplicasPerNode; r++ {
		argv, err := sw.substitute(node, r)
		if err != nil {
			return "", err
		}
		if sw.image != "" {
			argv = append([]string{"apptainer", "exec", "--nv", sw.image}, argv...)
		}
		port := sw.spec.ReplicaPort(node, r)
		if sw.spec.GPUsPerReplica > 0 {
			var gpus []string
			for g := 0; g < sw.spec.GPUsPerReplica; g++ {
				gpus = append(gpus, strconv.Itoa(sw.spec.ReplicaGPU(r)+g))
			}
			fmt.Fprintf(&s, "CUDA_VISIBLE_DEVICES=%s ", strings.Join(gpus, ","))
		}
		fmt.Fprintf(&s, "HPCINFER_PORT=%d", port)
		for _, w := range argv {
			s.WriteString(" " + quote(w))
		}
		s.WriteString(" &\n")
		if register {
			if single {
				fmt.Fprintf(&s, "register \"$SLURM_JOB_ID\" %d &\n", port)
			} else {
				fmt.Fprintf(&s, "register \"$SLURM_JOB_ID:%d\" %d &\n", port, port)
			}
		}
	}
	s.WriteString("wait\n")
	return s.String(), nil
}

// registerFunc returns a shell function that waits for a replica to
// answer its health check, then registers its endpoint.
func registerFunc(healthPath string) string {
	return `register() {
	until curl -sf -o /dev/null "http://localhost:$2` + healthPath + `"; do sleep 5; done
	curl -sf -o /dev/null -X POST -H 'Content-Type: application/json' \
		--data "{\"host\":\"$(hostname)\",\"port\":$2,\"model\":\"$HPCINFER_MODEL\"}" \
		"$HPCINFER_REGISTER_URL/v1/services/$1/register"
}
`
}

func quote(w string) string {
	return `'` + strings.Replace(w, `'`, `'\''`, -1) + `'`
}
