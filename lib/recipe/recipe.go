// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package recipe loads workload recipes and turns them into
// ready-to-submit batch scripts.
package recipe

import (
	"fmt"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
)

// Recipe kinds.
const (
	KindInference    = "inference"
	KindVectorDB     = "vector-db"
	KindOrchestrator = "orchestrator"
)

// A Recipe describes a workload's resource shape and how to launch
// it.
type Recipe struct {
	// Name is the recipe file's path relative to the catalog
	// root, without extension, e.g., "inference/single-node".
	Name string `json:"-"`

	Description     string            `json:"description"`
	Kind            string            `json:"kind"`
	Command         string            `json:"command"`
	Image           string            `json:"image"`
	Environment     map[string]string `json:"environment"`
	Resources       Resources         `json:"resources"`
	BasePort        int               `json:"basePort"`
	Model           string            `json:"model"`
	SbatchArguments string            `json:"sbatchArguments"`
}

type Resources struct {
	Nodes           int    `json:"nodes"`
	ReplicasPerNode int    `json:"replicasPerNode"`
	GPUsPerReplica  int    `json:"gpusPerReplica"`
	CPUsPerTask     int    `json:"cpusPerTask"`
	Memory          string `json:"memory"`
	Time            string `json:"time"`
	Partition       string `json:"partition"`
}

// Parse parses a recipe file.
func Parse(name string, buf []byte) (*Recipe, error) {
	rcp := &Recipe{Kind: KindInference}
	err := yaml.Unmarshal(buf, rcp)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", name, err)
	}
	rcp.Name = name
	if rcp.Resources.Nodes == 0 {
		rcp.Resources.Nodes = 1
	}
	if rcp.Resources.ReplicasPerNode == 0 {
		rcp.Resources.ReplicasPerNode = 1
	}
	if err := rcp.check(); err != nil {
		return nil, fmt.Errorf("recipe %s: %w", name, err)
	}
	return rcp, nil
}

func (rcp *Recipe) check() error {
	switch rcp.Kind {
	case KindInference, KindVectorDB, KindOrchestrator:
	default:
		return fmt.Errorf("unknown kind %q", rcp.Kind)
	}
	if rcp.Command == "" {
		return fmt.Errorf("command is empty")
	}
	if rcp.Resources.Memory != "" {
		if _, err := memoryMB(rcp.Resources.Memory); err != nil {
			return err
		}
	}
	return nil
}

// memoryMB converts a size like "64GiB" or "500M" to whole MiB,
// rounding up.
func memoryMB(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, hpcinfer.Errorf(hpcinfer.KindValidationError, "memory %q: %s", s, err)
	}
	return int64((n + 1<<20 - 1) >> 20), nil
}
