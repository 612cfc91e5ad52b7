// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/hpcinfer.git/lib/client"
	"git.arvados.org/hpcinfer.git/lib/cmd"
	"git.arvados.org/hpcinfer.git/lib/config"
	"git.arvados.org/hpcinfer.git/lib/controlplane"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"controller":   controlplane.Command,
		"orchestrator": controlplane.OrchestratorCommand,
		"config-check": config.CheckCommand,
		"config-dump":  config.DumpCommand,

		"start":        client.Start,
		"stop":         client.Stop,
		"list":         client.List,
		"status":       client.Status,
		"group-status": client.GroupStatus,
		"complete":     client.Complete,
		"lb":           client.LB,
		"metrics":      client.Metrics,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
