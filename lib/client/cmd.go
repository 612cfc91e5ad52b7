// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package client

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"git.arvados.org/hpcinfer.git/lib/cmd"
	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

var (
	Start       cmd.Handler = command{"recipe", startFlags}
	Stop        cmd.Handler = command{"id", stopFlags}
	List        cmd.Handler = command{"", listFlags}
	Status      cmd.Handler = command{"id", statusFlags}
	GroupStatus cmd.Handler = command{"group-id", groupStatusFlags}
	Complete    cmd.Handler = command{"prompt...", completeFlags}
	LB          cmd.Handler = command{"strategy", lbFlags}
	Metrics     cmd.Handler = command{"", metricsFlags}
)

// invocation is what a subcommand's run func works with once flags
// are parsed.
type invocation struct {
	ctx    context.Context
	api    hpcinfer.API
	args   []string
	stdout io.Writer
	json   bool
	now    time.Time
}

func (inv *invocation) printJSON(v interface{}) error {
	enc := json.NewEncoder(inv.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type runFunc func(*invocation) error

// command is a client subcommand. setup adds the subcommand's own
// flags and returns the func that runs it.
type command struct {
	positional string
	setup      func(*flag.FlagSet) runFunc
}

func (c command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	defaultURL := os.Getenv("HPCINFER_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:8090"
	}
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	apiURL := flags.String("url", defaultURL, "control plane `URL` (default may be overridden by setting HPCINFER_URL)")
	timeout := flags.Duration("timeout", 5*time.Minute, "request `timeout`")
	asJSON := flags.Bool("json", false, "print responses as JSON")
	debug := flags.Bool("debug", false, "log retries and other details")
	run := c.setup(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, c.positional, stderr); !ok {
		return code
	}
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	inv := &invocation{
		ctx:    ctxlog.Context(ctx, logger),
		api:    New(*apiURL, *timeout, logger),
		args:   flags.Args(),
		stdout: stdout,
		json:   *asJSON,
		now:    time.Now(),
	}
	if err := run(inv); err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, describe(err))
		return 1
	}
	return 0
}

// stringsFlag collects the values of a repeatable flag.
type stringsFlag []string

func (sf *stringsFlag) String() string { return strings.Join(*sf, ",") }
func (sf *stringsFlag) Set(s string) error {
	*sf = append(*sf, s)
	return nil
}

// parseSettings turns key=value pairs into a map. Values that parse
// as JSON (numbers, booleans, objects) are used as such; anything
// else is a string.
func parseSettings(kvs []string) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, hpcinfer.Errorf(hpcinfer.KindValidationError, "invalid setting %q, expected key=value", kv)
		}
		var val interface{}
		if json.Unmarshal([]byte(v), &val) != nil {
			val = v
		}
		m[k] = val
	}
	return m, nil
}

func startFlags(fs *flag.FlagSet) runFunc {
	var sets stringsFlag
	fs.Var(&sets, "set", "config overlay `key=value`, e.g., -set nodes=2 (may be repeated)")
	configJSON := fs.String("config-json", "", "config overlay as a JSON `object`")
	return func(inv *invocation) error {
		config := map[string]interface{}{}
		if *configJSON != "" {
			if err := json.Unmarshal([]byte(*configJSON), &config); err != nil {
				return hpcinfer.Errorf(hpcinfer.KindValidationError, "-config-json: %s", err)
			}
		}
		overlay, err := parseSettings(sets)
		if err != nil {
			return err
		}
		for k, v := range overlay {
			config[k] = v
		}
		resp, err := inv.api.StartService(inv.ctx, hpcinfer.StartOptions{RecipeName: inv.args[0], Config: config})
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(resp)
		}
		if resp.GroupID != "" {
			fmt.Fprintf(inv.stdout, "%s\t%s\n", resp.GroupID, strings.Join(resp.JobIDs, " "))
		} else {
			fmt.Fprintln(inv.stdout, resp.JobID)
		}
		return nil
	}
}

func isGroupID(id string) bool {
	return strings.HasPrefix(id, "sg-")
}

func stopFlags(fs *flag.FlagSet) runFunc {
	del := fs.Bool("delete", false, "also remove the service or group from the registry")
	return func(inv *invocation) error {
		id := inv.args[0]
		opts := hpcinfer.GetOptions{ID: id}
		if isGroupID(id) {
			var resp hpcinfer.GroupStopResponse
			var err error
			if *del {
				resp, err = inv.api.DeleteServiceGroup(inv.ctx, opts)
			} else {
				resp, err = inv.api.StopServiceGroup(inv.ctx, opts)
			}
			if err != nil {
				return err
			}
			if inv.json {
				return inv.printJSON(resp)
			}
			fmt.Fprintf(inv.stdout, "%s %s (%d jobs cancelled)\n", resp.GroupID, resp.Status, resp.Stopped)
			return nil
		}
		var resp hpcinfer.StopResponse
		var err error
		if *del {
			resp, err = inv.api.DeleteService(inv.ctx, opts)
		} else {
			resp, err = inv.api.StopService(inv.ctx, opts)
		}
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(resp)
		}
		fmt.Fprintf(inv.stdout, "%s %s\n", resp.ID, resp.Status)
		return nil
	}
}

func listFlags(fs *flag.FlagSet) runFunc {
	status := fs.String("status", "", "show only services with this `status`")
	recipe := fs.String("recipe", "", "show only services started from this `recipe`")
	groups := fs.Bool("groups", false, "list replica groups instead of services")
	return func(inv *invocation) error {
		opts := hpcinfer.ListOptions{Status: hpcinfer.ServiceStatus(*status), Recipe: *recipe}
		tw := tabwriter.NewWriter(inv.stdout, 0, 8, 2, ' ', 0)
		if *groups {
			list, err := inv.api.ListServiceGroups(inv.ctx, opts)
			if err != nil {
				return err
			}
			if inv.json {
				return inv.printJSON(list)
			}
			fmt.Fprintln(tw, "ID\tSTATUS\tRECIPE\tREPLICAS\tCREATED")
			for _, g := range list.Groups {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%dx%d\t%s\n", g.ID, g.Status, g.RecipeName, g.NumNodes, g.ReplicasPerNode, inv.age(g.CreatedAt))
			}
			return tw.Flush()
		}
		list, err := inv.api.ListServices(inv.ctx, opts)
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(list)
		}
		fmt.Fprintln(tw, "ID\tSTATUS\tRECIPE\tENDPOINT\tCREATED")
		for _, svc := range list.Services {
			endpoint := "-"
			if svc.Endpoint != nil {
				endpoint = svc.Endpoint.String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", svc.ID, svc.Status, svc.RecipeName, endpoint, inv.age(svc.CreatedAt))
		}
		return tw.Flush()
	}
}

func (inv *invocation) age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, inv.now, "ago", "from now")
}

func statusFlags(fs *flag.FlagSet) runFunc {
	details := fs.Bool("details", false, "show the scheduler's job details instead of the service status")
	return func(inv *invocation) error {
		id := inv.args[0]
		if *details {
			jd, err := inv.api.GetJobDetails(inv.ctx, hpcinfer.GetOptions{ID: id})
			if err != nil {
				return err
			}
			if inv.json {
				return inv.printJSON(jd)
			}
			keys := make([]string, 0, len(jd.Fields))
			for k := range jd.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(inv.stdout, "%s=%s\n", k, jd.Fields[k])
			}
			return nil
		}
		st, err := inv.api.GetServiceStatus(inv.ctx, hpcinfer.GetOptions{ID: id})
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(st)
		}
		fmt.Fprintf(inv.stdout, "%s %s\n", st.ID, st.Status)
		return nil
	}
}

func groupStatusFlags(fs *flag.FlagSet) runFunc {
	return func(inv *invocation) error {
		gs, err := inv.api.GetServiceGroupStatus(inv.ctx, hpcinfer.GetOptions{ID: inv.args[0]})
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(gs)
		}
		fmt.Fprintf(inv.stdout, "%s %s: %d/%d healthy, %d starting, %d pending, %d failed\n",
			gs.GroupID, gs.OverallStatus, gs.HealthyReplicas, gs.TotalReplicas,
			gs.StartingReplicas, gs.PendingReplicas, gs.FailedReplicas)
		tw := tabwriter.NewWriter(inv.stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "REPLICA\tJOB\tNODE\tPORT\tSTATUS")
		for _, r := range gs.Replicas {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.ID, r.JobID, r.NodeIndex, r.Port, r.Status)
		}
		return tw.Flush()
	}
}

func completeFlags(fs *flag.FlagSet) runFunc {
	target := fs.String("target", "", "service, replica, or group `id` to send the request to")
	model := fs.String("model", "", "send the request to a backend serving this `model`")
	maxTokens := fs.Int("max-tokens", 0, "maximum number of tokens to generate (0 means backend default)")
	var params stringsFlag
	fs.Var(&params, "param", "extra request field `key=value` (may be repeated)")
	return func(inv *invocation) error {
		payload, err := parseSettings(params)
		if err != nil {
			return err
		}
		payload["prompt"] = strings.Join(inv.args, " ")
		if *model != "" {
			payload["model"] = *model
		}
		if *maxTokens > 0 {
			payload["max_tokens"] = *maxTokens
		}
		resp, err := inv.api.ForwardCompletion(inv.ctx, hpcinfer.CompletionRequest{Target: *target, Payload: payload})
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(resp)
		}
		var v interface{}
		if err := json.Unmarshal(resp.Response, &v); err != nil {
			// not JSON: print as is
			_, err = fmt.Fprintf(inv.stdout, "%s\n", resp.Response)
			return err
		}
		return inv.printJSON(v)
	}
}

func lbFlags(fs *flag.FlagSet) runFunc {
	return func(inv *invocation) error {
		resp, err := inv.api.ConfigureLoadBalancer(inv.ctx, hpcinfer.LoadBalancerOptions{Strategy: inv.args[0]})
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(resp)
		}
		fmt.Fprintf(inv.stdout, "load balancer strategy: %s\n", resp.Strategy)
		return nil
	}
}

func metricsFlags(fs *flag.FlagSet) runFunc {
	return func(inv *invocation) error {
		m, err := inv.api.GetMetrics(inv.ctx, hpcinfer.MetricsOptions{})
		if err != nil {
			return err
		}
		if inv.json {
			return inv.printJSON(m)
		}
		var statuses []string
		for st := range m.Services {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		var counts []string
		for _, st := range statuses {
			counts = append(counts, fmt.Sprintf("%s=%d", st, m.Services[hpcinfer.ServiceStatus(st)]))
		}
		if len(counts) == 0 {
			counts = []string{"none"}
		}
		cacheState := "stopped"
		if m.Cache.Running {
			cacheState = "running"
		}
		fmt.Fprintf(inv.stdout, "services: %s\n", strings.Join(counts, " "))
		fmt.Fprintf(inv.stdout, "groups: %d\n", m.Groups)
		fmt.Fprintf(inv.stdout, "endpoints: %d (%d healthy)\n", m.Endpoints, m.HealthyEndpoints)
		fmt.Fprintf(inv.stdout, "requests: %s (%s failed)\n", humanize.Comma(m.TotalRequests), humanize.Comma(m.FailedRequests))
		fmt.Fprintf(inv.stdout, "load balancer: %s\n", m.LoadBalancer)
		fmt.Fprintf(inv.stdout, "job cache: %d tracked, %s hits, %s misses, refresh %s\n",
			m.Cache.TrackedJobs, humanize.Comma(int64(m.Cache.Hits)), humanize.Comma(int64(m.Cache.Misses)), cacheState)
		return nil
	}
}
