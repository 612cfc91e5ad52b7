// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

// Return a new Loader that reads config from configdata (instead of
// the usual default /etc/hpcinfer/config.yml), and logs to logdst or
// (if that's nil) c.Log.
func testLoader(c *check.C, configdata string, logdst io.Writer) *Loader {
	var logger logrus.FieldLogger = ctxlog.TestLogger(c)
	if logdst != nil {
		lgr := logrus.New()
		lgr.Out = logdst
		logger = lgr
	}
	ldr := NewLoader(bytes.NewBufferString(configdata), logger)
	ldr.Path = "-"
	return ldr
}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := testLoader(c, "", nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Listen, check.Equals, "127.0.0.1:8090")
	c.Check(cfg.Cache.TTL.Duration(), check.Equals, 10*time.Second)
	c.Check(cfg.Cache.UpdateInterval.Duration(), check.Equals, 8*time.Second)
	c.Check(cfg.Remote.Retries, check.Equals, 2)
	c.Check(cfg.Health.FreshnessWindow.Duration(), check.Equals, 300*time.Second)
	c.Check(cfg.LoadBalancer.Strategy, check.Equals, "round_robin")
	c.Check(cfg.Groups.DegradedFailureThreshold, check.Equals, 1)
	c.Check(cfg.Scheduler.MaxConcurrentCommands, check.Equals, 3)
}

func (s *LoadSuite) TestOverlay(c *check.C) {
	cfg, err := testLoader(c, `
Listen: ":9000"
Account: ai-team
Cache:
  TTL: 2s
Scheduler:
  SbatchArguments: ["--qos", "high"]
`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Listen, check.Equals, ":9000")
	c.Check(cfg.Account, check.Equals, "ai-team")
	c.Check(cfg.Cache.TTL.Duration(), check.Equals, 2*time.Second)
	// untouched siblings keep their defaults
	c.Check(cfg.Cache.UpdateInterval.Duration(), check.Equals, 8*time.Second)
	c.Check(cfg.Scheduler.SbatchArguments, check.DeepEquals, []string{"--qos", "high"})
}

func (s *LoadSuite) TestUnknownKeys(c *check.C) {
	logs := &bytes.Buffer{}
	_, err := testLoader(c, `
Cache:
  TTL: 2s
  Bogus: true
Frobnicate: 1
`, logs).Load()
	c.Assert(err, check.IsNil)
	c.Check(logs.String(), check.Matches, `(?ms).*unknown config entry: Cache\.Bogus.*`)
	c.Check(logs.String(), check.Matches, `(?ms).*unknown config entry: Frobnicate.*`)
	c.Check(strings.Contains(logs.String(), "Cache.TTL"), check.Equals, false)
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		yaml string
		err  string
	}{
		{"LoadBalancer: {Strategy: random}", `LoadBalancer.Strategy: unknown strategy "random"`},
		{"Scheduler: {Executor: ssh}", `Scheduler.Executor is "ssh" but Remote.Host is empty`},
		{"Remote: {Enable: true, Host: login1, Recipe: '', DiscoveryFile: ''}", `Remote.Enable requires .*`},
		{"Groups: {DegradedFailureThreshold: -1}", `.*must not be negative`},
		{"Cache: {TTL: 10}", `.*duration must be given as a string.*`},
		{"Listen: nope", `Listen: .*`},
	} {
		_, err := testLoader(c, trial.yaml, nil).Load()
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%s", trial.yaml))
	}
}

func (s *LoadSuite) TestLoadFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte("Recipes: {Directory: /srv/recipes, Watch: false}\n"), 0644), check.IsNil)
	cfg, err := LoadFile(path, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Recipes.Directory, check.Equals, "/srv/recipes")
	c.Check(cfg.Recipes.Watch, check.Equals, false)

	_, err = LoadFile(filepath.Join(c.MkDir(), "missing.yml"), ctxlog.TestLogger(c))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *LoadSuite) TestDumpCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("hpcinfer config-dump", []string{"-config", "-"}, bytes.NewBufferString("Account: hpc\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	var dumped map[string]interface{}
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &dumped), check.IsNil)
	c.Check(dumped["Account"], check.Equals, "hpc")
	c.Check(dumped["Cache"].(map[string]interface{})["TTL"], check.Equals, "10s")
}

func (s *LoadSuite) TestCheckCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("hpcinfer config-check", []string{"-config", "-"}, bytes.NewBufferString("Account: hpc\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")

	stderr.Reset()
	code = CheckCommand.RunCommand("hpcinfer config-check", []string{"-config", "-"}, bytes.NewBufferString("Acount: hpc\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown config entry: Acount.*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("hpcinfer config-check", []string{"-config", "-", "-strict=false"}, bytes.NewBufferString("Acount: hpc\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
}
