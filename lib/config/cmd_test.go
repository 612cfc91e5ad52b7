// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("hpcinfer config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestDumpMergesDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
UnknownKey: foobar
ManagementToken: secret
LoadBalancer:
  Strategy: least_loaded
`
	code := DumpCommand.RunCommand("hpcinfer config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n  Strategy: least_loaded\n.*`)
	// defaults fill in what the file leaves out
	c.Check(stdout.String(), check.Matches, `(?ms).*\nListen: 127\.0\.0\.1:8090\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: UnknownKey.*`)
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	in := "Cache:\n  TTL: 5s\n  Colour: blue\n"
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("hpcinfer config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown config entry: Cache\.Colour.*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("hpcinfer config-check", []string{"-config", "-", "-strict=false"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheckInvalid(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("hpcinfer config-check", []string{"-config", "-"}, bytes.NewBufferString("LoadBalancer:\n  Strategy: random\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*LoadBalancer\.Strategy: unknown strategy "random".*`)
}
