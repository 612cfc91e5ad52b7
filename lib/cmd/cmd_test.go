// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"group": Multi(map[string]Handler{
		"status": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
			fmt.Fprintln(stdout, prog, strings.Join(args, " "))
			return 0
		}),
	}),
	"version": Version,
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestNested(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"group", "status", "sg-1"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "prog group status sg-1\n")
}

func (s *CmdSuite) TestDashedVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"--version"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `prog dev \(go.*\)\n`)
}

func (s *CmdSuite) TestUnrecognized(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"frobnicate"}, bytes.NewReader(nil), io.Discard, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*unrecognized command "frobnicate".*    echo\n    group status\n    version\n`)
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.String("config", "", "config file")
	ok, code := ParseFlags(flags, "prog", []string{"-config", "x.yml", "extra"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments.*\n`)

	stderr.Reset()
	ok, code = ParseFlags(flags, "prog", []string{"-help"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*-config.*`)

	ok, code = ParseFlags(flags, "prog", []string{"-config", "y.yml", "jobid"}, "jobid", stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)

	for _, trial := range []struct {
		args       []string
		positional string
		ok         bool
	}{
		{nil, "jobid", false},
		{[]string{"1", "2"}, "jobid", false},
		{[]string{"1", "2"}, "jobid port", true},
		{nil, "prompt...", false},
		{[]string{"hello"}, "prompt...", true},
		{[]string{"hello", "world"}, "prompt...", true},
	} {
		stderr.Reset()
		ok, code = ParseFlags(flags, "prog", trial.args, trial.positional, stderr)
		c.Check(ok, check.Equals, trial.ok, check.Commentf("%q %q", trial.args, trial.positional))
		if !trial.ok {
			c.Check(code, check.Equals, 2)
			c.Check(stderr.String(), check.Equals, "Usage: prog [options] "+trial.positional+"\n")
		}
	}
}
