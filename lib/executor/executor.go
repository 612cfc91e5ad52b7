// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package executor runs shell commands on the scheduler's login
// host, either locally or over a multiplexed SSH connection.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
)

// An Executor runs a shell command and returns its output.
//
// A non-nil error with an ExitCode (see ExitCode) means the command
// ran and exited non-zero. Any other error means the command could
// not be run at all.
type Executor interface {
	Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
	Close()
}

// ExitCode returns the exit status of the command that produced err,
// and true, if err reports a command that ran and exited non-zero.
//
// Errors from the SSH executor (*ssh.ExitError) report ExitStatus();
// errors from the local executor (*exec.ExitError) report
// ExitCode(), which is -1 for a command killed by a signal.
func ExitCode(err error) (int, bool) {
	var withStatus interface{ ExitStatus() int }
	var withCode interface{ ExitCode() int }
	switch {
	case err == nil:
		return 0, false
	case errors.As(err, &withStatus):
		return withStatus.ExitStatus(), true
	case errors.As(err, &withCode):
		if code := withCode.ExitCode(); code >= 0 {
			return code, true
		}
	}
	return 0, false
}

// IsChannelFailure returns true if err means the command could not
// be run at all (connection refused, authentication failure, missing
// shell, session torn down without an exit status, ...).
func IsChannelFailure(err error) bool {
	if err == nil {
		return false
	}
	_, exited := ExitCode(err)
	return !exited
}

// Local runs commands on this host with /bin/sh.
type Local struct {
	// Shell used to interpret commands. Default "/bin/sh".
	Shell string
}

func (l *Local) Execute(ctx context.Context, env map[string]string, command string, stdin io.Reader) ([]byte, []byte, error) {
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = hpcinfer.Errorf(hpcinfer.KindTimeout, "%s: %s", command, ctx.Err())
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

func (*Local) Close() {}

// ShellQuote returns a shell command line that runs args[0] with the
// remaining args, each quoted so the shell passes it through
// unchanged.
func ShellQuote(args []string) string {
	var s strings.Builder
	for i, w := range args {
		if i > 0 {
			s.WriteByte(' ')
		}
		if w != "" && strings.Trim(w, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_=.,/:%@+") == "" {
			s.WriteString(w)
			continue
		}
		s.WriteString(`'`)
		s.WriteString(strings.Replace(w, `'`, `'\''`, -1))
		s.WriteString(`'`)
	}
	return s.String()
}
