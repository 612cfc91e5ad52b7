// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executortest

import (
	"context"
	"io"
	"strconv"
	"sync"
)

// Call records one Stub.Execute invocation.
type Call struct {
	Env     map[string]string
	Command string
	Stdin   string
}

// StubFunc returns the stdout, stderr and error for one command.
type StubFunc func(call Call) (stdout, stderr []byte, err error)

// Stub is an executor that records every command and answers with
// Func.
type Stub struct {
	Func StubFunc

	mtx   sync.Mutex
	calls []Call
}

func (s *Stub) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	call := Call{Env: env, Command: cmd}
	if stdin != nil {
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return nil, nil, err
		}
		call.Stdin = string(buf)
	}
	s.mtx.Lock()
	s.calls = append(s.calls, call)
	s.mtx.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if s.Func == nil {
		return nil, nil, nil
	}
	return s.Func(call)
}

func (s *Stub) Close() {}

// Calls returns a copy of the calls recorded so far.
func (s *Stub) Calls() []Call {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]Call(nil), s.calls...)
}

// ExitError reports a command that ran and exited non-zero. It
// satisfies executor.ExitCode the same way *ssh.ExitError does.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return "Process exited with status " + strconv.Itoa(e.Status)
}

func (e *ExitError) ExitStatus() int {
	return e.Status
}
