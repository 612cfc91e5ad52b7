// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("remote host has no address")

// SSHTarget identifies the login host reached by an SSH executor.
type SSHTarget struct {
	Host string
	// Port name or number. Default "ssh".
	Port string
	User string
	// If non-nil, the host must present this key.
	HostKey ssh.PublicKey
}

func (t SSHTarget) address() string {
	if t.Host == "" {
		return ""
	}
	port := t.Port
	if port == "" {
		port = "ssh"
	}
	return net.JoinHostPort(t.Host, port)
}

// NewSSH returns a new SSH executor for the given target.
func NewSSH(t SSHTarget, signers ...ssh.Signer) *SSH {
	return &SSH{target: t, signers: signers}
}

// NewSSHFromConfig returns an SSH executor for the login host
// described by cfg, using the private key in cfg.PrivateKeyFile.
func NewSSHFromConfig(cfg hpcinfer.RemoteConfig) (*SSH, error) {
	t := SSHTarget{Host: cfg.Host, Port: cfg.Port, User: cfg.User}
	if cfg.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("Remote.HostKey: %w", err)
		}
		t.HostKey = key
	}
	if cfg.PrivateKeyFile == "" {
		return nil, errors.New("Remote.PrivateKeyFile is empty")
	}
	buf, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.PrivateKeyFile, err)
	}
	return NewSSH(t, signer), nil
}

// SSH uses a multiplexed SSH connection to execute shell commands on
// a remote host. It reconnects automatically after errors.
//
// An SSH executor must not be copied.
type SSH struct {
	target  SSHTarget
	signers []ssh.Signer
	mtx     sync.RWMutex // guards target and signers

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once // initialized private state
	clientSetup chan bool // len>0 while client setup is in progress
}

// SetTarget sets the target used next time a new connection is set
// up. Existing connections are unaffected.
func (exr *SSH) SetTarget(t SSHTarget) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.target = t
}

// Target returns the current target.
func (exr *SSH) Target() SSHTarget {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	return exr.target
}

// Execute runs cmd on the target. If an existing connection is not
// usable, it sets up a new connection to the current target.
//
// If ctx is done before the command exits, the session is closed and
// Execute returns a timeout error.
func (exr *SSH) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		t := exr.Target()
		return nil, nil, fmt.Errorf("ssh %s@%s: %w", t.User, t.address(), err)
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		<-done
		err = hpcinfer.Errorf(hpcinfer.KindTimeout, "%s: %s", cmd, ctx.Err())
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close shuts down any active connections.
func (exr *SSH) Close() {
	// Ensure exr is initialized
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *SSH) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *SSH) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case.  Wait
		// for it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

// Create a new SSH client.
func (exr *SSH) setupSSHClient() (*ssh.Client, error) {
	exr.mtx.RLock()
	target, signers := exr.target, exr.signers
	exr.mtx.RUnlock()
	addr := target.address()
	if addr == "" {
		return nil, ErrNoAddress
	}
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signers...),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if target.HostKey == nil || bytes.Equal(target.HostKey.Marshal(), key.Marshal()) {
				return nil
			}
			return fmt.Errorf("host key failed verification: %s", ssh.FingerprintSHA256(key))
		},
		Timeout: time.Minute,
	})
}
