// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"golang.org/x/crypto/ssh"
)

// An InstanceCmd is a command run on the device. It follows os/exec.Cmd, with
// the addition of Kill and SetTimeout.
type InstanceCmd interface {
	// Output runs the command and returns what it wrote to stdout and stderr.
	Output() ([]byte, error)

	// Run starts the command and waits for it to exit.
	Run() error

	// Start starts the command without waiting for it.
	Start() error

	// StderrPipe must be called before Start. libFuzzer writes its whole log
	// to stderr. All reads from the pipe must finish before Wait is called.
	StderrPipe() (io.ReadCloser, error)

	// Wait waits for a started command to exit. A non-zero exit status is
	// reported as an *InstanceCmdError.
	Wait() error

	// SetTimeout bounds Wait. Zero waits forever.
	SetTimeout(duration time.Duration)

	// Kill terminates the command.
	Kill() error
}

// InstanceCmdError describes a device command that exited unsuccessfully.
type InstanceCmdError struct {
	ReturnCode int
	Command    string
	Stderr     string
}

func (e *InstanceCmdError) Error() string {
	return fmt.Sprintf("%q exited with status %d: %s", e.Command, e.ReturnCode, e.Stderr)
}

// exitCode extracts a remote exit code from the result of Wait or Run. Errors
// that do not describe a remote exit are returned unchanged.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var cmdErr *InstanceCmdError
	if errors.As(err, &cmdErr) {
		return cmdErr.ReturnCode, nil
	}
	return 0, err
}

// sshCmd runs a command line in its own SSH session.
type sshCmd struct {
	conn    *SSHConnector
	cmdline string
	timeout time.Duration

	session *ssh.Session
	started bool
	piped   bool
	stderr  bytes.Buffer
}

func (c *sshCmd) open() (*ssh.Session, error) {
	if c.session != nil {
		return c.session, nil
	}
	client, err := c.conn.sshClient()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	c.session = session
	return session, nil
}

func (c *sshCmd) Output() ([]byte, error) {
	session, err := c.open()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	err = c.Run()
	return out.Bytes(), err
}

func (c *sshCmd) Run() error {
	if err := c.Start(); err != nil {
		return err
	}
	return c.Wait()
}

func (c *sshCmd) Start() error {
	if c.started {
		return fmt.Errorf("%q already started", c.cmdline)
	}
	session, err := c.open()
	if err != nil {
		return err
	}
	// stderr is kept for error reports unless the caller is consuming it.
	if !c.piped {
		if session.Stderr == nil {
			session.Stderr = &c.stderr
		} else {
			session.Stderr = io.MultiWriter(session.Stderr, &c.stderr)
		}
	}
	glog.V(1).Infof("Running on device: %s", c.cmdline)
	if err := session.Start(c.cmdline); err != nil {
		return fmt.Errorf("failed to start %q: %w", c.cmdline, err)
	}
	c.started = true
	return nil
}

// killOnClose adapts the Reader returned by ssh.Session.StderrPipe. Closing it
// kills the remote command, since EOF cannot be sent upstream.
type killOnClose struct {
	io.Reader
	cmd *sshCmd
}

func (k *killOnClose) Close() error {
	return k.cmd.Kill()
}

func (c *sshCmd) StderrPipe() (io.ReadCloser, error) {
	session, err := c.open()
	if err != nil {
		return nil, err
	}
	r, err := session.StderrPipe()
	if err != nil {
		return nil, err
	}
	c.piped = true
	return &killOnClose{Reader: r, cmd: c}, nil
}

func (c *sshCmd) Wait() error {
	if !c.started {
		return fmt.Errorf("%q was not started", c.cmdline)
	}
	defer c.session.Close()

	done := make(chan error, 1)
	go func() { done <- c.session.Wait() }()

	var expired <-chan time.Time
	if c.timeout > 0 {
		expired = time.After(c.timeout)
	}
	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &InstanceCmdError{
				ReturnCode: exitErr.ExitStatus(),
				Command:    c.cmdline,
				Stderr:     c.stderr.String(),
			}
		}
		return err
	case <-expired:
		c.session.Signal(ssh.SIGKILL)
		return fmt.Errorf("%q did not finish within %s", c.cmdline, c.timeout)
	}
}

func (c *sshCmd) SetTimeout(duration time.Duration) {
	c.timeout = duration
}

func (c *sshCmd) Kill() error {
	if c.session == nil {
		return fmt.Errorf("%q was not started", c.cmdline)
	}
	return c.session.Signal(ssh.SIGKILL)
}
