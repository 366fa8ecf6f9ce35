// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package subprocess

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// ExecCommand is the function used by NewCommand to create Cmd objects. Test
// code can replace the default to mock process creation.
var ExecCommand = exec.Command

// NewCommand returns a Cmd that can be used to start a new os.Process by
// calling Run or Start. It is provided to allow the test code to mock process
// creation.
func NewCommand(name string, args ...string) *exec.Cmd {
	cmd := ExecCommand(name, args...)
	glog.Infof("Running local command: %q", cmd)
	return cmd
}

// Runner runs commands as local subprocesses.
type Runner struct {
	// Dir is the working directory of the subprocesses; if unspecified, that
	// of the current process will be used.
	Dir string

	// Env is the environment of the subprocess, following the usual convention
	// of a list of strings of the form "<environment variable name>=<value>".
	// If empty, the current process's environment is inherited.
	Env []string
}

// Run runs a command until completion or until a context is canceled, in
// which case the subprocess is killed so that no subprocesses it spun up are
// orphaned.
func (r *Runner) Run(ctx context.Context, command []string, stdout io.Writer, stderr io.Writer) error {
	return r.RunWithStdin(ctx, command, stdout, stderr, nil)
}

// RunWithStdin operates identically to Run, but additionally pipes input to
// the process via stdin.
func (r *Runner) RunWithStdin(ctx context.Context, command []string, stdout io.Writer, stderr io.Writer, stdin io.Reader) error {
	cmd := NewCommand(command[0], command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = stdin
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = r.Env
		glog.V(1).Infof("environment of subprocess: %v", cmd.Env)
	}
	// Set a process group ID so we can kill the entire group, meaning the
	// process and any of its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Negating the process ID means interpret it as a process group ID.
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-done
		return ctx.Err()
	}
}

// ExitCode returns the exit code carried by err, 0 for a nil error, or -1 if
// err does not describe a process exit.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
