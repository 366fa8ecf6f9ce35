// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// mockInstanceCmd is the type returned by mockConnector.Command()
type mockInstanceCmd struct {
	connector *mockConnector
	name      string
	args      []string
	running   bool
	pipeErr   *io.PipeWriter
	errCh     chan error
	timeout   time.Duration
}

func (c *mockInstanceCmd) cmdline() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

func (c *mockInstanceCmd) fail(code int, stderr string) error {
	return &InstanceCmdError{ReturnCode: code, Command: c.cmdline(), Stderr: stderr}
}

// getOutput emulates the remote command, returning its output and any error
// it exits with.
func (c *mockInstanceCmd) getOutput() ([]byte, error) {
	conn := c.connector
	switch c.name {
	case "cs":
		if !conn.isRunning() {
			return []byte("appmgr.cmx[1000]: fuchsia-pkg://fuchsia.com/appmgr#meta/appmgr.cmx\n"), nil
		}
		return []byte(strings.Join([]string{
			"appmgr.cmx[1000]: fuchsia-pkg://fuchsia.com/appmgr#meta/appmgr.cmx",
			fmt.Sprintf("  bar.cmx[%d]: fuchsia-pkg://fuchsia.com/foo#meta/bar.cmx", mockFuzzerPid),
		}, "\n") + "\n"), nil
	case "ps":
		return []byte(conn.PSOutput), nil
	case "killall":
		conn.setRunning(false)
		return nil, nil
	case "mkdir":
		return nil, nil
	case "log_listener":
		if conn.ShouldFailToDumpLog {
			return nil, c.fail(1, "log_listener failed")
		}
		if len(c.args) != 3 || c.args[0] != "--dump_logs" || c.args[1] != "--pid" {
			return nil, fmt.Errorf("unexpected log_listener args: %q", c.args)
		}
		pid, err := strconv.Atoi(c.args[2])
		if err != nil {
			return nil, err
		}
		return []byte(conn.SysLogs[pid]), nil
	case "pkgctl":
		switch c.args[0] {
		case "pkg-status":
			out := []byte(conn.PkgStatusOutput)
			if conn.PkgStatusCode != 0 {
				return out, c.fail(conn.PkgStatusCode, "")
			}
			return out, nil
		case "resolve":
			if conn.ResolvePath == "" {
				return nil, nil
			}
			conn.PkgStatusCode = 0
			conn.PkgStatusOutput = fmt.Sprintf("Package on disk: yes (path=%s)\n", conn.ResolvePath)
			return nil, nil
		}
	case "run":
		var out []byte
		if len(conn.RunOutput) > 0 {
			out = []byte(strings.Join(conn.RunOutput, "\n") + "\n")
		}
		if conn.RunExitCode != 0 {
			return out, c.fail(conn.RunExitCode, "")
		}
		return out, nil
	}
	return nil, c.fail(127, fmt.Sprintf("%s: not found", c.name))
}

func (c *mockInstanceCmd) Output() ([]byte, error) {
	if c.pipeErr != nil {
		return nil, fmt.Errorf("Output called after StderrPipe")
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	c.running = false
	return c.getOutput()
}

func (c *mockInstanceCmd) Run() error {
	if err := c.Start(); err != nil {
		return err
	}
	return c.Wait()
}

func (c *mockInstanceCmd) Start() error {
	conn := c.connector
	conn.mu.Lock()
	connected := conn.connected
	conn.mu.Unlock()
	if !connected {
		if err := conn.Connect(); err != nil {
			return err
		}
	}

	if c.running {
		return fmt.Errorf("Start called when already running")
	}
	c.running = true

	// Record this command as having run
	conn.record(c.cmdline())

	if c.name == "run" {
		conn.mu.Lock()
		for _, log := range conn.RunWritesLogs {
			conn.Files[log] = fmt.Sprintf("log of %s\n", log)
		}
		conn.mu.Unlock()
	}

	if c.pipeErr != nil {
		// Kick off a goroutine to output everything and then exit. This is a
		// goroutine because the write blocks on the consumer on the other end
		// of the pipe
		c.errCh = make(chan error, 1)
		go func() {
			defer close(c.errCh)
			defer c.pipeErr.Close()

			output, err := c.getOutput()
			if _, werr := c.pipeErr.Write(output); werr != nil {
				c.errCh <- werr
				return
			}
			c.errCh <- err
		}()
	}
	return nil
}

func (c *mockInstanceCmd) StderrPipe() (io.ReadCloser, error) {
	r, w := io.Pipe()
	c.pipeErr = w
	return r, nil
}

func (c *mockInstanceCmd) Wait() error {
	if !c.running {
		return fmt.Errorf("Wait called when not running")
	}
	c.running = false

	if c.errCh != nil {
		return <-c.errCh
	}
	if c.name == "run" && c.connector.RunBlock != nil {
		<-c.connector.RunBlock
	}
	_, err := c.getOutput()
	return err
}

func (c *mockInstanceCmd) SetTimeout(duration time.Duration) {
	c.timeout = duration
}

func (c *mockInstanceCmd) Kill() error {
	if !c.running {
		return fmt.Errorf("Kill called when not running")
	}
	c.running = false
	return nil
}
