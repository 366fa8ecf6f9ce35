// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/kr/pretty"
	"go.uber.org/multierr"

	"go.fuchsia.dev/fuzzctl/lib/clock"
	"go.fuchsia.dev/fuzzctl/lib/retry"
)

// logPattern matches the logs libFuzzer writes for each job when run with
// -jobs.
const logPattern = "fuzz-[0-9].log"

type stage int

const (
	stageIdle stage = iota
	stageLaunching
	stageForeground
	stageBackgroundWaiting
	stageRunning
	stageExited
)

func (s stage) String() string {
	return [...]string{"idle", "launching", "foreground", "waiting for logs", "running", "exited"}[s]
}

// SessionTiming controls how a session polls the device.
type SessionTiming struct {
	// LaunchPollInterval is how often a background launch checks for logs.
	LaunchPollInterval time.Duration
	// LaunchTimeout bounds a background launch. Zero waits until the process
	// either writes a log or exits.
	LaunchTimeout time.Duration
	// MonitorPollInterval is how often Monitor checks whether the fuzzer is
	// still running.
	MonitorPollInterval time.Duration
}

// A ProcessSession is one fuzzer process on the device, from launch to exit.
type ProcessSession struct {
	device    *Device
	fuzzer    *Fuzzer
	ns        *Namespace
	outputDir string
	timing    SessionTiming
	state     *RunState

	stage   stage
	cmd     InstanceCmd
	stderr  io.ReadCloser
	exit    *processExit
	waitErr error
	waited  bool
}

// processExit is filled in by the goroutine waiting on a background launch.
// err may only be read once done is closed.
type processExit struct {
	done chan struct{}
	err  error
}

// NewProcessSession returns an idle session for fuzzer.
func NewProcessSession(device *Device, fuzzer *Fuzzer, ns *Namespace, outputDir string, timing SessionTiming) *ProcessSession {
	if timing.LaunchPollInterval <= 0 {
		timing.LaunchPollInterval = defaultLaunchPollInterval
	}
	if timing.MonitorPollInterval <= 0 {
		timing.MonitorPollInterval = defaultMonitorPollInterval
	}
	s := &ProcessSession{
		device:    device,
		fuzzer:    fuzzer,
		ns:        ns,
		outputDir: outputDir,
		timing:    timing,
	}
	s.state = NewRunState(func() (bool, error) {
		return device.IsRunning(fuzzer.ExecutableURL())
	})
	return s
}

// IsRunning reports whether the fuzzer is running, using a cached answer
// unless refresh is set.
func (s *ProcessSession) IsRunning(ctx context.Context, refresh bool) (bool, error) {
	return s.state.Running(ctx, refresh)
}

// RequireStopped returns a PreconditionError if the fuzzer is running.
func (s *ProcessSession) RequireStopped(ctx context.Context) error {
	running, err := s.state.Running(ctx, true)
	if err != nil {
		return err
	}
	if running {
		return preconditionf("%s is running and must be stopped first.", s.fuzzer)
	}
	return nil
}

func (s *ProcessSession) setStage(next stage) {
	glog.V(1).Infof("%s session: %s -> %s", s.fuzzer, s.stage, next)
	s.stage = next
}

// Launch starts the fuzzer on the device. In the foreground the caller must
// consume Stderr before calling Wait. In the background Launch returns once
// the fuzzer has written a log, and fails with ErrFailedToStart if it exits
// without writing one.
func (s *ProcessSession) Launch(ctx context.Context, opts *SessionOptions) error {
	if s.stage != stageIdle && s.stage != stageExited {
		return fmt.Errorf("cannot launch %s while %s", s.fuzzer, s.stage)
	}
	s.setStage(stageLaunching)
	s.exit = nil
	s.waitErr = nil
	s.waited = false
	s.stderr = nil

	args := append([]string{s.fuzzer.ExecutableURL()}, opts.Args()...)
	glog.V(1).Infof("Launching %s with %# v", s.fuzzer, pretty.Formatter(args))
	s.cmd = s.device.Command("run", args...)

	if opts.Foreground() {
		stderr, err := s.cmd.StderrPipe()
		if err != nil {
			s.setStage(stageIdle)
			return fmt.Errorf("failed to attach to %s: %w", s.fuzzer, err)
		}
		if err := s.cmd.Start(); err != nil {
			s.setStage(stageIdle)
			return fmt.Errorf("failed to start %s: %w", s.fuzzer, err)
		}
		s.stderr = stderr
		s.setStage(stageForeground)
		return nil
	}

	if err := s.cmd.Start(); err != nil {
		s.setStage(stageIdle)
		return fmt.Errorf("failed to start %s: %w", s.fuzzer, err)
	}
	exit := &processExit{done: make(chan struct{})}
	s.exit = exit
	go func(cmd InstanceCmd) {
		exit.err = cmd.Wait()
		close(exit.done)
	}(s.cmd)
	s.setStage(stageBackgroundWaiting)
	return s.awaitLogs(ctx)
}

func (s *ProcessSession) exited() bool {
	if s.exit == nil {
		return false
	}
	select {
	case <-s.exit.done:
		return true
	default:
		return false
	}
}

func (s *ProcessSession) hasLogs() (bool, error) {
	logs, err := s.device.ListFiles(s.ns.DataAbsPath(logPattern))
	if err != nil {
		return false, err
	}
	return len(logs) > 0, nil
}

func (s *ProcessSession) awaitLogs(ctx context.Context) error {
	var b retry.Backoff = retry.NewConstantBackoff(s.timing.LaunchPollInterval)
	if s.timing.LaunchTimeout > 0 {
		b = retry.WithMaxDuration(b, s.timing.LaunchTimeout, func() time.Time {
			return clock.Now(ctx)
		})
	}
	err := retry.Poll(ctx, b, func() (bool, error) {
		if s.exited() {
			return true, nil
		}
		return s.hasLogs()
	})
	if err != nil && !errors.Is(err, retry.ErrExhausted) {
		return err
	}

	// The process may have written its logs just before exiting.
	found, logErr := s.hasLogs()
	if logErr != nil {
		return logErr
	}
	switch {
	case found && s.exited():
		s.setStage(stageExited)
		s.state.set(ctx, false)
		return nil
	case found:
		s.setStage(stageRunning)
		s.state.set(ctx, true)
		return nil
	case err != nil:
		glog.Warningf("Timed out waiting for %s to write a log", s.fuzzer)
		s.setStage(stageIdle)
		timeoutErr := fmt.Errorf("%s %w: no log after %s", s.fuzzer, ErrFailedToStart, s.timing.LaunchTimeout)
		if _, err := s.state.Running(ctx, true); err != nil {
			return multierr.Append(timeoutErr, err)
		}
		return timeoutErr
	default:
		s.setStage(stageExited)
		s.state.set(ctx, false)
		return fmt.Errorf("%s %w.", s.fuzzer, ErrFailedToStart)
	}
}

// Stderr returns the fuzzer's log stream during a foreground launch.
func (s *ProcessSession) Stderr() (io.Reader, error) {
	if s.stage != stageForeground || s.stderr == nil {
		return nil, fmt.Errorf("%s is not running in the foreground", s.fuzzer)
	}
	return s.stderr, nil
}

// Wait blocks until the launched process exits and returns its exit code.
func (s *ProcessSession) Wait(ctx context.Context) (int, error) {
	if s.cmd == nil {
		return 0, fmt.Errorf("%s was not launched", s.fuzzer)
	}
	if !s.waited {
		if s.exit != nil {
			select {
			case <-s.exit.done:
				s.waitErr = s.exit.err
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		} else {
			s.waitErr = s.cmd.Wait()
		}
		s.waited = true
		s.setStage(stageExited)
		s.state.set(ctx, false)
	}
	code, err := exitCode(s.waitErr)
	if err != nil {
		return 0, fmt.Errorf("failed waiting for %s: %w", s.fuzzer, err)
	}
	return code, nil
}

// Monitor waits for a background fuzzer to stop, then retrieves and
// symbolizes the logs of each of its jobs and removes them from the device.
func (s *ProcessSession) Monitor(ctx context.Context, sym *LogSymbolizer) ([]*SymbolizeResult, error) {
	err := retry.Poll(ctx, retry.NewConstantBackoff(s.timing.MonitorPollInterval), func() (bool, error) {
		running, err := s.state.Running(ctx, true)
		return !running, err
	})
	if err != nil {
		return nil, err
	}
	if s.stage != stageIdle {
		s.setStage(stageExited)
	}

	pattern := s.ns.DataAbsPath(logPattern)
	remote, err := s.device.ListFiles(pattern)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, err
	}
	if err := s.device.Fetch(s.outputDir, remote...); err != nil {
		return nil, err
	}
	if err := s.device.RemoveFiles(pattern); err != nil {
		return nil, fmt.Errorf("failed to remove logs from device: %w", err)
	}

	local, err := filepath.Glob(filepath.Join(s.outputDir, logPattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(local)
	var results []*SymbolizeResult
	for job, path := range local {
		result, err := s.symbolizeFile(ctx, sym, path, job)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *ProcessSession) symbolizeFile(ctx context.Context, sym *LogSymbolizer, path string, job int) (*SymbolizeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	result, err := sym.Symbolize(ctx, f, job, false)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to symbolize %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	return result, nil
}

// Stop kills the fuzzer if it is running.
func (s *ProcessSession) Stop(ctx context.Context) error {
	running, err := s.state.Running(ctx, true)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	glog.Infof("Stopping %s", s.fuzzer)
	if err := s.device.Kill(s.fuzzer.Executable + ".cmx"); err != nil {
		return fmt.Errorf("failed to stop %s: %w", s.fuzzer, err)
	}
	s.state.set(ctx, false)
	return nil
}

// Reproduce runs the fuzzer in the foreground on inputs already on the device
// and returns its exit code. If the fuzzer fails, the symbolized system log of
// the process is echoed after its own output.
func (s *ProcessSession) Reproduce(ctx context.Context, opts *SessionOptions, sym *LogSymbolizer) (int, error) {
	if !opts.Foreground() {
		return 0, fmt.Errorf("reproduction must run in the foreground")
	}
	sym.ResetPID()
	if err := s.Launch(ctx, opts); err != nil {
		return 0, err
	}
	stderr, err := s.Stderr()
	if err != nil {
		return 0, err
	}
	if _, err := sym.Symbolize(ctx, stderr, 0, true); err != nil {
		return 0, err
	}
	code, err := s.Wait(ctx)
	if err != nil || code == 0 {
		return code, err
	}

	pid := sym.LastKnownPID()
	if pid <= 0 {
		if pid, err = s.device.GuessPID(s.fuzzer.Executable); err != nil {
			return code, err
		}
	}
	if err := sym.EchoSyslog(ctx, pid); err != nil {
		return code, err
	}
	return code, nil
}
