// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"

	"go.fuchsia.dev/fuzzctl/lib/clock"
	"go.fuchsia.dev/fuzzctl/lib/gcsutil"
)

// progressWidth is the number of steps in the analysis progress bar.
const progressWidth = 79

// ControllerConfig holds everything a Controller is built from.
type ControllerConfig struct {
	Device   *Device
	BuildEnv *BuildEnv
	Fuzzer   *Fuzzer

	// Symbolizer defaults to BuildEnv.
	Symbolizer Symbolizer

	// OutputDir receives logs and artifacts. It defaults to a directory named
	// for the fuzzer under //local.
	OutputDir string

	// Observer receives user-facing output.
	Observer io.Writer

	Session SessionConfig
	Timing  SessionTiming

	// DeviceAddr and SSHKey are passed to the test runner for coverage.
	DeviceAddr string
	SSHKey     string

	// OpenBucket opens a cloud storage bucket for corpus downloads.
	OpenBucket func(ctx context.Context, name string) (gcsutil.Bucket, error)
}

// A Controller runs one fuzzer on the device in any of its modes.
type Controller struct {
	cfg        ControllerConfig
	ns         *Namespace
	corpus     *Corpus
	dictionary *Dictionary
	symbolizer *LogSymbolizer
	session    *ProcessSession
	observer   io.Writer
}

// NewController wires together the parts needed to drive cfg.Fuzzer.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Symbolizer == nil {
		cfg.Symbolizer = cfg.BuildEnv
	}
	if cfg.Observer == nil {
		cfg.Observer = io.Discard
	}
	if cfg.OutputDir == "" && cfg.BuildEnv != nil {
		cfg.OutputDir = cfg.BuildEnv.AbsPath(fmt.Sprintf("//local/%s_%s", cfg.Fuzzer.Package, cfg.Fuzzer.Executable))
	}
	ns := NewNamespace(cfg.Fuzzer)
	return &Controller{
		cfg:        cfg,
		ns:         ns,
		corpus:     NewCorpus(cfg.Device, cfg.Fuzzer, ns),
		dictionary: NewDictionary(cfg.Device, cfg.Fuzzer, ns),
		symbolizer: NewLogSymbolizer(cfg.Device, cfg.Symbolizer, cfg.Fuzzer, ns, cfg.OutputDir, cfg.Observer),
		session:    NewProcessSession(cfg.Device, cfg.Fuzzer, ns, cfg.OutputDir, cfg.Timing),
		observer:   cfg.Observer,
	}
}

// OutputDir returns where logs and artifacts are written.
func (c *Controller) OutputDir() string {
	return c.cfg.OutputDir
}

// Namespace returns the fuzzer's namespace.
func (c *Controller) Namespace() *Namespace {
	return c.ns
}

// Session returns the process session.
func (c *Controller) Session() *ProcessSession {
	return c.session
}

// IsRunning reports whether the fuzzer is running on the device.
func (c *Controller) IsRunning(ctx context.Context) (bool, error) {
	return c.session.IsRunning(ctx, true)
}

// IsResolved reports whether the fuzzer's package is on the device, either
// in the base image or as an ephemeral package.
func (c *Controller) IsResolved() (bool, error) {
	if c.ns.packagePath != "" {
		return true, nil
	}
	baseCmx := c.ns.BaseAbsPath(fmt.Sprintf("meta/%s.cmx", c.cfg.Fuzzer.Executable))
	ok, err := c.cfg.Device.IsFile(baseCmx)
	if err != nil {
		return false, err
	}
	if ok {
		c.ns.packagePath = c.ns.BaseAbsPath("")
		return true, nil
	}
	path, err := c.cfg.Device.PackageStatus(c.cfg.Fuzzer.PackageURL)
	if err != nil {
		return false, err
	}
	if path == "" {
		return false, nil
	}
	c.ns.packagePath = path
	return true, nil
}

// Resolve ensures the fuzzer's package is on the device.
func (c *Controller) Resolve() error {
	if ok, err := c.IsResolved(); err != nil || ok {
		return err
	}
	glog.Infof("Resolving %s", c.cfg.Fuzzer.PackageURL)
	if err := c.cfg.Device.ResolvePackage(c.cfg.Fuzzer.PackageURL); err != nil {
		return err
	}
	ok, err := c.IsResolved()
	if err != nil {
		return err
	}
	if !ok {
		return preconditionf("Failed to resolve package: %s", c.cfg.Fuzzer.Package)
	}
	return nil
}

// Start runs the fuzzer over its corpus. In the foreground it returns once
// the fuzzer exits, having written its symbolized log. In the background it
// returns once the fuzzer is running; Monitor collects the logs.
func (c *Controller) Start(ctx context.Context) (*SymbolizeResult, error) {
	result, _, err := c.start(ctx, ModeFuzz)
	return result, err
}

func (c *Controller) start(ctx context.Context, mode Mode) (*SymbolizeResult, *SessionOptions, error) {
	if inputs := c.cfg.Session.Inputs; len(inputs) > 0 {
		return nil, nil, usagef("Unexpected inputs for %s: %q.", mode, strings.Join(inputs, " "))
	}
	if err := c.session.RequireStopped(ctx); err != nil {
		return nil, nil, err
	}
	if err := c.Resolve(); err != nil {
		return nil, nil, err
	}
	dict, err := c.dictionary.NSPath()
	if err != nil {
		return nil, nil, err
	}
	if err := c.corpus.Prepare(); err != nil {
		return nil, nil, err
	}
	opts := NewSessionOptions(mode, c.cfg.Session, SessionResources{
		Dictionary: dict,
		Inputs:     c.corpus.NSPaths(),
	})
	if err := c.cfg.Device.RemoveFiles(c.ns.DataAbsPath(logPattern)); err != nil {
		return nil, nil, err
	}

	c.symbolizer.ResetPID()
	if err := c.session.Launch(ctx, opts); err != nil {
		return nil, nil, err
	}
	if !opts.Foreground() {
		return nil, opts, nil
	}

	stderr, err := c.session.Stderr()
	if err != nil {
		return nil, nil, err
	}
	result, err := c.symbolizer.Symbolize(ctx, stderr, 0, true)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.session.Wait(ctx); err != nil {
		return result, opts, err
	}
	return result, opts, nil
}

// Monitor waits for a background fuzzer to exit and symbolizes its logs.
func (c *Controller) Monitor(ctx context.Context) ([]*SymbolizeResult, error) {
	return c.session.Monitor(ctx, c.symbolizer)
}

// Stop kills the fuzzer if it is running.
func (c *Controller) Stop(ctx context.Context) error {
	return c.session.Stop(ctx)
}

// Repro runs the fuzzer on the test units matching the given host globs and
// returns its exit code.
func (c *Controller) Repro(ctx context.Context, units []string) (int, error) {
	if len(units) == 0 {
		return 0, usagef("No units provided.")
	}
	if err := c.session.RequireStopped(ctx); err != nil {
		return 0, err
	}
	var paths []string
	for _, unit := range units {
		matches, err := filepath.Glob(unit)
		if err != nil {
			return 0, usagef("Invalid unit pattern: %s", unit)
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return 0, usagef("No matching files: %q.", strings.Join(units, " "))
	}
	if err := c.cfg.Device.Push(c.ns.DataAbsPath(""), paths...); err != nil {
		return 0, err
	}
	var inputs []string
	for _, path := range paths {
		inputs = append(inputs, c.ns.Data(filepath.Base(path)))
	}

	opts := NewSessionOptions(ModeRepro, c.cfg.Session, SessionResources{Inputs: inputs})
	return c.session.Reproduce(ctx, opts, c.symbolizer)
}

// Analyze runs the fuzzer in the background for its analysis budget while
// showing progress, then collects its logs, which include coverage.
func (c *Controller) Analyze(ctx context.Context) ([]*SymbolizeResult, error) {
	_, opts, err := c.start(ctx, ModeAnalyze)
	if err != nil {
		return nil, err
	}
	// User options may override the budget the session was given.
	budget, ok := opts.MaxTotalTime()
	if !ok {
		budget = defaultAnalyzeBudget
	}

	fmt.Fprintln(c.observer, "Analyzing fuzzer...")
	step := budget / progressWidth
	for i := 0; i < progressWidth; i++ {
		fmt.Fprintf(c.observer, "\r[%-*s]", progressWidth-1, strings.Repeat("#", i))
		if err := clock.Sleep(ctx, step); err != nil {
			return nil, err
		}
	}
	fmt.Fprintln(c.observer)

	if _, err := c.session.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Monitor(ctx)
}

// ListArtifacts returns the test unit artifacts in the output directory.
func (c *Controller) ListArtifacts() ([]string, error) {
	var artifacts []string
	for _, kind := range ArtifactKinds {
		matches, err := filepath.Glob(filepath.Join(c.cfg.OutputDir, string(kind)+"-*"))
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, matches...)
	}
	sort.Strings(artifacts)
	return artifacts, nil
}
