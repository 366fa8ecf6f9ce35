// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"go.fuchsia.dev/fuzzctl/fuzz"
)

var errNoFuzzer = errors.New("missing fuzzer name")

// commonFlags are shared by every command that drives a fuzzer.
type commonFlags struct {
	configPath string
	output     string
	tests      bool
}

func (c *commonFlags) register(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML configuration file")
	f.StringVar(&c.output, "output", "", "host directory for logs and artifacts; defaults to //local/<package>_<fuzzer>")
	f.BoolVar(&c.tests, "tests", false, "also match fuzzers currently built as tests")
}

// session is a connected controller and the resources behind it.
type session struct {
	cfg        *fuzz.Config
	env        *fuzz.BuildEnv
	device     *fuzz.Device
	cc         fuzz.ControllerConfig
	controller *fuzz.Controller
}

func (s *session) controllerConfig() fuzz.ControllerConfig {
	return s.cc
}

func (s *session) Close() {
	if err := s.device.Close(); err != nil {
		glog.Warningf("Failed to close connection: %s", err)
	}
}

func loadBuildEnv(configPath string) (*fuzz.Config, *fuzz.BuildEnv, error) {
	cfg, err := fuzz.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	env, err := fuzz.NewLocalBuildEnv(cfg.FuchsiaDir)
	if err != nil {
		return nil, nil, err
	}
	if err := env.LoadFuzzers(); err != nil {
		return nil, nil, err
	}
	return cfg, env, nil
}

// newSession resolves the fuzzer named by the first of args and connects to
// the device. The remaining args are libFuzzer options, inputs, and, after
// "--", arguments for the fuzzer itself.
func (c *commonFlags) newSession(ctx context.Context, args []string, sc fuzz.SessionConfig) (*session, error) {
	if len(args) == 0 {
		return nil, errNoFuzzer
	}
	cfg, env, err := loadBuildEnv(c.configPath)
	if err != nil {
		return nil, err
	}
	fuzzer, err := env.Fuzzer(args[0], c.tests)
	if err != nil {
		return nil, err
	}

	if cfg.Device.Addr == "" {
		addr, err := env.FindDevice(ctx, "")
		if err != nil {
			return nil, err
		}
		cfg.Device.Addr = addr
	}
	device := fuzz.NewDevice(fuzz.NewSSHConnector(cfg.Device))

	extra, err := cfg.ExtraArgs()
	if err != nil {
		return nil, err
	}
	options, inputs, passthrough := fuzz.ParseArgs(append(extra, args[1:]...))
	sc.Options = options
	sc.Inputs = inputs
	sc.PassThrough = passthrough
	if sc.AnalyzeBudget == 0 {
		sc.AnalyzeBudget = cfg.AnalyzeBudget
	}

	output := c.output
	if output == "" && cfg.OutputRoot != "" {
		output = filepath.Join(cfg.OutputRoot, fmt.Sprintf("%s_%s", fuzzer.Package, fuzzer.Executable))
	}

	cc := fuzz.ControllerConfig{
		Device:    device,
		BuildEnv:  env,
		Fuzzer:    fuzzer,
		OutputDir: output,
		Observer:  os.Stdout,
		Session:   sc,
		Timing: fuzz.SessionTiming{
			LaunchPollInterval:  cfg.LaunchPollInterval,
			LaunchTimeout:       cfg.LaunchTimeout,
			MonitorPollInterval: cfg.MonitorPollInterval,
		},
		DeviceAddr: cfg.Device.Addr,
		SSHKey:     cfg.Device.SSHKey,
	}
	return &session{
		cfg:        cfg,
		env:        env,
		device:     device,
		cc:         cc,
		controller: fuzz.NewController(cc),
	}, nil
}

// exitStatus reports err and maps it to an exit status.
func exitStatus(err error) subcommands.ExitStatus {
	if err == nil {
		return subcommands.ExitSuccess
	}
	var usageErr *fuzz.UsageError
	if errors.As(err, &usageErr) || errors.Is(err, errNoFuzzer) {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	return subcommands.ExitFailure
}
