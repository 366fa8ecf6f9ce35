// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"go.chromium.org/luci/auth/client/authcli"
	"go.chromium.org/luci/hardcoded/chromeinfra"

	"go.fuchsia.dev/fuzzctl/fuzz"
	"go.fuchsia.dev/fuzzctl/lib/gcsutil"
)

type ListCommand struct {
	configPath string
	tests      bool
}

func (*ListCommand) Name() string     { return "list" }
func (*ListCommand) Usage() string    { return "list [flags] [name]\n" }
func (*ListCommand) Synopsis() string { return "lists the fuzzers matching a name" }

func (cmd *ListCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.configPath, "config", "", "path to a YAML configuration file")
	f.BoolVar(&cmd.tests, "tests", false, "also list fuzzers currently built as tests")
}

func (cmd *ListCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return exitStatus(cmd.execute(f.Arg(0)))
}

func (cmd *ListCommand) execute(name string) error {
	_, env, err := loadBuildEnv(cmd.configPath)
	if err != nil {
		return err
	}
	fuzzers, err := env.Fuzzers(name, cmd.tests)
	if err != nil {
		return err
	}
	if len(fuzzers) == 0 {
		fmt.Printf("No matching fuzzers for %q.\n", name)
		return nil
	}
	fmt.Printf("Found %d matching fuzzers for %q:\n", len(fuzzers), name)
	for _, f := range fuzzers {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

type StartCommand struct {
	common     commonFlags
	foreground bool
	debug      bool
	monitor    bool
}

func (*StartCommand) Name() string { return "start" }
func (*StartCommand) Usage() string {
	return "start [flags] <name> [-libfuzzer_option=value...] [-- fuzzer args...]\n"
}
func (*StartCommand) Synopsis() string { return "starts a fuzzer" }

func (cmd *StartCommand) SetFlags(f *flag.FlagSet) {
	cmd.common.register(f)
	f.BoolVar(&cmd.foreground, "foreground", false, "run in the foreground and echo the fuzzer's log")
	f.BoolVar(&cmd.debug, "debug", false, "leave signals to an attached debugger")
	f.BoolVar(&cmd.monitor, "monitor", true, "when in the background, wait for the fuzzer and collect its logs")
}

func (cmd *StartCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return exitStatus(cmd.execute(ctx, f.Args()))
}

func (cmd *StartCommand) execute(ctx context.Context, args []string) error {
	s, err := cmd.common.newSession(ctx, args, fuzz.SessionConfig{Foreground: cmd.foreground, Debug: cmd.debug})
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.controller.Start(ctx); err != nil {
		return err
	}
	if cmd.foreground {
		return nil
	}
	fmt.Printf("Fuzzer started. Logs will be written to %s.\n", s.controller.OutputDir())
	if !cmd.monitor {
		return nil
	}
	return monitor(ctx, s.controller)
}

type MonitorCommand struct {
	common commonFlags
}

func (*MonitorCommand) Name() string     { return "monitor" }
func (*MonitorCommand) Usage() string    { return "monitor [flags] <name>\n" }
func (*MonitorCommand) Synopsis() string { return "waits for a fuzzer to stop and collects its logs" }

func (cmd *MonitorCommand) SetFlags(f *flag.FlagSet) {
	cmd.common.register(f)
}

func (cmd *MonitorCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := cmd.common.newSession(ctx, f.Args(), fuzz.SessionConfig{})
	if err != nil {
		return exitStatus(err)
	}
	defer s.Close()
	return exitStatus(monitor(ctx, s.controller))
}

func monitor(ctx context.Context, c *fuzz.Controller) error {
	results, err := c.Monitor(ctx)
	if err != nil {
		return err
	}
	for _, result := range results {
		fmt.Printf("Symbolized log written to %s.\n", result.OutputPath)
		if result.FetchErr != nil {
			fmt.Printf("Some artifacts could not be retrieved: %s\n", result.FetchErr)
		}
	}
	artifacts, err := c.ListArtifacts()
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		fmt.Printf("  %s\n", artifact)
	}
	return nil
}

type StopCommand struct {
	common commonFlags
}

func (*StopCommand) Name() string     { return "stop" }
func (*StopCommand) Usage() string    { return "stop [flags] <name>\n" }
func (*StopCommand) Synopsis() string { return "stops a running fuzzer" }

func (cmd *StopCommand) SetFlags(f *flag.FlagSet) {
	cmd.common.register(f)
}

func (cmd *StopCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := cmd.common.newSession(ctx, f.Args(), fuzz.SessionConfig{})
	if err != nil {
		return exitStatus(err)
	}
	defer s.Close()
	return exitStatus(s.controller.Stop(ctx))
}

type ReproCommand struct {
	common commonFlags
	debug  bool
}

func (*ReproCommand) Name() string { return "repro" }
func (*ReproCommand) Usage() string {
	return "repro [flags] <name> <unit...> [-libfuzzer_option=value...] [-- fuzzer args...]\n"
}
func (*ReproCommand) Synopsis() string { return "replays test units against a fuzzer" }

func (cmd *ReproCommand) SetFlags(f *flag.FlagSet) {
	cmd.common.register(f)
	f.BoolVar(&cmd.debug, "debug", false, "leave signals to an attached debugger")
}

func (cmd *ReproCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := cmd.common.newSession(ctx, f.Args(), fuzz.SessionConfig{Debug: cmd.debug})
	if err != nil {
		return exitStatus(err)
	}
	defer s.Close()

	code, err := s.controller.Repro(ctx, s.controllerConfig().Session.Inputs)
	if err != nil {
		return exitStatus(err)
	}
	if code != 0 {
		fmt.Printf("Fuzzer exited with %d.\n", code)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type AnalyzeCommand struct {
	common commonFlags
	budget time.Duration
}

func (*AnalyzeCommand) Name() string { return "analyze" }
func (*AnalyzeCommand) Usage() string {
	return "analyze [flags] <name> [-libfuzzer_option=value...]\n"
}
func (*AnalyzeCommand) Synopsis() string { return "runs a fuzzer briefly and reports its coverage" }

func (cmd *AnalyzeCommand) SetFlags(f *flag.FlagSet) {
	cmd.common.register(f)
	f.DurationVar(&cmd.budget, "budget", 0, "how long to run; defaults to the configured analyze budget")
}

func (cmd *AnalyzeCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := cmd.common.newSession(ctx, f.Args(), fuzz.SessionConfig{AnalyzeBudget: cmd.budget})
	if err != nil {
		return exitStatus(err)
	}
	defer s.Close()

	results, err := s.controller.Analyze(ctx)
	if err != nil {
		return exitStatus(err)
	}
	for _, result := range results {
		fmt.Printf("Analysis written to %s.\n", result.OutputPath)
	}
	return subcommands.ExitSuccess
}

type CoverageCommand struct {
	common    commonFlags
	authFlags authcli.Flags
	local     bool
	inputDirs stringsFlag
}

func (*CoverageCommand) Name() string     { return "coverage" }
func (*CoverageCommand) Usage() string    { return "coverage [flags] <name>\n" }
func (*CoverageCommand) Synopsis() string { return "generates a source coverage report for a fuzzer" }

func (cmd *CoverageCommand) SetFlags(f *flag.FlagSet) {
	cmd.common.register(f)
	cmd.authFlags.Register(f, chromeinfra.DefaultAuthOptions())
	f.BoolVar(&cmd.local, "local", false, "exclude the corpus accumulated by ClusterFuzz")
	f.Var(&cmd.inputDirs, "input", "host directory of additional corpus elements; may be repeated")
}

func (cmd *CoverageCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	// Coverage always runs the test build.
	cmd.common.tests = true
	return exitStatus(cmd.execute(ctx, f.Args()))
}

func (cmd *CoverageCommand) execute(ctx context.Context, args []string) error {
	opts, err := cmd.authFlags.Options()
	if err != nil {
		return err
	}
	s, err := cmd.common.newSession(ctx, args, fuzz.SessionConfig{})
	if err != nil {
		return err
	}
	defer s.Close()

	controller := s.controller
	if !cmd.local {
		c := s.controllerConfig()
		c.OpenBucket = func(ctx context.Context, name string) (gcsutil.Bucket, error) {
			client, err := gcsutil.NewClient(ctx, opts)
			if err != nil {
				return nil, err
			}
			return gcsutil.NewBucket(client, name), nil
		}
		controller = fuzz.NewController(c)
	}
	_, err = controller.GenerateCoverageReport(ctx, cmd.local, cmd.inputDirs)
	return err
}

// stringsFlag collects a repeated string flag.
type stringsFlag []string

func (s *stringsFlag) String() string {
	return fmt.Sprint([]string(*s))
}

func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
