// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"
	"syscall"

	"github.com/google/subcommands"

	"go.fuchsia.dev/fuzzctl/lib/command"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&ListCommand{}, "")
	subcommands.Register(&StartCommand{}, "")
	subcommands.Register(&MonitorCommand{}, "")
	subcommands.Register(&StopCommand{}, "")
	subcommands.Register(&ReproCommand{}, "")
	subcommands.Register(&AnalyzeCommand{}, "")
	subcommands.Register(&CoverageCommand{}, "")

	// Parse any global flags (e.g. those for glog)
	flag.Parse()

	// Force logging config, to help with debugging
	flag.Lookup("logtostderr").Value.Set("true")

	ctx, stop := command.CancelOnSignals(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}
