// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Mode selects what a fuzzing session does.
type Mode int

const (
	// ModeFuzz runs the fuzzer over its corpus looking for new inputs.
	ModeFuzz Mode = iota
	// ModeRepro replays specific test units.
	ModeRepro
	// ModeAnalyze runs for a fixed budget and reports coverage.
	ModeAnalyze
)

func (m Mode) String() string {
	switch m {
	case ModeFuzz:
		return "fuzz"
	case ModeRepro:
		return "repro"
	case ModeAnalyze:
		return "analyze"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// debugOptions cause libFuzzer to leave signal handling to an attached
// debugger when disabled.
var debugOptions = []string{"handle_segv", "handle_bus", "handle_ill", "handle_fpe", "handle_abrt"}

var optionRegex = regexp.MustCompile(`^-(\w+)=(.*)$`)

// ParseArgs splits command line arguments for the fuzzer into "-key=value"
// libFuzzer options, positional inputs, and the arguments following "--",
// which are passed through to the fuzzer process. For repeated options the
// last value wins.
func ParseArgs(args []string) (options map[string]string, inputs []string, passthrough []string) {
	options = make(map[string]string)
	for i, arg := range args {
		if arg == "--" {
			passthrough = append(passthrough, args[i+1:]...)
			break
		}
		if m := optionRegex.FindStringSubmatch(arg); m != nil {
			options[m[1]] = m[2]
		} else {
			inputs = append(inputs, arg)
		}
	}
	return options, inputs, passthrough
}

// SessionConfig is what the caller asks of a session.
type SessionConfig struct {
	Foreground bool
	Debug      bool

	// Options are libFuzzer "-key=value" options. They override any option
	// the session sets itself.
	Options map[string]string

	// Inputs are host files or globs naming the test units to reproduce.
	// Other modes run over the fuzzer's corpus and reject them.
	Inputs []string

	// PassThrough arguments are given to the fuzzer process after "--".
	PassThrough []string

	// AnalyzeBudget bounds an analysis run.
	AnalyzeBudget time.Duration
}

// SessionResources are the device-side inputs a session was prepared with.
type SessionResources struct {
	// Dictionary is the namespace path of the fuzzer's dictionary, if any.
	Dictionary string
	// Inputs are namespace paths passed to libFuzzer as positional inputs.
	Inputs []string
}

// SessionOptions is the resolved, immutable description of one fuzzer run.
type SessionOptions struct {
	mode        Mode
	foreground  bool
	options     map[string]string
	inputs      []string
	passthrough []string
}

// NewSessionOptions resolves cfg for the given mode.
func NewSessionOptions(mode Mode, cfg SessionConfig, res SessionResources) *SessionOptions {
	o := &SessionOptions{
		mode:        mode,
		foreground:  cfg.Foreground,
		options:     map[string]string{"artifact_prefix": "data/"},
		inputs:      append([]string(nil), res.Inputs...),
		passthrough: append([]string(nil), cfg.PassThrough...),
	}
	switch mode {
	case ModeRepro:
		o.foreground = true
	case ModeAnalyze:
		o.foreground = false
		budget := cfg.AnalyzeBudget
		if budget <= 0 {
			budget = defaultAnalyzeBudget
		}
		// libFuzzer treats zero as unlimited, so partial seconds round up.
		o.options["max_total_time"] = strconv.Itoa(int(math.Ceil(budget.Seconds())))
		o.options["print_coverage"] = "1"
	}
	if !o.foreground {
		o.options["jobs"] = "1"
	}
	if cfg.Debug {
		for _, option := range debugOptions {
			o.options[option] = "0"
		}
	}
	if res.Dictionary != "" {
		o.options["dict"] = res.Dictionary
	}
	for k, v := range cfg.Options {
		o.options[k] = v
	}
	return o
}

// Mode returns the session mode.
func (o *SessionOptions) Mode() Mode { return o.mode }

// Foreground reports whether the fuzzer's output is streamed back directly.
func (o *SessionOptions) Foreground() bool { return o.foreground }

// Option returns the value of a libFuzzer option.
func (o *SessionOptions) Option(key string) (string, bool) {
	v, ok := o.options[key]
	return v, ok
}

// MaxTotalTime returns the run's time limit, if it has one.
func (o *SessionOptions) MaxTotalTime() (time.Duration, bool) {
	v, ok := o.options["max_total_time"]
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Inputs returns the positional inputs.
func (o *SessionOptions) Inputs() []string {
	return append([]string(nil), o.inputs...)
}

// Args returns the fuzzer's arguments: options sorted by key, then inputs,
// then "--" and the pass-through arguments if there are any.
func (o *SessionOptions) Args() []string {
	keys := make([]string, 0, len(o.options))
	for k := range o.options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)+len(o.inputs)+len(o.passthrough)+1)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("-%s=%s", k, o.options[k]))
	}
	args = append(args, o.inputs...)
	if len(o.passthrough) > 0 {
		args = append(args, "--")
		args = append(args, o.passthrough...)
	}
	return args
}
