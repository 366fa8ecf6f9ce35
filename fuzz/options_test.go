// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseArgs(t *testing.T) {
	options, inputs, passthrough := ParseArgs([]string{
		"arg", "-k1=v1", "-k1=v2", "-k2=v-3", "-bad", "--alsobad", "-k3=has=two",
		"--", "-k4=v4", "extra",
	})
	if diff := cmp.Diff(map[string]string{"k1": "v2", "k2": "v-3", "k3": "has=two"}, options); diff != "" {
		t.Errorf("unexpected options (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"arg", "-bad", "--alsobad"}, inputs); diff != "" {
		t.Errorf("unexpected inputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"-k4=v4", "extra"}, passthrough); diff != "" {
		t.Errorf("unexpected pass-through args (-want +got):\n%s", diff)
	}
}

func TestSessionOptionsArgs(t *testing.T) {
	cases := []struct {
		name string
		mode Mode
		cfg  SessionConfig
		res  SessionResources
		want []string
	}{
		{
			name: "background fuzzing",
			mode: ModeFuzz,
			res:  SessionResources{Inputs: []string{"data/corpus"}},
			want: []string{"-artifact_prefix=data/", "-jobs=1", "data/corpus"},
		},
		{
			name: "foreground fuzzing with dictionary",
			mode: ModeFuzz,
			cfg:  SessionConfig{Foreground: true},
			res:  SessionResources{Dictionary: "pkg/data/bar/dictionary", Inputs: []string{"data/corpus"}},
			want: []string{"-artifact_prefix=data/", "-dict=pkg/data/bar/dictionary", "data/corpus"},
		},
		{
			name: "debug",
			mode: ModeFuzz,
			cfg:  SessionConfig{Debug: true, Options: map[string]string{"runs": "100"}},
			want: []string{
				"-artifact_prefix=data/",
				"-handle_abrt=0",
				"-handle_bus=0",
				"-handle_fpe=0",
				"-handle_ill=0",
				"-handle_segv=0",
				"-jobs=1",
				"-runs=100",
			},
		},
		{
			name: "user options override",
			mode: ModeFuzz,
			cfg:  SessionConfig{Options: map[string]string{"jobs": "4", "artifact_prefix": "data/out/"}},
			want: []string{"-artifact_prefix=data/out/", "-jobs=4"},
		},
		{
			name: "pass-through",
			mode: ModeFuzz,
			cfg:  SessionConfig{Foreground: true, PassThrough: []string{"-v", "--extra"}},
			res:  SessionResources{Inputs: []string{"data/corpus", "pkg/data/seeds"}},
			want: []string{"-artifact_prefix=data/", "data/corpus", "pkg/data/seeds", "--", "-v", "--extra"},
		},
		{
			name: "reproduction is always in the foreground",
			mode: ModeRepro,
			res:  SessionResources{Inputs: []string{"data/crash-1", "data/crash-2"}},
			want: []string{"-artifact_prefix=data/", "data/crash-1", "data/crash-2"},
		},
		{
			name: "analysis is always in the background",
			mode: ModeAnalyze,
			cfg:  SessionConfig{Foreground: true, AnalyzeBudget: 90 * time.Second},
			res:  SessionResources{Inputs: []string{"data/corpus"}},
			want: []string{"-artifact_prefix=data/", "-jobs=1", "-max_total_time=90", "-print_coverage=1", "data/corpus"},
		},
		{
			name: "analysis budget rounds up to whole seconds",
			mode: ModeAnalyze,
			cfg:  SessionConfig{AnalyzeBudget: 500 * time.Millisecond},
			want: []string{"-artifact_prefix=data/", "-jobs=1", "-max_total_time=1", "-print_coverage=1"},
		},
		{
			name: "analysis budget defaults to a minute",
			mode: ModeAnalyze,
			want: []string{"-artifact_prefix=data/", "-jobs=1", "-max_total_time=60", "-print_coverage=1"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := NewSessionOptions(c.mode, c.cfg, c.res)
			if diff := cmp.Diff(c.want, opts.Args()); diff != "" {
				t.Errorf("unexpected args (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSessionOptionsForeground(t *testing.T) {
	if NewSessionOptions(ModeFuzz, SessionConfig{}, SessionResources{}).Foreground() {
		t.Errorf("fuzzing should default to the background")
	}
	if !NewSessionOptions(ModeRepro, SessionConfig{}, SessionResources{}).Foreground() {
		t.Errorf("reproduction should run in the foreground")
	}
	if NewSessionOptions(ModeAnalyze, SessionConfig{Foreground: true}, SessionResources{}).Foreground() {
		t.Errorf("analysis should run in the background")
	}
}

func TestSessionOptionsImmutable(t *testing.T) {
	userOpts := map[string]string{"runs": "10"}
	inputs := []string{"data/corpus"}
	opts := NewSessionOptions(ModeFuzz, SessionConfig{Options: userOpts}, SessionResources{Inputs: inputs})

	userOpts["runs"] = "20"
	inputs[0] = "data/other"
	opts.Inputs()[0] = "data/changed"

	if v, ok := opts.Option("runs"); !ok || v != "10" {
		t.Errorf("expected runs=10, got %q", v)
	}
	if diff := cmp.Diff([]string{"data/corpus"}, opts.Inputs()); diff != "" {
		t.Errorf("inputs changed (-want +got):\n%s", diff)
	}
}

func TestSessionOptionsMaxTotalTime(t *testing.T) {
	cases := []struct {
		name   string
		mode   Mode
		cfg    SessionConfig
		want   time.Duration
		wantOK bool
	}{
		{"fuzzing is unbounded", ModeFuzz, SessionConfig{}, 0, false},
		{"analysis budget", ModeAnalyze, SessionConfig{AnalyzeBudget: 90 * time.Second}, 90 * time.Second, true},
		{
			"user option wins",
			ModeAnalyze,
			SessionConfig{AnalyzeBudget: 90 * time.Second, Options: map[string]string{"max_total_time": "10"}},
			10 * time.Second,
			true,
		},
		{"zero is unbounded", ModeFuzz, SessionConfig{Options: map[string]string{"max_total_time": "0"}}, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := NewSessionOptions(c.mode, c.cfg, SessionResources{}).MaxTotalTime()
			if got != c.want || ok != c.wantOK {
				t.Errorf("got (%s, %t), want (%s, %t)", got, ok, c.want, c.wantOK)
			}
		})
	}
}
