// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLocalBuildEnv(t *testing.T) {
	if _, err := NewLocalBuildEnv(""); err == nil {
		t.Errorf("expected an error without a checkout")
	}
	if _, err := NewLocalBuildEnv(t.TempDir()); err == nil {
		t.Errorf("expected an error without a build directory")
	}

	env := newMockBuildEnv(t)
	if want := filepath.Join(env.FuchsiaDir, "out", "default"); env.BuildDir != want {
		t.Errorf("got build dir %s, want %s", env.BuildDir, want)
	}
	if _, err := env.Path("symbolizer", "nonexistent"); err == nil {
		t.Errorf("expected an error for an unknown path")
	}
	if got, want := env.AbsPath("//local/foo_bar"), filepath.Join(env.FuchsiaDir, "local", "foo_bar"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if got := env.AbsPath("/already/abs/../path"); got != "/already/path" {
		t.Errorf("got %s", got)
	}
}

func TestBuildEnvFuzzer(t *testing.T) {
	env := newMockBuildEnv(t)

	f, err := env.Fuzzer("foo/bar", false)
	if err != nil {
		t.Fatalf("failed to find fuzzer: %s", err)
	}
	if f.String() != "foo/bar" {
		t.Errorf("got %s", f)
	}

	var usage *UsageError
	if _, err := env.Fuzzer("nope", true); !errors.As(err, &usage) {
		t.Errorf("expected a usage error for no match, got %v", err)
	}
	_, err = env.Fuzzer("qux", false)
	if !errors.As(err, &usage) {
		t.Fatalf("expected a usage error for many matches, got %v", err)
	}
	if !strings.Contains(err.Error(), "qux/fuzz1, qux/fuzz2") {
		t.Errorf("matches not listed: %s", err)
	}
}

func TestBuildEnvProfileVariant(t *testing.T) {
	env := newMockBuildEnv(t)
	if ok, err := env.ProfileVariant(); err != nil || !ok {
		t.Errorf("expected profile variant, got %t (%v)", ok, err)
	}
	writeFile(t, env.Paths["args.json"], `{"select_variant": ["asan"]}`)
	if ok, err := env.ProfileVariant(); err != nil || ok {
		t.Errorf("expected no profile variant, got %t (%v)", ok, err)
	}
	writeFile(t, env.Paths["args.json"], `not json`)
	if _, err := env.ProfileVariant(); err == nil {
		t.Errorf("expected an error for malformed args")
	}
}

func TestBuildEnvSymbolize(t *testing.T) {
	useMockCommand(t)
	env := newMockBuildEnv(t)
	ctx := context.Background()

	jsonOutput := filepath.Join(t.TempDir(), "symbolize_out")
	out, err := env.Symbolize(ctx, []byte("[1234.5][klog] INFO: {{{0x41}}}\n"), jsonOutput)
	if err != nil {
		t.Fatalf("failed to symbolize: %s", err)
	}
	if string(out) != "wow.c:1\n" {
		t.Errorf("unexpected output: %q", out)
	}
	if got := readFile(t, jsonOutput); got != "[]" {
		t.Errorf("unexpected json output: %q", got)
	}

	out, err = env.Symbolize(ctx, []byte(symbolizerFailMarker+"\n"), "")
	if err != nil {
		t.Fatalf("a failing symbolizer should not be an error: %s", err)
	}
	if len(out) != 0 {
		t.Errorf("expected no output, got %q", out)
	}

	if err := os.Remove(env.Paths["symbolizer"]); err != nil {
		t.Fatal(err)
	}
	var precondition *PreconditionError
	if _, err := env.Symbolize(ctx, nil, ""); !errors.As(err, &precondition) {
		t.Errorf("expected a precondition error for a missing symbolizer, got %v", err)
	}
}

func TestBuildEnvFindDevice(t *testing.T) {
	useMockCommand(t)
	env := newMockBuildEnv(t)

	addr, err := env.FindDevice(context.Background(), "")
	if err != nil {
		t.Fatalf("failed to find device: %s", err)
	}
	if addr != mockDeviceAddr {
		t.Errorf("got %s, want %s", addr, mockDeviceAddr)
	}
}

func TestBuildEnvTestsharderNoMatch(t *testing.T) {
	useMockCommand(t)
	env := newMockBuildEnv(t)

	_, err := env.Testsharder(context.Background(), "fuchsia-pkg://fuchsia.com/foo#meta/bar_test.cmx", t.TempDir(), "")
	if err == nil || !strings.Contains(err.Error(), "found no matching tests") {
		t.Errorf("expected no matching tests, got %v", err)
	}
}

func TestBuildEnvTestrunnerNeedsShard(t *testing.T) {
	env := newMockBuildEnv(t)
	_, pid, err := env.Testrunner(context.Background(), filepath.Join(t.TempDir(), "missing.json"), t.TempDir(), nil)
	if err == nil {
		t.Errorf("expected an error for a missing shard")
	}
	if pid != UnknownPID {
		t.Errorf("got pid %d", pid)
	}
}
