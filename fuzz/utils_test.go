// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.fuchsia.dev/fuzzctl/lib/clock"
)

const mockFuzzersJSON = `[
  {
    "label": "//src/foo:bar",
    "package": "foo",
    "package_url": "fuchsia-pkg://fuchsia.com/foo"
  },
  {
    "label": "//src/foo:bar",
    "fuzzer": "bar",
    "manifest": "bar.cmx"
  },
  {
    "label": "//src/foo:baz",
    "package": "foo",
    "fuzzer_test": "baz_test",
    "test_manifest": "baz_test.cmx",
    "corpus": "//src/foo/baz-corpus"
  },
  {
    "fuzzers_package": "qux",
    "fuzzers": ["fuzz1", "fuzz2"]
  }
]`

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %s", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write %s: %s", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %s", path, err)
	}
	return string(data)
}

// newMockBuildEnv returns a BuildEnv for a fake checkout in which every host
// tool exists, to be run with useMockCommand.
func newMockBuildEnv(t *testing.T) *BuildEnv {
	t.Helper()
	fuchsiaDir := t.TempDir()
	writeFile(t, filepath.Join(fuchsiaDir, ".fx-build-dir"), "out/default\n")

	env, err := NewLocalBuildEnv(fuchsiaDir)
	if err != nil {
		t.Fatalf("failed to create build env: %s", err)
	}
	for _, path := range env.Paths {
		writeFile(t, path, "")
	}
	writeFile(t, env.Paths["fuzzers.json"], mockFuzzersJSON)
	writeFile(t, env.Paths["args.json"], `{"select_variant": ["profile", "asan-fuzzer"]}`)
	if err := env.LoadFuzzers(); err != nil {
		t.Fatalf("failed to load fuzzers: %s", err)
	}
	return env
}

// fakeSymbolizer symbolizes in-process, counting its calls.
type fakeSymbolizer struct {
	mu    sync.Mutex
	calls int
	raw   [][]byte
}

func (s *fakeSymbolizer) Symbolize(ctx context.Context, raw []byte, jsonOutput string) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	s.raw = append(s.raw, raw)
	s.mu.Unlock()

	var out bytes.Buffer
	if err := fakeSymbolize(bytes.NewReader(raw), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (s *fakeSymbolizer) numCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// testHarness drives a fuzzer on a mock device.
type testHarness struct {
	ctx        context.Context
	clock      *clock.FakeClock
	conn       *mockConnector
	device     *Device
	env        *BuildEnv
	fuzzer     *Fuzzer
	symbolizer *fakeSymbolizer
	observer   *bytes.Buffer
	outputDir  string
	controller *Controller
}

func newTestHarness(t *testing.T, name string, sc SessionConfig) *testHarness {
	t.Helper()
	env := newMockBuildEnv(t)
	fuzzer, err := env.Fuzzer(name, true)
	if err != nil {
		t.Fatalf("failed to find fuzzer: %s", err)
	}
	c := clock.NewAutoAdvancingFakeClock()
	h := &testHarness{
		ctx:        clock.NewContext(context.Background(), c),
		clock:      c,
		conn:       newMockConnector(t),
		env:        env,
		fuzzer:     fuzzer,
		symbolizer: &fakeSymbolizer{},
		observer:   &bytes.Buffer{},
		outputDir:  t.TempDir(),
	}
	h.device = NewDevice(h.conn)
	h.controller = NewController(ControllerConfig{
		Device:     h.device,
		BuildEnv:   env,
		Fuzzer:     fuzzer,
		Symbolizer: h.symbolizer,
		OutputDir:  h.outputDir,
		Observer:   h.observer,
		Session:    sc,
		DeviceAddr: mockDeviceAddr,
		SSHKey:     "/path/to/key",
	})
	return h
}

// logSymbolizer returns a standalone LogSymbolizer for the harness fuzzer.
func (h *testHarness) logSymbolizer() *LogSymbolizer {
	return NewLogSymbolizer(h.device, h.symbolizer, h.fuzzer, h.controller.Namespace(), h.outputDir, h.observer)
}

// remoteLog returns the device path of a job log.
func (h *testHarness) remoteLog(job int) string {
	return h.controller.Namespace().DataAbsPath(fmt.Sprintf("fuzz-%d.log", job))
}
