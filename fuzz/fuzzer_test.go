// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func loadMockFuzzers(t *testing.T) []*Fuzzer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fuzzers.json")
	writeFile(t, path, mockFuzzersJSON)
	fuzzers, err := LoadFuzzers(path)
	if err != nil {
		t.Fatalf("failed to load fuzzers: %s", err)
	}
	return fuzzers
}

func TestLoadFuzzers(t *testing.T) {
	want := []*Fuzzer{
		{
			Label:      "//src/foo:bar",
			Package:    "foo",
			PackageURL: "fuchsia-pkg://fuchsia.com/foo",
			Executable: "bar",
			Manifest:   "bar.cmx",
		},
		{
			Label:       "//src/foo:baz",
			Package:     "foo",
			PackageURL:  "fuchsia-pkg://fuchsia.com/foo",
			Executable:  "baz",
			Manifest:    "baz.cmx",
			CorpusLabel: "//src/foo/baz-corpus",
			IsTest:      true,
		},
		{
			Label:      "//generated/qux:fuzz1",
			Package:    "qux",
			PackageURL: "fuchsia-pkg://fuchsia.com/qux",
			Executable: "fuzz1",
			Manifest:   "fuzz1.cmx",
		},
		{
			Label:      "//generated/qux:fuzz2",
			Package:    "qux",
			PackageURL: "fuchsia-pkg://fuchsia.com/qux",
			Executable: "fuzz2",
			Manifest:   "fuzz2.cmx",
		},
	}
	if diff := cmp.Diff(want, loadMockFuzzers(t)); diff != "" {
		t.Errorf("unexpected fuzzers (-want +got):\n%s", diff)
	}
}

func TestLoadFuzzersErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"malformed":    "[{",
		"no package":   `[{"label": "//src/x:y", "fuzzer": "y"}]`,
		"no fuzzer":    `[{"label": "//src/x:y", "package": "x"}]`,
		"unattributed": `[{"fuzzer": "y"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fuzzers.json")
			writeFile(t, path, contents)
			if _, err := LoadFuzzers(path); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
	if _, err := LoadFuzzers(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("expected an error for a missing file")
	}
}

func TestFilterFuzzers(t *testing.T) {
	fuzzers := loadMockFuzzers(t)
	cases := []struct {
		name         string
		includeTests bool
		want         []string
	}{
		{"", false, []string{"foo/bar", "qux/fuzz1", "qux/fuzz2"}},
		{"", true, []string{"foo/bar", "foo/baz", "qux/fuzz1", "qux/fuzz2"}},
		{"foo", false, []string{"foo/bar"}},
		{"foo", true, []string{"foo/bar", "foo/baz"}},
		{"fuzz", false, []string{"qux/fuzz1", "qux/fuzz2"}},
		{"qux/fuzz1", false, []string{"qux/fuzz1"}},
		{"q/2", false, []string{"qux/fuzz2"}},
		{"baz_test", true, []string{"foo/baz"}},
		{"nope", true, nil},
	}
	for _, c := range cases {
		got, err := FilterFuzzers(fuzzers, c.name, c.includeTests)
		if err != nil {
			t.Errorf("%q: %s", c.name, err)
			continue
		}
		var names []string
		for _, f := range got {
			names = append(names, f.String())
		}
		if diff := cmp.Diff(c.want, names); diff != "" {
			t.Errorf("unexpected matches for %q (-want +got):\n%s", c.name, diff)
		}
	}

	_, err := FilterFuzzers(fuzzers, "a/b/c", true)
	var usage *UsageError
	if !errors.As(err, &usage) {
		t.Errorf("expected a usage error, got %v", err)
	}
}

func TestFuzzerURLs(t *testing.T) {
	f := &Fuzzer{Package: "foo", PackageURL: "fuchsia-pkg://fuchsia.com/foo", Executable: "baz", Manifest: "baz.cmx"}
	if got, want := f.ExecutableURL(), "fuchsia-pkg://fuchsia.com/foo#meta/baz.cmx"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if got, want := f.TestExecutableURL(), "fuchsia-pkg://fuchsia.com/foo#meta/baz_test.cmx"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if got, want := f.ClusterFuzzCorpusURL(), "gs://corpus.internal.clusterfuzz.com/libFuzzer/fuchsia_foo-baz"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
