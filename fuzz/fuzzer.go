// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/golang/glog"
)

// clusterFuzzCorpusBucket holds the corpora ClusterFuzz accumulates for each
// Fuchsia fuzzer.
const clusterFuzzCorpusBucket = "gs://corpus.internal.clusterfuzz.com/libFuzzer"

// A Fuzzer identifies a fuzz target produced by the build: a libFuzzer binary
// referenced by a component manifest and included in a package.
type Fuzzer struct {
	Label       string
	Package     string
	PackageURL  string
	Executable  string
	Manifest    string
	CorpusLabel string

	// IsTest is set when the target is currently built as an uninstrumented
	// fuzzer test rather than as a fuzzer.
	IsTest bool
}

func (f *Fuzzer) String() string {
	return fmt.Sprintf("%s/%s", f.Package, f.Executable)
}

// ExecutableURL is the component URL used to launch the fuzzer.
func (f *Fuzzer) ExecutableURL() string {
	return fmt.Sprintf("%s#meta/%s", f.PackageURL, f.Manifest)
}

// TestExecutableURL is the component URL of the fuzzer's test build.
func (f *Fuzzer) TestExecutableURL() string {
	return strings.Replace(f.ExecutableURL(), ".cmx", "_test.cmx", 1)
}

// ClusterFuzzCorpusURL locates the corpus ClusterFuzz keeps for this fuzzer.
func (f *Fuzzer) ClusterFuzzCorpusURL() string {
	return fmt.Sprintf("%s/fuchsia_%s-%s", clusterFuzzCorpusBucket, f.Package, f.Executable)
}

// Matches reports whether name matches part or all of this fuzzer's name. A
// name of the form "x/y" matches if x is a substring of the package and y of
// the executable; any other name matches if it is a substring of either. Test
// builds are matched against the executable with a "_test" suffix as well. A
// blank name always matches.
func (f *Fuzzer) Matches(name string) (bool, error) {
	if name == "" {
		return true, nil
	}
	executable := f.Executable
	if f.IsTest {
		executable += "_test"
	}
	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		return strings.Contains(f.Package, name) || strings.Contains(executable, name), nil
	case 2:
		return strings.Contains(f.Package, parts[0]) && strings.Contains(executable, parts[1]), nil
	default:
		return false, usagef("Malformed fuzzer name: %s", name)
	}
}

// fuzzerEntry is one element of fuzzers.json. Version 1 entries list the
// fuzzers of a package; version 2 entries each contribute some fields for a
// single GN label.
type fuzzerEntry struct {
	// v1
	FuzzersPackage string   `json:"fuzzers_package"`
	Fuzzers        []string `json:"fuzzers"`

	// v2
	Label        string `json:"label"`
	Package      string `json:"package"`
	PackageURL   string `json:"package_url"`
	Fuzzer       string `json:"fuzzer"`
	Manifest     string `json:"manifest"`
	FuzzerTest   string `json:"fuzzer_test"`
	TestManifest string `json:"test_manifest"`
	Corpus       string `json:"corpus"`
}

func (e *fuzzerEntry) merge(other *fuzzerEntry) {
	mergeField(&e.Package, other.Package)
	mergeField(&e.PackageURL, other.PackageURL)
	mergeField(&e.Fuzzer, other.Fuzzer)
	mergeField(&e.Manifest, other.Manifest)
	mergeField(&e.FuzzerTest, other.FuzzerTest)
	mergeField(&e.TestManifest, other.TestManifest)
	mergeField(&e.Corpus, other.Corpus)
}

func mergeField(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func (e *fuzzerEntry) toFuzzer() (*Fuzzer, error) {
	f := &Fuzzer{
		Label:       e.Label,
		Package:     e.Package,
		PackageURL:  e.PackageURL,
		CorpusLabel: e.Corpus,
	}
	switch {
	case e.Fuzzer != "":
		f.Executable = e.Fuzzer
		f.Manifest = e.Manifest
	case e.FuzzerTest != "":
		f.Executable = strings.TrimSuffix(e.FuzzerTest, "_test")
		f.Manifest = strings.TrimSuffix(e.TestManifest, "_test.cmx") + ".cmx"
		f.IsTest = true
	default:
		return nil, fmt.Errorf("missing fuzzer for %s", e.Label)
	}
	if f.Package == "" {
		return nil, fmt.Errorf("missing package for %s", e.Label)
	}
	if f.PackageURL == "" {
		f.PackageURL = "fuchsia-pkg://fuchsia.com/" + f.Package
	}
	if f.Manifest == "" || f.Manifest == ".cmx" {
		f.Manifest = f.Executable + ".cmx"
	}
	return f, nil
}

// LoadFuzzers reads and parses a fuzzers.json file, returning the fuzzers it
// describes sorted by name.
func LoadFuzzers(jsonPath string) ([]*Fuzzer, error) {
	glog.Infof("Loading fuzzers from %q", jsonPath)

	jsonBlob, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", jsonPath, err)
	}

	var entries []*fuzzerEntry
	if err := json.Unmarshal(jsonBlob, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", jsonPath, err)
	}

	var fuzzers []*Fuzzer
	byLabel := make(map[string]*fuzzerEntry)
	var labels []string
	for _, entry := range entries {
		if entry.Label != "" {
			if merged, ok := byLabel[entry.Label]; ok {
				merged.merge(entry)
			} else {
				byLabel[entry.Label] = entry
				labels = append(labels, entry.Label)
			}
			continue
		}
		if entry.FuzzersPackage == "" {
			return nil, fmt.Errorf("entry in %q has neither label nor fuzzers_package", jsonPath)
		}
		for _, name := range entry.Fuzzers {
			fuzzers = append(fuzzers, &Fuzzer{
				Label:      fmt.Sprintf("//generated/%s:%s", entry.FuzzersPackage, name),
				Package:    entry.FuzzersPackage,
				PackageURL: "fuchsia-pkg://fuchsia.com/" + entry.FuzzersPackage,
				Executable: name,
				Manifest:   name + ".cmx",
			})
		}
	}
	for _, label := range labels {
		f, err := byLabel[label].toFuzzer()
		if err != nil {
			return nil, fmt.Errorf("invalid metadata in %q: %w", jsonPath, err)
		}
		fuzzers = append(fuzzers, f)
	}

	sort.SliceStable(fuzzers, func(i, j int) bool {
		return fuzzers[i].String() < fuzzers[j].String()
	})
	return fuzzers, nil
}

// FilterFuzzers returns the fuzzers matching name. Test builds are skipped
// unless includeTests is set. An exact match on "package/executable" is
// returned alone.
func FilterFuzzers(fuzzers []*Fuzzer, name string, includeTests bool) ([]*Fuzzer, error) {
	var matched []*Fuzzer
	for _, f := range fuzzers {
		ok, err := f.Matches(name)
		if err != nil {
			return nil, err
		}
		if ok && (includeTests || !f.IsTest) {
			matched = append(matched, f)
		}
	}
	for _, f := range matched {
		if f.String() == name {
			return []*Fuzzer{f}, nil
		}
	}
	return matched, nil
}
