// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"go.fuchsia.dev/fuzzctl/lib/osmisc"
	"go.fuchsia.dev/fuzzctl/lib/subprocess"
)

var Platforms = map[string]string{
	"linux":  "linux",
	"darwin": "mac",
}

var Archs = map[string]string{
	"amd64": "x64",
	"arm64": "arm64",
}

const hostDir = "host_x64"

// testPIDMarker is logged by fuzzers built as tests, on a syslog line that
// carries the process ID.
const testPIDMarker = "Fuzzer built as test"

var logPrefixRegex = regexp.MustCompile(`[0-9\[\]\.]*\[klog\] INFO: `)

// Remove timestamps, etc.
func stripLogPrefix(s string) string {
	return logPrefixRegex.ReplaceAllString(s, "")
}

// BuildEnv describes a local Fuchsia build: the fuzzers it produced and the
// host tools needed to symbolize logs and produce coverage reports.
type BuildEnv struct {
	FuchsiaDir string
	BuildDir   string
	Paths      map[string]string
	IDs        []string

	fuzzers []*Fuzzer
}

// NewLocalBuildEnv will create a BuildEnv with path layouts corresponding to a
// local Fuchsia checkout.
func NewLocalBuildEnv(fuchsiaDir string) (*BuildEnv, error) {
	if fuchsiaDir == "" {
		return nil, preconditionf("FUCHSIA_DIR not set.")
	}

	fxBuildDir := filepath.Join(fuchsiaDir, ".fx-build-dir")
	contents, err := os.ReadFile(fxBuildDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", fxBuildDir, err)
	}
	buildDir := strings.TrimSpace(string(contents))
	if !filepath.IsAbs(buildDir) {
		buildDir = filepath.Join(fuchsiaDir, buildDir)
	}

	platform, ok := Platforms[runtime.GOOS]
	if !ok {
		return nil, fmt.Errorf("unsupported os: %s", runtime.GOOS)
	}
	arch, ok := Archs[runtime.GOARCH]
	if !ok {
		return nil, fmt.Errorf("unsupported arch: %s", runtime.GOARCH)
	}
	clangDir := filepath.Join(fuchsiaDir, "prebuilt", "third_party", "clang", platform+"-"+arch)

	return &BuildEnv{
		FuchsiaDir: fuchsiaDir,
		BuildDir:   buildDir,
		Paths: map[string]string{
			"symbolizer":    filepath.Join(buildDir, hostDir, "symbolizer"),
			"testsharder":   filepath.Join(buildDir, hostDir, "testsharder"),
			"testrunner":    filepath.Join(buildDir, hostDir, "testrunner"),
			"covargs":       filepath.Join(buildDir, hostDir, "covargs"),
			"llvm-cov":      filepath.Join(clangDir, "bin", "llvm-cov"),
			"llvm-profdata": filepath.Join(clangDir, "bin", "llvm-profdata"),
			"fuzzers.json":  filepath.Join(buildDir, "fuzzers.json"),
			"args.json":     filepath.Join(buildDir, "args.json"),
			"fx":            filepath.Join(fuchsiaDir, ".jiri_root", "bin", "fx"),
		},
		IDs: []string{
			filepath.Join(clangDir, "lib", "debug", ".build-id"),
			filepath.Join(buildDir, ".build-id"),
		},
	}, nil
}

// Path returns the absolute paths to the list of files indicated by keys.
func (b *BuildEnv) Path(keys ...string) ([]string, error) {
	paths := make([]string, len(keys))
	for i, key := range keys {
		if path, found := b.Paths[key]; found {
			paths[i] = path
		} else {
			return nil, fmt.Errorf("no path for %q", key)
		}
	}
	return paths, nil
}

// tool returns the path of a host executable, checking that it exists.
func (b *BuildEnv) tool(key string) (string, error) {
	paths, err := b.Path(key)
	if err != nil {
		return "", err
	}
	ok, err := osmisc.IsFile(paths[0])
	if err != nil {
		return "", err
	}
	if !ok {
		return "", preconditionf("Invalid %s executable: %s", key, paths[0])
	}
	return paths[0], nil
}

// AbsPath resolves a GN source-absolute path ("//some/path") against the
// checkout. Other paths are cleaned and made absolute.
func (b *BuildEnv) AbsPath(path string) string {
	if strings.HasPrefix(path, "//") {
		return filepath.Join(b.FuchsiaDir, path[2:])
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// LoadFuzzers reads fuzzers.json. Unless an error is returned, any previously
// loaded fuzzers are discarded.
func (b *BuildEnv) LoadFuzzers() error {
	paths, err := b.Path("fuzzers.json")
	if err != nil {
		return err
	}
	fuzzers, err := LoadFuzzers(paths[0])
	if err != nil {
		return fmt.Errorf("%w (have you run \"fx set ... --fuzz-with <sanitizer>\"?)", err)
	}
	b.fuzzers = fuzzers
	return nil
}

// Fuzzers returns the loaded fuzzers matching name.
func (b *BuildEnv) Fuzzers(name string, includeTests bool) ([]*Fuzzer, error) {
	return FilterFuzzers(b.fuzzers, name, includeTests)
}

// Fuzzer returns the single fuzzer matching name.
func (b *BuildEnv) Fuzzer(name string, includeTests bool) (*Fuzzer, error) {
	fuzzers, err := b.Fuzzers(name, includeTests)
	if err != nil {
		return nil, err
	}
	switch len(fuzzers) {
	case 0:
		return nil, usagef("No matching fuzzers found for %q.", name)
	case 1:
		return fuzzers[0], nil
	default:
		names := make([]string, len(fuzzers))
		for i, f := range fuzzers {
			names[i] = f.String()
		}
		return nil, usagef("Multiple fuzzers match %q: %s", name, strings.Join(names, ", "))
	}
}

// ProfileVariant reports whether the build selected a profile variant, which
// coverage reports require.
func (b *BuildEnv) ProfileVariant() (bool, error) {
	paths, err := b.Path("args.json")
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(paths[0])
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", paths[0], err)
	}
	var args struct {
		SelectVariant []string `json:"select_variant"`
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return false, fmt.Errorf("failed to parse %q: %w", paths[0], err)
	}
	for _, variant := range args.SelectVariant {
		if strings.Contains(variant, "profile") {
			return true, nil
		}
	}
	return false, nil
}

// Symbolize replaces symbolizer markup in raw with debug information. If the
// symbolizer fails, the result is empty. If jsonOutput is set, trigger
// information is written there as well.
func (b *BuildEnv) Symbolize(ctx context.Context, raw []byte, jsonOutput string) ([]byte, error) {
	symbolizer, err := b.tool("symbolizer")
	if err != nil {
		return nil, err
	}
	cmd := []string{symbolizer}
	for _, dir := range b.IDs {
		cmd = append(cmd, "--build-id-dir", dir)
	}
	if jsonOutput != "" {
		cmd = append(cmd, "--json-output", jsonOutput)
	}

	var out bytes.Buffer
	r := subprocess.Runner{}
	if err := r.RunWithStdin(ctx, cmd, &out, nil, bytes.NewReader(raw)); err != nil {
		if subprocess.ExitCode(err) < 0 {
			return nil, fmt.Errorf("failed to run symbolizer: %w", err)
		}
		glog.Warningf("Symbolizer failed: %s", err)
		return nil, nil
	}
	return []byte(stripLogPrefix(out.String())), nil
}

// FindDevice returns the address of the one device the developer tools know
// about.
func (b *BuildEnv) FindDevice(ctx context.Context, name string) (string, error) {
	fx, err := b.tool("fx")
	if err != nil {
		return "", err
	}
	cmd := []string{fx, "ffx", "target", "list", "--format", "a"}
	if name != "" {
		cmd = append(cmd, name)
	}
	var out bytes.Buffer
	r := subprocess.Runner{}
	if err := r.Run(ctx, cmd, &out, nil); err != nil {
		glog.Warningf("ffx failed to list devices, falling back to list-devices: %s", err)
		return b.findDeviceByListDevices(ctx, fx, name)
	}
	addrs := strings.Fields(out.String())
	switch len(addrs) {
	case 0:
		return "", preconditionf("Unable to find device. Try \"fx set-device\".")
	case 1:
		return addrs[0], nil
	default:
		return "", preconditionf("Multiple devices found. Try \"fx set-device\".")
	}
}

func (b *BuildEnv) findDeviceByListDevices(ctx context.Context, fx, name string) (string, error) {
	var out bytes.Buffer
	r := subprocess.Runner{}
	if err := r.Run(ctx, []string{fx, "list-devices"}, &out, nil); err != nil {
		return "", fmt.Errorf("failed to list devices: %w", err)
	}
	var devices [][]string
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		if fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 2); fields[0] != "" {
			devices = append(devices, fields)
		}
	}
	if name == "" {
		switch len(devices) {
		case 0:
			return "", preconditionf("Unable to find device. Try \"fx set-device\".")
		case 1:
			return devices[0][0], nil
		default:
			return "", preconditionf("Multiple devices found. Try \"fx set-device\".")
		}
	}
	for _, device := range devices {
		if len(device) == 2 && device[1] == name {
			return device[0], nil
		}
	}
	return "", preconditionf("Unable to find device. Try \"fx set-device\".")
}

type testShard struct {
	Name  string            `json:"name"`
	Tests []json.RawMessage `json:"tests"`
}

// Testsharder runs testsharder with at most one shard per environment and
// writes the tests of the AEMU shard matching executableURL to a shard file,
// whose path is returned.
func (b *BuildEnv) Testsharder(ctx context.Context, executableURL, outDir, realmLabel string) (string, error) {
	testsharder, err := b.tool("testsharder")
	if err != nil {
		return "", err
	}
	sharderOut := filepath.Join(outDir, "testsharder_out.json")
	cmd := []string{testsharder,
		"-build-dir", b.BuildDir,
		"-max-shards-per-env", "1",
		"-output-file", sharderOut,
	}
	if realmLabel != "" {
		cmd = append(cmd, "-realm-label", realmLabel)
	}
	r := subprocess.Runner{}
	if err := r.Run(ctx, cmd, nil, nil); err != nil {
		return "", fmt.Errorf("testsharder failed: %w", err)
	}

	data, err := os.ReadFile(sharderOut)
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", sharderOut, err)
	}
	var shards []testShard
	if err := json.Unmarshal(data, &shards); err != nil {
		return "", fmt.Errorf("failed to parse %q: %w", sharderOut, err)
	}

	// One shard per environment, but only one of them should be AEMU.
	var shardFile string
	var tests []json.RawMessage
	for _, shard := range shards {
		if !strings.HasPrefix(shard.Name, "AEMU") {
			continue
		}
		if shardFile != "" {
			return "", fmt.Errorf("expected a single AEMU shard, but got more than one")
		}
		shardFile = filepath.Join(outDir, fmt.Sprintf("shard_%s_tests.json", shard.Name))
		for _, test := range shard.Tests {
			var t struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(test, &t); err != nil {
				return "", fmt.Errorf("failed to parse test in shard %s: %w", shard.Name, err)
			}
			if t.Name == executableURL {
				tests = append(tests, test)
			}
		}
	}
	if shardFile == "" {
		return "", fmt.Errorf("unable to find any tests for AEMU shards")
	}
	if len(tests) == 0 {
		return "", fmt.Errorf("found no matching tests to run")
	}
	glog.Infof("Found %d tests to generate coverage report for", len(tests))

	out, err := json.Marshal(tests)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(shardFile, out, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %q: %w", shardFile, err)
	}
	return shardFile, nil
}

// Testrunner runs the tests of a shard file with the given extra environment
// and returns the testrunner output directory and the process ID the fuzzer
// test reported.
func (b *BuildEnv) Testrunner(ctx context.Context, shardFile, outDir string, env []string) (string, int, error) {
	testrunner, err := b.tool("testrunner")
	if err != nil {
		return "", UnknownPID, err
	}
	if ok, err := osmisc.IsFile(shardFile); err != nil || !ok {
		return "", UnknownPID, fmt.Errorf("unable to find sharded test file at %s", shardFile)
	}

	runnerDir := filepath.Join(outDir, "testrunner_out")
	cmd := []string{testrunner,
		"-out-dir", runnerDir,
		"-use-runtests",
		"-per-test-timeout", "600s",
		shardFile,
	}
	var out bytes.Buffer
	r := subprocess.Runner{Env: append(os.Environ(), env...)}
	if err := r.Run(ctx, cmd, &out, nil); err != nil {
		return "", UnknownPID, fmt.Errorf("testrunner failed: %w", err)
	}

	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, testPIDMarker) {
			continue
		}
		// Lines look like "[timestamp][pid][tid][tags] ..."
		if parts := strings.Split(line, "]["); len(parts) > 2 {
			if pid, err := strconv.Atoi(parts[1]); err == nil {
				return runnerDir, pid, nil
			}
		}
	}
	return "", UnknownPID, fmt.Errorf("unable to find a matching test fuzzer pid")
}

// Covargs turns testrunner output and a symbolizer dump into a coverage
// report, returning the report directory.
func (b *BuildEnv) Covargs(ctx context.Context, runnerDir, symbolizeFile, outDir string) (string, error) {
	covargs, err := b.tool("covargs")
	if err != nil {
		return "", err
	}
	llvmCov, err := b.tool("llvm-cov")
	if err != nil {
		return "", err
	}
	llvmProfdata, err := b.tool("llvm-profdata")
	if err != nil {
		return "", err
	}

	summary := filepath.Join(runnerDir, "summary.json")
	if ok, err := osmisc.IsFile(summary); err != nil || !ok {
		return "", fmt.Errorf("unable to find summary.json file at %s", summary)
	}
	if ok, err := osmisc.IsFile(symbolizeFile); err != nil || !ok {
		return "", fmt.Errorf("unable to find symbolize file at %s", symbolizeFile)
	}

	coverageDir := filepath.Join(outDir, "covargs_out")
	cmd := []string{covargs,
		"-llvm-cov", llvmCov,
		"-llvm-profdata", llvmProfdata,
		"-summary", summary,
		"-symbolize-dump", symbolizeFile,
		"-output-dir", coverageDir,
	}
	for _, dir := range b.IDs {
		cmd = append(cmd, "-build-id-dir", dir)
	}
	r := subprocess.Runner{}
	if err := r.Run(ctx, cmd, nil, nil); err != nil {
		return "", fmt.Errorf("covargs failed: %w", err)
	}
	return coverageDir, nil
}
