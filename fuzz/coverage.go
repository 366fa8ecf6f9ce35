// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"

	"go.fuchsia.dev/fuzzctl/lib/gcsutil"
)

const coverageRealmLabel = "coverage"

// GenerateCoverageReport reproduces the steps of the coverage builders
// locally for this fuzzer's test build: run it under the test runner over its
// corpus, then turn the profiles into a report. Unless local is set, the
// corpus ClusterFuzz has accumulated is included. Any inputDirs are added to
// the corpus as well. It returns the path of the report's index.html.
func (c *Controller) GenerateCoverageReport(ctx context.Context, local bool, inputDirs []string) (string, error) {
	if c.cfg.SSHKey == "" {
		return "", preconditionf("Unable to determine ssh identity.")
	}
	if c.cfg.DeviceAddr == "" {
		return "", preconditionf("Unable to determine device address.")
	}
	env := []string{
		"FUCHSIA_SSH_KEY=" + c.cfg.SSHKey,
		"FUCHSIA_DEVICE_ADDR=" + c.cfg.DeviceAddr,
	}

	ok, err := c.cfg.BuildEnv.ProfileVariant()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", preconditionf("Not built with profile variant.")
	}

	// Corpus data can only be pushed into the test's realm.
	if !local || len(inputDirs) > 0 {
		if err := c.ns.SetRealmLabel(coverageRealmLabel); err != nil {
			return "", err
		}
	}

	if !local {
		fmt.Fprintln(c.observer, "Including corpus elements from clusterfuzz...")
		if err := c.addClusterFuzzCorpus(ctx); err != nil {
			return "", err
		}
	}
	for _, dir := range inputDirs {
		if _, err := c.corpus.AddFromHost(ctx, dir); err != nil {
			return "", err
		}
	}

	outDir := c.cfg.OutputDir
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	shardFile, err := c.cfg.BuildEnv.Testsharder(ctx, c.cfg.Fuzzer.TestExecutableURL(), outDir, c.ns.RealmLabel)
	if err != nil {
		return "", err
	}
	runnerDir, pid, err := c.cfg.BuildEnv.Testrunner(ctx, shardFile, outDir, env)
	if err != nil {
		return "", err
	}
	dumpFile, err := c.dumpTestLog(shardFile, outDir, pid)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(dumpFile)
	if err != nil {
		return "", err
	}
	symbolizeFile := filepath.Join(outDir, "symbolize_out")
	if _, err := c.cfg.Symbolizer.Symbolize(ctx, raw, symbolizeFile); err != nil {
		return "", err
	}
	coverageDir, err := c.cfg.BuildEnv.Covargs(ctx, runnerDir, symbolizeFile, outDir)
	if err != nil {
		return "", err
	}

	index := filepath.Join(coverageDir, "index.html")
	fmt.Fprintf(c.observer, "Generated coverage report, viewable at %s.\n", index)
	return index, nil
}

func (c *Controller) addClusterFuzzCorpus(ctx context.Context) error {
	if c.cfg.OpenBucket == nil {
		return preconditionf("No cloud storage access configured.")
	}
	gsURL := c.cfg.Fuzzer.ClusterFuzzCorpusURL()
	name, _, err := gcsutil.ParseURL(gsURL)
	if err != nil {
		return err
	}
	bucket, err := c.cfg.OpenBucket(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	n, err := c.corpus.AddFromGCS(ctx, bucket, gsURL)
	if err != nil {
		return err
	}
	glog.Infof("Included %d corpus elements from clusterfuzz", n)
	return nil
}

// dumpTestLog saves the system log of the fuzzer test process alongside the
// shard it ran from.
func (c *Controller) dumpTestLog(shardFile, outDir string, pid int) (string, error) {
	raw, err := c.cfg.Device.DumpLog(pid)
	if err != nil {
		return "", err
	}
	dumpDir := filepath.Join(outDir, "log_dumps")
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		return "", err
	}
	name := strings.TrimSuffix(filepath.Base(shardFile), ".json")
	dumpFile := filepath.Join(dumpDir, "dump_"+name)
	if err := os.WriteFile(dumpFile, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write log dump: %w", err)
	}
	return dumpFile, nil
}
