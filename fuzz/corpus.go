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
	"go.fuchsia.dev/fuzzctl/lib/osmisc"
)

// downloadParallelism bounds concurrent object reads from cloud storage.
const downloadParallelism = 8

// A Corpus is the set of inputs a fuzzer starts from: the mutable corpus in
// its data directory, which new inputs are added to, and the seed corpus
// packaged with it, if any.
type Corpus struct {
	device *Device
	fuzzer *Fuzzer
	ns     *Namespace
}

// NewCorpus returns the corpus of fuzzer.
func NewCorpus(device *Device, fuzzer *Fuzzer, ns *Namespace) *Corpus {
	return &Corpus{device: device, fuzzer: fuzzer, ns: ns}
}

// NSPaths returns the corpus directories as the fuzzer sees them. The mutable
// corpus is listed first, since libFuzzer writes new inputs to its first
// input directory.
func (c *Corpus) NSPaths() []string {
	paths := []string{c.ns.Data("corpus")}
	if c.fuzzer.CorpusLabel != "" {
		paths = append(paths, c.ns.Resource(strings.TrimPrefix(c.fuzzer.CorpusLabel, "//")))
	}
	return paths
}

// Prepare creates the mutable corpus directory on the device.
func (c *Corpus) Prepare() error {
	return c.device.MakeDir(c.ns.DataAbsPath("corpus"))
}

// AddFromHost pushes every file in a host directory to the mutable corpus
// and returns how many were added.
func (c *Corpus) AddFromHost(ctx context.Context, dir string) (int, error) {
	ok, err := osmisc.IsDir(dir)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, preconditionf("%s is not a directory, and cannot be used as corpus input.", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return 0, nil
	}
	if err := c.Prepare(); err != nil {
		return 0, err
	}
	if err := c.device.Push(c.ns.DataAbsPath("corpus"), paths...); err != nil {
		return 0, err
	}
	glog.Infof("Added %d corpus elements from %s", len(paths), dir)
	return len(paths), nil
}

// AddFromGCS downloads the objects under a gs:// URL, extracting any
// compressed archives, and adds them to the mutable corpus.
func (c *Corpus) AddFromGCS(ctx context.Context, bucket gcsutil.Bucket, gsURL string) (int, error) {
	_, prefix, err := gcsutil.ParseURL(gsURL)
	if err != nil {
		return 0, err
	}
	tmp, err := os.MkdirTemp("", "corpus")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(tmp)

	paths, err := gcsutil.Download(ctx, bucket, prefix, tmp, downloadParallelism)
	if err != nil {
		return 0, fmt.Errorf("failed to download corpus from %s: %w", gsURL, err)
	}
	if len(paths) == 0 {
		glog.Warningf("No corpus elements found at %s", gsURL)
		return 0, nil
	}
	if err := c.Prepare(); err != nil {
		return 0, err
	}
	if err := c.device.Push(c.ns.DataAbsPath("corpus"), paths...); err != nil {
		return 0, err
	}
	glog.Infof("Added %d corpus elements from %s", len(paths), gsURL)
	return len(paths), nil
}
