// Copyright 2022 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gcsutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"go.fuchsia.dev/fuzzctl/lib/tarutil"
)

// DefaultParallelism bounds the number of concurrent object downloads.
const DefaultParallelism = 8

// Download copies every object under prefix in bucket into dir. Objects
// named *.tar.xz are treated as archives and unpacked in place. The local
// paths of all resulting files are returned in sorted order.
func Download(ctx context.Context, bucket Bucket, prefix, dir string, parallelism int) ([]string, error) {
	names, err := bucket.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
	}
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	var (
		mu    sync.Mutex
		files []string
		total uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, name := range names {
		name := name
		if strings.HasSuffix(name, "/") {
			continue
		}
		g.Go(func() error {
			got, n, err := fetchObject(gctx, bucket, name, dir)
			if err != nil {
				return fmt.Errorf("failed to fetch %q: %w", name, err)
			}
			mu.Lock()
			defer mu.Unlock()
			files = append(files, got...)
			total += n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(files)
	glog.Infof("Downloaded %d files (%s) from %d objects", len(files), humanize.Bytes(total), len(names))
	return files, nil
}

func fetchObject(ctx context.Context, bucket Bucket, name, dir string) ([]string, uint64, error) {
	r, err := bucket.NewReader(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()
	counter := &countingReader{r: r}

	if strings.HasSuffix(name, ".tar.xz") {
		files, err := tarutil.UntarXZ(counter, dir)
		return files, counter.n, err
	}

	dst := filepath.Join(dir, path.Base(name))
	f, err := os.Create(dst)
	if err != nil {
		return nil, 0, err
	}
	if _, err := io.Copy(f, counter); err != nil {
		f.Close()
		return nil, 0, err
	}
	if err := f.Close(); err != nil {
		return nil, 0, err
	}
	return []string{dst}, counter.n, nil
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}
