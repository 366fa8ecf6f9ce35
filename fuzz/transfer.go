// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/kr/fs"
	"github.com/pkg/sftp"
)

// fileSystem is what a file transfer needs from either end: the host's
// filesystem or the device's over SFTP.
type fileSystem interface {
	Glob(pattern string) ([]string, error)
	Open(name string) (io.ReadCloser, error)
	Create(name string) (io.WriteCloser, error)
	Stat(name string) (iofs.FileInfo, error)
	Walk(root string) *fs.Walker
	MkdirAll(dir string) error
	Remove(name string) error

	// Join follows the separator conventions of this filesystem.
	Join(elem ...string) string
}

type hostFS struct{}

func (hostFS) Glob(pattern string) ([]string, error)  { return filepath.Glob(pattern) }
func (hostFS) Open(name string) (io.ReadCloser, error) { return os.Open(name) }
func (hostFS) Create(name string) (io.WriteCloser, error) {
	return os.Create(name)
}
func (hostFS) Stat(name string) (iofs.FileInfo, error) { return os.Stat(name) }
func (hostFS) Walk(root string) *fs.Walker             { return fs.Walk(root) }
func (hostFS) MkdirAll(dir string) error               { return os.MkdirAll(dir, 0o755) }
func (hostFS) Remove(name string) error                { return os.Remove(name) }
func (hostFS) Join(elem ...string) string              { return filepath.Join(elem...) }

type deviceFS struct {
	client *sftp.Client
}

func (d deviceFS) Glob(pattern string) ([]string, error)  { return d.client.Glob(pattern) }
func (d deviceFS) Open(name string) (io.ReadCloser, error) { return d.client.Open(name) }
func (d deviceFS) Create(name string) (io.WriteCloser, error) {
	return d.client.Create(name)
}
func (d deviceFS) Stat(name string) (iofs.FileInfo, error) { return d.client.Stat(name) }
func (d deviceFS) Walk(root string) *fs.Walker             { return d.client.Walk(root) }
func (d deviceFS) MkdirAll(dir string) error               { return d.client.MkdirAll(dir) }
func (d deviceFS) Remove(name string) error                { return d.client.Remove(name) }
func (d deviceFS) Join(elem ...string) string              { return path.Join(elem...) }

// transfer copies everything matching pattern on src into the directory dir
// on dst, keeping the structure of matched directories. It returns the number
// of bytes copied.
func transfer(src, dst fileSystem, pattern, dir string) (int64, error) {
	roots, err := src.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(roots) == 0 {
		return 0, fmt.Errorf("%s: %w", pattern, os.ErrNotExist)
	}
	if err := dst.MkdirAll(dir); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var total int64
	for _, root := range roots {
		parent := path.Dir(filepath.ToSlash(root))
		for w := src.Walk(root); w.Step(); {
			if err := w.Err(); err != nil {
				return total, fmt.Errorf("failed to walk %s: %w", root, err)
			}
			rel, err := filepath.Rel(parent, filepath.ToSlash(w.Path()))
			if err != nil {
				return total, err
			}
			target := dst.Join(dir, filepath.ToSlash(rel))
			if w.Stat().IsDir() {
				if err := dst.MkdirAll(target); err != nil {
					return total, fmt.Errorf("failed to create %s: %w", target, err)
				}
				continue
			}
			glog.V(1).Infof("Copying %s to %s", w.Path(), target)
			n, err := copyBetween(src, dst, w.Path(), target)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func copyBetween(src, dst fileSystem, from, to string) (int64, error) {
	in, err := src.Open(from)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := dst.Create(to)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("failed to copy %s: %w", from, err)
	}
	return n, out.Close()
}

// isRegular reports whether name exists on f and is a regular file.
func isRegular(f fileSystem, name string) (bool, error) {
	info, err := f.Stat(name)
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
