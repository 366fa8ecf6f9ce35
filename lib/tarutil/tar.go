// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package tarutil

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// TarBuffer writes the given bytes to a given path within an archive.
func TarBuffer(tw *tar.Writer, buf []byte, path string) error {
	hdr := &tar.Header{
		Name: path,
		Size: int64(len(buf)),
		Mode: 0666,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(buf)
	return err
}

// Untar extracts the regular files and directories of the archive read from r
// into dir, returning the paths of the extracted files. Entries that would
// land outside of dir are rejected.
func Untar(r io.Reader, dir string) ([]string, error) {
	var files []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		} else if err != nil {
			return files, err
		}

		dst := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if dst != dir && !strings.HasPrefix(dst, filepath.Clean(dir)+string(filepath.Separator)) {
			return files, fmt.Errorf("archive entry %q escapes %q", hdr.Name, dir)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return files, err
			}
			if err := writeEntry(tr, dst); err != nil {
				return files, err
			}
			files = append(files, dst)
		}
	}
}

// UntarXZ is like Untar for xz-compressed archives.
func UntarXZ(r io.Reader, dir string) ([]string, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read xz stream: %w", err)
	}
	return Untar(xr, dir)
}

func writeEntry(r io.Reader, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
