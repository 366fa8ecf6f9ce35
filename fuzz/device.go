// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"go.uber.org/multierr"
)

// UnknownPID marks a process ID that has not been observed.
const UnknownPID = -1

// pkgctl exits with this code when a package is known to the repository but
// not present on disk.
const pkgNotOnDiskExitCode = 2

var (
	pkgOnDiskRegex = regexp.MustCompile(`Package on disk: yes \(path=(.*)\)`)
	psProcessRegex = regexp.MustCompile(`^\s*p:\s*([0-9]+)\s.*\s(\S+)\s*$`)
)

// A Device runs commands and moves files on the device under test. It is a
// thin layer of fuzzing-specific operations over a Connector.
type Device struct {
	conn Connector
}

// NewDevice returns a Device using the given connector for transport.
func NewDevice(conn Connector) *Device {
	return &Device{conn: conn}
}

// Close releases the underlying connection.
func (d *Device) Close() error {
	return d.conn.Close()
}

// Command returns a command to be run on the device.
func (d *Device) Command(name string, args ...string) InstanceCmd {
	return d.conn.Command(name, args...)
}

// IsRunning reports whether the v1 component with the given URL appears in
// the component tree.
func (d *Device) IsRunning(url string) (bool, error) {
	out, err := d.conn.Command("cs").Output()
	if err != nil {
		return false, fmt.Errorf("failed to list components: %w", err)
	}
	manifest := url[strings.LastIndex(url, "/")+1:]
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.Contains(line, url) || strings.HasPrefix(line, manifest+"[") {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Kill stops every process with the given name.
func (d *Device) Kill(name string) error {
	return d.conn.Command("killall", name).Run()
}

// PackageStatus returns the on-disk location of a package, or "" if the
// package is known but not on disk.
func (d *Device) PackageStatus(url string) (string, error) {
	out, err := d.conn.Command("pkgctl", "pkg-status", url).Output()
	if err != nil {
		var cmdErr *InstanceCmdError
		if !errors.As(err, &cmdErr) || cmdErr.ReturnCode != pkgNotOnDiskExitCode {
			return "", err
		}
	}
	if m := pkgOnDiskRegex.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	return "", nil
}

// ResolvePackage asks the package resolver to fetch a package.
func (d *Device) ResolvePackage(url string) error {
	return d.conn.Command("pkgctl", "resolve", url).Run()
}

// IsFile reports whether path is a regular file on the device.
func (d *Device) IsFile(path string) (bool, error) {
	return d.conn.IsFile(path)
}

// MakeDir creates a directory on the device, along with any missing parents.
func (d *Device) MakeDir(path string) error {
	return d.conn.Command("mkdir", "-p", path).Run()
}

// ListFiles returns the device paths matching a glob pattern.
func (d *Device) ListFiles(pattern string) ([]string, error) {
	return d.conn.Glob(pattern)
}

// RemoveFiles deletes every device file matching a glob pattern. Nothing
// matching is not an error.
func (d *Device) RemoveFiles(pattern string) error {
	paths, err := d.conn.Glob(pattern)
	if err != nil {
		return err
	}
	var errs error
	for _, path := range paths {
		errs = multierr.Append(errs, d.conn.Remove(path))
	}
	return errs
}

// Fetch copies device paths into a host directory.
func (d *Device) Fetch(hostDir string, paths ...string) error {
	for _, path := range paths {
		if err := d.conn.Get(path, hostDir); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", path, err)
		}
	}
	return nil
}

// Push copies host paths into a device directory.
func (d *Device) Push(remoteDir string, paths ...string) error {
	for _, path := range paths {
		if err := d.conn.Put(path, remoteDir); err != nil {
			return fmt.Errorf("failed to push %s: %w", path, err)
		}
	}
	return nil
}

// DumpLog returns the system log entries of a process.
func (d *Device) DumpLog(pid int) ([]byte, error) {
	out, err := d.conn.Command("log_listener", "--dump_logs", "--pid", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to dump log for pid %d: %w", pid, err)
	}
	return out, nil
}

// GuessPID returns the ID of the most recently spawned process whose name
// contains executable. Process koids increase monotonically, so the highest
// matching koid is the newest process.
func (d *Device) GuessPID(executable string) (int, error) {
	out, err := d.conn.Command("ps").Output()
	if err != nil {
		return UnknownPID, fmt.Errorf("failed to list processes: %w", err)
	}
	pid := UnknownPID
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := psProcessRegex.FindStringSubmatch(scanner.Text())
		if m == nil || !strings.Contains(m[2], executable) {
			continue
		}
		koid, err := strconv.Atoi(m[1])
		if err == nil && koid > pid {
			pid = koid
		}
	}
	if err := scanner.Err(); err != nil {
		return UnknownPID, err
	}
	if pid == UnknownPID {
		return UnknownPID, fmt.Errorf("no process found for %s", executable)
	}
	glog.Infof("Guessed pid %d for %s", pid, executable)
	return pid, nil
}
