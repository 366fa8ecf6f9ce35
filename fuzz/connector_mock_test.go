// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
)

const mockFuzzerPid = 414141

// Used for keeping history of Put/Get calls
type transferCmd struct {
	src, dst string
}

// mockConnector emulates a device running the commands the fuzz package
// uses, with a simple in-memory filesystem.
type mockConnector struct {
	t *testing.T

	mu                       sync.Mutex
	connected                bool
	shouldFailToConnectCount uint

	// Files is the device filesystem, mapping paths to contents.
	Files map[string]string

	// Store history of Get/Puts/Removes to enable basic checks
	PathsGot []transferCmd
	PathsPut []transferCmd
	Removed  []string

	// Store history of commands run on this connection
	CmdHistory []string

	// Running holds successive answers to whether the fuzzer is running. The
	// last answer repeats.
	Running []bool

	// Behavior of "run"
	RunOutput     []string
	RunExitCode   int
	RunWritesLogs []string
	// If set, background runs do not exit until it is closed.
	RunBlock chan struct{}

	PSOutput string
	SysLogs  map[int]string

	PkgStatusCode   int
	PkgStatusOutput string
	// If set, "pkgctl resolve" puts the package on disk at this path.
	ResolvePath string

	ShouldFailToDumpLog bool
}

func newMockConnector(t *testing.T) *mockConnector {
	return &mockConnector{
		t:     t,
		Files: make(map[string]string),
		SysLogs: map[int]string{
			mockFuzzerPid: fmt.Sprintf("syslog for %d\n[1234.5][klog] INFO: {{{0x41}}}\n", mockFuzzerPid),
		},
		PkgStatusCode:   pkgNotOnDiskExitCode,
		PkgStatusOutput: "Package in registered TUF repo: yes\nPackage on disk: no\n",
		PSOutput: strings.Join([]string{
			"TASK                     PSS PRIVATE  SHARED   STATE NAME",
			"j: 1027               507.8M  507.4M                 root",
			"  p: 2103               1.2M    1.0M     36K         bar.cmx",
			fmt.Sprintf("  p: %d             1.2M    1.0M     36K         bar.cmx", mockFuzzerPid),
			"  p: 9999               1.2M    1.0M     36K         other.cmx",
		}, "\n") + "\n",
	}
}

func (c *mockConnector) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Errorf("Connect called when already connected")
	}

	if c.shouldFailToConnectCount > 0 {
		c.shouldFailToConnectCount -= 1
		return fmt.Errorf("Intentionally broken Connector")
	}

	c.connected = true
	return nil
}

func (c *mockConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *mockConnector) Command(name string, args ...string) InstanceCmd {
	return &mockInstanceCmd{connector: c, name: name, args: args}
}

func (c *mockConnector) Get(targetSrc string, hostDst string) error {
	fileInfo, err := os.Stat(hostDst)
	if err != nil {
		return fmt.Errorf("error stat-ing dest %q: %s", hostDst, err)
	}

	if !fileInfo.IsDir() {
		return fmt.Errorf("host dest is not a dir")
	}

	c.mu.Lock()
	c.PathsGot = append(c.PathsGot, transferCmd{targetSrc, hostDst})
	contents, ok := c.Files[targetSrc]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", targetSrc, os.ErrNotExist)
	}
	return os.WriteFile(filepath.Join(hostDst, path.Base(targetSrc)), []byte(contents), 0o644)
}

func (c *mockConnector) Put(hostSrc string, targetDst string) error {
	srcList, err := filepath.Glob(hostSrc)
	if err != nil {
		return fmt.Errorf("error globbing source %q: %s", hostSrc, err)
	}

	if len(srcList) == 0 {
		return fmt.Errorf("no matches for glob %q", hostSrc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, src := range srcList {
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("error reading file: %s", err)
		}
		c.Files[joinRemote(targetDst, filepath.Base(src))] = string(data)
		c.PathsPut = append(c.PathsPut, transferCmd{src, targetDst})
	}

	return nil
}

func (c *mockConnector) Glob(pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matches []string
	for name := range c.Files {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (c *mockConnector) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Files[name]; !ok {
		return fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	delete(c.Files, name)
	c.Removed = append(c.Removed, name)
	return nil
}

func (c *mockConnector) IsFile(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.Files[name]
	return ok, nil
}

// isRunning pops the next answer from Running.
func (c *mockConnector) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Running) == 0 {
		return false
	}
	running := c.Running[0]
	if len(c.Running) > 1 {
		c.Running = c.Running[1:]
	}
	return running
}

func (c *mockConnector) setRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Running = []bool{running}
}

func (c *mockConnector) record(cmdline string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CmdHistory = append(c.CmdHistory, cmdline)
}

// commands returns the history of commands named name.
func (c *mockConnector) commands(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cmds []string
	for _, cmdline := range c.CmdHistory {
		if strings.SplitN(cmdline, " ", 2)[0] == name {
			cmds = append(cmds, cmdline)
		}
	}
	return cmds
}
