// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-yaml/yaml"
	"github.com/google/shlex"
)

const (
	defaultSSHPort             = 22
	defaultSSHUser             = "fuchsia"
	defaultSSHKey              = "~/.ssh/fuchsia_ed25519"
	defaultLaunchPollInterval  = 500 * time.Millisecond
	defaultMonitorPollInterval = 2 * time.Second
	defaultAnalyzeBudget       = 60 * time.Second
)

// DeviceConfig describes how to reach the device.
type DeviceConfig struct {
	Addr   string `yaml:"addr"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	SSHKey string `yaml:"ssh_key"`
}

// Config holds the settings shared by every command. It is read from an
// optional YAML file and then overridden by the environment.
type Config struct {
	FuchsiaDir string       `yaml:"fuchsia_dir"`
	Device     DeviceConfig `yaml:"device"`

	// OutputRoot is the host directory under which each fuzzer gets its own
	// output directory. Defaults to //local.
	OutputRoot string `yaml:"output_root"`

	LaunchPollInterval  time.Duration `yaml:"launch_poll_interval"`
	LaunchTimeout       time.Duration `yaml:"launch_timeout"`
	MonitorPollInterval time.Duration `yaml:"monitor_poll_interval"`
	AnalyzeBudget       time.Duration `yaml:"analyze_budget"`

	// ExtraOptions are libFuzzer options applied to every run before any
	// given on the command line, e.g. "-rss_limit_mb=4096 -max_len=1024".
	ExtraOptions string `yaml:"extra_options"`
}

// LoadConfig reads the YAML file at path, if any, and applies environment
// overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrideFromEnv(&c.FuchsiaDir, "FUCHSIA_DIR")
	overrideFromEnv(&c.Device.Addr, "FUCHSIA_DEVICE_ADDR")
	overrideFromEnv(&c.Device.SSHKey, "FUCHSIA_SSH_KEY")
	if c.Device.SSHKey == "" && c.FuchsiaDir != "" {
		key, err := readSSHPath(filepath.Join(c.FuchsiaDir, ".fx-ssh-path"))
		if err != nil {
			return err
		}
		c.Device.SSHKey = key
	}
	return nil
}

// overrideFromEnv replaces *field with the named variable, if set and not
// empty.
func overrideFromEnv(field *string, name string) {
	if v := os.Getenv(name); v != "" {
		*field = v
	}
}

func (c *Config) applyDefaults() {
	if c.Device.Port == 0 {
		c.Device.Port = defaultSSHPort
	}
	if c.Device.User == "" {
		c.Device.User = defaultSSHUser
	}
	if c.Device.SSHKey == "" {
		c.Device.SSHKey = defaultSSHKey
	}
	c.Device.SSHKey = expandHome(c.Device.SSHKey)
	if c.OutputRoot == "" && c.FuchsiaDir != "" {
		c.OutputRoot = filepath.Join(c.FuchsiaDir, "local")
	}
	if c.LaunchPollInterval == 0 {
		c.LaunchPollInterval = defaultLaunchPollInterval
	}
	if c.MonitorPollInterval == 0 {
		c.MonitorPollInterval = defaultMonitorPollInterval
	}
	if c.AnalyzeBudget == 0 {
		c.AnalyzeBudget = defaultAnalyzeBudget
	}
}

// ExtraArgs splits ExtraOptions the way a shell would.
func (c *Config) ExtraArgs() ([]string, error) {
	if c.ExtraOptions == "" {
		return nil, nil
	}
	args, err := shlex.Split(c.ExtraOptions)
	if err != nil {
		return nil, fmt.Errorf("invalid extra_options %q: %w", c.ExtraOptions, err)
	}
	return args, nil
}

// readSSHPath returns the private key named on the first line of an
// .fx-ssh-path file, or "" if the file does not exist.
func readSSHPath(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	if !s.Scan() {
		if err := s.Err(); err != nil {
			return "", fmt.Errorf("error reading SSH key paths: %w", err)
		}
		return "", fmt.Errorf("expected 2 lines in %s, found 0", path)
	}
	return strings.TrimSpace(s.Text()), nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
