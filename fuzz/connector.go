// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
)

// A Connector carries commands and files to and from the device. Methods
// other than Connect connect on first use.
type Connector interface {
	// Connect fails if already connected.
	Connect() error
	Close() error

	Command(name string, args ...string) InstanceCmd

	// Get copies the device paths matching targetSrc into the host directory
	// hostDst, recursing into directories.
	Get(targetSrc, hostDst string) error

	// Put copies the host paths matching hostSrc into the device directory
	// targetDst, recursing into directories.
	Put(hostSrc, targetDst string) error

	Glob(pattern string) ([]string, error)
	Remove(path string) error
	IsFile(path string) (bool, error)
}

// An SSHConnector runs commands over SSH and moves files over SFTP.
type SSHConnector struct {
	// Host is anything net.Dial accepts, with or without IPv6 brackets.
	Host string
	Port int
	User string
	// Key is the path of the private key used to authenticate.
	Key string

	client *ssh.Client
	files  *sftp.Client
}

// NewSSHConnector returns a connector for the device described by cfg.
func NewSSHConnector(cfg DeviceConfig) *SSHConnector {
	return &SSHConnector{Host: cfg.Addr, Port: cfg.Port, User: cfg.User, Key: cfg.SSHKey}
}

func (c *SSHConnector) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(c.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", c.Key, err)
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, nil
}

func (c *SSHConnector) Connect() error {
	if c.client != nil {
		return fmt.Errorf("already connected to %s", c.Host)
	}
	config, err := c.clientConfig()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(strings.Trim(c.Host, "[]"), strconv.Itoa(c.Port))
	glog.Infof("Connecting to %s", addr)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	files, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to start sftp on %s: %w", addr, err)
	}
	c.client = client
	c.files = files
	return nil
}

func (c *SSHConnector) Close() error {
	var err error
	if c.files != nil {
		err = multierr.Append(err, c.files.Close())
		c.files = nil
	}
	if c.client != nil {
		err = multierr.Append(err, c.client.Close())
		c.client = nil
	}
	return err
}

func (c *SSHConnector) sshClient() (*ssh.Client, error) {
	if c.client == nil {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}
	return c.client, nil
}

func (c *SSHConnector) deviceFS() (fileSystem, error) {
	if _, err := c.sshClient(); err != nil {
		return nil, err
	}
	return deviceFS{c.files}, nil
}

func (c *SSHConnector) Command(name string, args ...string) InstanceCmd {
	return &sshCmd{conn: c, cmdline: strings.Join(append([]string{name}, args...), " ")}
}

func (c *SSHConnector) Get(targetSrc, hostDst string) error {
	device, err := c.deviceFS()
	if err != nil {
		return err
	}
	n, err := transfer(device, hostFS{}, targetSrc, hostDst)
	if err != nil {
		return err
	}
	glog.Infof("Fetched %s from %s", humanize.Bytes(uint64(n)), targetSrc)
	return nil
}

func (c *SSHConnector) Put(hostSrc, targetDst string) error {
	device, err := c.deviceFS()
	if err != nil {
		return err
	}
	n, err := transfer(hostFS{}, device, hostSrc, targetDst)
	if err != nil {
		return err
	}
	glog.Infof("Pushed %s to %s", humanize.Bytes(uint64(n)), targetDst)
	return nil
}

func (c *SSHConnector) Glob(pattern string) ([]string, error) {
	device, err := c.deviceFS()
	if err != nil {
		return nil, err
	}
	return device.Glob(pattern)
}

func (c *SSHConnector) Remove(path string) error {
	device, err := c.deviceFS()
	if err != nil {
		return err
	}
	return device.Remove(path)
}

func (c *SSHConnector) IsFile(path string) (bool, error) {
	device, err := c.deviceFS()
	if err != nil {
		return false, err
	}
	return isRegular(device, path)
}
