// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"fmt"
	"strings"
)

// A Namespace maps the paths a fuzzer sees inside its component ("data/..."
// for mutable storage, "pkg/..." for package resources) to absolute paths on
// the device.
type Namespace struct {
	fuzzer *Fuzzer

	// RealmLabel, when set, places the component in a nested realm. Only used
	// for fuzzer tests run by the test runner.
	RealmLabel string

	// packagePath is where the resolved package lives on the device.
	packagePath string
}

// NewNamespace returns the namespace of the given fuzzer.
func NewNamespace(fuzzer *Fuzzer) *Namespace {
	return &Namespace{fuzzer: fuzzer}
}

// SetRealmLabel places the namespace inside a named realm.
func (n *Namespace) SetRealmLabel(label string) error {
	if label != "" && !n.fuzzer.IsTest {
		return usagef("Cannot set realm_label for a non-test fuzzer.")
	}
	n.RealmLabel = label
	return nil
}

// Data returns the namespace path of a mutable file.
func (n *Namespace) Data(relpath string) string {
	return "data/" + relpath
}

// Resource returns the namespace path of a package resource.
func (n *Namespace) Resource(relpath string) string {
	return "pkg/data/" + relpath
}

// DataAbsPath returns the device path of a mutable file.
func (n *Namespace) DataAbsPath(relpath string) string {
	var base string
	if n.RealmLabel != "" {
		manifest := strings.TrimSuffix(n.fuzzer.Manifest, ".cmx") + "_test.cmx"
		base = fmt.Sprintf("/data/r/sys/r/%s/fuchsia.com:%s:0#meta:%s", n.RealmLabel, n.fuzzer.Package, manifest)
	} else {
		base = fmt.Sprintf("/data/r/sys/fuchsia.com:%s:0#meta:%s", n.fuzzer.Package, n.fuzzer.Manifest)
	}
	return joinRemote(base, relpath)
}

// BaseAbsPath returns the device path of a file in the package as installed
// in the base image.
func (n *Namespace) BaseAbsPath(relpath string) string {
	return joinRemote(fmt.Sprintf("/pkgfs/packages/%s/0", n.fuzzer.Package), relpath)
}

// ResourceAbsPath returns the device path of a package resource. The package
// must have been resolved for this to refer to an ephemeral package.
func (n *Namespace) ResourceAbsPath(relpath string) string {
	return n.packageAbsPath(joinRemote("data", relpath))
}

func (n *Namespace) packageAbsPath(relpath string) string {
	if n.packagePath == "" {
		return n.BaseAbsPath(relpath)
	}
	return joinRemote(n.packagePath, relpath)
}

// AbsPath returns the absolute device path for a namespace path. The path
// may differ depending on whether it is identified as a resource, data, or
// neither.
func (n *Namespace) AbsPath(nspath string) string {
	switch {
	case strings.HasPrefix(nspath, "/"):
		return nspath
	case strings.HasPrefix(nspath, "pkg/"):
		return n.packageAbsPath(nspath[len("pkg/"):])
	case strings.HasPrefix(nspath, "data/"):
		return n.DataAbsPath(nspath[len("data/"):])
	default:
		return "/" + nspath
	}
}

func joinRemote(base, relpath string) string {
	if relpath == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + relpath
}
