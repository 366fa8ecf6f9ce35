// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

// A Dictionary is the optional libFuzzer dictionary packaged with a fuzzer.
type Dictionary struct {
	device *Device
	fuzzer *Fuzzer
	ns     *Namespace
}

func NewDictionary(device *Device, fuzzer *Fuzzer, ns *Namespace) *Dictionary {
	return &Dictionary{device: device, fuzzer: fuzzer, ns: ns}
}

// NSPath returns the dictionary's path as the fuzzer sees it, or "" if the
// package does not include one.
func (d *Dictionary) NSPath() (string, error) {
	nspath := d.ns.Resource(d.fuzzer.Executable + "/dictionary")
	ok, err := d.device.IsFile(d.ns.AbsPath(nspath))
	if err != nil || !ok {
		return "", err
	}
	return nspath, nil
}
