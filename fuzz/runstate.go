// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"context"
	"time"

	"github.com/golang/glog"

	"go.fuchsia.dev/fuzzctl/lib/clock"
)

// RunState caches whether the fuzzer is running on the device. Checking
// requires a round trip to the device, so callers that can tolerate a stale
// answer may skip the refresh.
type RunState struct {
	check func() (bool, error)

	running   bool
	checked   bool
	lastCheck time.Time
}

// NewRunState returns a RunState that observes the device with check.
func NewRunState(check func() (bool, error)) *RunState {
	return &RunState{check: check}
}

// Running reports whether the fuzzer is running. The cached value is used
// unless refresh is set or nothing has been observed yet.
func (s *RunState) Running(ctx context.Context, refresh bool) (bool, error) {
	if s.checked && !refresh {
		return s.running, nil
	}
	running, err := s.check()
	if err != nil {
		return false, err
	}
	s.set(ctx, running)
	return running, nil
}

// LastCheck returns when the state was last observed, or the zero time.
func (s *RunState) LastCheck() time.Time {
	return s.lastCheck
}

func (s *RunState) set(ctx context.Context, running bool) {
	if s.checked && s.running != running {
		glog.Infof("Fuzzer running state changed to %t", running)
	}
	s.running = running
	s.checked = true
	s.lastCheck = clock.Now(ctx)
}
