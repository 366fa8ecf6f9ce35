// Copyright 2020 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fuzz

import (
	"errors"
	"fmt"
)

// ErrFailedToStart is returned when a background fuzzer exits before it
// produces any log output.
var ErrFailedToStart = errors.New("failed to start")

// A PreconditionError reports that an operation was attempted in a state
// where it cannot succeed, such as starting an already-running fuzzer. It is
// never worth retrying.
type PreconditionError struct {
	msg string
}

func (e *PreconditionError) Error() string { return e.msg }

func preconditionf(format string, args ...interface{}) error {
	return &PreconditionError{msg: fmt.Sprintf(format, args...)}
}

// A UsageError reports an invalid invocation, such as a missing argument.
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &UsageError{msg: fmt.Sprintf(format, args...)}
}
