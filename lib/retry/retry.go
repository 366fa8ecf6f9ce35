// Copyright 2018 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry

import (
	"context"
	"errors"
	"fmt"

	"go.fuchsia.dev/fuzzctl/lib/clock"
)

// ErrExhausted is returned by Poll when the back-off stops before the
// condition is met.
var ErrExhausted = errors.New("retry budget exhausted")

type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }

func (e fatalError) Unwrap() error { return e.err }

// Fatal marks an error as not worth retrying.
func Fatal(err error) error {
	return fatalError{err: err}
}

// Retry calls f until it succeeds, returns a Fatal error, or the back-off
// stops. Waits happen on the context's clock. If c is non-nil, every
// intermediate error is sent to it.
func Retry(ctx context.Context, b Backoff, f func() error, c chan<- error) error {
	b.Reset()
	for {
		err := f()
		if err == nil {
			return nil
		}
		var fatal fatalError
		if errors.As(err, &fatal) {
			return fatal.err
		}
		if c != nil {
			c <- err
		}

		next := b.Next()
		if next == Stop {
			return err
		}
		if err := clock.Sleep(ctx, next); err != nil {
			return err
		}
	}
}

// Poll evaluates check until it reports done or fails, waiting for the
// back-off's interval between evaluations. The first evaluation happens
// immediately. If the back-off stops first, the returned error wraps
// ErrExhausted.
func Poll(ctx context.Context, b Backoff, check func() (bool, error)) error {
	b.Reset()
	for attempts := 1; ; attempts++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		next := b.Next()
		if next == Stop {
			return fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
		}
		if err := clock.Sleep(ctx, next); err != nil {
			return err
		}
	}
}
