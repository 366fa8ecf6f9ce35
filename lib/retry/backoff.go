// Copyright 2018 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry

import (
	"time"
)

// Stop indicates that no more retries should be made.
const Stop time.Duration = -1

type Backoff interface {
	// Next gets the duration to wait before retrying the operation or |Stop|
	// to indicate that no retries should be made.
	Next() time.Duration

	// Reset resets to initial state.
	Reset()
}

// ZeroBackoff is a fixed policy whose back-off time is always zero, meaning
// that the operation is retried immediately without waiting.
type ZeroBackoff struct{}

func (b *ZeroBackoff) Reset() {}

func (b *ZeroBackoff) Next() time.Duration { return 0 }

// ConstantBackoff is a fixed policy that always returns the same backoff delay.
type ConstantBackoff struct {
	interval time.Duration
}

func (b *ConstantBackoff) Reset() {}

func (b *ConstantBackoff) Next() time.Duration { return b.interval }

func NewConstantBackoff(d time.Duration) *ConstantBackoff {
	return &ConstantBackoff{interval: d}
}

// ExponentialBackoff doubles (or multiplies by |multiplier|) the delay after
// each attempt, capped at |max| when |max| is non-zero.
type ExponentialBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{initial: initial, max: max, multiplier: multiplier, current: initial}
}

func (b *ExponentialBackoff) Reset() { b.current = b.initial }

func (b *ExponentialBackoff) Next() time.Duration {
	next := b.current
	b.current = time.Duration(float64(b.current) * b.multiplier)
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}
	return next
}

type maxTriesBackoff struct {
	backOff  Backoff
	maxTries uint64
	numTries uint64
}

func (b *maxTriesBackoff) Next() time.Duration {
	if b.maxTries > 0 {
		if b.maxTries <= b.numTries {
			return Stop
		}
		b.numTries++
	}
	return b.backOff.Next()
}

func (b *maxTriesBackoff) Reset() {
	b.numTries = 0
	b.backOff.Reset()
}

// WithMaxRetries wraps a back-off which stops after |max| retries.
func WithMaxRetries(b Backoff, max uint64) Backoff {
	return &maxTriesBackoff{backOff: b, maxTries: max}
}

// WithMaxAttempts wraps a back-off which stops once the operation has been
// attempted |max| times in total.
func WithMaxAttempts(b Backoff, max uint64) Backoff {
	if max == 0 {
		return b
	}
	return WithMaxRetries(b, max-1)
}

type maxDurationBackoff struct {
	backOff     Backoff
	maxDuration time.Duration
	now         func() time.Time
	startTime   time.Time
}

func (b *maxDurationBackoff) Next() time.Duration {
	if b.startTime.IsZero() {
		b.startTime = b.now()
	}
	next := b.backOff.Next()
	if next == Stop {
		return Stop
	}
	if b.now().Add(next).Sub(b.startTime) > b.maxDuration {
		return Stop
	}
	return next
}

func (b *maxDurationBackoff) Reset() {
	b.startTime = time.Time{}
	b.backOff.Reset()
}

// WithMaxDuration wraps a back-off which stops once waiting for the next
// attempt would exceed |max| since the first call to Next. |now| supplies the
// current time; a zero |max| leaves the back-off unbounded.
func WithMaxDuration(b Backoff, max time.Duration, now func() time.Time) Backoff {
	if max <= 0 {
		return b
	}
	if now == nil {
		now = time.Now
	}
	return &maxDurationBackoff{backOff: b, maxDuration: max, now: now}
}
