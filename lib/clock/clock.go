// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package clock

import (
	"context"
	"sync"
	"time"
)

type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type clockKeyType string

// clockKey is the key we use to associate a clock with a Context.
const clockKey = clockKeyType("clock")

// Now returns the current time for the clock associated with the given context,
// or the real current time if there is no clock associated with the context.
// Any code that needs to be tested with a mocked-out time should use
// `clock.Now()` instead of `time.Now()`.
func Now(ctx context.Context) time.Time {
	if c, ok := ctx.Value(clockKey).(clock); ok && c != nil {
		return c.Now()
	}
	return time.Now()
}

// After returns time.After() or the equivalent for the clock associated with
// the given context.
func After(ctx context.Context, d time.Duration) <-chan time.Time {
	if c, ok := ctx.Value(clockKey).(clock); ok && c != nil {
		return c.After(d)
	}
	return time.After(d)
}

// Sleep blocks for d on the context's clock. It returns early with the
// context's error if the context is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-After(ctx, d):
		return nil
	}
}

// NewContext returns a new context with the given clock attached.
//
// This should generally only be used in tests; production code should always
// use the real time.
func NewContext(ctx context.Context, c clock) context.Context {
	return context.WithValue(ctx, clockKey, c)
}

type timer struct {
	endTime time.Time
	ch      chan time.Time
}

func (t *timer) advanceTo(newTime time.Time) bool {
	if newTime.Before(t.endTime) {
		return false
	}
	t.ch <- newTime
	return true
}

// FakeClock provides support for mocking the current time in tests.
//
// A FakeClock created with NewAutoAdvancingFakeClock moves its time forward
// by the requested duration on every call to After, so code that polls on a
// fixed interval runs without real delays while Now still reflects the total
// time waited.
type FakeClock struct {
	mu          sync.Mutex
	now         time.Time
	autoAdvance bool
	timers      []*timer
	afterCalled chan struct{}
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Now(), afterCalled: make(chan struct{}, 1)}
}

func NewAutoAdvancingFakeClock() *FakeClock {
	c := NewFakeClock()
	c.autoAdvance = true
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	t := &timer{c.now.Add(d), make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	auto := c.autoAdvance
	c.mu.Unlock()

	if len(c.afterCalled) == 0 {
		select {
		case c.afterCalled <- struct{}{}:
		default:
		}
	}
	if auto {
		c.Advance(d)
	}
	return t.ch
}

// Advance moves the fake time forward and fires every timer that has expired.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if !t.advanceTo(c.now) {
			pending = append(pending, t)
		}
	}
	c.timers = pending
}

// AfterCalledChan returns the channel to wait for the clock's timer to be set from a
// call to After().
func (c *FakeClock) AfterCalledChan() chan struct{} {
	return c.afterCalled
}
