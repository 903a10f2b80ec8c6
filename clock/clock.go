/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package clock provides an injectable time source so polling and backoff
// logic can be tested without real delays.
package clock

import (
	"context"
	"time"
)

// Clock abstracts wall-clock reads and cancellable sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() if the context was cancelled during the sleep.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is a Clock backed by the system clock.
type Real struct{}

// New returns a Clock backed by the system clock.
func New() Clock {
	return Real{}
}

// Now returns the current wall-clock time.
func (Real) Now() time.Time {
	return time.Now()
}

// Since returns the wall-clock time elapsed since t.
func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Sleep blocks for d or until ctx is done.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
