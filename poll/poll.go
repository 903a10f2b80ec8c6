/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package poll repeatedly queries external state at a fixed interval until a
// predicate holds or a timeout elapses. Cancellation is cooperative: an
// in-progress check completes before the wait aborts, and already-collected
// state is preserved.
package poll

import (
	"context"
	"time"

	"github.com/autopilot-dev/autopilot/clock"
	"github.com/chainguard-dev/clog"
)

// Outcome is the result of one polling run.
type Outcome[T any] struct {
	// Succeeded reports whether the predicate held before the deadline.
	Succeeded bool
	// Last is the most recent successfully observed state. Only valid
	// when Observed is true.
	Last T
	// Observed reports whether any check completed successfully.
	Observed bool
	// Elapsed is the total time spent polling.
	Elapsed time.Duration
	// Attempts is the number of checks issued.
	Attempts int
}

// Until invokes check at the given interval until predicate(state) is true
// or timeout elapses. The predicate is evaluated on every successfully
// fetched state before the deadline comparison, so a terminal state observed
// by the final in-flight check wins over a concurrent timeout.
//
// A nil error with Succeeded=false means the timeout elapsed. A non-nil
// error means the check itself failed terminally or the context was
// cancelled; the partial Outcome is still returned.
func Until[T any](
	ctx context.Context,
	clk clock.Clock,
	operation string,
	check func(context.Context) (T, error),
	predicate func(T) bool,
	interval, timeout time.Duration,
) (Outcome[T], error) {
	log := clog.FromContext(ctx)
	start := clk.Now()

	var out Outcome[T]
	for {
		state, err := check(ctx)
		out.Attempts++
		if err != nil {
			out.Elapsed = clk.Since(start)
			return out, err
		}
		out.Last = state
		out.Observed = true

		if predicate(state) {
			out.Succeeded = true
			out.Elapsed = clk.Since(start)
			return out, nil
		}

		if out.Elapsed = clk.Since(start); out.Elapsed >= timeout {
			log.With("operation", operation).
				With("elapsed", out.Elapsed).
				With("attempts", out.Attempts).
				Warn("Timed out waiting for condition")
			return out, nil
		}

		log.With("operation", operation).
			With("elapsed", out.Elapsed).
			Debug("Condition not met, waiting")

		if err := clk.Sleep(ctx, interval); err != nil {
			out.Elapsed = clk.Since(start)
			return out, err
		}
	}
}
