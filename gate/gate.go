/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package gate wraps outbound API calls with exponential backoff and
// rate-limit-aware waiting. Transient failures are retried with doubling,
// capped, jittered delays up to an attempt ceiling; rate-limit signals wait
// until the platform's reported reset without consuming retry budget;
// permanent failures surface immediately.
package gate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/autopilot-dev/autopilot/clock"
	"github.com/chainguard-dev/clog"
)

// Class partitions failures by how the gate should respond to them.
type Class int

const (
	// ClassPermanent fails immediately with no retry (authorization,
	// not-found, malformed request).
	ClassPermanent Class = iota
	// ClassTransient is retried with exponential backoff.
	ClassTransient
	// ClassRateLimited waits for the reported reset before retrying,
	// without counting against the retry ceiling.
	ClassRateLimited
)

// Classification is the gate's view of a single failure.
type Classification struct {
	Class Class
	// RetryAfter is how long to wait before retrying a rate-limited call.
	// Zero means the platform reported no reset time and the gate should
	// fall back to its conservative default.
	RetryAfter time.Duration
}

// ClassifyFunc maps an error to its Classification.
type ClassifyFunc func(error) Classification

// Config configures retry behavior for API calls.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (default: 5).
	// 0 means do not retry at all.
	MaxRetries int
	// BaseBackoff is the initial backoff duration (default: 1s).
	BaseBackoff time.Duration
	// MaxBackoff is the maximum backoff duration (default: 60s).
	MaxBackoff time.Duration
	// MaxJitter is the maximum random jitter added to backoff (default: 500ms).
	MaxJitter time.Duration
	// DefaultRateLimitWait is used when a rate-limit signal carries no
	// reset time (default: 60s).
	DefaultRateLimitWait time.Duration
	// MaxRateLimitWait caps how long the gate will wait on a reported
	// reset time (default: 1h).
	MaxRateLimitWait time.Duration
}

// Validate checks that the configuration has valid values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.BaseBackoff < 0 {
		return errors.New("base backoff cannot be negative")
	}
	if c.MaxBackoff < 0 {
		return errors.New("max backoff cannot be negative")
	}
	if c.MaxJitter < 0 {
		return errors.New("max jitter cannot be negative")
	}
	if c.DefaultRateLimitWait < 0 {
		return errors.New("default rate limit wait cannot be negative")
	}
	if c.MaxRateLimitWait < 0 {
		return errors.New("max rate limit wait cannot be negative")
	}
	return nil
}

// DefaultConfig returns a configuration suitable for the GitHub API, where
// secondary rate limits often require more recovery time than typical
// transient errors.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           5,
		BaseBackoff:          1 * time.Second,
		MaxBackoff:           60 * time.Second,
		MaxJitter:            500 * time.Millisecond,
		DefaultRateLimitWait: 60 * time.Second,
		MaxRateLimitWait:     time.Hour,
	}
}

// BackoffState tracks the gate's position in the backoff schedule.
// NextDelay grows monotonically up to the configured ceiling and resets to
// the base on success.
type BackoffState struct {
	Attempts  int
	NextDelay time.Duration
}

// RetryExhaustedError is returned when a transient failure persists past the
// configured retry ceiling.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d retries: %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Gate serializes classification, backoff state, and waiting for outbound
// calls. A single Gate is shared by all call sites so backoff state is not
// duplicated per caller.
type Gate struct {
	cfg      Config
	classify ClassifyFunc
	clk      clock.Clock

	mu    sync.Mutex
	state BackoffState
}

// New creates a Gate with the given configuration and failure classifier.
func New(cfg Config, classify ClassifyFunc, clk clock.Clock) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classify == nil {
		return nil, errors.New("classify function cannot be nil")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Gate{
		cfg:      cfg,
		classify: classify,
		clk:      clk,
		state:    BackoffState{NextDelay: cfg.BaseBackoff},
	}, nil
}

// State returns a snapshot of the current backoff state.
func (g *Gate) State() BackoffState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) recordFailure() BackoffState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Attempts++
	// Cap the exponent so the shift cannot overflow when failures
	// accumulate across many calls.
	exp := min(g.state.Attempts-1, 30)
	g.state.NextDelay = min(g.cfg.BaseBackoff<<exp, g.cfg.MaxBackoff)
	return g.state
}

func (g *Gate) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = BackoffState{NextDelay: g.cfg.BaseBackoff}
}

// jitter returns a random duration in [0, MaxJitter).
func (g *Gate) jitter() time.Duration {
	if g.cfg.MaxJitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(g.cfg.MaxJitter)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// Execute runs fn through the gate, retrying transient failures with
// exponential backoff and waiting out rate-limit signals. Rate-limit waits
// do not count against the retry ceiling.
func Execute[T any](ctx context.Context, g *Gate, operation string, fn func(context.Context) (T, error)) (T, error) {
	log := clog.FromContext(ctx)

	var result T
	var lastErr error

	retries := 0
	for {
		result, lastErr = fn(ctx)
		if lastErr == nil {
			g.recordSuccess()
			return result, nil
		}

		c := g.classify(lastErr)
		switch c.Class {
		case ClassRateLimited:
			wait := c.RetryAfter
			if wait <= 0 {
				wait = g.cfg.DefaultRateLimitWait
			}
			wait = min(wait, g.cfg.MaxRateLimitWait)

			log.With("operation", operation).
				With("wait", wait).
				With("error", lastErr.Error()).
				Warn("Rate limited, waiting for reset")

			if err := g.clk.Sleep(ctx, wait); err != nil {
				return result, err
			}
			continue

		case ClassTransient:
			if retries >= g.cfg.MaxRetries {
				return result, &RetryExhaustedError{
					Operation: operation,
					Attempts:  g.cfg.MaxRetries,
					Err:       lastErr,
				}
			}
			retries++

			state := g.recordFailure()
			delay := state.NextDelay + g.jitter()

			log.With("operation", operation).
				With("attempt", retries).
				With("max_retries", g.cfg.MaxRetries).
				With("backoff", delay).
				With("error", lastErr.Error()).
				Warn("Transient failure, retrying")

			if err := g.clk.Sleep(ctx, delay); err != nil {
				return result, err
			}
			continue

		default:
			return result, lastErr
		}
	}
}
