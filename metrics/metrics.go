/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics records per-cycle outcomes for end-of-run reporting and
// emits OpenTelemetry counters. Metric creation degrades gracefully: if an
// instrument fails to initialize the accumulator keeps working with a no-op
// counter instead of failing the run.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Outcome is the terminal disposition of one cycle.
type Outcome string

const (
	OutcomeMerged   Outcome = "merged"
	OutcomeClosed   Outcome = "closed"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeFailed   Outcome = "failed"
)

// CycleResult is the immutable outcome of one cycle, created at cycle end.
type CycleResult struct {
	Outcome  Outcome
	PRNumber int // 0 when no PR was attributed to the cycle
	Duration time.Duration
}

// Summary aggregates all recorded cycles.
type Summary struct {
	Cycles          int
	Merged          int
	Closed          int
	TimedOut        int
	Failed          int
	PRNumbers       []int
	AverageDuration time.Duration
}

// Accumulator is the per-run metrics sink. Construct one in main and pass
// it by reference; there is no package-level instance.
type Accumulator struct {
	cycleCounter metric.Int64Counter
	durationHist metric.Float64Histogram

	mu            sync.Mutex
	counts        map[Outcome]int
	prNumbers     []int
	totalDuration time.Duration
	cycles        int
}

// New creates an Accumulator backed by the global OpenTelemetry meter.
func New() *Accumulator {
	meter := otel.Meter("autopilot.cycles", metric.WithInstrumentationVersion("1.0.0"))

	cycleCounter, err := meter.Int64Counter("autopilot.cycle.outcomes",
		metric.WithDescription("The number of completed cycles by outcome"),
		metric.WithUnit("{cycles}"))
	if err != nil {
		slog.Warn("Failed to create cycle counter, metrics will be disabled", "error", err)
		cycleCounter = noop.Int64Counter{}
	}

	durationHist, err := meter.Float64Histogram("autopilot.cycle.duration",
		metric.WithDescription("The duration of completed cycles"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Warn("Failed to create duration histogram, metrics will be disabled", "error", err)
		durationHist = noop.Float64Histogram{}
	}

	return &Accumulator{
		cycleCounter: cycleCounter,
		durationHist: durationHist,
		counts:       make(map[Outcome]int),
	}
}

// Record adds one cycle result. Negative durations are rejected.
func (a *Accumulator) Record(ctx context.Context, result CycleResult) error {
	if result.Duration < 0 {
		return errors.New("cycle duration cannot be negative")
	}
	switch result.Outcome {
	case OutcomeMerged, OutcomeClosed, OutcomeTimedOut, OutcomeFailed:
	default:
		return errors.New("unknown cycle outcome " + string(result.Outcome))
	}

	a.mu.Lock()
	a.cycles++
	a.counts[result.Outcome]++
	a.totalDuration += result.Duration
	if result.PRNumber != 0 {
		a.prNumbers = append(a.prNumbers, result.PRNumber)
	}
	a.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("outcome", string(result.Outcome)))
	a.cycleCounter.Add(ctx, 1, attrs)
	a.durationHist.Record(ctx, result.Duration.Seconds(), attrs)
	return nil
}

// Summary returns the aggregate counts and average duration so far.
func (a *Accumulator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		Cycles:    a.cycles,
		Merged:    a.counts[OutcomeMerged],
		Closed:    a.counts[OutcomeClosed],
		TimedOut:  a.counts[OutcomeTimedOut],
		Failed:    a.counts[OutcomeFailed],
		PRNumbers: append([]int(nil), a.prNumbers...),
	}
	if a.cycles > 0 {
		s.AverageDuration = a.totalDuration / time.Duration(a.cycles)
	}
	return s
}
