/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package cycle sequences one improvement cycle: pre-check for existing
// assistant PRs, trigger the assistant, wait for the PR to appear and become
// ready, validate its base branch, wait for CI, then merge or close. The
// loop repeats until a cycle ceiling, a consecutive-failure ceiling, or a
// shutdown signal stops it.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autopilot-dev/autopilot/clock"
	"github.com/autopilot-dev/autopilot/gate"
	"github.com/autopilot-dev/autopilot/ghapi"
	"github.com/autopilot-dev/autopilot/metrics"
	"github.com/autopilot-dev/autopilot/trigger"
	"github.com/chainguard-dev/clog"
)

// ErrConsecutiveFailures is returned by Loop when the consecutive-failure
// ceiling halts the run. The process should exit non-zero.
var ErrConsecutiveFailures = errors.New("too many consecutive cycle failures")

// API is the slice of the GitHub client the cycle needs. Satisfied by
// *ghapi.Client; tests substitute a fake.
type API interface {
	ListOpenAgentPRs(ctx context.Context) ([]ghapi.PullRequest, error)
	GetPR(ctx context.Context, number int) (ghapi.PullRequest, error)
	CheckStatus(ctx context.Context, sha string) (ghapi.CheckStatus, error)
	MergePR(ctx context.Context, number int, method, commitTitle string) error
	ClosePR(ctx context.Context, number int, comment string) error
	MarkReadyForReview(ctx context.Context, pr ghapi.PullRequest) error
	CloseIssue(ctx context.Context, number int, comment string) error
}

// Trigger requests new work from the coding assistant.
type Trigger interface {
	Create(ctx context.Context, repository, baseBranch, prompt string) (trigger.Result, error)
}

// PromptFunc builds the prompt for one cycle.
type PromptFunc func(ctx context.Context) (string, error)

// Config holds the thresholds the cycle runner operates under.
type Config struct {
	Repository  string
	BaseBranch  string
	AutoMerge   bool
	MergeMethod string

	MaxCycles              int // 0 = unlimited
	MaxConsecutiveFailures int
	Cooldown               time.Duration

	PollInterval         time.Duration
	ReadyTimeout         time.Duration
	CheckTimeout         time.Duration
	CreationPollInterval time.Duration
	CreationTimeout      time.Duration
}

// Runner drives improvement cycles to completion. Single logical thread:
// one cycle runs to completion before the next begins.
type Runner struct {
	cfg    Config
	api    API
	trig   Trigger
	prompt PromptFunc
	g      *gate.Gate
	clk    clock.Clock
	acc    *metrics.Accumulator

	consecutiveFailures int
}

// New creates a Runner. The metrics accumulator is passed by reference and
// shared with main for end-of-run reporting.
func New(cfg Config, api API, trig Trigger, prompt PromptFunc, g *gate.Gate, clk clock.Clock, acc *metrics.Accumulator) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		cfg:    cfg,
		api:    api,
		trig:   trig,
		prompt: prompt,
		g:      g,
		clk:    clk,
		acc:    acc,
	}
}

// Loop runs cycles until the cycle ceiling is reached, the
// consecutive-failure ceiling is exceeded, or ctx is cancelled. A cancelled
// context is a clean stop (nil); the failure ceiling returns
// ErrConsecutiveFailures.
func (r *Runner) Loop(ctx context.Context) error {
	log := clog.FromContext(ctx)

	for n := 1; ; n++ {
		if ctx.Err() != nil {
			log.Info("Shutdown requested, stopping")
			return nil
		}
		if r.cfg.MaxCycles > 0 && n > r.cfg.MaxCycles {
			log.Infof("Max cycles (%d) reached, stopping", r.cfg.MaxCycles)
			return nil
		}

		log.Infof("Starting cycle #%d", n)
		result, resolved := r.runCycle(ctx, n)

		if resolved {
			if err := r.acc.Record(ctx, result); err != nil {
				log.Warnf("Recording cycle result: %v", err)
			}
			switch result.Outcome {
			case metrics.OutcomeMerged:
				r.consecutiveFailures = 0
			case metrics.OutcomeFailed, metrics.OutcomeTimedOut:
				r.consecutiveFailures++
				log.Warnf("Consecutive failures: %d/%d", r.consecutiveFailures, r.cfg.MaxConsecutiveFailures)
			}
			log.With("cycle", n).
				With("outcome", string(result.Outcome)).
				With("duration", result.Duration).
				Info("Finished cycle")
		}

		if r.consecutiveFailures >= r.cfg.MaxConsecutiveFailures {
			return fmt.Errorf("%w: %d", ErrConsecutiveFailures, r.consecutiveFailures)
		}
		if ctx.Err() != nil {
			log.Info("Shutdown requested, skipping further cycles")
			return nil
		}

		// Cooldown: interruptible by shutdown.
		if r.cfg.Cooldown > 0 {
			if err := r.clk.Sleep(ctx, r.cfg.Cooldown); err != nil {
				return nil
			}
		}
	}
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (r *Runner) ConsecutiveFailures() int {
	return r.consecutiveFailures
}

// runCycle runs one cycle. The bool is false when the cycle was never
// resolved (shutdown mid-phase, or auto-merge disabled and the PR left open
// for manual review); unresolved cycles are not recorded and do not touch
// the failure counter.
func (r *Runner) runCycle(ctx context.Context, n int) (metrics.CycleResult, bool) {
	log := clog.FromContext(ctx).With("cycle", n)
	ctx = clog.WithLogger(ctx, log)
	start := r.clk.Now()

	// PreCheck: an open assistant PR means unfinished work from an
	// earlier cycle or an operator-triggered task. Resume monitoring it
	// instead of triggering a duplicate.
	prs, err := gate.Execute(ctx, r.g, "list_open_prs", r.api.ListOpenAgentPRs)
	if err != nil {
		log.Errorf("Listing open assistant PRs: %v", err)
		return r.finish(start, metrics.OutcomeFailed, 0)
	}
	if len(prs) > 0 {
		// Newest first; older PRs are picked up by subsequent cycles.
		pr := prs[0]
		log.Infof("Found existing assistant PR #%d (%s), resuming monitoring", pr.Number, pr.Title)
		return r.monitor(ctx, start, pr.Number)
	}

	// Trigger
	prompt, err := r.prompt(ctx)
	if err != nil {
		log.Errorf("Building prompt: %v", err)
		return r.finish(start, metrics.OutcomeFailed, 0)
	}
	res, err := r.trig.Create(ctx, r.cfg.Repository, r.cfg.BaseBranch, prompt)
	if err != nil {
		log.Errorf("Triggering coding assistant: %v", err)
		return r.finish(start, metrics.OutcomeFailed, 0)
	}

	prNumber := res.PRNumber
	if prNumber == 0 {
		prNumber, err = r.awaitCreation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return metrics.CycleResult{}, false
			}
			log.Errorf("Waiting for PR creation: %v", err)
			return r.finish(start, metrics.OutcomeFailed, 0)
		}
		if prNumber == 0 {
			log.Warn("Assistant did not create a PR before the creation deadline")
			return r.finish(start, metrics.OutcomeTimedOut, 0)
		}
	}

	log.Infof("Assistant PR #%d created", prNumber)
	return r.monitor(ctx, start, prNumber)
}

func (r *Runner) finish(start time.Time, outcome metrics.Outcome, prNumber int) (metrics.CycleResult, bool) {
	return metrics.CycleResult{
		Outcome:  outcome,
		PRNumber: prNumber,
		Duration: r.clk.Since(start),
	}, true
}
