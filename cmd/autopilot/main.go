/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the autonomous improvement loop: trigger a coding
// assistant against a target repository, wait for its pull request, and
// merge or close it based on CI results, repeating until a configured
// ceiling or a shutdown signal.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/autopilot-dev/autopilot/clock"
	"github.com/autopilot-dev/autopilot/config"
	"github.com/autopilot-dev/autopilot/cycle"
	"github.com/autopilot-dev/autopilot/gate"
	"github.com/autopilot-dev/autopilot/ghapi"
	"github.com/autopilot-dev/autopilot/metrics"
	"github.com/autopilot-dev/autopilot/promptgen"
	"github.com/autopilot-dev/autopilot/trigger"
	"github.com/chainguard-dev/clog"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Process(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	gh, err := ghapi.New(ctx, cfg.GitHubToken, cfg.Repository)
	if err != nil {
		clog.FatalContextf(ctx, "creating GitHub client: %v", err)
	}
	if err := gh.ValidateAccess(ctx); err != nil {
		clog.FatalContextf(ctx, "validating repository access: %v", err)
	}

	trig := trigger.New()
	if err := trig.EnsureReady(ctx); err != nil {
		clog.FatalContextf(ctx, "checking gh CLI: %v", err)
	}

	clk := clock.New()
	g, err := gate.New(gate.DefaultConfig(), ghapi.Classify, clk)
	if err != nil {
		clog.FatalContextf(ctx, "creating rate gate: %v", err)
	}
	acc := metrics.New()

	if rl, err := gh.RateLimitStatus(ctx); err == nil {
		clog.InfoContextf(ctx, "GitHub API rate limit: %d remaining, resets %s",
			rl.Remaining, rl.Reset.Format("15:04:05"))
	}

	runner := cycle.New(cycle.Config{
		Repository:             cfg.Repository,
		BaseBranch:             cfg.BaseBranch,
		AutoMerge:              cfg.AutoMergePRs,
		MergeMethod:            cfg.MergeMethod,
		MaxCycles:              cfg.MaxCycles,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Cooldown:               cfg.CooldownDelay(),
		PollInterval:           cfg.PollInterval(),
		ReadyTimeout:           min(cfg.ReadyTimeout(), cfg.MaxWaitForPR()),
		CheckTimeout:           cfg.CheckTimeout(),
		CreationPollInterval:   cfg.CreationPollInterval(),
		CreationTimeout:        min(cfg.CreationTimeout(), cfg.MaxWaitForPR()),
	}, gh, trig, promptFunc(gh, g, cfg), g, clk, acc)

	clog.InfoContextf(ctx, "Starting improvement loop for %s (base %s, auto-merge %v)",
		cfg.Repository, cfg.BaseBranch, cfg.AutoMergePRs)

	loopErr := runner.Loop(ctx)

	report(ctx, acc.Summary())

	if loopErr != nil {
		if errors.Is(loopErr, cycle.ErrConsecutiveFailures) {
			clog.ErrorContextf(ctx, "Stopping: %v", loopErr)
			os.Exit(1)
		}
		clog.FatalContextf(ctx, "improvement loop: %v", loopErr)
	}
}

// promptFunc builds the per-cycle prompt. Repository context is best-effort:
// a failed tree or history fetch degrades the prompt rather than failing the
// cycle.
func promptFunc(gh *ghapi.Client, g *gate.Gate, cfg config.Config) cycle.PromptFunc {
	return func(ctx context.Context) (string, error) {
		log := clog.FromContext(ctx)
		var opts []promptgen.Option

		tree, err := gate.Execute(ctx, g, "repo_tree", func(ctx context.Context) (string, error) {
			return gh.Tree(ctx, cfg.BaseBranch)
		})
		if err != nil {
			log.Warnf("Fetching repository tree for prompt: %v", err)
		} else if tree != "" {
			opts = append(opts, promptgen.WithRepositoryStructure(tree))
		}

		commits, err := gate.Execute(ctx, g, "recent_commits", func(ctx context.Context) (string, error) {
			return gh.RecentCommits(ctx, cfg.BaseBranch, 10)
		})
		if err != nil {
			log.Warnf("Fetching recent commits for prompt: %v", err)
		} else if commits != "" {
			opts = append(opts, promptgen.WithRecentCommits(commits))
		}

		return promptgen.Build(cfg.Repository, cfg.BaseBranch, opts...)
	}
}

// report logs the end-of-run summary.
func report(ctx context.Context, s metrics.Summary) {
	clog.InfoContextf(ctx, "Run summary: %d cycles (%d merged, %d closed, %d timed out, %d failed), average duration %s",
		s.Cycles, s.Merged, s.Closed, s.TimedOut, s.Failed, s.AverageDuration.Round(0))
	if len(s.PRNumbers) > 0 {
		clog.InfoContextf(ctx, "Pull requests handled: %v", s.PRNumbers)
	}
}
