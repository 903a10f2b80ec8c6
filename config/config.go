/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package config holds the immutable run configuration, read once from the
// environment at process start and shared read-only by all components.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the snapshot of all tunable thresholds for one run.
// Interval and timeout fields are expressed in whole seconds to keep the
// environment contract simple (PR_POLL_INTERVAL_SECONDS=60, not "1m").
type Config struct {
	GitHubToken string `env:"GITHUB_TOKEN,required"`
	Repository  string `env:"TARGET_REPOSITORY,required"`
	BaseBranch  string `env:"BASE_BRANCH,required"`

	AutoMergePRs bool   `env:"AUTO_MERGE_PRS,default=true"`
	MergeMethod  string `env:"MERGE_METHOD,default=squash"`

	MaxCycles                int `env:"MAX_CYCLES,default=0"` // 0 = unlimited
	DelayBetweenCyclesSecs   int `env:"DELAY_BETWEEN_CYCLES_SECONDS,default=10"`
	MaxConsecutiveFailures   int `env:"MAX_CONSECUTIVE_FAILURES,default=3"`
	PRPollIntervalSecs       int `env:"PR_POLL_INTERVAL_SECONDS,default=60"`
	MaxWaitForPRSecs         int `env:"MAX_WAIT_FOR_PR_SECONDS,default=3600"`
	PRReadyTimeoutSecs       int `env:"PR_READY_TIMEOUT_SECONDS,default=1800"`
	PRCheckTimeoutSecs       int `env:"PR_CHECK_TIMEOUT_SECONDS,default=600"`
	CreationPollIntervalSecs int `env:"PR_CREATION_POLL_INTERVAL_SECONDS,default=10"`
	CreationTimeoutSecs      int `env:"PR_CREATION_TIMEOUT_SECONDS,default=300"`
}

// Process reads the configuration from the environment and validates it.
func Process(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration has valid values.
func (c Config) Validate() error {
	if _, _, err := SplitOwnerRepo(c.Repository); err != nil {
		return err
	}
	switch c.MergeMethod {
	case "squash", "merge", "rebase":
	default:
		return fmt.Errorf("invalid merge method %q: must be squash, merge, or rebase", c.MergeMethod)
	}
	if c.BaseBranch == "" {
		return errors.New("base branch cannot be empty")
	}
	if c.MaxCycles < 0 {
		return errors.New("max cycles cannot be negative")
	}
	if c.MaxConsecutiveFailures < 1 {
		return errors.New("max consecutive failures must be at least 1")
	}
	for name, v := range map[string]int{
		"DELAY_BETWEEN_CYCLES_SECONDS":      c.DelayBetweenCyclesSecs,
		"PR_POLL_INTERVAL_SECONDS":          c.PRPollIntervalSecs,
		"MAX_WAIT_FOR_PR_SECONDS":           c.MaxWaitForPRSecs,
		"PR_READY_TIMEOUT_SECONDS":          c.PRReadyTimeoutSecs,
		"PR_CHECK_TIMEOUT_SECONDS":          c.PRCheckTimeoutSecs,
		"PR_CREATION_POLL_INTERVAL_SECONDS": c.CreationPollIntervalSecs,
		"PR_CREATION_TIMEOUT_SECONDS":       c.CreationTimeoutSecs,
	} {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	return nil
}

// SplitOwnerRepo splits an "owner/repo" string into its components.
func SplitOwnerRepo(repository string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repository %q: expected owner/repo", repository)
	}
	return owner, repo, nil
}

// CooldownDelay returns the inter-cycle delay.
func (c Config) CooldownDelay() time.Duration {
	return time.Duration(c.DelayBetweenCyclesSecs) * time.Second
}

// PollInterval returns the interval between status polls.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PRPollIntervalSecs) * time.Second
}

// ReadyTimeout returns the deadline for the assistant to finish a PR.
func (c Config) ReadyTimeout() time.Duration {
	return time.Duration(c.PRReadyTimeoutSecs) * time.Second
}

// CheckTimeout returns the deadline for CI checks to reach a terminal state.
func (c Config) CheckTimeout() time.Duration {
	return time.Duration(c.PRCheckTimeoutSecs) * time.Second
}

// CreationPollInterval returns the interval between polls for a new PR.
func (c Config) CreationPollInterval() time.Duration {
	return time.Duration(c.CreationPollIntervalSecs) * time.Second
}

// CreationTimeout returns the deadline for a triggered PR to appear.
func (c Config) CreationTimeout() time.Duration {
	return time.Duration(c.CreationTimeoutSecs) * time.Second
}

// MaxWaitForPR returns the overall ceiling on waiting for a PR in one
// cycle. It caps both the creation wait and the ready wait.
func (c Config) MaxWaitForPR() time.Duration {
	return time.Duration(c.MaxWaitForPRSecs) * time.Second
}
