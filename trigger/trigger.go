/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package trigger invokes the external coding-assistant CLI (`gh
// agent-task`) to request a new change. Authentication is pre-validated so
// misconfiguration surfaces as a classified error rather than a cryptic CLI
// failure mid-cycle.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// ErrCLIUnavailable indicates the gh CLI could not be found on PATH.
var ErrCLIUnavailable = errors.New("gh CLI not found on PATH")

// AuthError indicates the gh CLI is not usable for agent tasks: either not
// authenticated at all, or authenticated only via an environment token.
// The agent-task command requires stored credentials.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	return "gh CLI not authenticated with stored credentials: " + e.Detail
}

var (
	prURLRe    = regexp.MustCompile(`pull/(\d+)`)
	prNumberRe = regexp.MustCompile(`#(\d+)`)
)

// Result is the outcome of one trigger invocation.
type Result struct {
	// PRNumber is the created PR, when the CLI reported one directly.
	// Zero when the job was only queued.
	PRNumber int
	// Queued is set when the CLI accepted the task but the PR does not
	// exist yet; the caller must poll for its appearance.
	Queued bool
}

// Runner executes external commands. Injectable so tests can run without a
// gh binary.
type Runner interface {
	Run(ctx context.Context, name string, args, env []string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args, env []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Trigger drives the gh CLI.
type Trigger struct {
	runner  Runner
	ghPath  string
	timeout time.Duration
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithRunner overrides the command runner, for tests.
func WithRunner(r Runner) Option {
	return func(t *Trigger) { t.runner = r }
}

// WithPath overrides the gh executable path instead of consulting PATH.
func WithPath(path string) Option {
	return func(t *Trigger) { t.ghPath = path }
}

// New creates a Trigger.
func New(opts ...Option) *Trigger {
	t := &Trigger{
		runner:  execRunner{},
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// resolvePath locates the gh executable.
func (t *Trigger) resolvePath() (string, error) {
	if t.ghPath != "" {
		return t.ghPath, nil
	}
	path, err := exec.LookPath("gh")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCLIUnavailable, err)
	}
	t.ghPath = path
	return path, nil
}

// EnsureReady verifies the CLI is present and authenticated with stored
// credentials. Tokens supplied via environment variables are rejected
// because agent-task cannot use them.
func (t *Trigger) EnsureReady(ctx context.Context) error {
	gh, err := t.resolvePath()
	if err != nil {
		return err
	}

	stdout, stderr, err := t.runner.Run(ctx, gh, []string{"auth", "status"}, os.Environ())
	if err != nil {
		return &AuthError{Detail: "run `gh auth login` and retry"}
	}

	combined := stdout + stderr
	if strings.Contains(combined, "GITHUB_TOKEN") || strings.Contains(strings.ToLower(combined), "environment variable") {
		return &AuthError{Detail: "authenticated via environment token; run `gh auth login` to store credentials"}
	}
	return nil
}

// Create requests a new coding-assistant task against the repository and
// base branch. The token environment variables are stripped so gh uses its
// stored credentials.
func (t *Trigger) Create(ctx context.Context, repository, baseBranch, prompt string) (Result, error) {
	log := clog.FromContext(ctx)

	if err := t.EnsureReady(ctx); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	log.With("repository", repository).
		With("base_branch", baseBranch).
		Info("Triggering coding assistant via gh CLI")

	args := []string{"agent-task", "create", prompt, "--repo", repository, "--base", baseBranch}
	stdout, stderr, err := t.runner.Run(ctx, t.ghPath, args, strippedEnv())
	if err != nil {
		return Result{}, fmt.Errorf("gh agent-task create failed: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	}

	return parseOutput(stdout)
}

// strippedEnv returns the process environment without GitHub token
// variables, forcing gh onto its stored credentials.
func strippedEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "GITHUB_TOKEN=") || strings.HasPrefix(kv, "GH_TOKEN=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// parseOutput extracts the PR number or queued signal from gh output.
func parseOutput(output string) (Result, error) {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "job") && strings.Contains(lower, "queued") {
		return Result{Queued: true}, nil
	}

	if m := prURLRe.FindStringSubmatch(output); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Result{PRNumber: n}, nil
	}
	if m := prNumberRe.FindStringSubmatch(output); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Result{PRNumber: n}, nil
	}

	return Result{}, fmt.Errorf("unexpected gh CLI output: %q", strings.TrimSpace(output))
}
