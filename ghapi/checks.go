/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

package ghapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v84/github"
)

// CheckStatus is the aggregate state of the check runs on one commit.
type CheckStatus struct {
	Total   int
	Passed  int
	Failed  int
	Pending int
	// Failing holds "name: conclusion" for each non-successful completed
	// check, for closing comments.
	Failing []string
}

// AllTerminal reports whether every check has reached a terminal status.
// False when no checks have been reported yet.
func (s CheckStatus) AllTerminal() bool {
	return s.Total > 0 && s.Pending == 0
}

// AllPassed reports whether every reported check concluded successfully.
// Vacuously true when no checks are configured.
func (s CheckStatus) AllPassed() bool {
	return s.Pending == 0 && s.Failed == 0
}

// Summary renders a short human-readable aggregate for logs and comments.
func (s CheckStatus) Summary() string {
	if s.Total == 0 {
		return "no check runs reported"
	}
	out := fmt.Sprintf("%d/%d passed, %d pending, %d failed", s.Passed, s.Total, s.Pending, s.Failed)
	if len(s.Failing) > 0 {
		out += " (" + strings.Join(s.Failing, "; ") + ")"
	}
	return out
}

// CheckStatus aggregates the check runs attached to a commit.
func (c *Client) CheckStatus(ctx context.Context, sha string) (CheckStatus, error) {
	var out CheckStatus
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		runs, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, sha, opts)
		if err != nil {
			return CheckStatus{}, fmt.Errorf("listing check runs for %s: %w", sha, err)
		}
		for _, run := range runs.CheckRuns {
			out.Total++
			switch {
			case run.GetStatus() != "completed":
				out.Pending++
			case run.GetConclusion() == "success":
				out.Passed++
			case run.GetConclusion() == "neutral" || run.GetConclusion() == "skipped":
				out.Passed++
			default:
				out.Failed++
				out.Failing = append(out.Failing, fmt.Sprintf("%s: %s", run.GetName(), run.GetConclusion()))
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}
