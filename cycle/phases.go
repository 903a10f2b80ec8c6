/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/autopilot-dev/autopilot/gate"
	"github.com/autopilot-dev/autopilot/ghapi"
	"github.com/autopilot-dev/autopilot/metrics"
	"github.com/autopilot-dev/autopilot/poll"
	"github.com/chainguard-dev/clog"
)

// awaitCreation polls for the assistant's PR after a queued trigger. Returns
// 0 with a nil error when the creation deadline passed without a PR.
func (r *Runner) awaitCreation(ctx context.Context) (int, error) {
	out, err := poll.Until(ctx, r.clk, "pr_creation",
		func(ctx context.Context) ([]ghapi.PullRequest, error) {
			return gate.Execute(ctx, r.g, "list_open_prs", r.api.ListOpenAgentPRs)
		},
		func(prs []ghapi.PullRequest) bool { return len(prs) > 0 },
		r.cfg.CreationPollInterval, r.cfg.CreationTimeout)
	if err != nil {
		return 0, err
	}
	if !out.Succeeded {
		return 0, nil
	}
	return out.Last[0].Number, nil
}

// checkSnapshot pairs a PR observation with the check runs on its head SHA,
// fetched together so the resolution decision sees a consistent view.
type checkSnapshot struct {
	PR     ghapi.PullRequest
	Checks ghapi.CheckStatus
}

// terminal reports whether the snapshot justifies a merge-or-close decision:
// the PR left the open state, GitHub settled its mergeability, or every
// check finished with at least one failure. All checks passing with
// mergeability still unknown is not terminal; polling continues until
// GitHub reports a settled state.
func (s checkSnapshot) terminal() bool {
	if !s.PR.IsOpen() {
		return true
	}
	switch s.PR.MergeableState {
	case "clean", "dirty", "unstable":
		return true
	}
	return s.Checks.AllTerminal() && s.Checks.Failed > 0
}

// monitor carries an existing PR from ready-wait through resolution.
func (r *Runner) monitor(ctx context.Context, start time.Time, prNumber int) (metrics.CycleResult, bool) {
	log := clog.FromContext(ctx).With("pr", prNumber)
	ctx = clog.WithLogger(ctx, log)

	// AwaitReady: the assistant marks completion by dropping the WIP
	// title marker and requesting review. A PR that leaves the open
	// state also ends the wait.
	ready, err := poll.Until(ctx, r.clk, "pr_ready", r.fetchPR(prNumber),
		func(pr ghapi.PullRequest) bool {
			return !pr.IsOpen() || (!pr.HasWIPMarker() && len(pr.RequestedReviewers) > 0)
		},
		r.cfg.PollInterval, r.cfg.ReadyTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.CycleResult{}, false
		}
		log.Errorf("Waiting for PR to become ready: %v", err)
		return r.finish(start, metrics.OutcomeFailed, prNumber)
	}
	if !ready.Succeeded {
		log.Warn("PR did not become ready before the deadline, leaving it open for manual handling")
		return r.finish(start, metrics.OutcomeTimedOut, prNumber)
	}

	pr := ready.Last
	if !pr.IsOpen() {
		log.Warnf("PR was %s while waiting for it to become ready", pr.State)
		return r.finish(start, metrics.OutcomeFailed, prNumber)
	}
	log.Infof("PR #%d is ready for review: %s", pr.Number, pr.Title)

	if !r.cfg.AutoMerge {
		// The PR stays open for a human; this cycle never resolves and
		// is not recorded.
		log.Infof("Auto-merge disabled, PR #%d left open for manual review: %s", pr.Number, pr.HTMLURL)
		return metrics.CycleResult{}, false
	}

	// ValidateBase: a PR targeting the wrong branch would merge into the
	// wrong history. Close it rather than retarget; retargeting keeps a
	// diff built against the wrong base.
	if pr.BaseRef != r.cfg.BaseBranch {
		log.Warnf("PR #%d targets %q instead of %q, closing", pr.Number, pr.BaseRef, r.cfg.BaseBranch)
		comment := fmt.Sprintf(
			"This pull request targets `%s` instead of `%s`. The change was built against the wrong base branch, so it is being closed. A new task will be started against the correct base.",
			pr.BaseRef, r.cfg.BaseBranch)
		if _, err := gate.Execute(ctx, r.g, "close_pr", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.api.ClosePR(ctx, prNumber, comment)
		}); err != nil {
			log.Errorf("Closing PR with wrong base: %v", err)
		}
		r.closeLinkedIssue(ctx, pr, fmt.Sprintf("The associated pull request #%d targeted the wrong base branch and was closed. This will be retried in a later cycle.", prNumber))
		return r.finish(start, metrics.OutcomeFailed, prNumber)
	}

	if pr.Draft {
		if _, err := gate.Execute(ctx, r.g, "mark_ready_for_review", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.api.MarkReadyForReview(ctx, pr)
		}); err != nil {
			// CI for ready PRs may not run against drafts; keep going
			// and let the check wait surface the consequence.
			log.Warnf("Marking PR ready for review: %v", err)
		}
	}

	// AwaitChecks
	checks, err := poll.Until(ctx, r.clk, "pr_checks",
		func(ctx context.Context) (checkSnapshot, error) {
			cur, err := r.fetchPR(prNumber)(ctx)
			if err != nil {
				return checkSnapshot{}, err
			}
			status, err := gate.Execute(ctx, r.g, "check_status", func(ctx context.Context) (ghapi.CheckStatus, error) {
				return r.api.CheckStatus(ctx, cur.HeadSHA)
			})
			if err != nil {
				return checkSnapshot{}, err
			}
			return checkSnapshot{PR: cur, Checks: status}, nil
		},
		checkSnapshot.terminal,
		r.cfg.PollInterval, r.cfg.CheckTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return metrics.CycleResult{}, false
		}
		log.Errorf("Waiting for PR checks: %v", err)
		return r.finish(start, metrics.OutcomeFailed, prNumber)
	}
	if !checks.Succeeded {
		log.Warnf("Checks did not settle before the deadline: %s", checks.Last.Checks.Summary())
		return r.finish(start, metrics.OutcomeTimedOut, prNumber)
	}

	return r.resolve(ctx, start, checks.Last)
}

// resolve merges or closes a PR whose checks have settled.
func (r *Runner) resolve(ctx context.Context, start time.Time, s checkSnapshot) (metrics.CycleResult, bool) {
	log := clog.FromContext(ctx)
	pr := s.PR

	if !pr.IsOpen() {
		log.Warnf("PR #%d was %s while waiting for checks", pr.Number, pr.State)
		return r.finish(start, metrics.OutcomeFailed, pr.Number)
	}

	if pr.MergeableState == "clean" && s.Checks.AllPassed() {
		commitTitle := fmt.Sprintf("%s (#%d)", pr.Title, pr.Number)
		if _, err := gate.Execute(ctx, r.g, "merge_pr", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.api.MergePR(ctx, pr.Number, r.cfg.MergeMethod, commitTitle)
		}); err != nil {
			log.Errorf("Merging PR #%d: %v", pr.Number, err)
			return r.finish(start, metrics.OutcomeFailed, pr.Number)
		}
		log.Infof("Merged PR #%d: %s", pr.Number, pr.Title)
		r.closeLinkedIssue(ctx, pr, fmt.Sprintf("Completed by #%d.", pr.Number))
		return r.finish(start, metrics.OutcomeMerged, pr.Number)
	}

	log.Warnf("PR #%d is not mergeable (state %q, %s), closing", pr.Number, pr.MergeableState, s.Checks.Summary())
	comment := fmt.Sprintf(
		"Closing: this pull request cannot be merged automatically (mergeable state %q, %s). A new task will be started.",
		pr.MergeableState, s.Checks.Summary())
	if _, err := gate.Execute(ctx, r.g, "close_pr", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.api.ClosePR(ctx, pr.Number, comment)
	}); err != nil {
		log.Errorf("Closing PR #%d: %v", pr.Number, err)
	}
	r.closeLinkedIssue(ctx, pr, fmt.Sprintf("The associated pull request #%d could not be merged and was closed. This will be retried in a later cycle.", pr.Number))
	return r.finish(start, metrics.OutcomeClosed, pr.Number)
}

// fetchPR returns a rate-gated check function observing one PR.
func (r *Runner) fetchPR(number int) func(context.Context) (ghapi.PullRequest, error) {
	return func(ctx context.Context) (ghapi.PullRequest, error) {
		return gate.Execute(ctx, r.g, "get_pr", func(ctx context.Context) (ghapi.PullRequest, error) {
			return r.api.GetPR(ctx, number)
		})
	}
}

// closeLinkedIssue closes the tracking issue referenced by the PR, if any.
// Failures are logged, not fatal: the cycle outcome is already decided.
func (r *Runner) closeLinkedIssue(ctx context.Context, pr ghapi.PullRequest, comment string) {
	n := ghapi.IssueNumberFromPR(pr)
	if n == 0 {
		return
	}
	if _, err := gate.Execute(ctx, r.g, "close_issue", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.api.CloseIssue(ctx, n, comment)
	}); err != nil {
		clog.FromContext(ctx).Warnf("Closing linked issue #%d: %v", n, err)
	}
}
