/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

package ghapi

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

var (
	// branchIssueRe matches assistant branch names like copilot/issue-123-fix.
	branchIssueRe = regexp.MustCompile(`issue[_-](\d+)`)
	// bodyIssueRe matches closing keywords like "Fixes #123" in PR bodies.
	bodyIssueRe = regexp.MustCompile(`(?:fixes|closes|resolves)?\s*#(\d+)`)
)

// IssueNumberFromPR extracts the issue number a PR is associated with, from
// the head branch name or a closing keyword in the body. Returns 0 when no
// reference is found.
func IssueNumberFromPR(pr PullRequest) int {
	if m := branchIssueRe.FindStringSubmatch(strings.ToLower(pr.HeadRef)); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := bodyIssueRe.FindStringSubmatch(strings.ToLower(pr.Body)); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// CloseIssue closes an issue, optionally posting a comment first.
func (c *Client) CloseIssue(ctx context.Context, number int, comment string) error {
	log := clog.FromContext(ctx)

	if comment != "" {
		if _, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{
			Body: github.Ptr(comment),
		}); err != nil {
			return fmt.Errorf("posting comment on issue #%d: %w", number, err)
		}
	}

	if _, _, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, number, &github.IssueRequest{
		State: github.Ptr("closed"),
	}); err != nil {
		return fmt.Errorf("closing issue #%d: %w", number, err)
	}

	log.Infof("Closed issue #%d", number)
	return nil
}
