/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

package ghapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// Limits on the repository tree rendering used for prompt context.
const (
	maxTreeItems = 100
	maxTreeDepth = 2
)

// treeExcludes are path fragments skipped when rendering the tree.
var treeExcludes = []string{".git/", "node_modules/", "__pycache__/", ".pyc", "dist/", "build/"}

// RateLimitStatus is the platform's view of the caller's remaining quota.
type RateLimitStatus struct {
	Remaining int
	Reset     time.Time
}

// RateLimitStatus fetches the core API rate limit state.
func (c *Client) RateLimitStatus(ctx context.Context) (RateLimitStatus, error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return RateLimitStatus{}, fmt.Errorf("fetching rate limit: %w", err)
	}
	core := limits.GetCore()
	return RateLimitStatus{
		Remaining: core.Remaining,
		Reset:     core.Reset.Time,
	}, nil
}

// ValidateAccess verifies the repository exists and is reachable with the
// current credentials, distinguishing the common failure modes with
// actionable messages. Called once at startup; failure is fatal.
func (c *Client) ValidateAccess(ctx context.Context) error {
	log := clog.FromContext(ctx)

	repo, _, err := c.gh.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		var ghe *github.ErrorResponse
		if errors.As(err, &ghe) && ghe.Response != nil {
			switch ghe.Response.StatusCode {
			case 404:
				return fmt.Errorf("repository %s/%s not found or not accessible: "+
					"check that the name is correct, the repository exists, and the token has access to it", c.owner, c.repo)
			case 401:
				return fmt.Errorf("authentication failed for %s/%s: "+
					"check that GITHUB_TOKEN is set, valid, and not expired", c.owner, c.repo)
			case 403:
				return fmt.Errorf("access forbidden to %s/%s: "+
					"check token permissions and API rate limits", c.owner, c.repo)
			}
		}
		return fmt.Errorf("validating repository access: %w", err)
	}

	log.With("repository", repo.GetFullName()).
		With("private", repo.GetPrivate()).
		With("default_branch", repo.GetDefaultBranch()).
		Info("Repository access validated")
	return nil
}

// Tree renders the repository file tree for prompt context, limited in
// depth and item count to keep prompts bounded.
func (c *Client) Tree(ctx context.Context, branch string) (string, error) {
	tree, _, err := c.gh.Git.GetTree(ctx, c.owner, c.repo, branch, true)
	if err != nil {
		return "", fmt.Errorf("fetching tree for %s: %w", branch, err)
	}
	if len(tree.Entries) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Repository structure:\n")
	items := 0
	for _, entry := range tree.Entries {
		if items >= maxTreeItems {
			break
		}
		path := entry.GetPath()
		if excludedPath(path) {
			continue
		}
		depth := strings.Count(path, "/")
		if depth > maxTreeDepth {
			continue
		}
		name := path
		if i := strings.LastIndex(path, "/"); i >= 0 {
			name = path[i+1:]
		}
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(name)
		if entry.GetType() == "tree" {
			b.WriteString("/")
		}
		b.WriteString("\n")
		items++
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func excludedPath(path string) bool {
	for _, exclude := range treeExcludes {
		if strings.Contains(path, exclude) {
			return true
		}
	}
	return false
}

// RecentCommits renders the last n commits on a branch, one per line, in
// "sha message" form for prompt context.
func (c *Client) RecentCommits(ctx context.Context, branch string, n int) (string, error) {
	commits, _, err := c.gh.Repositories.ListCommits(ctx, c.owner, c.repo, &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: n},
	})
	if err != nil {
		return "", fmt.Errorf("listing commits for %s: %w", branch, err)
	}

	lines := make([]string, 0, len(commits))
	for _, commit := range commits {
		sha := commit.GetSHA()
		if len(sha) > 7 {
			sha = sha[:7]
		}
		message, _, _ := strings.Cut(commit.GetCommit().GetMessage(), "\n")
		lines = append(lines, sha+" "+message)
	}
	return strings.Join(lines, "\n"), nil
}
