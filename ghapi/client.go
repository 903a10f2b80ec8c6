/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package ghapi is the GitHub client surface for the automation loop. It
// wraps the REST API (go-github) and the GraphQL API (githubv4) behind the
// small contract the cycle state machine needs: listing assistant PRs,
// snapshotting PR state, aggregating check runs, and merging or closing.
package ghapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/autopilot-dev/autopilot/config"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// agentLogin is the login of the coding-assistant bot whose PRs we manage.
const agentLogin = "copilot-swe-agent"

// agentBranchPrefix marks head branches created by the coding assistant.
const agentBranchPrefix = "copilot/"

// PullRequest is an immutable snapshot of the PR fields the loop inspects.
type PullRequest struct {
	Number             int
	Title              string
	State              string
	Draft              bool
	NodeID             string
	BaseRef            string
	HeadRef            string
	HeadSHA            string
	Body               string
	Author             string
	Mergeable          *bool // nil while GitHub is still computing
	MergeableState     string
	RequestedReviewers []string
	CreatedAt          time.Time
	HTMLURL            string
}

// IsOpen reports whether the PR is still open.
func (pr PullRequest) IsOpen() bool {
	return pr.State == "open"
}

// HasWIPMarker reports whether the title carries a work-in-progress marker.
func (pr PullRequest) HasWIPMarker() bool {
	return strings.Contains(strings.ToLower(pr.Title), "[wip]")
}

// IsAgentPR reports whether this PR was created by the coding assistant.
func (pr PullRequest) IsAgentPR() bool {
	return pr.Author == agentLogin || strings.HasPrefix(pr.HeadRef, agentBranchPrefix)
}

func fromGitHub(pr *github.PullRequest) PullRequest {
	out := PullRequest{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		State:          pr.GetState(),
		Draft:          pr.GetDraft(),
		NodeID:         pr.GetNodeID(),
		BaseRef:        pr.GetBase().GetRef(),
		HeadRef:        pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		Body:           pr.GetBody(),
		Author:         pr.GetUser().GetLogin(),
		Mergeable:      pr.Mergeable,
		MergeableState: pr.GetMergeableState(),
		CreatedAt:      pr.GetCreatedAt().Time,
		HTMLURL:        pr.GetHTMLURL(),
	}
	for _, u := range pr.RequestedReviewers {
		out.RequestedReviewers = append(out.RequestedReviewers, u.GetLogin())
	}
	return out
}

// Client talks to one repository on GitHub.
type Client struct {
	gh    *github.Client
	gql   *githubv4.Client
	owner string
	repo  string
}

// New creates a Client authenticated with a static token, following the
// oauth2.TokenSource seam the rest of the codebase expects.
func New(ctx context.Context, token, repository string) (*Client, error) {
	owner, repo, err := config.SplitOwnerRepo(repository)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(ctx, ts)
	return NewFromHTTP(hc, owner, repo), nil
}

// NewFromHTTP creates a Client from an existing HTTP client. Used by tests
// to point at a test server.
func NewFromHTTP(hc *http.Client, owner, repo string) *Client {
	return &Client{
		gh:    github.NewClient(hc),
		gql:   githubv4.NewClient(hc),
		owner: owner,
		repo:  repo,
	}
}

// Owner returns the repository owner.
func (c *Client) Owner() string { return c.owner }

// Repo returns the repository name.
func (c *Client) Repo() string { return c.repo }

// GetPR fetches a snapshot of a pull request.
func (c *Client) GetPR(ctx context.Context, number int) (PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return PullRequest{}, fmt.Errorf("fetching PR #%d: %w", number, err)
	}
	return fromGitHub(pr), nil
}

// ListOpenAgentPRs returns open PRs created by the coding assistant, most
// recent first.
func (c *Client) ListOpenAgentPRs(ctx context.Context) ([]PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("listing open PRs: %w", err)
	}

	var out []PullRequest
	for _, pr := range prs {
		if snap := fromGitHub(pr); snap.IsAgentPR() {
			out = append(out, snap)
		}
	}
	return out, nil
}

// MergePR merges a pull request with the given strategy.
func (c *Client) MergePR(ctx context.Context, number int, method, commitTitle string) error {
	_, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "", &github.PullRequestOptions{
		CommitTitle: commitTitle,
		MergeMethod: method,
	})
	if err != nil {
		return fmt.Errorf("merging PR #%d: %w", number, err)
	}
	return nil
}

// ClosePR closes a pull request without merging. If comment is non-empty it
// is posted before closing so the reason is visible on the PR.
func (c *Client) ClosePR(ctx context.Context, number int, comment string) error {
	log := clog.FromContext(ctx)
	log.Infof("Closing PR #%d", number)

	if comment != "" {
		if _, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{
			Body: github.Ptr(comment),
		}); err != nil {
			return fmt.Errorf("posting comment: %w", err)
		}
	}

	if _, _, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, number, &github.PullRequest{
		State: github.Ptr("closed"),
	}); err != nil {
		return fmt.Errorf("closing pull request: %w", err)
	}
	return nil
}

// MarkReadyForReview flips a draft PR to ready using the GraphQL mutation;
// the REST API has no equivalent. No-op if the PR is not a draft.
func (c *Client) MarkReadyForReview(ctx context.Context, pr PullRequest) error {
	if !pr.Draft {
		return nil
	}
	if pr.NodeID == "" {
		return fmt.Errorf("PR #%d has no node ID", pr.Number)
	}

	var m struct {
		MarkPullRequestReadyForReview struct {
			PullRequest struct {
				IsDraft githubv4.Boolean
			}
		} `graphql:"markPullRequestReadyForReview(input: $input)"`
	}
	input := githubv4.MarkPullRequestReadyForReviewInput{
		PullRequestID: githubv4.ID(pr.NodeID),
	}
	if err := c.gql.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("marking PR #%d ready for review: %w", pr.Number, err)
	}

	clog.FromContext(ctx).Infof("Marked PR #%d ready for review", pr.Number)
	return nil
}
