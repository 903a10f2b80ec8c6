/*
Copyright 2026 Autopilot Authors
SPDX-License-Identifier: Apache-2.0
*/

package cycle_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autopilot-dev/autopilot/clock"
	"github.com/autopilot-dev/autopilot/cycle"
	"github.com/autopilot-dev/autopilot/gate"
	"github.com/autopilot-dev/autopilot/ghapi"
	"github.com/autopilot-dev/autopilot/metrics"
	"github.com/autopilot-dev/autopilot/trigger"
)

// fakeAPI scripts the GitHub surface. Each call pops the next scripted
// response; an exhausted script repeats its last element, which models a PR
// that stays in one state until a timeout fires.
type fakeAPI struct {
	mu sync.Mutex

	lists  [][]ghapi.PullRequest
	listI  int
	gets   []ghapi.PullRequest
	getI   int
	checks []ghapi.CheckStatus
	checkI int

	listErr  error
	mergeErr error

	merged        []int
	mergeMethods  []string
	closed        []int
	closeComments []string
	readied       []int
	issuesClosed  []int
	checkSHAs     []string
}

func (f *fakeAPI) ListOpenAgentPRs(context.Context) ([]ghapi.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.lists) == 0 {
		return nil, nil
	}
	i := min(f.listI, len(f.lists)-1)
	f.listI++
	return f.lists[i], nil
}

func (f *fakeAPI) GetPR(context.Context, int) (ghapi.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.gets) == 0 {
		return ghapi.PullRequest{}, errors.New("no scripted PR")
	}
	i := min(f.getI, len(f.gets)-1)
	f.getI++
	return f.gets[i], nil
}

func (f *fakeAPI) CheckStatus(_ context.Context, sha string) (ghapi.CheckStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkSHAs = append(f.checkSHAs, sha)
	if len(f.checks) == 0 {
		return ghapi.CheckStatus{}, nil
	}
	i := min(f.checkI, len(f.checks)-1)
	f.checkI++
	return f.checks[i], nil
}

func (f *fakeAPI) MergePR(_ context.Context, number int, method, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, number)
	f.mergeMethods = append(f.mergeMethods, method)
	return nil
}

func (f *fakeAPI) ClosePR(_ context.Context, number int, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	f.closeComments = append(f.closeComments, comment)
	return nil
}

func (f *fakeAPI) MarkReadyForReview(_ context.Context, pr ghapi.PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readied = append(f.readied, pr.Number)
	return nil
}

func (f *fakeAPI) CloseIssue(_ context.Context, number int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issuesClosed = append(f.issuesClosed, number)
	return nil
}

// fakeTrigger scripts trigger invocations.
type fakeTrigger struct {
	results []trigger.Result
	errs    []error
	calls   int
}

func (f *fakeTrigger) Create(context.Context, string, string, string) (trigger.Result, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var res trigger.Result
	if i < len(f.results) {
		res = f.results[i]
	}
	return res, err
}

func testCycleConfig() cycle.Config {
	return cycle.Config{
		Repository:             "octo/widgets",
		BaseBranch:             "main",
		AutoMerge:              true,
		MergeMethod:            "squash",
		MaxCycles:              1,
		MaxConsecutiveFailures: 10,
		Cooldown:               0,
		PollInterval:           time.Minute,
		ReadyTimeout:           30 * time.Minute,
		CheckTimeout:           10 * time.Minute,
		CreationPollInterval:   10 * time.Second,
		CreationTimeout:        5 * time.Minute,
	}
}

func newRunner(t *testing.T, cfg cycle.Config, api *fakeAPI, trig *fakeTrigger) (*cycle.Runner, *metrics.Accumulator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake()
	g, err := gate.New(gate.Config{
		MaxRetries:           0,
		BaseBackoff:          time.Second,
		MaxBackoff:           time.Second,
		DefaultRateLimitWait: time.Second,
		MaxRateLimitWait:     time.Second,
	}, func(error) gate.Classification {
		return gate.Classification{Class: gate.ClassPermanent}
	}, clk)
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	acc := metrics.New()
	prompt := func(context.Context) (string, error) { return "improve things", nil }
	return cycle.New(cfg, api, trig, prompt, g, clk, acc), acc, clk
}

func readyPR(n int) ghapi.PullRequest {
	return ghapi.PullRequest{
		Number:             n,
		Title:              "Improve error handling",
		State:              "open",
		BaseRef:            "main",
		HeadRef:            "copilot/improve-errors",
		HeadSHA:            "abc1234",
		Author:             "copilot-swe-agent",
		RequestedReviewers: []string{"octocat"},
	}
}

func allPassed(total int) ghapi.CheckStatus {
	return ghapi.CheckStatus{Total: total, Passed: total}
}

func TestLoop_MergesCleanPR(t *testing.T) {
	t.Parallel()
	clean := readyPR(5)
	clean.MergeableState = "clean"
	clean.Body = "Improves retries.\n\nFixes #12"

	api := &fakeAPI{
		gets:   []ghapi.PullRequest{clean},
		checks: []ghapi.CheckStatus{allPassed(3)},
	}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 5}}}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if len(api.merged) != 1 || api.merged[0] != 5 {
		t.Fatalf("expected PR 5 merged, got %v", api.merged)
	}
	if api.mergeMethods[0] != "squash" {
		t.Fatalf("expected squash merge, got %q", api.mergeMethods[0])
	}
	if len(api.closed) != 0 {
		t.Fatalf("expected no PRs closed, got %v", api.closed)
	}
	if len(api.issuesClosed) != 1 || api.issuesClosed[0] != 12 {
		t.Fatalf("expected linked issue 12 closed, got %v", api.issuesClosed)
	}

	s := acc.Summary()
	if s.Cycles != 1 || s.Merged != 1 {
		t.Fatalf("expected 1 merged cycle, got %+v", s)
	}
	if len(s.PRNumbers) != 1 || s.PRNumbers[0] != 5 {
		t.Fatalf("expected PR 5 recorded, got %v", s.PRNumbers)
	}
}

func TestLoop_ResumesExistingPR(t *testing.T) {
	t.Parallel()
	clean := readyPR(7)
	clean.MergeableState = "clean"

	api := &fakeAPI{
		lists:  [][]ghapi.PullRequest{{clean}},
		gets:   []ghapi.PullRequest{clean},
		checks: []ghapi.CheckStatus{allPassed(2)},
	}
	trig := &fakeTrigger{}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if trig.calls != 0 {
		t.Fatalf("expected no trigger with an existing PR open, got %d calls", trig.calls)
	}
	if len(api.merged) != 1 || api.merged[0] != 7 {
		t.Fatalf("expected PR 7 merged, got %v", api.merged)
	}
	if s := acc.Summary(); s.Merged != 1 {
		t.Fatalf("expected merged cycle, got %+v", s)
	}
}

func TestLoop_WrongBaseClosedNeverMerged(t *testing.T) {
	t.Parallel()
	wrongBase := readyPR(9)
	wrongBase.BaseRef = "develop"

	api := &fakeAPI{gets: []ghapi.PullRequest{wrongBase}}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 9}}}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if len(api.closed) != 1 || api.closed[0] != 9 {
		t.Fatalf("expected PR 9 closed, got %v", api.closed)
	}
	if !strings.Contains(api.closeComments[0], "develop") || !strings.Contains(api.closeComments[0], "main") {
		t.Fatalf("close comment must name both branches, got %q", api.closeComments[0])
	}
	if len(api.merged) != 0 {
		t.Fatalf("wrong-base PR must never merge, got %v", api.merged)
	}
	if len(api.checkSHAs) != 0 {
		t.Fatalf("checks must not be consulted for a wrong-base PR, got %v", api.checkSHAs)
	}

	s := acc.Summary()
	if s.Failed != 1 {
		t.Fatalf("expected failed outcome, got %+v", s)
	}
	if runner.ConsecutiveFailures() != 1 {
		t.Fatalf("expected failure counter 1, got %d", runner.ConsecutiveFailures())
	}
}

func TestLoop_FailingChecksClosesPR(t *testing.T) {
	t.Parallel()
	unstable := readyPR(11)
	unstable.MergeableState = "unstable"

	api := &fakeAPI{
		gets: []ghapi.PullRequest{unstable},
		checks: []ghapi.CheckStatus{{
			Total: 3, Passed: 2, Failed: 1, Failing: []string{"unit-tests"},
		}},
	}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 11}}}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if len(api.merged) != 0 {
		t.Fatalf("expected no merge, got %v", api.merged)
	}
	if len(api.closed) != 1 || api.closed[0] != 11 {
		t.Fatalf("expected PR 11 closed, got %v", api.closed)
	}
	if s := acc.Summary(); s.Closed != 1 {
		t.Fatalf("expected closed outcome, got %+v", s)
	}
	// Closed-not-merged does not count toward consecutive failures.
	if runner.ConsecutiveFailures() != 0 {
		t.Fatalf("expected failure counter unchanged, got %d", runner.ConsecutiveFailures())
	}
}

func TestLoop_ReadyTimeout(t *testing.T) {
	t.Parallel()
	wip := readyPR(13)
	wip.Title = "[WIP] Improve error handling"
	wip.RequestedReviewers = nil

	api := &fakeAPI{gets: []ghapi.PullRequest{wip}}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 13}}}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if len(api.merged)+len(api.closed) != 0 {
		t.Fatalf("timed-out PR must be left open, merged=%v closed=%v", api.merged, api.closed)
	}
	s := acc.Summary()
	if s.TimedOut != 1 {
		t.Fatalf("expected timed_out outcome, got %+v", s)
	}
	if runner.ConsecutiveFailures() != 1 {
		t.Fatalf("timeouts count toward the failure ceiling, got %d", runner.ConsecutiveFailures())
	}
}

func TestLoop_AutoMergeDisabledLeavesPROpenUnrecorded(t *testing.T) {
	t.Parallel()
	cfg := testCycleConfig()
	cfg.AutoMerge = false

	api := &fakeAPI{gets: []ghapi.PullRequest{readyPR(15)}}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 15}}}

	runner, acc, _ := newRunner(t, cfg, api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if len(api.merged)+len(api.closed) != 0 {
		t.Fatalf("manual-review PR must be left open, merged=%v closed=%v", api.merged, api.closed)
	}
	if s := acc.Summary(); s.Cycles != 0 {
		t.Fatalf("manual-review cycle must not be recorded, got %+v", s)
	}
}

func TestLoop_QueuedTriggerWaitsForCreation(t *testing.T) {
	t.Parallel()
	clean := readyPR(17)
	clean.MergeableState = "clean"

	api := &fakeAPI{
		// First list is the pre-check (no PRs), second list is empty
		// (assistant still working), third delivers the new PR.
		lists:  [][]ghapi.PullRequest{nil, nil, {clean}},
		gets:   []ghapi.PullRequest{clean},
		checks: []ghapi.CheckStatus{allPassed(1)},
	}
	trig := &fakeTrigger{results: []trigger.Result{{Queued: true}}}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if trig.calls != 1 {
		t.Fatalf("expected one trigger call, got %d", trig.calls)
	}
	if len(api.merged) != 1 || api.merged[0] != 17 {
		t.Fatalf("expected PR 17 merged, got %v", api.merged)
	}
	if s := acc.Summary(); s.Merged != 1 {
		t.Fatalf("expected merged cycle, got %+v", s)
	}
}

func TestLoop_CreationTimeout(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	trig := &fakeTrigger{results: []trigger.Result{{Queued: true}}}

	runner, acc, clk := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	s := acc.Summary()
	if s.TimedOut != 1 {
		t.Fatalf("expected timed_out cycle, got %+v", s)
	}
	if len(clk.Sleeps()) == 0 {
		t.Fatal("expected creation polling to wait between attempts")
	}
}

func TestLoop_ConsecutiveFailureCeilingHalts(t *testing.T) {
	t.Parallel()
	cfg := testCycleConfig()
	cfg.MaxCycles = 0 // unlimited; the ceiling must stop the loop
	cfg.MaxConsecutiveFailures = 3

	api := &fakeAPI{}
	boom := errors.New("gh CLI exploded")
	trig := &fakeTrigger{errs: []error{boom, boom, boom, boom, boom}}

	runner, acc, _ := newRunner(t, cfg, api, trig)
	err := runner.Loop(context.Background())
	if !errors.Is(err, cycle.ErrConsecutiveFailures) {
		t.Fatalf("expected ErrConsecutiveFailures, got %v", err)
	}
	if trig.calls != 3 {
		t.Fatalf("expected exactly 3 cycles before halting, got %d", trig.calls)
	}
	if s := acc.Summary(); s.Failed != 3 {
		t.Fatalf("expected 3 failed cycles, got %+v", s)
	}
}

func TestLoop_RepeatedCreationTimeoutsHitCeiling(t *testing.T) {
	t.Parallel()
	cfg := testCycleConfig()
	cfg.MaxCycles = 0
	cfg.MaxConsecutiveFailures = 3

	// The assistant accepts every task but never opens a PR.
	api := &fakeAPI{}
	trig := &fakeTrigger{results: []trigger.Result{{Queued: true}, {Queued: true}, {Queued: true}}}

	runner, acc, _ := newRunner(t, cfg, api, trig)
	err := runner.Loop(context.Background())
	if !errors.Is(err, cycle.ErrConsecutiveFailures) {
		t.Fatalf("expected ErrConsecutiveFailures, got %v", err)
	}
	if trig.calls != 3 {
		t.Fatalf("expected 3 cycles before halting, got %d", trig.calls)
	}
	if s := acc.Summary(); s.TimedOut != 3 {
		t.Fatalf("expected 3 timed-out cycles, got %+v", s)
	}
}

func TestLoop_MergeResetsFailureCounter(t *testing.T) {
	t.Parallel()
	cfg := testCycleConfig()
	cfg.MaxCycles = 0
	cfg.MaxConsecutiveFailures = 2

	clean := readyPR(19)
	clean.MergeableState = "clean"

	boom := errors.New("transient trigger failure")
	api := &fakeAPI{
		// Cycle 1: no PRs, trigger fails. Cycle 2: existing PR resumed
		// and merged. Cycles 3 and 4: no PRs, trigger fails again.
		lists:  [][]ghapi.PullRequest{nil, {clean}, nil, nil},
		gets:   []ghapi.PullRequest{clean},
		checks: []ghapi.CheckStatus{allPassed(1)},
	}
	// The trigger only fires in cycles 1, 3, and 4; cycle 2 resumes the
	// existing PR without triggering.
	trig := &fakeTrigger{errs: []error{boom, boom, boom}}

	runner, acc, _ := newRunner(t, cfg, api, trig)
	err := runner.Loop(context.Background())
	if !errors.Is(err, cycle.ErrConsecutiveFailures) {
		t.Fatalf("expected ErrConsecutiveFailures, got %v", err)
	}

	s := acc.Summary()
	if s.Cycles != 4 || s.Merged != 1 || s.Failed != 3 {
		t.Fatalf("expected 4 cycles (1 merged, 3 failed), got %+v", s)
	}
}

func TestLoop_MaxCyclesStopsCleanly(t *testing.T) {
	t.Parallel()
	cfg := testCycleConfig()
	cfg.MaxCycles = 2
	cfg.Cooldown = 10 * time.Second

	clean := readyPR(21)
	clean.MergeableState = "clean"
	api := &fakeAPI{
		lists:  [][]ghapi.PullRequest{{clean}},
		gets:   []ghapi.PullRequest{clean},
		checks: []ghapi.CheckStatus{allPassed(1)},
	}

	runner, acc, clk := newRunner(t, cfg, api, &fakeTrigger{})
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if s := acc.Summary(); s.Cycles != 2 {
		t.Fatalf("expected exactly 2 cycles, got %+v", s)
	}
	// Cooldown runs between cycles.
	found := false
	for _, d := range clk.Sleeps() {
		if d == 10*time.Second {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a 10s cooldown wait, got %v", clk.Sleeps())
	}
}

func TestLoop_CancelledContextStopsWithoutError(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner, acc, _ := newRunner(t, testCycleConfig(), &fakeAPI{}, &fakeTrigger{})
	if err := runner.Loop(ctx); err != nil {
		t.Fatalf("cancelled loop must stop cleanly, got %v", err)
	}
	if s := acc.Summary(); s.Cycles != 0 {
		t.Fatalf("expected no cycles after pre-cancelled context, got %+v", s)
	}
}

func TestLoop_DraftPRMarkedReady(t *testing.T) {
	t.Parallel()
	draft := readyPR(23)
	draft.Draft = true
	draft.MergeableState = "clean"

	api := &fakeAPI{
		gets:   []ghapi.PullRequest{draft},
		checks: []ghapi.CheckStatus{allPassed(1)},
	}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 23}}}

	runner, _, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if len(api.readied) != 1 || api.readied[0] != 23 {
		t.Fatalf("expected draft PR 23 marked ready, got %v", api.readied)
	}
	if len(api.merged) != 1 {
		t.Fatalf("expected merge after marking ready, got %v", api.merged)
	}
}

func TestLoop_MergeFailureIsFailedOutcome(t *testing.T) {
	t.Parallel()
	clean := readyPR(25)
	clean.MergeableState = "clean"

	api := &fakeAPI{
		gets:     []ghapi.PullRequest{clean},
		checks:   []ghapi.CheckStatus{allPassed(1)},
		mergeErr: errors.New("405 merge blocked"),
	}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 25}}}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	s := acc.Summary()
	if s.Failed != 1 || s.Merged != 0 {
		t.Fatalf("expected failed outcome on merge error, got %+v", s)
	}
	if runner.ConsecutiveFailures() != 1 {
		t.Fatalf("expected failure counter 1, got %d", runner.ConsecutiveFailures())
	}
}

func TestLoop_PRClosedWhileWaitingIsFailed(t *testing.T) {
	t.Parallel()
	gone := readyPR(27)
	gone.State = "closed"

	api := &fakeAPI{gets: []ghapi.PullRequest{gone}}
	trig := &fakeTrigger{results: []trigger.Result{{PRNumber: 27}}}

	runner, acc, _ := newRunner(t, testCycleConfig(), api, trig)
	if err := runner.Loop(context.Background()); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	if len(api.merged)+len(api.closed) != 0 {
		t.Fatalf("no action expected on an externally closed PR, merged=%v closed=%v", api.merged, api.closed)
	}
	if s := acc.Summary(); s.Failed != 1 {
		t.Fatalf("expected failed outcome, got %+v", s)
	}
}
