package checks

import (
	"context"
	"testing"
	"time"

	"github.com/octoqueue/imq/internal/cache"
	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/gateway"
)

// fakeGateway implements the checks.Gateway subset with per-method
// canned responses, the same for every PR number.
type fakeGateway struct {
	mergeable      bool
	mergeableState string
	compareStatus  gateway.CompareStatus

	runStatus     string
	runConclusion string
	triggerErr    error
}

func (g *fakeGateway) CompareCommits(ctx context.Context, owner, repo, base, head string) (*gateway.CompareResult, error) {
	return &gateway.CompareResult{Status: g.compareStatus}, nil
}

func (g *fakeGateway) GetPullRequest(ctx context.Context, owner, repo string, number int) (*gateway.PullRequest, error) {
	return &gateway.PullRequest{Number: number, Mergeable: g.mergeable, MergeableState: g.mergeableState}, nil
}

func (g *fakeGateway) TriggerWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) (int64, error) {
	if g.triggerErr != nil {
		return 0, g.triggerErr
	}
	return 1, nil
}

func (g *fakeGateway) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*gateway.WorkflowRun, error) {
	return &gateway.WorkflowRun{ID: runID, Status: g.runStatus, Conclusion: g.runConclusion}, nil
}

func testPR() *domain.PullRequest {
	return &domain.PullRequest{Number: 42, HeadSHA: "deadbeef"}
}

func TestLevelsGroupsByDependencyDepth(t *testing.T) {
	cfg := domain.CheckConfiguration{Checks: []domain.Check{
		{ID: "a", Name: "a"},
		{ID: "b", Name: "b", Dependencies: []string{"a"}},
		{ID: "c", Name: "c", Dependencies: []string{"b"}},
		{ID: "d", Name: "d"},
	}}
	levelsOut, err := levels(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(levelsOut) != 3 {
		t.Fatalf("expected 3 levels, got %d: %+v", len(levelsOut), levelsOut)
	}
	if len(levelsOut[0]) != 2 { // a and d have no deps
		t.Fatalf("expected 2 checks at level 0, got %d", len(levelsOut[0]))
	}
	if len(levelsOut[1]) != 1 || levelsOut[1][0].ID != "b" {
		t.Fatalf("expected b alone at level 1, got %+v", levelsOut[1])
	}
	if len(levelsOut[2]) != 1 || levelsOut[2][0].ID != "c" {
		t.Fatalf("expected c alone at level 2, got %+v", levelsOut[2])
	}
}

func TestLevelsDetectsCycle(t *testing.T) {
	cfg := domain.CheckConfiguration{Checks: []domain.Check{
		{ID: "a", Name: "a", Dependencies: []string{"b"}},
		{ID: "b", Name: "b", Dependencies: []string{"a"}},
	}}
	if _, err := levels(cfg); err == nil {
		t.Fatal("expected a cyclic configuration to be rejected")
	}
}

func TestLevelsDetectsUnknownDependency(t *testing.T) {
	cfg := domain.CheckConfiguration{Checks: []domain.Check{
		{ID: "a", Name: "a", Dependencies: []string{"ghost"}},
	}}
	if _, err := levels(cfg); err == nil {
		t.Fatal("expected a dangling dependency to be rejected")
	}
}

func TestRunAllChecksPass(t *testing.T) {
	gw := &fakeGateway{mergeable: true, mergeableState: "clean"}
	factory := NewExecutorFactory(gw)
	engine := NewEngine(factory, nil, "octo", "queue")

	cfg := domain.CheckConfiguration{
		Checks: []domain.Check{
			{ID: "a", Name: "mergeability", Kind: domain.CheckKindMergeabilityProbe},
			{ID: "b", Name: "status", Kind: domain.CheckKindStatusAggregate},
		},
	}
	result, err := engine.Run(context.Background(), testPR(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AllPassed {
		t.Fatalf("expected all checks to pass, got %+v", result)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results in input order, got %d", len(result.Results))
	}
}

// TestRunSkipsDependentsOfAFailedCheck mirrors spec.md §8 scenario 5: A
// fails, B (which depends on A) is never executed and reports skipped,
// without fail-fast in play.
func TestRunSkipsDependentsOfAFailedCheck(t *testing.T) {
	gw := &fakeGateway{mergeable: false, mergeableState: "dirty"}
	factory := NewExecutorFactory(gw)
	engine := NewEngine(factory, nil, "octo", "queue")

	cfg := domain.CheckConfiguration{
		FailFast: false,
		Checks: []domain.Check{
			{ID: "a", Name: "a", Kind: domain.CheckKindMergeabilityProbe},
			{ID: "b", Name: "b", Kind: domain.CheckKindMergeabilityProbe, Dependencies: []string{"a"}},
		},
	}
	result, err := engine.Run(context.Background(), testPR(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AllPassed {
		t.Fatal("expected AllPassed to be false")
	}

	byID := map[string]domain.CheckResultStatus{}
	for _, r := range result.Results {
		byID[r.Check.ID] = r.Status
	}
	if byID["a"] != domain.CheckFailed {
		t.Fatalf("expected a to fail, got %s", byID["a"])
	}
	if byID["b"] != domain.CheckSkipped {
		t.Fatalf("expected b to be skipped (dependency failed), got %s", byID["b"])
	}
}

// TestRunFailFastStillSkipsDependentsOfTheFailedCheck mirrors spec.md §8
// scenario 5 exactly (A fails, B depends on A, FailFast=true): spec.md
// §4.4's dependency-skip rule ("If any dependency is in failedChecks, the
// check is skipped") is not conditioned on fail-fast, so B must still be
// skipped rather than cancelled.
func TestRunFailFastStillSkipsDependentsOfTheFailedCheck(t *testing.T) {
	gw := &fakeGateway{mergeable: false, mergeableState: "dirty"}
	factory := NewExecutorFactory(gw)
	engine := NewEngine(factory, nil, "octo", "queue")

	cfg := domain.CheckConfiguration{
		FailFast: true,
		Checks: []domain.Check{
			{ID: "a", Name: "a", Kind: domain.CheckKindMergeabilityProbe},
			{ID: "b", Name: "b", Kind: domain.CheckKindMergeabilityProbe, Dependencies: []string{"a"}},
		},
	}
	result, err := engine.Run(context.Background(), testPR(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byID := map[string]domain.CheckResultStatus{}
	for _, r := range result.Results {
		byID[r.Check.ID] = r.Status
	}
	if byID["a"] != domain.CheckFailed {
		t.Fatalf("expected a to fail, got %s", byID["a"])
	}
	if byID["b"] != domain.CheckSkipped {
		t.Fatalf("expected b to be skipped (dependency failed), got %s", byID["b"])
	}
}

// TestRunFailFastCancelsUnrelatedLaterLevelChecks ensures a check that
// does NOT depend on the failed check, but sits at a later dependency
// level, is reported cancelled rather than skipped once fail-fast trips.
// d runs concurrently with the failing check a at level 0, so d's own
// outcome is racy (it may finish as passed or be caught by the
// cancellation), but — configured so it can never itself fail — it can
// never land in the engine's failed set; c, which depends only on d,
// therefore must be cancelled rather than skipped once level 1 is
// reached with fail-fast already tripped.
func TestRunFailFastCancelsUnrelatedLaterLevelChecks(t *testing.T) {
	// mergeable=false fails the mergeability probe (a) regardless of
	// state; mergeableState="unstable" is in the status-aggregate's
	// passing set, so d can never evaluate to failed.
	gw := &fakeGateway{mergeable: false, mergeableState: "unstable"}
	factory := NewExecutorFactory(gw)
	engine := NewEngine(factory, nil, "octo", "queue")

	cfg := domain.CheckConfiguration{
		FailFast: true,
		Checks: []domain.Check{
			{ID: "a", Name: "a", Kind: domain.CheckKindMergeabilityProbe},
			{ID: "d", Name: "d", Kind: domain.CheckKindStatusAggregate},
			{ID: "c", Name: "c", Kind: domain.CheckKindMergeabilityProbe, Dependencies: []string{"d"}},
		},
	}
	result, err := engine.Run(context.Background(), testPR(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byID := map[string]domain.CheckResultStatus{}
	for _, r := range result.Results {
		byID[r.Check.ID] = r.Status
	}
	if byID["a"] != domain.CheckFailed {
		t.Fatalf("expected a to fail, got %s", byID["a"])
	}
	if byID["d"] == domain.CheckFailed {
		t.Fatalf("expected d to never itself fail, got %s", byID["d"])
	}
	if byID["c"] != domain.CheckCancelled {
		t.Fatalf("expected c to be cancelled (its dependency d did not fail, fail-fast just preempted it), got %s", byID["c"])
	}
}

func TestRunUnknownCheckKindPassesByDefault(t *testing.T) {
	gw := &fakeGateway{}
	factory := NewExecutorFactory(gw)
	engine := NewEngine(factory, nil, "octo", "queue")

	cfg := domain.CheckConfiguration{Checks: []domain.Check{
		{ID: "a", Name: "mystery", Kind: domain.CheckKind("made_up")},
	}}
	result, err := engine.Run(context.Background(), testPR(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AllPassed {
		t.Fatalf("expected an unrecognized check kind to pass by default, got %+v", result)
	}
}

func TestRunCachesResultsBySHAAndCheckName(t *testing.T) {
	gw := &fakeGateway{mergeable: true, mergeableState: "clean"}
	factory := NewExecutorFactory(gw)
	resultCache := cache.New(100, time.Hour, nil)
	engine := NewEngine(factory, resultCache, "octo", "queue")

	cfg := domain.CheckConfiguration{Checks: []domain.Check{
		{ID: "a", Name: "mergeability", Kind: domain.CheckKindMergeabilityProbe},
	}}
	pr := testPR()

	if _, err := engine.Run(context.Background(), pr, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Flip the gateway to fail; a cache hit should still report the
	// original passing result instead of re-executing.
	gw.mergeable = false
	gw.mergeableState = "dirty"

	result, err := engine.Run(context.Background(), pr, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AllPassed {
		t.Fatal("expected the cached passing result to be served instead of re-running the check")
	}
}
