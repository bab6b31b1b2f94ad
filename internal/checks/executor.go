// Package checks implements the check executor set and the
// check-execution engine (spec.md §4.4): dependency-leveled, per-level
// parallel execution of a CheckConfiguration against one pull request.
package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/gateway"
)

// Executor runs a single Check for a PullRequest and reports its status.
type Executor interface {
	Execute(ctx context.Context, pr *domain.PullRequest, check domain.Check) (status domain.CheckResultStatus, output string, err error)
}

// ExecutorFactory resolves the Executor for a Check's kind.
type ExecutorFactory struct {
	gw Gateway
}

// Gateway is the subset of gateway.Gateway the executor set needs.
type Gateway interface {
	CompareCommits(ctx context.Context, owner, repo, base, head string) (*gateway.CompareResult, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*gateway.PullRequest, error)
	TriggerWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) (int64, error)
	GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*gateway.WorkflowRun, error)
}

// NewExecutorFactory builds a factory whose executors make their calls
// through gw, against the owner/repo passed to For.
func NewExecutorFactory(gw Gateway) *ExecutorFactory {
	return &ExecutorFactory{gw: gw}
}

// For resolves the executor for a check kind. Unknown kinds fall back
// to a permissive pass-by-default executor per spec.md §4.4.
func (f *ExecutorFactory) For(kind domain.CheckKind, owner, repo string) Executor {
	switch kind {
	case domain.CheckKindWorkflow:
		return &workflowExecutor{gw: f.gw, owner: owner, repo: repo}
	case domain.CheckKindStatusAggregate:
		return &statusAggregateExecutor{gw: f.gw, owner: owner, repo: repo}
	case domain.CheckKindMergeabilityProbe:
		return &mergeabilityProbeExecutor{gw: f.gw, owner: owner, repo: repo}
	default:
		return &unknownKindExecutor{}
	}
}

// workflowExecutor dispatches a named workflow at the PR's head SHA
// and polls the resulting run at a bounded cadence.
type workflowExecutor struct {
	gw          Gateway
	owner, repo string
	pollEvery   time.Duration // zero means the 10s default
	maxPolls    int           // zero means the 60-poll default
}

func (e *workflowExecutor) Execute(ctx context.Context, pr *domain.PullRequest, check domain.Check) (domain.CheckResultStatus, string, error) {
	workflow := check.Params["workflow"]
	if workflow == "" {
		return domain.CheckFailed, "workflow check missing required \"workflow\" parameter", nil
	}

	runID, err := e.gw.TriggerWorkflow(ctx, e.owner, e.repo, workflow, pr.HeadSHA, nil)
	if err != nil {
		return "", "", fmt.Errorf("checks: trigger workflow %s: %w", workflow, err)
	}

	pollEvery := e.pollEvery
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}
	maxPolls := e.maxPolls
	if maxPolls <= 0 {
		maxPolls = 60
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for poll := 0; poll < maxPolls; poll++ {
		run, err := e.gw.GetWorkflowRun(ctx, e.owner, e.repo, runID)
		if err != nil {
			return "", "", fmt.Errorf("checks: poll workflow run: %w", err)
		}
		if run.Status == "completed" {
			if run.Conclusion == "success" {
				return domain.CheckPassed, fmt.Sprintf("workflow %q run %d succeeded", workflow, runID), nil
			}
			return domain.CheckFailed, fmt.Sprintf("workflow %q run %d concluded %q", workflow, runID, run.Conclusion), nil
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-ticker.C:
		}
	}
	return domain.CheckFailed, fmt.Sprintf("workflow %q did not complete within %d polls", workflow, maxPolls), nil
}

// statusAggregateExecutor passes iff the PR's reported mergeable state
// is one of the hosting service's non-blocking states.
type statusAggregateExecutor struct {
	gw          Gateway
	owner, repo string
}

func (e *statusAggregateExecutor) Execute(ctx context.Context, pr *domain.PullRequest, check domain.Check) (domain.CheckResultStatus, string, error) {
	fresh, err := e.gw.GetPullRequest(ctx, e.owner, e.repo, pr.Number)
	if err != nil {
		return "", "", fmt.Errorf("checks: status aggregate: %w", err)
	}
	switch fresh.MergeableState {
	case "clean", "unstable", "has_hooks":
		return domain.CheckPassed, fmt.Sprintf("mergeable_state=%s", fresh.MergeableState), nil
	default:
		return domain.CheckFailed, fmt.Sprintf("mergeable_state=%s", fresh.MergeableState), nil
	}
}

// mergeabilityProbeExecutor passes iff the PR is directly mergeable.
type mergeabilityProbeExecutor struct {
	gw          Gateway
	owner, repo string
}

func (e *mergeabilityProbeExecutor) Execute(ctx context.Context, pr *domain.PullRequest, check domain.Check) (domain.CheckResultStatus, string, error) {
	fresh, err := e.gw.GetPullRequest(ctx, e.owner, e.repo, pr.Number)
	if err != nil {
		return "", "", fmt.Errorf("checks: mergeability probe: %w", err)
	}
	if fresh.Mergeable && fresh.MergeableState != "dirty" && fresh.MergeableState != "blocked" {
		return domain.CheckPassed, fmt.Sprintf("mergeable=true mergeable_state=%s", fresh.MergeableState), nil
	}
	return domain.CheckFailed, fmt.Sprintf("mergeable=%v mergeable_state=%s", fresh.Mergeable, fresh.MergeableState), nil
}

// unknownKindExecutor passes by default: configuration is permissive
// toward check kinds the engine doesn't recognize (spec.md §4.4).
type unknownKindExecutor struct{}

func (unknownKindExecutor) Execute(ctx context.Context, pr *domain.PullRequest, check domain.Check) (domain.CheckResultStatus, string, error) {
	return domain.CheckPassed, "unknown check kind passes by default", nil
}
