package processor

import (
	"context"
	"testing"
	"time"

	"github.com/octoqueue/imq/internal/checks"
	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/eventbus"
	"github.com/octoqueue/imq/internal/gateway"
	"github.com/octoqueue/imq/internal/pipeline"
	"github.com/octoqueue/imq/internal/scheduler"
	"github.com/octoqueue/imq/internal/semaphore"
	"github.com/octoqueue/imq/internal/store/memstore"
)

type noopGateway struct{}

func (noopGateway) GetPullRequest(ctx context.Context, owner, repo string, number int) (*gateway.PullRequest, error) {
	return &gateway.PullRequest{Number: number, Mergeable: true, MergeableState: "clean"}, nil
}
func (noopGateway) UpdatePullRequestBranch(ctx context.Context, owner, repo string, number int) (string, error) {
	return "sha", nil
}
func (noopGateway) CompareCommits(ctx context.Context, owner, repo, base, head string) (*gateway.CompareResult, error) {
	return &gateway.CompareResult{Status: gateway.CompareIdentical}, nil
}
func (noopGateway) MergePullRequest(ctx context.Context, owner, repo string, number int, commitMessage string) error {
	return nil
}
func (noopGateway) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	return nil
}
func (noopGateway) TriggerWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) (int64, error) {
	return 1, nil
}
func (noopGateway) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*gateway.WorkflowRun, error) {
	return &gateway.WorkflowRun{ID: runID, Status: "completed", Conclusion: "success"}, nil
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	repo := memstore.New()
	if err := repo.SaveConfiguration(context.Background(), &domain.SystemConfiguration{}); err != nil {
		t.Fatalf("seed configuration: %v", err)
	}
	gw := noopGateway{}
	factory := checks.NewExecutorFactory(gw)
	engine := checks.NewEngine(factory, nil, "octo", "queue")
	bus := eventbus.New()
	pipe := pipeline.New(repo, gw, bus, engine, "octo", "queue")
	sched := scheduler.New()
	sem := semaphore.New(2)
	return New(repo, sched, pipe, sem, bus)
}

func TestStartTwiceReturnsErrAlreadyRunning(t *testing.T) {
	p := newTestProcessor(t)
	p.SetPollInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("unexpected error on first Start: %v", err)
	}
	if err := p.Start(ctx); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	_ = p.Stop()
}

func TestStopWithoutStartReturnsErrNotRunning(t *testing.T) {
	p := newTestProcessor(t)
	if err := p.Stop(); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStopDrainsAndIsIdempotent(t *testing.T) {
	p := newTestProcessor(t)
	p.SetPollInterval(10 * time.Millisecond)
	p.SetShutdownTimeout(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	if err := p.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // let at least one empty tick run
	cancel()

	if err := p.Stop(); err != nil {
		t.Fatalf("unexpected error from Stop: %v", err)
	}
	// A second Stop call must not panic, block, or double-close p.done;
	// it reports ErrNotRunning since the loop is already stopped.
	if err := p.Stop(); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning from a second Stop, got %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done() to be closed after Stop")
	}
}

func TestSetPollIntervalIgnoresNonPositive(t *testing.T) {
	p := newTestProcessor(t)
	original := p.pollInterval
	p.SetPollInterval(0)
	if p.pollInterval != original {
		t.Fatalf("expected a zero poll interval override to be ignored")
	}
	p.SetPollInterval(-time.Second)
	if p.pollInterval != original {
		t.Fatalf("expected a negative poll interval override to be ignored")
	}
}
