// Package pipeline drives one queue entry through the stage chain spec.md
// §4.3 describes: Start, conflict detection, branch update, check
// execution, and merge. It is adapted from the teacher's reconciler
// (control_plane/reconciler.go): a per-node exclusivity map keyed here by
// queue instead of node, a deadline-bounded top-level entry point that
// defers metrics and cooperative-cancellation checks between stages, and
// status persistence followed by best-effort, non-blocking event
// publication.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/octoqueue/imq/internal/checks"
	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/eventbus"
	"github.com/octoqueue/imq/internal/gateway"
	"github.com/octoqueue/imq/internal/metrics"
	"github.com/octoqueue/imq/internal/store"
	"github.com/octoqueue/imq/internal/templates"
)

const defaultProcessingTimeout = 300 * time.Second

// Pipeline processes one QueueEntry at a time, end to end.
type Pipeline struct {
	repo   store.Repository
	gw     gateway.Gateway
	bus    *eventbus.Bus
	engine *checks.Engine

	owner, repoName string

	processingTimeout time.Duration

	mu     sync.Mutex
	active map[string]bool // queueID -> in-flight, enforces single-in-flight-per-queue
}

// SetProcessingTimeout overrides the per-entry deadline (spec.md §4.1's
// processingTimeout, default 300s); callers that don't call this keep
// that 300-second default.
func (p *Pipeline) SetProcessingTimeout(d time.Duration) {
	if d > 0 {
		p.processingTimeout = d
	}
}

// New builds a Pipeline that processes entries for owner/repoName.
func New(repo store.Repository, gw gateway.Gateway, bus *eventbus.Bus, engine *checks.Engine, owner, repoName string) *Pipeline {
	return &Pipeline{
		repo:              repo,
		gw:                gw,
		bus:               bus,
		engine:            engine,
		owner:             owner,
		repoName:          repoName,
		processingTimeout: defaultProcessingTimeout,
		active:            make(map[string]bool),
	}
}

// acquireLock enforces spec.md §5's single-in-flight-per-queue invariant,
// mirroring the teacher's per-node acquireLock/releaseLock.
func (p *Pipeline) acquireLock(queueID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[queueID] {
		return false
	}
	p.active[queueID] = true
	return true
}

func (p *Pipeline) releaseLock(queueID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, queueID)
}

// Process drives entry through the full stage chain, bounded by
// processingTimeout. Returns nil only if the entry reached "completed".
func (p *Pipeline) Process(ctx context.Context, entry *domain.QueueEntry) error {
	if !p.acquireLock(entry.QueueID) {
		return fmt.Errorf("pipeline: queue %s already has an entry in flight", entry.QueueID)
	}
	defer p.releaseLock(entry.QueueID)

	ctx, cancel := context.WithTimeout(ctx, p.processingTimeout)
	defer cancel()

	err := p.run(ctx, entry)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	metrics.PipelineEntries.WithLabelValues(outcome).Inc()
	return err
}

// run executes the stage chain sequentially, failing the entry on the
// first stage error (spec.md §4.3, §7).
func (p *Pipeline) run(ctx context.Context, entry *domain.QueueEntry) error {
	renderer, err := templates.New(p.currentTemplates(ctx))
	if err != nil {
		return p.fail(ctx, entry, fmt.Errorf("pipeline: load templates: %w", err), "")
	}

	stages := []struct {
		name string
		run  func(context.Context, *domain.QueueEntry) error
	}{
		{"start", p.start},
		{"conflict_detect", p.conflictDetect},
		{"pr_update", p.prUpdate},
		{"check_execution", p.checkExecution},
		{"merge", p.merge},
	}

	for _, stage := range stages {
		if ctx.Err() != nil {
			return p.fail(ctx, entry, fmt.Errorf("pipeline: %s: %w", stage.name, ctx.Err()), "")
		}
		stageStart := time.Now()
		stageErr := stage.run(ctx, entry)
		metrics.PipelineStageDuration.WithLabelValues(stage.name).Observe(time.Since(stageStart).Seconds())
		if stageErr != nil {
			return p.failWithNotification(ctx, entry, stageErr, renderer)
		}
	}
	return nil
}

func (p *Pipeline) currentTemplates(ctx context.Context) domain.NotificationTemplates {
	cfg, err := p.repo.GetConfiguration(ctx)
	if err != nil || cfg == nil {
		return domain.NotificationTemplates{}
	}
	return cfg.Templates
}

// start transitions a pending entry into updating and records its start
// time, mirroring reconciler.go's first status write.
func (p *Pipeline) start(ctx context.Context, entry *domain.QueueEntry) error {
	if !domain.CanTransition(entry.Status, domain.StatusUpdating) {
		return fmt.Errorf("pipeline: cannot start entry in status %q", entry.Status)
	}
	now := time.Now()
	entry.Status = domain.StatusUpdating
	entry.StartedAt = &now
	if err := p.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("pipeline: persist start: %w", err)
	}
	p.publish(eventbus.Event{
		Kind:       eventbus.QueueEntryStarted,
		QueueID:    entry.QueueID,
		EntryID:    entry.ID,
		PullNumber: entry.PullRequest.Number,
	})
	return nil
}

// conflictDetect fails the entry if its branch conflicts with the base
// it's queued against (spec.md §4.3 stage 2).
func (p *Pipeline) conflictDetect(ctx context.Context, entry *domain.QueueEntry) error {
	pr := entry.PullRequest
	if pr.IsConflicted {
		return p.conflictError(pr)
	}
	cmp, err := p.gw.CompareCommits(ctx, p.owner, p.repoName, pr.BaseBranch, pr.HeadBranch)
	if err != nil {
		return translateGatewayError(err)
	}
	if cmp.Status == gateway.CompareDiverged {
		pr.IsConflicted = true
		_ = p.repo.SavePullRequest(ctx, pr)
		return p.conflictError(pr)
	}
	pr.IsUpToDate = cmp.Status == gateway.CompareIdentical || cmp.Status == gateway.CompareAhead
	return nil
}

func (p *Pipeline) conflictError(pr *domain.PullRequest) *MergingError {
	return &MergingError{Kind: "conflict", Message: fmt.Sprintf("head %s conflicts with base %s", pr.HeadBranch, pr.BaseBranch)}
}

// prUpdate brings the PR's branch up to date with its base when it
// isn't already, mirroring reconciler.go's runApply stage.
func (p *Pipeline) prUpdate(ctx context.Context, entry *domain.QueueEntry) error {
	pr := entry.PullRequest
	if !pr.IsUpToDate {
		headSHA, err := p.gw.UpdatePullRequestBranch(ctx, p.owner, p.repoName, pr.Number)
		if err != nil {
			return translateGatewayError(err)
		}
		pr.HeadSHA = headSHA
		pr.IsUpToDate = true
		if err := p.repo.SavePullRequest(ctx, pr); err != nil {
			return fmt.Errorf("pipeline: persist updated pull request: %w", err)
		}
	}

	if !domain.CanTransition(entry.Status, domain.StatusChecking) {
		return fmt.Errorf("pipeline: cannot move entry in status %q to checking", entry.Status)
	}
	entry.Status = domain.StatusChecking
	if err := p.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("pipeline: persist checking transition: %w", err)
	}
	return nil
}

// checkExecution runs the configured CheckConfiguration against the PR's
// current head, failing the entry if any required check fails
// (spec.md §4.3 stage 3, §4.4).
func (p *Pipeline) checkExecution(ctx context.Context, entry *domain.QueueEntry) error {
	cfg, err := p.repo.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: load check configuration: %w", err)
	}
	if len(cfg.CheckConfig.Checks) == 0 {
		return p.advanceToReady(ctx, entry)
	}

	p.publish(eventbus.Event{Kind: eventbus.CheckStarted, QueueID: entry.QueueID, EntryID: entry.ID, PullNumber: entry.PullRequest.Number})
	result, err := p.engine.Run(ctx, entry.PullRequest, cfg.CheckConfig)
	if err != nil {
		return fmt.Errorf("pipeline: run checks: %w", err)
	}
	if !result.AllPassed {
		return &ChecksFailedError{FailedChecks: result.FailedChecks}
	}
	p.publish(eventbus.Event{Kind: eventbus.CheckCompleted, QueueID: entry.QueueID, EntryID: entry.ID, PullNumber: entry.PullRequest.Number})
	return p.advanceToReady(ctx, entry)
}

func (p *Pipeline) advanceToReady(ctx context.Context, entry *domain.QueueEntry) error {
	if !domain.CanTransition(entry.Status, domain.StatusReady) {
		return fmt.Errorf("pipeline: cannot move entry in status %q to ready", entry.Status)
	}
	entry.Status = domain.StatusReady
	if err := p.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("pipeline: persist ready transition: %w", err)
	}
	return nil
}

// merge re-checks mergeability and merges the PR, mirroring
// reconciler.go's runFinalCheck + terminal status write.
func (p *Pipeline) merge(ctx context.Context, entry *domain.QueueEntry) error {
	p.publish(eventbus.Event{Kind: eventbus.MergeStarted, QueueID: entry.QueueID, EntryID: entry.ID, PullNumber: entry.PullRequest.Number})

	fresh, err := p.gw.GetPullRequest(ctx, p.owner, p.repoName, entry.PullRequest.Number)
	if err != nil {
		return translateGatewayError(err)
	}
	if !fresh.Mergeable {
		return &MergingError{Kind: "not_mergeable", Message: fmt.Sprintf("mergeable_state=%s", fresh.MergeableState)}
	}

	commitMsg := fmt.Sprintf("%s (#%d)", fresh.Title, entry.PullRequest.Number)
	if err := p.gw.MergePullRequest(ctx, p.owner, p.repoName, entry.PullRequest.Number, commitMsg); err != nil {
		return translateGatewayError(err)
	}

	if err := p.gw.PostComment(ctx, p.owner, p.repoName, entry.PullRequest.Number, "Merged by the merge queue."); err != nil {
		log.Printf("pipeline: post merge comment for entry %s: %v", entry.ID, err)
	}

	now := time.Now()
	entry.Status = domain.StatusCompleted
	entry.CompletedAt = &now
	if err := p.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("pipeline: persist completion: %w", err)
	}
	if err := p.repo.RemoveEntry(ctx, entry.QueueID, entry.ID); err != nil {
		log.Printf("pipeline: remove completed entry %s: %v", entry.ID, err)
	}

	p.publish(eventbus.Event{Kind: eventbus.MergeCompleted, QueueID: entry.QueueID, EntryID: entry.ID, PullNumber: entry.PullRequest.Number})
	p.publish(eventbus.Event{Kind: eventbus.QueueEntryCompleted, QueueID: entry.QueueID, EntryID: entry.ID, PullNumber: entry.PullRequest.Number})
	return nil
}

// failWithNotification persists the terminal failure, posts a rendered
// comment best-effort, and emits the matching failure events.
func (p *Pipeline) failWithNotification(ctx context.Context, entry *domain.QueueEntry, cause error, renderer *templates.Renderer) error {
	body, kind := p.renderFailure(cause, entry, renderer)
	if body != "" {
		if err := p.gw.PostComment(ctx, p.owner, p.repoName, entry.PullRequest.Number, body); err != nil {
			log.Printf("pipeline: post failure comment for entry %s: %v", entry.ID, err)
		}
	}
	return p.fail(ctx, entry, cause, kind)
}

func (p *Pipeline) renderFailure(cause error, entry *domain.QueueEntry, renderer *templates.Renderer) (body string, kind eventbus.Kind) {
	var checksErr *ChecksFailedError
	if asChecksFailed(cause, &checksErr) {
		body, err := renderer.ChecksFailed(templates.ChecksFailedData{FailedChecks: checksErr.FailedChecks})
		if err != nil {
			log.Printf("pipeline: render checks_failed: %v", err)
		}
		return body, eventbus.CheckFailed
	}

	var merr *MergingError
	if asMergingError(cause, &merr) && merr.Kind == "conflict" {
		body, err := renderer.Conflict(templates.ConflictData{BaseBranch: entry.PullRequest.BaseBranch, HeadBranch: entry.PullRequest.HeadBranch})
		if err != nil {
			log.Printf("pipeline: render conflict: %v", err)
		}
		return body, eventbus.ConflictDetected
	}

	body, err := renderer.MergeFailed(templates.MergeFailedData{Reason: cause.Error()})
	if err != nil {
		log.Printf("pipeline: render merge_failed: %v", err)
	}
	return body, eventbus.MergeFailed
}

// fail transitions entry to failed, persists, removes it from the queue,
// and emits the cause-specific event (ConflictDetected/CheckFailed/
// MergeFailed) named in spec.md §4.3's stage table alongside the
// generic QueueEntryFailed. kind may be empty when the failure has no
// cause-specific event (e.g. a template-load error before any stage ran).
func (p *Pipeline) fail(ctx context.Context, entry *domain.QueueEntry, cause error, kind eventbus.Kind) error {
	now := time.Now()
	entry.Status = domain.StatusFailed
	entry.CompletedAt = &now
	entry.LastError = cause.Error()
	if err := p.repo.UpdateEntry(ctx, entry); err != nil {
		log.Printf("pipeline: persist failure for entry %s: %v", entry.ID, err)
	}
	if err := p.repo.RemoveEntry(ctx, entry.QueueID, entry.ID); err != nil {
		log.Printf("pipeline: remove failed entry %s: %v", entry.ID, err)
	}
	if kind != "" {
		p.publish(eventbus.Event{
			Kind:       kind,
			QueueID:    entry.QueueID,
			EntryID:    entry.ID,
			PullNumber: entry.PullRequest.Number,
			Reason:     cause.Error(),
		})
	}
	p.publish(eventbus.Event{
		Kind:       eventbus.QueueEntryFailed,
		QueueID:    entry.QueueID,
		EntryID:    entry.ID,
		PullNumber: entry.PullRequest.Number,
		Reason:     cause.Error(),
	})
	return cause
}

func (p *Pipeline) publish(evt eventbus.Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(evt)
}
