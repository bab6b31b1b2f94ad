// Package webhook is IMQ's single HTTP ingress: the signed GitHub
// webhook receiver that mutates the queue model (spec.md §4.5). It
// never runs the pipeline itself — only the store is mutated here, the
// same "thin handler, no business logic in the transport layer" split
// the teacher's middleware package models, adapted from
// control_plane/auth/jwt.go's computeHMAC/constant-time-compare idiom
// and wrapped in a rate limiter the way control_plane/api.go guards its
// heartbeat endpoint with golang.org/x/time/rate.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/eventbus"
	"github.com/octoqueue/imq/internal/metrics"
	"github.com/octoqueue/imq/internal/store"
)

// Handler serves POST /webhook/github (spec.md §6). It is bounded-time
// by contract (<=10s); dispatch never calls the gateway or the
// pipeline, only the store.
type Handler struct {
	repo   store.Repository
	bus    *eventbus.Bus
	secret string

	limiter *rate.Limiter

	// now is overridable for tests.
	now func() time.Time
}

// New builds a webhook Handler. secret may be empty, in which case
// signature verification is skipped (spec.md §4.5 step 1).
func New(repo store.Repository, bus *eventbus.Bus, secret string) *Handler {
	return &Handler{
		repo:    repo,
		bus:     bus,
		secret:  secret,
		limiter: rate.NewLimiter(rate.Limit(50), 100),
		now:     time.Now,
	}
}

// ServeHTTP implements http.Handler for POST /webhook/github.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		metrics.WebhookRequests.WithLabelValues("unknown", "bad_request").Inc()
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		metrics.WebhookRequests.WithLabelValues(eventType, "bad_request").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		metrics.WebhookSignatureFailures.Inc()
		metrics.WebhookRequests.WithLabelValues(eventType, "unauthorized").Inc()
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	if err := h.dispatch(ctx, eventType, body); err != nil {
		log.Printf("webhook: handling %s event: %v", eventType, err)
		metrics.WebhookRequests.WithLabelValues(eventType, "error").Inc()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	metrics.WebhookRequests.WithLabelValues(eventType, "accepted").Inc()
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks header against the HMAC-SHA256 of body using
// the configured secret, constant-time (spec.md §4.5 step 1). A blank
// secret skips verification entirely.
func (h *Handler) verifySignature(header string, body []byte) bool {
	if h.secret == "" {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}

func (h *Handler) dispatch(ctx context.Context, eventType string, body []byte) error {
	switch eventType {
	case "pull_request":
		var payload pullRequestPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("webhook: decode pull_request payload: %w", err)
		}
		return h.handlePullRequest(ctx, payload)
	default:
		log.Printf("webhook: ignoring unhandled event type %q", eventType)
		return nil
	}
}

// pullRequestPayload is the subset of GitHub's pull_request webhook
// payload IMQ consumes.
type pullRequestPayload struct {
	Action string `json:"action"`
	Label  struct {
		Name string `json:"name"`
	} `json:"label"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Mergeable      *bool  `json:"mergeable"`
		MergeableState string `json:"mergeable_state"`
		Labels         []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (p pullRequestPayload) hasLabel(name string) bool {
	for _, l := range p.PullRequest.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// handlePullRequest implements spec.md §4.5 step 3: read the current
// trigger label, compute hasTriggerLabel, then switch on action.
func (h *Handler) handlePullRequest(ctx context.Context, payload pullRequestPayload) error {
	cfg, err := h.repo.GetConfiguration(ctx)
	triggerLabel := "A-merge"
	if err == nil && cfg != nil && cfg.TriggerLabel != "" {
		triggerLabel = cfg.TriggerLabel
	}
	hasTrigger := payload.hasLabel(triggerLabel)

	repo, err := h.repo.FindOrCreateRepository(ctx, payload.Repository.Owner.Login, payload.Repository.Name)
	if err != nil {
		return fmt.Errorf("webhook: find or create repository: %w", err)
	}

	switch payload.Action {
	case "labeled":
		if hasTrigger {
			return h.addToQueue(ctx, repo.ID, payload)
		}
	case "unlabeled":
		if !hasTrigger {
			return h.removeFromQueue(ctx, repo.ID, payload.PullRequest.Number)
		}
	case "synchronize":
		if hasTrigger {
			if err := h.removeFromQueue(ctx, repo.ID, payload.PullRequest.Number); err != nil {
				return err
			}
			return h.addToQueue(ctx, repo.ID, payload)
		}
	case "closed":
		return h.removeFromQueue(ctx, repo.ID, payload.PullRequest.Number)
	}
	return nil
}

// addToQueue upserts the PR, finds-or-creates its base-branch queue,
// and appends a pending entry at the tail if one doesn't already exist
// (spec.md §4.5 "Add-to-queue").
func (h *Handler) addToQueue(ctx context.Context, repositoryID string, payload pullRequestPayload) error {
	raw := payload.PullRequest
	existing, err := h.repo.FindPullRequestByNumber(ctx, repositoryID, raw.Number)
	pr := &domain.PullRequest{}
	if err == nil && existing != nil {
		pr = existing
	}
	pr.RepositoryID = repositoryID
	pr.Number = raw.Number
	pr.Title = raw.Title
	pr.Author = raw.User.Login
	pr.BaseBranch = raw.Base.Ref
	pr.HeadBranch = raw.Head.Ref
	pr.HeadSHA = raw.Head.SHA
	pr.MergeableState = raw.MergeableState
	if raw.Mergeable != nil {
		pr.Mergeable = *raw.Mergeable
	}
	pr.IsConflicted = raw.MergeableState == "dirty"
	if err := h.repo.SavePullRequest(ctx, pr); err != nil {
		return fmt.Errorf("webhook: save pull request: %w", err)
	}

	q, err := h.repo.FindQueue(ctx, repositoryID, pr.BaseBranch)
	if err == store.ErrNotFound {
		q = &domain.Queue{RepositoryID: repositoryID, BaseBranch: pr.BaseBranch}
		if err := h.repo.SaveQueue(ctx, q); err != nil {
			return fmt.Errorf("webhook: create queue: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("webhook: find queue: %w", err)
	}

	entries, err := h.repo.GetEntries(ctx, q.ID)
	if err != nil {
		return fmt.Errorf("webhook: load entries: %w", err)
	}
	maxPos := -1
	for _, e := range entries {
		if e.PullRequestID == pr.ID {
			return nil // already queued, no-op (spec.md §4.5)
		}
		if e.Position > maxPos {
			maxPos = e.Position
		}
	}

	entry := &domain.QueueEntry{
		QueueID:       q.ID,
		PullRequestID: pr.ID,
		PullRequest:   pr,
		Position:      maxPos + 1,
		Status:        domain.StatusPending,
		EnqueuedAt:    h.now(),
	}
	if err := h.repo.SaveEntry(ctx, entry); err != nil {
		return fmt.Errorf("webhook: save entry: %w", err)
	}

	h.publish(eventbus.Event{
		Kind:       eventbus.QueueEntryAdded,
		QueueID:    q.ID,
		EntryID:    entry.ID,
		PullNumber: pr.Number,
	})
	return nil
}

// removeFromQueue locates the PR's entry (if any) across queues for
// repositoryID and deletes it, relying on the store to compact
// remaining positions atomically (spec.md §4.5 "Remove-from-queue").
func (h *Handler) removeFromQueue(ctx context.Context, repositoryID string, number int) error {
	pr, err := h.repo.FindPullRequestByNumber(ctx, repositoryID, number)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook: find pull request: %w", err)
	}

	q, err := h.repo.FindQueue(ctx, repositoryID, pr.BaseBranch)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook: find queue: %w", err)
	}

	entries, err := h.repo.GetEntries(ctx, q.ID)
	if err != nil {
		return fmt.Errorf("webhook: load entries: %w", err)
	}
	var entryID string
	for _, e := range entries {
		if e.PullRequestID == pr.ID {
			entryID = e.ID
			break
		}
	}
	if entryID == "" {
		return nil
	}
	if err := h.repo.RemoveEntry(ctx, q.ID, entryID); err != nil {
		return fmt.Errorf("webhook: remove entry: %w", err)
	}

	h.publish(eventbus.Event{
		Kind:       eventbus.QueueEntryRemoved,
		QueueID:    q.ID,
		EntryID:    entryID,
		PullNumber: number,
	})
	return nil
}

func (h *Handler) publish(evt eventbus.Event) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(evt)
}
