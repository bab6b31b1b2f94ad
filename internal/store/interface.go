// Package store defines IMQ's persistence abstraction: an opaque
// Repository interface over queues, entries, pull requests, and the
// singleton system configuration. Concrete backends live in the
// memstore and pgstore subpackages.
package store

import (
	"context"
	"errors"

	"github.com/octoqueue/imq/internal/domain"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned when an optimistic-lock update loses a race.
var ErrVersionConflict = errors.New("store: version conflict")

// Repository is the persistence surface the rest of IMQ depends on.
// Implementations must serialize concurrent RemoveEntry/ReorderEntries
// calls against the same queue so that position compaction is atomic
// with respect to concurrent Find/GetEntries callers (spec.md §5).
type Repository interface {
	// Queue operations.
	FindAllQueues(ctx context.Context) ([]*domain.Queue, error)
	FindQueue(ctx context.Context, repositoryID, baseBranch string) (*domain.Queue, error)
	SaveQueue(ctx context.Context, q *domain.Queue) error
	DeleteQueue(ctx context.Context, queueID string) error

	GetEntries(ctx context.Context, queueID string) ([]*domain.QueueEntry, error)
	SaveEntry(ctx context.Context, e *domain.QueueEntry) error
	UpdateEntry(ctx context.Context, e *domain.QueueEntry) error
	RemoveEntry(ctx context.Context, queueID, entryID string) error
	ReorderEntries(ctx context.Context, queueID string, orderedEntryIDs []string) error

	// PullRequest operations.
	FindPullRequestByID(ctx context.Context, id string) (*domain.PullRequest, error)
	FindPullRequestByNumber(ctx context.Context, repositoryID string, number int) (*domain.PullRequest, error)
	SavePullRequest(ctx context.Context, pr *domain.PullRequest) error
	DeletePullRequest(ctx context.Context, id string) error

	// Repository (owner/name) operations.
	FindOrCreateRepository(ctx context.Context, owner, name string) (*domain.Repository, error)

	// SystemConfiguration operations (single-row semantics, id = 1).
	GetConfiguration(ctx context.Context) (*domain.SystemConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg *domain.SystemConfiguration) error
}
