// Package memstore is an in-process, mutex-guarded implementation of
// store.Repository, adapted from the teacher's MemoryStore (map-backed,
// copy-on-read) to IMQ's queue/entry/pull-request domain.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/store"
)

// Store holds IMQ's durable state in memory, guarded by a single mutex.
// Queue mutation methods (RemoveEntry, ReorderEntries) and read methods
// (GetEntries) share that mutex, so position compaction is atomic with
// respect to concurrent readers, satisfying spec.md §5's ordering
// requirement without a separate per-queue lock.
type Store struct {
	mu sync.Mutex

	repositories map[string]*domain.Repository // id -> repo
	repoByName   map[string]string             // "owner/name" -> id

	queues      map[string]*domain.Queue // queue id -> queue
	queueByKey  map[string]string        // repoID|baseBranch -> queue id
	entries     map[string]*domain.QueueEntry // entry id -> entry
	entriesByQ  map[string][]string           // queue id -> ordered entry ids

	pullRequests map[string]*domain.PullRequest
	prByNumber   map[string]string // repoID|number -> pr id

	config *domain.SystemConfiguration

	seq int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		repositories: make(map[string]*domain.Repository),
		repoByName:   make(map[string]string),
		queues:       make(map[string]*domain.Queue),
		queueByKey:   make(map[string]string),
		entries:      make(map[string]*domain.QueueEntry),
		entriesByQ:   make(map[string][]string),
		pullRequests: make(map[string]*domain.PullRequest),
		prByNumber:   make(map[string]string),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return prefix + "-" + itoa(s.seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 8)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// FindOrCreateRepository implements store.Repository.
func (s *Store) FindOrCreateRepository(ctx context.Context, owner, name string) (*domain.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := owner + "/" + name
	if id, ok := s.repoByName[key]; ok {
		repoCopy := *s.repositories[id]
		return &repoCopy, nil
	}
	repo := &domain.Repository{
		ID:            s.nextID("repo"),
		Owner:         owner,
		Name:          name,
		DefaultBranch: "main",
	}
	s.repositories[repo.ID] = repo
	s.repoByName[key] = repo.ID
	repoCopy := *repo
	return &repoCopy, nil
}

func queueKey(repositoryID, baseBranch string) string {
	return repositoryID + "|" + baseBranch
}

// FindAllQueues implements store.Repository.
func (s *Store) FindAllQueues(ctx context.Context) ([]*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, s.snapshotQueueLocked(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindQueue implements store.Repository.
func (s *Store) FindQueue(ctx context.Context, repositoryID, baseBranch string) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.queueByKey[queueKey(repositoryID, baseBranch)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.snapshotQueueLocked(s.queues[id]), nil
}

// snapshotQueueLocked must be called with s.mu held.
func (s *Store) snapshotQueueLocked(q *domain.Queue) *domain.Queue {
	qCopy := *q
	ids := s.entriesByQ[q.ID]
	qCopy.Entries = make([]*domain.QueueEntry, 0, len(ids))
	for _, id := range ids {
		qCopy.Entries = append(qCopy.Entries, s.hydrateEntryLocked(s.entries[id]))
	}
	return &qCopy
}

// hydrateEntryLocked copies e and attaches its PullRequest by looking up
// PullRequestID, so callers never see a QueueEntry whose PullRequest is
// nil while PullRequestID is set (must be called with s.mu held).
func (s *Store) hydrateEntryLocked(e *domain.QueueEntry) *domain.QueueEntry {
	eCopy := *e
	if pr, ok := s.pullRequests[e.PullRequestID]; ok {
		prCopy := *pr
		eCopy.PullRequest = &prCopy
	}
	return &eCopy
}

// SaveQueue implements store.Repository.
func (s *Store) SaveQueue(ctx context.Context, q *domain.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ID == "" {
		q.ID = s.nextID("queue")
		q.CreatedAt = time.Now()
	}
	key := queueKey(q.RepositoryID, q.BaseBranch)
	if existingID, ok := s.queueByKey[key]; ok && existingID != q.ID {
		return store.ErrVersionConflict
	}
	qCopy := *q
	qCopy.Entries = nil
	s.queues[q.ID] = &qCopy
	s.queueByKey[key] = q.ID
	if _, ok := s.entriesByQ[q.ID]; !ok {
		s.entriesByQ[q.ID] = nil
	}
	return nil
}

// DeleteQueue implements store.Repository.
func (s *Store) DeleteQueue(ctx context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueID]
	if !ok {
		return store.ErrNotFound
	}
	for _, id := range s.entriesByQ[queueID] {
		delete(s.entries, id)
	}
	delete(s.entriesByQ, queueID)
	delete(s.queueByKey, queueKey(q.RepositoryID, q.BaseBranch))
	delete(s.queues, queueID)
	return nil
}

// GetEntries implements store.Repository.
func (s *Store) GetEntries(ctx context.Context, queueID string) ([]*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.entriesByQ[queueID]
	out := make([]*domain.QueueEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.hydrateEntryLocked(s.entries[id]))
	}
	return out, nil
}

// SaveEntry implements store.Repository. Appends the entry at the
// caller-supplied Position; callers are responsible for computing the
// next contiguous position (see internal/webhook's add-to-queue logic).
func (s *Store) SaveEntry(ctx context.Context, e *domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = s.nextID("entry")
	}
	eCopy := *e
	s.entries[e.ID] = &eCopy
	ids := s.entriesByQ[e.QueueID]
	for _, id := range ids {
		if id == e.ID {
			return nil
		}
	}
	s.entriesByQ[e.QueueID] = append(ids, e.ID)
	return nil
}

// UpdateEntry implements store.Repository.
func (s *Store) UpdateEntry(ctx context.Context, e *domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; !ok {
		return store.ErrNotFound
	}
	eCopy := *e
	s.entries[e.ID] = &eCopy
	return nil
}

// RemoveEntry implements store.Repository. After removal, remaining
// entries' Position fields are compacted to preserve contiguity
// (spec.md §3 position-contiguity invariant).
func (s *Store) RemoveEntry(ctx context.Context, queueID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.entriesByQ[queueID]
	idx := -1
	for i, id := range ids {
		if id == entryID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return store.ErrNotFound
	}
	delete(s.entries, entryID)
	ids = append(ids[:idx], ids[idx+1:]...)
	s.entriesByQ[queueID] = ids
	s.compactPositionsLocked(queueID, ids)
	return nil
}

// ReorderEntries implements store.Repository, rewriting positions to
// match the given order, 0-indexed and contiguous.
func (s *Store) ReorderEntries(ctx context.Context, queueID string, orderedEntryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entriesByQ[queueID] = append([]string(nil), orderedEntryIDs...)
	s.compactPositionsLocked(queueID, orderedEntryIDs)
	return nil
}

func (s *Store) compactPositionsLocked(queueID string, ids []string) {
	for pos, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.Position = pos
		}
	}
}

// FindPullRequestByID implements store.Repository.
func (s *Store) FindPullRequestByID(ctx context.Context, id string) (*domain.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.pullRequests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	prCopy := *pr
	return &prCopy, nil
}

// FindPullRequestByNumber implements store.Repository.
func (s *Store) FindPullRequestByNumber(ctx context.Context, repositoryID string, number int) (*domain.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.prByNumber[prKey(repositoryID, number)]
	if !ok {
		return nil, store.ErrNotFound
	}
	prCopy := *s.pullRequests[id]
	return &prCopy, nil
}

func prKey(repositoryID string, number int) string {
	return repositoryID + "|" + itoa(number)
}

// SavePullRequest implements store.Repository (upsert semantics).
func (s *Store) SavePullRequest(ctx context.Context, pr *domain.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pr.ID == "" {
		if id, ok := s.prByNumber[prKey(pr.RepositoryID, pr.Number)]; ok {
			pr.ID = id
		} else {
			pr.ID = s.nextID("pr")
		}
	}
	now := time.Now()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = now
	}
	pr.UpdatedAt = now
	prCopy := *pr
	s.pullRequests[pr.ID] = &prCopy
	s.prByNumber[prKey(pr.RepositoryID, pr.Number)] = pr.ID
	return nil
}

// DeletePullRequest implements store.Repository.
func (s *Store) DeletePullRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.pullRequests[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.prByNumber, prKey(pr.RepositoryID, pr.Number))
	delete(s.pullRequests, id)
	return nil
}

// GetConfiguration implements store.Repository.
func (s *Store) GetConfiguration(ctx context.Context) (*domain.SystemConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return nil, store.ErrNotFound
	}
	cfgCopy := *s.config
	return &cfgCopy, nil
}

// SaveConfiguration implements store.Repository (single-row semantics).
func (s *Store) SaveConfiguration(ctx context.Context, cfg *domain.SystemConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.ID = 1
	cfg.UpdatedAt = time.Now()
	cfgCopy := *cfg
	s.config = &cfgCopy
	return nil
}
