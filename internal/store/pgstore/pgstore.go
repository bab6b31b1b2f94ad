// Package pgstore is a PostgreSQL-backed store.Repository, adapted from
// the teacher's PostgresStore: a pgxpool connection pool, parameterized
// SQL, ON CONFLICT upserts, and pgx.ErrNoRows translated to store.ErrNotFound.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/store"
)

// Store implements store.Repository against PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, connString string, poolSize int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// FindOrCreateRepository implements store.Repository.
func (s *Store) FindOrCreateRepository(ctx context.Context, owner, name string) (*domain.Repository, error) {
	query := `
		INSERT INTO repositories (id, owner, name, default_branch)
		VALUES (gen_random_uuid()::text, $1, $2, 'main')
		ON CONFLICT (owner, name) DO UPDATE SET owner = EXCLUDED.owner
		RETURNING id, owner, name, default_branch
	`
	var r domain.Repository
	err := s.pool.QueryRow(ctx, query, owner, name).Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find or create repository: %w", err)
	}
	return &r, nil
}

// FindAllQueues implements store.Repository.
func (s *Store) FindAllQueues(ctx context.Context) ([]*domain.Queue, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, repository_id, base_branch, created_at FROM queues`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find all queues: %w", err)
	}
	defer rows.Close()

	var queues []*domain.Queue
	for rows.Next() {
		var q domain.Queue
		if err := rows.Scan(&q.ID, &q.RepositoryID, &q.BaseBranch, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan queue: %w", err)
		}
		entries, err := s.GetEntries(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		q.Entries = entries
		queues = append(queues, &q)
	}
	return queues, nil
}

// FindQueue implements store.Repository.
func (s *Store) FindQueue(ctx context.Context, repositoryID, baseBranch string) (*domain.Queue, error) {
	query := `SELECT id, repository_id, base_branch, created_at FROM queues WHERE repository_id = $1 AND base_branch = $2`
	var q domain.Queue
	err := s.pool.QueryRow(ctx, query, repositoryID, baseBranch).Scan(&q.ID, &q.RepositoryID, &q.BaseBranch, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: find queue: %w", err)
	}
	entries, err := s.GetEntries(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	q.Entries = entries
	return &q, nil
}

// SaveQueue implements store.Repository.
func (s *Store) SaveQueue(ctx context.Context, q *domain.Queue) error {
	query := `
		INSERT INTO queues (id, repository_id, base_branch, created_at)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, NOW())
		ON CONFLICT (repository_id, base_branch) DO UPDATE SET repository_id = EXCLUDED.repository_id
		RETURNING id, created_at
	`
	return s.pool.QueryRow(ctx, query, q.ID, q.RepositoryID, q.BaseBranch).Scan(&q.ID, &q.CreatedAt)
}

// DeleteQueue implements store.Repository.
func (s *Store) DeleteQueue(ctx context.Context, queueID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queues WHERE id = $1`, queueID)
	if err != nil {
		return fmt.Errorf("pgstore: delete queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetEntries implements store.Repository.
func (s *Store) GetEntries(ctx context.Context, queueID string) ([]*domain.QueueEntry, error) {
	query := `
		SELECT id, queue_id, pull_request_id, position, status, enqueued_at, started_at, completed_at, last_error
		FROM queue_entries WHERE queue_id = $1 ORDER BY position ASC
	`
	rows, err := s.pool.Query(ctx, query, queueID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.ID, &e.QueueID, &e.PullRequestID, &e.Position, &e.Status, &e.EnqueuedAt, &e.StartedAt, &e.CompletedAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("pgstore: scan entry: %w", err)
		}
		entries = append(entries, &e)
	}
	rows.Close()

	for _, e := range entries {
		pr, err := s.FindPullRequestByID(ctx, e.PullRequestID)
		if err != nil {
			return nil, fmt.Errorf("pgstore: hydrate entry %s pull request: %w", e.ID, err)
		}
		e.PullRequest = pr
	}
	return entries, nil
}

// SaveEntry implements store.Repository.
func (s *Store) SaveEntry(ctx context.Context, e *domain.QueueEntry) error {
	query := `
		INSERT INTO queue_entries (id, queue_id, pull_request_id, position, status, enqueued_at, started_at, completed_at, last_error)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query,
		e.ID, e.QueueID, e.PullRequestID, e.Position, e.Status, e.EnqueuedAt, e.StartedAt, e.CompletedAt, e.LastError,
	).Scan(&e.ID)
}

// UpdateEntry implements store.Repository.
func (s *Store) UpdateEntry(ctx context.Context, e *domain.QueueEntry) error {
	query := `
		UPDATE queue_entries
		SET status = $2, position = $3, started_at = $4, completed_at = $5, last_error = $6
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, e.ID, e.Status, e.Position, e.StartedAt, e.CompletedAt, e.LastError)
	if err != nil {
		return fmt.Errorf("pgstore: update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RemoveEntry implements store.Repository. Compaction of remaining
// positions is done in the same statement batch so it is atomic with
// respect to a concurrent GetEntries under Postgres's read-committed
// isolation (each statement sees a consistent snapshot).
func (s *Store) RemoveEntry(ctx context.Context, queueID, entryID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: remove entry begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1 AND queue_id = $2`, entryID, queueID)
	if err != nil {
		return fmt.Errorf("pgstore: remove entry delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	compactQuery := `
		UPDATE queue_entries e
		SET position = ranked.new_position
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY position ASC) - 1 AS new_position
			FROM queue_entries WHERE queue_id = $1
		) ranked
		WHERE e.id = ranked.id
	`
	if _, err := tx.Exec(ctx, compactQuery, queueID); err != nil {
		return fmt.Errorf("pgstore: compact positions: %w", err)
	}
	return tx.Commit(ctx)
}

// ReorderEntries implements store.Repository.
func (s *Store) ReorderEntries(ctx context.Context, queueID string, orderedEntryIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: reorder begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for pos, id := range orderedEntryIDs {
		if _, err := tx.Exec(ctx, `UPDATE queue_entries SET position = $1 WHERE id = $2 AND queue_id = $3`, pos, id, queueID); err != nil {
			return fmt.Errorf("pgstore: reorder entry %s: %w", id, err)
		}
	}
	return tx.Commit(ctx)
}

// FindPullRequestByID implements store.Repository.
func (s *Store) FindPullRequestByID(ctx context.Context, id string) (*domain.PullRequest, error) {
	return s.scanPR(ctx, `SELECT id, repository_id, number, title, author, base_branch, head_branch, head_sha, mergeable, mergeable_state, is_conflicted, is_up_to_date, created_at, updated_at FROM pull_requests WHERE id = $1`, id)
}

// FindPullRequestByNumber implements store.Repository.
func (s *Store) FindPullRequestByNumber(ctx context.Context, repositoryID string, number int) (*domain.PullRequest, error) {
	return s.scanPR(ctx, `SELECT id, repository_id, number, title, author, base_branch, head_branch, head_sha, mergeable, mergeable_state, is_conflicted, is_up_to_date, created_at, updated_at FROM pull_requests WHERE repository_id = $1 AND number = $2`, repositoryID, number)
}

func (s *Store) scanPR(ctx context.Context, query string, args ...any) (*domain.PullRequest, error) {
	var pr domain.PullRequest
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&pr.ID, &pr.RepositoryID, &pr.Number, &pr.Title, &pr.Author, &pr.BaseBranch, &pr.HeadBranch,
		&pr.HeadSHA, &pr.Mergeable, &pr.MergeableState, &pr.IsConflicted, &pr.IsUpToDate, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan pull request: %w", err)
	}
	return &pr, nil
}

// SavePullRequest implements store.Repository (upsert on repository_id+number).
func (s *Store) SavePullRequest(ctx context.Context, pr *domain.PullRequest) error {
	query := `
		INSERT INTO pull_requests (id, repository_id, number, title, author, base_branch, head_branch, head_sha, mergeable, mergeable_state, is_conflicted, is_up_to_date, created_at, updated_at)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (repository_id, number) DO UPDATE SET
			title = EXCLUDED.title, head_branch = EXCLUDED.head_branch, head_sha = EXCLUDED.head_sha,
			mergeable = EXCLUDED.mergeable, mergeable_state = EXCLUDED.mergeable_state,
			is_conflicted = EXCLUDED.is_conflicted, is_up_to_date = EXCLUDED.is_up_to_date, updated_at = NOW()
		RETURNING id
	`
	return s.pool.QueryRow(ctx, query,
		pr.ID, pr.RepositoryID, pr.Number, pr.Title, pr.Author, pr.BaseBranch, pr.HeadBranch,
		pr.HeadSHA, pr.Mergeable, pr.MergeableState, pr.IsConflicted, pr.IsUpToDate,
	).Scan(&pr.ID)
}

// DeletePullRequest implements store.Repository.
func (s *Store) DeletePullRequest(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pull_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete pull request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetConfiguration implements store.Repository.
func (s *Store) GetConfiguration(ctx context.Context) (*domain.SystemConfiguration, error) {
	var cfg domain.SystemConfiguration
	var checkConfigRaw, templatesRaw []byte
	query := `SELECT id, trigger_label, check_config, templates, updated_at FROM system_configuration WHERE id = 1`
	err := s.pool.QueryRow(ctx, query).Scan(&cfg.ID, &cfg.TriggerLabel, &checkConfigRaw, &templatesRaw, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get configuration: %w", err)
	}
	if err := json.Unmarshal(checkConfigRaw, &cfg.CheckConfig); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal check config: %w", err)
	}
	if err := json.Unmarshal(templatesRaw, &cfg.Templates); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal templates: %w", err)
	}
	return &cfg, nil
}

// SaveConfiguration implements store.Repository (single-row upsert, id = 1).
func (s *Store) SaveConfiguration(ctx context.Context, cfg *domain.SystemConfiguration) error {
	checkConfigRaw, err := json.Marshal(cfg.CheckConfig)
	if err != nil {
		return fmt.Errorf("pgstore: marshal check config: %w", err)
	}
	templatesRaw, err := json.Marshal(cfg.Templates)
	if err != nil {
		return fmt.Errorf("pgstore: marshal templates: %w", err)
	}
	query := `
		INSERT INTO system_configuration (id, trigger_label, check_config, templates, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			trigger_label = EXCLUDED.trigger_label, check_config = EXCLUDED.check_config,
			templates = EXCLUDED.templates, updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, cfg.TriggerLabel, checkConfigRaw, templatesRaw)
	if err != nil {
		return fmt.Errorf("pgstore: save configuration: %w", err)
	}
	return nil
}
