// Package domain holds the value types shared across IMQ's components:
// repositories, pull requests, queues and their entries, check
// configuration, and the lifecycle events the pipeline emits.
package domain

import (
	"strings"
	"time"
)

// EntryStatus is a QueueEntry's position in the processing lifecycle.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusUpdating  EntryStatus = "updating"
	StatusChecking  EntryStatus = "checking"
	StatusReady     EntryStatus = "ready"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusCancelled EntryStatus = "cancelled"
)

// Terminal reports whether the status can no longer transition.
func (s EntryStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether an entry in this status counts toward the
// single-in-flight-per-queue invariant.
func (s EntryStatus) InFlight() bool {
	switch s {
	case StatusUpdating, StatusChecking, StatusReady:
		return true
	default:
		return false
	}
}

// validTransitions encodes the status lifecycle DAG. Terminal states have
// no outgoing edges; every non-terminal state may also transition directly
// to failed or cancelled.
var validTransitions = map[EntryStatus][]EntryStatus{
	StatusPending:  {StatusUpdating, StatusFailed, StatusCancelled},
	StatusUpdating: {StatusChecking, StatusFailed, StatusCancelled},
	StatusChecking: {StatusReady, StatusFailed, StatusCancelled},
	StatusReady:    {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to EntryStatus) bool {
	if from.Terminal() {
		return false
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Repository identifies an owner/name pair on the hosting service.
// Immutable after creation; carries no state beyond identity.
type Repository struct {
	ID            string `json:"id" db:"id"`
	Owner         string `json:"owner" db:"owner"`
	Name          string `json:"name" db:"name"`
	DefaultBranch string `json:"default_branch" db:"default_branch"`
}

// FullName returns "owner/name", the form the hosting-service API uses.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// PullRequest mirrors the hosting service's view of one PR, refreshed
// whenever the gateway reports a new head SHA or mergeability change.
type PullRequest struct {
	ID            string    `json:"id" db:"id"`
	RepositoryID  string    `json:"repository_id" db:"repository_id"`
	Number        int       `json:"number" db:"number"`
	Title         string    `json:"title" db:"title"`
	Author        string    `json:"author" db:"author"`
	BaseBranch    string    `json:"base_branch" db:"base_branch"`
	HeadBranch    string    `json:"head_branch" db:"head_branch"`
	HeadSHA       string    `json:"head_sha" db:"head_sha"`
	Mergeable     bool      `json:"mergeable" db:"mergeable"`
	MergeableState string   `json:"mergeable_state" db:"mergeable_state"`
	IsConflicted  bool      `json:"is_conflicted" db:"is_conflicted"`
	IsUpToDate    bool      `json:"is_up_to_date" db:"is_up_to_date"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Priority is the WDRR weight class a queue is assigned at enqueue time.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Weight returns the WDRR deficit increment for this priority class.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// PriorityFor derives a queue's priority from its base branch name,
// case-insensitive substring match, first hit wins.
func PriorityFor(baseBranch string) Priority {
	lower := strings.ToLower(baseBranch)
	switch {
	case strings.Contains(lower, "hotfix"):
		return PriorityCritical
	case strings.Contains(lower, "release"):
		return PriorityHigh
	case lower == "main" || lower == "master":
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Queue is the per-(repository, base branch) FIFO of entries awaiting
// processing. At most one queue exists per (repository, base branch).
type Queue struct {
	ID           string    `json:"id" db:"id"`
	RepositoryID string    `json:"repository_id" db:"repository_id"`
	BaseBranch   string    `json:"base_branch" db:"base_branch"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	Entries      []*QueueEntry `json:"entries,omitempty" db:"-"`
}

// Priority derives this queue's WDRR weight class from its base branch.
func (q *Queue) Priority() Priority {
	return PriorityFor(q.BaseBranch)
}

// QueueEntry is one PR's position in a Queue.
type QueueEntry struct {
	ID          string      `json:"id" db:"id"`
	QueueID     string      `json:"queue_id" db:"queue_id"`
	PullRequest *PullRequest `json:"pull_request" db:"-"`
	PullRequestID string    `json:"pull_request_id" db:"pull_request_id"`
	Position    int         `json:"position" db:"position"`
	Status      EntryStatus `json:"status" db:"status"`
	EnqueuedAt  time.Time   `json:"enqueued_at" db:"enqueued_at"`
	StartedAt   *time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at" db:"completed_at"`
	LastError   string      `json:"last_error" db:"last_error"`
}

// CheckKind names the executor a Check dispatches to.
type CheckKind string

const (
	CheckKindWorkflow        CheckKind = "workflow"
	CheckKindStatusAggregate CheckKind = "status_aggregate"
	CheckKindMergeabilityProbe CheckKind = "mergeability_probe"
)

// Check is one named, typed verification step in a CheckConfiguration.
type Check struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         CheckKind         `json:"kind"`
	Params       map[string]string `json:"params,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// CheckConfiguration is the ordered set of checks run for one pipeline pass.
type CheckConfiguration struct {
	Checks   []Check `json:"checks"`
	FailFast bool    `json:"fail_fast"`
}

// CheckResultStatus is the terminal outcome of running one Check.
type CheckResultStatus string

const (
	CheckPassed    CheckResultStatus = "passed"
	CheckFailed    CheckResultStatus = "failed"
	CheckSkipped   CheckResultStatus = "skipped"
	CheckCancelled CheckResultStatus = "cancelled"
)

// CheckResult is the outcome of running a single Check against a PR.
type CheckResult struct {
	Check       Check             `json:"check"`
	Status      CheckResultStatus `json:"status"`
	Output      string            `json:"output"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// CheckExecutionResult is the check-execution engine's overall verdict.
type CheckExecutionResult struct {
	Results      []CheckResult `json:"results"`
	AllPassed    bool          `json:"all_passed"`
	FailedChecks []string      `json:"failed_checks"`
}

// NotificationTemplates names the three PR-comment templates IMQ renders.
type NotificationTemplates struct {
	Conflict     string `json:"conflict"`
	ChecksFailed string `json:"checks_failed"`
	MergeFailed  string `json:"merge_failed"`
}

// SystemConfiguration is the process-wide, reloadable singleton row.
type SystemConfiguration struct {
	ID            int                   `json:"id" db:"id"`
	TriggerLabel  string                `json:"trigger_label" db:"trigger_label"`
	CheckConfig   CheckConfiguration    `json:"check_config" db:"check_config"`
	Templates     NotificationTemplates `json:"templates" db:"templates"`
	UpdatedAt     time.Time             `json:"updated_at" db:"updated_at"`
}
