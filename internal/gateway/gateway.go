// Package gateway defines IMQ's opaque interface to the hosting service
// (GitHub): pull request lookup, branch update, commit comparison, merge,
// comments, and workflow dispatch/poll. Errors are classified so callers
// can decide retriability without depending on a specific HTTP client.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CompareStatus is the relationship between a base and head ref.
type CompareStatus string

const (
	CompareIdentical CompareStatus = "identical"
	CompareAhead     CompareStatus = "ahead"
	CompareBehind    CompareStatus = "behind"
	CompareDiverged  CompareStatus = "diverged"
)

// CompareResult is the outcome of comparing base...head.
type CompareResult struct {
	Status   CompareStatus
	AheadBy  int
	BehindBy int
}

// WorkflowRun is the polled state of a dispatched workflow.
type WorkflowRun struct {
	ID         int64
	Status     string // e.g. "queued", "in_progress", "completed"
	Conclusion string // e.g. "success", "failure", "" while not completed
}

// PullRequest is the gateway's view of a PR, independent of domain.PullRequest
// so the gateway package has no dependency on the persistence domain model.
type PullRequest struct {
	Number         int
	Title          string
	Author         string
	BaseBranch     string
	HeadBranch     string
	HeadSHA        string
	Mergeable      bool
	MergeableState string
}

// ErrorKind classifies a gateway failure per spec.md §6/§7.
type ErrorKind string

const (
	KindUnauthorized   ErrorKind = "unauthorized"
	KindForbidden      ErrorKind = "forbidden"
	KindNotFound       ErrorKind = "not-found"
	KindRateLimit      ErrorKind = "rate-limit"
	KindHTTPOther      ErrorKind = "http-other"
	KindNetwork        ErrorKind = "network"
)

// Error is a classified gateway failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	ResetAt time.Time // populated for KindRateLimit
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the retry policy should re-attempt the call
// that produced this error (spec.md §4.6).
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork:
		return true
	case KindHTTPOther:
		return e.Status >= 500
	default:
		return false
	}
}

// AsGatewayError unwraps err into a *Error, if any is present in its chain.
func AsGatewayError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Gateway is IMQ's consumed method set against the hosting service.
type Gateway interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	UpdatePullRequestBranch(ctx context.Context, owner, repo string, number int) (headSHA string, err error)
	CompareCommits(ctx context.Context, owner, repo, base, head string) (*CompareResult, error)
	MergePullRequest(ctx context.Context, owner, repo string, number int, commitMessage string) error
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
	// TriggerWorkflow dispatches the named workflow at ref and returns the
	// dispatched run's id once the hosting service's run list reflects it.
	TriggerWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) (runID int64, err error)
	GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*WorkflowRun, error)
}
