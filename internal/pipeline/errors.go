package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/octoqueue/imq/internal/gateway"
)

// MergingError is the terminal, PR-facing error surfaced when a gateway
// failure, a branch conflict, or a failed mergeability probe prevents an
// entry from advancing (spec.md §4.3). Kind "conflict" is produced
// locally by conflictDetect, and merge produces "not_mergeable" locally
// when the re-fetched PR is not mergeable; every other instance comes
// from translateGatewayError.
type MergingError struct {
	Kind    string // "conflict", "unauthorized", "branch_protection", "not_mergeable", "api_error"
	Message string
	Err     error
}

func (e *MergingError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("merging error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("merging error (%s)", e.Kind)
}

func (e *MergingError) Unwrap() error { return e.Err }

// ChecksFailedError reports that one or more configured checks failed.
type ChecksFailedError struct {
	FailedChecks []string
}

func (e *ChecksFailedError) Error() string {
	return fmt.Sprintf("checks failed: %s", strings.Join(e.FailedChecks, ", "))
}

func asMergingError(err error, target **MergingError) bool {
	return errors.As(err, target)
}

func asChecksFailed(err error, target **ChecksFailedError) bool {
	return errors.As(err, target)
}

// translateGatewayError implements spec.md §4.3's error translation
// table: Unauthorized -> MergingError.Unauthorized; Forbidden ->
// BranchProtectionViolation; NotFound -> NotMergeable("not found");
// anything else -> wrapped ApiError.
func translateGatewayError(err error) *MergingError {
	ge, ok := gateway.AsGatewayError(err)
	if !ok {
		return &MergingError{Kind: "api_error", Message: err.Error(), Err: err}
	}
	switch ge.Kind {
	case gateway.KindUnauthorized:
		return &MergingError{Kind: "unauthorized", Message: ge.Message, Err: err}
	case gateway.KindForbidden:
		return &MergingError{Kind: "branch_protection", Message: "branch protection violation", Err: err}
	case gateway.KindNotFound:
		return &MergingError{Kind: "not_mergeable", Message: "not found", Err: err}
	default:
		return &MergingError{Kind: "api_error", Message: ge.Message, Err: err}
	}
}
