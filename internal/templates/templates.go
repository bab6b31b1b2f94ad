// Package templates renders the PR-facing notification bodies IMQ posts
// when an entry leaves the queue for a non-merge reason: a conflict, a
// failed check run, or a failed merge attempt (spec.md §4.3, SPEC_FULL.md
// §13). Rendering follows the teacher's plain string-building register —
// short, single-purpose templates, no layout inheritance — expressed with
// text/template instead of Sprintf so the three bodies stay data-driven
// and are easy to override via SystemConfiguration.
package templates

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/octoqueue/imq/internal/domain"
)

// Default bodies, used whenever a SystemConfiguration leaves its
// NotificationTemplates fields blank.
const (
	DefaultConflict = "This pull request could not be merged into `{{.BaseBranch}}` because it conflicts with changes already in the queue. " +
		"Please rebase or merge the latest `{{.BaseBranch}}` and the merge queue will pick it up again once re-labeled."

	DefaultChecksFailed = "Merge queue checks failed for this pull request:\n" +
		"{{range .FailedChecks}}- {{.}}\n{{end}}" +
		"Please address the above and re-add this pull request to the queue."

	DefaultMergeFailed = "This pull request passed all queue checks but could not be merged: {{.Reason}}. " +
		"It has been removed from the queue; please re-add it once resolved."
)

// ConflictData is the template data for the conflict notification.
type ConflictData struct {
	BaseBranch string
	HeadBranch string
}

// ChecksFailedData is the template data for the checks_failed notification.
type ChecksFailedData struct {
	FailedChecks []string
}

// MergeFailedData is the template data for the merge_failed notification.
type MergeFailedData struct {
	Reason string
}

// Renderer renders IMQ's three notification bodies from a
// domain.NotificationTemplates override set, falling back to the
// package defaults for any blank field.
type Renderer struct {
	conflict     *template.Template
	checksFailed *template.Template
	mergeFailed  *template.Template
}

// New compiles t's (possibly partially blank) overrides against the
// package defaults. Returns an error if an override fails to parse.
func New(t domain.NotificationTemplates) (*Renderer, error) {
	conflict := t.Conflict
	if strings.TrimSpace(conflict) == "" {
		conflict = DefaultConflict
	}
	checksFailed := t.ChecksFailed
	if strings.TrimSpace(checksFailed) == "" {
		checksFailed = DefaultChecksFailed
	}
	mergeFailed := t.MergeFailed
	if strings.TrimSpace(mergeFailed) == "" {
		mergeFailed = DefaultMergeFailed
	}

	r := &Renderer{}
	var err error
	if r.conflict, err = template.New("conflict").Parse(conflict); err != nil {
		return nil, fmt.Errorf("templates: parse conflict: %w", err)
	}
	if r.checksFailed, err = template.New("checks_failed").Parse(checksFailed); err != nil {
		return nil, fmt.Errorf("templates: parse checks_failed: %w", err)
	}
	if r.mergeFailed, err = template.New("merge_failed").Parse(mergeFailed); err != nil {
		return nil, fmt.Errorf("templates: parse merge_failed: %w", err)
	}
	return r, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// Conflict renders the conflict notification.
func (r *Renderer) Conflict(data ConflictData) (string, error) {
	return render(r.conflict, data)
}

// ChecksFailed renders the checks_failed notification.
func (r *Renderer) ChecksFailed(data ChecksFailedData) (string, error) {
	return render(r.checksFailed, data)
}

// MergeFailed renders the merge_failed notification.
func (r *Renderer) MergeFailed(data MergeFailedData) (string, error) {
	return render(r.mergeFailed, data)
}
