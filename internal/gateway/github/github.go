// Package github is the concrete gateway.Gateway backed by go-github,
// constructed the way devdashboard's repository.GitHubClient builds its
// authenticated client: an oauth2 static-token source wrapping the
// shared http.Client that go-github.NewClient takes.
package github

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/octoqueue/imq/internal/gateway"
)

// Client adapts go-github to gateway.Gateway.
type Client struct {
	client *gh.Client
}

// New builds a token-authenticated GitHub client.
func New(token string) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &Client{client: gh.NewClient(tc)}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return &gateway.Error{Kind: gateway.KindRateLimit, ResetAt: rateErr.Rate.Reset.Time, Err: err}
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &gateway.Error{Kind: gateway.KindRateLimit, Err: err}
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) {
		status := respErr.Response.StatusCode
		switch status {
		case 401:
			return &gateway.Error{Kind: gateway.KindUnauthorized, Status: status, Message: respErr.Message, Err: err}
		case 403:
			return &gateway.Error{Kind: gateway.KindForbidden, Status: status, Message: respErr.Message, Err: err}
		case 404:
			return &gateway.Error{Kind: gateway.KindNotFound, Status: status, Message: respErr.Message, Err: err}
		default:
			return &gateway.Error{Kind: gateway.KindHTTPOther, Status: status, Message: respErr.Message, Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &gateway.Error{Kind: gateway.KindNetwork, Err: err}
	}
	return &gateway.Error{Kind: gateway.KindHTTPOther, Message: err.Error(), Err: err}
}

// GetPullRequest implements gateway.Gateway.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*gateway.PullRequest, error) {
	pr, _, err := c.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("github: get pull request: %w", classify(err))
	}
	return toGatewayPR(pr), nil
}

func toGatewayPR(pr *gh.PullRequest) *gateway.PullRequest {
	return &gateway.PullRequest{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		Author:         pr.GetUser().GetLogin(),
		BaseBranch:     pr.GetBase().GetRef(),
		HeadBranch:     pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		Mergeable:      pr.GetMergeable(),
		MergeableState: pr.GetMergeableState(),
	}
}

// UpdatePullRequestBranch implements gateway.Gateway.
func (c *Client) UpdatePullRequestBranch(ctx context.Context, owner, repo string, number int) (string, error) {
	_, _, err := c.client.PullRequests.UpdateBranch(ctx, owner, repo, number, nil)
	if err != nil {
		// go-github treats the 202 Accepted body as a non-error update; any
		// other failure is a genuine gateway error.
		var acceptedErr *gh.AcceptedError
		if !errors.As(err, &acceptedErr) {
			return "", fmt.Errorf("github: update pull request branch: %w", classify(err))
		}
	}
	pr, _, getErr := c.client.PullRequests.Get(ctx, owner, repo, number)
	if getErr != nil {
		return "", fmt.Errorf("github: refetch after branch update: %w", classify(getErr))
	}
	return pr.GetHead().GetSHA(), nil
}

// CompareCommits implements gateway.Gateway.
func (c *Client) CompareCommits(ctx context.Context, owner, repo, base, head string) (*gateway.CompareResult, error) {
	cmp, _, err := c.client.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return nil, fmt.Errorf("github: compare commits: %w", classify(err))
	}
	var status gateway.CompareStatus
	switch cmp.GetStatus() {
	case "identical":
		status = gateway.CompareIdentical
	case "ahead":
		status = gateway.CompareAhead
	case "behind":
		status = gateway.CompareBehind
	default:
		status = gateway.CompareDiverged
	}
	return &gateway.CompareResult{
		Status:   status,
		AheadBy:  cmp.GetAheadBy(),
		BehindBy: cmp.GetBehindBy(),
	}, nil
}

// MergePullRequest implements gateway.Gateway (squash merge).
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, commitMessage string) error {
	opts := &gh.PullRequestOptions{MergeMethod: "squash"}
	_, _, err := c.client.PullRequests.Merge(ctx, owner, repo, number, commitMessage, opts)
	if err != nil {
		return fmt.Errorf("github: merge pull request: %w", classify(err))
	}
	return nil
}

// PostComment implements gateway.Gateway.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("github: post comment: %w", classify(err))
	}
	return nil
}

// TriggerWorkflow implements gateway.Gateway: dispatches the named
// workflow, then polls the run list briefly until the newly created run
// appears (workflow_dispatch does not return a run id synchronously).
func (c *Client) TriggerWorkflow(ctx context.Context, owner, repo, workflow, ref string, inputs map[string]string) (int64, error) {
	before := time.Now().Add(-5 * time.Second)

	event := gh.CreateWorkflowDispatchEventRequest{Ref: ref}
	if len(inputs) > 0 {
		raw := make(map[string]interface{}, len(inputs))
		for k, v := range inputs {
			raw[k] = v
		}
		event.Inputs = raw
	}
	if _, err := c.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, workflow, event); err != nil {
		return 0, fmt.Errorf("github: trigger workflow: %w", classify(err))
	}

	for attempt := 0; attempt < 10; attempt++ {
		runs, _, err := c.client.Actions.ListWorkflowRunsByFileName(ctx, owner, repo, workflow, &gh.ListWorkflowRunsOptions{
			Branch: refBranch(ref),
		})
		if err != nil {
			return 0, fmt.Errorf("github: list workflow runs: %w", classify(err))
		}
		for _, run := range runs.WorkflowRuns {
			if run.GetCreatedAt().Time.After(before) {
				return run.GetID(), nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return 0, fmt.Errorf("github: trigger workflow: dispatched run did not appear in run list")
}

func refBranch(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}

// GetWorkflowRun implements gateway.Gateway.
func (c *Client) GetWorkflowRun(ctx context.Context, owner, repo string, runID int64) (*gateway.WorkflowRun, error) {
	run, _, err := c.client.Actions.GetWorkflowRunByID(ctx, owner, repo, runID)
	if err != nil {
		return nil, fmt.Errorf("github: get workflow run: %w", classify(err))
	}
	return &gateway.WorkflowRun{
		ID:         run.GetID(),
		Status:     run.GetStatus(),
		Conclusion: run.GetConclusion(),
	}, nil
}
