package checks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/octoqueue/imq/internal/cache"
	"github.com/octoqueue/imq/internal/domain"
)

// InvalidConfigurationError reports a cyclic or dangling CheckConfiguration.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("checks: invalid configuration: %s", e.Reason)
}

// Engine is the check-execution engine: it topologically orders a
// CheckConfiguration's checks into dependency levels and runs each
// level's checks in parallel via errgroup, honoring fail-fast and
// result caching (spec.md §4.4).
type Engine struct {
	factory *ExecutorFactory
	cache   *cache.Cache
	owner   string
	repo    string
}

// NewEngine builds an Engine that dispatches checks against owner/repo.
func NewEngine(factory *ExecutorFactory, resultCache *cache.Cache, owner, repo string) *Engine {
	return &Engine{factory: factory, cache: resultCache, owner: owner, repo: repo}
}

// levels groups checks by dependency level: level(c) = 0 if no deps,
// else 1 + max(level(d) for d in deps). Returns an error if the
// dependency graph is cyclic or references an unknown check id.
func levels(cfg domain.CheckConfiguration) ([][]domain.Check, error) {
	byID := make(map[string]domain.Check, len(cfg.Checks))
	for _, c := range cfg.Checks {
		byID[c.ID] = c
	}
	for _, c := range cfg.Checks {
		for _, dep := range c.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, &InvalidConfigurationError{Reason: fmt.Sprintf("check %q references unknown dependency %q", c.Name, dep)}
			}
		}
	}

	level := make(map[string]int, len(cfg.Checks))
	visiting := make(map[string]bool)
	var resolve func(id string) (int, error)
	resolve = func(id string) (int, error) {
		if l, ok := level[id]; ok {
			return l, nil
		}
		if visiting[id] {
			return 0, &InvalidConfigurationError{Reason: fmt.Sprintf("cyclic dependency involving check %q", id)}
		}
		visiting[id] = true
		defer delete(visiting, id)

		c := byID[id]
		l := 0
		for _, dep := range c.Dependencies {
			depLevel, err := resolve(dep)
			if err != nil {
				return 0, err
			}
			if depLevel+1 > l {
				l = depLevel + 1
			}
		}
		level[id] = l
		return l, nil
	}

	maxLevel := 0
	for _, c := range cfg.Checks {
		l, err := resolve(c.ID)
		if err != nil {
			return nil, err
		}
		if l > maxLevel {
			maxLevel = l
		}
	}

	grouped := make([][]domain.Check, maxLevel+1)
	for _, c := range cfg.Checks {
		l := level[c.ID]
		grouped[l] = append(grouped[l], c)
	}
	return grouped, nil
}

// Run executes cfg against pr, returning results in the original input
// order (not level order), per spec.md §4.4.
func (e *Engine) Run(ctx context.Context, pr *domain.PullRequest, cfg domain.CheckConfiguration) (domain.CheckExecutionResult, error) {
	grouped, err := levels(cfg)
	if err != nil {
		return domain.CheckExecutionResult{}, err
	}

	var mu sync.Mutex
	resultsByID := make(map[string]domain.CheckResult, len(cfg.Checks))
	failed := make(map[string]bool)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, level := range grouped {
		if runCtx.Err() != nil {
			// fail-fast already triggered at a previous level. A check whose
			// own dependency is among the failed set is skipped regardless
			// of fail-fast (spec.md §4.4); only a check that simply never
			// got the chance to run is cancelled.
			for _, c := range level {
				mu.Lock()
				depFailed := false
				for _, dep := range c.Dependencies {
					if failed[dep] {
						depFailed = true
						break
					}
				}
				status := domain.CheckCancelled
				output := "cancelled by fail-fast"
				if depFailed {
					status, output = domain.CheckSkipped, "dependency failed"
				}
				resultsByID[c.ID] = domain.CheckResult{Check: c, Status: status, Output: output, StartedAt: time.Now(), CompletedAt: time.Now()}
				mu.Unlock()
			}
			continue
		}

		g, gctx := errgroup.WithContext(runCtx)
		for _, c := range level {
			c := c
			g.Go(func() error {
				result := e.runOne(gctx, pr, c, failed, &mu)
				mu.Lock()
				resultsByID[c.ID] = result
				isFailed := result.Status == domain.CheckFailed
				if isFailed {
					failed[c.ID] = true
				}
				mu.Unlock()
				if isFailed && cfg.FailFast {
					cancel()
				}
				return nil
			})
		}
		_ = g.Wait()

		if cfg.FailFast && runCtx.Err() != nil {
			// Do not advance to the next level (spec.md §4.4).
			continue
		}
	}

	out := domain.CheckExecutionResult{AllPassed: true}
	for _, c := range cfg.Checks {
		r := resultsByID[c.ID]
		out.Results = append(out.Results, r)
		if r.Status == domain.CheckFailed {
			out.AllPassed = false
			out.FailedChecks = append(out.FailedChecks, c.Name)
		}
	}
	return out, nil
}

// runOne executes (or serves from cache) a single check, skipping it if
// any dependency already failed.
func (e *Engine) runOne(ctx context.Context, pr *domain.PullRequest, c domain.Check, failedSoFar map[string]bool, mu *sync.Mutex) domain.CheckResult {
	started := time.Now()

	mu.Lock()
	depFailed := false
	for _, dep := range c.Dependencies {
		if failedSoFar[dep] {
			depFailed = true
			break
		}
	}
	mu.Unlock()
	if depFailed {
		return domain.CheckResult{Check: c, Status: domain.CheckSkipped, Output: "dependency failed", StartedAt: started, CompletedAt: time.Now()}
	}

	if e.cache != nil {
		if status, output, ok := e.cache.Get(ctx, cache.Key{SHA: pr.HeadSHA, CheckName: c.Name}); ok {
			return domain.CheckResult{Check: c, Status: status, Output: output, StartedAt: started, CompletedAt: time.Now()}
		}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	executor := e.factory.For(c.Kind, e.owner, e.repo)
	status, output, err := executor.Execute(execCtx, pr, c)
	completed := time.Now()

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		status, output = domain.CheckFailed, fmt.Sprintf("check %q timed out after %s", c.Name, c.Timeout)
	case ctx.Err() == context.Canceled:
		status, output = domain.CheckCancelled, "cancelled by fail-fast"
	case err != nil:
		status, output = domain.CheckFailed, err.Error()
	}

	if e.cache != nil && (status == domain.CheckPassed || status == domain.CheckFailed) {
		e.cache.Set(ctx, cache.Key{SHA: pr.HeadSHA, CheckName: c.Name}, status, output)
	}

	return domain.CheckResult{Check: c, Status: status, Output: output, StartedAt: started, CompletedAt: completed}
}
