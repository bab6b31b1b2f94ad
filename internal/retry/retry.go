// Package retry implements IMQ's exponential-backoff retry policy
// (spec.md §4.6). It receives a closure and re-invokes it up to
// maxRetries times on classified-retriable errors — the teacher's
// design note for "retries implemented via exceptions become explicit
// error values returned from each stage" (spec.md §9) applied directly.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy holds the backoff schedule's parameters, with production
// defaults matching spec.md §4.6.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the spec's default backoff schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
	}
}

// Classifier reports whether err should be retried.
type Classifier func(error) bool

// errRetriable is the interface gateway.Error (and any future error
// type) implements to self-classify; avoids an import of the gateway
// package here and keeps retry dependency-free.
type errRetriable interface {
	Retriable() bool
}

// DefaultClassifier retries errors that self-report as retriable via
// an errRetriable interface, and context.DeadlineExceeded/Canceled are
// always terminal (spec.md §7: cancellations are recorded, not retried).
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r errRetriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}

// Delay returns the backoff duration for attempt n (0-indexed), capped
// at MaxDelay, per spec.md's `min(baseDelay * 2^n, maxDelay)`.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Jittered returns d perturbed by up to ±25%, to avoid thundering-herd
// retries across many pipeline tasks backing off in lockstep.
func Jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := time.Duration(rand.Int63n(int64(d) / 2))
	return d - d/4 + delta
}

// Do invokes fn, retrying on classify-retriable errors up to
// p.MaxRetries additional times. On the final attempt, the last error
// is returned to the caller (spec.md §4.6).
func Do(ctx context.Context, p Policy, classify Classifier, fn func(ctx context.Context) error) error {
	if classify == nil {
		classify = DefaultClassifier
	}
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) || attempt == p.MaxRetries {
			return lastErr
		}
		delay := Jittered(p.Delay(attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
