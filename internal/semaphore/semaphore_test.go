package semaphore

import (
	"context"
	"testing"
	"time"
)

func TestAcquireRespectsCapacity(t *testing.T) {
	s := New(2)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.InUse() != 2 {
		t.Fatalf("expected InUse() == 2, got %d", s.InUse())
	}

	acquired := make(chan struct{})
	go func() {
		_ = s.Acquire(ctx)
		acquired <- struct{}{}
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire should have blocked while capacity is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire never unblocked after Release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	s := New(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to fail once its context deadline passed")
	}
}

func TestReleaseWithoutAcquireIsIgnored(t *testing.T) {
	s := New(1)
	s.Release() // must not panic or go negative
	if s.InUse() != 0 {
		t.Fatalf("expected InUse() == 0, got %d", s.InUse())
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCapacityDefaultsToOne(t *testing.T) {
	s := New(0)
	if s.Capacity() != 1 {
		t.Fatalf("expected a non-positive capacity to default to 1, got %d", s.Capacity())
	}
}
