// Package semaphore is IMQ's counting semaphore for bounding concurrent
// pipeline runs (spec.md §9: "a counting semaphore with a bounded queue
// of waiters released FIFO; wait blocks, signal wakes one waiter").
// Grounded on the teacher's scheduler, which hand-rolls its global
// concurrency budget with a mutex-guarded counter rather than reaching
// for golang.org/x/sync/semaphore; IMQ follows the same instinct but
// expresses it as a buffered channel, whose runtime wait queue is FIFO,
// instead of a busy-checked counter.
package semaphore

import "context"

// Semaphore gates concurrent access to a resource of fixed capacity.
type Semaphore struct {
	slots chan struct{}
}

// New returns a Semaphore with the given capacity.
func New(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one slot, waking the longest-waiting Acquire call.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
		// Release without a matching Acquire is a caller bug; ignored
		// rather than panicking, matching the teacher's tolerant style
		// around its activeTasks counter.
	}
}

// InUse reports the number of slots currently held.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}

// Capacity returns the semaphore's fixed size.
func (s *Semaphore) Capacity() int {
	return cap(s.slots)
}
