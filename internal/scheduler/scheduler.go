// Package scheduler implements the fair scheduler: Weighted Deficit
// Round Robin (WDRR) over queues, per spec.md §4.2. Structured like the
// teacher's scheduler package (a mutex-guarded slice, a thin
// thread-safe wrapper, a small metrics snapshot struct) with a new
// algorithm — WDRR is not in the teacher, and has no direct analogue
// in the rest of the retrieved pack.
package scheduler

import (
	"sync"

	"github.com/octoqueue/imq/internal/domain"
)

// entry is one queue's WDRR bookkeeping.
type entry struct {
	queue   *domain.Queue
	weight  int
	deficit int
}

// Scheduler holds the WDRR candidate list. schedule/nextQueue are the
// only methods that mutate it; external callers never touch the slice
// directly (spec.md §5).
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry

	selections map[domain.Priority]int64 // cumulative picks per priority class, for Metrics
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{selections: make(map[domain.Priority]int64)}
}

// Schedule submits q for consideration. Empty queues are skipped
// (spec.md §4.2); non-empty queues start with deficit = 0.
func (s *Scheduler) Schedule(q *domain.Queue) {
	if len(q.Entries) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.queue.ID == q.ID {
			return // already scheduled this round
		}
	}
	s.entries = append(s.entries, &entry{queue: q, weight: q.Priority().Weight(), deficit: 0})
}

// NextQueue selects and removes the queue with the greatest deficit,
// tie-broken toward the greater Priority enum value (higher priority
// class, since domain.Priority numbers Critical highest), then increments every remaining entry's deficit by its
// weight (spec.md §4.2). Returns nil when no queue is scheduled.
func (s *Scheduler) NextQueue() *domain.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return nil
	}

	best := 0
	for i := 1; i < len(s.entries); i++ {
		if s.entries[i].deficit > s.entries[best].deficit {
			best = i
		} else if s.entries[i].deficit == s.entries[best].deficit {
			// domain.Priority ranks Critical highest numerically, so a
			// deficit tie favors the greater value: higher priority class.
			if s.entries[i].queue.Priority() > s.entries[best].queue.Priority() {
				best = i
			}
		}
	}

	picked := s.entries[best]
	s.entries = append(s.entries[:best], s.entries[best+1:]...)

	for _, e := range s.entries {
		e.deficit += e.weight
	}

	s.selections[picked.queue.Priority()]++
	return picked.queue
}

// Len reports how many queues are currently scheduled.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Selections returns a copy of the cumulative per-priority selection
// counts. These counts are not fed into imq_scheduler_selections_total;
// nothing outside this package reads them.
func (s *Scheduler) Selections() map[domain.Priority]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Priority]int64, len(s.selections))
	for k, v := range s.selections {
		out[k] = v
	}
	return out
}
