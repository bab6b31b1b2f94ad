// Package processor runs IMQ's top-level queue processing loop: fetch
// every queue, submit non-empty ones to the fair scheduler, then drain
// the scheduler's picks into the pipeline under a bounded concurrency
// gate (spec.md §4.1). Structured like the teacher's scheduler.go
// Start/worker/poller split (control_plane/scheduler/scheduler.go): a
// ticker-driven loop goroutine that runs until the context passed to
// Start is cancelled, panic recovery, and a Stop that waits, bounded,
// for in-flight work to drain.
package processor

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/octoqueue/imq/internal/domain"
	"github.com/octoqueue/imq/internal/eventbus"
	"github.com/octoqueue/imq/internal/metrics"
	"github.com/octoqueue/imq/internal/pipeline"
	"github.com/octoqueue/imq/internal/scheduler"
	"github.com/octoqueue/imq/internal/semaphore"
	"github.com/octoqueue/imq/internal/store"
)

const (
	defaultPollInterval    = 30 * time.Second
	defaultShutdownTimeout = 60 * time.Second
	loopErrorBackoff       = 5 * time.Second
)

// ErrAlreadyRunning is returned by Start when the loop is already active.
var ErrAlreadyRunning = errors.New("processor: already running")

// ErrNotRunning is returned by operations that require a running loop.
var ErrNotRunning = errors.New("processor: not running")

// Processor owns the poll-schedule-dispatch loop.
type Processor struct {
	repo     store.Repository
	sched    *scheduler.Scheduler
	pipe     *pipeline.Pipeline
	sem      *semaphore.Semaphore
	bus      *eventbus.Bus

	pollInterval    time.Duration
	shutdownTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
}

// New builds a Processor. sem bounds how many entries may be in the
// pipeline concurrently (spec.md §5).
func New(repo store.Repository, sched *scheduler.Scheduler, pipe *pipeline.Pipeline, sem *semaphore.Semaphore, bus *eventbus.Bus) *Processor {
	return &Processor{
		repo:            repo,
		sched:           sched,
		pipe:            pipe,
		sem:             sem,
		bus:             bus,
		pollInterval:    defaultPollInterval,
		shutdownTimeout: defaultShutdownTimeout,
		done:            make(chan struct{}),
	}
}

// SetPollInterval overrides the loop's tick cadence (spec.md §4.1's
// processingInterval, default 30s).
func (p *Processor) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

// SetShutdownTimeout overrides how long Stop waits for in-flight
// pipeline runs to drain (spec.md §4.1's shutdownTimeout, default 60s).
func (p *Processor) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		p.shutdownTimeout = d
	}
}

// Start launches the loop goroutine and returns immediately. Fails
// with ErrAlreadyRunning if called twice without an intervening Stop
// (spec.md §4.1).
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	log.Println("processor: starting queue processing loop")
	p.publish(eventbus.ProcessorStarted, "")
	go p.loop(ctx)
	return nil
}

// loop refills the scheduler from the store and dispatches its picks
// once per tick, until ctx is cancelled.
func (p *Processor) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("processor: loop panicked: %v", r)
			metrics.ProcessorErrors.Inc()
		}
	}()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("processor: loop stopping, context cancelled")
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				log.Printf("processor: tick error: %v", err)
				metrics.ProcessorErrors.Inc()
				select {
				case <-ctx.Done():
					return
				case <-time.After(loopErrorBackoff):
				}
			}
		}
	}
}

// tick refills the scheduler from every known queue, then dispatches as
// many queues as the scheduler yields, each gated by the semaphore.
func (p *Processor) tick(ctx context.Context) error {
	queues, err := p.repo.FindAllQueues(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		entries, err := p.repo.GetEntries(ctx, q.ID)
		if err != nil {
			log.Printf("processor: load entries for queue %s: %v", q.ID, err)
			continue
		}
		q.Entries = entries
		p.sched.Schedule(q)
	}

	for {
		q := p.sched.NextQueue()
		if q == nil {
			break
		}
		p.dispatch(ctx, q)
	}
	return nil
}

// dispatch finds q's head entry, if pending, and runs it through the
// pipeline on its own goroutine, bounded by the concurrency semaphore.
func (p *Processor) dispatch(ctx context.Context, q *domain.Queue) {
	var head *domain.QueueEntry
	for _, e := range q.Entries {
		if e.Position == 0 {
			head = e
			break
		}
	}
	if head == nil || head.Status != domain.StatusPending {
		return
	}

	waitStart := time.Now()
	if err := p.sem.Acquire(ctx); err != nil {
		return // shutting down
	}
	metrics.SemaphoreWaitSeconds.Observe(time.Since(waitStart).Seconds())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("processor: pipeline run panicked for entry %s: %v", head.ID, r)
				metrics.ProcessorErrors.Inc()
			}
		}()
		if err := p.pipe.Process(ctx, head); err != nil {
			log.Printf("processor: entry %s finished with error: %v", head.ID, err)
		}
	}()
}

// Stop waits up to shutdownTimeout for in-flight pipeline runs to
// finish, mirroring the teacher's bounded drain wait. It does not
// cancel anything itself: the loop keeps ticking and dispatching until
// the caller cancels the context passed to Start. Call once. Fails with
// ErrNotRunning if Start was never called (or already Stopped).
func (p *Processor) Stop() error {
	if !p.running.Load() {
		return ErrNotRunning
	}
	p.stopOnce.Do(func() {
		p.publish(eventbus.ProcessorShuttingDown, "")
		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			log.Println("processor: all in-flight entries drained")
		case <-time.After(p.shutdownTimeout):
			log.Println("processor: shutdown timeout reached with entries still in flight")
			metrics.ProcessorForcedShutdowns.Inc()
		}
		p.publish(eventbus.ProcessorStopped, "")
		p.running.Store(false)
		close(p.done)
	})
	return nil
}

// Done reports when Stop has finished (or been superseded by a forced
// shutdown timeout).
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) publish(kind eventbus.Kind, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Kind: kind, Reason: reason})
}
