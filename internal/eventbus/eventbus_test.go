package eventbus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []Kind

	record := func(evt Event) error {
		mu.Lock()
		got = append(got, evt.Kind)
		mu.Unlock()
		return nil
	}
	b.Subscribe(record)
	b.Subscribe(record)

	b.Publish(Event{Kind: QueueEntryAdded})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0

	sub := b.Subscribe(func(Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	sub.Unsubscribe()
	sub.Unsubscribe() // safe to call twice

	b.Publish(Event{Kind: QueueEntryAdded})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestPublishStampsTimestampWhenZero(t *testing.T) {
	b := New()
	done := make(chan Event, 1)
	b.Subscribe(func(evt Event) error {
		done <- evt
		return nil
	})

	b.Publish(Event{Kind: CheckStarted})
	select {
	case evt := <-done:
		if evt.Timestamp.IsZero() {
			t.Fatal("expected Publish to stamp a non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

// TestHandlerPanicDoesNotCrashPublisher exercises the panic-recovery
// wrapper around each handler invocation (spec.md §5/§7: a misbehaving
// subscriber cannot take down the publisher).
func TestHandlerPanicDoesNotCrashPublisher(t *testing.T) {
	b := New()
	recovered := make(chan struct{}, 1)

	b.Subscribe(func(Event) error {
		panic("boom")
	})
	b.Subscribe(func(Event) error {
		recovered <- struct{}{}
		return nil
	})

	b.Publish(Event{Kind: MergeFailed})
	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("sibling handler never ran after a panicking handler")
	}
}

func TestHandlerErrorIsSwallowed(t *testing.T) {
	b := New()
	called := make(chan struct{}, 1)
	b.Subscribe(func(Event) error {
		called <- struct{}{}
		return errors.New("boom")
	})
	b.Publish(Event{Kind: MergeFailed})
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
