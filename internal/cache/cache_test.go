package cache

import (
	"context"
	"testing"
	"time"

	"github.com/octoqueue/imq/internal/domain"
)

func TestSetThenGetRoundTrips(t *testing.T) {
	c := New(10, time.Hour, nil)
	ctx := context.Background()
	key := Key{SHA: "abc123", CheckName: "lint"}

	c.Set(ctx, key, domain.CheckPassed, "all good")

	status, output, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if status != domain.CheckPassed || output != "all good" {
		t.Fatalf("unexpected cached value: %v %q", status, output)
	}
}

func TestGetMissOnUnknownKey(t *testing.T) {
	c := New(10, time.Hour, nil)
	if _, _, ok := c.Get(context.Background(), Key{SHA: "nope", CheckName: "lint"}); ok {
		t.Fatal("expected a cache miss")
	}
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	c := New(10, 10*time.Millisecond, nil)
	ctx := context.Background()
	key := Key{SHA: "abc", CheckName: "build"}
	c.Set(ctx, key, domain.CheckPassed, "ok")

	time.Sleep(30 * time.Millisecond)

	if _, _, ok := c.Get(ctx, key); ok {
		t.Fatal("expected the entry to have expired")
	}
}

// TestEvictionKeepsCacheUnderCap exercises spec.md §4.7's "evict the
// oldest 10% by creation time when the cap is exceeded" rule.
func TestEvictionKeepsCacheUnderCap(t *testing.T) {
	c := New(10, time.Hour, nil)
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		key := Key{SHA: string(rune('a' + i)), CheckName: "check"}
		c.Set(ctx, key, domain.CheckPassed, "")
		time.Sleep(time.Millisecond) // keep creation order stable
	}

	hits := 0
	for i := 0; i < 11; i++ {
		key := Key{SHA: string(rune('a' + i)), CheckName: "check"}
		if _, _, ok := c.Get(ctx, key); ok {
			hits++
		}
	}
	if hits >= 11 {
		t.Fatalf("expected eviction to have dropped at least one entry, all %d survived", hits)
	}

	// The very first entry written is the oldest and should have been evicted.
	if _, _, ok := c.Get(ctx, Key{SHA: "a", CheckName: "check"}); ok {
		t.Fatal("expected the oldest entry to be evicted first")
	}
}

func TestInvalidateBySHARemovesOnlyMatchingEntries(t *testing.T) {
	c := New(10, time.Hour, nil)
	ctx := context.Background()
	c.Set(ctx, Key{SHA: "sha1", CheckName: "lint"}, domain.CheckPassed, "")
	c.Set(ctx, Key{SHA: "sha1", CheckName: "build"}, domain.CheckPassed, "")
	c.Set(ctx, Key{SHA: "sha2", CheckName: "lint"}, domain.CheckPassed, "")

	c.InvalidateBySHA("sha1")

	if _, _, ok := c.Get(ctx, Key{SHA: "sha1", CheckName: "lint"}); ok {
		t.Fatal("expected sha1/lint to be invalidated")
	}
	if _, _, ok := c.Get(ctx, Key{SHA: "sha1", CheckName: "build"}); ok {
		t.Fatal("expected sha1/build to be invalidated")
	}
	if _, _, ok := c.Get(ctx, Key{SHA: "sha2", CheckName: "lint"}); !ok {
		t.Fatal("expected sha2/lint to survive invalidation of a different SHA")
	}
}

func TestSweepRemovesOnlyExpiredEntries(t *testing.T) {
	c := New(10, 10*time.Millisecond, nil)
	ctx := context.Background()
	c.Set(ctx, Key{SHA: "old", CheckName: "lint"}, domain.CheckPassed, "")
	time.Sleep(20 * time.Millisecond)
	c.Set(ctx, Key{SHA: "fresh", CheckName: "lint"}, domain.CheckPassed, "")

	removed := c.Sweep()
	if removed != 1 {
		t.Fatalf("expected Sweep to remove exactly 1 expired entry, removed %d", removed)
	}
	if _, _, ok := c.Get(ctx, Key{SHA: "fresh", CheckName: "lint"}); !ok {
		t.Fatal("expected the fresh entry to survive Sweep")
	}
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c := New(10, time.Hour, nil)
	ctx := context.Background()
	key := Key{SHA: "x", CheckName: "lint"}
	c.Set(ctx, key, domain.CheckPassed, "")

	c.Get(ctx, key)
	c.Get(ctx, Key{SHA: "missing", CheckName: "lint"})

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got hits=%d misses=%d", hits, misses)
	}
}
