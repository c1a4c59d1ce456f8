package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestMemoryCacheHitAndMiss(t *testing.T) {
	c := NewMemory(8, time.Minute)
	ctx := context.Background()

	if _, ok := c.Lookup(ctx, "fp-1"); ok {
		t.Error("lookup on empty cache returned a hit")
	}

	c.Store(ctx, "fp-1", json.RawMessage(`["quantum"]`))
	got, ok := c.Lookup(ctx, "fp-1")
	if !ok {
		t.Fatal("expected hit after store")
	}
	if string(got) != `["quantum"]` {
		t.Errorf("Lookup = %s", got)
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemory(8, time.Minute)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Store(ctx, "fp-1", json.RawMessage(`"v"`))

	c.now = func() time.Time { return base.Add(59 * time.Second) }
	if _, ok := c.Lookup(ctx, "fp-1"); !ok {
		t.Error("entry expired before TTL")
	}

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, ok := c.Lookup(ctx, "fp-1"); ok {
		t.Error("entry survived past TTL")
	}
	// Lazy expiry removes the entry entirely.
	if len(c.entries) != 0 {
		t.Errorf("expired entry retained, %d entries left", len(c.entries))
	}
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemory(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Store(ctx, fmt.Sprintf("fp-%d", i), json.RawMessage(`"v"`))
	}
	// Touch fp-0 so fp-1 becomes least recently used.
	if _, ok := c.Lookup(ctx, "fp-0"); !ok {
		t.Fatal("fp-0 missing")
	}

	c.Store(ctx, "fp-3", json.RawMessage(`"v"`))

	if _, ok := c.Lookup(ctx, "fp-1"); ok {
		t.Error("LRU entry fp-1 survived eviction")
	}
	for _, fp := range []string{"fp-0", "fp-2", "fp-3"} {
		if _, ok := c.Lookup(ctx, fp); !ok {
			t.Errorf("%s evicted unexpectedly", fp)
		}
	}
}

func TestMemoryCacheOverwrite(t *testing.T) {
	c := NewMemory(8, time.Minute)
	ctx := context.Background()

	c.Store(ctx, "fp-1", json.RawMessage(`"first"`))
	c.Store(ctx, "fp-1", json.RawMessage(`"second"`))

	got, ok := c.Lookup(ctx, "fp-1")
	if !ok || string(got) != `"second"` {
		t.Errorf("Lookup = %s ok=%v, want \"second\"", got, ok)
	}
	if len(c.entries) != 1 {
		t.Errorf("overwrite duplicated the entry: %d entries", len(c.entries))
	}
}

func TestMemoryCacheReturnsCopy(t *testing.T) {
	c := NewMemory(8, time.Minute)
	ctx := context.Background()

	c.Store(ctx, "fp-1", json.RawMessage(`"abc"`))
	got, _ := c.Lookup(ctx, "fp-1")
	got[0] = '!'

	again, _ := c.Lookup(ctx, "fp-1")
	if string(again) != `"abc"` {
		t.Errorf("cached value mutated through returned slice: %s", again)
	}
}
