package idgen

import (
	"sync"
	"testing"
	"time"
)

func TestNextMonotonicSameTimestamp(t *testing.T) {
	g := New()
	now := time.Now()

	prev := g.Next(now)
	for i := 0; i < 10000; i++ {
		id := g.Next(now)
		if id <= prev {
			t.Fatalf("iteration %d: %q not greater than %q", i, id, prev)
		}
		prev = id
	}
}

func TestNextMonotonicAcrossTimestamps(t *testing.T) {
	g := New()
	base := time.Now()

	prev := g.Next(base)
	for i := 1; i <= 1000; i++ {
		id := g.Next(base.Add(time.Duration(i) * time.Millisecond))
		if id <= prev {
			t.Fatalf("step %d: %q not greater than %q", i, id, prev)
		}
		prev = id
	}
}

func TestNextClockRegression(t *testing.T) {
	g := New()
	now := time.Now()

	before := g.Next(now)
	after := g.Next(now.Add(-time.Hour))
	if after <= before {
		t.Errorf("id for regressed clock %q not greater than %q", after, before)
	}
}

func TestNextUniqueUnderConcurrency(t *testing.T) {
	g := New()
	now := time.Now()

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, g.Next(now))
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if seen[id] {
					t.Errorf("duplicate id %q", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("got %d unique ids, want %d", len(seen), workers*perWorker)
	}
}
