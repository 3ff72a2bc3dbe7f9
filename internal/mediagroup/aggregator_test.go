package mediagroup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"postbot/internal/post"
	"postbot/pkg/logx"
)

type collector struct {
	mu      sync.Mutex
	batches [][]post.MediaItem
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 16)}
}

func (c *collector) flush(key string, items []post.MediaItem) {
	c.mu.Lock()
	c.batches = append(c.batches, items)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int, timeout time.Duration) [][]post.MediaItem {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		got := len(c.batches)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d batches, have %d", n, got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]post.MediaItem, len(c.batches))
	copy(out, c.batches)
	return out
}

func item(i int) post.MediaItem {
	return post.MediaItem{
		Kind:     post.MediaPhoto,
		FileID:   fmt.Sprintf("file-%d", i),
		UniqueID: fmt.Sprintf("uniq-%d", i),
	}
}

func TestBurstFlushesOnceOrdered(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 3, 10} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			c := newCollector()
			a := New(Config{Window: 30 * time.Millisecond, MaxItems: 10}, c.flush, logx.Nop())
			defer a.Close()

			for i := 0; i < n; i++ {
				a.Add("g1", item(i))
			}

			batches := c.wait(t, 1, 2*time.Second)
			if len(batches) != 1 {
				t.Fatalf("expected exactly one flush, got %d", len(batches))
			}
			got := batches[0]
			if len(got) != n {
				t.Fatalf("expected %d items, got %d", n, len(got))
			}
			for i, it := range got {
				if it.Position != i {
					t.Fatalf("item %d has position %d", i, it.Position)
				}
				if it.UniqueID != fmt.Sprintf("uniq-%d", i) {
					t.Fatalf("item %d out of order: %s", i, it.UniqueID)
				}
			}
		})
	}
}

func TestDuplicatesDropped(t *testing.T) {
	t.Parallel()
	c := newCollector()
	a := New(Config{Window: 30 * time.Millisecond}, c.flush, logx.Nop())
	defer a.Close()

	a.Add("g1", item(0))
	a.Add("g1", item(0)) // redelivery
	a.Add("g1", item(1))

	batches := c.wait(t, 1, 2*time.Second)
	if got := len(batches[0]); got != 2 {
		t.Fatalf("expected 2 items after dedup, got %d", got)
	}
}

func TestMaxItemsFlushesImmediately(t *testing.T) {
	t.Parallel()
	c := newCollector()
	a := New(Config{Window: time.Hour, MaxWindow: time.Hour, MaxItems: 3}, c.flush, logx.Nop())
	defer a.Close()

	for i := 0; i < 3; i++ {
		a.Add("g1", item(i))
	}

	batches := c.wait(t, 1, 2*time.Second)
	if len(batches[0]) != 3 {
		t.Fatalf("expected 3 items, got %d", len(batches[0]))
	}
}

func TestLateArrivalOpensNewGroup(t *testing.T) {
	t.Parallel()
	c := newCollector()
	a := New(Config{Window: 20 * time.Millisecond, MaxItems: 10}, c.flush, logx.Nop())
	defer a.Close()

	a.Add("g1", item(0))
	c.wait(t, 1, 2*time.Second)

	// Same key after the flush: independent group, independent flush.
	a.Add("g1", item(1))
	batches := c.wait(t, 2, 2*time.Second)
	if len(batches) != 2 {
		t.Fatalf("expected 2 flushes, got %d", len(batches))
	}
	if batches[1][0].UniqueID != "uniq-1" {
		t.Fatalf("second group has wrong item: %s", batches[1][0].UniqueID)
	}
	if batches[1][0].Position != 0 {
		t.Fatalf("new group should renumber from 0, got %d", batches[1][0].Position)
	}
}

func TestSingletonBypassesBuffer(t *testing.T) {
	t.Parallel()
	c := newCollector()
	a := New(Config{Window: time.Hour}, c.flush, logx.Nop())
	defer a.Close()

	a.Add("", item(0))

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 1 || len(c.batches[0]) != 1 {
		t.Fatalf("expected immediate singleton flush, got %v", c.batches)
	}
}

func TestFlushAllDrainsOpenGroups(t *testing.T) {
	t.Parallel()
	c := newCollector()
	a := New(Config{Window: time.Hour, MaxWindow: time.Hour}, c.flush, logx.Nop())
	defer a.Close()

	a.Add("g1", item(0))
	a.Add("g2", item(1))
	a.FlushAll()

	batches := c.wait(t, 2, 2*time.Second)
	if len(batches) != 2 {
		t.Fatalf("expected both groups flushed, got %d", len(batches))
	}
	// FlushAll already emptied everything; a second call is a no-op.
	a.FlushAll()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 2 {
		t.Fatalf("second FlushAll must not re-emit, got %d batches", len(c.batches))
	}
}

func TestConcurrentArrivalsKeepSequence(t *testing.T) {
	t.Parallel()
	c := newCollector()
	a := New(Config{Window: 50 * time.Millisecond, MaxItems: 100}, c.flush, logx.Nop())
	defer a.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Add("g1", item(i))
		}(i)
	}
	wg.Wait()

	batches := c.wait(t, 1, 2*time.Second)
	got := batches[0]
	if len(got) != n {
		t.Fatalf("expected %d items, got %d", n, len(got))
	}
	// Positions must be the dense arrival sequence even when arrival
	// goroutines race; per-key order is assigned under the lock.
	for i, it := range got {
		if it.Position != i {
			t.Fatalf("position %d at index %d", it.Position, i)
		}
	}
}
