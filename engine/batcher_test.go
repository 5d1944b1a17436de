package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

func TestBatcherAddAndDrain(t *testing.T) {
	b := NewBatcher(3, time.Second)
	if !b.Add(req(1, 0)) || !b.Add(req(2, 0)) {
		t.Fatal("Expected requests to be held")
	}
	if b.Add(req(1, 0)) {
		t.Error("Expected duplicate to be rejected")
	}
	if b.Size() != 2 {
		t.Errorf("Expected 2 held, got %d", b.Size())
	}

	out := b.Drain()
	if len(out) != 2 || out[0].Num != 1 || out[1].Num != 2 {
		t.Errorf("Expected [1 2], got %+v", out)
	}
	if b.Size() != 0 {
		t.Error("Expected empty batcher after Drain")
	}
	if !b.Add(req(1, 0)) {
		t.Error("Expected drained request number to be accepted again")
	}
}

func TestBatcherReleasesPacedBlocks(t *testing.T) {
	const delay = 30 * time.Millisecond
	b := NewBatcher(2, delay)
	pool := NewRequestPool(0)

	var mu sync.Mutex
	var releases []time.Time
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, pool.Size, func(batch []data.Request) {
			mu.Lock()
			releases = append(releases, time.Now())
			mu.Unlock()
			for _, r := range batch {
				_ = pool.Add(r)
			}
			// The proposer consumes a block right away.
			pool.PopBatch(2)
		})
	}()

	for i := int64(0); i < 6; i++ {
		b.Add(req(i, i))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(releases) == 3
	})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(releases); i++ {
		if gap := releases[i].Sub(releases[i-1]); gap < delay-5*time.Millisecond {
			t.Errorf("Release %d came %v after the previous one, expected at least %v", i, gap, delay)
		}
	}
}

func TestBatcherWaitsForFullBlock(t *testing.T) {
	b := NewBatcher(4, time.Millisecond)
	released := make(chan []data.Request, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx, func() int { return 0 }, func(batch []data.Request) { released <- batch })

	b.Add(req(1, 0))
	b.Add(req(2, 0))
	select {
	case <-released:
		t.Fatal("Expected no release below block size")
	case <-time.After(20 * time.Millisecond):
	}

	b.Add(req(3, 0))
	b.Add(req(4, 0))
	select {
	case batch := <-released:
		if len(batch) != 4 {
			t.Errorf("Expected 4 requests, got %d", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for release")
	}
}
