package engine

import (
	"context"
	"sync"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

// Batcher holds back fresh requests and releases them towards the proposer no
// faster than one block per delay. It models a slow primary.
type Batcher struct {
	blockSize   int
	delay       time.Duration
	held        []data.Request
	heldIDs     map[int64]bool
	lastRelease time.Time
	closed      bool
	mu          sync.Mutex
	cond        *sync.Cond
}

// NewBatcher creates a batcher releasing blocks of blockSize.
func NewBatcher(blockSize int, delay time.Duration) *Batcher {
	b := &Batcher{
		blockSize: blockSize,
		delay:     delay,
		heldIDs:   make(map[int64]bool),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add holds a request. Duplicates are ignored and reported as false.
func (b *Batcher) Add(req data.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.heldIDs[req.Num] {
		return false
	}
	b.held = append(b.held, req)
	b.heldIDs[req.Num] = true
	b.cond.Signal()
	return true
}

// Drain removes and returns everything held.
func (b *Batcher) Drain() []data.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take(len(b.held))
}

// take removes the first n held requests (called with lock held).
func (b *Batcher) take(n int) []data.Request {
	if n <= 0 {
		return nil
	}
	out := append([]data.Request(nil), b.held[:n]...)
	b.held = b.held[n:]
	for i := range out {
		delete(b.heldIDs, out[i].Num)
	}
	return out
}

// Size returns how many requests are held.
func (b *Batcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

// Close wakes Run and makes it return.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Run waits until pending() plus the held requests make a full block, sleeps out
// the remainder of the delay since the previous release, then hands release just
// enough requests to top the pending pool up to one block.
func (b *Batcher) Run(ctx context.Context, pending func() int, release func([]data.Request)) {
	stop := context.AfterFunc(ctx, b.Close)
	defer stop()

	for {
		b.mu.Lock()
		for !b.closed && (len(b.held) == 0 || pending()+len(b.held) < b.blockSize) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		wait := b.delay - time.Since(b.lastRelease)
		b.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		b.mu.Lock()
		b.lastRelease = time.Now()
		n := b.blockSize - pending()
		if n > len(b.held) {
			n = len(b.held)
		}
		out := b.take(n)
		b.mu.Unlock()

		if len(out) > 0 {
			release(out)
		}
	}
}
