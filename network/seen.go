package network

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SeenCache remembers the hashes of recently accepted frames so replays are dropped.
type SeenCache struct {
	mu        sync.Mutex
	seen      map[uint64]time.Time
	tolerance time.Duration
	limit     int
}

// NewSeenCache keeps hashes for tolerance and at most limit entries (0 means unbounded).
func NewSeenCache(tolerance time.Duration, limit int) *SeenCache {
	return &SeenCache{
		seen:      make(map[uint64]time.Time),
		tolerance: tolerance,
		limit:     limit,
	}
}

// Check records frame and reports whether it is new.
func (c *SeenCache) Check(frame []byte) bool {
	h := xxhash.Sum64(frame)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ts, ok := c.seen[h]; ok && now.Sub(ts) <= c.tolerance {
		return false
	}
	if c.limit > 0 && len(c.seen) >= c.limit {
		c.cleanLocked(now)
		if len(c.seen) >= c.limit {
			// Still full: forget everything rather than refuse fresh frames.
			c.seen = make(map[uint64]time.Time, c.limit)
		}
	}
	c.seen[h] = now
	return true
}

// Clean removes entries older than the tolerance.
func (c *SeenCache) Clean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanLocked(time.Now())
}

func (c *SeenCache) cleanLocked(now time.Time) {
	cutoff := now.Add(-c.tolerance)
	for h, ts := range c.seen {
		if ts.Before(cutoff) {
			delete(c.seen, h)
		}
	}
}

// Len returns the number of remembered frames.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
