package service

import (
	"sync"

	"github.com/VanDung-dev/genbft-engine/data"
)

// DefaultValue is the initial value of every record.
const DefaultValue int64 = 1000

// Counter is a fixed set of integer records. It is safe for concurrent use.
type Counter struct {
	mu      sync.RWMutex
	records map[int]int64
}

// NewCounter creates size records set to DefaultValue.
func NewCounter(size int) *Counter {
	records := make(map[int]int64, size)
	for i := 0; i < size; i++ {
		records[i] = DefaultValue
	}
	return &Counter{records: records}
}

// Execute applies req and returns the record value afterwards.
// Requests on unknown records read as zero and change nothing.
func (c *Counter) Execute(req data.Request) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.records[req.Record]
	if !ok {
		return 0
	}
	switch req.Op {
	case data.OpAdd:
		v += req.Value
	case data.OpSub:
		v -= req.Value
	case data.OpInc:
		v++
	case data.OpDec:
		v--
	}
	c.records[req.Record] = v
	return v
}

// Update overwrites the record touched by req with a value learned from replies.
func (c *Counter) Update(req data.Request, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[req.Record]; ok {
		c.records[req.Record] = value
	}
}

// Value returns one record.
func (c *Counter) Value(record int) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.records[record]
	return v, ok
}

// Records returns a copy of every record.
func (c *Counter) Records() map[int]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]int64, len(c.records))
	for k, v := range c.records {
		out[k] = v
	}
	return out
}

// Restore replaces the whole store, as after a state transfer.
func (c *Counter) Restore(records map[int]int64) {
	fresh := make(map[int]int64, len(records))
	for k, v := range records {
		fresh[k] = v
	}
	c.mu.Lock()
	c.records = fresh
	c.mu.Unlock()
}

// Size returns the number of records.
func (c *Counter) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
