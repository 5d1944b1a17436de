package engine

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/VanDung-dev/genbft-engine/data"
)

// Common errors for request pool operations
var (
	ErrPoolFull         = errors.New("request pool is full")
	ErrDuplicateRequest = errors.New("request already pending")
	ErrRequestNotFound  = errors.New("request not found")
	ErrInvalidRequest   = errors.New("invalid request")
)

// pendingRequest wraps a request with its arrival position.
type pendingRequest struct {
	req     data.Request
	arrival uint64
}

// arrivalQueue implements heap.Interface ordering requests by client timestamp,
// then by arrival.
type arrivalQueue []*pendingRequest

func (q arrivalQueue) Len() int { return len(q) }

func (q arrivalQueue) Less(i, j int) bool {
	if q[i].req.Timestamp != q[j].req.Timestamp {
		return q[i].req.Timestamp < q[j].req.Timestamp
	}
	return q[i].arrival < q[j].arrival
}

func (q arrivalQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *arrivalQueue) Push(x interface{}) {
	*q = append(*q, x.(*pendingRequest))
}

func (q *arrivalQueue) Pop() interface{} {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*q = old[0 : n-1]
	return p
}

// RequestPool holds client requests that are not yet part of a proposed block.
type RequestPool struct {
	pending map[int64]*pendingRequest
	queue   arrivalQueue
	arrival uint64
	maxSize int
	mu      sync.RWMutex
}

// NewRequestPool creates a pool bounded to maxSize requests. Zero or less means unbounded.
func NewRequestPool(maxSize int) *RequestPool {
	p := &RequestPool{
		pending: make(map[int64]*pendingRequest),
		queue:   make(arrivalQueue, 0),
		maxSize: maxSize,
	}
	heap.Init(&p.queue)
	return p
}

// Add queues a request.
func (p *RequestPool) Add(req data.Request) error {
	if req.Num < 0 {
		return ErrInvalidRequest
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pending[req.Num]; exists {
		return ErrDuplicateRequest
	}
	if p.maxSize > 0 && len(p.pending) >= p.maxSize {
		return ErrPoolFull
	}

	p.arrival++
	entry := &pendingRequest{req: req, arrival: p.arrival}
	p.pending[req.Num] = entry
	heap.Push(&p.queue, entry)
	return nil
}

// Get returns a pending request without removing it.
func (p *RequestPool) Get(num int64) (data.Request, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.pending[num]
	if !ok {
		return data.Request{}, ErrRequestNotFound
	}
	return entry.req, nil
}

// Remove drops the given requests and reports how many were pending.
func (p *RequestPool) Remove(nums ...int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for _, num := range nums {
		if _, exists := p.pending[num]; exists {
			delete(p.pending, num)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	rebuilt := make(arrivalQueue, 0, len(p.pending))
	for _, entry := range p.queue {
		if _, ok := p.pending[entry.req.Num]; ok {
			rebuilt = append(rebuilt, entry)
		}
	}
	p.queue = rebuilt
	heap.Init(&p.queue)
	return removed
}

// PopBatch removes and returns exactly n requests, or nothing if fewer are pending.
func (p *RequestPool) PopBatch(n int) []data.Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 || len(p.queue) < n {
		return nil
	}

	batch := make([]data.Request, 0, n)
	for i := 0; i < n; i++ {
		entry := heap.Pop(&p.queue).(*pendingRequest)
		delete(p.pending, entry.req.Num)
		batch = append(batch, entry.req)
	}
	return batch
}

// Peek returns up to n requests in pop order without removing them.
func (p *RequestPool) Peek(n int) []data.Request {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if n <= 0 || len(p.queue) == 0 {
		return nil
	}
	if n > len(p.queue) {
		n = len(p.queue)
	}

	sorted := make(arrivalQueue, len(p.queue))
	copy(sorted, p.queue)
	heap.Init(&sorted)

	batch := make([]data.Request, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&sorted).(*pendingRequest).req)
	}
	return batch
}

// Size returns the number of pending requests.
func (p *RequestPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// IsFull reports whether a bounded pool reached its limit.
func (p *RequestPool) IsFull() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxSize > 0 && len(p.pending) >= p.maxSize
}

// Clear drops every pending request.
func (p *RequestPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = make(map[int64]*pendingRequest)
	p.queue = make(arrivalQueue, 0)
	heap.Init(&p.queue)
}

// Contains reports whether a request is pending.
func (p *RequestPool) Contains(num int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.pending[num]
	return exists
}

// PoolStats reports pool occupancy.
type PoolStats struct {
	Size      int `json:"size"`
	MaxSize   int `json:"max_size"`
	Available int `json:"available"`
}

func (p *RequestPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{Size: len(p.pending), MaxSize: p.maxSize, Available: -1}
	if p.maxSize > 0 {
		stats.Available = p.maxSize - len(p.pending)
	}
	return stats
}
