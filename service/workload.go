package service

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

// Workload shapes the requests a client generates.
type Workload struct {
	DatasetSize int
	// ContentionLevel limits requests to the first ContentionLevel records.
	ContentionLevel int
	ReadOnlyRatio   float64
	RequestSize     int
	ReplySize       int
}

// DefaultWorkload returns the workload used when none is configured.
func DefaultWorkload() Workload {
	return Workload{DatasetSize: 1000, ContentionLevel: 1000}
}

// ClientDataset mirrors the counter on the client side and generates requests.
// A lookahead of every record keeps generated subtractions from driving records
// negative before earlier requests have executed.
type ClientDataset struct {
	*Counter

	client   int
	workload Workload

	mu        sync.Mutex
	rng       *rand.Rand
	lookahead map[int]int64
}

// NewClientDataset creates the mirror of client id.
func NewClientDataset(id int, w Workload) *ClientDataset {
	if w.DatasetSize <= 0 {
		w.DatasetSize = DefaultWorkload().DatasetSize
	}
	if w.ContentionLevel <= 0 || w.ContentionLevel > w.DatasetSize {
		w.ContentionLevel = w.DatasetSize
	}
	lookahead := make(map[int]int64, w.DatasetSize)
	for i := 0; i < w.DatasetSize; i++ {
		lookahead[i] = DefaultValue
	}
	return &ClientDataset{
		Counter:   NewCounter(w.DatasetSize),
		client:    id,
		workload:  w,
		rng:       rand.New(rand.NewPCG(uint64(id)+1, uint64(time.Now().UnixNano()))),
		lookahead: lookahead,
	}
}

// NewRequest creates request num for a random record.
func (d *ClientDataset) NewRequest(num int64) data.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	record := d.rng.IntN(d.workload.ContentionLevel)
	op := data.Operation(d.rng.IntN(4))
	var value int64

	switch op {
	case data.OpAdd:
		value = d.rng.Int64N(DefaultValue)
	case data.OpSub:
		limit := min(DefaultValue, d.lookahead[record])
		if limit <= 0 {
			op = data.OpReadOnly
		} else {
			value = d.rng.Int64N(limit)
			d.lookahead[record] -= value
		}
	case data.OpDec:
		if d.lookahead[record] < 1 {
			op = data.OpReadOnly
		} else {
			d.lookahead[record]--
		}
	}

	if d.workload.ReadOnlyRatio > 0 && d.rng.Float64() < d.workload.ReadOnlyRatio {
		op = data.OpReadOnly
		value = 0
	}

	req := data.Request{
		Num:       num,
		Client:    d.client,
		Record:    record,
		Op:        op,
		Value:     value,
		ReplySize: d.workload.ReplySize,
		Timestamp: time.Now().UnixNano(),
	}
	if d.workload.RequestSize > 0 {
		req.Payload = make([]byte, d.workload.RequestSize)
	}
	return req
}

// Update records an executed reply, crediting additions to the lookahead.
func (d *ClientDataset) Update(req data.Request, value int64) {
	d.Counter.Update(req, value)

	d.mu.Lock()
	defer d.mu.Unlock()
	switch req.Op {
	case data.OpInc:
		d.lookahead[req.Record]++
	case data.OpAdd:
		d.lookahead[req.Record] += req.Value
	}
}

// Lookahead returns the projected value of a record.
func (d *ClientDataset) Lookahead(record int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookahead[record]
}
