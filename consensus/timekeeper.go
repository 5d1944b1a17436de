package consensus

import (
	"container/heap"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/genbft-engine/protocol"
)

const (
	stateFactor    = 3
	sequenceFactor = 7

	minStateDue    = 6 * time.Millisecond
	minSequenceDue = 15 * time.Millisecond

	recalibrateRatio = 0.03
)

// TimeoutEntry is one armed timer.
type TimeoutEntry struct {
	Mode       protocol.TimeoutMode
	Sequence   int64
	View       int64
	State      protocol.State
	Transition *protocol.Transition

	DueLength time.Duration
	Due       time.Time
	armed     time.Time
	index     int
}

// TimeoutHost is the entity side of the timekeeper.
type TimeoutHost interface {
	// Expired reports whether the entry no longer applies: its sequence executed,
	// the view moved on, or the state it was armed for was left.
	Expired(e *TimeoutEntry) bool
	// Recheck runs the driver for seq.
	Recheck(seq int64)
}

type delayQueue []*TimeoutEntry

func (q delayQueue) Len() int           { return len(q) }
func (q delayQueue) Less(i, j int) bool { return q[i].Due.Before(q[j].Due) }
func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x interface{}) {
	e := x.(*TimeoutEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *delayQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Timekeeper arms adaptive timeouts and turns expired ones into overdue entries
// the driver can consume.
type Timekeeper struct {
	host   TimeoutHost
	fixed  bool
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    delayQueue
	closed   bool
	start    time.Time
	base     [2]time.Duration
	counters [2]int64

	stateUpdates    map[int64]time.Time
	sequenceUpdates map[int64]time.Time
	overdues        map[int64][]*TimeoutEntry
}

// NewTimekeeper creates a timekeeper whose base intervals start at interval.
func NewTimekeeper(host TimeoutHost, interval time.Duration, fixed bool, logger zerolog.Logger) *Timekeeper {
	tk := &Timekeeper{
		host:            host,
		fixed:           fixed,
		logger:          logger,
		start:           time.Now(),
		base:            [2]time.Duration{interval, interval},
		counters:        [2]int64{1, 1},
		stateUpdates:    make(map[int64]time.Time),
		sequenceUpdates: make(map[int64]time.Time),
		overdues:        make(map[int64][]*TimeoutEntry),
	}
	tk.cond = sync.NewCond(&tk.mu)
	return tk
}

// Base returns the current base interval of a mode.
func (tk *Timekeeper) Base(mode protocol.TimeoutMode) time.Duration {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.base[mode]
}

// StartTimer arms a timer for t at (seq, view, state). The due length is the
// current base of the mode times the multiplier of t, never less than the
// mode's floor.
func (tk *Timekeeper) StartTimer(seq, view int64, state protocol.State, t *protocol.Transition) {
	mode := t.Condition.Mode
	mult := t.Condition.Multiplier
	if mult <= 0 {
		mult = 1
	}

	tk.mu.Lock()
	factor := time.Duration(stateFactor)
	floor := minStateDue
	if mode == protocol.SequenceTimeout {
		factor, floor = sequenceFactor, minSequenceDue
	}
	due := tk.base[mode] * time.Duration(mult) * factor
	if due < floor {
		due = floor
	}
	tk.mu.Unlock()

	tk.arm(&TimeoutEntry{
		Mode:       mode,
		Sequence:   seq,
		View:       view,
		State:      state,
		Transition: t,
		DueLength:  due,
	})
}

// arm queues e to fire DueLength from now.
func (tk *Timekeeper) arm(e *TimeoutEntry) {
	now := time.Now()
	e.armed = now
	e.Due = now.Add(e.DueLength)

	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.closed {
		return
	}
	heap.Push(&tk.queue, e)
	tk.cond.Signal()
}

// Run consumes the delay queue until Close.
func (tk *Timekeeper) Run() {
	for {
		e, ok := tk.take()
		if !ok {
			return
		}
		if !tk.check(e) {
			continue
		}

		tk.mu.Lock()
		tk.overdues[e.Sequence] = append(tk.overdues[e.Sequence], e)
		tk.mu.Unlock()

		tk.logger.Debug().
			Int64("seq", e.Sequence).
			Int64("view", e.View).
			Str("mode", e.Mode.String()).
			Dur("due", e.DueLength).
			Msg("Timeout overdue")
		tk.host.Recheck(e.Sequence)
	}
}

// take blocks until the head of the queue is due.
func (tk *Timekeeper) take() (*TimeoutEntry, bool) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	for {
		if tk.closed {
			return nil, false
		}
		if len(tk.queue) == 0 {
			tk.cond.Wait()
			continue
		}
		head := tk.queue[0]
		wait := time.Until(head.Due)
		if wait <= 0 {
			return heap.Pop(&tk.queue).(*TimeoutEntry), true
		}
		timer := time.AfterFunc(wait, tk.wake)
		tk.cond.Wait()
		timer.Stop()
	}
}

func (tk *Timekeeper) wake() {
	tk.mu.Lock()
	tk.mu.Unlock()
	tk.cond.Broadcast()
}

// check re-validates an entry. Entries updated since they were armed are requeued
// at their new due time.
func (tk *Timekeeper) check(e *TimeoutEntry) bool {
	if tk.host.Expired(e) {
		return false
	}

	now := time.Now()
	tk.mu.Lock()
	defer tk.mu.Unlock()

	updates := tk.stateUpdates
	if e.Mode == protocol.SequenceTimeout {
		updates = tk.sequenceUpdates
	}
	last, ok := updates[e.Sequence]
	if !ok || last.Before(e.armed) {
		last = e.armed
	}
	if due := last.Add(e.DueLength); due.After(now) {
		if !tk.closed {
			e.Due = due
			heap.Push(&tk.queue, e)
			tk.cond.Signal()
		}
		return false
	}
	return true
}

// MessageReceived notes activity on seq, pushing its state timers back.
func (tk *Timekeeper) MessageReceived(seq int64) {
	tk.mu.Lock()
	tk.stateUpdates[seq] = time.Now()
	tk.mu.Unlock()
}

// StateUpdated recalibrates the base intervals after seq moved to next.
func (tk *Timekeeper) StateUpdated(seq int64, next, executed protocol.State) {
	now := time.Now()
	tk.mu.Lock()
	defer tk.mu.Unlock()

	tk.counters[protocol.StateTimeout]++
	tk.recalibrate(protocol.StateTimeout, now)

	if next == executed {
		tk.counters[protocol.SequenceTimeout]++
		tk.recalibrate(protocol.SequenceTimeout, now)
		delete(tk.stateUpdates, seq)
		delete(tk.sequenceUpdates, seq)
		delete(tk.overdues, seq)
		return
	}
	tk.stateUpdates[seq] = now
	tk.sequenceUpdates[seq] = now
}

// recalibrate is called with mu held.
func (tk *Timekeeper) recalibrate(mode protocol.TimeoutMode, now time.Time) {
	if tk.fixed {
		return
	}
	due := now.Sub(tk.start) / time.Duration(tk.counters[mode])
	cur := tk.base[mode]
	if cur > 0 && math.Abs(float64(cur-due))/float64(cur) <= recalibrateRatio {
		return
	}
	tk.base[mode] = due
}

// Overdue consumes the first overdue entry of seq that is still due. Stale
// entries are dropped and entries refreshed since arming are requeued.
func (tk *Timekeeper) Overdue(seq int64) *TimeoutEntry {
	tk.mu.Lock()
	list := tk.overdues[seq]
	delete(tk.overdues, seq)
	tk.mu.Unlock()

	var found *TimeoutEntry
	var keep []*TimeoutEntry
	for _, e := range list {
		if found != nil {
			keep = append(keep, e)
			continue
		}
		if !tk.check(e) {
			continue
		}
		found = e
	}
	if len(keep) > 0 {
		tk.mu.Lock()
		tk.overdues[seq] = append(keep, tk.overdues[seq]...)
		tk.mu.Unlock()
	}
	return found
}

// Pending returns how many timers are queued.
func (tk *Timekeeper) Pending() int {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return len(tk.queue)
}

// Close stops Run.
func (tk *Timekeeper) Close() {
	tk.mu.Lock()
	tk.closed = true
	tk.mu.Unlock()
	tk.cond.Broadcast()
}
