// Package tally records message observations and answers quorum certificate queries.
package tally

import (
	"bytes"
	"sort"
	"sync"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
)

// QuorumID keys a quorum certificate: a message kind and how many senders it needs.
type QuorumID struct {
	Kind protocol.MessageKind
	Size int
}

type senders map[int]struct{}

// viewCounts holds, for one (sequence, kind), the senders per view and digest.
type viewCounts struct {
	max   int64
	views map[int64]map[data.Digest]senders
}

// Tally is safe for concurrent use. Insertions and quorum lookups use separate
// locks; the lookup path only takes the quorum write lock to record a new certificate.
type Tally struct {
	counterMu sync.RWMutex
	counter   map[int64]map[protocol.MessageKind]*viewCounts
	blocks    map[data.Digest][]data.Request
	replies   map[data.Digest]map[int64]int64

	quorumMu  sync.RWMutex
	maxView   map[int64]map[QuorumID]int64
	certified map[int64]map[QuorumID]map[int64]data.Digest
	digests   map[int64]map[int64]data.Digest
}

// New creates an empty tally.
func New() *Tally {
	return &Tally{
		counter:   make(map[int64]map[protocol.MessageKind]*viewCounts),
		blocks:    make(map[data.Digest][]data.Request),
		replies:   make(map[data.Digest]map[int64]int64),
		maxView:   make(map[int64]map[QuorumID]int64),
		certified: make(map[int64]map[QuorumID]map[int64]data.Digest),
		digests:   make(map[int64]map[int64]data.Digest),
	}
}

// Add records m.Source under (sequence, kind, view, digest) and caches any block or
// replies carried by m under its digest. Repeated adds from one sender count once.
func (t *Tally) Add(m *data.Message) {
	t.counterMu.Lock()
	defer t.counterMu.Unlock()

	kinds, ok := t.counter[m.Sequence]
	if !ok {
		kinds = make(map[protocol.MessageKind]*viewCounts)
		t.counter[m.Sequence] = kinds
	}
	vc, ok := kinds[m.Kind]
	if !ok {
		vc = &viewCounts{max: m.View, views: make(map[int64]map[data.Digest]senders)}
		kinds[m.Kind] = vc
	}
	if m.View > vc.max {
		vc.max = m.View
	}
	byDigest, ok := vc.views[m.View]
	if !ok {
		byDigest = make(map[data.Digest]senders)
		vc.views[m.View] = byDigest
	}
	set, ok := byDigest[m.Digest]
	if !ok {
		set = make(senders)
		byDigest[m.Digest] = set
	}
	set[m.Source] = struct{}{}

	if len(m.Requests) > 0 {
		if _, ok := t.blocks[m.Digest]; !ok {
			t.blocks[m.Digest] = m.Requests
		}
	}
	if m.Replies != nil {
		if _, ok := t.replies[m.Digest]; !ok {
			copied := make(map[int64]int64, len(m.Replies))
			for k, v := range m.Replies {
				copied[k] = v
			}
			t.replies[m.Digest] = copied
		}
	}
}

// quorumDigest picks the certified digest of one view: the one with most senders,
// ties broken by byte order. Caller holds counterMu.
func quorumDigest(byDigest map[data.Digest]senders, size int) (data.Digest, bool) {
	var best data.Digest
	bestCount := -1
	for d, set := range byDigest {
		n := len(set)
		if n < size {
			continue
		}
		if n > bestCount || (n == bestCount && bytes.Compare(d[:], best[:]) < 0) {
			best, bestCount = d, n
		}
	}
	return best, bestCount >= 0
}

// record caches a certificate. Caller holds quorumMu for writing.
func (t *Tally) record(seq int64, q QuorumID, view int64, d data.Digest) {
	byID, ok := t.certified[seq]
	if !ok {
		byID = make(map[QuorumID]map[int64]data.Digest)
		t.certified[seq] = byID
	}
	views, ok := byID[q]
	if !ok {
		views = make(map[int64]data.Digest)
		byID[q] = views
	}
	views[view] = d

	byView, ok := t.digests[seq]
	if !ok {
		byView = make(map[int64]data.Digest)
		t.digests[seq] = byView
	}
	if _, ok := byView[view]; !ok {
		byView[view] = d
	}
}

// HasQuorum reports whether some digest at view has at least q.Size senders of q.Kind.
// A positive answer is cached.
func (t *Tally) HasQuorum(seq, view int64, q QuorumID) bool {
	t.quorumMu.RLock()
	_, cached := t.certified[seq][q][view]
	t.quorumMu.RUnlock()
	if cached {
		return true
	}
	if q.Size <= 0 {
		return false
	}

	t.counterMu.RLock()
	defer t.counterMu.RUnlock()

	vc := t.counter[seq][q.Kind]
	if vc == nil {
		return false
	}
	d, ok := quorumDigest(vc.views[view], q.Size)
	if !ok {
		return false
	}

	t.quorumMu.Lock()
	t.record(seq, q, view, d)
	t.quorumMu.Unlock()
	return true
}

// MaxQuorum returns the highest view holding a quorum for q. Views above the last
// known certificate are scanned in descending order, so the answer never decreases
// between calls.
func (t *Tally) MaxQuorum(seq int64, q QuorumID) (int64, bool) {
	t.counterMu.RLock()
	defer t.counterMu.RUnlock()

	t.quorumMu.RLock()
	current, known := t.maxView[seq][q]
	t.quorumMu.RUnlock()

	vc := t.counter[seq][q.Kind]
	if vc == nil || q.Size <= 0 || (known && vc.max <= current) {
		return current, known
	}

	floor := int64(-1)
	if known {
		floor = current
	}
	views := make([]int64, 0, len(vc.views))
	for v := range vc.views {
		if v > floor {
			views = append(views, v)
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i] > views[j] })

	for _, v := range views {
		d, ok := quorumDigest(vc.views[v], q.Size)
		if !ok {
			continue
		}
		t.quorumMu.Lock()
		if prev, ok := t.maxView[seq][q]; !ok || v > prev {
			byID, ok := t.maxView[seq]
			if !ok {
				byID = make(map[QuorumID]int64)
				t.maxView[seq] = byID
			}
			byID[q] = v
		}
		t.record(seq, q, v, d)
		best := t.maxView[seq][q]
		t.quorumMu.Unlock()
		return best, true
	}
	return current, known
}

// QuorumDigest returns the first digest certified at (seq, view).
func (t *Tally) QuorumDigest(seq, view int64) (data.Digest, bool) {
	t.quorumMu.RLock()
	defer t.quorumMu.RUnlock()
	d, ok := t.digests[seq][view]
	return d, ok
}

// MaxQuorumView returns the highest view of seq with any certified digest.
func (t *Tally) MaxQuorumView(seq int64) (int64, bool) {
	t.quorumMu.RLock()
	defer t.quorumMu.RUnlock()
	best, found := int64(0), false
	for v := range t.digests[seq] {
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

// QuorumBlock returns the request block behind the certified digest of (seq, view).
func (t *Tally) QuorumBlock(seq, view int64) []data.Request {
	d, ok := t.QuorumDigest(seq, view)
	if !ok {
		return nil
	}
	t.counterMu.RLock()
	defer t.counterMu.RUnlock()
	return t.blocks[d]
}

// QuorumReplies returns the replies behind the certified digest of (seq, view).
func (t *Tally) QuorumReplies(seq, view int64) map[int64]int64 {
	d, ok := t.QuorumDigest(seq, view)
	if !ok {
		return nil
	}
	t.counterMu.RLock()
	defer t.counterMu.RUnlock()
	return t.replies[d]
}

// Senders lists, ascending, who sent kind at (seq, view) with digest d.
func (t *Tally) Senders(seq int64, kind protocol.MessageKind, view int64, d data.Digest) []int {
	t.counterMu.RLock()
	defer t.counterMu.RUnlock()
	vc := t.counter[seq][kind]
	if vc == nil {
		return nil
	}
	set := vc.views[view][d]
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Count returns how many distinct senders sent kind at (seq, view) with digest d.
func (t *Tally) Count(seq int64, kind protocol.MessageKind, view int64, d data.Digest) int {
	t.counterMu.RLock()
	defer t.counterMu.RUnlock()
	vc := t.counter[seq][kind]
	if vc == nil {
		return 0
	}
	return len(vc.views[view][d])
}

// Forget drops everything recorded for seq.
func (t *Tally) Forget(seq int64) {
	t.counterMu.Lock()
	delete(t.counter, seq)
	t.counterMu.Unlock()

	t.quorumMu.Lock()
	delete(t.maxView, seq)
	delete(t.certified, seq)
	delete(t.digests, seq)
	t.quorumMu.Unlock()
}
