package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
	"github.com/VanDung-dev/genbft-engine/tally"
)

// Group is the state of every sequence sharing one checkpoint number.
type Group struct {
	num int64

	// full counts messages by content digest; views ignores the digest.
	full  *tally.Tally
	views *tally.Tally

	mu          sync.Mutex
	cond        *sync.Cond
	states      map[int64]protocol.State
	blocks      map[int64][]data.Request
	replies     map[int64]map[int64]int64
	aggregation map[int64]map[int64]struct{}
	snapshot    map[int]int64
	decisions   map[string]map[int]struct{}
	begin       time.Time
	throughput  float64
	closed      bool
}

func newGroup(num int64) *Group {
	g := &Group{
		num:         num,
		full:        tally.New(),
		views:       tally.New(),
		states:      make(map[int64]protocol.State),
		blocks:      make(map[int64][]data.Request),
		replies:     make(map[int64]map[int64]int64),
		aggregation: make(map[int64]map[int64]struct{}),
		decisions:   make(map[string]map[int]struct{}),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Num returns the checkpoint number of the group.
func (g *Group) Num() int64 { return g.num }

// Tally records m in both tallies. REPLY messages carrying a next protocol hint
// count as a decision vote of their source.
func (g *Group) Tally(m *data.Message, reply protocol.MessageKind) {
	g.full.Add(m)
	blind := *m
	blind.Digest = data.Digest{}
	blind.Requests = nil
	blind.Replies = nil
	g.views.Add(&blind)

	if m.Kind == reply && m.NextProtocol != "" {
		g.Decide(m.Source, m.NextProtocol)
	}
}

// Full returns the content sensitive tally.
func (g *Group) Full() *tally.Tally { return g.full }

// Views returns the digest agnostic tally.
func (g *Group) Views() *tally.Tally { return g.views }

// State returns the recorded state of seq, if any.
func (g *Group) State(seq int64) (protocol.State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[seq]
	return st, ok
}

func (g *Group) SetState(seq int64, st protocol.State) {
	g.mu.Lock()
	g.states[seq] = st
	g.mu.Unlock()
}

// Block returns the request block registered for seq.
func (g *Group) Block(seq int64) []data.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocks[seq]
}

// SetBlock registers the block of seq and wakes WaitBlock callers.
func (g *Group) SetBlock(seq int64, block []data.Request) {
	g.mu.Lock()
	g.blocks[seq] = block
	g.mu.Unlock()
	g.cond.Broadcast()
}

// WaitBlock blocks until seq has a non-empty block. It reports false once the
// group is closed.
func (g *Group) WaitBlock(seq int64) ([]data.Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.blocks[seq]) == 0 {
		if g.closed {
			return nil, false
		}
		g.cond.Wait()
	}
	return g.blocks[seq], true
}

// Replies returns a copy of the committed replies of seq keyed by request number.
func (g *Group) Replies(seq int64) map[int64]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.replies[seq]
	if !ok {
		return nil
	}
	out := make(map[int64]int64, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Reply returns the committed reply of one request of seq.
func (g *Group) Reply(seq, num int64) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.replies[seq][num]
	return v, ok
}

func (g *Group) SetReply(seq, num, value int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.replies[seq]
	if !ok {
		r = make(map[int64]int64)
		g.replies[seq] = r
	}
	r[num] = value
}

// AddAggregation adds local sequence numbers to the aggregation set of seq.
func (g *Group) AddAggregation(seq int64, values ...int64) {
	if len(values) == 0 {
		return
	}
	g.mu.Lock()
	set, ok := g.aggregation[seq]
	if !ok {
		set = make(map[int64]struct{})
		g.aggregation[seq] = set
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
	g.mu.Unlock()
}

// Aggregation returns the aggregation set of seq, ascending.
func (g *Group) Aggregation(seq int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.aggregation[seq]
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetSnapshot stores a copy of the service records at the checkpoint boundary.
func (g *Group) SetSnapshot(records map[int]int64) {
	cp := make(map[int]int64, len(records))
	for k, v := range records {
		cp[k] = v
	}
	g.mu.Lock()
	g.snapshot = cp
	g.mu.Unlock()
}

// Snapshot returns the stored service records, or nil.
func (g *Group) Snapshot() map[int]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot
}

// Decide counts one vote of source for the next protocol.
func (g *Group) Decide(source int, next string) {
	g.mu.Lock()
	voters, ok := g.decisions[next]
	if !ok {
		voters = make(map[int]struct{})
		g.decisions[next] = voters
	}
	voters[source] = struct{}{}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// decision returns the protocol with the most votes, at least quorum of them.
// Ties go to the lowest name. Caller holds mu.
func (g *Group) decision(quorum int) (string, bool) {
	best, votes := "", 0
	for name, voters := range g.decisions {
		n := len(voters)
		if n < quorum {
			continue
		}
		if n > votes || (n == votes && name < best) {
			best, votes = name, n
		}
	}
	return best, votes > 0
}

// Decision returns the voted next protocol without blocking.
func (g *Group) Decision(quorum int) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision(quorum)
}

// WaitDecision blocks until some protocol has quorum votes.
func (g *Group) WaitDecision(quorum int) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if name, ok := g.decision(quorum); ok {
			return name, true
		}
		if g.closed {
			return "", false
		}
		g.cond.Wait()
	}
}

// MarkBegin records when the episode starting in this group began.
func (g *Group) MarkBegin(t time.Time) {
	g.mu.Lock()
	g.begin = t
	g.mu.Unlock()
}

func (g *Group) Begin() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.begin
}

func (g *Group) SetThroughput(v float64) {
	g.mu.Lock()
	g.throughput = v
	g.mu.Unlock()
}

func prunedGroup(num int64) *Group {
	g := newGroup(num)
	g.closed = true
	return g
}

func (g *Group) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// CheckpointStore indexes groups by checkpoint number and keeps the watermarks.
type CheckpointStore struct {
	size        int64
	episodeSize int64

	mu        sync.RWMutex
	groups    map[int64]*Group
	floor     int64
	protocols map[int64]string
	low       int64
	stable    int64
	closed    bool
}

// NewCheckpointStore creates a store whose episode 0 runs first.
func NewCheckpointStore(checkpointSize, episodeSize int64, first string) *CheckpointStore {
	s := &CheckpointStore{
		size:        checkpointSize,
		episodeSize: episodeSize,
		groups:      make(map[int64]*Group),
		protocols:   map[int64]string{0: first},
		stable:      -1,
	}
	s.groups[0] = newGroup(0)
	s.groups[0].MarkBegin(time.Now())
	return s
}

// CheckpointNum maps a sequence to its checkpoint.
func (s *CheckpointStore) CheckpointNum(seq int64) int64 { return seq / s.size }

// CheckpointSize returns how many sequences one group holds.
func (s *CheckpointStore) CheckpointSize() int64 { return s.size }

// Group returns the group holding seq, creating it on first access.
func (s *CheckpointStore) Group(seq int64) *Group {
	return s.Checkpoint(s.CheckpointNum(seq))
}

// Checkpoint returns the group with checkpoint number cp, creating it on first
// access. Below the pruning floor it returns a closed group that is not kept,
// so pruned state is never recreated.
func (s *CheckpointStore) Checkpoint(cp int64) *Group {
	s.mu.RLock()
	g, ok := s.groups[cp]
	floor := s.floor
	s.mu.RUnlock()
	if ok {
		return g
	}
	if cp < floor {
		return prunedGroup(cp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[cp]; ok {
		return g
	}
	if cp < s.floor {
		return prunedGroup(cp)
	}
	g = newGroup(cp)
	if s.closed {
		g.closed = true
	}
	s.groups[cp] = g
	return g
}

// Lookup returns the group with checkpoint number cp without creating it.
func (s *CheckpointStore) Lookup(cp int64) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[cp]
	return g, ok
}

// Min returns the lowest checkpoint number still held.
func (s *CheckpointStore) Min() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	min, found := s.floor, false
	for cp := range s.groups {
		if !found || cp < min {
			min, found = cp, true
		}
	}
	if min < s.floor {
		return s.floor
	}
	return min
}

// Max returns the highest checkpoint number held.
func (s *CheckpointStore) Max() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := s.floor
	for cp := range s.groups {
		if cp > max {
			max = cp
		}
	}
	return max
}

// Prune drops checkpoint cp and everything below it.
func (s *CheckpointStore) Prune(cp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for num, g := range s.groups {
		if num <= cp {
			g.close()
			delete(s.groups, num)
		}
	}
	if cp+1 > s.floor {
		s.floor = cp + 1
	}
}

// Protocol returns the protocol running the episode of seq, or "" if unknown.
func (s *CheckpointStore) Protocol(seq int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocols[seq/s.episodeSize]
}

// SetProtocol assigns the protocol of an episode.
func (s *CheckpointStore) SetProtocol(episode int64, name string) {
	s.mu.Lock()
	s.protocols[episode] = name
	s.mu.Unlock()
}

// LowWatermark returns the highest checkpoint with a trusted local snapshot.
func (s *CheckpointStore) LowWatermark() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.low
}

// SetLowWatermark raises the low watermark; lower values are ignored.
func (s *CheckpointStore) SetLowWatermark(cp int64) {
	s.mu.Lock()
	if cp > s.low {
		s.low = cp
	}
	s.mu.Unlock()
}

// Stable returns the highest checkpoint certified by a CHECKPOINT quorum, or -1.
func (s *CheckpointStore) Stable() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stable
}

func (s *CheckpointStore) SetStable(cp int64) {
	s.mu.Lock()
	if cp > s.stable {
		s.stable = cp
	}
	s.mu.Unlock()
}

// Close wakes every goroutine blocked on a group.
func (s *CheckpointStore) Close() {
	s.mu.Lock()
	s.closed = true
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()
	for _, g := range groups {
		g.close()
	}
}
