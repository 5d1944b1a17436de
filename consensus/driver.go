package consensus

import (
	"slices"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
	"github.com/VanDung-dev/genbft-engine/tally"
)

// StateUpdateLoop drives seq and every sequence its processing hands back,
// lowest first, until nothing is left to re-check.
func (e *Entity) StateUpdateLoop(seq int64) {
	work := []int64{seq}
	for len(work) > 0 && e.running.Load() {
		cur := work[0]
		work = work[1:]
		for _, s := range e.stateUpdate(cur) {
			i, found := slices.BinarySearch(work, s)
			if !found {
				work = slices.Insert(work, i, s)
			}
		}
	}
}

// claim marks seq as in flight. It returns false if seq is settled, out of the
// pipeline window or already claimed; a claimed or not yet reachable seq is
// remembered for a re-check once its predecessor releases.
func (e *Entity) claim(seq int64, throttled bool) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	last := e.lastExecuted.Load()
	if seq <= last || throttled {
		return false
	}
	if _, busy := e.updating[seq]; busy || seq > e.nextSequence {
		e.needsUpdate[seq] = struct{}{}
		return false
	}
	e.updating[seq] = struct{}{}
	return true
}

// release drops the claim on seq and returns what must be re-checked.
func (e *Entity) release(seq, next int64) []int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	delete(e.updating, seq)

	var out []int64
	if _, ok := e.needsUpdate[seq]; ok {
		delete(e.needsUpdate, seq)
		out = append(out, seq)
	}
	_, queued := e.needsUpdate[e.nextSequence]
	if e.nextSequence > next || queued {
		delete(e.needsUpdate, e.nextSequence)
		if e.nextSequence != seq {
			out = append(out, e.nextSequence)
		}
	}
	return out
}

// advanceNext moves the proposal pointer past seq.
func (e *Entity) advanceNext(seq int64) {
	e.stateMu.Lock()
	if e.nextSequence == seq {
		e.nextSequence++
	}
	e.stateMu.Unlock()
}

// rewindNext moves the proposal pointer back to seq, which returned to idle and
// is proposed again.
func (e *Entity) rewindNext(seq int64) {
	e.stateMu.Lock()
	if e.nextSequence > seq && seq > e.lastExecuted.Load() {
		e.nextSequence = seq
	}
	e.stateMu.Unlock()
}

// stateUpdate runs the transition table for one sequence while holding its
// claim.
func (e *Entity) stateUpdate(seq int64) []int64 {
	if seq > (e.episode.Load()+1)*e.settings.EpisodeSize-1 {
		return nil
	}
	if e.isExecuted(seq) {
		return nil
	}
	last := e.lastExecuted.Load()
	throttled := !e.isClient() &&
		seq-last > int64(e.pipeline.MaxActiveSequences()) &&
		e.role.IsPrimaryFor(seq, e.view.Load(), e.id)
	if !e.claim(seq, throttled) {
		return nil
	}
	next := e.NextSequence()

	for e.running.Load() {
		progress, stop := e.step(seq)
		if stop || !progress {
			break
		}
	}
	return e.release(seq, next)
}

// step fires at most one transition of seq. stop is set once the sequence was
// handed to the executor or parked for aggregation.
func (e *Entity) step(seq int64) (progress, stop bool) {
	cur := e.stateOf(seq)
	if cur == e.spec.ExecutedState() {
		return false, true
	}
	view := e.view.Load()
	phase := e.spec.State(cur).Phase
	roles := e.role.EntityRoles(seq, view, phase, e.id)
	g := e.store.Group(seq)

	for _, st := range []protocol.State{cur, e.spec.AnyState()} {
		for _, role := range roles {
			for _, t := range e.spec.Transitions(st, role) {
				if !e.conditionMet(seq, t) {
					continue
				}
				e.timekeeper.StateUpdated(seq, t.To, e.spec.ExecutedState())

				switch t.Update {
				case protocol.UpdateAggregation:
					if len(g.Aggregation(seq)) == 0 {
						e.bufferAggregation(seq)
						e.advanceNext(seq)
						return false, true
					}
				case protocol.UpdateSlow:
					e.slowSeqs.Store(seq, struct{}{})
				}

				fired := e.processTransition(seq, cur, t)
				if fired == nil {
					continue
				}
				e.transition(seq, cur, fired)
				if e.spec.IsIdle(fired.To) {
					e.rewindNext(seq)
				} else {
					e.advanceNext(seq)
				}
				return true, fired.Update == protocol.UpdateSequence
			}
		}
	}

	entry := e.timekeeper.Overdue(seq)
	if entry == nil {
		return false, false
	}
	e.recorder.TimeoutFired(e.id, entry.Mode.String())
	e.logger.Debug().
		Int64("seq", seq).
		Str("state", e.spec.StateName(cur)).
		Str("mode", entry.Mode.String()).
		Msg("Timeout transition fired")
	t := e.processTransition(seq, cur, entry.Transition)
	if t == nil {
		return false, false
	}
	e.timekeeper.StateUpdated(seq, t.To, e.spec.ExecutedState())
	e.transition(seq, cur, t)
	return true, t.Update == protocol.UpdateSequence
}

// conditionMet evaluates the non-timeout conditions of t.
func (e *Entity) conditionMet(seq int64, t *protocol.Transition) bool {
	switch t.Condition.Kind {
	case protocol.ConditionTrue:
		return true
	case protocol.ConditionMessage:
		if t.Condition.Message == e.spec.Request() {
			return e.proposeBlock(seq, t)
		}
		q := tally.QuorumID{Kind: t.Condition.Message, Size: e.spec.QuorumSize(t)}
		return e.behavior.checkMessageTally(seq, q, t)
	}
	return false
}

// proposeBlock assembles the block of seq from pending requests and tallies it
// as a self-addressed REQUEST, then checks the REQUEST quorum.
func (e *Entity) proposeBlock(seq int64, t *protocol.Transition) bool {
	if e.isClient() {
		return false
	}
	g := e.store.Group(seq)
	if len(g.Block(seq)) == 0 {
		// Round sequences wait for their report quorum.
		reports, ok := e.roundReports(seq)
		if !ok {
			return false
		}
		block := e.pending.PopBatch(e.settings.BlockSize)
		if block == nil {
			return false
		}
		if reports != nil {
			block = withReports(block, reports)
		}
		e.registerBlock(seq, block)
	}
	// A block kept across a view change is proposed again in the new view.
	view := e.view.Load()
	q := tally.QuorumID{Kind: e.spec.Request(), Size: e.spec.QuorumSize(t)}
	if !g.Full().HasQuorum(seq, view, q) {
		m := e.createMessage(seq, view, e.spec.Request(), []int{e.id})
		if !m.Invalid() {
			g.Tally(m, e.spec.Reply())
		}
	}
	return e.behavior.checkMessageTally(seq, q, t)
}

// processTransition runs the transition plugins; nil vetoes the transition.
func (e *Entity) processTransition(seq int64, cur protocol.State, t *protocol.Transition) *protocol.Transition {
	for _, p := range e.transitionPlugins {
		if t = p.ProcessTransition(seq, cur, t); t == nil {
			return nil
		}
	}
	return t
}

// createMessage builds a sequenced message of seq and runs it through the
// outgoing plugin chain.
func (e *Entity) createMessage(seq, view int64, kind protocol.MessageKind, targets []int) *data.Message {
	g := e.store.Group(seq)
	block := g.Block(seq)

	digest, ok := g.Full().QuorumDigest(seq, view)
	if !ok || digest.IsZero() {
		digest = data.BlockDigest(block)
	}
	m := &data.Message{
		Sequence:    seq,
		Sequenced:   true,
		View:        view,
		Kind:        kind,
		Source:      e.id,
		Targets:     targets,
		Digest:      digest,
		Aggregation: g.Aggregation(seq),
		Timestamp:   time.Now().UnixNano(),
	}
	if e.spec.Message(kind).HasRequestBlock {
		m.Requests = block
	} else {
		m.RequestNums = data.RequestNums(block)
	}
	if kind == e.spec.Reply() {
		m.Replies = g.Replies(seq)
		if seq == e.settings.EndOfEpisode(seq) {
			m.NextProtocol = e.store.Protocol(seq + 1)
		}
	}
	return e.outgoing(m)
}
