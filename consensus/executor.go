package consensus

import (
	"github.com/VanDung-dev/genbft-engine/protocol"
)

// runExecutor commits queued sequences strictly in order.
func (e *Entity) runExecutor() {
	for {
		seq, t, ok := e.nextCommit()
		if !ok {
			return
		}
		locals := e.store.Group(seq).Aggregation(seq)
		if len(locals) > 0 && !e.isClient() {
			e.replayAggregation(seq, t, locals)
		} else {
			e.commit(seq, t)
		}
		e.StateUpdateLoop(e.lastExecuted.Load() + 1)
	}
}

// nextCommit blocks until the successor of the committed high-water mark is
// queued and claims it.
func (e *Entity) nextCommit() (int64, *protocol.Transition, bool) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	for {
		if !e.running.Load() {
			return 0, nil, false
		}
		seq := e.lastExecuted.Load() + 1
		if t, ok := e.execQueue[seq]; ok {
			for s := range e.execQueue {
				if s <= seq {
					delete(e.execQueue, s)
				}
			}
			e.lastExecuted.Store(seq)
			e.behavior.execute(seq)
			return seq, t, true
		}
		e.execCond.Wait()
	}
}

// commit finishes seq after the service applied it.
func (e *Entity) commit(seq int64, t *protocol.Transition) {
	_, slow := e.slowSeqs.LoadAndDelete(seq)
	e.recorder.SequenceExecuted(e.id, seq)
	e.store.Group(seq).SetState(seq, t.To)
	e.checkSwitching(seq)
	e.transition(seq, t.To, t)
	e.recorder.Commit(e.id, slow)
	e.recorder.Progress(e.id, e.view.Load(), seq, e.store.Stable())
	if e.settings.DebugSequence != nil || seq%e.settings.CheckpointSize == 0 {
		e.logger.Debug().Int64("seq", seq).Str("protocol", e.store.Protocol(seq)).Msg("Sequence executed")
	}
}

// replayAggregation executes the local sequences folded into the aggregated
// sequence head, in ascending order. It does not share state with the normal
// commit path: each local gets its own commit transition and advances the
// high-water mark on its own.
func (e *Entity) replayAggregation(head int64, t *protocol.Transition, locals []int64) {
	e.logger.Debug().Int64("seq", head).Ints64("locals", locals).Msg("Replaying aggregated sequences")
	for _, local := range locals {
		if local == head {
			e.commit(head, t)
			continue
		}
		if local <= e.lastExecuted.Load() {
			continue
		}
		g := e.store.Group(local)
		if _, ok := g.WaitBlock(local); !ok {
			return
		}

		e.execMu.Lock()
		lt, queued := e.execQueue[local]
		delete(e.execQueue, local)
		if local <= e.lastExecuted.Load() {
			e.execMu.Unlock()
			continue
		}
		e.lastExecuted.Store(local)
		e.behavior.execute(local)
		e.execMu.Unlock()

		if !queued {
			lt = e.localCommit(local, t)
		}
		e.commit(local, lt)
	}
}

// localCommit finds the sequence-mode transition leaving the current state of
// a local sequence, falling back to the transition of the aggregated one.
func (e *Entity) localCommit(local int64, fallback *protocol.Transition) *protocol.Transition {
	st := e.stateOf(local)
	roles := e.role.EntityRoles(local, e.view.Load(), e.spec.State(st).Phase, e.id)
	for _, role := range roles {
		for _, t := range e.spec.Transitions(st, role) {
			if t.Update == protocol.UpdateSequence {
				return t
			}
		}
	}
	return fallback
}
