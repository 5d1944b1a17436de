package consensus

import (
	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
)

// transition applies t to seq. Sequence-mode transitions are queued for the
// executor, which applies them in order; it returns whether the state moved.
func (e *Entity) transition(seq int64, cur protocol.State, t *protocol.Transition) bool {
	if t.Update == protocol.UpdateSequence && cur != t.To {
		e.execMu.Lock()
		if _, ok := e.execQueue[seq]; !ok {
			e.execQueue[seq] = t
		}
		e.execMu.Unlock()
		e.execCond.Broadcast()
		return false
	}

	view := e.view.Load()
	e.store.Group(seq).SetState(seq, t.To)
	if t.Update == protocol.UpdateView {
		e.pending.Clear()
		view = e.view.Add(1)
		e.logger.Info().Int64("seq", seq).Int64("view", view).Msg("View changed")
		e.recorder.Progress(e.id, view, e.lastExecuted.Load(), e.store.Stable())
	}

	e.respond(seq, view, cur, t)
	e.armTimers(seq, view, t.To)

	for _, p := range e.transitionPlugins {
		p.PostTransition(seq, cur, t)
	}
	return true
}

// respond sends the responses of t and tallies its extra messages.
func (e *Entity) respond(seq, view int64, cur protocol.State, t *protocol.Transition) {
	phase := e.spec.State(cur).Phase
	g := e.store.Group(seq)

	for _, x := range t.ExtraTally {
		for _, id := range e.entities(seq, view, phase, x.Role) {
			m := e.createMessage(seq, view, x.Message, []int{e.id})
			if m.Invalid() {
				continue
			}
			m = m.Clone()
			m.Source = id
			g.Tally(m, e.spec.Reply())
		}
	}

	var self []*data.Message
	for _, r := range t.Responses {
		targets := e.entities(seq, view, phase, r.Role)
		if len(targets) == 0 {
			continue
		}
		m := e.createMessage(seq, view, r.Message, targets)
		if m.Invalid() {
			continue
		}
		e.sendMessage(m)
		if m.HasTarget(e.id) {
			self = append(self, m)
		}
	}
	// The transport also loops self-addressed messages back; tallying here lets
	// the next step see them without waiting for delivery. Tallies are idempotent
	// per source.
	for _, m := range self {
		g.Tally(m, e.spec.Reply())
	}
}

// entities resolves a response role; clients are addressed as a whole.
func (e *Entity) entities(seq, view int64, phase protocol.Phase, role protocol.Role) []int {
	if role == e.spec.Client() {
		return append([]int(nil), e.settings.Roster.Clients...)
	}
	return e.role.RoleEntities(seq, view, phase, role)
}

// armTimers starts a timer for every timeout transition leaving st. Idle
// states are armed by armIdleTimers only, when requests wait for a proposal.
func (e *Entity) armTimers(seq, view int64, st protocol.State) {
	if e.spec.IsIdle(st) {
		return
	}
	e.startTimers(seq, view, st)
}

// armIdleTimers arms the timeouts leaving the idle state of seq once per view.
// The primary of seq never arms them.
func (e *Entity) armIdleTimers(seq int64) {
	view := e.view.Load()
	st := e.stateOf(seq)
	if !e.spec.IsIdle(st) || e.role.IsPrimaryFor(seq, view, e.id) {
		return
	}
	last := e.lastExecuted.Load()
	e.stateMu.Lock()
	for s := range e.idleTimers {
		if s <= last {
			delete(e.idleTimers, s)
		}
	}
	if v, ok := e.idleTimers[seq]; ok && v == view {
		e.stateMu.Unlock()
		return
	}
	e.idleTimers[seq] = view
	e.stateMu.Unlock()
	e.startTimers(seq, view, st)
}

func (e *Entity) startTimers(seq, view int64, st protocol.State) {
	roles := e.role.EntityRoles(seq, view, e.spec.State(st).Phase, e.id)
	for _, from := range []protocol.State{st, e.spec.AnyState()} {
		for _, role := range roles {
			for _, t := range e.spec.Transitions(from, role) {
				if t.Condition.Kind == protocol.ConditionTimeout {
					e.timekeeper.StartTimer(seq, view, st, t)
				}
			}
		}
	}
}
