package consensus

import (
	"github.com/VanDung-dev/genbft-engine/protocol"
)

// leaderOffset resolves the primary offset of a sequence from the published
// leader mode of its episode.
type leaderOffset struct {
	spec     *protocol.Spec
	roster   Roster
	settings Settings
	schedule *LeaderSchedule
}

func newLeaderOffset(e *Entity) leaderOffset {
	return leaderOffset{spec: e.spec, roster: e.settings.Roster, settings: e.settings, schedule: e.schedule}
}

// offset blocks until the leader mode of seq's episode is known.
func (l leaderOffset) offset(seq, view int64) (int64, bool) {
	mode, ok := l.schedule.Wait(l.settings.Episode(seq))
	if !ok {
		return 0, false
	}
	if mode == protocol.LeaderRotate {
		return seq/l.settings.LeaderRotateInterval + view, true
	}
	return view, true
}

func (l leaderOffset) total() int64 { return int64(len(l.roster.Nodes)) }

func (l leaderOffset) node(index int64) int {
	n := l.total()
	return l.roster.Nodes[((index%n)+n)%n]
}

// appendRole skips roles no protocol of the pool declares.
func appendRole(roles []protocol.Role, r protocol.Role) []protocol.Role {
	if r < 0 {
		return roles
	}
	return append(roles, r)
}

// BasicPrimary gives one node the primary role; everyone else is a plain node.
type BasicPrimary struct {
	leaderOffset
}

func NewBasicPrimary(e *Entity) (RoleStrategy, error) {
	return &BasicPrimary{leaderOffset: newLeaderOffset(e)}, nil
}

func (b *BasicPrimary) RoleEntities(seq, view int64, phase protocol.Phase, role protocol.Role) []int {
	switch role {
	case b.spec.Client():
		return append([]int(nil), b.roster.Clients...)
	case b.spec.Nodes():
		return append([]int(nil), b.roster.Nodes...)
	case b.spec.Primary():
		off, ok := b.offset(seq, view)
		if !ok {
			return nil
		}
		return []int{b.node(off)}
	}
	return nil
}

func (b *BasicPrimary) EntityRoles(seq, view int64, phase protocol.Phase, id int) []protocol.Role {
	index := b.roster.NodeIndex(id)
	if index < 0 {
		return []protocol.Role{b.spec.Client()}
	}
	off, ok := b.offset(seq, view)
	if !ok {
		return nil
	}
	if int64(index) == off%b.total() {
		return []protocol.Role{b.spec.Primary(), b.spec.Nodes()}
	}
	return []protocol.Role{b.spec.Nodes()}
}

func (b *BasicPrimary) IsPrimaryFor(seq, view int64, id int) bool {
	index := b.roster.NodeIndex(id)
	if index < 0 {
		return false
	}
	off, ok := b.offset(seq, view)
	return ok && int64(index) == off%b.total()
}

// PrimaryPassive splits the nodes into n-f active ones, the primary first, and
// f passive ones. Outside the normal phase the primary is the node after the
// one that was normal-phase primary in the previous view.
type PrimaryPassive struct {
	leaderOffset
	f       int64
	active  protocol.Role
	passive protocol.Role
}

func NewPrimaryPassive(e *Entity) (RoleStrategy, error) {
	return &PrimaryPassive{
		leaderOffset: newLeaderOffset(e),
		f:            int64(e.settings.F),
		active:       e.spec.Role("active"),
		passive:      e.spec.Role("passive"),
	}, nil
}

func (p *PrimaryPassive) base(seq, view int64, phase protocol.Phase) (int64, bool) {
	off, ok := p.offset(seq, view)
	if !ok {
		return 0, false
	}
	if phase != p.spec.NormalPhase() {
		off--
	}
	n := p.total()
	return ((off % n) + n) % n, true
}

func (p *PrimaryPassive) primaryPoint(phase protocol.Phase) int64 {
	if phase == p.spec.NormalPhase() {
		return 0
	}
	return 1
}

func (p *PrimaryPassive) RoleEntities(seq, view int64, phase protocol.Phase, role protocol.Role) []int {
	switch role {
	case p.spec.Client():
		return append([]int(nil), p.roster.Clients...)
	case p.spec.Nodes():
		return append([]int(nil), p.roster.Nodes...)
	}
	base, ok := p.base(seq, view, phase)
	if !ok {
		return nil
	}
	n := p.total()
	var from, to int64
	switch role {
	case p.spec.Primary():
		return []int{p.node(base + p.primaryPoint(phase))}
	case p.active:
		from, to = base, base+n-p.f
	case p.passive:
		from, to = base+n-p.f, base+n
	default:
		return nil
	}
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, p.node(i))
	}
	return out
}

func (p *PrimaryPassive) EntityRoles(seq, view int64, phase protocol.Phase, id int) []protocol.Role {
	index := p.roster.NodeIndex(id)
	if index < 0 {
		return []protocol.Role{p.spec.Client()}
	}
	base, ok := p.base(seq, view, phase)
	if !ok {
		return nil
	}
	n := p.total()
	point := (int64(index) - base + n) % n
	var roles []protocol.Role
	switch {
	case point == p.primaryPoint(phase):
		roles = appendRole(roles, p.spec.Primary())
		roles = appendRole(roles, p.active)
	case point < n-p.f:
		roles = appendRole(roles, p.active)
	default:
		roles = appendRole(roles, p.passive)
	}
	return append(roles, p.spec.Nodes())
}

func (p *PrimaryPassive) IsPrimaryFor(seq, view int64, id int) bool {
	index := p.roster.NodeIndex(id)
	if index < 0 {
		return false
	}
	base, ok := p.base(seq, view, p.spec.NormalPhase())
	return ok && int64(index) == base
}

// PrimaryQC adds primary2 to primary4 on the nodes following the primary, for
// pipelined protocols that hand each quorum certificate to the next leader.
type PrimaryQC struct {
	leaderOffset
	extra []protocol.Role
}

func NewPrimaryQC(e *Entity) (RoleStrategy, error) {
	return &PrimaryQC{
		leaderOffset: newLeaderOffset(e),
		extra: []protocol.Role{
			e.spec.Role("primary2"),
			e.spec.Role("primary3"),
			e.spec.Role("primary4"),
		},
	}, nil
}

func (q *PrimaryQC) RoleEntities(seq, view int64, phase protocol.Phase, role protocol.Role) []int {
	switch role {
	case q.spec.Client():
		return append([]int(nil), q.roster.Clients...)
	case q.spec.Nodes():
		return append([]int(nil), q.roster.Nodes...)
	}
	shift := int64(-1)
	if role == q.spec.Primary() {
		shift = 0
	}
	for i, r := range q.extra {
		if r >= 0 && r == role {
			shift = int64(i + 1)
		}
	}
	if shift < 0 {
		return nil
	}
	off, ok := q.offset(seq, view)
	if !ok {
		return nil
	}
	return []int{q.node(off + shift)}
}

func (q *PrimaryQC) EntityRoles(seq, view int64, phase protocol.Phase, id int) []protocol.Role {
	index := q.roster.NodeIndex(id)
	if index < 0 {
		return []protocol.Role{q.spec.Client()}
	}
	off, ok := q.offset(seq, view)
	if !ok {
		return nil
	}
	n := q.total()
	point := (int64(index) - off%n + n) % n
	var roles []protocol.Role
	switch {
	case point == 0:
		roles = appendRole(roles, q.spec.Primary())
	case point <= int64(len(q.extra)) && point < n:
		roles = appendRole(roles, q.extra[point-1])
	}
	return append(roles, q.spec.Nodes())
}

func (q *PrimaryQC) IsPrimaryFor(seq, view int64, id int) bool {
	index := q.roster.NodeIndex(id)
	if index < 0 {
		return false
	}
	off, ok := q.offset(seq, view)
	return ok && int64(index) == off%q.total()
}
