package protocol

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pool is the compiler input: the global named integers plus one document per protocol.
type Pool struct {
	General   map[string]int
	Documents []*Document
	// Logger receives warnings about dropped transitions. Defaults to the global logger.
	Logger *zerolog.Logger
}

// Spec is the compiled, immutable protocol table. It is safe for concurrent use.
type Spec struct {
	roles    []string
	phases   []string
	states   []StateInfo
	messages []MessageInfo

	protocols     []string
	general       map[string]map[string]int
	global        map[string]int
	leader        map[string]LeaderMode
	requestTarget map[string]Role
	idle          map[string]State

	normal                                    Phase
	anyState, executed                        State
	client, nodes, primary                    Role
	request, reply, checkpoint, fetch, report MessageKind
}

type compiler struct {
	spec *Spec
	log  zerolog.Logger
}

// Compile merges the pool into one shared index space.
func Compile(pool Pool) (*Spec, error) {
	logger := log.Logger
	if pool.Logger != nil {
		logger = *pool.Logger
	}
	c := &compiler{
		spec: &Spec{
			general:       make(map[string]map[string]int),
			global:        make(map[string]int),
			leader:        make(map[string]LeaderMode),
			requestTarget: make(map[string]Role),
			idle:          make(map[string]State),
		},
		log: logger.With().Str("component", "protocol").Logger(),
	}
	for k, v := range pool.General {
		c.spec.global[k] = v
	}
	c.internSpecials()

	seen := make(map[string]bool)
	for _, doc := range pool.Documents {
		if doc == nil {
			continue
		}
		if seen[doc.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, doc.Name)
		}
		seen[doc.Name] = true
		if err := c.addProtocol(doc); err != nil {
			return nil, err
		}
	}
	if len(c.spec.protocols) == 0 {
		return nil, fmt.Errorf("%w: empty protocol pool", ErrBadDocument)
	}
	return c.spec, nil
}

func (c *compiler) internSpecials() {
	s := c.spec
	s.phases = []string{NormalPhaseName}
	s.normal = 0

	for _, name := range specialStates {
		s.states = append(s.states, StateInfo{Name: name, Phase: s.normal, transitions: map[Role][]*Transition{}})
	}
	s.anyState = s.stateIndex(AnyStateName)
	s.executed = s.stateIndex(ExecutedStateName)

	for _, name := range specialMessages {
		s.messages = append(s.messages, MessageInfo{
			Name:            name,
			Phases:          []Phase{s.normal},
			HasRequestBlock: name == RequestMessageName,
		})
	}
	s.request = s.messageIndex(RequestMessageName)
	s.reply = s.messageIndex(ReplyMessageName)
	s.checkpoint = s.messageIndex(CheckpointMessageName)
	s.fetch = s.messageIndex(FetchMessageName)
	s.report = s.messageIndex(ReportMessageName)

	s.roles = append(s.roles, specialRoles...)
	s.client = s.roleIndex(ClientRoleName)
	s.nodes = s.roleIndex(NodesRoleName)
	s.primary = s.roleIndex(PrimaryRoleName)
}

func (c *compiler) addProtocol(doc *Document) error {
	s := c.spec
	name := doc.Name

	general := make(map[string]int, len(doc.General))
	for k, v := range doc.General {
		general[k] = v
	}
	s.general[name] = general

	mode, err := ParseLeaderMode(doc.Leader)
	if err != nil {
		return fmt.Errorf("protocol %s: %w", name, err)
	}
	s.leader[name] = mode

	for _, role := range doc.Roles {
		if s.roleIndex(role) < 0 {
			s.roles = append(s.roles, role)
		}
	}
	target := s.primary
	if doc.RequestTarget != "" {
		target = s.roleIndex(doc.RequestTarget)
		if target < 0 {
			return fmt.Errorf("%w: protocol %s request-target %q is not a role", ErrBadDocument, name, doc.RequestTarget)
		}
	}
	s.requestTarget[name] = target

	for _, phase := range doc.Phases {
		if err := c.addPhase(name, phase); err != nil {
			return err
		}
	}

	idle := s.stateIndex(name + "_" + IdleStateName)
	if idle < 0 {
		return fmt.Errorf("%w: protocol %s declares no %q state", ErrMissingSpecial, name, IdleStateName)
	}
	if !c.declares(doc, ExecutedStateName) {
		return fmt.Errorf("%w: protocol %s declares no %q state", ErrMissingSpecial, name, ExecutedStateName)
	}
	s.idle[name] = idle
	s.protocols = append(s.protocols, name)

	for _, from := range doc.Transitions {
		if err := c.addTransitions(name, from); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) declares(doc *Document, state string) bool {
	for _, phase := range doc.Phases {
		for _, st := range phase.States {
			if st == state {
				return true
			}
		}
	}
	return false
}

func (c *compiler) addPhase(protocol string, doc PhaseDoc) error {
	s := c.spec
	if doc.Name == "" {
		return fmt.Errorf("%w: protocol %s has an unnamed phase", ErrBadDocument, protocol)
	}
	phase := Phase(indexOf(s.phases, doc.Name))
	if phase < 0 {
		s.phases = append(s.phases, doc.Name)
		phase = Phase(len(s.phases) - 1)
	}

	for _, st := range doc.States {
		full := s.stateName(protocol, st)
		if s.stateIndex(full) >= 0 {
			if isSpecial(specialStates, st) {
				continue
			}
			return fmt.Errorf("%w: protocol %s declares state %q twice", ErrBadDocument, protocol, st)
		}
		s.states = append(s.states, StateInfo{Name: full, Phase: phase, transitions: map[Role][]*Transition{}})
	}

	for _, m := range doc.Messages {
		if m.Name == "" {
			return fmt.Errorf("%w: protocol %s has an unnamed message", ErrBadDocument, protocol)
		}
		full := qualify(specialMessages, protocol, m.Name)
		if k := s.messageIndex(full); k >= 0 {
			info := &s.messages[k]
			if !containsPhase(info.Phases, phase) {
				info.Phases = append(info.Phases, phase)
			}
			info.HasRequestBlock = info.HasRequestBlock || m.RequestBlock
			continue
		}
		s.messages = append(s.messages, MessageInfo{Name: full, Phases: []Phase{phase}, HasRequestBlock: m.RequestBlock})
	}
	return nil
}

func (c *compiler) addTransitions(protocol string, from FromDoc) error {
	s := c.spec
	logger := c.log.With().Str("protocol", protocol).Str("role", from.Role).Str("from", from.State).Logger()

	role := s.roleIndex(from.Role)
	if role < 0 {
		logger.Warn().Msg("dropping transitions: unknown role")
		return nil
	}
	fromState := s.FindState(protocol, from.State)
	if fromState == NoState {
		logger.Warn().Msg("dropping transitions: unknown state")
		return nil
	}

	for _, to := range from.To {
		t, ok, err := c.buildTransition(protocol, fromState, to, logger)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		info := &s.states[fromState]
		info.transitions[role] = append(info.transitions[role], t)
		for _, r := range t.Responses {
			if !containsMessage(info.Messages, r.Message) {
				info.Messages = append(info.Messages, r.Message)
			}
		}
	}
	return nil
}

func (c *compiler) buildTransition(protocol string, from State, to ToDoc, logger zerolog.Logger) (*Transition, bool, error) {
	s := c.spec
	t := &Transition{Protocol: protocol, From: from}

	t.To = s.FindState(protocol, to.State)
	if t.To == NoState {
		logger.Warn().Str("to", to.State).Msg("dropping transition: unknown target state")
		return nil, false, nil
	}

	cond, ok, err := c.buildCondition(protocol, to.Condition, logger)
	if err != nil || !ok {
		return nil, false, err
	}
	t.Condition = cond

	t.Update, err = ParseUpdateMode(to.Update)
	if err != nil {
		return nil, false, fmt.Errorf("protocol %s: %w", protocol, err)
	}

	for _, r := range to.Response {
		role := s.roleIndex(r.Target)
		msg := s.FindMessage(protocol, r.Message)
		if role < 0 || msg < 0 {
			logger.Warn().Str("to", to.State).Str("target", r.Target).Str("message", r.Message).
				Msg("dropping transition: unresolved response")
			return nil, false, nil
		}
		t.Responses = append(t.Responses, Target{Role: role, Message: msg})
	}

	for _, x := range to.ExtraTally {
		role := s.roleIndex(x.Role)
		msg := s.FindMessage(protocol, x.Message)
		if role < 0 || msg < 0 {
			logger.Warn().Str("to", to.State).Str("role", x.Role).Str("message", x.Message).
				Msg("dropping transition: unresolved extra tally")
			return nil, false, nil
		}
		t.ExtraTally = append(t.ExtraTally, Target{Role: role, Message: msg})
	}

	return t, true, nil
}

func (c *compiler) buildCondition(protocol string, doc *ConditionDoc, logger zerolog.Logger) (Condition, bool, error) {
	s := c.spec
	if doc == nil || doc.Type == "" {
		return Condition{Kind: ConditionTrue}, true, nil
	}

	switch doc.Type {
	case "message":
		msg := s.FindMessage(protocol, doc.Message)
		if msg < 0 {
			logger.Warn().Str("message", doc.Message).Msg("dropping transition: unknown condition message")
			return Condition{}, false, nil
		}
		q, err := ParseQuorum(doc.Quorum)
		if err != nil {
			return Condition{}, false, fmt.Errorf("protocol %s: %w", protocol, err)
		}
		if _, err := q.Resolve(s.lookupFor(protocol)); err != nil {
			return Condition{}, false, fmt.Errorf("protocol %s: %w", protocol, err)
		}
		return Condition{Kind: ConditionMessage, Message: msg, Quorum: q}, true, nil

	case "timeout":
		mode := StateTimeout
		if doc.Mode == "sequence" {
			mode = SequenceTimeout
		}
		mult := doc.Multiplier
		if mult <= 0 {
			mult = 1
		}
		return Condition{Kind: ConditionTimeout, Mode: mode, Multiplier: mult}, true, nil

	default:
		return Condition{}, false, fmt.Errorf("%w: protocol %s condition type %q", ErrBadDocument, protocol, doc.Type)
	}
}

func (s *Spec) stateName(protocol, name string) string {
	if name == IdleStateName {
		return protocol + "_" + IdleStateName
	}
	return qualify(specialStates, protocol, name)
}

func (s *Spec) stateIndex(full string) State {
	for i := range s.states {
		if s.states[i].Name == full {
			return State(i)
		}
	}
	return NoState
}

func (s *Spec) messageIndex(full string) MessageKind {
	for i := range s.messages {
		if s.messages[i].Name == full {
			return MessageKind(i)
		}
	}
	return -1
}

func (s *Spec) roleIndex(name string) Role {
	return Role(indexOf(s.roles, name))
}

func (s *Spec) lookupFor(protocol string) func(string) (int, bool) {
	return func(name string) (int, bool) {
		return s.Lookup(protocol, name)
	}
}

func indexOf(list []string, name string) int {
	for i, v := range list {
		if v == name {
			return i
		}
	}
	return -1
}

func containsPhase(list []Phase, p Phase) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func containsMessage(list []MessageKind, m MessageKind) bool {
	for _, v := range list {
		if v == m {
			return true
		}
	}
	return false
}

// Accessors. Returned slices are shared with the table and must not be modified.

func (s *Spec) Protocols() []string { return append([]string(nil), s.protocols...) }

func (s *Spec) HasProtocol(name string) bool { return indexOf(s.protocols, name) >= 0 }

func (s *Spec) Roles() []string { return append([]string(nil), s.roles...) }

func (s *Spec) RoleName(r Role) string {
	if r < 0 || int(r) >= len(s.roles) {
		return fmt.Sprintf("role(%d)", r)
	}
	return s.roles[r]
}

// Role returns the index of a role name, or -1.
func (s *Spec) Role(name string) Role { return s.roleIndex(name) }

func (s *Spec) NumStates() int { return len(s.states) }

// State returns the description of a state. It panics on out of range indices.
func (s *Spec) State(st State) StateInfo { return s.states[st] }

func (s *Spec) StateName(st State) string {
	if st < 0 || int(st) >= len(s.states) {
		return fmt.Sprintf("state(%d)", st)
	}
	return s.states[st].Name
}

// FindState resolves a protocol-local state name.
func (s *Spec) FindState(protocol, name string) State {
	return s.stateIndex(s.stateName(protocol, name))
}

// IdleState returns the initial state of a protocol, or NoState.
func (s *Spec) IdleState(protocol string) State {
	if st, ok := s.idle[protocol]; ok {
		return st
	}
	return NoState
}

// IsIdle reports whether st is the idle state of any protocol.
func (s *Spec) IsIdle(st State) bool {
	for _, idle := range s.idle {
		if idle == st {
			return true
		}
	}
	return false
}

func (s *Spec) AnyState() State      { return s.anyState }
func (s *Spec) ExecutedState() State { return s.executed }
func (s *Spec) NormalPhase() Phase   { return s.normal }

func (s *Spec) PhaseName(p Phase) string {
	if p < 0 || int(p) >= len(s.phases) {
		return fmt.Sprintf("phase(%d)", p)
	}
	return s.phases[p]
}

func (s *Spec) NumMessages() int { return len(s.messages) }

func (s *Spec) Message(k MessageKind) MessageInfo { return s.messages[k] }

func (s *Spec) MessageName(k MessageKind) string {
	if k < 0 || int(k) >= len(s.messages) {
		return fmt.Sprintf("message(%d)", k)
	}
	return s.messages[k].Name
}

// FindMessage resolves a protocol-local message name, or returns -1.
func (s *Spec) FindMessage(protocol, name string) MessageKind {
	return s.messageIndex(qualify(specialMessages, protocol, name))
}

func (s *Spec) Request() MessageKind    { return s.request }
func (s *Spec) Reply() MessageKind      { return s.reply }
func (s *Spec) Checkpoint() MessageKind { return s.checkpoint }
func (s *Spec) Fetch() MessageKind      { return s.fetch }
func (s *Spec) Report() MessageKind     { return s.report }

func (s *Spec) Client() Role  { return s.client }
func (s *Spec) Nodes() Role   { return s.nodes }
func (s *Spec) Primary() Role { return s.primary }

// Transitions returns the ordered candidates leaving st for role.
func (s *Spec) Transitions(st State, role Role) []*Transition {
	if st < 0 || int(st) >= len(s.states) {
		return nil
	}
	return s.states[st].transitions[role]
}

// Leader returns the leader mode a protocol runs with.
func (s *Spec) Leader(protocol string) LeaderMode { return s.leader[protocol] }

// RequestTarget returns the role clients send requests to under a protocol.
func (s *Spec) RequestTarget(protocol string) Role {
	if r, ok := s.requestTarget[protocol]; ok {
		return r
	}
	return s.primary
}

// Lookup resolves a named integer, first in the protocol's general values, then globally.
func (s *Spec) Lookup(protocol, name string) (int, bool) {
	if vars, ok := s.general[protocol]; ok {
		if v, ok := vars[name]; ok {
			return v, true
		}
	}
	v, ok := s.global[name]
	return v, ok
}

// ResolveQuorum evaluates q in the context of a protocol. Unknown variables yield -1,
// which can never be reached by a tally.
func (s *Spec) ResolveQuorum(protocol string, q Quorum) int {
	v, err := q.Resolve(s.lookupFor(protocol))
	if err != nil {
		return -1
	}
	return v
}

// QuorumSize evaluates the message condition of t.
func (s *Spec) QuorumSize(t *Transition) int {
	return s.ResolveQuorum(t.Protocol, t.Condition.Quorum)
}

// CountTransitions counts the transitions a protocol defines for role in phase
// whose condition has the given kind.
func (s *Spec) CountTransitions(protocol string, phase Phase, role Role, kind ConditionKind) int {
	n := 0
	for i := range s.states {
		if s.states[i].Phase != phase {
			continue
		}
		for _, t := range s.states[i].transitions[role] {
			if t.Protocol == protocol && t.Condition.Kind == kind {
				n++
			}
		}
	}
	return n
}

// StatesOf lists the states belonging to a protocol, specials excluded, in table order.
func (s *Spec) StatesOf(protocol string) []State {
	prefix := protocol + "_"
	var out []State
	for i := range s.states {
		if strings.HasPrefix(s.states[i].Name, prefix) {
			out = append(out, State(i))
		}
	}
	return out
}
