package protocol

import (
	"fmt"
	"strings"
)

// Role, Phase, State and MessageKind are indices into a compiled Spec.
type (
	Role        int
	Phase       int
	State       int
	MessageKind int
)

// NoState marks a state lookup that did not resolve.
const NoState State = -1

// Special names shared by every protocol of a pool.
const (
	NormalPhaseName = "normal"

	AnyStateName      = "any"
	ExecutedStateName = "executed"
	IdleStateName     = "idle"

	RequestMessageName    = "request"
	ReplyMessageName      = "reply"
	CheckpointMessageName = "checkpoint"
	FetchMessageName      = "fetch"
	ReportMessageName     = "report"

	ClientRoleName  = "client"
	NodesRoleName   = "nodes"
	PrimaryRoleName = "primary"
)

var (
	specialStates   = []string{AnyStateName, ExecutedStateName}
	specialMessages = []string{RequestMessageName, ReplyMessageName, CheckpointMessageName, FetchMessageName, ReportMessageName}
	specialRoles    = []string{ClientRoleName, NodesRoleName, PrimaryRoleName}
)

func isSpecial(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}

// qualify returns the table name of a protocol-local name.
func qualify(list []string, protocol, name string) string {
	if isSpecial(list, name) {
		return name
	}
	return protocol + "_" + name
}

// ConditionKind tags the variant held by a Condition.
type ConditionKind int

const (
	ConditionTrue ConditionKind = iota
	ConditionMessage
	ConditionTimeout
)

func (k ConditionKind) String() string {
	switch k {
	case ConditionTrue:
		return "true"
	case ConditionMessage:
		return "message"
	case ConditionTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TimeoutMode selects which progress clock a timeout watches.
type TimeoutMode int

const (
	// SequenceTimeout expires unless the whole sequence commits.
	SequenceTimeout TimeoutMode = iota
	// StateTimeout expires unless the sequence leaves the armed state.
	StateTimeout
)

func (m TimeoutMode) String() string {
	if m == SequenceTimeout {
		return "sequence"
	}
	return "state"
}

// Condition guards a transition.
type Condition struct {
	Kind ConditionKind

	// Message conditions.
	Message MessageKind
	Quorum  Quorum

	// Timeout conditions.
	Mode       TimeoutMode
	Multiplier int
}

// UpdateMode names the side effect a transition has on entity progress.
type UpdateMode int

const (
	UpdateNone UpdateMode = iota
	// UpdateSequence marks the commit point that hands a sequence to the executor.
	UpdateSequence
	// UpdateView moves the entity to the next view.
	UpdateView
	// UpdateAggregation defers until local sequences were folded into this one.
	UpdateAggregation
	// UpdateSlow marks a slow-path transition for telemetry.
	UpdateSlow
)

var updateModeNames = []string{"none", "sequence", "view", "aggregation", "slow"}

func (m UpdateMode) String() string {
	if int(m) < 0 || int(m) >= len(updateModeNames) {
		return "unknown"
	}
	return updateModeNames[m]
}

// ParseUpdateMode maps a document value to an UpdateMode. Empty means none.
func ParseUpdateMode(s string) (UpdateMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return UpdateNone, nil
	}
	for i, name := range updateModeNames {
		if name == s {
			return UpdateMode(i), nil
		}
	}
	return UpdateNone, fmt.Errorf("%w: %q", ErrUnknownUpdate, s)
}

// Target pairs a role with a message kind, used for responses and extra tallies.
type Target struct {
	Role    Role
	Message MessageKind
}

// Transition is one candidate edge of the state machine.
type Transition struct {
	// Protocol owning the transition; its general values resolve quorum variables.
	Protocol   string
	From       State
	To         State
	Condition  Condition
	Update     UpdateMode
	Responses  []Target
	ExtraTally []Target
}

// StateInfo describes a state of the shared table.
type StateInfo struct {
	Name  string
	Phase Phase
	// Messages this state may emit.
	Messages []MessageKind

	transitions map[Role][]*Transition
}

// MessageInfo describes a message kind of the shared table.
type MessageInfo struct {
	Name            string
	Phases          []Phase
	HasRequestBlock bool
}

// LeaderMode tells role strategies how the primary is picked within an episode.
type LeaderMode int

const (
	LeaderStable LeaderMode = iota
	LeaderRotate
)

func (m LeaderMode) String() string {
	if m == LeaderRotate {
		return "rotate"
	}
	return "stable"
}

// ParseLeaderMode maps a document value to a LeaderMode. Empty means stable.
func ParseLeaderMode(s string) (LeaderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stable":
		return LeaderStable, nil
	case "rotate":
		return LeaderRotate, nil
	default:
		return LeaderStable, fmt.Errorf("%w: leader mode %q", ErrBadDocument, s)
	}
}
