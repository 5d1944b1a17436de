package consensus

import (
	"context"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
)

// RoleStrategy maps roles to entities and back. Both directions must agree and
// block until the leader mode of the sequence's episode is published.
type RoleStrategy interface {
	RoleEntities(seq, view int64, phase protocol.Phase, role protocol.Role) []int
	EntityRoles(seq, view int64, phase protocol.Phase, id int) []protocol.Role
	// IsPrimaryFor reports whether id proposes seq in view.
	IsPrimaryFor(seq, view int64, id int) bool
}

// Pipeline decides when outgoing messages reach the transport and how many
// sequences a primary may have in flight.
type Pipeline interface {
	Send(msg *data.Message, sender int)
	MaxActiveSequences() int
}

// MessagePlugin rewrites messages. Outgoing chains run in registration order,
// incoming chains in reverse; an invalid result stops the chain.
type MessagePlugin interface {
	Incoming(msg *data.Message) *data.Message
	Outgoing(msg *data.Message) *data.Message
}

// TransitionPlugin observes and may veto transitions.
type TransitionPlugin interface {
	// ProcessTransition returns the transition to apply, or nil to skip it.
	ProcessTransition(seq int64, state protocol.State, t *protocol.Transition) *protocol.Transition
	PostTransition(seq int64, old protocol.State, t *protocol.Transition)
}

// Service is the replicated state machine a node executes blocks on.
type Service interface {
	Execute(req data.Request) int64
	Records() map[int]int64
	Restore(records map[int]int64)
}

// ClientService produces requests and absorbs committed replies.
type ClientService interface {
	NewRequest(num int64) data.Request
	Update(req data.Request, value int64)
}

// KeyProvider returns the symmetric key shared by two members.
type KeyProvider interface {
	Key(a, b int) []byte
}

// EpisodeReport summarizes one finished episode.
type EpisodeReport struct {
	Entity     int
	Episode    int64
	Protocol   string
	Requests   int64
	Duration   time.Duration
	Throughput float64
}

// Learner picks the protocol of the next episode. "repeat" keeps the current one.
type Learner interface {
	NextProtocol(ctx context.Context, report EpisodeReport) (string, error)
}

// LearnerFunc adapts a function to Learner.
type LearnerFunc func(ctx context.Context, report EpisodeReport) (string, error)

func (f LearnerFunc) NextProtocol(ctx context.Context, report EpisodeReport) (string, error) {
	return f(ctx, report)
}

// Recorder receives progress events. Implementations must be safe for concurrent use.
type Recorder interface {
	SequenceExecuted(entity int, seq int64)
	RequestsExecuted(entity int, n int)
	Commit(entity int, slow bool)
	TimeoutFired(entity int, mode string)
	Fetch(entity int, outcome string)
	ProtocolSwitch(entity int, from, to string)
	Progress(entity int, view, lastExecuted, stable int64)
	MessageDelivered(entity int, latency time.Duration)
	MessageDropped(entity int, reason string)
	Transition(entity int, state string)
	Episode(report EpisodeReport)
}

// Fetch outcomes passed to Recorder.Fetch.
const (
	FetchIssued    = "issued"
	FetchInstalled = "installed"
	FetchRejected  = "rejected"
)

type nopRecorder struct{}

func (nopRecorder) SequenceExecuted(int, int64)         {}
func (nopRecorder) RequestsExecuted(int, int)           {}
func (nopRecorder) Commit(int, bool)                    {}
func (nopRecorder) TimeoutFired(int, string)            {}
func (nopRecorder) Fetch(int, string)                   {}
func (nopRecorder) ProtocolSwitch(int, string, string)  {}
func (nopRecorder) Progress(int, int64, int64, int64)   {}
func (nopRecorder) MessageDelivered(int, time.Duration) {}
func (nopRecorder) MessageDropped(int, string)          {}
func (nopRecorder) Transition(int, string)              {}
func (nopRecorder) Episode(EpisodeReport)               {}

// NopRecorder discards every event.
func NopRecorder() Recorder { return nopRecorder{} }
