package consensus

import (
	"fmt"
	"time"
)

// Roster assigns member ids: nodes take 0..n-1, clients follow.
type Roster struct {
	Nodes   []int
	Clients []int
}

// NewRoster creates the default roster of nodes nodes and clients clients.
func NewRoster(nodes, clients int) Roster {
	r := Roster{Nodes: make([]int, nodes), Clients: make([]int, clients)}
	for i := range r.Nodes {
		r.Nodes[i] = i
	}
	for i := range r.Clients {
		r.Clients[i] = nodes + i
	}
	return r
}

// NodeIndex returns the position of id among the nodes, or -1 for clients.
func (r Roster) NodeIndex(id int) int {
	for i, n := range r.Nodes {
		if n == id {
			return i
		}
	}
	return -1
}

// ClientIndex returns the position of id among the clients, or -1.
func (r Roster) ClientIndex(id int) int {
	for i, c := range r.Clients {
		if c == id {
			return i
		}
	}
	return -1
}

func (r Roster) IsNode(id int) bool { return r.NodeIndex(id) >= 0 }

// Members lists every id, nodes first.
func (r Roster) Members() []int {
	out := make([]int, 0, len(r.Nodes)+len(r.Clients))
	out = append(out, r.Nodes...)
	return append(out, r.Clients...)
}

// PluginSettings names the strategies an entity is built with.
type PluginSettings struct {
	Role       string
	Pipeline   string
	Message    []string
	Transition []string
}

// Settings is the runtime configuration shared by every entity of a cluster.
type Settings struct {
	F int

	BlockSize      int
	CheckpointSize int64
	// EpisodeSize is a multiple of CheckpointSize.
	EpisodeSize int64
	// CatchUpK is the checkpoint gap that triggers state transfer.
	CatchUpK int64

	RequestInterval time.Duration
	// FixedTimeout disables recalibration; timers then start from TimeoutTrigger.
	FixedTimeout   bool
	TimeoutTrigger time.Duration

	AggregationDelay     time.Duration
	LeaderRotateInterval int64
	SlowProposalDelay    time.Duration
	MaxPending           int

	ClosedLoop        bool
	ClosedLoopClients int
	ClosedLoopDelay   time.Duration
	// ResendInterval is how long a client waits for a commit before it
	// broadcasts a request to every node. Zero disables resending.
	ResendInterval time.Duration

	DefaultProtocol string
	DebugSequence   []string
	Learning        bool
	DecisionQuorum  int
	// Offsets within an episode of the learning round: nodes report features at
	// ReportSequence, the primary embeds a report quorum at ExchangeSequence
	// and a vote quorum at DecisionSequence. Zero picks E/2, 3E/4 and E-1.
	ReportSequence   int64
	ExchangeSequence int64
	DecisionSequence int64

	Faults FaultSettings

	Plugins PluginSettings
	Roster  Roster
}

// DefaultSettings returns a four node, one client PBFT-style setup.
func DefaultSettings() Settings {
	return Settings{
		F:                    1,
		BlockSize:            10,
		CheckpointSize:       100,
		EpisodeSize:          100,
		CatchUpK:             2,
		RequestInterval:      time.Millisecond,
		TimeoutTrigger:       50 * time.Millisecond,
		AggregationDelay:     5 * time.Millisecond,
		LeaderRotateInterval: 1,
		ClosedLoopClients:    1,
		ResendInterval:       500 * time.Millisecond,
		DefaultProtocol:      "pbft",
		DecisionQuorum:       1,
		Plugins: PluginSettings{
			Role:       "basic-primary",
			Pipeline:   "direct",
			Message:    []string{"digest", "checkpoint", "speculate"},
			Transition: []string{"metrics"},
		},
		Roster: NewRoster(4, 1),
	}
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	switch {
	case s.BlockSize <= 0:
		return fmt.Errorf("%w: block size must be positive", ErrBadSettings)
	case s.CheckpointSize <= 0:
		return fmt.Errorf("%w: checkpoint size must be positive", ErrBadSettings)
	case s.EpisodeSize <= 0 || s.EpisodeSize%s.CheckpointSize != 0:
		return fmt.Errorf("%w: episode size %d is not a positive multiple of checkpoint size %d",
			ErrBadSettings, s.EpisodeSize, s.CheckpointSize)
	case s.F < 0:
		return fmt.Errorf("%w: negative f", ErrBadSettings)
	case len(s.Roster.Nodes) < 3*s.F+1:
		return fmt.Errorf("%w: %d nodes cannot tolerate f=%d", ErrBadSettings, len(s.Roster.Nodes), s.F)
	case s.LeaderRotateInterval <= 0:
		return fmt.Errorf("%w: leader rotate interval must be positive", ErrBadSettings)
	case s.DefaultProtocol == "":
		return fmt.Errorf("%w: no default protocol", ErrBadSettings)
	case s.ResendInterval < 0:
		return fmt.Errorf("%w: negative resend interval", ErrBadSettings)
	}
	if s.DecisionQuorum <= 0 {
		return fmt.Errorf("%w: decision quorum must be positive", ErrBadSettings)
	}
	if s.learns() {
		r, x, d := s.learningOffsets()
		if r < 0 || r >= x || x >= d || d >= s.EpisodeSize {
			return fmt.Errorf("%w: learning offsets %d < %d < %d do not fit an episode of %d",
				ErrBadSettings, r, x, d, s.EpisodeSize)
		}
	}
	return s.Faults.validate()
}

// learns reports whether nodes run the learning round. A debug sequence wins
// over the learner.
func (s Settings) learns() bool { return s.Learning && len(s.DebugSequence) == 0 }

// learningOffsets returns the report, exchange and decision offsets.
func (s Settings) learningOffsets() (report, exchange, decision int64) {
	report, exchange, decision = s.ReportSequence, s.ExchangeSequence, s.DecisionSequence
	if report == 0 {
		report = s.EpisodeSize / 2
	}
	if exchange == 0 {
		exchange = s.EpisodeSize * 3 / 4
	}
	if decision == 0 {
		decision = s.EpisodeSize - 1
	}
	return report, exchange, decision
}

// Episode returns the episode a sequence belongs to.
func (s Settings) Episode(seq int64) int64 { return seq / s.EpisodeSize }

// EndOfEpisode returns the last sequence of the episode holding seq.
func (s Settings) EndOfEpisode(seq int64) int64 {
	return (s.Episode(seq)+1)*s.EpisodeSize - 1
}
