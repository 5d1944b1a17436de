package consensus

import (
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/genbft-engine/data"
)

// Fault names, as used by FaultSettings.Overrides.
const (
	FaultInDark       = "in-dark"
	FaultTimeout      = "timeout"
	FaultSlowProposal = "slow-proposal"
	FaultPollution    = "pollution"
)

var faultNames = []string{FaultInDark, FaultTimeout, FaultSlowProposal, FaultPollution}

// FaultSettings injects misbehaviour for benchmarking under faults.
type FaultSettings struct {
	// InDark nodes receive nothing the other nodes send.
	InDark []int
	// Delayed nodes receive node messages Delay late.
	Delayed []int
	Delay   time.Duration
	// SlowProposal restricts Settings.SlowProposalDelay to these nodes. Empty
	// means every node.
	SlowProposal []int
	// Polluted nodes report random features in the learning round.
	Polluted []int
	// Overrides lists per protocol the faults that protocol does not suffer.
	Overrides map[string][]string
}

func (f FaultSettings) validate() error {
	if f.Delay < 0 {
		return fmt.Errorf("%w: negative fault delay", ErrBadSettings)
	}
	for name, faults := range f.Overrides {
		for _, fault := range faults {
			if !slices.Contains(faultNames, fault) {
				return fmt.Errorf("%w: protocol %s overrides unknown fault %q", ErrBadSettings, name, fault)
			}
		}
	}
	return nil
}

// Affects reports whether fault hits member id while protocol runs.
func (f FaultSettings) Affects(fault, protocol string, id int) bool {
	if slices.Contains(f.Overrides[protocol], fault) {
		return false
	}
	switch fault {
	case FaultInDark:
		return slices.Contains(f.InDark, id)
	case FaultTimeout:
		return f.Delay > 0 && slices.Contains(f.Delayed, id)
	case FaultSlowProposal:
		return len(f.SlowProposal) == 0 || slices.Contains(f.SlowProposal, id)
	case FaultPollution:
		return slices.Contains(f.Polluted, id)
	}
	return false
}

// FaultPlugin annotates the messages a node sends with the injected faults of
// their targets. Transports drop blocked targets and hold delayed ones.
type FaultPlugin struct {
	id       int
	faults   FaultSettings
	roster   Roster
	protocol func() string
	logger   zerolog.Logger
}

func NewFaultPlugin(e *Entity) (MessagePlugin, error) {
	return &FaultPlugin{
		id:       e.id,
		faults:   e.settings.Faults,
		roster:   e.settings.Roster,
		protocol: e.Protocol,
		logger:   e.logger,
	}, nil
}

func (p *FaultPlugin) Incoming(msg *data.Message) *data.Message { return msg }

func (p *FaultPlugin) Outgoing(msg *data.Message) *data.Message {
	if msg.Invalid() || !p.roster.IsNode(p.id) {
		return msg
	}
	name := p.protocol()
	var fault data.Fault
	for _, t := range msg.Targets {
		if t == p.id || !p.roster.IsNode(t) {
			continue
		}
		if p.faults.Affects(FaultInDark, name, t) {
			fault.Blocked = append(fault.Blocked, t)
			continue
		}
		if p.faults.Affects(FaultTimeout, name, t) {
			if fault.DelayMs == nil {
				fault.DelayMs = make(map[int]int64)
			}
			fault.DelayMs[t] = p.faults.Delay.Milliseconds()
		}
	}
	if len(fault.Blocked) == 0 && len(fault.DelayMs) == 0 {
		return msg
	}
	c := msg.Clone()
	c.Fault = &fault
	return c
}
