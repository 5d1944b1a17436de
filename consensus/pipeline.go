package consensus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/network"
	"github.com/VanDung-dev/genbft-engine/protocol"
)

const directMaxActive = 100

func transmit(tr network.Transport, logger zerolog.Logger, msgs ...*data.Message) {
	for _, m := range msgs {
		if err := tr.Send(m); err != nil {
			logger.Debug().Err(err).Int64("seq", m.Sequence).Int("kind", int(m.Kind)).Msg("Send failed")
		}
	}
}

// DirectPipeline hands every message to the transport immediately.
type DirectPipeline struct {
	transport network.Transport
	logger    zerolog.Logger
}

func NewDirectPipeline(e *Entity) (Pipeline, error) {
	return &DirectPipeline{transport: e.transport, logger: e.logger}, nil
}

func (p *DirectPipeline) Send(msg *data.Message, sender int) {
	transmit(p.transport, p.logger, msg)
}

func (p *DirectPipeline) MaxActiveSequences() int { return directMaxActive }

// QCPipeline holds back broadcast node messages until as many are queued as the
// pool has message-driven node transitions in the normal phase, so that one
// flush carries a whole certificate chain.
type QCPipeline struct {
	transport network.Transport
	logger    zerolog.Logger
	client    bool

	pendingSize int
	indexes     []protocol.MessageKind

	mu      sync.Mutex
	pending []*data.Message
}

func NewQCPipeline(e *Entity) (Pipeline, error) {
	spec := e.spec
	p := &QCPipeline{
		transport: e.transport,
		logger:    e.logger,
		client:    !e.settings.Roster.IsNode(e.id),
	}
	for _, name := range spec.Protocols() {
		p.pendingSize += spec.CountTransitions(name, spec.NormalPhase(), spec.Nodes(), protocol.ConditionMessage)
		for _, st := range spec.StatesOf(name) {
			for _, t := range spec.Transitions(st, spec.Nodes()) {
				if t.Condition.Kind == protocol.ConditionMessage {
					p.indexes = append(p.indexes, t.Condition.Message)
				}
			}
		}
	}
	if p.pendingSize < 1 {
		p.pendingSize = 1
	}
	return p, nil
}

func (p *QCPipeline) index(kind protocol.MessageKind) int {
	for i, k := range p.indexes {
		if k == kind {
			return i
		}
	}
	return -1
}

func (p *QCPipeline) Send(msg *data.Message, sender int) {
	idx := p.index(msg.Kind)
	if p.client || len(msg.Targets) <= 1 || idx < 0 {
		transmit(p.transport, p.logger, msg)
		return
	}

	p.mu.Lock()
	p.pending = append(p.pending, msg)
	expected := msg.Sequence + int64(idx) + 1
	if expected > int64(p.pendingSize) {
		expected = int64(p.pendingSize)
	}
	if int64(len(p.pending)) < expected {
		p.mu.Unlock()
		return
	}
	out := p.pending
	p.pending = nil
	p.mu.Unlock()

	transmit(p.transport, p.logger, out...)
}

func (p *QCPipeline) MaxActiveSequences() int { return p.pendingSize }

// Pending returns how many messages wait for a flush.
func (p *QCPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
