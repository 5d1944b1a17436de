package consensus

import (
	"fmt"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
	"github.com/VanDung-dev/genbft-engine/tally"
)

type node struct {
	e *Entity
}

// NewNode creates a replica that executes agreed blocks on svc.
func NewNode(cfg Config, svc Service) (*Entity, error) {
	if !cfg.Settings.Roster.IsNode(cfg.ID) {
		return nil, fmt.Errorf("%w: %d is not a node", ErrBadSettings, cfg.ID)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: node %d has no service", ErrBadSettings, cfg.ID)
	}
	n := &node{}
	e, err := newEntity(cfg, n)
	if err != nil {
		return nil, err
	}
	n.e = e
	e.svc = svc
	return e, nil
}

func (n *node) isClient() bool { return false }

func (n *node) start() {}

func (n *node) settle(int64, int64, bool) bool { return false }

// checkMessageTally accepts a quorum formed at the required view or later and
// adopts the block it certifies.
func (n *node) checkMessageTally(seq int64, q tally.QuorumID, t *protocol.Transition) bool {
	e := n.e
	required := e.view.Load()
	if t.Update == protocol.UpdateView {
		required++
	}
	g := e.store.Group(seq)
	src := g.Full()
	if t.Update == protocol.UpdateView || e.viewOnly[q.Kind] {
		src = g.Views()
	}
	v, ok := src.MaxQuorum(seq, q)
	if !ok || v < required {
		return false
	}
	e.registerBlock(seq, g.Full().QuorumBlock(seq, v))
	return true
}

// execute applies the block of seq to the service. Called by the executor
// with execMu held.
func (n *node) execute(seq int64) {
	e := n.e
	g := e.store.Group(seq)
	block := g.Block(seq)
	for i := range block {
		req := block[i]
		if _, ok := g.Reply(seq, req.Num); ok {
			continue
		}
		g.SetReply(seq, req.Num, e.svc.Execute(req))
	}
	e.recorder.RequestsExecuted(e.id, len(block))
	e.episodeRequests.Add(int64(len(block)))
	e.executedRequests.Add(int64(len(block)))
	e.learningRound(seq, block)

	cpSize := e.store.CheckpointSize()
	if (seq+1)%cpSize != 0 {
		return
	}
	cp := e.store.CheckpointNum(seq)
	records := e.svc.Records()
	g.SetSnapshot(records)
	if e.attestor != nil && e.attestor.HasQuorum(cp) {
		e.store.SetLowWatermark(cp)
	}
	e.spawn(func() { n.sendCheckpoint(cp, records) })
}

// sendCheckpoint attests the snapshot of cp to every node.
func (n *node) sendCheckpoint(cp int64, records map[int]int64) {
	e := n.e
	m := &data.Message{
		Sequence:  cp,
		Sequenced: true,
		Kind:      e.spec.Checkpoint(),
		Source:    e.id,
		Targets:   append([]int(nil), e.settings.Roster.Nodes...),
		Digest:    data.StateDigest(records),
		Timestamp: time.Now().UnixNano(),
	}
	e.sendMessage(e.outgoing(m))
	e.logger.Debug().Int64("checkpoint", cp).Str("digest", m.Digest.String()).Msg("Checkpoint sent")
}
