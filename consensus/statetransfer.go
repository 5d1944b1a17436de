package consensus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/tally"
)

// pruneGap is how many checkpoints above the lowest one are kept before the
// lowest is dropped.
const pruneGap = 3

// CheckpointPlugin consumes CHECKPOINT and FETCH messages. It certifies stable
// checkpoints, raises the low watermark and pulls the service state from a peer
// once the local state falls more than CatchUpK checkpoints behind.
type CheckpointPlugin struct {
	e      *Entity
	codec  *data.SnapshotCodec
	tally  *tally.Tally
	quorum tally.QuorumID
	logger zerolog.Logger

	mu       sync.Mutex
	fetching bool
	fetchCP  int64
	attested data.Digest
}

func NewCheckpointPlugin(e *Entity) (MessagePlugin, error) {
	p := &CheckpointPlugin{
		e:      e,
		codec:  data.NewSnapshotCodec(),
		tally:  tally.New(),
		quorum: tally.QuorumID{Kind: e.spec.Checkpoint(), Size: e.settings.F + 1},
		logger: e.logger.With().Str("component", "checkpoint").Logger(),
	}
	e.attestor = p
	return p, nil
}

// HasQuorum reports whether checkpoint cp is certified.
func (p *CheckpointPlugin) HasQuorum(cp int64) bool {
	return p.tally.HasQuorum(cp, 0, p.quorum)
}

// Fetching reports whether a state transfer is outstanding.
func (p *CheckpointPlugin) Fetching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetching
}

func (p *CheckpointPlugin) Incoming(msg *data.Message) *data.Message {
	store := p.e.store
	if p.e.isClient() {
		min := store.Min()
		if min < store.CheckpointNum(p.e.LastExecuted()) {
			store.Prune(min)
		}
		return msg
	}
	if msg.Invalid() {
		return msg
	}

	switch msg.Kind {
	case p.e.spec.Checkpoint():
		if msg.Sequence >= store.Min() {
			p.tally.Add(msg)
			p.process(msg.Sequence)
		}
	case p.e.spec.Fetch():
		if msg.Fetch == nil {
			break
		}
		if msg.Fetch.Request {
			p.serve(msg)
		} else {
			p.install(msg)
		}
	default:
		return msg
	}
	return msg.Invalidate()
}

func (p *CheckpointPlugin) Outgoing(msg *data.Message) *data.Message {
	if p.e.isClient() || msg.Kind != p.e.spec.Checkpoint() {
		return msg
	}
	p.tally.Add(msg)
	p.process(msg.Sequence)
	return msg
}

// process updates the watermarks after a CHECKPOINT for cp was tallied.
func (p *CheckpointPlugin) process(cp int64) {
	store := p.e.store

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tally.HasQuorum(cp, 0, p.quorum) {
		if g, ok := store.Lookup(cp); ok && g.Snapshot() != nil {
			store.SetLowWatermark(cp)
		}
		if cp > store.Stable() {
			store.SetStable(cp)
			p.logger.Debug().Int64("checkpoint", cp).Msg("Stable checkpoint advanced")
			if cp > store.LowWatermark()+p.e.settings.CatchUpK && !p.fetching {
				p.requestState(cp)
			}
		}
	}

	for {
		min, max := store.Min(), store.Max()
		if max <= min+pruneGap || !p.tally.HasQuorum(min, 0, p.quorum) {
			break
		}
		store.Prune(min)
		p.tally.Forget(min)
	}
}

// requestState asks one attester of cp for its snapshot. Called with mu held.
func (p *CheckpointPlugin) requestState(cp int64) {
	digest, ok := p.tally.QuorumDigest(cp, 0)
	if !ok {
		return
	}
	target := -1
	for _, s := range p.tally.Senders(cp, p.quorum.Kind, 0, digest) {
		if s != p.e.id {
			target = s
			break
		}
	}
	if target < 0 {
		return
	}

	p.fetching = true
	p.fetchCP = cp
	p.attested = digest
	p.logger.Info().
		Int64("checkpoint", cp).
		Int64("low", p.e.store.LowWatermark()).
		Int("target", target).
		Msg("Requesting state transfer")
	p.e.recorder.Fetch(p.e.id, FetchIssued)

	m := &data.Message{
		Sequence:  cp,
		Sequenced: true,
		Kind:      p.e.spec.Fetch(),
		Source:    p.e.id,
		Targets:   []int{target},
		Fetch:     &data.Fetch{Request: true, Checkpoint: cp},
		Timestamp: time.Now().UnixNano(),
	}
	p.e.sendMessage(p.e.outgoing(m))
}

// serve answers a FETCH request with the snapshot of the checkpoint, or an
// empty state if it is not held.
func (p *CheckpointPlugin) serve(req *data.Message) {
	cp := req.Sequence
	reply := &data.Fetch{Checkpoint: cp}
	if g, ok := p.e.store.Lookup(cp); ok && cp >= p.e.store.Min() {
		if snap := g.Snapshot(); snap != nil {
			raw, err := p.codec.Encode(snap)
			if err != nil {
				p.logger.Error().Err(err).Int64("checkpoint", cp).Msg("Failed to encode snapshot")
			} else {
				reply.State = raw
			}
		}
	}
	if reply.State == nil {
		p.logger.Warn().Int64("checkpoint", cp).Int("requester", req.Source).Msg("No local snapshot for fetch")
	}

	m := &data.Message{
		Sequence:  cp,
		Sequenced: true,
		Kind:      p.e.spec.Fetch(),
		Source:    p.e.id,
		Targets:   []int{req.Source},
		Fetch:     reply,
		Timestamp: time.Now().UnixNano(),
	}
	p.e.sendMessage(p.e.outgoing(m))
}

// install verifies a FETCH reply against the attested digest and installs it.
func (p *CheckpointPlugin) install(msg *data.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fetching || msg.Sequence != p.fetchCP {
		return
	}
	p.fetching = false

	cp := msg.Sequence
	if len(msg.Fetch.State) == 0 {
		p.logger.Warn().Int64("checkpoint", cp).Int("source", msg.Source).Msg("Empty fetch result")
		p.e.recorder.Fetch(p.e.id, FetchRejected)
		return
	}
	records, err := p.codec.Decode(msg.Fetch.State)
	if err != nil {
		p.logger.Warn().Err(err).Int64("checkpoint", cp).Msg("Undecodable fetch result")
		p.e.recorder.Fetch(p.e.id, FetchRejected)
		return
	}
	if data.StateDigest(records) != p.attested {
		p.logger.Warn().
			Err(ErrDigestMismatch).
			Int64("checkpoint", cp).
			Int("source", msg.Source).
			Msg("Fetch result does not match the attested digest")
		p.e.recorder.Fetch(p.e.id, FetchRejected)
		return
	}

	last := (cp+1)*p.e.store.CheckpointSize() - 1
	if !p.e.InstallState(records, last) {
		return
	}
	p.e.store.Checkpoint(cp).SetSnapshot(records)
	p.e.store.SetLowWatermark(cp)
	p.e.recorder.Fetch(p.e.id, FetchInstalled)
	p.logger.Info().Int64("checkpoint", cp).Int64("last_executed", last).Msg("State transfer installed")
}
