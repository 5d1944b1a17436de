package consensus

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
)

// DigestPlugin binds request blocks to their digest.
type DigestPlugin struct {
	spec     *protocol.Spec
	id       int
	recorder Recorder
	logger   zerolog.Logger
}

func NewDigestPlugin(e *Entity) (MessagePlugin, error) {
	return &DigestPlugin{spec: e.spec, id: e.id, recorder: e.recorder, logger: e.logger}, nil
}

func (p *DigestPlugin) Incoming(msg *data.Message) *data.Message {
	if msg.Invalid() || !p.spec.Message(msg.Kind).HasRequestBlock {
		return msg
	}
	if data.BlockDigest(msg.Requests) != msg.Digest {
		p.logger.Warn().
			Int64("seq", msg.Sequence).
			Int("source", msg.Source).
			Str("kind", p.spec.MessageName(msg.Kind)).
			Msg("Block digest mismatch, dropping message")
		p.recorder.MessageDropped(p.id, "digest")
		return msg.Invalidate()
	}
	return msg
}

func (p *DigestPlugin) Outgoing(msg *data.Message) *data.Message {
	if !p.spec.Message(msg.Kind).HasRequestBlock || !msg.Digest.IsZero() {
		return msg
	}
	c := msg.Clone()
	c.Digest = data.BlockDigest(msg.Requests)
	return c
}

// SharedSecret derives pairwise keys from one cluster secret.
type SharedSecret []byte

// Key returns HMAC-SHA512(secret, "lo:hi") for the member pair.
func (s SharedSecret) Key(a, b int) []byte {
	if a > b {
		a, b = b, a
	}
	mac := hmac.New(sha512.New, s)
	fmt.Fprintf(mac, "%d:%d", a, b)
	return mac.Sum(nil)
}

// MACPlugin authenticates every message with an HMAC-SHA512 vector holding one
// tag per target.
type MACPlugin struct {
	id       int
	keys     KeyProvider
	recorder Recorder
	logger   zerolog.Logger
}

func NewMACPlugin(e *Entity) (MessagePlugin, error) {
	if e.keys == nil {
		return nil, fmt.Errorf("%w: mac plugin needs a key provider", ErrBadSettings)
	}
	return &MACPlugin{id: e.id, keys: e.keys, recorder: e.recorder, logger: e.logger}, nil
}

func (p *MACPlugin) tag(peer int, body []byte) []byte {
	mac := hmac.New(sha512.New, p.keys.Key(p.id, peer))
	mac.Write(body)
	return mac.Sum(nil)
}

func (p *MACPlugin) Outgoing(msg *data.Message) *data.Message {
	body, err := data.SigningBytes(msg)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode message for MAC")
		return msg.Invalidate()
	}
	c := msg.Clone()
	c.MACs = make(map[int][]byte, len(msg.Targets))
	for _, t := range msg.Targets {
		if t == p.id {
			continue
		}
		c.MACs[t] = p.tag(t, body)
	}
	return c
}

func (p *MACPlugin) Incoming(msg *data.Message) *data.Message {
	if msg.Invalid() || msg.Source == p.id {
		return msg
	}
	got, ok := msg.MACs[p.id]
	if ok {
		body, err := data.SigningBytes(msg)
		if err == nil && hmac.Equal(got, p.tag(msg.Source, body)) {
			return msg
		}
	}
	p.logger.Debug().Int64("seq", msg.Sequence).Int("source", msg.Source).Msg("MAC check failed")
	p.recorder.MessageDropped(p.id, "mac")
	return msg.Invalidate()
}

// MetricsPlugin reports applied transitions to the recorder.
type MetricsPlugin struct {
	spec     *protocol.Spec
	id       int
	recorder Recorder
}

func NewMetricsPlugin(e *Entity) (TransitionPlugin, error) {
	return &MetricsPlugin{spec: e.spec, id: e.id, recorder: e.recorder}, nil
}

func (p *MetricsPlugin) ProcessTransition(seq int64, state protocol.State, t *protocol.Transition) *protocol.Transition {
	return t
}

func (p *MetricsPlugin) PostTransition(seq int64, old protocol.State, t *protocol.Transition) {
	p.recorder.Transition(p.id, p.spec.StateName(t.To))
}
