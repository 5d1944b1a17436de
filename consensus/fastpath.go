package consensus

import (
	"sync"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/protocol"
)

// ReadOnlyPlugin answers read-only requests outside the total order. Nodes
// execute them on arrival and reply unsequenced; clients settle a request on
// 2f+1 matching values and give up once every node answered without one.
type ReadOnlyPlugin struct {
	e *Entity

	mu      sync.Mutex
	answers map[int64]map[int]int64
}

func NewReadOnlyPlugin(e *Entity) (MessagePlugin, error) {
	return &ReadOnlyPlugin{e: e, answers: make(map[int64]map[int]int64)}, nil
}

func (p *ReadOnlyPlugin) Outgoing(msg *data.Message) *data.Message { return msg }

func (p *ReadOnlyPlugin) Incoming(msg *data.Message) *data.Message {
	e := p.e
	switch {
	case msg.Invalid():
		return msg
	case msg.Kind == e.spec.Request() && !e.isClient():
		return p.answer(msg)
	case msg.Kind == e.spec.Reply() && !msg.Sequenced && e.isClient():
		p.settle(msg)
		return msg.Invalidate()
	}
	return msg
}

// answer replies to the read-only requests of msg and passes the rest on.
func (p *ReadOnlyPlugin) answer(msg *data.Message) *data.Message {
	e := p.e
	var reads, writes []data.Request
	for _, req := range msg.Requests {
		if req.Op == data.OpReadOnly {
			reads = append(reads, req)
		} else {
			writes = append(writes, req)
		}
	}
	if len(reads) == 0 {
		return msg
	}

	replies := make(map[int64]int64, len(reads))
	for _, req := range reads {
		replies[req.Num] = e.svc.Execute(req)
	}
	reply := &data.Message{
		View:        e.view.Load(),
		Kind:        e.spec.Reply(),
		Source:      e.id,
		Targets:     data.Clients(reads),
		Digest:      data.BlockDigest(reads),
		RequestNums: data.RequestNums(reads),
		Replies:     replies,
		Timestamp:   time.Now().UnixNano(),
	}
	e.sendMessage(e.outgoing(reply))

	if len(writes) == 0 {
		return msg.Invalidate()
	}
	c := msg.Clone()
	c.Requests = writes
	c.Digest = data.BlockDigest(writes)
	return c
}

// settle counts the values of an unsequenced REPLY per request.
func (p *ReadOnlyPlugin) settle(msg *data.Message) {
	e := p.e
	quorum := 2*e.settings.F + 1
	nodes := len(e.settings.Roster.Nodes)
	if !e.settings.Roster.IsNode(msg.Source) {
		return
	}

	type outcome struct {
		num    int64
		value  int64
		agreed bool
	}
	var done []outcome
	p.mu.Lock()
	for num, value := range msg.Replies {
		bySource, ok := p.answers[num]
		if !ok {
			bySource = make(map[int]int64)
			p.answers[num] = bySource
		}
		bySource[msg.Source] = value

		matching := 0
		for _, v := range bySource {
			if v == value {
				matching++
			}
		}
		switch {
		case matching >= quorum:
			done = append(done, outcome{num, value, true})
		case len(bySource) >= nodes:
			done = append(done, outcome{num: num})
		default:
			continue
		}
		delete(p.answers, num)
	}
	p.mu.Unlock()

	for _, o := range done {
		if !e.behavior.settle(o.num, o.value, o.agreed) {
			continue
		}
		if !o.agreed {
			e.logger.Warn().Int64("request", o.num).Msg("Read-only replies disagree, request dropped")
		}
	}
}

// SpeculatePlugin lets nodes answer the messages clients send once a
// speculatively executed sequence needs a second round: a node that already
// executed the sequence echoes the message kind back to the client.
type SpeculatePlugin struct {
	e     *Entity
	kinds map[protocol.MessageKind]bool
}

func NewSpeculatePlugin(e *Entity) (MessagePlugin, error) {
	kinds := make(map[protocol.MessageKind]bool)
	client, nodes, primary := e.spec.Client(), e.spec.Nodes(), e.spec.Primary()
	for _, name := range e.spec.Protocols() {
		for _, st := range e.spec.StatesOf(name) {
			for _, t := range e.spec.Transitions(st, client) {
				for _, r := range t.Responses {
					if r.Role == nodes || r.Role == primary {
						kinds[r.Message] = true
					}
				}
			}
		}
	}
	return &SpeculatePlugin{e: e, kinds: kinds}, nil
}

func (p *SpeculatePlugin) Outgoing(msg *data.Message) *data.Message { return msg }

func (p *SpeculatePlugin) Incoming(msg *data.Message) *data.Message {
	e := p.e
	if msg.Invalid() || e.isClient() || !p.kinds[msg.Kind] {
		return msg
	}
	if msg.Sequence > e.lastExecuted.Load() {
		return msg
	}
	m := e.createMessage(msg.Sequence, e.view.Load(), msg.Kind, []int{msg.Source})
	e.sendMessage(m)
	e.logger.Debug().Int64("seq", msg.Sequence).Int("client", msg.Source).Msg("Confirming speculative execution")
	return msg.Invalidate()
}
