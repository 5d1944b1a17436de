package data

import (
	"github.com/goccy/go-json"

	"github.com/VanDung-dev/genbft-engine/protocol"
)

// Flag marks processing outcomes on a message.
type Flag uint8

const (
	// FlagInvalid stops a message anywhere in a plugin chain.
	FlagInvalid Flag = 1 << iota
)

// Fault carries injected misbehaviour for a message.
type Fault struct {
	Blocked []int         `json:"blocked,omitempty"`
	DelayMs map[int]int64 `json:"delay_ms,omitempty"`
}

// Fetch is the state transfer payload of FETCH messages.
type Fetch struct {
	Request    bool  `json:"request"`
	Checkpoint int64 `json:"checkpoint"`
	// State is an Arrow IPC snapshot of the service, set on replies.
	State []byte `json:"state,omitempty"`
}

// Message is the envelope every entity exchanges. Values handed to a transport
// are treated as immutable; plugins that change a message work on a Clone.
type Message struct {
	Sequence     int64                `json:"seq"`
	Sequenced    bool                 `json:"sequenced"`
	View         int64                `json:"view"`
	Kind         protocol.MessageKind `json:"kind"`
	Source       int                  `json:"source"`
	Targets      []int                `json:"targets"`
	Digest       Digest               `json:"digest"`
	Requests     []Request            `json:"requests,omitempty"`
	RequestNums  []int64              `json:"request_nums,omitempty"`
	Replies      map[int64]int64      `json:"replies,omitempty"`
	Aggregation  []int64              `json:"aggregation,omitempty"`
	Fault        *Fault               `json:"fault,omitempty"`
	NextProtocol string               `json:"next_protocol,omitempty"`
	Fetch        *Fetch               `json:"fetch,omitempty"`
	Report       *Report              `json:"report,omitempty"`
	MACs         map[int][]byte       `json:"macs,omitempty"`
	Flags        Flag                 `json:"flags,omitempty"`
	Timestamp    int64                `json:"timestamp"`
}

// Clone returns a copy whose mutable containers are not shared with m.
// Request blocks are shared; they are never modified after creation.
func (m *Message) Clone() *Message {
	c := *m
	c.Targets = append([]int(nil), m.Targets...)
	if m.Replies != nil {
		c.Replies = make(map[int64]int64, len(m.Replies))
		for k, v := range m.Replies {
			c.Replies[k] = v
		}
	}
	if m.MACs != nil {
		c.MACs = make(map[int][]byte, len(m.MACs))
		for k, v := range m.MACs {
			c.MACs[k] = v
		}
	}
	c.Aggregation = append([]int64(nil), m.Aggregation...)
	return &c
}

// Invalid reports whether a plugin rejected the message.
func (m *Message) Invalid() bool {
	return m.Flags&FlagInvalid != 0
}

// Invalidate returns a copy of m flagged invalid.
func (m *Message) Invalidate() *Message {
	c := m.Clone()
	c.Flags |= FlagInvalid
	return c
}

// HasTarget reports whether id is a target of m.
func (m *Message) HasTarget(id int) bool {
	for _, t := range m.Targets {
		if t == id {
			return true
		}
	}
	return false
}

// Blocked reports whether the fault annotation drops delivery to id.
func (m *Message) Blocked(id int) bool {
	if m.Fault == nil {
		return false
	}
	for _, b := range m.Fault.Blocked {
		if b == id {
			return true
		}
	}
	return false
}

// SigningBytes is the authenticated encoding of m: MACs and fault annotations are
// dropped and request payloads stripped.
func SigningBytes(m *Message) ([]byte, error) {
	c := *m
	c.MACs = nil
	c.Fault = nil
	c.Flags = 0
	if len(m.Requests) > 0 {
		c.Requests = make([]Request, len(m.Requests))
		for i := range m.Requests {
			c.Requests[i] = m.Requests[i]
			c.Requests[i].Payload = nil
		}
	}
	return json.Marshal(&c)
}
