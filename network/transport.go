package network

import (
	"errors"

	"github.com/VanDung-dev/genbft-engine/data"
)

// Common errors for network operations
var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrAlreadyBound    = errors.New("member already registered")
	ErrSendFailed      = errors.New("failed to send message")
)

// Handler receives one inbound message. Handlers must not modify the message.
type Handler func(msg *data.Message)

// Transport delivers a message to every one of its targets.
type Transport interface {
	// Send never blocks on the receivers. Undeliverable targets are dropped.
	Send(msg *data.Message) error
	// Register attaches the handler of a member hosted by this process.
	Register(id int, h Handler) error
	Close() error
}

// delay returns the injected delivery delay towards target, in milliseconds.
func delay(msg *data.Message, target int) int64 {
	if msg.Fault == nil || msg.Fault.DelayMs == nil {
		return 0
	}
	return msg.Fault.DelayMs[target]
}
