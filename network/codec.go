package network

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/VanDung-dev/genbft-engine/data"
)

// MaxFrameSize bounds one encoded message, header included.
const MaxFrameSize = 50 * 1024 * 1024

const headerSize = 4

var (
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
	ErrBadFrame        = errors.New("malformed frame")
)

// Encode frames msg as a 4-byte big-endian length followed by its JSON envelope.
func Encode(msg *data.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(body)+headerSize > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body)+headerSize)
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decode reverses Encode. The length header must match the body exactly.
func Decode(frame []byte) (*data.Message, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(frame))
	}
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(frame))
	}
	n := binary.BigEndian.Uint32(frame)
	if int(n) != len(frame)-headerSize {
		return nil, fmt.Errorf("%w: header says %d, body has %d", ErrBadFrame, n, len(frame)-headerSize)
	}
	var msg data.Message
	if err := json.Unmarshal(frame[headerSize:], &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return &msg, nil
}
