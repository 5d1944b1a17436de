package network

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/VanDung-dev/genbft-engine/data"
)

func sampleMessage() *data.Message {
	block := []data.Request{{Num: 7, Client: 4, Record: 2, Op: data.OpAdd, Value: 10}}
	return &data.Message{
		Sequence:    3,
		Sequenced:   true,
		View:        1,
		Kind:        2,
		Source:      0,
		Targets:     []int{1, 2, 3},
		Digest:      data.BlockDigest(block),
		Requests:    block,
		Replies:     map[int64]int64{7: 1010},
		Aggregation: []int64{3, 4},
		Timestamp:   42,
	}
}

func TestEncodeDecode(t *testing.T) {
	msg := sampleMessage()
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := binary.BigEndian.Uint32(frame); int(got) != len(frame)-4 {
		t.Fatalf("Expected header %d, got %d", len(frame)-4, got)
	}

	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Sequence != 3 || out.View != 1 || out.Kind != 2 {
		t.Errorf("Expected seq 3 view 1 kind 2, got %d %d %d", out.Sequence, out.View, out.Kind)
	}
	if out.Digest != msg.Digest {
		t.Errorf("Expected digest %s, got %s", msg.Digest, out.Digest)
	}
	if data.BlockDigest(out.Requests) != msg.Digest {
		t.Error("Decoded block no longer hashes to its digest")
	}
	if out.Replies[7] != 1010 {
		t.Errorf("Expected reply 1010, got %d", out.Replies[7])
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	if _, err := Decode([]byte{0, 0}); !errors.Is(err, ErrBadFrame) {
		t.Errorf("Expected ErrBadFrame for short frame, got %v", err)
	}

	frame, _ := Encode(sampleMessage())
	if _, err := Decode(frame[:len(frame)-1]); !errors.Is(err, ErrBadFrame) {
		t.Errorf("Expected ErrBadFrame for truncated frame, got %v", err)
	}

	bad := append([]byte{0, 0, 0, 2}, []byte("{]")...)
	if _, err := Decode(bad); !errors.Is(err, ErrBadFrame) {
		t.Errorf("Expected ErrBadFrame for invalid json, got %v", err)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	msg := sampleMessage()
	msg.Requests[0].Payload = make([]byte, MaxFrameSize)
	if _, err := Encode(msg); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}
}

// FuzzDecode tests that arbitrary frames never panic the decoder.
// Run with: go test -fuzz=FuzzDecode -fuzztime=30s ./network/
func FuzzDecode(f *testing.F) {
	valid, _ := Encode(sampleMessage())
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{0, 0, 0, 2, '{', '}'})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 'n', 'u', 'l', 'l'})

	f.Fuzz(func(t *testing.T, frame []byte) {
		msg, err := Decode(frame)
		if err != nil {
			return
		}
		// Anything accepted must encode again.
		if _, err := Encode(msg); err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
	})
}
