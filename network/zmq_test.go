package network

import (
	"errors"
	"testing"

	"github.com/VanDung-dev/genbft-engine/data"
)

func TestZmqConfigAddress(t *testing.T) {
	cfg := DefaultZmqConfig()
	cfg.BasePort = 5555
	if got := cfg.Address(3); got != "tcp://127.0.0.1:5558" {
		t.Errorf("Expected 'tcp://127.0.0.1:5558', got %s", got)
	}
}

func TestZmqTransportLocalDelivery(t *testing.T) {
	cfg := DefaultZmqConfig()
	cfg.BasePort = 27310
	tr := NewZmqTransport(cfg)
	defer tr.Close()

	rec := newRecorder()
	if err := tr.Register(1, rec.handler(1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := tr.Register(1, rec.handler(1)); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("Expected ErrAlreadyBound, got %v", err)
	}

	if err := tr.Send(&data.Message{Source: 0, Targets: []int{1}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool { return rec.count(1) == 1 })

	stats := tr.GetStats()
	if len(stats.Members) != 1 || stats.Members[0] != 1 {
		t.Errorf("Expected members [1], got %v", stats.Members)
	}
}

func TestZmqTransportAcrossSockets(t *testing.T) {
	if testing.Short() {
		t.Skip("opens TCP sockets")
	}

	cfgA := DefaultZmqConfig()
	cfgA.Name = "a"
	cfgA.BasePort = 27320
	cfgB := cfgA
	cfgB.Name = "b"

	a := NewZmqTransport(cfgA)
	defer a.Close()
	b := NewZmqTransport(cfgB)
	defer b.Close()

	rec := newRecorder()
	if err := b.Register(2, rec.handler(2)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	msg := &data.Message{Source: 0, Targets: []int{2}, Sequence: 5, Sequenced: true, Timestamp: 1}
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool { return rec.count(2) >= 1 })

	rec.mu.Lock()
	got := rec.msgs[2][0]
	rec.mu.Unlock()
	if got.Sequence != 5 {
		t.Errorf("Expected sequence 5, got %d", got.Sequence)
	}

	// The identical frame again is a replay.
	a.Send(msg)
	a.Send(&data.Message{Source: 0, Targets: []int{2}, Sequence: 6, Sequenced: true, Timestamp: 2})
	waitFor(t, func() bool { return rec.count(2) >= 2 })
	rec.mu.Lock()
	second := rec.msgs[2][1]
	rec.mu.Unlock()
	if second.Sequence != 6 {
		t.Errorf("Expected replay to be dropped and sequence 6 next, got %d", second.Sequence)
	}
}

func TestZmqTransportClosed(t *testing.T) {
	tr := NewZmqTransport(DefaultZmqConfig())
	tr.Close()
	if err := tr.Send(&data.Message{Targets: []int{0}}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}
}
