package network

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[int][]*data.Message
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[int][]*data.Message)}
}

func (r *recorder) handler(id int) Handler {
	return func(msg *data.Message) {
		r.mu.Lock()
		r.msgs[id] = append(r.msgs[id], msg)
		r.mu.Unlock()
	}
}

func (r *recorder) count(id int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs[id])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBusDelivers(t *testing.T) {
	bus := NewBus(DefaultBusConfig())
	defer bus.Close()

	rec := newRecorder()
	for id := 0; id < 3; id++ {
		if err := bus.Register(id, rec.handler(id)); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	if err := bus.Register(1, rec.handler(1)); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("Expected ErrAlreadyBound, got %v", err)
	}

	if err := bus.Send(&data.Message{Source: 0, Targets: []int{1, 2, 9}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, func() bool { return rec.count(1) == 1 && rec.count(2) == 1 })
	if rec.count(0) != 0 {
		t.Errorf("Expected no delivery to 0, got %d", rec.count(0))
	}

	stats := bus.GetStats()
	if stats.Delivered != 2 || stats.Dropped != 1 {
		t.Errorf("Expected 2 delivered 1 dropped, got %d %d", stats.Delivered, stats.Dropped)
	}
}

func TestBusFaults(t *testing.T) {
	bus := NewBus(DefaultBusConfig())
	defer bus.Close()

	rec := newRecorder()
	bus.Register(1, rec.handler(1))
	bus.Register(2, rec.handler(2))

	msg := &data.Message{
		Targets: []int{1, 2},
		Fault:   &data.Fault{Blocked: []int{1}, DelayMs: map[int]int64{2: 30}},
	}
	start := time.Now()
	bus.Send(msg)

	waitFor(t, func() bool { return rec.count(2) == 1 })
	if time.Since(start) < 30*time.Millisecond {
		t.Errorf("Expected delayed delivery, got it after %v", time.Since(start))
	}
	if rec.count(1) != 0 {
		t.Errorf("Expected blocked target to receive nothing, got %d", rec.count(1))
	}
}

func TestBusClosed(t *testing.T) {
	bus := NewBus(DefaultBusConfig())
	bus.Close()
	if err := bus.Send(&data.Message{Targets: []int{0}}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}
	if err := bus.Register(0, func(*data.Message) {}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}
}
