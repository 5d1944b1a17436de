package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/engine"
)

// BusConfig sizes the per-member delivery pools of a Bus.
type BusConfig struct {
	Workers   int
	QueueSize int
}

// DefaultBusConfig returns a configuration suited for test clusters.
func DefaultBusConfig() BusConfig {
	return BusConfig{Workers: 4, QueueSize: 8192}
}

type busMember struct {
	handler Handler
	pool    *engine.WorkerPool
}

// Bus is an in-process Transport. Every member gets its own worker pool, so a slow
// handler only delays its own member.
type Bus struct {
	cfg     BusConfig
	mu      sync.RWMutex
	members map[int]*busMember
	closed  bool
	timers  sync.WaitGroup
	logger  zerolog.Logger

	delivered int64
	dropped   int64
}

// NewBus creates an empty bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultBusConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBusConfig().QueueSize
	}
	return &Bus{
		cfg:     cfg,
		members: make(map[int]*busMember),
		logger:  log.With().Str("component", "bus").Logger(),
	}
}

// Register implements Transport.
func (b *Bus) Register(id int, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrTransportClosed
	}
	if _, ok := b.members[id]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyBound, id)
	}
	b.members[id] = &busMember{
		handler: h,
		pool:    engine.NewWorkerPool(fmt.Sprintf("bus-%d", id), b.cfg.Workers, b.cfg.QueueSize),
	}
	return nil
}

// Send implements Transport. Blocked targets are skipped and delayed targets are
// delivered from a timer.
func (b *Bus) Send(msg *data.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrTransportClosed
	}

	for _, target := range msg.Targets {
		if msg.Blocked(target) {
			atomic.AddInt64(&b.dropped, 1)
			continue
		}
		m, ok := b.members[target]
		if !ok {
			b.logger.Debug().Int("target", target).Msg("no such member, dropping")
			atomic.AddInt64(&b.dropped, 1)
			continue
		}
		if d := delay(msg, target); d > 0 {
			b.timers.Add(1)
			time.AfterFunc(time.Duration(d)*time.Millisecond, func() {
				defer b.timers.Done()
				b.deliver(m, target, msg)
			})
			continue
		}
		b.deliver(m, target, msg)
	}
	return nil
}

func (b *Bus) deliver(m *busMember, target int, msg *data.Message) {
	task := engine.NewTask(fmt.Sprintf("deliver-%d", target), func(ctx context.Context) error {
		m.handler(msg)
		return nil
	})
	if err := m.pool.TrySubmit(task); err != nil {
		atomic.AddInt64(&b.dropped, 1)
		b.logger.Warn().Err(err).Int("target", target).Msg("delivery dropped")
		return
	}
	atomic.AddInt64(&b.delivered, 1)
}

// Close stops every member pool. Messages still queued are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	members := b.members
	b.mu.Unlock()

	b.timers.Wait()
	for _, m := range members {
		m.pool.Shutdown()
	}
	return nil
}

// BusStats counts bus traffic.
type BusStats struct {
	Members   int   `json:"members"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// GetStats returns current bus statistics.
func (b *Bus) GetStats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusStats{
		Members:   len(b.members),
		Delivered: atomic.LoadInt64(&b.delivered),
		Dropped:   atomic.LoadInt64(&b.dropped),
	}
}
