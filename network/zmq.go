package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/engine"
)

// ZmqConfig describes where members listen: member i binds tcp://Host:BasePort+i.
type ZmqConfig struct {
	Name            string
	Host            string
	BasePort        int
	Workers         int
	QueueSize       int
	ReplayTolerance time.Duration
	SeenLimit       int
}

// DefaultZmqConfig returns the loopback configuration.
func DefaultZmqConfig() ZmqConfig {
	return ZmqConfig{
		Name:            "genbft",
		Host:            "127.0.0.1",
		BasePort:        17000,
		Workers:         4,
		QueueSize:       8192,
		ReplayTolerance: 60 * time.Second,
		SeenLimit:       1 << 20,
	}
}

// Address returns the ROUTER endpoint of a member.
func (c ZmqConfig) Address(id int) string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.BasePort+id)
}

type zmqMember struct {
	id      int
	router  zmq4.Socket
	handler Handler
	pool    *engine.WorkerPool
}

type dealer struct {
	mu   sync.Mutex
	sock zmq4.Socket
}

// ZmqTransport hosts any number of local members, each behind its own ROUTER socket,
// and reaches remote members through one DEALER per peer.
type ZmqTransport struct {
	cfg ZmqConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	members map[int]*zmqMember
	dealers map[int]*dealer
	running bool

	seen   *SeenCache
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewZmqTransport creates a transport. Sockets are opened by Register and on first send.
func NewZmqTransport(cfg ZmqConfig) *ZmqTransport {
	def := DefaultZmqConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReplayTolerance <= 0 {
		cfg.ReplayTolerance = def.ReplayTolerance
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &ZmqTransport{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[int]*zmqMember),
		dealers: make(map[int]*dealer),
		running: true,
		seen:    NewSeenCache(cfg.ReplayTolerance, cfg.SeenLimit),
		logger:  log.With().Str("component", "zmq").Str("name", cfg.Name).Logger(),
	}

	t.wg.Add(1)
	go t.seenCleaner()
	return t
}

// Register binds the ROUTER socket of a local member and starts receiving for it.
func (t *ZmqTransport) Register(id int, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return ErrTransportClosed
	}
	if _, ok := t.members[id]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyBound, id)
	}

	router := zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(fmt.Sprintf("%s-router-%d", t.cfg.Name, id))))
	if err := router.Listen(t.cfg.Address(id)); err != nil {
		_ = router.Close()
		return fmt.Errorf("failed to bind router for member %d: %w", id, err)
	}

	m := &zmqMember{
		id:      id,
		router:  router,
		handler: h,
		pool:    engine.NewWorkerPool(fmt.Sprintf("zmq-%d", id), t.cfg.Workers, t.cfg.QueueSize),
	}
	t.members[id] = m

	t.wg.Add(1)
	go t.receiverLoop(m)

	t.logger.Info().Int("member", id).Str("address", t.cfg.Address(id)).Msg("member listening")
	return nil
}

// Send implements Transport. Local targets skip the wire.
func (t *ZmqTransport) Send(msg *data.Message) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return ErrTransportClosed
	}

	var frame []byte
	for _, target := range msg.Targets {
		if msg.Blocked(target) {
			continue
		}

		t.mu.RLock()
		local, isLocal := t.members[target]
		t.mu.RUnlock()

		if isLocal {
			t.after(delay(msg, target), func() { t.dispatch(local, msg) })
			continue
		}

		if frame == nil {
			var err error
			if frame, err = Encode(msg); err != nil {
				return err
			}
		}
		target := target
		t.after(delay(msg, target), func() {
			if err := t.sendFrame(target, frame); err != nil {
				t.logger.Debug().Err(err).Int("target", target).Msg("send failed")
			}
		})
	}
	return nil
}

func (t *ZmqTransport) after(ms int64, fn func()) {
	if ms <= 0 {
		fn()
		return
	}
	time.AfterFunc(time.Duration(ms)*time.Millisecond, fn)
}

func (t *ZmqTransport) sendFrame(target int, frame []byte) error {
	d, err := t.getOrCreateDealer(target)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sock.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// getOrCreateDealer gets or creates a DEALER socket for a peer.
func (t *ZmqTransport) getOrCreateDealer(target int) (*dealer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil, ErrTransportClosed
	}

	if d, ok := t.dealers[target]; ok {
		return d, nil
	}

	sock := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(fmt.Sprintf("%s-dealer-%d", t.cfg.Name, target))))
	if err := sock.Dial(t.cfg.Address(target)); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", t.cfg.Address(target), err)
	}

	d := &dealer{sock: sock}
	t.dealers[target] = d
	return d, nil
}

// receiverLoop continuously receives frames from a member's ROUTER socket.
func (t *ZmqTransport) receiverLoop(m *zmqMember) {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		raw, err := m.router.Recv()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(raw.Frames) == 0 {
			continue
		}

		// ROUTER prepends the sender identity; the payload is the last frame.
		frame := raw.Frames[len(raw.Frames)-1]
		if !t.seen.Check(frame) {
			continue
		}
		msg, err := Decode(frame)
		if err != nil {
			t.logger.Warn().Err(err).Int("member", m.id).Msg("dropping undecodable frame")
			continue
		}
		t.dispatch(m, msg)
	}
}

func (t *ZmqTransport) dispatch(m *zmqMember, msg *data.Message) {
	task := engine.NewTask(fmt.Sprintf("deliver-%d", m.id), func(ctx context.Context) error {
		m.handler(msg)
		return nil
	})
	if err := m.pool.TrySubmit(task); err != nil {
		t.logger.Warn().Err(err).Int("member", m.id).Msg("delivery dropped")
	}
}

// seenCleaner periodically trims the replay cache.
func (t *ZmqTransport) seenCleaner() {
	defer t.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.seen.Clean()
		}
	}
}

// Close shuts every socket and waits for the receive loops.
func (t *ZmqTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	members := t.members
	dealers := t.dealers
	t.mu.Unlock()

	t.cancel()

	// Errors while closing are expected during shutdown.
	for _, m := range members {
		_ = m.router.Close()
	}
	for _, d := range dealers {
		_ = d.sock.Close()
	}

	t.wg.Wait()
	for _, m := range members {
		m.pool.Shutdown()
	}
	return nil
}

// ZmqStats contains transport statistics.
type ZmqStats struct {
	Name      string `json:"name"`
	Members   []int  `json:"members"`
	PeerCount int    `json:"peer_count"`
	Seen      int    `json:"seen"`
	IsRunning bool   `json:"is_running"`
}

// GetStats returns current transport statistics.
func (t *ZmqTransport) GetStats() ZmqStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ZmqStats{
		Name:      t.cfg.Name,
		Members:   ids,
		PeerCount: len(t.dealers),
		Seen:      t.seen.Len(),
		IsRunning: t.running,
	}
}
