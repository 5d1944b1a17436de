package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/engine"
	"github.com/VanDung-dev/genbft-engine/network"
	"github.com/VanDung-dev/genbft-engine/protocol"
	"github.com/VanDung-dev/genbft-engine/tally"
)

const defaultMaxPending = 1 << 20

// Config builds an entity.
type Config struct {
	ID        int
	Spec      *protocol.Spec
	Settings  Settings
	Transport network.Transport
	// Registry defaults to NewRegistry().
	Registry *Registry
	// Recorder defaults to NopRecorder().
	Recorder Recorder
	// Learner is required by nodes when Settings.Learning is set.
	Learner Learner
	// Keys is required by the mac plugin.
	Keys   KeyProvider
	Logger *zerolog.Logger
}

// behavior is what differs between nodes and clients.
type behavior interface {
	checkMessageTally(seq int64, q tally.QuorumID, t *protocol.Transition) bool
	execute(seq int64)
	// settle finishes a request answered outside the total order.
	settle(num, value int64, agreed bool) bool
	isClient() bool
	// start launches behavior specific goroutines on the entity's group.
	start()
}

// checkpointAttestor answers whether a checkpoint holds a CHECKPOINT quorum.
type checkpointAttestor interface {
	HasQuorum(cp int64) bool
}

// Entity is one participant running the protocol interpreter.
type Entity struct {
	id        int
	spec      *protocol.Spec
	settings  Settings
	transport network.Transport
	recorder  Recorder
	learner   Learner
	keys      KeyProvider
	logger    zerolog.Logger
	behavior  behavior

	store      *CheckpointStore
	schedule   *LeaderSchedule
	timekeeper *Timekeeper
	pending    *engine.RequestPool
	batcher    *engine.Batcher
	svc        Service

	role              RoleStrategy
	pipeline          Pipeline
	messagePlugins    []MessagePlugin
	transitionPlugins []TransitionPlugin
	attestor          checkpointAttestor

	viewOnly    map[protocol.MessageKind]bool
	aggregating map[string]bool

	stateMu      sync.Mutex
	nextSequence int64
	updating     map[int64]struct{}
	needsUpdate  map[int64]struct{}
	idleTimers   map[int64]int64
	lastExecuted atomic.Int64
	view         atomic.Int64
	episode      atomic.Int64

	reqMu  sync.Mutex
	reqSeq map[int64]int64

	execMu    sync.Mutex
	execCond  *sync.Cond
	execQueue map[int64]*protocol.Transition

	aggMu        sync.Mutex
	aggBuffer    map[int64]struct{}
	lastLocalSeq int64

	reports *reportBook

	slowSeqs         sync.Map
	episodeRequests  atomic.Int64
	executedRequests atomic.Int64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func newEntity(cfg Config, b behavior) (*Entity, error) {
	if cfg.Spec == nil {
		return nil, fmt.Errorf("%w: no protocol spec", ErrBadSettings)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: no transport", ErrBadSettings)
	}
	s := cfg.Settings
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Spec.HasProtocol(s.DefaultProtocol) {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownProtocol, s.DefaultProtocol)
	}
	if s.Learning && cfg.Learner == nil && !b.isClient() {
		return nil, ErrNoLearner
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	maxPending := s.MaxPending
	if maxPending <= 0 {
		maxPending = defaultMaxPending
	}

	e := &Entity{
		id:           cfg.ID,
		spec:         cfg.Spec,
		settings:     s,
		transport:    cfg.Transport,
		recorder:     cfg.Recorder,
		learner:      cfg.Learner,
		keys:         cfg.Keys,
		logger:       logger.With().Int("entity", cfg.ID).Logger(),
		behavior:     b,
		store:        NewCheckpointStore(s.CheckpointSize, s.EpisodeSize, s.DefaultProtocol),
		schedule:     NewLeaderSchedule(cfg.Spec.Leader(s.DefaultProtocol)),
		pending:      engine.NewRequestPool(maxPending),
		updating:     make(map[int64]struct{}),
		needsUpdate:  make(map[int64]struct{}),
		idleTimers:   make(map[int64]int64),
		reqSeq:       make(map[int64]int64),
		execQueue:    make(map[int64]*protocol.Transition),
		aggBuffer:    make(map[int64]struct{}),
		reports:      newReportBook(),
		lastLocalSeq: -1,
		ctx:          context.Background(),
	}
	if e.recorder == nil {
		e.recorder = NopRecorder()
	}
	e.lastExecuted.Store(-1)
	e.execCond = sync.NewCond(&e.execMu)
	e.timekeeper = NewTimekeeper(e, e.baseInterval(), s.FixedTimeout,
		e.logger.With().Str("component", "timekeeper").Logger())
	if s.SlowProposalDelay > 0 && !b.isClient() {
		e.batcher = engine.NewBatcher(s.BlockSize, s.SlowProposalDelay)
	}
	e.indexSpec()

	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	var err error
	if e.role, err = reg.role(e, s.Plugins.Role); err != nil {
		return nil, err
	}
	if e.pipeline, err = reg.pipeline(e, s.Plugins.Pipeline); err != nil {
		return nil, err
	}
	if e.messagePlugins, err = reg.messagePlugins(e, s.Plugins.Message); err != nil {
		return nil, err
	}
	if e.transitionPlugins, err = reg.transitionPlugins(e, s.Plugins.Transition); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Entity) baseInterval() time.Duration {
	if e.settings.FixedTimeout {
		return e.settings.TimeoutTrigger
	}
	return e.settings.RequestInterval
}

// indexSpec caches per-kind and per-protocol facts the driver asks for often.
func (e *Entity) indexSpec() {
	e.viewOnly = make(map[protocol.MessageKind]bool)
	for k := 0; k < e.spec.NumMessages(); k++ {
		phases := e.spec.Message(protocol.MessageKind(k)).Phases
		outside := len(phases) > 0
		for _, ph := range phases {
			if ph == e.spec.NormalPhase() {
				outside = false
			}
		}
		e.viewOnly[protocol.MessageKind(k)] = outside
	}

	e.aggregating = make(map[string]bool)
	roles := make([]protocol.Role, len(e.spec.Roles()))
	for i := range roles {
		roles[i] = protocol.Role(i)
	}
	for _, name := range e.spec.Protocols() {
		for _, st := range e.spec.StatesOf(name) {
			for _, r := range roles {
				for _, t := range e.spec.Transitions(st, r) {
					if t.Update == protocol.UpdateAggregation {
						e.aggregating[name] = true
					}
				}
			}
		}
	}
}

// ID returns the member id of the entity.
func (e *Entity) ID() int { return e.id }

// LastExecuted returns the committed high-water mark.
func (e *Entity) LastExecuted() int64 { return e.lastExecuted.Load() }

// View returns the current view.
func (e *Entity) View() int64 { return e.view.Load() }

// Episode returns the current episode.
func (e *Entity) Episode() int64 { return e.episode.Load() }

// NextSequence returns the first sequence not yet proposed or accepted.
func (e *Entity) NextSequence() int64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.nextSequence
}

// ExecutedRequests returns how many requests the entity executed, or for a
// client, how many of its own requests it saw committed.
func (e *Entity) ExecutedRequests() int64 { return e.executedRequests.Load() }

// Store exposes the checkpoint store.
func (e *Entity) Store() *CheckpointStore { return e.store }

// Protocol returns the protocol of the current episode.
func (e *Entity) Protocol() string {
	return e.store.Protocol(e.episode.Load() * e.settings.EpisodeSize)
}

// PendingRequests returns how many client requests wait for a proposal.
func (e *Entity) PendingRequests() int { return e.pending.Size() }

func (e *Entity) isClient() bool { return e.behavior.isClient() }

// Start registers the entity with its transport and launches its goroutines.
func (e *Entity) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, e.ctx = errgroup.WithContext(e.ctx)

	if err := e.transport.Register(e.id, e.HandleMessage); err != nil {
		e.running.Store(false)
		e.cancel()
		return fmt.Errorf("register entity %d: %w", e.id, err)
	}

	e.group.Go(func() error {
		<-e.ctx.Done()
		e.shutdown()
		return nil
	})
	e.group.Go(func() error {
		e.timekeeper.Run()
		return nil
	})
	e.group.Go(func() error {
		e.runExecutor()
		return nil
	})
	if e.batcher != nil {
		e.group.Go(func() error {
			e.batcher.Run(e.ctx, e.pending.Size, e.releaseSlow)
			return nil
		})
	}
	if !e.isClient() && len(e.aggregating) > 0 && e.settings.AggregationDelay > 0 {
		e.group.Go(func() error {
			e.runAggregation()
			return nil
		})
	}
	e.behavior.start()
	e.logger.Debug().Str("protocol", e.settings.DefaultProtocol).Msg("Entity started")
	return nil
}

// shutdown wakes every blocking wait.
func (e *Entity) shutdown() {
	e.running.Store(false)
	e.timekeeper.Close()
	e.schedule.Close()
	e.store.Close()
	if e.batcher != nil {
		e.batcher.Close()
	}
	e.execMu.Lock()
	e.execMu.Unlock()
	e.execCond.Broadcast()
}

// Stop cancels the entity and waits for its goroutines.
func (e *Entity) Stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	err := e.group.Wait()
	e.logger.Debug().Int64("last_executed", e.LastExecuted()).Msg("Entity stopped")
	return err
}

// spawn runs fn on the entity's goroutine group.
func (e *Entity) spawn(fn func()) {
	if !e.running.Load() {
		return
	}
	e.group.Go(func() error {
		fn()
		return nil
	})
}

// HandleMessage is the transport handler of the entity.
func (e *Entity) HandleMessage(msg *data.Message) {
	if !e.running.Load() {
		return
	}
	m := msg
	for i := len(e.messagePlugins) - 1; i >= 0 && !m.Invalid(); i-- {
		m = e.messagePlugins[i].Incoming(m)
	}
	if m.Invalid() {
		return
	}

	switch m.Kind {
	case e.spec.Request():
		e.acceptRequests(m.Requests)
		return
	case e.spec.Report():
		e.acceptReport(m)
		return
	}

	if e.store.CheckpointNum(m.Sequence) < e.store.Min() {
		return
	}
	g := e.store.Group(m.Sequence)
	g.Tally(m, e.spec.Reply())
	g.AddAggregation(m.Sequence, m.Aggregation...)
	e.timekeeper.MessageReceived(m.Sequence)
	if e.isClient() {
		e.armIdleTimers(m.Sequence)
	}
	e.StateUpdateLoop(m.Sequence)

	if m.Timestamp > 0 {
		e.recorder.MessageDelivered(e.id, time.Since(time.Unix(0, m.Timestamp)))
	}
}

// acceptRequests queues fresh client requests for proposal. A backup holding
// unordered requests arms the idle timeouts of the next sequence.
func (e *Entity) acceptRequests(reqs []data.Request) {
	if e.isClient() {
		return
	}
	fresh, waiting := false, false
	for _, req := range reqs {
		if _, ok := e.requestSequence(req.Num); ok {
			continue
		}
		waiting = true
		if e.batcher != nil && e.settings.Faults.Affects(FaultSlowProposal, e.Protocol(), e.id) {
			e.batcher.Add(req)
			continue
		}
		switch err := e.pending.Add(req); {
		case err == nil:
			fresh = true
		case !errors.Is(err, engine.ErrDuplicateRequest):
			e.logger.Warn().Err(err).Int64("request", req.Num).Msg("Request dropped")
			e.recorder.MessageDropped(e.id, "pool")
		}
	}
	if waiting {
		e.armIdleTimers(e.lastExecuted.Load() + 1)
	}
	if fresh {
		e.StateUpdateLoop(e.NextSequence())
	}
}

// releaseSlow moves a slow proposal batch into the pending pool.
func (e *Entity) releaseSlow(reqs []data.Request) {
	for _, req := range reqs {
		if _, ok := e.requestSequence(req.Num); ok {
			continue
		}
		if err := e.pending.Add(req); err != nil && !errors.Is(err, engine.ErrDuplicateRequest) {
			e.logger.Warn().Err(err).Int64("request", req.Num).Msg("Slow proposal request dropped")
			e.recorder.MessageDropped(e.id, "pool")
		}
	}
	e.StateUpdateLoop(e.NextSequence())
}

func (e *Entity) requestSequence(num int64) (int64, bool) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()
	seq, ok := e.reqSeq[num]
	return seq, ok
}

// registerBlock records the agreed block of seq the first time it is known.
func (e *Entity) registerBlock(seq int64, block []data.Request) {
	if len(block) == 0 {
		return
	}
	g := e.store.Group(seq)
	if len(g.Block(seq)) > 0 {
		return
	}
	e.reqMu.Lock()
	for i := range block {
		e.reqSeq[block[i].Num] = seq
	}
	e.reqMu.Unlock()
	g.SetBlock(seq, block)
	e.pending.Remove(data.RequestNums(block)...)
}

// stateOf returns the state of seq: the recorded one, else the idle state of the
// protocol running its episode, else the wildcard state.
func (e *Entity) stateOf(seq int64) protocol.State {
	if st, ok := e.store.Group(seq).State(seq); ok {
		return st
	}
	if idle := e.spec.IdleState(e.store.Protocol(seq)); idle != protocol.NoState {
		return idle
	}
	return e.spec.AnyState()
}

func (e *Entity) isExecuted(seq int64) bool {
	return e.stateOf(seq) == e.spec.ExecutedState()
}

// Expired implements TimeoutHost.
func (e *Entity) Expired(t *TimeoutEntry) bool {
	if t.Sequence <= e.lastExecuted.Load() || t.View != e.view.Load() {
		return true
	}
	st := e.stateOf(t.Sequence)
	if t.Mode == protocol.SequenceTimeout {
		return st == e.spec.ExecutedState()
	}
	return st != t.State
}

// Recheck implements TimeoutHost.
func (e *Entity) Recheck(seq int64) { e.StateUpdateLoop(seq) }

// outgoing runs the outgoing plugin chain.
func (e *Entity) outgoing(m *data.Message) *data.Message {
	for _, p := range e.messagePlugins {
		m = p.Outgoing(m)
		if m.Invalid() {
			break
		}
	}
	return m
}

// sendMessage hands a processed message to the pipeline.
func (e *Entity) sendMessage(m *data.Message) {
	if m == nil || m.Invalid() || len(m.Targets) == 0 {
		return
	}
	e.pipeline.Send(m, e.id)
}

// InstallState replaces the service state with records and moves the committed
// high-water mark to last. It reports false if the entity is already past last.
func (e *Entity) InstallState(records map[int]int64, last int64) bool {
	if e.svc == nil {
		return false
	}
	e.execMu.Lock()
	if last <= e.lastExecuted.Load() {
		e.execMu.Unlock()
		return false
	}
	e.svc.Restore(records)

	e.stateMu.Lock()
	e.lastExecuted.Store(last)
	if e.nextSequence <= last {
		e.nextSequence = last + 1
	}
	e.stateMu.Unlock()

	for seq := range e.execQueue {
		if seq <= last {
			delete(e.execQueue, seq)
		}
	}
	e.execMu.Unlock()
	e.execCond.Broadcast()

	e.recorder.Progress(e.id, e.view.Load(), last, e.store.Stable())
	e.spawn(func() { e.StateUpdateLoop(last + 1) })
	return true
}

// runAggregation periodically folds the consecutive run of buffered local
// sequences into one aggregated sequence and drives it.
func (e *Entity) runAggregation() {
	ticker := time.NewTicker(e.settings.AggregationDelay)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		e.aggMu.Lock()
		var run []int64
		for {
			next := e.lastLocalSeq + 1
			if _, ok := e.aggBuffer[next]; !ok {
				break
			}
			run = append(run, next)
			e.lastLocalSeq = next
		}
		if len(run) == 0 {
			e.aggMu.Unlock()
			continue
		}
		for seq := range e.aggBuffer {
			if seq <= e.lastLocalSeq {
				delete(e.aggBuffer, seq)
			}
		}
		e.aggMu.Unlock()

		head := run[0]
		e.store.Group(head).AddAggregation(head, run...)
		e.logger.Debug().Int64("seq", head).Int("locals", len(run)).Msg("Aggregating local sequences")
		e.StateUpdateLoop(head)
	}
}

// bufferAggregation parks seq until the aggregation ticker picks it up.
func (e *Entity) bufferAggregation(seq int64) {
	e.aggMu.Lock()
	e.aggBuffer[seq] = struct{}{}
	e.aggMu.Unlock()
}
