package consensus

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/VanDung-dev/genbft-engine/data"
	"github.com/VanDung-dev/genbft-engine/network"
	"github.com/VanDung-dev/genbft-engine/protocol"
	"github.com/VanDung-dev/genbft-engine/service"
	"github.com/VanDung-dev/genbft-engine/tally"
)

func compileBuiltin(t *testing.T, f int, names ...string) *protocol.Spec {
	t.Helper()
	pool := protocol.Pool{General: map[string]int{"f": f}}
	for _, name := range names {
		doc, err := protocol.Builtin(name)
		if err != nil {
			t.Fatalf("Builtin(%s) failed: %v", name, err)
		}
		pool.Documents = append(pool.Documents, doc)
	}
	return compileDocs(t, pool)
}

func compileYAML(t *testing.T, f int, raws ...string) *protocol.Spec {
	t.Helper()
	pool := protocol.Pool{General: map[string]int{"f": f}}
	for _, raw := range raws {
		doc, err := protocol.Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		pool.Documents = append(pool.Documents, doc)
	}
	return compileDocs(t, pool)
}

func compileDocs(t *testing.T, pool protocol.Pool) *protocol.Spec {
	t.Helper()
	logger := zerolog.Nop()
	pool.Logger = &logger
	spec, err := protocol.Compile(pool)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return spec
}

func testSettings(nodes, clients, f int) Settings {
	s := DefaultSettings()
	s.F = f
	s.Roster = NewRoster(nodes, clients)
	s.FixedTimeout = true
	s.TimeoutTrigger = 200 * time.Millisecond
	return s
}

// captureTransport records sent messages instead of delivering them.
type captureTransport struct {
	mu   sync.Mutex
	sent []*data.Message
}

func (c *captureTransport) Send(msg *data.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *captureTransport) Register(id int, h network.Handler) error { return nil }
func (c *captureTransport) Close() error                             { return nil }

func (c *captureTransport) ofKind(kind protocol.MessageKind) []*data.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*data.Message
	for _, m := range c.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// countingRecorder keeps the events tests assert on.
type countingRecorder struct {
	nopRecorder

	mu       sync.Mutex
	executed map[int][]int64
	switches []string
	fetches  []string
	timeouts int
	dropped  map[string]int
	episodes []EpisodeReport
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{executed: make(map[int][]int64), dropped: make(map[string]int)}
}

func (r *countingRecorder) SequenceExecuted(entity int, seq int64) {
	r.mu.Lock()
	r.executed[entity] = append(r.executed[entity], seq)
	r.mu.Unlock()
}

func (r *countingRecorder) ProtocolSwitch(entity int, from, to string) {
	r.mu.Lock()
	r.switches = append(r.switches, from+"->"+to)
	r.mu.Unlock()
}

func (r *countingRecorder) Fetch(entity int, outcome string) {
	r.mu.Lock()
	r.fetches = append(r.fetches, outcome)
	r.mu.Unlock()
}

func (r *countingRecorder) TimeoutFired(entity int, mode string) {
	r.mu.Lock()
	r.timeouts++
	r.mu.Unlock()
}

func (r *countingRecorder) MessageDropped(entity int, reason string) {
	r.mu.Lock()
	r.dropped[reason]++
	r.mu.Unlock()
}

func (r *countingRecorder) Episode(report EpisodeReport) {
	r.mu.Lock()
	r.episodes = append(r.episodes, report)
	r.mu.Unlock()
}

func (r *countingRecorder) executedBy(entity int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.executed[entity]...)
}

func (r *countingRecorder) fetchOutcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fetches...)
}

func newTestNode(t *testing.T, spec *protocol.Spec, s Settings, id int, tr network.Transport, rec Recorder) (*Entity, *service.Counter) {
	t.Helper()
	return newConfiguredNode(t, spec, s, id, tr, rec, nil)
}

// newConfiguredNode lets configure adjust the node config before it is built.
func newConfiguredNode(t *testing.T, spec *protocol.Spec, s Settings, id int, tr network.Transport, rec Recorder, configure func(*Config)) (*Entity, *service.Counter) {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewCounter(100)
	cfg := Config{
		ID:        id,
		Spec:      spec,
		Settings:  s,
		Transport: tr,
		Recorder:  rec,
		Keys:      SharedSecret("cluster-secret"),
		Logger:    &logger,
	}
	if configure != nil {
		configure(&cfg)
	}
	e, err := NewNode(cfg, svc)
	if err != nil {
		t.Fatalf("NewNode(%d) failed: %v", id, err)
	}
	return e, svc
}

func newTestClient(t *testing.T, spec *protocol.Spec, s Settings, id int, tr network.Transport, rec Recorder) *Entity {
	t.Helper()
	return newWorkloadClient(t, spec, s, id, tr, rec, service.Workload{DatasetSize: 100})
}

func newWorkloadClient(t *testing.T, spec *protocol.Spec, s Settings, id int, tr network.Transport, rec Recorder, w service.Workload) *Entity {
	t.Helper()
	logger := zerolog.Nop()
	e, err := NewClient(Config{
		ID:        id,
		Spec:      spec,
		Settings:  s,
		Transport: tr,
		Recorder:  rec,
		Keys:      SharedSecret("cluster-secret"),
		Logger:    &logger,
	}, service.NewClientDataset(id, w))
	if err != nil {
		t.Fatalf("NewClient(%d) failed: %v", id, err)
	}
	return e
}

// testCluster runs every roster member on one bus.
type testCluster struct {
	bus      *network.Bus
	nodes    []*Entity
	services []*service.Counter
	clients  []*Entity
	recorder *countingRecorder
}

// clusterOptions adjusts how startClusterWith builds members.
type clusterOptions struct {
	// configure runs on every node config before the node is built.
	configure func(*Config)
	workload  service.Workload
}

// startCluster starts every member of the roster except the skipped node ids.
func startCluster(t *testing.T, spec *protocol.Spec, s Settings, skip ...int) *testCluster {
	t.Helper()
	return startClusterWith(t, spec, s, clusterOptions{workload: service.Workload{DatasetSize: 100}}, skip...)
}

func startClusterWith(t *testing.T, spec *protocol.Spec, s Settings, opts clusterOptions, skip ...int) *testCluster {
	t.Helper()
	c := &testCluster{bus: network.NewBus(network.DefaultBusConfig()), recorder: newCountingRecorder()}
	for _, id := range s.Roster.Nodes {
		if slices.Contains(skip, id) {
			continue
		}
		e, svc := newConfiguredNode(t, spec, s, id, c.bus, c.recorder, opts.configure)
		c.nodes = append(c.nodes, e)
		c.services = append(c.services, svc)
	}
	for _, id := range s.Roster.Clients {
		c.clients = append(c.clients, newWorkloadClient(t, spec, s, id, c.bus, c.recorder, opts.workload))
	}
	for _, e := range append(append([]*Entity(nil), c.nodes...), c.clients...) {
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("Start(%d) failed: %v", e.ID(), err)
		}
	}
	t.Cleanup(c.stop)
	return c
}

func (c *testCluster) stop() {
	for _, e := range c.clients {
		_ = e.Stop()
	}
	for _, e := range c.nodes {
		_ = e.Stop()
	}
	_ = c.bus.Close()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testBlock(first int64, n int) []data.Request {
	block := make([]data.Request, n)
	for i := range block {
		block[i] = data.Request{Num: first + int64(i), Client: 4, Record: i, Op: data.OpInc}
	}
	return block
}

func quorumOf(kind, size int) tally.QuorumID {
	return tally.QuorumID{Kind: protocol.MessageKind(kind), Size: size}
}
