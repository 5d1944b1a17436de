package consensus

import (
	"testing"
	"time"
)

// aggProtocol orders requests on a single node and folds every ordered local
// sequence into one batch per aggregation tick.
const aggProtocol = `
name: agg
general:
  f: 0
leader: stable
request-target: primary
roles: [client, nodes, primary]

phases:
  - name: normal
    states: [idle, ordered, aggregated, executed]
    messages:
      - request
      - {name: order, request-block: true}
      - batch
      - reply

transitions:
  - role: primary
    state: idle
    to:
      - state: ordered
        condition: {type: message, message: request, quorum: "1"}
        response:
          - {target: nodes, message: order}

  - role: nodes
    state: ordered
    to:
      - state: aggregated
        condition: {type: message, message: order, quorum: "1"}
        update: aggregation
        response:
          - {target: nodes, message: batch}

  - role: nodes
    state: aggregated
    to:
      - state: executed
        condition: {type: message, message: batch, quorum: "1"}
        update: sequence
        response:
          - {target: client, message: reply}

  - role: client
    state: idle
    to:
      - state: executed
        condition: {type: message, message: reply, quorum: "1"}
        update: sequence
`

func TestAggregatedSequencesReplayInOrder(t *testing.T) {
	spec := compileYAML(t, 0, aggProtocol)
	s := testSettings(1, 1, 0)
	s.DefaultProtocol = "agg"
	s.BlockSize = 1
	s.CheckpointSize = 1000
	s.EpisodeSize = 1000
	s.RequestInterval = time.Millisecond
	s.AggregationDelay = 20 * time.Millisecond
	c := startCluster(t, spec, s)

	node, client := c.nodes[0], c.clients[0]
	waitFor(t, 10*time.Second, func() bool {
		return node.LastExecuted() >= 60 && client.LastExecuted() >= 60
	})

	assertInOrder(t, c.recorder, node.ID(), 60)
	assertInOrder(t, c.recorder, client.ID(), 60)

	folded := 0
	for seq := int64(0); seq <= 40; seq++ {
		if len(node.Store().Group(seq).Aggregation(seq)) > 1 {
			folded++
		}
	}
	if folded == 0 {
		t.Error("Expected at least one batch to fold several local sequences")
	}
	if !node.isExecuted(37) {
		t.Error("Expected folded local sequences to reach the executed state")
	}
}

func TestAggregationBufferWaitsForTicker(t *testing.T) {
	spec := compileYAML(t, 0, aggProtocol)
	s := testSettings(1, 1, 0)
	s.DefaultProtocol = "agg"
	s.BlockSize = 1
	tr := &captureTransport{}
	e, _ := newTestNode(t, spec, s, 0, tr, nil)
	e.running.Store(true)

	for _, req := range testBlock(0, 3) {
		if err := e.pending.Add(req); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	e.StateUpdateLoop(0)

	ordered := spec.FindState("agg", "ordered")
	for seq := int64(0); seq < 3; seq++ {
		if st := e.stateOf(seq); st != ordered {
			t.Errorf("seq %d: expected ordered while buffered, got %s", seq, spec.StateName(st))
		}
	}
	e.aggMu.Lock()
	buffered := len(e.aggBuffer)
	e.aggMu.Unlock()
	if buffered != 3 {
		t.Errorf("Expected 3 buffered local sequences, got %d", buffered)
	}
	if got := tr.ofKind(spec.FindMessage("agg", "batch")); len(got) != 0 {
		t.Errorf("Expected no batch before the aggregation tick, got %d", len(got))
	}
}
