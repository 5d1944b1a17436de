package protocol

import (
	"errors"
	"testing"
)

func builtinPool(t *testing.T, names ...string) Pool {
	t.Helper()
	pool := Pool{General: map[string]int{"f": 1, "n": 4}}
	for _, name := range names {
		doc, err := Builtin(name)
		if err != nil {
			t.Fatalf("Builtin(%s) failed: %v", name, err)
		}
		pool.Documents = append(pool.Documents, doc)
	}
	return pool
}

func TestBuiltinDocumentsCompile(t *testing.T) {
	names := BuiltinNames()
	if len(names) < 3 {
		t.Fatalf("Expected at least 3 builtin protocols, got %v", names)
	}
	spec, err := Compile(builtinPool(t, names...))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	for _, name := range names {
		if !spec.HasProtocol(name) {
			t.Errorf("Expected protocol %s in spec", name)
		}
		if spec.IdleState(name) == NoState {
			t.Errorf("Expected idle state for %s", name)
		}
	}
}

func TestSharedAndPrefixedNames(t *testing.T) {
	spec, err := Compile(builtinPool(t, "pbft", "zyzzyva"))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if got := spec.StateName(spec.IdleState("pbft")); got != "pbft_idle" {
		t.Errorf("Expected pbft_idle, got %s", got)
	}
	if spec.IdleState("pbft") == spec.IdleState("zyzzyva") {
		t.Error("Expected idle states to be per protocol")
	}
	if spec.FindState("pbft", "executed") != spec.FindState("zyzzyva", "executed") {
		t.Error("Expected executed to be shared")
	}
	if spec.FindMessage("pbft", "reply") != spec.Reply() || spec.FindMessage("zyzzyva", "reply") != spec.Reply() {
		t.Error("Expected reply to be shared")
	}
	if got := spec.MessageName(spec.FindMessage("pbft", "prepare")); got != "pbft_prepare" {
		t.Errorf("Expected pbft_prepare, got %s", got)
	}
	if spec.FindMessage("zyzzyva", "prepare") != -1 {
		t.Error("Expected zyzzyva to have no prepare message")
	}
	if !spec.Message(spec.FindMessage("pbft", "pre-prepare")).HasRequestBlock {
		t.Error("Expected pre-prepare to carry a request block")
	}
	if !spec.Message(spec.Request()).HasRequestBlock {
		t.Error("Expected request to carry a request block")
	}
	if spec.Role(PrimaryRoleName) != spec.Primary() || spec.Role(ClientRoleName) != spec.Client() {
		t.Error("Expected special roles to keep their indices")
	}
}

func TestTransitionsOrderAndQuorum(t *testing.T) {
	spec, err := Compile(builtinPool(t, "pbft"))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	pre := spec.FindState("pbft", "pre-prepared")
	cands := spec.Transitions(pre, spec.Nodes())
	if len(cands) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Condition.Kind != ConditionMessage || cands[1].Condition.Kind != ConditionTimeout {
		t.Errorf("Expected message then timeout, got %s then %s", cands[0].Condition.Kind, cands[1].Condition.Kind)
	}
	if got := spec.QuorumSize(cands[0]); got != 2 {
		t.Errorf("Expected prepare quorum 2, got %d", got)
	}
	if cands[1].Update != UpdateView || cands[1].Condition.Multiplier != 8 {
		t.Errorf("Expected view update with multiplier 8, got %s/%d", cands[1].Update, cands[1].Condition.Multiplier)
	}

	prepared := spec.FindState("pbft", "prepared")
	commit := spec.Transitions(prepared, spec.Nodes())[0]
	if commit.Update != UpdateSequence || commit.To != spec.ExecutedState() {
		t.Errorf("Expected sequence commit into executed, got %s into %s", commit.Update, spec.StateName(commit.To))
	}
	if got := spec.QuorumSize(commit); got != 3 {
		t.Errorf("Expected commit quorum 3, got %d", got)
	}
	if len(commit.Responses) != 1 || commit.Responses[0].Role != spec.Client() || commit.Responses[0].Message != spec.Reply() {
		t.Errorf("Expected reply to client, got %+v", commit.Responses)
	}
}

func TestQuorumResolvesAgainstProtocolThenGlobal(t *testing.T) {
	doc, err := Builtin("pbft")
	if err != nil {
		t.Fatal(err)
	}
	doc.General = map[string]int{}

	spec, err := Compile(Pool{General: map[string]int{"f": 2}, Documents: []*Document{doc}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	commit := spec.Transitions(spec.FindState("pbft", "prepared"), spec.Nodes())[0]
	if got := spec.QuorumSize(commit); got != 5 {
		t.Errorf("Expected global f=2 to give 5, got %d", got)
	}

	doc.General = map[string]int{"f": 3}
	spec, err = Compile(Pool{General: map[string]int{"f": 2}, Documents: []*Document{doc}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	commit = spec.Transitions(spec.FindState("pbft", "prepared"), spec.Nodes())[0]
	if got := spec.QuorumSize(commit); got != 7 {
		t.Errorf("Expected protocol f=3 to give 7, got %d", got)
	}
}

const brokenRefs = `
name: broken
phases:
  - name: normal
    states: [idle, done, executed]
    messages: [request, ping]
transitions:
  - role: nodes
    state: idle
    to:
      - state: nowhere
        condition: {type: message, message: ping, quorum: "1"}
      - state: done
        condition: {type: message, message: pong, quorum: "1"}
      - state: done
        condition: {type: message, message: ping, quorum: "f+1"}
        response:
          - {target: ghosts, message: ping}
      - state: done
        condition: {type: message, message: ping, quorum: "f+1"}
  - role: ghosts
    state: idle
    to:
      - state: done
  - role: nodes
    state: missing
    to:
      - state: done
`

func TestUnresolvedTransitionsAreDropped(t *testing.T) {
	doc, err := Parse([]byte(brokenRefs))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	spec, err := Compile(Pool{General: map[string]int{"f": 1}, Documents: []*Document{doc}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	cands := spec.Transitions(spec.IdleState("broken"), spec.Nodes())
	if len(cands) != 1 {
		t.Fatalf("Expected 1 surviving transition, got %d", len(cands))
	}
	if spec.StateName(cands[0].To) != "broken_done" {
		t.Errorf("Expected broken_done, got %s", spec.StateName(cands[0].To))
	}
}

func TestCompileErrors(t *testing.T) {
	noIdle := `
name: x
phases:
  - name: normal
    states: [start, executed]
    messages: [request]
`
	noExecuted := `
name: x
phases:
  - name: normal
    states: [idle]
    messages: [request]
`
	badQuorum := `
name: x
phases:
  - name: normal
    states: [idle, executed]
    messages: [request]
transitions:
  - role: nodes
    state: idle
    to:
      - state: executed
        condition: {type: message, message: request, quorum: "2q+1"}
`
	badUpdate := `
name: x
phases:
  - name: normal
    states: [idle, executed]
    messages: [request]
transitions:
  - role: nodes
    state: idle
    to:
      - state: executed
        update: sideways
`

	cases := []struct {
		name string
		doc  string
		want error
	}{
		{"no idle", noIdle, ErrMissingSpecial},
		{"no executed", noExecuted, ErrMissingSpecial},
		{"unknown variable", badQuorum, ErrUnknownVariable},
		{"bad update", badUpdate, ErrUnknownUpdate},
	}
	for _, c := range cases {
		doc, err := Parse([]byte(c.doc))
		if err != nil {
			t.Fatalf("%s: Parse failed: %v", c.name, err)
		}
		_, err = Compile(Pool{General: map[string]int{"f": 1}, Documents: []*Document{doc}})
		if !errors.Is(err, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}

	doc, _ := Builtin("pbft")
	if _, err := Compile(Pool{General: map[string]int{"f": 1}, Documents: []*Document{doc, doc}}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
	if _, err := Compile(Pool{}); !errors.Is(err, ErrBadDocument) {
		t.Errorf("Expected ErrBadDocument for empty pool, got %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("name: x\nphasez: []\n")); !errors.Is(err, ErrBadDocument) {
		t.Errorf("Expected ErrBadDocument, got %v", err)
	}
	if _, err := Builtin("nope"); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("Expected ErrUnknownProtocol, got %v", err)
	}
}

func TestCountTransitions(t *testing.T) {
	spec, err := Compile(builtinPool(t, "pbft", "hotstuff"))
	if err != nil {
		t.Fatal(err)
	}
	// pre-prepare, prepare and commit.
	if got := spec.CountTransitions("pbft", spec.NormalPhase(), spec.Nodes(), ConditionMessage); got != 3 {
		t.Errorf("Expected 3 node message transitions, got %d", got)
	}
	if spec.Leader("hotstuff") != LeaderRotate || spec.Leader("pbft") != LeaderStable {
		t.Error("Expected hotstuff to rotate and pbft to be stable")
	}
	if spec.RequestTarget("hotstuff") != spec.Nodes() {
		t.Error("Expected hotstuff requests to target nodes")
	}
}

func BenchmarkCompileBuiltins(b *testing.B) {
	var docs []*Document
	for _, name := range BuiltinNames() {
		doc, err := Builtin(name)
		if err != nil {
			b.Fatal(err)
		}
		docs = append(docs, doc)
	}
	pool := Pool{General: map[string]int{"f": 1}, Documents: docs}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Compile(pool); err != nil {
			b.Fatal(err)
		}
	}
}
