package consensus

import (
	"slices"
	"testing"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

func TestCheckpointStoreGroups(t *testing.T) {
	s := NewCheckpointStore(10, 20, "pbft")

	g := s.Group(15)
	if g.Num() != 1 {
		t.Fatalf("Expected checkpoint 1, got %d", g.Num())
	}
	if s.Group(19) != g {
		t.Error("Expected sequences of one checkpoint to share a group")
	}
	if _, ok := s.Lookup(2); ok {
		t.Error("Expected Lookup not to create groups")
	}
	s.Group(35)
	if s.Min() != 0 || s.Max() != 3 {
		t.Errorf("Expected min 0 max 3, got %d %d", s.Min(), s.Max())
	}

	s.Prune(1)
	if s.Min() != 3 {
		t.Errorf("Expected min 3 after pruning, got %d", s.Min())
	}
	if _, ok := s.Lookup(1); ok {
		t.Error("Expected checkpoint 1 to be pruned")
	}
}

func TestCheckpointBelowFloorStaysPruned(t *testing.T) {
	s := NewCheckpointStore(10, 20, "pbft")
	s.Group(35)
	s.Prune(1)

	g := s.Group(12)
	g.SetState(12, 1)
	if _, ok := s.Lookup(1); ok {
		t.Fatal("Expected checkpoint 1 not to be recreated")
	}
	if s.Min() != 3 {
		t.Fatalf("Expected min 3, got %d", s.Min())
	}
	if _, ok := g.WaitBlock(12); ok {
		t.Fatal("Expected a pruned group to be closed")
	}
	if s.Group(12) == g {
		t.Fatal("Expected pruned groups not to be shared")
	}
}

func TestCheckpointStoreWatermarksAreMonotonic(t *testing.T) {
	s := NewCheckpointStore(10, 10, "pbft")
	if s.Stable() != -1 || s.LowWatermark() != 0 {
		t.Fatalf("Expected stable -1 low 0, got %d %d", s.Stable(), s.LowWatermark())
	}
	s.SetStable(4)
	s.SetStable(2)
	s.SetLowWatermark(3)
	s.SetLowWatermark(1)
	if s.Stable() != 4 || s.LowWatermark() != 3 {
		t.Errorf("Expected stable 4 low 3, got %d %d", s.Stable(), s.LowWatermark())
	}
}

func TestCheckpointStoreProtocolByEpisode(t *testing.T) {
	s := NewCheckpointStore(10, 20, "pbft")
	s.SetProtocol(1, "zyzzyva")
	for seq, want := range map[int64]string{0: "pbft", 19: "pbft", 20: "zyzzyva", 39: "zyzzyva", 40: ""} {
		if got := s.Protocol(seq); got != want {
			t.Errorf("Protocol(%d): expected %q, got %q", seq, want, got)
		}
	}
}

func TestGroupBlocksAndReplies(t *testing.T) {
	g := newGroup(0)
	done := make(chan []data.Request)
	go func() {
		block, _ := g.WaitBlock(3)
		done <- block
	}()
	time.Sleep(5 * time.Millisecond)
	g.SetBlock(3, testBlock(30, 2))
	select {
	case block := <-done:
		if len(block) != 2 {
			t.Errorf("Expected 2 requests, got %d", len(block))
		}
	case <-time.After(time.Second):
		t.Fatal("WaitBlock did not wake up")
	}

	g.SetReply(3, 30, 7)
	if v, ok := g.Reply(3, 30); !ok || v != 7 {
		t.Errorf("Expected reply 7, got %d %v", v, ok)
	}
	replies := g.Replies(3)
	replies[30] = 0
	if v, _ := g.Reply(3, 30); v != 7 {
		t.Error("Expected Replies to return a copy")
	}
}

func TestGroupWaitBlockReturnsOnClose(t *testing.T) {
	s := NewCheckpointStore(10, 10, "pbft")
	g := s.Group(5)
	done := make(chan bool)
	go func() {
		_, ok := g.WaitBlock(5)
		done <- ok
	}()
	time.Sleep(5 * time.Millisecond)
	s.Close()
	select {
	case ok := <-done:
		if ok {
			t.Error("Expected WaitBlock to fail after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitBlock did not return after Close")
	}
}

func TestGroupAggregationIsSortedUnion(t *testing.T) {
	g := newGroup(0)
	g.AddAggregation(2, 4, 2)
	g.AddAggregation(2, 3, 4)
	if got := g.Aggregation(2); !slices.Equal(got, []int64{2, 3, 4}) {
		t.Errorf("Expected [2 3 4], got %v", got)
	}
	if got := g.Aggregation(5); len(got) != 0 {
		t.Errorf("Expected no aggregation, got %v", got)
	}
}

func TestGroupDecisionQuorum(t *testing.T) {
	g := newGroup(0)
	reply := &data.Message{Sequence: 9, Kind: 3, NextProtocol: "zyzzyva"}

	for _, src := range []int{0, 1} {
		m := reply.Clone()
		m.Source = src
		g.Tally(m, 3)
	}
	if _, ok := g.Decision(3); ok {
		t.Error("Expected no decision with 2 of 3 votes")
	}
	m := reply.Clone()
	m.Source = 1
	g.Tally(m, 3)
	if _, ok := g.Decision(3); ok {
		t.Error("Expected repeated votes to count once")
	}

	done := make(chan string)
	go func() {
		next, _ := g.WaitDecision(3)
		done <- next
	}()
	m = reply.Clone()
	m.Source = 2
	g.Tally(m, 3)
	select {
	case next := <-done:
		if next != "zyzzyva" {
			t.Errorf("Expected zyzzyva, got %q", next)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitDecision did not wake up")
	}
}

func TestGroupDecisionPrefersMostVotes(t *testing.T) {
	g := newGroup(0)
	g.Decide(0, "pbft")
	g.Decide(1, "zyzzyva")
	g.Decide(2, "zyzzyva")
	if next, ok := g.Decision(2); !ok || next != "zyzzyva" {
		t.Fatalf("Expected zyzzyva, got %q %v", next, ok)
	}
	g.Decide(3, "pbft")
	if next, _ := g.Decision(2); next != "pbft" {
		t.Fatalf("Expected the tie to break by name, got %q", next)
	}
}

func TestGroupViewTallyIgnoresDigest(t *testing.T) {
	g := newGroup(0)
	for src := 0; src < 3; src++ {
		g.Tally(&data.Message{Sequence: 1, View: 1, Kind: 5, Source: src, Digest: data.Digest{byte(src + 1)}}, 3)
	}
	if g.Full().HasQuorum(1, 1, quorumOf(5, 3)) {
		t.Error("Expected no content quorum over differing digests")
	}
	if !g.Views().HasQuorum(1, 1, quorumOf(5, 3)) {
		t.Error("Expected a view quorum regardless of digest")
	}
}
