package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

func executedAtLeast(entities []*Entity, seq int64) func() bool {
	return func() bool {
		for _, e := range entities {
			if e.LastExecuted() < seq {
				return false
			}
		}
		return true
	}
}

func assertInOrder(t *testing.T, rec *countingRecorder, id int, through int64) {
	t.Helper()
	got := rec.executedBy(id)
	if int64(len(got)) <= through {
		t.Fatalf("entity %d: expected at least %d executions, got %d", id, through+1, len(got))
	}
	for i, seq := range got {
		if seq != int64(i) {
			t.Fatalf("entity %d: expected sequence %d at position %d, got %d", id, i, i, seq)
		}
	}
}

func pbftSettings() Settings {
	s := testSettings(4, 1, 1)
	s.BlockSize = 2
	s.CheckpointSize = 10
	s.EpisodeSize = 100
	s.RequestInterval = 2 * time.Millisecond
	s.DecisionQuorum = 2
	return s
}

func TestPBFTClusterCommitsInOrder(t *testing.T) {
	spec := compileBuiltin(t, 1, "pbft")
	c := startCluster(t, spec, pbftSettings())

	waitFor(t, 10*time.Second, executedAtLeast(append(c.nodes, c.clients...), 30))
	if err := c.clients[0].Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Let the nodes drain what is in flight, then compare the replicas.
	var last int64 = -2
	waitFor(t, 5*time.Second, func() bool {
		l := c.nodes[0].LastExecuted()
		for _, n := range c.nodes[1:] {
			if n.LastExecuted() != l {
				return false
			}
		}
		settled := l == last
		last = l
		time.Sleep(20 * time.Millisecond)
		return settled
	})

	want := data.StateDigest(c.services[0].Records())
	for i, svc := range c.services[1:] {
		if data.StateDigest(svc.Records()) != want {
			t.Errorf("node %d diverged from node 0", i+1)
		}
	}
	for _, n := range c.nodes {
		assertInOrder(t, c.recorder, n.ID(), 30)
	}
	if c.clients[0].ExecutedRequests() == 0 {
		t.Error("Expected the client to see its requests committed")
	}
	if c.nodes[0].Store().Stable() < 1 {
		t.Errorf("Expected a stable checkpoint, got %d", c.nodes[0].Store().Stable())
	}
}

func TestClosedLoopClientsKeepWindowFull(t *testing.T) {
	spec := compileBuiltin(t, 1, "pbft")
	s := pbftSettings()
	s.ClosedLoop = true
	s.ClosedLoopClients = 2
	s.BlockSize = 5
	c := startCluster(t, spec, s)

	waitFor(t, 10*time.Second, func() bool { return c.clients[0].ExecutedRequests() >= 50 })
	assertInOrder(t, c.recorder, 0, 9)
}

func TestHotStuffRotatesLeaders(t *testing.T) {
	spec := compileBuiltin(t, 1, "hotstuff")
	s := pbftSettings()
	s.DefaultProtocol = "hotstuff"
	s.Plugins.Role = "primary-qc"
	c := startCluster(t, spec, s)

	waitFor(t, 10*time.Second, executedAtLeast(append(c.nodes, c.clients...), 20))
	for _, n := range c.nodes {
		assertInOrder(t, c.recorder, n.ID(), 20)
	}
}

func TestDebugSequenceSwitchesProtocols(t *testing.T) {
	spec := compileBuiltin(t, 1, "pbft", "zyzzyva")
	s := pbftSettings()
	s.EpisodeSize = 20
	s.DebugSequence = []string{"zyzzyva", "pbft"}
	c := startCluster(t, spec, s)

	all := append(append([]*Entity(nil), c.nodes...), c.clients...)
	waitFor(t, 15*time.Second, executedAtLeast(all, 65))

	for _, e := range all {
		for seq, want := range map[int64]string{5: "pbft", 25: "zyzzyva", 45: "pbft", 65: "zyzzyva"} {
			if got := e.Store().Protocol(seq); got != want {
				t.Errorf("entity %d: expected %s at %d, got %s", e.ID(), want, seq, got)
			}
		}
	}
	c.recorder.mu.Lock()
	switches := append([]string(nil), c.recorder.switches...)
	c.recorder.mu.Unlock()
	found := false
	for _, sw := range switches {
		if sw == "pbft->zyzzyva" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a pbft->zyzzyva switch, got %v", switches)
	}
	for _, n := range c.nodes {
		assertInOrder(t, c.recorder, n.ID(), 65)
	}
}

func TestLateNodeCatchesUpThroughStateTransfer(t *testing.T) {
	spec := compileBuiltin(t, 1, "pbft")
	s := pbftSettings()
	s.CatchUpK = 2
	c := startCluster(t, spec, s, 3)

	waitFor(t, 10*time.Second, executedAtLeast(c.nodes, 40))

	late, _ := newTestNode(t, spec, s, 3, c.bus, c.recorder)
	if err := late.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = late.Stop() })

	target := c.nodes[0].LastExecuted() + 30
	waitFor(t, 15*time.Second, func() bool { return late.LastExecuted() >= target })

	installed := 0
	for _, o := range c.recorder.fetchOutcomes() {
		if o == FetchInstalled {
			installed++
		}
	}
	if installed == 0 {
		t.Error("Expected the late node to install a snapshot")
	}
}

func TestPrimaryCrashLeadsToNewView(t *testing.T) {
	spec := compileBuiltin(t, 1, "pbft")
	s := pbftSettings()
	s.ClosedLoop = true
	s.TimeoutTrigger = 20 * time.Millisecond
	s.ResendInterval = 100 * time.Millisecond
	c := startCluster(t, spec, s)

	waitFor(t, 10*time.Second, executedAtLeast(c.nodes, 10))
	if err := c.nodes[0].Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	backups := c.nodes[1:]
	base := c.clients[0].ExecutedRequests()

	waitFor(t, 15*time.Second, func() bool {
		for _, n := range backups {
			if n.View() < 1 {
				return false
			}
		}
		return c.clients[0].ExecutedRequests() >= base+10
	})
	for _, n := range backups {
		if n.View() < 1 {
			t.Fatalf("node %d: Expected view >= 1, got %d", n.ID(), n.View())
		}
		assertInOrder(t, c.recorder, n.ID(), 10)
	}
}
