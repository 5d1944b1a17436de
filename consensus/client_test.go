package consensus

import (
	"slices"
	"testing"
	"time"

	"github.com/VanDung-dev/genbft-engine/data"
)

func TestClientResendsUncommittedRequests(t *testing.T) {
	spec := compileBuiltin(t, 1, "pbft")
	tr := &captureTransport{}
	e := newTestClient(t, spec, testSettings(4, 1, 1), 4, tr, nil)
	c := e.behavior.(*client)

	req := data.Request{Num: 0, Client: 4, Record: 1, Op: data.OpInc}
	c.sendRequest(req)
	if n := c.resend(time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("Expected nothing stale yet, got %d", n)
	}
	if n := c.resend(time.Now().Add(time.Millisecond)); n != 1 {
		t.Fatalf("Expected 1 resent request, got %d", n)
	}

	msgs := tr.ofKind(spec.Request())
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 REQUEST messages, got %d", len(msgs))
	}
	if !slices.Equal(msgs[0].Targets, []int{0}) {
		t.Fatalf("Expected the first send to reach the primary only, got %v", msgs[0].Targets)
	}
	if !slices.Equal(msgs[1].Targets, []int{0, 1, 2, 3}) {
		t.Fatalf("Expected the resend to reach every node, got %v", msgs[1].Targets)
	}
	if msgs[1].Requests[0].Num != req.Num {
		t.Fatalf("Expected request %d, got %d", req.Num, msgs[1].Requests[0].Num)
	}
	if n := c.resend(time.Now().Add(-time.Minute)); n != 0 {
		t.Fatalf("Expected a fresh resend time, got %d stale", n)
	}

	c.sent.Delete(req.Num)
	if n := c.resend(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("Expected committed requests not to be resent, got %d", n)
	}
}
