package service

import (
	"sync"
	"testing"

	"github.com/VanDung-dev/genbft-engine/data"
)

func TestCounterExecute(t *testing.T) {
	c := NewCounter(4)

	if v := c.Execute(data.Request{Record: 1, Op: data.OpAdd, Value: 5}); v != 1005 {
		t.Errorf("Expected 1005 after add, got %d", v)
	}
	if v := c.Execute(data.Request{Record: 1, Op: data.OpSub, Value: 10}); v != 995 {
		t.Errorf("Expected 995 after sub, got %d", v)
	}
	if v := c.Execute(data.Request{Record: 2, Op: data.OpInc}); v != 1001 {
		t.Errorf("Expected 1001 after inc, got %d", v)
	}
	if v := c.Execute(data.Request{Record: 2, Op: data.OpDec}); v != 1000 {
		t.Errorf("Expected 1000 after dec, got %d", v)
	}
	if v := c.Execute(data.Request{Record: 1, Op: data.OpReadOnly, Value: 99}); v != 995 {
		t.Errorf("Expected read-only to return 995, got %d", v)
	}
	if v := c.Execute(data.Request{Record: 40, Op: data.OpInc}); v != 0 {
		t.Errorf("Expected unknown record to read 0, got %d", v)
	}
	if c.Size() != 4 {
		t.Errorf("Expected 4 records, got %d", c.Size())
	}
}

func TestCounterRecordsRestore(t *testing.T) {
	c := NewCounter(3)
	c.Execute(data.Request{Record: 0, Op: data.OpInc})

	snap := c.Records()
	snap[0] = -1
	if v, _ := c.Value(0); v != 1001 {
		t.Fatalf("Expected Records to return a copy, record is %d", v)
	}

	other := NewCounter(3)
	other.Restore(c.Records())
	if data.StateDigest(other.Records()) != data.StateDigest(c.Records()) {
		t.Error("Expected restored counter to have the same state digest")
	}
}

func TestCounterConcurrent(t *testing.T) {
	c := NewCounter(1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Execute(data.Request{Record: 0, Op: data.OpInc})
		}()
	}
	wg.Wait()
	if v, _ := c.Value(0); v != 1050 {
		t.Errorf("Expected 1050, got %d", v)
	}
}

func TestClientDatasetRequests(t *testing.T) {
	d := NewClientDataset(7, Workload{DatasetSize: 10, ContentionLevel: 2, RequestSize: 16})

	for i := int64(0); i < 200; i++ {
		req := d.NewRequest(i)
		if req.Num != i || req.Client != 7 {
			t.Fatalf("Expected num %d client 7, got %d %d", i, req.Num, req.Client)
		}
		if req.Record < 0 || req.Record >= 2 {
			t.Fatalf("Expected record below contention level 2, got %d", req.Record)
		}
		if len(req.Payload) != 16 {
			t.Fatalf("Expected 16 byte payload, got %d", len(req.Payload))
		}
		if req.Op == data.OpSub && req.Value >= DefaultValue {
			t.Fatalf("Expected sub value below %d, got %d", DefaultValue, req.Value)
		}
	}
	for r := 0; r < 2; r++ {
		if d.Lookahead(r) < 0 {
			t.Errorf("Expected non-negative lookahead for record %d, got %d", r, d.Lookahead(r))
		}
	}
}

func TestClientDatasetReadOnly(t *testing.T) {
	d := NewClientDataset(1, Workload{DatasetSize: 5, ReadOnlyRatio: 1})
	for i := int64(0); i < 20; i++ {
		if req := d.NewRequest(i); req.Op != data.OpReadOnly {
			t.Fatalf("Expected read-only request, got %s", req.Op)
		}
	}
}

func TestClientDatasetUpdate(t *testing.T) {
	d := NewClientDataset(1, Workload{DatasetSize: 3})
	before := d.Lookahead(1)

	d.Update(data.Request{Record: 1, Op: data.OpAdd, Value: 7}, 1007)
	if v, _ := d.Value(1); v != 1007 {
		t.Errorf("Expected mirrored value 1007, got %d", v)
	}
	if d.Lookahead(1) != before+7 {
		t.Errorf("Expected lookahead %d, got %d", before+7, d.Lookahead(1))
	}
}
