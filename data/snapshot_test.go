package data

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
)

func TestSnapshotSchema(t *testing.T) {
	schema := SnapshotSchema()
	if schema.NumFields() != 2 {
		t.Fatalf("Expected 2 fields, got %d", schema.NumFields())
	}
	for i, name := range []string{"record", "value"} {
		if schema.Field(i).Name != name {
			t.Errorf("Field %d: expected %s, got %s", i, name, schema.Field(i).Name)
		}
		if schema.Field(i).Type.ID() != arrow.INT64 {
			t.Errorf("Field %s: expected int64, got %s", name, schema.Field(i).Type)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	codec := NewSnapshotCodec()
	records := map[int]int64{0: 5, 3: -2, 17: 1 << 40}

	raw, err := codec.Encode(records)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(back) != len(records) {
		t.Fatalf("Expected %d records, got %d", len(records), len(back))
	}
	for k, v := range records {
		if back[k] != v {
			t.Errorf("Record %d: expected %d, got %d", k, v, back[k])
		}
	}
	if StateDigest(back) != StateDigest(records) {
		t.Fatal("Expected digest to survive the round trip")
	}
}

func TestSnapshotEmpty(t *testing.T) {
	codec := NewSnapshotCodec()
	raw, err := codec.Encode(map[int]int64{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(back) != 0 {
		t.Fatalf("Expected empty snapshot, got %v", back)
	}
}

func TestSnapshotRowsSorted(t *testing.T) {
	codec := NewSnapshotCodec()
	record := codec.ToRecord(map[int]int64{9: 1, 1: 2, 5: 3})
	defer record.Release()

	if record.NumRows() != 3 {
		t.Fatalf("Expected 3 rows, got %d", record.NumRows())
	}
	back, err := codec.FromRecord(record)
	if err != nil {
		t.Fatalf("FromRecord failed: %v", err)
	}
	if back[1] != 2 || back[5] != 3 || back[9] != 1 {
		t.Fatalf("Unexpected records %v", back)
	}
}

// FuzzSnapshotDecode checks that arbitrary bytes never panic the decoder.
// Run with: go test -fuzz=FuzzSnapshotDecode -fuzztime=30s ./data/
func FuzzSnapshotDecode(f *testing.F) {
	codec := NewSnapshotCodec()
	valid, err := codec.Encode(map[int]int64{1: 1, 2: 2})
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte("not arrow"))
	f.Add(valid[:len(valid)/2])

	f.Fuzz(func(t *testing.T, raw []byte) {
		_, _ = codec.Decode(raw)
	})
}
