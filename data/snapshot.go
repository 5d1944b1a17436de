package data

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var ErrEmptySnapshot = errors.New("snapshot holds no record batch")

// SnapshotSchema returns the Arrow schema of a service state snapshot.
//
// Fields:
//   - record: int64 - record id
//   - value: int64 - record value
func SnapshotSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "record", Type: arrow.PrimitiveTypes.Int64},
			{Name: "value", Type: arrow.PrimitiveTypes.Int64},
		},
		nil,
	)
}

// SnapshotCodec converts service records to and from Arrow IPC bytes.
type SnapshotCodec struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

// NewSnapshotCodec creates a codec on the default allocator.
func NewSnapshotCodec() *SnapshotCodec {
	return &SnapshotCodec{
		allocator: memory.DefaultAllocator,
		schema:    SnapshotSchema(),
	}
}

// ToRecord builds one record batch, rows ordered by record id.
func (c *SnapshotCodec) ToRecord(records map[int]int64) arrow.Record {
	keys := make([]int, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	ids := builder.Field(0).(*array.Int64Builder)
	values := builder.Field(1).(*array.Int64Builder)
	ids.Reserve(len(keys))
	values.Reserve(len(keys))
	for _, k := range keys {
		ids.Append(int64(k))
		values.Append(records[k])
	}
	return builder.NewRecord()
}

// FromRecord reads records back out of a batch.
func (c *SnapshotCodec) FromRecord(record arrow.Record) (map[int]int64, error) {
	if !record.Schema().Equal(c.schema) {
		return nil, fmt.Errorf("snapshot schema mismatch: %s", record.Schema())
	}
	ids, ok := record.Column(0).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("snapshot column 0 is %s", record.Column(0).DataType())
	}
	values, ok := record.Column(1).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("snapshot column 1 is %s", record.Column(1).DataType())
	}

	out := make(map[int]int64, record.NumRows())
	for i := 0; i < int(record.NumRows()); i++ {
		out[int(ids.Value(i))] = values.Value(i)
	}
	return out, nil
}

// Encode serializes records to Arrow IPC stream bytes.
func (c *SnapshotCodec) Encode(records map[int]int64) ([]byte, error) {
	record := c.ToRecord(records)
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(c.schema), ipc.WithAllocator(c.allocator))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses Arrow IPC stream bytes produced by Encode. Snapshots come from
// peers, so malformed input is reported as an error rather than a panic.
func (c *SnapshotCodec) Decode(raw []byte) (out map[int]int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("malformed snapshot: %v", r)
		}
	}()

	reader, err := ipc.NewReader(bytes.NewReader(raw), ipc.WithAllocator(c.allocator))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, reader.Err()
		}
		return nil, ErrEmptySnapshot
	}
	return c.FromRecord(reader.Record())
}
