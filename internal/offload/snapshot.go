package offload

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/logger"
)

// snapshotBatchRows bounds the rows written per record batch.
const snapshotBatchRows = 256

// Column order of Schema.
const (
	colSeq = iota
	colLayer
	colBlock
	colIsKey
	colDType
	colShape
	colRawBytes
	colCompressed
	colPayload
)

// Schema is the Arrow layout of offloaded blocks, one row per block. The
// payload column holds the block in stored form.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "block", Type: arrow.PrimitiveTypes.Int32},
	{Name: "is_key", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "raw_bytes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "compressed", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, func() *arrow.Metadata {
	md := arrow.NewMetadata([]string{"kvcache.block_format"}, []string{"1"})
	return &md
}())

// Record builds a record batch holding keys. Missing keys are an error.
func (s *Store) Record(mem memory.Allocator, keys []BlockKey) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		e, ok := s.blocks[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		b.Field(colSeq).(*array.Int64Builder).Append(int64(k.Seq))
		b.Field(colLayer).(*array.Int32Builder).Append(int32(k.Layer))
		b.Field(colBlock).(*array.Int32Builder).Append(int32(k.Block))
		b.Field(colIsKey).(*array.BooleanBuilder).Append(k.IsKey)
		b.Field(colDType).(*array.StringBuilder).Append(e.meta.DType.Suffix())

		lb := b.Field(colShape).(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.Int64Builder)
		for _, d := range e.meta.Shape {
			vb.Append(int64(d))
		}

		b.Field(colRawBytes).(*array.Int64Builder).Append(int64(e.meta.RawBytes))
		b.Field(colCompressed).(*array.BooleanBuilder).Append(e.meta.Compressed)
		b.Field(colPayload).(*array.BinaryBuilder).Append(e.payload)
	}
	return b.NewRecord(), nil
}

// Ingest stores every row of rec and returns how many were stored. Rows
// before a failing one stay stored.
func (s *Store) Ingest(rec arrow.Record) (int, error) {
	if !rec.Schema().Equal(Schema) {
		return 0, fmt.Errorf("offload: unexpected record schema %v", rec.Schema())
	}
	var (
		seqs       = rec.Column(colSeq).(*array.Int64)
		layers     = rec.Column(colLayer).(*array.Int32)
		blocks     = rec.Column(colBlock).(*array.Int32)
		isKeys     = rec.Column(colIsKey).(*array.Boolean)
		dtypes     = rec.Column(colDType).(*array.String)
		shapes     = rec.Column(colShape).(*array.List)
		shapeVals  = shapes.ListValues().(*array.Int64)
		rawBytes   = rec.Column(colRawBytes).(*array.Int64)
		compressed = rec.Column(colCompressed).(*array.Boolean)
		payloads   = rec.Column(colPayload).(*array.Binary)
	)

	for i := 0; i < int(rec.NumRows()); i++ {
		key := BlockKey{Seq: int(seqs.Value(i)), Layer: int(layers.Value(i)), Block: int(blocks.Value(i)), IsKey: isKeys.Value(i)}
		dt, err := device.ParseDType(dtypes.Value(i))
		if err != nil {
			return i, fmt.Errorf("offload: block %s: %w", key, err)
		}
		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(shapeVals.Value(int(j))))
		}
		raw := int(rawBytes.Value(i))
		if want := device.NumElements(shape) * dt.Size(); raw != want {
			return i, fmt.Errorf("offload: block %s claims %d bytes, want %d for %v %v", key, raw, want, dt, shape)
		}
		payload := slices.Clone(payloads.Value(i))
		if !compressed.Value(i) && len(payload) != raw {
			return i, fmt.Errorf("offload: block %s payload is %d bytes, want %d", key, len(payload), raw)
		}
		err = s.insert(&entry{
			meta: BlockMeta{
				Key:        key,
				DType:      dt,
				Shape:      shape,
				RawBytes:   raw,
				Compressed: compressed.Value(i),
				StoredAt:   time.Now(),
			},
			payload: payload,
		})
		if err != nil {
			return i, err
		}
	}
	return int(rec.NumRows()), nil
}

// WriteSnapshot writes every stored block to w as an Arrow IPC stream.
func (s *Store) WriteSnapshot(w io.Writer) error {
	keys := s.Keys()
	iw := ipc.NewWriter(w, ipc.WithSchema(Schema))
	for len(keys) > 0 {
		n := min(len(keys), snapshotBatchRows)
		rec, err := s.Record(memory.DefaultAllocator, keys[:n])
		if err != nil {
			iw.Close()
			return err
		}
		err = iw.Write(rec)
		rec.Release()
		if err != nil {
			iw.Close()
			return fmt.Errorf("offload: write snapshot: %w", err)
		}
		keys = keys[n:]
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("offload: close snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads blocks written by WriteSnapshot and returns how many
// were stored.
func (s *Store) ReadSnapshot(r io.Reader) (int, error) {
	rdr, err := ipc.NewReader(r, ipc.WithSchema(Schema))
	if err != nil {
		return 0, fmt.Errorf("offload: open snapshot: %w", err)
	}
	defer rdr.Release()

	var total int
	for rdr.Next() {
		n, err := s.Ingest(rdr.Record())
		total += n
		if err != nil {
			return total, err
		}
	}
	if err := rdr.Err(); err != nil {
		return total, fmt.Errorf("offload: read snapshot: %w", err)
	}
	logger.Log.Info("Loaded offload snapshot", "blocks", total)
	return total, nil
}
