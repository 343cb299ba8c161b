// Package offload is the host tier for KV cache blocks evicted from an
// accelerator. Blocks are kept in memory, optionally zstd-compressed, under a
// byte budget. Staged blocks come back to the device through swap_blocks.
package offload

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

var (
	ErrNotFound       = errors.New("offload: block not found")
	ErrBudgetExceeded = errors.New("offload: budget exceeded")
)

// BlockKey identifies one offloaded block: the Block-th logical block of a
// sequence in one layer's key or value cache.
type BlockKey struct {
	Seq   int
	Layer int
	Block int
	IsKey bool
}

func (k BlockKey) String() string {
	kv := "v"
	if k.IsKey {
		kv = "k"
	}
	return fmt.Sprintf("seq%d_L%d_%s_b%d", k.Seq, k.Layer, kv, k.Block)
}

func (k BlockKey) compare(o BlockKey) int {
	switch {
	case k.Seq != o.Seq:
		return k.Seq - o.Seq
	case k.Layer != o.Layer:
		return k.Layer - o.Layer
	case k.IsKey != o.IsKey:
		if k.IsKey {
			return -1
		}
		return 1
	}
	return k.Block - o.Block
}

// BlockMeta describes a stored block.
type BlockMeta struct {
	Key        BlockKey
	DType      device.DType
	Shape      []int // shape of one block
	RawBytes   int
	Compressed bool
	StoredAt   time.Time
}

type entry struct {
	meta    BlockMeta
	payload []byte
}

type Config struct {
	BudgetBytes int64 // 0 means unlimited
	Compress    bool
}

// FromConfig picks the offload settings out of the process config.
func FromConfig(c config.Config) Config {
	return Config{BudgetBytes: c.OffloadBudgetBytes, Compress: c.OffloadCompress}
}

// Store holds offloaded blocks. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	blocks  map[BlockKey]*entry
	budget  int64
	raw     int64
	stored  int64
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func New(cfg Config) (*Store, error) {
	if cfg.BudgetBytes < 0 {
		return nil, fmt.Errorf("offload: invalid budget %d (must be non-negative)", cfg.BudgetBytes)
	}
	s := &Store{blocks: make(map[BlockKey]*entry), budget: cfg.BudgetBytes}
	// Blocks ingested from a peer may be compressed even when this store is not.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("offload: create zstd decoder: %w", err)
	}
	s.decoder = dec
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("offload: create zstd encoder: %w", err)
		}
		s.encoder = enc
	}
	return s, nil
}

// Put stores one block, replacing any block under the same key.
func (s *Store) Put(key BlockKey, dt device.DType, shape []int, data []byte) error {
	if want := device.NumElements(shape) * dt.Size(); len(data) != want {
		return fmt.Errorf("offload: block %s is %d bytes, want %d for %v %v", key, len(data), want, dt, shape)
	}
	payload, compressed := data, false
	if s.encoder != nil {
		payload, compressed = s.encoder.EncodeAll(data, nil), true
	} else {
		payload = slices.Clone(data)
	}
	return s.insert(&entry{
		meta: BlockMeta{
			Key:        key,
			DType:      dt,
			Shape:      slices.Clone(shape),
			RawBytes:   len(data),
			Compressed: compressed,
			StoredAt:   time.Now(),
		},
		payload: payload,
	})
}

// insert adds an entry whose payload is already in stored form.
func (s *Store) insert(e *entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.stored + int64(len(e.payload))
	raw := s.raw + int64(e.meta.RawBytes)
	if old, ok := s.blocks[e.meta.Key]; ok {
		stored -= int64(len(old.payload))
		raw -= int64(old.meta.RawBytes)
	}
	if s.budget > 0 && stored > s.budget {
		return fmt.Errorf("%w: storing %s needs %d bytes, budget %d", ErrBudgetExceeded, e.meta.Key, stored, s.budget)
	}
	s.blocks[e.meta.Key] = e
	s.stored, s.raw = stored, raw
	metrics.RecordOffloadBytes(s.raw, s.stored)
	return nil
}

// Get returns the decompressed bytes of a block.
func (s *Store) Get(key BlockKey) ([]byte, BlockMeta, error) {
	s.mu.RLock()
	e, ok := s.blocks[key]
	s.mu.RUnlock()
	if !ok {
		return nil, BlockMeta{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !e.meta.Compressed {
		return e.payload, e.meta, nil
	}
	data, err := s.decoder.DecodeAll(e.payload, make([]byte, 0, e.meta.RawBytes))
	if err != nil {
		return nil, BlockMeta{}, fmt.Errorf("offload: decompress block %s: %w", key, err)
	}
	if len(data) != e.meta.RawBytes {
		return nil, BlockMeta{}, fmt.Errorf("offload: block %s decompressed to %d bytes, want %d", key, len(data), e.meta.RawBytes)
	}
	return data, e.meta, nil
}

func (s *Store) Has(key BlockKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[key]
	return ok
}

// Delete drops a block and reports whether it was present.
func (s *Store) Delete(key BlockKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

func (s *Store) deleteLocked(key BlockKey) bool {
	e, ok := s.blocks[key]
	if !ok {
		return false
	}
	delete(s.blocks, key)
	s.stored -= int64(len(e.payload))
	s.raw -= int64(e.meta.RawBytes)
	metrics.RecordOffloadBytes(s.raw, s.stored)
	return true
}

// RemoveSeq drops every block of a sequence and returns how many there were.
func (s *Store) RemoveSeq(seq int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for key := range s.blocks {
		if key.Seq == seq && s.deleteLocked(key) {
			removed++
		}
	}
	return removed
}

// Keys returns the stored keys ordered by sequence, layer, key before
// value, then block.
func (s *Store) Keys() []BlockKey {
	s.mu.RLock()
	keys := make([]BlockKey, 0, len(s.blocks))
	for k := range s.blocks {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.SortFunc(keys, BlockKey.compare)
	return keys
}

type Stats struct {
	Blocks      int   `json:"blocks"`
	RawBytes    int64 `json:"raw_bytes"`
	StoredBytes int64 `json:"stored_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Blocks: len(s.blocks), RawBytes: s.raw, StoredBytes: s.stored, BudgetBytes: s.budget}
}

// Close releases the codecs. The store must not be used afterwards.
func (s *Store) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
	}
	s.decoder.Close()
	return nil
}
