// Package memory provides in-memory reference implementations of
// chunk.Store and chunk.MetadataStore. These exist only as a reference
// harness for tests and the aggctl CLI demo — spec §1 places the real
// chunk blob store and metadata store out of scope as external
// collaborators. Shape (mutex-guarded state, injected Config.Logger,
// scoped component logger) is grounded on the teacher's
// internal/chunk/memory.Manager.
package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/logging"
)

// Config configures a Store.
type Config struct {
	// Logger scopes structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store is an in-memory chunk.Store: chunk bytes live in a map keyed by
// chunk.ID for the process lifetime.
type Store struct {
	mu     sync.RWMutex
	bytes  map[chunk.ID][]chunk.Record
	logger *slog.Logger
}

// NewStore constructs an in-memory chunk.Store.
func NewStore(cfg Config) *Store {
	return &Store{
		bytes:  make(map[chunk.ID][]chunk.Record),
		logger: logging.Default(cfg.Logger).With("component", "chunk-store", "type", "memory"),
	}
}

type memWriter struct {
	store *Store
	id    chunk.ID
	buf   []chunk.Record
}

func (w *memWriter) Write(ctx context.Context, rec chunk.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	key := make([]byte, len(rec.Key))
	copy(key, rec.Key)
	cp := chunk.Record{Key: key, MeasureBytes: copyMeasureBytes(rec.MeasureBytes)}
	w.buf = append(w.buf, cp)
	return nil
}

func (w *memWriter) Close(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.bytes[w.id] = w.buf
	w.store.logger.Debug("chunk sealed", "chunk_id", uint64(w.id), "record_count", len(w.buf))
	return nil
}

func copyMeasureBytes(src [][]byte) [][]byte {
	out := make([][]byte, len(src))
	for i, b := range src {
		cp := make([]byte, len(b))
		copy(cp, b)
		out[i] = cp
	}
	return out
}

// Writer implements chunk.Store.
func (s *Store) Writer(ctx context.Context, id chunk.ID) (chunk.Writer, error) {
	return &memWriter{store: s, id: id}, nil
}

type memReader struct {
	records []chunk.Record
	pos     int
}

func (r *memReader) Next(ctx context.Context) (chunk.Record, error) {
	select {
	case <-ctx.Done():
		return chunk.Record{}, ctx.Err()
	default:
	}
	if r.pos >= len(r.records) {
		return chunk.Record{}, io.EOF
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, nil
}

func (r *memReader) Close() error { return nil }

// Reader implements chunk.Store.
func (s *Store) Reader(ctx context.Context, id chunk.ID) (chunk.Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.bytes[id]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d", chunk.ErrChunkNotFound, id)
	}
	return &memReader{records: records}, nil
}

// Delete implements chunk.Store.
func (s *Store) Delete(ctx context.Context, id chunk.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bytes, id)
	return nil
}
