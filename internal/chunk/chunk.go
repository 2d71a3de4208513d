// Package chunk defines Chunk: an immutable, sorted run of records over one
// aggregation's PrimaryKey range (spec §3), plus the ChunkStore and
// MetadataStore boundary interfaces the core consumes (spec §6). Chunk
// lifecycle concepts here (ID allocation, sealing by revision publication,
// append-only bytes) are grounded on the teacher's internal/chunk package,
// generalized from a log-record store to a dimensional measure-record store.
package chunk

import (
	"context"
	"errors"
	"fmt"

	"github.com/srosenberg/datakernel-sub002/internal/pkey"
)

// ID is a chunk's opaque, monotonically assigned identifier (spec §3: "id:
// opaque 64-bit monotonically assigned"). IDs are allocated by
// MetadataStore.AllocateChunkIDs and become visible only once a revision
// publishes them.
type ID uint64

// Revision is an atomically published generation number of the live chunk
// set (spec §3).
type Revision uint64

// Record is one pre-reduced (key, accumulator-set) row as read from or
// written to a chunk's byte stream. MeasureBytes holds each measure's
// codec-produced bytes as its own slice, in the schema's measure order
// (spec §6: "chunk on-disk layout... (key_bytes, measure_bytes)").
type Record struct {
	Key          pkey.Key
	MeasureBytes [][]byte
}

// Meta is a chunk's immutable metadata (spec §3).
type Meta struct {
	ID              ID
	AggregationID   string
	MinKey          pkey.Key
	MaxKey          pkey.Key
	RecordCount     int64
	RevisionCreated Revision
	// RevisionRetired is the revision at which this chunk stopped being
	// live, or 0 if it is still live. 0 is never a valid created revision
	// (revisions start at 1), so it safely doubles as "not yet retired".
	RevisionRetired Revision
}

// Live reports whether m is part of the live chunk set at revision r
// (spec §3: "c.revision_created <= r and (c.revision_retired is null or >
// r)").
func (m Meta) Live(r Revision) bool {
	return m.RevisionCreated <= r && (m.RevisionRetired == 0 || m.RevisionRetired > r)
}

// Validate checks the invariants spec §3 places on a chunk's metadata.
func (m Meta) Validate() error {
	if m.RecordCount < 1 {
		return fmt.Errorf("%w: chunk %d has record_count %d", ErrIntegrityViolation, m.ID, m.RecordCount)
	}
	if pkey.Compare(m.MinKey, m.MaxKey) > 0 {
		return fmt.Errorf("%w: chunk %d min_key > max_key", ErrIntegrityViolation, m.ID)
	}
	return nil
}

// Sentinel error kinds surfaced by the core (spec §7).
var (
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrUnknownDimension   = errors.New("unknown dimension")
	ErrUnknownMeasure     = errors.New("unknown measure")
	ErrChunkStoreIO       = errors.New("chunk store io error")
	ErrRevisionConflict   = errors.New("revision conflict")
	ErrCancelled          = errors.New("cancelled")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrChunkNotFound      = errors.New("chunk not found")
)

// Writer is a stream sink for records being written to one chunk id.
// Durability is confirmed only once Close returns nil (spec §6: "the sink
// returns success only after durability confirmation").
type Writer interface {
	Write(ctx context.Context, rec Record) error
	Close(ctx context.Context) error
}

// Reader is a restartable-from-start stream source over one chunk's
// records, emitted in stored (ascending PrimaryKey) order (spec §6).
type Reader interface {
	// Next returns the next record, or io.EOF when exhausted.
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Store is the content-addressed byte-stream store keyed by chunk id that
// spec §1 places out of scope, specified here only at its interface
// (spec §6).
type Store interface {
	// Writer opens a write sink for a freshly allocated chunk id. Callers
	// must not write to the same chunk id concurrently from two writers.
	Writer(ctx context.Context, id ID) (Writer, error)

	// Reader opens a restartable read source over an already-written
	// chunk's bytes. Any number of readers per chunk id may be open
	// concurrently.
	Reader(ctx context.Context, id ID) (Reader, error)

	// Delete removes a chunk's bytes. Callers must only delete chunks that
	// no live or in-flight revision can still reference (spec §9).
	Delete(ctx context.Context, id ID) error
}

// MetadataStore is the transactional catalogue of chunk lifecycle that
// spec §1 places out of scope, specified here only at its interface
// (spec §6).
type MetadataStore interface {
	// AllocateChunkIDs returns n fresh, never-reused ids.
	AllocateChunkIDs(ctx context.Context, n int) ([]ID, error)

	// BeginRevision starts a write transaction and returns the revision id
	// it will commit as, if Publish succeeds.
	BeginRevision(ctx context.Context) (Revision, error)

	// Publish atomically commits a revision transition: created chunks
	// become live, retired chunk ids stop being live as of rev. Returns
	// ErrRevisionConflict if another publisher advanced the revision past
	// a precondition.
	Publish(ctx context.Context, rev Revision, created []Meta, retired []ID) error

	// LoadLive loads the live chunk set at a revision, or the latest
	// revision if rev is 0.
	LoadLive(ctx context.Context, aggregationID string, rev Revision) ([]Meta, error)
}
