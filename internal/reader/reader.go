// Package reader implements the Merge reader (spec §4.4): a k-way heap
// merge over a set of already-open chunk readers. Records sharing a
// dimension prefix K are grouped and folded through a MergeReducer bound to
// SourceAggregated, then filtered by an optional predicate and
// offset/limit. The min-heap-over-cursors shape is grounded on the
// teacher's internal/query/merge.go mergeHeap/cursorEntry, generalized from
// a single IngestTS ordering key to a PrimaryKey-prefix ordering key and
// from "yield the record" to "reduce the group".
package reader

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/srosenberg/datakernel-sub002/internal/blobcodec"
	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
	"github.com/srosenberg/datakernel-sub002/internal/reducer"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
)

// Predicate filters a reduced, finalized output record. Returning false
// drops the record from the merged stream (spec §4.4: "apply post-predicate
// on the reduced output record").
type Predicate func(dimValues []any, values []any) bool

// Config configures a Reader.
type Config struct {
	Schema        *schema.Schema
	SchemaVersion string
	ReducerCache  *reducer.Cache

	// Sources is the ordered list of already-open chunk readers to merge.
	// Order only matters as a deterministic tie-break between readers whose
	// current records share the same K-projection.
	Sources []chunk.Reader

	// SelectedDims is K from spec §4.4: must be a prefix of the schema's
	// dimension order.
	SelectedDims     []string
	SelectedMeasures []string

	Predicate Predicate
	Limit     int // 0 = unlimited
	Offset    int
}

// Record is one reduced, finalized output row.
type Record struct {
	DimValues []any
	Values    []any // one per SelectedMeasures, in that order
}

type cursorEntry struct {
	srcIdx    int
	rec       chunk.Record
	prefixKey pkey.Key
}

// cursorHeap is a min-heap of cursorEntry ordered by (K-projected
// PrimaryKey, source index) — the source index is a deterministic
// tie-break among readers currently positioned at equal K-prefixes.
type cursorHeap []*cursorEntry

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := pkey.Compare(h[i].prefixKey, h[j].prefixKey); c != 0 {
		return c < 0
	}
	return h[i].srcIdx < h[j].srcIdx
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursorEntry)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Reader is an open Merge reader over Config.Sources. Construct with Open;
// callers must Close it once done to release the underlying chunk readers.
type Reader struct {
	cfg        Config
	mr         *reducer.MergeReducer
	measureIdx []int // index into cfg.Schema.Measures() for each selected measure
	prefixN    int   // len(SelectedDims)
	h          cursorHeap
	emitted    int
	skipped    int
	done       bool
}

// Open primes a cursor on every source and returns a ready Reader.
func Open(ctx context.Context, cfg Config) (*Reader, error) {
	if len(cfg.SelectedDims) == 0 {
		return nil, fmt.Errorf("reader: at least one selected dimension is required")
	}
	if !cfg.Schema.IsKeyPrefix(cfg.SelectedDims) {
		return nil, fmt.Errorf("reader: selected dims %v are not a prefix of schema %s's key order", cfg.SelectedDims, cfg.Schema.ID())
	}
	measureIdx := make([]int, len(cfg.SelectedMeasures))
	for i, name := range cfg.SelectedMeasures {
		mi := cfg.Schema.MeasureIndex(name)
		if mi < 0 {
			return nil, fmt.Errorf("reader: %w: %s", chunk.ErrUnknownMeasure, name)
		}
		measureIdx[i] = mi
	}

	mr, err := cfg.ReducerCache.Get(ctx, cfg.SchemaVersion, cfg.Schema, cfg.SelectedDims, cfg.SelectedMeasures, reducer.SourceAggregated)
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}

	r := &Reader{
		cfg:        cfg,
		mr:         mr,
		measureIdx: measureIdx,
		prefixN:    len(cfg.SelectedDims),
	}
	for i, src := range cfg.Sources {
		if err := r.prime(ctx, i, src); err != nil {
			return nil, err
		}
	}
	heap.Init(&r.h)
	return r, nil
}

func (r *Reader) prime(ctx context.Context, idx int, src chunk.Reader) error {
	rec, err := src.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("reader: source %d: %w", idx, err)
	}
	prefix, err := r.cfg.Schema.KeyEncoder().Prefix(rec.Key, r.prefixN)
	if err != nil {
		return fmt.Errorf("reader: source %d: %w", idx, err)
	}
	r.h = append(r.h, &cursorEntry{srcIdx: idx, rec: rec, prefixKey: prefix})
	return nil
}

func (r *Reader) advance(ctx context.Context, e *cursorEntry) error {
	rec, err := r.cfg.Sources[e.srcIdx].Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("reader: source %d: %w", e.srcIdx, err)
	}
	prefix, err := r.cfg.Schema.KeyEncoder().Prefix(rec.Key, r.prefixN)
	if err != nil {
		return fmt.Errorf("reader: source %d: %w", e.srcIdx, err)
	}
	e.rec = rec
	e.prefixKey = prefix
	heap.Push(&r.h, e)
	return nil
}

// onRecord decodes rec into a reducer.InputRecord and folds it into out via
// MergeReducer (out == nil starts a new group).
func (r *Reader) onRecord(out *reducer.OutputRecord, rec chunk.Record) (*reducer.OutputRecord, error) {
	dimValues, err := r.cfg.Schema.KeyEncoder().Decode(rec.Key)
	if err != nil {
		return nil, fmt.Errorf("reader: decode key: %w", err)
	}
	measureVals := make([]any, len(r.measureIdx))
	for i, mi := range r.measureIdx {
		mt := r.cfg.Schema.Measures()[mi].Type
		acc := mt.NewAccumulator()
		if mi >= len(rec.MeasureBytes) {
			return nil, fmt.Errorf("%w: record has %d measure columns, want at least %d", chunk.ErrIntegrityViolation, len(rec.MeasureBytes), mi+1)
		}
		raw, err := blobcodec.Decode(rec.MeasureBytes[mi])
		if err != nil {
			return nil, fmt.Errorf("reader: decode measure %d: %w", mi, err)
		}
		if err := acc.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("reader: decode measure %d: %w", mi, err)
		}
		measureVals[i] = acc
	}
	in := reducer.InputRecord{DimValues: dimValues, MeasureVals: measureVals}
	if out == nil {
		return r.mr.OnFirstRecord(in)
	}
	if err := r.mr.OnNextRecord(out, in); err != nil {
		return nil, err
	}
	return out, nil
}

// nextGroup pops and reduces the next equal-K-prefix group of records into
// one unfinalized OutputRecord, or returns io.EOF once every source is
// drained. It does not apply Predicate/Offset/Limit — those operate on
// finalized values and belong to Next.
func (r *Reader) nextGroup(ctx context.Context) (*reducer.OutputRecord, error) {
	if r.h.Len() == 0 {
		return nil, io.EOF
	}

	head := heap.Pop(&r.h).(*cursorEntry)
	groupPrefix := head.prefixKey
	out, err := r.onRecord(nil, head.rec)
	if err != nil {
		return nil, err
	}
	if err := r.advance(ctx, head); err != nil {
		return nil, err
	}

	for r.h.Len() > 0 && pkey.Equal(r.h[0].prefixKey, groupPrefix) {
		next := heap.Pop(&r.h).(*cursorEntry)
		if out, err = r.onRecord(out, next.rec); err != nil {
			return nil, err
		}
		if err := r.advance(ctx, next); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// NextAccumulators returns the next reduced group's OutputRecord without
// finalizing its accumulators — used by the consolidation executor (spec
// §4.6), which re-chunks merged accumulators rather than their finalized
// values, since finalize is lossy for measures like hyperloglog.
func (r *Reader) NextAccumulators(ctx context.Context) (*reducer.OutputRecord, error) {
	if r.done {
		return nil, io.EOF
	}
	out, err := r.nextGroup(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
		}
		return nil, err
	}
	return out, nil
}

// Next returns the next reduced, finalized, predicate-passing record, or
// io.EOF once every source is drained or the configured limit is reached
// (spec §4.4). Any underlying reader error aborts the merge.
func (r *Reader) Next(ctx context.Context) (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}
	for {
		if r.cfg.Limit > 0 && r.emitted >= r.cfg.Limit {
			r.done = true
			return Record{}, io.EOF
		}

		out, err := r.nextGroup(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.done = true
			}
			return Record{}, err
		}

		if err := r.mr.Finalize(out); err != nil {
			return Record{}, fmt.Errorf("reader: %w", err)
		}

		rec := Record{DimValues: out.DimValues, Values: out.Finalized}
		if r.cfg.Predicate != nil && !r.cfg.Predicate(rec.DimValues, rec.Values) {
			continue
		}
		if r.skipped < r.cfg.Offset {
			r.skipped++
			continue
		}
		r.emitted++
		return rec, nil
	}
}

// Close releases every underlying chunk reader, returning the first error
// encountered (spec §4.4: readers are closed when exhausted or iteration
// stops, whichever the caller causes first).
func (r *Reader) Close() error {
	var firstErr error
	for _, s := range r.cfg.Sources {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
