// Package writer implements the sort-merge writer (spec §4.3): it drains an
// input record stream into bounded in-memory runs, sorts each run by
// PrimaryKey, collapses duplicate keys via the schema's measures'
// reduce_accs, optionally partitions each run by a key prefix, and emits
// one chunk per partition through chunk.Store before publishing a single
// revision through chunk.MetadataStore. Overlapping one run's ChunkStore
// flush with the next run's sort/reduce is grounded on the teacher's
// internal/index/build.go errgroup fan-out.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/srosenberg/datakernel-sub002/internal/blobcodec"
	"github.com/srosenberg/datakernel-sub002/internal/bufpool"
	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/logging"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
	"github.com/srosenberg/datakernel-sub002/internal/reducer"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
	"github.com/srosenberg/datakernel-sub002/internal/stream"
)

// defaultCompressionThreshold is the default measure-blob size at or above which
// IngestReduced/processRun spill-compresses a measure value (spec §9
// expansion). Fixed-size accumulators (sum/min/max/count) never reach this;
// it exists for set_union/hyperloglog, whose serialized size grows with
// cardinality.
const defaultCompressionThreshold = 256

// reducedRow is one post-reduce group within a run, still tagged with its
// full PrimaryKey for sorting/partitioning before it becomes a chunk.Record.
type reducedRow struct {
	out *reducer.OutputRecord
}

// RawRecord is one input row to the writer: a full dimension tuple and one
// raw value per measure, in schema order.
type RawRecord struct {
	DimValues   []any
	MeasureVals []any
}

// Config configures a Writer.
type Config struct {
	Schema        *schema.Schema
	ChunkStore    chunk.Store
	MetadataStore chunk.MetadataStore
	ReducerCache  *reducer.Cache

	// SpillThreshold is T from spec §4.3: the maximum number of records
	// buffered per run before it is sorted, reduced, and emitted.
	SpillThreshold int

	// PartitionPrefix, if non-empty, is the key prefix P (spec §4.3) each
	// run is split on: one chunk per distinct P-prefix value within a run.
	// Must be a schema key prefix.
	PartitionPrefix []string

	// CompressionThreshold is the measure-blob size, in bytes, at or above which
	// a value is zstd-compressed before being handed to ChunkStore (spec §9
	// expansion: oversized set_union/hyperloglog accumulator spill). 0 uses
	// defaultCompressionThreshold.
	CompressionThreshold int

	Now    func() time.Time
	Logger *slog.Logger
}

// Writer is a sort-merge writer bound to one schema and pair of boundary
// stores (spec §4.3).
type Writer struct {
	cfg        Config
	keyEncoder *pkey.Encoder
	partLen    int // len(PartitionPrefix), 0 if no partitioning
	keyPool    *bufpool.Pool
	logger     *slog.Logger
}

// New constructs a Writer. Config.Schema's ID identifies the aggregation
// whose chunks this Writer produces (used in chunk.Meta.AggregationID and
// MetadataStore.LoadLive).
func New(cfg Config) (*Writer, error) {
	if cfg.SpillThreshold <= 0 {
		return nil, fmt.Errorf("writer: SpillThreshold must be positive, got %d", cfg.SpillThreshold)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = defaultCompressionThreshold
	}
	if cfg.PartitionPrefix != nil && !cfg.Schema.IsKeyPrefix(cfg.PartitionPrefix) {
		return nil, fmt.Errorf("writer: partition prefix %v is not a schema key prefix", cfg.PartitionPrefix)
	}
	keyEncoder := cfg.Schema.KeyEncoder()
	return &Writer{
		cfg:        cfg,
		keyEncoder: keyEncoder,
		partLen:    len(cfg.PartitionPrefix),
		keyPool:    bufpool.New(keyEncoder.Width()),
		logger:     logging.Default(cfg.Logger).With("component", "sort-merge-writer", "aggregation", cfg.Schema.ID()),
	}, nil
}

// Ingest drains records to completion, producing zero or more chunks and
// publishing them in a single revision (spec §4.3's data flow). Returns the
// published revision (0 if no chunks were produced — an empty ingest makes
// no revision change, per spec §8's boundary case) and the created metas.
//
// Any chunk.Store failure fails the overall ingest; chunk ids allocated for
// runs that never completed writing are simply never published, so they
// are garbage from the index's perspective (spec §4.3).
func (w *Writer) Ingest(ctx context.Context, records <-chan RawRecord) (chunk.Revision, []chunk.Meta, error) {
	measureNames := make([]string, len(w.cfg.Schema.Measures()))
	for i, m := range w.cfg.Schema.Measures() {
		measureNames[i] = m.Name
	}
	dimNames := make([]string, len(w.cfg.Schema.Dimensions()))
	for i, d := range w.cfg.Schema.Dimensions() {
		dimNames[i] = d.Name
	}

	mr, err := w.cfg.ReducerCache.Get(ctx, w.cfg.Schema.ID(), w.cfg.Schema, dimNames, measureNames, reducer.SourceRaw)
	if err != nil {
		return 0, nil, fmt.Errorf("writer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	var createdMu sync.Mutex
	var created []chunk.Meta

	// gate implements suspension point (c), "between sorted-run boundaries
	// in the writer" (spec §5): the producer only buffers one run ahead of
	// the previous run's CPU-bound sort/reduce stage. processRun reopens the
	// gate as soon as that stage finishes, so the next run's buffering
	// overlaps with this run's ChunkStore flush rather than its sort.
	gate := stream.NewGate()
	buf := make([]RawRecord, 0, w.cfg.SpillThreshold)
	flush := func(run []RawRecord) {
		g.Go(func() error {
			metas, err := w.processRun(gctx, mr, run, gate)
			if err != nil {
				return err
			}
			createdMu.Lock()
			created = append(created, metas...)
			createdMu.Unlock()
			return nil
		})
	}

drain:
	for {
		select {
		case <-ctx.Done():
			return 0, nil, fmt.Errorf("%w: %v", chunk.ErrCancelled, ctx.Err())
		case rec, ok := <-records:
			if !ok {
				break drain
			}
			buf = append(buf, rec)
			if len(buf) >= w.cfg.SpillThreshold {
				if err := gate.Wait(ctx); err != nil {
					return 0, nil, fmt.Errorf("%w: %v", chunk.ErrCancelled, err)
				}
				flush(buf)
				buf = make([]RawRecord, 0, w.cfg.SpillThreshold)
			}
		}
	}
	if len(buf) > 0 {
		flush(buf)
	}

	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	if len(created) == 0 {
		return 0, nil, nil
	}

	rev, err := w.cfg.MetadataStore.BeginRevision(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("writer: begin revision: %w", err)
	}
	if err := w.cfg.MetadataStore.Publish(ctx, rev, created, nil); err != nil {
		return 0, nil, fmt.Errorf("writer: publish: %w", err)
	}
	for i := range created {
		created[i].RevisionCreated = rev
	}
	w.logger.Info("ingest published", "revision", uint64(rev), "chunks", len(created))
	return rev, created, nil
}

// IngestReduced writes already-reduced, already-sorted-by-PrimaryKey output
// records — e.g. the consolidation executor's Merge reader output — into
// one or more new chunks, partitioned by PartitionPrefix if set, and
// publishes them in a single revision alongside any retired chunk ids
// (spec §4.6's consolidation output step: "pipe through the Sort-merge
// writer... atomically publish a revision that retires the consumed chunks
// and creates the produced ones"). Unlike Ingest, no sort or measure-combine
// pass is needed: the records are already one-per-group.
func (w *Writer) IngestReduced(ctx context.Context, records []*reducer.OutputRecord, retired []chunk.ID) (chunk.Revision, []chunk.Meta, error) {
	if len(records) == 0 && len(retired) == 0 {
		return 0, nil, nil
	}

	rows := make([]reducedRow, len(records))
	for i, out := range records {
		rows[i] = reducedRow{out: out}
	}
	partitions := w.partitionRuns(rows)

	created := make([]chunk.Meta, 0, len(partitions))
	for _, part := range partitions {
		meta, err := w.writeChunk(ctx, part)
		if err != nil {
			return 0, nil, err
		}
		created = append(created, meta)
	}

	rev, err := w.cfg.MetadataStore.BeginRevision(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("writer: begin revision: %w", err)
	}
	if err := w.cfg.MetadataStore.Publish(ctx, rev, created, retired); err != nil {
		return 0, nil, fmt.Errorf("writer: publish: %w", err)
	}
	for i := range created {
		created[i].RevisionCreated = rev
	}
	w.logger.Info("consolidation published", "revision", uint64(rev), "created", len(created), "retired", len(retired))
	return rev, created, nil
}

// processRun sorts one run by PrimaryKey, reduces consecutive duplicates,
// partitions by PartitionPrefix if set, and writes each partition as a new
// chunk (spec §4.3).
func (w *Writer) processRun(ctx context.Context, mr *reducer.MergeReducer, run []RawRecord, gate *stream.Gate) ([]chunk.Meta, error) {
	type keyed struct {
		key pkey.Key
		rec RawRecord
	}
	// Each record's key is staged in a pooled scratch buffer and copied out
	// only once encoding succeeds (spec §5: "pooled fixed-size byte buffers
	// with reference-count recycling; the last holder recycles"), rather
	// than allocating one key-sized slice per record up front.
	rows := make([]keyed, len(run))
	for i, rec := range run {
		scratch := w.keyPool.Acquire()
		if err := w.keyEncoder.EncodeInto(scratch.B, rec.DimValues); err != nil {
			scratch.Release()
			return nil, fmt.Errorf("%w: %v", chunk.ErrSchemaMismatch, err)
		}
		k := make(pkey.Key, len(scratch.B))
		copy(k, scratch.B)
		scratch.Release()
		rows[i] = keyed{key: k, rec: rec}
	}
	sort.Slice(rows, func(i, j int) bool { return pkey.Compare(rows[i].key, rows[j].key) < 0 })

	var reduced []reducedRow
	for _, row := range rows {
		in := reducer.InputRecord{DimValues: row.rec.DimValues, MeasureVals: row.rec.MeasureVals}
		if len(reduced) > 0 && pkey.Equal(reduced[len(reduced)-1].out.Key, row.key) {
			if err := mr.OnNextRecord(reduced[len(reduced)-1].out, in); err != nil {
				return nil, err
			}
			continue
		}
		out, err := mr.OnFirstRecord(in)
		if err != nil {
			return nil, err
		}
		reduced = append(reduced, reducedRow{out: out})
	}

	// The CPU-bound stage is done; reopen the gate so the producer can start
	// buffering the next run while this one's chunks still flush to
	// ChunkStore below.
	gate.Open()

	if len(reduced) == 0 {
		return nil, nil
	}

	partitions := w.partitionRuns(reduced)

	metas := make([]chunk.Meta, 0, len(partitions))
	for _, part := range partitions {
		meta, err := w.writeChunk(ctx, part)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (w *Writer) partitionRuns(reduced []reducedRow) [][]reducedRow {
	if w.partLen == 0 {
		return [][]reducedRow{reduced}
	}
	var parts [][]reducedRow
	start := 0
	for i := 1; i <= len(reduced); i++ {
		if i == len(reduced) || !samePrefix(reduced[i-1].out.Key, reduced[i].out.Key, w.keyEncoderPrefixWidth()) {
			parts = append(parts, reduced[start:i])
			start = i
		}
	}
	return parts
}

func (w *Writer) keyEncoderPrefixWidth() int {
	width := 0
	for i := 0; i < w.partLen; i++ {
		_, wi := w.keyEncoder.DimOffset(i)
		width += wi
	}
	return width
}

func samePrefix(a, b pkey.Key, n int) bool {
	if len(a) < n || len(b) < n {
		return false
	}
	return pkey.Equal(a[:n], b[:n])
}

func (w *Writer) writeChunk(ctx context.Context, part []reducedRow) (chunk.Meta, error) {
	ids, err := w.cfg.MetadataStore.AllocateChunkIDs(ctx, 1)
	if err != nil {
		return chunk.Meta{}, fmt.Errorf("writer: allocate chunk id: %w", err)
	}
	id := ids[0]

	cw, err := w.cfg.ChunkStore.Writer(ctx, id)
	if err != nil {
		return chunk.Meta{}, fmt.Errorf("%w: %v", chunk.ErrChunkStoreIO, err)
	}

	for _, row := range part {
		if err := writeOutputRecord(ctx, cw, row.out, w.cfg.CompressionThreshold); err != nil {
			return chunk.Meta{}, err
		}
	}
	if err := cw.Close(ctx); err != nil {
		return chunk.Meta{}, fmt.Errorf("%w: %v", chunk.ErrChunkStoreIO, err)
	}

	meta := chunk.Meta{
		ID:            id,
		AggregationID: w.cfg.Schema.ID(),
		MinKey:        part[0].out.Key,
		MaxKey:        part[len(part)-1].out.Key,
		RecordCount:   int64(len(part)),
	}
	if err := meta.Validate(); err != nil {
		return chunk.Meta{}, err
	}
	return meta, nil
}

// writeOutputRecord marshals a reduced record's accumulators, spill-
// compressing blobs at or above threshold, and writes it to an open
// chunk.Writer.
func writeOutputRecord(ctx context.Context, cw chunk.Writer, out *reducer.OutputRecord, threshold int) error {
	measureBytes := make([][]byte, len(out.Accumulators))
	for i, acc := range out.Accumulators {
		b, err := acc.MarshalBinary()
		if err != nil {
			return fmt.Errorf("writer: marshal measure %d: %w", i, err)
		}
		measureBytes[i] = blobcodec.Encode(b, threshold)
	}
	if err := cw.Write(ctx, chunk.Record{Key: out.Key, MeasureBytes: measureBytes}); err != nil {
		return fmt.Errorf("%w: %v", chunk.ErrChunkStoreIO, err)
	}
	return nil
}
