package planner

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/srosenberg/datakernel-sub002/internal/aggindex"
	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/chunk/memory"
	"github.com/srosenberg/datakernel-sub002/internal/keytype"
	"github.com/srosenberg/datakernel-sub002/internal/measure"
	"github.com/srosenberg/datakernel-sub002/internal/reducer"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
	"github.com/srosenberg/datakernel-sub002/internal/writer"
)

// rig wires one aggregation's schema, boundary stores, and writer, and
// tracks an AggregationIndex kept in sync the way a Runner would.
type rig struct {
	sch   *schema.Schema
	store chunk.Store
	meta  chunk.MetadataStore
	cache *reducer.Cache
	w     *writer.Writer
	index *aggindex.Index
}

func newRig(t *testing.T, id string, dims []schema.Dimension) *rig {
	t.Helper()
	sch, err := schema.New(id, dims, []schema.Measure{
		{Name: "hits", Type: measure.NewSum(measure.KindInt64)},
	})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	store := memory.NewStore(memory.Config{})
	meta := memory.NewMetadataStore(memory.Config{})
	cache := reducer.NewCache()
	w, err := writer.New(writer.Config{
		Schema:         sch,
		ChunkStore:     store,
		MetadataStore:  meta,
		ReducerCache:   cache,
		SpillThreshold: 1000,
	})
	if err != nil {
		t.Fatalf("writer.New: %v", err)
	}
	return &rig{sch: sch, store: store, meta: meta, cache: cache, w: w, index: aggindex.New()}
}

func (r *rig) ingest(t *testing.T, records ...writer.RawRecord) {
	t.Helper()
	ch := make(chan writer.RawRecord, len(records))
	for _, rec := range records {
		ch <- rec
	}
	close(ch)
	_, created, err := r.w.Ingest(context.Background(), ch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	r.index.Apply(created, nil)
}

func (r *rig) candidate(domainSize map[string]int64) *Candidate {
	return &Candidate{
		Schema:        r.sch,
		SchemaVersion: "v1",
		Index:         r.index,
		ChunkStore:    r.store,
		ReducerCache:  r.cache,
		DomainSize:    domainSize,
	}
}

// =============================================================================
// Cost-based selection (spec §4.5 steps 1-3)
// =============================================================================

func TestSelectsLowerCostCandidateWhenEqualityLeadsItsKeyOrder(t *testing.T) {
	p := New()

	bySite := newRig(t, "by_site_day", []schema.Dimension{
		{Name: "siteId", Type: keytype.Int32},
		{Name: "day", Type: keytype.Int32},
	})
	if err := p.Register(bySite.candidate(map[string]int64{"siteId": 100, "day": 365})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	byDay := newRig(t, "by_day_site", []schema.Dimension{
		{Name: "day", Type: keytype.Int32},
		{Name: "siteId", Type: keytype.Int32},
	})
	if err := p.Register(byDay.candidate(map[string]int64{"day": 365, "siteId": 100})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	q := Query{
		Dimensions: []string{"day"},
		Measures:   []string{"hits"},
		Predicate:  Eq{Dim: "day", Value: int64(5)},
	}
	plan, err := p.Explain(q)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if plan.AggregationID != "by_day_site" {
		t.Fatalf("chosen aggregation = %s, want by_day_site (day leads its key order)", plan.AggregationID)
	}
	if plan.Cost != 100 {
		t.Fatalf("cost = %v, want 100 (365*100/365)", plan.Cost)
	}
}

func TestTieBreaksByAggregationID(t *testing.T) {
	p := New()
	a := newRig(t, "zzz_agg", []schema.Dimension{{Name: "siteId", Type: keytype.Int32}})
	b := newRig(t, "aaa_agg", []schema.Dimension{{Name: "siteId", Type: keytype.Int32}})
	if err := p.Register(a.candidate(map[string]int64{"siteId": 100})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := p.Register(b.candidate(map[string]int64{"siteId": 100})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	plan, err := p.Explain(Query{Dimensions: []string{"siteId"}, Measures: []string{"hits"}})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if plan.AggregationID != "aaa_agg" {
		t.Fatalf("chosen aggregation = %s, want aaa_agg (stable tie-break)", plan.AggregationID)
	}
}

func TestExplainErrorsWhenNoCandidateCoversQuery(t *testing.T) {
	p := New()
	r := newRig(t, "agg", []schema.Dimension{{Name: "siteId", Type: keytype.Int32}})
	if err := p.Register(r.candidate(map[string]int64{"siteId": 100})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := p.Explain(Query{Dimensions: []string{"country"}, Measures: []string{"hits"}})
	if err == nil {
		t.Fatal("expected an error selecting a candidate for an uncovered dimension")
	}
}

func TestRegisterRejectsMissingDomainSize(t *testing.T) {
	p := New()
	r := newRig(t, "agg", []schema.Dimension{
		{Name: "siteId", Type: keytype.Int32},
		{Name: "day", Type: keytype.Int32},
	})
	err := p.Register(r.candidate(map[string]int64{"siteId": 100}))
	if err == nil {
		t.Fatal("expected Register to reject a candidate missing a dimension's DomainSize")
	}
}

func TestRegisterRejectsDuplicateAggregationID(t *testing.T) {
	p := New()
	r := newRig(t, "agg", []schema.Dimension{{Name: "siteId", Type: keytype.Int32}})
	c := r.candidate(map[string]int64{"siteId": 100})
	if err := p.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := p.Register(c); err == nil {
		t.Fatal("expected Register to reject a duplicate aggregation id")
	}
}

// =============================================================================
// Chunk selection via AggregationIndex.ChunksCovering
// =============================================================================

func TestExplainSelectsOnlyChunksCoveringEqualityPrefix(t *testing.T) {
	p := New()
	r := newRig(t, "by_day_site", []schema.Dimension{
		{Name: "day", Type: keytype.Int32},
		{Name: "siteId", Type: keytype.Int32},
	})
	r.ingest(t, writer.RawRecord{DimValues: []any{int64(1), int64(1)}, MeasureVals: []any{int64(10)}})
	r.ingest(t, writer.RawRecord{DimValues: []any{int64(2), int64(1)}, MeasureVals: []any{int64(20)}})
	r.ingest(t, writer.RawRecord{DimValues: []any{int64(3), int64(1)}, MeasureVals: []any{int64(30)}})

	if err := p.Register(r.candidate(map[string]int64{"day": 365, "siteId": 100})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	plan, err := p.Explain(Query{
		Dimensions: []string{"day"},
		Measures:   []string{"hits"},
		Predicate:  Eq{Dim: "day", Value: int64(2)},
	})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if plan.TotalChunks != 1 {
		t.Fatalf("selected %d chunks, want 1 (only day=2's chunk)", plan.TotalChunks)
	}
}

// =============================================================================
// End-to-end Open: direct path (SelectedDims already a key-order prefix)
// =============================================================================

func TestOpenDirectPathProducesReducedRows(t *testing.T) {
	p := New()
	r := newRig(t, "by_site_day", []schema.Dimension{
		{Name: "siteId", Type: keytype.Int32},
		{Name: "day", Type: keytype.Int32},
	})
	r.ingest(t,
		writer.RawRecord{DimValues: []any{int64(1), int64(1)}, MeasureVals: []any{int64(3)}},
		writer.RawRecord{DimValues: []any{int64(1), int64(2)}, MeasureVals: []any{int64(4)}},
		writer.RawRecord{DimValues: []any{int64(2), int64(1)}, MeasureVals: []any{int64(5)}},
	)
	if err := p.Register(r.candidate(map[string]int64{"siteId": 100, "day": 365})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rows, plan, err := p.Open(context.Background(), Query{
		Dimensions: []string{"siteId"},
		Measures:   []string{"hits"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rows.Close()
	if plan.PostSortRequired {
		t.Fatal("PostSortRequired should be false: siteId is the leading dimension")
	}

	got := map[int64]int64{}
	for {
		rec, err := rows.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got[rec.DimValues[0].(int64)] = rec.Values[0].(int64)
	}
	if got[1] != 7 || got[2] != 5 {
		t.Fatalf("rows = %v, want {1:7, 2:5}", got)
	}
}

// =============================================================================
// End-to-end Open: post-sort path (SelectedDims not a key-order prefix)
// =============================================================================

func TestOpenPostSortPathRegroupsAcrossLeadingDimension(t *testing.T) {
	p := New()
	r := newRig(t, "by_day_site", []schema.Dimension{
		{Name: "day", Type: keytype.Int32},
		{Name: "siteId", Type: keytype.Int32},
	})
	// Same siteId appears under two different days; a query projecting onto
	// siteId alone (not the leading dimension) must fold both days together.
	r.ingest(t,
		writer.RawRecord{DimValues: []any{int64(1), int64(9)}, MeasureVals: []any{int64(3)}},
		writer.RawRecord{DimValues: []any{int64(2), int64(9)}, MeasureVals: []any{int64(4)}},
		writer.RawRecord{DimValues: []any{int64(1), int64(8)}, MeasureVals: []any{int64(100)}},
	)
	if err := p.Register(r.candidate(map[string]int64{"day": 365, "siteId": 100})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rows, plan, err := p.Open(context.Background(), Query{
		Dimensions: []string{"siteId"},
		Measures:   []string{"hits"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rows.Close()
	if !plan.PostSortRequired {
		t.Fatal("PostSortRequired should be true: siteId is not the leading dimension")
	}

	got := map[int64]int64{}
	for {
		rec, err := rows.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got[rec.DimValues[0].(int64)] = rec.Values[0].(int64)
	}
	if got[9] != 7 {
		t.Fatalf("siteId 9 total = %v, want 7 (3+4 folded across days)", got[9])
	}
	if got[8] != 100 {
		t.Fatalf("siteId 8 total = %v, want 100", got[8])
	}
}

func TestOpenPostSortPathAppliesPredicateAfterRegrouping(t *testing.T) {
	p := New()
	r := newRig(t, "by_day_site", []schema.Dimension{
		{Name: "day", Type: keytype.Int32},
		{Name: "siteId", Type: keytype.Int32},
	})
	// siteId 9 folds across two days; siteId 8 appears under one. A
	// predicate on the projected dimension must still apply once the
	// post-sort path has regrouped, or siteId 8 would leak through even
	// though it doesn't satisfy the filter.
	r.ingest(t,
		writer.RawRecord{DimValues: []any{int64(1), int64(9)}, MeasureVals: []any{int64(3)}},
		writer.RawRecord{DimValues: []any{int64(2), int64(9)}, MeasureVals: []any{int64(4)}},
		writer.RawRecord{DimValues: []any{int64(1), int64(8)}, MeasureVals: []any{int64(100)}},
	)
	if err := p.Register(r.candidate(map[string]int64{"day": 365, "siteId": 100})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rows, plan, err := p.Open(context.Background(), Query{
		Dimensions: []string{"siteId"},
		Measures:   []string{"hits"},
		Predicate:  Eq{Dim: "siteId", Value: int64(9)},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rows.Close()
	if !plan.PostSortRequired {
		t.Fatal("PostSortRequired should be true: siteId is not the leading dimension")
	}

	got := map[int64]int64{}
	for {
		rec, err := rows.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got[rec.DimValues[0].(int64)] = rec.Values[0].(int64)
	}
	if _, ok := got[8]; ok {
		t.Fatalf("siteId 8 should have been filtered by the predicate, got rows: %v", got)
	}
	if got[9] != 7 {
		t.Fatalf("siteId 9 total = %v, want 7 (3+4 folded across days, passes predicate)", got[9])
	}
}

// =============================================================================
// Predicate filtering on the Merge reader's post-filter path
// =============================================================================

func TestOpenAppliesRangePredicateAfterReduction(t *testing.T) {
	p := New()
	r := newRig(t, "by_day", []schema.Dimension{{Name: "day", Type: keytype.Int32}})
	r.ingest(t,
		writer.RawRecord{DimValues: []any{int64(1)}, MeasureVals: []any{int64(1)}},
		writer.RawRecord{DimValues: []any{int64(5)}, MeasureVals: []any{int64(5)}},
		writer.RawRecord{DimValues: []any{int64(9)}, MeasureVals: []any{int64(9)}},
	)
	if err := p.Register(r.candidate(map[string]int64{"day": 365})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rows, _, err := p.Open(context.Background(), Query{
		Dimensions: []string{"day"},
		Measures:   []string{"hits"},
		Predicate:  Range{Dim: "day", Lo: int64(2), Hi: int64(9), LoInclusive: true, HiInclusive: false},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rows.Close()

	var days []int64
	for {
		rec, err := rows.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		days = append(days, rec.DimValues[0].(int64))
	}
	if len(days) != 1 || days[0] != 5 {
		t.Fatalf("days = %v, want [5]", days)
	}
}
