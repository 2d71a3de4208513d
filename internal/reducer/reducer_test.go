package reducer

import (
	"context"
	"testing"

	"github.com/srosenberg/datakernel-sub002/internal/keytype"
	"github.com/srosenberg/datakernel-sub002/internal/measure"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("clicks",
		[]schema.Dimension{{Name: "siteId", Type: keytype.Int32}},
		[]schema.Measure{
			{Name: "clicks", Type: measure.NewSum(measure.KindInt64)},
			{Name: "revenue", Type: measure.NewSum(measure.KindFloat64)},
		})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	return s
}

// =============================================================================
// MergeReducer over raw ingest values (Scenario A from spec §8)
// =============================================================================

func TestMergeReducerRawIngestCombinesMeasures(t *testing.T) {
	sch := testSchema(t)
	cache := NewCache()

	mr, err := cache.Get(context.Background(), "v1", sch, []string{"siteId"}, []string{"clicks", "revenue"}, SourceRaw)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	first := InputRecord{DimValues: []any{int64(1)}, MeasureVals: []any{int64(10), 0.5}}
	out, err := mr.OnFirstRecord(first)
	if err != nil {
		t.Fatalf("OnFirstRecord: %v", err)
	}

	next := InputRecord{DimValues: []any{int64(1)}, MeasureVals: []any{int64(3), 0.2}}
	if err := mr.OnNextRecord(out, next); err != nil {
		t.Fatalf("OnNextRecord: %v", err)
	}

	if err := mr.Finalize(out); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Finalized[0].(int64) != 13 {
		t.Fatalf("clicks = %v, want 13", out.Finalized[0])
	}
	if out.Finalized[1].(float64) != 0.7 {
		t.Fatalf("revenue = %v, want 0.7", out.Finalized[1])
	}
}

// =============================================================================
// MergeReducer over pre-aggregated accumulators (merge/consolidation path)
// =============================================================================

func TestMergeReducerAggregatedPathReducesAccumulators(t *testing.T) {
	sch := testSchema(t)
	cache := NewCache()

	mr, err := cache.Get(context.Background(), "v1", sch, []string{"siteId"}, []string{"clicks"}, SourceAggregated)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	sumType := measure.NewSum(measure.KindInt64)
	accA, _ := sumType.InitFromValue(int64(7))
	accB, _ := sumType.InitFromValue(int64(5))

	first := InputRecord{DimValues: []any{int64(1)}, MeasureVals: []any{accA}}
	out, err := mr.OnFirstRecord(first)
	if err != nil {
		t.Fatalf("OnFirstRecord: %v", err)
	}
	next := InputRecord{DimValues: []any{int64(1)}, MeasureVals: []any{accB}}
	if err := mr.OnNextRecord(out, next); err != nil {
		t.Fatalf("OnNextRecord: %v", err)
	}
	if err := mr.Finalize(out); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Finalized[0].(int64) != 12 {
		t.Fatalf("reduced clicks = %v, want 12", out.Finalized[0])
	}
}

// =============================================================================
// Plan cache
// =============================================================================

func TestCacheGetReturnsSamePlanForSameFingerprint(t *testing.T) {
	sch := testSchema(t)
	cache := NewCache()

	a, err := cache.Get(context.Background(), "v1", sch, []string{"siteId"}, []string{"clicks"}, SourceRaw)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := cache.Get(context.Background(), "v1", sch, []string{"siteId"}, []string{"clicks"}, SourceRaw)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Fatal("Cache.Get should return the same compiled plan for an identical fingerprint")
	}
}

func TestCacheGetRejectsNonPrefixDims(t *testing.T) {
	sch, err := schema.New("multidim",
		[]schema.Dimension{
			{Name: "date", Type: keytype.Int32},
			{Name: "site", Type: keytype.Int32},
		},
		[]schema.Measure{{Name: "imp", Type: measure.NewSum(measure.KindInt64)}})
	if err != nil {
		t.Fatalf("schema.New: %v", err)
	}
	cache := NewCache()
	if _, err := cache.Get(context.Background(), "v1", sch, []string{"site"}, []string{"imp"}, SourceRaw); err == nil {
		t.Fatal("Get with non-prefix selected dims should error")
	}
}

func TestCacheGetRejectsUnknownMeasure(t *testing.T) {
	sch := testSchema(t)
	cache := NewCache()
	if _, err := cache.Get(context.Background(), "v1", sch, []string{"siteId"}, []string{"nope"}, SourceRaw); err == nil {
		t.Fatal("Get with an unknown measure should error")
	}
}
