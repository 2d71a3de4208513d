package measure

import (
	"math"
	"testing"
)

// =============================================================================
// sum
// =============================================================================

func TestSumIngestAndMergePaths(t *testing.T) {
	sum := NewSum(KindInt64)

	acc, err := sum.InitFromValue(int64(10))
	if err != nil {
		t.Fatalf("InitFromValue: %v", err)
	}
	if err := sum.AccumulateValue(acc, int64(5)); err != nil {
		t.Fatalf("AccumulateValue: %v", err)
	}

	other, err := sum.InitFromValue(int64(3))
	if err != nil {
		t.Fatalf("InitFromValue: %v", err)
	}
	merged, err := sum.InitFromAcc(other)
	if err != nil {
		t.Fatalf("InitFromAcc: %v", err)
	}
	if err := sum.ReduceAccs(acc, merged); err != nil {
		t.Fatalf("ReduceAccs: %v", err)
	}

	out, err := sum.Finalize(acc)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.(int64) != 18 {
		t.Fatalf("sum = %v, want 18", out)
	}
}

func TestSumAccumulatorBinaryRoundTrip(t *testing.T) {
	sum := NewSum(KindFloat64)
	acc, _ := sum.InitFromValue(1.5)
	_ = sum.AccumulateValue(acc, 2.5)

	data, err := acc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	roundTripped := sum.NewAccumulator()
	if err := roundTripped.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	out, err := sum.Finalize(roundTripped)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.(float64) != 4.0 {
		t.Fatalf("round-tripped sum = %v, want 4.0", out)
	}
}

// =============================================================================
// min / max
// =============================================================================

func TestMinMax(t *testing.T) {
	min := NewMin(KindFloat64)
	max := NewMax(KindFloat64)

	minAcc, _ := min.InitFromValue(0.9)
	_ = min.AccumulateValue(minAcc, 0.4)
	_ = min.AccumulateValue(minAcc, 0.6)
	minOut, err := min.Finalize(minAcc)
	if err != nil {
		t.Fatalf("Finalize(min): %v", err)
	}
	if minOut.(float64) != 0.4 {
		t.Fatalf("min = %v, want 0.4", minOut)
	}

	maxAcc, _ := max.InitFromValue(0.9)
	_ = max.AccumulateValue(maxAcc, 0.4)
	maxOut, err := max.Finalize(maxAcc)
	if err != nil {
		t.Fatalf("Finalize(max): %v", err)
	}
	if maxOut.(float64) != 0.9 {
		t.Fatalf("max = %v, want 0.9", maxOut)
	}
}

func TestMinMaxReduceAccsPicksExtreme(t *testing.T) {
	max := NewMax(KindInt64)
	a, _ := max.InitFromValue(int64(5))
	b, _ := max.InitFromValue(int64(9))
	if err := max.ReduceAccs(a, b); err != nil {
		t.Fatalf("ReduceAccs: %v", err)
	}
	out, _ := max.Finalize(a)
	if out.(int64) != 9 {
		t.Fatalf("max after reduce = %v, want 9", out)
	}
}

// =============================================================================
// count
// =============================================================================

func TestCountIgnoresValue(t *testing.T) {
	count := NewCount()
	acc, err := count.InitFromValue("anything")
	if err != nil {
		t.Fatalf("InitFromValue: %v", err)
	}
	_ = count.AccumulateValue(acc, nil)
	_ = count.AccumulateValue(acc, 42)

	out, err := count.Finalize(acc)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.(int64) != 3 {
		t.Fatalf("count = %v, want 3", out)
	}
}

func TestCountReduceAccsSumsCounts(t *testing.T) {
	count := NewCount()
	a, _ := count.InitFromValue(nil)
	_ = count.AccumulateValue(a, nil) // a = 2
	b, _ := count.InitFromValue(nil) // b = 1
	if err := count.ReduceAccs(a, b); err != nil {
		t.Fatalf("ReduceAccs: %v", err)
	}
	out, _ := count.Finalize(a)
	if out.(int64) != 3 {
		t.Fatalf("count after reduce = %v, want 3", out)
	}
}

// =============================================================================
// set_union
// =============================================================================

func TestSetUnionCardinality(t *testing.T) {
	su := NewSetUnion()

	acc, err := su.InitFromValue("alice")
	if err != nil {
		t.Fatalf("InitFromValue: %v", err)
	}
	_ = su.AccumulateValue(acc, "bob")
	_ = su.AccumulateValue(acc, "alice") // duplicate, should not increase cardinality

	out, err := su.Finalize(acc)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.(uint64) != 2 {
		t.Fatalf("set_union cardinality = %v, want 2", out)
	}
}

func TestSetUnionReduceAccsIsUnion(t *testing.T) {
	su := NewSetUnion()
	a, _ := su.InitFromValue("x")
	b, _ := su.InitFromValue("y")
	_ = su.AccumulateValue(b, "z")

	if err := su.ReduceAccs(a, b); err != nil {
		t.Fatalf("ReduceAccs: %v", err)
	}
	out, _ := su.Finalize(a)
	if out.(uint64) != 3 {
		t.Fatalf("set_union cardinality after reduce = %v, want 3", out)
	}
}

func TestSetUnionAccumulatorBinaryRoundTrip(t *testing.T) {
	su := NewSetUnion()
	acc, _ := su.InitFromValue("x")
	_ = su.AccumulateValue(acc, "y")

	data, err := acc.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	roundTripped := su.NewAccumulator()
	if err := roundTripped.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	out, err := su.Finalize(roundTripped)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.(uint64) != 2 {
		t.Fatalf("round-tripped cardinality = %v, want 2", out)
	}
}

// =============================================================================
// hyperloglog
// =============================================================================

func TestHyperLogLogEstimateWithinTolerance(t *testing.T) {
	const precision = 14
	hll := NewHyperLogLog(precision)

	acc, err := hll.InitFromValue(int64(0))
	if err != nil {
		t.Fatalf("InitFromValue: %v", err)
	}
	const n = 5000
	for i := 1; i < n; i++ {
		if err := hll.AccumulateValue(acc, int64(i)); err != nil {
			t.Fatalf("AccumulateValue: %v", err)
		}
	}

	out, err := hll.Finalize(acc)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	estimate := out.(uint64)

	// Spec §9: compare within a band of four standard errors, each
	// 1.04/sqrt(2^p), not byte-equal.
	tolerance := 1.04 / math.Sqrt(math.Pow(2, float64(precision)))
	lo := uint64(float64(n) * (1 - 4*tolerance))
	hi := uint64(float64(n) * (1 + 4*tolerance))
	if estimate < lo || estimate > hi {
		t.Fatalf("estimate %d out of tolerance band [%d, %d]", estimate, lo, hi)
	}
}

func TestHyperLogLogReduceAccsMergesSketches(t *testing.T) {
	hll := NewHyperLogLog(10)
	a, _ := hll.InitFromValue(int64(1))
	_ = hll.AccumulateValue(a, int64(2))
	b, _ := hll.InitFromValue(int64(3))
	_ = hll.AccumulateValue(b, int64(4))

	if err := hll.ReduceAccs(a, b); err != nil {
		t.Fatalf("ReduceAccs: %v", err)
	}
	out, err := hll.Finalize(a)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.(uint64) < 3 || out.(uint64) > 5 {
		t.Fatalf("merged estimate = %v, want ~4", out)
	}
}
