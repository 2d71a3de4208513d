package measure

import (
	"fmt"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
)

// hllAcc wraps an axiomhq/hyperloglog sketch. There is no pack example that
// implements HLL (see DESIGN.md), so this measure adopts the ecosystem's
// standard mergeable-sketch library directly rather than hand-rolling one.
type hllAcc struct {
	precision uint8
	sk        *hyperloglog.Sketch
}

func newHLLAcc(precision uint8) (*hllAcc, error) {
	sk, err := hyperloglog.NewSketch(precision, true)
	if err != nil {
		return nil, fmt.Errorf("measure hyperloglog: %w", err)
	}
	return &hllAcc{precision: precision, sk: sk}, nil
}

func (a *hllAcc) MarshalBinary() ([]byte, error) {
	data, err := a.sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("measure hyperloglog: %w", err)
	}
	return data, nil
}

func (a *hllAcc) UnmarshalBinary(data []byte) error {
	sk, err := hyperloglog.NewSketch(a.precision, true)
	if err != nil {
		return fmt.Errorf("measure hyperloglog: %w", err)
	}
	if err := sk.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("measure hyperloglog: %w", err)
	}
	a.sk = sk
	return nil
}

func hashValue(v any) (uint64, error) {
	switch n := v.(type) {
	case string:
		return xxhash.Sum64String(n), nil
	case int64:
		return xxhash.Sum64(int64Bytes(n)), nil
	case uint64:
		return xxhash.Sum64(uint64Bytes(n)), nil
	default:
		return 0, fmt.Errorf("measure hyperloglog: unhashable value type %T", v)
	}
}

type hllType struct {
	precision uint8 // spec §3's hyperloglog(p)
}

// NewHyperLogLog declares a hyperloglog(p) measure with the given
// precision parameter, per spec §3.
func NewHyperLogLog(precision uint8) Type { return hllType{precision: precision} }

func (t hllType) Name() string { return fmt.Sprintf("hyperloglog(%d)", t.precision) }

func (t hllType) NewAccumulator() Accumulator {
	a, _ := newHLLAcc(t.precision)
	return a
}

func (t hllType) InitFromValue(firstRaw any) (Accumulator, error) {
	a, err := newHLLAcc(t.precision)
	if err != nil {
		return nil, err
	}
	h, err := hashValue(firstRaw)
	if err != nil {
		return nil, err
	}
	a.sk.InsertHash(h)
	return a, nil
}

func (t hllType) AccumulateValue(acc Accumulator, nextRaw any) error {
	a, ok := acc.(*hllAcc)
	if !ok {
		return &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	h, err := hashValue(nextRaw)
	if err != nil {
		return err
	}
	a.sk.InsertHash(h)
	return nil
}

func (t hllType) InitFromAcc(firstAcc Accumulator) (Accumulator, error) {
	a, ok := firstAcc.(*hllAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: t.Name(), Got: firstAcc}
	}
	cp, err := newHLLAcc(a.precision)
	if err != nil {
		return nil, err
	}
	if err := cp.sk.Merge(a.sk); err != nil {
		return nil, fmt.Errorf("measure %s: %w", t.Name(), err)
	}
	return cp, nil
}

// ReduceAccs merges next's sketch into acc's. Two sketches produced by
// different merge orderings may differ in internal bytes while converging
// to the same cardinality estimate — see spec §9's HLL determinism note.
func (t hllType) ReduceAccs(acc, next Accumulator) error {
	a, ok1 := acc.(*hllAcc)
	b, ok2 := next.(*hllAcc)
	if !ok1 || !ok2 {
		return &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	if err := a.sk.Merge(b.sk); err != nil {
		return fmt.Errorf("measure %s: %w", t.Name(), err)
	}
	return nil
}

// Finalize produces the sketch's cardinality estimate, its post-finalize
// transform per spec §4.2.
func (t hllType) Finalize(acc Accumulator) (any, error) {
	a, ok := acc.(*hllAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	return a.sk.Estimate(), nil
}
