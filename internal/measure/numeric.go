package measure

import (
	"encoding/binary"
	"fmt"
	"math"
)

// NumKind selects the native numeric representation a sum/min/max
// measure operates over, per spec §3 ("sum<i64>", "sum<f64>").
type NumKind uint8

const (
	KindInt64 NumKind = iota
	KindFloat64
)

func (k NumKind) String() string {
	switch k {
	case KindInt64:
		return "i64"
	case KindFloat64:
		return "f64"
	default:
		return "unknown"
	}
}

func asFloat64(kind NumKind, v any) (float64, error) {
	switch kind {
	case KindInt64:
		switch n := v.(type) {
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		default:
			return 0, fmt.Errorf("want int64 value, got %T", v)
		}
	case KindFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		default:
			return 0, fmt.Errorf("want float64 value, got %T", v)
		}
	default:
		return 0, fmt.Errorf("unknown numeric kind %v", kind)
	}
}

// numAcc is the shared Accumulator for sum/min/max: a single running
// float64 plus an "any value seen" flag so that min/max over zero values
// don't spuriously report 0.
type numAcc struct {
	kind NumKind
	val  float64
	any  bool
}

func (a *numAcc) MarshalBinary() ([]byte, error) {
	b := make([]byte, 10)
	b[0] = byte(a.kind)
	if a.any {
		b[1] = 1
	}
	binary.BigEndian.PutUint64(b[2:], math.Float64bits(a.val))
	return b, nil
}

func (a *numAcc) UnmarshalBinary(data []byte) error {
	if len(data) != 10 {
		return fmt.Errorf("measure: numAcc: want 10 bytes, got %d", len(data))
	}
	a.kind = NumKind(data[0])
	a.any = data[1] == 1
	a.val = math.Float64frombits(binary.BigEndian.Uint64(data[2:]))
	return nil
}

// Result returns the accumulated value in its native numeric kind, or
// false if no value was ever seen.
func (a *numAcc) Result() (any, bool) {
	if !a.any {
		return nil, false
	}
	if a.kind == KindInt64 {
		return int64(a.val), true
	}
	return a.val, true
}

// --- sum --------------------------------------------------------------

type sumType struct{ kind NumKind }

// NewSum declares a sum measure over the given numeric kind.
func NewSum(kind NumKind) Type { return sumType{kind: kind} }

func (t sumType) Name() string               { return "sum<" + t.kind.String() + ">" }
func (t sumType) NewAccumulator() Accumulator { return &numAcc{kind: t.kind} }

func (t sumType) InitFromValue(firstRaw any) (Accumulator, error) {
	f, err := asFloat64(t.kind, firstRaw)
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", t.Name(), err)
	}
	return &numAcc{kind: t.kind, val: f, any: true}, nil
}

func (t sumType) AccumulateValue(acc Accumulator, nextRaw any) error {
	a, ok := acc.(*numAcc)
	if !ok {
		return &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	f, err := asFloat64(t.kind, nextRaw)
	if err != nil {
		return fmt.Errorf("measure %s: %w", t.Name(), err)
	}
	a.val += f
	a.any = true
	return nil
}

func (t sumType) InitFromAcc(firstAcc Accumulator) (Accumulator, error) {
	a, ok := firstAcc.(*numAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: t.Name(), Got: firstAcc}
	}
	cp := *a
	return &cp, nil
}

func (t sumType) ReduceAccs(acc, next Accumulator) error {
	a, ok1 := acc.(*numAcc)
	b, ok2 := next.(*numAcc)
	if !ok1 || !ok2 {
		return &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	a.val += b.val
	a.any = a.any || b.any
	return nil
}

func (t sumType) Finalize(acc Accumulator) (any, error) {
	a, ok := acc.(*numAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	v, _ := a.Result()
	return v, nil
}

// --- min / max ----------------------------------------------------------

type extremeType struct {
	kind NumKind
	max  bool // true for max, false for min
}

// NewMin declares a min measure over the given numeric kind.
func NewMin(kind NumKind) Type { return extremeType{kind: kind, max: false} }

// NewMax declares a max measure over the given numeric kind.
func NewMax(kind NumKind) Type { return extremeType{kind: kind, max: true} }

func (t extremeType) Name() string {
	if t.max {
		return "max<" + t.kind.String() + ">"
	}
	return "min<" + t.kind.String() + ">"
}

func (t extremeType) NewAccumulator() Accumulator { return &numAcc{kind: t.kind} }

func (t extremeType) InitFromValue(firstRaw any) (Accumulator, error) {
	f, err := asFloat64(t.kind, firstRaw)
	if err != nil {
		return nil, fmt.Errorf("measure %s: %w", t.Name(), err)
	}
	return &numAcc{kind: t.kind, val: f, any: true}, nil
}

func (t extremeType) AccumulateValue(acc Accumulator, nextRaw any) error {
	a, ok := acc.(*numAcc)
	if !ok {
		return &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	f, err := asFloat64(t.kind, nextRaw)
	if err != nil {
		return fmt.Errorf("measure %s: %w", t.Name(), err)
	}
	if !a.any || (t.max && f > a.val) || (!t.max && f < a.val) {
		a.val = f
		a.any = true
	}
	return nil
}

func (t extremeType) InitFromAcc(firstAcc Accumulator) (Accumulator, error) {
	a, ok := firstAcc.(*numAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: t.Name(), Got: firstAcc}
	}
	cp := *a
	return &cp, nil
}

func (t extremeType) ReduceAccs(acc, next Accumulator) error {
	a, ok1 := acc.(*numAcc)
	b, ok2 := next.(*numAcc)
	if !ok1 || !ok2 {
		return &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	if !b.any {
		return nil
	}
	if !a.any || (t.max && b.val > a.val) || (!t.max && b.val < a.val) {
		a.val = b.val
		a.any = true
	}
	return nil
}

func (t extremeType) Finalize(acc Accumulator) (any, error) {
	a, ok := acc.(*numAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: t.Name(), Got: acc}
	}
	v, _ := a.Result()
	return v, nil
}

// --- count ----------------------------------------------------------------

type countAcc struct{ n int64 }

func (a *countAcc) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(a.n))
	return b, nil
}

func (a *countAcc) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return fmt.Errorf("measure: countAcc: want 8 bytes, got %d", len(data))
	}
	a.n = int64(binary.BigEndian.Uint64(data))
	return nil
}

type countType struct{}

// NewCount declares a count measure. Per spec §3, count ignores the value
// on accumulate — it simply counts records.
func NewCount() Type { return countType{} }

func (countType) Name() string               { return "count" }
func (countType) NewAccumulator() Accumulator { return &countAcc{} }

func (countType) InitFromValue(firstRaw any) (Accumulator, error) {
	return &countAcc{n: 1}, nil
}

func (countType) AccumulateValue(acc Accumulator, nextRaw any) error {
	a, ok := acc.(*countAcc)
	if !ok {
		return &ErrMeasureMismatch{Measure: "count", Got: acc}
	}
	a.n++
	return nil
}

func (countType) InitFromAcc(firstAcc Accumulator) (Accumulator, error) {
	a, ok := firstAcc.(*countAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: "count", Got: firstAcc}
	}
	cp := *a
	return &cp, nil
}

func (countType) ReduceAccs(acc, next Accumulator) error {
	a, ok1 := acc.(*countAcc)
	b, ok2 := next.(*countAcc)
	if !ok1 || !ok2 {
		return &ErrMeasureMismatch{Measure: "count", Got: acc}
	}
	a.n += b.n
	return nil
}

func (countType) Finalize(acc Accumulator) (any, error) {
	a, ok := acc.(*countAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: "count", Got: acc}
	}
	return a.n, nil
}
