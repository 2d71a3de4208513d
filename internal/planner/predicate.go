package planner

import (
	"fmt"

	"github.com/srosenberg/datakernel-sub002/internal/aggindex"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
)

// Pred is a query predicate over dimension values (spec §4.5's "predicate"
// input). The grammar mirrors spec §6's: equality, a half-open range,
// conjunction, and negation.
type Pred interface {
	isPred()
}

// True matches every record; the zero predicate.
type True struct{}

// Eq matches records whose Dim equals Value exactly.
type Eq struct {
	Dim   string
	Value any
}

// Range matches records whose Dim falls within [Lo, Hi] (bounds optional,
// inclusivity per LoInclusive/HiInclusive). A nil Lo or Hi leaves that side
// unbounded.
type Range struct {
	Dim                      string
	Lo, Hi                   any
	LoInclusive, HiInclusive bool
}

// And matches records satisfying every one of Preds.
type And struct {
	Preds []Pred
}

// Not matches records that do not satisfy Inner. Not predicates never
// contribute to equality-prefix detection or key-range pruning (spec §4.5
// reasons only about equality/range conjuncts), so a query wrapping its
// only filter in Not degrades to a full scan of the chosen aggregation.
type Not struct {
	Inner Pred
}

func (True) isPred()  {}
func (Eq) isPred()    {}
func (Range) isPred() {}
func (And) isPred()   {}
func (Not) isPred()   {}

// dimsUsed collects every dimension name Pred references, for spec §4.5
// step 1's "dimensions used by predicate or projection" filter.
func dimsUsed(p Pred) []string {
	seen := map[string]bool{}
	var walk func(Pred)
	walk = func(p Pred) {
		switch v := p.(type) {
		case nil, True:
		case Eq:
			seen[v.Dim] = true
		case Range:
			seen[v.Dim] = true
		case And:
			for _, sub := range v.Preds {
				walk(sub)
			}
		case Not:
			walk(v.Inner)
		}
	}
	walk(p)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

// conjuncts flattens a (possibly nested) And into its top-level list of
// conjuncts. True and nil contribute nothing; Not is kept as an opaque
// conjunct (it cannot feed equality-prefix or key-range construction, but it
// must still apply as a post-filter).
func conjuncts(p Pred) []Pred {
	var out []Pred
	var walk func(Pred)
	walk = func(p Pred) {
		switch v := p.(type) {
		case nil, True:
		case And:
			for _, sub := range v.Preds {
				walk(sub)
			}
		default:
			out = append(out, p)
		}
	}
	walk(p)
	return out
}

// equalityPrefix walks dimOrder in order and returns the longest leading run
// of dimensions fixed by an Eq conjunct, plus the Range conjunct (if any) on
// the dimension immediately following that run. Spec §4.5 step 2: "Equality
// on a non-leading dimension contributes only if every preceding dimension
// is also equality-fixed" — this is exactly a leading-run walk, not a set
// membership test.
func equalityPrefix(dimOrder []string, pred Pred) (eqVals []any, eqDims []string, trailingRange *Range) {
	cs := conjuncts(pred)
	eqByDim := make(map[string]any, len(cs))
	rangeByDim := make(map[string]Range, len(cs))
	for _, c := range cs {
		switch v := c.(type) {
		case Eq:
			eqByDim[v.Dim] = v.Value
		case Range:
			rangeByDim[v.Dim] = v
		}
	}

	for _, name := range dimOrder {
		if val, ok := eqByDim[name]; ok {
			eqVals = append(eqVals, val)
			eqDims = append(eqDims, name)
			continue
		}
		if r, ok := rangeByDim[name]; ok {
			rc := r
			trailingRange = &rc
		}
		break
	}
	return eqVals, eqDims, trailingRange
}

// compareValues orders two dimension values of the same underlying Go type,
// as decoded by pkey.Encoder.Decode (int64, uint64, or string — the closed
// set keytype.KeyType produces). It returns an error for mismatched or
// unsupported types rather than guessing.
func compareValues(a, b any) (int, error) {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, fmt.Errorf("planner: cannot compare int64 with %T", b)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case uint64:
		bv, ok := b.(uint64)
		if !ok {
			return 0, fmt.Errorf("planner: cannot compare uint64 with %T", b)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("planner: cannot compare string with %T", b)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("planner: unsupported dimension value type %T", a)
	}
}

// buildKeyRange translates the leading equality prefix (eqVals, one value
// per dimension in dimOrder's first len(eqVals) slots) and an optional
// trailing Range on the next dimension into an aggindex.KeyRange, per spec
// §4.5 step 4's "selected chunks = AggregationIndex.chunks_covering(predicate)
// on the chosen aggregation". With neither, the range is unbounded (a full
// scan of the aggregation).
func buildKeyRange(enc *pkey.Encoder, dimOrder []string, eqVals []any, trailingRange *Range) (aggindex.KeyRange, error) {
	k := len(eqVals)

	if trailingRange == nil {
		if k == 0 {
			return aggindex.KeyRange{}, nil
		}
		lo, err := enc.EncodePrefix(eqVals, k)
		if err != nil {
			return aggindex.KeyRange{}, fmt.Errorf("planner: encode equality prefix: %w", err)
		}
		hi, ok := enc.SuccessorDim(lo, k-1)
		if !ok {
			return aggindex.KeyRange{Lo: lo, LoInclusive: true}, nil
		}
		return aggindex.KeyRange{Lo: lo, LoInclusive: true, Hi: hi, HiInclusive: false}, nil
	}

	var lo, hi pkey.Key
	loInclusive, hiInclusive := true, false

	if trailingRange.Lo != nil {
		var err error
		lo, err = enc.EncodePrefix(append(append([]any{}, eqVals...), trailingRange.Lo), k+1)
		if err != nil {
			return aggindex.KeyRange{}, fmt.Errorf("planner: encode range lower bound: %w", err)
		}
		loInclusive = trailingRange.LoInclusive
	} else if k > 0 {
		var err error
		lo, err = enc.EncodePrefix(eqVals, k)
		if err != nil {
			return aggindex.KeyRange{}, fmt.Errorf("planner: encode equality prefix: %w", err)
		}
		loInclusive = true
	}

	if trailingRange.Hi != nil {
		var err error
		hi, err = enc.EncodePrefix(append(append([]any{}, eqVals...), trailingRange.Hi), k+1)
		if err != nil {
			return aggindex.KeyRange{}, fmt.Errorf("planner: encode range upper bound: %w", err)
		}
		hiInclusive = trailingRange.HiInclusive
	} else if k > 0 {
		prefix, err := enc.EncodePrefix(eqVals, k)
		if err != nil {
			return aggindex.KeyRange{}, fmt.Errorf("planner: encode equality prefix: %w", err)
		}
		if succ, ok := enc.SuccessorDim(prefix, k-1); ok {
			hi = succ
			hiInclusive = false
		}
	}

	return aggindex.KeyRange{Lo: lo, LoInclusive: loInclusive, Hi: hi, HiInclusive: hiInclusive}, nil
}

// eval evaluates pred against a resolved dimension-name-to-value map. Used
// as the Merge reader's post-filter (spec §4.4), so it always sees fully
// decoded dimension values regardless of which predicate clauses were
// already satisfied by key-range pruning.
func eval(pred Pred, values map[string]any) bool {
	switch v := pred.(type) {
	case nil, True:
		return true
	case Eq:
		val, ok := values[v.Dim]
		if !ok {
			return false
		}
		c, err := compareValues(val, v.Value)
		return err == nil && c == 0
	case Range:
		val, ok := values[v.Dim]
		if !ok {
			return false
		}
		if v.Lo != nil {
			c, err := compareValues(val, v.Lo)
			if err != nil {
				return false
			}
			if v.LoInclusive && c < 0 {
				return false
			}
			if !v.LoInclusive && c <= 0 {
				return false
			}
		}
		if v.Hi != nil {
			c, err := compareValues(val, v.Hi)
			if err != nil {
				return false
			}
			if v.HiInclusive && c > 0 {
				return false
			}
			if !v.HiInclusive && c >= 0 {
				return false
			}
		}
		return true
	case And:
		for _, sub := range v.Preds {
			if !eval(sub, values) {
				return false
			}
		}
		return true
	case Not:
		return !eval(v.Inner, values)
	default:
		return true
	}
}
