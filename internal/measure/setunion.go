package measure

import (
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
)

// setUnionAcc backs the set_union measure with a roaring bitmap. Hashable
// scalars of any type are mapped to 32-bit buckets via xxhash before being
// inserted; small bounded-integer domains (an enum ordinal, a small int
// dimension) are inserted directly, avoiding hash collisions entirely.
type setUnionAcc struct {
	bm *roaring.Bitmap
}

func newSetUnionAcc() *setUnionAcc {
	return &setUnionAcc{bm: roaring.New()}
}

func (a *setUnionAcc) MarshalBinary() ([]byte, error) {
	if a.bm == nil {
		a.bm = roaring.New()
	}
	return a.bm.ToBytes()
}

func (a *setUnionAcc) UnmarshalBinary(data []byte) error {
	bm := roaring.New()
	if _, err := bm.FromBuffer(data); err != nil {
		return fmt.Errorf("measure set_union: %w", err)
	}
	a.bm = bm
	return nil
}

// bucketOf hashes an arbitrary hashable scalar into a 32-bit roaring bucket.
// Bounded integer domains (uint32/int32/uint16) are passed through
// directly so set_union over a small dimension is exact, not probabilistic.
func bucketOf(v any) (uint32, error) {
	switch n := v.(type) {
	case uint32:
		return n, nil
	case int32:
		return uint32(n), nil
	case uint16:
		return uint32(n), nil
	case int64:
		return uint32(xxhash.Sum64(int64Bytes(n))), nil
	case uint64:
		return uint32(xxhash.Sum64(uint64Bytes(n))), nil
	case string:
		return uint32(xxhash.Sum64String(n)), nil
	default:
		return 0, fmt.Errorf("measure set_union: unhashable value type %T", v)
	}
}

func int64Bytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func uint64Bytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

type setUnionType struct{}

// NewSetUnion declares a set_union measure over hashable scalars (spec §3).
func NewSetUnion() Type { return setUnionType{} }

func (setUnionType) Name() string               { return "set_union" }
func (setUnionType) NewAccumulator() Accumulator { return newSetUnionAcc() }

func (setUnionType) InitFromValue(firstRaw any) (Accumulator, error) {
	bucket, err := bucketOf(firstRaw)
	if err != nil {
		return nil, err
	}
	a := newSetUnionAcc()
	a.bm.Add(bucket)
	return a, nil
}

func (setUnionType) AccumulateValue(acc Accumulator, nextRaw any) error {
	a, ok := acc.(*setUnionAcc)
	if !ok {
		return &ErrMeasureMismatch{Measure: "set_union", Got: acc}
	}
	bucket, err := bucketOf(nextRaw)
	if err != nil {
		return err
	}
	a.bm.Add(bucket)
	return nil
}

func (setUnionType) InitFromAcc(firstAcc Accumulator) (Accumulator, error) {
	a, ok := firstAcc.(*setUnionAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: "set_union", Got: firstAcc}
	}
	return &setUnionAcc{bm: a.bm.Clone()}, nil
}

// ReduceAccs merges next's bitmap into acc's via Bitmap.Or, the textbook
// associative-commutative bitmap union the spec requires.
func (setUnionType) ReduceAccs(acc, next Accumulator) error {
	a, ok1 := acc.(*setUnionAcc)
	b, ok2 := next.(*setUnionAcc)
	if !ok1 || !ok2 {
		return &ErrMeasureMismatch{Measure: "set_union", Got: acc}
	}
	a.bm.Or(b.bm)
	return nil
}

func (setUnionType) Finalize(acc Accumulator) (any, error) {
	a, ok := acc.(*setUnionAcc)
	if !ok {
		return nil, &ErrMeasureMismatch{Measure: "set_union", Got: acc}
	}
	return a.bm.GetCardinality(), nil
}
