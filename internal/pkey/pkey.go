// Package pkey implements PrimaryKey: the lexicographically ordered tuple of
// dimension values that orders every record and chunk in the core. A
// PrimaryKey is represented as the fixed-width concatenation of its
// dimensions' keytype.KeyType encodings, so that ordinary byte comparison
// yields the tuple's lexicographic order (spec §6: "key_bytes is the
// fixed-width concatenation of each dimension's byte encoding").
package pkey

import (
	"bytes"
	"fmt"

	"github.com/srosenberg/datakernel-sub002/internal/keytype"
)

// Key is an encoded PrimaryKey: the concatenation of each dimension's
// fixed-width byte encoding, in schema dimension order. Two Keys produced by
// the same Encoder compare correctly with bytes.Compare.
type Key []byte

// Compare orders two Keys. Equivalent to bytes.Compare but named for call
// sites that reason about PrimaryKey ordering rather than raw bytes.
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// Equal reports whether a and b encode the same PrimaryKey.
func Equal(a, b Key) bool {
	return bytes.Equal(a, b)
}

// Encoder encodes and decodes PrimaryKey tuples for one fixed, ordered list
// of dimension KeyTypes. An Encoder is immutable and safe for concurrent use
// — it holds no per-call state.
type Encoder struct {
	dims    []keytype.KeyType
	offsets []int // byte offset of each dimension within an encoded Key
	width   int   // total encoded width
}

// NewEncoder builds an Encoder for dims in schema dimension order. The
// returned Encoder's Width is the fixed sum of each KeyType's Width.
func NewEncoder(dims ...keytype.KeyType) *Encoder {
	offsets := make([]int, len(dims))
	w := 0
	for i, d := range dims {
		offsets[i] = w
		w += d.Width()
	}
	return &Encoder{dims: dims, offsets: offsets, width: w}
}

// NumDims returns the number of dimensions this Encoder encodes.
func (e *Encoder) NumDims() int { return len(e.dims) }

// Width returns the fixed byte width of a fully encoded Key.
func (e *Encoder) Width() int { return e.width }

// DimOffset returns the byte offset and width of dimension i within an
// encoded Key, for callers that need to slice out or compare a single
// dimension's component (e.g. equality/range predicate evaluation).
func (e *Encoder) DimOffset(i int) (offset, width int) {
	return e.offsets[i], e.dims[i].Width()
}

// Encode builds the full Key for values, one per dimension in schema order.
func (e *Encoder) Encode(values []any) (Key, error) {
	if len(values) != len(e.dims) {
		return nil, fmt.Errorf("pkey: encode: want %d dimension values, got %d", len(e.dims), len(values))
	}
	buf := make([]byte, e.width)
	for i, d := range e.dims {
		enc, err := d.Encode(values[i])
		if err != nil {
			return nil, fmt.Errorf("pkey: dimension %d: %w", i, err)
		}
		copy(buf[e.offsets[i]:], enc)
	}
	return Key(buf), nil
}

// EncodeInto writes the full encoding for values into dst, which must be
// exactly Width() bytes (e.g. a buffer checked out of a bufpool.Pool sized to
// Width()), avoiding the per-call allocation Encode makes. The caller owns
// dst's lifetime; EncodeInto never retains it.
func (e *Encoder) EncodeInto(dst []byte, values []any) error {
	if len(dst) != e.width {
		return fmt.Errorf("pkey: encode into: dst must be %d bytes, got %d", e.width, len(dst))
	}
	if len(values) != len(e.dims) {
		return fmt.Errorf("pkey: encode into: want %d dimension values, got %d", len(e.dims), len(values))
	}
	for i, d := range e.dims {
		enc, err := d.Encode(values[i])
		if err != nil {
			return fmt.Errorf("pkey: dimension %d: %w", i, err)
		}
		copy(dst[e.offsets[i]:], enc)
	}
	return nil
}

// EncodePrefix builds a partial Key covering only the leading n dimensions.
// Used for equality-prefix predicates and for partitioning-by-key-prefix in
// the sort-merge writer.
func (e *Encoder) EncodePrefix(values []any, n int) (Key, error) {
	if n < 0 || n > len(e.dims) {
		return nil, fmt.Errorf("pkey: encode prefix: n=%d out of range [0,%d]", n, len(e.dims))
	}
	if len(values) != n {
		return nil, fmt.Errorf("pkey: encode prefix: want %d dimension values, got %d", n, len(values))
	}
	width := 0
	if n > 0 {
		width = e.offsets[n-1] + e.dims[n-1].Width()
	}
	buf := make([]byte, width)
	for i := 0; i < n; i++ {
		enc, err := e.dims[i].Encode(values[i])
		if err != nil {
			return nil, fmt.Errorf("pkey: dimension %d: %w", i, err)
		}
		copy(buf[e.offsets[i]:], enc)
	}
	return Key(buf), nil
}

// Decode splits a fully encoded Key back into its per-dimension Go values.
func (e *Encoder) Decode(k Key) ([]any, error) {
	if len(k) != e.width {
		return nil, fmt.Errorf("pkey: decode: want %d bytes, got %d", e.width, len(k))
	}
	values := make([]any, len(e.dims))
	for i, d := range e.dims {
		off := e.offsets[i]
		v, err := d.Decode(k[off : off+d.Width()])
		if err != nil {
			return nil, fmt.Errorf("pkey: dimension %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

// Prefix returns the leading n dimensions' bytes of a fully (or
// prefix-)encoded Key, without re-encoding.
func (e *Encoder) Prefix(k Key, n int) (Key, error) {
	if n < 0 || n > len(e.dims) {
		return nil, fmt.Errorf("pkey: prefix: n=%d out of range [0,%d]", n, len(e.dims))
	}
	width := 0
	if n > 0 {
		width = e.offsets[n-1] + e.dims[n-1].Width()
	}
	if len(k) < width {
		return nil, fmt.Errorf("pkey: prefix: key too short for %d dimensions", n)
	}
	return k[:width], nil
}

// SuccessorDim returns the Key with dimension i's component advanced to its
// successor, the dimensions before i copied unchanged, and every dimension
// after i dropped (the result is a prefix key of i+1 dimensions). The
// planner uses it as the exclusive upper bound just past an inclusive
// prefix (spec §3: "optional successor(x), used to tighten ranges"). It
// reports false if dimension i has no successor or is already at its
// maximum value.
func (e *Encoder) SuccessorDim(k Key, i int) (Key, bool) {
	if i < 0 || i >= len(e.dims) {
		return nil, false
	}
	off, w := e.offsets[i], e.dims[i].Width()
	if len(k) < off+w {
		return nil, false
	}
	next, ok := e.dims[i].Successor(k[off : off+w])
	if !ok {
		return nil, false
	}
	out := make([]byte, off+w)
	copy(out, k[:off])
	copy(out[off:], next)
	return Key(out), true
}
