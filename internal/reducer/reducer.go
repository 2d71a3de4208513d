// Package reducer implements the MergeReducer framework (spec §4.2): a
// compiled, schema-specific composition of per-measure init/accumulate/
// reduce/finalize operations, cached by a fingerprint so it is synthesised
// once per (schema, query shape) rather than per query (spec §9: "Do not
// re-synthesise per query"). The cache's concurrent-miss dedup is grounded
// on the teacher's internal/index/build.go BuildHelper, which uses
// internal/callgroup to ensure two concurrent builds for the same key share
// one compilation.
package reducer

import (
	"context"
	"fmt"

	"github.com/srosenberg/datakernel-sub002/internal/callgroup"
	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/keytype"
	"github.com/srosenberg/datakernel-sub002/internal/measure"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
)

// SourceKind distinguishes whether a MergeReducer's inputs are raw ingest
// values or already-pre-aggregated accumulators (spec §4.2).
type SourceKind int

const (
	// SourceRaw means on_first_record/on_next_record receive raw measure
	// values (the ingest path).
	SourceRaw SourceKind = iota
	// SourceAggregated means they receive already-serialized Accumulators
	// (the merge/consolidation/query path).
	SourceAggregated
)

func (k SourceKind) String() string {
	if k == SourceRaw {
		return "raw"
	}
	return "aggregated"
}

// InputRecord is one row fed into a MergeReducer: a full dimension tuple
// plus one value or accumulator per selected measure, depending on
// SourceKind.
type InputRecord struct {
	DimValues   []any // one per selected dimension, full schema order
	MeasureVals []any // raw value (SourceRaw) or measure.Accumulator (SourceAggregated)
}

// OutputRecord is one reduced output row.
type OutputRecord struct {
	Key          pkey.Key
	DimValues    []any
	Accumulators []measure.Accumulator
	Finalized    []any // populated by Finalize
}

// MergeReducer composes on_first_record/on_next_record/finalise for one
// compiled (schema, selected dims, selected measures, source kind) plan
// (spec §4.2).
type MergeReducer struct {
	schema     *schema.Schema
	dims       []int // indices into schema.Dimensions() for the selected K
	measures   []int // indices into schema.Measures() for the selected measures
	source     SourceKind
	keyEncoder *pkey.Encoder
}

// OnFirstRecord initialises a fresh OutputRecord from the group's first
// input record (spec §4.2).
func (r *MergeReducer) OnFirstRecord(first InputRecord) (*OutputRecord, error) {
	dimValues := make([]any, len(r.dims))
	for i, di := range r.dims {
		dimValues[i] = first.DimValues[di]
	}
	key, err := r.keyEncoder.Encode(dimValues)
	if err != nil {
		return nil, fmt.Errorf("reducer: encode group key: %w", err)
	}

	accs := make([]measure.Accumulator, len(r.measures))
	for i, mi := range r.measures {
		mt := r.schema.Measures()[mi].Type
		var acc measure.Accumulator
		var err error
		if r.source == SourceRaw {
			acc, err = mt.InitFromValue(first.MeasureVals[i])
		} else {
			srcAcc, ok := first.MeasureVals[i].(measure.Accumulator)
			if !ok {
				return nil, fmt.Errorf("reducer: measure %d: want Accumulator input for aggregated source", mi)
			}
			acc, err = mt.InitFromAcc(srcAcc)
		}
		if err != nil {
			return nil, fmt.Errorf("reducer: measure %d: %w", mi, err)
		}
		accs[i] = acc
	}
	return &OutputRecord{Key: key, DimValues: dimValues, Accumulators: accs}, nil
}

// OnNextRecord folds a further same-group input record into out in place
// (spec §4.2).
func (r *MergeReducer) OnNextRecord(out *OutputRecord, next InputRecord) error {
	for i, mi := range r.measures {
		mt := r.schema.Measures()[mi].Type
		var err error
		if r.source == SourceRaw {
			err = mt.AccumulateValue(out.Accumulators[i], next.MeasureVals[i])
		} else {
			srcAcc, ok := next.MeasureVals[i].(measure.Accumulator)
			if !ok {
				return fmt.Errorf("reducer: measure %d: want Accumulator input for aggregated source", mi)
			}
			err = mt.ReduceAccs(out.Accumulators[i], srcAcc)
		}
		if err != nil {
			return fmt.Errorf("reducer: measure %d: %w", mi, err)
		}
	}
	return nil
}

// Finalize converts out's accumulators into output values — identity
// unless a measure declares a post-finalize transform, e.g. hyperloglog's
// cardinality estimate (spec §4.2).
func (r *MergeReducer) Finalize(out *OutputRecord) error {
	out.Finalized = make([]any, len(r.measures))
	for i, mi := range r.measures {
		mt := r.schema.Measures()[mi].Type
		v, err := mt.Finalize(out.Accumulators[i])
		if err != nil {
			return fmt.Errorf("reducer: measure %d: %w", mi, err)
		}
		out.Finalized[i] = v
	}
	return nil
}

// SelectedDimNames returns the selected dimensions' names, in schema
// order — the K used by the Merge reader's group key.
func (r *MergeReducer) SelectedDimNames() []string {
	names := make([]string, len(r.dims))
	for i, di := range r.dims {
		names[i] = r.schema.Dimensions()[di].Name
	}
	return names
}

// SelectedMeasureNames returns the selected measures' names.
func (r *MergeReducer) SelectedMeasureNames() []string {
	names := make([]string, len(r.measures))
	for i, mi := range r.measures {
		names[i] = r.schema.Measures()[mi].Name
	}
	return names
}

// compile synthesises a MergeReducer for sch restricted to selectedDims
// (must be a prefix of sch's dimension order) and selectedMeasures.
func compile(sch *schema.Schema, selectedDims, selectedMeasures []string, source SourceKind) (*MergeReducer, error) {
	if !sch.IsKeyPrefix(selectedDims) {
		return nil, fmt.Errorf("reducer: selected dims %v are not a prefix of schema %s's key order", selectedDims, sch.ID())
	}
	dimIdx := make([]int, len(selectedDims))
	for i, name := range selectedDims {
		di := sch.DimIndex(name)
		if di < 0 {
			return nil, fmt.Errorf("reducer: %w: %s", chunk.ErrUnknownDimension, name)
		}
		dimIdx[i] = di
	}
	measureIdx := make([]int, len(selectedMeasures))
	for i, name := range selectedMeasures {
		mi := sch.MeasureIndex(name)
		if mi < 0 {
			return nil, fmt.Errorf("reducer: %w: %s", chunk.ErrUnknownMeasure, name)
		}
		measureIdx[i] = mi
	}

	dims := sch.Dimensions()
	selTypes := make([]keytype.KeyType, len(dimIdx))
	for i, di := range dimIdx {
		selTypes[i] = dims[di].Type
	}
	enc := pkey.NewEncoder(selTypes...)

	return &MergeReducer{
		schema:     sch,
		dims:       dimIdx,
		measures:   measureIdx,
		source:     source,
		keyEncoder: enc,
	}, nil
}

// Cache compiles and caches MergeReducers by fingerprint (spec §4.2),
// deduplicating concurrent compiles of the same fingerprint with
// callgroup, mirroring internal/index/build.go's BuildHelper.
type Cache struct {
	group callgroup.Group[string]
	store cacheStore
}

// NewCache constructs an empty plan Cache.
func NewCache() *Cache {
	return &Cache{store: newCacheStore()}
}

// Get returns the cached MergeReducer for the given plan, compiling and
// caching it on first use. Concurrent Get calls for the same fingerprint
// share one compilation.
func (c *Cache) Get(ctx context.Context, schemaVersion string, sch *schema.Schema, selectedDims, selectedMeasures []string, source SourceKind) (*MergeReducer, error) {
	fp := schema.Fingerprint(schemaVersion, selectedDims, selectedMeasures, source.String())

	if mr, ok := c.store.load(fp); ok {
		return mr, nil
	}

	errCh := c.group.DoChan(fp, func() error {
		if _, ok := c.store.load(fp); ok {
			return nil
		}
		mr, err := compile(sch, selectedDims, selectedMeasures, source)
		if err != nil {
			return err
		}
		c.store.store(fp, mr)
		return nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", chunk.ErrCancelled, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	}

	mr, ok := c.store.load(fp)
	if !ok {
		return nil, fmt.Errorf("reducer: plan cache: compiled plan missing for fingerprint %q", fp)
	}
	return mr, nil
}
