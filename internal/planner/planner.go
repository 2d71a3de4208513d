// Package planner implements the query planner (spec §4.5): given a query
// (dimensions, measures, predicate, ordering, limit, offset) and the set of
// registered aggregations for a table, it picks the minimum-cost aggregation
// that can answer the query, selects the chunks covering the query's
// predicate via that aggregation's AggregationIndex, and opens a Merge
// reader over them. Plan shape (QueryPlan/ChunkPlan) is modeled on the
// teacher's internal/query/plan.go QueryPlan/ChunkPlan, stripped of its
// log-search-specific token/KV/JSON pipeline steps and replaced with the
// aggregation-selection reasoning this domain actually needs.
package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/srosenberg/datakernel-sub002/internal/aggindex"
	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
	"github.com/srosenberg/datakernel-sub002/internal/reader"
	"github.com/srosenberg/datakernel-sub002/internal/reducer"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
)

// Candidate registers one aggregation as a query target: its schema, its
// live chunk index, the boundary stores needed to open readers over it, and
// the declared domain-size estimates spec §4.5 step 2's cost formula needs.
type Candidate struct {
	Schema        *schema.Schema
	SchemaVersion string
	Index         *aggindex.Index
	ChunkStore    chunk.Store
	ReducerCache  *reducer.Cache

	// DomainSize estimates each dimension's distinct-value cardinality, by
	// name. Required for every dimension in Schema; the planner's cost
	// formula has no other source for it; there is no notion of measured
	// cardinality anywhere else in the core, so this is a static estimate
	// supplied at registration time.
	DomainSize map[string]int64
}

func (c *Candidate) validate() error {
	for _, d := range c.Schema.Dimensions() {
		size, ok := c.DomainSize[d.Name]
		if !ok {
			return fmt.Errorf("planner: candidate %s: missing DomainSize for dimension %q", c.Schema.ID(), d.Name)
		}
		if size <= 0 {
			return fmt.Errorf("planner: candidate %s: DomainSize for dimension %q must be positive, got %d", c.Schema.ID(), d.Name, size)
		}
	}
	return nil
}

// Query is one read request: the projected dimensions (K), the requested
// measures, an optional predicate, and paging.
type Query struct {
	Dimensions []string
	Measures   []string
	Predicate  Pred
	Limit      int
	Offset     int
}

// ChunkPlan describes one chunk selected for a query.
type ChunkPlan struct {
	ChunkID     chunk.ID
	MinKey      pkey.Key
	MaxKey      pkey.Key
	RecordCount uint64
}

// QueryPlan is the result of Planner.Explain: which aggregation was chosen,
// why, and which chunks it will read.
type QueryPlan struct {
	AggregationID    string
	Cost             float64
	EqualityDims     []string
	SelectedDims     []string
	SelectedMeasures []string
	Chunks           []ChunkPlan
	TotalChunks      int

	// PostSortRequired is true when SelectedDims is not a prefix of the
	// chosen aggregation's key order (spec §4.5 step 4): the Merge reader
	// must run over the aggregation's full key order and an extra
	// in-memory regrouping pass folds rows down to the query's projection.
	PostSortRequired bool
}

// Planner selects among registered Candidates for incoming Querys.
type Planner struct {
	candidates []*Candidate
}

// New returns an empty Planner.
func New() *Planner {
	return &Planner{}
}

// Register adds c as a query target. Order of registration has no effect on
// selection other than as the final tie-break among equal-cost, equal-id
// candidates, which cannot happen since aggregation ids are unique.
func (p *Planner) Register(c *Candidate) error {
	if c.Schema == nil {
		return fmt.Errorf("planner: candidate requires a Schema")
	}
	if err := c.validate(); err != nil {
		return err
	}
	for _, existing := range p.candidates {
		if existing.Schema.ID() == c.Schema.ID() {
			return fmt.Errorf("planner: aggregation %s already registered", c.Schema.ID())
		}
	}
	p.candidates = append(p.candidates, c)
	return nil
}

type choice struct {
	candidate     *Candidate
	cost          float64
	eqVals        []any
	eqDims        []string
	trailingRange *Range
}

// selectCandidate implements spec §4.5 steps 1-3.
func (p *Planner) selectCandidate(q Query) (*choice, error) {
	needed := make(map[string]bool, len(q.Dimensions)+4)
	for _, d := range q.Dimensions {
		needed[d] = true
	}
	for _, d := range dimsUsed(q.Predicate) {
		needed[d] = true
	}

	var best *choice
	for _, cand := range p.candidates {
		if !coversDims(cand.Schema, needed) || !coversMeasures(cand.Schema, q.Measures) {
			continue
		}

		dimOrder := make([]string, len(cand.Schema.Dimensions()))
		for i, d := range cand.Schema.Dimensions() {
			dimOrder[i] = d.Name
		}
		eqVals, eqDims, trailingRange := equalityPrefix(dimOrder, q.Predicate)

		cost := 1.0
		for _, name := range dimOrder {
			cost *= float64(cand.DomainSize[name])
		}
		for _, name := range eqDims {
			cost /= float64(cand.DomainSize[name])
		}

		c := &choice{candidate: cand, cost: cost, eqVals: eqVals, eqDims: eqDims, trailingRange: trailingRange}
		if best == nil || cost < best.cost || (cost == best.cost && cand.Schema.ID() < best.candidate.Schema.ID()) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("planner: no registered aggregation covers dimensions %v and measures %v", sortedKeys(needed), q.Measures)
	}
	return best, nil
}

func coversDims(s *schema.Schema, needed map[string]bool) bool {
	for name := range needed {
		if s.DimIndex(name) < 0 {
			return false
		}
	}
	return true
}

func coversMeasures(s *schema.Schema, names []string) bool {
	for _, name := range names {
		if s.MeasureIndex(name) < 0 {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Explain runs spec §4.5's selection and chunk-covering steps without
// opening any reader, for diagnostic / CLI `explain` use.
func (p *Planner) Explain(q Query) (*QueryPlan, error) {
	c, err := p.selectCandidate(q)
	if err != nil {
		return nil, err
	}
	return p.buildPlan(q, c)
}

func (p *Planner) buildPlan(q Query, c *choice) (*QueryPlan, error) {
	dimOrder := make([]string, len(c.candidate.Schema.Dimensions()))
	for i, d := range c.candidate.Schema.Dimensions() {
		dimOrder[i] = d.Name
	}
	kr, err := buildKeyRange(c.candidate.Schema.KeyEncoder(), dimOrder, c.eqVals, c.trailingRange)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	metas := c.candidate.Index.ChunksCovering(kr)
	chunks := make([]ChunkPlan, len(metas))
	for i, m := range metas {
		chunks[i] = ChunkPlan{ChunkID: m.ID, MinKey: m.MinKey, MaxKey: m.MaxKey, RecordCount: m.RecordCount}
	}

	return &QueryPlan{
		AggregationID:    c.candidate.Schema.ID(),
		Cost:             c.cost,
		EqualityDims:     c.eqDims,
		SelectedDims:     q.Dimensions,
		SelectedMeasures: q.Measures,
		Chunks:           chunks,
		TotalChunks:      len(chunks),
		PostSortRequired: !c.candidate.Schema.IsKeyPrefix(q.Dimensions),
	}, nil
}

// RowSource is the common shape of a plain Merge reader and a post-sorted
// in-memory result set, so callers (e.g. cmd/aggctl's query command) can
// iterate either without caring which path a query took.
type RowSource interface {
	Next(ctx context.Context) (reader.Record, error)
	Close() error
}

// Open runs Explain, then opens the chosen aggregation's chunks and returns
// a RowSource producing the query's result rows in ascending key order
// (spec §4.5 step 4).
func (p *Planner) Open(ctx context.Context, q Query) (RowSource, *QueryPlan, error) {
	c, err := p.selectCandidate(q)
	if err != nil {
		return nil, nil, err
	}
	plan, err := p.buildPlan(q, c)
	if err != nil {
		return nil, nil, err
	}

	if !plan.PostSortRequired {
		sources, err := openSources(ctx, c.candidate.ChunkStore, plan.Chunks)
		if err != nil {
			return nil, nil, err
		}
		rd, err := reader.Open(ctx, reader.Config{
			Schema:           c.candidate.Schema,
			SchemaVersion:    c.candidate.SchemaVersion,
			ReducerCache:     c.candidate.ReducerCache,
			Sources:          sources,
			SelectedDims:     q.Dimensions,
			SelectedMeasures: q.Measures,
			Predicate:        namedPredicate(q.Predicate, q.Dimensions),
			Limit:            q.Limit,
			Offset:           q.Offset,
		})
		if err != nil {
			closeSources(sources)
			return nil, nil, fmt.Errorf("planner: %w", err)
		}
		return rd, plan, nil
	}

	rows, err := p.openPostSort(ctx, c, q, plan)
	if err != nil {
		return nil, nil, err
	}
	return rows, plan, nil
}

func openSources(ctx context.Context, store chunk.Store, plans []ChunkPlan) ([]chunk.Reader, error) {
	sources := make([]chunk.Reader, len(plans))
	for i, cp := range plans {
		rd, err := store.Reader(ctx, cp.ChunkID)
		if err != nil {
			closeSources(sources[:i])
			return nil, fmt.Errorf("%w: chunk %d: %v", chunk.ErrChunkStoreIO, cp.ChunkID, err)
		}
		sources[i] = rd
	}
	return sources, nil
}

func closeSources(sources []chunk.Reader) {
	for _, s := range sources {
		if s != nil {
			s.Close()
		}
	}
}

// namedPredicate adapts a Pred into a reader.Predicate: dimValues arrives
// positional, ordered as dimNames (the SelectedDims of whichever reader.Open
// call this Predicate is bound to), so it is resolved to a name->value map
// once per record before evaluation.
func namedPredicate(p Pred, dimNames []string) reader.Predicate {
	if p == nil {
		return nil
	}
	return func(dimValues []any, _ []any) bool {
		vals := make(map[string]any, len(dimNames))
		for i, name := range dimNames {
			if i < len(dimValues) {
				vals[name] = dimValues[i]
			}
		}
		return eval(p, vals)
	}
}
