package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/srosenberg/datakernel-sub002/internal/measure"
	"github.com/srosenberg/datakernel-sub002/internal/reader"
)

// openPostSort handles spec §4.5 step 4's fallback: query.Dimensions is not
// a prefix of the chosen aggregation's key order, so the Merge reader runs
// over the aggregation's full dimension order (always a trivial prefix) and
// an extra in-memory pass regroups the merged, still-unfinalized
// accumulators down to the query's projection before finalizing. Folding at
// the accumulator level (measure.Type.InitFromAcc/ReduceAccs) rather than
// re-summing finalized values keeps this correct for non-additive measures
// like hyperloglog and set_union.
func (p *Planner) openPostSort(ctx context.Context, c *choice, q Query, plan *QueryPlan) (RowSource, error) {
	sources, err := openSources(ctx, c.candidate.ChunkStore, plan.Chunks)
	if err != nil {
		return nil, err
	}

	fullDims := make([]string, len(c.candidate.Schema.Dimensions()))
	for i, d := range c.candidate.Schema.Dimensions() {
		fullDims[i] = d.Name
	}

	rd, err := reader.Open(ctx, reader.Config{
		Schema:           c.candidate.Schema,
		SchemaVersion:    c.candidate.SchemaVersion,
		ReducerCache:     c.candidate.ReducerCache,
		Sources:          sources,
		SelectedDims:     fullDims,
		SelectedMeasures: q.Measures,
	})
	if err != nil {
		closeSources(sources)
		return nil, fmt.Errorf("planner: post-sort: %w", err)
	}
	defer rd.Close()

	measureTypes := make([]measure.Type, len(q.Measures))
	for i, name := range q.Measures {
		mi := c.candidate.Schema.MeasureIndex(name)
		measureTypes[i] = c.candidate.Schema.Measures()[mi].Type
	}
	projIdx := make([]int, len(q.Dimensions))
	for i, name := range q.Dimensions {
		projIdx[i] = c.candidate.Schema.DimIndex(name)
	}

	type group struct {
		dimValues []any
		accs      []measure.Accumulator
	}
	groups := make(map[string]*group)
	var order []string

	for {
		out, err := rd.NextAccumulators(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("planner: post-sort: %w", err)
		}

		projected := make([]any, len(projIdx))
		for i, idx := range projIdx {
			projected[i] = out.DimValues[idx]
		}
		key := groupKey(projected)

		g, ok := groups[key]
		if !ok {
			accs := make([]measure.Accumulator, len(measureTypes))
			for i, mt := range measureTypes {
				acc, err := mt.InitFromAcc(out.Accumulators[i])
				if err != nil {
					return nil, fmt.Errorf("planner: post-sort: init measure %d: %w", i, err)
				}
				accs[i] = acc
			}
			groups[key] = &group{dimValues: projected, accs: accs}
			order = append(order, key)
			continue
		}
		for i, mt := range measureTypes {
			if err := mt.ReduceAccs(g.accs[i], out.Accumulators[i]); err != nil {
				return nil, fmt.Errorf("planner: post-sort: reduce measure %d: %w", i, err)
			}
		}
	}

	postPredicate := namedPredicate(q.Predicate, q.Dimensions)

	rows := make([]reader.Record, 0, len(order))
	for _, key := range order {
		g := groups[key]
		values := make([]any, len(measureTypes))
		for i, mt := range measureTypes {
			v, err := mt.Finalize(g.accs[i])
			if err != nil {
				return nil, fmt.Errorf("planner: post-sort: finalize measure %d: %w", i, err)
			}
			values[i] = v
		}
		if postPredicate != nil && !postPredicate(g.dimValues, values) {
			continue
		}
		rows = append(rows, reader.Record{DimValues: g.dimValues, Values: values})
	}

	sort.Slice(rows, func(i, j int) bool { return lessRows(rows[i].DimValues, rows[j].DimValues) })

	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}

	return &sortedRows{rows: rows}, nil
}

func groupKey(values []any) string {
	var b strings.Builder
	for _, v := range values {
		fmt.Fprintf(&b, "%v\x1f", v)
	}
	return b.String()
}

func lessRows(a, b []any) bool {
	for i := range a {
		if i >= len(b) {
			return false
		}
		c, err := compareValues(a[i], b[i])
		if err != nil {
			continue
		}
		if c != 0 {
			return c < 0
		}
	}
	return false
}

// sortedRows is a RowSource backed by an already-materialized, already-
// ordered slice: the result of openPostSort's in-memory regrouping pass.
type sortedRows struct {
	rows []reader.Record
	pos  int
}

func (s *sortedRows) Next(_ context.Context) (reader.Record, error) {
	if s.pos >= len(s.rows) {
		return reader.Record{}, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

func (s *sortedRows) Close() error { return nil }
