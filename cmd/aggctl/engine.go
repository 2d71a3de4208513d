// Package main implements aggctl, a demo CLI over the aggregation engine
// core. It seeds a small in-memory "pageviews" dataset across two
// differently key-ordered aggregations of the same measures, then exercises
// ingest, query planning, and consolidation against them — grounded on the
// teacher's cmd/gastrolog/cli command-tree shape (root command, persistent
// output-format flag, one subcommand file per verb).
//
// There is no out-of-scope ChunkStore/MetadataStore backing here (spec §1
// names those external collaborators); every invocation builds a fresh
// in-memory engine and seeds its own sample data, so state never persists
// across process invocations. A real deployment wires the same engine
// construction in engine.go against durable boundary implementations
// instead of internal/chunk/memory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/srosenberg/datakernel-sub002/internal/aggindex"
	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/chunk/memory"
	"github.com/srosenberg/datakernel-sub002/internal/consolidate"
	"github.com/srosenberg/datakernel-sub002/internal/keytype"
	"github.com/srosenberg/datakernel-sub002/internal/measure"
	"github.com/srosenberg/datakernel-sub002/internal/planner"
	"github.com/srosenberg/datakernel-sub002/internal/reducer"
	"github.com/srosenberg/datakernel-sub002/internal/runner"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
	"github.com/srosenberg/datakernel-sub002/internal/writer"
)

var countryMembers = []string{"usa", "deu", "fra", "jpn", "bra"}

// aggregation bundles one schema's full wiring: the boundary stores, the
// writer that produces its chunks, the index tracking its live set, and the
// consolidation executor that keeps that index's overlap in check.
type aggregation struct {
	schema *schema.Schema
	store  chunk.Store
	meta   chunk.MetadataStore
	index  *aggindex.Index
	writer *writer.Writer
	exec   *consolidate.Executor
}

// engine wires both pageviews aggregations plus the planner that chooses
// between them, and a Runner serializing every index mutation.
type engine struct {
	byCountryDay *aggregation
	byDayCountry *aggregation
	plan         *planner.Planner
	run          *runner.Runner
	logger       *slog.Logger
}

func pageviewsSchema(id string, leadingDim string) (*schema.Schema, error) {
	country := schema.Dimension{Name: "country", Type: keytype.NewEnumOrdinal(countryMembers...)}
	day := schema.Dimension{Name: "day", Type: keytype.Int32}
	dims := []schema.Dimension{country, day}
	if leadingDim == "day" {
		dims = []schema.Dimension{day, country}
	}
	return schema.New(id, dims, []schema.Measure{
		{Name: "views", Type: measure.NewSum(measure.KindInt64)},
		{Name: "uniques", Type: measure.NewHyperLogLog(14)},
	})
}

func newAggregation(leadingDim string, logger *slog.Logger) (*aggregation, error) {
	id := "pageviews_by_country_day"
	if leadingDim == "day" {
		id = "pageviews_by_day_country"
	}
	sch, err := pageviewsSchema(id, leadingDim)
	if err != nil {
		return nil, fmt.Errorf("aggctl: %w", err)
	}

	store := memory.NewStore(memory.Config{})
	meta := memory.NewMetadataStore(memory.Config{})
	cache := reducer.NewCache()

	w, err := writer.New(writer.Config{
		Schema:         sch,
		ChunkStore:     store,
		MetadataStore:  meta,
		ReducerCache:   cache,
		SpillThreshold: 4096,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("aggctl: %w", err)
	}

	index := aggindex.New()
	exec, err := consolidate.NewExecutor(consolidate.ExecutorConfig{
		Schema:                    sch,
		SchemaVersion:             "v1",
		Index:                     index,
		ChunkStore:                store,
		ReducerCache:              cache,
		Writer:                    w,
		OverlapSoft:               4,
		OverlapCritical:           16,
		MaxChunksPerConsolidation: 32,
		// PeriodMin/Max/Multiplier only matter to a Scheduler's adaptive
		// loop; this CLI drives a single Tick per invocation instead, so
		// these just need to satisfy NewExecutor's validation.
		PeriodMin:        time.Second,
		PeriodMax:        time.Minute,
		PeriodMultiplier: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("aggctl: %w", err)
	}

	return &aggregation{schema: sch, store: store, meta: meta, index: index, writer: w, exec: exec}, nil
}

// newEngine builds both pageviews aggregations and registers them with a
// Planner, using a rough domain-size estimate (5 countries, 30 days) for
// the query planner's cost formula.
func newEngine(logger *slog.Logger) (*engine, error) {
	byCountryDay, err := newAggregation("country", logger)
	if err != nil {
		return nil, err
	}
	byDayCountry, err := newAggregation("day", logger)
	if err != nil {
		return nil, err
	}

	domainSize := map[string]int64{"country": int64(len(countryMembers)), "day": 30}

	p := planner.New()
	for _, agg := range []*aggregation{byCountryDay, byDayCountry} {
		if err := p.Register(&planner.Candidate{
			Schema:        agg.schema,
			SchemaVersion: "v1",
			Index:         agg.index,
			ChunkStore:    agg.store,
			ReducerCache:  reducer.NewCache(),
			DomainSize:    domainSize,
		}); err != nil {
			return nil, fmt.Errorf("aggctl: register %s: %w", agg.schema.ID(), err)
		}
	}

	return &engine{
		byCountryDay: byCountryDay,
		byDayCountry: byDayCountry,
		plan:         p,
		run:          runner.New(runner.Config{Logger: logger}),
		logger:       logger,
	}, nil
}

func (e *engine) close() {
	e.run.Stop()
	e.run.Wait()
}

// sampleRecord is one synthetic pageview used to seed both aggregations.
type sampleRecord struct {
	country string
	day     int64
	views   int64
	visitor string
}

// sampleRecords deterministically generates n pageview events spread across
// countries and a 30-day window, so repeated invocations see identical data.
func sampleRecords(n int) []sampleRecord {
	recs := make([]sampleRecord, n)
	for i := 0; i < n; i++ {
		recs[i] = sampleRecord{
			country: countryMembers[i%len(countryMembers)],
			day:     int64(i % 30),
			views:   int64(i%7 + 1),
			visitor: fmt.Sprintf("visitor-%d", i%997),
		}
	}
	return recs
}

// ingestAll writes recs into both aggregations through their Writers, and
// applies each resulting chunk set to its Index via the engine's Runner —
// the Runner is the single place this CLI applies Index.Apply for the write
// path. Consolidation's Index update does not go through it:
// internal/consolidate.Executor applies that internally, inside Tick, on
// whichever goroutine runs the tick (see consolidateOne).
func (e *engine) ingestAll(ctx context.Context, recs []sampleRecord) error {
	for _, agg := range []*aggregation{e.byCountryDay, e.byDayCountry} {
		if err := e.ingestOne(ctx, agg, recs); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) ingestOne(ctx context.Context, agg *aggregation, recs []sampleRecord) error {
	ch := make(chan writer.RawRecord, len(recs))
	for _, r := range recs {
		var dims []any
		if agg.schema.Dimensions()[0].Name == "day" {
			dims = []any{r.day, r.country}
		} else {
			dims = []any{r.country, r.day}
		}
		ch <- writer.RawRecord{DimValues: dims, MeasureVals: []any{r.views, r.visitor}}
	}
	close(ch)

	done := make(chan error, 1)
	runner.SubmitIO(e.run, func(ctx context.Context) ([]chunk.Meta, error) {
		_, created, err := agg.writer.Ingest(ctx, ch)
		return created, err
	}, func(ctx context.Context, res runner.IOResult[[]chunk.Meta]) {
		if res.Err != nil {
			done <- res.Err
			return
		}
		agg.index.Apply(res.Value, nil)
		done <- nil
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consolidateOne runs a single consolidation tick against agg through the
// engine's Runner: the tick itself, including the Executor's own
// Index.Apply, runs on one of the Runner's I/O workers, and only its result
// callback runs on the Runner goroutine.
func (e *engine) consolidateOne(ctx context.Context, agg *aggregation) (bool, error) {
	done := make(chan error, 1)
	var ran bool
	runner.SubmitIO(e.run, func(ctx context.Context) (bool, error) {
		r, _, err := agg.exec.Tick(ctx, 0)
		return r, err
	}, func(ctx context.Context, res runner.IOResult[bool]) {
		ran = res.Value
		done <- res.Err
	})

	select {
	case err := <-done:
		return ran, err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
