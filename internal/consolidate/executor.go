// Package consolidate implements the consolidation planner & executor
// (spec §4.6): a background loop that watches an AggregationIndex for
// overlap pressure, picks a consolidation set, re-chunks it through the
// Merge reader and Sort-merge writer, and atomically swaps the set for its
// replacement via MetadataStore. The adaptive-period loop is grounded on
// the teacher's internal/orchestrator/scheduler.go gocron wiring; executor
// logic (this file) is independent of the scheduler so it can be driven
// directly in tests or by a one-shot CLI command.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/srosenberg/datakernel-sub002/internal/aggindex"
	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/logging"
	"github.com/srosenberg/datakernel-sub002/internal/reader"
	"github.com/srosenberg/datakernel-sub002/internal/reducer"
	"github.com/srosenberg/datakernel-sub002/internal/schema"
	"github.com/srosenberg/datakernel-sub002/internal/writer"
)

// ExecutorConfig configures one Executor, bound to a single aggregation's
// index, schema, and boundary stores.
type ExecutorConfig struct {
	Schema        *schema.Schema
	SchemaVersion string
	Index         *aggindex.Index
	ChunkStore    chunk.Store
	ReducerCache  *reducer.Cache
	Writer        *writer.Writer

	// OverlapSoft/OverlapCritical are the soft/critical thresholds passed to
	// AggregationIndex.OverlapStatus on every tick.
	OverlapSoft     int
	OverlapCritical int

	// MaxChunksPerConsolidation bounds AggregationIndex.PickConsolidation.
	MaxChunksPerConsolidation int

	// PeriodMin/PeriodMax/PeriodMultiplier implement spec §4.6's adaptive
	// period: multiplied by PeriodMultiplier (capped at PeriodMax) on
	// SOFT/CRITICAL, divided by it (floored at PeriodMin) on OK.
	PeriodMin        time.Duration
	PeriodMax        time.Duration
	PeriodMultiplier float64

	// ReaderConcurrency bounds the errgroup opening chunk readers for a
	// consolidation set. 0 means unbounded.
	ReaderConcurrency int

	Logger *slog.Logger
}

// Executor runs one consolidation round at a time (spec §4.6's per-tick
// algorithm). It holds no goroutine of its own; Scheduler drives it.
type Executor struct {
	cfg          ExecutorConfig
	dimNames     []string
	measureNames []string
	logger       *slog.Logger
}

// NewExecutor validates cfg and returns a ready Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.MaxChunksPerConsolidation <= 0 {
		return nil, fmt.Errorf("consolidate: MaxChunksPerConsolidation must be positive")
	}
	if cfg.PeriodMin <= 0 || cfg.PeriodMax < cfg.PeriodMin {
		return nil, fmt.Errorf("consolidate: PeriodMin/PeriodMax misconfigured (min=%s max=%s)", cfg.PeriodMin, cfg.PeriodMax)
	}
	if cfg.PeriodMultiplier <= 1 {
		return nil, fmt.Errorf("consolidate: PeriodMultiplier must be > 1, got %v", cfg.PeriodMultiplier)
	}

	dims := cfg.Schema.Dimensions()
	measures := cfg.Schema.Measures()
	dimNames := make([]string, len(dims))
	for i, d := range dims {
		dimNames[i] = d.Name
	}
	measureNames := make([]string, len(measures))
	for i, m := range measures {
		measureNames[i] = m.Name
	}

	return &Executor{
		cfg:          cfg,
		dimNames:     dimNames,
		measureNames: measureNames,
		logger:       logging.Default(cfg.Logger).With("component", "consolidation-executor", "aggregation", cfg.Schema.ID()),
	}, nil
}

// Tick runs one round of spec §4.6's algorithm at the given current period,
// returning whether a consolidation was performed and the period the next
// tick should use.
func (e *Executor) Tick(ctx context.Context, period time.Duration) (ran bool, nextPeriod time.Duration, err error) {
	status := e.cfg.Index.OverlapStatus(e.cfg.OverlapSoft, e.cfg.OverlapCritical)

	switch status {
	case aggindex.StatusCritical:
		e.logger.Warn("consolidation skipped: overlap critical", "period", period)
		return false, e.grow(period), nil
	case aggindex.StatusSoft:
		nextPeriod = e.grow(period)
	default:
		nextPeriod = e.shrink(period)
	}

	set := e.cfg.Index.PickConsolidation(e.cfg.MaxChunksPerConsolidation)
	if len(set) == 0 {
		e.logger.Debug("consolidation tick found nothing to consolidate", "status", status.String())
		return false, nextPeriod, nil
	}

	ran, err = e.consolidate(ctx, set)
	if err != nil {
		return false, nextPeriod, err
	}
	return ran, nextPeriod, nil
}

func (e *Executor) grow(period time.Duration) time.Duration {
	p := time.Duration(float64(period) * e.cfg.PeriodMultiplier)
	if p > e.cfg.PeriodMax {
		p = e.cfg.PeriodMax
	}
	return p
}

func (e *Executor) shrink(period time.Duration) time.Duration {
	p := time.Duration(float64(period) / e.cfg.PeriodMultiplier)
	if p < e.cfg.PeriodMin {
		p = e.cfg.PeriodMin
	}
	return p
}

// consolidate re-chunks set: opens a reader per chunk, merges with K = full
// key order (no projection, spec §4.6 step 6), and hands the unfinalized
// accumulators to the Sort-merge writer's IngestReduced for an atomic
// create-and-retire revision.
func (e *Executor) consolidate(ctx context.Context, set []chunk.Meta) (bool, error) {
	sources, err := e.openReaders(ctx, set)
	if err != nil {
		return false, fmt.Errorf("consolidate: %w", err)
	}

	mr, err := reader.Open(ctx, reader.Config{
		Schema:           e.cfg.Schema,
		SchemaVersion:    e.cfg.SchemaVersion,
		ReducerCache:     e.cfg.ReducerCache,
		Sources:          sources,
		SelectedDims:     e.dimNames,
		SelectedMeasures: e.measureNames,
	})
	if err != nil {
		closeAll(sources)
		return false, fmt.Errorf("consolidate: %w", err)
	}
	defer mr.Close()

	var produced []*reducer.OutputRecord
	for {
		out, err := mr.NextAccumulators(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("consolidate: %w", err)
		}
		produced = append(produced, out)
	}

	retired := make([]chunk.ID, len(set))
	for i, m := range set {
		retired[i] = m.ID
	}

	_, created, err := e.cfg.Writer.IngestReduced(ctx, produced, retired)
	if err != nil {
		return false, fmt.Errorf("consolidate: %w", err)
	}

	e.cfg.Index.Apply(created, retired)
	e.logger.Info("consolidation round complete", "consumed", len(set), "produced", len(created))
	return true, nil
}

// openReaders opens one chunk.Reader per meta, bounded by
// ExecutorConfig.ReaderConcurrency (spec §9 expansion: parallelized with
// errgroup, grounded on the teacher's internal/index/build.go fan-out).
func (e *Executor) openReaders(ctx context.Context, metas []chunk.Meta) ([]chunk.Reader, error) {
	readers := make([]chunk.Reader, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.ReaderConcurrency > 0 {
		g.SetLimit(e.cfg.ReaderConcurrency)
	}
	for i, m := range metas {
		i, m := i, m
		g.Go(func() error {
			rd, err := e.cfg.ChunkStore.Reader(gctx, m.ID)
			if err != nil {
				return fmt.Errorf("%w: chunk %d: %v", chunk.ErrChunkStoreIO, m.ID, err)
			}
			readers[i] = rd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(readers)
		return nil, err
	}
	return readers, nil
}

func closeAll(readers []chunk.Reader) {
	for _, rd := range readers {
		if rd != nil {
			rd.Close()
		}
	}
}
