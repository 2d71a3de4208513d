package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscardNeverPanics(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	logger.Info("hello")
	logger.Debug("world")
}

func TestDefaultFallsBackToDiscardOnNil(t *testing.T) {
	logger := Default(nil)
	if logger == nil {
		t.Fatal("Default(nil) returned nil")
	}
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Default(nil) should be a discard logger, but Enabled reported true")
	}
}

func TestDefaultPassesThroughNonNil(t *testing.T) {
	var buf bytes.Buffer
	given := slog.New(slog.NewTextHandler(&buf, nil))
	if got := Default(given); got != given {
		t.Error("Default should return the exact logger it was given when non-nil")
	}
}

// recorder is a minimal slog.Handler that appends every record it sees to a
// shared slice, so WithAttrs-derived clones all observe the same log.
type recorder struct {
	mu   *sync.Mutex
	log  *[]slog.Record
	seen []slog.Attr
}

func newRecorder() *recorder {
	return &recorder{mu: &sync.Mutex{}, log: &[]slog.Record{}}
}

func (r *recorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *recorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, rec)
	return nil
}

func (r *recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, 0, len(r.seen)+len(attrs))
	combined = append(combined, r.seen...)
	combined = append(combined, attrs...)
	return &recorder{mu: r.mu, log: r.log, seen: combined}
}

func (r *recorder) WithGroup(string) slog.Handler { return r }

func (r *recorder) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(*r.log)
}

func TestComponentFilterAppliesDefaultLevel(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("passes", "component", "test")
	if rec.size() != 1 {
		t.Fatalf("after Info: got %d records, want 1", rec.size())
	}

	logger.Debug("filtered", "component", "test")
	if rec.size() != 1 {
		t.Fatalf("after Debug below default: got %d records, want still 1", rec.size())
	}

	logger.Warn("also passes", "component", "test")
	if rec.size() != 2 {
		t.Fatalf("after Warn: got %d records, want 2", rec.size())
	}
}

func TestSetLevelRaisesVerbosityForOneComponent(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("below threshold", "component", "orchestrator")
	if rec.size() != 0 {
		t.Fatalf("before SetLevel: got %d records, want 0", rec.size())
	}

	filter.SetLevel("orchestrator", slog.LevelDebug)

	logger.Debug("now allowed", "component", "orchestrator")
	if rec.size() != 1 {
		t.Fatalf("after SetLevel for orchestrator: got %d records, want 1", rec.size())
	}

	logger.Debug("unrelated component", "component", "query-engine")
	if rec.size() != 1 {
		t.Fatalf("debug for a different component should stay filtered: got %d, want 1", rec.size())
	}
}

func TestClearLevelRestoresDefault(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	filter.SetLevel("orchestrator", slog.LevelDebug)
	logger.Debug("allowed", "component", "orchestrator")
	if rec.size() != 1 {
		t.Fatalf("got %d records, want 1", rec.size())
	}

	filter.ClearLevel("orchestrator")
	logger.Debug("filtered again", "component", "orchestrator")
	if rec.size() != 1 {
		t.Fatalf("after ClearLevel: got %d records, want still 1", rec.size())
	}
}

func TestLevelAndDefaultLevelReportConfiguredValues(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)

	if lvl := filter.Level("unknown"); lvl != slog.LevelInfo {
		t.Errorf("Level(unset component) = %v, want %v", lvl, slog.LevelInfo)
	}

	filter.SetLevel("orchestrator", slog.LevelDebug)
	if lvl := filter.Level("orchestrator"); lvl != slog.LevelDebug {
		t.Errorf("Level(orchestrator) = %v, want %v", lvl, slog.LevelDebug)
	}

	if lvl := filter.DefaultLevel(); lvl != slog.LevelInfo {
		t.Errorf("DefaultLevel() = %v, want %v", lvl, slog.LevelInfo)
	}
}

func TestClearLevelOnUnsetComponentIsHarmless(t *testing.T) {
	filter := NewComponentFilterHandler(nil, slog.LevelInfo)
	filter.ClearLevel("never-set") // must not panic

	if lvl := filter.Level("never-set"); lvl != slog.LevelInfo {
		t.Errorf("Level(never-set) = %v, want %v", lvl, slog.LevelInfo)
	}
}

func TestComponentFromPreAttrsIsHonored(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter).With("component", "orchestrator")

	filter.SetLevel("orchestrator", slog.LevelDebug)

	logger.Debug("component came from With(), not the call site")
	if rec.size() != 1 {
		t.Fatalf("got %d records, want 1", rec.size())
	}
}

func TestRecordWithNoComponentUsesDefaultLevel(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("no component attr")
	if rec.size() != 1 {
		t.Fatalf("got %d records, want 1", rec.size())
	}

	logger.Debug("still no component attr")
	if rec.size() != 1 {
		t.Fatalf("debug should stay filtered: got %d records, want 1", rec.size())
	}
}

func TestWithGroupStillFilters(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter.WithGroup("mygroup"))

	logger.Info("passes", "component", "test")
	if rec.size() != 1 {
		t.Fatalf("got %d records, want 1", rec.size())
	}

	logger.Debug("filtered", "component", "test")
	if rec.size() != 1 {
		t.Fatalf("got %d records, want still 1", rec.size())
	}
}

func TestConcurrentLoggingAndLevelChangesDontRace(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < perGoroutine; j++ {
				logger.Info("message", "component", "test")
			}
		})
	}
	for i := 0; i < goroutines; i++ {
		wg.Go(func() {
			for j := 0; j < perGoroutine; j++ {
				filter.SetLevel("test", slog.LevelDebug)
				filter.ClearLevel("test")
			}
		})
	}
	wg.Wait()

	if got, want := rec.size(), goroutines*perGoroutine; got != want {
		t.Errorf("got %d records, want %d (every Info call should have been captured)", got, want)
	}
}

func TestPerComponentLevelsDontLeakBetweenLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	root := slog.New(filter)

	orch := root.With("component", "orchestrator")
	query := root.With("component", "query-engine")

	orch.Debug("orch before")
	query.Debug("query before")
	if buf.Len() != 0 {
		t.Fatalf("expected no output before SetLevel, got: %s", buf.String())
	}

	filter.SetLevel("orchestrator", slog.LevelDebug)

	orch.Debug("orch after")
	query.Debug("query after")

	out := buf.String()
	if !strings.Contains(out, "orch after") {
		t.Errorf("expected orchestrator's debug line in output, got: %s", out)
	}
	if strings.Contains(out, "query after") {
		t.Errorf("query-engine's debug line should have stayed filtered, got: %s", out)
	}
}
