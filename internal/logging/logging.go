// Package logging carries this repo's logging conventions: components take
// an injected *slog.Logger (never reach for a package-level global), fall
// back to a handler that discards everything when none is given, and scope
// themselves with a "component" attribute at construction time. Global
// concerns — output format, destination, the process-wide minimum level —
// belong in main(), not in any component.
//
// Logging stays sparse: hot inner loops (sort/reduce/merge/codec passes)
// don't log at all; lifecycle boundaries (ingest published, tick ran,
// revision rejected) do.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

// discardHandler drops every record it sees.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// Discard returns a logger that produces no output, for use wherever a
// caller declines to supply one.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger unchanged if it's non-nil, and a Discard() logger
// otherwise. The standard way a component resolves an optional *slog.Logger
// parameter:
//
//	func New(cfg Config) *Thing {
//	    return &Thing{logger: logging.Default(cfg.Logger).With("component", "thing")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps another Handler and applies a per-component
// minimum level on top of it, keyed off each record's "component" attribute.
// This lets an operator raise verbosity for one component (say, the
// consolidation scheduler) without touching the process-wide level or
// restarting anything: SetLevel/ClearLevel mutate the filter live.
//
// Reads (Handle, on every log call) take only a read lock on the level
// table's RWMutex, so concurrent logging goroutines never block one another;
// they wait on an unrelated SetLevel/ClearLevel call only for the duration
// of its single in-place map write.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs carries attributes attached via With() before the record
	// reaches Handle(), since that's the only place a "component" value set
	// via With(...) is still visible to us.
	preAttrs []slog.Attr

	// levels is shared by every handler derived from the same root via
	// WithAttrs/WithGroup, so a SetLevel call affects all of them.
	levels *levelTable
}

// levelTable is the mutable, shared piece of a ComponentFilterHandler tree:
// one table per NewComponentFilterHandler call, referenced by every handler
// cloned from it.
type levelTable struct {
	mu     sync.RWMutex
	byName map[string]slog.Level
}

func newLevelTable() *levelTable {
	return &levelTable{byName: make(map[string]slog.Level)}
}

func (t *levelTable) get(component string) (slog.Level, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lvl, ok := t.byName[component]
	return lvl, ok
}

func (t *levelTable) set(component string, level slog.Level) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[component] = level
}

func (t *levelTable) clear(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byName, component)
}

// NewComponentFilterHandler builds a filter in front of next. defaultLevel
// governs any component with no level of its own set via SetLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       newLevelTable(),
	}
}

// Enabled always reports true: the component-specific minimum can only be
// known once the record's attributes are visible, which happens in Handle,
// not here.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle drops r if it falls below the minimum level configured for its
// component (or the default level, if its component has none), and
// otherwise forwards it to the wrapped handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component(r)

	threshold := h.defaultLevel
	if lvl, ok := h.levels.get(component); ok {
		threshold = lvl
	}
	if r.Level < threshold {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// component returns the value of the "component" attribute attached to r,
// checking attributes set via With() before the record's own, or "" if
// neither carries one.
func (h *ComponentFilterHandler) component(r slog.Record) string {
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}

	var found string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				found = s
				return false
			}
		}
		return true
	})
	return found
}

// WithAttrs returns a derived handler carrying attrs, sharing this one's
// level table so SetLevel/ClearLevel still apply to it.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.preAttrs)+len(attrs))
	merged = append(merged, h.preAttrs...)
	merged = append(merged, attrs...)
	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     merged,
		levels:       h.levels,
	}
}

// WithGroup returns a derived handler scoped under name, sharing this one's
// level table.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel sets the minimum level logged for component, effective
// immediately for every handler sharing this filter's level table.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.set(component, level)
}

// ClearLevel removes component's configured level, reverting it to
// DefaultLevel.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.clear(component)
}

// Level reports the minimum level currently in effect for component: its
// own configured level if SetLevel was called for it, else DefaultLevel.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if lvl, ok := h.levels.get(component); ok {
		return lvl
	}
	return h.defaultLevel
}

// DefaultLevel reports the minimum level applied to components with no
// level of their own.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
