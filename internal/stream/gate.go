package stream

import "context"

// Gate is the single-bit backpressure signal spec §6's cyclic-producer/
// consumer note describes: "backpressure is a bit that flows upstream and
// gates production." A chain of operators each holding at most one
// predecessor and one successor shares one Gate per edge; the successor
// closes it while busy and opens it once ready for more, and the
// predecessor's production loop waits on it before emitting the next value.
//
// Gate is independent of Pipe: Pipe already gates production implicitly
// through channel capacity, but some producers (e.g. the sort-merge
// writer's inline per-run loop, which has no channel between runs) need an
// explicit, checkable bit instead — spec §5 suspension point (c), "between
// sorted-run boundaries in the writer."
type Gate struct {
	open chan struct{}
}

// NewGate returns a Gate that starts open (ready to receive production).
func NewGate() *Gate {
	g := &Gate{open: make(chan struct{}, 1)}
	g.open <- struct{}{}
	return g
}

// Close signals downstream is busy; the next Wait suspends until Open.
func (g *Gate) Close() {
	select {
	case <-g.open:
	default:
	}
}

// Open signals downstream is ready for more production.
func (g *Gate) Open() {
	select {
	case g.open <- struct{}{}:
	default:
	}
}

// Wait suspends until the gate is open or ctx is cancelled, then re-closes
// it — exactly one production step is authorized per successful Wait,
// mirroring a semaphore of size 1. Callers that can produce a batch instead
// of one record should re-Open immediately after a successful Wait if they
// want to keep producing without an intervening downstream signal.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fence marks a sorted-run boundary in a stream of records (spec §5
// suspension point (c)). A producer that emits Fence between runs lets a
// Source[Fenced[T]] consumer distinguish "end of this run" from "end of the
// whole stream" without closing the underlying Pipe.
type Fence struct{}

// Fenced wraps a value with an optional run-boundary marker: exactly one of
// Value or IsFence is meaningful per delivery.
type Fenced[T any] struct {
	Value   T
	IsFence bool
}
