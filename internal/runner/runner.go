// Package runner implements the single-threaded cooperative event loop spec
// §5 and §2's "Stream backpressure glue" line describe: one goroutine
// serializes every CPU-bound, data-plane operation (readers, writers,
// merges, index mutation, revision transitions); blocking I/O (ChunkStore
// byte streams, MetadataStore calls) runs on a bounded worker pool and
// reports back by posting a closure onto the same serialized queue, never
// by calling back into the runner's goroutine directly.
//
// Grounded on the teacher's internal/orchestrator/lifecycle.go ingestLoop:
// one owning goroutine drains a channel under a context, draining the
// remainder on cancellation instead of abandoning it mid-flight. Runner
// generalizes that loop from "one orchestrator, one ingest channel" into a
// reusable type, and adds the bounded worker pool
// internal/orchestrator/ingest.go's scheduleCompression/scheduleIndexBuild
// express ad hoc (fire a background job, report failure via logging) —
// here made an explicit, awaitable result channel instead of a log line.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/srosenberg/datakernel-sub002/internal/logging"
)

// ErrStopped is returned by Submit once the Runner has begun stopping.
var ErrStopped = errors.New("runner: stopped")

// Task is a unit of CPU-bound, data-plane work that executes inline on the
// Runner's single goroutine. It receives the Runner's lifetime context,
// already cancelled if Stop has been called.
type Task func(ctx context.Context)

// Config configures a Runner.
type Config struct {
	// QueueSize bounds how many submitted Tasks may be queued ahead of the
	// loop goroutine before Submit suspends (spec §5 suspension point (a),
	// generalized from "downstream consumer" to "the runner's own queue").
	// Defaults to 64.
	QueueSize int

	// IOConcurrency bounds the worker pool used for blocking I/O (spec §5:
	// "a bounded worker pool"). Defaults to 4.
	IOConcurrency int

	Logger *slog.Logger
}

// Runner owns one goroutine's worth of serialized task execution plus a
// bounded pool of worker goroutines for blocking calls.
type Runner struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc

	loopDone chan struct{}
	io       *errgroup.Group
	ioCtx    context.Context

	logger *slog.Logger

	stopOnce sync.Once
}

// New constructs and starts a Runner; its loop goroutine is running before
// New returns.
func New(cfg Config) *Runner {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	ioConcurrency := cfg.IOConcurrency
	if ioConcurrency <= 0 {
		ioConcurrency = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ioCtx := errgroup.WithContext(ctx)
	g.SetLimit(ioConcurrency)

	r := &Runner{
		tasks:    make(chan Task, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		io:       g,
		ioCtx:    ioCtx,
		logger:   logging.Default(cfg.Logger).With("component", "runner"),
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case t, ok := <-r.tasks:
			if !ok {
				return
			}
			t(r.ctx)
		}
	}
}

// drain runs every already-queued Task after cancellation, so a Task
// submitted just before Stop still executes (cooperative cancellation
// "completes at the next suspension point", spec §5) instead of being
// silently dropped. It never blocks waiting for new Tasks.
func (r *Runner) drain() {
	for {
		select {
		case t, ok := <-r.tasks:
			if !ok {
				return
			}
			t(r.ctx)
		default:
			return
		}
	}
}

// Submit enqueues fn to run inline on the Runner's goroutine. It suspends
// (without blocking a thread) if the queue is full, until space frees up or
// the Runner stops. Safe to call from any goroutine, including from inside
// another Task or from an I/O worker's result post-back.
func (r *Runner) Submit(fn Task) error {
	select {
	case <-r.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case r.tasks <- fn:
		return nil
	case <-r.ctx.Done():
		return ErrStopped
	}
}

// Context returns the Runner's lifetime context, cancelled once Stop is
// called.
func (r *Runner) Context() context.Context {
	return r.ctx
}

// IOResult carries one blocking operation's outcome back across the worker
// pool/runner-goroutine boundary.
type IOResult[T any] struct {
	TaskID uuid.UUID
	Value  T
	Err    error
}

// SubmitIO runs fn on the bounded worker pool (off the Runner's goroutine,
// spec §5: "blocking I/O... delegated to a bounded worker pool") and, once
// it returns, posts the result back as a Submit'd Task so onResult executes
// serialized with every other Task — never called directly from the worker
// goroutine. A generic method cannot carry its own type parameter in Go, so
// this is a free function taking the Runner explicitly.
//
// One worker's failure never cancels its siblings: fn's error is delivered
// to onResult via IOResult.Err rather than returned to the errgroup, which
// would otherwise cancel ioCtx and abort unrelated in-flight I/O.
func SubmitIO[T any](r *Runner, fn func(ctx context.Context) (T, error), onResult func(ctx context.Context, res IOResult[T])) uuid.UUID {
	id := uuid.New()
	r.io.Go(func() error {
		v, err := fn(r.ioCtx)
		res := IOResult[T]{TaskID: id, Value: v, Err: err}
		if submitErr := r.Submit(func(ctx context.Context) {
			onResult(ctx, res)
		}); submitErr != nil {
			r.logger.Warn("dropped I/O result after stop", "task_id", id, "error", submitErr)
		}
		return nil
	})
	return id
}

// Stop cancels the Runner's context. Queued Tasks still drain; call Wait
// to block until the loop goroutine and every outstanding worker finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(r.cancel)
}

// Wait blocks until the worker pool and the loop goroutine have both
// finished. Call Stop first; Wait does not stop the Runner itself.
func (r *Runner) Wait() error {
	err := r.io.Wait()
	<-r.loopDone
	return err
}
