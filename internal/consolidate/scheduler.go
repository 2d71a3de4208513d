package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/srosenberg/datakernel-sub002/internal/logging"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Executor *Executor

	// InitialPeriod seeds the adaptive loop (spec §4.6: "a background timer
	// with adaptive period p, bounded by [p_min, p_max]"). Defaults to
	// Executor's PeriodMin, which responds fastest to early overlap.
	InitialPeriod time.Duration

	Logger *slog.Logger
}

// Scheduler drives an Executor on gocron's adaptive-period loop, grounded
// on the teacher's internal/orchestrator/scheduler.go: gocron schedules by
// cron expression rather than a raw duration, so changing the period means
// re-registering the job with a new cron expression, the same
// remove-then-recreate idiom the teacher uses in Scheduler.UpdateJob and
// Scheduler.Rebuild.
type Scheduler struct {
	mu     sync.Mutex
	gs     gocron.Scheduler
	job    gocron.Job
	exec   *Executor
	period time.Duration
	logger *slog.Logger
}

const jobName = "consolidation"

// NewScheduler constructs and starts a Scheduler; the first tick runs at
// the next period boundary, not immediately.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("consolidate: Executor is required")
	}
	period := cfg.InitialPeriod
	if period <= 0 {
		period = cfg.Executor.cfg.PeriodMin
	}

	gs, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait),
	)
	if err != nil {
		return nil, fmt.Errorf("consolidate: create scheduler: %w", err)
	}

	s := &Scheduler{
		gs:     gs,
		exec:   cfg.Executor,
		period: period,
		logger: logging.Default(cfg.Logger).With("component", "consolidation-scheduler", "aggregation", cfg.Executor.cfg.Schema.ID()),
	}
	if err := s.registerLocked(); err != nil {
		return nil, err
	}
	gs.Start()
	return s, nil
}

func (s *Scheduler) registerLocked() error {
	expr := periodToCron(s.period)
	j, err := s.gs.NewJob(
		gocron.CronJob(expr, true),
		gocron.NewTask(s.runTick),
		gocron.WithName(jobName),
	)
	if err != nil {
		return fmt.Errorf("consolidate: register job: %w", err)
	}
	s.job = j
	return nil
}

// runTick is the gocron task body: run one Executor.Tick, then
// re-register the job if the adaptive period changed.
func (s *Scheduler) runTick() {
	s.mu.Lock()
	period := s.period
	s.mu.Unlock()

	ctx := context.Background()
	ran, next, err := s.exec.Tick(ctx, period)
	if err != nil {
		s.logger.Error("consolidation tick failed", "error", err)
		// Drop back to the base period rather than holding whatever
		// (possibly grown) cadence was in effect when the tick failed.
		next = s.exec.cfg.PeriodMin
	}
	s.logger.Debug("consolidation tick done", "ran", ran, "period", period, "next_period", next)

	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.period {
		return
	}
	s.period = next
	if err := s.rescheduleLocked(); err != nil {
		s.logger.Error("failed to reschedule consolidation job", "error", err)
	}
}

func (s *Scheduler) rescheduleLocked() error {
	if s.job != nil {
		if err := s.gs.RemoveJob(s.job.ID()); err != nil {
			s.logger.Warn("error removing old consolidation job", "error", err)
		}
	}
	return s.registerLocked()
}

// Stop shuts down the scheduler, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() error {
	return s.gs.Shutdown()
}

// periodToCron converts a duration into a gocron seconds-enabled cron
// expression, choosing the granularity tier by the period's magnitude:
// under a minute runs at second granularity, under an hour at minute
// granularity, under a day at hour granularity, and beyond that at day
// granularity (capped at a week, since PeriodMax is never configured that
// high in practice). Within a tier the period is truncated to whole units
// (90m becomes every hour). The adaptive loop only needs approximate
// cadence, not second-exact scheduling, but every tier must still produce a
// cron field within its valid range or gocron silently aliases to a shorter
// period.
func periodToCron(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs <= 59 {
		return fmt.Sprintf("*/%d * * * * *", secs)
	}
	mins := secs / 60
	if mins < 1 {
		mins = 1
	}
	if mins <= 59 {
		return fmt.Sprintf("0 */%d * * * *", mins)
	}
	hours := mins / 60
	if hours <= 23 {
		return fmt.Sprintf("0 0 */%d * * *", hours)
	}
	days := hours / 24
	if days > 7 {
		days = 7
	}
	return fmt.Sprintf("0 0 0 */%d * *", days)
}
