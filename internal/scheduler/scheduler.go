package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultPollInterval is how often the loop looks for due schedules.
const DefaultPollInterval = 60 * time.Second

// ActionRunner is the interface the scheduler uses to run actions.
// Satisfied by *engine.Runner.
type ActionRunner interface {
	RunAction(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
}

// Config holds the Scheduler's collaborators.
type Config struct {
	Store        store.Store
	Runner       ActionRunner
	Pool         *engine.WorkerPool // nil = pool of 4
	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Scheduler polls the store for due schedules and runs their pipelines.
type Scheduler struct {
	store    store.Store
	runner   ActionRunner
	pool     *engine.WorkerPool
	events   *store.EventLog
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently running (dedup)
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Runner == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "scheduler requires a store and an action runner")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pool == nil {
		cfg.Pool = engine.NewWorkerPool(4, cfg.Logger)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		pool:     cfg.Pool,
		events:   store.NewEventLog(cfg.Store),
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
		now:      cfg.Now,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.interval))
	return nil
}

// loop polls on a cron timer. Poll intervals under a second are raised to
// one second; a poll still running when the next is due is skipped.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.Tick(ctx) }))

	// Overdue schedules fire on the first tick.
	s.Tick(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// cronLogger routes the cron runner's own messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Tick fires every active schedule whose next run time has passed and
// returns how many it claimed.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	active := schema.ScheduleActive
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Status: &active, DueBy: &now})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list due schedules", slog.String("error", err.Error()))
		return 0
	}

	fired := 0
	for _, sched := range scheds {
		if ctx.Err() != nil {
			break
		}
		run, err := s.Fire(ctx, sched)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to fire schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if run != nil {
			fired++
		}
	}
	return fired
}

// Fire claims one firing of sched and runs its pipeline. The claim is a
// compare-and-set on the schedule's previous next run time, so a retried or
// concurrent firing of the same slot returns (nil, nil) without running.
func (s *Scheduler) Fire(ctx context.Context, sched *schema.Schedule) (*ScheduleRun, error) {
	now := s.now()
	if !Due(sched, now) {
		return nil, nil
	}
	t, err := Fire(sched, now)
	if err != nil {
		return nil, err
	}
	if !s.tryAcquire(sched.ID) {
		return nil, nil
	}
	defer s.release(sched.ID)

	claimed, err := s.store.AdvanceSchedule(ctx, sched.ID, sched.NextRunAt, t.Update())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "advance schedule %q: %s", sched.ID, err.Error()).WithCause(err)
	}
	if !claimed {
		s.logger.DebugContext(ctx, "schedule slot already claimed", slog.String("schedule_id", sched.ID))
		return nil, nil
	}

	ctx = logging.WithScheduleID(logging.WithAgentID(ctx, sched.AgentID), sched.ID)
	s.logger.InfoContext(ctx, "schedule fired",
		slog.String("schedule", sched.Name),
		slog.String("mode", string(sched.Mode)),
		slog.Time("next_run_at", t.NextRunAt),
		slog.String("status", string(t.Status)),
	)
	s.emitFired(ctx, sched, t)

	run := s.runPipeline(ctx, sched)
	s.recordOutcome(ctx, sched.ID, run, nil)
	return run, nil
}

// RunSchedule runs a schedule's pipeline now, regardless of its clock. The
// schedule's next run time and status are left unchanged.
func (s *Scheduler) RunSchedule(ctx context.Context, scheduleID string) (*ScheduleRun, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeStore)
	}
	if !s.tryAcquire(sched.ID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "schedule %q is already running", sched.ID)
	}
	defer s.release(sched.ID)

	ctx = logging.WithScheduleID(logging.WithAgentID(ctx, sched.AgentID), sched.ID)
	s.logger.InfoContext(ctx, "running schedule on demand", slog.String("schedule", sched.Name))

	run := s.runPipeline(ctx, sched)
	started := run.StartedAt
	s.recordOutcome(ctx, sched.ID, run, &started)
	return run, nil
}

// Reactivate re-arms a paused schedule to fire at nextRunAt.
func (s *Scheduler) Reactivate(ctx context.Context, scheduleID string, nextRunAt time.Time) error {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return schema.AsError(err, schema.ErrCodeStore)
	}
	t, err := Reactivate(sched, nextRunAt.UTC())
	if err != nil {
		return err
	}
	if err := s.store.UpdateSchedule(ctx, scheduleID, t.Update()); err != nil {
		return schema.AsError(err, schema.ErrCodeStore)
	}
	s.logger.InfoContext(ctx, "schedule reactivated",
		slog.String("schedule_id", scheduleID),
		slog.Time("next_run_at", t.NextRunAt),
	)
	return nil
}

func (s *Scheduler) recordOutcome(ctx context.Context, scheduleID string, run *ScheduleRun, lastRunAt *time.Time) {
	status := run.Status
	update := store.ScheduleUpdate{LastRunStatus: &status, LastRunAt: lastRunAt}
	if err := s.store.UpdateSchedule(ctx, scheduleID, update); err != nil {
		s.logger.ErrorContext(ctx, "failed to record schedule outcome",
			slog.String("schedule_id", scheduleID),
			slog.String("error", err.Error()),
		)
	}
	pool := s.pool.Metrics()
	s.logger.InfoContext(ctx, "schedule run finished",
		slog.String("status", run.Status),
		slog.Int("records", run.Total()),
		slog.Duration("elapsed", run.CompletedAt.Sub(run.StartedAt)),
		slog.Group("pool",
			slog.Int64("active", pool.Active),
			slog.Int64("completed", pool.Completed),
			slog.Int64("failed", pool.Failed),
			slog.Int64("panics", pool.Panics),
		),
	)
}

// emitFired appends a schedule_fired event to the schedule's own stream.
func (s *Scheduler) emitFired(ctx context.Context, sched *schema.Schedule, t Transition) {
	payload := map[string]any{
		"schedule_id": sched.ID,
		"mode":        sched.Mode,
		"fired_at":    t.LastRunAt,
		"next_run_at": t.NextRunAt,
		"status":      t.Status,
	}
	if err := s.events.Emit(ctx, EventStream(sched.ID), "", schema.EventScheduleFired, payload); err != nil {
		s.logger.WarnContext(ctx, "append schedule event failed", slog.String("error", err.Error()))
	}
}

// EventStream is the event log key schedule firings are appended under.
func EventStream(scheduleID string) string {
	return "schedule:" + scheduleID
}

// tryAcquire returns true and marks the schedule in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the polling loop. In-flight pipelines see
// their context cancelled between steps.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
