package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/filter"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// ScheduleRun is the outcome of one pipeline run.
type ScheduleRun struct {
	ScheduleID  string    `json:"scheduleId"`
	Status      string    `json:"status"`
	Steps       []StepRun `json:"steps"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// StepRun is the outcome of one ScheduleStep: the records its query
// selected and the action result for each.
type StepRun struct {
	Order    int                   `json:"order"`
	ModelID  string                `json:"modelId"`
	ActionID string                `json:"actionId"`
	Runs     []RecordRun           `json:"runs"`
	Error    *schema.StepflowError `json:"error,omitempty"`
}

// RecordRun pairs a record with its action result. Error is set when the
// run could not start at all.
type RecordRun struct {
	RecordID string                `json:"recordId"`
	Result   *engine.RunResult     `json:"result,omitempty"`
	Error    *schema.StepflowError `json:"error,omitempty"`
}

// Status returns the record's execution status; runs that never started
// count as failed.
func (r RecordRun) Status() schema.ExecutionStatus {
	if r.Error != nil || r.Result == nil {
		return schema.ExecutionFailed
	}
	return r.Result.Status
}

// Total is the number of record runs across all steps.
func (run *ScheduleRun) Total() int {
	n := 0
	for _, st := range run.Steps {
		n += len(st.Runs)
	}
	return n
}

// summarize derives the schedule's last run status from its record runs.
func (run *ScheduleRun) summarize() string {
	var ok, failed, waiting int
	for _, st := range run.Steps {
		if st.Error != nil {
			failed++
		}
		for _, r := range st.Runs {
			switch r.Status() {
			case schema.ExecutionSuccess:
				ok++
			case schema.ExecutionAwaitingOAuth:
				waiting++
			default:
				failed++
			}
		}
	}
	total := ok + failed + waiting
	switch {
	case total == 0:
		return schema.RunStatusEmpty
	case ok == total:
		return schema.RunStatusSuccess
	case failed == total:
		return schema.RunStatusFailed
	case failed == 0 && ok == 0:
		return schema.RunStatusAwaitingOAuth
	}
	return schema.RunStatusPartial
}

// runPipeline runs each ScheduleStep in order. Records are re-read per step
// so later stages observe writes made by earlier ones. Runs within a step
// share the worker pool and are awaited before the next step starts.
func (s *Scheduler) runPipeline(ctx context.Context, sched *schema.Schedule) *ScheduleRun {
	run := &ScheduleRun{ScheduleID: sched.ID, Steps: []StepRun{}, StartedAt: s.now()}

	// Scheduled runs act as the agent's owner, so an action belonging to
	// another owner's agent is rejected by the runner.
	owner := ""
	agent, err := s.store.GetAgent(ctx, sched.AgentID)
	if err != nil {
		run.Steps = append(run.Steps, StepRun{Error: schema.AsError(err, schema.ErrCodeStore)})
	} else {
		owner = agent.OwnerID
		for _, step := range sched.OrderedSteps() {
			if ctx.Err() != nil {
				run.Steps = append(run.Steps, StepRun{
					Order: step.Order, ModelID: step.ModelID, ActionID: step.ActionID,
					Error: schema.NewError(schema.ErrCodeCancelled, "schedule run cancelled").WithCause(ctx.Err()),
				})
				break
			}
			run.Steps = append(run.Steps, s.runStep(ctx, sched, step, owner))
		}
	}

	run.CompletedAt = s.now()
	run.Status = run.summarize()
	return run
}

func (s *Scheduler) runStep(ctx context.Context, sched *schema.Schedule, step schema.ScheduleStep, owner string) StepRun {
	sr := StepRun{Order: step.Order, ModelID: step.ModelID, ActionID: step.ActionID, Runs: []RecordRun{}}

	recs, err := s.store.ListRecords(ctx, store.RecordFilter{ModelID: step.ModelID})
	if err != nil {
		sr.Error = schema.AsError(err, schema.ErrCodeStore)
		return sr
	}
	matched := filter.FilterRecords(recs, step.Query)
	s.logger.DebugContext(ctx, "schedule step selected records",
		slog.Int("order", step.Order),
		slog.String("model_id", step.ModelID),
		slog.Int("candidates", len(recs)),
		slog.Int("matched", len(matched)),
	)

	sr.Runs = make([]RecordRun, len(matched))
	g := s.pool.Group()
	for i, rec := range matched {
		sr.Runs[i].RecordID = rec.ID
		err := g.Go(ctx, func(ctx context.Context) error {
			res, err := s.runner.RunAction(ctx, engine.RunRequest{
				ActionID:   step.ActionID,
				RecordID:   rec.ID,
				UserID:     owner,
				ScheduleID: sched.ID,
				Options:    engine.RunOptions{Cancelled: func() bool { return ctx.Err() != nil }},
			})
			sr.Runs[i].Result = res
			if err != nil {
				sr.Runs[i].Error = schema.AsError(err, schema.ErrCodeExecutor)
				return err
			}
			if res.Error != nil {
				return res.Error
			}
			return nil
		})
		if err != nil {
			sr.Runs[i].Error = schema.AsError(err, schema.ErrCodeCancelled)
		}
	}
	g.Wait()
	return sr
}
