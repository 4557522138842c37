package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/backends"
	"github.com/rendis/stepflow/internal/contract"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/stepinput"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultStepTimeout bounds a single step when the config does not.
const DefaultStepTimeout = 2 * time.Minute

// RunnerConfig holds the Runner's collaborators. Backends and Credentials
// are optional; a step that needs a missing one fails with a configuration
// error.
type RunnerConfig struct {
	Store          store.Store
	Credentials    CredentialChecker
	Generator      backends.Generator
	Searcher       backends.Searcher
	Images         backends.ImageGenerator
	StepTimeout    time.Duration
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
	Logger         *slog.Logger
	Now            func() time.Time
}

// Runner executes actions against records, one step at a time.
type Runner struct {
	store       store.Store
	events      *store.EventLog
	fsm         *ExecutionFSM
	registry    *ExecutorRegistry
	builder     *contract.Builder
	validator   *contract.Validator
	locks       *RunLocks
	stepTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewRunner wires the default executors for every step type.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "runner requires a store")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	interp := expressions.NewInterpolator()
	breakers := NewCircuitBreakerRegistry(cbConfig)

	registry := NewExecutorRegistry()
	for _, e := range []StepExecutor{
		NewAIExecutor(cfg.Generator, interp, breakers),
		NewSearchExecutor(cfg.Searcher, cfg.Generator, interp, breakers),
		NewImageExecutor(cfg.Images, interp, breakers),
		NewCustomExecutor(engines, cfg.Credentials),
	} {
		if err := registry.Register(e); err != nil {
			return nil, err
		}
	}

	events := store.NewEventLog(cfg.Store)
	return &Runner{
		store:       cfg.Store,
		events:      events,
		fsm:         NewExecutionFSM(events),
		registry:    registry,
		builder:     contract.NewBuilder(cfg.Logger),
		validator:   contract.NewValidator(),
		locks:       NewRunLocks(),
		stepTimeout: cfg.StepTimeout,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}, nil
}

// RunOptions are per-invocation knobs.
type RunOptions struct {
	// Cancelled is checked before every step. When it reports true the run
	// stops and is marked failed with CANCELLED.
	Cancelled func() bool
}

// RunRequest identifies one on-demand or scheduled run.
type RunRequest struct {
	ActionID string
	RecordID string
	// UserID must own the action's agent. Scheduled runs pass the
	// schedule agent's owner.
	UserID     string
	ScheduleID string
	Options    RunOptions
}

// RunResult is what callers of RunAction receive. Step failures are
// reported here with Status failed; the Go error from RunAction is reserved
// for runs that could not start or could not be persisted.
type RunResult struct {
	ExecutionID string                   `json:"executionId"`
	Status      schema.ExecutionStatus   `json:"status"`
	FinalData   map[string]any           `json:"finalData,omitempty"`
	StepResults []schema.StepResult      `json:"stepResults"`
	Metrics     *schema.ExecutionMetrics `json:"executionMetrics,omitempty"`
	OAuth       *schema.OAuthRequirement `json:"oauth,omitempty"`
	Error       *schema.StepflowError    `json:"error,omitempty"`
}

// runPlan is everything resolved before the execution row exists.
type runPlan struct {
	req    RunRequest
	action *schema.Action
	agent  *schema.Agent
	model  *schema.Model
	record *schema.Record
}

// runState accumulates per-run progress.
type runState struct {
	plan        *runPlan
	executionID string
	started     time.Time
	results     []schema.StepResult
	metrics     schema.ExecutionMetrics
}

// RunAction executes every step of an action against one record. At most
// one run per (record, action) is in flight; a concurrent call returns
// CONFLICT without creating an execution.
func (r *Runner) RunAction(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.ActionID == "" || req.RecordID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "action id and record id are required")
	}
	if req.UserID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user id is required")
	}
	release, err := r.locks.Acquire(req.RecordID, req.ActionID)
	if err != nil {
		return nil, err
	}
	defer release()

	plan, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithAgentID(ctx, plan.agent.ID)
	if req.ScheduleID != "" {
		ctx = logging.WithScheduleID(ctx, req.ScheduleID)
	}

	exec := &schema.Execution{
		ID:         uuid.NewString(),
		RecordID:   plan.record.ID,
		ActionID:   plan.action.ID,
		AgentID:    plan.agent.ID,
		ScheduleID: req.ScheduleID,
		Status:     schema.ExecutionPending,
		Result:     schema.ExecutionResult{StepResults: []schema.StepResult{}},
		CreatedAt:  r.now(),
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)
	r.emit(ctx, exec.ID, "", schema.EventExecutionCreated, map[string]any{
		"action_id": exec.ActionID, "record_id": exec.RecordID, "schedule_id": exec.ScheduleID,
	})

	st := &runState{plan: plan, executionID: exec.ID, started: time.Now()}
	if err := r.setStatus(ctx, st, schema.ExecutionPending, schema.ExecutionRunning, nil); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "action run started",
		"action", plan.action.Name, "record_id", plan.record.ID, "steps", len(plan.action.Steps))

	return r.execute(ctx, st)
}

func (r *Runner) prepare(ctx context.Context, req RunRequest) (*runPlan, error) {
	action, err := r.store.GetAction(ctx, req.ActionID)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeStore)
	}
	agent, err := r.store.GetAgent(ctx, action.AgentID)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeStore)
	}
	if agent.OwnerID != req.UserID {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden, "user %q does not own agent %q", req.UserID, agent.ID)
	}
	model, ok := agent.Model(action.TargetModel)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"target model %q of action %q not found", action.TargetModel, action.Name)
	}
	rec, err := r.store.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeStore)
	}
	if rec.Deleted() {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "record %q is deleted", rec.ID)
	}
	if rec.ModelID != model.ID {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"record %q belongs to model %q, action %q targets %q", rec.ID, rec.ModelID, action.Name, model.ID)
	}
	return &runPlan{req: req, action: action, agent: agent, model: model, record: rec}, nil
}

func (r *Runner) execute(ctx context.Context, st *runState) (*RunResult, error) {
	snap := NewSnapshot(st.plan.record.Data)
	written := make(map[string]struct{})
	cancelled := st.plan.req.Options.Cancelled

	for _, step := range st.plan.action.OrderedSteps() {
		if cancelled != nil && cancelled() {
			return r.fail(ctx, st, schema.NewErrorf(schema.ErrCodeCancelled,
				"run cancelled before step %q", step.Name).WithStep(step.ID))
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, st, schema.NewError(schema.ErrCodeCancelled, "run context done").
				WithStep(step.ID).WithCause(err))
		}

		out, result := r.runStep(ctx, st, step, snap)
		switch out.Kind {
		case OutcomeNeedsAuth:
			return r.suspend(ctx, st, step, out)
		case OutcomeFailed:
			return r.fail(ctx, st, out.Err)
		}

		snap = snap.Merge(out.Fields)
		for k := range out.Fields {
			written[k] = struct{}{}
		}
		st.results = append(st.results, result)
		st.metrics.TotalTokens += result.TokensUsed
		st.metrics.TotalDurationMs += result.DurationMs
		st.metrics.StepsCompleted++
	}

	return r.complete(ctx, st, snap, written)
}

func (r *Runner) runStep(ctx context.Context, st *runState, step schema.Step, snap Snapshot) (StepOutcome, schema.StepResult) {
	ctx = logging.WithStepID(ctx, step.ID)
	start := time.Now()
	r.emit(ctx, st.executionID, step.ID, schema.EventStepStarted, map[string]any{"name": step.Name, "type": step.Type})

	out, input := r.dispatch(ctx, st, step, snap)
	duration := time.Since(start).Milliseconds()

	switch out.Kind {
	case OutcomeOK:
		r.emit(ctx, st.executionID, step.ID, schema.EventStepCompleted, map[string]any{
			"outputs": sortedKeys(out.Fields), "tokens": out.Usage.TotalTokens, "duration_ms": duration,
		})
		r.logger.DebugContext(ctx, "step completed", "step", step.Name, "duration_ms", duration)
	case OutcomeNeedsAuth:
		r.emit(ctx, st.executionID, step.ID, schema.EventStepNeedsAuth, map[string]any{"provider": out.Auth.Provider})
	case OutcomeFailed:
		if out.Err.StepID == "" {
			out.Err = out.Err.WithStep(step.ID)
		}
		r.emit(ctx, st.executionID, step.ID, schema.EventStepFailed, map[string]any{
			"code": out.Err.Code, "message": out.Err.Message,
		})
		r.logger.WarnContext(ctx, "step failed", "step", step.Name, "code", out.Err.Code, "error", out.Err.Message)
	}

	var inputs map[string]any
	if input != nil {
		inputs = input.Values
	}
	return out, schema.StepResult{
		StepID:     step.ID,
		StepName:   step.Name,
		StepType:   step.Type,
		Inputs:     inputs,
		Outputs:    out.Fields,
		TokensUsed: out.Usage.TotalTokens,
		DurationMs: duration,
	}
}

// dispatch builds the step's input and contract, runs its executor under the
// step timeout and validates the produced fields.
func (r *Runner) dispatch(ctx context.Context, st *runState, step schema.Step, snap Snapshot) (StepOutcome, *stepinput.Context) {
	p := st.plan
	input, err := stepinput.Build(ctx, stepinput.Params{
		InputFields: step.Config.InputFields,
		Snapshot:    snap.Data(),
		Model:       p.model,
		Agent:       p.agent,
		Records:     r.store,
	})
	if err != nil {
		return Failed(err), nil
	}

	c := r.builder.Build(step.Config.OutputFields, p.model, p.agent)
	for _, gap := range c.Gaps {
		r.emit(ctx, st.executionID, step.ID, schema.EventSchemaGap, map[string]any{"field": gap, "model": p.model.Name})
	}

	executor, err := r.registry.Get(step.Type)
	if err != nil {
		return Failed(err), input
	}

	out := r.withTimeout(ctx, executor, StepRequest{
		Step:     step,
		AgentID:  p.agent.ID,
		Model:    p.model,
		Input:    input,
		Contract: c,
		Snapshot: snap,
	})
	if out.Kind != OutcomeOK {
		return out, input
	}

	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	if err := r.validator.Validate(c, out.Fields); err != nil {
		failed := Failed(err)
		failed.Usage = out.Usage
		return failed, input
	}
	return out, input
}

// withTimeout runs the executor in its own goroutine so a step that ignores
// its context still cannot hold the run past the step timeout.
func (r *Runner) withTimeout(ctx context.Context, e StepExecutor, req StepRequest) StepOutcome {
	sctx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	done := make(chan StepOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Failed(schema.NewErrorf(schema.ErrCodeExecutor, "step panicked: %v", rec))
			}
		}()
		done <- e.Execute(sctx, req)
	}()

	select {
	case out := <-done:
		if out.Kind == OutcomeFailed && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Failed(timeoutError(req.Step, r.stepTimeout))
		}
		return out
	case <-sctx.Done():
		if ctx.Err() != nil {
			return Failed(schema.NewError(schema.ErrCodeCancelled, "run context done during step").WithCause(ctx.Err()))
		}
		return Failed(timeoutError(req.Step, r.stepTimeout))
	}
}

func timeoutError(step schema.Step, d time.Duration) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeTimeout, "step %q exceeded timeout of %s", step.Name, d).
		WithStep(step.ID).
		WithDetails(map[string]any{"timeout": d.String()})
}

func (r *Runner) complete(ctx context.Context, st *runState, snap Snapshot, written map[string]struct{}) (*RunResult, error) {
	rec := st.plan.record
	fields := make([]string, 0, len(written))
	for k := range written {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	if len(fields) > 0 {
		// Only the written fields are guarded against concurrent edits.
		base := rec.Data
		if base == nil {
			base = map[string]any{}
		}
		if _, err := r.store.SaveRecordFields(ctx, rec.ID, snap.Subset(fields), base); err != nil {
			return r.fail(ctx, st, schema.AsError(err, schema.ErrCodeStore))
		}
		r.emit(ctx, st.executionID, "", schema.EventRecordUpdated, map[string]any{"record_id": rec.ID, "fields": fields})
	}

	metrics := st.metrics
	result := schema.ExecutionResult{
		FinalData:   snap.Data(),
		StepResults: st.stepResults(),
		Metrics:     &metrics,
	}
	if err := r.setStatus(ctx, st, schema.ExecutionRunning, schema.ExecutionSuccess, &result); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "action run succeeded",
		"steps", metrics.StepsCompleted, "tokens", metrics.TotalTokens, "fields_written", len(fields))
	return &RunResult{
		ExecutionID: st.executionID,
		Status:      schema.ExecutionSuccess,
		FinalData:   result.FinalData,
		StepResults: result.StepResults,
		Metrics:     &metrics,
	}, nil
}

func (r *Runner) suspend(ctx context.Context, st *runState, step schema.Step, out StepOutcome) (*RunResult, error) {
	p := st.plan
	oauth := Gate(out, GateContext{
		AgentID:  p.agent.ID,
		RecordID: p.record.ID,
		ActionID: p.action.ID,
		StepID:   step.ID,
	})

	metrics := st.metrics
	result := schema.ExecutionResult{StepResults: st.stepResults(), Metrics: &metrics, OAuth: oauth}
	if err := r.setStatus(ctx, st, schema.ExecutionRunning, schema.ExecutionAwaitingOAuth, &result); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "action run awaiting authorization", "step", step.Name, "provider", oauth.Provider)
	return &RunResult{
		ExecutionID: st.executionID,
		Status:      schema.ExecutionAwaitingOAuth,
		StepResults: result.StepResults,
		Metrics:     &metrics,
		OAuth:       oauth,
	}, nil
}

func (r *Runner) fail(ctx context.Context, st *runState, serr *schema.StepflowError) (*RunResult, error) {
	metrics := st.metrics
	result := schema.ExecutionResult{StepResults: st.stepResults(), Metrics: &metrics}
	if err := r.setStatus(ctx, st, schema.ExecutionRunning, schema.ExecutionFailed, &result, serr); err != nil {
		return nil, err
	}

	r.logger.ErrorContext(ctx, "action run failed", "code", serr.Code, "error", serr.Message)
	return &RunResult{
		ExecutionID: st.executionID,
		Status:      schema.ExecutionFailed,
		StepResults: result.StepResults,
		Metrics:     &metrics,
		Error:       serr,
	}, nil
}

// setStatus applies an FSM transition and persists it together with the
// result document. Terminal states also record totals and completion time.
func (r *Runner) setStatus(ctx context.Context, st *runState, from, to schema.ExecutionStatus, result *schema.ExecutionResult, serr ...*schema.StepflowError) error {
	var payload any
	if len(serr) > 0 && serr[0] != nil {
		payload = map[string]any{"code": serr[0].Code, "message": serr[0].Message, "step_id": serr[0].StepID}
	}
	if err := r.fsm.Transition(ctx, st.executionID, from, to, payload); err != nil {
		return err
	}

	update := store.ExecutionUpdate{Status: &to, Result: result}
	if len(serr) > 0 {
		update.Error = serr[0]
	}
	if to != schema.ExecutionRunning {
		tokens := st.metrics.TotalTokens
		elapsed := time.Since(st.started).Milliseconds()
		update.TokenUsage = &tokens
		update.ExecutionTimeMs = &elapsed
		if to.Terminal() {
			now := r.now()
			update.CompletedAt = &now
		}
	}
	if err := r.store.UpdateExecution(ctx, st.executionID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update execution to %s: %s", to, err.Error()).WithCause(err)
	}
	return nil
}

func (st *runState) stepResults() []schema.StepResult {
	if st.results == nil {
		return []schema.StepResult{}
	}
	return append([]schema.StepResult(nil), st.results...)
}

// emit records an audit event; a failed append is logged, not fatal.
func (r *Runner) emit(ctx context.Context, executionID, stepID, eventType string, payload any) {
	if err := r.events.Emit(ctx, executionID, stepID, eventType, payload); err != nil {
		r.logger.WarnContext(ctx, "append execution event failed", "event", eventType, "error", err)
	}
}

// Execution returns a stored execution with its step timeline.
func (r *Runner) Execution(ctx context.Context, id string) (*schema.Execution, []store.StepTrace, error) {
	exec, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, schema.AsError(err, schema.ErrCodeStore)
	}
	timeline, err := r.events.Timeline(ctx, id)
	if err != nil {
		return exec, nil, err
	}
	return exec, timeline, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders a run result for CLI output.
func (res *RunResult) String() string {
	switch res.Status {
	case schema.ExecutionAwaitingOAuth:
		return fmt.Sprintf("execution %s awaiting %s authorization", res.ExecutionID, res.OAuth.Provider)
	case schema.ExecutionFailed:
		return fmt.Sprintf("execution %s failed after %d steps: %s", res.ExecutionID, len(res.StepResults), res.Error.Message)
	default:
		return fmt.Sprintf("execution %s %s (%d steps)", res.ExecutionID, res.Status, len(res.StepResults))
	}
}
