package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/contract"
	"github.com/rendis/stepflow/internal/stepinput"
	"github.com/rendis/stepflow/pkg/schema"
)

// StepRequest carries everything an executor needs to run one step.
type StepRequest struct {
	Step     schema.Step
	AgentID  string
	Model    *schema.Model
	Input    *stepinput.Context
	Contract *contract.Contract
	Snapshot Snapshot
}

// StepExecutor runs one step type. Executors never return Go errors:
// failures are carried in the outcome.
type StepExecutor interface {
	Type() schema.StepType
	Execute(ctx context.Context, req StepRequest) StepOutcome
}

// ExecutorRegistry dispatches steps to executors by step type.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[schema.StepType]StepExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[schema.StepType]StepExecutor)}
}

// Register adds an executor. Returns error on nil, unknown or duplicate type.
func (r *ExecutorRegistry) Register(e StepExecutor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := e.Type()
	if !t.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", t)
	}
	r.executors[t] = e
	return nil
}

// Get returns the executor for t.
func (r *ExecutorRegistry) Get(t schema.StepType) (StepExecutor, error) {
	r.mu.RLock()
	e, ok := r.executors[t]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no executor for step type %q", t).
			WithDetails(map[string]any{"registered": r.Types()})
	}
	return e, nil
}

// Types lists registered step types, sorted.
func (r *ExecutorRegistry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.StepType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
