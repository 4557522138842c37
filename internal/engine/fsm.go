package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.ExecutionStatus) error

// EventEmitter records audit events. Satisfied by *store.EventLog.
type EventEmitter interface {
	Emit(ctx context.Context, executionID, stepID, eventType string, payload any) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution status transitions and emits one audit
// event per transition. The caller persists the new status.
type ExecutionFSM struct {
	mu      sync.Mutex
	emitter EventEmitter
	before  map[hookKey][]TransitionHook
	after   map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM that emits events via emitter.
func NewExecutionFSM(emitter EventEmitter) *ExecutionFSM {
	return &ExecutionFSM{
		emitter: emitter,
		before:  make(map[hookKey][]TransitionHook),
		after:   make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.after[k] = append(f.after[k], hook)
}

// Transition validates from -> to, runs hooks and emits the matching event
// with payload.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	k := hookKey{from, to}
	before := slices.Clone(f.before[k])
	after := slices.Clone(f.after[k])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := executionEventType(to); eventType != "" && f.emitter != nil {
		if err := f.emitter.Emit(ctx, executionID, "", eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionSuccess:
		return schema.EventExecutionSucceeded
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionAwaitingOAuth:
		return schema.EventExecutionAwaitingOAuth
	default:
		return ""
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

// ValidExecutionTransitions defines the allowed execution status transitions.
// awaiting_oauth is terminal for its execution: resumption is a new run.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:       {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionRunning:       {schema.ExecutionSuccess, schema.ExecutionFailed, schema.ExecutionAwaitingOAuth},
	schema.ExecutionSuccess:       {},
	schema.ExecutionFailed:        {},
	schema.ExecutionAwaitingOAuth: {},
}
