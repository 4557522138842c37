package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

type emitted struct {
	executionID string
	stepID      string
	eventType   string
	payload     any
}

// mockEmitter records emitted events for assertions.
type mockEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (m *mockEmitter) Emit(_ context.Context, executionID, stepID, eventType string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, emitted{executionID, stepID, eventType, payload})
	return nil
}

func (m *mockEmitter) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.eventType
	}
	return out
}

type failEmitter struct{}

func (failEmitter) Emit(context.Context, string, string, string, any) error {
	return errors.New("store unavailable")
}

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	em := &mockEmitter{}
	fsm := NewExecutionFSM(em)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "ex-1", schema.ExecutionPending, schema.ExecutionRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "ex-1", schema.ExecutionRunning, schema.ExecutionSuccess, map[string]any{"steps": 2}))

	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionSucceeded}, em.Types())
	assert.Equal(t, map[string]any{"steps": 2}, em.events[1].payload)
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	em := &mockEmitter{}
	fsm := NewExecutionFSM(em)

	tests := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionPending, schema.ExecutionSuccess},
		{schema.ExecutionSuccess, schema.ExecutionRunning},
		{schema.ExecutionFailed, schema.ExecutionRunning},
		{schema.ExecutionAwaitingOAuth, schema.ExecutionRunning},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := fsm.Transition(context.Background(), "ex-1", tt.from, tt.to, nil)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
		})
	}
	assert.Empty(t, em.Types(), "rejected transitions emit nothing")
}

func TestExecutionFSM_Hooks(t *testing.T) {
	fsm := NewExecutionFSM(&mockEmitter{})
	var order []string
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionFailed, func(from, to schema.ExecutionStatus) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionFailed, func(from, to schema.ExecutionStatus) error {
		order = append(order, "after:"+string(to))
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "ex-1", schema.ExecutionRunning, schema.ExecutionFailed, nil))
	assert.Equal(t, []string{"before", "after:failed"}, order)
}

func TestExecutionFSM_BeforeHookAborts(t *testing.T) {
	em := &mockEmitter{}
	fsm := NewExecutionFSM(em)
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(_, _ schema.ExecutionStatus) error {
		return errors.New("veto")
	})

	err := fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	assert.EqualError(t, err, "veto")
	assert.Empty(t, em.Types())
}

func TestExecutionFSM_EmitFailure(t *testing.T) {
	fsm := NewExecutionFSM(failEmitter{})
	err := fsm.Transition(context.Background(), "ex-1", schema.ExecutionPending, schema.ExecutionRunning, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.ExecutionRunning, schema.ExecutionAwaitingOAuth))
	assert.True(t, CanTransition(schema.ExecutionPending, schema.ExecutionFailed))
	assert.False(t, CanTransition(schema.ExecutionStatus("bogus"), schema.ExecutionRunning))
}
