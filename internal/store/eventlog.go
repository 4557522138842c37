package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventLog provides typed append and replay on top of a Store's execution events.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Emit marshals payload and appends it as an event of the given type.
func (el *EventLog) Emit(ctx context.Context, executionID, stepID, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	return el.store.AppendEvent(ctx, &Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	})
}

// StepTrace is the replayed view of one step within an execution.
type StepTrace struct {
	StepID      string          `json:"step_id"`
	Status      string          `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// Timeline replays an execution's events into per-step traces in first-seen
// order. Returns an error if sequence gaps are detected.
func (el *EventLog) Timeline(ctx context.Context, executionID string) ([]StepTrace, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	var order []string
	traces := make(map[string]*StepTrace)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		tr, ok := traces[e.StepID]
		if !ok {
			tr = &StepTrace{StepID: e.StepID, Status: "pending"}
			traces[e.StepID] = tr
			order = append(order, e.StepID)
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			tr.Status = "running"
			tr.StartedAt = &ts
		case schema.EventStepCompleted:
			tr.Status = "completed"
			tr.CompletedAt = &ts
			tr.Detail = e.Payload
			if tr.StartedAt != nil {
				tr.DurationMs = ts.Sub(*tr.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed:
			tr.Status = "failed"
			tr.CompletedAt = &ts
			tr.Detail = e.Payload
		case schema.EventStepNeedsAuth:
			tr.Status = "awaiting_oauth"
			tr.Detail = e.Payload
		}
	}

	out := make([]StepTrace, 0, len(order))
	for _, id := range order {
		out = append(out, *traces[id])
	}
	return out, nil
}
