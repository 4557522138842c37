package store

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Event is an immutable entry in an execution's audit log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	ModelID        string `json:"model_id,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	RecordID   string                  `json:"record_id,omitempty"`
	ActionID   string                  `json:"action_id,omitempty"`
	ScheduleID string                  `json:"schedule_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status          *schema.ExecutionStatus `json:"status,omitempty"`
	Result          *schema.ExecutionResult `json:"result,omitempty"`
	Error           *schema.StepflowError   `json:"error,omitempty"`
	TokenUsage      *int                    `json:"token_usage,omitempty"`
	ExecutionTimeMs *int64                  `json:"execution_time_ms,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	AgentID string                 `json:"agent_id,omitempty"`
	Status  *schema.ScheduleStatus `json:"status,omitempty"`
	DueBy   *time.Time             `json:"due_by,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Status        *schema.ScheduleStatus `json:"status,omitempty"`
	NextRunAt     *time.Time             `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time             `json:"last_run_at,omitempty"`
	LastRunStatus *string                `json:"last_run_status,omitempty"`
}

// ConflictingFields reports which keys of partial hold a different value in
// stored than in base. A key absent from base conflicts when stored has it.
// Values are compared by their JSON encoding so numbers decoded as float64
// match their integer literals.
func ConflictingFields(stored, base, partial map[string]any) []string {
	var out []string
	for k := range partial {
		sv, inStored := stored[k]
		bv, inBase := base[k]
		if inStored != inBase || (inStored && !sameJSON(sv, bv)) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// FieldConflictError is the CONFLICT returned when a guarded write finds
// fields changed underneath it.
func FieldConflictError(id string, fields []string) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"record %q fields %v were modified concurrently", id, fields).
		WithDetails(map[string]any{"fields": fields})
}
