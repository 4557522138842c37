package schema

import "time"

// ExecutionStatus represents the lifecycle state of one action run.
type ExecutionStatus string

const (
	ExecutionPending       ExecutionStatus = "pending"
	ExecutionRunning       ExecutionStatus = "running"
	ExecutionSuccess       ExecutionStatus = "success"
	ExecutionFailed        ExecutionStatus = "failed"
	ExecutionAwaitingOAuth ExecutionStatus = "awaiting_oauth"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailed
}

// StepResult records the outcome of one successful step.
type StepResult struct {
	StepID     string         `json:"stepId"`
	StepName   string         `json:"stepName"`
	StepType   StepType       `json:"stepType"`
	Inputs     map[string]any `json:"inputs"`
	Outputs    map[string]any `json:"outputs"`
	TokensUsed int            `json:"tokensUsed"`
	DurationMs int64          `json:"durationMs"`
}

// ExecutionMetrics aggregates per-step metrics over a whole run.
type ExecutionMetrics struct {
	TotalTokens     int   `json:"totalTokens"`
	TotalDurationMs int64 `json:"totalDurationMs"`
	StepsCompleted  int   `json:"stepsCompleted"`
}

// OAuthRequirement is the payload surfaced when a run suspends on a missing
// third-party credential.
type OAuthRequirement struct {
	Provider         string   `json:"provider"`
	Scopes           []string `json:"scopes,omitempty"`
	OutputField      string   `json:"outputField,omitempty"`
	RequiresExisting bool     `json:"requiresExisting"`
	AgentID          string   `json:"agentId"`
	RecordID         string   `json:"recordId"`
	ActionID         string   `json:"actionId"`
	StepID           string   `json:"stepId,omitempty"`
}

// ExecutionResult is the result document stored on an Execution.
type ExecutionResult struct {
	FinalData   map[string]any    `json:"finalData,omitempty"`
	StepResults []StepResult      `json:"stepResults"`
	Metrics     *ExecutionMetrics `json:"executionMetrics,omitempty"`
	OAuth       *OAuthRequirement `json:"oauth,omitempty"`
}

// Execution is the audit record of one action run against one record.
type Execution struct {
	ID              string          `json:"id"`
	RecordID        string          `json:"recordId"`
	ActionID        string          `json:"actionId"`
	AgentID         string          `json:"agentId"`
	ScheduleID      string          `json:"scheduleId,omitempty"`
	Status          ExecutionStatus `json:"status"`
	Result          ExecutionResult `json:"result"`
	Error           *StepflowError  `json:"error,omitempty"`
	TokenUsage      int             `json:"tokenUsage"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	CreatedAt       time.Time       `json:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}
