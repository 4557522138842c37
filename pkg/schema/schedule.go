package schema

import (
	"sort"
	"strings"
	"time"
)

// ScheduleMode selects one-shot or recurring firing.
type ScheduleMode string

const (
	ScheduleOnce      ScheduleMode = "once"
	ScheduleRecurring ScheduleMode = "recurring"
)

// ScheduleStatus is orthogonal to the mode.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// Schedule selects records and runs actions on them at a point in time.
type Schedule struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agentId"`
	Name          string         `json:"name"`
	Mode          ScheduleMode   `json:"mode"`
	IntervalHours int            `json:"intervalHours,omitempty"`
	Status        ScheduleStatus `json:"status"`
	NextRunAt     time.Time      `json:"nextRunAt"`
	LastRunAt     *time.Time     `json:"lastRunAt,omitempty"`
	LastRunStatus string         `json:"lastRunStatus,omitempty"`
	Steps         []ScheduleStep `json:"steps"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Interval returns the recurrence interval as a duration.
func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalHours) * time.Hour
}

// Validate checks mode/interval consistency.
func (s *Schedule) Validate() error {
	switch s.Mode {
	case ScheduleOnce:
	case ScheduleRecurring:
		if s.IntervalHours <= 0 {
			return NewErrorf(ErrCodeConfiguration, "recurring schedule %q needs intervalHours > 0", s.Name)
		}
	default:
		return NewErrorf(ErrCodeConfiguration, "schedule %q has unknown mode %q", s.Name, s.Mode)
	}
	if s.Status != ScheduleActive && s.Status != SchedulePaused {
		return NewErrorf(ErrCodeConfiguration, "schedule %q has unknown status %q", s.Name, s.Status)
	}
	for i, st := range s.Steps {
		if st.ModelID == "" || st.ActionID == "" {
			return NewErrorf(ErrCodeConfiguration, "schedule %q step %d needs modelId and actionId", s.Name, i)
		}
		if _, ok := st.Query.Logic.Canonical(); !ok {
			return NewErrorf(ErrCodeConfiguration, "schedule %q step %d has unknown logic %q", s.Name, i, st.Query.Logic)
		}
		for _, f := range st.Query.Filters {
			if !f.Operator.Known() {
				return NewErrorf(ErrCodeConfiguration, "schedule %q step %d has unknown operator %q", s.Name, i, f.Operator)
			}
		}
	}
	return nil
}

// OrderedSteps returns the pipeline stages sorted by Order.
func (s *Schedule) OrderedSteps() []ScheduleStep {
	steps := make([]ScheduleStep, len(s.Steps))
	copy(steps, s.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// ScheduleStep is one stage of a scheduled pipeline: select records of
// ModelID matching Query and run ActionID on each.
type ScheduleStep struct {
	ScheduleID string           `json:"scheduleId"`
	ModelID    string           `json:"modelId"`
	Query      FilterExpression `json:"query"`
	ActionID   string           `json:"actionId"`
	Order      int              `json:"order"`
}

// FilterLogic combines per-filter results.
type FilterLogic string

const (
	LogicAnd FilterLogic = "AND"
	LogicOr  FilterLogic = "OR"
)

// Canonical returns LogicAnd or LogicOr, matching case-insensitively.
// Empty logic is AND. Anything else reports false.
func (l FilterLogic) Canonical() (FilterLogic, bool) {
	switch strings.ToUpper(strings.TrimSpace(string(l))) {
	case "", string(LogicAnd):
		return LogicAnd, true
	case string(LogicOr):
		return LogicOr, true
	}
	return l, false
}

// FilterOperator names a predicate over (field value, filter value).
type FilterOperator string

const (
	OpEquals         FilterOperator = "equals"
	OpNotEquals      FilterOperator = "not_equals"
	OpContains       FilterOperator = "contains"
	OpNotContains    FilterOperator = "not_contains"
	OpIsEmpty        FilterOperator = "is_empty"
	OpIsNotEmpty     FilterOperator = "is_not_empty"
	OpGreaterThan    FilterOperator = "greater_than"
	OpLessThan       FilterOperator = "less_than"
	OpGreaterOrEqual FilterOperator = "greater_or_equal"
	OpLessOrEqual    FilterOperator = "less_or_equal"
	OpStartsWith     FilterOperator = "starts_with"
	OpEndsWith       FilterOperator = "ends_with"
	OpIn             FilterOperator = "in"
	OpNotIn          FilterOperator = "not_in"
)

// Known reports whether o is one the engine understands.
func (o FilterOperator) Known() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpIsEmpty, OpIsNotEmpty, OpGreaterThan, OpLessThan,
		OpGreaterOrEqual, OpLessOrEqual, OpStartsWith, OpEndsWith,
		OpIn, OpNotIn:
		return true
	}
	return false
}

// Filter is a single predicate in a FilterExpression.
type Filter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value,omitempty"`
}

// FilterExpression selects records for a scheduled run.
type FilterExpression struct {
	Filters []Filter    `json:"filters"`
	Logic   FilterLogic `json:"logic,omitempty"`
}
