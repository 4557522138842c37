package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// bundle is a JSON document describing one agent and everything it owns.
type bundle struct {
	Agent     schema.Agent       `json:"agent"`
	Actions   []*schema.Action   `json:"actions"`
	Schedules []*schema.Schedule `json:"schedules"`
	Records   []*schema.Record   `json:"records"`
}

// applySummary reports what applyBundle wrote.
type applySummary struct {
	AgentID   string                   `json:"agentId"`
	Models    int                      `json:"models"`
	Actions   int                      `json:"actions"`
	Schedules int                      `json:"schedules"`
	Records   int                      `json:"records"`
	Warnings  []schema.ValidationIssue `json:"warnings,omitempty"`
}

func readBundle(path string) (*bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse bundle %s: %s", path, err.Error()).WithCause(err)
	}
	return &b, nil
}

// applyBundle validates every definition and then writes them. Missing IDs
// are generated. Models and actions may be referenced by name, and
// schedules default to active and due at now.
func applyBundle(ctx context.Context, s store.Store, b *bundle, now time.Time) (*applySummary, error) {
	agent := &b.Agent
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	for i := range agent.Models {
		m := &agent.Models[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.AgentID = agent.ID
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}

	sum := &applySummary{AgentID: agent.ID}
	actionIDs := make(map[string]string, len(b.Actions))
	for idx, act := range b.Actions {
		if act.ID == "" {
			act.ID = uuid.NewString()
		}
		act.AgentID = agent.ID
		if m, ok := agent.Model(act.TargetModel); ok {
			act.TargetModel = m.ID
		}
		for i := range act.Steps {
			if act.Steps[i].ID == "" {
				act.Steps[i].ID = uuid.NewString()
			}
			act.Steps[i].ActionID = act.ID
		}
		res := engine.ValidateAction(act, agent).Within(fmt.Sprintf("actions[%d]", idx))
		if !res.Valid() {
			return nil, res.ToError()
		}
		sum.Warnings = append(sum.Warnings, res.Warnings...)
		actionIDs[act.ID] = act.ID
		if act.Name != "" {
			actionIDs[act.Name] = act.ID
		}
	}
	for _, sched := range b.Schedules {
		if sched.ID == "" {
			sched.ID = uuid.NewString()
		}
		sched.AgentID = agent.ID
		if sched.Status == "" {
			sched.Status = schema.ScheduleActive
		}
		if sched.NextRunAt.IsZero() {
			sched.NextRunAt = now
		}
		for i := range sched.Steps {
			st := &sched.Steps[i]
			st.ScheduleID = sched.ID
			if m, ok := agent.Model(st.ModelID); ok {
				st.ModelID = m.ID
			}
			if id, ok := actionIDs[st.ActionID]; ok {
				st.ActionID = id
			}
		}
		if err := sched.Validate(); err != nil {
			return nil, err
		}
	}
	for _, rec := range b.Records {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		m, ok := agent.Model(rec.ModelID)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "record %s references unknown model %q", rec.ID, rec.ModelID)
		}
		rec.ModelID = m.ID
	}

	if err := s.CreateAgent(ctx, agent); err != nil {
		return nil, schema.AsError(err, schema.ErrCodeStore)
	}
	for i := range agent.Models {
		if err := s.CreateModel(ctx, &agent.Models[i]); err != nil {
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
		sum.Models++
	}
	for _, act := range b.Actions {
		if err := s.CreateAction(ctx, act); err != nil {
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
		sum.Actions++
	}
	for _, sched := range b.Schedules {
		if err := s.CreateSchedule(ctx, sched); err != nil {
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
		sum.Schedules++
	}
	for _, rec := range b.Records {
		if err := s.CreateRecord(ctx, rec); err != nil {
			return nil, schema.AsError(err, schema.ErrCodeStore)
		}
		sum.Records++
	}
	return sum, nil
}
