package diagram

import (
	"encoding/json"
	"testing"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fixtures ---

func enrichAction() *schema.Action {
	return &schema.Action{
		ID:          "act-enrich",
		TargetModel: "m-lead",
		Name:        "enrich",
		Title:       "Enrich Lead",
		Steps: []schema.Step{
			// Deliberately out of order; the builder sorts by Order.
			{ID: "s-draw", Order: 3, Name: "Draw", Type: schema.StepTypeImageGeneration,
				Config: schema.StepConfig{InputFields: []string{"summary"}, OutputFields: []string{"avatar"}}},
			{ID: "s-search", Order: 1, Name: "Search", Type: schema.StepTypeWebSearch,
				Config: schema.StepConfig{InputFields: []string{"company"}, OutputFields: []string{"news"}}},
			{ID: "s-think", Order: 2, Name: "Summarize", Type: schema.StepTypeAIReasoning,
				Config: schema.StepConfig{InputFields: []string{"news"}, OutputFields: []string{"summary"}}},
		},
	}
}

func scoreAction() *schema.Action {
	return &schema.Action{
		ID:   "act-score",
		Name: "score",
		Steps: []schema.Step{
			{ID: "s-score", Order: 1, Type: schema.StepTypeCustom,
				Config: schema.StepConfig{Code: "{score: 1}", Language: "jq", OutputFields: []string{"score"}}},
		},
	}
}

func nightlySchedule() *schema.Schedule {
	return &schema.Schedule{
		ID:            "sch-nightly",
		Name:          "nightly",
		Mode:          schema.ScheduleRecurring,
		IntervalHours: 24,
		Status:        schema.ScheduleActive,
		Steps: []schema.ScheduleStep{
			{ModelID: "m-lead", ActionID: "act-score", Order: 2},
			{ModelID: "m-lead", ActionID: "act-enrich", Order: 1, Query: schema.FilterExpression{
				Filters: []schema.Filter{
					{Field: "status", Operator: schema.OpEquals, Value: "new"},
					{Field: "company", Operator: schema.OpIsNotEmpty},
				},
			}},
		},
	}
}

func scheduleActions() map[string]*schema.Action {
	return map[string]*schema.Action{
		"act-enrich": enrichAction(),
		"act-score":  scoreAction(),
	}
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// --- BuildAction ---

func TestBuildAction(t *testing.T) {
	model, err := BuildAction(enrichAction(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Enrich Lead", model.Title)
	assert.Equal(t, []string{startID, "s-search", "s-think", "s-draw", endID}, nodeIDs(model.Nodes))
	assert.Len(t, model.Edges, 4)
	assert.Len(t, model.Levels, 5)
	for _, level := range model.Levels {
		assert.Len(t, level, 1)
	}

	search := findNode(model.Nodes, "s-search")
	require.NotNil(t, search)
	assert.Equal(t, NodeKindSearch, search.Kind)
	assert.Equal(t, "Search\ncompany -> news", search.Label)
	assert.Nil(t, search.Status)

	assert.Equal(t, NodeKindReasoning, findNode(model.Nodes, "s-think").Kind)
	assert.Equal(t, NodeKindImage, findNode(model.Nodes, "s-draw").Kind)
}

func TestBuildActionUnnamedStep(t *testing.T) {
	model, err := BuildAction(scoreAction(), nil)
	require.NoError(t, err)

	assert.Equal(t, "score", model.Title)
	node := findNode(model.Nodes, "s-score")
	require.NotNil(t, node)
	assert.Equal(t, NodeKindCustom, node.Kind)
	assert.Equal(t, "custom\n -> score", node.Label)
}

func TestBuildActionWithTimeline(t *testing.T) {
	detail, _ := json.Marshal(map[string]string{"code": schema.ErrCodeExecutor, "message": "model unavailable"})
	timeline := []store.StepTrace{
		{StepID: "s-search", Status: "completed", DurationMs: 120},
		{StepID: "s-think", Status: "failed", DurationMs: 40, Detail: detail},
	}

	model, err := BuildAction(enrichAction(), timeline)
	require.NoError(t, err)

	search := findNode(model.Nodes, "s-search")
	require.NotNil(t, search.Status)
	assert.Equal(t, "completed", search.Status.Status)
	assert.Equal(t, int64(120), search.Status.DurationMs)

	think := findNode(model.Nodes, "s-think")
	require.NotNil(t, think.Status)
	assert.Equal(t, "failed", think.Status.Status)
	assert.Equal(t, "EXECUTOR_ERROR model unavailable", think.Status.Error)

	draw := findNode(model.Nodes, "s-draw")
	require.NotNil(t, draw.Status)
	assert.Equal(t, "pending", draw.Status.Status)

	assert.Nil(t, findNode(model.Nodes, startID).Status)
}

func TestBuildActionEmptyTimelineMarksPending(t *testing.T) {
	model, err := BuildAction(scoreAction(), []store.StepTrace{})
	require.NoError(t, err)

	node := findNode(model.Nodes, "s-score")
	require.NotNil(t, node.Status)
	assert.Equal(t, "pending", node.Status.Status)
}

func TestBuildActionNil(t *testing.T) {
	_, err := BuildAction(nil, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestBuildActionNoSteps(t *testing.T) {
	model, err := BuildAction(&schema.Action{ID: "act-empty"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "act-empty", model.Title)
	assert.Equal(t, []string{startID, endID}, nodeIDs(model.Nodes))
	assert.Len(t, model.Edges, 1)
}

// --- BuildSchedule ---

func TestBuildSchedule(t *testing.T) {
	model, err := BuildSchedule(nightlySchedule(), scheduleActions())
	require.NoError(t, err)

	assert.Equal(t, "nightly (every 24h)", model.Title)
	assert.Equal(t, []string{startID, "stage_1", "stage_2", endID}, nodeIDs(model.Nodes))

	first := findNode(model.Nodes, "stage_1")
	require.NotNil(t, first)
	assert.Equal(t, NodeKindStage, first.Kind)
	assert.Equal(t, "1. enrich on m-lead\nwhere status equals new AND company is_not_empty", first.Label)

	require.Len(t, first.Children, 1)
	sg := first.Children[0]
	assert.Equal(t, "Enrich Lead", sg.Label)
	assert.Equal(t, []string{"stage_1.s-search", "stage_1.s-think", "stage_1.s-draw"}, nodeIDs(sg.Nodes))
	assert.Equal(t, []Edge{
		{From: "stage_1.s-search", To: "stage_1.s-think"},
		{From: "stage_1.s-think", To: "stage_1.s-draw"},
	}, sg.Edges)

	second := findNode(model.Nodes, "stage_2")
	assert.Equal(t, "2. score on m-lead", second.Label)
	require.Len(t, second.Children, 1)
	assert.Empty(t, second.Children[0].Edges)
}

func TestBuildScheduleMissingAction(t *testing.T) {
	sched := nightlySchedule()
	model, err := BuildSchedule(sched, map[string]*schema.Action{"act-enrich": enrichAction()})
	require.NoError(t, err)

	stage := findNode(model.Nodes, "stage_2")
	require.NotNil(t, stage)
	assert.Equal(t, "2. act-score on m-lead", stage.Label)
	assert.Empty(t, stage.Children)
}

func TestBuildScheduleOnceWithOrLogic(t *testing.T) {
	sched := &schema.Schedule{
		Name: "cleanup",
		Mode: schema.ScheduleOnce,
		Steps: []schema.ScheduleStep{{
			ModelID:  "m-lead",
			ActionID: "act-score",
			Order:    1,
			Query: schema.FilterExpression{
				Logic: schema.LogicOr,
				Filters: []schema.Filter{
					{Field: "score", Operator: schema.OpLessThan, Value: 3},
					{Field: "notes", Operator: schema.OpIsEmpty},
				},
			},
		}},
	}

	model, err := BuildSchedule(sched, scheduleActions())
	require.NoError(t, err)

	assert.Equal(t, "cleanup (once)", model.Title)
	assert.Equal(t, "1. score on m-lead\nwhere score less_than 3 OR notes is_empty", findNode(model.Nodes, "stage_1").Label)
}

func TestBuildScheduleNil(t *testing.T) {
	_, err := BuildSchedule(nil, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
