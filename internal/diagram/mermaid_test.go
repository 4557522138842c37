package diagram

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rendis/stepflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaidAction(t *testing.T) {
	model, err := BuildAction(enrichAction(), nil)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% Enrich Lead")
	assert.Contains(t, out, `s_search[/"Search"/]`)
	assert.Contains(t, out, `s_think{{"Summarize"}}`)
	assert.Contains(t, out, `s_draw[("Draw")]`)
	assert.Contains(t, out, `__start__(("start"))`)
	assert.Contains(t, out, "__start__ --> s_search")
	assert.Contains(t, out, "s_search --> s_think")
	assert.Contains(t, out, "s_draw --> __end__")
	assert.Contains(t, out, "classDef awaiting")
	assert.NotContains(t, out, "class s_search ")
}

func TestRenderMermaidSchedule(t *testing.T) {
	model, err := BuildSchedule(nightlySchedule(), scheduleActions())
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, `stage_1[["1. enrich on m-lead"]]`)
	assert.Contains(t, out, `subgraph stage_1_steps["Enrich Lead"]`)
	assert.Contains(t, out, `stage_1_s_search[/"Search"/]`)
	assert.Contains(t, out, "stage_1_s_search --> stage_1_s_think")
	assert.Contains(t, out, "stage_1 -.-> stage_1_steps")
	assert.Contains(t, out, "stage_1 --> stage_2")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	detail, _ := json.Marshal(map[string]string{"code": "EXECUTOR_ERROR", "message": "boom"})
	model, err := BuildAction(enrichAction(), []store.StepTrace{
		{StepID: "s-search", Status: "completed"},
		{StepID: "s-think", Status: "awaiting_oauth"},
		{StepID: "s-draw", Status: "failed", Detail: detail},
	})
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, "class s_search completed")
	assert.Contains(t, out, "class s_think awaiting")
	assert.Contains(t, out, "class s_draw failed")
	assert.NotContains(t, out, "class __start__")
}

func TestRenderMermaidEscapesQuotes(t *testing.T) {
	action := scoreAction()
	action.Steps[0].Name = `say "hi"`
	model, err := BuildAction(action, nil)
	require.NoError(t, err)

	assert.Contains(t, RenderMermaid(model), `s_score["say 'hi'"]`)
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "stage_1_s_search", mermaidSafeID("stage_1.s-search"))
	assert.Equal(t, "a_b", mermaidSafeID("a b"))
	assert.Equal(t, "plain", mermaidSafeID("plain"))
}
