package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 8)

	expectedTools := []string{
		"stepflow.run_action",
		"stepflow.execution",
		"stepflow.run_schedule",
		"stepflow.preview_filter",
		"stepflow.evaluate_filter",
		"stepflow.validate_action",
		"stepflow.store_credential",
		"stepflow.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
		required    []string
	}{
		{"run_action", "stepflow.run_action", "Run an action against one record", []string{"action_id", "record_id", "user_id"}},
		{"execution", "stepflow.execution", "Get an execution with its step timeline", []string{"execution_id"}},
		{"run_schedule", "stepflow.run_schedule", "Run a schedule's pipeline now", []string{"schedule_id"}},
		{"preview_filter", "stepflow.preview_filter", "List the records of a model a filter expression selects", []string{"model_id", "query"}},
		{"evaluate_filter", "stepflow.evaluate_filter", "Evaluate a filter expression against record data", []string{"data", "query"}},
		{"validate_action", "stepflow.validate_action", "Check an action definition against its agent's models", []string{"action_id"}},
		{"store_credential", "stepflow.store_credential", "Store a provider token for an agent so suspended runs can proceed", []string{"agent_id", "user_id", "provider", "token"}},
		{"diagram", "stepflow.diagram", "Draw an action, an execution or a schedule pipeline. Returns ASCII art, Mermaid flowchart syntax, or a PNG image", []string{"format"}},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
