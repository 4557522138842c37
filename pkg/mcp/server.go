package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/credentials"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// ActionRunner runs actions and reads back their executions.
// Satisfied by *engine.Runner.
type ActionRunner interface {
	RunAction(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
	Execution(ctx context.Context, id string) (*schema.Execution, []store.StepTrace, error)
}

// ScheduleRunner fires schedules on demand. Satisfied by *scheduler.Scheduler.
type ScheduleRunner interface {
	RunSchedule(ctx context.Context, scheduleID string) (*scheduler.ScheduleRun, error)
}

// CredentialWriter stores provider tokens for agents. Satisfied by
// *credentials.Store.
type CredentialWriter interface {
	Put(ctx context.Context, agentID string, p credentials.Provider, token []byte) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner      ActionRunner
	Scheduler   ScheduleRunner
	Store       store.Store
	Credentials CredentialWriter
	Logger      *slog.Logger
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	runner      ActionRunner
	scheduler   ScheduleRunner
	store       store.Store
	credentials CredentialWriter
	sessions    *SessionRegistry
	notifier    AgentNotifier
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every stepflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner:      deps.Runner,
		scheduler:   deps.Scheduler,
		store:       deps.Store,
		credentials: deps.Credentials,
		sessions:    NewSessionRegistry(),
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs multi-step actions against records. Use stepflow.run_action to run an action on one record, stepflow.execution to inspect a run, stepflow.run_schedule to fire a schedule now, stepflow.preview_filter to see which records a schedule query selects, stepflow.diagram to draw an action, a run or a schedule pipeline, and stepflow.store_credential once a user has authorized a provider a run was waiting on."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runActionTool(), Handler: s.handleRunAction},
		{Tool: executionTool(), Handler: s.handleExecution},
		{Tool: runScheduleTool(), Handler: s.handleRunSchedule},
		{Tool: previewFilterTool(), Handler: s.handlePreviewFilter},
		{Tool: evaluateFilterTool(), Handler: s.handleEvaluateFilter},
		{Tool: validateActionTool(), Handler: s.handleValidateAction},
		{Tool: storeCredentialTool(), Handler: s.handleStoreCredential},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runActionTool() mcp.Tool {
	return mcp.NewTool("stepflow.run_action",
		mcp.WithDescription("Run an action against one record"),
		mcp.WithString("action_id", mcp.Required(), mcp.Description("ID of the action to run")),
		mcp.WithString("record_id", mcp.Required(), mcp.Description("ID of the target record")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Caller; must own the action's agent")),
		mcp.WithString("agent_id", mcp.Description("Calling agent owned by user_id, used to route authorization notifications")),
	)
}

func executionTool() mcp.Tool {
	return mcp.NewTool("stepflow.execution",
		mcp.WithDescription("Get an execution with its step timeline"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func runScheduleTool() mcp.Tool {
	return mcp.NewTool("stepflow.run_schedule",
		mcp.WithDescription("Run a schedule's pipeline now"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
	)
}

func previewFilterTool() mcp.Tool {
	return mcp.NewTool("stepflow.preview_filter",
		mcp.WithDescription("List the records of a model a filter expression selects"),
		mcp.WithString("model_id", mcp.Required(), mcp.Description("Model whose records are filtered")),
		mcp.WithObject("query", mcp.Required(), mcp.Description("Filter expression: {filters: [{field, operator, value}], logic: AND|OR}")),
	)
}

func evaluateFilterTool() mcp.Tool {
	return mcp.NewTool("stepflow.evaluate_filter",
		mcp.WithDescription("Evaluate a filter expression against record data"),
		mcp.WithObject("data", mcp.Required(), mcp.Description("Record data")),
		mcp.WithObject("query", mcp.Required(), mcp.Description("Filter expression")),
	)
}

func validateActionTool() mcp.Tool {
	return mcp.NewTool("stepflow.validate_action",
		mcp.WithDescription("Check an action definition against its agent's models"),
		mcp.WithString("action_id", mcp.Required(), mcp.Description("ID of the action")),
	)
}

func storeCredentialTool() mcp.Tool {
	return mcp.NewTool("stepflow.store_credential",
		mcp.WithDescription("Store a provider token for an agent so suspended runs can proceed"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent the token belongs to")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Caller; must own the agent")),
		mcp.WithString("provider", mcp.Required(), mcp.Description("Provider name, e.g. x, github, slack")),
		mcp.WithString("token", mcp.Required(), mcp.Description("Access token")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Draw an action, an execution or a schedule pipeline. Returns ASCII art, Mermaid flowchart syntax, or a PNG image"),
		mcp.WithString("action_id", mcp.Description("Action to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution to draw, with each step's status")),
		mcp.WithString("schedule_id", mcp.Description("Schedule whose pipeline to draw")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
	)
}
