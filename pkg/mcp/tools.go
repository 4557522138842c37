package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/credentials"
	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/filter"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRunAction runs one action against one record. A run that suspends
// for authorization is pushed to the calling agent's session as well as
// returned.
func (s *Server) handleRunAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID, err := req.RequireString("action_id")
	if err != nil {
		return mcp.NewToolResultError("action_id is required"), nil
	}
	recordID, err := req.RequireString("record_id")
	if err != nil {
		return mcp.NewToolResultError("record_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil || userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	agentID := req.GetString("agent_id", "")
	bound := agentID != "" && s.captureSession(ctx, agentID, userID)

	res, runErr := s.runner.RunAction(ctx, engine.RunRequest{
		ActionID: actionID,
		RecordID: recordID,
		UserID:   userID,
	})
	if runErr != nil {
		return toolError("run failed", runErr), nil
	}

	if res.Status == schema.ExecutionAwaitingOAuth && res.OAuth != nil {
		target := res.OAuth.AgentID
		if bound {
			target = agentID
		}
		s.notifyAuthorization(ctx, target, res)
	}
	return marshalResult(res)
}

func (s *Server) notifyAuthorization(ctx context.Context, agentID string, res *engine.RunResult) {
	if err := s.notifier.Notify(ctx, agentID, authorizationNotice(res)); err != nil {
		s.logger.WarnContext(ctx, "authorization notification failed",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
	}
}

// handleExecution returns an execution and its step timeline.
func (s *Server) handleExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, timeline, getErr := s.runner.Execution(ctx, executionID)
	if getErr != nil {
		return toolError("execution lookup failed", getErr), nil
	}
	if timeline == nil {
		timeline = []store.StepTrace{}
	}
	return marshalResult(map[string]any{
		"execution": exec,
		"timeline":  timeline,
	})
}

// handleRunSchedule runs a schedule's pipeline immediately.
func (s *Server) handleRunSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not running"), nil
	}
	run, runErr := s.scheduler.RunSchedule(ctx, scheduleID)
	if runErr != nil {
		return toolError("schedule run failed", runErr), nil
	}
	return marshalResult(run)
}

// handlePreviewFilter lists the live records of a model that a query selects,
// with warnings for operators or fields the model does not know.
func (s *Server) handlePreviewFilter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	modelID, err := req.RequireString("model_id")
	if err != nil {
		return mcp.NewToolResultError("model_id is required"), nil
	}
	expr, parseErr := parseFilterExpression(mcp.ParseStringMap(req, "query", nil))
	if parseErr != nil {
		return mcp.NewToolResultError(parseErr.Error()), nil
	}

	model, getErr := s.store.GetModel(ctx, modelID)
	if getErr != nil {
		return toolError("model lookup failed", getErr), nil
	}
	check := filter.Check(expr, model)
	if !check.Valid() {
		return toolError("invalid query", check.ToError()), nil
	}

	recs, listErr := s.store.ListRecords(ctx, store.RecordFilter{ModelID: modelID})
	if listErr != nil {
		return toolError("list records failed", listErr), nil
	}
	matched := filter.FilterRecords(recs, expr)
	ids := make([]string, len(matched))
	for i, r := range matched {
		ids[i] = r.ID
	}
	return marshalResult(map[string]any{
		"record_ids": ids,
		"count":      len(ids),
		"warnings":   check.Warnings,
	})
}

// handleEvaluateFilter evaluates a query against caller-supplied data.
func (s *Server) handleEvaluateFilter(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data := mcp.ParseStringMap(req, "data", nil)
	if data == nil {
		return mcp.NewToolResultError("data is required"), nil
	}
	expr, err := parseFilterExpression(mcp.ParseStringMap(req, "query", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{"matches": filter.Evaluate(data, expr)})
}

// handleValidateAction checks a stored action against its agent's models.
func (s *Server) handleValidateAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID, err := req.RequireString("action_id")
	if err != nil {
		return mcp.NewToolResultError("action_id is required"), nil
	}
	action, getErr := s.store.GetAction(ctx, actionID)
	if getErr != nil {
		return toolError("action lookup failed", getErr), nil
	}
	agent, agentErr := s.store.GetAgent(ctx, action.AgentID)
	if agentErr != nil {
		return toolError("agent lookup failed", agentErr), nil
	}
	res := engine.ValidateAction(action, agent)
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// handleStoreCredential stores a provider token in the vault.
func (s *Server) handleStoreCredential(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil || userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	provider, err := req.RequireString("provider")
	if err != nil {
		return mcp.NewToolResultError("provider is required"), nil
	}
	token, err := req.RequireString("token")
	if err != nil || token == "" {
		return mcp.NewToolResultError("token is required"), nil
	}
	if s.credentials == nil {
		return mcp.NewToolResultError("credential vault is not configured"), nil
	}
	if ownErr := s.agentOwnedBy(ctx, agentID, userID); ownErr != nil {
		return toolError("store credential failed", ownErr), nil
	}
	s.captureSession(ctx, agentID, userID)

	p := credentials.Provider(strings.ToLower(strings.TrimSpace(provider)))
	if putErr := s.credentials.Put(ctx, agentID, p, []byte(token)); putErr != nil {
		return toolError("store credential failed", putErr), nil
	}
	return marshalResult(map[string]any{
		"agent_id": agentID,
		"provider": p,
		"stored":   true,
	})
}

// handleDiagram draws an action, an execution of one, or a schedule pipeline.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	var (
		model    *diagram.DiagramModel
		buildErr error
	)
	switch {
	case req.GetString("execution_id", "") != "":
		exec, timeline, getErr := s.runner.Execution(ctx, req.GetString("execution_id", ""))
		if getErr != nil {
			return toolError("execution lookup failed", getErr), nil
		}
		action, actErr := s.store.GetAction(ctx, exec.ActionID)
		if actErr != nil {
			return toolError("action lookup failed", actErr), nil
		}
		if timeline == nil {
			timeline = []store.StepTrace{}
		}
		model, buildErr = diagram.BuildAction(action, timeline)
	case req.GetString("action_id", "") != "":
		action, actErr := s.store.GetAction(ctx, req.GetString("action_id", ""))
		if actErr != nil {
			return toolError("action lookup failed", actErr), nil
		}
		model, buildErr = diagram.BuildAction(action, nil)
	case req.GetString("schedule_id", "") != "":
		sched, schedErr := s.store.GetSchedule(ctx, req.GetString("schedule_id", ""))
		if schedErr != nil {
			return toolError("schedule lookup failed", schedErr), nil
		}
		model, buildErr = diagram.BuildSchedule(sched, s.scheduleActions(ctx, sched))
	default:
		return mcp.NewToolResultError("one of action_id, execution_id or schedule_id is required"), nil
	}
	if buildErr != nil {
		return toolError("diagram build failed", buildErr), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage("diagram", base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
}

// scheduleActions loads the actions a schedule runs. Missing actions are
// skipped; their stages are drawn without steps.
func (s *Server) scheduleActions(ctx context.Context, sched *schema.Schedule) map[string]*schema.Action {
	actions := make(map[string]*schema.Action, len(sched.Steps))
	for _, st := range sched.Steps {
		if _, seen := actions[st.ActionID]; seen {
			continue
		}
		action, err := s.store.GetAction(ctx, st.ActionID)
		if err != nil {
			s.logger.DebugContext(ctx, "schedule action not found",
				slog.String("schedule_id", sched.ID),
				slog.String("action_id", st.ActionID),
			)
			continue
		}
		actions[st.ActionID] = action
	}
	return actions
}

// parseFilterExpression converts a tool argument into a FilterExpression.
func parseFilterExpression(raw map[string]any) (schema.FilterExpression, error) {
	var expr schema.FilterExpression
	if raw == nil {
		return expr, fmt.Errorf("query is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return expr, fmt.Errorf("invalid query: %v", err)
	}
	if err := json.Unmarshal(data, &expr); err != nil {
		return expr, fmt.Errorf("invalid query: %v", err)
	}
	return expr, nil
}

// agentOwnedBy loads agentID and checks that userID owns it.
func (s *Server) agentOwnedBy(ctx context.Context, agentID, userID string) error {
	if s.store == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "store is not configured")
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.OwnerID != userID {
		return schema.NewErrorf(schema.ErrCodeForbidden, "user %q does not own agent %q", userID, agentID)
	}
	return nil
}

// captureSession maps the agent ID to the caller's MCP session for
// notifications, provided userID owns the agent.
func (s *Server) captureSession(ctx context.Context, agentID, userID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	return s.bindSession(ctx, agentID, userID, session.SessionID())
}

func (s *Server) bindSession(ctx context.Context, agentID, userID, sessionID string) bool {
	if err := s.agentOwnedBy(ctx, agentID, userID); err != nil {
		s.logger.WarnContext(ctx, "session not bound to agent",
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.sessions.Register(agentID, sessionID)
	return true
}

// toolError renders err as a tool error, keeping the stepflow error code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	se := schema.AsError(err, schema.ErrCodeExecutor)
	return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, se.Code, se.Message))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
