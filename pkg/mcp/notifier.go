package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
)

// notificationMethod is the MCP logging notification agents already listen on.
const notificationMethod = "notifications/message"

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier on top of the agent's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the agent's session. Agents without a live
// session are skipped silently.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// authorizationNotice builds the logging-message params for a run that
// stopped waiting on a provider grant.
func authorizationNotice(res *engine.RunResult) map[string]any {
	return map[string]any{
		"level":  "warning",
		"logger": "stepflow.oauth",
		"data": map[string]any{
			"type":              "authorization_required",
			"execution_id":      res.ExecutionID,
			"provider":          res.OAuth.Provider,
			"scopes":            res.OAuth.Scopes,
			"record_id":         res.OAuth.RecordID,
			"action_id":         res.OAuth.ActionID,
			"requires_existing": res.OAuth.RequiresExisting,
		},
	}
}
