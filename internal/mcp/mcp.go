// Package mcp implements the Model Context Protocol surface of ChittyBroker.
//
// The MCP server exposes context resolution, session binding, and credential
// brokering as tools over the Streamable HTTP transport at /mcp, so
// MCP-compatible AI clients get the same capabilities as the REST API.
// Handlers dispatch to the same service layer the HTTP handlers use; policy
// (auth, rate limits, breakers) stays consistent across both surfaces.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/resolver"
)

// ContextService is the resolver surface the tools dispatch to.
// *resolver.Resolver satisfies it.
type ContextService interface {
	Resolve(ctx context.Context, hints resolver.Hints) (*resolver.Resolution, error)
	CreateContext(ctx context.Context, pending resolver.PendingContext) (*model.ContextEntity, error)
	BindSession(ctx context.Context, contextID uuid.UUID, sessionID, platform string) (*model.SessionBinding, error)
	UnbindSession(ctx context.Context, sessionID string, metrics model.SessionMetrics, reason model.UnbindReason) (*resolver.RollupResult, error)
	SwitchContext(ctx context.Context, sessionID, fromChittyID, toChittyID string, metrics model.SessionMetrics) (*model.SessionBinding, error)
	CurrentContext(ctx context.Context, sessionID string) (*model.ContextEntity, *model.SessionBinding, error)
}

// CredentialService is the broker surface the credential tools dispatch to.
// *credentials.Broker satisfies it.
type CredentialService interface {
	GetServiceToken(ctx context.Context, service string) (string, error)
	Validate(ctx context.Context, credType, tokenID string, checkPermissions bool) (model.CredentialStatus, error)
}

// ContextLister lists contexts for the recent-contexts resource.
// *storage.DB satisfies it.
type ContextLister interface {
	ListContexts(ctx context.Context, status model.ContextStatus, limit, offset int) ([]model.ContextEntity, error)
}

// Server wraps the MCP server with ChittyBroker's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	contexts    ContextService
	credentials CredentialService
	lister      ContextLister
	tracker     *SessionTracker
	logger      *slog.Logger
}

// New creates and configures an MCP server with all tools and resources.
func New(contexts ContextService, credentials CredentialService, lister ContextLister, tracker *SessionTracker, logger *slog.Logger) *Server {
	s := &Server{
		contexts:    contexts,
		credentials: credentials,
		lister:      lister,
		tracker:     tracker,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"chittybroker",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Tracker returns the session tracker for transport wiring.
func (s *Server) Tracker() *SessionTracker {
	return s.tracker
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"chitty://contexts/recent",
			"Recent Contexts",
			mcplib.WithResourceDescription("Context entities ordered by last activity"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleContextsRecent,
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("chitty_resolve_context",
			mcplib.WithDescription("Resolve environment hints to a persistent context entity, optionally creating one when nothing matches"),
			mcplib.WithString("project_path", mcplib.Description("Absolute project path")),
			mcplib.WithString("workspace", mcplib.Description("Workspace or repository name")),
			mcplib.WithString("support_type", mcplib.Description("Support type, defaults to development")),
			mcplib.WithString("organization", mcplib.Description("Owning organization")),
			mcplib.WithString("chitty_id", mcplib.Description("Explicit ChittyID, short-circuits hint matching")),
			mcplib.WithBoolean("auto_create", mcplib.Description("Create a new context when nothing matches")),
		),
		s.handleResolve,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chitty_bind_session",
			mcplib.WithDescription("Bind this session to a context entity"),
			mcplib.WithString("session_id", mcplib.Description("AI client session identifier"), mcplib.Required()),
			mcplib.WithString("chitty_id", mcplib.Description("Target context ChittyID"), mcplib.Required()),
			mcplib.WithString("platform", mcplib.Description("Client platform, e.g. claude")),
		),
		s.handleBind,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chitty_unbind_session",
			mcplib.WithDescription("Close this session's binding and roll its metrics into the context"),
			mcplib.WithString("session_id", mcplib.Description("AI client session identifier"), mcplib.Required()),
			mcplib.WithNumber("interactions", mcplib.Description("Interaction count for the session")),
			mcplib.WithNumber("decisions", mcplib.Description("Decision count for the session")),
			mcplib.WithNumber("success_rate", mcplib.Description("Session success rate 0.0-1.0")),
			mcplib.WithString("reason", mcplib.Description("session_complete | timeout | error")),
		),
		s.handleUnbind,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chitty_switch_context",
			mcplib.WithDescription("Move this session to another context, rolling up the current binding first"),
			mcplib.WithString("session_id", mcplib.Description("AI client session identifier"), mcplib.Required()),
			mcplib.WithString("to_chitty_id", mcplib.Description("Target context ChittyID"), mcplib.Required()),
			mcplib.WithString("from_chitty_id", mcplib.Description("Expected current ChittyID, guards against races")),
			mcplib.WithNumber("interactions", mcplib.Description("Interaction count accumulated so far")),
			mcplib.WithNumber("decisions", mcplib.Description("Decision count accumulated so far")),
			mcplib.WithNumber("success_rate", mcplib.Description("Success rate accumulated so far")),
		),
		s.handleSwitch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chitty_current_context",
			mcplib.WithDescription("Return the context this session is bound to"),
			mcplib.WithString("session_id", mcplib.Description("AI client session identifier"), mcplib.Required()),
		),
		s.handleCurrent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chitty_get_credential",
			mcplib.WithDescription("Retrieve a service token through the credential broker (vault, cache, or env fallback)"),
			mcplib.WithString("service", mcplib.Description("Service name, e.g. chittycases"), mcplib.Required()),
		),
		s.handleGetCredential,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chitty_validate_credential",
			mcplib.WithDescription("Check whether a provisioned credential is still active"),
			mcplib.WithString("token_id", mcplib.Description("Token identifier from provisioning"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Credential type")),
		),
		s.handleValidateCredential,
	)
}

func (s *Server) handleContextsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	contexts, err := s.lister.ListContexts(ctx, "", 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent contexts: %w", err)
	}

	data, err := json.MarshalIndent(contexts, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal contexts: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "chitty://contexts/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	hints := resolver.Hints{
		ProjectPath:      request.GetString("project_path", ""),
		Workspace:        request.GetString("workspace", ""),
		SupportType:      request.GetString("support_type", ""),
		Organization:     request.GetString("organization", ""),
		ExplicitChittyID: request.GetString("chitty_id", ""),
	}

	res, err := s.contexts.Resolve(ctx, hints)
	if err != nil {
		return errorResult(fmt.Sprintf("resolve failed: %v", err)), nil
	}

	if res.Action == resolver.ActionCreateNew && request.GetBool("auto_create", false) {
		entity, err := s.contexts.CreateContext(ctx, *res.Pending)
		if err != nil {
			return errorResult(fmt.Sprintf("create context failed: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"action":     "created",
			"context":    entity,
			"confidence": 1.0,
		})
	}

	return jsonResult(res)
}

func (s *Server) handleBind(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	chittyID := request.GetString("chitty_id", "")
	if sessionID == "" || chittyID == "" {
		return errorResult("session_id and chitty_id are required"), nil
	}

	res, err := s.contexts.Resolve(ctx, resolver.Hints{ExplicitChittyID: chittyID})
	if err != nil {
		return errorResult(fmt.Sprintf("lookup failed: %v", err)), nil
	}

	binding, err := s.contexts.BindSession(ctx, res.Context.ID, sessionID, request.GetString("platform", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("bind failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"binding": binding,
		"context": res.Context,
	})
}

func (s *Server) handleUnbind(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return errorResult("session_id is required"), nil
	}

	metrics := model.SessionMetrics{
		Interactions: request.GetInt("interactions", 0),
		Decisions:    request.GetInt("decisions", 0),
		SuccessRate:  request.GetFloat("success_rate", 0),
	}
	reason := model.UnbindReason(request.GetString("reason", string(model.UnbindSessionComplete)))

	result, err := s.contexts.UnbindSession(ctx, sessionID, metrics, reason)
	if err != nil {
		return errorResult(fmt.Sprintf("unbind failed: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleSwitch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	toID := request.GetString("to_chitty_id", "")
	if sessionID == "" || toID == "" {
		return errorResult("session_id and to_chitty_id are required"), nil
	}

	metrics := model.SessionMetrics{
		Interactions: request.GetInt("interactions", 0),
		Decisions:    request.GetInt("decisions", 0),
		SuccessRate:  request.GetFloat("success_rate", 0),
	}

	binding, err := s.contexts.SwitchContext(ctx, sessionID, request.GetString("from_chitty_id", ""), toID, metrics)
	if err != nil {
		return errorResult(fmt.Sprintf("switch failed: %v", err)), nil
	}
	return jsonResult(binding)
}

func (s *Server) handleCurrent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return errorResult("session_id is required"), nil
	}

	entity, binding, err := s.contexts.CurrentContext(ctx, sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("no active binding: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"context": entity,
		"binding": binding,
	})
}

func (s *Server) handleGetCredential(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	service := request.GetString("service", "")
	if service == "" {
		return errorResult("service is required"), nil
	}

	token, err := s.credentials.GetServiceToken(ctx, service)
	if err != nil {
		return errorResult(fmt.Sprintf("credential unavailable: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"service": service,
		"token":   token,
	})
}

func (s *Server) handleValidateCredential(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tokenID := request.GetString("token_id", "")
	if tokenID == "" {
		return errorResult("token_id is required"), nil
	}

	status, err := s.credentials.Validate(ctx, request.GetString("type", ""), tokenID, false)
	if err != nil {
		return errorResult(fmt.Sprintf("validate failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"tokenId": tokenID,
		"status":  status,
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
