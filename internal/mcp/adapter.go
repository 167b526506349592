package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/dispatch"
	"github.com/dmartinol/procgate/internal/jsonrpc"
)

// Config controls the MCP adapter's discovery and execution policy.
type Config struct {
	// ServerName is reported in the initialize handshake.
	ServerName string
	// ServerVersion is reported in the initialize handshake.
	ServerVersion string
	// RequireAuthForToolsList gates tool discovery behind authentication.
	// Discovery is public by default: agents must be able to learn what
	// exists before holding credentials, while execution stays gated.
	RequireAuthForToolsList bool
	// PublicTools lists tool names exempt from execution authorization.
	PublicTools []string
}

// SessionState tracks the per-connection protocol handshake.
type SessionState int

// Session states.
const (
	StateUninitialized SessionState = iota
	StateInitialized
	StateReady
)

// Session holds the per-connection handshake state. Beyond having completed
// initialize, no server-side state is carried between calls.
type Session struct {
	mu    sync.Mutex
	state SessionState
}

// NewSession creates a session in the uninitialized state.
func NewSession() *Session {
	return &Session{}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUninitialized {
		s.state = StateInitialized
	}
}

// ready transitions Initialized to Ready on the first successful list or
// call, and reports whether the handshake has completed at all.
func (s *Session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUninitialized {
		return false
	}
	s.state = StateReady
	return true
}

// Adapter serves the MCP tool protocol over the shared dispatcher. The tool
// catalog is derived lazily from the registry snapshot and recomputed only
// when the snapshot changes.
type Adapter struct {
	dispatcher *dispatch.Dispatcher
	config     Config
	logger     *zap.Logger

	publicTools map[string]struct{}
	catalog     atomic.Pointer[catalog]
	catalogMu   sync.Mutex
}

// NewAdapter creates an MCP adapter over the given dispatcher.
func NewAdapter(dispatcher *dispatch.Dispatcher, config Config, logger *zap.Logger) *Adapter {
	public := make(map[string]struct{}, len(config.PublicTools))
	for _, name := range config.PublicTools {
		public[name] = struct{}{}
	}
	return &Adapter{
		dispatcher:  dispatcher,
		config:      config,
		logger:      logger,
		publicTools: public,
	}
}

// Catalog returns the tool descriptors for the current registry snapshot.
func (a *Adapter) Catalog() ([]ToolDescriptor, error) {
	c, err := a.currentCatalog()
	if err != nil {
		return nil, err
	}
	return c.tools, nil
}

// currentCatalog returns the cached catalog, rebuilding it if the registry
// snapshot changed since the last derivation.
func (a *Adapter) currentCatalog() (*catalog, error) {
	snap := a.dispatcher.Snapshot()
	if cached := a.catalog.Load(); cached != nil && cached.source == snap.Procedures {
		return cached, nil
	}

	a.catalogMu.Lock()
	defer a.catalogMu.Unlock()
	if cached := a.catalog.Load(); cached != nil && cached.source == snap.Procedures {
		return cached, nil
	}
	built, err := buildCatalog(snap)
	if err != nil {
		return nil, err
	}
	a.catalog.Store(built)
	return built, nil
}

// HandleRequest processes one MCP JSON-RPC request within a session. The
// caller identity comes from the transport's bearer-token verification and
// is nil for anonymous requests.
func (a *Adapter) HandleRequest(ctx context.Context, session *Session, req jsonrpc.Request, caller *authz.Context) *jsonrpc.Response {
	if req.JSONRPC != jsonrpc.Version {
		return errorResponse(req.ID, jsonrpc.InvalidRequest, "invalid JSON-RPC version", nil)
	}

	switch req.Method {
	case "initialize":
		return a.handleInitialize(session, req)
	case "notifications/initialized":
		// Acknowledgment notification; nothing to answer.
		return nil
	case "ping":
		return successResponse(req.ID, map[string]any{})
	case "tools/list":
		return a.handleListTools(session, req, caller)
	case "tools/call":
		return a.handleCallTool(ctx, session, req, caller)
	default:
		return errorResponse(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

// handleInitialize handles the capability handshake.
func (a *Adapter) handleInitialize(session *Session, req jsonrpc.Request) *jsonrpc.Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, jsonrpc.InvalidParams, "invalid initialize parameters", nil)
		}
	}

	session.initialize()
	a.logger.Info("mcp client connected",
		zap.String("client", params.ClientInfo.Name),
		zap.String("client_version", params.ClientInfo.Version),
	)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo: ServerInfo{
			Name:    a.config.ServerName,
			Version: a.config.ServerVersion,
		},
	}
	return successResponse(req.ID, result)
}

// handleListTools handles tools/list. Discovery does not require
// authentication unless configured otherwise; each tool's own scope
// requirement gates execution, not visibility.
func (a *Adapter) handleListTools(session *Session, req jsonrpc.Request, caller *authz.Context) *jsonrpc.Response {
	if !session.ready() {
		seq := dispatch.NewProtocolSequence("tools/list before initialize")
		return errorResponse(req.ID, jsonrpc.InvalidRequest, seq.Message, nil)
	}
	if a.config.RequireAuthForToolsList && caller == nil {
		return errorResponse(req.ID, jsonrpc.Unauthorized, "authentication required for tools/list", nil)
	}

	c, err := a.currentCatalog()
	if err != nil {
		a.logger.Error("tool catalog derivation failed", zap.Error(err))
		return errorResponse(req.ID, jsonrpc.InternalError, "internal error", nil)
	}

	tools := make([]Tool, 0, len(c.tools))
	for _, descriptor := range c.tools {
		tools = append(tools, Tool{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			InputSchema: descriptor.InputSchema,
		})
	}
	return successResponse(req.ID, ListToolsResult{Tools: tools})
}

// handleCallTool handles tools/call. Validation and authorization failures
// surface as MCP error content objects; only protocol-level failures (bad
// params, unknown tool, sequence violations) become JSON-RPC errors.
func (a *Adapter) handleCallTool(ctx context.Context, session *Session, req jsonrpc.Request, caller *authz.Context) *jsonrpc.Response {
	if !session.ready() {
		seq := dispatch.NewProtocolSequence("tools/call before initialize")
		return errorResponse(req.ID, jsonrpc.InvalidRequest, seq.Message, nil)
	}

	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, jsonrpc.InvalidParams, "invalid tool call parameters", nil)
	}

	c, err := a.currentCatalog()
	if err != nil {
		a.logger.Error("tool catalog derivation failed", zap.Error(err))
		return errorResponse(req.ID, jsonrpc.InternalError, "internal error", nil)
	}
	descriptor, ok := c.byName[params.Name]
	if !ok {
		return errorResponse(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("tool not found: %s", params.Name), nil)
	}

	result, callErr := a.execTool(ctx, descriptor, params.Arguments, caller)
	if callErr != nil {
		return successResponse(req.ID, callErrorResult(callErr))
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		a.logger.Error("failed to encode tool result",
			zap.String("tool", descriptor.Name),
			zap.Error(err),
		)
		return successResponse(req.ID, errorResult("internal error"))
	}
	return successResponse(req.ID, CallToolResult{
		Content: []Content{TextContent(string(encoded))},
	})
}

// execTool runs one catalog tool through the shared pipeline. The public-tool
// exemption is decided here, once, so every transport enforces the same
// policy: an anonymous caller may only run public tools, everything else
// stays gated.
func (a *Adapter) execTool(ctx context.Context, descriptor *ToolDescriptor, args map[string]any, caller *authz.Context) (any, *dispatch.Error) {
	public := descriptor.Public
	if _, listed := a.publicTools[descriptor.Name]; listed {
		public = true
	}
	if !public && caller == nil {
		return nil, dispatch.NewUnauthorized("authentication required", descriptor.Requirement)
	}
	return a.dispatcher.Call(ctx, dispatch.Envelope{
		Path:       descriptor.Path,
		Arguments:  args,
		Protocol:   dispatch.ProtocolMCP,
		Caller:     caller,
		BypassAuth: public,
	})
}

// callErrorResult shapes a dispatcher error as MCP error content, keeping
// the kind and machine-readable details visible to the agent.
func callErrorResult(callErr *dispatch.Error) CallToolResult {
	payload := map[string]any{
		"kind":    string(callErr.Kind),
		"message": callErr.Message,
	}
	if callErr.Details != nil {
		payload["details"] = callErr.Details
	}
	if callErr.CorrelationID != "" {
		payload["correlationId"] = callErr.CorrelationID
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errorResult(callErr.Message)
	}
	return CallToolResult{
		Content: []Content{TextContent(string(encoded))},
		IsError: true,
	}
}

func errorResult(message string) CallToolResult {
	return CallToolResult{
		Content: []Content{TextContent(message)},
		IsError: true,
	}
}

// successResponse creates a success JSON-RPC response.
func successResponse(id any, result any) *jsonrpc.Response {
	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: result}
}

// errorResponse creates an error JSON-RPC response.
func errorResponse(id any, code int, message string, data any) *jsonrpc.Response {
	return &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Error:   &jsonrpc.RPCError{Code: code, Message: message, Data: data},
	}
}
