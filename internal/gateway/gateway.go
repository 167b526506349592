// Package gateway assembles the registries, the dispatcher, and the three
// protocol adapters into one immutable unit. Construction is explicit
// dependency injection: nothing here relies on ambient global state.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/config"
	"github.com/dmartinol/procgate/internal/direct"
	"github.com/dmartinol/procgate/internal/dispatch"
	"github.com/dmartinol/procgate/internal/jsonrpc"
	"github.com/dmartinol/procgate/internal/mcp"
	"github.com/dmartinol/procgate/internal/procedure"
	"github.com/dmartinol/procgate/internal/schema"
	"github.com/dmartinol/procgate/internal/versions"
)

// Builder collects declarations and collaborators, then produces an
// immutable Gateway.
type Builder struct {
	cfg      *config.Config
	logger   *zap.Logger
	schemas  *schema.Registry
	trees    []procedure.Namespace
	verifier authz.Verifier
}

// NewBuilder creates a gateway builder with an empty schema registry.
func NewBuilder(cfg *config.Config, logger *zap.Logger) *Builder {
	return &Builder{
		cfg:     cfg,
		logger:  logger,
		schemas: schema.NewRegistry(),
	}
}

// Schemas exposes the schema registry for declaration-time registration.
func (b *Builder) Schemas() *schema.Registry {
	return b.schemas
}

// AddTree appends an independently-declared procedure tree. Trees are merged
// during Build.
func (b *Builder) AddTree(tree procedure.Namespace) *Builder {
	b.trees = append(b.trees, tree)
	return b
}

// WithVerifier sets the token verifier collaborator. Without one, every
// request is anonymous.
func (b *Builder) WithVerifier(verifier authz.Verifier) *Builder {
	b.verifier = verifier
	return b
}

// Build flattens the declared trees, validates every declaration, and wires
// the adapters. It fails rather than producing a partially valid gateway.
func (b *Builder) Build() (*Gateway, error) {
	procs, err := procedure.Build(b.trees...)
	if err != nil {
		return nil, fmt.Errorf("failed to build procedure registry: %w", err)
	}
	if err := b.validateDeclarations(procs); err != nil {
		return nil, err
	}

	snap := dispatch.Snapshot{Procedures: procs, Schemas: b.schemas}
	if err := mcp.ValidateSnapshot(snap); err != nil {
		return nil, fmt.Errorf("failed to derive tool catalog: %w", err)
	}
	gate := authz.NewGate(b.cfg.Auth.AdminSubjects)
	dispatcher := dispatch.New(snap, gate, b.logger,
		dispatch.WithHandlerTimeout(b.cfg.Dispatch.HandlerTimeout),
	)

	mcpAdapter := mcp.NewAdapter(dispatcher, mcp.Config{
		ServerName:              b.cfg.Server.Name,
		ServerVersion:           versions.GetVersionInfo().Version,
		RequireAuthForToolsList: b.cfg.Auth.RequireAuthForToolsList,
		PublicTools:             b.cfg.Auth.PublicTools,
	}, b.logger)

	return &Gateway{
		cfg:        b.cfg,
		logger:     b.logger,
		verifier:   b.verifier,
		dispatcher: dispatcher,
		rpc:        jsonrpc.NewAdapter(dispatcher, b.logger),
		mcp:        mcpAdapter,
		transport:  mcp.NewTransport(mcpAdapter, b.verifier, b.logger),
	}, nil
}

// validateDeclarations checks every procedure's schema references and scope
// requirement at build time, so misdeclarations fail startup instead of
// requests.
func (b *Builder) validateDeclarations(procs *procedure.Registry) error {
	for _, def := range procs.List("") {
		if def.InputSchemaID != "" {
			if _, err := b.schemas.Resolve(def.InputSchemaID); err != nil {
				return fmt.Errorf("procedure %s: input schema: %w", def.Path, err)
			}
		}
		if def.OutputSchemaID != "" {
			if _, err := b.schemas.Resolve(def.OutputSchemaID); err != nil {
				return fmt.Errorf("procedure %s: output schema: %w", def.Path, err)
			}
		}
		if err := authz.ValidateRequirement(def.Auth, b.cfg.Auth.KnownScopes); err != nil {
			return fmt.Errorf("procedure %s: %w", def.Path, err)
		}
	}
	return nil
}

// Gateway is the assembled multi-protocol procedure gateway.
type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	verifier   authz.Verifier
	dispatcher *dispatch.Dispatcher
	rpc        *jsonrpc.Adapter
	mcp        *mcp.Adapter
	transport  *mcp.Transport
}

// Direct returns the typed direct-call client.
func (g *Gateway) Direct() *direct.Client {
	return direct.NewClient(g.dispatcher)
}

// JSONRPC returns the JSON-RPC adapter.
func (g *Gateway) JSONRPC() *jsonrpc.Adapter {
	return g.rpc
}

// MCP returns the MCP adapter.
func (g *Gateway) MCP() *mcp.Adapter {
	return g.mcp
}

// MCPTransport returns the MCP transport for HTTP and stdio serving.
func (g *Gateway) MCPTransport() *mcp.Transport {
	return g.transport
}

// Dispatcher returns the shared dispatcher.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Replace rebuilds the registries from new declarations and swaps them in
// atomically. In-flight requests finish on the snapshot they started with.
func (g *Gateway) Replace(schemas *schema.Registry, trees ...procedure.Namespace) error {
	procs, err := procedure.Build(trees...)
	if err != nil {
		return fmt.Errorf("failed to rebuild procedure registry: %w", err)
	}
	snap := dispatch.Snapshot{Procedures: procs, Schemas: schemas}
	if err := mcp.ValidateSnapshot(snap); err != nil {
		return fmt.Errorf("failed to derive tool catalog: %w", err)
	}
	g.dispatcher.Replace(snap)
	g.logger.Info("registry snapshot replaced", zap.Int("procedures", procs.Len()))
	return nil
}

// Handler returns the HTTP surface: JSON-RPC at /rpc, its discovery document
// at /rpc/discovery, and MCP at /mcp.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/rpc", g.handleJSONRPC)
	r.Get("/rpc/discovery", g.handleDiscovery)
	r.Handle("/mcp", g.transport)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (g *Gateway) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	caller, err := g.verifyCaller(r)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	resp := g.rpc.Handle(r.Context(), data, caller)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		g.logger.Error("failed to write response", zap.Error(err))
	}
}

func (g *Gateway) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	baseURL := "http://" + r.Host + "/rpc"
	doc, err := g.rpc.GenerateDiscoveryDocument(baseURL)
	if err != nil {
		g.logger.Error("discovery document generation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		g.logger.Error("failed to encode discovery document", zap.Error(err))
	}
}

// verifyCaller extracts and verifies a bearer token; absence of a token is
// an anonymous caller, an invalid token is rejected.
func (g *Gateway) verifyCaller(r *http.Request) (*authz.Context, error) {
	if g.verifier == nil {
		return nil, nil
	}
	token, err := authz.ExtractBearerToken(r)
	if err != nil {
		return nil, nil
	}
	return g.verifier.Verify(r.Context(), token)
}
