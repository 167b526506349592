package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/config"
	"github.com/dmartinol/procgate/internal/procedure"
	"github.com/dmartinol/procgate/internal/schema"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Name:      "procgate-test",
			Address:   ":0",
			Transport: config.TransportHTTP,
		},
		Auth: config.AuthConfig{
			AdminSubjects: []string{"admin@example.com"},
			KnownScopes:   []string{"orders:read", "orders:write"},
		},
	}
}

func buildTestGateway(t *testing.T) *Gateway {
	t.Helper()

	builder := NewBuilder(testConfig(), zap.NewNop())

	input, err := builder.Schemas().Register("orders.get.input",
		schema.Object(map[string]*schema.Schema{
			"id":     schema.String(),
			"expand": schema.Boolean().Default(false),
		}),
		schema.Meta{},
	)
	require.NoError(t, err)

	builder.AddTree(procedure.Namespace{
		"orders": procedure.Namespace{
			"get": procedure.Leaf{
				Summary:       "Fetch one order",
				InputSchemaID: input.ID,
				MCP:           &procedure.MCPMeta{Public: true},
				Handler: func(_ context.Context, in map[string]any, _ *authz.Context) (any, error) {
					return map[string]any{
						"id":     in["id"],
						"expand": in["expand"],
						"total":  42.5,
					}, nil
				},
			},
		},
	})

	gw, err := builder.Build()
	require.NoError(t, err)
	return gw
}

// Each protocol must produce the identical result payload for the same call.
func TestGateway_CrossProtocolEquivalence(t *testing.T) {
	t.Parallel()

	gw := buildTestGateway(t)
	args := map[string]any{"id": "ord-7"}

	// Direct.
	directResult, err := gw.Direct().Call(context.Background(), "orders.get",
		map[string]any{"id": "ord-7"}, nil)
	require.NoError(t, err)
	directJSON, err := json.Marshal(directResult)
	require.NoError(t, err)

	// JSON-RPC.
	rpcReq, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "orders.get",
		"params":  args,
	})
	require.NoError(t, err)
	raw := gw.JSONRPC().Handle(context.Background(), rpcReq, nil)
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct{}       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &rpcResp))
	require.Nil(t, rpcResp.Error)

	// MCP: the tool result text is the JSON-encoded handler result.
	handler := gw.Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)))
	sessionID := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	callBody := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get","arguments":{"id":"ord-7"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(callBody))
	req.Header.Set("Mcp-Session-Id", sessionID)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var mcpResp struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mcpResp))
	require.False(t, mcpResp.Result.IsError)
	require.Len(t, mcpResp.Result.Content, 1)

	assert.JSONEq(t, string(directJSON), string(rpcResp.Result))
	assert.JSONEq(t, string(directJSON), mcpResp.Result.Content[0].Text)
}

func TestBuilder_Build_ValidationFailures(t *testing.T) {
	t.Parallel()

	handler := func(_ context.Context, _ map[string]any, _ *authz.Context) (any, error) {
		return nil, nil
	}

	t.Run("dangling input schema", func(t *testing.T) {
		t.Parallel()
		builder := NewBuilder(testConfig(), zap.NewNop())
		builder.AddTree(procedure.Namespace{
			"broken": procedure.Leaf{InputSchemaID: "missing", Handler: handler},
		})
		_, err := builder.Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "input schema")
	})

	t.Run("dangling output schema", func(t *testing.T) {
		t.Parallel()
		builder := NewBuilder(testConfig(), zap.NewNop())
		builder.AddTree(procedure.Namespace{
			"broken": procedure.Leaf{OutputSchemaID: "missing", Handler: handler},
		})
		_, err := builder.Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "output schema")
	})

	t.Run("unknown scope in requirement", func(t *testing.T) {
		t.Parallel()
		builder := NewBuilder(testConfig(), zap.NewNop())
		builder.AddTree(procedure.Namespace{
			"gated": procedure.Leaf{
				Auth:    &authz.Requirement{AnyOf: []string{"not:configured"}},
				Handler: handler,
			},
		})
		_, err := builder.Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown scope")
	})

	t.Run("ambiguous tool names", func(t *testing.T) {
		t.Parallel()
		builder := NewBuilder(testConfig(), zap.NewNop())
		builder.AddTree(procedure.Namespace{
			"x": procedure.Namespace{
				"tool": procedure.Leaf{Handler: handler, MCP: &procedure.MCPMeta{}},
			},
			"y": procedure.Namespace{
				"tool": procedure.Leaf{Handler: handler, MCP: &procedure.MCPMeta{}},
			},
			"x_tool": procedure.Leaf{Handler: handler, MCP: &procedure.MCPMeta{}},
		})
		_, err := builder.Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to derive tool catalog")
	})

	t.Run("path collision across trees", func(t *testing.T) {
		t.Parallel()
		builder := NewBuilder(testConfig(), zap.NewNop())
		builder.AddTree(procedure.Namespace{"dup": procedure.Leaf{Handler: handler, Source: "a"}})
		builder.AddTree(procedure.Namespace{"dup": procedure.Leaf{Handler: handler, Source: "b"}})
		_, err := builder.Build()
		require.ErrorIs(t, err, procedure.ErrPathCollision)
	})
}

func TestGateway_Handler_Endpoints(t *testing.T) {
	t.Parallel()

	gw := buildTestGateway(t)
	handler := gw.Handler()

	t.Run("healthz", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("rpc", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"orders.get","params":{"id":"x"}}`)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	})

	t.Run("rpc notification yields 204", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc",
			strings.NewReader(`{"jsonrpc":"2.0","method":"orders.get","params":{"id":"x"}}`)))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("discovery document", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc/discovery", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
		assert.Equal(t, "1.3.2", doc["openrpc"])
		methods, ok := doc["methods"].([]any)
		require.True(t, ok)
		assert.Len(t, methods, 1)
	})
}

func TestGateway_Replace(t *testing.T) {
	t.Parallel()

	gw := buildTestGateway(t)

	err := gw.Replace(schema.NewRegistry(), procedure.Namespace{
		"ping": procedure.Leaf{
			Handler: func(_ context.Context, _ map[string]any, _ *authz.Context) (any, error) {
				return "pong", nil
			},
		},
	})
	require.NoError(t, err)

	result, err := gw.Direct().Call(context.Background(), "ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)

	_, err = gw.Direct().Call(context.Background(), "orders.get", map[string]any{"id": "x"}, nil)
	require.Error(t, err)
}

func TestGateway_Replace_RejectsInvalidSnapshot(t *testing.T) {
	t.Parallel()

	gw := buildTestGateway(t)

	handler := func(_ context.Context, _ map[string]any, _ *authz.Context) (any, error) {
		return nil, nil
	}
	err := gw.Replace(schema.NewRegistry(), procedure.Namespace{
		"x": procedure.Namespace{
			"tool": procedure.Leaf{Handler: handler, MCP: &procedure.MCPMeta{}},
		},
		"y": procedure.Namespace{
			"tool": procedure.Leaf{Handler: handler, MCP: &procedure.MCPMeta{}},
		},
		"x_tool": procedure.Leaf{Handler: handler, MCP: &procedure.MCPMeta{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to derive tool catalog")

	// The failed replacement must leave the original snapshot serving.
	result, err := gw.Direct().Call(context.Background(), "orders.get",
		map[string]any{"id": "ord-9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ord-9", result.(map[string]any)["id"])
}
