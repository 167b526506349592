package jsonrpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/dispatch"
	"github.com/dmartinol/procgate/internal/procedure"
	"github.com/dmartinol/procgate/internal/schema"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	schemas := schema.NewRegistry()
	_, err := schemas.Register("greeting.input",
		schema.Object(map[string]*schema.Schema{
			"name": schema.String().Default("World"),
		}),
		schema.Meta{},
	)
	require.NoError(t, err)

	procs, err := procedure.Build(procedure.Namespace{
		"health": procedure.Leaf{
			Summary: "Liveness check",
			Handler: func(_ context.Context, _ map[string]any, _ *authz.Context) (any, error) {
				return map[string]any{"status": "ok"}, nil
			},
		},
		"greeting": procedure.Leaf{
			Summary:       "Greet by name",
			InputSchemaID: "greeting.input",
			Handler: func(_ context.Context, input map[string]any, _ *authz.Context) (any, error) {
				name, _ := input["name"].(string)
				return map[string]any{"greeting": "Hello, " + name + "!"}, nil
			},
		},
		"admin": procedure.Namespace{
			"purge": procedure.Leaf{
				Kind: procedure.KindMutation,
				Auth: &authz.Requirement{RequireAdminUser: true, Privileged: true},
				Handler: func(_ context.Context, _ map[string]any, _ *authz.Context) (any, error) {
					return map[string]any{"purged": true}, nil
				},
			},
		},
	})
	require.NoError(t, err)

	gate := authz.NewGate([]string{"admin@example.com"})
	dispatcher := dispatch.New(dispatch.Snapshot{Procedures: procs, Schemas: schemas}, gate, zap.NewNop())
	return NewAdapter(dispatcher, zap.NewNop())
}

func decodeResponse(t *testing.T, raw []byte) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestAdapter_Handle_Single(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":1,"method":"health"}`), nil)
		resp := decodeResponse(t, raw)
		require.Nil(t, resp.Error)
		assert.Equal(t, "2.0", resp.JSONRPC)
		assert.Equal(t, float64(1), resp.ID)
		assert.Equal(t, map[string]any{"status": "ok"}, resp.Result)
	})

	t.Run("defaults applied through params", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":"a","method":"greeting","params":{}}`), nil)
		resp := decodeResponse(t, raw)
		require.Nil(t, resp.Error)
		assert.Equal(t, map[string]any{"greeting": "Hello, World!"}, resp.Result)
	})

	t.Run("unknown method", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":2,"method":"nope"}`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "nope")
	})

	t.Run("invalid params carry field detail", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":3,"method":"greeting","params":{"name":42}}`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
		assert.NotNil(t, resp.Error.Data)
	})

	t.Run("non-object params", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":4,"method":"greeting","params":[1,2]}`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("unauthorized maps to server-defined code", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":5,"method":"admin.purge"}`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, Unauthorized, resp.Error.Code)
	})

	t.Run("authorized admin call", func(t *testing.T) {
		t.Parallel()
		caller := &authz.Context{Subject: "admin@example.com"}
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":6,"method":"admin.purge"}`), caller)
		resp := decodeResponse(t, raw)
		require.Nil(t, resp.Error)
		assert.Equal(t, map[string]any{"purged": true}, resp.Result)
	})

	t.Run("parse error carries an explicit null id", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`{not json`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
		assert.Contains(t, string(raw), `"id":null`)
	})

	t.Run("valid JSON that is not a request object", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`"health"`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("wrong version", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"1.0","id":7,"method":"health"}`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("missing method", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":8}`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("notification yields no response", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","method":"health"}`), nil)
		assert.Nil(t, raw)
	})
}

func TestAdapter_Handle_Batch(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)

	t.Run("responses preserve request order", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`[
			{"jsonrpc":"2.0","id":1,"method":"health"},
			{"jsonrpc":"2.0","id":2,"method":"nope"},
			{"jsonrpc":"2.0","id":3,"method":"greeting","params":{"name":"Ada"}}
		]`), nil)

		var responses []Response
		require.NoError(t, json.Unmarshal(raw, &responses))
		require.Len(t, responses, 3)

		assert.Equal(t, float64(1), responses[0].ID)
		assert.Nil(t, responses[0].Error)

		assert.Equal(t, float64(2), responses[1].ID)
		require.NotNil(t, responses[1].Error)
		assert.Equal(t, MethodNotFound, responses[1].Error.Code)

		assert.Equal(t, float64(3), responses[2].ID)
		assert.Equal(t, map[string]any{"greeting": "Hello, Ada!"}, responses[2].Result)
	})

	t.Run("notifications are filtered out", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`[
			{"jsonrpc":"2.0","method":"health"},
			{"jsonrpc":"2.0","id":1,"method":"health"}
		]`), nil)

		var responses []Response
		require.NoError(t, json.Unmarshal(raw, &responses))
		require.Len(t, responses, 1)
		assert.Equal(t, float64(1), responses[0].ID)
	})

	t.Run("all-notification batch yields no body", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`[
			{"jsonrpc":"2.0","method":"health"},
			{"jsonrpc":"2.0","method":"health"}
		]`), nil)
		assert.Nil(t, raw)
	})

	t.Run("empty batch", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`[]`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("non-object batch entries get invalid request per entry", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`[1, {"jsonrpc":"2.0","id":2,"method":"health"}]`), nil)

		var responses []Response
		require.NoError(t, json.Unmarshal(raw, &responses))
		require.Len(t, responses, 2)

		require.NotNil(t, responses[0].Error)
		assert.Equal(t, InvalidRequest, responses[0].Error.Code)
		assert.Nil(t, responses[0].ID)

		assert.Nil(t, responses[1].Error)
		assert.Equal(t, float64(2), responses[1].ID)
	})

	t.Run("malformed batch", func(t *testing.T) {
		t.Parallel()
		raw := a.Handle(context.Background(), []byte(`[{]`), nil)
		resp := decodeResponse(t, raw)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
	})
}

func TestAdapter_GenerateDiscoveryDocument(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t)

	doc, err := a.GenerateDiscoveryDocument("http://localhost:8081/rpc")
	require.NoError(t, err)

	assert.Equal(t, "1.3.2", doc["openrpc"])

	methods, ok := doc["methods"].([]any)
	require.True(t, ok)
	require.Len(t, methods, 3)

	byName := make(map[string]map[string]any, len(methods))
	for _, m := range methods {
		method := m.(map[string]any)
		byName[method["name"].(string)] = method
	}

	greeting := byName["greeting"]
	require.NotNil(t, greeting)
	assert.Equal(t, "by-name", greeting["paramStructure"])
	assert.Equal(t, "query", greeting["x-kind"])
	assert.Equal(t, false, greeting["x-requires-auth"])
	params, ok := greeting["params"].([]any)
	require.True(t, ok)
	require.Len(t, params, 1)

	purge := byName["admin.purge"]
	require.NotNil(t, purge)
	assert.Equal(t, "mutation", purge["x-kind"])
	assert.Equal(t, true, purge["x-requires-auth"])
	assert.Equal(t, true, purge["x-privileged"])
	assert.Equal(t, []any{}, purge["params"])

	// Methods come out in registry path order.
	assert.Equal(t, "admin.purge", methods[0].(map[string]any)["name"])
}
