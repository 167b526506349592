package app

import (
	"context"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/gateway"
	"github.com/dmartinol/procgate/internal/procedure"
	"github.com/dmartinol/procgate/internal/schema"
	"github.com/dmartinol/procgate/internal/versions"
)

// registerBuiltins declares the procedures the bare binary ships with: a
// liveness check and a greeting demo. Deployments embed the gateway as a
// library and register their own trees alongside these.
func registerBuiltins(builder *gateway.Builder) error {
	schemas := builder.Schemas()

	greetingInput, err := schemas.Register("greeting.input",
		schema.Object(map[string]*schema.Schema{
			"name": schema.String().Default("World").Describe("Name to greet"),
		}),
		schema.Meta{Title: "Greeting input", Category: "builtin"},
	)
	if err != nil {
		return err
	}

	builder.AddTree(procedure.Namespace{
		"health": procedure.Leaf{
			Kind:    procedure.KindQuery,
			Summary: "Report gateway liveness and version",
			MCP:     &procedure.MCPMeta{Category: "system", Public: true},
			Source:  "builtin",
			Handler: func(_ context.Context, _ map[string]any, _ *authz.Context) (any, error) {
				info := versions.GetVersionInfo()
				return map[string]any{
					"status":  "ok",
					"version": info.Version,
				}, nil
			},
		},
		"greeting": procedure.Leaf{
			Kind:          procedure.KindQuery,
			Summary:       "Return a greeting for the given name",
			InputSchemaID: greetingInput.ID,
			MCP:           &procedure.MCPMeta{Category: "demo", Public: true},
			Source:        "builtin",
			Handler: func(_ context.Context, input map[string]any, _ *authz.Context) (any, error) {
				name, _ := input["name"].(string)
				return map[string]any{"greeting": "Hello, " + name + "!"}, nil
			},
		},
	})
	return nil
}
