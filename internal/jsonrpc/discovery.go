package jsonrpc

import (
	"fmt"

	"github.com/dmartinol/procgate/internal/versions"
)

// GenerateDiscoveryDocument enumerates the procedure registry into an
// OpenRPC-style document: one method entry per procedure with its parameter
// schema, result schema, and authentication flags. The flags are
// informational only; enforcement always happens in the dispatcher.
func (a *Adapter) GenerateDiscoveryDocument(baseURL string) (map[string]any, error) {
	snap := a.dispatcher.Snapshot()

	methods := make([]any, 0, snap.Procedures.Len())
	for _, def := range snap.Procedures.List("") {
		method := map[string]any{
			"name":           def.Path,
			"summary":        def.Summary,
			"description":    def.Description,
			"paramStructure": "by-name",
			"x-kind":         string(def.Kind),
		}

		if len(def.Tags) > 0 {
			tags := make([]any, 0, len(def.Tags))
			for _, tag := range def.Tags {
				tags = append(tags, map[string]any{"name": tag})
			}
			method["tags"] = tags
		}

		if def.InputSchemaID != "" {
			inputSchema, err := snap.Schemas.JSONSchema(def.InputSchemaID)
			if err != nil {
				return nil, fmt.Errorf("method %s: %w", def.Path, err)
			}
			method["params"] = []any{map[string]any{
				"name":     "input",
				"required": true,
				"schema":   inputSchema,
			}}
		} else {
			method["params"] = []any{}
		}

		result := map[string]any{"name": "result"}
		if def.OutputSchemaID != "" {
			outputSchema, err := snap.Schemas.JSONSchema(def.OutputSchemaID)
			if err != nil {
				return nil, fmt.Errorf("method %s: %w", def.Path, err)
			}
			result["schema"] = outputSchema
		} else {
			result["schema"] = map[string]any{}
		}
		method["result"] = result

		method["x-requires-auth"] = !def.Auth.IsZero()
		if def.Auth != nil && def.Auth.Privileged {
			method["x-privileged"] = true
		}

		methods = append(methods, method)
	}

	info := versions.GetVersionInfo()
	return map[string]any{
		"openrpc": "1.3.2",
		"info": map[string]any{
			"title":   "procgate",
			"version": info.Version,
		},
		"servers": []any{
			map[string]any{"name": "procgate", "url": baseURL},
		},
		"methods": methods,
	}, nil
}
