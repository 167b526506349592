package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// NewSDKServer builds an MCP SDK server exposing the same tool catalog as
// the hand-rolled adapter, for stdio clients. Stdio clients are anonymous:
// public tools run, gated tools deny, exactly as on the HTTP transport.
func NewSDKServer(adapter *Adapter, logger *zap.Logger) (*sdkmcp.Server, error) {
	catalog, err := adapter.Catalog()
	if err != nil {
		return nil, fmt.Errorf("derive tool catalog: %w", err)
	}

	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    adapter.config.ServerName,
		Version: adapter.config.ServerVersion,
	}, nil)

	for i := range catalog {
		descriptor := &catalog[i]
		inputSchema, err := toSDKSchema(descriptor.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", descriptor.Name, err)
		}

		server.AddTool(&sdkmcp.Tool{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			InputSchema: inputSchema,
		}, func(ctx context.Context, req *sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
			args, err := decodeArguments(req.Params.Arguments)
			if err != nil {
				return sdkErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}

			result, callErr := adapter.execTool(ctx, descriptor, args, nil)
			if callErr != nil {
				logger.Info("stdio tool call failed",
					zap.String("tool", descriptor.Name),
					zap.String("kind", string(callErr.Kind)),
				)
				return sdkErrorResult(callErr.Message), nil
			}

			encoded, err := json.Marshal(result)
			if err != nil {
				return sdkErrorResult("internal error"), nil
			}
			return &sdkmcp.CallToolResult{
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(encoded)}},
			}, nil
		})
	}

	return server, nil
}

// toSDKSchema converts a JSON Schema document to the SDK's schema type.
func toSDKSchema(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	return &s, nil
}

// decodeArguments normalizes SDK tool arguments into the dispatcher's map
// form regardless of how the SDK surfaced them.
func decodeArguments(arguments any) (map[string]any, error) {
	if arguments == nil {
		return nil, nil
	}
	raw, err := json.Marshal(arguments)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// sdkErrorResult shapes an error message as SDK error content.
func sdkErrorResult(message string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: message}},
		IsError: true,
	}
}
