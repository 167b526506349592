package mcp

import (
	"fmt"
	"strings"

	"github.com/dmartinol/procgate/internal/authz"
	"github.com/dmartinol/procgate/internal/dispatch"
	"github.com/dmartinol/procgate/internal/procedure"
)

// ToolDescriptor is the MCP-facing view of one procedure. Descriptors are
// derived from the registry snapshot, never independently mutated.
type ToolDescriptor struct {
	// Name is the tool name exposed to clients: the path's leaf segment,
	// or the namespaced form when leaf names collide.
	Name string
	// Path is the dotted procedure path behind the tool.
	Path string
	// Description shown in the tool catalog.
	Description string
	// Category groups tools in the catalog.
	Category string
	// Public exempts the tool from execution authorization.
	Public bool
	// Requirement is the tool's scope requirement.
	Requirement *authz.Requirement
	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema map[string]any
}

// catalog is the derived tool surface for one registry snapshot.
type catalog struct {
	// source identifies the snapshot the catalog was derived from.
	source *procedure.Registry
	tools  []ToolDescriptor
	byName map[string]*ToolDescriptor
}

// buildCatalog derives tool descriptors from every procedure carrying MCP
// metadata. Leaf-name collisions are disambiguated deterministically: every
// colliding tool is renamed to its full dotted path with "." replaced by
// "_", which keeps names within the MCP tool-name alphabet and does not
// depend on declaration order.
func buildCatalog(snap dispatch.Snapshot) (*catalog, error) {
	defs := snap.Procedures.List("")

	leafCount := make(map[string]int)
	for _, def := range defs {
		if def.MCP == nil {
			continue
		}
		leafCount[leafName(def.Path)]++
	}

	c := &catalog{source: snap.Procedures}
	seen := make(map[string]struct{})
	for _, def := range defs {
		if def.MCP == nil {
			continue
		}

		name := leafName(def.Path)
		if leafCount[name] > 1 {
			name = strings.ReplaceAll(def.Path, ".", "_")
		}
		if _, taken := seen[name]; taken {
			return nil, fmt.Errorf("tool name %q derived twice from registry", name)
		}
		seen[name] = struct{}{}

		description := def.MCP.Description
		if description == "" {
			description = def.Summary
		}

		var inputSchema map[string]any
		if def.InputSchemaID != "" {
			doc, err := snap.Schemas.JSONSchema(def.InputSchemaID)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", name, err)
			}
			inputSchema = doc
		} else {
			inputSchema = map[string]any{"type": "object"}
		}

		descriptor := ToolDescriptor{
			Name:        name,
			Path:        def.Path,
			Description: description,
			Category:    def.MCP.Category,
			Public:      def.MCP.Public,
			Requirement: def.Auth,
			InputSchema: inputSchema,
		}
		c.tools = append(c.tools, descriptor)
	}

	c.byName = make(map[string]*ToolDescriptor, len(c.tools))
	for i := range c.tools {
		c.byName[c.tools[i].Name] = &c.tools[i]
	}
	return c, nil
}

// ValidateSnapshot derives the tool catalog for a prospective snapshot and
// reports declaration errors, so ambiguous tool names and broken schema
// references fail at assembly time instead of on the first tools/list.
func ValidateSnapshot(snap dispatch.Snapshot) error {
	_, err := buildCatalog(snap)
	return err
}

// leafName returns the final segment of a dotted path.
func leafName(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}
