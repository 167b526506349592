// Package procedure defines the declaration model for callable procedures
// and the registry that flattens declaration trees into a stable, dotted-path
// keyed map consumed by every protocol adapter.
package procedure

import (
	"context"

	"github.com/dmartinol/procgate/internal/authz"
)

// Kind distinguishes read-only procedures from side-effecting ones.
type Kind string

// Procedure kinds.
const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Handler executes a procedure. Input has already been validated against the
// procedure's input schema; caller is nil for unauthenticated public calls.
// Handlers must honor ctx cancellation: the dispatcher cancels it on timeout
// or transport disconnect.
type Handler func(ctx context.Context, input map[string]any, caller *authz.Context) (any, error)

// MCPMeta marks a procedure as exposed through the MCP tool adapter. A
// procedure without an MCP block never appears in the tool catalog.
type MCPMeta struct {
	// Description overrides the procedure description in the tool catalog.
	Description string
	// Category groups tools in the catalog.
	Category string
	// Public exempts the tool from authorization on tools/call.
	Public bool
}

// Definition is one callable unit, immutable after registry build.
type Definition struct {
	// Path is the dot-joined name from tree root to leaf, unique per
	// registry snapshot.
	Path string
	// Kind is query or mutation.
	Kind Kind
	// Summary is a one-line human description.
	Summary string
	// Description is the long-form human description.
	Description string
	// Tags classify the procedure in discovery documents.
	Tags []string
	// InputSchemaID resolves the input schema in the schema registry.
	InputSchemaID string
	// OutputSchemaID optionally resolves the output schema.
	OutputSchemaID string
	// MCP, when set, exposes the procedure as an MCP tool.
	MCP *MCPMeta
	// Auth declares the scope requirement evaluated before dispatch.
	Auth *authz.Requirement
	// Handler executes the procedure.
	Handler Handler

	source string
}

// Source identifies where the procedure was declared, for collision
// diagnostics.
func (d *Definition) Source() string { return d.source }

// Node is one position in a declaration tree: either a Leaf procedure or a
// Namespace of named children. The flattening walk depends on nothing else.
type Node interface {
	node()
}

// Leaf declares one procedure at its position in the tree.
type Leaf struct {
	Kind           Kind
	Summary        string
	Description    string
	Tags           []string
	InputSchemaID  string
	OutputSchemaID string
	MCP            *MCPMeta
	Auth           *authz.Requirement
	Handler        Handler
	// Source names the declaring module or file, reported on path
	// collisions.
	Source string
}

func (Leaf) node() {}

// Namespace is a named sub-tree.
type Namespace map[string]Node

func (Namespace) node() {}
