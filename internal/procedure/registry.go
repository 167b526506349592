package procedure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPathCollision is returned when two leaves flatten to the same dotted
// path. Builds are all-or-nothing: a collision yields no registry at all.
var ErrPathCollision = errors.New("procedure path collision")

// ErrInvalidPath is returned for empty or dot-containing segment names.
var ErrInvalidPath = errors.New("invalid procedure path segment")

// Registry is the flat view of one or more declaration trees, keyed by
// dotted path. It is built once at startup and read-only afterwards, so it
// is safely shared across concurrent requests without locking.
type Registry struct {
	defs  map[string]*Definition
	paths []string
}

// Build flattens the given trees into a single registry. Trees declared
// independently are merged namespace by namespace; two leaves resolving to
// the same dotted path fail the whole build with ErrPathCollision naming
// both declaration sources.
func Build(trees ...Namespace) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition)}
	for _, tree := range trees {
		if err := r.walk(nil, tree); err != nil {
			return nil, err
		}
	}
	r.paths = make([]string, 0, len(r.defs))
	for path := range r.defs {
		r.paths = append(r.paths, path)
	}
	sort.Strings(r.paths)
	return r, nil
}

func (r *Registry) walk(prefix []string, ns Namespace) error {
	for name, child := range ns {
		if name == "" || strings.Contains(name, ".") {
			return fmt.Errorf("%w: %q under %q", ErrInvalidPath, name, strings.Join(prefix, "."))
		}
		segments := append(append([]string{}, prefix...), name)
		switch n := child.(type) {
		case Leaf:
			if err := r.add(segments, n); err != nil {
				return err
			}
		case *Leaf:
			if err := r.add(segments, *n); err != nil {
				return err
			}
		case Namespace:
			path := strings.Join(segments, ".")
			if existing, ok := r.defs[path]; ok {
				return collisionError(path, existing.source, n)
			}
			if err := r.walk(segments, n); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported tree node at %q: %T", strings.Join(segments, "."), child)
		}
	}
	return nil
}

func (r *Registry) add(segments []string, leaf Leaf) error {
	path := strings.Join(segments, ".")
	if existing, ok := r.defs[path]; ok {
		return collisionError(path, existing.source, leaf)
	}
	if leaf.Handler == nil {
		return fmt.Errorf("procedure %q has no handler", path)
	}
	kind := leaf.Kind
	if kind == "" {
		kind = KindQuery
	}
	r.defs[path] = &Definition{
		Path:           path,
		Kind:           kind,
		Summary:        leaf.Summary,
		Description:    leaf.Description,
		Tags:           leaf.Tags,
		InputSchemaID:  leaf.InputSchemaID,
		OutputSchemaID: leaf.OutputSchemaID,
		MCP:            leaf.MCP,
		Auth:           leaf.Auth,
		Handler:        leaf.Handler,
		source:         leaf.Source,
	}
	return nil
}

func collisionError(path, firstSource string, second any) error {
	secondSource := "unknown"
	switch n := second.(type) {
	case Leaf:
		secondSource = sourceOrDefault(n.Source)
	case *Leaf:
		secondSource = sourceOrDefault(n.Source)
	case Namespace:
		secondSource = "namespace declaration"
	}
	return fmt.Errorf("%w: %q declared by %s and %s",
		ErrPathCollision, path, sourceOrDefault(firstSource), secondSource)
}

func sourceOrDefault(source string) string {
	if source == "" {
		return "unknown source"
	}
	return source
}

// Lookup returns the definition at the given dotted path, or nil.
func (r *Registry) Lookup(path string) *Definition {
	return r.defs[path]
}

// List returns definitions in lexicographic path order, optionally limited
// to paths under the given dotted prefix. Both JSON-RPC discovery and MCP
// tools/list derive their surfaces from this ordering.
func (r *Registry) List(prefix string) []*Definition {
	defs := make([]*Definition, 0, len(r.paths))
	for _, path := range r.paths {
		if prefix != "" && path != prefix && !strings.HasPrefix(path, prefix+".") {
			continue
		}
		defs = append(defs, r.defs[path])
	}
	return defs
}

// Len returns the number of registered procedures.
func (r *Registry) Len() int { return len(r.defs) }
