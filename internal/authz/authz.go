// Package authz implements scope-based authorization for procedure calls.
// Scope evaluation is a pure function of a declared requirement and the
// authenticated caller context, so it can be tested exhaustively without any
// network infrastructure.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// Requirement declares the authorization policy for one procedure. An empty
// requirement means the procedure is explicitly public.
type Requirement struct {
	// AnyOf is satisfied when at least one listed scope is granted.
	AnyOf []string `json:"anyOf,omitempty" yaml:"anyOf,omitempty"`
	// AllOf is satisfied only when every listed scope is granted.
	AllOf []string `json:"allOf,omitempty" yaml:"allOf,omitempty"`
	// RequireAdminUser restricts the procedure to subjects on the
	// configured admin allow-list.
	RequireAdminUser bool `json:"requireAdminUser,omitempty" yaml:"requireAdminUser,omitempty"`
	// Privileged is advisory metadata surfaced in error messages and
	// discovery documents; it is not an independent gate.
	Privileged bool `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	// Description explains the requirement to callers.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// IsZero reports whether the requirement imposes no conditions.
func (r *Requirement) IsZero() bool {
	return r == nil || (len(r.AnyOf) == 0 && len(r.AllOf) == 0 && !r.RequireAdminUser)
}

// Scopes returns every scope the requirement references, deduplicated and
// sorted. Used to validate declarations against the configured scope set.
func (r *Requirement) Scopes() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var scopes []string
	for _, s := range append(append([]string{}, r.AnyOf...), r.AllOf...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}

// Context holds the identity extracted from a verified bearer token. It is
// created per request and discarded at request end.
type Context struct {
	// Subject is the authenticated caller's stable identifier.
	Subject string
	// Scopes are the granted permission strings.
	Scopes []string
	// Claims carries the raw verified token claims.
	Claims map[string]any
}

// HasScope reports whether the context grants the named scope.
func (c *Context) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Decision is the outcome of evaluating a requirement.
type Decision struct {
	Allowed bool
	// Reason explains a denial. It names the unmet requirement, never the
	// caller's own scopes.
	Reason string
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

// Deny builds a negative decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Gate evaluates scope requirements against caller contexts. Its admin
// allow-list is static configuration, read-only after construction.
type Gate struct {
	admins map[string]struct{}
}

// NewGate creates a gate with the given admin allow-list.
func NewGate(adminSubjects []string) *Gate {
	admins := make(map[string]struct{}, len(adminSubjects))
	for _, s := range adminSubjects {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		admins[s] = struct{}{}
	}
	return &Gate{admins: admins}
}

// IsAdmin reports whether the subject is on the admin allow-list.
func (g *Gate) IsAdmin(subject string) bool {
	_, ok := g.admins[subject]
	return ok
}

// Evaluate checks a requirement against a caller context. All configured
// conditions are conjunctive. A nil or empty requirement always allows; a
// non-empty requirement with a nil context always denies.
func (g *Gate) Evaluate(req *Requirement, authCtx *Context) Decision {
	if req.IsZero() {
		return Allow
	}
	if authCtx == nil {
		return Deny("authentication required")
	}

	if req.RequireAdminUser {
		if authCtx.Subject == "" || !g.IsAdmin(authCtx.Subject) {
			return Deny("admin required")
		}
	}

	for _, scope := range req.AllOf {
		if !authCtx.HasScope(scope) {
			return Deny("missing scope: " + scope)
		}
	}

	if len(req.AnyOf) > 0 {
		satisfied := false
		for _, scope := range req.AnyOf {
			if authCtx.HasScope(scope) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return Deny("requires one of: " + strings.Join(req.AnyOf, ", "))
		}
	}

	return Allow
}

// ValidateRequirement checks that a declared requirement only references
// known scopes. An empty known-scope list disables the check.
func ValidateRequirement(req *Requirement, knownScopes []string) error {
	if req.IsZero() || len(knownScopes) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(knownScopes))
	for _, s := range knownScopes {
		known[s] = struct{}{}
	}
	for _, scope := range req.Scopes() {
		if _, ok := known[scope]; !ok {
			return fmt.Errorf("requirement references unknown scope %q", scope)
		}
	}
	return nil
}

//go:generate mockgen -destination=mocks/mock_verifier.go -package=mocks github.com/dmartinol/procgate/internal/authz Verifier

// Verifier turns a bearer token into a verified caller context. Token
// signature checking, issuer validation, and key rotation live behind this
// boundary; the gateway never parses tokens itself.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Context, error)
}

// ExtractBearerToken extracts a bearer token from an HTTP Authorization
// header. It returns ErrUnauthenticated when the header is missing or not a
// bearer credential.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthenticated
	}
	token := strings.TrimPrefix(header, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if token == header || token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}
