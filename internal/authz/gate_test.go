package authz_test

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dmartinol/procgate/internal/authz"
)

var _ = Describe("Gate", func() {
	var gate *authz.Gate

	BeforeEach(func() {
		gate = authz.NewGate([]string{"admin@example.com", " padded@example.com "})
	})

	caller := func(subject string, scopes ...string) *authz.Context {
		return &authz.Context{Subject: subject, Scopes: scopes}
	}

	DescribeTable("Evaluate",
		func(req *authz.Requirement, authCtx *authz.Context, allowed bool, reason string) {
			decision := gate.Evaluate(req, authCtx)
			Expect(decision.Allowed).To(Equal(allowed))
			if reason != "" {
				Expect(decision.Reason).To(ContainSubstring(reason))
			}
		},

		// Empty requirements are public regardless of caller.
		Entry("nil requirement, nil caller",
			nil, nil, true, ""),
		Entry("nil requirement, authenticated caller",
			nil, caller("u", "mcp"), true, ""),
		Entry("zero requirement, nil caller",
			&authz.Requirement{}, nil, true, ""),
		Entry("privileged-only requirement is still public",
			&authz.Requirement{Privileged: true}, nil, true, ""),

		// Any non-empty requirement needs an authenticated caller.
		Entry("anyOf, nil caller",
			&authz.Requirement{AnyOf: []string{"mcp"}}, nil, false, "authentication required"),
		Entry("allOf, nil caller",
			&authz.Requirement{AllOf: []string{"rpc:read"}}, nil, false, "authentication required"),
		Entry("admin, nil caller",
			&authz.Requirement{RequireAdminUser: true}, nil, false, "authentication required"),

		// anyOf is satisfied by any single listed scope.
		Entry("anyOf, scope granted",
			&authz.Requirement{AnyOf: []string{"mcp"}}, caller("u", "mcp"), true, ""),
		Entry("anyOf, second alternative granted",
			&authz.Requirement{AnyOf: []string{"mcp:call", "mcp"}}, caller("u", "mcp"), true, ""),
		Entry("anyOf, no alternative granted",
			&authz.Requirement{AnyOf: []string{"mcp:call", "mcp"}}, caller("u", "rpc:read"),
			false, "requires one of: mcp:call, mcp"),
		Entry("anyOf, caller with no scopes",
			&authz.Requirement{AnyOf: []string{"mcp"}}, caller("u"), false, "requires one of"),

		// allOf needs every listed scope.
		Entry("allOf, all granted",
			&authz.Requirement{AllOf: []string{"rpc:read", "rpc:write"}},
			caller("u", "rpc:read", "rpc:write"), true, ""),
		Entry("allOf, one missing",
			&authz.Requirement{AllOf: []string{"rpc:read", "rpc:write"}},
			caller("u", "rpc:read"), false, "missing scope: rpc:write"),

		// Combined conditions are conjunctive.
		Entry("anyOf and allOf, both satisfied",
			&authz.Requirement{AnyOf: []string{"mcp", "mcp:call"}, AllOf: []string{"rpc:read"}},
			caller("u", "mcp", "rpc:read"), true, ""),
		Entry("anyOf satisfied but allOf not",
			&authz.Requirement{AnyOf: []string{"mcp"}, AllOf: []string{"rpc:read"}},
			caller("u", "mcp"), false, "missing scope: rpc:read"),
		Entry("allOf satisfied but anyOf not",
			&authz.Requirement{AnyOf: []string{"mcp"}, AllOf: []string{"rpc:read"}},
			caller("u", "rpc:read"), false, "requires one of"),

		// requireAdminUser checks the subject allow-list.
		Entry("admin required, admin subject",
			&authz.Requirement{RequireAdminUser: true}, caller("admin@example.com"), true, ""),
		Entry("admin required, allow-list entries are trimmed",
			&authz.Requirement{RequireAdminUser: true}, caller("padded@example.com"), true, ""),
		Entry("admin required, ordinary subject",
			&authz.Requirement{RequireAdminUser: true}, caller("user@example.com"), false, "admin required"),
		Entry("admin required, empty subject",
			&authz.Requirement{RequireAdminUser: true}, caller(""), false, "admin required"),
		Entry("admin and scopes, admin missing a scope",
			&authz.Requirement{RequireAdminUser: true, AllOf: []string{"rpc:write"}},
			caller("admin@example.com"), false, "missing scope: rpc:write"),
		Entry("admin and scopes, both satisfied",
			&authz.Requirement{RequireAdminUser: true, AllOf: []string{"rpc:write"}},
			caller("admin@example.com", "rpc:write"), true, ""),
		Entry("scopes alone never satisfy an admin requirement",
			&authz.Requirement{RequireAdminUser: true},
			caller("user@example.com", "mcp", "rpc:read", "rpc:write"), false, "admin required"),
	)

	Describe("denial reasons", func() {
		It("never echoes the caller's granted scopes", func() {
			decision := gate.Evaluate(
				&authz.Requirement{AnyOf: []string{"mcp"}},
				caller("u", "secret:scope"),
			)
			Expect(decision.Allowed).To(BeFalse())
			Expect(decision.Reason).NotTo(ContainSubstring("secret:scope"))
		})
	})

	Describe("IsAdmin", func() {
		It("matches configured subjects only", func() {
			Expect(gate.IsAdmin("admin@example.com")).To(BeTrue())
			Expect(gate.IsAdmin("user@example.com")).To(BeFalse())
			Expect(gate.IsAdmin("")).To(BeFalse())
		})
	})
})

var _ = Describe("Requirement", func() {
	Describe("IsZero", func() {
		It("is zero when no conditions are set", func() {
			Expect((*authz.Requirement)(nil).IsZero()).To(BeTrue())
			Expect((&authz.Requirement{}).IsZero()).To(BeTrue())
			Expect((&authz.Requirement{Description: "public"}).IsZero()).To(BeTrue())
			Expect((&authz.Requirement{AnyOf: []string{"mcp"}}).IsZero()).To(BeFalse())
			Expect((&authz.Requirement{AllOf: []string{"mcp"}}).IsZero()).To(BeFalse())
			Expect((&authz.Requirement{RequireAdminUser: true}).IsZero()).To(BeFalse())
		})
	})

	Describe("Scopes", func() {
		It("returns referenced scopes deduplicated and sorted", func() {
			req := &authz.Requirement{
				AnyOf: []string{"mcp", "rpc:read"},
				AllOf: []string{"rpc:read", "rpc:write"},
			}
			Expect(req.Scopes()).To(Equal([]string{"mcp", "rpc:read", "rpc:write"}))
		})
	})
})

var _ = Describe("ValidateRequirement", func() {
	known := []string{"mcp", "mcp:call", "rpc:read"}

	It("accepts requirements over known scopes", func() {
		req := &authz.Requirement{AnyOf: []string{"mcp", "mcp:call"}}
		Expect(authz.ValidateRequirement(req, known)).To(Succeed())
	})

	It("rejects unknown scope references", func() {
		req := &authz.Requirement{AllOf: []string{"rpc:write"}}
		err := authz.ValidateRequirement(req, known)
		Expect(err).To(MatchError(ContainSubstring(`unknown scope "rpc:write"`)))
	})

	It("skips the check when no scopes are configured", func() {
		req := &authz.Requirement{AllOf: []string{"anything"}}
		Expect(authz.ValidateRequirement(req, nil)).To(Succeed())
	})
})

var _ = Describe("ExtractBearerToken", func() {
	request := func(header string) *http.Request {
		r, err := http.NewRequest(http.MethodPost, "/rpc", nil)
		Expect(err).NotTo(HaveOccurred())
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	It("extracts the token from a Bearer header", func() {
		token, err := authz.ExtractBearerToken(request("Bearer abc123"))
		Expect(err).NotTo(HaveOccurred())
		Expect(token).To(Equal("abc123"))
	})

	It("accepts a lowercase bearer prefix", func() {
		token, err := authz.ExtractBearerToken(request("bearer abc123"))
		Expect(err).NotTo(HaveOccurred())
		Expect(token).To(Equal("abc123"))
	})

	It("rejects a missing header", func() {
		_, err := authz.ExtractBearerToken(request(""))
		Expect(err).To(MatchError(authz.ErrUnauthenticated))
	})

	It("rejects non-bearer credentials", func() {
		_, err := authz.ExtractBearerToken(request("Basic dXNlcjpwYXNz"))
		Expect(err).To(MatchError(authz.ErrUnauthenticated))
	})

	It("rejects an empty bearer token", func() {
		_, err := authz.ExtractBearerToken(request("Bearer "))
		Expect(err).To(MatchError(authz.ErrUnauthenticated))
	})
})
