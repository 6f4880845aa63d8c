// Package auth implements the two-stage authentication gate (spec.md
// §4.1): Stage A resolves the caller (signature, API key, or bearer
// JWT), Stage B enforces route-level target-agent authorization. The
// Service type and its Authenticate/Stage-B split are grounded on the
// teacher's internal/auth/verifier.go Service/AuthenticateRequest shape;
// AuthMethod/Principal mirror the teacher's Principal struct.
package auth

import "context"

// AuthMethod records how a Principal was authenticated, so handlers and
// audit logging can distinguish tiers without re-deriving it.
type AuthMethod string

const (
	MethodSignature AuthMethod = "signature"
	MethodMasterKey AuthMethod = "master_key"
	MethodIssuedKey AuthMethod = "issued_key"
	MethodJWT       AuthMethod = "jwt"
)

// Principal is the resolved caller identity attached to a request after
// Stage A succeeds.
type Principal struct {
	AgentID    string
	AuthMethod AuthMethod
	// IssuedKeyTarget is set when the caller authenticated with an
	// issued key scoped to a specific target agent (spec.md §4.1 step 4).
	IssuedKeyTarget string
}

type contextKey struct{}

// WithPrincipal attaches a Principal to ctx for downstream handlers.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext retrieves the Principal attached by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
