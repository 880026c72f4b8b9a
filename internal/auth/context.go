package auth

import (
	"context"
	"net/http"

	"solarshare/internal/audit"
)

// Identity is the authenticated caller.
type Identity struct {
	TenantID string
	Role     Role
	Subject  string
}

type identityKey struct{}

// WithIdentity stores the caller in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller stored by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// ActorFromContext builds the audit actor of the authenticated caller.
func ActorFromContext(ctx context.Context) audit.Actor {
	id, _ := IdentityFromContext(ctx)
	return audit.Actor{ID: id.Subject, Role: string(id.Role), TenantID: id.TenantID}
}

// ActorFromRequest is ActorFromContext plus the caller's address and user agent.
func ActorFromRequest(r *http.Request) audit.Actor {
	return ActorFromContext(r.Context()).WithRequest(r)
}
