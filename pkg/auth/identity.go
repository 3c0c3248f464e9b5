// Package auth carries the caller identity extracted from the audit
// headers. Every mutating request must name an actor, a tenant, and a
// reason; the trio lands in the event journal next to the change.
package auth

import (
	"context"
	"errors"
	"strings"
)

// Header names for the audit trio plus roles.
const (
	HeaderActor  = "X-Actor"
	HeaderRoles  = "X-Roles"
	HeaderTenant = "X-Tenant"
	HeaderReason = "X-Reason"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Actor  string
	Roles  []string
	Tenant string
	Reason string
}

// HasRole reports whether the identity carries the role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries at least one of the
// given roles.
func (id *Identity) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if id.HasRole(r) {
			return true
		}
	}
	return false
}

// ParseRoles splits the X-Roles header value into a clean role list.
func ParseRoles(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if r := strings.TrimSpace(p); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

type identityKey struct{}

// ErrNoIdentity is returned when a context carries no identity.
var ErrNoIdentity = errors.New("auth: no identity in context")

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom retrieves the identity from the context.
func IdentityFrom(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || id == nil {
		return nil, ErrNoIdentity
	}
	return id, nil
}
