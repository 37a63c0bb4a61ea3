// Package identity carries the caller's identity and the permission
// predicates every authorization decision is built from.
package identity

import (
	"context"
	"errors"
)

type Role string

const (
	RoleUser  Role = "ROLE_USER"
	RoleAdmin Role = "ROLE_ADMIN"

	// RoleModerator may approve, unpublish and delete any post.
	RoleModerator = RoleAdmin
)

type (
	identityKey string

	Identity struct {
		UserId string `json:"id"`
		Email  string `json:"email"`
		Roles  []Role `json:"roles"`
	}
)

const IdentityKey identityKey = "identity"

var ErrNoIdentity = errors.New("identity: no identity in context")

// Authenticated reports whether the identity belongs to a known user.
func (id *Identity) Authenticated() bool {
	return id != nil && id.UserId != ""
}

func HasRole(id *Identity, role Role) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func IsOwner(id *Identity, ownerId string) bool {
	return id.Authenticated() && ownerId != "" && id.UserId == ownerId
}

func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// FromContext returns the identity installed by the auth middleware.
// Anonymous requests get ErrNoIdentity.
func FromContext(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(IdentityKey).(*Identity)
	if !ok || id == nil {
		return nil, ErrNoIdentity
	}
	return id, nil
}
