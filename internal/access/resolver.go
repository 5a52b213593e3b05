// Package access decides what role a user holds in a space.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/a-essam23/spacesync/internal/store"
	"github.com/a-essam23/spacesync/pkg/state"
)

var (
	ErrNoAccess     = errors.New("no access to space")
	ErrSpaceMissing = errors.New("space does not exist")
)

// Resolver answers role lookups. The space owner is always OWNER; everyone
// else gets the role recorded for them as a collaborator.
type Resolver interface {
	ResolveAccess(ctx context.Context, spaceID, userID string, minRole state.Role) (state.Role, error)
}

type StoreResolver struct {
	store store.Store
}

func NewStoreResolver(s store.Store) *StoreResolver {
	return &StoreResolver{store: s}
}

func (r *StoreResolver) ResolveAccess(ctx context.Context, spaceID, userID string, minRole state.Role) (state.Role, error) {
	role, err := r.role(ctx, spaceID, userID)
	if err != nil {
		return state.RoleNone, err
	}
	if minRole != state.RoleNone && !role.AtLeast(minRole) {
		return role, fmt.Errorf("%w: %s is below %s", ErrNoAccess, role, minRole)
	}
	return role, nil
}

func (r *StoreResolver) role(ctx context.Context, spaceID, userID string) (state.Role, error) {
	space, err := r.store.GetSpace(ctx, spaceID)
	if errors.Is(err, store.ErrNotFound) {
		return state.RoleNone, ErrSpaceMissing
	}
	if err != nil {
		return state.RoleNone, fmt.Errorf("resolve space: %w", err)
	}
	if space.OwnerID == userID {
		return state.RoleOwner, nil
	}

	name, err := r.store.CollaboratorRole(ctx, spaceID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return state.RoleNone, ErrNoAccess
	}
	if err != nil {
		return state.RoleNone, fmt.Errorf("resolve collaborator: %w", err)
	}
	role := state.ParseRole(name)
	if !role.Valid() {
		return state.RoleNone, fmt.Errorf("%w: unknown role %q", ErrNoAccess, name)
	}
	return role, nil
}
