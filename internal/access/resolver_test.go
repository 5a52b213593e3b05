package access_test

import (
	"context"
	"testing"

	"github.com/a-essam23/spacesync/internal/access"
	"github.com/a-essam23/spacesync/internal/store"
	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T) *access.StoreResolver {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, id := range []string{"owner", "ed", "viewer", "stranger", "odd"} {
		_, err := s.CreateUser(ctx, store.User{ID: id})
		require.NoError(t, err)
	}
	_, err := s.CreateSpace(ctx, store.Space{ID: "sp", Name: "S", OwnerID: "owner"})
	require.NoError(t, err)
	require.NoError(t, s.AddCollaborator(ctx, store.Collaborator{SpaceID: "sp", UserID: "ed", Role: "editor"}))
	require.NoError(t, s.AddCollaborator(ctx, store.Collaborator{SpaceID: "sp", UserID: "viewer", Role: "VIEWER"}))
	require.NoError(t, s.AddCollaborator(ctx, store.Collaborator{SpaceID: "sp", UserID: "odd", Role: "superuser"}))
	return access.NewStoreResolver(s)
}

func TestResolveRoles(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	role, err := r.ResolveAccess(ctx, "sp", "owner", state.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, state.RoleOwner, role)

	role, err = r.ResolveAccess(ctx, "sp", "ed", state.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, state.RoleEditor, role)

	_, err = r.ResolveAccess(ctx, "sp", "stranger", state.RoleViewer)
	assert.ErrorIs(t, err, access.ErrNoAccess)

	_, err = r.ResolveAccess(ctx, "nope", "owner", state.RoleViewer)
	assert.ErrorIs(t, err, access.ErrSpaceMissing)

	_, err = r.ResolveAccess(ctx, "sp", "odd", state.RoleViewer)
	assert.ErrorIs(t, err, access.ErrNoAccess)
}

func TestViewerIsBelowEditor(t *testing.T) {
	r := newResolver(t)
	role, err := r.ResolveAccess(context.Background(), "sp", "viewer", state.RoleEditor)
	assert.ErrorIs(t, err, access.ErrNoAccess)
	assert.Equal(t, state.RoleViewer, role)
}
