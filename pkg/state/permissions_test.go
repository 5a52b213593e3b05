package state_test

import (
	"testing"

	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/stretchr/testify/assert"
)

func TestRoleOrdering(t *testing.T) {
	assert.True(t, state.RoleOwner.AtLeast(state.RoleAdmin))
	assert.True(t, state.RoleAdmin.AtLeast(state.RoleEditor))
	assert.True(t, state.RoleEditor.AtLeast(state.RoleEditor))
	assert.False(t, state.RoleViewer.AtLeast(state.RoleEditor))
	assert.False(t, state.RoleNone.AtLeast(state.RoleViewer))
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, state.RoleEditor, state.ParseRole(" editor "))
	assert.Equal(t, state.RoleNone, state.ParseRole("root"))
}

func TestCheck(t *testing.T) {
	writes := []state.Action{state.ActionCreate, state.ActionUpdate, state.ActionMove, state.ActionDelete}
	reads := []state.Action{state.ActionJoin, state.ActionPing, state.ActionViewTrack}

	for _, role := range []state.Role{state.RoleOwner, state.RoleAdmin, state.RoleEditor} {
		for _, a := range append(writes, reads...) {
			assert.True(t, state.Check(role, a).Allowed, "%s %s", role, a)
		}
	}
	for _, a := range writes {
		check := state.Check(state.RoleViewer, a)
		assert.False(t, check.Allowed)
		assert.NotEmpty(t, check.Reason)
		assert.Equal(t, state.RoleViewer, check.Role)
	}
	for _, a := range reads {
		assert.True(t, state.Check(state.RoleViewer, a).Allowed)
	}
	assert.False(t, state.Check(state.RoleNone, state.ActionJoin).Allowed)
}
