package pipeline

import (
	"context"
	"log/slog"

	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/a-essam23/spacesync/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of commands and
 * modifiers from the session that routes them
 */

type Cargo struct {
	Logger     *slog.Logger
	Ctx        context.Context
	Connection *state.Connection
	Rooms      state.Manager
	Envelope   protocol.Envelope
	// normalized payload fields of a mutating command
	Fields map[string]any

	UserID  string
	Role    state.Role
	SpaceID string
}

// handles one message type once every modifier has passed
type ActionFunc func(c *Cargo) error

// runs ahead of an action; a non-nil error stops the pipeline
type ModifierFunc func(c *Cargo, params ...string) error

// represents one step in an execution pipeline
type Step struct {
	Name     string
	Function ModifierFunc
	Params   []string // Raw strings from YAML
}
