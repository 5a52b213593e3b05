package router

import (
	"context"

	"github.com/a-essam23/spacesync/internal/auth"
	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/coder/websocket"
)

// Transport is the socket side of a session. *transport.Connection
// satisfies it.
type Transport interface {
	state.Sender
	CloseWithStatus(code websocket.StatusCode, reason string)
	Touch()
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateJoining
	StateJoined
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// user-visible join rejection messages
const (
	msgMissingToken    = "Missing token"
	msgInvalidToken    = "Invalid token"
	msgExpiredToken    = "Token expired"
	msgRevokedToken    = "Token revoked"
	msgAuthUnavailable = "Authentication unavailable"
	msgBadJoin         = "Invalid join payload"
	msgMissingSpace    = "Missing space id"
	msgSpaceMismatch   = "Space id does not match connection route"
	msgUnknownUser     = "User not found"
	msgUnknownSpace    = "Space not found"
	msgNoAccess        = "Access denied"
	msgAccessFailed    = "Access check failed"
)
