package client

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	// transport open, not yet joined
	StateConnected    State = "connected"
	StateJoining      State = "joining"
	StateJoined       State = "joined"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
	StateOffline      State = "offline"
)

// Status is a point-in-time view of the engine for the UI layer.
type Status struct {
	State State
	// delay before the pending retry; set only while reconnecting
	Backoff   time.Duration
	Attempt   int
	LastError error
}

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotJoined          = errors.New("not joined to a space")
	ErrSendFailed         = errors.New("send failed")
	ErrEngineStopped      = errors.New("sync engine stopped")
	ErrUnknownSnippet     = errors.New("unknown snippet")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrStaleConnection    = errors.New("no pong from server")
)

// RejectedError carries a server rejection message, such as the reason
// a join was refused.
type RejectedError struct {
	Type    string
	Message string
}

func (e *RejectedError) Error() string {
	return e.Type + ": " + e.Message
}

// RollbackError reports a durable write that failed after the local view
// was already changed. The view has been restored; the connection is
// unaffected.
type RollbackError struct {
	Op        string
	SnippetID string
	Err       error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s %s rolled back: %v", e.Op, e.SnippetID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
