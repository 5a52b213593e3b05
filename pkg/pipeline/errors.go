package pipeline

import "fmt"

// ErrorKind decides how a failed command is answered.
type ErrorKind int

const (
	// malformed or unroutable input: `error` to the sender, stay open
	KindProtocol ErrorKind = iota + 1
	// bad or missing credentials: `join-rejected`, then close
	KindAuthentication
	// insufficient role or throttled: `<type>-rejected` to the sender, stay open
	KindAuthorization
	// server-side failure: `error` to the sender, stay open
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// CommandError is the result of a dispatch branch that did not succeed.
// Message is safe to show to the client; Err is for logs.
type CommandError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CommandError) Unwrap() error { return e.Err }

func Reject(kind ErrorKind, message string, err error) *CommandError {
	return &CommandError{Kind: kind, Message: message, Err: err}
}
