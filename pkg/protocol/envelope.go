package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
)

type MessageType string

// client -> server
const (
	TypeJoin          MessageType = "join"
	TypeSnippetMove   MessageType = "snippet-move"
	TypeSnippetCreate MessageType = "snippet-create"
	TypeSnippetUpdate MessageType = "snippet-update"
	TypeSnippetDelete MessageType = "snippet-delete"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
)

// server -> client
const (
	TypeConnectionEstablished MessageType = "connection-established"
	TypeSpaceJoined           MessageType = "space-joined"
	TypeJoinRejected          MessageType = "join-rejected"
	TypeSnippetMoved          MessageType = "snippet-moved"
	TypeSnippetCreated        MessageType = "snippet-created"
	TypeSnippetUpdated        MessageType = "snippet-updated"
	TypeSnippetDeleted        MessageType = "snippet-deleted"
	TypeUserJoined            MessageType = "user-joined"
	TypeUserLeft              MessageType = "user-left"
	TypeError                 MessageType = "error"
	// operator message pushed into a room or to one user
	TypeNotice MessageType = "notice"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingType       = errors.New("envelope is missing a type")
)

// Envelope is the unit exchanged over a sync connection in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	MessageID string          `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
}

// Rejected returns the "<type>-rejected" reply type for a command.
func (t MessageType) Rejected() MessageType { return t + "-rejected" }

// Confirmed returns the "<type>-confirmed" acknowledgement type for a command.
func (t MessageType) Confirmed() MessageType { return t + "-confirmed" }

// IsMutation reports whether the type changes snippet state.
func (t MessageType) IsMutation() bool {
	switch t {
	case TypeSnippetMove, TypeSnippetCreate, TypeSnippetUpdate, TypeSnippetDelete:
		return true
	}
	return false
}

// Broadcast maps a client command to the event other members receive.
func (t MessageType) Broadcast() (MessageType, bool) {
	switch t {
	case TypeSnippetMove:
		return TypeSnippetMoved, true
	case TypeSnippetCreate:
		return TypeSnippetCreated, true
	case TypeSnippetUpdate:
		return TypeSnippetUpdated, true
	case TypeSnippetDelete:
		return TypeSnippetDeleted, true
	}
	return "", false
}

// NewMessageID returns a fresh, lexically sortable message id. Ids are
// monotonic within a process.
func NewMessageID() string {
	return ulid.Make().String()
}

// New stamps a fresh envelope around payload.
func New(t MessageType, userID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		UserID:    userID,
		MessageID: NewMessageID(),
		Timestamp: time.Now().UTC(),
	}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Encode stamps and marshals an envelope in one step.
func Encode(t MessageType, userID string, payload any) ([]byte, error) {
	env, err := New(t, userID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a raw frame. The type is peeked first so a frame with a
// broken payload can still be answered with a typed rejection.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, ErrMalformedEnvelope
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Envelope{}, ErrMissingType
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{Type: MessageType(typ.Str)}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// DecodePayload unmarshals an envelope's payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}
