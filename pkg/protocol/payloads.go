package protocol

import (
	"encoding/json"
	"time"
)

type JoinPayload struct {
	SpaceID string `json:"spaceId"`
	Token   string `json:"token"`
}

type MovePayload struct {
	SnippetID string  `json:"snippetId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type DeletePayload struct {
	SnippetID string `json:"snippetId"`
}

// PingPayload carries whatever the sender used as a timestamp; it is echoed
// back untouched in the pong.
type PingPayload struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

type PongPayload struct {
	Timestamp         time.Time       `json:"timestamp"`
	OriginalTimestamp json.RawMessage `json:"originalTimestamp,omitempty"`
}

type ConnectionEstablishedPayload struct {
	Timestamp    time.Time `json:"timestamp"`
	ConnectionID string    `json:"connectionId"`
}

type SnippetFile struct {
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

type Snippet struct {
	ID          string        `json:"id"`
	SpaceID     string        `json:"spaceId,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Code        string        `json:"code,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Color       string        `json:"color,omitempty"`
	Files       []SnippetFile `json:"files,omitempty"`
	X           int           `json:"x"`
	Y           int           `json:"y"`
	CreatedBy   string        `json:"createdBy,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SnippetDraft is the client-supplied shape of a new snippet.
type SnippetDraft struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Code        string        `json:"code,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	Color       string        `json:"color,omitempty"`
	Files       []SnippetFile `json:"files,omitempty"`
	X           float64       `json:"x"`
	Y           float64       `json:"y"`
}

// SnippetPatch holds the optional fields of an update. Nil means unchanged.
type SnippetPatch struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Code        *string        `json:"code,omitempty"`
	Tags        *[]string      `json:"tags,omitempty"`
	Color       *string        `json:"color,omitempty"`
	Files       *[]SnippetFile `json:"files,omitempty"`
	X           *float64       `json:"x,omitempty"`
	Y           *float64       `json:"y,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SnippetPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Code == nil && p.Tags == nil &&
		p.Color == nil && p.Files == nil && p.X == nil && p.Y == nil
}

// Apply merges the patch into s. Coordinates are rounded.
func (p SnippetPatch) Apply(s *Snippet) {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Code != nil {
		s.Code = *p.Code
	}
	if p.Tags != nil {
		s.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Color != nil {
		s.Color = *p.Color
	}
	if p.Files != nil {
		s.Files = append([]SnippetFile(nil), (*p.Files)...)
	}
	if p.X != nil {
		s.X = RoundCoord(*p.X)
	}
	if p.Y != nil {
		s.Y = RoundCoord(*p.Y)
	}
}

// Revert returns the patch that puts back prev's values for every field p
// touches.
func (p SnippetPatch) Revert(prev Snippet) SnippetPatch {
	var r SnippetPatch
	if p.Title != nil {
		r.Title = &prev.Title
	}
	if p.Description != nil {
		r.Description = &prev.Description
	}
	if p.Code != nil {
		r.Code = &prev.Code
	}
	if p.Tags != nil {
		tags := append([]string{}, prev.Tags...)
		r.Tags = &tags
	}
	if p.Color != nil {
		r.Color = &prev.Color
	}
	if p.Files != nil {
		files := append([]SnippetFile{}, prev.Files...)
		r.Files = &files
	}
	if p.X != nil {
		x := float64(prev.X)
		r.X = &x
	}
	if p.Y != nil {
		y := float64(prev.Y)
		r.Y = &y
	}
	return r
}

type SpaceSnapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"ownerId"`
	Snippets    []Snippet `json:"snippets"`
}

type UserSummary struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

type SpaceJoinedPayload struct {
	Space    SpaceSnapshot `json:"space"`
	UserRole string        `json:"userRole"`
	Users    []UserSummary `json:"users"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

// ConfirmedPayload acknowledges a relayed command to its sender.
type ConfirmedPayload struct {
	OriginalMessageID string         `json:"originalMessageId,omitempty"`
	MessageID         string         `json:"messageId"`
	Recipients        int            `json:"recipients"`
	Data              map[string]any `json:"data"`
}
