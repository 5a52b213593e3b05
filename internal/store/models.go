package store

import (
	"context"
	"errors"
	"time"

	"github.com/a-essam23/spacesync/pkg/protocol"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Space struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Collaborator struct {
	SpaceID string
	UserID  string
	Role    string
}

// Store is the authoritative record store for spaces and snippets.
// Concurrent writes to the same snippet are last-write-wins.
type Store interface {
	CreateUser(ctx context.Context, user User) (User, error)
	UserExists(ctx context.Context, userID string) (bool, error)

	CreateSpace(ctx context.Context, space Space) (Space, error)
	GetSpace(ctx context.Context, spaceID string) (Space, error)
	AddCollaborator(ctx context.Context, c Collaborator) error
	// CollaboratorRole returns ErrNotFound when the user is not a collaborator.
	CollaboratorRole(ctx context.Context, spaceID, userID string) (string, error)

	ListSnippets(ctx context.Context, spaceID string) ([]protocol.Snippet, error)
	GetSnippet(ctx context.Context, spaceID, snippetID string) (protocol.Snippet, error)
	CreateSnippet(ctx context.Context, spaceID, userID string, draft protocol.SnippetDraft) (protocol.Snippet, error)
	UpdateSnippet(ctx context.Context, spaceID, snippetID string, patch protocol.SnippetPatch) (protocol.Snippet, error)
	MoveSnippet(ctx context.Context, spaceID, snippetID string, x, y int) (protocol.Snippet, error)
	DeleteSnippet(ctx context.Context, spaceID, snippetID string) error

	Close() error
}

// Snapshot loads a space and its ordered snippets.
func Snapshot(ctx context.Context, s Store, spaceID string) (protocol.SpaceSnapshot, error) {
	space, err := s.GetSpace(ctx, spaceID)
	if err != nil {
		return protocol.SpaceSnapshot{}, err
	}
	snippets, err := s.ListSnippets(ctx, spaceID)
	if err != nil {
		return protocol.SpaceSnapshot{}, err
	}
	if snippets == nil {
		snippets = []protocol.Snippet{}
	}
	return protocol.SpaceSnapshot{
		ID:          space.ID,
		Name:        space.Name,
		Description: space.Description,
		OwnerID:     space.OwnerID,
		Snippets:    snippets,
	}, nil
}
