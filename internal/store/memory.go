package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It backs tests and the
// "memory" store driver.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]User
	spaces        map[string]Space
	collaborators map[string]map[string]string // spaceID -> userID -> role
	snippets      map[string]map[string]protocol.Snippet
	order         map[string]int64 // snippetID -> creation sequence
	seq           int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]User),
		spaces:        make(map[string]Space),
		collaborators: make(map[string]map[string]string),
		snippets:      make(map[string]map[string]protocol.Snippet),
		order:         make(map[string]int64),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, exists := m.users[user.ID]; exists {
		return User{}, ErrConflict
	}
	user.CreatedAt = time.Now().UTC()
	m.users[user.ID] = user
	return user, nil
}

func (m *MemoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[userID]
	return ok, nil
}

func (m *MemoryStore) CreateSpace(_ context.Context, space Space) (Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if space.ID == "" {
		space.ID = uuid.NewString()
	}
	if _, exists := m.spaces[space.ID]; exists {
		return Space{}, ErrConflict
	}
	if _, ok := m.users[space.OwnerID]; !ok {
		return Space{}, ErrNotFound
	}
	now := time.Now().UTC()
	space.CreatedAt, space.UpdatedAt = now, now
	m.spaces[space.ID] = space
	m.snippets[space.ID] = make(map[string]protocol.Snippet)
	return space, nil
}

func (m *MemoryStore) GetSpace(_ context.Context, spaceID string) (Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	space, ok := m.spaces[spaceID]
	if !ok {
		return Space{}, ErrNotFound
	}
	return space, nil
}

func (m *MemoryStore) AddCollaborator(_ context.Context, c Collaborator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[c.SpaceID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[c.UserID]; !ok {
		return ErrNotFound
	}
	if m.collaborators[c.SpaceID] == nil {
		m.collaborators[c.SpaceID] = make(map[string]string)
	}
	m.collaborators[c.SpaceID][c.UserID] = c.Role
	return nil
}

func (m *MemoryStore) CollaboratorRole(_ context.Context, spaceID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.collaborators[spaceID][userID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (m *MemoryStore) ListSnippets(_ context.Context, spaceID string) ([]protocol.Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.spaces[spaceID]; !ok {
		return nil, ErrNotFound
	}
	list := make([]protocol.Snippet, 0, len(m.snippets[spaceID]))
	for _, s := range m.snippets[spaceID] {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		return m.order[list[i].ID] < m.order[list[j].ID]
	})
	return list, nil
}

func (m *MemoryStore) GetSnippet(_ context.Context, spaceID, snippetID string) (protocol.Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snippets[spaceID][snippetID]
	if !ok {
		return protocol.Snippet{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) CreateSnippet(_ context.Context, spaceID, userID string, draft protocol.SnippetDraft) (protocol.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[spaceID]; !ok {
		return protocol.Snippet{}, ErrNotFound
	}
	now := time.Now().UTC()
	s := protocol.Snippet{
		ID:          uuid.NewString(),
		SpaceID:     spaceID,
		Title:       draft.Title,
		Description: draft.Description,
		Code:        draft.Code,
		Tags:        draft.Tags,
		Color:       draft.Color,
		Files:       draft.Files,
		X:           protocol.RoundCoord(draft.X),
		Y:           protocol.RoundCoord(draft.Y),
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.snippets[spaceID][s.ID] = s
	m.seq++
	m.order[s.ID] = m.seq
	return s, nil
}

func (m *MemoryStore) UpdateSnippet(_ context.Context, spaceID, snippetID string, patch protocol.SnippetPatch) (protocol.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snippets[spaceID][snippetID]
	if !ok {
		return protocol.Snippet{}, ErrNotFound
	}
	patch.Apply(&s)
	s.UpdatedAt = time.Now().UTC()
	m.snippets[spaceID][snippetID] = s
	return s, nil
}

func (m *MemoryStore) MoveSnippet(ctx context.Context, spaceID, snippetID string, x, y int) (protocol.Snippet, error) {
	fx, fy := float64(x), float64(y)
	return m.UpdateSnippet(ctx, spaceID, snippetID, protocol.SnippetPatch{X: &fx, Y: &fy})
}

func (m *MemoryStore) DeleteSnippet(_ context.Context, spaceID, snippetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snippets[spaceID][snippetID]; !ok {
		return ErrNotFound
	}
	delete(m.snippets[spaceID], snippetID)
	delete(m.order, snippetID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
