package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/google/uuid"
)

// SQLStore implements Store over database/sql. Queries are written to run
// unchanged on Postgres and SQLite; placeholders are always numbered in
// order of first appearance.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	exists, err := s.UserExists(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	if exists {
		return User{}, ErrConflict
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES ($1, $2, $3)`,
		user.ID, user.DisplayName, user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *SQLStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) CreateSpace(ctx context.Context, space Space) (Space, error) {
	if space.ID == "" {
		space.ID = uuid.NewString()
	}
	ok, err := s.UserExists(ctx, space.OwnerID)
	if err != nil {
		return Space{}, err
	}
	if !ok {
		return Space{}, ErrNotFound
	}
	now := time.Now().UTC()
	space.CreatedAt, space.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, name, description, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, space.ID, space.Name, space.Description, space.OwnerID, space.CreatedAt, space.UpdatedAt)
	if err != nil {
		return Space{}, fmt.Errorf("insert space: %w", err)
	}
	return space, nil
}

func (s *SQLStore) GetSpace(ctx context.Context, spaceID string) (Space, error) {
	var space Space
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, created_at, updated_at
		FROM spaces WHERE id=$1
	`, spaceID).Scan(&space.ID, &space.Name, &space.Description, &space.OwnerID, &space.CreatedAt, &space.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("read space: %w", err)
	}
	return space, nil
}

func (s *SQLStore) AddCollaborator(ctx context.Context, c Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (space_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (space_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, c.SpaceID, c.UserID, c.Role)
	if err != nil {
		return fmt.Errorf("upsert collaborator: %w", err)
	}
	return nil
}

func (s *SQLStore) CollaboratorRole(ctx context.Context, spaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM collaborators WHERE space_id=$1 AND user_id=$2`, spaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read collaborator role: %w", err)
	}
	return role, nil
}

const snippetColumns = `id, space_id, title, description, code, tags, color, files, x, y, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnippet(row rowScanner) (protocol.Snippet, error) {
	var (
		snip        protocol.Snippet
		tags, files string
	)
	err := row.Scan(&snip.ID, &snip.SpaceID, &snip.Title, &snip.Description, &snip.Code,
		&tags, &snip.Color, &files, &snip.X, &snip.Y, &snip.CreatedBy, &snip.CreatedAt, &snip.UpdatedAt)
	if err != nil {
		return protocol.Snippet{}, err
	}
	if err := json.Unmarshal([]byte(tags), &snip.Tags); err != nil {
		return protocol.Snippet{}, fmt.Errorf("decode tags of %s: %w", snip.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &snip.Files); err != nil {
		return protocol.Snippet{}, fmt.Errorf("decode files of %s: %w", snip.ID, err)
	}
	return snip, nil
}

func (s *SQLStore) ListSnippets(ctx context.Context, spaceID string) ([]protocol.Snippet, error) {
	if _, err := s.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snippetColumns+` FROM snippets WHERE space_id=$1 ORDER BY created_seq, id`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list snippets: %w", err)
	}
	defer rows.Close()

	snippets := []protocol.Snippet{}
	for rows.Next() {
		snip, err := scanSnippet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		snippets = append(snippets, snip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return snippets, nil
}

func (s *SQLStore) GetSnippet(ctx context.Context, spaceID, snippetID string) (protocol.Snippet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snippetColumns+` FROM snippets WHERE id=$1 AND space_id=$2`, snippetID, spaceID)
	snip, err := scanSnippet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Snippet{}, ErrNotFound
	}
	if err != nil {
		return protocol.Snippet{}, fmt.Errorf("read snippet: %w", err)
	}
	return snip, nil
}

func encodeList(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func (s *SQLStore) CreateSnippet(ctx context.Context, spaceID, userID string, draft protocol.SnippetDraft) (protocol.Snippet, error) {
	if _, err := s.GetSpace(ctx, spaceID); err != nil {
		return protocol.Snippet{}, err
	}
	tags, err := encodeList(draft.Tags)
	if err != nil {
		return protocol.Snippet{}, fmt.Errorf("encode tags: %w", err)
	}
	files, err := encodeList(draft.Files)
	if err != nil {
		return protocol.Snippet{}, fmt.Errorf("encode files: %w", err)
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snippets (id, space_id, title, description, code, tags, color, files, x, y, created_by, created_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, id, spaceID, draft.Title, draft.Description, draft.Code, tags, draft.Color, files,
		protocol.RoundCoord(draft.X), protocol.RoundCoord(draft.Y), userID, now.UnixNano(), now, now)
	if err != nil {
		return protocol.Snippet{}, fmt.Errorf("insert snippet: %w", err)
	}
	return s.GetSnippet(ctx, spaceID, id)
}

func (s *SQLStore) UpdateSnippet(ctx context.Context, spaceID, snippetID string, patch protocol.SnippetPatch) (protocol.Snippet, error) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+"=$"+strconv.Itoa(len(args)))
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Code != nil {
		set("code", *patch.Code)
	}
	if patch.Tags != nil {
		tags, err := encodeList(*patch.Tags)
		if err != nil {
			return protocol.Snippet{}, fmt.Errorf("encode tags: %w", err)
		}
		set("tags", tags)
	}
	if patch.Color != nil {
		set("color", *patch.Color)
	}
	if patch.Files != nil {
		files, err := encodeList(*patch.Files)
		if err != nil {
			return protocol.Snippet{}, fmt.Errorf("encode files: %w", err)
		}
		set("files", files)
	}
	if patch.X != nil {
		set("x", protocol.RoundCoord(*patch.X))
	}
	if patch.Y != nil {
		set("y", protocol.RoundCoord(*patch.Y))
	}
	set("updated_at", time.Now().UTC())

	args = append(args, snippetID, spaceID)
	query := fmt.Sprintf(`UPDATE snippets SET %s WHERE id=$%d AND space_id=$%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return protocol.Snippet{}, fmt.Errorf("update snippet: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return protocol.Snippet{}, ErrNotFound
	}
	return s.GetSnippet(ctx, spaceID, snippetID)
}

func (s *SQLStore) MoveSnippet(ctx context.Context, spaceID, snippetID string, x, y int) (protocol.Snippet, error) {
	fx, fy := float64(x), float64(y)
	return s.UpdateSnippet(ctx, spaceID, snippetID, protocol.SnippetPatch{X: &fx, Y: &fy})
}

func (s *SQLStore) DeleteSnippet(ctx context.Context, spaceID, snippetID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snippets WHERE id=$1 AND space_id=$2`, snippetID, spaceID)
	if err != nil {
		return fmt.Errorf("delete snippet: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
