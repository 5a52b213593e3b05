package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-essam23/spacesync/pkg/protocol"
)

// RecordStore is the durable side of a mutation.
type RecordStore interface {
	ListSnippets(ctx context.Context, spaceID string) ([]protocol.Snippet, error)
	CreateSnippet(ctx context.Context, spaceID string, draft protocol.SnippetDraft) (protocol.Snippet, error)
	UpdateSnippet(ctx context.Context, spaceID, snippetID string, patch protocol.SnippetPatch) (protocol.Snippet, error)
	MoveSnippet(ctx context.Context, spaceID, snippetID string, x, y int) (protocol.Snippet, error)
	DeleteSnippet(ctx context.Context, spaceID, snippetID string) error
}

// TokenSource returns the current session token.
type TokenSource func() string

func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// HTTPError is a non-2xx answer from the record-store API.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("record store: %d %s", e.Status, e.Message)
}

// HTTPStore talks to the server's REST snippet API.
type HTTPStore struct {
	baseURL string
	token   TokenSource
	client  *http.Client
}

var _ RecordStore = (*HTTPStore)(nil)

func NewHTTPStore(baseURL string, token TokenSource, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (h *HTTPStore) snippetsPath(spaceID string, rest ...string) string {
	parts := []string{h.baseURL, "api", "spaces", url.PathEscape(spaceID), "snippets"}
	for _, r := range rest {
		parts = append(parts, url.PathEscape(r))
	}
	return strings.Join(parts, "/")
}

func (h *HTTPStore) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != nil {
		req.Header.Set("Authorization", "Bearer "+h.token())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		return &HTTPError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *HTTPStore) ListSnippets(ctx context.Context, spaceID string) ([]protocol.Snippet, error) {
	var out []protocol.Snippet
	err := h.do(ctx, http.MethodGet, h.snippetsPath(spaceID), nil, &out)
	return out, err
}

func (h *HTTPStore) CreateSnippet(ctx context.Context, spaceID string, draft protocol.SnippetDraft) (protocol.Snippet, error) {
	var out protocol.Snippet
	err := h.do(ctx, http.MethodPost, h.snippetsPath(spaceID), draft, &out)
	return out, err
}

func (h *HTTPStore) UpdateSnippet(ctx context.Context, spaceID, snippetID string, patch protocol.SnippetPatch) (protocol.Snippet, error) {
	var out protocol.Snippet
	err := h.do(ctx, http.MethodPatch, h.snippetsPath(spaceID, snippetID), patch, &out)
	return out, err
}

func (h *HTTPStore) MoveSnippet(ctx context.Context, spaceID, snippetID string, x, y int) (protocol.Snippet, error) {
	var out protocol.Snippet
	err := h.do(ctx, http.MethodPut, h.snippetsPath(spaceID, snippetID, "position"), map[string]int{"x": x, "y": y}, &out)
	return out, err
}

func (h *HTTPStore) DeleteSnippet(ctx context.Context, spaceID, snippetID string) error {
	return h.do(ctx, http.MethodDelete, h.snippetsPath(spaceID, snippetID), nil, nil)
}
