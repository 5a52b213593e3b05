package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/a-essam23/spacesync/internal/access"
	"github.com/a-essam23/spacesync/internal/server/middleware"
	"github.com/a-essam23/spacesync/internal/store"
	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/a-essam23/spacesync/pkg/state"
)

const maxBodyBytes = 1 << 20

type positionRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// authorize checks the caller's role in the route's space. It writes the
// response itself and returns false when the request must stop.
func (a *App) authorize(w http.ResponseWriter, r *http.Request, minRole state.Role) (string, bool) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.UserID == "" {
		writeError(w, http.StatusUnauthorized, "Missing token")
		return "", false
	}
	spaceID := r.PathValue("spaceID")
	_, err := a.access.ResolveAccess(r.Context(), spaceID, reqMeta.UserID, minRole)
	switch {
	case errors.Is(err, access.ErrSpaceMissing):
		writeError(w, http.StatusNotFound, "Space not found")
		return "", false
	case errors.Is(err, access.ErrNoAccess):
		writeError(w, http.StatusForbidden, "Access denied")
		return "", false
	case err != nil:
		a.logger.Error("Access check failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Access check failed")
		return "", false
	}
	return reqMeta.UserID, true
}

func (a *App) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Snippet not found")
		return
	}
	a.logger.Error("Record store failure", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "Internal Server Error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func (a *App) listSnippets(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, state.RoleViewer); !ok {
		return
	}
	snippets, err := a.store.ListSnippets(r.Context(), r.PathValue("spaceID"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	if snippets == nil {
		snippets = []protocol.Snippet{}
	}
	writeJSON(w, http.StatusOK, snippets)
}

func (a *App) getSnippet(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, state.RoleViewer); !ok {
		return
	}
	snippet, err := a.store.GetSnippet(r.Context(), r.PathValue("spaceID"), r.PathValue("snippetID"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

func (a *App) createSnippet(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authorize(w, r, state.RoleEditor)
	if !ok {
		return
	}
	var draft protocol.SnippetDraft
	if err := decodeBody(w, r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid snippet")
		return
	}
	if draft.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	snippet, err := a.store.CreateSnippet(r.Context(), r.PathValue("spaceID"), userID, draft)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snippet)
}

func (a *App) updateSnippet(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, state.RoleEditor); !ok {
		return
	}
	var patch protocol.SnippetPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid patch")
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "patch changes nothing")
		return
	}
	snippet, err := a.store.UpdateSnippet(r.Context(), r.PathValue("spaceID"), r.PathValue("snippetID"), patch)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

func (a *App) moveSnippet(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, state.RoleEditor); !ok {
		return
	}
	var pos positionRequest
	if err := decodeBody(w, r, &pos); err != nil || pos.X == nil || pos.Y == nil {
		writeError(w, http.StatusBadRequest, "x and y are required")
		return
	}
	snippet, err := a.store.MoveSnippet(r.Context(), r.PathValue("spaceID"), r.PathValue("snippetID"),
		protocol.RoundCoord(*pos.X), protocol.RoundCoord(*pos.Y))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

func (a *App) deleteSnippet(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, state.RoleEditor); !ok {
		return
	}
	if err := a.store.DeleteSnippet(r.Context(), r.PathValue("spaceID"), r.PathValue("snippetID")); err != nil {
		a.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
