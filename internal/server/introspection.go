package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/spacesync/pkg/protocol"
)

type roomReport struct {
	SpaceID string                 `json:"spaceId"`
	Members int                    `json:"members"`
	Users   []protocol.UserSummary `json:"users"`
}

type roomsReport struct {
	TotalConnections int          `json:"totalConnections"`
	Rooms            []roomReport `json:"rooms"`
}

// Connections reports the number of live sockets.
func (a *App) Connections() int {
	return a.stateManager.TotalConnections()
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": a.stateManager.TotalConnections(),
	})
}

func (a *App) debugRooms(w http.ResponseWriter, r *http.Request) {
	report := roomsReport{
		TotalConnections: a.stateManager.TotalConnections(),
		Rooms:            []roomReport{},
	}
	for _, stats := range a.stateManager.Stats() {
		room := roomReport{SpaceID: stats.SpaceID, Members: stats.Members, Users: make([]protocol.UserSummary, 0, len(stats.Users))}
		for _, u := range stats.Users {
			room.Users = append(room.Users, protocol.UserSummary{ID: u.ConnID.String(), UserID: u.UserID, Role: string(u.Role)})
		}
		report.Rooms = append(report.Rooms, room)
	}
	writeJSON(w, http.StatusOK, report)
}

type noticeRequest struct {
	Message string `json:"message"`
	// empty addresses the whole room
	UserID string `json:"userId,omitempty"`
}

type noticeResult struct {
	Delivered int `json:"delivered"`
}

// postNotice pushes an operator notice into a live room.
func (a *App) postNotice(w http.ResponseWriter, r *http.Request) {
	var req noticeRequest
	if err := decodeBody(w, r, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	spaceID := r.PathValue("spaceID")
	if a.stateManager.RoomSize(spaceID) == 0 {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	msg, err := protocol.Encode(protocol.TypeNotice, "", protocol.MessagePayload{Message: req.Message})
	if err != nil {
		a.logger.Error("Failed to encode notice", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	var delivered int
	if req.UserID != "" {
		if !a.stateManager.SendToUser(spaceID, req.UserID, msg) {
			writeError(w, http.StatusNotFound, "User not connected")
			return
		}
		delivered = 1
	} else {
		delivered = a.stateManager.BroadcastAll(msg, spaceID)
	}
	a.logger.Info("Notice delivered", slog.String("spaceID", spaceID), slog.Int("delivered", delivered))
	writeJSON(w, http.StatusOK, noticeResult{Delivered: delivered})
}
