package state

import "github.com/google/uuid"

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn Sender, ipAddr string) (*Connection, error)
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	AllConnections() []*Connection
	GetIPConnectionCount(ip string) int
	FindOldestIPConnection(ip string) (*Connection, bool)

	// --- Room & Membership Management ---
	// adds a connection to a space's room, creating the room if needed.
	// Joining twice is a no-op.
	Join(spaceID string, connID uuid.UUID) error
	// removes the connection; an emptied room is deleted.
	Leave(connID uuid.UUID, spaceID string)

	// --- Fan-out ---
	// Broadcast sends msg to every member except exclude. Members whose send
	// fails are dropped from the room. Returns the number delivered.
	Broadcast(msg []byte, exclude uuid.UUID, spaceID string) int
	BroadcastAll(msg []byte, spaceID string) int
	SendToUser(spaceID, userID string, msg []byte) bool

	// --- Introspection ---
	RoomSize(spaceID string) int
	TotalConnections() int
	ActiveRooms() []string
	RoomUsers(spaceID string) []UserSummary
	Stats() []RoomStats
}
