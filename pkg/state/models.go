package state

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender is the transport side of a live connection as seen by the room
// manager. *transport.Connection satisfies it.
type Sender interface {
	ID() uuid.UUID
	Send(msg []byte) error
	Close(err error)
}

// representation of a single live socket. The identity fields are empty
// until the connection has joined a space.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Sender
	CreatedAt time.Time

	mu      sync.RWMutex
	userID  string
	role    Role
	spaceID string
}

func NewConnection(transport Sender, ipAddr string) *Connection {
	return &Connection{
		ID:        transport.ID(),
		IPAddress: ipAddr,
		Transport: transport,
		CreatedAt: time.Now(),
	}
}

// SetIdentity records the authenticated user and their resolved role.
func (c *Connection) SetIdentity(userID string, role Role, spaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.role = role
	c.spaceID = spaceID
}

func (c *Connection) Identity() (userID string, role Role, spaceID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.role, c.spaceID
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// UserSummary is the public view of a room member.
type UserSummary struct {
	ConnID uuid.UUID
	UserID string
	Role   Role
}

func (c *Connection) Summary() UserSummary {
	userID, role, _ := c.Identity()
	return UserSummary{ConnID: c.ID, UserID: userID, Role: role}
}

// RoomStats is a point-in-time view of one room used for introspection.
type RoomStats struct {
	SpaceID string
	Members int
	Users   []UserSummary
}
