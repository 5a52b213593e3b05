package statemanager

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/google/uuid"
)

var (
	ErrConnectionExists  = errors.New("connection is already registered")
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrEmptySpaceID      = errors.New("space id is empty")
)

// room is the live membership of one space. It stores connection ids only;
// the connections themselves live in the manager's arena.
type room struct {
	mu      sync.RWMutex
	members map[uuid.UUID]struct{}
	order   []uuid.UUID // join order, used by SendToUser
	// set once the room emptied; a dead room is never joined again and is
	// replaced by a fresh one on the next join.
	dead bool
}

func newRoom() *room {
	return &room{members: make(map[uuid.UUID]struct{})}
}

func (r *room) snapshot() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, len(r.order))
	copy(ids, r.order)
	return ids
}

type InMemoryManager struct {
	conns      map[uuid.UUID]*state.Connection
	membership map[uuid.UUID]string // connID -> spaceID
	connMu     sync.RWMutex

	// spaceID -> *room. Rooms are created and deleted without any
	// process-wide lock so independent spaces never contend.
	rooms sync.Map

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:      make(map[uuid.UUID]*state.Connection),
		membership: make(map[uuid.UUID]string),
		logger:     logger.With(slog.String("component", "room_manager")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(conn state.Sender, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, ErrConnectionExists
	}
	newConn := state.NewConnection(conn, ipAddr)
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	if _, ok := m.conns[connID]; !ok {
		// already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	spaceID, inRoom := m.membership[connID]
	m.connMu.Unlock()

	if inRoom {
		m.Leave(connID, spaceID)
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) GetIPConnectionCount(ip string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	count := 0
	for _, c := range m.conns {
		if c.IPAddress == ip {
			count++
		}
	}
	return count
}

func (m *InMemoryManager) FindOldestIPConnection(ip string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldest *state.Connection
	for _, c := range m.conns {
		if c.IPAddress != ip {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

// --- Room & Membership Management ---

func (m *InMemoryManager) Join(spaceID string, connID uuid.UUID) error {
	if spaceID == "" {
		return ErrEmptySpaceID
	}
	m.connMu.Lock()
	if _, ok := m.conns[connID]; !ok {
		m.connMu.Unlock()
		return ErrUnknownConnection
	}
	previous, inRoom := m.membership[connID]
	m.connMu.Unlock()

	if inRoom && previous == spaceID {
		return nil
	}
	// a connection belongs to at most one room
	if inRoom {
		m.Leave(connID, previous)
	}

	for {
		v, _ := m.rooms.LoadOrStore(spaceID, newRoom())
		r := v.(*room)
		r.mu.Lock()
		if r.dead {
			// lost a race with the last leave; the dead room is about to be
			// removed, so try again with a fresh one.
			r.mu.Unlock()
			m.rooms.CompareAndDelete(spaceID, r)
			continue
		}
		if _, exists := r.members[connID]; !exists {
			r.members[connID] = struct{}{}
			r.order = append(r.order, connID)
		}
		r.mu.Unlock()
		break
	}

	m.connMu.Lock()
	if _, ok := m.conns[connID]; !ok {
		// deregistered while we were inserting; it will never call Leave
		m.connMu.Unlock()
		m.Leave(connID, spaceID)
		return ErrUnknownConnection
	}
	m.membership[connID] = spaceID
	m.connMu.Unlock()

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("spaceID", spaceID))
	return nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, spaceID string) {
	m.connMu.Lock()
	if current, ok := m.membership[connID]; ok && current == spaceID {
		delete(m.membership, connID)
	}
	m.connMu.Unlock()

	v, ok := m.rooms.Load(spaceID)
	if !ok {
		return
	}
	r := v.(*room)

	r.mu.Lock()
	if _, exists := r.members[connID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.members, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	empty := len(r.members) == 0
	if empty {
		r.dead = true
	}
	r.mu.Unlock()

	if empty {
		m.rooms.CompareAndDelete(spaceID, r)
		m.logger.Debug("Removed empty room", slog.String("spaceID", spaceID))
	}
	m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("spaceID", spaceID))
}

// --- Fan-out ---

func (m *InMemoryManager) Broadcast(msg []byte, exclude uuid.UUID, spaceID string) int {
	v, ok := m.rooms.Load(spaceID)
	if !ok {
		return 0
	}
	ids := v.(*room).snapshot()

	delivered := 0
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if m.deliver(id, spaceID, msg) {
			delivered++
		}
	}
	return delivered
}

func (m *InMemoryManager) BroadcastAll(msg []byte, spaceID string) int {
	return m.Broadcast(msg, uuid.Nil, spaceID)
}

func (m *InMemoryManager) SendToUser(spaceID, userID string, msg []byte) bool {
	v, ok := m.rooms.Load(spaceID)
	if !ok {
		return false
	}
	for _, id := range v.(*room).snapshot() {
		conn, ok := m.GetConnection(id)
		if !ok || conn.UserID() != userID {
			continue
		}
		return m.deliver(id, spaceID, msg)
	}
	return false
}

// deliver sends to one member. A failed send marks the member dead: it is
// dropped from the room and its transport is closed so its handler cleans up.
func (m *InMemoryManager) deliver(connID uuid.UUID, spaceID string, msg []byte) bool {
	conn, ok := m.GetConnection(connID)
	if !ok {
		m.Leave(connID, spaceID)
		return false
	}
	if err := conn.Transport.Send(msg); err != nil {
		m.logger.Warn("Dropping unreachable member",
			slog.String("connID", connID.String()),
			slog.String("spaceID", spaceID),
			slog.Any("error", err),
		)
		m.Leave(connID, spaceID)
		// closing runs the close handshake; never hold up the fan-out on it
		go conn.Transport.Close(err)
		return false
	}
	return true
}

// --- Introspection ---

func (m *InMemoryManager) RoomSize(spaceID string) int {
	v, ok := m.rooms.Load(spaceID)
	if !ok {
		return 0
	}
	r := v.(*room)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (m *InMemoryManager) TotalConnections() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

func (m *InMemoryManager) ActiveRooms() []string {
	var ids []string
	m.rooms.Range(func(key, value any) bool {
		r := value.(*room)
		r.mu.RLock()
		alive := !r.dead && len(r.members) > 0
		r.mu.RUnlock()
		if alive {
			ids = append(ids, key.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

func (m *InMemoryManager) RoomUsers(spaceID string) []state.UserSummary {
	v, ok := m.rooms.Load(spaceID)
	if !ok {
		return nil
	}
	ids := v.(*room).snapshot()
	users := make([]state.UserSummary, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.GetConnection(id); ok {
			users = append(users, conn.Summary())
		}
	}
	return users
}

func (m *InMemoryManager) Stats() []state.RoomStats {
	rooms := m.ActiveRooms()
	stats := make([]state.RoomStats, 0, len(rooms))
	for _, spaceID := range rooms {
		users := m.RoomUsers(spaceID)
		stats = append(stats, state.RoomStats{SpaceID: spaceID, Members: len(users), Users: users})
	}
	return stats
}
