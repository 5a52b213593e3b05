package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/a-essam23/spacesync/internal/access"
	"github.com/a-essam23/spacesync/internal/engine"
	"github.com/a-essam23/spacesync/internal/store"
	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/google/uuid"
)

type Options struct {
	Verifier  TokenVerifier
	Access    access.Resolver
	Store     store.Store
	Engine    *engine.Registry
	Pipelines map[protocol.MessageType][]pipeline.Step
}

// EventRouter owns every live Session and routes transport callbacks to
// them by connection id.
type EventRouter struct {
	logger    *slog.Logger
	rooms     state.Manager
	verifier  TokenVerifier
	access    access.Resolver
	store     store.Store
	engine    *engine.Registry
	pipelines map[protocol.MessageType][]pipeline.Step

	sessions sync.Map // uuid.UUID -> *Session
}

func NewEventRouter(logger *slog.Logger, rooms state.Manager, opts Options) *EventRouter {
	pipelines := opts.Pipelines
	if pipelines == nil {
		pipelines = make(map[protocol.MessageType][]pipeline.Step)
	}
	return &EventRouter{
		logger:    logger.With(slog.String("component", "event_router")),
		rooms:     rooms,
		verifier:  opts.Verifier,
		access:    opts.Access,
		store:     opts.Store,
		engine:    opts.Engine,
		pipelines: pipelines,
	}
}

// Open registers a new socket and greets it with connection-established.
// routeSpaceID is the space named by the upgrade route, if any.
func (r *EventRouter) Open(t Transport, ipAddr, routeSpaceID string) (*Session, error) {
	conn, err := r.rooms.RegisterConnection(t, ipAddr)
	if err != nil {
		return nil, err
	}
	s := &Session{
		router:       r,
		conn:         conn,
		transport:    t,
		routeSpaceID: routeSpaceID,
		logger:       r.logger.With(slog.String("connID", conn.ID.String())),
	}
	r.sessions.Store(conn.ID, s)
	s.open()
	return s, nil
}

func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	s, ok := r.session(connID)
	if !ok {
		r.logger.Warn("Message for unknown session", slog.String("connID", connID.String()))
		return
	}
	s.handle(ctx, msg)
}

func (r *EventRouter) HandleHeartbeat(connID uuid.UUID) {
	if s, ok := r.session(connID); ok {
		s.heartbeat()
	}
}

// HandleClose tears a session down exactly once.
func (r *EventRouter) HandleClose(connID uuid.UUID, err error) {
	v, ok := r.sessions.LoadAndDelete(connID)
	if !ok {
		// never opened, or already torn down
		_ = r.rooms.DeregisterConnection(connID)
		return
	}
	v.(*Session).close(err)
}

func (r *EventRouter) Session(connID uuid.UUID) (*Session, bool) {
	return r.session(connID)
}

func (r *EventRouter) session(connID uuid.UUID) (*Session, bool) {
	v, ok := r.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}
