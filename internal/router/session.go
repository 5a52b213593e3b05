package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/a-essam23/spacesync/internal/access"
	"github.com/a-essam23/spacesync/internal/auth"
	"github.com/a-essam23/spacesync/internal/store"
	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/coder/websocket"
)

// Session drives one socket through
// connecting -> open -> joining -> joined -> closed.
// Messages for a session arrive one at a time from its read pump; only
// the close path runs concurrently with them.
type Session struct {
	router    *EventRouter
	conn      *state.Connection
	transport Transport
	// space implied by the upgrade route; empty when the route names none
	routeSpaceID string

	state  atomic.Int32
	logger *slog.Logger
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) transition(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) open() {
	s.send(protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablishedPayload{
		Timestamp:    time.Now().UTC(),
		ConnectionID: s.conn.ID.String(),
	})
	s.transition(StateConnecting, StateOpen)
}

func (s *Session) handle(ctx context.Context, msg []byte) {
	if s.State() == StateClosed {
		return
	}
	env, err := protocol.Decode(msg)
	if err != nil {
		s.reply(env.Type, pipeline.Reject(pipeline.KindProtocol, "malformed message", err))
		return
	}

	switch env.Type {
	case protocol.TypePing:
		s.pong(env)
		return
	case protocol.TypePong:
		s.transport.Touch()
		return
	case protocol.TypeJoin:
		s.join(ctx, env)
		return
	}

	if s.State() != StateJoined {
		s.reply(env.Type, pipeline.Reject(pipeline.KindProtocol, "join a space first", nil))
		return
	}
	if !env.Type.IsMutation() {
		s.reply(env.Type, pipeline.Reject(pipeline.KindProtocol, "unknown message type: "+string(env.Type), nil))
		return
	}
	if err := s.dispatch(ctx, env); err != nil {
		s.reply(env.Type, err)
	}
}

func (s *Session) join(ctx context.Context, env protocol.Envelope) {
	if !s.transition(StateOpen, StateJoining) {
		// already joining or joined on this connection
		s.logger.Debug("Ignoring duplicate join", slog.String("state", s.State().String()))
		return
	}
	err := s.authenticate(ctx, env)
	if err == nil {
		return
	}
	s.reply(protocol.TypeJoin, err)
	var cmdErr *pipeline.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Kind == pipeline.KindInternal {
		// a server-side failure; 1011 tells the client to try again later
		s.transport.CloseWithStatus(websocket.StatusInternalError, cmdErr.Message)
	}
}

func (s *Session) authenticate(ctx context.Context, env protocol.Envelope) error {
	var req protocol.JoinPayload
	if err := env.DecodePayload(&req); err != nil {
		return pipeline.Reject(pipeline.KindAuthentication, msgBadJoin, err)
	}

	identity, err := s.router.verifier.Verify(ctx, req.Token)
	if err != nil {
		if msg, ok := tokenMessage(err); ok {
			return pipeline.Reject(pipeline.KindAuthentication, msg, err)
		}
		return pipeline.Reject(pipeline.KindInternal, msgAuthUnavailable, err)
	}

	spaceID := req.SpaceID
	switch {
	case spaceID == "" && s.routeSpaceID == "":
		return pipeline.Reject(pipeline.KindAuthentication, msgMissingSpace, nil)
	case spaceID == "":
		spaceID = s.routeSpaceID
	case s.routeSpaceID != "" && spaceID != s.routeSpaceID:
		return pipeline.Reject(pipeline.KindAuthentication, msgSpaceMismatch, nil)
	}

	exists, err := s.router.store.UserExists(ctx, identity.UserID)
	if err != nil {
		return pipeline.Reject(pipeline.KindInternal, msgAccessFailed, err)
	}
	if !exists {
		return pipeline.Reject(pipeline.KindAuthentication, msgUnknownUser, nil)
	}

	role, err := s.router.access.ResolveAccess(ctx, spaceID, identity.UserID, state.RoleViewer)
	switch {
	case errors.Is(err, access.ErrSpaceMissing):
		return pipeline.Reject(pipeline.KindAuthentication, msgUnknownSpace, err)
	case errors.Is(err, access.ErrNoAccess):
		return pipeline.Reject(pipeline.KindAuthentication, msgNoAccess, err)
	case err != nil:
		return pipeline.Reject(pipeline.KindInternal, msgAccessFailed, err)
	}

	snapshot, err := store.Snapshot(ctx, s.router.store, spaceID)
	if err != nil {
		return pipeline.Reject(pipeline.KindInternal, msgAccessFailed, err)
	}

	s.conn.SetIdentity(identity.UserID, role, spaceID)
	if err := s.router.rooms.Join(spaceID, s.conn.ID); err != nil {
		// the connection was deregistered while we were resolving access
		return pipeline.Reject(pipeline.KindInternal, "connection closed", err)
	}
	if !s.transition(StateJoining, StateJoined) {
		s.router.rooms.Leave(s.conn.ID, spaceID)
		return nil
	}

	users := make([]protocol.UserSummary, 0)
	for _, u := range s.router.rooms.RoomUsers(spaceID) {
		if u.ConnID == s.conn.ID {
			continue
		}
		users = append(users, summary(u))
	}
	s.send(protocol.TypeSpaceJoined, identity.UserID, protocol.SpaceJoinedPayload{
		Space:    snapshot,
		UserRole: string(role),
		Users:    users,
	})

	if msg, err := protocol.Encode(protocol.TypeUserJoined, identity.UserID, summary(s.conn.Summary())); err == nil {
		s.router.rooms.Broadcast(msg, s.conn.ID, spaceID)
	}
	s.logger.Info("Joined space",
		slog.String("userID", identity.UserID),
		slog.String("spaceID", spaceID),
		slog.String("role", string(role)),
	)
	return nil
}

// dispatch runs a mutating command: permission gate, payload validation,
// configured modifiers, then the relay action.
func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) error {
	userID, _, spaceID := s.conn.Identity()

	// roles can change while a connection stays joined
	role, err := s.router.access.ResolveAccess(ctx, spaceID, userID, state.RoleViewer)
	switch {
	case errors.Is(err, access.ErrNoAccess):
		return pipeline.Reject(pipeline.KindAuthorization, msgNoAccess, err)
	case errors.Is(err, access.ErrSpaceMissing):
		return pipeline.Reject(pipeline.KindAuthorization, msgUnknownSpace, err)
	case err != nil:
		return pipeline.Reject(pipeline.KindInternal, msgAccessFailed, err)
	}
	s.conn.SetIdentity(userID, role, spaceID)

	if check := state.Check(role, actionFor(env.Type)); !check.Allowed {
		return pipeline.Reject(pipeline.KindAuthorization, check.Reason, nil)
	}

	fields, err := protocol.Normalize(env.Type, env.Payload)
	if err != nil {
		return pipeline.Reject(pipeline.KindProtocol, err.Error(), err)
	}

	cargo := &pipeline.Cargo{
		Logger:     s.logger,
		Ctx:        ctx,
		Connection: s.conn,
		Rooms:      s.router.rooms,
		Envelope:   env,
		Fields:     fields,
		UserID:     userID,
		Role:       role,
		SpaceID:    spaceID,
	}
	return s.router.engine.Run(cargo, s.router.pipelines[env.Type])
}

func (s *Session) pong(env protocol.Envelope) {
	var ping protocol.PingPayload
	if len(env.Payload) > 0 {
		// an unreadable ping still gets a pong
		_ = json.Unmarshal(env.Payload, &ping)
	}
	s.transport.Touch()
	s.send(protocol.TypePong, "", protocol.PongPayload{
		Timestamp:         time.Now().UTC(),
		OriginalTimestamp: ping.Timestamp,
	})
}

// heartbeat sends an application-level ping for peers whose proxies drop
// transport pings.
func (s *Session) heartbeat() {
	if s.State() == StateClosed {
		return
	}
	s.send(protocol.TypePing, "", map[string]any{"timestamp": time.Now().UTC()})
}

// reply answers a failed command according to its error kind.
func (s *Session) reply(t protocol.MessageType, err error) {
	var cmdErr *pipeline.CommandError
	if !errors.As(err, &cmdErr) {
		cmdErr = pipeline.Reject(pipeline.KindInternal, "internal error", err)
	}
	s.logger.Debug("Command failed",
		slog.String("type", string(t)),
		slog.String("kind", cmdErr.Kind.String()),
		slog.Any("error", cmdErr),
	)

	payload := protocol.MessagePayload{Message: cmdErr.Message}
	switch cmdErr.Kind {
	case pipeline.KindAuthentication:
		s.send(protocol.TypeJoinRejected, "", payload)
		s.transport.CloseWithStatus(websocket.StatusPolicyViolation, cmdErr.Message)
	case pipeline.KindAuthorization:
		s.send(t.Rejected(), s.conn.UserID(), payload)
	default:
		if cmdErr.Kind == pipeline.KindInternal {
			s.logger.Error("Command failed", slog.String("type", string(t)), slog.Any("error", cmdErr))
		}
		s.send(protocol.TypeError, "", payload)
	}
}

func (s *Session) send(t protocol.MessageType, userID string, payload any) {
	msg, err := protocol.Encode(t, userID, payload)
	if err != nil {
		s.logger.Error("Failed to encode message", slog.String("type", string(t)), slog.Any("error", err))
		return
	}
	if err := s.transport.Send(msg); err != nil {
		s.logger.Warn("Failed to send message", slog.String("type", string(t)), slog.Any("error", err))
	}
}

// close runs once per session, whatever ended the socket.
func (s *Session) close(reason error) {
	previous := SessionState(s.state.Swap(int32(StateClosed)))
	if previous == StateClosed {
		return
	}
	_, _, spaceID := s.conn.Identity()
	if previous == StateJoined && spaceID != "" {
		if msg, err := protocol.Encode(protocol.TypeUserLeft, s.conn.UserID(), summary(s.conn.Summary())); err == nil {
			s.router.rooms.Broadcast(msg, s.conn.ID, spaceID)
		}
		s.router.rooms.Leave(s.conn.ID, spaceID)
	}
	if err := s.router.rooms.DeregisterConnection(s.conn.ID); err != nil {
		s.logger.Error("Failed to deregister connection", slog.Any("error", err))
	}
	s.logger.Info("Session closed", slog.String("from", previous.String()), slog.Any("reason", reason))
}

// tokenMessage names a token the client must replace. Other verifier
// errors, such as an unreachable revocation list, are not the token's fault.
func tokenMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return msgMissingToken, true
	case errors.Is(err, auth.ErrExpiredToken):
		return msgExpiredToken, true
	case errors.Is(err, auth.ErrRevokedToken):
		return msgRevokedToken, true
	case errors.Is(err, auth.ErrInvalidToken):
		return msgInvalidToken, true
	default:
		return "", false
	}
}

func actionFor(t protocol.MessageType) state.Action {
	switch t {
	case protocol.TypeSnippetMove:
		return state.ActionMove
	case protocol.TypeSnippetCreate:
		return state.ActionCreate
	case protocol.TypeSnippetUpdate:
		return state.ActionUpdate
	case protocol.TypeSnippetDelete:
		return state.ActionDelete
	default:
		return state.ActionViewTrack
	}
}

func summary(u state.UserSummary) protocol.UserSummary {
	return protocol.UserSummary{ID: u.ConnID.String(), UserID: u.UserID, Role: string(u.Role)}
}
