package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/coder/websocket"
)

type Options struct {
	// sync route of the space, see SpaceURL
	URL     string
	SpaceID string
	UserID  string
	Token   TokenSource
	Dialer  Dialer
	Store   RecordStore
	Logger  *slog.Logger

	BackoffBase time.Duration
	// retries after an abnormal close before giving up
	MaxAttempts        int
	MinConnectInterval time.Duration
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	DedupWindow        time.Duration
	PruneInterval      time.Duration
	SendRetries        int
	SendRetryDelay     time.Duration
	// application ping period once joined
	HeartbeatInterval time.Duration
	// silence after which a joined connection is dropped and retried
	PongTimeout time.Duration

	// OnEvent sees every inbound envelope that survived deduplication.
	OnEvent func(protocol.Envelope)
	// OnStatus sees every state change.
	OnStatus func(Status)
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.MinConnectInterval <= 0 {
		o.MinConnectInterval = time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Minute
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = time.Minute
	}
	if o.SendRetries < 0 {
		o.SendRetries = 0
	} else if o.SendRetries == 0 {
		o.SendRetries = 3
	}
	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = 200 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 3 * o.HeartbeatInterval
	}
}

// Engine keeps one space view synchronized over an unreliable connection.
// Every callback from a connection carries the generation it was started
// under; anything from an older generation, or arriving after Stop, is
// dropped.
type Engine struct {
	opts   Options
	logger *slog.Logger
	view   View
	dedup  *Dedup

	mu           sync.Mutex
	alive        bool
	online       bool
	status       Status
	dirty        bool
	role         state.Role
	users        map[string]protocol.UserSummary
	conn         Conn
	gen          uint64
	connecting   bool
	lastAttempt  time.Time
	joinSent     bool
	wasConnected bool
	attempts     int
	timer        *time.Timer
	heartbeat    *time.Timer
	lastPong     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.SpaceID == "" {
		return nil, errors.New("client: SpaceID is required")
	}
	if opts.Token == nil {
		return nil, errors.New("client: Token is required")
	}
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "sync_engine"), slog.String("spaceID", opts.SpaceID)),
		dedup:  NewDedup(opts.DedupWindow),
		online: true,
		status: Status{State: StateDisconnected},
		users:  make(map[string]protocol.UserSummary),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start enables sync and makes the first connection attempt.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.alive || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.alive = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.pruneLoop()
	e.connect(true)
}

// Stop closes the connection, cancels every timer and waits for the
// engine's goroutines. Nothing mutates the engine afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		e.cancel()
		return
	}
	e.setState(StateDisconnected)
	e.alive = false
	e.gen++
	conn := e.conn
	e.conn = nil
	e.stopTimer()
	e.stopHeartbeat()
	e.unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client stopped")
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Debug("Sync engine stopped")
}

// Reconnect drops any pending retry, resets the attempt counter and
// connects now.
func (e *Engine) Reconnect() {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return
	}
	e.stopTimer()
	e.attempts = 0
	e.status.Attempt = 0
	e.status.LastError = nil
	old := e.dropConn()
	e.unlock()

	closeAsync(old, "reconnecting")
	e.connect(true)
}

// SetOnline reports network availability. Going offline closes the
// connection without scheduling a retry; coming back connects again.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return
	}
	if !online {
		e.online = false
		e.stopTimer()
		old := e.dropConn()
		e.setState(StateOffline)
		e.unlock()
		closeAsync(old, "offline")
		return
	}
	if !e.online {
		e.online = true
		e.attempts = 0
		e.status.Attempt = 0
		e.setState(StateDisconnected)
	}
	e.unlock()
	e.connect(false)
}

// VisibilityRegained reconnects a view that was connected before it was
// hidden, unless a connection is already up or underway.
func (e *Engine) VisibilityRegained() {
	e.mu.Lock()
	if !e.alive || !e.wasConnected {
		e.mu.Unlock()
		return
	}
	switch e.status.State {
	case StateConnecting, StateConnected, StateJoining, StateJoined:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.connect(false)
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Role() state.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// Users returns the other members of the space, keyed by connection id.
func (e *Engine) Users() map[string]protocol.UserSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]protocol.UserSummary, len(e.users))
	for k, v := range e.users {
		out[k] = v
	}
	return out
}

func (e *Engine) Snippets() []protocol.Snippet {
	return e.view.Snippets()
}

func (e *Engine) LastPong() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPong
}

// --- connection lifecycle ---

func (e *Engine) connect(force bool) {
	e.mu.Lock()
	if !e.alive || !e.online || e.connecting || e.conn != nil {
		e.mu.Unlock()
		return
	}
	if !force && !e.lastAttempt.IsZero() {
		if wait := e.opts.MinConnectInterval - time.Since(e.lastAttempt); wait > 0 {
			// too soon after the last attempt; connect when the interval ends
			e.armTimer(wait)
			e.mu.Unlock()
			return
		}
	}
	e.stopTimer()
	e.connecting = true
	e.lastAttempt = time.Now()
	e.gen++
	gen := e.gen
	e.setState(StateConnecting)
	e.wg.Add(1)
	e.unlock()

	go e.dial(gen)
}

func (e *Engine) dial(gen uint64) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.DialTimeout)
	conn, err := e.opts.Dialer.Dial(ctx, e.opts.URL)
	cancel()

	e.mu.Lock()
	if !e.alive || gen != e.gen {
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	e.connecting = false
	if err != nil {
		e.logger.Warn("Dial failed", slog.Any("error", err))
		e.status.LastError = err
		e.setState(StateError)
		e.scheduleRetry()
		e.unlock()
		return
	}
	e.conn = conn
	e.joinSent = false
	e.wasConnected = true
	e.setState(StateConnected)
	e.wg.Add(1)
	e.unlock()

	go e.readLoop(gen, conn)
}

func (e *Engine) readLoop(gen uint64, conn Conn) {
	defer e.wg.Done()
	for {
		data, err := conn.Read(e.ctx)
		if err != nil {
			e.closed(gen, err)
			return
		}
		e.handleFrame(gen, conn, data)
	}
}

// closed decides what follows the end of a connection: normal and policy
// closes are final, anything else is retried with backoff.
func (e *Engine) closed(gen uint64, err error) {
	e.mu.Lock()
	if !e.alive || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.joinSent = false
	e.stopHeartbeat()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		e.logger.Info("Connection closed normally")
		e.setState(StateDisconnected)
	case websocket.StatusPolicyViolation:
		if e.status.LastError == nil {
			var ce websocket.CloseError
			errors.As(err, &ce)
			e.status.LastError = &RejectedError{Type: "closed", Message: ce.Reason}
		}
		e.logger.Warn("Connection rejected by server", slog.Any("error", e.status.LastError))
		e.setState(StateError)
	default:
		e.logger.Warn("Connection lost", slog.Any("error", err))
		e.status.LastError = err
		e.setState(StateError)
		e.scheduleRetry()
	}
	e.unlock()
}

// scheduleRetry arms the single backoff timer. mu must be held.
func (e *Engine) scheduleRetry() {
	if !e.alive || !e.online {
		return
	}
	if e.attempts >= e.opts.MaxAttempts {
		e.status.LastError = errors.Join(ErrReconnectExhausted, e.status.LastError)
		e.setState(StateError)
		return
	}
	delay := backoffDelay(e.opts.BackoffBase, e.attempts)
	e.attempts++
	e.setState(StateReconnecting)
	e.status.Attempt = e.attempts
	e.status.Backoff = delay
	e.armTimer(delay)
	e.logger.Info("Reconnect scheduled", slog.Int("attempt", e.attempts), slog.Duration("backoff", delay))
}

// armTimer replaces the engine's one pending connect with a new one after
// delay. mu must be held.
func (e *Engine) armTimer(delay time.Duration) {
	e.stopTimer()
	gen := e.gen
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if !e.alive || gen != e.gen || e.timer != t {
			e.mu.Unlock()
			return
		}
		e.timer = nil
		e.mu.Unlock()
		e.connect(true)
	})
	e.timer = t
}

// mu must be held.
func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// mu must be held.
func (e *Engine) stopHeartbeat() {
	if e.heartbeat != nil {
		e.heartbeat.Stop()
		e.heartbeat = nil
	}
}

// armHeartbeat schedules the next application ping on the current
// connection. mu must be held.
func (e *Engine) armHeartbeat() {
	e.stopHeartbeat()
	gen := e.gen
	var t *time.Timer
	t = time.AfterFunc(e.opts.HeartbeatInterval, func() { e.beat(gen, t) })
	e.heartbeat = t
}

// beat pings the server, or drops the connection when pongs stopped
// arriving.
func (e *Engine) beat(gen uint64, t *time.Timer) {
	e.mu.Lock()
	if !e.alive || gen != e.gen || e.heartbeat != t || e.conn == nil {
		e.mu.Unlock()
		return
	}
	e.heartbeat = nil
	conn := e.conn
	if since := time.Since(e.lastPong); since > e.opts.PongTimeout {
		e.logger.Warn("No pong from server, dropping connection", slog.Duration("sinceLastPong", since))
		e.dropConn()
		e.status.LastError = ErrStaleConnection
		e.setState(StateError)
		e.scheduleRetry()
		e.unlock()
		closeAsync(conn, "stale connection")
		return
	}
	e.armHeartbeat()
	e.mu.Unlock()

	ts, _ := json.Marshal(time.Now().UnixMilli())
	msg, err := protocol.Encode(protocol.TypePing, e.opts.UserID, protocol.PingPayload{Timestamp: ts})
	if err == nil {
		err = e.write(conn, msg)
	}
	if err != nil {
		e.logger.Debug("Heartbeat ping failed", slog.Any("error", err))
	}
}

// dropConn detaches the current connection and silences its callbacks.
// mu must be held.
func (e *Engine) dropConn() Conn {
	old := e.conn
	e.conn = nil
	e.gen++
	e.connecting = false
	e.joinSent = false
	e.stopHeartbeat()
	return old
}

func closeAsync(conn Conn, reason string) {
	if conn != nil {
		go func() { _ = conn.Close(websocket.StatusNormalClosure, reason) }()
	}
}

// mu must be held.
func (e *Engine) setState(s State) {
	if e.status.State == s {
		return
	}
	e.status.State = s
	if s != StateReconnecting {
		e.status.Backoff = 0
	}
	e.dirty = true
}

// unlock releases mu and reports a state change, if any, outside the lock.
func (e *Engine) unlock() {
	notify := e.dirty && e.opts.OnStatus != nil
	e.dirty = false
	st := e.status
	e.mu.Unlock()
	if notify {
		e.opts.OnStatus(st)
	}
}

func (e *Engine) pruneLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if n := e.dedup.Prune(); n > 0 {
				e.logger.Debug("Pruned seen message ids", slog.Int("count", n))
			}
		}
	}
}

// --- inbound ---

func (e *Engine) handleFrame(gen uint64, conn Conn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		e.logger.Warn("Dropping malformed envelope", slog.Any("error", err))
		return
	}
	if env.MessageID == "" {
		env.MessageID = protocol.NewMessageID()
	}
	if e.dedup.Seen(env.MessageID) {
		e.logger.Debug("Dropping duplicate envelope", slog.String("messageID", env.MessageID))
		return
	}

	e.mu.Lock()
	if !e.alive || gen != e.gen {
		e.mu.Unlock()
		return
	}
	var reply []byte
	apply := true

	switch env.Type {
	case protocol.TypeConnectionEstablished:
		if !e.joinSent {
			e.joinSent = true
			e.setState(StateJoining)
			reply, err = protocol.Encode(protocol.TypeJoin, e.opts.UserID, protocol.JoinPayload{
				SpaceID: e.opts.SpaceID,
				Token:   e.opts.Token(),
			})
		}
	case protocol.TypeSpaceJoined:
		var p protocol.SpaceJoinedPayload
		if err = env.DecodePayload(&p); err == nil {
			e.role = state.ParseRole(p.UserRole)
			e.view.Reset(p.Space.Snippets)
			e.users = make(map[string]protocol.UserSummary, len(p.Users))
			for _, u := range p.Users {
				e.users[u.ID] = u
			}
			e.attempts = 0
			e.status.Attempt = 0
			e.status.LastError = nil
			e.setState(StateJoined)
			e.lastPong = time.Now()
			e.armHeartbeat()
		}
	case protocol.TypeJoinRejected:
		var p protocol.MessagePayload
		_ = env.DecodePayload(&p)
		e.status.LastError = &RejectedError{Type: string(env.Type), Message: p.Message}
		e.setState(StateError)
	case protocol.TypePing:
		var p protocol.PingPayload
		_ = env.DecodePayload(&p)
		reply, err = protocol.Encode(protocol.TypePong, e.opts.UserID, map[string]any{"timestamp": p.Timestamp})
	case protocol.TypePong:
		e.lastPong = time.Now()
	case protocol.TypeUserJoined:
		var u protocol.UserSummary
		if err = env.DecodePayload(&u); err == nil {
			e.users[u.ID] = u
		}
	case protocol.TypeUserLeft:
		var u protocol.UserSummary
		if err = env.DecodePayload(&u); err == nil {
			delete(e.users, u.ID)
		}
	case protocol.TypeError:
		var p protocol.MessagePayload
		_ = env.DecodePayload(&p)
		e.status.LastError = &RejectedError{Type: string(env.Type), Message: p.Message}
		e.dirty = true
	case protocol.TypeSnippetMoved, protocol.TypeSnippetCreated, protocol.TypeSnippetUpdated, protocol.TypeSnippetDeleted:
		if env.UserID != "" && env.UserID == e.opts.UserID {
			// our own change; the optimistic update already applied it
			apply = false
			break
		}
		err = e.applyRemote(env)
	default:
		if strings.HasSuffix(string(env.Type), "-rejected") {
			var p protocol.MessagePayload
			_ = env.DecodePayload(&p)
			e.status.LastError = &RejectedError{Type: string(env.Type), Message: p.Message}
			e.dirty = true
		}
	}
	e.unlock()

	if err != nil {
		e.logger.Warn("Failed to handle envelope", slog.String("type", string(env.Type)), slog.Any("error", err))
		return
	}
	if reply != nil {
		if werr := e.write(conn, reply); werr != nil {
			e.logger.Warn("Failed to reply", slog.String("type", string(env.Type)), slog.Any("error", werr))
		}
	}
	if apply && e.opts.OnEvent != nil {
		e.opts.OnEvent(env)
	}
}

type updatedPayload struct {
	SnippetID string `json:"snippetId"`
	protocol.SnippetPatch
}

func (e *Engine) applyRemote(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeSnippetMoved:
		var p protocol.MovePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		e.view.Move(p.SnippetID, protocol.RoundCoord(p.X), protocol.RoundCoord(p.Y))
	case protocol.TypeSnippetCreated:
		var s protocol.Snippet
		if err := env.DecodePayload(&s); err != nil {
			return err
		}
		if s.ID == "" {
			return errors.New("created snippet has no id")
		}
		e.view.Upsert(s)
	case protocol.TypeSnippetUpdated:
		var p updatedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		e.view.Patch(p.SnippetID, p.SnippetPatch)
	case protocol.TypeSnippetDeleted:
		var p protocol.DeletePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		e.view.Remove(p.SnippetID)
	}
	return nil
}

func (e *Engine) write(conn Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, msg)
}

// send writes one logical command, retrying a bounded number of times.
// Every attempt carries the same message id.
func (e *Engine) send(ctx context.Context, t protocol.MessageType, payload any) error {
	msg, err := protocol.Encode(t, e.opts.UserID, payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= e.opts.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.opts.SendRetryDelay):
			case <-ctx.Done():
				return errors.Join(ErrSendFailed, ctx.Err())
			case <-e.ctx.Done():
				return ErrEngineStopped
			}
		}
		e.mu.Lock()
		conn, alive := e.conn, e.alive
		e.mu.Unlock()
		if !alive {
			return ErrEngineStopped
		}
		if conn == nil {
			lastErr = ErrNotJoined
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
		lastErr = conn.Write(wctx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		e.logger.Debug("Send failed", slog.String("type", string(t)), slog.Int("attempt", attempt+1), slog.Any("error", lastErr))
	}
	return errors.Join(ErrSendFailed, lastErr)
}

// marshalPatch flattens a patch into wire fields.
func marshalPatch(snippetID string, patch protocol.SnippetPatch) (map[string]any, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["snippetId"] = snippetID
	return fields, nil
}
