package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/spacesync/pkg/logging"
	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeConn plays the server side of one connection.
type fakeConn struct {
	in     chan []byte
	writes chan []byte

	mu       sync.Mutex
	attempts [][]byte
	failN    int

	closed chan struct{}
	once   sync.Once
	err    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	// queued frames win over a close that arrived after them
	select {
	case m := <-c.in:
		return m, nil
	default:
	}
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	c.attempts = append(c.attempts, msg)
	if c.failN > 0 {
		c.failN--
		c.mu.Unlock()
		return errors.New("write failed")
	}
	c.mu.Unlock()
	select {
	case <-c.closed:
		return c.err
	default:
	}
	c.writes <- msg
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.shut(websocket.CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) shut(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) failWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failN = n
}

func (c *fakeConn) attemptsOf(t *testing.T, typ protocol.MessageType) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, raw := range c.attempts {
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failAlways bool
	conns      chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.failAlways
	d.mu.Unlock()
	if fail {
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAlways = fail
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection was dialed")
		return nil
	}
}

type fakeStore struct {
	mu      sync.Mutex
	fail    error
	nextID  int
	onWrite func()
	moves   int
}

func (s *fakeStore) hook() error {
	s.mu.Lock()
	fail, onWrite := s.fail, s.onWrite
	s.mu.Unlock()
	if onWrite != nil {
		onWrite()
	}
	return fail
}

func (s *fakeStore) ListSnippets(ctx context.Context, spaceID string) ([]protocol.Snippet, error) {
	return nil, s.hook()
}

func (s *fakeStore) CreateSnippet(ctx context.Context, spaceID string, draft protocol.SnippetDraft) (protocol.Snippet, error) {
	if err := s.hook(); err != nil {
		return protocol.Snippet{}, err
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	return protocol.Snippet{
		ID:      fmt.Sprintf("srv-%d", id),
		SpaceID: spaceID,
		Title:   draft.Title,
		X:       protocol.RoundCoord(draft.X),
		Y:       protocol.RoundCoord(draft.Y),
	}, nil
}

func (s *fakeStore) UpdateSnippet(ctx context.Context, spaceID, snippetID string, patch protocol.SnippetPatch) (protocol.Snippet, error) {
	return protocol.Snippet{ID: snippetID}, s.hook()
}

func (s *fakeStore) MoveSnippet(ctx context.Context, spaceID, snippetID string, x, y int) (protocol.Snippet, error) {
	s.mu.Lock()
	s.moves++
	s.mu.Unlock()
	return protocol.Snippet{ID: snippetID, X: x, Y: y}, s.hook()
}

func (s *fakeStore) DeleteSnippet(ctx context.Context, spaceID, snippetID string) error {
	return s.hook()
}

func newTestEngine(t *testing.T, dialer *fakeDialer, store RecordStore, tweak func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		URL:                "ws://sync.test/space/space-1",
		SpaceID:            "space-1",
		UserID:             "me",
		Token:              StaticToken("tok"),
		Dialer:             dialer,
		Store:              store,
		Logger:             logging.Discard(),
		BackoffBase:        10 * time.Millisecond,
		MinConnectInterval: time.Nanosecond,
		SendRetryDelay:     time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func push(t *testing.T, c *fakeConn, typ protocol.MessageType, userID string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, userID, payload)
	require.NoError(t, err)
	pushEnv(t, c, env)
	return env
}

func pushEnv(t *testing.T, c *fakeConn, env protocol.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	c.in <- raw
}

func expectWrite(t *testing.T, c *fakeConn) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-c.writes:
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		return env
	case <-time.After(waitFor):
		t.Fatal("nothing was written")
		return protocol.Envelope{}
	}
}

func expectNoWrite(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case raw := <-c.writes:
		t.Fatalf("unexpected write: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitState(t *testing.T, e *Engine, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Status().State == s }, waitFor, time.Millisecond,
		"wanted %s, engine is %s", s, e.Status().State)
}

func snippets() []protocol.Snippet {
	return []protocol.Snippet{
		{ID: "s1", Title: "one", X: 1, Y: 1},
		{ID: "s2", Title: "two", X: 2, Y: 2},
		{ID: "s3", Title: "three", X: 3, Y: 3},
	}
}

// handshake completes connection-established -> join -> space-joined.
func handshake(t *testing.T, e *Engine, c *fakeConn, role state.Role) {
	t.Helper()
	push(t, c, protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablishedPayload{Timestamp: time.Now()})
	join := expectWrite(t, c)
	require.Equal(t, protocol.TypeJoin, join.Type)
	push(t, c, protocol.TypeSpaceJoined, "", protocol.SpaceJoinedPayload{
		Space:    protocol.SpaceSnapshot{ID: "space-1", OwnerID: "owner", Snippets: snippets()},
		UserRole: string(role),
		Users:    []protocol.UserSummary{{ID: "conn-bob", UserID: "bob", Role: "EDITOR"}},
	})
	waitState(t, e, StateJoined)
}

func joinedEngine(t *testing.T, role state.Role, store RecordStore, tweak func(*Options)) (*Engine, *fakeDialer, *fakeConn) {
	t.Helper()
	dialer := newFakeDialer()
	e := newTestEngine(t, dialer, store, tweak)
	e.Start()
	c := dialer.next(t)
	handshake(t, e, c, role)
	return e, dialer, c
}

func position(t *testing.T, e *Engine, id string) (int, int) {
	t.Helper()
	for _, s := range e.Snippets() {
		if s.ID == id {
			return s.X, s.Y
		}
	}
	t.Fatalf("snippet %s not in view", id)
	return 0, 0
}

func ids(e *Engine) []string {
	var out []string
	for _, s := range e.Snippets() {
		out = append(out, s.ID)
	}
	return out
}

func TestJoinFlow(t *testing.T) {
	dialer := newFakeDialer()
	var states []State
	var statesMu sync.Mutex
	e := newTestEngine(t, dialer, &fakeStore{}, func(o *Options) {
		o.OnStatus = func(s Status) {
			statesMu.Lock()
			states = append(states, s.State)
			statesMu.Unlock()
		}
	})
	assert.Equal(t, StateDisconnected, e.Status().State)

	e.Start()
	c := dialer.next(t)
	push(t, c, protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablishedPayload{Timestamp: time.Now()})

	join := expectWrite(t, c)
	require.Equal(t, protocol.TypeJoin, join.Type)
	var jp protocol.JoinPayload
	require.NoError(t, join.DecodePayload(&jp))
	assert.Equal(t, "space-1", jp.SpaceID)
	assert.Equal(t, "tok", jp.Token)
	waitState(t, e, StateJoining)

	// a second greeting on the same connection must not join twice
	push(t, c, protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablishedPayload{Timestamp: time.Now()})
	expectNoWrite(t, c)

	push(t, c, protocol.TypeSpaceJoined, "", protocol.SpaceJoinedPayload{
		Space:    protocol.SpaceSnapshot{ID: "space-1", Snippets: snippets()},
		UserRole: "EDITOR",
		Users:    []protocol.UserSummary{{ID: "conn-bob", UserID: "bob"}},
	})
	waitState(t, e, StateJoined)

	assert.Equal(t, state.RoleEditor, e.Role())
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids(e))
	assert.Contains(t, e.Users(), "conn-bob")
	assert.Equal(t, 1, dialer.count())

	want := []State{StateConnecting, StateConnected, StateJoining, StateJoined}
	require.Eventually(t, func() bool {
		statesMu.Lock()
		defer statesMu.Unlock()
		return len(states) >= len(want)
	}, waitFor, time.Millisecond)
	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Equal(t, want, states)
}

func TestCommandsBeforeJoin(t *testing.T) {
	dialer := newFakeDialer()
	e := newTestEngine(t, dialer, &fakeStore{}, nil)
	assert.ErrorIs(t, e.Move(context.Background(), "s1", 1, 1), ErrEngineStopped)

	e.Start()
	dialer.next(t)
	assert.ErrorIs(t, e.Move(context.Background(), "s1", 1, 1), ErrNotJoined)
}

func TestDuplicateDeliveryIsAppliedOnce(t *testing.T) {
	var moves atomic.Int32
	e, _, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.OnEvent = func(env protocol.Envelope) {
			if env.Type == protocol.TypeSnippetMoved {
				moves.Add(1)
			}
		}
	})

	env, err := protocol.New(protocol.TypeSnippetMoved, "bob", protocol.MovePayload{SnippetID: "s1", X: 5, Y: 5})
	require.NoError(t, err)
	pushEnv(t, c, env)
	pushEnv(t, c, env)
	push(t, c, protocol.TypeSnippetMoved, "bob", protocol.MovePayload{SnippetID: "s2", X: 7, Y: 7})

	require.Eventually(t, func() bool {
		x, _ := position(t, e, "s2")
		return x == 7
	}, waitFor, time.Millisecond)
	assert.EqualValues(t, 2, moves.Load())
	x, y := position(t, e, "s1")
	assert.Equal(t, 5, x)
	assert.Equal(t, 5, y)
}

func TestEnvelopeWithoutMessageIDIsStillApplied(t *testing.T) {
	e, _, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	c.in <- []byte(`{"type":"snippet-moved","userId":"bob","payload":{"snippetId":"s1","x":4,"y":4}}`)
	c.in <- []byte(`{"type":"snippet-moved","userId":"bob","payload":{"snippetId":"s1","x":6,"y":6}}`)

	require.Eventually(t, func() bool {
		x, _ := position(t, e, "s1")
		return x == 6
	}, waitFor, time.Millisecond)
}

func TestSelfEchoIsIgnored(t *testing.T) {
	e, _, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	push(t, c, protocol.TypeSnippetMoved, "me", protocol.MovePayload{SnippetID: "s1", X: 9, Y: 9})
	push(t, c, protocol.TypeSnippetMoved, "bob", protocol.MovePayload{SnippetID: "s2", X: 8, Y: 8})

	require.Eventually(t, func() bool {
		x, _ := position(t, e, "s2")
		return x == 8
	}, waitFor, time.Millisecond)
	x, y := position(t, e, "s1")
	assert.Equal(t, 1, x)
	assert.Equal(t, 1, y)
}

func TestRemoteEventsAreApplied(t *testing.T) {
	e, _, c := joinedEngine(t, state.RoleViewer, &fakeStore{}, nil)

	push(t, c, protocol.TypeSnippetCreated, "bob", protocol.Snippet{ID: "s4", Title: "four", X: 4, Y: 4})
	push(t, c, protocol.TypeSnippetUpdated, "bob", map[string]any{"snippetId": "s1", "title": "renamed", "by": "bob"})
	push(t, c, protocol.TypeSnippetDeleted, "bob", protocol.DeletePayload{SnippetID: "s2"})
	push(t, c, protocol.TypeUserJoined, "carol", protocol.UserSummary{ID: "conn-carol", UserID: "carol"})
	push(t, c, protocol.TypeUserLeft, "bob", protocol.UserSummary{ID: "conn-bob", UserID: "bob"})

	require.Eventually(t, func() bool {
		_, hasCarol := e.Users()["conn-carol"]
		return hasCarol
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		_, hasBob := e.Users()["conn-bob"]
		return !hasBob
	}, waitFor, time.Millisecond)

	assert.Equal(t, []string{"s1", "s3", "s4"}, ids(e))
	assert.Equal(t, "renamed", e.Snippets()[0].Title)
}

func TestServerPingIsAnswered(t *testing.T) {
	_, _, c := joinedEngine(t, state.RoleViewer, &fakeStore{}, nil)

	push(t, c, protocol.TypePing, "", map[string]any{"timestamp": 42})

	pong := expectWrite(t, c)
	require.Equal(t, protocol.TypePong, pong.Type)
	var p map[string]json.RawMessage
	require.NoError(t, pong.DecodePayload(&p))
	assert.JSONEq(t, "42", string(p["timestamp"]))
}

func TestAbnormalCloseReconnects(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	c.shut(errors.New("connection reset by peer"))

	c2 := dialer.next(t)
	assert.Equal(t, 1, e.Status().Attempt)
	handshake(t, e, c2, state.RoleEditor)
	assert.Equal(t, 0, e.Status().Attempt, "a successful join resets the counter")
	assert.Equal(t, 2, dialer.count())
}

func TestPolicyRejectionDoesNotReconnect(t *testing.T) {
	dialer := newFakeDialer()
	e := newTestEngine(t, dialer, &fakeStore{}, nil)
	e.Start()
	c := dialer.next(t)

	push(t, c, protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablishedPayload{Timestamp: time.Now()})
	expectWrite(t, c)
	push(t, c, protocol.TypeJoinRejected, "", protocol.MessagePayload{Message: "Token expired"})
	c.shut(websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "Token expired"})

	waitState(t, e, StateError)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateError, e.Status().State)
	assert.Equal(t, 1, dialer.count())

	var rejected *RejectedError
	require.ErrorAs(t, e.Status().LastError, &rejected)
	assert.Equal(t, "Token expired", rejected.Message)
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	c.shut(websocket.CloseError{Code: websocket.StatusNormalClosure})

	waitState(t, e, StateDisconnected)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := newFakeDialer()
	dialer.setFail(true)
	e := newTestEngine(t, dialer, &fakeStore{}, func(o *Options) { o.MaxAttempts = 3 })
	e.Start()

	require.Eventually(t, func() bool {
		return errors.Is(e.Status().LastError, ErrReconnectExhausted)
	}, waitFor, time.Millisecond)
	assert.Equal(t, StateError, e.Status().State)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, dialer.count(), "first attempt plus three retries")

	// a manual retry starts over
	dialer.setFail(false)
	e.Reconnect()
	c := dialer.next(t)
	handshake(t, e, c, state.RoleEditor)
	assert.Equal(t, 5, dialer.count())
}

func TestManualReconnectCancelsPendingRetry(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.BackoffBase = time.Minute
	})

	c.shut(errors.New("network dropped"))
	waitState(t, e, StateReconnecting)
	st := e.Status()
	assert.Equal(t, time.Minute, st.Backoff)
	assert.Equal(t, 1, st.Attempt)

	e.Reconnect()
	c2 := dialer.next(t)
	assert.Equal(t, 0, e.Status().Attempt)
	handshake(t, e, c2, state.RoleEditor)
}

func TestOptimisticMoveRollsBackOnStoreFailure(t *testing.T) {
	store := &fakeStore{fail: errors.New("db down")}
	e, _, c := joinedEngine(t, state.RoleEditor, store, nil)

	var seenDuringWrite [2]int
	store.onWrite = func() {
		seenDuringWrite[0], seenDuringWrite[1] = position(t, e, "s2")
	}

	err := e.Move(context.Background(), "s2", 5, 5)

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, "move", rb.Op)
	assert.EqualError(t, errors.Unwrap(err), "db down")
	assert.Equal(t, [2]int{5, 5}, seenDuringWrite, "view changes before the store answers")

	x, y := position(t, e, "s2")
	assert.Equal(t, 2, x)
	assert.Equal(t, 2, y)
	assert.Equal(t, StateJoined, e.Status().State, "a failed write is not fatal to the connection")

	sent := expectWrite(t, c)
	assert.Equal(t, protocol.TypeSnippetMove, sent.Type)

	// peers already saw the move, so the old position is relayed back
	undo := expectWrite(t, c)
	require.Equal(t, protocol.TypeSnippetMove, undo.Type)
	var p protocol.MovePayload
	require.NoError(t, undo.DecodePayload(&p))
	assert.Equal(t, protocol.MovePayload{SnippetID: "s2", X: 2, Y: 2}, p)
	assert.NotEqual(t, sent.MessageID, undo.MessageID)
}

func TestDeleteRollbackRestoresListPosition(t *testing.T) {
	store := &fakeStore{fail: errors.New("db down")}
	e, _, c := joinedEngine(t, state.RoleEditor, store, nil)

	err := e.Delete(context.Background(), "s2")

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids(e))

	assert.Equal(t, protocol.TypeSnippetDelete, expectWrite(t, c).Type)
	undo := expectWrite(t, c)
	require.Equal(t, protocol.TypeSnippetCreate, undo.Type)
	var restored protocol.Snippet
	require.NoError(t, undo.DecodePayload(&restored))
	assert.Equal(t, "s2", restored.ID)
	assert.Equal(t, "two", restored.Title)
}

func TestUpdateRollsBack(t *testing.T) {
	store := &fakeStore{fail: errors.New("db down")}
	e, _, c := joinedEngine(t, state.RoleEditor, store, nil)
	title := "changed"

	err := e.Update(context.Background(), "s1", protocol.SnippetPatch{Title: &title})

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, "one", e.Snippets()[0].Title)

	assert.Equal(t, protocol.TypeSnippetUpdate, expectWrite(t, c).Type)
	undo := expectWrite(t, c)
	require.Equal(t, protocol.TypeSnippetUpdate, undo.Type)
	var fields map[string]any
	require.NoError(t, undo.DecodePayload(&fields))
	assert.Equal(t, map[string]any{"snippetId": "s1", "title": "one"}, fields)
}

func TestFailedSendIsNotCompensated(t *testing.T) {
	store := &fakeStore{fail: errors.New("db down")}
	e, _, c := joinedEngine(t, state.RoleEditor, store, func(o *Options) { o.SendRetries = -1 })
	c.failWrites(1)

	err := e.Move(context.Background(), "s1", 9, 9)

	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.Len(t, c.attemptsOf(t, protocol.TypeSnippetMove), 1, "peers never saw the move")
}

func TestOutOfRangeMoveIsRefused(t *testing.T) {
	store := &fakeStore{}
	e, _, c := joinedEngine(t, state.RoleEditor, store, nil)

	err := e.Move(context.Background(), "s1", 1e300, 0)

	assert.ErrorIs(t, err, protocol.ErrBadCoordinate)
	assert.Empty(t, c.attemptsOf(t, protocol.TypeSnippetMove))
	x, _ := position(t, e, "s1")
	assert.Equal(t, 1, x)
}

func TestSuccessfulMoveKeepsNewPosition(t *testing.T) {
	store := &fakeStore{}
	e, _, c := joinedEngine(t, state.RoleEditor, store, nil)

	require.NoError(t, e.Move(context.Background(), "s1", 10.6, 20.4))

	x, y := position(t, e, "s1")
	assert.Equal(t, 11, x)
	assert.Equal(t, 20, y)
	sent := expectWrite(t, c)
	var p protocol.MovePayload
	require.NoError(t, sent.DecodePayload(&p))
	assert.Equal(t, "s1", p.SnippetID)
	assert.Equal(t, "me", sent.UserID)
}

func TestViewerIsGatedLocally(t *testing.T) {
	store := &fakeStore{}
	e, _, c := joinedEngine(t, state.RoleViewer, store, nil)

	assert.ErrorIs(t, e.Move(context.Background(), "s1", 5, 5), ErrPermissionDenied)
	assert.ErrorIs(t, e.Delete(context.Background(), "s1"), ErrPermissionDenied)
	_, err := e.Create(context.Background(), protocol.SnippetDraft{Title: "x"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	assert.Empty(t, c.attemptsOf(t, protocol.TypeSnippetMove))
	assert.Empty(t, c.attemptsOf(t, protocol.TypeSnippetDelete))
	assert.Zero(t, store.moves)
	x, _ := position(t, e, "s1")
	assert.Equal(t, 1, x)
}

func TestSendRetriesReuseMessageID(t *testing.T) {
	e, _, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)
	c.failWrites(2)

	require.NoError(t, e.Move(context.Background(), "s1", 3, 3))

	attempts := c.attemptsOf(t, protocol.TypeSnippetMove)
	require.Len(t, attempts, 3)
	assert.NotEmpty(t, attempts[0].MessageID)
	for _, a := range attempts[1:] {
		assert.Equal(t, attempts[0].MessageID, a.MessageID)
	}
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	e, _, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) { o.SendRetries = 2 })
	c.failWrites(100)

	err := e.Move(context.Background(), "s1", 3, 3)

	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Len(t, c.attemptsOf(t, protocol.TypeSnippetMove), 3)
	x, _ := position(t, e, "s1")
	assert.Equal(t, 3, x, "the durable write succeeded, so the move stays")
}

func TestCreateRelaysStoreIdentity(t *testing.T) {
	e, _, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	created, err := e.Create(context.Background(), protocol.SnippetDraft{Title: "new", X: 1.4, Y: 2.6})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", created.ID)

	sent := expectWrite(t, c)
	require.Equal(t, protocol.TypeSnippetCreate, sent.Type)
	var p protocol.Snippet
	require.NoError(t, sent.DecodePayload(&p))
	assert.Equal(t, "srv-1", p.ID)
	assert.Equal(t, []string{"s1", "s2", "s3", "srv-1"}, ids(e))
}

func TestCreateFailureChangesNothing(t *testing.T) {
	e, _, c := joinedEngine(t, state.RoleEditor, &fakeStore{fail: errors.New("db down")}, nil)

	_, err := e.Create(context.Background(), protocol.SnippetDraft{Title: "new"})
	require.Error(t, err)
	assert.Len(t, e.Snippets(), 3)
	assert.Empty(t, c.attemptsOf(t, protocol.TypeSnippetCreate))
}

func TestStopTearsEverythingDown(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	e.Stop()

	assert.Equal(t, StateDisconnected, e.Status().State)
	assert.True(t, c.isClosed())
	assert.ErrorIs(t, e.Move(context.Background(), "s1", 5, 5), ErrEngineStopped)

	// nothing after teardown touches the view or reconnects
	e.Reconnect()
	e.SetOnline(true)
	e.VisibilityRegained()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	x, _ := position(t, e, "s1")
	assert.Equal(t, 1, x)

	e.Stop()
}

func TestOfflineThenOnline(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	e.SetOnline(false)
	waitState(t, e, StateOffline)
	require.Eventually(t, c.isClosed, waitFor, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StateOffline, e.Status().State)

	e.SetOnline(true)
	c2 := dialer.next(t)
	handshake(t, e, c2, state.RoleEditor)
}

func TestVisibilityRegainedReconnects(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, nil)

	// while connected it does nothing
	e.VisibilityRegained()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())

	c.shut(websocket.CloseError{Code: websocket.StatusNormalClosure})
	waitState(t, e, StateDisconnected)

	e.VisibilityRegained()
	c2 := dialer.next(t)
	handshake(t, e, c2, state.RoleEditor)
}

func TestMinConnectIntervalCoalescesBursts(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.MinConnectInterval = time.Hour
	})
	c.shut(websocket.CloseError{Code: websocket.StatusNormalClosure})
	waitState(t, e, StateDisconnected)

	e.VisibilityRegained()
	e.SetOnline(true)
	e.VisibilityRegained()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())

	e.Reconnect()
	dialer.next(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.count(), "a manual reconnect is never throttled and cancels the deferred one")
}

func TestOnlineWithinMinIntervalConnectsLater(t *testing.T) {
	e, dialer, _ := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.MinConnectInterval = 300 * time.Millisecond
	})

	e.SetOnline(false)
	waitState(t, e, StateOffline)
	e.SetOnline(true)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count(), "still inside the interval")

	c2 := dialer.next(t)
	assert.Equal(t, 2, dialer.count())
	handshake(t, e, c2, state.RoleEditor)
}

func TestVisibilityWithinMinIntervalConnectsLater(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.MinConnectInterval = 200 * time.Millisecond
	})
	c.shut(websocket.CloseError{Code: websocket.StatusNormalClosure})
	waitState(t, e, StateDisconnected)

	e.VisibilityRegained()

	c2 := dialer.next(t)
	handshake(t, e, c2, state.RoleEditor)
	assert.Equal(t, 2, dialer.count())
}

func TestServerErrorCloseIsRetried(t *testing.T) {
	dialer := newFakeDialer()
	e := newTestEngine(t, dialer, &fakeStore{}, nil)
	e.Start()
	c := dialer.next(t)

	push(t, c, protocol.TypeConnectionEstablished, "", protocol.ConnectionEstablishedPayload{Timestamp: time.Now()})
	expectWrite(t, c)
	push(t, c, protocol.TypeError, "", protocol.MessagePayload{Message: "Authentication unavailable"})
	c.shut(websocket.CloseError{Code: websocket.StatusInternalError, Reason: "Authentication unavailable"})

	c2 := dialer.next(t)
	handshake(t, e, c2, state.RoleEditor)
	assert.Equal(t, 2, dialer.count())
}

func TestHeartbeatPingsWhileJoined(t *testing.T) {
	_, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.PongTimeout = time.Hour
	})

	ping := expectWrite(t, c)
	require.Equal(t, protocol.TypePing, ping.Type)
	var p protocol.PingPayload
	require.NoError(t, ping.DecodePayload(&p))
	assert.NotEmpty(t, p.Timestamp)
	assert.Equal(t, 1, dialer.count())
}

func TestMissingPongDropsAndReconnects(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.PongTimeout = 50 * time.Millisecond
	})

	require.Eventually(t, c.isClosed, waitFor, time.Millisecond)
	c2 := dialer.next(t)
	handshake(t, e, c2, state.RoleEditor)
	assert.Equal(t, 2, dialer.count())
}

func TestPongsKeepConnectionAlive(t *testing.T) {
	e, dialer, c := joinedEngine(t, state.RoleEditor, &fakeStore{}, func(o *Options) {
		o.HeartbeatInterval = 20 * time.Millisecond
		o.PongTimeout = 50 * time.Millisecond
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case raw := <-c.writes:
				env, err := protocol.Decode(raw)
				if err != nil || env.Type != protocol.TypePing {
					continue
				}
				if pong, err := protocol.Encode(protocol.TypePong, "", protocol.PongPayload{Timestamp: time.Now()}); err == nil {
					c.in <- pong
				}
			}
		}
	}()

	time.Sleep(250 * time.Millisecond)
	assert.False(t, c.isClosed())
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StateJoined, e.Status().State)
	assert.False(t, e.LastPong().IsZero())
}
