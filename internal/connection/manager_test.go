package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/metrics"
	"github.com/dukerupert/listsync/internal/session"
	"github.com/dukerupert/listsync/internal/websocket"
)

type fakeTransport struct {
	mu          sync.Mutex
	handlers    map[string][]func(websocket.Event)
	tokens      []string
	calls       []string
	running     bool
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(websocket.Event))}
}

func (f *fakeTransport) On(t string, fn func(websocket.Event)) {
	f.mu.Lock()
	f.handlers[t] = append(f.handlers[t], fn)
	f.mu.Unlock()
}

func (f *fakeTransport) emit(ev websocket.Event) {
	f.mu.Lock()
	hs := append([]func(websocket.Event){}, f.handlers[ev.Type]...)
	f.mu.Unlock()
	for _, fn := range hs {
		fn(ev)
	}
}

func (f *fakeTransport) Connect(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.running = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	was := f.running
	f.running = false
	if was {
		f.disconnects++
	}
	f.mu.Unlock()
	if was {
		f.emit(websocket.Event{Type: websocket.EventDisconnected})
	}
}

func (f *fakeTransport) JoinRoom(id string) error  { return f.record("join:" + id) }
func (f *fakeTransport) LeaveRoom(id string) error { return f.record("leave:" + id) }

func (f *fakeTransport) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeTransport) snapshot() (tokens, calls []string, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.tokens...), append([]string{}, f.calls...), f.disconnects
}

type fakeSessions struct {
	mu        sync.Mutex
	valid     bool
	token     string
	observers []func(session.Event)
}

func (s *fakeSessions) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *fakeSessions) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return "", session.ErrNoSession
	}
	return s.token, nil
}

func (s *fakeSessions) Subscribe(fn func(session.Event)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *fakeSessions) fire(kind session.EventKind) {
	s.mu.Lock()
	obs := append([]func(session.Event){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(session.Event{Kind: kind})
	}
}

func (s *fakeSessions) rotate(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.fire(session.Rotated)
}

func (s *fakeSessions) expire() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

type harness struct {
	mgr       *Manager
	transport *fakeTransport
	sessions  *fakeSessions
	store     *entity.Store
	reg       *prometheus.Registry

	mu        sync.Mutex
	refreshes int
	authErrs  []error
	states    []State
}

func newHarness(t *testing.T, valid bool) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		sessions:  &fakeSessions{valid: valid, token: "tok-1"},
		store:     entity.NewStore(logging.Discard()),
		reg:       prometheus.NewRegistry(),
	}
	h.mgr = NewManager(h.transport, h.sessions, h.store, Options{
		Refresh: func(context.Context) error {
			h.mu.Lock()
			h.refreshes++
			h.mu.Unlock()
			return nil
		},
		OnAuthFailure: func(err error) {
			h.mu.Lock()
			h.authErrs = append(h.authErrs, err)
			h.mu.Unlock()
		},
		Callback: func(s Status) {
			h.mu.Lock()
			h.states = append(h.states, s.State)
			h.mu.Unlock()
		},
		Metrics: metrics.New(h.reg),
		Logger:  logging.Discard(),
	})
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) refreshCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes
}

func (h *harness) waitFor(t *testing.T, state State, room string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.mgr.Status()
		return s.State == state && s.Room == room
	}, 2*time.Second, 5*time.Millisecond, "want %s in room %q, have %+v", state, room, h.mgr.Status())
}

// connect brings the manager to Connected.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mgr.Connect(context.Background()))
	require.Equal(t, StateConnecting, h.mgr.Status().State)
	h.transport.emit(websocket.Event{Type: websocket.EventConnected})
	h.waitFor(t, StateConnected, h.store.CurrentList())
}

func TestConnectRequiresValidSession(t *testing.T) {
	h := newHarness(t, false)

	err := h.mgr.Connect(context.Background())

	require.ErrorIs(t, err, ErrSessionInvalid)
	assert.Equal(t, StateDisconnected, h.mgr.Status().State)
	tokens, _, _ := h.transport.snapshot()
	assert.Empty(t, tokens)
}

func TestReconnectRejoinsRoomAndRefreshes(t *testing.T) {
	h := newHarness(t, true)
	h.store.SetCurrentList("L1")

	h.connect(t)
	require.Eventually(t, func() bool { return h.refreshCount() == 1 }, time.Second, 5*time.Millisecond)

	h.transport.emit(websocket.Event{Type: websocket.EventReconnecting, Attempt: 2, Err: errors.New("read: EOF")})
	h.waitFor(t, StateReconnecting, "")
	assert.Equal(t, 2, h.mgr.Status().Attempt)

	h.transport.emit(websocket.Event{Type: websocket.EventConnected})
	h.waitFor(t, StateConnected, "L1")
	require.Eventually(t, func() bool { return h.refreshCount() == 2 }, time.Second, 5*time.Millisecond)

	_, calls, _ := h.transport.snapshot()
	assert.Equal(t, []string{"join:L1", "join:L1"}, calls)

	expected := `
# HELP listsync_reconnects_total Transport reconnect attempts
# TYPE listsync_reconnects_total counter
listsync_reconnects_total 1
# HELP listsync_connection_state Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting
# TYPE listsync_connection_state gauge
listsync_connection_state 2
`
	assert.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected),
		"listsync_reconnects_total", "listsync_connection_state"))
}

func TestFocusChangeMovesRoom(t *testing.T) {
	h := newHarness(t, true)
	h.store.SetCurrentList("L1")
	h.connect(t)

	h.store.SetCurrentList("L2")
	h.waitFor(t, StateConnected, "L2")

	h.store.SetCurrentList("")
	h.waitFor(t, StateConnected, "")

	_, calls, _ := h.transport.snapshot()
	assert.Equal(t, []string{"join:L1", "leave:L1", "join:L2", "leave:L2"}, calls)
}

func TestFocusWhileDisconnectedJoinsOnConnect(t *testing.T) {
	h := newHarness(t, true)
	h.store.SetCurrentList("L3")
	h.store.SetCurrentList("L4")

	h.connect(t)

	_, calls, _ := h.transport.snapshot()
	assert.Equal(t, []string{"join:L4"}, calls)
}

func TestRotationReconnectsWithNewToken(t *testing.T) {
	h := newHarness(t, true)
	h.connect(t)

	h.sessions.rotate("tok-2")

	require.Eventually(t, func() bool {
		tokens, _, _ := h.transport.snapshot()
		return len(tokens) == 2
	}, 2*time.Second, 5*time.Millisecond)
	tokens, _, disconnects := h.transport.snapshot()
	assert.Equal(t, []string{"tok-1", "tok-2"}, tokens)
	assert.Equal(t, 1, disconnects)

	// The old connection's disconnected event must not end the new one.
	h.waitFor(t, StateConnecting, "")
	h.transport.emit(websocket.Event{Type: websocket.EventConnected})
	h.waitFor(t, StateConnected, "")
}

func TestAuthErrorInvokesHook(t *testing.T) {
	h := newHarness(t, true)
	h.connect(t)

	h.transport.emit(websocket.Event{Type: websocket.EventError, Auth: true, Err: websocket.ErrAuthRejected})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.authErrs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.authErrs[0], websocket.ErrAuthRejected)
	assert.Equal(t, StateDisconnected, h.mgr.Status().State)
}

func TestExpiredSessionStopsReconnecting(t *testing.T) {
	h := newHarness(t, true)
	h.connect(t)

	h.sessions.expire()
	h.transport.emit(websocket.Event{Type: websocket.EventReconnecting, Attempt: 1})

	h.waitFor(t, StateDisconnected, "")
	_, _, disconnects := h.transport.snapshot()
	assert.Equal(t, 1, disconnects)
}

func TestSessionClearedDisconnects(t *testing.T) {
	h := newHarness(t, true)
	h.connect(t)

	h.sessions.fire(session.Cleared)

	h.waitFor(t, StateDisconnected, "")
	_, _, disconnects := h.transport.snapshot()
	assert.Equal(t, 1, disconnects)
}

func TestNonAuthErrorKeepsState(t *testing.T) {
	h := newHarness(t, true)
	h.connect(t)

	h.transport.emit(websocket.Event{Type: websocket.EventError, Err: errors.New("server: bad frame")})

	require.Eventually(t, func() bool { return h.mgr.Status().Error == "server: bad frame" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, h.mgr.Status().State)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.authErrs)
	assert.Equal(t, []State{StateConnecting, StateConnected}, h.states[:2])
}
