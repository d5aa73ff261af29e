// Package connection keeps the realtime channel in step with the session and
// the focused list.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/metrics"
	"github.com/dukerupert/listsync/internal/session"
	"github.com/dukerupert/listsync/internal/websocket"
)

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// gauge maps a state onto the connection_state metric.
func (s State) gauge() int {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	}
	return 0
}

var ErrSessionInvalid = errors.New("session is missing or expired")

// Status holds the current connection status.
type Status struct {
	State   State     `json:"state"`
	Room    string    `json:"room,omitempty"`
	Error   string    `json:"error,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Since   time.Time `json:"since"`
}

// StatusCallback is called whenever the connection state changes.
type StatusCallback func(Status)

// Transport is the realtime client.
type Transport interface {
	On(eventType string, fn func(websocket.Event))
	Connect(ctx context.Context, token string) error
	Disconnect()
	JoinRoom(listID string) error
	LeaveRoom(listID string) error
}

// Sessions is the session provider as seen by the manager.
type Sessions interface {
	Valid() bool
	AccessToken(ctx context.Context) (string, error)
	Subscribe(fn func(session.Event))
}

type Options struct {
	// Refresh fetches list summaries after every (re)connect.
	Refresh func(ctx context.Context) error
	// OnAuthFailure is called when the server rejects the token.
	OnAuthFailure func(err error)
	Callback      StatusCallback
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type signalKind int

const (
	sigTransport signalKind = iota
	sigFocus
	sigRotated
	sigCleared
)

type signal struct {
	kind  signalKind
	event websocket.Event
	focus string
	epoch int
}

// Manager drives the transport through
// Disconnected → Connecting → Connected → Reconnecting.
// Transport, store and session callbacks only enqueue; one goroutine applies
// them in order, so callbacks never block on the transport.
type Manager struct {
	transport Transport
	sessions  Sessions
	store     *entity.Store
	opts      Options
	logger    *slog.Logger

	mu     sync.RWMutex
	status Status
	wanted bool
	room   string
	// epoch advances on every teardown; transport events stamped with an
	// older epoch belong to a dead connection.
	epoch int

	qmu    sync.Mutex
	queue  []signal
	notify chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	workers sync.WaitGroup
	now     func() time.Time
}

// NewManager wires the manager to its collaborators and starts the signal
// loop. Close stops it.
func NewManager(transport Transport, sessions Sessions, store *entity.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		sessions:  sessions,
		store:     store,
		opts:      opts,
		logger:    logger,
		notify:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
	m.status = Status{State: StateDisconnected, Since: m.now()}

	for _, t := range []string{
		websocket.EventConnected,
		websocket.EventDisconnected,
		websocket.EventReconnecting,
		websocket.EventError,
	} {
		transport.On(t, func(ev websocket.Event) { m.enqueue(signal{kind: sigTransport, event: ev}) })
	}
	store.Subscribe(func(c entity.Change) {
		switch c.Kind {
		case entity.ChangeCurrentList, entity.ChangeReset:
			m.enqueue(signal{kind: sigFocus, focus: c.ListID})
		}
	})
	sessions.Subscribe(func(ev session.Event) {
		switch ev.Kind {
		case session.Rotated:
			m.enqueue(signal{kind: sigRotated})
		case session.Cleared:
			m.enqueue(signal{kind: sigCleared})
		}
	})

	m.loop.Add(1)
	go m.run()
	return m
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Connect opens the realtime channel. With no valid session the manager
// stays disconnected and ErrSessionInvalid is returned.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.sessions.Valid() {
		m.logger.Warn("connection: not connecting without a valid session")
		m.setStatus(Status{State: StateDisconnected, Error: ErrSessionInvalid.Error()})
		return ErrSessionInvalid
	}
	token, err := m.sessions.AccessToken(ctx)
	if err != nil {
		m.logger.Warn("connection: no access token", "error", err)
		m.setStatus(Status{State: StateDisconnected, Error: err.Error()})
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if m.wanted {
		m.mu.Unlock()
		return nil
	}
	m.wanted = true
	m.mu.Unlock()

	m.setStatus(Status{State: StateConnecting})
	if err := m.transport.Connect(m.ctx, token); err != nil {
		m.mu.Lock()
		m.wanted = false
		m.mu.Unlock()
		m.setStatus(Status{State: StateDisconnected, Error: err.Error()})
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect closes the channel and stays disconnected until the next
// Connect. It must not be called from a transport event handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.wanted = false
	m.mu.Unlock()
	m.transport.Disconnect()
	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()
	m.setStatus(Status{State: StateDisconnected})
}

// Close disconnects and stops the signal loop and any refresh in flight.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.loop.Wait()
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		m.logger.Warn("connection: close timed out after 10s")
	}
}

// setStatus records s with the joined room. Leaving Connected forgets the
// room, since rooms do not survive the connection.
func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if s.State != StateConnected {
		m.room = ""
	}
	s.Room = m.room
	s.Since = m.now()
	if prev := m.status; prev.State == s.State && prev.Room == s.Room && prev.Error == s.Error && prev.Attempt == s.Attempt {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()

	m.opts.Metrics.ConnectionState(s.State.gauge())
	if m.opts.Callback != nil {
		m.opts.Callback(s)
	}
}

func (m *Manager) enqueue(s signal) {
	m.mu.RLock()
	s.epoch = m.epoch
	m.mu.RUnlock()

	m.qmu.Lock()
	m.queue = append(m.queue, s)
	m.qmu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) pop() (signal, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return signal{}, false
	}
	s := m.queue[0]
	m.queue = m.queue[1:]
	return s, true
}

func (m *Manager) run() {
	defer m.loop.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.notify:
		}
		for {
			s, ok := m.pop()
			if !ok {
				break
			}
			m.handle(s)
		}
	}
}

func (m *Manager) handle(s signal) {
	switch s.kind {
	case sigTransport:
		m.mu.RLock()
		stale := s.epoch != m.epoch
		m.mu.RUnlock()
		if !stale {
			m.onTransport(s.event)
		}
	case sigFocus:
		m.onFocus(s.focus)
	case sigRotated:
		m.reconnect()
	case sigCleared:
		if m.isWanted() {
			m.logger.Info("connection: session cleared, disconnecting")
			m.Disconnect()
		}
	}
}

func (m *Manager) isWanted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wanted
}

func (m *Manager) onTransport(ev websocket.Event) {
	switch ev.Type {
	case websocket.EventConnected:
		if !m.isWanted() {
			return
		}
		m.setStatus(Status{State: StateConnected})
		m.joinFocused()
		m.refreshAsync()

	case websocket.EventReconnecting:
		if !m.isWanted() {
			return
		}
		if !m.sessions.Valid() {
			m.logger.Warn("connection: session expired while reconnecting")
			m.Disconnect()
			return
		}
		m.opts.Metrics.Reconnect()
		st := Status{State: StateReconnecting, Attempt: ev.Attempt}
		if ev.Err != nil {
			st.Error = ev.Err.Error()
		}
		m.setStatus(st)

	case websocket.EventDisconnected:
		m.mu.Lock()
		m.wanted = false
		m.mu.Unlock()
		m.setStatus(Status{State: StateDisconnected, Error: m.Status().Error})

	case websocket.EventError:
		if ev.Err == nil {
			return
		}
		if ev.Auth {
			m.logger.Warn("connection: token rejected by server", "error", ev.Err)
			m.mu.Lock()
			m.wanted = false
			m.mu.Unlock()
			m.setStatus(Status{State: StateDisconnected, Error: ev.Err.Error()})
			if m.opts.OnAuthFailure != nil {
				m.opts.OnAuthFailure(ev.Err)
			}
			return
		}
		m.logger.Warn("connection: transport error", "error", ev.Err)
		st := m.Status()
		st.Error = ev.Err.Error()
		m.setStatus(st)
	}
}

// joinFocused subscribes to the focused list's room.
func (m *Manager) joinFocused() {
	id := m.store.CurrentList()
	if id == "" {
		return
	}
	if err := m.transport.JoinRoom(id); err != nil {
		m.logger.Warn("connection: join room failed", "list_id", id, "error", err)
		return
	}
	m.mu.Lock()
	m.room = id
	m.mu.Unlock()
	m.setStatus(Status{State: StateConnected})
}

func (m *Manager) onFocus(listID string) {
	if m.Status().State != StateConnected {
		return
	}
	m.mu.RLock()
	prev := m.room
	m.mu.RUnlock()
	if prev == listID {
		return
	}
	if prev != "" {
		if err := m.transport.LeaveRoom(prev); err != nil {
			m.logger.Warn("connection: leave room failed", "list_id", prev, "error", err)
		}
	}
	m.mu.Lock()
	m.room = ""
	m.mu.Unlock()
	if listID == "" {
		m.setStatus(Status{State: StateConnected})
		return
	}
	m.joinFocused()
}

// reconnect tears the connection down and dials again with the current
// token. The transport authenticates only at connect time.
func (m *Manager) reconnect() {
	if !m.isWanted() {
		return
	}
	m.logger.Info("connection: token rotated, reconnecting")
	m.Disconnect()
	m.opts.Metrics.Reconnect()
	if err := m.Connect(m.ctx); err != nil {
		m.logger.Warn("connection: reconnect after rotation failed", "error", err)
	}
}

func (m *Manager) refreshAsync() {
	if m.opts.Refresh == nil {
		return
	}
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		if err := m.opts.Refresh(m.ctx); err != nil {
			m.logger.Warn("connection: list refresh after connect failed", "error", err)
		}
	}()
}
