// Package session owns the authenticated user, the token pair and the device
// id, and keeps the access token fresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/syncerr"
)

var ErrNoSession = errors.New("no authenticated session")

// Backend is the subset of the REST client the session needs.
type Backend interface {
	Login(ctx context.Context, emailOrPhone, password string) api.Response[api.LoginResult]
	Refresh(ctx context.Context, refreshToken string) api.Response[api.TokensDTO]
	Logout(ctx context.Context) api.Response[api.MessageDTO]
}

type EventKind int

const (
	// Started fires when a complete session is established by login or
	// restore.
	Started EventKind = iota
	// Rotated fires when the token pair is replaced by a refresh.
	Rotated
	// Cleared fires when the session is dropped.
	Cleared
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Rotated:
		return "rotated"
	case Cleared:
		return "cleared"
	}
	return "unknown"
}

type Event struct {
	Kind    EventKind
	Session model.Session
	Reason  string
}

// Manager is the session provider.
type Manager struct {
	mu        sync.RWMutex
	session   model.Session
	backend   Backend
	skew      time.Duration
	observers []func(Event)
	group     singleflight.Group
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a signed-out session manager for deviceID. Tokens expiring
// within skew are refreshed before use.
func New(backend Backend, deviceID string, skew time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		session: model.Session{DeviceID: deviceID},
		backend: backend,
		skew:    skew,
		logger:  logger,
		now:     time.Now,
	}
}

// Subscribe registers fn for session events. Observers run outside the lock
// and may call back into the manager.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	obs := append([]func(Event){}, m.observers...)
	m.mu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}

// Current returns a copy of the session.
func (m *Manager) Current() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Clone()
}

// Valid reports whether the session is complete and unexpired.
func (m *Manager) Valid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Valid(m.now())
}

// Authenticated reports whether a complete session is held, expired or not.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Complete()
}

func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session.User == nil {
		return ""
	}
	return m.session.User.ID
}

// Login authenticates against the backend and begins a session.
func (m *Manager) Login(ctx context.Context, emailOrPhone, password string) error {
	resp := m.backend.Login(ctx, emailOrPhone, password)
	if err := resp.Err(); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	tokens, err := tokensFrom(resp.Data.Tokens, m.now())
	if err != nil {
		return syncerr.New(syncerr.KindAuth, "login", err)
	}
	m.Begin(resp.Data.User.ToModel(), tokens)
	return nil
}

// Begin installs a complete session.
func (m *Manager) Begin(user model.User, tokens model.Tokens) {
	m.mu.Lock()
	m.session = model.Session{
		User:            &user,
		Tokens:          &tokens,
		DeviceID:        m.session.DeviceID,
		IsAuthenticated: true,
	}
	s := m.session.Clone()
	m.mu.Unlock()

	m.logger.Info("session started", "user_id", user.ID)
	m.emit(Event{Kind: Started, Session: s})
}

// Restore installs a session loaded from the snapshot. Partial sessions are
// refused. The stored device id wins over the generated one so the server
// keeps seeing the same device across restarts.
func (m *Manager) Restore(s model.Session) bool {
	if !s.Complete() {
		return false
	}
	m.mu.Lock()
	deviceID := m.session.DeviceID
	m.session = s.Clone()
	if m.session.DeviceID == "" {
		m.session.DeviceID = deviceID
	}
	out := m.session.Clone()
	m.mu.Unlock()

	m.logger.Info("session restored", "user_id", s.User.ID)
	m.emit(Event{Kind: Started, Session: out})
	return true
}

// AccessToken returns a usable access token, refreshing first when the
// current one is within the skew of expiry.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	s := m.session.Clone()
	now := m.now()
	m.mu.RUnlock()

	if !s.Complete() {
		return "", ErrNoSession
	}
	if s.Tokens.ExpiresAt.IsZero() || now.Add(m.skew).Before(s.Tokens.ExpiresAt) {
		return s.Tokens.AccessToken, nil
	}

	if err := m.Refresh(ctx); err != nil {
		if now.Before(s.Tokens.ExpiresAt) && !syncerr.IsAuth(err) {
			m.logger.Warn("token refresh failed, using current token", "error", err)
			return s.Tokens.AccessToken, nil
		}
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.session.Complete() {
		return "", ErrNoSession
	}
	return m.session.Tokens.AccessToken, nil
}

// Refresh rotates the token pair. Concurrent callers share one request. A
// rejected refresh token clears the session.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.RLock()
	s := m.session.Clone()
	m.mu.RUnlock()

	if !s.Refreshable() {
		return syncerr.New(syncerr.KindAuth, "refresh", ErrNoSession)
	}

	resp := m.backend.Refresh(ctx, s.Tokens.RefreshToken)
	if err := resp.Err(); err != nil {
		if syncerr.IsAuth(err) || syncerr.IsValidation(err) {
			m.Clear("refresh rejected")
			return syncerr.New(syncerr.KindAuth, "refresh", err)
		}
		return err
	}

	tokens, err := tokensFrom(*resp.Data, m.now())
	if err != nil {
		m.Clear("refresh returned unusable token")
		return syncerr.New(syncerr.KindAuth, "refresh", err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = s.Tokens.RefreshToken
	}

	m.mu.Lock()
	// Cleared or replaced while the request was in flight.
	if !m.session.Complete() || m.session.Tokens.RefreshToken != s.Tokens.RefreshToken {
		m.mu.Unlock()
		return syncerr.New(syncerr.KindAuth, "refresh", ErrNoSession)
	}
	m.session.Tokens = &tokens
	out := m.session.Clone()
	m.mu.Unlock()

	m.logger.Debug("session tokens rotated", "expires_at", tokens.ExpiresAt)
	m.emit(Event{Kind: Rotated, Session: out})
	return nil
}

// Clear drops the user and tokens. The device id survives.
func (m *Manager) Clear(reason string) {
	m.mu.Lock()
	had := m.session.User != nil || m.session.Tokens != nil || m.session.IsAuthenticated
	m.session = model.Session{DeviceID: m.session.DeviceID}
	out := m.session.Clone()
	m.mu.Unlock()

	if !had {
		return
	}
	m.logger.Info("session cleared", "reason", reason)
	m.emit(Event{Kind: Cleared, Session: out, Reason: reason})
}

// Logout tells the backend, best effort, and clears the session.
func (m *Manager) Logout(ctx context.Context) {
	if m.Valid() {
		if err := m.backend.Logout(ctx).Err(); err != nil {
			m.logger.Warn("logout request failed", "error", err)
		}
	}
	m.Clear("logout")
}

// tokensFrom converts a wire token pair. When the server omits expires_in
// the JWT exp claim is used instead.
func tokensFrom(dto api.TokensDTO, now time.Time) (model.Tokens, error) {
	if dto.AccessToken == "" {
		return model.Tokens{}, errors.New("empty access token")
	}
	tokens := dto.ToModel(now)
	if tokens.ExpiresAt.IsZero() {
		exp, err := expiryFromJWT(dto.AccessToken)
		if err != nil {
			return model.Tokens{}, err
		}
		tokens.ExpiresAt = exp
	}
	return tokens, nil
}

func expiryFromJWT(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("access token has no expiry")
	}
	return exp.Time, nil
}
