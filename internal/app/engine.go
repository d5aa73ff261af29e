// Package app assembles the sync engine: entity store, mutation pipeline,
// realtime merger, connection manager and rehydration layer, wired to one
// session and one local database.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/config"
	"github.com/dukerupert/listsync/internal/connection"
	"github.com/dukerupert/listsync/internal/effect"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/metrics"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/mutation"
	"github.com/dukerupert/listsync/internal/persist"
	"github.com/dukerupert/listsync/internal/realtime"
	"github.com/dukerupert/listsync/internal/session"
	"github.com/dukerupert/listsync/internal/store"
	"github.com/dukerupert/listsync/internal/syncerr"
	"github.com/dukerupert/listsync/internal/websocket"
)

const (
	listPageSize   = 100
	errorBuffer    = 32
	drainTimeout   = 3 * time.Second
	journalMaxAge  = 30 * 24 * time.Hour
	journalHistory = 50
)

// Engine is the UI-facing surface of the sync client.
type Engine struct {
	api      *api.Client
	sessions *session.Manager
	store    *entity.Store
	pipeline *mutation.Pipeline
	merger   *realtime.Merger
	ws       *websocket.Client
	conn     *connection.Manager
	persist  *persist.Layer
	effects  *effect.Queue
	journal  *store.SyncLog
	metrics  *metrics.Metrics
	logger   *slog.Logger

	errs      chan error
	refreshes singleflight.Group
	pageSize  int

	mu       sync.Mutex
	fetching map[string]bool
	started  bool

	closeOnce sync.Once
	closeErr  error

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// New builds the engine over an open database. reg may be nil, in which
// case no metrics are recorded.
func New(cfg *config.Config, db *sql.DB, reg prometheus.Registerer, logger *slog.Logger) (*Engine, error) {
	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		metrics:  m,
		logger:   logger,
		errs:     make(chan error, errorBuffer),
		fetching: make(map[string]bool),
		pageSize: listPageSize,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}

	e.api = api.NewClient(api.Config{BaseURL: cfg.APIURL, Timeout: cfg.HTTPTimeout}, nil, logger.With("component", "api"))
	e.sessions = session.New(e.api, cfg.DeviceID, cfg.RefreshSkew, logger.With("component", "session"))
	e.api.SetTokenSource(e.sessions)

	e.store = entity.NewStore(logger.With("component", "store"))
	e.pipeline = mutation.New(e.store, e.api, e.sessions, logger.With("component", "mutation"))

	merger, err := realtime.New(e.store, e.pipeline, realtime.Options{
		Metrics: m,
		Logger:  logger.With("component", "realtime"),
		SelfID:  e.sessions.UserID,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create merger: %w", err)
	}
	e.merger = merger

	e.ws = websocket.NewClient(websocket.Config{URL: cfg.WSURL, MaxDelay: cfg.ReconnectMax}, logger.With("component", "websocket"))
	e.merger.Attach(e.ws)

	e.effects = effect.New(logger.With("component", "effect"))
	e.effects.OnError(func(name string, err error) { e.metrics.EffectFailed(name) })

	e.persist, err = persist.New(store.NewKVStore(db), e.store, e.sessions, e.effects, persist.Options{
		Secret:  cfg.SnapshotSecret,
		Metrics: m,
		Logger:  logger.With("component", "persist"),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create persistence layer: %w", err)
	}
	e.journal = store.NewSyncLog(db)

	e.conn = connection.NewManager(e.ws, e.sessions, e.store, connection.Options{
		Refresh:       e.Refresh,
		OnAuthFailure: e.forceLogout,
		Callback:      e.onStatus,
		Metrics:       m,
		Logger:        logger.With("component", "connection"),
	})

	e.pipeline.OnSettle(e.onSettle)
	e.pipeline.OnAuthFailure(e.forceLogout)
	e.merger.OnUnknownList(e.fetchList)
	e.persist.Watch()
	e.sessions.Subscribe(e.onSession)
	return e, nil
}

// Start runs the effect worker and rehydrates the last snapshot. With a
// restored session the realtime channel is opened; the first Connected
// refreshes the lists. A failed restore leaves the engine logged out.
func (e *Engine) Start(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return false, errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.effects.Start(e.ctx)
	e.effects.Enqueue("sync log prune", func(ctx context.Context) error {
		n, err := e.journal.Prune(ctx, e.now().Add(-journalMaxAge))
		if n > 0 {
			e.logger.Debug("pruned sync log", "records", n)
		}
		return err
	})

	restored, err := e.persist.Restore(ctx)
	if err != nil {
		e.logger.Warn("snapshot restore failed", "error", err)
		return false, nil
	}
	if !restored {
		return false, nil
	}
	e.logger.Info("session restored", "user_id", e.sessions.UserID(), "lists", len(e.store.Lists()))
	if err := e.Connect(ctx); err != nil {
		e.logger.Warn("connect after restore failed", "error", err)
		if !e.sessions.Authenticated() {
			return false, nil
		}
	}
	return true, nil
}

// Connect opens the realtime channel, refreshing an expired access token
// first. A rejected refresh clears the session.
func (e *Engine) Connect(ctx context.Context) error {
	if e.sessions.Authenticated() && !e.sessions.Valid() {
		if err := e.sessions.Refresh(ctx); err != nil {
			e.report(err)
			return fmt.Errorf("refresh session: %w", err)
		}
	}
	return e.conn.Connect(ctx)
}

// Login authenticates, loads the lists and opens the realtime channel.
func (e *Engine) Login(ctx context.Context, emailOrPhone, password string) error {
	if err := e.sessions.Login(ctx, emailOrPhone, password); err != nil {
		e.report(err)
		return err
	}
	if err := e.Refresh(ctx); err != nil {
		e.logger.Warn("initial refresh failed", "error", err)
	}
	if err := e.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Logout ends the session. The session observer discards local state.
func (e *Engine) Logout(ctx context.Context) {
	e.conn.Disconnect()
	e.sessions.Logout(ctx)
}

// forceLogout handles a session the server no longer accepts.
func (e *Engine) forceLogout(cause error) {
	if !e.sessions.Authenticated() {
		return
	}
	e.logger.Warn("session rejected, logging out", "error", cause)
	e.report(cause)
	e.sessions.Clear("session rejected")
}

// onSession tears local state down whenever the session ends, whether by
// logout, a rejected refresh or a rejected token. The connection manager and
// the persistence layer observe the same event to disconnect and purge.
func (e *Engine) onSession(ev session.Event) {
	if ev.Kind != session.Cleared {
		return
	}
	e.pipeline.Reset()
	e.store.Reset()
	e.effects.Enqueue("sync log clear", e.journal.Clear)
}

// Refresh pages through every list and reconciles them with local state.
// Only a refresh that reached the last page may drop local lists. Concurrent
// calls share one request.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err, _ := e.refreshes.Do("lists", func() (any, error) {
		var lists []model.ShoppingList
		seen := make(map[string]bool)
		for skip := 0; ; {
			resp := e.api.Lists(ctx, skip, e.pageSize)
			if err := resp.Err(); err != nil {
				if resp.Status == http.StatusUnauthorized {
					e.forceLogout(err)
					return nil, err
				}
				e.merger.Reconcile(lists, false)
				return nil, err
			}
			skip += len(*resp.Data)
			fresh := 0
			for _, d := range *resp.Data {
				if seen[d.ID] {
					continue
				}
				seen[d.ID] = true
				lists = append(lists, d.ToModel())
				fresh++
			}
			if len(*resp.Data) < e.pageSize {
				break
			}
			if fresh == 0 {
				// The server ignored skip.
				e.logger.Warn("list pagination made no progress", "count", len(lists))
				e.merger.Reconcile(lists, false)
				return nil, nil
			}
		}
		e.merger.Reconcile(lists, true)
		e.logger.Debug("lists refreshed", "count", len(lists))
		return nil, nil
	})
	return err
}

// fetchList loads one list the store does not know yet. Fetches are queued
// once per list until they finish.
func (e *Engine) fetchList(listID string) {
	if listID == "" || mutation.IsTemporary(listID) {
		return
	}
	e.mu.Lock()
	if e.fetching[listID] {
		e.mu.Unlock()
		return
	}
	e.fetching[listID] = true
	e.mu.Unlock()

	queued := e.effects.Enqueue("list fetch", func(ctx context.Context) error {
		defer e.doneFetching(listID)
		resp := e.api.GetList(ctx, listID)
		if err := resp.Err(); err != nil {
			if resp.Status == http.StatusUnauthorized {
				e.forceLogout(err)
			}
			return err
		}
		e.merger.Reconcile([]model.ShoppingList{resp.Data.ToModel()}, false)
		return nil
	})
	if !queued {
		e.doneFetching(listID)
	}
}

func (e *Engine) doneFetching(listID string) {
	e.mu.Lock()
	delete(e.fetching, listID)
	e.mu.Unlock()
}

// Focus makes listID the current list. Its room is joined while connected.
func (e *Engine) Focus(listID string) {
	listID = e.pipeline.Resolve(listID)
	e.store.SetCurrentList(listID)
	if listID == "" {
		return
	}
	if _, ok := e.store.List(listID); !ok {
		e.fetchList(listID)
	}
}

func (e *Engine) Lists() []model.ShoppingList { return e.store.Lists() }

func (e *Engine) List(id string) (model.ShoppingList, bool) {
	return e.store.List(e.pipeline.Resolve(id))
}

// Subscribe registers fn for store changes. fn runs synchronously and must
// not call back into the engine's mutation operations.
func (e *Engine) Subscribe(fn func(entity.Change)) { e.store.Subscribe(fn) }

// Syncing reports whether the list, or one item of it when itemID is set,
// has a mutation the server has not settled yet.
func (e *Engine) Syncing(listID, itemID string) bool {
	listID = e.pipeline.Resolve(listID)
	if itemID != "" {
		return e.pipeline.Pending(mutation.ItemKey(listID, e.pipeline.Resolve(itemID)))
	}
	return e.pipeline.Pending(mutation.ListKey(listID), mutation.CollaboratorsKey(listID))
}

func (e *Engine) Status() connection.Status { return e.conn.Status() }

func (e *Engine) Session() model.Session { return e.sessions.Current() }

// Errors delivers auth and validation failures meant for the user. Errors
// are dropped while the channel is full.
func (e *Engine) Errors() <-chan error { return e.errs }

// History returns the most recent settled mutations, newest first.
func (e *Engine) History(ctx context.Context) ([]model.SyncRecord, error) {
	return e.journal.Recent(ctx, journalHistory)
}

func (e *Engine) CreateList(in mutation.NewList) (*mutation.Pending, error) {
	return e.submit(e.pipeline.CreateList(in))
}

func (e *Engine) UpdateList(listID string, patch mutation.ListPatch) (*mutation.Pending, error) {
	return e.submit(e.pipeline.UpdateList(listID, patch))
}

func (e *Engine) ArchiveList(listID string) (*mutation.Pending, error) {
	return e.submit(e.pipeline.ArchiveList(listID))
}

func (e *Engine) AddItem(listID string, in mutation.NewItem) (*mutation.Pending, error) {
	return e.submit(e.pipeline.AddItem(listID, in))
}

func (e *Engine) UpdateItem(listID, itemID string, patch mutation.ItemPatch) (*mutation.Pending, error) {
	return e.submit(e.pipeline.UpdateItem(listID, itemID, patch))
}

func (e *Engine) AssignItem(listID, itemID, userID string) (*mutation.Pending, error) {
	return e.submit(e.pipeline.AssignItem(listID, itemID, userID))
}

func (e *Engine) UnassignItem(listID, itemID string) (*mutation.Pending, error) {
	return e.submit(e.pipeline.UnassignItem(listID, itemID))
}

func (e *Engine) RemoveItem(listID, itemID string) (*mutation.Pending, error) {
	return e.submit(e.pipeline.RemoveItem(listID, itemID))
}

func (e *Engine) AddCollaborator(listID string, in mutation.NewCollaborator) (*mutation.Pending, error) {
	return e.submit(e.pipeline.AddCollaborator(listID, in))
}

func (e *Engine) RemoveCollaborator(listID, userID string) (*mutation.Pending, error) {
	return e.submit(e.pipeline.RemoveCollaborator(listID, userID))
}

// SetTyping broadcasts the local typing indicator to the focused list.
func (e *Engine) SetTyping(typing bool) error {
	listID := e.store.CurrentList()
	if listID == "" {
		return errors.New("no list in focus")
	}
	return e.ws.SendTyping(listID, typing)
}

// RequestPresence asks the server for the online status of friendIDs. The
// reply arrives as an online_status event.
func (e *Engine) RequestPresence(friendIDs []string) error {
	return e.ws.RequestOnlineStatus(friendIDs)
}

// Close stops the engine. The channel is closed and in-flight mutations get
// until drainTimeout (or ctx) to settle before they are cancelled, then a
// final snapshot is written and the effect worker drains. Later calls return
// the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.conn.Close()
		drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		if err := e.pipeline.Drain(drainCtx); err != nil {
			e.logger.Warn("unsettled mutations cancelled at shutdown", "error", err)
		}
		cancel()
		e.pipeline.Close()
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if started {
			e.effects.Wait()
		}

		if e.sessions.Authenticated() {
			e.closeErr = e.persist.Save(ctx)
		}
		e.effects.Stop()
		e.cancel()
	})
	return e.closeErr
}

func (e *Engine) submit(p *mutation.Pending, err error) (*mutation.Pending, error) {
	if err != nil {
		e.report(err)
	}
	return p, err
}

func (e *Engine) report(err error) {
	if err == nil || !syncerr.Visible(err) {
		return
	}
	select {
	case e.errs <- err:
	default:
		e.logger.Warn("error channel full, dropping", "error", err)
	}
}

func (e *Engine) onSettle(s mutation.Settlement) {
	e.metrics.MutationSettled(string(s.Kind), s.State.String(), s.Elapsed)

	rec := model.SyncRecord{
		Kind:       string(s.Kind),
		EntityKeys: s.Keys,
		Outcome:    model.SyncOutcome(s.State.String()),
		CreatedAt:  e.now(),
	}
	if s.Err != nil {
		rec.Detail = s.Err.Error()
		// Auth failures are reported by forceLogout.
		if s.State == mutation.RolledBack && !syncerr.IsAuth(s.Err) {
			e.report(s.Err)
		}
	}
	e.effects.Enqueue("sync log", func(ctx context.Context) error {
		_, err := e.journal.Record(ctx, rec)
		return err
	})
}

func (e *Engine) onStatus(s connection.Status) {
	attrs := []any{"state", s.State}
	if s.Room != "" {
		attrs = append(attrs, "room", s.Room)
	}
	if s.Error != "" {
		attrs = append(attrs, "error", s.Error)
	}
	e.logger.Info("connection status", attrs...)
}
