// Package persist snapshots the entity store and the session into a durable
// key-value backend and restores them at startup.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/effect"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/metrics"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/session"
	"github.com/dukerupert/listsync/internal/syncerr"
)

const (
	SnapshotKey     = "listsync:snapshot"
	snapshotVersion = 1
)

// Backend is the opaque durable key-value store.
type Backend interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	Purge(ctx context.Context) error
}

// Sessions is the part of the session provider the layer reads and restores.
type Sessions interface {
	Current() model.Session
	Restore(s model.Session) bool
	Subscribe(fn func(session.Event))
}

type Snapshot struct {
	Version       int                  `json:"version"`
	Session       model.Session        `json:"session"`
	Lists         []model.ShoppingList `json:"lists"`
	CurrentListID string               `json:"current_list_id,omitempty"`
	SavedAt       time.Time            `json:"saved_at"`
}

// Restorable reports whether the snapshot carries a complete session: user,
// tokens and the authenticated flag together. A session whose access token
// has expired is still restorable as long as it can be refreshed.
func (s Snapshot) Restorable(now time.Time) bool {
	if s.Version != snapshotVersion || !s.Session.Complete() {
		return false
	}
	return s.Session.Valid(now) || s.Session.Refreshable()
}

// Layer is the durable rehydration layer.
type Layer struct {
	backend  Backend
	sealer   *Sealer
	store    *entity.Store
	sessions Sessions
	effects  *effect.Queue
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	scheduled bool
}

type Options struct {
	// Secret seals snapshots when set.
	Secret  string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(backend Backend, store *entity.Store, sessions Sessions, effects *effect.Queue, opts Options) (*Layer, error) {
	l := &Layer{
		backend:  backend,
		store:    store,
		sessions: sessions,
		effects:  effects,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if opts.Secret != "" {
		s, err := NewSealer(opts.Secret)
		if err != nil {
			return nil, fmt.Errorf("create sealer: %w", err)
		}
		l.sealer = s
	}
	return l, nil
}

// Restore loads the last snapshot. Only a complete session is restored, and
// with it the lists; anything partial or undecodable is purged so the next
// start cannot resurrect it. The store is filled before the session so
// observers of the session start see the restored lists.
func (l *Layer) Restore(ctx context.Context) (bool, error) {
	raw, ok, err := l.backend.GetItem(ctx, SnapshotKey)
	if err != nil {
		return false, syncerr.New(syncerr.KindPersistence, "restore snapshot", err)
	}
	if !ok {
		return false, nil
	}

	snap, err := l.decode(raw)
	if err != nil {
		l.logger.Warn("discarding unreadable snapshot", "error", err)
		l.discard(ctx)
		return false, nil
	}
	if !snap.Restorable(l.now()) {
		l.logger.Warn("discarding partial snapshot",
			"has_user", snap.Session.User != nil,
			"has_tokens", snap.Session.Tokens != nil,
			"is_authenticated", snap.Session.IsAuthenticated,
		)
		l.discard(ctx)
		return false, nil
	}

	l.store.Restore(entity.State{Lists: snap.Lists, CurrentListID: snap.CurrentListID})
	if !l.sessions.Restore(snap.Session) {
		l.store.Reset()
		l.discard(ctx)
		return false, nil
	}

	l.logger.Info("snapshot restored", "lists", len(snap.Lists), "saved_at", snap.SavedAt)
	return true, nil
}

func (l *Layer) discard(ctx context.Context) {
	if err := l.backend.Purge(ctx); err != nil {
		l.logger.Error("purge discarded snapshot", "error", err)
	}
}

func (l *Layer) decode(raw string) (Snapshot, error) {
	var snap Snapshot
	data := []byte(raw)
	if IsSealed(raw) {
		if l.sealer == nil {
			return snap, ErrSealed
		}
		plain, err := l.sealer.Open(raw)
		if err != nil {
			return snap, err
		}
		data = plain
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Watch schedules a save after every store or session change and purges the
// backend when the session is cleared.
func (l *Layer) Watch() {
	l.store.Subscribe(func(ch entity.Change) {
		if ch.Kind == entity.ChangeSocial {
			return
		}
		l.schedule()
	})
	l.sessions.Subscribe(func(ev session.Event) {
		if ev.Kind == session.Cleared {
			l.effects.Enqueue("snapshot purge", l.Purge)
			return
		}
		l.schedule()
	})
}

// schedule coalesces saves: at most one is queued at a time, and it captures
// the state current when it runs.
func (l *Layer) schedule() {
	l.mu.Lock()
	if l.scheduled {
		l.mu.Unlock()
		return
	}
	l.scheduled = true
	l.mu.Unlock()

	if !l.effects.Enqueue("snapshot save", l.runScheduled) {
		l.mu.Lock()
		l.scheduled = false
		l.mu.Unlock()
	}
}

func (l *Layer) runScheduled(ctx context.Context) error {
	l.mu.Lock()
	l.scheduled = false
	l.mu.Unlock()
	return l.Save(ctx)
}

// Save writes the current state. Without a complete session nothing is
// written. Failures are logged and counted; the in-memory state stays
// authoritative.
func (l *Layer) Save(ctx context.Context) error {
	sess := l.sessions.Current()
	if !sess.Complete() {
		return nil
	}
	st := l.store.Snapshot()
	snap := Snapshot{
		Version:       snapshotVersion,
		Session:       sess,
		Lists:         st.Lists,
		CurrentListID: st.CurrentListID,
		SavedAt:       l.now().UTC(),
	}

	err := l.write(ctx, snap)
	l.metrics.SnapshotWrite(err == nil)
	if err != nil {
		l.logger.Error("snapshot write failed", "error", err)
		return syncerr.New(syncerr.KindPersistence, "save snapshot", err)
	}
	return nil
}

func (l *Layer) write(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	value := string(data)
	if l.sealer != nil {
		if value, err = l.sealer.Seal(data); err != nil {
			return fmt.Errorf("seal snapshot: %w", err)
		}
	}
	return l.backend.SetItem(ctx, SnapshotKey, value)
}

// Purge erases the backend.
func (l *Layer) Purge(ctx context.Context) error {
	if err := l.backend.Purge(ctx); err != nil {
		l.logger.Error("snapshot purge failed", "error", err)
		return syncerr.New(syncerr.KindPersistence, "purge snapshot", err)
	}
	l.logger.Info("snapshot purged")
	return nil
}

// Load returns the decoded snapshot without applying it.
func (l *Layer) Load(ctx context.Context) (Snapshot, bool, error) {
	raw, ok, err := l.backend.GetItem(ctx, SnapshotKey)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	snap, err := l.decode(raw)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

var _ Backend = (*MemoryBackend)(nil)
