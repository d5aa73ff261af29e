// Package realtime folds server-pushed events into the entity store.
//
// Every event passes a normalization boundary before it touches the store:
// only fields present in the payload are applied, and an event is applied
// only when its clock is strictly newer than the local entity's. Events that
// target an entity with an unsettled optimistic mutation are held back and
// replayed, in arrival order, once that mutation settles.
package realtime

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dukerupert/listsync/internal/category"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/metrics"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/mutation"
	"github.com/dukerupert/listsync/internal/websocket"
)

type Outcome string

const (
	Applied   Outcome = "applied"
	Stale     Outcome = "stale"
	Deferred  Outcome = "deferred"
	Invalid   Outcome = "invalid"
	Duplicate Outcome = "duplicate"
	Ignored   Outcome = "ignored"
	// Missing means the target list is not held locally and a refresh was
	// requested.
	Missing Outcome = "missing"
)

const defaultCacheSize = 1024

// eventNamespace scopes the content hashes used to recognize duplicates.
var eventNamespace = uuid.MustParse("6f1c2d0e-8a4b-4f5e-9c3d-2b7a1e0f4c59")

// Deferrer is the part of the mutation pipeline the merger coordinates with.
type Deferrer interface {
	Guard(keys []string, apply, replay func()) bool
	Locked(fn func(pending func(key string) bool))
}

// Source delivers transport events by type.
type Source interface {
	On(eventType string, fn func(websocket.Event))
}

type Options struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// SelfID returns the signed-in user; typing events from it are ignored.
	SelfID    func() string
	CacheSize int
}

type Merger struct {
	store   *entity.Store
	pending Deferrer
	metrics *metrics.Metrics
	logger  *slog.Logger
	selfID  func() string

	seen       *lru.Cache[uuid.UUID, struct{}]
	tombstones *lru.Cache[string, time.Time]

	mu        sync.RWMutex
	onUnknown []func(listID string)
}

func New(store *entity.Store, pending Deferrer, opts Options) (*Merger, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	seen, err := lru.New[uuid.UUID, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	tombstones, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("create tombstone cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	selfID := opts.SelfID
	if selfID == nil {
		selfID = func() string { return "" }
	}
	return &Merger{
		store:      store,
		pending:    pending,
		metrics:    opts.Metrics,
		logger:     logger,
		selfID:     selfID,
		seen:       seen,
		tombstones: tombstones,
	}, nil
}

// OnUnknownList registers fn to be called when an event refers to a list the
// store does not hold. fn runs outside every lock.
func (m *Merger) OnUnknownList(fn func(listID string)) {
	m.mu.Lock()
	m.onUnknown = append(m.onUnknown, fn)
	m.mu.Unlock()
}

// Attach subscribes the merger to every server event type it understands.
func (m *Merger) Attach(src Source) {
	for _, t := range []string{
		websocket.EventListUpdate,
		websocket.EventItemUpdate,
		websocket.EventFriendRequest,
		websocket.EventNotification,
		websocket.EventTyping,
		websocket.EventOnlineStatus,
		websocket.EventFriendStatus,
	} {
		src.On(t, func(ev websocket.Event) { m.Handle(ev) })
	}
}

// Handle merges one event and reports what happened to it.
func (m *Merger) Handle(ev websocket.Event) Outcome {
	if m.duplicate(ev) {
		return m.record(ev.Type, Duplicate, nil)
	}

	var out Outcome
	var err error
	switch ev.Type {
	case websocket.EventItemUpdate:
		var p itemPatch
		if p, err = parseItem(ev); err == nil {
			out = m.mergeItem(p)
		}
	case websocket.EventListUpdate:
		var p listPatch
		if p, err = parseList(ev); err == nil {
			out = m.mergeList(p)
		}
	case websocket.EventTyping:
		out, err = m.typing(ev)
	case websocket.EventOnlineStatus:
		out, err = m.onlineStatus(ev)
	case websocket.EventFriendStatus:
		out, err = m.friendStatus(ev)
	case websocket.EventNotification:
		out, err = m.notification(ev)
	case websocket.EventFriendRequest:
		out, err = m.friendRequest(ev)
	default:
		out = Ignored
	}
	if err != nil {
		return m.record(ev.Type, Invalid, err, "list_id", ev.ListID)
	}
	return m.record(ev.Type, out, nil, "list_id", ev.ListID)
}

// duplicate reports whether an identical entity or inbox event was already
// handled. Presence and typing events repeat legitimately and are not
// tracked.
func (m *Merger) duplicate(ev websocket.Event) bool {
	switch ev.Type {
	case websocket.EventItemUpdate, websocket.EventListUpdate,
		websocket.EventNotification, websocket.EventFriendRequest:
	default:
		return false
	}
	key := uuid.NewSHA1(eventNamespace, []byte(strings.Join([]string{
		ev.Type, ev.ListID, ev.Timestamp, string(ev.Data),
	}, "\x00")))
	seen, _ := m.seen.ContainsOrAdd(key, struct{}{})
	return seen
}

func (m *Merger) record(eventType string, out Outcome, err error, attrs ...any) Outcome {
	m.metrics.EventMerged(eventType, string(out))
	attrs = append(attrs, "type", eventType, "outcome", out)
	switch out {
	case Invalid:
		m.logger.Warn("realtime event rejected", append(attrs, "error", err)...)
	case Applied, Deferred:
		m.logger.Debug("realtime event", attrs...)
	default:
		m.logger.Debug("realtime event dropped", attrs...)
	}
	return out
}

func (m *Merger) requestRefresh(listID string) {
	m.mu.RLock()
	hooks := append([]func(string){}, m.onUnknown...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(listID)
	}
}

// guarded runs apply through the pipeline guard. When the keys are pending,
// replay is queued and Deferred returned; the replayed outcome is recorded
// when it runs.
func (m *Merger) guarded(eventType, listID string, keys []string, apply func() Outcome, replay func() Outcome) Outcome {
	var out Outcome
	ran := m.pending.Guard(keys, func() { out = apply() }, func() {
		m.record(eventType, replay(), nil, "list_id", listID, "replayed", true)
	})
	if !ran {
		return Deferred
	}
	if out == Missing {
		m.requestRefresh(listID)
	}
	return out
}

// --- Items ---

func (m *Merger) mergeItem(p itemPatch) Outcome {
	keys := []string{mutation.ItemKey(p.ListID, p.ID)}
	return m.guarded(websocket.EventItemUpdate, p.ListID, keys,
		func() Outcome { return m.applyItem(p) },
		func() Outcome { return m.mergeItem(p) },
	)
}

func isRemoval(action string) bool {
	return action == "deleted" || action == "removed"
}

func (m *Merger) applyItem(p itemPatch) Outcome {
	key := mutation.ItemKey(p.ListID, p.ID)
	cur, exists := m.store.Item(p.ListID, p.ID)

	if isRemoval(p.Action) {
		if exists && !p.Clock.After(cur.UpdatedAt) {
			return Stale
		}
		if prev, ok := m.tombstones.Peek(key); !ok || p.Clock.After(prev) {
			m.tombstones.Add(key, p.Clock)
		}
		if !exists {
			return Ignored
		}
		m.store.RemoveItem(p.ListID, p.ID)
		return Applied
	}

	if dead, ok := m.tombstones.Peek(key); ok && !p.Clock.After(dead) {
		return Stale
	}
	if exists {
		if !p.Clock.After(cur.UpdatedAt) {
			return Stale
		}
		m.store.UpdateItem(p.ListID, p.ID, func(it *model.ShoppingItem) bool {
			p.merge(it)
			if p.CategoryID != nil {
				it.Category = itemCategory(*p.CategoryID, it.Name)
			}
			return true
		})
		return Applied
	}

	if _, ok := m.store.List(p.ListID); !ok || p.Name == nil {
		return Missing
	}
	it := model.ShoppingItem{
		ID:        p.ID,
		ListID:    p.ListID,
		Quantity:  1,
		Unit:      "piece",
		CreatedAt: p.Clock,
	}
	p.merge(&it)
	categoryID := ""
	if p.CategoryID != nil {
		categoryID = *p.CategoryID
	}
	it.Category = itemCategory(categoryID, it.Name)
	m.store.UpsertItem(p.ListID, it)
	return Applied
}

func itemCategory(id, name string) *model.Category {
	var c model.Category
	if id != "" {
		c = category.Lookup(id)
	} else {
		c = category.Guess(name)
	}
	return &c
}

// --- Lists ---

func (m *Merger) mergeList(p listPatch) Outcome {
	keys := []string{mutation.ListKey(p.ID)}
	if p.collabsSet {
		keys = append(keys, mutation.CollaboratorsKey(p.ID))
	}
	return m.guarded(websocket.EventListUpdate, p.ID, keys,
		func() Outcome { return m.applyList(p) },
		func() Outcome { return m.mergeList(p) },
	)
}

func (m *Merger) applyList(p listPatch) Outcome {
	cur, exists := m.store.List(p.ID)
	if p.removal() {
		if exists && !p.Clock.After(cur.UpdatedAt) {
			return Stale
		}
		if !exists {
			return Ignored
		}
		m.store.RemoveList(p.ID)
		return Applied
	}

	if !exists {
		if p.Name == nil {
			return Missing
		}
		l := model.ShoppingList{
			ID:        p.ID,
			Status:    model.ListActive,
			CreatedAt: p.Clock,
		}
		p.merge(&l)
		m.store.UpsertList(l)
		return Applied
	}

	if !p.Clock.After(cur.UpdatedAt) {
		return Stale
	}
	m.store.UpdateList(p.ID, func(l *model.ShoppingList) bool {
		p.merge(l)
		if l.Budget != nil {
			l.Budget.Spent = l.Stats.TotalSpent
		}
		return true
	})
	return Applied
}
