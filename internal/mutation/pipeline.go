// Package mutation applies user actions optimistically to the entity store,
// confirms them with the server and rolls them back on failure.
package mutation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/listsync/internal/api"
	"github.com/dukerupert/listsync/internal/entity"
	"github.com/dukerupert/listsync/internal/syncerr"
)

const tempPrefix = "tmp-"

var ErrNotAuthenticated = errors.New("not authenticated")

// Kind names a mutation type. The values double as metric and journal labels.
type Kind string

const (
	KindCreateList         Kind = "create_list"
	KindUpdateList         Kind = "update_list"
	KindArchiveList        Kind = "archive_list"
	KindAddItem            Kind = "add_item"
	KindUpdateItem         Kind = "update_item"
	KindAssignItem         Kind = "assign_item"
	KindRemoveItem         Kind = "remove_item"
	KindAddCollaborator    Kind = "add_collaborator"
	KindRemoveCollaborator Kind = "remove_collaborator"
)

// Remote is the part of the REST client the pipeline calls.
type Remote interface {
	CreateList(ctx context.Context, in api.ListInput) api.Response[api.ListDTO]
	UpdateList(ctx context.Context, listID string, in api.ListUpdate) api.Response[api.ListDTO]
	AddItem(ctx context.Context, listID string, in api.ItemInput) api.Response[api.ItemDTO]
	UpdateItem(ctx context.Context, listID, itemID string, in api.ItemUpdate) api.Response[api.ItemDTO]
	DeleteItem(ctx context.Context, listID, itemID string) api.Response[api.MessageDTO]
	AddCollaborator(ctx context.Context, listID string, in api.CollaboratorInput) api.Response[api.CollaboratorDTO]
	RemoveCollaborator(ctx context.Context, listID, userID string) api.Response[api.MessageDTO]
}

// Authorizer reports who is acting.
type Authorizer interface {
	Authenticated() bool
	UserID() string
}

// Settlement describes a mutation that reached a terminal state.
type Settlement struct {
	ID       uint64
	Kind     Kind
	Keys     []string
	EntityID string
	State    State
	Err      error
	Elapsed  time.Duration
}

// Pipeline runs every mutation through the same state machine. Mutations
// sharing an entity key run one after another; disjoint ones run in
// parallel.
type Pipeline struct {
	store  *entity.Store
	remote Remote
	auth   Authorizer
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  uint64
	tails   map[string]*Pending
	aliases map[string]string
	settled []func(Settlement)
	onAuth  []func(error)
}

func New(store *entity.Store, remote Remote, auth Authorizer, logger *slog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:   store,
		remote:  remote,
		auth:    auth,
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		tails:   make(map[string]*Pending),
		aliases: make(map[string]string),
	}
}

// OnSettle registers fn to run after every mutation settles.
func (p *Pipeline) OnSettle(fn func(Settlement)) {
	p.mu.Lock()
	p.settled = append(p.settled, fn)
	p.mu.Unlock()
}

// OnAuthFailure registers fn to run when the server rejects the session
// while a mutation is in flight. The mutation is rolled back first.
func (p *Pipeline) OnAuthFailure(fn func(error)) {
	p.mu.Lock()
	p.onAuth = append(p.onAuth, fn)
	p.mu.Unlock()
}

// Close cancels every in-flight network call. Cancelled mutations settle as
// rolled back.
func (p *Pipeline) Close() { p.cancel() }

// Drain waits until every submitted mutation has settled or ctx is done.
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		var next *Pending
		for _, pend := range p.tails {
			next = pend
			break
		}
		p.mu.Unlock()
		if next == nil {
			return nil
		}
		select {
		case <-next.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset forgets temporary id aliases. Called when the session ends.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.aliases = make(map[string]string)
	p.mu.Unlock()
}

// IsTemporary reports whether id was generated locally for an unconfirmed
// entity.
func IsTemporary(id string) bool { return strings.HasPrefix(id, tempPrefix) }

func newTempID() string { return tempPrefix + uuid.NewString() }

// Resolve maps a temporary id to its server id once the create that
// produced it has been confirmed.
func (p *Pipeline) Resolve(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveLocked(id)
}

func (p *Pipeline) resolveLocked(id string) string {
	if real, ok := p.aliases[id]; ok {
		return real
	}
	return id
}

// alias records tmp -> real and re-keys unsettled mutations that still
// reference tmp, so later submissions using the server id queue behind them.
func (p *Pipeline) alias(tmp, real string) {
	if tmp == "" || real == "" || tmp == real {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aliases[tmp] = real
	for k, pend := range p.tails {
		if !strings.Contains(k, tmp) {
			continue
		}
		rk := strings.ReplaceAll(k, tmp, real)
		if cur, ok := p.tails[rk]; ok && cur.id > pend.id {
			continue
		}
		p.tails[rk] = pend
		pend.keys = append(pend.keys, rk)
	}
}

// Pending reports whether any of keys has an unsettled mutation.
func (p *Pipeline) Pending(keys ...string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		if _, ok := p.tails[k]; ok {
			return true
		}
	}
	return false
}

// Guard runs apply when none of keys has an unsettled mutation, or defers
// replay until the newest one settles. Deferred replays run in registration
// order. apply runs under the pipeline lock,
// so no mutation on keys can start while it runs; it must not call back
// into the pipeline. Guard reports whether apply ran.
func (p *Pipeline) Guard(keys []string, apply, replay func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deferLocked(keys, replay) {
		return false
	}
	apply()
	return true
}

// Locked runs fn under the pipeline lock with a predicate reporting whether
// a key has an unsettled mutation. fn must not call back into the pipeline.
func (p *Pipeline) Locked(fn func(pending func(key string) bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(func(k string) bool {
		_, ok := p.tails[k]
		return ok
	})
}

func (p *Pipeline) deferLocked(keys []string, fn func()) bool {
	var target *Pending
	for _, k := range keys {
		if t, ok := p.tails[k]; ok && (target == nil || t.id > target.id) {
			target = t
		}
	}
	if target == nil {
		return false
	}
	target.deferred = append(target.deferred, fn)
	return true
}

func (p *Pipeline) submit(s step) (*Pending, error) {
	if !p.auth.Authenticated() {
		return nil, syncerr.New(syncerr.KindAuth, string(s.kind()), ErrNotAuthenticated)
	}

	p.mu.Lock()
	s.resolve(p.resolveLocked)
	if err := s.validate(p.view()); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	p.nextID++
	keys := s.keys()
	pend := newPending(p.nextID, s.kind(), keys, s.entityID(), p.now())
	var preds []*Pending
	seen := make(map[*Pending]bool)
	for _, k := range keys {
		if t, ok := p.tails[k]; ok && !seen[t] {
			seen[t] = true
			preds = append(preds, t)
		}
		p.tails[k] = pend
	}

	if len(preds) == 0 {
		p.applyLocked(pend, s)
		p.mu.Unlock()
		p.launch(pend, s)
		return pend, nil
	}
	p.mu.Unlock()

	p.logger.Debug("mutation queued", "kind", s.kind(), "keys", keys, "behind", len(preds))
	go func() {
		for _, pr := range preds {
			<-pr.done
		}
		p.startQueued(pend, s)
	}()
	return pend, nil
}

func (p *Pipeline) view() view {
	return view{store: p.store, userID: p.auth.UserID()}
}

// startQueued runs a mutation whose predecessors have settled. It is
// validated again against the state they left behind.
func (p *Pipeline) startQueued(pend *Pending, s step) {
	if pend.isAbandoned() {
		p.settle(pend, Abandoned, nil)
		return
	}
	p.mu.Lock()
	s.resolve(p.resolveLocked)
	if err := s.validate(p.view()); err != nil {
		p.mu.Unlock()
		p.settle(pend, RolledBack, err)
		return
	}
	p.applyLocked(pend, s)
	p.mu.Unlock()
	p.launch(pend, s)
}

// applyLocked captures the pre-image and applies the optimistic change.
// Holding p.mu keeps Guard callers from interleaving with it.
func (p *Pipeline) applyLocked(pend *Pending, s step) {
	s.capture(p.store)
	s.apply(p.store)
	pend.setState(LocalApplied)
}

func (p *Pipeline) launch(pend *Pending, s step) {
	ctx, cancel := context.WithCancel(p.ctx)
	if !pend.setCancel(cancel) {
		cancel()
		p.settle(pend, Abandoned, nil)
		return
	}
	pend.setState(AwaitingServer)
	go p.await(ctx, cancel, pend, s)
}

func (p *Pipeline) await(ctx context.Context, cancel context.CancelFunc, pend *Pending, s step) {
	defer cancel()
	err := s.send(ctx, p.remote)

	if pend.isAbandoned() {
		p.logger.Debug("mutation abandoned", "kind", pend.kind, "entity", pend.EntityID())
		p.settle(pend, Abandoned, nil)
		return
	}

	if err == nil {
		s.confirm(p.store, p.alias)
		pend.setEntityID(s.entityID())
		p.settle(pend, Confirmed, nil)
		return
	}

	s.rollback(p.store)
	p.logger.Warn("mutation rolled back", "kind", pend.kind, "entity", pend.EntityID(), "error", err)
	p.settle(pend, RolledBack, err)

	if syncerr.IsAuth(err) {
		p.mu.Lock()
		hooks := append([]func(error){}, p.onAuth...)
		p.mu.Unlock()
		for _, fn := range hooks {
			fn(err)
		}
	}
}

func (p *Pipeline) settle(pend *Pending, state State, err error) {
	pend.mu.Lock()
	pend.state = state
	pend.err = err
	pend.mu.Unlock()

	p.mu.Lock()
	for _, k := range pend.keys {
		if p.tails[k] == pend {
			delete(p.tails, k)
		}
	}
	keys := append([]string{}, pend.keys...)
	deferred := pend.deferred
	pend.deferred = nil
	hooks := append([]func(Settlement){}, p.settled...)
	p.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
	st := Settlement{
		ID:       pend.id,
		Kind:     pend.kind,
		Keys:     keys,
		EntityID: pend.EntityID(),
		State:    state,
		Err:      err,
		Elapsed:  p.now().Sub(pend.started),
	}
	for _, fn := range hooks {
		fn(st)
	}
	close(pend.done)
}
