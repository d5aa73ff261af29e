package mutation

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle position of one mutation.
type State int

const (
	Initiated State = iota
	LocalApplied
	AwaitingServer
	Confirmed
	RolledBack
	// Abandoned mutations keep their optimistic state; a later refresh
	// reconciles it.
	Abandoned
)

var stateNames = map[State]string{
	Initiated:      "initiated",
	LocalApplied:   "local_applied",
	AwaitingServer: "awaiting_server",
	Confirmed:      "confirmed",
	RolledBack:     "rolled_back",
	Abandoned:      "abandoned",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Settled reports whether s is terminal.
func (s State) Settled() bool {
	return s == Confirmed || s == RolledBack || s == Abandoned
}

// Pending is the caller's handle on a submitted mutation.
type Pending struct {
	id      uint64
	kind    Kind
	keys    []string
	started time.Time

	mu        sync.Mutex
	state     State
	err       error
	entityID  string
	abandoned bool
	cancel    context.CancelFunc
	done      chan struct{}

	// guarded by the pipeline mutex
	deferred []func()
}

func newPending(id uint64, kind Kind, keys []string, entityID string, now time.Time) *Pending {
	return &Pending{
		id:       id,
		kind:     kind,
		keys:     keys,
		started:  now,
		entityID: entityID,
		done:     make(chan struct{}),
	}
}

func (p *Pending) Kind() Kind { return p.kind }

func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the failure of a rolled back mutation.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// EntityID is the id of the entity the mutation targets. For creates it
// starts as the temporary id and becomes the server id on confirmation.
func (p *Pending) EntityID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entityID
}

// Done is closed once the mutation settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the mutation settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon stops waiting for the server. The optimistic change stays in the
// store and is not rolled back.
func (p *Pending) Abandon() {
	p.mu.Lock()
	if p.state.Settled() {
		p.mu.Unlock()
		return
	}
	p.abandoned = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (p *Pending) isAbandoned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abandoned
}

func (p *Pending) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pending) setCancel(cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned {
		return false
	}
	p.cancel = cancel
	return true
}

func (p *Pending) setEntityID(id string) {
	p.mu.Lock()
	p.entityID = id
	p.mu.Unlock()
}
