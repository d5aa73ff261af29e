// Package effect runs post-mutation side effects, such as snapshot writes
// and journal entries, in FIFO order on a single worker so they never
// interleave with the mutation that scheduled them.
package effect

import (
	"context"
	"log/slog"
	"sync"
)

// Func is one side effect. Its error is logged and otherwise ignored.
type Func func(ctx context.Context) error

type job struct {
	name string
	fn   Func
}

// Queue is an unbounded FIFO of effects.
type Queue struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending []job
	running bool
	closed  bool
	wake    chan struct{}
	logger  *slog.Logger
	onError func(name string, err error)

	cancel context.CancelFunc
	done   chan struct{}
}

func New(logger *slog.Logger) *Queue {
	q := &Queue{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// OnError registers a hook called for every failed effect.
func (q *Queue) OnError(fn func(name string, err error)) {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
}

// Enqueue schedules fn. It returns false once the queue is stopped.
func (q *Queue) Enqueue(name string, fn Func) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("effect dropped, queue stopped", "effect", name)
		return false
	}
	q.pending = append(q.pending, job{name: name, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Start launches the worker. Effects receive ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	go func() {
		defer close(done)
		q.run(ctx)
	}()
}

func (q *Queue) run(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.idle.Broadcast()
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				q.abort()
				return
			case <-q.wake:
			}
			continue
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.running = true
		onError := q.onError
		q.mu.Unlock()

		if err := j.fn(ctx); err != nil {
			q.logger.Error("effect failed", "effect", j.name, "error", err)
			if onError != nil {
				onError(j.name, err)
			}
		}

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()

		if ctx.Err() != nil {
			q.abort()
			return
		}
	}
}

// abort drops whatever is left after the worker context ends.
func (q *Queue) abort() {
	q.mu.Lock()
	if n := len(q.pending); n > 0 {
		q.logger.Warn("effects dropped on shutdown", "count", n)
	}
	q.pending = nil
	q.closed = true
	q.idle.Broadcast()
	q.mu.Unlock()
}

// Wait blocks until every queued effect has run. The queue must have been
// started.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (len(q.pending) > 0 || q.running) && !q.stoppedLocked() {
		q.idle.Wait()
	}
}

func (q *Queue) stoppedLocked() bool {
	return q.closed && q.cancel == nil
}

// Stop refuses new effects, drains the pending ones and waits for the
// worker to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	done := q.done
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	if done != nil {
		<-done
	}

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.idle.Broadcast()
	q.mu.Unlock()
}
