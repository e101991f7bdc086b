// Package queue limits how many operations run at once, queueing the overflow in FIFO order.
//
// A Queue admits up to MaxConcurrent operations immediately. Further operations wait in a bounded
// FIFO list; once that list is full, Execute fails right away with ErrQueueFull instead of
// buffering without bound. Each waiter has its own timeout and is removed from the list when it fires.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrent = 10
	DefaultMaxQueueSize  = 100
	DefaultQueueTimeout  = 30 * time.Second
)

var (
	ErrQueueFull    = errors.New("request queue is full")
	ErrQueueTimeout = errors.New("timed out waiting in request queue")
	ErrCleared      = errors.New("request queue cleared")
)

// TimeoutError is returned to a waiter whose queue timeout fired before a slot freed up.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %s", ErrQueueTimeout, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrQueueTimeout }

type Stats struct {
	Active        int
	Waiting       int
	MaxConcurrent int
	MaxQueueSize  int
}

type Queue struct {
	maxConcurrent int
	maxQueueSize  int
	queueTimeout  time.Duration
	onQueued      func(waiting int)
	onDequeued    func(waited time.Duration)
	clock         clock.Clock

	// slots hands out active slots to waiters in the order they called Acquire
	slots *semaphore.Weighted

	// mut guards the admission decision together with the counters below
	mut     sync.Mutex
	active  int
	waiters map[*waiter]struct{}
}

type waiter struct {
	cancel context.CancelCauseFunc
	timer  clock.Timer
}

type Option func(q *Queue)

func WithMaxConcurrent(n int) Option {
	return func(q *Queue) { q.maxConcurrent = n }
}

func WithMaxQueueSize(n int) Option {
	return func(q *Queue) { q.maxQueueSize = n }
}

func WithQueueTimeout(d time.Duration) Option {
	return func(q *Queue) { q.queueTimeout = d }
}

// WithOnQueued sets a callback invoked with the number of waiters whenever an operation is queued.
func WithOnQueued(f func(waiting int)) Option {
	return func(q *Queue) { q.onQueued = f }
}

// WithOnDequeued sets a callback invoked with the wait time whenever a waiter is promoted to active.
func WithOnDequeued(f func(waited time.Duration)) Option {
	return func(q *Queue) { q.onDequeued = f }
}

func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		maxConcurrent: DefaultMaxConcurrent,
		maxQueueSize:  DefaultMaxQueueSize,
		queueTimeout:  DefaultQueueTimeout,
		clock:         clock.WallClock,
		waiters:       map[*waiter]struct{}{},
	}
	for _, o := range opts {
		o(q)
	}
	if q.maxConcurrent < 1 {
		q.maxConcurrent = 1
	}
	if q.maxQueueSize < 0 {
		q.maxQueueSize = 0
	}
	q.slots = semaphore.NewWeighted(int64(q.maxConcurrent))
	return q
}

// Execute runs op once a slot is available and returns its error.
// If the waiting list is full, it returns ErrQueueFull without running op.
// If op waits longer than the queue timeout, it returns a *TimeoutError and op never runs.
func (q *Queue) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	q.mut.Lock()
	if q.slots.TryAcquire(1) {
		q.active++
		q.mut.Unlock()
		return q.run(ctx, op)
	}
	if len(q.waiters) >= q.maxQueueSize {
		q.mut.Unlock()
		return ErrQueueFull
	}

	enqueued := q.clock.Now()
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w := &waiter{cancel: cancel}
	w.timer = q.clock.AfterFunc(q.queueTimeout, func() { cancel(ErrQueueTimeout) })
	q.waiters[w] = struct{}{}
	waiting := len(q.waiters)
	q.mut.Unlock()

	if q.onQueued != nil {
		q.onQueued(waiting)
	}

	err := q.slots.Acquire(waitCtx, 1)

	q.mut.Lock()
	w.timer.Stop()
	delete(q.waiters, w)
	if err == nil {
		q.active++
	}
	q.mut.Unlock()

	waited := q.clock.Now().Sub(enqueued)
	if err != nil {
		cause := context.Cause(waitCtx)
		switch {
		case errors.Is(cause, ErrQueueTimeout):
			return &TimeoutError{Waited: waited}
		case ctx.Err() != nil:
			return ctx.Err()
		case cause != nil:
			return cause
		}
		return err
	}

	if q.onDequeued != nil {
		q.onDequeued(waited)
	}
	return q.run(ctx, op)
}

func (q *Queue) run(ctx context.Context, op func(ctx context.Context) error) error {
	defer func() {
		q.mut.Lock()
		q.active--
		q.slots.Release(1)
		q.mut.Unlock()
	}()
	return op(ctx)
}

// HasCapacity reports whether Execute would currently accept a new operation.
func (q *Queue) HasCapacity() bool {
	q.mut.Lock()
	defer q.mut.Unlock()
	// a slot released to a waiter is not reflected in active until the waiter wakes up,
	// so ask the semaphore itself
	if q.slots.TryAcquire(1) {
		q.slots.Release(1)
		return true
	}
	return len(q.waiters) < q.maxQueueSize
}

// Clear fails every waiter with reason and empties the waiting list. Active operations are unaffected.
func (q *Queue) Clear(reason error) {
	if reason == nil {
		reason = ErrCleared
	}
	q.mut.Lock()
	defer q.mut.Unlock()
	for w := range q.waiters {
		w.timer.Stop()
		w.cancel(reason)
		delete(q.waiters, w)
	}
}

func (q *Queue) Stats() Stats {
	q.mut.Lock()
	defer q.mut.Unlock()
	return Stats{
		Active:        q.active,
		Waiting:       len(q.waiters),
		MaxConcurrent: q.maxConcurrent,
		MaxQueueSize:  q.maxQueueSize,
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, q *Queue, op func(ctx context.Context) (T, error)) (T, error) {
	var v T
	err := q.Execute(ctx, func(ctx context.Context) error {
		var err error
		v, err = op(ctx)
		return err
	})
	return v, err
}
