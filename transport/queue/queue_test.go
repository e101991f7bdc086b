package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// blocker is an operation that runs until released.
type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) op(ctx context.Context) error {
	close(b.started)
	<-b.release
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func TestAdmission(t *testing.T) {
	ctx := context.Background()
	q := New(WithMaxConcurrent(2), WithMaxQueueSize(1))

	a, b, c := newBlocker(), newBlocker(), newBlocker()
	errs := make(chan error, 3)
	go func() { errs <- q.Execute(ctx, a.op) }()
	go func() { errs <- q.Execute(ctx, b.op) }()
	<-a.started
	<-b.started

	go func() { errs <- q.Execute(ctx, c.op) }()
	waitFor(t, func() bool { return q.Stats().Waiting == 1 })

	// the fourth operation is rejected synchronously
	ran := false
	err := q.Execute(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, ran)
	assert.False(t, q.HasCapacity())

	assert.Equal(t, Stats{Active: 2, Waiting: 1, MaxConcurrent: 2, MaxQueueSize: 1}, q.Stats())

	close(a.release)
	<-c.started
	close(b.release)
	close(c.release)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.True(t, q.HasCapacity())
	assert.Equal(t, Stats{MaxConcurrent: 2, MaxQueueSize: 1}, q.Stats())
}

func TestFIFO(t *testing.T) {
	ctx := context.Background()
	q := New(WithMaxConcurrent(1))

	first := newBlocker()
	done := make(chan error, 4)
	go func() { done <- q.Execute(ctx, first.op) }()
	<-first.started

	var (
		mut   sync.Mutex
		order []string
	)
	for i, name := range []string{"A", "B", "C"} {
		name := name
		go func() {
			done <- q.Execute(ctx, func(context.Context) error {
				mut.Lock()
				order = append(order, name)
				mut.Unlock()
				return nil
			})
		}()
		// wait until this one is queued so that the submission order is deterministic
		waitFor(t, func() bool { return q.Stats().Waiting == i+1 })
	}

	close(first.release)
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestQueueTimeout(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Now())
	var dequeued []time.Duration
	q := New(
		WithMaxConcurrent(1),
		WithQueueTimeout(30*time.Second),
		WithClock(clk),
		WithOnDequeued(func(d time.Duration) { dequeued = append(dequeued, d) }),
	)

	active := newBlocker()
	activeErr := make(chan error, 1)
	go func() { activeErr <- q.Execute(ctx, active.op) }()
	<-active.started

	var ran atomic.Bool
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- q.Execute(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	require.NoError(t, clk.WaitAdvance(30*time.Second, 5*time.Second, 1))

	err := <-waitErr
	require.ErrorIs(t, err, ErrQueueTimeout)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 30*time.Second, timeoutErr.Waited)
	assert.Equal(t, 0, q.Stats().Waiting)

	close(active.release)
	require.NoError(t, <-activeErr)
	assert.False(t, ran.Load())
	assert.Empty(t, dequeued)
}

func TestObservers(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Now())
	var (
		queued   []int
		dequeued []time.Duration
	)
	q := New(
		WithMaxConcurrent(1),
		WithClock(clk),
		WithOnQueued(func(n int) { queued = append(queued, n) }),
		WithOnDequeued(func(d time.Duration) { dequeued = append(dequeued, d) }),
	)

	active := newBlocker()
	go q.Execute(ctx, active.op)
	<-active.started

	errCh := make(chan error, 1)
	go func() { errCh <- q.Execute(ctx, func(context.Context) error { return nil }) }()
	waitFor(t, func() bool { return q.Stats().Waiting == 1 })

	clk.Advance(2 * time.Second)
	close(active.release)
	require.NoError(t, <-errCh)

	assert.Equal(t, []int{1}, queued)
	assert.Equal(t, []time.Duration{2 * time.Second}, dequeued)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q := New(WithMaxConcurrent(1))

	active := newBlocker()
	activeErr := make(chan error, 1)
	go func() { activeErr <- q.Execute(ctx, active.op) }()
	<-active.started

	shutdown := errors.New("shutting down")
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- q.Execute(ctx, func(context.Context) error { return nil }) }()
	}
	waitFor(t, func() bool { return q.Stats().Waiting == 2 })

	q.Clear(shutdown)
	assert.ErrorIs(t, <-errs, shutdown)
	assert.ErrorIs(t, <-errs, shutdown)
	assert.Equal(t, 0, q.Stats().Waiting)

	close(active.release)
	require.NoError(t, <-activeErr)
}

func TestCallerCancellation(t *testing.T) {
	q := New(WithMaxConcurrent(1))
	active := newBlocker()
	go q.Execute(context.Background(), active.op)
	<-active.started
	defer close(active.release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Execute(ctx, func(context.Context) error { return nil }) }()
	waitFor(t, func() bool { return q.Stats().Waiting == 1 })

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, q.Stats().Waiting)
}

func TestOperationErrorPropagates(t *testing.T) {
	q := New()
	boom := errors.New("boom")
	v, err := Do(context.Background(), q, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, v)

	v, err = Do(context.Background(), q, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 0, q.Stats().Active)
}

func TestBurstNeverExceedsMaxConcurrent(t *testing.T) {
	q := New()

	var active, peak atomic.Int64
	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 15; i++ {
		group.Go(func() error {
			return q.Execute(ctx, func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		})
	}
	require.NoError(t, group.Wait())
	assert.LessOrEqual(t, peak.Load(), int64(DefaultMaxConcurrent))
	assert.Equal(t, Stats{MaxConcurrent: DefaultMaxConcurrent, MaxQueueSize: DefaultMaxQueueSize}, q.Stats())
}
