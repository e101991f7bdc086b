package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

const (
	DefaultRetryBudget       = 120 * time.Second
	DefaultRetryMinRemaining = 15 * time.Second

	retryBaseDelay = 3 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// RetryTransport retries non-streaming calls that fail while the sandbox is still starting.
// A 503 means the sandbox is not up yet, and a 500 means its port is open but the API behind it
// has not finished initializing.
//
// Streams are passed through untouched, since retrying a partially consumed stream would
// deliver the same data twice.
type RetryTransport struct {
	Transport

	log          *zap.SugaredLogger
	clock        clock.Clock
	budget       time.Duration
	minRemaining time.Duration
}

type RetryOption func(r *RetryTransport)

func WithRetryClock(c clock.Clock) RetryOption {
	return func(r *RetryTransport) { r.clock = c }
}

func WithRetryLogger(l *zap.SugaredLogger) RetryOption {
	return func(r *RetryTransport) { r.log = l.Named("retry") }
}

// WithRetryBudget sets the total time a call may spend retrying, and the remaining time below
// which no further attempt is made.
func WithRetryBudget(budget, minRemaining time.Duration) RetryOption {
	return func(r *RetryTransport) {
		r.budget = budget
		r.minRemaining = minRemaining
	}
}

func WithRetry(t Transport, opts ...RetryOption) *RetryTransport {
	r := &RetryTransport{
		Transport:    t,
		log:          zap.NewNop().Sugar(),
		clock:        clock.WallClock,
		budget:       DefaultRetryBudget,
		minRemaining: DefaultRetryMinRemaining,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func retryableStatus(status int) bool {
	return status == http.StatusInternalServerError || status == http.StatusServiceUnavailable
}

func retryable(resp *Response, err error) bool {
	if err != nil {
		var remoteErr *RemoteError
		return errors.As(err, &remoteErr) && retryableStatus(remoteErr.Status)
	}
	return retryableStatus(resp.Status)
}

func retryDelay(attempt int) time.Duration {
	if attempt >= 4 {
		return retryMaxDelay
	}
	return min(retryBaseDelay<<attempt, retryMaxDelay)
}

// Call retries on 500 and 503 until the budget runs out, then returns the last response
// (or remote error) as it is so that the caller sees the real status.
func (r *RetryTransport) Call(ctx context.Context, method, path string, body any) (*Response, error) {
	start := r.clock.Now()
	for attempt := 0; ; attempt++ {
		resp, err := r.Transport.Call(ctx, method, path, body)
		if !retryable(resp, err) {
			return resp, err
		}

		elapsed := r.clock.Now().Sub(start)
		remaining := r.budget - elapsed
		if remaining <= r.minRemaining {
			r.log.Warnw("sandbox still unavailable, giving up",
				"Method", method, "Path", path, "Attempts", attempt+1, "Elapsed", elapsed)
			return resp, err
		}

		delay := retryDelay(attempt)
		r.log.Debugw("sandbox not ready, retrying",
			"Method", method, "Path", path, "Attempt", attempt+1, "Delay", delay, "Remaining", remaining)
		select {
		case <-r.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
