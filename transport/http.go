package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guseggert/sandboxtransport/transport/wire"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed stream's body ends up in the error.
const maxErrorBody = 64 << 10

// HTTPTransport issues one HTTP request per call.
type HTTPTransport struct {
	cfg    Config
	log    *zap.SugaredLogger
	client *http.Client
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewHTTPTransport(cfg Config) *HTTPTransport {
	cfg = cfg.withDefaults()
	t := &HTTPTransport{
		cfg: cfg,
		log: cfg.Logger.Named("http_transport"),
	}

	switch {
	case cfg.Stub != nil:
		t.client = cfg.Stub
	case cfg.HTTPClient != nil:
		t.client = cfg.HTTPClient
	default:
		// Only failures to get any response are retried here, e.g. a refused dial while the
		// sandbox is booting. Statuses are passed through untouched, see RetryTransport.
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
			return 100 * time.Millisecond
		}
		retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return err != nil, nil
		}
		retryClient.Logger = &logAdapter{SugaredLogger: t.log}
		t.client = retryClient.StandardClient()
	}
	return t
}

func (t *HTTPTransport) Mode() Mode { return ModeStateless }

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	b, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	var r io.Reader
	if b != nil {
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.cfg.httpURL(path), r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if b != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (t *HTTPTransport) Call(ctx context.Context, method, path string, body any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	t.log.Debugw("sending request", "Method", method, "URL", req.URL.String())
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body of %s %s: %w", method, path, err)
	}
	return &Response{Status: resp.StatusCode, Body: b, Header: resp.Header}, nil
}

// Stream returns the raw response body. There are no error frames over plain HTTP,
// so a non-2xx status fails the call with a *StatusError.
func (t *HTTPTransport) Stream(ctx context.Context, method, path string, body any) (io.ReadCloser, error) {
	req, err := t.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	t.log.Debugw("sending streaming request", "Method", method, "URL", req.URL.String())
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%s %s: %w", method, path, &StatusError{Status: resp.StatusCode, Body: b})
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNoBody)
	}
	return resp.Body, nil
}

func (t *HTTPTransport) Connect(ctx context.Context) error { return nil }

func (t *HTTPTransport) Disconnect() error { return nil }

func (t *HTTPTransport) Connected() bool { return true }

func (t *HTTPTransport) SendControl(ctx context.Context, msg wire.ControlMessage) error {
	return fmt.Errorf("sending %s: %w", msg.ControlType(), ErrUnsupported)
}

func (t *HTTPTransport) OnStreamEvent(id, event string, fn func(data string)) (func(), error) {
	return nil, fmt.Errorf("subscribing to %s events of %s: %w", event, id, ErrUnsupported)
}
