package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/guseggert/sandboxtransport/transport/wire"
)

// Mode names a transport backend.
type Mode string

const (
	// ModeStateless issues one HTTP request per call.
	ModeStateless Mode = "stateless"
	// ModeDuplex multiplexes every call over one WebSocket connection.
	ModeDuplex Mode = "duplex"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
	ErrNoBody           = errors.New("response has no body")
	ErrStreamIdle       = errors.New("stream idle timeout")
	ErrStreamClosed     = errors.New("stream closed by caller")
	// ErrUnsupported is returned by the stateless transport for real-time messaging.
	ErrUnsupported = errors.New("not supported by the stateless transport, use the duplex transport")
)

// Transport is the capability every higher-level sandbox operation is built on.
type Transport interface {
	Mode() Mode

	// Call performs a non-streaming call. Any HTTP status is returned as a Response,
	// including non-2xx ones. Errors are reserved for failures to get a response at all.
	Call(ctx context.Context, method, path string, body any) (*Response, error)

	// Stream performs a streaming call and returns the response body as it arrives.
	// A non-2xx status is returned as an error.
	Stream(ctx context.Context, method, path string, body any) (io.ReadCloser, error)

	// Connect establishes the underlying connection, if there is one. It is idempotent.
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	// SendControl writes a fire-and-forget control message.
	SendControl(ctx context.Context, msg wire.ControlMessage) error

	// OnStreamEvent subscribes fn to push events for (id, event) and returns a function that
	// removes this subscription.
	OnStreamEvent(id, event string, fn func(data string)) (unsubscribe func(), err error)
}

type Response struct {
	Status int
	Body   []byte
	// Header is only set by the stateless transport.
	Header http.Header
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return ErrNoBody
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// StatusError is returned by Stream when the remote side answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// RemoteError is an error frame received over the duplex connection.
type RemoteError struct {
	Code    string
	Message string
	Status  int
	Context map[string]any
}

func newRemoteError(e wire.Error) *RemoteError {
	return &RemoteError{Code: e.Code, Message: e.Message, Status: e.Status, Context: e.Context}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// encodeBody turns a call body into JSON. []byte and json.RawMessage are sent as-is.
func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return b, nil
}
