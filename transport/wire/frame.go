package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type is the discriminant carried in the "type" field of every frame.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeStream   Type = "stream"
	TypeError    Type = "error"

	// controlPrefix marks the open-ended set of fire-and-forget control messages.
	controlPrefix = "control_"
)

var (
	ErrMissingType  = errors.New("frame has no type")
	ErrUnknownFrame = errors.New("unknown frame type")
)

// Frame is one of Request, Response, StreamChunk, Error or Control.
type Frame interface {
	Type() Type
}

// Request opens a logical exchange.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (Request) Type() Type { return TypeRequest }

func (r Request) MarshalJSON() ([]byte, error) {
	type request Request
	return json.Marshal(struct {
		Type Type `json:"type"`
		request
	}{TypeRequest, request(r)})
}

// Response is a status for an exchange. Done=false marks a non-terminal response.
type Response struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Done   bool            `json:"done"`
}

func (Response) Type() Type { return TypeResponse }

func (r Response) MarshalJSON() ([]byte, error) {
	type response Response
	return json.Marshal(struct {
		Type Type `json:"type"`
		response
	}{TypeResponse, response(r)})
}

// StreamChunk carries data for a streaming exchange, or a push event when ID names
// something other than a request (a terminal session, for example).
type StreamChunk struct {
	ID    string `json:"id"`
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
}

func (StreamChunk) Type() Type { return TypeStream }

func (c StreamChunk) MarshalJSON() ([]byte, error) {
	type chunk StreamChunk
	return json.Marshal(struct {
		Type Type `json:"type"`
		chunk
	}{TypeStream, chunk(c)})
}

// Error fails the exchange named by ID, or the whole connection when ID is empty.
type Error struct {
	ID      string         `json:"id,omitempty"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"status"`
	Context map[string]any `json:"context,omitempty"`
}

func (Error) Type() Type { return TypeError }

func (e Error) MarshalJSON() ([]byte, error) {
	type errFrame Error
	return json.Marshal(struct {
		Type Type `json:"type"`
		errFrame
	}{TypeError, errFrame(e)})
}

func (e Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d) for %s: %s", e.Code, e.Status, e.ID, e.Message)
}

// Marshal encodes a frame with its discriminant.
func Marshal(f Frame) ([]byte, error) {
	if c, ok := f.(*Control); ok {
		return c.Raw, nil
	}
	return json.Marshal(f)
}

// Decode classifies a raw frame by its discriminant and decodes it into the matching type.
// Request, Response, StreamChunk and Error are returned by value, control messages as *Control.
func Decode(b []byte) (Frame, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("decoding frame type: %w", err)
	}

	var (
		f   Frame
		err error
	)
	switch {
	case head.Type == "":
		return nil, ErrMissingType
	case head.Type == TypeRequest:
		var r Request
		err = json.Unmarshal(b, &r)
		f = r
	case head.Type == TypeResponse:
		var r Response
		err = json.Unmarshal(b, &r)
		f = r
	case head.Type == TypeStream:
		var c StreamChunk
		err = json.Unmarshal(b, &c)
		f = c
	case head.Type == TypeError:
		var e Error
		err = json.Unmarshal(b, &e)
		f = e
	case IsControlType(head.Type):
		raw := make(json.RawMessage, len(b))
		copy(raw, b)
		return &Control{Kind: head.Type, Raw: raw}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFrame, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", head.Type, err)
	}
	return f, nil
}

// IsControlType reports whether t belongs to the control sub-protocol.
func IsControlType(t Type) bool {
	return strings.HasPrefix(string(t), controlPrefix)
}

func IsRequest(f Frame) bool     { return f != nil && f.Type() == TypeRequest }
func IsResponse(f Frame) bool    { return f != nil && f.Type() == TypeResponse }
func IsStreamChunk(f Frame) bool { return f != nil && f.Type() == TypeStream }
func IsError(f Frame) bool       { return f != nil && f.Type() == TypeError }
func IsControl(f Frame) bool     { return f != nil && IsControlType(f.Type()) }
