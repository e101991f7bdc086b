package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ControlVersion is the version of the control sub-protocol spoken by this package.
// ParseControl rejects messages with a newer version with ErrUnsupportedVersion, and receivers drop them.
const ControlVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported control message version")

const (
	TypeTerminalInput  Type = "control_input"
	TypeTerminalResize Type = "control_resize"
	TypeTerminalClose  Type = "control_close"
)

// ControlMessage is a fire-and-forget message. No response is correlated with it.
type ControlMessage interface {
	ControlType() Type
}

// Control is a decoded control message that has not been interpreted yet.
// New control kinds only need a new type on both ends; the transport forwards them untouched.
type Control struct {
	Kind Type
	Raw  json.RawMessage
}

func (c *Control) Type() Type        { return c.Kind }
func (c *Control) ControlType() Type { return c.Kind }

// Version returns the "v" field of the message, or 1 if absent.
func (c *Control) Version() int {
	var v struct {
		V int `json:"v"`
	}
	if err := json.Unmarshal(c.Raw, &v); err != nil || v.V == 0 {
		return 1
	}
	return v.V
}

// TerminalInput writes Data to the stdin of terminal TargetID.
type TerminalInput struct {
	TargetID string `json:"targetId"`
	Data     string `json:"data"`
}

func (TerminalInput) ControlType() Type { return TypeTerminalInput }

// TerminalResize reports a new window size for terminal TargetID. Terminals have no PTY, so the
// running process is unaffected; the agent exports the size as COLUMNS and LINES to terminals
// started afterwards on the same connection.
type TerminalResize struct {
	TargetID string `json:"targetId"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

func (TerminalResize) ControlType() Type { return TypeTerminalResize }

// TerminalClose kills terminal TargetID.
type TerminalClose struct {
	TargetID string `json:"targetId"`
}

func (TerminalClose) ControlType() Type { return TypeTerminalClose }

// NewControl encodes msg with its type and the current control version.
func NewControl(msg ControlMessage) (*Control, error) {
	if c, ok := msg.(*Control); ok {
		return c, nil
	}
	t := msg.ControlType()
	if !IsControlType(t) {
		return nil, fmt.Errorf("%w %q: control types must start with %q", ErrUnknownFrame, t, controlPrefix)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", t, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%s must encode to a JSON object: %w", t, err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields["type"], _ = json.Marshal(t)
	if _, ok := fields["v"]; !ok {
		fields["v"], _ = json.Marshal(ControlVersion)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", t, err)
	}
	return &Control{Kind: t, Raw: raw}, nil
}

// ParseControl interprets c as one of the built-in control messages.
// Unknown kinds are returned as c itself so that callers can decide what to do with them.
// Messages newer than ControlVersion fail with ErrUnsupportedVersion, whatever their kind.
func ParseControl(c *Control) (ControlMessage, error) {
	if v := c.Version(); v > ControlVersion {
		return nil, fmt.Errorf("%w: %s v%d, understood up to v%d", ErrUnsupportedVersion, c.Kind, v, ControlVersion)
	}
	var (
		msg ControlMessage
		err error
	)
	switch c.Kind {
	case TypeTerminalInput:
		var m TerminalInput
		err = json.Unmarshal(c.Raw, &m)
		msg = m
	case TypeTerminalResize:
		var m TerminalResize
		err = json.Unmarshal(c.Raw, &m)
		msg = m
	case TypeTerminalClose:
		var m TerminalClose
		err = json.Unmarshal(c.Raw, &m)
		msg = m
	default:
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", c.Kind, err)
	}
	return msg, nil
}
