package transport

import (
	"fmt"
	"strings"
)

// ParseMode accepts the mode names along with the protocol they run on.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeStateless), "http":
		return ModeStateless, nil
	case string(ModeDuplex), "websocket", "ws":
		return ModeDuplex, nil
	}
	return "", fmt.Errorf("unknown transport mode %q", s)
}

// New builds the transport for mode. The duplex transport does not connect until it is first used.
func New(mode Mode, cfg Config) (Transport, error) {
	switch mode {
	case ModeStateless:
		return NewHTTPTransport(cfg), nil
	case ModeDuplex:
		return NewWebSocketTransport(cfg), nil
	}
	return nil, fmt.Errorf("unknown transport mode %q", mode)
}
