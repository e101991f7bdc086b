package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout    = 120 * time.Second
	DefaultStreamIdleTimeout = 300 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
)

// Config is shared by both transport backends.
type Config struct {
	// BaseURL is the root of the sandbox agent's HTTP API, e.g. http://127.0.0.1:8080.
	BaseURL string `yaml:"base_url"`
	// WebSocketURL is the duplex endpoint. Defaults to BaseURL with a ws scheme and a /ws path.
	WebSocketURL string `yaml:"websocket_url"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	// StreamIdleTimeout bounds the silence between two frames of a duplex stream.
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Stub is a client that forwards requests to the sandbox on the same host.
	// When set, requests go to http://localhost:<StubPort> through it instead of BaseURL.
	Stub     *http.Client `yaml:"-"`
	StubPort int          `yaml:"stub_port"`

	// HTTPClient overrides the default client (for custom TLS, for example).
	HTTPClient *http.Client `yaml:"-"`

	Logger *zap.SugaredLogger `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.StreamIdleTimeout == 0 {
		c.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

func (c Config) httpURL(path string) string {
	if c.Stub != nil {
		return fmt.Sprintf("http://localhost:%d%s", c.StubPort, path)
	}
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c Config) webSocketURL() (string, error) {
	raw := c.WebSocketURL
	if raw == "" {
		if c.BaseURL == "" && c.Stub == nil {
			return "", fmt.Errorf("neither a WebSocket URL nor a base URL is configured")
		}
		raw = strings.TrimRight(c.BaseURL, "/") + "/ws"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing WebSocket URL %q: %w", raw, err)
	}
	if c.Stub != nil {
		u.Scheme = "ws"
		u.Host = fmt.Sprintf("localhost:%d", c.StubPort)
		if u.Path == "" {
			u.Path = "/ws"
		}
		return u.String(), nil
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
