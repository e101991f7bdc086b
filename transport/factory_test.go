package transport

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		in       string
		expected Mode
		expErr   bool
	}{
		{in: "", expected: ModeStateless},
		{in: "stateless", expected: ModeStateless},
		{in: "HTTP", expected: ModeStateless},
		{in: "duplex", expected: ModeDuplex},
		{in: " websocket ", expected: ModeDuplex},
		{in: "ws", expected: ModeDuplex},
		{in: "grpc", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			mode, err := ParseMode(c.in)
			if c.expErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expected, mode)
		})
	}
}

func TestNew(t *testing.T) {
	cfg := Config{BaseURL: "http://127.0.0.1:8080"}

	tr, err := New(ModeStateless, cfg)
	require.NoError(t, err)
	assert.IsType(t, &HTTPTransport{}, tr)
	assert.Equal(t, ModeStateless, tr.Mode())

	tr, err = New(ModeDuplex, cfg)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketTransport{}, tr)
	assert.Equal(t, ModeDuplex, tr.Mode())
	assert.False(t, tr.Connected())

	_, err = New(Mode("carrier-pigeon"), cfg)
	require.Error(t, err)
}

func TestConfigURLs(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		expHTTP string
		expWS   string
	}{
		{
			name:    "base URL",
			cfg:     Config{BaseURL: "http://127.0.0.1:8080/"},
			expHTTP: "http://127.0.0.1:8080/api/ping",
			expWS:   "ws://127.0.0.1:8080/ws",
		},
		{
			name:    "tls",
			cfg:     Config{BaseURL: "https://sandbox.example.com"},
			expHTTP: "https://sandbox.example.com/api/ping",
			expWS:   "wss://sandbox.example.com/ws",
		},
		{
			name:    "explicit WebSocket URL",
			cfg:     Config{BaseURL: "http://127.0.0.1:8080", WebSocketURL: "ws://127.0.0.1:9090/duplex"},
			expHTTP: "http://127.0.0.1:8080/api/ping",
			expWS:   "ws://127.0.0.1:9090/duplex",
		},
		{
			name:    "stub",
			cfg:     Config{BaseURL: "https://sandbox.example.com", Stub: &http.Client{}, StubPort: 3000},
			expHTTP: "http://localhost:3000/api/ping",
			expWS:   "ws://localhost:3000/ws",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expHTTP, c.cfg.httpURL("/api/ping"))
			ws, err := c.cfg.webSocketURL()
			require.NoError(t, err)
			assert.Equal(t, c.expWS, ws)
		})
	}

	_, err := Config{}.webSocketURL()
	require.Error(t, err)
}
