package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/guseggert/sandboxtransport/transport/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPCallPassesStatusThrough(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "ok", status: http.StatusOK, body: `{"ok":true}`},
		{name: "not found", status: http.StatusNotFound, body: `{"error":"no such file"}`},
		{name: "internal error", status: http.StatusInternalServerError, body: "boom"},
		{name: "unavailable", status: http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			}))
			t.Cleanup(s.Close)

			tr := NewHTTPTransport(Config{BaseURL: s.URL, Logger: zaptest.NewLogger(t).Sugar()})
			resp, err := tr.Call(ctx, http.MethodGet, "/api/ping", nil)
			require.NoError(t, err)
			assert.Equal(t, c.status, resp.Status)
			assert.Equal(t, c.body, string(resp.Body))
		})
	}
}

func TestHTTPCallSendsBodyAndHeaders(t *testing.T) {
	type execRequest struct {
		Command string `json:"command"`
	}

	reqs := make(chan *http.Request, 1)
	bodies := make(chan execRequest, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body execRequest
		json.NewDecoder(r.Body).Decode(&body)
		reqs <- r
		bodies <- body
		w.Write([]byte(`{"exitCode":0}`))
	}))
	t.Cleanup(s.Close)

	tr := NewHTTPTransport(Config{
		BaseURL: s.URL + "/",
		Headers: map[string]string{"X-Sandbox-Id": "sbx-1"},
	})
	resp, err := tr.Call(context.Background(), http.MethodPost, "/api/execute", execRequest{Command: "ls"})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	var out struct {
		ExitCode int `json:"exitCode"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, 0, out.ExitCode)

	r := <-reqs
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "/api/execute", r.URL.Path)
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, "sbx-1", r.Header.Get("X-Sandbox-Id"))
	assert.Equal(t, execRequest{Command: "ls"}, <-bodies)
}

func TestHTTPStream(t *testing.T) {
	ctx := context.Background()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		for _, chunk := range []string{"data: a\n\n", "data: b\n\n"} {
			w.Write([]byte(chunk))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(s.Close)

	tr := NewHTTPTransport(Config{BaseURL: s.URL})

	body, err := tr.Stream(ctx, http.MethodPost, "/api/execute/stream", map[string]string{"command": "ls"})
	require.NoError(t, err)
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "data: a\n\ndata: b\n\n", string(b))

	_, err = tr.Stream(ctx, http.MethodGet, "/missing", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)
	assert.Equal(t, "nope\n", string(statusErr.Body))
	assert.Contains(t, err.Error(), "GET /missing: ")
}

func TestHTTPCapabilityGating(t *testing.T) {
	tr := NewHTTPTransport(Config{BaseURL: "http://127.0.0.1:1"})

	// connection lifecycle is a no-op, and gating does not depend on it
	for _, connected := range []bool{false, true} {
		if connected {
			require.NoError(t, tr.Connect(context.Background()))
		} else {
			require.NoError(t, tr.Disconnect())
		}
		assert.True(t, tr.Connected())

		err := tr.SendControl(context.Background(), wire.TerminalInput{TargetID: "t1", Data: "ls\n"})
		assert.ErrorIs(t, err, ErrUnsupported)

		unsubscribe, err := tr.OnStreamEvent("t1", "output", func(string) {})
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Nil(t, unsubscribe)
	}
	assert.Equal(t, ModeStateless, tr.Mode())
}

func TestHTTPStubRouting(t *testing.T) {
	hosts := make(chan string, 1)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts <- r.Host
		w.Write([]byte("pong"))
	}))
	t.Cleanup(s.Close)

	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	tr := NewHTTPTransport(Config{
		BaseURL:  "http://sandbox.invalid",
		Stub:     s.Client(),
		StubPort: port,
	})
	resp, err := tr.Call(context.Background(), http.MethodGet, "/api/ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Body))
	assert.Equal(t, "localhost:"+u.Port(), <-hosts)
}
