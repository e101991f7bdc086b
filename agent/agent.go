package agent

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/sandboxtransport/transport/queue"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is the HTTP agent that runs inside a sandbox.
// It serves the same API over plain HTTP and over the duplex WebSocket endpoint at /ws.
type Agent struct {
	logger *zap.SugaredLogger

	listenAddr   string
	startupDelay time.Duration
	queueOpts    []queue.Option
	tlsConfig    *tls.Config

	handler    http.Handler
	listener   net.Listener
	httpServer *http.Server

	startMut  sync.Mutex
	startedAt time.Time

	sessionsMut sync.Mutex
	sessions    map[*duplexSession]struct{}
	stopped     bool

	stopOnce sync.Once
	stopErr  error
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithStartupDelay makes every /api route answer 503 until d has passed since the agent started
// listening, like a sandbox whose port is open before its API is ready.
func WithStartupDelay(d time.Duration) Option {
	return func(a *Agent) {
		a.startupDelay = d
	}
}

// WithQueueOptions configures the queue that limits concurrent requests on each duplex connection.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(a *Agent) {
		a.queueOpts = append(a.queueOpts, opts...)
	}
}

// WithTLS serves the API over TLS. See Certs.ServerTLSConfig for mutual TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = cfg
	}
}

// NewAgent constructs a new sandbox agent.
func NewAgent(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		listenAddr: "0.0.0.0:8080",
		sessions:   map[*duplexSession]struct{}{},
	}
	for _, o := range opts {
		o(a)
	}

	router := httprouter.New()
	router.GET("/api/ping", a.ping)
	router.POST("/api/execute", a.execute)
	router.POST("/api/execute/stream", a.executeStream)
	router.POST("/api/files/write", a.writeFile)
	router.POST("/api/files/read", a.readFile)
	router.POST("/api/terminals", a.startTerminal)
	router.GET("/ws", a.duplex)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path))
	})
	a.handler = a.startupGate(router)
	return a, nil
}

// Listen binds the listen address. Requests are served once Serve is called.
func (a *Agent) Listen() error {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if a.tlsConfig != nil {
		l = tls.NewListener(l, a.tlsConfig)
	}
	a.startMut.Lock()
	a.listener = l
	a.startedAt = time.Now()
	a.httpServer = &http.Server{Handler: a.handler}
	a.startMut.Unlock()
	a.logger.Infow("listening", "Addr", l.Addr().String(), "TLS", a.tlsConfig != nil, "StartupDelay", a.startupDelay)
	return nil
}

// Serve serves requests on the listener bound by Listen and returns once the agent has stopped.
func (a *Agent) Serve() error {
	a.startMut.Lock()
	server, l := a.httpServer, a.listener
	a.startMut.Unlock()
	if server == nil {
		return errors.New("agent is not listening")
	}
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the agent and returns once the agent has stopped.
func (a *Agent) Run() error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve()
}

// Addr returns the address the agent is listening on.
func (a *Agent) Addr() string {
	a.startMut.Lock()
	defer a.startMut.Unlock()
	if a.listener == nil {
		return a.listenAddr
	}
	return a.listener.Addr().String()
}

// Stop closes every duplex session, which kills their terminals, and then the HTTP server.
// Only the first call has an effect; later calls return its result.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.sessionsMut.Lock()
		a.stopped = true
		sessions := make([]*duplexSession, 0, len(a.sessions))
		for s := range a.sessions {
			sessions = append(sessions, s)
		}
		a.sessionsMut.Unlock()

		for _, s := range sessions {
			s.close()
		}
		for _, s := range sessions {
			<-s.done
		}

		a.startMut.Lock()
		server := a.httpServer
		a.startMut.Unlock()
		if server != nil {
			a.stopErr = server.Close()
		}
	})
	return a.stopErr
}

func (a *Agent) ready() bool {
	a.startMut.Lock()
	defer a.startMut.Unlock()
	return !a.startedAt.IsZero() && time.Since(a.startedAt) >= a.startupDelay
}

func (a *Agent) startupGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !a.ready() {
			writeError(w, http.StatusServiceUnavailable, "sandbox is starting")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %s", err))
		return false
	}
	return true
}

type PingResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (a *Agent) ping(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(w, http.StatusOK, PingResponse{
		Message:   "pong",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type ExecuteRequest struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Stdin      string   `json:"stdin,omitempty"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

type ExecuteResponse struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"durationMs"`
}

func (a *Agent) command(r *http.Request, req ExecuteRequest) *exec.Cmd {
	cmd := exec.CommandContext(r.Context(), req.Command, req.Args...)
	cmd.Dir = req.WorkingDir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	return cmd
}

// execute runs a command to completion and sends all of stdout and stderr in the response.
func (a *Agent) execute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecuteRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "request contained no command")
		return
	}

	cmd := a.command(r, req)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	err := cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			a.logger.Debugf("unexpected exit error: %s", err)
		}
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// ExecEvent is one server-sent event of a streamed execution.
type ExecEvent struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// executeStream runs a command and streams its output as server-sent events:
// a start event, then stdout and stderr events as output arrives, then an exit event.
func (a *Agent) executeStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ExecuteRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "request contained no command")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported by this connection")
		return
	}

	events := &sseWriter{log: a.logger.Named("sse_writer"), w: w, flusher: flusher}
	cmd := a.command(r, req)
	cmd.Stdout = events.writer("stdout")
	cmd.Stderr = events.writer("stderr")
	if err := cmd.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events.send(ExecEvent{Type: "start", PID: cmd.Process.Pid})

	err := cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			a.logger.Debugf("unexpected exit error: %s", err)
		}
	}
	events.send(ExecEvent{Type: "exit", ExitCode: cmd.ProcessState.ExitCode()})
}

type sseWriter struct {
	log     *zap.SugaredLogger
	mut     sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) send(e ExecEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.log.Debugf("error writing %s event: %s", e.Type, err)
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writer(eventType string) io.Writer {
	return &eventWriter{sse: s, eventType: eventType}
}

// eventWriter sends everything written to it as events of one type.
type eventWriter struct {
	sse       *sseWriter
	eventType string
}

func (w *eventWriter) Write(b []byte) (int, error) {
	if err := w.sse.send(ExecEvent{Type: w.eventType, Data: string(b)}); err != nil {
		return 0, err
	}
	return len(b), nil
}

type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileResponse struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytesWritten"`
}

func (a *Agent) writeFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req WriteFileRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "request contained no path")
		return
	}

	err := os.MkdirAll(filepath.Dir(req.Path), 0777)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	err = os.WriteFile(req.Path, []byte(req.Content), 0644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, WriteFileResponse{Path: req.Path, BytesWritten: len(req.Content)})
}

type ReadFileRequest struct {
	Path string `json:"path"`
}

type ReadFileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (a *Agent) readFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ReadFileRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	b, err := os.ReadFile(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no such file or directory")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ReadFileResponse{Path: req.Path, Content: string(b)})
}

type StartTerminalRequest struct {
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

type StartTerminalResponse struct {
	ID string `json:"id"`
}

// startTerminal starts a terminal session bound to the duplex connection the request arrived on.
// Its output is pushed as events on that connection, so plain HTTP requests are rejected.
func (a *Agent) startTerminal(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s := sessionFromContext(r.Context())
	if s == nil {
		writeError(w, http.StatusBadRequest, "terminals require the duplex transport")
		return
	}
	var req StartTerminalRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Command == "" {
		req.Command = "sh"
	}

	id, err := s.terminals.start(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StartTerminalResponse{ID: id})
}

func (a *Agent) addSession(s *duplexSession) bool {
	a.sessionsMut.Lock()
	defer a.sessionsMut.Unlock()
	if a.stopped {
		return false
	}
	a.sessions[s] = struct{}{}
	return true
}

func (a *Agent) removeSession(s *duplexSession) {
	a.sessionsMut.Lock()
	defer a.sessionsMut.Unlock()
	delete(a.sessions, s)
}
