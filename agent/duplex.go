package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/sandboxtransport/transport/queue"
	"github.com/guseggert/sandboxtransport/transport/wire"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	readLimit = 32 << 20
	// chunkLimit bounds the data of one outgoing stream chunk, leaving room for JSON escaping
	chunkLimit = readLimit / 3
)

var errSessionClosed = errors.New("duplex session closed")

type sessionKey struct{}

func sessionFromContext(ctx context.Context) *duplexSession {
	s, _ := ctx.Value(sessionKey{}).(*duplexSession)
	return s
}

// duplex serves the API over a WebSocket connection. Every request frame is dispatched through
// the same handler as plain HTTP requests, with concurrency limited by a per-connection queue.
func (a *Agent) duplex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)
	a.logger.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(context.Background())
	log := a.logger.Named("duplex_session")
	s := &duplexSession{
		agent:  a,
		log:    log,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		queue: queue.New(append([]queue.Option{
			queue.WithOnQueued(func(waiting int) { log.Debugf("request queued, %d waiting", waiting) }),
			queue.WithOnDequeued(func(waited time.Duration) { log.Debugf("request dequeued after %s", waited) }),
		}, a.queueOpts...)...),
	}
	s.terminals = newTerminals(log.Named("terminals"), s.push)
	if !a.addSession(s) {
		conn.Close(websocket.StatusGoingAway, "agent stopping")
		cancel()
		return
	}
	defer a.removeSession(s)
	s.run()
}

type duplexSession struct {
	agent *Agent
	log   *zap.SugaredLogger
	conn  *websocket.Conn
	// ctx lives as long as the connection, since cancelling a read or write closes it
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	queue     *queue.Queue
	terminals *terminals
	requests  errgroup.Group

	closeOnce sync.Once
}

func (s *duplexSession) run() {
	defer close(s.done)
	defer s.shutdown()

	for {
		_, b, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.log.Debug("got normal closure from client, wrapping up")
			} else {
				s.log.Debugf("message reader got error: %s", err)
			}
			return
		}

		f, err := wire.Decode(b)
		if err != nil {
			s.rejectMalformed(b, err)
			continue
		}
		switch f := f.(type) {
		case wire.Request:
			s.requests.Go(func() error {
				s.dispatch(f)
				return nil
			})
		case *wire.Control:
			s.control(f)
		default:
			s.log.Debugf("dropping unexpected %s frame", f.Type())
		}
	}
}

func (s *duplexSession) shutdown() {
	s.queue.Clear(errSessionClosed)
	s.terminals.closeAll()
	s.close()
	s.requests.Wait()
}

func (s *duplexSession) close() {
	s.closeOnce.Do(func() {
		err := s.conn.Close(websocket.StatusGoingAway, "")
		if err != nil && websocket.CloseStatus(err) == -1 {
			s.log.Debugf("error closing conn: %s", err)
		}
		s.cancel()
	})
}

func (s *duplexSession) send(f wire.Frame) error {
	b, err := wire.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type(), err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type(), err)
	}
	return nil
}

func (s *duplexSession) push(c wire.StreamChunk) error {
	return s.send(c)
}

// rejectMalformed answers a frame that could not be decoded. The error is scoped to the frame's id
// when one can be recovered, and connection-level otherwise.
func (s *duplexSession) rejectMalformed(b []byte, cause error) {
	s.log.Debugf("malformed frame: %s", cause)
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(b, &head)
	err := s.send(wire.Error{
		ID:      head.ID,
		Code:    "PROTOCOL_ERROR",
		Message: cause.Error(),
		Status:  http.StatusBadRequest,
	})
	if err != nil {
		s.log.Debugf("error rejecting malformed frame: %s", err)
	}
}

func (s *duplexSession) dispatch(req wire.Request) {
	err := s.queue.Execute(s.ctx, func(ctx context.Context) error {
		return s.serve(ctx, req)
	})

	var e *wire.Error
	var timeoutErr *queue.TimeoutError
	switch {
	case err == nil:
		return
	case errors.Is(err, queue.ErrQueueFull):
		e = &wire.Error{ID: req.ID, Code: "QUEUE_FULL", Message: err.Error(), Status: http.StatusServiceUnavailable}
	case errors.As(err, &timeoutErr):
		e = &wire.Error{
			ID:      req.ID,
			Code:    "QUEUE_TIMEOUT",
			Message: err.Error(),
			Status:  http.StatusServiceUnavailable,
			Context: map[string]any{"waitedMs": timeoutErr.Waited.Milliseconds()},
		}
	case errors.Is(err, errSessionClosed), errors.Is(err, context.Canceled):
		return
	default:
		e = &wire.Error{ID: req.ID, Code: "INTERNAL_ERROR", Message: err.Error(), Status: http.StatusInternalServerError}
	}
	if err := s.send(*e); err != nil {
		s.log.Debugf("error sending %s for %s: %s", e.Code, req.ID, err)
	}
}

// serve runs one request frame through the HTTP handler and writes the result back as frames.
func (s *duplexSession) serve(ctx context.Context, req wire.Request) error {
	s.log.Debugw("serving request", "ID", req.ID, "Method", req.Method, "Path", req.Path)
	httpReq, err := http.NewRequestWithContext(context.WithValue(ctx, sessionKey{}, s), req.Method, req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return s.send(wire.Error{ID: req.ID, Code: "BAD_REQUEST", Message: err.Error(), Status: http.StatusBadRequest})
	}
	httpReq.RequestURI = req.Path
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	fw := &frameWriter{session: s, id: req.ID, header: http.Header{}}
	s.agent.handler.ServeHTTP(fw, httpReq)
	return fw.finish()
}

// frameWriter is the http.ResponseWriter for a request that arrived as a frame.
// Until the handler flushes, the body is buffered and sent as a single response frame.
// Once it flushes, every flush becomes a stream chunk and the exchange ends with an empty
// terminal response.
type frameWriter struct {
	session *duplexSession
	id      string
	header  http.Header
	status  int
	buf     bytes.Buffer
	// streaming is set by the first flush
	streaming bool
	err       error
}

func (w *frameWriter) Header() http.Header { return w.header }

func (w *frameWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *frameWriter) Write(b []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.WriteHeader(http.StatusOK)
	return w.buf.Write(b)
}

func (w *frameWriter) Flush() {
	w.WriteHeader(http.StatusOK)
	w.streaming = true
	w.flushChunks()
}

// flushChunks sends the buffered data, split so that no chunk exceeds the peer's read limit.
func (w *frameWriter) flushChunks() {
	for w.buf.Len() > 0 && w.err == nil {
		data := w.buf.Next(chunkLimit)
		w.err = w.session.send(wire.StreamChunk{ID: w.id, Data: string(data)})
	}
	w.buf.Reset()
}

func (w *frameWriter) finish() error {
	w.WriteHeader(http.StatusOK)
	if w.streaming {
		w.flushChunks()
		if w.err != nil {
			return w.err
		}
		return w.session.send(wire.Response{ID: w.id, Status: w.status, Done: true})
	}

	body := w.buf.Bytes()
	if len(body) > 0 && !json.Valid(body) {
		b, err := json.Marshal(string(body))
		if err != nil {
			return err
		}
		body = b
	}
	return w.session.send(wire.Response{ID: w.id, Status: w.status, Body: body, Done: true})
}
