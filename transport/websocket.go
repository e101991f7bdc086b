package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/sandboxtransport/transport/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit bounds a single incoming frame. Whole file contents travel in one response frame.
const readLimit = 32 << 20

// WebSocketTransport multiplexes calls over a single WebSocket connection.
// Every call gets a correlation id, and the connection's read loop routes incoming frames
// back to the pending call with that id, or to push-event subscribers.
type WebSocketTransport struct {
	cfg Config
	log *zap.SugaredLogger
	ids *wire.IDGenerator

	connMut sync.Mutex
	conn    *websocket.Conn
	// connCtx lives as long as conn. It is used for every read and write, since the websocket
	// library closes the connection when an operation's context is cancelled.
	connCtx    context.Context
	cancelConn context.CancelFunc
	attempt    *connectAttempt

	pendingMut sync.Mutex
	pending    map[string]*pendingCall

	subsMut sync.Mutex
	subs    map[subKey]map[*subscription]struct{}
}

type connectAttempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	// abandoned is set under connMut by Disconnect while the attempt is in flight
	abandoned bool

	done chan struct{}
	err  error
}

type subKey struct {
	id    string
	event string
}

type subscription struct {
	fn func(data string)
}

// pendingCall is an exchange waiting for its terminal frame.
type pendingCall struct {
	id string

	// stream is nil for non-streaming calls
	stream *streamReader
	idle   *time.Timer

	startOnce sync.Once
	started   chan struct{}

	// partial is the latest non-terminal response of a non-streaming call; only the read loop touches it
	partial *wire.Response

	doneOnce sync.Once
	done     chan struct{}
	resp     *wire.Response
	err      error
}

func (p *pendingCall) markStarted() {
	p.startOnce.Do(func() { close(p.started) })
}

// complete resolves the call. Only the first call has an effect.
func (p *pendingCall) complete(resp *wire.Response, err error) {
	p.doneOnce.Do(func() {
		p.resp = resp
		p.err = err
		if p.idle != nil {
			p.idle.Stop()
		}
		if p.stream != nil {
			switch {
			case err != nil:
				p.stream.finish(err)
			case resp.Status >= 400:
				p.stream.finish(&StatusError{Status: resp.Status, Body: resp.Body})
			default:
				p.stream.finish(io.EOF)
			}
		}
		close(p.done)
		p.markStarted()
	})
}

func NewWebSocketTransport(cfg Config) *WebSocketTransport {
	cfg = cfg.withDefaults()
	return &WebSocketTransport{
		cfg:     cfg,
		log:     cfg.Logger.Named("websocket_transport"),
		ids:     wire.NewIDGenerator(),
		pending: map[string]*pendingCall{},
		subs:    map[subKey]map[*subscription]struct{}{},
	}
}

func (t *WebSocketTransport) Mode() Mode { return ModeDuplex }

func (t *WebSocketTransport) Connected() bool {
	t.connMut.Lock()
	defer t.connMut.Unlock()
	return t.conn != nil
}

// Connect establishes the connection if there is none. Concurrent callers share one attempt,
// which is bounded by the connect timeout rather than by any single caller's context.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.connMut.Lock()
	if t.conn != nil {
		t.connMut.Unlock()
		return nil
	}
	a := t.attempt
	if a == nil {
		// the handshake request's context stays tied to the upgraded connection,
		// so the attempt dials with one that lives as long as the connection
		connCtx, cancelConn := context.WithCancel(context.Background())
		a = &connectAttempt{ctx: connCtx, cancel: cancelConn, done: make(chan struct{})}
		t.attempt = a
		go t.dial(a)
	}
	t.connMut.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebSocketTransport) dial(a *connectAttempt) {
	defer close(a.done)

	connCtx, cancelConn := a.ctx, a.cancel
	timeout := time.AfterFunc(t.cfg.ConnectTimeout, cancelConn)
	conn, err := t.dialConn(connCtx)
	if !timeout.Stop() {
		if err == nil {
			conn.Close(websocket.StatusGoingAway, "")
		}
		err = fmt.Errorf("connecting: timed out after %s", t.cfg.ConnectTimeout)
	}

	t.connMut.Lock()
	if t.attempt == a {
		t.attempt = nil
	}
	if err == nil && !a.abandoned {
		conn.SetReadLimit(readLimit)
		t.conn = conn
		t.connCtx, t.cancelConn = connCtx, cancelConn
		go t.readLoop(connCtx, conn)
		t.connMut.Unlock()
		return
	}
	t.connMut.Unlock()

	if a.abandoned {
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
		err = ErrConnectionClosed
	}
	cancelConn()
	a.err = err
}

func (t *WebSocketTransport) dialConn(ctx context.Context) (*websocket.Conn, error) {
	u, err := t.cfg.webSocketURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}
	opts := &websocket.DialOptions{
		HTTPClient:      t.cfg.HTTPClient,
		HTTPHeader:      header,
		CompressionMode: websocket.CompressionContextTakeover,
	}
	if t.cfg.Stub != nil {
		opts.HTTPClient = t.cfg.Stub
	}

	t.log.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		t.log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to %s: %w", u, err)
	}
	t.log.Debug("WebSocket connected")
	return conn, nil
}

// Disconnect closes the connection. Pending calls fail with ErrConnectionClosed and push
// subscriptions are dropped. A connect attempt in flight fails with ErrConnectionClosed.
func (t *WebSocketTransport) Disconnect() error {
	t.connMut.Lock()
	conn, cancel := t.conn, t.cancelConn
	t.conn = nil
	t.cancelConn = nil
	if a := t.attempt; a != nil {
		a.abandoned = true
		a.cancel()
		t.attempt = nil
	}
	t.connMut.Unlock()
	if conn == nil {
		return nil
	}

	t.failAll(ErrConnectionClosed)
	t.dropSubscriptions()

	err := conn.Close(websocket.StatusNormalClosure, "")
	cancel()
	if err != nil && websocket.CloseStatus(err) == -1 {
		t.log.Debugf("error closing conn: %s", err)
	}
	return nil
}

// closed is called by the read loop once conn can no longer be read from.
func (t *WebSocketTransport) closed(conn *websocket.Conn, cause error) {
	t.connMut.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
		if t.cancelConn != nil {
			t.cancelConn()
			t.cancelConn = nil
		}
	}
	t.connMut.Unlock()
	if !current {
		// already handled by Disconnect
		return
	}

	t.log.Debugf("connection lost: %s", cause)
	conn.Close(websocket.StatusGoingAway, "")
	t.failAll(fmt.Errorf("%w: %s", ErrConnectionClosed, cause))
	t.dropSubscriptions()
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			t.closed(conn, err)
			return
		}
		f, err := wire.Decode(b)
		if err != nil {
			t.log.Debugf("dropping malformed frame: %s", err)
			continue
		}
		t.dispatch(f)
	}
}

func (t *WebSocketTransport) dispatch(f wire.Frame) {
	switch f := f.(type) {
	case wire.Response:
		t.handleResponse(f)
	case wire.StreamChunk:
		t.handleChunk(f)
	case wire.Error:
		t.handleError(f)
	default:
		t.log.Debugf("dropping unexpected %s frame", f.Type())
	}
}

func (t *WebSocketTransport) lookup(id string) *pendingCall {
	t.pendingMut.Lock()
	defer t.pendingMut.Unlock()
	return t.pending[id]
}

func (t *WebSocketTransport) remove(id string) *pendingCall {
	t.pendingMut.Lock()
	defer t.pendingMut.Unlock()
	p := t.pending[id]
	delete(t.pending, id)
	return p
}

func (t *WebSocketTransport) handleResponse(r wire.Response) {
	if !r.Done {
		p := t.lookup(r.ID)
		if p == nil {
			t.log.Debugf("dropping response for unknown id %s", r.ID)
			return
		}
		if p.stream == nil {
			p.partial = &r
			return
		}
		if r.Status >= 400 {
			t.remove(r.ID)
			p.complete(&r, nil)
			return
		}
		t.resetIdle(p)
		p.markStarted()
		return
	}

	p := t.remove(r.ID)
	if p == nil {
		t.log.Debugf("dropping response for unknown id %s", r.ID)
		return
	}
	if p.stream == nil && len(r.Body) == 0 && p.partial != nil {
		r.Body = p.partial.Body
	}
	p.complete(&r, nil)
}

func (t *WebSocketTransport) handleChunk(c wire.StreamChunk) {
	delivered := t.publish(c)

	p := t.lookup(c.ID)
	if p == nil {
		if !delivered {
			t.log.Debugf("dropping stream chunk for unknown id %s", c.ID)
		}
		return
	}
	if p.stream == nil {
		t.log.Debugf("dropping stream chunk for non-streaming call %s", c.ID)
		return
	}
	p.stream.push(c.Data)
	t.resetIdle(p)
	p.markStarted()
}

func (t *WebSocketTransport) handleError(e wire.Error) {
	if e.ID == "" {
		t.log.Debugf("connection-level error: %s", e)
		t.failAll(newRemoteError(e))
		return
	}
	p := t.remove(e.ID)
	if p == nil {
		t.log.Debugf("dropping error for unknown id %s: %s", e.ID, e)
		return
	}
	p.complete(nil, newRemoteError(e))
}

func (t *WebSocketTransport) failAll(err error) {
	t.pendingMut.Lock()
	pending := t.pending
	t.pending = map[string]*pendingCall{}
	t.pendingMut.Unlock()
	for _, p := range pending {
		p.complete(nil, err)
	}
}

func (t *WebSocketTransport) resetIdle(p *pendingCall) {
	if p.idle != nil {
		p.idle.Reset(t.cfg.StreamIdleTimeout)
	}
}

// abandon fails a pending call that the caller gave up on. Frames that arrive for it later are dropped.
func (t *WebSocketTransport) abandon(id string, err error) {
	if p := t.remove(id); p != nil {
		p.complete(nil, err)
	}
}

func (t *WebSocketTransport) write(f wire.Frame) error {
	t.connMut.Lock()
	conn, ctx := t.conn, t.connCtx
	t.connMut.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := wire.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type(), err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type(), err)
	}
	return nil
}

// start registers a pending call and sends its request frame.
func (t *WebSocketTransport) start(ctx context.Context, method, path string, body any, streaming bool) (*pendingCall, error) {
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	b, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	if b != nil && !json.Valid(b) {
		// raw non-JSON bytes travel as a JSON string
		if b, err = json.Marshal(string(b)); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	req := wire.Request{
		ID:      t.ids.Next(),
		Method:  method,
		Path:    path,
		Body:    b,
		Headers: t.cfg.Headers,
	}
	p := &pendingCall{
		id:      req.ID,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if streaming {
		p.stream = newStreamReader(func() { t.abandon(req.ID, ErrStreamClosed) })
		p.idle = time.AfterFunc(t.cfg.StreamIdleTimeout, func() {
			t.log.Debugf("stream %s idle for %s, giving up", req.ID, t.cfg.StreamIdleTimeout)
			t.abandon(req.ID, ErrStreamIdle)
		})
	}

	t.pendingMut.Lock()
	t.pending[req.ID] = p
	t.pendingMut.Unlock()

	t.log.Debugw("sending request", "ID", req.ID, "Method", method, "Path", path, "Streaming", streaming)
	if err := t.write(req); err != nil {
		t.abandon(req.ID, err)
		return nil, err
	}
	return p, nil
}

func (t *WebSocketTransport) Call(ctx context.Context, method, path string, body any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	p, err := t.start(ctx, method, path, body, false)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		t.abandon(p.id, ctx.Err())
		<-p.done
	}
	if p.err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, p.err)
	}
	return &Response{Status: p.resp.Status, Body: p.resp.Body}, nil
}

// Stream returns once the first frame for the call has arrived, so that a call that fails
// right away fails here rather than on the first Read.
func (t *WebSocketTransport) Stream(ctx context.Context, method, path string, body any) (io.ReadCloser, error) {
	p, err := t.start(ctx, method, path, body, true)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	select {
	case <-p.started:
	case <-ctx.Done():
		t.abandon(p.id, ctx.Err())
		return nil, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
	}
	if err := p.stream.failedBeforeData(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	// give up on the call if the caller's context ends mid-stream
	stop := context.AfterFunc(ctx, func() { t.abandon(p.id, ctx.Err()) })
	go func() {
		<-p.done
		stop()
	}()
	return p.stream, nil
}

func (t *WebSocketTransport) SendControl(ctx context.Context, msg wire.ControlMessage) error {
	c, err := wire.NewControl(msg)
	if err != nil {
		return err
	}
	if err := t.write(c); err != nil {
		return fmt.Errorf("sending %s: %w", c.Kind, err)
	}
	return nil
}

// OnStreamEvent subscribes fn to stream frames whose id and event match. Every matching
// subscriber gets every matching frame. fn runs on the connection's read loop and must not block.
func (t *WebSocketTransport) OnStreamEvent(id, event string, fn func(data string)) (func(), error) {
	key := subKey{id: id, event: event}
	sub := &subscription{fn: fn}

	t.subsMut.Lock()
	if t.subs[key] == nil {
		t.subs[key] = map[*subscription]struct{}{}
	}
	t.subs[key][sub] = struct{}{}
	t.subsMut.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subsMut.Lock()
			defer t.subsMut.Unlock()
			delete(t.subs[key], sub)
			if len(t.subs[key]) == 0 {
				delete(t.subs, key)
			}
		})
	}, nil
}

func (t *WebSocketTransport) publish(c wire.StreamChunk) bool {
	t.subsMut.Lock()
	subs := t.subs[subKey{id: c.ID, event: c.Event}]
	fns := make([]func(string), 0, len(subs))
	for s := range subs {
		fns = append(fns, s.fn)
	}
	t.subsMut.Unlock()

	for _, fn := range fns {
		fn(c.Data)
	}
	return len(fns) > 0
}

func (t *WebSocketTransport) dropSubscriptions() {
	t.subsMut.Lock()
	t.subs = map[subKey]map[*subscription]struct{}{}
	t.subsMut.Unlock()
}
