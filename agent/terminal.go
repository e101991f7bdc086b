package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/sandboxtransport/transport/wire"
	"go.uber.org/zap"
)

// Push event names for terminal sessions.
const (
	EventOutput = "output"
	EventExit   = "exit"
)

const (
	waitDelay = 2 * time.Second
	// maxPendingInput bounds the stdin a terminal has not consumed yet. Input beyond it is dropped.
	maxPendingInput = 1 << 20
)

// terminals holds the terminal sessions of one duplex connection.
type terminals struct {
	log  *zap.SugaredLogger
	push func(c wire.StreamChunk) error

	mut      sync.Mutex
	sessions map[string]*terminal
	// cols and rows are the size last reported by a control_resize message
	cols, rows int
	closed     bool

	wg sync.WaitGroup
}

func newTerminals(log *zap.SugaredLogger, push func(c wire.StreamChunk) error) *terminals {
	return &terminals{
		log:      log,
		push:     push,
		sessions: map[string]*terminal{},
	}
}

type terminal struct {
	id  string
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin io.WriteCloser
	// pending holds input not yet written to stdin, so that a terminal that does not read
	// never blocks the connection it is attached to
	inputMut     sync.Mutex
	pending      [][]byte
	pendingBytes int
	inputReady   chan struct{}
	exited       chan struct{}
}

// start runs a terminal process. Its output is pushed as output events keyed by the returned id,
// followed by one exit event carrying the exit code.
func (t *terminals) start(req StartTerminalRequest) (string, error) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.closed {
		return "", errSessionClosed
	}

	id := uuid.NewString()
	term := &terminal{
		id:      id,
		log:     t.log.With("TerminalID", id),
		inputReady: make(chan struct{}, 1),
		exited:     make(chan struct{}),
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), req.Env...)
	if t.cols > 0 && t.rows > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("COLUMNS=%d", t.cols), fmt.Sprintf("LINES=%d", t.rows))
	}
	out := &pushWriter{id: id, push: t.push}
	cmd.Stdout = out
	cmd.Stderr = out

	// output pipes held open by orphaned children must not keep Wait from returning
	cmd.WaitDelay = waitDelay
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("opening terminal stdin: %w", err)
	}
	term.stdin = stdin
	term.cmd = cmd

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting terminal: %w", err)
	}
	t.sessions[id] = term
	term.log.Debugw("terminal started", "Command", req.Command, "PID", cmd.Process.Pid)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		term.readStdin()
	}()
	go func() {
		defer t.wg.Done()
		t.wait(term)
	}()
	return id, nil
}

func (t *terminals) wait(term *terminal) {
	err := term.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			term.log.Debugf("unexpected exit error: %s", err)
		}
	}
	close(term.exited)

	t.mut.Lock()
	delete(t.sessions, term.id)
	t.mut.Unlock()

	exitCode := term.cmd.ProcessState.ExitCode()
	term.log.Debugf("terminal exited with code %d", exitCode)
	err = t.push(wire.StreamChunk{ID: term.id, Event: EventExit, Data: strconv.Itoa(exitCode)})
	if err != nil {
		term.log.Debugf("error sending exit event: %s", err)
	}
}

func (t *terminals) get(id string) *terminal {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.sessions[id]
}

func (t *terminals) input(id string, data string) {
	term := t.get(id)
	if term == nil {
		t.log.Debugf("dropping input for unknown terminal %s", id)
		return
	}
	term.enqueue([]byte(data))
}

func (t *terminals) resize(id string, cols, rows int) {
	if t.get(id) == nil {
		t.log.Debugf("dropping resize for unknown terminal %s", id)
		return
	}
	t.mut.Lock()
	t.cols, t.rows = cols, rows
	t.mut.Unlock()
}

func (t *terminals) kill(id string) {
	term := t.get(id)
	if term == nil {
		t.log.Debugf("dropping close for unknown terminal %s", id)
		return
	}
	term.kill()
}

// closeAll kills every terminal and waits for their exit events to be sent.
func (t *terminals) closeAll() {
	t.mut.Lock()
	t.closed = true
	sessions := make([]*terminal, 0, len(t.sessions))
	for _, term := range t.sessions {
		sessions = append(sessions, term)
	}
	t.mut.Unlock()

	for _, term := range sessions {
		term.kill()
	}
	t.wg.Wait()
}

func (term *terminal) kill() {
	if term.cmd.Process != nil {
		term.cmd.Process.Kill()
	}
}

// enqueue never blocks.
func (term *terminal) enqueue(b []byte) {
	term.inputMut.Lock()
	if term.pendingBytes+len(b) > maxPendingInput {
		term.inputMut.Unlock()
		term.log.Debugf("terminal is not reading its input, dropping %d bytes", len(b))
		return
	}
	term.pending = append(term.pending, b)
	term.pendingBytes += len(b)
	term.inputMut.Unlock()

	select {
	case term.inputReady <- struct{}{}:
	default:
	}
}

func (term *terminal) takePending() [][]byte {
	term.inputMut.Lock()
	defer term.inputMut.Unlock()
	pending := term.pending
	term.pending = nil
	term.pendingBytes = 0
	return pending
}

func (term *terminal) readStdin() {
	defer term.stdin.Close()
	for {
		select {
		case <-term.inputReady:
		case <-term.exited:
			return
		}
		for _, b := range term.takePending() {
			if _, err := term.stdin.Write(b); err != nil {
				term.log.Debugf("stdin writer got error: %s", err)
				return
			}
		}
	}
}

// pushWriter sends everything written to it as output events of one terminal.
type pushWriter struct {
	id   string
	push func(c wire.StreamChunk) error
}

func (w *pushWriter) Write(b []byte) (int, error) {
	if err := w.push(wire.StreamChunk{ID: w.id, Event: EventOutput, Data: string(b)}); err != nil {
		return 0, err
	}
	return len(b), nil
}

// control handles a control message from the client. Control messages get no reply.
func (s *duplexSession) control(c *wire.Control) {
	msg, err := wire.ParseControl(c)
	if errors.Is(err, wire.ErrUnsupportedVersion) {
		s.log.Debugf("dropping control message: %s", err)
		return
	}
	if err != nil {
		s.log.Debugf("dropping malformed control message: %s", err)
		return
	}
	switch m := msg.(type) {
	case wire.TerminalInput:
		s.terminals.input(m.TargetID, m.Data)
	case wire.TerminalResize:
		s.terminals.resize(m.TargetID, m.Cols, m.Rows)
	case wire.TerminalClose:
		s.terminals.kill(m.TargetID)
	default:
		s.log.Debugf("dropping unsupported control message %s (v%d)", c.Kind, c.Version())
	}
}
