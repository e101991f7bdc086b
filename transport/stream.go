package transport

import (
	"bytes"
	"io"
	"sync"
)

// streamReader is the caller's end of a duplex stream. The connection's read loop pushes data
// into an unbounded buffer so that a slow reader never stalls frames for other calls.
type streamReader struct {
	mut    sync.Mutex
	buf    bytes.Buffer
	err    error
	notify chan struct{}

	onClose func()
}

func newStreamReader(onClose func()) *streamReader {
	return &streamReader{
		notify:  make(chan struct{}, 1),
		onClose: onClose,
	}
}

func (s *streamReader) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *streamReader) push(data string) {
	s.mut.Lock()
	if s.err == nil {
		s.buf.WriteString(data)
	}
	s.mut.Unlock()
	s.wake()
}

// finish ends the stream. Buffered data is still readable, after which Read returns err.
// Only the first call has an effect.
func (s *streamReader) finish(err error) {
	s.mut.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mut.Unlock()
	s.wake()
}

// failedBeforeData returns the error that ended the stream if nothing was ever delivered.
func (s *streamReader) failedBeforeData() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.buf.Len() == 0 && s.err != nil && s.err != io.EOF {
		return s.err
	}
	return nil
}

func (s *streamReader) Read(p []byte) (int, error) {
	for {
		s.mut.Lock()
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(p)
			s.mut.Unlock()
			return n, nil
		}
		err := s.err
		s.mut.Unlock()
		if err != nil {
			return 0, err
		}
		<-s.notify
	}
}

func (s *streamReader) Close() error {
	s.finish(ErrStreamClosed)
	s.mut.Lock()
	s.buf.Reset()
	s.mut.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
