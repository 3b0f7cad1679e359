package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// FlushWriter is a buffered stream such as the bufio.Writer handed out by
// fasthttp's body stream writer.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// SSESink frames messages as server-sent events ("data: <json>\n\n").
// The first failed write or flush marks the transport closed.
type SSESink struct {
	mu     sync.Mutex
	w      FlushWriter
	closed atomic.Bool
}

func NewSSESink(w FlushWriter) *SSESink {
	return &SSESink{w: w}
}

func (s *SSESink) Send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrTransportClosed
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.closed.Store(true)
		return err
	}
	if err := s.w.Flush(); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

func (s *SSESink) Closed() bool {
	return s.closed.Load()
}

// Close marks the sink closed; the transport owns the underlying writer.
func (s *SSESink) Close() error {
	s.closed.Store(true)
	return nil
}
