package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"creators_metering/pkg/metrics"
)

var ErrTransportClosed = errors.New("realtime: transport closed")

// Sink is the write side of a client stream.
type Sink interface {
	Send(msg Message) error
	// Closed reports whether the transport can no longer be written to.
	Closed() bool
	Close() error
}

// Session is one client's stream: connected acknowledgment, forwarded
// change events and heartbeats until the transport aborts or Cancel is
// called. Cleanup runs exactly once on either path.
type Session struct {
	ID     string
	UserID string

	hub       Subscriber
	sink      Sink
	tables    []Table
	heartbeat time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	started     bool
	closed      bool
	ticker      *time.Ticker
	unsubscribe func()
	stop        chan struct{}
	closeOnce   sync.Once
	onClose     func()
}

func NewSession(userID string, hub Subscriber, sink Sink, heartbeat time.Duration, logger *slog.Logger, tables ...Table) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	id := uuid.NewString()
	return &Session{
		ID:        id,
		UserID:    userID,
		hub:       hub,
		sink:      sink,
		tables:    tables,
		heartbeat: heartbeat,
		logger:    logger.With("component", "realtime.session", "session_id", id, "user_id", userID),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// OnClose registers fn to run once during cleanup.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// Done is closed when the session has been cleaned up.
func (s *Session) Done() <-chan struct{} {
	return s.stop
}

// Run streams until ctx (the transport abort signal) is done, the transport
// fails, or Cancel is called.
func (s *Session) Run(ctx context.Context) error {
	defer s.close("stream ended")

	events, unsubscribe := s.hub.Subscribe(s.UserID, s.tables...)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return nil
	}
	s.started = true
	s.unsubscribe = unsubscribe
	s.ticker = time.NewTicker(s.heartbeat)
	ticks := s.ticker.C
	s.mu.Unlock()

	metrics.RealtimeSessions.Inc()
	s.logger.Info("realtime client connected")

	if err := s.send(Message{Type: MessageConnected, Timestamp: s.now().UTC()}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.send(UpdateMessage(ev)); err != nil {
				return err
			}
		case <-ticks:
			if err := s.send(Message{Type: MessageHeartbeat, Timestamp: s.now().UTC()}); err != nil {
				return err
			}
		}
	}
}

// Cancel ends the session from outside the transport.
func (s *Session) Cancel() {
	s.close("cancelled")
}

func (s *Session) send(msg Message) error {
	if s.sink.Closed() {
		return ErrTransportClosed
	}
	if err := s.sink.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.ticker != nil {
			s.ticker.Stop()
		}
		unsubscribe := s.unsubscribe
		started := s.started
		onClose := s.onClose
		s.mu.Unlock()

		close(s.stop)
		if unsubscribe != nil {
			unsubscribe()
		}
		if err := s.sink.Close(); err != nil {
			s.logger.Warn("close stream", "error", err)
		}
		if started {
			metrics.RealtimeSessions.Dec()
		}
		if onClose != nil {
			onClose()
		}
		s.logger.Info("realtime client disconnected", "reason", reason)
	})
}
