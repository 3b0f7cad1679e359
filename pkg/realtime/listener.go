package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// PGListener abstracts LISTEN/NOTIFY so the notifier loop can be tested
// without a database.
type PGListener interface {
	Connect(ctx context.Context) error
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (payload string, err error)
	Close(ctx context.Context) error
}

// PgxListener holds a dedicated pgx connection; pooled connections cannot
// stay in LISTEN mode.
type PgxListener struct {
	dsn  string
	conn *pgx.Conn
}

func NewPgxListener(dsn string) *PgxListener {
	return &PgxListener{dsn: dsn}
}

func (l *PgxListener) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	l.conn = conn
	return nil
}

func (l *PgxListener) Listen(ctx context.Context, channel string) error {
	if l.conn == nil {
		return errors.New("listen: not connected")
	}
	_, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (l *PgxListener) WaitForNotification(ctx context.Context) (string, error) {
	if l.conn == nil {
		return "", errors.New("wait: not connected")
	}
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (l *PgxListener) Close(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close(ctx)
	l.conn = nil
	return err
}

// Publisher receives parsed change events.
type Publisher interface {
	Publish(ev ChangeEvent)
}

// Notifier turns NOTIFY payloads on one channel into ChangeEvents and hands
// them to a Publisher. Connection failures are retried with back-off.
type Notifier struct {
	listener  PGListener
	channel   string
	publisher Publisher
	logger    *slog.Logger
	backoff   time.Duration
	healthy   atomic.Bool
}

func NewNotifier(listener PGListener, channel string, publisher Publisher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		listener:  listener,
		channel:   channel,
		publisher: publisher,
		logger:    logger.With("component", "realtime.notifier", "channel", channel),
		backoff:   time.Second,
	}
}

// Healthy reports whether the notifier currently holds a LISTEN connection.
func (n *Notifier) Healthy() bool {
	return n.healthy.Load()
}

// Run blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	defer n.healthy.Store(false)
	for {
		err := n.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		n.healthy.Store(false)
		n.logger.Error("notification listener stopped, reconnecting", "error", err, "backoff", n.backoff)
		select {
		case <-time.After(n.backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Notifier) session(ctx context.Context) error {
	if err := n.listener.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.listener.Close(closeCtx); err != nil {
			n.logger.Warn("close listener", "error", err)
		}
	}()

	if err := n.listener.Listen(ctx, n.channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	n.healthy.Store(true)
	n.logger.Info("listening for changes")

	for {
		payload, err := n.listener.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := ParseChangeEvent(payload)
		if err != nil {
			n.logger.Warn("failed to parse notification", "error", err)
			continue
		}
		n.publisher.Publish(ev)
	}
}
