package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	mu          sync.Mutex
	payloads    chan string
	connects    int
	closes      int
	channel     string
	failConnect int
}

func newFakeListener() *fakeListener {
	return &fakeListener{payloads: make(chan string, 8)}
}

func (f *fakeListener) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnect > 0 {
		f.failConnect--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeListener) Listen(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	return nil
}

func (f *fakeListener) WaitForNotification(ctx context.Context) (string, error) {
	select {
	case p := <-f.payloads:
		return p, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeListener) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func TestNotifierPublishesParsedEvents(t *testing.T) {
	listener := newFakeListener()
	hub := NewHub(nil)
	events, unsub := hub.Subscribe("user-a")
	defer unsub()

	n := NewNotifier(listener, "metering_changes", hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	listener.payloads <- `garbage`
	listener.payloads <- `{"table":"usage","operation":"insert","user_id":"user-b","data":{}}`
	listener.payloads <- `{"table":"subscription","operation":"update","user_id":"user-a","data":{"status":"canceled"}}`

	select {
	case ev := <-events:
		assert.Equal(t, TableSubscription, ev.Table)
		assert.Equal(t, "user-a", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected change event")
	}
	assert.True(t, n.Healthy())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, n.Healthy())

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, "metering_changes", listener.channel)
	assert.Equal(t, 1, listener.closes)
}

func TestNotifierReconnects(t *testing.T) {
	listener := newFakeListener()
	listener.failConnect = 2
	hub := NewHub(nil)
	events, unsub := hub.Subscribe("user-a")
	defer unsub()

	n := NewNotifier(listener, "metering_changes", hub, nil)
	n.backoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	listener.payloads <- `{"table":"usage","operation":"update","user_id":"user-a","data":{}}`
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("expected change event after reconnect")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, 3, listener.connects)
}
