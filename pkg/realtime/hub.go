package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"creators_metering/pkg/metrics"
)

// Subscriber is the Change Notifier contract the fan-out session relies on.
type Subscriber interface {
	Subscribe(userID string, tables ...Table) (<-chan ChangeEvent, func())
}

type subscriberEntry struct {
	ch     chan ChangeEvent
	tables map[Table]bool
}

func (s *subscriberEntry) wants(t Table) bool {
	return len(s.tables) == 0 || s.tables[t]
}

// Hub routes change events to the subscriptions of the affected user only.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriberEntry
	bufferSize  int
	logger      *slog.Logger
	active      atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string][]*subscriberEntry),
		bufferSize:  32,
		logger:      logger.With("component", "realtime.hub"),
	}
}

// Subscribe registers interest in userID's changes, optionally filtered to
// tables. The returned function unsubscribes and closes the channel; it is
// safe to call more than once.
func (h *Hub) Subscribe(userID string, tables ...Table) (<-chan ChangeEvent, func()) {
	sub := &subscriberEntry{ch: make(chan ChangeEvent, h.bufferSize)}
	if len(tables) > 0 {
		sub.tables = make(map[Table]bool, len(tables))
		for _, t := range tables {
			sub.tables[t] = true
		}
	}

	h.mu.Lock()
	h.subscribers[userID] = append(h.subscribers[userID], sub)
	h.mu.Unlock()
	h.active.Add(1)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			subs := h.subscribers[userID]
			for i, s := range subs {
				if s == sub {
					h.subscribers[userID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(h.subscribers[userID]) == 0 {
				delete(h.subscribers, userID)
			}
			close(sub.ch)
			h.active.Add(-1)
		})
	}
}

// Publish delivers ev to every subscription of ev.UserID without blocking.
// A full subscriber buffer drops the event for that subscriber.
func (h *Hub) Publish(ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[ev.UserID] {
		if !sub.wants(ev.Table) {
			continue
		}
		select {
		case sub.ch <- ev:
			metrics.ChangeEventsDispatched.WithLabelValues(string(ev.Table)).Inc()
		default:
			metrics.ChangeEventsDropped.Inc()
			h.logger.Warn("change event dropped for slow subscriber", "user_id", ev.UserID, "table", ev.Table)
		}
	}
}

// ActiveSubscriptions returns the number of open subscriptions.
func (h *Hub) ActiveSubscriptions() int {
	return int(h.active.Load())
}
