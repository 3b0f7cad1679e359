// Package realtime relays subscription and usage row changes from Postgres
// NOTIFY to per-user server-sent event streams.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

type Table string

const (
	TableSubscription Table = "subscription"
	TableUsage        Table = "usage"
)

// ChangeEvent is one row-level change, scoped to the user owning the row.
type ChangeEvent struct {
	Table     Table           `json:"table"`
	Operation string          `json:"operation"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// ParseChangeEvent decodes a NOTIFY payload produced by the change trigger.
func ParseChangeEvent(payload string) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("unmarshal change event: %w", err)
	}
	if ev.UserID == "" {
		return ChangeEvent{}, fmt.Errorf("change event without user_id on table %q", ev.Table)
	}
	switch ev.Table {
	case TableSubscription, TableUsage:
	default:
		return ChangeEvent{}, fmt.Errorf("change event for unknown table %q", ev.Table)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

type MessageType string

const (
	MessageConnected MessageType = "connected"
	MessageUpdate    MessageType = "update"
	MessageHeartbeat MessageType = "heartbeat"
)

// Message is what a connected client receives, one per SSE event.
type Message struct {
	Type      MessageType     `json:"type"`
	Table     Table           `json:"table,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func UpdateMessage(ev ChangeEvent) Message {
	return Message{
		Type:      MessageUpdate,
		Table:     ev.Table,
		Operation: ev.Operation,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	}
}
