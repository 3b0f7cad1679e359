package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeEvent(t *testing.T) {
	payload := `{"table":"subscription","operation":"update","user_id":"user-a","data":{"status":"canceled"},"timestamp":"2026-10-17T09:00:00.123456+00:00"}`
	ev, err := ParseChangeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, TableSubscription, ev.Table)
	assert.Equal(t, "update", ev.Operation)
	assert.Equal(t, "user-a", ev.UserID)
	assert.JSONEq(t, `{"status":"canceled"}`, string(ev.Data))
	assert.Equal(t, 2026, ev.Timestamp.Year())
}

func TestParseChangeEventRejectsBadPayloads(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"table":"subscription","operation":"update"}`,
		`{"table":"users","operation":"update","user_id":"user-a"}`,
	} {
		_, err := ParseChangeEvent(payload)
		assert.Error(t, err, payload)
	}
}

func TestMessageShape(t *testing.T) {
	b, err := json.Marshal(Message{Type: MessageHeartbeat})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.Equal(t, "heartbeat", fields["type"])
	assert.Contains(t, fields, "timestamp")
	assert.NotContains(t, fields, "table")
	assert.NotContains(t, fields, "data")
}
