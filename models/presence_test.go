package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOccupancyEvent_Type(t *testing.T) {
	tests := []struct {
		name     string
		event    OccupancyEvent
		expected string
	}{
		{"First viewer arrives", OccupancyEvent{Count: 1, Previous: 0}, EventGiftOccupied},
		{"Additional viewer arrives", OccupancyEvent{Count: 3, Previous: 2}, EventViewerCount},
		{"Viewer leaves, others remain", OccupancyEvent{Count: 1, Previous: 2}, EventViewerCount},
		{"Last viewer leaves", OccupancyEvent{Count: 0, Previous: 1}, EventGiftAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.event.Type())
		})
	}
}

func TestViewerSession_Expired(t *testing.T) {
	now := time.Now()
	sess := ViewerSession{Deadline: now.Add(30 * time.Second)}

	assert.False(t, sess.Expired(now))
	assert.True(t, sess.Expired(now.Add(30*time.Second)))
	assert.True(t, sess.Expired(now.Add(time.Minute)))
}

// The Redis touch and remove scripts address session documents by JSON key, so
// the wire names are load-bearing.
func TestViewerSession_WireFieldNames(t *testing.T) {
	sess := ViewerSession{
		GiftID:       "gift-1",
		UserID:       "user-1",
		ConnectionID: "conn-1",
		JoinedAt:     time.Now(),
		Deadline:     time.Now().Add(time.Minute),
	}

	data, err := json.Marshal(sess)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{"gift_id", "user_id", "connection_id", "joined_at", "expiry_deadline"} {
		assert.Contains(t, raw, key)
	}
}
