package models

import (
	"time"
)

// ViewerSession is the live record of one user viewing one gift. It is created
// on join, its deadline is pushed forward by heartbeats, and it is destroyed by
// leave, disconnect cleanup or the expiry sweep.
//
// The JSON field names are part of the store layout: the Redis touch script
// rewrites "expiry_deadline" in place and the remove script matches on
// "connection_id".
type ViewerSession struct {
	GiftID       string    `json:"gift_id"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	JoinedAt     time.Time `json:"joined_at"`
	Deadline     time.Time `json:"expiry_deadline"`
}

// Expired reports whether the session is logically dead at the given instant,
// even if the sweep has not physically removed it yet.
func (s ViewerSession) Expired(now time.Time) bool {
	return !s.Deadline.After(now)
}

// Event type names on the client-facing channels.
const (
	EventGiftOccupied  = "gift_occupied"
	EventGiftAvailable = "gift_available"
	EventViewerCount   = "viewer_count"
)

// OccupancyEvent is fanned out whenever a gift's viewer count changes. Version
// numbers are assigned by the store inside the same atomic step as the
// mutation, so receivers can discard duplicates and reordered deliveries by
// comparing versions per gift.
type OccupancyEvent struct {
	GiftID   string `json:"gift_id"`
	Count    int    `json:"viewer_count"`
	Previous int    `json:"previous_count"`
	Version  int64  `json:"version"`
	Origin   string `json:"origin,omitempty"`
}

// Type maps the transition onto the outbound event name.
func (e OccupancyEvent) Type() string {
	switch {
	case e.Count == 0:
		return EventGiftAvailable
	case e.Previous == 0:
		return EventGiftOccupied
	default:
		return EventViewerCount
	}
}

// PresenceSnapshot is the occupancy view returned to a single caller. Viewers
// is empty when the snapshot is redacted for the gift's owner.
type PresenceSnapshot struct {
	GiftID      string   `json:"gift_id"`
	ViewerCount int      `json:"viewer_count"`
	Viewers     []string `json:"viewers,omitempty"`
	Version     int64    `json:"version"`
}
