package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gift-presence/config"
	"gift-presence/internal/status"
	"gift-presence/models"
	"gift-presence/monitoring"
)

// GiftCatalog is the persistence collaborator: existence is checked once at
// join time, ownership per delivered snapshot for redaction.
type GiftCatalog interface {
	Exists(ctx context.Context, giftID string) (bool, error)
	IsOwner(ctx context.Context, userID, giftID string) (bool, error)
	Metadata(ctx context.Context, giftID string) (*models.Gift, error)
}

// PresenceCoordinator orchestrates joins, leaves, heartbeats and disconnect
// cleanup against the store and registry, applies the owner redaction policy,
// and triggers exactly one broadcast per occupancy change. The store
// serializes transitions per gift, so concurrent operations on the same gift
// always observe a valid sequence of the state machine
// Available -> Occupied(1) -> Occupied(n) -> ... -> Available.
type PresenceCoordinator struct {
	store     PresenceStore
	registry  *SessionRegistry
	publisher EventPublisher
	catalog   GiftCatalog
	config    *config.Config
}

func NewPresenceCoordinator(store PresenceStore, registry *SessionRegistry, publisher EventPublisher, catalog GiftCatalog, cfg *config.Config) *PresenceCoordinator {
	return &PresenceCoordinator{
		store:     store,
		registry:  registry,
		publisher: publisher,
		catalog:   catalog,
		config:    cfg,
	}
}

// Join starts or refreshes a viewer session and returns the snapshot redacted
// for the joining user. Re-joining refreshes the deadline and takes over the
// connection id; it never duplicates the session or inflates the count.
func (c *PresenceCoordinator) Join(ctx context.Context, giftID, userID, connectionID string) (*models.PresenceSnapshot, error) {
	exists, err := c.catalog.Exists(ctx, giftID)
	if err != nil {
		monitoring.TrackPresenceOp("join", "error")
		return nil, fmt.Errorf("join %s: %w", giftID, err)
	}
	if !exists {
		monitoring.TrackPresenceOp("join", "unknown_resource")
		return nil, fmt.Errorf("join %s: %w", giftID, status.ErrUnknownResource)
	}

	now := time.Now()
	result, err := c.store.Upsert(ctx, models.ViewerSession{
		GiftID:       giftID,
		UserID:       userID,
		ConnectionID: connectionID,
		JoinedAt:     now,
		Deadline:     now.Add(c.config.ExpiryWindow),
	})
	if err != nil {
		monitoring.TrackPresenceOp("join", "error")
		return nil, err
	}

	c.registry.Track(connectionID, userID, giftID)

	if result.Version > 0 {
		c.publisher.Publish(ctx, models.OccupancyEvent{
			GiftID:   giftID,
			Count:    result.After,
			Previous: result.Before,
			Version:  result.Version,
		})
	}

	slog.Info("viewer joined", "gift_id", giftID, "user_id", userID,
		"viewer_count", result.After, "refreshed", !result.Created)
	monitoring.TrackPresenceOp("join", "success")

	snapshot, err := c.Snapshot(ctx, giftID, userID)
	if err != nil {
		// The session exists and the broadcast is on its way; failing the
		// join now would push the client into a pointless re-join loop. Hand
		// back what the upsert already told us and let the client fetch the
		// full snapshot later.
		slog.Warn("join snapshot degraded", "gift_id", giftID, "user_id", userID, "error", err)
		return &models.PresenceSnapshot{
			GiftID:      giftID,
			ViewerCount: result.After,
			Version:     result.Version,
		}, nil
	}
	return snapshot, nil
}

// Heartbeat extends the session deadline. A heartbeat with no live session
// fails with status.ErrNotTracked and the client must re-join; it never
// silently creates a session.
func (c *PresenceCoordinator) Heartbeat(ctx context.Context, giftID, userID string) error {
	err := c.store.Touch(ctx, giftID, userID, time.Now().Add(c.config.ExpiryWindow))
	if err != nil {
		monitoring.TrackPresenceOp("heartbeat", "miss")
		return err
	}

	monitoring.TrackPresenceOp("heartbeat", "success")
	return nil
}

// Leave ends the user's session. Leaving without a live session is a no-op.
func (c *PresenceCoordinator) Leave(ctx context.Context, giftID, userID, connectionID string) error {
	result, err := c.store.Remove(ctx, giftID, userID, connectionID)
	if err != nil {
		monitoring.TrackPresenceOp("leave", "error")
		return err
	}

	c.registry.Untrack(connectionID, giftID)

	if result.Removed && result.Version > 0 {
		c.publisher.Publish(ctx, models.OccupancyEvent{
			GiftID:   giftID,
			Count:    result.After,
			Previous: result.After + 1,
			Version:  result.Version,
		})
		slog.Info("viewer left", "gift_id", giftID, "user_id", userID, "viewer_count", result.After)
	}

	monitoring.TrackPresenceOp("leave", "success")
	return nil
}

// OnDisconnect drains the connection's subscriptions and leaves each gift on
// its behalf, so clients need no per-gift goodbye messages.
func (c *PresenceCoordinator) OnDisconnect(ctx context.Context, connectionID string) error {
	userID, gifts := c.registry.DrainAll(connectionID)
	if len(gifts) == 0 {
		return nil
	}

	var firstErr error
	for _, giftID := range gifts {
		if err := c.Leave(ctx, giftID, userID, connectionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	slog.Info("connection drained", "connection_id", connectionID, "gifts", len(gifts))
	monitoring.TrackPresenceOp("disconnect", "success")
	return firstErr
}

// HandleExpiry finalizes one session reaped by the sweep: registry cleanup
// plus the availability broadcast the departed viewer can no longer trigger.
func (c *PresenceCoordinator) HandleExpiry(ctx context.Context, expired ExpiredSession) {
	sess := expired.Session
	c.registry.Untrack(sess.ConnectionID, sess.GiftID)

	if expired.Version > 0 {
		c.publisher.Publish(ctx, models.OccupancyEvent{
			GiftID:   sess.GiftID,
			Count:    expired.After,
			Previous: expired.After + 1,
			Version:  expired.Version,
		})
	}

	slog.Info("session expired", "gift_id", sess.GiftID, "user_id", sess.UserID,
		"viewer_count", expired.After)
	monitoring.TrackPresenceOp("expire", "success")
}

// Snapshot returns the gift's occupancy as seen by requestingUser. Owners get
// the count but never the viewer identities.
func (c *PresenceCoordinator) Snapshot(ctx context.Context, giftID, requestingUserID string) (*models.PresenceSnapshot, error) {
	sessions, version, err := c.store.Sessions(ctx, giftID)
	if err != nil {
		return nil, err
	}

	snapshot := &models.PresenceSnapshot{
		GiftID:      giftID,
		ViewerCount: len(sessions),
		Version:     version,
	}

	owner, err := c.catalog.IsOwner(ctx, requestingUserID, giftID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", giftID, err)
	}
	if owner {
		return snapshot, nil
	}

	for _, sess := range sessions {
		snapshot.Viewers = append(snapshot.Viewers, sess.UserID)
	}
	return snapshot, nil
}
