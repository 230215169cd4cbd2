package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gift-presence/internal/status"
	"gift-presence/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(giftID, userID, connID string, deadline time.Time) models.ViewerSession {
	return models.ViewerSession{
		GiftID:       giftID,
		UserID:       userID,
		ConnectionID: connID,
		JoinedAt:     time.Now(),
		Deadline:     deadline,
	}
}

func TestMemoryStore_UpsertAndRemove_RoundTrip(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	result, err := store.Upsert(ctx, testSession("gift-1", "user-1", "conn-1", deadline))
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 0, result.Before)
	assert.Equal(t, 1, result.After)
	assert.Positive(t, result.Version)

	removed, err := store.Remove(ctx, "gift-1", "user-1", "")
	require.NoError(t, err)
	assert.True(t, removed.Removed)
	assert.Equal(t, 0, removed.After)
	assert.Greater(t, removed.Version, result.Version)

	// Back to the exact pre-join occupancy
	sessions, _, err := store.Sessions(ctx, "gift-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMemoryStore_Upsert_SameUserDoesNotDuplicate(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	first, err := store.Upsert(ctx, testSession("gift-1", "user-1", "conn-1", deadline))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Positive(t, first.Version)

	// Re-join refreshes: same count, no new version, no broadcast trigger
	second, err := store.Upsert(ctx, testSession("gift-1", "user-1", "conn-2", deadline.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, 1, second.Before)
	assert.Equal(t, 1, second.After)
	assert.Zero(t, second.Version)

	// The newer connection owns the session now
	sessions, _, err := store.Sessions(ctx, "gift-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "conn-2", sessions[0].ConnectionID)
}

func TestMemoryStore_Remove_AbsentIsNoOp(t *testing.T) {
	store := NewMemoryPresenceStore()

	result, err := store.Remove(context.Background(), "gift-1", "user-1", "")
	require.NoError(t, err)
	assert.False(t, result.Removed)
	assert.Zero(t, result.Version)
}

func TestMemoryStore_Remove_ConnectionFilter(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	_, err := store.Upsert(ctx, testSession("gift-1", "user-1", "conn-new", deadline))
	require.NoError(t, err)

	// A stale disconnect for the old connection must not kill the re-joined session
	result, err := store.Remove(ctx, "gift-1", "user-1", "conn-old")
	require.NoError(t, err)
	assert.False(t, result.Removed)
	assert.Equal(t, 1, result.After)

	result, err = store.Remove(ctx, "gift-1", "user-1", "conn-new")
	require.NoError(t, err)
	assert.True(t, result.Removed)
}

func TestMemoryStore_Touch(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	err := store.Touch(ctx, "gift-1", "user-1", deadline)
	assert.ErrorIs(t, err, status.ErrNotTracked)

	_, err = store.Upsert(ctx, testSession("gift-1", "user-1", "conn-1", deadline))
	require.NoError(t, err)

	extended := deadline.Add(time.Minute)
	require.NoError(t, store.Touch(ctx, "gift-1", "user-1", extended))

	sessions, _, err := store.Sessions(ctx, "gift-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Deadline.Equal(extended))
}

func TestMemoryStore_SweepExpired(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Upsert(ctx, testSession("gift-1", "stale", "conn-1", now.Add(-time.Second)))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testSession("gift-1", "fresh", "conn-2", now.Add(time.Minute)))
	require.NoError(t, err)

	expired, err := store.SweepExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].Session.UserID)
	assert.Equal(t, 1, expired[0].After)

	// Idempotent: a second sweep finds nothing
	expired, err = store.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestMemoryStore_SweepAfterLeave_ReportsNothing(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Upsert(ctx, testSession("gift-1", "user-1", "conn-1", now.Add(-time.Second)))
	require.NoError(t, err)

	// Explicit leave wins the race; the sweep must not report the same removal
	removed, err := store.Remove(ctx, "gift-1", "user-1", "")
	require.NoError(t, err)
	assert.True(t, removed.Removed)

	expired, err := store.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestMemoryStore_ConcurrentJoins_NoLostUpdates(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	const viewers = 50
	var wg sync.WaitGroup
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			_, err := store.Upsert(ctx, testSession("gift-1", user, "conn-"+user, deadline))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sessions, version, err := store.Sessions(ctx, "gift-1")
	require.NoError(t, err)
	assert.Len(t, sessions, viewers)
	assert.Equal(t, int64(viewers), version)
}

func TestMemoryStore_ConcurrentJoinLeave_CountNeverNegative(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			for j := 0; j < 25; j++ {
				_, err := store.Upsert(ctx, testSession("gift-1", user, "conn", deadline))
				assert.NoError(t, err)
				result, err := store.Remove(ctx, "gift-1", user, "")
				assert.NoError(t, err)
				assert.GreaterOrEqual(t, result.After, 0)
			}
		}(i)
	}
	wg.Wait()

	sessions, _, err := store.Sessions(ctx, "gift-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMemoryStore_VersionsStayMonotonicAcrossIdle(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	_, err := store.Upsert(ctx, testSession("gift-1", "user-1", "conn-1", deadline))
	require.NoError(t, err)
	removed, err := store.Remove(ctx, "gift-1", "user-1", "")
	require.NoError(t, err)

	// Gift went idle; the next occupant must still get a higher version
	result, err := store.Upsert(ctx, testSession("gift-1", "user-2", "conn-2", deadline))
	require.NoError(t, err)
	assert.Greater(t, result.Version, removed.Version)
}

func TestMemoryStore_OccupiedGifts(t *testing.T) {
	store := NewMemoryPresenceStore()
	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)

	_, err := store.Upsert(ctx, testSession("gift-b", "user-1", "conn-1", deadline))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testSession("gift-a", "user-1", "conn-1", deadline))
	require.NoError(t, err)

	gifts, err := store.OccupiedGifts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gift-a", "gift-b"}, gifts)

	_, err = store.Remove(ctx, "gift-a", "user-1", "")
	require.NoError(t, err)

	gifts, err = store.OccupiedGifts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gift-b"}, gifts)
}
