package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gift-presence/internal/status"
	"gift-presence/models"
)

// MemoryPresenceStore keeps the session table in process memory. It serves
// single-instance deployments and tests; multi-instance deployments share
// state through RedisPresenceStore instead.
//
// Each gift has its own lock so units of work for different gifts proceed in
// parallel while all transitions of one gift stay serialized. Version counters
// survive a gift going empty so they stay monotonic for the fan-out receivers.
type MemoryPresenceStore struct {
	mu    sync.RWMutex
	gifts map[string]*giftState
}

type giftState struct {
	mu       sync.Mutex
	sessions map[string]models.ViewerSession
	version  int64
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{
		gifts: make(map[string]*giftState),
	}
}

func (s *MemoryPresenceStore) gift(giftID string) *giftState {
	s.mu.RLock()
	g, ok := s.gifts[giftID]
	s.mu.RUnlock()
	if ok {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok = s.gifts[giftID]; ok {
		return g
	}
	g = &giftState{sessions: make(map[string]models.ViewerSession)}
	s.gifts[giftID] = g
	return g
}

func (s *MemoryPresenceStore) Upsert(_ context.Context, sess models.ViewerSession) (UpsertResult, error) {
	g := s.gift(sess.GiftID)
	g.mu.Lock()
	defer g.mu.Unlock()

	before := len(g.sessions)
	_, existed := g.sessions[sess.UserID]
	g.sessions[sess.UserID] = sess
	after := len(g.sessions)

	result := UpsertResult{
		Created: !existed,
		Before:  before,
		After:   after,
	}
	if after != before {
		g.version++
		result.Version = g.version
	}
	return result, nil
}

func (s *MemoryPresenceStore) Remove(_ context.Context, giftID, userID, connectionID string) (RemoveResult, error) {
	g := s.gift(giftID)
	g.mu.Lock()
	defer g.mu.Unlock()

	sess, ok := g.sessions[userID]
	if !ok || (connectionID != "" && sess.ConnectionID != connectionID) {
		return RemoveResult{After: len(g.sessions)}, nil
	}

	delete(g.sessions, userID)
	g.version++
	return RemoveResult{
		Removed: true,
		After:   len(g.sessions),
		Version: g.version,
		Session: &sess,
	}, nil
}

func (s *MemoryPresenceStore) Touch(_ context.Context, giftID, userID string, deadline time.Time) error {
	g := s.gift(giftID)
	g.mu.Lock()
	defer g.mu.Unlock()

	sess, ok := g.sessions[userID]
	if !ok {
		return fmt.Errorf("touch %s/%s: %w", giftID, userID, status.ErrNotTracked)
	}

	sess.Deadline = deadline
	g.sessions[userID] = sess
	return nil
}

func (s *MemoryPresenceStore) SweepExpired(_ context.Context, now time.Time) ([]ExpiredSession, error) {
	s.mu.RLock()
	giftIDs := make([]string, 0, len(s.gifts))
	for id := range s.gifts {
		giftIDs = append(giftIDs, id)
	}
	s.mu.RUnlock()
	sort.Strings(giftIDs)

	var expired []ExpiredSession
	for _, giftID := range giftIDs {
		g := s.gift(giftID)
		g.mu.Lock()

		users := make([]string, 0, len(g.sessions))
		for user := range g.sessions {
			users = append(users, user)
		}
		sort.Strings(users)

		for _, user := range users {
			sess := g.sessions[user]
			if !sess.Expired(now) {
				continue
			}
			delete(g.sessions, user)
			g.version++
			expired = append(expired, ExpiredSession{
				Session: sess,
				After:   len(g.sessions),
				Version: g.version,
			})
		}
		g.mu.Unlock()
	}

	return expired, nil
}

func (s *MemoryPresenceStore) Sessions(_ context.Context, giftID string) ([]models.ViewerSession, int64, error) {
	g := s.gift(giftID)
	g.mu.Lock()
	defer g.mu.Unlock()

	sessions := make([]models.ViewerSession, 0, len(g.sessions))
	for _, sess := range g.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UserID < sessions[j].UserID })

	return sessions, g.version, nil
}

func (s *MemoryPresenceStore) OccupiedGifts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var giftIDs []string
	for id, g := range s.gifts {
		g.mu.Lock()
		occupied := len(g.sessions) > 0
		g.mu.Unlock()
		if occupied {
			giftIDs = append(giftIDs, id)
		}
	}
	sort.Strings(giftIDs)
	return giftIDs, nil
}
