package services

import (
	"sort"
	"sync"
)

// SessionRegistry indexes, per connection, the gifts that connection has
// joined, so a disconnect can trigger leaves without the client sending one
// per gift. It is bookkeeping only, never a source of truth for occupancy,
// and always lives in process memory because connections are local to an
// instance.
type SessionRegistry struct {
	mu    sync.Mutex
	conns map[string]*connectionContext
}

type connectionContext struct {
	userID string
	gifts  map[string]struct{}
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{conns: make(map[string]*connectionContext)}
}

// Track records that the connection, authenticated as userID, joined the gift.
func (r *SessionRegistry) Track(connectionID, userID, giftID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.conns[connectionID]
	if !ok {
		ctx = &connectionContext{userID: userID, gifts: make(map[string]struct{})}
		r.conns[connectionID] = ctx
	}
	ctx.userID = userID
	ctx.gifts[giftID] = struct{}{}
}

// Untrack drops one gift from the connection's subscriptions.
func (r *SessionRegistry) Untrack(connectionID, giftID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.conns[connectionID]
	if !ok {
		return
	}
	delete(ctx.gifts, giftID)
	if len(ctx.gifts) == 0 {
		delete(r.conns, connectionID)
	}
}

// DrainAll removes the connection entirely and returns its user and the gifts
// it was still subscribed to, sorted for deterministic cleanup order.
func (r *SessionRegistry) DrainAll(connectionID string) (string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.conns[connectionID]
	if !ok {
		return "", nil
	}
	delete(r.conns, connectionID)

	gifts := make([]string, 0, len(ctx.gifts))
	for giftID := range ctx.gifts {
		gifts = append(gifts, giftID)
	}
	sort.Strings(gifts)
	return ctx.userID, gifts
}

// ActiveConnections reports how many connections currently track at least one gift.
func (r *SessionRegistry) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
