package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gift-presence/internal/status"
	"gift-presence/models"

	"github.com/redis/go-redis/v9"
)

// UpsertResult reports what a join did to the gift's session set. Version is
// zero when occupancy did not change (a refresh of an existing session).
type UpsertResult struct {
	Created bool
	Before  int
	After   int
	Version int64
}

// RemoveResult reports an explicit leave. Removed is false when there was no
// live session, which is a harmless no-op, not an error.
type RemoveResult struct {
	Removed bool
	After   int
	Version int64
	Session *models.ViewerSession
}

// ExpiredSession is one session reaped by the sweep, with the occupancy and
// version the gift was left at after that removal.
type ExpiredSession struct {
	Session models.ViewerSession
	After   int
	Version int64
}

// PresenceStore is the authoritative ephemeral state per gift: which users
// have it open and when each session expires. Implementations must serialize
// mutations per gift and assign occupancy versions inside the same atomic step
// as the mutation, so that fan-out receivers can order observations.
type PresenceStore interface {
	// Upsert inserts or refreshes the session. Never produces two entries for
	// the same (gift, user) pair.
	Upsert(ctx context.Context, sess models.ViewerSession) (UpsertResult, error)

	// Remove deletes the user's session. When connectionID is non-empty the
	// removal only happens if the live session belongs to that connection,
	// which keeps a stale disconnect from killing a re-joined session.
	Remove(ctx context.Context, giftID, userID, connectionID string) (RemoveResult, error)

	// Touch extends the session deadline. Returns status.ErrNotTracked when no
	// live session exists; it never creates one.
	Touch(ctx context.Context, giftID, userID string, deadline time.Time) error

	// SweepExpired atomically removes every session whose deadline has passed.
	// A session already removed by a concurrent explicit leave is not reported
	// again.
	SweepExpired(ctx context.Context, now time.Time) ([]ExpiredSession, error)

	// Sessions returns the live sessions of a gift with its current version.
	Sessions(ctx context.Context, giftID string) ([]models.ViewerSession, int64, error)

	// OccupiedGifts lists the gifts that currently have at least one session.
	OccupiedGifts(ctx context.Context) ([]string, error)
}

// Redis key layout, one trio per gift plus a global index:
//
//	presence:deadlines:<gift>  ZSET   member user id, score deadline (unix ms)
//	presence:sessions:<gift>   HASH   field user id, value session JSON
//	presence:version:<gift>    STRING occupancy version counter
//	presence:gifts             SET    index of occupied gifts
//
// Every mutation runs as a Lua script so Redis serializes all transitions of a
// single gift. The deadline and session keys carry a TTL of the hard ceiling as
// a backstop: if sweeps stall, Redis itself reaps the leaked state. The version
// key never expires, so occupancy versions stay monotonic per gift even across
// a backstop reap and receivers can always drop replayed or reordered events by
// version alone.
const (
	deadlinesKeyPrefix = "presence:deadlines:"
	sessionsKeyPrefix  = "presence:sessions:"
	versionKeyPrefix   = "presence:version:"
	giftIndexKey       = "presence:gifts"
)

// KEYS: deadlines, sessions, version, index
// ARGV: user, session JSON, deadline ms, hard TTL sec, gift id
const upsertScript = `
local existed = redis.call('HEXISTS', KEYS[2], ARGV[1])
local before = redis.call('HLEN', KEYS[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[5])
local after = redis.call('HLEN', KEYS[2])
local version = 0
if after ~= before then
  version = redis.call('INCR', KEYS[3])
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {1 - existed, before, after, version}
`

// KEYS: deadlines, sessions, version, index
// ARGV: user, connection filter ('' = unconditional), gift id
const removeScript = `
local doc = redis.call('HGET', KEYS[2], ARGV[1])
if doc == false then
  return {0, redis.call('HLEN', KEYS[2]), 0, ''}
end
if ARGV[2] ~= '' then
  local sess = cjson.decode(doc)
  if sess['connection_id'] ~= ARGV[2] then
    return {0, redis.call('HLEN', KEYS[2]), 0, ''}
  end
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
local after = redis.call('HLEN', KEYS[2])
local version = redis.call('INCR', KEYS[3])
if after == 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('SREM', KEYS[4], ARGV[3])
end
return {1, after, version, doc}
`

// KEYS: deadlines, sessions, version
// ARGV: user, deadline ms, deadline RFC3339, hard TTL sec
const touchScript = `
local doc = redis.call('HGET', KEYS[2], ARGV[1])
if doc == false then
  return 0
end
local sess = cjson.decode(doc)
sess['expiry_deadline'] = ARGV[3]
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(sess))
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`

// KEYS: deadlines, sessions, version, index
// ARGV: now ms, gift id
// Returns a flat list of (session JSON, occupancy after, version) triples.
// The index cleanup runs unconditionally: when the hard TTL backstop already
// reaped the data keys, the gift is only reachable through the index entry and
// this is the one place left to drop it.
const sweepScript = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local out = {}
for _, user in ipairs(expired) do
  local doc = redis.call('HGET', KEYS[2], user)
  redis.call('ZREM', KEYS[1], user)
  redis.call('HDEL', KEYS[2], user)
  if doc ~= false then
    out[#out+1] = doc
    out[#out+1] = redis.call('HLEN', KEYS[2])
    out[#out+1] = redis.call('INCR', KEYS[3])
  end
end
if redis.call('HLEN', KEYS[2]) == 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('SREM', KEYS[4], ARGV[2])
end
return out
`

type RedisPresenceStore struct {
	Redis   *redis.Client
	hardTTL time.Duration
}

func NewRedisPresenceStore(redisClient *redis.Client, hardTTL time.Duration) *RedisPresenceStore {
	return &RedisPresenceStore{
		Redis:   redisClient,
		hardTTL: hardTTL,
	}
}

func (s *RedisPresenceStore) keys(giftID string) []string {
	return []string{
		deadlinesKeyPrefix + giftID,
		sessionsKeyPrefix + giftID,
		versionKeyPrefix + giftID,
		giftIndexKey,
	}
}

func (s *RedisPresenceStore) hardTTLSeconds() int64 {
	return int64(s.hardTTL / time.Second)
}

func (s *RedisPresenceStore) Upsert(ctx context.Context, sess models.ViewerSession) (UpsertResult, error) {
	doc, err := json.Marshal(sess)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshal session: %w", err)
	}

	raw, err := s.Redis.Eval(ctx, upsertScript, s.keys(sess.GiftID),
		sess.UserID, string(doc), sess.Deadline.UnixMilli(), s.hardTTLSeconds(), sess.GiftID).Result()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: upsert %s/%s: %v", status.ErrStoreUnavailable, sess.GiftID, sess.UserID, err)
	}

	reply, err := intReply(raw, 4)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert %s/%s: %w", sess.GiftID, sess.UserID, err)
	}

	return UpsertResult{
		Created: reply[0] == 1,
		Before:  int(reply[1]),
		After:   int(reply[2]),
		Version: reply[3],
	}, nil
}

func (s *RedisPresenceStore) Remove(ctx context.Context, giftID, userID, connectionID string) (RemoveResult, error) {
	raw, err := s.Redis.Eval(ctx, removeScript, s.keys(giftID),
		userID, connectionID, giftID).Result()
	if err != nil {
		return RemoveResult{}, fmt.Errorf("%w: remove %s/%s: %v", status.ErrStoreUnavailable, giftID, userID, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return RemoveResult{}, fmt.Errorf("remove %s/%s: unexpected script reply %v", giftID, userID, raw)
	}

	result := RemoveResult{
		Removed: asInt64(values[0]) == 1,
		After:   int(asInt64(values[1])),
		Version: asInt64(values[2]),
	}

	if doc, _ := values[3].(string); doc != "" {
		var sess models.ViewerSession
		if err := json.Unmarshal([]byte(doc), &sess); err == nil {
			result.Session = &sess
		}
	}

	return result, nil
}

func (s *RedisPresenceStore) Touch(ctx context.Context, giftID, userID string, deadline time.Time) error {
	keys := s.keys(giftID)
	raw, err := s.Redis.Eval(ctx, touchScript, keys[:3],
		userID, deadline.UnixMilli(), deadline.UTC().Format(time.RFC3339Nano), s.hardTTLSeconds()).Result()
	if err != nil {
		return fmt.Errorf("%w: touch %s/%s: %v", status.ErrStoreUnavailable, giftID, userID, err)
	}

	if asInt64(raw) == 0 {
		return fmt.Errorf("touch %s/%s: %w", giftID, userID, status.ErrNotTracked)
	}

	return nil
}

func (s *RedisPresenceStore) SweepExpired(ctx context.Context, now time.Time) ([]ExpiredSession, error) {
	giftIDs, err := s.OccupiedGifts(ctx)
	if err != nil {
		return nil, err
	}

	var expired []ExpiredSession
	for _, giftID := range giftIDs {
		raw, err := s.Redis.Eval(ctx, sweepScript, s.keys(giftID),
			now.UnixMilli(), giftID).Result()
		if err != nil {
			return expired, fmt.Errorf("%w: sweep %s: %v", status.ErrStoreUnavailable, giftID, err)
		}

		values, ok := raw.([]interface{})
		if !ok {
			return expired, fmt.Errorf("sweep %s: unexpected script reply %v", giftID, raw)
		}

		for i := 0; i+2 < len(values); i += 3 {
			doc, _ := values[i].(string)

			var sess models.ViewerSession
			if err := json.Unmarshal([]byte(doc), &sess); err != nil {
				continue
			}

			expired = append(expired, ExpiredSession{
				Session: sess,
				After:   int(asInt64(values[i+1])),
				Version: asInt64(values[i+2]),
			})
		}
	}

	return expired, nil
}

func (s *RedisPresenceStore) Sessions(ctx context.Context, giftID string) ([]models.ViewerSession, int64, error) {
	docs, err := s.Redis.HVals(ctx, sessionsKeyPrefix+giftID).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: sessions %s: %v", status.ErrStoreUnavailable, giftID, err)
	}

	version, err := s.Redis.Get(ctx, versionKeyPrefix+giftID).Int64()
	if err != nil && err != redis.Nil {
		return nil, 0, fmt.Errorf("%w: sessions %s: %v", status.ErrStoreUnavailable, giftID, err)
	}

	sessions := make([]models.ViewerSession, 0, len(docs))
	for _, doc := range docs {
		var sess models.ViewerSession
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}

	return sessions, version, nil
}

func (s *RedisPresenceStore) OccupiedGifts(ctx context.Context) ([]string, error) {
	giftIDs, err := s.Redis.SMembers(ctx, giftIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: gift index: %v", status.ErrStoreUnavailable, err)
	}
	return giftIDs, nil
}

func intReply(raw interface{}, want int) ([]int64, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != want {
		return nil, fmt.Errorf("unexpected script reply %v", raw)
	}

	out := make([]int64, want)
	for i, v := range values {
		out[i] = asInt64(v)
	}
	return out, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var parsed int64
		fmt.Sscan(n, &parsed)
		return parsed
	default:
		return 0
	}
}
