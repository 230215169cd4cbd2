package security

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles chatty clients with Redis counters so the limit holds
// across server instances.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// HeartbeatRateLimit caps presence operations per caller per window. Keyed by
// user when authenticated, by IP otherwise.
func (r *RateLimiter) HeartbeatRateLimit(limit int, window time.Duration) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		var key string
		if e.Auth != nil {
			key = fmt.Sprintf("ratelimit:presence:user:%s", e.Auth.Id)
		} else {
			key = fmt.Sprintf("ratelimit:presence:ip:%s", e.RealIP())
		}

		ctx := e.Request.Context()
		count, err := r.redis.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(ctx, key, window)
			}
			if count > int64(limit) {
				return apis.NewApiError(http.StatusTooManyRequests,
					"Too many presence requests. Please slow down.", nil)
			}
		}

		return e.Next()
	}
}
