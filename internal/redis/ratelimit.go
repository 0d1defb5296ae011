package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/metrics"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Name   string        // Metrics label, e.g. "webhook"
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims, counts and conditionally appends in one round trip.
// KEYS[1] window set; ARGV: now (ns), window start (ns), limit, n, ttl (ms),
// member prefix.
// Returns {allowed, count after the call}.
var slidingWindow = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
if count + n > limit then
	return {0, count}
end
for i = 0, n - 1 do
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[6] .. "-" .. i)
end
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, count + n}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted
// sets. Webhook routes use it per provider and caller IP.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Limit returns the configured request budget per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	vals, err := slidingWindow.Run(ctx, r.client.rdb, []string{"ratelimit:" + key},
		now.UnixNano(),
		windowStart.UnixNano(),
		r.config.Limit,
		n,
		(r.config.Window + time.Second).Milliseconds(),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("rate limit script: unexpected reply %v", vals)
	}

	allowed := vals[0] == 1
	remaining := r.config.Limit - int(vals[1])
	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("current", vals[1]),
			zap.Int("limit", r.config.Limit),
		)
		metrics.RecordRateLimitRejection(r.config.Name)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, remaining),
		ResetAt:   resetAt,
	}, nil
}
