package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisRateLimitPrefix  = "statikk:ratelimit:"
	redisRateLimitTimeout = 250 * time.Millisecond
)

// redisRateLimiter shares fixed windows across API replicas.
type redisRateLimiter struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisRateLimiter connects to addr and verifies it with a PING.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{client: client, logger: logger.With("component", "rate_limiter")}, nil
}

func (rl *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, redisRateLimitTimeout)
	defer cancel()

	redisKey := redisRateLimitPrefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		// Fail open on redis errors.
		rl.logger.Error("redis rate limit check failed", "key", key, "error", err)
		return rateDecision{allowed: true}
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	count := int(incr.Val())
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
