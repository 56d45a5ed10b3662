package redis

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter counts requests per client and route in fixed windows.
type RateLimiter struct {
	client RedisClient
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow reports whether clientID may call route again in the current window.
// A non-positive limit disables limiting.
func (r *RateLimiter) Allow(ctx context.Context, clientID, route string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := ClientRouteKey(clientID, route)
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window); err != nil {
			// a counter without TTL would block the client forever
			_ = r.client.Del(ctx, key)
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= int64(limit), nil
}

func ClientRouteKey(clientID, route string) string {
	return fmt.Sprintf("rate_limit:%s:%s", clientID, route)
}
