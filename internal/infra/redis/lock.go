// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caregiver-billing/internal/domain/ports/adapter"
)

var _ adapter.Locker = (*RedisLocker)(nil)

// RedisLocker is a single-instance SET NX lock with token-checked release.
type RedisLocker struct {
	cli     RedisClient
	prefix  string
	retries int
	backoff time.Duration
}

func NewLocker(c RedisClient) *RedisLocker {
	return &RedisLocker{cli: c, prefix: "lock:", retries: 3, backoff: 50 * time.Millisecond}
}

// TryLock reports ok=false when another holder owns key after a few short retries.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	var lastErr error
	for i := 0; i < l.retries; i++ {
		ok, err := l.cli.SetNX(ctx, l.prefix+key, token, ttl)
		switch {
		case err != nil:
			lastErr = err
		case ok:
			return token, true, nil
		default:
			lastErr = nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(l.backoff):
		}
	}
	if lastErr != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, lastErr)
	}
	return "", false, nil
}

// Unlock is a no-op when the lock expired or was taken over by another holder.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := l.cli.DelIfEquals(ctx, l.prefix+key, token)
	return err
}
