package synclock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only when it still holds our token, so a
// lock that expired and was re-acquired by another sync is never released
// by the first holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker is a Locker backed by Redis SET NX PX, usable across
// replicas. The TTL caps how long a crashed run can hold a lock.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a distributed locker.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		logger: logger.Named("synclock"),
	}
}

var _ Locker = (*RedisLocker)(nil)

// Acquire takes the lock for key or fails fast with ErrAlreadyLocked.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := "synclock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyLocked
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must not inherit a canceled sync context.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("Failed to release sync lock; TTL will reap it",
					zap.String("key", key), zap.Error(err))
			}
		})
	}
	return release, nil
}
