package lockmgr

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "distillo:lock:"

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is the shared backend for setups where more than one process
// may submit the same URL.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(addr string) *RedisLocker {
	return &RedisLocker{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	owner := uuid.NewString()
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, owner, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrHeld
	}
	return key + "/" + owner, nil
}

func (r *RedisLocker) Release(ctx context.Context, token string) error {
	i := strings.LastIndexByte(token, '/')
	if i <= 0 {
		return nil
	}
	key, owner := token[:i], token[i+1:]
	return releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, owner).Err()
}

// Ping verifies connectivity at startup.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
