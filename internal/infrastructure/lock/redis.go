package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
	defaultKeyPrefix  = "blulok"
	pingTimeout       = 5 * time.Second
	releaseTimeout    = 2 * time.Second
)

// releaseScript deletes the key only if it still holds our token, so a lock
// that expired and was re-acquired elsewhere is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by a shared Redis instance.
//
// A holder that crashes leaves the lock to expire after TTL. A pass that
// outlives TTL loses exclusivity, so TTL should exceed the longest sync.
type Redis struct {
	client     *redis.Client
	keyPrefix  string
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg config.RedisConfig, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithClient(client, cfg.KeyPrefix, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *Redis {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{
		client:     client,
		keyPrefix:  keyPrefix,
		ttl:        ttl,
		retryDelay: defaultRetryDelay,
	}
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Lock implements Locker. It polls SET NX until the key is free or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := r.keyPrefix + ":lock:" + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("acquiring %s: %w", fullKey, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done by the time it unlocks.
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			releaseScript.Run(rctx, r.client, []string{fullKey}, token) //nolint:errcheck // Expiry covers a failed release
		})
	}, nil
}
