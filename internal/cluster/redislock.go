package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/arcmq/arcmq/internal/broker"
)

// RedisLocks provides cluster-wide named locks backed by a shared Redis.
// Each lock value carries a holder token so a node can only release what it
// acquired; the TTL frees locks left behind by a crashed holder.
type RedisLocks struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocks(client *redis.Client, prefix string, ttl time.Duration) *RedisLocks {
	if prefix == "" {
		prefix = "arcmq"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocks{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisLocks) NamedLock(name string) NamedLock {
	return &redisLock{
		client: r.client,
		key:    fmt.Sprintf("%s:lock:%s", r.prefix, name),
		token:  uuid.NewString(),
		ttl:    r.ttl,
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

type redisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l *redisLock) Acquire(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return broker.ErrLockAcquisitionFailed
			}
			return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
		}
		if ok {
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return broker.ErrLockAcquisitionFailed
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// RedisMaps provides cluster-wide shared maps as Redis hashes.
type RedisMaps struct {
	client *redis.Client
	prefix string
}

func NewRedisMaps(client *redis.Client, prefix string) *RedisMaps {
	if prefix == "" {
		prefix = "arcmq"
	}
	return &RedisMaps{client: client, prefix: prefix}
}

func (r *RedisMaps) SharedMap(name string) SharedMap {
	return &redisMap{client: r.client, key: fmt.Sprintf("%s:map:%s", r.prefix, name)}
}

type redisMap struct {
	client *redis.Client
	key    string
}

func (m *redisMap) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := m.client.HGet(ctx, m.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s[%s]: %w", m.key, key, err)
	}
	return v, true, nil
}

func (m *redisMap) Set(ctx context.Context, key, value string) error {
	if err := m.client.HSet(ctx, m.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to write %s[%s]: %w", m.key, key, err)
	}
	return nil
}

func (m *redisMap) Delete(ctx context.Context, key string) error {
	if err := m.client.HDel(ctx, m.key, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s[%s]: %w", m.key, key, err)
	}
	return nil
}

func (m *redisMap) Entries(ctx context.Context) (map[string]string, error) {
	entries, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", m.key, err)
	}
	return entries, nil
}
