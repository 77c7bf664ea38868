// Package redisstore implements the last-value store contract on Redis.
// Each topic maps to one JSON-encoded key under the store's prefix;
// wildcard lookups SCAN the prefix and finish the match in Go.
package redisstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const healthPingInterval = 5 * time.Second

// Config holds the connection parameters for one Redis server.
type Config struct {
	Addr     string        `yaml:"addr" env:"ARCMQ_REDIS_ADDR"`
	Password string        `yaml:"password" env:"ARCMQ_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"ARCMQ_REDIS_DB"`
	PoolSize int           `yaml:"poolSize"`
	Timeout  time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:     "localhost:6379",
		PoolSize: 10,
		Timeout:  3 * time.Second,
	}
}

// Client wraps one Redis connection pool with the health state shared by
// every store on it.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
	log     zerolog.Logger

	up     atomic.Bool
	cancel context.CancelFunc
}

// Connect opens the pool, verifies it with a ping, and returns the
// wrapper. Call StartHealthLoop to keep the status current.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return NewClient(rdb, cfg.Timeout, logger), nil
}

// NewClient wraps an existing client; tests hand in redismock clients
// here.
func NewClient(rdb *redis.Client, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	c := &Client{
		rdb:     rdb,
		timeout: timeout,
		log:     logger.With().Str("component", "redis").Logger(),
	}
	c.up.Store(true)
	return c
}

// Raw exposes the underlying client for cluster lock and map providers
// that share the pool.
func (c *Client) Raw() *redis.Client { return c.rdb }

// StartHealthLoop probes the connection every five seconds until the
// context ends.
func (c *Client) StartHealthLoop(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(healthPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
				err := c.rdb.Ping(pingCtx).Err()
				cancel()

				was := c.up.Swap(err == nil)
				if err != nil && was {
					c.log.Error().Err(err).Msg("redis unreachable")
				} else if err == nil && !was {
					c.log.Info().Msg("redis connection restored")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the health loop and the pool.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.rdb.Close()
}

// Up reports the last health probe's outcome.
func (c *Client) Up() bool { return c.up.Load() }
