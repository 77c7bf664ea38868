// Package postgres implements every store contract on PostgreSQL via
// sqlx. Writes run inside per-call timeouts; batch operations use one
// transaction with a prepared statement; a background ping tracks
// connectivity and a circuit breaker keeps a dead database from stalling
// the broker's worker loops.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/arcmq/arcmq/internal/broker"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// healthPingInterval paces the connectivity probe.
const healthPingInterval = 5 * time.Second

// Config holds the connection parameters for one PostgreSQL database.
type Config struct {
	URL          string        `yaml:"url" env:"ARCMQ_POSTGRES_URL"`
	MaxOpenConns int           `yaml:"maxOpenConns"`
	MaxIdleConns int           `yaml:"maxIdleConns"`
	Timeout      time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns: 16,
		MaxIdleConns: 4,
		Timeout:      10 * time.Second,
	}
}

// DB wraps one sqlx connection pool with the health and breaker state
// shared by every repository on it.
type DB struct {
	db      *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker

	up     atomic.Bool
	cancel context.CancelFunc
}

// Connect opens the pool, verifies it with a ping, and starts the health
// loop.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	def := DefaultConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return NewDB(db, cfg.Timeout, logger), nil
}

// NewDB wraps an existing pool; tests hand in sqlmock connections here.
func NewDB(db *sqlx.DB, timeout time.Duration, logger zerolog.Logger) *DB {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	d := &DB{
		db:      db,
		timeout: timeout,
		log:     logger.With().Str("component", "postgres").Logger(),
	}
	d.up.Store(true)
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "postgres",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			d.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("postgres breaker state changed")
		},
	})
	return d
}

// StartHealthLoop probes the connection every five seconds until the
// context ends.
func (d *DB) StartHealthLoop(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(healthPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, d.timeout)
				err := d.db.PingContext(pingCtx)
				cancel()

				was := d.up.Swap(err == nil)
				if err != nil && was {
					d.log.Error().Err(err).Msg("postgres unreachable")
				} else if err == nil && !was {
					d.log.Info().Msg("postgres connection restored")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the health loop and the pool.
func (d *DB) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	return d.db.Close()
}

// Up reports the last health probe's outcome.
func (d *DB) Up() bool { return d.up.Load() }

// exec runs one store operation through the breaker with the per-call
// timeout. Breaker rejections surface as broker.ErrStoreUnavailable.
func (d *DB) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return broker.ErrStoreUnavailable
	}
	return err
}

// isDuplicate reports whether err is a unique-constraint violation.
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// isNoRows strips the sentinel the stores translate to "absent".
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
