// Package async provides the bounded batch queues that decouple the
// broker's fast paths from blocking store writes.
package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Submit when the queue is at capacity. Callers
// surface it as backpressure to their producers.
var ErrQueueFull = errors.New("queue full")

// DrainFunc consumes one batch. A non-nil error keeps the batch in the
// drainer's hands: it is retried with backoff until it succeeds or the
// queue shuts down.
type DrainFunc[T any] func(ctx context.Context, batch []T) error

// Config sizes one queue.
type Config struct {
	Capacity     int           // queued items before Submit fails
	BatchSize    int           // max items handed to one drain call
	Linger       time.Duration // max wait for a partial batch to fill
	RetryInitial time.Duration // first retry delay after a failed drain
	RetryMax     time.Duration // backoff cap
}

// DefaultConfig returns the queue sizing used across the broker.
func DefaultConfig() Config {
	return Config{
		Capacity:     10000,
		BatchSize:    1000,
		Linger:       100 * time.Millisecond,
		RetryInitial: 3 * time.Second,
		RetryMax:     30 * time.Second,
	}
}

// Queue is a bounded FIFO drained in batches by a single worker goroutine.
// Submit never blocks; producers see ErrQueueFull when the drainer falls
// behind.
type Queue[T any] struct {
	name   string
	cfg    Config
	ch     chan T
	drain  DrainFunc[T]
	log    zerolog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewQueue[T any](name string, cfg Config, log zerolog.Logger, drain DrainFunc[T]) *Queue[T] {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Linger <= 0 {
		cfg.Linger = def.Linger
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}

	return &Queue[T]{
		name:  name,
		cfg:   cfg,
		ch:    make(chan T, cfg.Capacity),
		drain: drain,
		log:   log.With().Str("queue", name).Logger(),
	}
}

// Submit adds one item without blocking.
func (q *Queue[T]) Submit(item T) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of items waiting to be drained.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Capacity returns the queue's configured capacity.
func (q *Queue[T]) Capacity() int { return cap(q.ch) }

// Start spawns the drain loop. It is a no-op when called twice.
func (q *Queue[T]) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		q.wg.Add(1)
		go q.loop(ctx)
	})
}

// Stop signals the drain loop, flushes what is left in the channel, and
// waits for the loop to exit or the context to expire.
func (q *Queue[T]) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) loop(ctx context.Context) {
	defer q.wg.Done()

	for {
		batch, open := q.nextBatch(ctx)
		if len(batch) > 0 {
			q.drainWithRetry(ctx, batch)
		}
		if !open {
			q.flushRemaining()
			return
		}
	}
}

// nextBatch blocks for the first item, then fills the batch until it is
// full or the linger window closes. The second return value is false once
// the queue is shutting down.
func (q *Queue[T]) nextBatch(ctx context.Context) ([]T, bool) {
	var first T
	select {
	case first = <-q.ch:
	case <-ctx.Done():
		return nil, false
	}

	batch := make([]T, 0, q.cfg.BatchSize)
	batch = append(batch, first)

	timer := time.NewTimer(q.cfg.Linger)
	defer timer.Stop()

	for len(batch) < q.cfg.BatchSize {
		select {
		case item := <-q.ch:
			batch = append(batch, item)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, false
		}
	}
	return batch, true
}

func (q *Queue[T]) drainWithRetry(ctx context.Context, batch []T) {
	delay := q.cfg.RetryInitial
	for {
		err := q.drain(ctx, batch)
		if err == nil {
			return
		}
		q.log.Error().Err(err).Int("batch_size", len(batch)).Msg("batch drain failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			q.finalDrain(batch)
			return
		}

		delay *= 2
		if delay > q.cfg.RetryMax {
			delay = q.cfg.RetryMax
		}
	}
}

// flushRemaining empties the channel after shutdown was signalled.
func (q *Queue[T]) flushRemaining() {
	for {
		batch := make([]T, 0, q.cfg.BatchSize)
		for len(batch) < q.cfg.BatchSize {
			select {
			case item := <-q.ch:
				batch = append(batch, item)
			default:
				goto drain
			}
		}
	drain:
		if len(batch) == 0 {
			return
		}
		q.finalDrain(batch)
	}
}

// finalDrain makes one bounded attempt per batch during shutdown; items a
// failing store cannot take are dropped with an error log.
func (q *Queue[T]) finalDrain(batch []T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.drain(ctx, batch); err != nil {
		q.log.Error().Err(err).Int("batch_size", len(batch)).Msg("dropping batch on shutdown")
	}
}
