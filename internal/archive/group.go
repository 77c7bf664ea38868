// Package archive implements archive groups: named pipelines that fan
// matching publishes into a last-value store and an append-only archive
// store, with periodic retention purges coordinated by a cluster lock.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/async"
	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/cluster"
	"github.com/arcmq/arcmq/internal/metrics"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/topic"
)

// lockTimeout bounds how long a node waits for the purge lock before
// skipping its tick.
const lockTimeout = 30 * time.Second

// slowPurge is the elapsed time past which a purge is reported to
// operators.
const slowPurge = 30 * time.Second

// Options configures a Group beyond its definition and stores.
type Options struct {
	// Locks coordinates retention purges across nodes. Nil disables
	// purging even when the definition configures it.
	Locks cluster.LockProvider

	Queue   async.Config
	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

// Group is one configured pipeline. Accepted messages flow through a
// bounded queue onto a writer goroutine so store latency never reaches
// the publish path.
type Group struct {
	def     store.ArchiveGroupDef
	filters *topic.Index[struct{}]
	lastVal store.MessageStore
	archive store.MessageArchive

	locks   cluster.LockProvider
	metrics *metrics.Registry
	log     zerolog.Logger

	queue *async.Queue[broker.Message]

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewGroup validates the definition's filters and assembles the pipeline.
// Either store may be nil; a group with neither attached is rejected.
func NewGroup(def store.ArchiveGroupDef, lastVal store.MessageStore, arch store.MessageArchive, opts Options) (*Group, error) {
	if def.Name == "" {
		return nil, errors.New("archive group needs a name")
	}
	if lastVal == nil && arch == nil {
		return nil, fmt.Errorf("archive group %s has no store attached", def.Name)
	}
	if len(def.Filters) == 0 {
		return nil, fmt.Errorf("archive group %s has no topic filters", def.Name)
	}

	filters := topic.NewIndex[struct{}]()
	for _, f := range def.Filters {
		if err := topic.ValidateFilter(f); err != nil {
			return nil, fmt.Errorf("archive group %s: %w", def.Name, err)
		}
		if err := filters.Add(f, def.Name, struct{}{}); err != nil {
			return nil, fmt.Errorf("archive group %s: %w", def.Name, err)
		}
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	g := &Group{
		def:     def,
		filters: filters,
		lastVal: lastVal,
		archive: arch,
		locks:   opts.Locks,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "archive").Str("group", def.Name).Logger(),
	}
	g.queue = async.NewQueue[broker.Message]("archive_"+def.Name, opts.Queue, g.log, g.drain)
	return g, nil
}

// Name returns the group's configured name.
func (g *Group) Name() string { return g.def.Name }

// Definition returns a copy of the group's definition.
func (g *Group) Definition() store.ArchiveGroupDef { return g.def }

// Start spawns the writer and, when retention is configured, the purge
// ticker.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true

	ctx, g.cancel = context.WithCancel(ctx)
	g.queue.Start(ctx)

	if g.def.PurgeInterval > 0 && g.locks != nil {
		if g.lastVal != nil && g.def.LastValRetention > 0 {
			g.spawnPurge(ctx, "lastval", g.def.LastValRetention, g.lastVal.PurgeOldMessages)
		}
		if g.archive != nil && g.def.ArchiveRetention > 0 {
			g.spawnPurge(ctx, "archive", g.def.ArchiveRetention, g.archive.PurgeOldMessages)
		}
	}
}

// Stop flushes the queue and stops the purge tickers.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Unlock()

	err := g.queue.Stop(ctx)
	g.wg.Wait()
	return err
}

// Accepts reports whether the group archives this message: its topic must
// match a configured filter and, for retained-only groups, the message
// must carry the retain flag or the bridge sticky hint.
func (g *Group) Accepts(msg *broker.Message) bool {
	if g.def.RetainedOnly && !msg.Retain && !msg.Sticky {
		return false
	}
	return len(g.filters.MatchTopic(msg.Topic)) > 0
}

// Submit queues one accepted message for archival. Callers check Accepts
// first; submitting a non-matching message is a no-op.
func (g *Group) Submit(msg broker.Message) error {
	if !g.Accepts(&msg) {
		return nil
	}
	if err := g.queue.Submit(msg); err != nil {
		g.metrics.MessagesDropped.WithLabelValues("archive_queue_full").Inc()
		return fmt.Errorf("archive group %s: %w", g.def.Name, broker.ErrBackpressureExceeded)
	}
	return nil
}

// QueueDepth reports the number of messages awaiting archival.
func (g *Group) QueueDepth() int { return g.queue.Len() }

func (g *Group) drain(ctx context.Context, batch []broker.Message) error {
	if g.def.PayloadFormat == store.FormatJSON {
		for i := range batch {
			batch[i].PayloadJSON = probeJSON(batch[i].Payload)
		}
	}

	if g.lastVal != nil {
		// Last-value semantics: the newest write per topic wins, so a
		// batch collapses to its last entry per topic.
		latest := make(map[string]int, len(batch))
		for i, msg := range batch {
			latest[msg.Topic] = i
		}
		upserts := make([]broker.Message, 0, len(latest))
		for i, msg := range batch {
			if latest[msg.Topic] == i {
				upserts = append(upserts, msg)
			}
		}

		start := time.Now()
		if err := g.lastVal.AddAll(ctx, upserts); err != nil {
			return fmt.Errorf("archive group %s last-value write: %w", g.def.Name, err)
		}
		g.metrics.StoreBatchSeconds.WithLabelValues(g.lastVal.Name(), "add").Observe(time.Since(start).Seconds())
		g.metrics.ArchiveWrites.WithLabelValues(g.def.Name).Add(float64(len(upserts)))
	}

	if g.archive != nil {
		start := time.Now()
		if err := g.archive.AddHistory(ctx, batch); err != nil {
			if g.lastVal != nil {
				// The last-value write already landed; retrying the whole
				// batch would double it, so history loss is logged instead.
				g.log.Error().Err(err).Int("batch_size", len(batch)).Msg("archive history write failed")
				return nil
			}
			return fmt.Errorf("archive group %s history write: %w", g.def.Name, err)
		}
		g.metrics.StoreBatchSeconds.WithLabelValues(g.archive.Name(), "add").Observe(time.Since(start).Seconds())
		g.metrics.ArchiveWrites.WithLabelValues(g.def.Name).Add(float64(len(batch)))
	}
	return nil
}

type purgeFunc func(ctx context.Context, cutoff time.Time) (store.PurgeResult, error)

func (g *Group) spawnPurge(ctx context.Context, role string, retention time.Duration, purge purgeFunc) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ticker := time.NewTicker(g.def.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.purgeTick(ctx, role, retention, purge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// purgeTick runs one retention pass under the cluster-wide purge lock. A
// node that cannot acquire the lock skips the tick; another node is
// already purging this (group, role).
func (g *Group) purgeTick(ctx context.Context, role string, retention time.Duration, purge purgeFunc) {
	lock := g.locks.NamedLock(fmt.Sprintf("purge-lock-%s-%s", g.def.Name, role))
	if err := lock.Acquire(ctx, lockTimeout); err != nil {
		if errors.Is(err, broker.ErrLockAcquisitionFailed) {
			g.log.Debug().Str("role", role).Msg("purge lock held elsewhere, skipping tick")
		} else if !errors.Is(err, context.Canceled) {
			g.log.Error().Err(err).Str("role", role).Msg("purge lock acquisition failed")
		}
		return
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			g.log.Warn().Err(err).Str("role", role).Msg("purge lock release failed")
		}
	}()

	cutoff := time.Now().UTC().Add(-retention)
	result, err := purge(ctx, cutoff)
	if err != nil {
		g.log.Error().Err(err).Str("role", role).Time("cutoff", cutoff).Msg("retention purge failed")
		return
	}

	g.metrics.ArchivePurged.WithLabelValues(g.def.Name, role).Add(float64(result.Deleted))
	evt := g.log.Debug()
	if result.Elapsed > slowPurge {
		evt = g.log.Warn()
	}
	evt.Str("role", role).
		Int("deleted", result.Deleted).
		Dur("elapsed", result.Elapsed).
		Time("cutoff", cutoff).
		Msg("retention purge completed")
}

// probeJSON returns the payload as a raw JSON document when it parses,
// nil otherwise. A leading UTF-8 BOM is stripped before probing.
func probeJSON(payload []byte) json.RawMessage {
	trimmed := bytes.TrimPrefix(payload, []byte{0xEF, 0xBB, 0xBF})
	trimmed = bytes.TrimSpace(trimmed)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil
	}
	return json.RawMessage(trimmed)
}
