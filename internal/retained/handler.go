// Package retained coalesces retained-message writes into batched store
// calls and serves wildcard retained lookups, including the replay that
// runs when a client subscribes.
package retained

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/async"
	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/metrics"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/topic"
)

// Options configures a Handler beyond its mandatory last-value store.
type Options struct {
	// History, when set, receives every retained write as append-only
	// rows through the same batching path.
	History store.MessageArchive

	// Queue sizes the add and del queues; zero fields use the defaults.
	Queue async.Config

	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

// Handler owns the retained-message path: a bounded add-queue and
// del-queue drained in blocks into the last-value store, plus the wildcard
// lookup used by PUBLISH replay on SUBSCRIBE.
type Handler struct {
	log     zerolog.Logger
	store   store.MessageStore
	history store.MessageArchive
	metrics *metrics.Registry

	addQ *async.Queue[broker.Message]
	delQ *async.Queue[string]
}

func NewHandler(st store.MessageStore, opts Options) *Handler {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	h := &Handler{
		log:     opts.Logger.With().Str("component", "retained").Logger(),
		store:   st,
		history: opts.History,
		metrics: opts.Metrics,
	}
	h.addQ = async.NewQueue[broker.Message]("retained_add", opts.Queue, h.log, h.drainAdds)
	h.delQ = async.NewQueue[string]("retained_del", opts.Queue, h.log, h.drainDels)
	return h
}

// Start spawns the queue drainers.
func (h *Handler) Start(ctx context.Context) {
	h.addQ.Start(ctx)
	h.delQ.Start(ctx)
}

// Stop flushes both queues.
func (h *Handler) Stop(ctx context.Context) error {
	addErr := h.addQ.Stop(ctx)
	delErr := h.delQ.Stop(ctx)
	if addErr != nil {
		return addErr
	}
	return delErr
}

// SaveMessage schedules the retained write for one publish. An empty
// payload deletes the retained entry for the topic; anything else upserts
// it. The write becomes visible to FindMatching once its batch drains.
func (h *Handler) SaveMessage(msg broker.Message) error {
	if len(msg.Payload) == 0 {
		if err := h.delQ.Submit(msg.Topic); err != nil {
			return fmt.Errorf("retained del queue: %w", broker.ErrBackpressureExceeded)
		}
		return nil
	}
	if err := h.addQ.Submit(msg); err != nil {
		return fmt.Errorf("retained add queue: %w", broker.ErrBackpressureExceeded)
	}
	return nil
}

// QueueDepths reports the current add and del queue lengths.
func (h *Handler) QueueDepths() (add, del int) {
	return h.addQ.Len(), h.delQ.Len()
}

func (h *Handler) drainAdds(ctx context.Context, batch []broker.Message) error {
	// Later writes for the same topic win within one batch.
	latest := make(map[string]int, len(batch))
	for i, msg := range batch {
		latest[msg.Topic] = i
	}
	deduped := make([]broker.Message, 0, len(latest))
	for i, msg := range batch {
		if latest[msg.Topic] == i {
			deduped = append(deduped, msg)
		}
	}

	start := time.Now()
	if err := h.store.AddAll(ctx, deduped); err != nil {
		return fmt.Errorf("failed to write retained batch: %w", err)
	}
	h.metrics.StoreBatchSeconds.WithLabelValues(h.store.Name(), "add").Observe(time.Since(start).Seconds())
	h.metrics.RetainedAdds.Add(float64(len(deduped)))

	if h.history != nil {
		if err := h.history.AddHistory(ctx, deduped); err != nil {
			// History is best-effort; the last-value write already
			// succeeded and must not be replayed.
			h.log.Error().Err(err).Int("batch_size", len(deduped)).Msg("retained history write failed")
		}
	}
	return nil
}

func (h *Handler) drainDels(ctx context.Context, topics []string) error {
	start := time.Now()
	if err := h.store.DelAll(ctx, topics); err != nil {
		return fmt.Errorf("failed to delete retained batch: %w", err)
	}
	h.metrics.StoreBatchSeconds.WithLabelValues(h.store.Name(), "del").Observe(time.Since(start).Seconds())
	h.metrics.RetainedDels.Add(float64(len(topics)))
	return nil
}

// FindMatching streams retained messages whose topic the filter matches.
// The callback returns false to stop; max zero means unlimited.
func (h *Handler) FindMatching(ctx context.Context, filter string, max int, cb func(broker.Message) bool) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}
	n := 0
	err := h.store.FindMatchingMessages(ctx, filter, func(msg broker.Message) bool {
		if !cb(msg) {
			return false
		}
		n++
		return max <= 0 || n < max
	})
	if err != nil {
		return fmt.Errorf("retained lookup for %q failed: %w", filter, err)
	}
	return nil
}

// ReplayOnSubscribe re-publishes retained messages matching a fresh
// subscription. Replayed copies carry retain=true and the QoS downgraded
// to the subscription's ceiling. existed reports whether the (client,
// filter) row was already present, which suppresses replay for
// SendOnNewSubscribe.
func (h *Handler) ReplayOnSubscribe(ctx context.Context, sub store.Subscription, existed bool, send func(broker.Message) bool) error {
	switch sub.RetainHandling {
	case store.DoNotSend:
		return nil
	case store.SendOnNewSubscribe:
		if existed {
			return nil
		}
	}

	return h.FindMatching(ctx, sub.TopicFilter, 0, func(msg broker.Message) bool {
		out := msg
		out.Retain = true
		if out.QoS > sub.QoS {
			out.QoS = sub.QoS
		}
		return send(out)
	})
}

// Rebuild iterates the last-value store's topics into the given callback,
// used by the session handler's startup to warm its retained-topics index.
func (h *Handler) Rebuild(ctx context.Context, cb func(topicName string) bool) error {
	err := h.store.FindMatchingTopics(ctx, topic.MultiLevelWildcard, cb)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to iterate retained topics: %w", err)
	}
	return nil
}
