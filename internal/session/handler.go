// Package session implements the broker's routing core: the cluster-wide
// subscription index, session lifecycle, presence tracking, and the
// publish pipeline that fans messages out to subscribers, the retained
// store, and the archive groups.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/async"
	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/cluster"
	"github.com/arcmq/arcmq/internal/metrics"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/topic"
)

// ownersMapName is the shared-map key space holding clientID → owning
// node for every connected client.
const ownersMapName = "client-owners"

// Dispatcher is the local delivery machine. The handler pushes QoS 0
// frames through it directly and wakes it when queued links land in the
// session store.
type Dispatcher interface {
	// IsLocal reports whether the client has a live connection on this
	// node.
	IsLocal(clientID string) bool

	// DeliverDirect pushes one QoS 0 message to a connected client,
	// bypassing the queue. broker.ErrBackpressureExceeded means the
	// connection has no headroom and the message may be dropped.
	DeliverDirect(clientID string, msg broker.Message, qos byte, retain bool) error

	// Wake signals that new PENDING links exist for the client.
	Wake(clientID string)
}

// Archiver receives every accepted publish for archival fan-out.
type Archiver interface {
	Publish(msg broker.Message)
}

// Retainer is the retained-message path consumed by the publish pipeline.
type Retainer interface {
	SaveMessage(msg broker.Message) error
	ReplayOnSubscribe(ctx context.Context, sub store.Subscription, existed bool, send func(broker.Message) bool) error
}

// deliverEnvelope crosses the bus to the node owning a subscriber.
type deliverEnvelope struct {
	Message  broker.Message `json:"message"`
	ClientID string         `json:"clientId"`
	QoS      byte           `json:"qos"`
	Retain   bool           `json:"retain"`
}

// subscriptionEvent is broadcast on the session store's add/del addresses
// so peer indexes converge without re-reading the store.
type subscriptionEvent struct {
	NodeID string               `json:"nodeId"`
	Subs   []store.Subscription `json:"subs"`
}

// Options configures a Handler.
type Options struct {
	Retained   Retainer
	Archives   Archiver
	Authorizer broker.Authorizer
	UUIDs      *broker.UUIDSource

	// Queue sizes the four persistence queues; zero fields use defaults.
	Queue async.Config

	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

// Handler is the source of truth for routing. It owns the local topic
// index, tracks presence, and stages every session-store mutation through
// bounded batch queues.
type Handler struct {
	log     zerolog.Logger
	metrics *metrics.Registry

	fabric   cluster.Fabric
	sessions store.SessionStore
	retained Retainer
	archives Archiver
	auth     broker.Authorizer
	uuids    *broker.UUIDSource

	index  *topic.Index[store.Subscription]
	owners cluster.SharedMap

	subAddQ *async.Queue[store.Subscription]
	subDelQ *async.Queue[store.Subscription]
	msgAddQ *async.Queue[store.Enqueue]
	msgDelQ *async.Queue[store.LinkRef]

	mu         sync.Mutex
	dispatcher Dispatcher
	willTimers map[string]*time.Timer
	busSubs    []cluster.Subscription

	ready atomic.Bool
}

func NewHandler(fabric cluster.Fabric, sessions store.SessionStore, opts Options) *Handler {
	if opts.Authorizer == nil {
		opts.Authorizer = broker.AllowAll()
	}
	if opts.UUIDs == nil {
		opts.UUIDs = broker.NewUUIDSource()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}

	h := &Handler{
		log:        opts.Logger.With().Str("component", "session").Str("node", fabric.NodeID()).Logger(),
		metrics:    opts.Metrics,
		fabric:     fabric,
		sessions:   sessions,
		retained:   opts.Retained,
		archives:   opts.Archives,
		auth:       opts.Authorizer,
		uuids:      opts.UUIDs,
		index:      topic.NewIndex[store.Subscription](),
		owners:     fabric.SharedMap(ownersMapName),
		willTimers: make(map[string]*time.Timer),
	}

	h.subAddQ = async.NewQueue[store.Subscription]("sub_add", opts.Queue, h.log, h.drainSubAdds)
	h.subDelQ = async.NewQueue[store.Subscription]("sub_del", opts.Queue, h.log, h.drainSubDels)
	h.msgAddQ = async.NewQueue[store.Enqueue]("msg_add", opts.Queue, h.log, h.drainMsgAdds)
	h.msgDelQ = async.NewQueue[store.LinkRef]("msg_del", opts.Queue, h.log, h.drainMsgDels)
	return h
}

// SetDispatcher wires the local delivery machine. Must be called before
// Start.
func (h *Handler) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher = d
}

// NodeID returns the identity of the node this handler runs on.
func (h *Handler) NodeID() string { return h.fabric.NodeID() }

// Ready reports whether startup rebuilds have finished. CONNECTs must be
// rejected with broker.ErrServiceUnavailable until then.
func (h *Handler) Ready() bool { return h.ready.Load() }

// Start rebuilds the routing index from the session store, spawns the
// persistence queues, and subscribes to the cluster addresses this node
// serves.
func (h *Handler) Start(ctx context.Context) error {
	h.subAddQ.Start(ctx)
	h.subDelQ.Start(ctx)
	h.msgAddQ.Start(ctx)
	h.msgDelQ.Start(ctx)

	rebuilt := 0
	err := h.sessions.IterateSubscriptions(ctx, func(sub store.Subscription) bool {
		if err := h.index.Add(sub.TopicFilter, sub.ClientID, sub); err != nil {
			h.log.Warn().Err(err).Str("filter", sub.TopicFilter).Str("client", sub.ClientID).Msg("skipping invalid stored subscription")
			return true
		}
		rebuilt++
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild subscription index: %w", err)
	}

	// Sessions this node owned before a restart are no longer connected.
	err = h.sessions.IterateNodeClients(ctx, h.fabric.NodeID(), func(clientID string) bool {
		if err := h.sessions.SetConnected(ctx, clientID, false); err != nil {
			h.log.Warn().Err(err).Str("client", clientID).Msg("failed to mark stale session offline")
		}
		_ = h.owners.Delete(ctx, clientID)
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to reset stale sessions: %w", err)
	}

	bus := h.fabric.Bus()
	subs := []struct {
		addr string
		fn   cluster.Handler
	}{
		{cluster.NodeDeliverAddr(h.fabric.NodeID()), h.onBusDeliver},
		{cluster.StoreAddAddr(h.sessions.Name()), h.onBusSubAdd},
		{cluster.StoreDelAddr(h.sessions.Name()), h.onBusSubDel},
	}
	for _, s := range subs {
		sub, err := bus.Subscribe(s.addr, s.fn)
		if err != nil {
			return fmt.Errorf("failed to subscribe on %s: %w", s.addr, err)
		}
		h.busSubs = append(h.busSubs, sub)
	}

	h.ready.Store(true)
	h.log.Info().Int("subscriptions", rebuilt).Msg("session handler ready")
	return nil
}

// Stop drains the queues and drops the bus subscriptions.
func (h *Handler) Stop(ctx context.Context) error {
	h.ready.Store(false)

	h.mu.Lock()
	for clientID, timer := range h.willTimers {
		timer.Stop()
		delete(h.willTimers, clientID)
	}
	busSubs := h.busSubs
	h.busSubs = nil
	h.mu.Unlock()

	for _, s := range busSubs {
		_ = s.Unsubscribe()
	}

	var firstErr error
	for _, stop := range []func(context.Context) error{h.subAddQ.Stop, h.subDelQ.Stop, h.msgAddQ.Stop, h.msgDelQ.Stop} {
		if err := stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connect upserts the session row for a connecting client and returns
// whether prior state was resumed. A clean-session connect purges any
// previous subscriptions and queued links.
func (h *Handler) Connect(ctx context.Context, clientID string, cleanSession bool, info map[string]any, will *broker.Message, willDelay time.Duration) (resumed bool, err error) {
	if !h.Ready() {
		return false, broker.ErrServiceUnavailable
	}

	h.cancelWill(clientID)

	present, err := h.sessions.IsPresent(ctx, clientID)
	if err != nil {
		return false, fmt.Errorf("failed to look up session %s: %w", clientID, err)
	}

	if present && cleanSession {
		if err := h.purgeClient(ctx, clientID); err != nil {
			return false, err
		}
		present = false
	}

	if err := h.sessions.SetClient(ctx, clientID, h.fabric.NodeID(), cleanSession, true, info); err != nil {
		return false, fmt.Errorf("failed to write session %s: %w", clientID, err)
	}
	if err := h.sessions.SetLastWill(ctx, clientID, will, willDelay); err != nil {
		return false, fmt.Errorf("failed to write last will for %s: %w", clientID, err)
	}
	if err := h.owners.Set(ctx, clientID, h.fabric.NodeID()); err != nil {
		h.log.Warn().Err(err).Str("client", clientID).Msg("failed to record client owner")
	}

	h.metrics.SessionsConnected.Inc()
	h.log.Debug().Str("client", clientID).Bool("clean", cleanSession).Bool("resumed", present && !cleanSession).Msg("client connected")
	return present && !cleanSession, nil
}

// Disconnect transitions the session offline. A graceful DISCONNECT
// clears the last will; network loss publishes it after the configured
// delay. Clean sessions are purged entirely.
func (h *Handler) Disconnect(ctx context.Context, clientID string, graceful bool) error {
	var sess *store.Session
	err := h.sessions.IterateAllSessions(ctx, func(s store.Session) bool {
		if s.ClientID == clientID {
			cp := s
			sess = &cp
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", clientID, err)
	}
	if sess == nil {
		return nil
	}

	if graceful {
		if err := h.sessions.SetLastWill(ctx, clientID, nil, 0); err != nil {
			h.log.Warn().Err(err).Str("client", clientID).Msg("failed to clear last will")
		}
	} else if sess.LastWill != nil {
		h.scheduleWill(clientID, *sess.LastWill, sess.WillDelay)
	}

	if err := h.sessions.SetConnected(ctx, clientID, false); err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", clientID, err)
	}
	if err := h.owners.Delete(ctx, clientID); err != nil {
		h.log.Warn().Err(err).Str("client", clientID).Msg("failed to clear client owner")
	}
	h.metrics.SessionsConnected.Dec()

	if sess.CleanSession {
		if err := h.purgeClient(ctx, clientID); err != nil {
			return err
		}
	}
	h.log.Debug().Str("client", clientID).Bool("graceful", graceful).Msg("client disconnected")
	return nil
}

// purgeClient removes the session row, its subscriptions (store and
// index), and its queued links.
func (h *Handler) purgeClient(ctx context.Context, clientID string) error {
	var removed []store.Subscription
	err := h.sessions.DelClient(ctx, clientID, func(sub store.Subscription) {
		h.index.Remove(sub.TopicFilter, sub.ClientID)
		removed = append(removed, sub)
	})
	if err != nil {
		return fmt.Errorf("failed to purge session %s: %w", clientID, err)
	}
	if len(removed) > 0 {
		h.broadcastSubs(ctx, cluster.StoreDelAddr(h.sessions.Name()), removed)
	}
	return nil
}

func (h *Handler) scheduleWill(clientID string, will broker.Message, delay time.Duration) {
	publish := func() {
		h.mu.Lock()
		delete(h.willTimers, clientID)
		h.mu.Unlock()

		msg := broker.NewMessage(h.uuids, will.Topic, will.Payload, will.QoS, will.Retain, clientID)
		if err := h.PublishMessage(context.Background(), msg); err != nil {
			h.log.Error().Err(err).Str("client", clientID).Str("topic", will.Topic).Msg("failed to publish last will")
		}
	}

	if delay <= 0 {
		go publish()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.willTimers[clientID]; ok {
		old.Stop()
	}
	h.willTimers[clientID] = time.AfterFunc(delay, publish)
}

// cancelWill stops a pending delayed will; called when the client
// reconnects before the delay elapses.
func (h *Handler) cancelWill(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if timer, ok := h.willTimers[clientID]; ok {
		timer.Stop()
		delete(h.willTimers, clientID)
	}
}

// AddSubscription validates and authorizes the filter, updates the local
// index immediately, stages the store write, broadcasts the change, and
// replays retained messages per the subscription's retain handling.
func (h *Handler) AddSubscription(ctx context.Context, sub store.Subscription, send func(broker.Message) bool) error {
	if err := topic.ValidateFilter(sub.TopicFilter); err != nil {
		return err
	}
	if !h.auth.CanSubscribe(ctx, sub.ClientID, sub.TopicFilter) {
		return fmt.Errorf("subscribe %s to %q: %w", sub.ClientID, sub.TopicFilter, broker.ErrNotAuthorized)
	}
	sub.Wildcard = topic.IsWildcard(sub.TopicFilter)

	prior, existed := h.index.Get(sub.TopicFilter, sub.ClientID)
	if err := h.index.Add(sub.TopicFilter, sub.ClientID, sub); err != nil {
		return err
	}
	if err := h.subAddQ.Submit(sub); err != nil {
		// A replacing subscribe rolls back to the displaced entry, which
		// is still the one persisted.
		if existed {
			h.index.Add(sub.TopicFilter, sub.ClientID, prior)
		} else {
			h.index.Remove(sub.TopicFilter, sub.ClientID)
		}
		return fmt.Errorf("subscription add queue: %w", broker.ErrBackpressureExceeded)
	}
	h.broadcastSubs(ctx, cluster.StoreAddAddr(h.sessions.Name()), []store.Subscription{sub})

	if h.retained != nil && send != nil {
		if err := h.retained.ReplayOnSubscribe(ctx, sub, existed, send); err != nil {
			h.log.Warn().Err(err).Str("client", sub.ClientID).Str("filter", sub.TopicFilter).Msg("retained replay failed")
		}
	}
	return nil
}

// DelSubscription removes the filter from the index and stages the store
// delete.
func (h *Handler) DelSubscription(ctx context.Context, sub store.Subscription) error {
	h.index.Remove(sub.TopicFilter, sub.ClientID)
	if err := h.subDelQ.Submit(sub); err != nil {
		return fmt.Errorf("subscription del queue: %w", broker.ErrBackpressureExceeded)
	}
	h.broadcastSubs(ctx, cluster.StoreDelAddr(h.sessions.Name()), []store.Subscription{sub})
	return nil
}

// FindClients returns every (clientID, subscription) whose filter matches
// the topic.
func (h *Handler) FindClients(topicName string) []topic.Entry[store.Subscription] {
	return h.index.MatchTopic(topicName)
}

// EnqueueMessage stages durable links for the given subscribers.
func (h *Handler) EnqueueMessage(msg broker.Message, targets []store.LinkTarget) error {
	if len(targets) == 0 {
		return nil
	}
	if err := h.msgAddQ.Submit(store.Enqueue{Message: msg, Targets: targets}); err != nil {
		return fmt.Errorf("message add queue: %w", broker.ErrBackpressureExceeded)
	}
	return nil
}

// RemoveMessage stages removal of one delivered link.
func (h *Handler) RemoveMessage(ref store.LinkRef) error {
	if err := h.msgDelQ.Submit(ref); err != nil {
		return fmt.Errorf("message del queue: %w", broker.ErrBackpressureExceeded)
	}
	return nil
}

// DequeueMessages streams the client's queued messages.
func (h *Handler) DequeueMessages(ctx context.Context, clientID string, cb func(broker.Message) bool) error {
	return h.sessions.DequeueMessages(ctx, clientID, cb)
}

// PublishMessage runs the full publish pipeline: authorization, retained
// write, archive fan-out, and subscriber fan-out. Local QoS 0 subscribers
// get a direct push; QoS 1/2 and offline subscribers get durable links;
// subscribers owned by peers get the message forwarded on the bus.
func (h *Handler) PublishMessage(ctx context.Context, msg broker.Message) error {
	if err := topic.ValidateName(msg.Topic); err != nil {
		return err
	}
	if !h.auth.CanPublish(ctx, msg.ClientID, msg.Topic) {
		return fmt.Errorf("publish from %s to %q: %w", msg.ClientID, msg.Topic, broker.ErrNotAuthorized)
	}
	h.metrics.MessagesIn.Inc()

	if msg.Retain && h.retained != nil {
		if err := h.retained.SaveMessage(msg); err != nil {
			return err
		}
	}
	if h.archives != nil {
		h.archives.Publish(msg)
	}

	return h.fanOut(ctx, msg)
}

func (h *Handler) fanOut(ctx context.Context, msg broker.Message) error {
	matches := h.FindClients(msg.Topic)
	if len(matches) == 0 {
		return nil
	}

	h.mu.Lock()
	dispatcher := h.dispatcher
	h.mu.Unlock()

	var enqueues []store.LinkTarget
	for _, m := range matches {
		sub := m.Value
		if sub.NoLocal && sub.ClientID == msg.ClientID {
			continue
		}

		qos := msg.QoS
		if sub.QoS < qos {
			qos = sub.QoS
		}
		retain := msg.Retain && sub.RetainAsPublished

		owner, owned, err := h.owners.Get(ctx, sub.ClientID)
		if err != nil {
			h.log.Warn().Err(err).Str("client", sub.ClientID).Msg("owner lookup failed, treating client as offline")
			owned = false
		}

		switch {
		case owned && owner == h.fabric.NodeID():
			if qos == 0 {
				h.deliverDirect(dispatcher, sub.ClientID, msg, retain)
			} else {
				enqueues = append(enqueues, store.LinkTarget{ClientID: sub.ClientID, QoS: qos, Retain: retain})
			}
		case owned:
			h.forward(ctx, owner, sub.ClientID, msg, qos, retain)
		default:
			// No owner entry: the session is offline. Its subscription
			// survived disconnect, so it is persistent; queue QoS 1/2.
			if qos >= 1 {
				enqueues = append(enqueues, store.LinkTarget{ClientID: sub.ClientID, QoS: qos, Retain: retain})
			}
		}
	}

	if len(enqueues) > 0 {
		return h.EnqueueMessage(msg, enqueues)
	}
	return nil
}

func (h *Handler) deliverDirect(dispatcher Dispatcher, clientID string, msg broker.Message, retain bool) {
	if dispatcher == nil {
		return
	}
	if err := dispatcher.DeliverDirect(clientID, msg, 0, retain); err != nil {
		// QoS 0 to one overloaded or vanished client is droppable.
		h.metrics.MessagesDropped.WithLabelValues("qos0_backpressure").Inc()
		h.log.Debug().Err(err).Str("client", clientID).Str("topic", msg.Topic).Msg("dropped qos0 message")
		return
	}
	h.metrics.MessagesOut.Inc()
}

func (h *Handler) forward(ctx context.Context, owner, clientID string, msg broker.Message, qos byte, retain bool) {
	payload, err := json.Marshal(deliverEnvelope{Message: msg, ClientID: clientID, QoS: qos, Retain: retain})
	if err != nil {
		h.log.Error().Err(err).Str("client", clientID).Msg("failed to encode deliver envelope")
		return
	}
	if err := h.fabric.Bus().Publish(ctx, cluster.NodeDeliverAddr(owner), payload); err != nil {
		h.log.Error().Err(err).Str("client", clientID).Str("owner", owner).Msg("failed to forward message to owner")
		return
	}
	h.metrics.BusMessages.WithLabelValues("out").Inc()
}

// onBusDeliver handles messages forwarded by peers for clients this node
// owns. They enter the delivery machine exactly like local publishes.
func (h *Handler) onBusDeliver(busMsg *cluster.BusMessage) {
	h.metrics.BusMessages.WithLabelValues("in").Inc()

	var env deliverEnvelope
	if err := json.Unmarshal(busMsg.Payload, &env); err != nil {
		h.log.Error().Err(err).Str("address", busMsg.Address).Msg("failed to decode deliver envelope")
		return
	}

	h.mu.Lock()
	dispatcher := h.dispatcher
	h.mu.Unlock()

	if env.QoS == 0 {
		h.deliverDirect(dispatcher, env.ClientID, env.Message, env.Retain)
		return
	}
	err := h.EnqueueMessage(env.Message, []store.LinkTarget{{ClientID: env.ClientID, QoS: env.QoS, Retain: env.Retain}})
	if err != nil {
		h.log.Error().Err(err).Str("client", env.ClientID).Msg("failed to enqueue forwarded message")
	}
}

// onBusSubAdd merges subscription rows added by peers into the local
// index.
func (h *Handler) onBusSubAdd(busMsg *cluster.BusMessage) {
	var evt subscriptionEvent
	if err := json.Unmarshal(busMsg.Payload, &evt); err != nil {
		h.log.Error().Err(err).Msg("failed to decode subscription add event")
		return
	}
	if evt.NodeID == h.fabric.NodeID() {
		return
	}
	for _, sub := range evt.Subs {
		if err := h.index.Add(sub.TopicFilter, sub.ClientID, sub); err != nil {
			h.log.Warn().Err(err).Str("filter", sub.TopicFilter).Msg("ignoring invalid peer subscription")
		}
	}
}

func (h *Handler) onBusSubDel(busMsg *cluster.BusMessage) {
	var evt subscriptionEvent
	if err := json.Unmarshal(busMsg.Payload, &evt); err != nil {
		h.log.Error().Err(err).Msg("failed to decode subscription del event")
		return
	}
	if evt.NodeID == h.fabric.NodeID() {
		return
	}
	for _, sub := range evt.Subs {
		h.index.Remove(sub.TopicFilter, sub.ClientID)
	}
}

func (h *Handler) broadcastSubs(ctx context.Context, addr string, subs []store.Subscription) {
	payload, err := json.Marshal(subscriptionEvent{NodeID: h.fabric.NodeID(), Subs: subs})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode subscription event")
		return
	}
	if err := h.fabric.Bus().Publish(ctx, addr, payload); err != nil {
		h.log.Warn().Err(err).Str("address", addr).Msg("failed to broadcast subscription change")
	}
}

// drainSubAdds persists staged subscription rows in batches.
func (h *Handler) drainSubAdds(ctx context.Context, batch []store.Subscription) error {
	start := time.Now()
	if err := h.sessions.AddSubscriptions(ctx, batch); err != nil {
		return fmt.Errorf("failed to persist subscription batch: %w", err)
	}
	h.metrics.StoreBatchSeconds.WithLabelValues(h.sessions.Name(), "sub_add").Observe(time.Since(start).Seconds())
	return nil
}

func (h *Handler) drainSubDels(ctx context.Context, batch []store.Subscription) error {
	start := time.Now()
	if err := h.sessions.DelSubscriptions(ctx, batch); err != nil {
		return fmt.Errorf("failed to delete subscription batch: %w", err)
	}
	h.metrics.StoreBatchSeconds.WithLabelValues(h.sessions.Name(), "sub_del").Observe(time.Since(start).Seconds())
	return nil
}

// drainMsgAdds persists queued links, then wakes the delivery loops of
// every affected client. Waking only after the write keeps queue-first
// dispatch correct: a woken loop always finds its PENDING link.
func (h *Handler) drainMsgAdds(ctx context.Context, batch []store.Enqueue) error {
	start := time.Now()
	if err := h.sessions.EnqueueMessages(ctx, batch); err != nil {
		return fmt.Errorf("failed to persist message batch: %w", err)
	}
	h.metrics.StoreBatchSeconds.WithLabelValues(h.sessions.Name(), "msg_add").Observe(time.Since(start).Seconds())

	h.mu.Lock()
	dispatcher := h.dispatcher
	h.mu.Unlock()
	if dispatcher != nil {
		woken := make(map[string]struct{})
		for _, enq := range batch {
			for _, target := range enq.Targets {
				if _, done := woken[target.ClientID]; done {
					continue
				}
				woken[target.ClientID] = struct{}{}
				dispatcher.Wake(target.ClientID)
			}
		}
	}
	return nil
}

func (h *Handler) drainMsgDels(ctx context.Context, batch []store.LinkRef) error {
	start := time.Now()
	if err := h.sessions.RemoveMessages(ctx, batch); err != nil {
		return fmt.Errorf("failed to remove message links: %w", err)
	}
	h.metrics.StoreBatchSeconds.WithLabelValues(h.sessions.Name(), "msg_del").Observe(time.Since(start).Seconds())
	return nil
}
