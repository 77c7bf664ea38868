// Package delivery drives outbound QoS 0/1/2 traffic: per-client send
// loops with queue-first dispatch, acknowledgement tracking, in-flight
// timeouts, and the periodic purge of delivered and expired links.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/async"
	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/metrics"
	"github.com/arcmq/arcmq/internal/store"
)

// Sender is one live client connection as seen by the dispatcher. The
// MQTT codec implements it; SendPublish returns
// broker.ErrBackpressureExceeded when the connection has no write
// headroom and broker.ErrClientGone once the socket is closed.
type Sender interface {
	SendPublish(msg broker.Message, packetID uint16, qos byte, retain, dup bool) error
	SendPubRel(packetID uint16) error
}

// Options configures a Dispatcher.
type Options struct {
	// InFlightTimeout reverts an unacknowledged IN_FLIGHT link to
	// PENDING so it is re-sent with the dup flag.
	InFlightTimeout time.Duration

	// PurgeInterval paces the removal of DELIVERED and EXPIRED links.
	PurgeInterval time.Duration

	Queue   async.Config
	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

// Dispatcher owns one send loop per attached client. Dispatch is strictly
// queue-first: a live publish for a client with backlog is enqueued
// behind it, and the loop sends one message at a time in ascending
// message-uuid order, waiting for its acknowledgement before the next.
type Dispatcher struct {
	log      zerolog.Logger
	metrics  *metrics.Registry
	sessions store.SessionStore

	inFlightTimeout time.Duration
	purgeInterval   time.Duration

	removeQ *async.Queue[store.LinkRef]

	mu      sync.RWMutex
	clients map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	id     string
	sender Sender
	wake   chan struct{}
	acked  chan uint16
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	nextID   uint16
	inUse    map[uint16]string   // packet id -> message uuid awaiting ack
	received map[uint16]struct{} // inbound qos2 packet ids seen
}

func NewDispatcher(sessions store.SessionStore, opts Options) *Dispatcher {
	if opts.InFlightTimeout <= 0 {
		opts.InFlightTimeout = 20 * time.Second
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}

	d := &Dispatcher{
		log:             opts.Logger.With().Str("component", "delivery").Logger(),
		metrics:         opts.Metrics,
		sessions:        sessions,
		inFlightTimeout: opts.InFlightTimeout,
		purgeInterval:   opts.PurgeInterval,
		clients:         make(map[string]*client),
	}
	d.removeQ = async.NewQueue[store.LinkRef]("link_remove", opts.Queue, d.log, d.drainRemovals)
	return d
}

// Start spawns the removal drainer and the purge loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.removeQ.Start(d.ctx)

	d.wg.Add(1)
	go d.purgeLoop(d.ctx)
}

// Stop detaches every client and flushes the removal queue.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	d.mu.Lock()
	clients := make([]*client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = make(map[string]*client)
	d.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		<-c.done
	}
	d.wg.Wait()
	return d.removeQ.Stop(ctx)
}

// Attach registers a freshly connected client and spawns its send loop.
// IN_FLIGHT links from a previous connection are reset to PENDING so the
// backlog replays from the head; RELEASED links get their PUBREL re-sent.
func (d *Dispatcher) Attach(ctx context.Context, clientID string, sender Sender) error {
	d.Detach(clientID)

	if err := d.sessions.ResetInFlightMessages(ctx, clientID); err != nil {
		return fmt.Errorf("failed to reset in-flight links for %s: %w", clientID, err)
	}

	loopCtx, cancel := context.WithCancel(d.ctx)
	c := &client{
		id:       clientID,
		sender:   sender,
		wake:     make(chan struct{}, 1),
		acked:    make(chan uint16, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
		inUse:    make(map[uint16]string),
		received: make(map[uint16]struct{}),
	}

	d.mu.Lock()
	d.clients[clientID] = c
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(loopCtx, c)
	return nil
}

// Detach drops the client's send loop. Queued and in-flight links stay in
// the store for the next connection.
func (d *Dispatcher) Detach(clientID string) {
	d.mu.Lock()
	c, ok := d.clients[clientID]
	if ok {
		delete(d.clients, clientID)
	}
	d.mu.Unlock()

	if ok {
		c.cancel()
		<-c.done
	}
}

// IsLocal reports whether the client has a live send loop on this node.
func (d *Dispatcher) IsLocal(clientID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.clients[clientID]
	return ok
}

// DeliverDirect pushes one QoS 0 message past the queue to a connected
// client.
func (d *Dispatcher) DeliverDirect(clientID string, msg broker.Message, qos byte, retain bool) error {
	c := d.client(clientID)
	if c == nil {
		return broker.ErrClientGone
	}
	if err := c.sender.SendPublish(msg, 0, qos, retain, false); err != nil {
		return err
	}
	d.metrics.MessagesOut.Inc()
	return nil
}

// Wake signals the client's loop that new PENDING links were written.
func (d *Dispatcher) Wake(clientID string) {
	c := d.client(clientID)
	if c == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) client(clientID string) *client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clients[clientID]
}

// run is the per-client send loop. It drains the client's backlog in
// message-uuid order, one in-flight message at a time.
func (d *Dispatcher) run(ctx context.Context, c *client) {
	defer d.wg.Done()
	defer close(c.done)

	d.resendReleased(ctx, c)

	ticker := time.NewTicker(d.inFlightTimeout)
	defer ticker.Stop()
	for {
		pd, err := d.sessions.FetchNextPendingMessage(ctx, c.id)
		if err != nil {
			d.log.Error().Err(err).Str("client", c.id).Msg("failed to fetch pending message")
		} else if pd != nil {
			if err := d.deliver(ctx, c, pd); err != nil {
				if errors.Is(err, broker.ErrClientGone) || errors.Is(err, context.Canceled) {
					return
				}
				d.log.Warn().Err(err).Str("client", c.id).Str("uuid", pd.Message.UUID).Msg("delivery attempt failed")
			}
			// Check the queue again immediately; more backlog may wait.
			continue
		}

		select {
		case <-c.wake:
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// resendReleased replays PUBREL for links stuck between PUBREC and
// PUBCOMP when the connection dropped.
func (d *Dispatcher) resendReleased(ctx context.Context, c *client) {
	released, err := d.sessions.FetchReleasedLinks(ctx, c.id)
	if err != nil {
		d.log.Error().Err(err).Str("client", c.id).Msg("failed to fetch released links")
		return
	}
	for _, link := range released {
		c.mu.Lock()
		c.inUse[link.PacketID] = link.UUID
		c.mu.Unlock()
		if err := c.sender.SendPubRel(link.PacketID); err != nil {
			d.log.Debug().Err(err).Str("client", c.id).Uint16("packet_id", link.PacketID).Msg("pubrel resend failed")
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, c *client, pd *store.PendingDelivery) error {
	// A non-zero stored packet id means this link was sent on an earlier
	// attempt; the re-send carries the dup flag.
	dup := pd.Link.PacketID != 0
	pid := c.allocPacketID(pd.Link.PacketID, pd.Message.UUID)

	if err := d.sessions.MarkMessageInFlight(ctx, c.id, pd.Message.UUID, pid); err != nil {
		c.freePacketID(pid)
		return fmt.Errorf("failed to mark %s in flight: %w", pd.Message.UUID, err)
	}

	if err := c.sender.SendPublish(pd.Message, pid, pd.Link.QoS, pd.Link.Retain, dup); err != nil {
		c.freePacketID(pid)
		if resetErr := d.sessions.ResetInFlightMessages(ctx, c.id); resetErr != nil {
			d.log.Error().Err(resetErr).Str("client", c.id).Msg("failed to reset link after send failure")
		}
		return err
	}
	d.metrics.MessagesOut.Inc()

	return d.awaitAck(ctx, c, pid)
}

// awaitAck blocks until the in-flight message completes, times out, or
// the loop shuts down. Completions of unrelated packet ids (late PUBCOMPs
// from re-sent PUBRELs) are drained and ignored.
func (d *Dispatcher) awaitAck(ctx context.Context, c *client, pid uint16) error {
	timer := time.NewTimer(d.inFlightTimeout)
	defer timer.Stop()

	for {
		select {
		case acked := <-c.acked:
			if acked == pid {
				return nil
			}
		case <-timer.C:
			c.freePacketID(pid)
			if err := d.sessions.ResetInFlightMessages(ctx, c.id); err != nil {
				return fmt.Errorf("failed to reset timed-out link: %w", err)
			}
			d.log.Debug().Str("client", c.id).Uint16("packet_id", pid).Msg("in-flight timeout, message returns to queue")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnPubAck completes a QoS 1 delivery.
func (d *Dispatcher) OnPubAck(ctx context.Context, clientID string, packetID uint16) {
	d.complete(ctx, clientID, packetID)
}

// OnPubRec advances a QoS 2 delivery to RELEASED and answers with PUBREL.
func (d *Dispatcher) OnPubRec(ctx context.Context, clientID string, packetID uint16) {
	c := d.client(clientID)
	if c == nil {
		return
	}
	c.mu.Lock()
	uuid, ok := c.inUse[packetID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := d.sessions.MarkMessageReleased(ctx, clientID, uuid); err != nil {
		d.log.Error().Err(err).Str("client", clientID).Str("uuid", uuid).Msg("failed to mark link released")
		return
	}
	if err := c.sender.SendPubRel(packetID); err != nil {
		d.log.Debug().Err(err).Str("client", clientID).Uint16("packet_id", packetID).Msg("pubrel send failed")
	}
}

// OnPubComp completes a QoS 2 delivery.
func (d *Dispatcher) OnPubComp(ctx context.Context, clientID string, packetID uint16) {
	d.complete(ctx, clientID, packetID)
}

func (d *Dispatcher) complete(ctx context.Context, clientID string, packetID uint16) {
	c := d.client(clientID)
	if c == nil {
		return
	}
	c.mu.Lock()
	uuid, ok := c.inUse[packetID]
	if ok {
		delete(c.inUse, packetID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := d.sessions.MarkMessageDelivered(ctx, clientID, uuid); err != nil {
		d.log.Error().Err(err).Str("client", clientID).Str("uuid", uuid).Msg("failed to mark link delivered")
	}
	if err := d.removeQ.Submit(store.LinkRef{ClientID: clientID, UUID: uuid}); err != nil {
		// The periodic purge sweeps DELIVERED links the queue could not
		// take.
		d.log.Debug().Str("client", clientID).Str("uuid", uuid).Msg("removal queue full, leaving link for purge")
	}

	select {
	case c.acked <- packetID:
	default:
	}
}

// MarkPublishReceived records an inbound QoS 2 publish and reports
// whether this packet id is new. A repeat means the publisher re-sent
// before our PUBREC arrived; the message must not be routed twice.
func (d *Dispatcher) MarkPublishReceived(clientID string, packetID uint16) bool {
	c := d.client(clientID)
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.received[packetID]; seen {
		return false
	}
	c.received[packetID] = struct{}{}
	return true
}

// ReleaseReceived clears the inbound dedup entry once PUBREL arrives.
func (d *Dispatcher) ReleaseReceived(clientID string, packetID uint16) {
	c := d.client(clientID)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.received, packetID)
}

// allocPacketID reuses the link's previous packet id when free, otherwise
// hands out the next id not awaiting an acknowledgement.
func (c *client) allocPacketID(prev uint16, uuid string) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev != 0 {
		if _, taken := c.inUse[prev]; !taken {
			c.inUse[prev] = uuid
			return prev
		}
	}
	for {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, taken := c.inUse[c.nextID]; !taken {
			c.inUse[c.nextID] = uuid
			return c.nextID
		}
	}
}

func (c *client) freePacketID(pid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inUse, pid)
}

func (d *Dispatcher) drainRemovals(ctx context.Context, batch []store.LinkRef) error {
	start := time.Now()
	if err := d.sessions.RemoveMessages(ctx, batch); err != nil {
		return fmt.Errorf("failed to remove delivered links: %w", err)
	}
	d.metrics.StoreBatchSeconds.WithLabelValues(d.sessions.Name(), "link_remove").Observe(time.Since(start).Seconds())
	return nil
}

// purgeLoop sweeps DELIVERED and EXPIRED links on a fixed cadence.
func (d *Dispatcher) purgeLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			delivered, err := d.sessions.PurgeDeliveredMessages(ctx)
			if err != nil {
				d.log.Error().Err(err).Msg("delivered-link purge failed")
			}
			expired, err := d.sessions.PurgeExpiredMessages(ctx)
			if err != nil {
				d.log.Error().Err(err).Msg("expired-link purge failed")
			}
			if delivered > 0 || expired > 0 {
				d.log.Debug().Int("delivered", delivered).Int("expired", expired).Msg("link purge completed")
			}
		case <-ctx.Done():
			return
		}
	}
}
