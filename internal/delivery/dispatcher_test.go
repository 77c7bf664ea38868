package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/async"
	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/store/memory"
)

type sentPublish struct {
	msg    broker.Message
	pid    uint16
	qos    byte
	retain bool
	dup    bool
}

// fakeSender records frames and signals each publish on a channel so
// tests can wait without polling.
type fakeSender struct {
	mu   sync.Mutex
	pubs []sentPublish
	rels []uint16

	pubCh chan sentPublish
	relCh chan uint16
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		pubCh: make(chan sentPublish, 16),
		relCh: make(chan uint16, 16),
	}
}

func (s *fakeSender) SendPublish(msg broker.Message, packetID uint16, qos byte, retain, dup bool) error {
	p := sentPublish{msg: msg, pid: packetID, qos: qos, retain: retain, dup: dup}
	s.mu.Lock()
	s.pubs = append(s.pubs, p)
	s.mu.Unlock()
	s.pubCh <- p
	return nil
}

func (s *fakeSender) SendPubRel(packetID uint16) error {
	s.mu.Lock()
	s.rels = append(s.rels, packetID)
	s.mu.Unlock()
	s.relCh <- packetID
	return nil
}

func (s *fakeSender) waitPublish(t *testing.T) sentPublish {
	t.Helper()
	select {
	case p := <-s.pubCh:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no publish within deadline")
		return sentPublish{}
	}
}

func (s *fakeSender) waitPubRel(t *testing.T) uint16 {
	t.Helper()
	select {
	case pid := <-s.relCh:
		return pid
	case <-time.After(2 * time.Second):
		t.Fatal("no pubrel within deadline")
		return 0
	}
}

func (s *fakeSender) publishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pubs)
}

func testQueue() async.Config {
	return async.Config{
		Capacity:     64,
		BatchSize:    16,
		Linger:       time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, sessions store.SessionStore, inFlight time.Duration) *Dispatcher {
	t.Helper()
	d := NewDispatcher(sessions, Options{
		InFlightTimeout: inFlight,
		PurgeInterval:   10 * time.Millisecond,
		Queue:           testQueue(),
		Logger:          zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		d.Stop(context.Background())
		cancel()
	})
	return d
}

func enqueue(t *testing.T, sessions store.SessionStore, uuids *broker.UUIDSource, clientID, topicName string, qos byte) broker.Message {
	t.Helper()
	msg := broker.Message{
		UUID:    uuids.Next(),
		Topic:   topicName,
		Payload: []byte("payload"),
		QoS:     qos,
		Time:    time.Now().UTC(),
	}
	require.NoError(t, sessions.EnqueueMessages(context.Background(), []store.Enqueue{{
		Message: msg,
		Targets: []store.LinkTarget{{ClientID: clientID, QoS: qos}},
	}}))
	return msg
}

func TestQoS1DeliveryCompletesOnPubAck(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()
	d := newTestDispatcher(t, sessions, time.Second)

	msg := enqueue(t, sessions, uuids, "C", "x/a", 1)
	sender := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", sender))

	p := sender.waitPublish(t)
	assert.Equal(t, msg.UUID, p.msg.UUID)
	assert.Equal(t, byte(1), p.qos)
	assert.False(t, p.dup)
	assert.NotZero(t, p.pid)

	d.OnPubAck(context.Background(), "C", p.pid)

	require.Eventually(t, func() bool {
		n, err := sessions.CountQueuedMessagesForClient(context.Background(), "C")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliveryIsOrderedWithWindowOfOne(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()
	d := newTestDispatcher(t, sessions, time.Second)

	first := enqueue(t, sessions, uuids, "C", "x/1", 1)
	second := enqueue(t, sessions, uuids, "C", "x/2", 1)

	sender := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", sender))

	p := sender.waitPublish(t)
	assert.Equal(t, first.UUID, p.msg.UUID)

	// The second message must wait for the first acknowledgement.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.publishCount())

	d.OnPubAck(context.Background(), "C", p.pid)
	p = sender.waitPublish(t)
	assert.Equal(t, second.UUID, p.msg.UUID)
	d.OnPubAck(context.Background(), "C", p.pid)
}

func TestTimeoutRedeliversWithDupFlag(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()
	d := newTestDispatcher(t, sessions, 50*time.Millisecond)

	enqueue(t, sessions, uuids, "C", "x/a", 1)
	sender := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", sender))

	p := sender.waitPublish(t)
	assert.False(t, p.dup)

	// No acknowledgement: the in-flight timeout returns the link to the
	// queue and the loop re-sends it with the dup flag and the same id.
	redelivered := sender.waitPublish(t)
	assert.True(t, redelivered.dup)
	assert.Equal(t, p.pid, redelivered.pid)
	assert.Equal(t, p.msg.UUID, redelivered.msg.UUID)

	d.OnPubAck(context.Background(), "C", redelivered.pid)
}

func TestReconnectRedeliversWithDupFlag(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()
	d := newTestDispatcher(t, sessions, time.Second)

	enqueue(t, sessions, uuids, "C", "x/a", 1)
	sender := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", sender))

	p := sender.waitPublish(t)
	assert.False(t, p.dup)
	d.Detach("C")

	// The unacknowledged link survives and replays on the next attach.
	next := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", next))
	redelivered := next.waitPublish(t)
	assert.True(t, redelivered.dup)
	assert.Equal(t, p.msg.UUID, redelivered.msg.UUID)
	d.OnPubAck(context.Background(), "C", redelivered.pid)
}

func TestQoS2DeliveryHandshake(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()
	d := newTestDispatcher(t, sessions, time.Second)

	enqueue(t, sessions, uuids, "C", "x/a", 2)
	sender := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", sender))

	p := sender.waitPublish(t)
	assert.Equal(t, byte(2), p.qos)

	d.OnPubRec(context.Background(), "C", p.pid)
	assert.Equal(t, p.pid, sender.waitPubRel(t))

	links, err := sessions.FetchReleasedLinks(context.Background(), "C")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, p.pid, links[0].PacketID)

	d.OnPubComp(context.Background(), "C", p.pid)
	require.Eventually(t, func() bool {
		n, err := sessions.CountQueuedMessagesForClient(context.Background(), "C")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAttachResendsPubRelForReleasedLinks(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()
	d := newTestDispatcher(t, sessions, time.Second)

	enqueue(t, sessions, uuids, "C", "x/a", 2)
	sender := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", sender))
	p := sender.waitPublish(t)
	d.OnPubRec(context.Background(), "C", p.pid)
	sender.waitPubRel(t)
	d.Detach("C")

	// Reconnect while the link sits in RELEASED: PUBREL replays, the
	// publish does not.
	next := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", next))
	assert.Equal(t, p.pid, next.waitPubRel(t))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, next.publishCount())

	d.OnPubComp(context.Background(), "C", p.pid)
}

func TestDeliverDirect(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	d := newTestDispatcher(t, sessions, time.Second)

	msg := broker.Message{UUID: broker.NewUUIDSource().Next(), Topic: "x/a", Payload: []byte("v")}
	err := d.DeliverDirect("C", msg, 0, false)
	assert.ErrorIs(t, err, broker.ErrClientGone)

	sender := newFakeSender()
	require.NoError(t, d.Attach(context.Background(), "C", sender))
	require.NoError(t, d.DeliverDirect("C", msg, 0, false))

	p := sender.waitPublish(t)
	assert.Zero(t, p.pid)
	assert.Equal(t, byte(0), p.qos)
}

func TestInboundQoS2Dedup(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	d := newTestDispatcher(t, sessions, time.Second)
	require.NoError(t, d.Attach(context.Background(), "C", newFakeSender()))

	assert.True(t, d.MarkPublishReceived("C", 7))
	assert.False(t, d.MarkPublishReceived("C", 7), "repeat before pubrel must be suppressed")

	d.ReleaseReceived("C", 7)
	assert.True(t, d.MarkPublishReceived("C", 7), "id is reusable after pubrel")
}

func TestPurgeLoopSweepsExpiredLinks(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()

	expiry := time.Now().UTC().Add(-time.Minute)
	msg := broker.Message{
		UUID:   uuids.Next(),
		Topic:  "x/a",
		QoS:    1,
		Time:   time.Now().UTC(),
		Expiry: &expiry,
	}
	require.NoError(t, sessions.EnqueueMessages(context.Background(), []store.Enqueue{{
		Message: msg,
		Targets: []store.LinkTarget{{ClientID: "C", QoS: 1}},
	}}))

	newTestDispatcher(t, sessions, time.Second)

	require.Eventually(t, func() bool {
		n, err := sessions.CountQueuedMessages(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}
