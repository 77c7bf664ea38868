package session

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
	"github.com/arcmq/arcmq/internal/cluster"
	"github.com/arcmq/arcmq/internal/retained"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/store/memory"
)

func fastQueue() async.Config {
	return async.Config{
		Capacity:     256,
		BatchSize:    32,
		Linger:       time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

type directCall struct {
	clientID string
	msg      broker.Message
	retain   bool
}

// fakeDispatcher records direct deliveries and wake signals.
type fakeDispatcher struct {
	mu     sync.Mutex
	direct []directCall

	directCh chan directCall
	wakeCh   chan string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		directCh: make(chan directCall, 32),
		wakeCh:   make(chan string, 32),
	}
}

func (d *fakeDispatcher) IsLocal(string) bool { return true }

func (d *fakeDispatcher) DeliverDirect(clientID string, msg broker.Message, _ byte, retain bool) error {
	call := directCall{clientID: clientID, msg: msg, retain: retain}
	d.mu.Lock()
	d.direct = append(d.direct, call)
	d.mu.Unlock()
	d.directCh <- call
	return nil
}

func (d *fakeDispatcher) Wake(clientID string) { d.wakeCh <- clientID }

func (d *fakeDispatcher) waitDirect(t *testing.T) directCall {
	t.Helper()
	select {
	case call := <-d.directCh:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no direct delivery within deadline")
		return directCall{}
	}
}

func (d *fakeDispatcher) waitWake(t *testing.T) string {
	t.Helper()
	select {
	case clientID := <-d.wakeCh:
		return clientID
	case <-time.After(2 * time.Second):
		t.Fatal("no wake within deadline")
		return ""
	}
}

func (d *fakeDispatcher) directCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.direct)
}

type node struct {
	handler    *Handler
	sessions   *memory.SessionStore
	dispatcher *fakeDispatcher
}

func newNode(t *testing.T, lc *cluster.LocalCluster, nodeID string) *node {
	return newNodeWith(t, lc, nodeID, Options{})
}

func newNodeWith(t *testing.T, lc *cluster.LocalCluster, nodeID string, opts Options) *node {
	t.Helper()
	sessions := memory.NewSessionStore("sessions")
	opts.Queue = fastQueue()
	opts.Logger = zerolog.Nop()

	h := NewHandler(lc.Join(nodeID), sessions, opts)
	d := newFakeDispatcher()
	h.SetDispatcher(d)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return &node{handler: h, sessions: sessions, dispatcher: d}
}

func pubMsg(uuids *broker.UUIDSource, topicName, payload string, qos byte) broker.Message {
	return broker.Message{
		UUID:    uuids.Next(),
		Topic:   topicName,
		Payload: []byte(payload),
		QoS:     qos,
		Time:    time.Now().UTC(),
	}
}

// waitSubsPersisted blocks until the store holds n subscription rows, so
// a later purge sees them.
func waitSubsPersisted(t *testing.T, sessions *memory.SessionStore, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count := 0
		_ = sessions.IterateSubscriptions(context.Background(), func(store.Subscription) bool {
			count++
			return true
		})
		return count == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectRejectedUntilReady(t *testing.T) {
	sessions := memory.NewSessionStore("sessions")
	h := NewHandler(cluster.NewLocalFabric("n1"), sessions, Options{Queue: fastQueue(), Logger: zerolog.Nop()})

	_, err := h.Connect(context.Background(), "C", false, nil, nil, 0)
	assert.ErrorIs(t, err, broker.ErrServiceUnavailable)
}

func TestResumePersistentSession(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")

	resumed, err := n.handler.Connect(ctx, "C", false, nil, nil, 0)
	require.NoError(t, err)
	assert.False(t, resumed)

	require.NoError(t, n.handler.Disconnect(ctx, "C", true))

	resumed, err = n.handler.Connect(ctx, "C", false, nil, nil, 0)
	require.NoError(t, err)
	assert.True(t, resumed)
}

func TestCleanSessionConnectPurgesState(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")

	_, err := n.handler.Connect(ctx, "C", false, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "C", TopicFilter: "plant/#", QoS: 1}, nil))
	waitSubsPersisted(t, n.sessions, 1)
	require.Len(t, n.handler.FindClients("plant/line1/temp"), 1)

	resumed, err := n.handler.Connect(ctx, "C", true, nil, nil, 0)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Empty(t, n.handler.FindClients("plant/line1/temp"))
}

func TestPublishQoS0DeliversDirect(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")
	uuids := broker.NewUUIDSource()

	_, err := n.handler.Connect(ctx, "C", true, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "C", TopicFilter: "plant/+/temp", QoS: 0}, nil))

	require.NoError(t, n.handler.PublishMessage(ctx, pubMsg(uuids, "plant/line1/temp", "20.1", 0)))

	call := n.dispatcher.waitDirect(t)
	assert.Equal(t, "C", call.clientID)
	assert.Equal(t, "plant/line1/temp", call.msg.Topic)

	// No queued link for a QoS 0 delivery.
	count, err := n.sessions.CountQueuedMessagesForClient(ctx, "C")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPublishQoS1QueuesAndWakes(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")
	uuids := broker.NewUUIDSource()

	_, err := n.handler.Connect(ctx, "C", false, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "C", TopicFilter: "plant/#", QoS: 1}, nil))

	require.NoError(t, n.handler.PublishMessage(ctx, pubMsg(uuids, "plant/line1/temp", "20.1", 1)))

	assert.Equal(t, "C", n.dispatcher.waitWake(t))
	require.Eventually(t, func() bool {
		count, err := n.sessions.CountQueuedMessagesForClient(ctx, "C")
		return err == nil && count == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, n.dispatcher.directCount())
}

func TestQoSCappedAtSubscriptionCeiling(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")
	uuids := broker.NewUUIDSource()

	_, err := n.handler.Connect(ctx, "C", true, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "C", TopicFilter: "plant/#", QoS: 0}, nil))

	// QoS 1 publish to a QoS 0 subscription takes the direct path.
	require.NoError(t, n.handler.PublishMessage(ctx, pubMsg(uuids, "plant/a", "v", 1)))
	n.dispatcher.waitDirect(t)

	count, err := n.sessions.CountQueuedMessagesForClient(ctx, "C")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNoLocalSuppressesEcho(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")
	uuids := broker.NewUUIDSource()

	for _, clientID := range []string{"pub", "other"} {
		_, err := n.handler.Connect(ctx, clientID, true, nil, nil, 0)
		require.NoError(t, err)
		sub := store.Subscription{ClientID: clientID, TopicFilter: "plant/#", QoS: 0, NoLocal: true}
		require.NoError(t, n.handler.AddSubscription(ctx, sub, nil))
	}

	msg := pubMsg(uuids, "plant/a", "v", 0)
	msg.ClientID = "pub"
	require.NoError(t, n.handler.PublishMessage(ctx, msg))

	call := n.dispatcher.waitDirect(t)
	assert.Equal(t, "other", call.clientID)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, n.dispatcher.directCount(), "publisher must not receive its own message")
}

func TestOfflinePersistentSubscriberQueuesQoS1Only(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")
	uuids := broker.NewUUIDSource()

	_, err := n.handler.Connect(ctx, "C", false, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "C", TopicFilter: "plant/#", QoS: 1}, nil))
	waitSubsPersisted(t, n.sessions, 1)
	require.NoError(t, n.handler.Disconnect(ctx, "C", true))

	// QoS 0 to an offline client is dropped, QoS 1 is queued.
	require.NoError(t, n.handler.PublishMessage(ctx, pubMsg(uuids, "plant/a", "v", 0)))
	require.NoError(t, n.handler.PublishMessage(ctx, pubMsg(uuids, "plant/b", "v", 1)))

	require.Eventually(t, func() bool {
		count, err := n.sessions.CountQueuedMessagesForClient(ctx, "C")
		return err == nil && count == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, n.dispatcher.directCount())
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMessageStore("retained")
	ret := retained.NewHandler(st, retained.Options{Queue: fastQueue(), Logger: zerolog.Nop()})
	ret.Start(ctx)
	t.Cleanup(func() { _ = ret.Stop(context.Background()) })

	n := newNodeWith(t, cluster.NewLocalCluster(), "n1", Options{Retained: ret})
	uuids := broker.NewUUIDSource()

	msg := pubMsg(uuids, "plant/line1/temp", "20.1", 0)
	msg.Retain = true
	require.NoError(t, n.handler.PublishMessage(ctx, msg))
	require.Eventually(t, func() bool {
		got, err := st.Get(ctx, "plant/line1/temp")
		return err == nil && got != nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err := n.handler.Connect(ctx, "C", true, nil, nil, 0)
	require.NoError(t, err)

	var replayed []broker.Message
	sub := store.Subscription{ClientID: "C", TopicFilter: "plant/#", QoS: 0, RetainHandling: store.SendOnSubscribe}
	require.NoError(t, n.handler.AddSubscription(ctx, sub, func(m broker.Message) bool {
		replayed = append(replayed, m)
		return true
	}))

	require.Len(t, replayed, 1)
	assert.True(t, replayed[0].Retain)
	assert.Equal(t, []byte("20.1"), replayed[0].Payload)
}

func TestUngracefulDisconnectPublishesWill(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")

	_, err := n.handler.Connect(ctx, "S", true, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "S", TopicFilter: "plant/status", QoS: 0}, nil))

	will := &broker.Message{Topic: "plant/status", Payload: []byte("gone"), QoS: 0}
	_, err = n.handler.Connect(ctx, "W", false, nil, will, 0)
	require.NoError(t, err)

	require.NoError(t, n.handler.Disconnect(ctx, "W", false))

	call := n.dispatcher.waitDirect(t)
	assert.Equal(t, "S", call.clientID)
	assert.Equal(t, []byte("gone"), call.msg.Payload)
	assert.Equal(t, "W", call.msg.ClientID)
}

func TestGracefulDisconnectClearsWill(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")

	_, err := n.handler.Connect(ctx, "S", true, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "S", TopicFilter: "plant/status", QoS: 0}, nil))

	will := &broker.Message{Topic: "plant/status", Payload: []byte("gone")}
	_, err = n.handler.Connect(ctx, "W", false, nil, will, 0)
	require.NoError(t, err)

	require.NoError(t, n.handler.Disconnect(ctx, "W", true))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, n.dispatcher.directCount())
}

func TestReconnectCancelsDelayedWill(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, cluster.NewLocalCluster(), "n1")

	_, err := n.handler.Connect(ctx, "S", true, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n.handler.AddSubscription(ctx, store.Subscription{ClientID: "S", TopicFilter: "plant/status", QoS: 0}, nil))

	will := &broker.Message{Topic: "plant/status", Payload: []byte("gone")}
	_, err = n.handler.Connect(ctx, "W", false, nil, will, 80*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, n.handler.Disconnect(ctx, "W", false))
	_, err = n.handler.Connect(ctx, "W", false, nil, will, 80*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, n.dispatcher.directCount(), "reconnect within the delay must cancel the will")
}

type denyAll struct{}

func (denyAll) CanPublish(context.Context, string, string) bool   { return false }
func (denyAll) CanSubscribe(context.Context, string, string) bool { return false }

func TestPublishValidationAndAuthorization(t *testing.T) {
	ctx := context.Background()
	uuids := broker.NewUUIDSource()

	n := newNode(t, cluster.NewLocalCluster(), "n1")
	err := n.handler.PublishMessage(ctx, pubMsg(uuids, "plant/+/temp", "v", 0))
	assert.ErrorIs(t, err, broker.ErrInvalidTopicFilter)

	denied := newNodeWith(t, cluster.NewLocalCluster(), "n2", Options{Authorizer: denyAll{}})
	err = denied.handler.PublishMessage(ctx, pubMsg(uuids, "plant/a", "v", 0))
	assert.ErrorIs(t, err, broker.ErrNotAuthorized)

	err = denied.handler.AddSubscription(ctx, store.Subscription{ClientID: "C", TopicFilter: "plant/#"}, nil)
	assert.ErrorIs(t, err, broker.ErrNotAuthorized)
}

func TestClusterRoutesToOwningNode(t *testing.T) {
	ctx := context.Background()
	lc := cluster.NewLocalCluster()
	n1 := newNode(t, lc, "n1")
	n2 := newNode(t, lc, "n2")
	uuids := broker.NewUUIDSource()

	_, err := n2.handler.Connect(ctx, "B", true, nil, nil, 0)
	require.NoError(t, err)
	require.NoError(t, n2.handler.AddSubscription(ctx, store.Subscription{ClientID: "B", TopicFilter: "plant/#", QoS: 0}, nil))

	// The subscription broadcast converges the peer index.
	require.Eventually(t, func() bool {
		return len(n1.handler.FindClients("plant/a")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, n1.handler.PublishMessage(ctx, pubMsg(uuids, "plant/a", "v", 0)))

	call := n2.dispatcher.waitDirect(t)
	assert.Equal(t, "B", call.clientID)
	assert.Equal(t, "plant/a", call.msg.Topic)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, n1.dispatcher.directCount(), "publishing node must not deliver a peer-owned client")
}

// gatedSessionStore parks the first subscription batch until released so a
// test can fill the add queue behind it.
type gatedSessionStore struct {
	*memory.SessionStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSessionStore) AddSubscriptions(ctx context.Context, subs []store.Subscription) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.SessionStore.AddSubscriptions(ctx, subs)
}

func TestSubscribeOverflowRollbackKeepsReplacedEntry(t *testing.T) {
	ctx := context.Background()
	lc := cluster.NewLocalCluster()
	sessions := &gatedSessionStore{
		SessionStore: memory.NewSessionStore("sessions"),
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}

	opts := Options{Logger: zerolog.Nop(), Queue: fastQueue()}
	opts.Queue.Capacity = 1
	opts.Queue.BatchSize = 1

	h := NewHandler(lc.Join("n1"), sessions, opts)
	h.SetDispatcher(newFakeDispatcher())
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() {
		close(sessions.release)
		_ = h.Stop(context.Background())
	})

	_, err := h.Connect(ctx, "C", false, nil, nil, 0)
	require.NoError(t, err)

	sub := func(qos byte) store.Subscription {
		return store.Subscription{ClientID: "C", TopicFilter: "plant/a", QoS: qos}
	}

	// The first add reaches the drainer and parks there.
	require.NoError(t, h.AddSubscription(ctx, sub(1), nil))
	<-sessions.started

	// The second add replaces the index entry and fills the queue.
	require.NoError(t, h.AddSubscription(ctx, sub(2), nil))

	// The third overflows. The rollback must restore the queued qos-2
	// entry, not drop the filter from the index.
	err = h.AddSubscription(ctx, sub(0), nil)
	require.ErrorIs(t, err, broker.ErrBackpressureExceeded)

	entries := h.FindClients("plant/a")
	require.Len(t, entries, 1)
	assert.Equal(t, byte(2), entries[0].Value.QoS)
}

func TestSubscriptionRemovalPropagatesToPeers(t *testing.T) {
	ctx := context.Background()
	lc := cluster.NewLocalCluster()
	n1 := newNode(t, lc, "n1")
	n2 := newNode(t, lc, "n2")

	_, err := n2.handler.Connect(ctx, "B", true, nil, nil, 0)
	require.NoError(t, err)
	sub := store.Subscription{ClientID: "B", TopicFilter: "plant/#", QoS: 0}
	require.NoError(t, n2.handler.AddSubscription(ctx, sub, nil))
	require.Eventually(t, func() bool {
		return len(n1.handler.FindClients("plant/a")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, n2.handler.DelSubscription(ctx, sub))
	require.Eventually(t, func() bool {
		return len(n1.handler.FindClients("plant/a")) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
