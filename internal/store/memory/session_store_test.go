package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

func newTestMessage(uuids *broker.UUIDSource, topic, payload string, qos byte) broker.Message {
	return broker.Message{
		UUID:     uuids.Next(),
		Topic:    topic,
		Payload:  []byte(payload),
		QoS:      qos,
		Time:     time.Now().UTC(),
		ClientID: "publisher",
	}
}

func enqueueTo(t *testing.T, s *SessionStore, msg broker.Message, clientID string, qos byte) {
	t.Helper()
	err := s.EnqueueMessages(context.Background(), []store.Enqueue{{
		Message: msg,
		Targets: []store.LinkTarget{{ClientID: clientID, QoS: qos}},
	}})
	require.NoError(t, err)
}

func TestEnqueueDequeueRemoveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()

	msg := newTestMessage(uuids, "x/a", "1", 1)
	enqueueTo(t, s, msg, "C", 1)

	var seen []string
	require.NoError(t, s.DequeueMessages(ctx, "C", func(m broker.Message) bool {
		seen = append(seen, m.UUID)
		return true
	}))
	assert.Equal(t, []string{msg.UUID}, seen)

	require.NoError(t, s.RemoveMessages(ctx, []store.LinkRef{{ClientID: "C", UUID: msg.UUID}}))

	seen = nil
	require.NoError(t, s.DequeueMessages(ctx, "C", func(m broker.Message) bool {
		seen = append(seen, m.UUID)
		return true
	}))
	assert.Empty(t, seen)

	// Last link gone: the message row is purgeable.
	n, err := s.CountQueuedMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueSameUUIDTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()

	msg := newTestMessage(uuids, "x/a", "1", 1)
	enqueueTo(t, s, msg, "C", 1)
	enqueueTo(t, s, msg, "C", 1)

	n, err := s.CountQueuedMessagesForClient(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFetchNextPendingOrderedByUUID(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()

	first := newTestMessage(uuids, "x/a", "1", 1)
	second := newTestMessage(uuids, "x/b", "2", 1)
	enqueueTo(t, s, second, "C", 1)
	enqueueTo(t, s, first, "C", 1)

	pd, err := s.FetchNextPendingMessage(ctx, "C")
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, first.UUID, pd.Message.UUID)
	assert.Equal(t, store.StatusPending, pd.Link.Status)

	require.NoError(t, s.MarkMessageInFlight(ctx, "C", first.UUID, 7))

	pd, err = s.FetchNextPendingMessage(ctx, "C")
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, second.UUID, pd.Message.UUID)

	require.NoError(t, s.MarkMessageDelivered(ctx, "C", first.UUID))
	require.NoError(t, s.MarkMessageInFlight(ctx, "C", second.UUID, 8))

	pd, err = s.FetchNextPendingMessage(ctx, "C")
	require.NoError(t, err)
	assert.Nil(t, pd)

	purged, err := s.PurgeDeliveredMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestResetInFlightKeepsReleased(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()

	inflight := newTestMessage(uuids, "q/a", "1", 2)
	released := newTestMessage(uuids, "q/b", "2", 2)
	enqueueTo(t, s, inflight, "C", 2)
	enqueueTo(t, s, released, "C", 2)

	require.NoError(t, s.MarkMessageInFlight(ctx, "C", inflight.UUID, 1))
	require.NoError(t, s.MarkMessageInFlight(ctx, "C", released.UUID, 2))
	require.NoError(t, s.MarkMessageReleased(ctx, "C", released.UUID))

	require.NoError(t, s.ResetInFlightMessages(ctx, "C"))

	pd, err := s.FetchNextPendingMessage(ctx, "C")
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, inflight.UUID, pd.Message.UUID)
	// Redelivery candidates keep the packet id they were sent under.
	assert.Equal(t, uint16(1), pd.Link.PacketID)

	links, err := s.FetchReleasedLinks(ctx, "C")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, released.UUID, links[0].UUID)
	assert.Equal(t, uint16(2), links[0].PacketID)
}

func TestPurgeSessionsRemovesCleanDisconnected(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()

	require.NoError(t, s.SetClient(ctx, "clean", "n1", true, false, nil))
	require.NoError(t, s.SetClient(ctx, "durable", "n1", false, false, nil))
	require.NoError(t, s.AddSubscriptions(ctx, []store.Subscription{
		{ClientID: "clean", TopicFilter: "a/#", QoS: 1, Wildcard: true},
		{ClientID: "durable", TopicFilter: "b/#", QoS: 1, Wildcard: true},
	}))
	enqueueTo(t, s, newTestMessage(uuids, "a/x", "1", 1), "clean", 1)

	require.NoError(t, s.PurgeSessions(ctx))

	present, err := s.IsPresent(ctx, "clean")
	require.NoError(t, err)
	assert.False(t, present)

	present, err = s.IsPresent(ctx, "durable")
	require.NoError(t, err)
	assert.True(t, present)

	var filters []string
	require.NoError(t, s.IterateSubscriptions(ctx, func(sub store.Subscription) bool {
		filters = append(filters, sub.TopicFilter)
		return true
	}))
	assert.Equal(t, []string{"b/#"}, filters)

	n, err := s.CountQueuedMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiredLinksAreSkippedAndPurged(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")
	uuids := broker.NewUUIDSource()

	past := time.Now().Add(-time.Minute)
	expired := newTestMessage(uuids, "e/a", "old", 1)
	expired.Expiry = &past
	live := newTestMessage(uuids, "e/b", "new", 1)

	enqueueTo(t, s, expired, "C", 1)
	enqueueTo(t, s, live, "C", 1)

	pd, err := s.FetchNextPendingMessage(ctx, "C")
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, live.UUID, pd.Message.UUID)

	purged, err := s.PurgeExpiredMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestDelClientReportsSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")

	require.NoError(t, s.SetClient(ctx, "C", "n1", true, true, map[string]any{"ip": "10.0.0.1"}))
	require.NoError(t, s.AddSubscriptions(ctx, []store.Subscription{
		{ClientID: "C", TopicFilter: "a/+", QoS: 1, Wildcard: true},
		{ClientID: "C", TopicFilter: "b", QoS: 0},
	}))

	var removed []string
	require.NoError(t, s.DelClient(ctx, "C", func(sub store.Subscription) {
		removed = append(removed, sub.TopicFilter)
	}))
	assert.ElementsMatch(t, []string{"a/+", "b"}, removed)

	present, err := s.IsPresent(ctx, "C")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestSetConnectedAndIterators(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore("sessions")

	require.NoError(t, s.SetClient(ctx, "on", "n1", false, true, nil))
	require.NoError(t, s.SetClient(ctx, "off", "n2", false, false, nil))

	var connected, offline []string
	require.NoError(t, s.IterateConnectedClients(ctx, func(clientID, nodeID string) bool {
		connected = append(connected, clientID+"@"+nodeID)
		return true
	}))
	require.NoError(t, s.IterateOfflineClients(ctx, func(clientID string) bool {
		offline = append(offline, clientID)
		return true
	}))
	assert.Equal(t, []string{"on@n1"}, connected)
	assert.Equal(t, []string{"off"}, offline)

	require.NoError(t, s.SetConnected(ctx, "on", false))
	ok, err := s.IsConnected(ctx, "on")
	require.NoError(t, err)
	assert.False(t, ok)
}
