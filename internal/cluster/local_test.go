package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/broker"
)

func TestLocalBusPublishSubscribe(t *testing.T) {
	bus := NewLocalBus()

	var mu sync.Mutex
	var got [][]byte
	sub, err := bus.Subscribe("node/n1/deliver", func(msg *BusMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.Payload)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "node/n1/deliver", []byte("a")))
	require.NoError(t, bus.Publish(context.Background(), "node/n2/deliver", []byte("other")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("a"), got[0])
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(context.Background(), "node/n1/deliver", []byte("b")))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestLocalBusRequestReply(t *testing.T) {
	bus := NewLocalBus()

	_, err := bus.Subscribe("winccoa.bridge.connectors.list", func(msg *BusMessage) {
		require.NoError(t, msg.Reply([]byte(`{"devices":["plc1"]}`)))
	})
	require.NoError(t, err)

	data, err := bus.Request(context.Background(), "winccoa.bridge.connectors.list", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"devices":["plc1"]}`, string(data))
}

func TestLocalBusRequestNoResponders(t *testing.T) {
	bus := NewLocalBus()
	_, err := bus.Request(context.Background(), "nobody/home", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestLocalLockContention(t *testing.T) {
	cl := NewLocalCluster()
	n1 := cl.Join("n1")
	n2 := cl.Join("n2")

	l1 := n1.NamedLock("purge-lock-g-archive")
	l2 := n2.NamedLock("purge-lock-g-archive")

	require.NoError(t, l1.Acquire(context.Background(), 100*time.Millisecond))

	err := l2.Acquire(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrLockAcquisitionFailed)

	require.NoError(t, l1.Release(context.Background()))
	require.NoError(t, l2.Acquire(context.Background(), 100*time.Millisecond))
	require.NoError(t, l2.Release(context.Background()))

	assert.ErrorIs(t, l2.Release(context.Background()), ErrNotHeld)
}

func TestSharedMapAcrossNodes(t *testing.T) {
	cl := NewLocalCluster()
	m1 := cl.Join("n1").SharedMap("clients")
	m2 := cl.Join("n2").SharedMap("clients")

	ctx := context.Background()
	require.NoError(t, m1.Set(ctx, "clientA", "n1"))

	v, ok, err := m2.Get(ctx, "clientA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n1", v)

	entries, err := m2.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"clientA": "n1"}, entries)

	require.NoError(t, m2.Delete(ctx, "clientA"))
	_, ok, err = m1.Get(ctx, "clientA")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubjectMapping(t *testing.T) {
	tests := []struct {
		name    string
		address string
		subject string
	}{
		{name: "node_deliver", address: NodeDeliverAddr("n1"), subject: "node.n1.deliver"},
		{name: "store_add", address: StoreAddAddr("sessions"), subject: "store.sessions.add"},
		{name: "dotted_admin", address: "winccoa.value.publish", subject: "winccoa.value.publish"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.subject, subjectFor(tt.address))
		})
	}
}
