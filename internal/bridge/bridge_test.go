package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/cluster"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/store/memory"
)

type capturedPublish struct {
	msg broker.Message
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []broker.Message
	ch   chan capturedPublish
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan capturedPublish, 16)}
}

func (p *fakePublisher) PublishMessage(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	p.ch <- capturedPublish{msg: msg}
	return nil
}

func (p *fakePublisher) waitPublish(t *testing.T) broker.Message {
	t.Helper()
	select {
	case c := <-p.ch:
		return c.msg
	case <-time.After(2 * time.Second):
		t.Fatal("no publish within deadline")
		return broker.Message{}
	}
}

func device(name, nodeID string, enabled bool) store.DeviceConfig {
	return store.DeviceConfig{
		Name:      name,
		Namespace: "plant/devices",
		NodeID:    nodeID,
		Enabled:   enabled,
		Type:      "opcua",
	}
}

func newTestRegistry(t *testing.T, lc *cluster.LocalCluster, nodeID string, devices store.DeviceConfigStore, pub Publisher) *Registry {
	t.Helper()
	r := NewRegistry(lc.Join(nodeID), devices, pub, Options{Logger: zerolog.Nop()})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func TestStartLoadsNodeDevices(t *testing.T) {
	ctx := context.Background()
	devices := memory.NewDeviceConfigStore()
	require.NoError(t, devices.SaveDevice(ctx, device("mine", "n1", true)))
	require.NoError(t, devices.SaveDevice(ctx, device("disabled", "n1", false)))
	require.NoError(t, devices.SaveDevice(ctx, device("elsewhere", "n2", true)))

	r := newTestRegistry(t, cluster.NewLocalCluster(), "n1", devices, newFakePublisher())

	enabled := r.EnabledDevices()
	require.Len(t, enabled, 1)
	assert.Equal(t, "mine", enabled[0].Name)
}

func TestSaveDeviceValidatesAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	lc := cluster.NewLocalCluster()
	devices := memory.NewDeviceConfigStore()

	r1 := newTestRegistry(t, lc, "n1", devices, newFakePublisher())
	r2 := newTestRegistry(t, lc, "n2", devices, newFakePublisher())

	assert.Error(t, r1.SaveDevice(ctx, device("bad name", "n1", true)))
	bad := device("ok", "n1", true)
	bad.Namespace = "no spaces here"
	assert.Error(t, r1.SaveDevice(ctx, bad))

	// A valid save reaches every node's registry.
	require.NoError(t, r1.SaveDevice(ctx, device("press", "n2", true)))
	require.Eventually(t, func() bool {
		return len(r2.EnabledDevices()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, r1.EnabledDevices())

	require.NoError(t, r1.DeleteDevice(ctx, "press"))
	require.Eventually(t, func() bool {
		return len(r2.EnabledDevices()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInjectValuePublishesStickyMessage(t *testing.T) {
	ctx := context.Background()
	pub := newFakePublisher()
	r := newTestRegistry(t, cluster.NewLocalCluster(), "n1", memory.NewDeviceConfigStore(), pub)

	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	sample := ValueSample{
		Device: "press",
		Topic:  "plant/press/temp",
		Value:  json.RawMessage(`{"value": 20.1}`),
		Sticky: true,
		Time:   at,
	}
	require.NoError(t, r.InjectValue(ctx, sample))

	msg := pub.waitPublish(t)
	assert.Equal(t, "plant/press/temp", msg.Topic)
	assert.JSONEq(t, `{"value": 20.1}`, string(msg.Payload))
	assert.Equal(t, byte(0), msg.QoS)
	assert.True(t, msg.Sticky)
	assert.False(t, msg.Retain)
	assert.Equal(t, "press", msg.ClientID)
	assert.Equal(t, at, msg.Time)
}

func TestValuePublishAddressFeedsInjection(t *testing.T) {
	ctx := context.Background()
	lc := cluster.NewLocalCluster()
	pub := newFakePublisher()
	newTestRegistry(t, lc, "n1", memory.NewDeviceConfigStore(), pub)

	payload, err := json.Marshal(ValueSample{Device: "press", Topic: "plant/press/temp", Value: json.RawMessage(`42`)})
	require.NoError(t, err)
	require.NoError(t, lc.Join("n2").Bus().Publish(ctx, ValuePublishAddr, payload))

	msg := pub.waitPublish(t)
	assert.Equal(t, "plant/press/temp", msg.Topic)
	assert.Equal(t, []byte("42"), msg.Payload)
}

func TestConnectorsListRequestReply(t *testing.T) {
	ctx := context.Background()
	lc := cluster.NewLocalCluster()
	devices := memory.NewDeviceConfigStore()
	require.NoError(t, devices.SaveDevice(ctx, device("press", "n1", true)))
	require.NoError(t, devices.SaveDevice(ctx, device("mill", "n1", true)))

	newTestRegistry(t, lc, "n1", devices, newFakePublisher())

	data, err := lc.Join("n2").Bus().Request(ctx, ConnectorsListAddr, nil, time.Second)
	require.NoError(t, err)

	var reply struct {
		Devices []string `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.ElementsMatch(t, []string{"press", "mill"}, reply.Devices)
}
