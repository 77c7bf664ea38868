// Package bridge hosts the device-integration surface: the admin bus
// addresses, the per-node device registry, and the value-injection path
// that turns bridge samples into synthetic publishes.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/cluster"
	"github.com/arcmq/arcmq/internal/store"
)

// Admin bus addresses. Peer nodes and management tooling agree on these
// strings exactly.
const (
	// DeviceConfigChangedAddr is broadcast after a device configuration
	// is saved, enabled, disabled, or deleted.
	DeviceConfigChangedAddr = "winccoa.device.config.changed"

	// ValuePublishAddr carries value samples injected by device bridges.
	ValuePublishAddr = "winccoa.value.publish"

	// ConnectorsListAddr answers request/reply with the device names
	// enabled on the answering node.
	ConnectorsListAddr = "winccoa.bridge.connectors.list"
)

var (
	nameRe      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	namespaceRe = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)
)

// ValueSample is one injected device value as carried on the bus.
type ValueSample struct {
	Device  string          `json:"device"`
	Topic   string          `json:"topic"`
	Value   json.RawMessage `json:"value"`
	Retain  bool            `json:"retain"`
	Sticky  bool            `json:"sticky"`
	Time    time.Time       `json:"time,omitempty"`
}

// connectorsReply answers ConnectorsListAddr requests.
type connectorsReply struct {
	Devices []string `json:"devices"`
}

// Publisher routes injected values; the session handler implements it.
type Publisher interface {
	PublishMessage(ctx context.Context, msg broker.Message) error
}

// Options configures a Registry.
type Options struct {
	UUIDs  *broker.UUIDSource
	Logger zerolog.Logger
}

// Registry owns this node's device configurations. It answers the
// connectors-list request, broadcasts config changes, and injects value
// samples into the publish pipeline.
type Registry struct {
	log       zerolog.Logger
	fabric    cluster.Fabric
	devices   store.DeviceConfigStore
	publisher Publisher
	uuids     *broker.UUIDSource

	busSubs []cluster.Subscription

	mu      sync.RWMutex
	enabled []store.DeviceConfig
}

func NewRegistry(fabric cluster.Fabric, devices store.DeviceConfigStore, publisher Publisher, opts Options) *Registry {
	if opts.UUIDs == nil {
		opts.UUIDs = broker.NewUUIDSource()
	}
	return &Registry{
		log:       opts.Logger.With().Str("component", "bridge").Logger(),
		fabric:    fabric,
		devices:   devices,
		publisher: publisher,
		uuids:     opts.UUIDs,
	}
}

// Start loads the devices assigned to this node and wires the admin
// addresses.
func (r *Registry) Start(ctx context.Context) error {
	enabled, err := r.devices.GetEnabledDevicesByNode(ctx, r.fabric.NodeID())
	if err != nil {
		return fmt.Errorf("failed to load devices for node %s: %w", r.fabric.NodeID(), err)
	}
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	for _, dev := range enabled {
		r.log.Info().Str("device", dev.Name).Str("type", dev.Type).Str("namespace", dev.Namespace).Msg("device bridge enabled")
	}

	bus := r.fabric.Bus()
	subs := []struct {
		addr string
		fn   cluster.Handler
	}{
		{ValuePublishAddr, r.onValuePublish},
		{ConnectorsListAddr, r.onConnectorsList},
		{DeviceConfigChangedAddr, r.onConfigChanged},
	}
	for _, s := range subs {
		sub, err := bus.Subscribe(s.addr, s.fn)
		if err != nil {
			return fmt.Errorf("failed to subscribe on %s: %w", s.addr, err)
		}
		r.busSubs = append(r.busSubs, sub)
	}
	return nil
}

// Stop drops the admin subscriptions.
func (r *Registry) Stop() {
	for _, s := range r.busSubs {
		_ = s.Unsubscribe()
	}
	r.busSubs = nil
}

// EnabledDevices lists the devices this node runs bridges for.
func (r *Registry) EnabledDevices() []store.DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.DeviceConfig, len(r.enabled))
	copy(out, r.enabled)
	return out
}

// SaveDevice validates and upserts one device configuration, then
// broadcasts the change to every node.
func (r *Registry) SaveDevice(ctx context.Context, device store.DeviceConfig) error {
	if !nameRe.MatchString(device.Name) {
		return fmt.Errorf("invalid device name %q", device.Name)
	}
	if device.Namespace != "" && !namespaceRe.MatchString(device.Namespace) {
		return fmt.Errorf("invalid device namespace %q", device.Namespace)
	}
	if err := r.devices.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device %s: %w", device.Name, err)
	}
	return r.notifyConfigChanged(ctx)
}

// DeleteDevice removes one device configuration and broadcasts the
// change.
func (r *Registry) DeleteDevice(ctx context.Context, name string) error {
	if err := r.devices.DeleteDevice(ctx, name); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", name, err)
	}
	return r.notifyConfigChanged(ctx)
}

func (r *Registry) notifyConfigChanged(ctx context.Context) error {
	if err := r.fabric.Bus().Publish(ctx, DeviceConfigChangedAddr, nil); err != nil {
		return fmt.Errorf("failed to broadcast device config change: %w", err)
	}
	return nil
}

// InjectValue turns one device sample into a synthetic QoS 0 publish
// carrying the sticky hint, so retained-only archive groups capture it.
func (r *Registry) InjectValue(ctx context.Context, sample ValueSample) error {
	msg := broker.NewMessage(r.uuids, sample.Topic, []byte(sample.Value), 0, sample.Retain, sample.Device)
	msg.Sticky = sample.Sticky
	if !sample.Time.IsZero() {
		msg.Time = sample.Time
	}
	if err := r.publisher.PublishMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to inject value for device %s: %w", sample.Device, err)
	}
	return nil
}

func (r *Registry) onValuePublish(busMsg *cluster.BusMessage) {
	var sample ValueSample
	if err := json.Unmarshal(busMsg.Payload, &sample); err != nil {
		r.log.Error().Err(err).Msg("failed to decode injected value")
		return
	}
	if err := r.InjectValue(context.Background(), sample); err != nil {
		r.log.Error().Err(err).Str("device", sample.Device).Str("topic", sample.Topic).Msg("value injection failed")
	}
}

func (r *Registry) onConnectorsList(busMsg *cluster.BusMessage) {
	enabled := r.EnabledDevices()
	names := make([]string, 0, len(enabled))
	for _, dev := range enabled {
		names = append(names, dev.Name)
	}
	payload, err := json.Marshal(connectorsReply{Devices: names})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode connectors reply")
		return
	}
	if err := busMsg.Reply(payload); err != nil {
		r.log.Debug().Err(err).Msg("connectors reply failed")
	}
}

// onConfigChanged reloads this node's device assignment when any node
// changes a configuration.
func (r *Registry) onConfigChanged(*cluster.BusMessage) {
	enabled, err := r.devices.GetEnabledDevicesByNode(context.Background(), r.fabric.NodeID())
	if err != nil {
		r.log.Error().Err(err).Msg("failed to reload device configurations")
		return
	}
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	r.log.Info().Int("devices", len(enabled)).Msg("device configurations reloaded")
}
