package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arcmq/arcmq/internal/store"
)

// DeviceConfigStore keeps device-bridge configurations in memory.
type DeviceConfigStore struct {
	mu      sync.RWMutex
	devices map[string]store.DeviceConfig
}

func NewDeviceConfigStore() *DeviceConfigStore {
	return &DeviceConfigStore{devices: make(map[string]store.DeviceConfig)}
}

func (s *DeviceConfigStore) GetDevice(_ context.Context, name string) (*store.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[name]
	if !ok {
		return nil, nil
	}
	return &device, nil
}

func (s *DeviceConfigStore) GetAllDevices(_ context.Context) ([]store.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(store.DeviceConfig) bool { return true }), nil
}

func (s *DeviceConfigStore) GetEnabledDevicesByNode(_ context.Context, nodeID string) ([]store.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(d store.DeviceConfig) bool { return d.Enabled && d.NodeID == nodeID }), nil
}

// sorted returns matching devices ordered by name. Caller holds the read
// lock.
func (s *DeviceConfigStore) sorted(match func(store.DeviceConfig) bool) []store.DeviceConfig {
	out := make([]store.DeviceConfig, 0, len(s.devices))
	for _, d := range s.devices {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *DeviceConfigStore) SaveDevice(_ context.Context, device store.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, existing := range s.devices {
		if name != device.Name && existing.Namespace == device.Namespace {
			return fmt.Errorf("namespace %q already owned by device %q", device.Namespace, name)
		}
	}
	device.UpdatedAt = time.Now().UTC()
	s.devices[device.Name] = device
	return nil
}

func (s *DeviceConfigStore) SetDeviceEnabled(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[name]
	if !ok {
		return fmt.Errorf("device %q not found", name)
	}
	device.Enabled = enabled
	device.UpdatedAt = time.Now().UTC()
	s.devices[name] = device
	return nil
}

func (s *DeviceConfigStore) DeleteDevice(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.devices, name)
	return nil
}
