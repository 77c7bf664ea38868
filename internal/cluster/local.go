package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcmq/arcmq/internal/broker"
)

// LocalCluster is the in-process fabric used when clustering is disabled.
// Several nodes may Join the same LocalCluster, which makes multi-node
// behavior testable without a transport.
type LocalCluster struct {
	bus   *LocalBus
	locks *localLocks
	maps  *localMaps
}

func NewLocalCluster() *LocalCluster {
	return &LocalCluster{
		bus:   NewLocalBus(),
		locks: &localLocks{locks: make(map[string]chan struct{})},
		maps:  &localMaps{maps: make(map[string]*localMap)},
	}
}

// Join returns a Fabric view of this cluster for one node id.
func (c *LocalCluster) Join(nodeID string) Fabric {
	return New(nodeID, c.bus, c.locks, c.maps, nil)
}

// NewLocalFabric is the single-node shortcut.
func NewLocalFabric(nodeID string) Fabric {
	return NewLocalCluster().Join(nodeID)
}

// LocalBus dispatches published frames to in-process subscribers, each on
// its own goroutine so a slow handler cannot stall the publisher.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]Handler)}
}

func (b *LocalBus) Publish(_ context.Context, address string, payload []byte) error {
	for _, h := range b.handlers(address) {
		go invoke(h, &BusMessage{Address: address, Payload: payload})
	}
	return nil
}

func (b *LocalBus) Subscribe(address string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[address] == nil {
		b.subs[address] = make(map[int]Handler)
	}
	b.subs[address][id] = h

	return &localSub{bus: b, address: address, id: id}, nil
}

func (b *LocalBus) Request(ctx context.Context, address string, payload []byte, timeout time.Duration) ([]byte, error) {
	handlers := b.handlers(address)
	if len(handlers) == 0 {
		return nil, ErrNoResponders
	}

	replyCh := make(chan []byte, 1)
	msg := &BusMessage{
		Address: address,
		Payload: payload,
		reply: func(data []byte) error {
			select {
			case replyCh <- data:
			default:
			}
			return nil
		},
	}
	for _, h := range handlers {
		go invoke(h, msg)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-replyCh:
		return data, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *LocalBus) handlers(address string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler, 0, len(b.subs[address]))
	for _, h := range b.subs[address] {
		out = append(out, h)
	}
	return out
}

func invoke(h Handler, msg *BusMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("address", msg.Address).Msg("bus handler panicked")
		}
	}()
	h(msg)
}

type localSub struct {
	bus     *LocalBus
	address string
	id      int
}

func (s *localSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if handlers, ok := s.bus.subs[s.address]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.address)
		}
	}
	return nil
}

// localLocks hands out token-channel mutexes keyed by name.
type localLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (l *localLocks) NamedLock(name string) NamedLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		l.locks[name] = ch
	}
	return &localLock{token: ch}
}

type localLock struct {
	token chan struct{}
	held  bool
}

func (lk *localLock) Acquire(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-lk.token:
		lk.held = true
		return nil
	case <-timer.C:
		return broker.ErrLockAcquisitionFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (lk *localLock) Release(context.Context) error {
	if !lk.held {
		return ErrNotHeld
	}
	lk.held = false
	lk.token <- struct{}{}
	return nil
}

// localMaps hands out in-process shared maps.
type localMaps struct {
	mu   sync.Mutex
	maps map[string]*localMap
}

func (m *localMaps) SharedMap(name string) SharedMap {
	m.mu.Lock()
	defer m.mu.Unlock()

	lm, ok := m.maps[name]
	if !ok {
		lm = &localMap{entries: make(map[string]string)}
		m.maps[name] = lm
	}
	return lm
}

type localMap struct {
	mu      sync.RWMutex
	entries map[string]string
}

func (m *localMap) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *localMap) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *localMap) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *localMap) Entries(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}
