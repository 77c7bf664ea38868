// Package cluster provides the fabric the broker core uses to reach its
// peers: a pub/sub bus addressed by strings, cluster-wide named locks, and
// shared key-value maps. With clustering disabled every primitive degrades
// to a process-local implementation.
package cluster

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoResponders means a request found no subscriber on the address.
	ErrNoResponders = errors.New("no responders on address")
	// ErrRequestTimeout means no reply arrived within the deadline.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrNotHeld is returned when releasing a lock the caller never
	// acquired.
	ErrNotHeld = errors.New("lock not held")
)

// BusMessage is one frame delivered to a bus handler. Reply answers a
// request; it is a no-op error for plain publishes.
type BusMessage struct {
	Address string
	Payload []byte
	reply   func([]byte) error
}

// Reply sends data back to the requester.
func (m *BusMessage) Reply(data []byte) error {
	if m.reply == nil {
		return errors.New("message is not a request")
	}
	return m.reply(data)
}

// Handler consumes bus messages. Handlers run on bus goroutines and must
// not block for long.
type Handler func(msg *BusMessage)

// Subscription is a live bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the cluster transport. Addresses are plain strings; transports
// map them to their own subject syntax.
type Bus interface {
	Publish(ctx context.Context, address string, payload []byte) error
	Subscribe(address string, h Handler) (Subscription, error)
	Request(ctx context.Context, address string, payload []byte, timeout time.Duration) ([]byte, error)
}

// NamedLock is a cluster-wide mutex. Acquire waits up to timeout and
// returns broker.ErrLockAcquisitionFailed when another holder keeps it.
type NamedLock interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) error
}

// SharedMap is a cluster-wide string map used for ephemeral routing hints
// such as clientID → owning node.
type SharedMap interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Entries(ctx context.Context) (map[string]string, error)
}

// LockProvider hands out named locks.
type LockProvider interface {
	NamedLock(name string) NamedLock
}

// MapProvider hands out shared maps.
type MapProvider interface {
	SharedMap(name string) SharedMap
}

// Fabric bundles the cluster primitives behind one node identity.
type Fabric interface {
	NodeID() string
	Bus() Bus
	NamedLock(name string) NamedLock
	SharedMap(name string) SharedMap
	Leave(ctx context.Context) error
}

type fabric struct {
	nodeID string
	bus    Bus
	locks  LockProvider
	maps   MapProvider
	leave  func(ctx context.Context) error
}

// New assembles a fabric from its parts. leave may be nil.
func New(nodeID string, bus Bus, locks LockProvider, maps MapProvider, leave func(ctx context.Context) error) Fabric {
	return &fabric{nodeID: nodeID, bus: bus, locks: locks, maps: maps, leave: leave}
}

func (f *fabric) NodeID() string                  { return f.nodeID }
func (f *fabric) Bus() Bus                        { return f.bus }
func (f *fabric) NamedLock(name string) NamedLock { return f.locks.NamedLock(name) }
func (f *fabric) SharedMap(name string) SharedMap { return f.maps.SharedMap(name) }

func (f *fabric) Leave(ctx context.Context) error {
	if f.leave == nil {
		return nil
	}
	return f.leave(ctx)
}
