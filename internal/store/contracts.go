package store

import (
	"context"
	"time"

	"github.com/arcmq/arcmq/internal/broker"
)

// SessionStore persists sessions, subscriptions, queued messages, and the
// per-subscriber delivery links. Iteration is snapshot-consistent with
// respect to concurrent writes: new rows may be skipped, no row is reported
// twice. SetClient is atomic per client id, last writer wins.
type SessionStore interface {
	Name() string

	IterateOfflineClients(ctx context.Context, cb func(clientID string) bool) error
	IterateConnectedClients(ctx context.Context, cb func(clientID, nodeID string) bool) error
	IterateAllSessions(ctx context.Context, cb func(Session) bool) error
	IterateNodeClients(ctx context.Context, nodeID string, cb func(clientID string) bool) error
	IterateSubscriptions(ctx context.Context, cb func(Subscription) bool) error

	SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info map[string]any) error
	SetLastWill(ctx context.Context, clientID string, will *broker.Message, delay time.Duration) error
	SetConnected(ctx context.Context, clientID string, connected bool) error
	IsConnected(ctx context.Context, clientID string) (bool, error)
	IsPresent(ctx context.Context, clientID string) (bool, error)

	AddSubscriptions(ctx context.Context, subs []Subscription) error
	DelSubscriptions(ctx context.Context, subs []Subscription) error
	DelClient(ctx context.Context, clientID string, cb func(Subscription)) error

	// EnqueueMessages writes message rows and their subscriber links. A
	// link whose (clientID, uuid) already exists is left untouched; a
	// message row whose uuid already exists is not duplicated.
	EnqueueMessages(ctx context.Context, batch []Enqueue) error
	DequeueMessages(ctx context.Context, clientID string, cb func(broker.Message) bool) error
	RemoveMessages(ctx context.Context, refs []LinkRef) error

	// FetchNextPendingMessage returns the oldest PENDING link for the
	// client in message-uuid order, nil when the queue is empty. Links
	// whose expiry has passed are marked EXPIRED and skipped.
	FetchNextPendingMessage(ctx context.Context, clientID string) (*PendingDelivery, error)
	FetchPendingMessages(ctx context.Context, clientID string, limit int) ([]PendingDelivery, error)
	FetchReleasedLinks(ctx context.Context, clientID string) ([]InFlightLink, error)

	MarkMessageInFlight(ctx context.Context, clientID, uuid string, packetID uint16) error
	MarkMessagesInFlight(ctx context.Context, clientID string, links []InFlightLink) error
	MarkMessageReleased(ctx context.Context, clientID, uuid string) error
	MarkMessageDelivered(ctx context.Context, clientID, uuid string) error

	// ResetInFlightMessages moves the client's IN_FLIGHT links back to
	// PENDING. RELEASED links stay put; their PUBREL is re-sent instead.
	ResetInFlightMessages(ctx context.Context, clientID string) error

	PurgeDeliveredMessages(ctx context.Context) (int, error)
	PurgeExpiredMessages(ctx context.Context) (int, error)
	PurgeQueuedMessages(ctx context.Context) error
	PurgeSessions(ctx context.Context) error

	CountQueuedMessages(ctx context.Context) (int64, error)
	CountQueuedMessagesForClient(ctx context.Context, clientID string) (int64, error)

	GetConnectionStatus() bool
}

// MessageStore is the last-value view: one current message per topic. It
// backs retained lookup and the tag-database side of archive groups.
type MessageStore interface {
	Name() string

	Get(ctx context.Context, topic string) (*broker.Message, error)
	AddAll(ctx context.Context, messages []broker.Message) error
	DelAll(ctx context.Context, topics []string) error

	// FindMatchingMessages streams stored messages whose topic the
	// wildcard pattern matches; the callback returns false to stop.
	FindMatchingMessages(ctx context.Context, pattern string, cb func(broker.Message) bool) error
	// FindMatchingTopics streams the distinct topic prefixes at the
	// pattern's depth for tree browsing: a topic stored deeper than the
	// pattern contributes its truncated prefix once. Patterns ending in
	// '#' browse at unbounded depth and yield full topic names.
	FindMatchingTopics(ctx context.Context, pattern string, cb func(topic string) bool) error

	PurgeOldMessages(ctx context.Context, cutoff time.Time) (PurgeResult, error)
	DropStorage(ctx context.Context) error
	GetConnectionStatus() bool
}

// MessageArchive is the append-only history view keyed by (topic, time).
// A write on an existing key refreshes payload, qos, and client id.
type MessageArchive interface {
	Name() string

	AddHistory(ctx context.Context, messages []broker.Message) error
	GetHistory(ctx context.Context, topic string, start, end *time.Time, limit int) ([]broker.Message, error)
	GetAggregatedHistory(ctx context.Context, query AggregationQuery) (*AggregationResult, error)

	PurgeOldMessages(ctx context.Context, cutoff time.Time) (PurgeResult, error)
	TableExists(ctx context.Context) (bool, error)
	CreateTable(ctx context.Context) error
	DropStorage(ctx context.Context) error
	GetConnectionStatus() bool
}

// DeviceConfigStore persists device-bridge configurations.
type DeviceConfigStore interface {
	GetDevice(ctx context.Context, name string) (*DeviceConfig, error)
	GetAllDevices(ctx context.Context) ([]DeviceConfig, error)
	GetEnabledDevicesByNode(ctx context.Context, nodeID string) ([]DeviceConfig, error)

	// SaveDevice is an upsert on name. A namespace already owned by a
	// different device is rejected.
	SaveDevice(ctx context.Context, device DeviceConfig) error
	SetDeviceEnabled(ctx context.Context, name string, enabled bool) error
	DeleteDevice(ctx context.Context, name string) error
}

// ConfigStore persists named archive-group definitions.
type ConfigStore interface {
	GetArchiveGroups(ctx context.Context) ([]ArchiveGroupDef, error)
	GetArchiveGroup(ctx context.Context, name string) (*ArchiveGroupDef, error)
	SaveArchiveGroup(ctx context.Context, def ArchiveGroupDef) error
	DeleteArchiveGroup(ctx context.Context, name string) error
}

// MetricsStore keeps periodic counter snapshots tagged by kind.
type MetricsStore interface {
	AddSample(ctx context.Context, sample MetricSample) error
	GetLatest(ctx context.Context, kind, nodeID string) (*MetricSample, error)
	GetHistory(ctx context.Context, kind, nodeID string, start, end time.Time, bucket time.Duration) ([]MetricSample, error)
	PurgeOldSamples(ctx context.Context, cutoff time.Time) (int, error)
}
