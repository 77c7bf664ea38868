// Package store defines the storage contracts the broker core consumes and
// the row types shared by their implementations.
package store

import (
	"time"

	"github.com/arcmq/arcmq/internal/broker"
)

// RetainHandling controls retained-message replay when a subscription is
// made.
type RetainHandling byte

const (
	// SendOnSubscribe replays matching retained messages on every
	// subscribe.
	SendOnSubscribe RetainHandling = 0
	// SendOnNewSubscribe replays only when the (client, filter) pair did
	// not exist before.
	SendOnNewSubscribe RetainHandling = 1
	// DoNotSend suppresses retained replay.
	DoNotSend RetainHandling = 2
)

// Subscription is one routing-table row. Uniqueness key is
// (ClientID, TopicFilter); re-subscribing with the same filter replaces the
// previous entry.
type Subscription struct {
	ClientID          string         `json:"clientId"`
	TopicFilter       string         `json:"topicFilter"`
	QoS               byte           `json:"qos"`
	NoLocal           bool           `json:"noLocal"`
	RetainAsPublished bool           `json:"retainAsPublished"`
	RetainHandling    RetainHandling `json:"retainHandling"`
	Wildcard          bool           `json:"wildcard"`
}

// Session is the persisted per-client state.
type Session struct {
	ClientID     string
	NodeID       string
	CleanSession bool
	Connected    bool
	UpdateTime   time.Time
	Information  map[string]any
	LastWill     *broker.Message
	WillDelay    time.Duration
}

// LinkStatus is the delivery state of one (client, message uuid) link.
type LinkStatus string

const (
	StatusPending   LinkStatus = "PENDING"
	StatusInFlight  LinkStatus = "IN_FLIGHT"
	StatusReleased  LinkStatus = "RELEASED"
	StatusDelivered LinkStatus = "DELIVERED"
	StatusExpired   LinkStatus = "EXPIRED"
)

// LinkTarget names one subscriber a queued message is addressed to, with
// the effective delivery options resolved at enqueue time.
type LinkTarget struct {
	ClientID string `json:"clientId"`
	QoS      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
}

// Enqueue couples one message with the subscriber links to write. The
// message row is stored once, keyed by UUID; links reference it.
type Enqueue struct {
	Message broker.Message `json:"message"`
	Targets []LinkTarget   `json:"targets"`
}

// MessageLink is the per-subscriber delivery record.
type MessageLink struct {
	ClientID   string
	UUID       string
	Status     LinkStatus
	QoS        byte
	Retain     bool
	PacketID   uint16
	LastChange time.Time
	ExpiresAt  *time.Time
}

// LinkRef identifies one link for removal.
type LinkRef struct {
	ClientID string `json:"clientId"`
	UUID     string `json:"uuid"`
}

// InFlightLink pairs a message uuid with the packet id it was sent under.
type InFlightLink struct {
	UUID     string
	PacketID uint16
}

// PendingDelivery pairs a queued message with its link for dispatch.
type PendingDelivery struct {
	Message broker.Message
	Link    MessageLink
}

// PurgeResult reports what a retention purge removed and how long it took.
type PurgeResult struct {
	Deleted int
	Elapsed time.Duration
}

// PayloadFormat selects how archive writers treat payload bytes.
type PayloadFormat string

const (
	// FormatRaw stores payload bytes verbatim.
	FormatRaw PayloadFormat = "RAW"
	// FormatJSON stores a parsed JSON document alongside the raw bytes
	// when the payload parses; raw bytes otherwise.
	FormatJSON PayloadFormat = "JSON"
)

// ArchiveGroupDef is the persisted definition of one archive group.
type ArchiveGroupDef struct {
	Name             string        `json:"name" yaml:"name"`
	Filters          []string      `json:"filters" yaml:"filters"`
	RetainedOnly     bool          `json:"retainedOnly" yaml:"retainedOnly"`
	PayloadFormat    PayloadFormat `json:"payloadFormat" yaml:"payloadFormat"`
	LastValType      string        `json:"lastValType" yaml:"lastValType"`
	ArchiveType      string        `json:"archiveType" yaml:"archiveType"`
	LastValRetention time.Duration `json:"lastValRetention" yaml:"lastValRetention"`
	ArchiveRetention time.Duration `json:"archiveRetention" yaml:"archiveRetention"`
	PurgeInterval    time.Duration `json:"purgeInterval" yaml:"purgeInterval"`
	Enabled          bool          `json:"enabled" yaml:"enabled"`
}

// DeviceConfig is one device-bridge configuration row. Name is the unique
// key; Namespace is the topic prefix the device publishes under and is
// unique across devices.
type DeviceConfig struct {
	Name      string         `json:"name"`
	Namespace string         `json:"namespace"`
	NodeID    string         `json:"nodeId"`
	Enabled   bool           `json:"enabled"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// MetricSample is one periodic counter snapshot tagged by kind.
type MetricSample struct {
	Kind   string             `json:"kind"`
	NodeID string             `json:"nodeId"`
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

// AggregationFunc names one aggregate applied to bucketed history reads.
type AggregationFunc string

const (
	AggAvg   AggregationFunc = "AVG"
	AggMin   AggregationFunc = "MIN"
	AggMax   AggregationFunc = "MAX"
	AggCount AggregationFunc = "COUNT"
)

// AggregationQuery describes a time-bucketed read over archived history.
// Fields name the JSON payload fields the aggregates apply to.
type AggregationQuery struct {
	Topics        []string
	Start         time.Time
	End           time.Time
	BucketMinutes int
	Funcs         []AggregationFunc
	Fields        []string
}

// AggregationResult is a column-oriented result set.
type AggregationResult struct {
	Columns []string
	Rows    [][]any
}
