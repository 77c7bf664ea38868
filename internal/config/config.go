// Package config loads the broker's YAML document and overlays
// connection secrets from the environment. Defaults are applied after
// parse so a partial file stays valid.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/arcmq/arcmq/internal/ops"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/store/kafka"
	"github.com/arcmq/arcmq/internal/store/mongostore"
	"github.com/arcmq/arcmq/internal/store/postgres"
	"github.com/arcmq/arcmq/internal/store/redisstore"
	"github.com/arcmq/arcmq/internal/transport"
)

// Document is the root of the broker's configuration file.
type Document struct {
	Node     NodeConfig     `yaml:"node"`
	Log      LogConfig      `yaml:"log"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Listener ListenerConfig `yaml:"listener"`
	Ops      ops.Config     `yaml:"ops"`
	Queue    QueueConfig    `yaml:"queue"`
	Session  SessionConfig  `yaml:"session"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	Postgres postgres.Config   `yaml:"postgres"`
	Redis    redisstore.Config `yaml:"redis"`
	Mongo    mongostore.Config `yaml:"mongo"`
	Kafka    kafka.Config      `yaml:"kafka"`

	// ArchiveGroups seeds the config store on first start; runtime
	// definitions live in the store afterwards.
	ArchiveGroups []store.ArchiveGroupDef `yaml:"archiveGroups"`
}

// NodeConfig identifies this broker node.
type NodeConfig struct {
	ID string `yaml:"id" env:"ARCMQ_NODE_ID"`
}

// LogConfig tunes zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" env:"ARCMQ_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty"`
}

// ClusterConfig selects the fabric backends. With Enabled false the
// broker runs single-node on the local fabric.
type ClusterConfig struct {
	Enabled bool   `yaml:"enabled" env:"ARCMQ_CLUSTER"`
	NATSURL string `yaml:"natsUrl" env:"ARCMQ_NATS_URL"`
	// LockTTL bounds how long a crashed holder can pin a cluster lock.
	LockTTL time.Duration `yaml:"lockTtl"`
}

// ListenerConfig holds the client-facing listeners.
type ListenerConfig struct {
	TCP       transport.Config `yaml:"tcp"`
	WebSocket transport.Config `yaml:"websocket"`
}

// QueueConfig sizes the broker's batch queues.
type QueueConfig struct {
	Capacity     int           `yaml:"capacity"`
	BatchSize    int           `yaml:"batchSize"`
	Linger       time.Duration `yaml:"linger"`
	RetryInitial time.Duration `yaml:"retryInitial"`
	RetryMax     time.Duration `yaml:"retryMax"`
}

// SessionConfig tunes session and delivery behavior.
type SessionConfig struct {
	// Persistence selects the session store: "memory" or "postgres".
	Persistence     string        `yaml:"persistence" env:"ARCMQ_SESSION_PERSISTENCE"`
	InFlightTimeout time.Duration `yaml:"inFlightTimeout"`
	PurgeInterval   time.Duration `yaml:"purgeInterval"`
}

// MetricsConfig tunes the periodic sampler.
type MetricsConfig struct {
	SampleInterval time.Duration `yaml:"sampleInterval"`
	Retention      time.Duration `yaml:"retention"`
}

// Default returns the single-node development configuration.
func Default() Document {
	return Document{
		Node: NodeConfig{ID: "node-1"},
		Log:  LogConfig{Level: "info"},
		Cluster: ClusterConfig{
			NATSURL: "nats://localhost:4222",
			LockTTL: time.Minute,
		},
		Listener: ListenerConfig{
			TCP:       transport.Config{Addr: ":1883"},
			WebSocket: transport.Config{Addr: ":8083", Path: "/mqtt"},
		},
		Ops: ops.DefaultConfig(),
		Queue: QueueConfig{
			Capacity:     10000,
			BatchSize:    1000,
			Linger:       50 * time.Millisecond,
			RetryInitial: 3 * time.Second,
			RetryMax:     30 * time.Second,
		},
		Session: SessionConfig{
			Persistence:     "memory",
			InFlightTimeout: 20 * time.Second,
			PurgeInterval:   time.Minute,
		},
		Metrics: MetricsConfig{
			SampleInterval: time.Minute,
			Retention:      7 * 24 * time.Hour,
		},
		Postgres: postgres.DefaultConfig(),
		Redis:    redisstore.DefaultConfig(),
		Mongo:    mongostore.DefaultConfig(),
		Kafka:    kafka.DefaultConfig(),
	}
}

// Load reads the YAML document at path, overlays environment variables,
// and fills unset fields with defaults. An empty path loads defaults
// plus environment only.
func Load(path string) (Document, error) {
	var doc Document

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return doc, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return doc, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&doc); err != nil {
		return doc, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	applyDefaults(&doc)
	if err := validate(&doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func applyDefaults(doc *Document) {
	def := Default()

	if doc.Node.ID == "" {
		doc.Node.ID = def.Node.ID
	}
	if doc.Log.Level == "" {
		doc.Log.Level = def.Log.Level
	}
	if doc.Cluster.NATSURL == "" {
		doc.Cluster.NATSURL = def.Cluster.NATSURL
	}
	if doc.Cluster.LockTTL <= 0 {
		doc.Cluster.LockTTL = def.Cluster.LockTTL
	}
	if doc.Listener.TCP.Addr == "" {
		doc.Listener.TCP.Addr = def.Listener.TCP.Addr
	}
	if doc.Listener.WebSocket.Addr == "" {
		doc.Listener.WebSocket.Addr = def.Listener.WebSocket.Addr
	}
	if doc.Listener.WebSocket.Path == "" {
		doc.Listener.WebSocket.Path = def.Listener.WebSocket.Path
	}
	if doc.Ops.Addr == "" {
		doc.Ops.Addr = def.Ops.Addr
	}
	if doc.Queue.Capacity <= 0 {
		doc.Queue.Capacity = def.Queue.Capacity
	}
	if doc.Queue.BatchSize <= 0 {
		doc.Queue.BatchSize = def.Queue.BatchSize
	}
	if doc.Queue.Linger <= 0 {
		doc.Queue.Linger = def.Queue.Linger
	}
	if doc.Queue.RetryInitial <= 0 {
		doc.Queue.RetryInitial = def.Queue.RetryInitial
	}
	if doc.Queue.RetryMax <= 0 {
		doc.Queue.RetryMax = def.Queue.RetryMax
	}
	if doc.Session.Persistence == "" {
		doc.Session.Persistence = def.Session.Persistence
	}
	if doc.Session.InFlightTimeout <= 0 {
		doc.Session.InFlightTimeout = def.Session.InFlightTimeout
	}
	if doc.Session.PurgeInterval <= 0 {
		doc.Session.PurgeInterval = def.Session.PurgeInterval
	}
	if doc.Metrics.SampleInterval <= 0 {
		doc.Metrics.SampleInterval = def.Metrics.SampleInterval
	}
	if doc.Metrics.Retention <= 0 {
		doc.Metrics.Retention = def.Metrics.Retention
	}
}

func validate(doc *Document) error {
	switch doc.Session.Persistence {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown session persistence %q", doc.Session.Persistence)
	}
	if doc.Session.Persistence == "postgres" && doc.Postgres.URL == "" {
		return fmt.Errorf("postgres persistence selected but no postgres url configured")
	}
	if doc.Cluster.Enabled && doc.Redis.Addr == "" {
		return fmt.Errorf("cluster mode needs a redis address for locks and shared maps")
	}
	for _, group := range doc.ArchiveGroups {
		if group.Name == "" {
			return fmt.Errorf("archive group without a name")
		}
		if len(group.Filters) == 0 {
			return fmt.Errorf("archive group %s has no topic filters", group.Name)
		}
	}
	return nil
}
