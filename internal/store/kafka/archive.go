// Package kafka implements the append-only history contract as a Kafka
// sink. Writes land on one topic per store; reads are not served from
// here, consumers downstream own them. Retention is delegated to the
// broker via retention.ms.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

// Config holds the connection parameters for one Kafka cluster.
type Config struct {
	Brokers           []string      `yaml:"brokers" env:"ARCMQ_KAFKA_BROKERS" envSeparator:","`
	TopicPrefix       string        `yaml:"topicPrefix"`
	NumPartitions     int32         `yaml:"numPartitions"`
	ReplicationFactor int16         `yaml:"replicationFactor"`
	Retention         time.Duration `yaml:"retention"`
}

func DefaultConfig() Config {
	return Config{
		TopicPrefix:       "arcmq.archive.",
		NumPartitions:     3,
		ReplicationFactor: 1,
		Retention:         7 * 24 * time.Hour,
	}
}

// MessageArchive produces history records to a Kafka topic. GetHistory
// and GetAggregatedHistory report broker.ErrNotSupported: the sink is
// write-only and management queries must target a readable archive.
type MessageArchive struct {
	name     string
	kafkaTop string
	cfg      Config
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	log      zerolog.Logger
	up       atomic.Bool
}

// Connect dials the cluster with an idempotent synchronous producer and
// an admin client for topic management.
func Connect(cfg Config, name string, logger zerolog.Logger) (*MessageArchive, error) {
	def := DefaultConfig()
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = def.TopicPrefix
	}
	if cfg.NumPartitions <= 0 {
		cfg.NumPartitions = def.NumPartitions
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = def.ReplicationFactor
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 5
	sc.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect kafka producer: %w", err)
	}
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, sc)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to connect kafka admin: %w", err)
	}
	return New(producer, admin, cfg, name, logger), nil
}

// New wraps existing clients; tests hand in sarama mocks here.
func New(producer sarama.SyncProducer, admin sarama.ClusterAdmin, cfg Config, name string, logger zerolog.Logger) *MessageArchive {
	if name == "" {
		name = "archive"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultConfig().TopicPrefix
	}
	a := &MessageArchive{
		name:     name,
		kafkaTop: cfg.TopicPrefix + name,
		cfg:      cfg,
		producer: producer,
		admin:    admin,
		log:      logger.With().Str("component", "kafka").Str("store", name).Logger(),
	}
	a.up.Store(true)
	return a
}

func (a *MessageArchive) Name() string { return a.name }

func (a *MessageArchive) GetConnectionStatus() bool { return a.up.Load() }

// historyRecord is the wire form of one archived message.
type historyRecord struct {
	UUID        string          `json:"uuid"`
	Topic       string          `json:"topic"`
	Time        time.Time       `json:"time"`
	Payload     []byte          `json:"payload,omitempty"`
	PayloadJSON json.RawMessage `json:"payload_json,omitempty"`
	QoS         byte            `json:"qos"`
	Retain      bool            `json:"retain"`
	ClientID    string          `json:"client_id,omitempty"`
}

// AddHistory produces one record per message, keyed by topic so a
// topic's history stays ordered within its partition.
func (a *MessageArchive) AddHistory(_ context.Context, messages []broker.Message) error {
	if len(messages) == 0 {
		return nil
	}

	batch := make([]*sarama.ProducerMessage, 0, len(messages))
	for _, msg := range messages {
		value, err := json.Marshal(historyRecord{
			UUID:        msg.UUID,
			Topic:       msg.Topic,
			Time:        msg.Time,
			Payload:     msg.Payload,
			PayloadJSON: msg.PayloadJSON,
			QoS:         msg.QoS,
			Retain:      msg.Retain,
			ClientID:    msg.ClientID,
		})
		if err != nil {
			return fmt.Errorf("failed to encode record for %s: %w", msg.Topic, err)
		}
		batch = append(batch, &sarama.ProducerMessage{
			Topic:     a.kafkaTop,
			Key:       sarama.StringEncoder(msg.Topic),
			Value:     sarama.ByteEncoder(value),
			Timestamp: msg.Time,
		})
	}

	if err := a.producer.SendMessages(batch); err != nil {
		a.up.Store(false)
		return fmt.Errorf("failed to produce %d records to %s: %w", len(batch), a.kafkaTop, err)
	}
	a.up.Store(true)
	return nil
}

func (a *MessageArchive) GetHistory(context.Context, string, *time.Time, *time.Time, int) ([]broker.Message, error) {
	return nil, broker.ErrNotSupported
}

func (a *MessageArchive) GetAggregatedHistory(context.Context, store.AggregationQuery) (*store.AggregationResult, error) {
	return nil, broker.ErrNotSupported
}

// PurgeOldMessages is a no-op: the topic's retention.ms drops old
// segments broker-side.
func (a *MessageArchive) PurgeOldMessages(context.Context, time.Time) (store.PurgeResult, error) {
	return store.PurgeResult{}, nil
}

func (a *MessageArchive) TableExists(context.Context) (bool, error) {
	topics, err := a.admin.ListTopics()
	if err != nil {
		a.up.Store(false)
		return false, fmt.Errorf("failed to list kafka topics: %w", err)
	}
	a.up.Store(true)
	_, ok := topics[a.kafkaTop]
	return ok, nil
}

func (a *MessageArchive) CreateTable(context.Context) error {
	retention := strconv.FormatInt(a.cfg.Retention.Milliseconds(), 10)
	err := a.admin.CreateTopic(a.kafkaTop, &sarama.TopicDetail{
		NumPartitions:     a.cfg.NumPartitions,
		ReplicationFactor: a.cfg.ReplicationFactor,
		ConfigEntries: map[string]*string{
			"retention.ms": &retention,
		},
	}, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			return nil
		}
		if errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to create kafka topic %s: %w", a.kafkaTop, err)
	}
	return nil
}

func (a *MessageArchive) DropStorage(context.Context) error {
	if err := a.admin.DeleteTopic(a.kafkaTop); err != nil {
		return fmt.Errorf("failed to delete kafka topic %s: %w", a.kafkaTop, err)
	}
	return nil
}

// Close shuts the producer and admin clients down.
func (a *MessageArchive) Close() error {
	perr := a.producer.Close()
	if a.admin != nil {
		if aerr := a.admin.Close(); perr == nil {
			perr = aerr
		}
	}
	return perr
}
