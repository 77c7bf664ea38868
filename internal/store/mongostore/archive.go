// Package mongostore implements the append-only history contract on
// MongoDB. Each store owns one collection keyed by (topic, time);
// aggregation queries map onto the server-side pipeline so bucketing
// happens where the data lives.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

const healthPingInterval = 5 * time.Second

// Config holds the connection parameters for one MongoDB deployment.
type Config struct {
	URI      string        `yaml:"uri" env:"ARCMQ_MONGO_URI"`
	Database string        `yaml:"database" env:"ARCMQ_MONGO_DATABASE"`
	Timeout  time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "arcmq",
		Timeout:  10 * time.Second,
	}
}

// Client wraps one Mongo connection with the health state shared by
// every archive on it.
type Client struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	log     zerolog.Logger

	up     atomic.Bool
	cancel context.CancelFunc
}

// Connect dials the deployment and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	def := DefaultConfig()
	if cfg.URI == "" {
		cfg.URI = def.URI
	}
	if cfg.Database == "" {
		cfg.Database = def.Database
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := mc.Ping(pingCtx, nil); err != nil {
		mc.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	c := &Client{
		client:  mc,
		db:      mc.Database(cfg.Database),
		timeout: cfg.Timeout,
		log:     logger.With().Str("component", "mongo").Logger(),
	}
	c.up.Store(true)
	return c, nil
}

// StartHealthLoop probes the connection every five seconds until the
// context ends.
func (c *Client) StartHealthLoop(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(healthPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
				err := c.client.Ping(pingCtx, nil)
				cancel()

				was := c.up.Swap(err == nil)
				if err != nil && was {
					c.log.Error().Err(err).Msg("mongo unreachable")
				} else if err == nil && !was {
					c.log.Info().Msg("mongo connection restored")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the health loop and disconnects.
func (c *Client) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.client.Disconnect(ctx)
}

// Up reports the last health probe's outcome.
func (c *Client) Up() bool { return c.up.Load() }

// MessageArchive stores history documents in one collection per store.
type MessageArchive struct {
	name   string
	client *Client
	coll   *mongo.Collection
}

func NewMessageArchive(client *Client, name string) *MessageArchive {
	if name == "" {
		name = "archive"
	}
	return &MessageArchive{
		name:   name,
		client: client,
		coll:   client.db.Collection("archive_" + name),
	}
}

func (a *MessageArchive) Name() string { return a.name }

func (a *MessageArchive) GetConnectionStatus() bool { return a.client.Up() }

// historyDoc is the collection's document shape. PayloadJSON is kept as
// a BSON document so aggregation can reach into its fields.
type historyDoc struct {
	Topic       string    `bson:"topic"`
	Time        time.Time `bson:"time"`
	Payload     []byte    `bson:"payload,omitempty"`
	PayloadJSON bson.M    `bson:"payload_json,omitempty"`
	QoS         byte      `bson:"qos"`
	Retain      bool      `bson:"retain"`
	ClientID    string    `bson:"client_id,omitempty"`
	UUID        string    `bson:"message_uuid"`
}

func toDoc(msg broker.Message) (historyDoc, error) {
	doc := historyDoc{
		Topic:    msg.Topic,
		Time:     msg.Time,
		Payload:  msg.Payload,
		QoS:      msg.QoS,
		Retain:   msg.Retain,
		ClientID: msg.ClientID,
		UUID:     msg.UUID,
	}
	if len(msg.PayloadJSON) > 0 {
		var fields bson.M
		if err := json.Unmarshal(msg.PayloadJSON, &fields); err == nil {
			doc.PayloadJSON = fields
		}
		// Non-object JSON (bare numbers, arrays) stays in Payload only.
	}
	return doc, nil
}

func fromDoc(doc historyDoc) broker.Message {
	msg := broker.Message{
		Topic:    doc.Topic,
		Time:     doc.Time,
		Payload:  doc.Payload,
		QoS:      doc.QoS,
		Retain:   doc.Retain,
		ClientID: doc.ClientID,
		UUID:     doc.UUID,
	}
	if len(doc.PayloadJSON) > 0 {
		if raw, err := json.Marshal(doc.PayloadJSON); err == nil {
			msg.PayloadJSON = raw
		}
	}
	return msg
}

// AddHistory upserts one document per message on (topic, time), so a
// rewrite of an existing key refreshes the row.
func (a *MessageArchive) AddHistory(ctx context.Context, messages []broker.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	models := make([]mongo.WriteModel, 0, len(messages))
	for _, msg := range messages {
		doc, err := toDoc(msg)
		if err != nil {
			return err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"topic": msg.Topic, "time": msg.Time}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	if _, err := a.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to append %d documents to %s: %w", len(models), a.coll.Name(), err)
	}
	return nil
}

func (a *MessageArchive) GetHistory(ctx context.Context, topicName string, start, end *time.Time, limit int) ([]broker.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	filter := bson.M{"topic": topicName}
	timeRange := bson.M{}
	if start != nil {
		timeRange["$gte"] = *start
	}
	if end != nil {
		timeRange["$lte"] = *end
	}
	if len(timeRange) > 0 {
		filter["time"] = timeRange
	}

	opts := options.Find().SetSort(bson.D{{Key: "time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := a.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", topicName, err)
	}
	defer cursor.Close(ctx)

	var out []broker.Message
	for cursor.Next(ctx) {
		var doc historyDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode history document: %w", err)
		}
		out = append(out, fromDoc(doc))
	}
	return out, cursor.Err()
}

// GetAggregatedHistory buckets with $dateTrunc and applies the requested
// aggregates to numeric payload fields server-side. The result is
// column-oriented: time, topic, then one column per (func, field) pair.
func (a *MessageArchive) GetAggregatedHistory(ctx context.Context, q store.AggregationQuery) (*store.AggregationResult, error) {
	if q.BucketMinutes <= 0 {
		q.BucketMinutes = 1
	}
	if len(q.Funcs) == 0 || len(q.Fields) == 0 {
		return nil, fmt.Errorf("aggregation needs at least one function and one field")
	}

	columns := []string{"time", "topic"}
	group := bson.M{
		"_id": bson.M{
			"bucket": bson.M{"$dateTrunc": bson.M{
				"date":    "$time",
				"unit":    "minute",
				"binSize": q.BucketMinutes,
			}},
			"topic": "$topic",
		},
	}
	for _, fn := range q.Funcs {
		for _, field := range q.Fields {
			col := strings.ToLower(string(fn)) + "_" + field
			expr, err := aggregateExpr(fn, field)
			if err != nil {
				return nil, err
			}
			group[col] = expr
			columns = append(columns, col)
		}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"topic": bson.M{"$in": q.Topics},
			"time":  bson.M{"$gte": q.Start, "$lte": q.End},
		}}},
		{{Key: "$group", Value: group}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.bucket", Value: 1}, {Key: "_id.topic", Value: 1}}}},
	}

	ctx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	cursor, err := a.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", a.coll.Name(), err)
	}
	defer cursor.Close(ctx)

	result := &store.AggregationResult{Columns: columns}
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode aggregate row: %w", err)
		}
		id, _ := doc["_id"].(bson.M)
		row := make([]any, 0, len(columns))
		row = append(row, id["bucket"], id["topic"])
		for _, col := range columns[2:] {
			row = append(row, doc[col])
		}
		result.Rows = append(result.Rows, row)
	}
	return result, cursor.Err()
}

func aggregateExpr(fn store.AggregationFunc, field string) (bson.M, error) {
	value := "$payload_json." + field
	switch fn {
	case store.AggAvg:
		return bson.M{"$avg": value}, nil
	case store.AggMin:
		return bson.M{"$min": value}, nil
	case store.AggMax:
		return bson.M{"$max": value}, nil
	case store.AggCount:
		return bson.M{"$sum": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{bson.M{"$type": value}, "missing"}}, 0, 1,
		}}}, nil
	default:
		return nil, fmt.Errorf("unsupported aggregation function %q", fn)
	}
}

func (a *MessageArchive) PurgeOldMessages(ctx context.Context, cutoff time.Time) (store.PurgeResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	res, err := a.coll.DeleteMany(ctx, bson.M{"time": bson.M{"$lte": cutoff}})
	if err != nil {
		return store.PurgeResult{}, fmt.Errorf("failed to purge %s: %w", a.coll.Name(), err)
	}
	return store.PurgeResult{Deleted: int(res.DeletedCount), Elapsed: time.Since(start)}, nil
}

func (a *MessageArchive) TableExists(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	names, err := a.client.db.ListCollectionNames(ctx, bson.M{"name": a.coll.Name()})
	if err != nil {
		return false, fmt.Errorf("failed to list collections: %w", err)
	}
	return len(names) > 0, nil
}

// CreateTable ensures the collection and its (topic, time) index exist.
func (a *MessageArchive) CreateTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	_, err := a.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "time", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "time", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", a.coll.Name(), err)
	}
	return nil
}

func (a *MessageArchive) DropStorage(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.client.timeout)
	defer cancel()

	if err := a.coll.Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop %s: %w", a.coll.Name(), err)
	}
	return nil
}
