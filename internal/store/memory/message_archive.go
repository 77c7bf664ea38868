package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

// MessageArchive is the in-memory append-only history keyed by
// (topic, time). A write on an existing key refreshes the row.
type MessageArchive struct {
	name string

	mu   sync.RWMutex
	rows map[string]map[int64]broker.Message // topic -> unix nanos -> row
}

func NewMessageArchive(name string) *MessageArchive {
	if name == "" {
		name = "archive"
	}
	return &MessageArchive{name: name, rows: make(map[string]map[int64]broker.Message)}
}

func (a *MessageArchive) Name() string { return a.name }

func (a *MessageArchive) GetConnectionStatus() bool { return true }

func (a *MessageArchive) TableExists(context.Context) (bool, error) { return true, nil }

func (a *MessageArchive) CreateTable(context.Context) error { return nil }

func (a *MessageArchive) AddHistory(_ context.Context, messages []broker.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, msg := range messages {
		byTime, ok := a.rows[msg.Topic]
		if !ok {
			byTime = make(map[int64]broker.Message)
			a.rows[msg.Topic] = byTime
		}
		byTime[msg.Time.UnixNano()] = msg
	}
	return nil
}

func (a *MessageArchive) GetHistory(_ context.Context, topicName string, start, end *time.Time, limit int) ([]broker.Message, error) {
	a.mu.RLock()
	out := make([]broker.Message, 0)
	for _, msg := range a.rows[topicName] {
		if start != nil && msg.Time.Before(*start) {
			continue
		}
		if end != nil && msg.Time.After(*end) {
			continue
		}
		out = append(out, msg)
	}
	a.mu.RUnlock()

	// Most recent rows win the limit; results stay in ascending time order.
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *MessageArchive) GetAggregatedHistory(_ context.Context, query store.AggregationQuery) (*store.AggregationResult, error) {
	if query.BucketMinutes <= 0 {
		return nil, fmt.Errorf("bucket minutes must be positive")
	}
	bucket := time.Duration(query.BucketMinutes) * time.Minute

	type cell struct {
		sum   float64
		min   float64
		max   float64
		count int64
	}
	type groupKey struct {
		bucket int64
		topic  string
	}

	groups := make(map[groupKey]map[string]*cell)

	a.mu.RLock()
	for _, topicName := range query.Topics {
		for _, msg := range a.rows[topicName] {
			if msg.Time.Before(query.Start) || msg.Time.After(query.End) {
				continue
			}
			key := groupKey{bucket: msg.Time.Truncate(bucket).Unix(), topic: topicName}
			cells, ok := groups[key]
			if !ok {
				cells = make(map[string]*cell)
				groups[key] = cells
			}
			doc := payloadDocument(msg)
			for _, field := range query.Fields {
				value, ok := numericField(doc, field)
				if !ok {
					continue
				}
				c, ok := cells[field]
				if !ok {
					c = &cell{min: value, max: value}
					cells[field] = c
				}
				if value < c.min {
					c.min = value
				}
				if value > c.max {
					c.max = value
				}
				c.sum += value
				c.count++
			}
		}
	}
	a.mu.RUnlock()

	result := &store.AggregationResult{Columns: []string{"time", "topic"}}
	for _, field := range query.Fields {
		for _, fn := range query.Funcs {
			result.Columns = append(result.Columns, fmt.Sprintf("%s_%s", field, fn))
		}
	}

	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bucket != keys[j].bucket {
			return keys[i].bucket < keys[j].bucket
		}
		return keys[i].topic < keys[j].topic
	})

	for _, key := range keys {
		row := []any{time.Unix(key.bucket, 0).UTC(), key.topic}
		for _, field := range query.Fields {
			c := groups[key][field]
			for _, fn := range query.Funcs {
				if c == nil || c.count == 0 {
					row = append(row, nil)
					continue
				}
				switch fn {
				case store.AggAvg:
					row = append(row, c.sum/float64(c.count))
				case store.AggMin:
					row = append(row, c.min)
				case store.AggMax:
					row = append(row, c.max)
				case store.AggCount:
					row = append(row, c.count)
				default:
					row = append(row, nil)
				}
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func payloadDocument(msg broker.Message) map[string]any {
	raw := msg.PayloadJSON
	if raw == nil {
		raw = msg.Payload
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

func numericField(doc map[string]any, field string) (float64, bool) {
	if doc == nil {
		return 0, false
	}
	v, ok := doc[field].(float64)
	return v, ok
}

func (a *MessageArchive) PurgeOldMessages(_ context.Context, cutoff time.Time) (store.PurgeResult, error) {
	start := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	deleted := 0
	for topicName, byTime := range a.rows {
		for nanos := range byTime {
			if !time.Unix(0, nanos).After(cutoff) {
				delete(byTime, nanos)
				deleted++
			}
		}
		if len(byTime) == 0 {
			delete(a.rows, topicName)
		}
	}
	return store.PurgeResult{Deleted: deleted, Elapsed: time.Since(start)}, nil
}

func (a *MessageArchive) DropStorage(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rows = make(map[string]map[int64]broker.Message)
	return nil
}
