package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/topic"
)

const scanBatch = 256

// MessageStore keeps one current message per topic under the store's key
// prefix. Topic names pass through unchanged; the prefix carries the
// store name so several last-value stores can share one Redis.
type MessageStore struct {
	name   string
	prefix string
	client *Client
}

func NewMessageStore(client *Client, name string) *MessageStore {
	if name == "" {
		name = "lastval"
	}
	return &MessageStore{
		name:   name,
		prefix: "arcmq:lv:" + name + ":",
		client: client,
	}
}

func (s *MessageStore) Name() string { return s.name }

func (s *MessageStore) GetConnectionStatus() bool { return s.client.Up() }

func (s *MessageStore) key(topicName string) string { return s.prefix + topicName }

// storedMessage is the wire form of a last-value entry. The topic lives
// in the key, not the value.
type storedMessage struct {
	UUID        string          `json:"uuid"`
	Time        time.Time       `json:"time"`
	Payload     []byte          `json:"payload,omitempty"`
	PayloadJSON json.RawMessage `json:"payload_json,omitempty"`
	QoS         byte            `json:"qos"`
	Retain      bool            `json:"retain"`
	ClientID    string          `json:"client_id,omitempty"`
}

func encodeMessage(msg broker.Message) ([]byte, error) {
	return json.Marshal(storedMessage{
		UUID:        msg.UUID,
		Time:        msg.Time,
		Payload:     msg.Payload,
		PayloadJSON: msg.PayloadJSON,
		QoS:         msg.QoS,
		Retain:      msg.Retain,
		ClientID:    msg.ClientID,
	})
}

func (s *MessageStore) decodeMessage(topicName string, raw []byte) (broker.Message, error) {
	var sm storedMessage
	if err := json.Unmarshal(raw, &sm); err != nil {
		return broker.Message{}, fmt.Errorf("failed to decode %s[%s]: %w", s.name, topicName, err)
	}
	return broker.Message{
		UUID:        sm.UUID,
		Topic:       topicName,
		Time:        sm.Time,
		Payload:     sm.Payload,
		PayloadJSON: sm.PayloadJSON,
		QoS:         sm.QoS,
		Retain:      sm.Retain,
		ClientID:    sm.ClientID,
	}, nil
}

func (s *MessageStore) Get(ctx context.Context, topicName string) (*broker.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.timeout)
	defer cancel()

	raw, err := s.client.rdb.Get(ctx, s.key(topicName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s[%s]: %w", s.name, topicName, err)
	}
	msg, err := s.decodeMessage(topicName, raw)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MessageStore) AddAll(ctx context.Context, messages []broker.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.client.timeout)
	defer cancel()

	pipe := s.client.rdb.Pipeline()
	for _, msg := range messages {
		raw, err := encodeMessage(msg)
		if err != nil {
			return fmt.Errorf("failed to encode %s[%s]: %w", s.name, msg.Topic, err)
		}
		pipe.Set(ctx, s.key(msg.Topic), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %d messages to %s: %w", len(messages), s.name, err)
	}
	return nil
}

func (s *MessageStore) DelAll(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.client.timeout)
	defer cancel()

	keys := make([]string, len(topics))
	for i, t := range topics {
		keys[i] = s.key(t)
	}
	if err := s.client.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", s.name, err)
	}
	return nil
}

func (s *MessageStore) FindMatchingMessages(ctx context.Context, pattern string, cb func(broker.Message) bool) error {
	return s.scanMatching(ctx, pattern, func(ctx context.Context, topicName string) (bool, error) {
		raw, err := s.client.rdb.Get(ctx, s.key(topicName)).Bytes()
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read %s[%s]: %w", s.name, topicName, err)
		}
		msg, err := s.decodeMessage(topicName, raw)
		if err != nil {
			return false, err
		}
		return cb(msg), nil
	})
}

// FindMatchingTopics streams the distinct topic prefixes at the pattern's
// depth; topics stored deeper than the pattern contribute their truncated
// prefix once. Dedup happens here since SCAN sees every key.
func (s *MessageStore) FindMatchingTopics(ctx context.Context, pattern string, cb func(string) bool) error {
	match := s.prefix + scanPrefix(pattern)
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		scanCtx, cancel := context.WithTimeout(ctx, s.client.timeout)
		keys, next, err := s.client.rdb.Scan(scanCtx, cursor, match, scanBatch).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", s.name, err)
		}

		for _, key := range keys {
			prefix, ok := topic.BrowsePrefix(pattern, strings.TrimPrefix(key, s.prefix))
			if !ok {
				continue
			}
			if _, dup := seen[prefix]; dup {
				continue
			}
			seen[prefix] = struct{}{}
			if !cb(prefix) {
				return nil
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// scanMatching walks the store's keyspace with SCAN, narrowed by the
// pattern's literal prefix, and hands matching topics to visit. A false
// return stops the walk.
func (s *MessageStore) scanMatching(ctx context.Context, pattern string, visit func(ctx context.Context, topicName string) (bool, error)) error {
	match := s.prefix + scanPrefix(pattern)

	var cursor uint64
	for {
		scanCtx, cancel := context.WithTimeout(ctx, s.client.timeout)
		keys, next, err := s.client.rdb.Scan(scanCtx, cursor, match, scanBatch).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", s.name, err)
		}

		for _, key := range keys {
			topicName := strings.TrimPrefix(key, s.prefix)
			if !topic.Match(pattern, topicName) {
				continue
			}
			visitCtx, cancel := context.WithTimeout(ctx, s.client.timeout)
			more, err := visit(visitCtx, topicName)
			cancel()
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *MessageStore) PurgeOldMessages(ctx context.Context, cutoff time.Time) (store.PurgeResult, error) {
	start := time.Now()

	var deleted int
	err := s.scanMatching(ctx, topic.MultiLevelWildcard, func(ctx context.Context, topicName string) (bool, error) {
		raw, err := s.client.rdb.Get(ctx, s.key(topicName)).Bytes()
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read %s[%s]: %w", s.name, topicName, err)
		}
		msg, err := s.decodeMessage(topicName, raw)
		if err != nil {
			return false, err
		}
		if msg.Time.After(cutoff) {
			return true, nil
		}
		if err := s.client.rdb.Del(ctx, s.key(topicName)).Err(); err != nil {
			return false, fmt.Errorf("failed to purge %s[%s]: %w", s.name, topicName, err)
		}
		deleted++
		return true, nil
	})
	return store.PurgeResult{Deleted: deleted, Elapsed: time.Since(start)}, err
}

func (s *MessageStore) DropStorage(ctx context.Context) error {
	return s.scanMatching(ctx, topic.MultiLevelWildcard, func(ctx context.Context, topicName string) (bool, error) {
		if err := s.client.rdb.Del(ctx, s.key(topicName)).Err(); err != nil {
			return false, fmt.Errorf("failed to drop %s[%s]: %w", s.name, topicName, err)
		}
		return true, nil
	})
}

// scanPrefix turns a subscription pattern into a Redis MATCH glob that
// over-selects: the literal prefix up to the first wildcard, then *.
// Glob metacharacters in topic names are escaped.
func scanPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, topic.SingleLevelWildcard+topic.MultiLevelWildcard)
	if idx < 0 {
		return escapeGlob(pattern)
	}
	return escapeGlob(pattern[:idx]) + "*"
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
