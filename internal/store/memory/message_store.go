package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/topic"
)

// MessageStore is the in-memory last-value view: one current message per
// topic.
type MessageStore struct {
	name string

	mu      sync.RWMutex
	byTopic map[string]broker.Message
}

func NewMessageStore(name string) *MessageStore {
	if name == "" {
		name = "lastval"
	}
	return &MessageStore{name: name, byTopic: make(map[string]broker.Message)}
}

func (s *MessageStore) Name() string { return s.name }

func (s *MessageStore) GetConnectionStatus() bool { return true }

func (s *MessageStore) Get(_ context.Context, topicName string) (*broker.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byTopic[topicName]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (s *MessageStore) AddAll(_ context.Context, messages []broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range messages {
		s.byTopic[msg.Topic] = msg
	}
	return nil
}

func (s *MessageStore) DelAll(_ context.Context, topics []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range topics {
		delete(s.byTopic, t)
	}
	return nil
}

func (s *MessageStore) FindMatchingMessages(_ context.Context, pattern string, cb func(broker.Message) bool) error {
	for _, msg := range s.matching(pattern) {
		if !cb(msg) {
			return nil
		}
	}
	return nil
}

func (s *MessageStore) FindMatchingTopics(_ context.Context, pattern string, cb func(string) bool) error {
	for _, t := range s.browsePrefixes(pattern) {
		if !cb(t) {
			return nil
		}
	}
	return nil
}

// browsePrefixes snapshots the distinct topic prefixes at the pattern's
// depth, sorted. Topics stored deeper than the pattern contribute their
// truncated prefix once.
func (s *MessageStore) browsePrefixes(pattern string) []string {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for t := range s.byTopic {
		if prefix, ok := topic.BrowsePrefix(pattern, t); ok {
			seen[prefix] = struct{}{}
		}
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for prefix := range seen {
		out = append(out, prefix)
	}
	sort.Strings(out)
	return out
}

// matching snapshots the matching rows in topic order so callbacks see a
// stable view.
func (s *MessageStore) matching(pattern string) []broker.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]broker.Message, 0)
	for t, msg := range s.byTopic {
		if topic.Match(pattern, t) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (s *MessageStore) PurgeOldMessages(_ context.Context, cutoff time.Time) (store.PurgeResult, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for t, msg := range s.byTopic {
		if !msg.Time.After(cutoff) {
			delete(s.byTopic, t)
			deleted++
		}
	}
	return store.PurgeResult{Deleted: deleted, Elapsed: time.Since(start)}, nil
}

func (s *MessageStore) DropStorage(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byTopic = make(map[string]broker.Message)
	return nil
}
