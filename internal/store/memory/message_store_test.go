package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

func retainedMessage(uuids *broker.UUIDSource, topic, payload string, at time.Time) broker.Message {
	return broker.Message{
		UUID:     uuids.Next(),
		Topic:    topic,
		Payload:  []byte(payload),
		Retain:   true,
		Time:     at,
		ClientID: "pub",
	}
}

func TestMessageStoreAddAllGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore("lastval")
	uuids := broker.NewUUIDSource()

	msg := retainedMessage(uuids, "sensors/t1", "22.5", time.Now().UTC())
	require.NoError(t, s.AddAll(ctx, []broker.Message{msg}))

	got, err := s.Get(ctx, "sensors/t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.UUID, got.UUID)
	assert.Equal(t, []byte("22.5"), got.Payload)

	// Upsert replaces the previous value for the topic.
	newer := retainedMessage(uuids, "sensors/t1", "23.0", time.Now().UTC())
	require.NoError(t, s.AddAll(ctx, []broker.Message{newer}))

	got, err = s.Get(ctx, "sensors/t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("23.0"), got.Payload)
}

func TestMessageStoreDelAll(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore("lastval")
	uuids := broker.NewUUIDSource()

	require.NoError(t, s.AddAll(ctx, []broker.Message{
		retainedMessage(uuids, "a/1", "x", time.Now().UTC()),
		retainedMessage(uuids, "a/2", "y", time.Now().UTC()),
	}))
	require.NoError(t, s.DelAll(ctx, []string{"a/1"}))

	got, err := s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Get(ctx, "a/2")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestMessageStoreFindMatching(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore("lastval")
	uuids := broker.NewUUIDSource()

	now := time.Now().UTC()
	require.NoError(t, s.AddAll(ctx, []broker.Message{
		retainedMessage(uuids, "sensors/t1", "1", now),
		retainedMessage(uuids, "sensors/t2", "2", now),
		retainedMessage(uuids, "sensors/room/t3", "3", now),
		retainedMessage(uuids, "other/x", "4", now),
	}))

	var topics []string
	require.NoError(t, s.FindMatchingTopics(ctx, "sensors/#", func(topicName string) bool {
		topics = append(topics, topicName)
		return true
	}))
	assert.Equal(t, []string{"sensors/room/t3", "sensors/t1", "sensors/t2"}, topics)

	var payloads []string
	require.NoError(t, s.FindMatchingMessages(ctx, "sensors/+", func(m broker.Message) bool {
		payloads = append(payloads, string(m.Payload))
		return true
	}))
	assert.Equal(t, []string{"1", "2"}, payloads)

	// Callback stop is honored.
	count := 0
	require.NoError(t, s.FindMatchingMessages(ctx, "sensors/#", func(broker.Message) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

func TestFindMatchingTopicsBrowsesAtPatternDepth(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore("lastval")
	uuids := broker.NewUUIDSource()

	now := time.Now().UTC()
	require.NoError(t, s.AddAll(ctx, []broker.Message{
		retainedMessage(uuids, "plant/line1/temp", "1", now),
		retainedMessage(uuids, "plant/line1/rpm", "2", now),
		retainedMessage(uuids, "plant/line2/temp", "3", now),
		retainedMessage(uuids, "other/x", "4", now),
	}))

	// No value is stored exactly two levels deep; browsing still yields
	// the distinct second-level prefixes.
	var prefixes []string
	require.NoError(t, s.FindMatchingTopics(ctx, "plant/+", func(topicName string) bool {
		prefixes = append(prefixes, topicName)
		return true
	}))
	assert.Equal(t, []string{"plant/line1", "plant/line2"}, prefixes)

	// Callback stop is honored on the deduplicated stream.
	count := 0
	require.NoError(t, s.FindMatchingTopics(ctx, "plant/+", func(string) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

func TestMessageStorePurgeCutoffInclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore("lastval")
	uuids := broker.NewUUIDSource()

	now := time.Now().UTC()
	require.NoError(t, s.AddAll(ctx, []broker.Message{
		retainedMessage(uuids, "old/1", "x", now.Add(-2*time.Hour)),
		retainedMessage(uuids, "new/1", "y", now.Add(2*time.Hour)),
	}))

	res, err := s.PurgeOldMessages(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	got, err := s.Get(ctx, "old/1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessageArchiveHistoryAndAggregation(t *testing.T) {
	ctx := context.Background()
	a := NewMessageArchive("archive")
	uuids := broker.NewUUIDSource()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		msg := broker.Message{
			UUID:        uuids.Next(),
			Topic:       "plant/temp",
			Payload:     []byte(`{"value": ` + string(rune('1'+i)) + `}`),
			PayloadJSON: []byte(`{"value": ` + string(rune('1'+i)) + `}`),
			Time:        base.Add(time.Duration(i) * 30 * time.Second),
			ClientID:    "pub",
		}
		require.NoError(t, a.AddHistory(ctx, []broker.Message{msg}))
	}

	rows, err := a.GetHistory(ctx, "plant/temp", nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Time.Before(rows[1].Time))
	assert.Equal(t, base.Add(90*time.Second), rows[1].Time)

	res, err := a.GetAggregatedHistory(ctx, store.AggregationQuery{
		Topics:        []string{"plant/temp"},
		Start:         base.Add(-time.Minute),
		End:           base.Add(time.Hour),
		BucketMinutes: 1,
		Funcs:         []store.AggregationFunc{store.AggAvg, store.AggCount},
		Fields:        []string{"value"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"time", "topic", "value_AVG", "value_COUNT"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 1.5, res.Rows[0][2])
	assert.Equal(t, int64(2), res.Rows[0][3])
}

func TestMessageArchivePurge(t *testing.T) {
	ctx := context.Background()
	a := NewMessageArchive("archive")
	uuids := broker.NewUUIDSource()

	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		msg := broker.Message{
			UUID:     uuids.Next(),
			Topic:    "hist/t",
			Payload:  []byte("p"),
			Time:     now.Add(-2*time.Hour + time.Duration(i)*time.Second),
			ClientID: "pub",
		}
		require.NoError(t, a.AddHistory(ctx, []broker.Message{msg}))
	}

	res, err := a.PurgeOldMessages(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Deleted)

	res, err = a.PurgeOldMessages(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}
