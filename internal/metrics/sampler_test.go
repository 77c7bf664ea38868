package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/store/memory"
)

func TestSnapshotFlattensCollectors(t *testing.T) {
	reg := NewRegistry()
	reg.MessagesIn.Add(3)
	reg.SessionsConnected.Set(2)
	reg.MessagesDropped.WithLabelValues("queue_full").Inc()
	reg.StoreBatchSeconds.WithLabelValues("postgres", "enqueue").Observe(0.25)
	reg.StoreBatchSeconds.WithLabelValues("postgres", "enqueue").Observe(0.75)

	s := NewSampler(reg, memory.NewMetricsStore(), "n1", SamplerOptions{Logger: zerolog.Nop()})
	values, err := s.snapshot()
	require.NoError(t, err)

	assert.Equal(t, 3.0, values["messages_in_total"])
	assert.Equal(t, 2.0, values["sessions_connected"])
	assert.Equal(t, 1.0, values["messages_dropped_total:reason=queue_full"])
	assert.Equal(t, 2.0, values["store_batch_seconds:op=enqueue,store=postgres:count"])
	assert.Equal(t, 1.0, values["store_batch_seconds:op=enqueue,store=postgres:sum"])
}

func TestSampleOncePersistsAndPurges(t *testing.T) {
	reg := NewRegistry()
	reg.MessagesIn.Inc()
	sink := memory.NewMetricsStore()

	old := store.MetricSample{
		Kind:   KindBroker,
		NodeID: "n1",
		Time:   time.Now().Add(-30 * 24 * time.Hour),
		Values: map[string]float64{"messages_in_total": 0},
	}
	require.NoError(t, sink.AddSample(context.Background(), old))

	s := NewSampler(reg, sink, "n1", SamplerOptions{
		Retention: 7 * 24 * time.Hour,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, s.sampleOnce(context.Background()))

	latest, err := sink.GetLatest(context.Background(), KindBroker, "n1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 1.0, latest.Values["messages_in_total"])

	// The stale sample fell outside retention.
	history, err := sink.GetHistory(context.Background(), KindBroker, "n1",
		time.Now().Add(-60*24*time.Hour), time.Now(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSamplerStartStop(t *testing.T) {
	reg := NewRegistry()
	sink := memory.NewMetricsStore()
	s := NewSampler(reg, sink, "n1", SamplerOptions{
		Interval: 10 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		latest, err := sink.GetLatest(context.Background(), KindBroker, "n1")
		return err == nil && latest != nil
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}
