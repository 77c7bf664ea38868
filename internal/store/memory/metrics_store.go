package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arcmq/arcmq/internal/store"
)

// MetricsStore keeps periodic counter snapshots in memory.
type MetricsStore struct {
	mu      sync.RWMutex
	samples []store.MetricSample
}

func NewMetricsStore() *MetricsStore {
	return &MetricsStore{}
}

func (s *MetricsStore) AddSample(_ context.Context, sample store.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	return nil
}

func (s *MetricsStore) GetLatest(_ context.Context, kind, nodeID string) (*store.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *store.MetricSample
	for i := range s.samples {
		sample := s.samples[i]
		if sample.Kind != kind || sample.NodeID != nodeID {
			continue
		}
		if latest == nil || sample.Time.After(latest.Time) {
			latest = &sample
		}
	}
	return latest, nil
}

func (s *MetricsStore) GetHistory(_ context.Context, kind, nodeID string, start, end time.Time, bucket time.Duration) ([]store.MetricSample, error) {
	s.mu.RLock()
	matched := make([]store.MetricSample, 0)
	for _, sample := range s.samples {
		if sample.Kind != kind || sample.NodeID != nodeID {
			continue
		}
		if sample.Time.Before(start) || sample.Time.After(end) {
			continue
		}
		matched = append(matched, sample)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Time.Before(matched[j].Time) })
	if bucket <= 0 {
		return matched, nil
	}

	// One averaged sample per bucket.
	out := make([]store.MetricSample, 0)
	var current *store.MetricSample
	counts := make(map[string]int)
	for _, sample := range matched {
		slot := sample.Time.Truncate(bucket)
		if current == nil || !current.Time.Equal(slot) {
			if current != nil {
				finishBucket(current, counts)
				out = append(out, *current)
			}
			current = &store.MetricSample{Kind: kind, NodeID: nodeID, Time: slot, Values: make(map[string]float64)}
			counts = make(map[string]int)
		}
		for k, v := range sample.Values {
			current.Values[k] += v
			counts[k]++
		}
	}
	if current != nil {
		finishBucket(current, counts)
		out = append(out, *current)
	}
	return out, nil
}

func finishBucket(sample *store.MetricSample, counts map[string]int) {
	for k, n := range counts {
		if n > 0 {
			sample.Values[k] /= float64(n)
		}
	}
}

func (s *MetricsStore) PurgeOldSamples(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.samples[:0]
	deleted := 0
	for _, sample := range s.samples {
		if sample.Time.After(cutoff) {
			kept = append(kept, sample)
		} else {
			deleted++
		}
	}
	s.samples = kept
	return deleted, nil
}
