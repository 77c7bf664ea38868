package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/arcmq/arcmq/internal/store"
)

const (
	// KindBroker tags node-level snapshots: counters plus host load.
	KindBroker = "broker"

	defaultSampleInterval = time.Minute
	defaultRetention      = 7 * 24 * time.Hour
)

// Sampler periodically snapshots the registry's collectors into a
// MetricsStore so the management surface can chart them without scraping
// prometheus itself.
type Sampler struct {
	registry *Registry
	sink     store.MetricsStore
	nodeID   string
	interval time.Duration
	keep     time.Duration
	log      zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// SamplerOptions tunes the snapshot cadence.
type SamplerOptions struct {
	Interval  time.Duration
	Retention time.Duration
	Logger    zerolog.Logger
}

func NewSampler(registry *Registry, sink store.MetricsStore, nodeID string, opts SamplerOptions) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = defaultSampleInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Sampler{
		registry: registry,
		sink:     sink,
		nodeID:   nodeID,
		interval: opts.Interval,
		keep:     opts.Retention,
		log:      opts.Logger.With().Str("component", "metrics-sampler").Logger(),
		done:     make(chan struct{}),
	}
}

// Start runs the sampling loop until Stop or the context ends.
func (s *Sampler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.sampleOnce(ctx); err != nil {
					s.log.Warn().Err(err).Msg("metric snapshot failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight snapshot.
func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) error {
	values, err := s.snapshot()
	if err != nil {
		return err
	}
	addHostLoad(values)

	sample := store.MetricSample{
		Kind:   KindBroker,
		NodeID: s.nodeID,
		Time:   time.Now().UTC(),
		Values: values,
	}
	if err := s.sink.AddSample(ctx, sample); err != nil {
		return fmt.Errorf("failed to store metric sample: %w", err)
	}

	if _, err := s.sink.PurgeOldSamples(ctx, time.Now().Add(-s.keep)); err != nil {
		s.log.Warn().Err(err).Msg("failed to purge old metric samples")
	}
	return nil
}

// snapshot flattens the registry's metric families into one value map.
// Labeled series get a "name:l1=v1" key, label order as declared.
func (s *Sampler) snapshot() (map[string]float64, error) {
	families, err := s.registry.Gatherer().Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather collectors: %w", err)
	}

	values := make(map[string]float64, len(families))
	for _, family := range families {
		name := strings.TrimPrefix(family.GetName(), "arcmq_")
		for _, metric := range family.GetMetric() {
			key := name
			if labels := metric.GetLabel(); len(labels) > 0 {
				parts := make([]string, len(labels))
				for i, label := range labels {
					parts[i] = label.GetName() + "=" + label.GetValue()
				}
				key = name + ":" + strings.Join(parts, ",")
			}

			switch family.GetType() {
			case dto.MetricType_COUNTER:
				values[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				values[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				values[key+":count"] = float64(h.GetSampleCount())
				values[key+":sum"] = h.GetSampleSum()
			}
		}
	}
	return values, nil
}

// addHostLoad folds process-host cpu and memory readings into the
// sample. Failures are silent, the counters still carry the snapshot.
func addHostLoad(values map[string]float64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		values["host:cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		values["host:mem_used_percent"] = vm.UsedPercent
		values["host:mem_used_mb"] = float64(vm.Used) / (1024 * 1024)
	}
}
