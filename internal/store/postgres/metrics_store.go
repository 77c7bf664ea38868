package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcmq/arcmq/internal/store"
)

const metricsSchema = `
CREATE TABLE IF NOT EXISTS metric_samples (
	kind    TEXT NOT NULL,
	node_id TEXT NOT NULL,
	time    TIMESTAMPTZ NOT NULL,
	vals    JSONB NOT NULL,
	PRIMARY KEY (kind, node_id, time)
)`

// MetricsStore keeps periodic counter snapshots for the management
// surface's charts.
type MetricsStore struct {
	db *DB
}

func NewMetricsStore(db *DB) *MetricsStore { return &MetricsStore{db: db} }

func (s *MetricsStore) Migrate(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, metricsSchema); err != nil {
			return fmt.Errorf("failed to create metric_samples table: %w", err)
		}
		return nil
	})
}

func (s *MetricsStore) AddSample(ctx context.Context, sample store.MetricSample) error {
	values, err := json.Marshal(sample.Values)
	if err != nil {
		return fmt.Errorf("failed to encode metric sample: %w", err)
	}
	if sample.Time.IsZero() {
		sample.Time = time.Now().UTC()
	}

	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx, `
			INSERT INTO metric_samples (kind, node_id, time, vals) VALUES ($1, $2, $3, $4)
			ON CONFLICT (kind, node_id, time) DO UPDATE SET vals = EXCLUDED.vals`,
			sample.Kind, sample.NodeID, sample.Time, values)
		if err != nil {
			return fmt.Errorf("failed to insert metric sample: %w", err)
		}
		return nil
	})
}

func (s *MetricsStore) GetLatest(ctx context.Context, kind, nodeID string) (*store.MetricSample, error) {
	var sample *store.MetricSample
	err := s.db.exec(ctx, func(ctx context.Context) error {
		row := s.db.db.QueryRowxContext(ctx, `
			SELECT kind, node_id, time, vals FROM metric_samples
			WHERE kind = $1 AND node_id = $2 ORDER BY time DESC LIMIT 1`, kind, nodeID)
		sm, err := scanSample(row)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		sample = &sm
		return nil
	})
	return sample, err
}

func (s *MetricsStore) GetHistory(ctx context.Context, kind, nodeID string, start, end time.Time, bucket time.Duration) ([]store.MetricSample, error) {
	query := `
		SELECT kind, node_id, time, vals FROM metric_samples
		WHERE kind = $1 AND node_id = $2 AND time >= $3 AND time <= $4
		ORDER BY time`

	var out []store.MetricSample
	err := s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query, kind, nodeID, start, end)
		if err != nil {
			return fmt.Errorf("failed to query metric history: %w", err)
		}
		defer rows.Close()

		var lastBucket time.Time
		for rows.Next() {
			sm, err := scanSample(rows)
			if err != nil {
				return err
			}
			if bucket > 0 {
				b := sm.Time.Truncate(bucket)
				if b.Equal(lastBucket) && len(out) > 0 {
					out[len(out)-1] = sm
					continue
				}
				lastBucket = b
			}
			out = append(out, sm)
		}
		return rows.Err()
	})
	return out, err
}

func scanSample(row rowScanner) (store.MetricSample, error) {
	var sm store.MetricSample
	var values []byte
	err := row.Scan(&sm.Kind, &sm.NodeID, &sm.Time, &values)
	if err != nil {
		if isNoRows(err) {
			return sm, err
		}
		return sm, fmt.Errorf("failed to scan metric sample: %w", err)
	}
	if err := json.Unmarshal(values, &sm.Values); err != nil {
		return sm, fmt.Errorf("failed to decode metric sample: %w", err)
	}
	return sm, nil
}

func (s *MetricsStore) PurgeOldSamples(ctx context.Context, cutoff time.Time) (int, error) {
	var purged int
	err := s.db.exec(ctx, func(ctx context.Context) error {
		res, err := s.db.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE time <= $1`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge metric samples: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			purged = int(n)
		}
		return nil
	})
	return purged, err
}
