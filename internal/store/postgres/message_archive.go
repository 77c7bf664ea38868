package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

// MessageArchive implements the append-only history contract on a
// per-store PostgreSQL table keyed by (topic, time). Writing an existing
// key refreshes the row.
type MessageArchive struct {
	name  string
	table string
	db    *DB
}

func NewMessageArchive(db *DB, name string) *MessageArchive {
	if name == "" {
		name = "archive"
	}
	return &MessageArchive{name: name, table: "archive_" + sanitizeIdent(name), db: db}
}

func (s *MessageArchive) Name() string { return s.name }

func (s *MessageArchive) GetConnectionStatus() bool { return s.db.Up() }

func (s *MessageArchive) TableExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.exec(ctx, func(ctx context.Context) error {
		err := s.db.db.QueryRowxContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, s.table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", s.table, err)
		}
		return nil
	})
	return exists, err
}

func (s *MessageArchive) CreateTable(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			topic        TEXT NOT NULL,
			time         TIMESTAMPTZ NOT NULL,
			payload      BYTEA,
			payload_json JSONB,
			qos          SMALLINT NOT NULL,
			retain       BOOLEAN NOT NULL,
			client_id    TEXT,
			message_uuid TEXT NOT NULL,
			PRIMARY KEY (topic, time)
		);
		CREATE INDEX IF NOT EXISTS %s_time_idx ON %s (time)`, s.table, s.table, s.table)

	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to create table %s: %w", s.table, err)
		}
		return nil
	})
}

func (s *MessageArchive) AddHistory(ctx context.Context, messages []broker.Message) error {
	if len(messages) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (topic, time, payload, payload_json, qos, retain, client_id, message_uuid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (topic, time) DO UPDATE SET
			payload = EXCLUDED.payload,
			payload_json = EXCLUDED.payload_json,
			qos = EXCLUDED.qos,
			client_id = EXCLUDED.client_id,
			message_uuid = EXCLUDED.message_uuid`, s.table)

	return s.db.exec(ctx, func(ctx context.Context) error {
		tx, err := s.db.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare insert for %s: %w", s.table, err)
		}
		defer stmt.Close()

		for _, msg := range messages {
			var payloadJSON any
			if len(msg.PayloadJSON) > 0 {
				payloadJSON = []byte(msg.PayloadJSON)
			}
			_, err := stmt.ExecContext(ctx, msg.Topic, msg.Time, msg.Payload, payloadJSON,
				int16(msg.QoS), msg.Retain, msg.ClientID, msg.UUID)
			if err != nil {
				return fmt.Errorf("failed to append %s[%s]: %w", s.table, msg.Topic, err)
			}
		}
		return tx.Commit()
	})
}

func (s *MessageArchive) GetHistory(ctx context.Context, topicName string, start, end *time.Time, limit int) ([]broker.Message, error) {
	query := fmt.Sprintf(`
		SELECT topic, time, payload, payload_json, qos, retain, client_id, message_uuid
		FROM %s WHERE topic = $1`, s.table)
	args := []any{topicName}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(` AND time >= $%d`, len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(` AND time <= $%d`, len(args))
	}
	query += ` ORDER BY time DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var out []broker.Message
	err := s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query history of %s: %w", topicName, err)
		}
		defer rows.Close()

		for rows.Next() {
			msg, err := scanStoredMessage(rows)
			if err != nil {
				return fmt.Errorf("failed to scan history row: %w", err)
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	return out, err
}

// GetAggregatedHistory buckets history rows into fixed windows and
// applies the requested aggregates to numeric fields of the JSON
// payload. The result is column-oriented: time, topic, then one column
// per (func, field) pair.
func (s *MessageArchive) GetAggregatedHistory(ctx context.Context, q store.AggregationQuery) (*store.AggregationResult, error) {
	if q.BucketMinutes <= 0 {
		q.BucketMinutes = 1
	}
	if len(q.Funcs) == 0 || len(q.Fields) == 0 {
		return nil, fmt.Errorf("aggregation needs at least one function and one field")
	}

	columns := []string{"time", "topic"}
	var selects []string
	for _, fn := range q.Funcs {
		for _, field := range q.Fields {
			expr, err := aggregateExpr(fn, field)
			if err != nil {
				return nil, err
			}
			selects = append(selects, expr)
			columns = append(columns, strings.ToLower(string(fn))+"_"+field)
		}
	}

	query := fmt.Sprintf(`
		SELECT to_timestamp(floor(extract(epoch FROM time) / $1) * $1) AS bucket, topic, %s
		FROM %s
		WHERE topic = ANY($2) AND time >= $3 AND time <= $4
		GROUP BY bucket, topic
		ORDER BY bucket, topic`, strings.Join(selects, ", "), s.table)

	result := &store.AggregationResult{Columns: columns}
	err := s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query,
			q.BucketMinutes*60, pq.Array(q.Topics), q.Start, q.End)
		if err != nil {
			return fmt.Errorf("failed to aggregate %s: %w", s.table, err)
		}
		defer rows.Close()

		for rows.Next() {
			row, err := rows.SliceScan()
			if err != nil {
				return fmt.Errorf("failed to scan aggregate row: %w", err)
			}
			result.Rows = append(result.Rows, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func aggregateExpr(fn store.AggregationFunc, field string) (string, error) {
	value := fmt.Sprintf(`(payload_json ->> %s)::double precision`, pq.QuoteLiteral(field))
	switch fn {
	case store.AggAvg:
		return "AVG(" + value + ")", nil
	case store.AggMin:
		return "MIN(" + value + ")", nil
	case store.AggMax:
		return "MAX(" + value + ")", nil
	case store.AggCount:
		return "COUNT(" + value + ")", nil
	default:
		return "", fmt.Errorf("unsupported aggregation function %q", fn)
	}
}

func (s *MessageArchive) PurgeOldMessages(ctx context.Context, cutoff time.Time) (store.PurgeResult, error) {
	start := time.Now()

	var deleted int
	err := s.db.exec(ctx, func(ctx context.Context) error {
		res, err := s.db.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE time <= $1`, s.table), cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge %s: %w", s.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted = int(n)
		}
		return nil
	})
	return store.PurgeResult{Deleted: deleted, Elapsed: time.Since(start)}, err
}

func (s *MessageArchive) DropStorage(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+s.table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", s.table, err)
		}
		return nil
	})
}
