package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
	"github.com/arcmq/arcmq/internal/topic"
)

// MessageStore implements the last-value store.MessageStore contract on a
// per-store PostgreSQL table. Wildcard lookups narrow candidates with the
// pattern's literal prefix and finish the match in Go, since SQL LIKE
// cannot express level-bounded '+' semantics.
type MessageStore struct {
	name  string
	table string
	db    *DB
}

func NewMessageStore(db *DB, name string) *MessageStore {
	if name == "" {
		name = "lastval"
	}
	return &MessageStore{name: name, table: "lastval_" + sanitizeIdent(name), db: db}
}

func (s *MessageStore) Name() string { return s.name }

func (s *MessageStore) GetConnectionStatus() bool { return s.db.Up() }

// Migrate creates the store's table when absent.
func (s *MessageStore) Migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			topic        TEXT PRIMARY KEY,
			time         TIMESTAMPTZ NOT NULL,
			payload      BYTEA,
			payload_json JSONB,
			qos          SMALLINT NOT NULL,
			retain       BOOLEAN NOT NULL,
			client_id    TEXT,
			message_uuid TEXT NOT NULL
		)`, s.table)

	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to create table %s: %w", s.table, err)
		}
		return nil
	})
}

func (s *MessageStore) Get(ctx context.Context, topicName string) (*broker.Message, error) {
	query := fmt.Sprintf(`
		SELECT topic, time, payload, payload_json, qos, retain, client_id, message_uuid
		FROM %s WHERE topic = $1`, s.table)

	var msg *broker.Message
	err := s.db.exec(ctx, func(ctx context.Context) error {
		m, err := scanStoredMessage(s.db.db.QueryRowxContext(ctx, query, topicName))
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s[%s]: %w", s.table, topicName, err)
		}
		msg = &m
		return nil
	})
	return msg, err
}

func (s *MessageStore) AddAll(ctx context.Context, messages []broker.Message) error {
	if len(messages) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (topic, time, payload, payload_json, qos, retain, client_id, message_uuid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (topic) DO UPDATE SET
			time = EXCLUDED.time,
			payload = EXCLUDED.payload,
			payload_json = EXCLUDED.payload_json,
			qos = EXCLUDED.qos,
			retain = EXCLUDED.retain,
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
			return fmt.Errorf("failed to prepare upsert for %s: %w", s.table, err)
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
				return fmt.Errorf("failed to upsert %s[%s]: %w", s.table, msg.Topic, err)
			}
		}
		return tx.Commit()
	})
}

func (s *MessageStore) DelAll(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE topic = ANY($1)`, s.table)

	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, query, pq.Array(topics)); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", s.table, err)
		}
		return nil
	})
}

func (s *MessageStore) FindMatchingMessages(ctx context.Context, pattern string, cb func(broker.Message) bool) error {
	query := fmt.Sprintf(`
		SELECT topic, time, payload, payload_json, qos, retain, client_id, message_uuid
		FROM %s WHERE topic LIKE $1 ORDER BY topic`, s.table)

	return s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query, likePrefix(pattern))
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", s.table, err)
		}
		defer rows.Close()

		for rows.Next() {
			msg, err := scanStoredMessage(rows)
			if err != nil {
				return fmt.Errorf("failed to scan %s row: %w", s.table, err)
			}
			if !topic.Match(pattern, msg.Topic) {
				continue
			}
			if !cb(msg) {
				return nil
			}
		}
		return rows.Err()
	})
}

// FindMatchingTopics streams the distinct topic prefixes at the pattern's
// depth. Bounded patterns truncate deeper topics in SQL and let DISTINCT
// dedupe them; '#' browses at unbounded depth, so full names come back.
func (s *MessageStore) FindMatchingTopics(ctx context.Context, pattern string, cb func(string) bool) error {
	levels := topic.Split(pattern)
	if levels[len(levels)-1] == topic.MultiLevelWildcard {
		query := fmt.Sprintf(`SELECT topic FROM %s WHERE topic LIKE $1 ORDER BY topic`, s.table)
		return s.streamTopics(ctx, pattern, query, cb, likePrefix(pattern))
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT array_to_string((string_to_array(topic, '/'))[1:$2], '/') AS prefix
		FROM %s WHERE topic LIKE $1 ORDER BY prefix`, s.table)
	return s.streamTopics(ctx, pattern, query, cb, likePrefix(pattern), len(levels))
}

func (s *MessageStore) streamTopics(ctx context.Context, pattern, query string, cb func(string) bool, args ...any) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query %s topics: %w", s.table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err != nil {
				return fmt.Errorf("failed to scan topic: %w", err)
			}
			if !topic.Match(pattern, t) {
				continue
			}
			if !cb(t) {
				return nil
			}
		}
		return rows.Err()
	})
}

func (s *MessageStore) PurgeOldMessages(ctx context.Context, cutoff time.Time) (store.PurgeResult, error) {
	start := time.Now()
	query := fmt.Sprintf(`DELETE FROM %s WHERE time <= $1`, s.table)

	var deleted int
	err := s.db.exec(ctx, func(ctx context.Context) error {
		res, err := s.db.db.ExecContext(ctx, query, cutoff)
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

func (s *MessageStore) DropStorage(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+s.table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", s.table, err)
		}
		return nil
	})
}

func scanStoredMessage(row rowScanner) (broker.Message, error) {
	var msg broker.Message
	var payloadJSON []byte
	var qos int16
	var clientID *string
	err := row.Scan(&msg.Topic, &msg.Time, &msg.Payload, &payloadJSON, &qos, &msg.Retain, &clientID, &msg.UUID)
	if err != nil {
		return msg, err
	}
	msg.QoS = byte(qos)
	if clientID != nil {
		msg.ClientID = *clientID
	}
	if len(payloadJSON) > 0 {
		msg.PayloadJSON = payloadJSON
	}
	return msg, nil
}

// likePrefix narrows a wildcard pattern to its literal prefix for the SQL
// side of the match. "sensors/+/temp" becomes "sensors/%".
func likePrefix(pattern string) string {
	idx := strings.IndexAny(pattern, topic.SingleLevelWildcard+topic.MultiLevelWildcard)
	if idx < 0 {
		return escapeLike(pattern)
	}
	return escapeLike(pattern[:idx]) + "%"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// sanitizeIdent keeps store names safe for use inside identifiers.
func sanitizeIdent(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
