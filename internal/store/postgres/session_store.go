package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	client_id         TEXT PRIMARY KEY,
	node_id           TEXT NOT NULL,
	clean_session     BOOLEAN NOT NULL,
	connected         BOOLEAN NOT NULL,
	update_time       TIMESTAMPTZ NOT NULL,
	information       JSONB,
	last_will_topic   TEXT,
	last_will_payload BYTEA,
	last_will_qos     SMALLINT,
	last_will_retain  BOOLEAN,
	last_will_delay_ms BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS subscriptions (
	client_id           TEXT NOT NULL,
	topic_filter        TEXT NOT NULL,
	qos                 SMALLINT NOT NULL,
	no_local            BOOLEAN NOT NULL DEFAULT FALSE,
	retain_as_published BOOLEAN NOT NULL DEFAULT FALSE,
	retain_handling     SMALLINT NOT NULL DEFAULT 0,
	wildcard            BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (client_id, topic_filter)
);
CREATE TABLE IF NOT EXISTS queued_messages (
	message_uuid TEXT PRIMARY KEY,
	message_id   INTEGER NOT NULL DEFAULT 0,
	topic        TEXT NOT NULL,
	payload      BYTEA,
	qos          SMALLINT NOT NULL,
	retain       BOOLEAN NOT NULL,
	client_id    TEXT
);
CREATE TABLE IF NOT EXISTS queued_messages_clients (
	client_id          TEXT NOT NULL,
	message_uuid       TEXT NOT NULL,
	status             TEXT NOT NULL,
	qos                SMALLINT NOT NULL,
	retain             BOOLEAN NOT NULL,
	packet_id          INTEGER NOT NULL DEFAULT 0,
	last_status_change TIMESTAMPTZ NOT NULL,
	expires_at         TIMESTAMPTZ,
	PRIMARY KEY (client_id, message_uuid)
);
CREATE INDEX IF NOT EXISTS qmc_status_idx ON queued_messages_clients (client_id, status, message_uuid);
`

// SessionStore implements store.SessionStore on PostgreSQL.
type SessionStore struct {
	name string
	db   *DB
}

func NewSessionStore(db *DB, name string) *SessionStore {
	if name == "" {
		name = "sessions"
	}
	return &SessionStore{name: name, db: db}
}

func (s *SessionStore) Name() string { return s.name }

func (s *SessionStore) GetConnectionStatus() bool { return s.db.Up() }

// Migrate creates the session tables when absent.
func (s *SessionStore) Migrate(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, sessionSchema); err != nil {
			return fmt.Errorf("failed to create session tables: %w", err)
		}
		return nil
	})
}

func (s *SessionStore) IterateOfflineClients(ctx context.Context, cb func(string) bool) error {
	return s.iterateClients(ctx, `SELECT client_id, node_id FROM sessions WHERE NOT connected ORDER BY client_id`, nil,
		func(clientID, _ string) bool { return cb(clientID) })
}

func (s *SessionStore) IterateConnectedClients(ctx context.Context, cb func(clientID, nodeID string) bool) error {
	return s.iterateClients(ctx, `SELECT client_id, node_id FROM sessions WHERE connected ORDER BY client_id`, nil, cb)
}

func (s *SessionStore) IterateNodeClients(ctx context.Context, nodeID string, cb func(string) bool) error {
	return s.iterateClients(ctx, `SELECT client_id, node_id FROM sessions WHERE node_id = $1 ORDER BY client_id`,
		[]any{nodeID}, func(clientID, _ string) bool { return cb(clientID) })
}

func (s *SessionStore) iterateClients(ctx context.Context, query string, args []any, cb func(clientID, nodeID string) bool) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query sessions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var clientID, nodeID string
			if err := rows.Scan(&clientID, &nodeID); err != nil {
				return fmt.Errorf("failed to scan session row: %w", err)
			}
			if !cb(clientID, nodeID) {
				return nil
			}
		}
		return rows.Err()
	})
}

func (s *SessionStore) IterateAllSessions(ctx context.Context, cb func(store.Session) bool) error {
	query := `
		SELECT client_id, node_id, clean_session, connected, update_time, information,
		       last_will_topic, last_will_payload, last_will_qos, last_will_retain, last_will_delay_ms
		FROM sessions ORDER BY client_id`

	return s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to query sessions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				sess        store.Session
				infoJSON    []byte
				willTopic   *string
				willPayload []byte
				willQoS     *int16
				willRetain  *bool
				willDelayMS int64
			)
			err := rows.Scan(&sess.ClientID, &sess.NodeID, &sess.CleanSession, &sess.Connected,
				&sess.UpdateTime, &infoJSON, &willTopic, &willPayload, &willQoS, &willRetain, &willDelayMS)
			if err != nil {
				return fmt.Errorf("failed to scan session row: %w", err)
			}
			if len(infoJSON) > 0 {
				if err := json.Unmarshal(infoJSON, &sess.Information); err != nil {
					return fmt.Errorf("failed to decode session information: %w", err)
				}
			}
			if willTopic != nil {
				will := broker.Message{Topic: *willTopic, Payload: willPayload}
				if willQoS != nil {
					will.QoS = byte(*willQoS)
				}
				if willRetain != nil {
					will.Retain = *willRetain
				}
				sess.LastWill = &will
				sess.WillDelay = time.Duration(willDelayMS) * time.Millisecond
			}
			if !cb(sess) {
				return nil
			}
		}
		return rows.Err()
	})
}

func (s *SessionStore) IterateSubscriptions(ctx context.Context, cb func(store.Subscription) bool) error {
	query := `
		SELECT client_id, topic_filter, qos, no_local, retain_as_published, retain_handling, wildcard
		FROM subscriptions ORDER BY client_id, topic_filter`

	return s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to query subscriptions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var sub store.Subscription
			var handling int16
			err := rows.Scan(&sub.ClientID, &sub.TopicFilter, &sub.QoS, &sub.NoLocal,
				&sub.RetainAsPublished, &handling, &sub.Wildcard)
			if err != nil {
				return fmt.Errorf("failed to scan subscription row: %w", err)
			}
			sub.RetainHandling = store.RetainHandling(handling)
			if !cb(sub) {
				return nil
			}
		}
		return rows.Err()
	})
}

func (s *SessionStore) SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info map[string]any) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode session information: %w", err)
	}

	query := `
		INSERT INTO sessions (client_id, node_id, clean_session, connected, update_time, information)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (client_id) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			clean_session = EXCLUDED.clean_session,
			connected = EXCLUDED.connected,
			update_time = NOW(),
			information = EXCLUDED.information`

	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, query, clientID, nodeID, cleanSession, connected, infoJSON); err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", clientID, err)
		}
		return nil
	})
}

func (s *SessionStore) SetLastWill(ctx context.Context, clientID string, will *broker.Message, delay time.Duration) error {
	query := `
		UPDATE sessions SET last_will_topic = $2, last_will_payload = $3, last_will_qos = $4, last_will_retain = $5,
			last_will_delay_ms = $6
		WHERE client_id = $1`

	return s.db.exec(ctx, func(ctx context.Context) error {
		var err error
		if will == nil {
			_, err = s.db.db.ExecContext(ctx, query, clientID, nil, nil, nil, nil, 0)
		} else {
			_, err = s.db.db.ExecContext(ctx, query, clientID, will.Topic, will.Payload, int16(will.QoS), will.Retain, delay.Milliseconds())
		}
		if err != nil {
			return fmt.Errorf("failed to update last will for %s: %w", clientID, err)
		}
		return nil
	})
}

func (s *SessionStore) SetConnected(ctx context.Context, clientID string, connected bool) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx,
			`UPDATE sessions SET connected = $2, update_time = NOW() WHERE client_id = $1`, clientID, connected)
		if err != nil {
			return fmt.Errorf("failed to update connected flag for %s: %w", clientID, err)
		}
		return nil
	})
}

func (s *SessionStore) IsConnected(ctx context.Context, clientID string) (bool, error) {
	var connected bool
	err := s.db.exec(ctx, func(ctx context.Context) error {
		err := s.db.db.QueryRowxContext(ctx,
			`SELECT connected FROM sessions WHERE client_id = $1`, clientID).Scan(&connected)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query connected flag for %s: %w", clientID, err)
		}
		return nil
	})
	return connected, err
}

func (s *SessionStore) IsPresent(ctx context.Context, clientID string) (bool, error) {
	var present bool
	err := s.db.exec(ctx, func(ctx context.Context) error {
		err := s.db.db.QueryRowxContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE client_id = $1)`, clientID).Scan(&present)
		if err != nil {
			return fmt.Errorf("failed to query presence of %s: %w", clientID, err)
		}
		return nil
	})
	return present, err
}

func (s *SessionStore) AddSubscriptions(ctx context.Context, subs []store.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	query := `
		INSERT INTO subscriptions (client_id, topic_filter, qos, no_local, retain_as_published, retain_handling, wildcard)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id, topic_filter) DO UPDATE SET
			qos = EXCLUDED.qos,
			no_local = EXCLUDED.no_local,
			retain_as_published = EXCLUDED.retain_as_published,
			retain_handling = EXCLUDED.retain_handling,
			wildcard = EXCLUDED.wildcard`

	return s.db.exec(ctx, func(ctx context.Context) error {
		tx, err := s.db.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare subscription upsert: %w", err)
		}
		defer stmt.Close()

		for _, sub := range subs {
			_, err := stmt.ExecContext(ctx, sub.ClientID, sub.TopicFilter, int16(sub.QoS),
				sub.NoLocal, sub.RetainAsPublished, int16(sub.RetainHandling), sub.Wildcard)
			if err != nil {
				return fmt.Errorf("failed to upsert subscription (%s,%s): %w", sub.ClientID, sub.TopicFilter, err)
			}
		}
		return tx.Commit()
	})
}

func (s *SessionStore) DelSubscriptions(ctx context.Context, subs []store.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	return s.db.exec(ctx, func(ctx context.Context) error {
		tx, err := s.db.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `DELETE FROM subscriptions WHERE client_id = $1 AND topic_filter = $2`)
		if err != nil {
			return fmt.Errorf("failed to prepare subscription delete: %w", err)
		}
		defer stmt.Close()

		for _, sub := range subs {
			if _, err := stmt.ExecContext(ctx, sub.ClientID, sub.TopicFilter); err != nil {
				return fmt.Errorf("failed to delete subscription (%s,%s): %w", sub.ClientID, sub.TopicFilter, err)
			}
		}
		return tx.Commit()
	})
}

func (s *SessionStore) DelClient(ctx context.Context, clientID string, cb func(store.Subscription)) error {
	var removed []store.Subscription

	err := s.db.exec(ctx, func(ctx context.Context) error {
		tx, err := s.db.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryxContext(ctx, `
			DELETE FROM subscriptions WHERE client_id = $1
			RETURNING client_id, topic_filter, qos, no_local, retain_as_published, retain_handling, wildcard`, clientID)
		if err != nil {
			return fmt.Errorf("failed to delete subscriptions of %s: %w", clientID, err)
		}
		for rows.Next() {
			var sub store.Subscription
			var handling int16
			err := rows.Scan(&sub.ClientID, &sub.TopicFilter, &sub.QoS, &sub.NoLocal,
				&sub.RetainAsPublished, &handling, &sub.Wildcard)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan removed subscription: %w", err)
			}
			sub.RetainHandling = store.RetainHandling(handling)
			removed = append(removed, sub)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_messages_clients WHERE client_id = $1`, clientID); err != nil {
			return fmt.Errorf("failed to delete links of %s: %w", clientID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE client_id = $1`, clientID); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", clientID, err)
		}
		if _, err := tx.ExecContext(ctx, orphanDelete); err != nil {
			return fmt.Errorf("failed to remove orphaned messages: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if cb != nil {
		for _, sub := range removed {
			cb(sub)
		}
	}
	return nil
}

// orphanDelete removes message rows no link references anymore.
const orphanDelete = `
	DELETE FROM queued_messages qm
	WHERE NOT EXISTS (SELECT 1 FROM queued_messages_clients qmc WHERE qmc.message_uuid = qm.message_uuid)`

func (s *SessionStore) EnqueueMessages(ctx context.Context, batch []store.Enqueue) error {
	if len(batch) == 0 {
		return nil
	}

	msgQuery := `
		INSERT INTO queued_messages (message_uuid, message_id, topic, payload, qos, retain, client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_uuid) DO NOTHING`
	linkQuery := `
		INSERT INTO queued_messages_clients (client_id, message_uuid, status, qos, retain, packet_id, last_status_change, expires_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), $6)
		ON CONFLICT (client_id, message_uuid) DO NOTHING`

	return s.db.exec(ctx, func(ctx context.Context) error {
		tx, err := s.db.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		msgStmt, err := tx.PrepareContext(ctx, msgQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare message insert: %w", err)
		}
		defer msgStmt.Close()

		linkStmt, err := tx.PrepareContext(ctx, linkQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare link insert: %w", err)
		}
		defer linkStmt.Close()

		for _, enq := range batch {
			msg := enq.Message
			_, err := msgStmt.ExecContext(ctx, msg.UUID, int32(msg.MessageID), msg.Topic,
				msg.Payload, int16(msg.QoS), msg.Retain, msg.ClientID)
			if err != nil {
				return fmt.Errorf("failed to insert message %s: %w", msg.UUID, err)
			}
			for _, target := range enq.Targets {
				_, err := linkStmt.ExecContext(ctx, target.ClientID, msg.UUID, string(store.StatusPending),
					int16(target.QoS), target.Retain, msg.Expiry)
				if err != nil {
					return fmt.Errorf("failed to insert link (%s,%s): %w", target.ClientID, msg.UUID, err)
				}
			}
		}
		return tx.Commit()
	})
}

func (s *SessionStore) DequeueMessages(ctx context.Context, clientID string, cb func(broker.Message) bool) error {
	query := `
		SELECT qm.message_uuid, qm.message_id, qm.topic, qm.payload, qmc.qos, qmc.retain, qm.client_id
		FROM queued_messages_clients qmc
		JOIN queued_messages qm ON qm.message_uuid = qmc.message_uuid
		WHERE qmc.client_id = $1 AND qmc.status IN ('PENDING','IN_FLIGHT','RELEASED')
		ORDER BY qmc.message_uuid`

	return s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, query, clientID)
		if err != nil {
			return fmt.Errorf("failed to query queue of %s: %w", clientID, err)
		}
		defer rows.Close()

		for rows.Next() {
			msg, err := scanQueuedMessage(rows)
			if err != nil {
				return err
			}
			if !cb(msg) {
				return nil
			}
		}
		return rows.Err()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedMessage(row rowScanner) (broker.Message, error) {
	var msg broker.Message
	var messageID int32
	var qos int16
	var publisher *string
	err := row.Scan(&msg.UUID, &messageID, &msg.Topic, &msg.Payload, &qos, &msg.Retain, &publisher)
	if err != nil {
		return msg, fmt.Errorf("failed to scan queued message: %w", err)
	}
	msg.MessageID = uint16(messageID)
	msg.QoS = byte(qos)
	if publisher != nil {
		msg.ClientID = *publisher
	}
	return msg, nil
}

func (s *SessionStore) RemoveMessages(ctx context.Context, refs []store.LinkRef) error {
	if len(refs) == 0 {
		return nil
	}

	return s.db.exec(ctx, func(ctx context.Context) error {
		tx, err := s.db.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `DELETE FROM queued_messages_clients WHERE client_id = $1 AND message_uuid = $2`)
		if err != nil {
			return fmt.Errorf("failed to prepare link delete: %w", err)
		}
		defer stmt.Close()

		for _, ref := range refs {
			if _, err := stmt.ExecContext(ctx, ref.ClientID, ref.UUID); err != nil {
				return fmt.Errorf("failed to delete link (%s,%s): %w", ref.ClientID, ref.UUID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, orphanDelete); err != nil {
			return fmt.Errorf("failed to remove orphaned messages: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SessionStore) FetchNextPendingMessage(ctx context.Context, clientID string) (*store.PendingDelivery, error) {
	expire := `
		UPDATE queued_messages_clients SET status = 'EXPIRED', last_status_change = NOW()
		WHERE client_id = $1 AND status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= NOW()`
	query := `
		SELECT qm.message_uuid, qm.message_id, qm.topic, qm.payload, qmc.qos, qmc.retain, qm.client_id,
		       qmc.status, qmc.packet_id, qmc.last_status_change, qmc.expires_at
		FROM queued_messages_clients qmc
		JOIN queued_messages qm ON qm.message_uuid = qmc.message_uuid
		WHERE qmc.client_id = $1 AND qmc.status = 'PENDING'
		ORDER BY qmc.message_uuid
		LIMIT 1`

	var pd *store.PendingDelivery
	err := s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, expire, clientID); err != nil {
			return fmt.Errorf("failed to expire links of %s: %w", clientID, err)
		}

		row := s.db.db.QueryRowxContext(ctx, query, clientID)
		var (
			msg       broker.Message
			messageID int32
			qos       int16
			publisher *string
			status    string
			packetID  int32
			changed   time.Time
			expiresAt *time.Time
		)
		err := row.Scan(&msg.UUID, &messageID, &msg.Topic, &msg.Payload, &qos, &msg.Retain, &publisher,
			&status, &packetID, &changed, &expiresAt)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch pending message for %s: %w", clientID, err)
		}
		msg.MessageID = uint16(messageID)
		msg.QoS = byte(qos)
		if publisher != nil {
			msg.ClientID = *publisher
		}
		pd = &store.PendingDelivery{
			Message: msg,
			Link: store.MessageLink{
				ClientID:   clientID,
				UUID:       msg.UUID,
				Status:     store.LinkStatus(status),
				QoS:        byte(qos),
				Retain:     msg.Retain,
				PacketID:   uint16(packetID),
				LastChange: changed,
				ExpiresAt:  expiresAt,
			},
		}
		return nil
	})
	return pd, err
}

func (s *SessionStore) FetchPendingMessages(ctx context.Context, clientID string, limit int) ([]store.PendingDelivery, error) {
	query := `
		SELECT qm.message_uuid, qm.message_id, qm.topic, qm.payload, qmc.qos, qmc.retain, qm.client_id
		FROM queued_messages_clients qmc
		JOIN queued_messages qm ON qm.message_uuid = qmc.message_uuid
		WHERE qmc.client_id = $1 AND qmc.status = 'PENDING'
			AND (qmc.expires_at IS NULL OR qmc.expires_at > NOW())
		ORDER BY qmc.message_uuid`

	var out []store.PendingDelivery
	err := s.db.exec(ctx, func(ctx context.Context) error {
		q := query
		args := []any{clientID}
		if limit > 0 {
			q += ` LIMIT $2`
			args = append(args, limit)
		}
		rows, err := s.db.db.QueryxContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("failed to fetch pending messages for %s: %w", clientID, err)
		}
		defer rows.Close()

		for rows.Next() {
			msg, err := scanQueuedMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, store.PendingDelivery{
				Message: msg,
				Link: store.MessageLink{
					ClientID: clientID,
					UUID:     msg.UUID,
					Status:   store.StatusPending,
					QoS:      msg.QoS,
					Retain:   msg.Retain,
				},
			})
		}
		return rows.Err()
	})
	return out, err
}

func (s *SessionStore) FetchReleasedLinks(ctx context.Context, clientID string) ([]store.InFlightLink, error) {
	var out []store.InFlightLink
	err := s.db.exec(ctx, func(ctx context.Context) error {
		rows, err := s.db.db.QueryxContext(ctx, `
			SELECT message_uuid, packet_id FROM queued_messages_clients
			WHERE client_id = $1 AND status = 'RELEASED' ORDER BY message_uuid`, clientID)
		if err != nil {
			return fmt.Errorf("failed to fetch released links for %s: %w", clientID, err)
		}
		defer rows.Close()

		for rows.Next() {
			var link store.InFlightLink
			var packetID int32
			if err := rows.Scan(&link.UUID, &packetID); err != nil {
				return fmt.Errorf("failed to scan released link: %w", err)
			}
			link.PacketID = uint16(packetID)
			out = append(out, link)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SessionStore) MarkMessageInFlight(ctx context.Context, clientID, uuid string, packetID uint16) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx, `
			UPDATE queued_messages_clients SET status = 'IN_FLIGHT', packet_id = $3, last_status_change = NOW()
			WHERE client_id = $1 AND message_uuid = $2`, clientID, uuid, int32(packetID))
		if err != nil {
			return fmt.Errorf("failed to mark (%s,%s) in flight: %w", clientID, uuid, err)
		}
		return nil
	})
}

func (s *SessionStore) MarkMessagesInFlight(ctx context.Context, clientID string, links []store.InFlightLink) error {
	for _, link := range links {
		if err := s.MarkMessageInFlight(ctx, clientID, link.UUID, link.PacketID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) MarkMessageReleased(ctx context.Context, clientID, uuid string) error {
	return s.markStatus(ctx, clientID, uuid, store.StatusReleased)
}

func (s *SessionStore) MarkMessageDelivered(ctx context.Context, clientID, uuid string) error {
	return s.markStatus(ctx, clientID, uuid, store.StatusDelivered)
}

func (s *SessionStore) markStatus(ctx context.Context, clientID, uuid string, status store.LinkStatus) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx, `
			UPDATE queued_messages_clients SET status = $3, last_status_change = NOW()
			WHERE client_id = $1 AND message_uuid = $2`, clientID, uuid, string(status))
		if err != nil {
			return fmt.Errorf("failed to mark (%s,%s) %s: %w", clientID, uuid, status, err)
		}
		return nil
	})
}

func (s *SessionStore) ResetInFlightMessages(ctx context.Context, clientID string) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.db.ExecContext(ctx, `
			UPDATE queued_messages_clients SET status = 'PENDING', last_status_change = NOW()
			WHERE client_id = $1 AND status = 'IN_FLIGHT'`, clientID)
		if err != nil {
			return fmt.Errorf("failed to reset in-flight links of %s: %w", clientID, err)
		}
		return nil
	})
}

func (s *SessionStore) PurgeDeliveredMessages(ctx context.Context) (int, error) {
	return s.purgeLinks(ctx, `DELETE FROM queued_messages_clients WHERE status = 'DELIVERED'`)
}

func (s *SessionStore) PurgeExpiredMessages(ctx context.Context) (int, error) {
	return s.purgeLinks(ctx, `
		DELETE FROM queued_messages_clients
		WHERE status = 'EXPIRED' OR (status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= NOW())`)
}

func (s *SessionStore) purgeLinks(ctx context.Context, query string) (int, error) {
	var purged int
	err := s.db.exec(ctx, func(ctx context.Context) error {
		res, err := s.db.db.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to purge links: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			purged = int(n)
		}
		if _, err := s.db.db.ExecContext(ctx, orphanDelete); err != nil {
			return fmt.Errorf("failed to remove orphaned messages: %w", err)
		}
		return nil
	})
	return purged, err
}

func (s *SessionStore) PurgeQueuedMessages(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		if _, err := s.db.db.ExecContext(ctx, `DELETE FROM queued_messages_clients`); err != nil {
			return fmt.Errorf("failed to purge links: %w", err)
		}
		if _, err := s.db.db.ExecContext(ctx, `DELETE FROM queued_messages`); err != nil {
			return fmt.Errorf("failed to purge messages: %w", err)
		}
		return nil
	})
}

func (s *SessionStore) PurgeSessions(ctx context.Context) error {
	return s.db.exec(ctx, func(ctx context.Context) error {
		tx, err := s.db.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stale := `SELECT client_id FROM sessions WHERE clean_session AND NOT connected`
		for _, query := range []string{
			`DELETE FROM subscriptions WHERE client_id IN (` + stale + `)`,
			`DELETE FROM queued_messages_clients WHERE client_id IN (` + stale + `)`,
			`DELETE FROM sessions WHERE clean_session AND NOT connected`,
			orphanDelete,
		} {
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to purge sessions: %w", err)
			}
		}
		return tx.Commit()
	})
}

func (s *SessionStore) CountQueuedMessages(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM queued_messages_clients`)
}

func (s *SessionStore) CountQueuedMessagesForClient(ctx context.Context, clientID string) (int64, error) {
	var n int64
	err := s.db.exec(ctx, func(ctx context.Context) error {
		err := s.db.db.QueryRowxContext(ctx,
			`SELECT COUNT(*) FROM queued_messages_clients WHERE client_id = $1`, clientID).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to count queue of %s: %w", clientID, err)
		}
		return nil
	})
	return n, err
}

func (s *SessionStore) count(ctx context.Context, query string) (int64, error) {
	var n int64
	err := s.db.exec(ctx, func(ctx context.Context) error {
		if err := s.db.db.QueryRowxContext(ctx, query).Scan(&n); err != nil {
			return fmt.Errorf("failed to count rows: %w", err)
		}
		return nil
	})
	return n, err
}
