package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmq/arcmq/internal/broker"
	"github.com/arcmq/arcmq/internal/store"
)

func TestSetClientUpserts(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db, "sessions")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sessions`)).
		WithArgs("C", "n1", false, true, []byte(`{"user":"ops"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SetClient(context.Background(), "C", "n1", false, true, map[string]any{"user": "ops"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetLastWillStoresDelay(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db, "sessions")

	will := &broker.Message{Topic: "plant/status", Payload: []byte("gone"), QoS: 1, Retain: true}
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET last_will_topic`)).
		WithArgs("C", "plant/status", []byte("gone"), int16(1), true, int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetLastWill(context.Background(), "C", will, 5*time.Second))

	// Clearing the will also zeroes the delay.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET last_will_topic`)).
		WithArgs("C", nil, nil, nil, nil, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetLastWill(context.Background(), "C", nil, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsConnectedMissingSessionIsFalse(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db, "sessions")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT connected FROM sessions WHERE client_id = $1`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"connected"}))

	connected, err := s.IsConnected(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, connected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueMessagesWritesMessageAndLinks(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db, "sessions")

	msg := broker.Message{UUID: "u-1", Topic: "plant/a", Payload: []byte("v"), QoS: 1}
	batch := []store.Enqueue{{
		Message: msg,
		Targets: []store.LinkTarget{
			{ClientID: "C1", QoS: 1},
			{ClientID: "C2", QoS: 2, Retain: true},
		},
	}}

	mock.ExpectBegin()
	msgPrep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO queued_messages (`))
	linkPrep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO queued_messages_clients`))
	msgPrep.ExpectExec().
		WithArgs("u-1", int32(0), "plant/a", []byte("v"), int16(1), false, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	linkPrep.ExpectExec().
		WithArgs("C1", "u-1", "PENDING", int16(1), false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	linkPrep.ExpectExec().
		WithArgs("C2", "u-1", "PENDING", int16(2), true, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.EnqueueMessages(context.Background(), batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchNextPendingMessageExpiresFirst(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db, "sessions")
	changed := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE queued_messages_clients SET status = 'EXPIRED'`)).
		WithArgs("C").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE qmc.client_id = $1 AND qmc.status = 'PENDING'`)).
		WithArgs("C").
		WillReturnRows(sqlmock.NewRows([]string{
			"message_uuid", "message_id", "topic", "payload", "qos", "retain", "client_id",
			"status", "packet_id", "last_status_change", "expires_at",
		}).AddRow("u-1", int32(7), "plant/a", []byte("v"), int16(1), false, "pub", "PENDING", int32(0), changed, nil))

	pd, err := s.FetchNextPendingMessage(context.Background(), "C")
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, "u-1", pd.Message.UUID)
	assert.Equal(t, uint16(7), pd.Message.MessageID)
	assert.Equal(t, store.StatusPending, pd.Link.Status)
	assert.Equal(t, uint16(0), pd.Link.PacketID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchNextPendingMessageEmptyQueue(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db, "sessions")

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE queued_messages_clients SET status = 'EXPIRED'`)).
		WithArgs("C").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE qmc.client_id = $1 AND qmc.status = 'PENDING'`)).
		WithArgs("C").
		WillReturnRows(sqlmock.NewRows([]string{"message_uuid"}))

	pd, err := s.FetchNextPendingMessage(context.Background(), "C")
	require.NoError(t, err)
	assert.Nil(t, pd)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelClientCascadesAndReportsSubscriptions(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewSessionStore(db, "sessions")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM subscriptions WHERE client_id = $1`)).
		WithArgs("C").
		WillReturnRows(sqlmock.NewRows([]string{
			"client_id", "topic_filter", "qos", "no_local", "retain_as_published", "retain_handling", "wildcard",
		}).AddRow("C", "plant/#", int16(1), false, false, int16(0), true))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM queued_messages_clients WHERE client_id = $1`)).
		WithArgs("C").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM sessions WHERE client_id = $1`)).
		WithArgs("C").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM queued_messages qm`)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var removed []store.Subscription
	err := s.DelClient(context.Background(), "C", func(sub store.Subscription) {
		removed = append(removed, sub)
	})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "plant/#", removed[0].TopicFilter)
	assert.True(t, removed[0].Wildcard)
	assert.NoError(t, mock.ExpectationsWereMet())
}
