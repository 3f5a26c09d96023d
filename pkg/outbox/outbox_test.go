package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published []string
	failures  int
}

func (f *fakePublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("bus unavailable")
	}
	f.published = append(f.published, eventType)
	return nil
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func pendingColumns() []string {
	return []string{"id", "occurred_at", "type", "payload", "status", "attempts", "next_attempt_at", "idempotency_key"}
}

func TestEnqueueInsertsInsideTransaction(t *testing.T) {
	db, mock := newMockDB(t)

	evt, err := NewEvent("collection.created", map[string]string{"tenant": "acme"}, "key-1")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Beginx()
	require.NoError(t, err)

	store := NewStore(db)
	require.NoError(t, store.Enqueue(context.Background(), tx, evt))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchOncePublishesInOrder(t *testing.T) {
	db, mock := newMockDB(t)

	first, _ := NewEvent("collection.created", map[string]string{"tenant": "acme"}, "")
	second, _ := NewEvent("collection.deleted", map[string]string{"tenant": "acme"}, "")

	rows := sqlmock.NewRows(pendingColumns()).
		AddRow(first.ID, first.OccurredAt, first.Type, []byte(first.Payload), "pending", 0, nil, nil).
		AddRow(second.ID, second.OccurredAt, second.Type, []byte(second.Payload), "pending", 0, nil, nil)

	mock.ExpectQuery(`SELECT id, occurred_at, type, payload, status, attempts`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE outbox_events SET status = 'dispatched'`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox_events SET status = 'dispatched'`).WillReturnResult(sqlmock.NewResult(0, 1))

	pub := &fakePublisher{}
	d := NewDispatcher(NewStore(db), pub, DefaultDispatcherConfig())

	require.NoError(t, d.DispatchOnce(context.Background()))

	assert.Equal(t, []string{"collection.created", "collection.deleted"}, pub.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchOnceBacksOffOnFailure(t *testing.T) {
	db, mock := newMockDB(t)

	evt, _ := NewEvent("collection.created", map[string]string{"tenant": "acme"}, "")

	rows := sqlmock.NewRows(pendingColumns()).
		AddRow(evt.ID, evt.OccurredAt, evt.Type, []byte(evt.Payload), "pending", 0, nil, nil)

	mock.ExpectQuery(`SELECT id, occurred_at, type, payload, status, attempts`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE outbox_events SET status = 'failed'`).
		WithArgs(evt.ID, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pub := &fakePublisher{failures: 1}
	d := NewDispatcher(NewStore(db), pub, DefaultDispatcherConfig())

	require.NoError(t, d.DispatchOnce(context.Background()))

	assert.Empty(t, pub.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchOnceParksDeadEvents(t *testing.T) {
	db, mock := newMockDB(t)

	evt, _ := NewEvent("collection.created", map[string]string{"tenant": "acme"}, "")

	rows := sqlmock.NewRows(pendingColumns()).
		AddRow(evt.ID, evt.OccurredAt, evt.Type, []byte(evt.Payload), "failed", 9, time.Now().Add(-time.Second), nil)

	mock.ExpectQuery(`SELECT id, occurred_at, type, payload, status, attempts`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE outbox_events SET status = 'dead'`).
		WithArgs(evt.ID, 10).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pub := &fakePublisher{failures: 1}
	d := NewDispatcher(NewStore(db), pub, DefaultDispatcherConfig())

	require.NoError(t, d.DispatchOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffDoubles(t *testing.T) {
	d := NewDispatcher(nil, nil, DispatcherConfig{BaseBackoff: time.Second})

	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, time.Minute, d.backoff(20))
}
