package audit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOnceHardDelete(t *testing.T) {
	db, mock := newMockDB(t)
	q := NewQueue(testEnricher(), QueueConfig{Capacity: 10})
	r := NewRetention(db, q, RetentionConfig{RetentionDays: 30})

	mock.ExpectExec(`DELETE FROM audit_events WHERE when_utc < \$1`).
		WillReturnResult(sqlmock.NewResult(0, 12))

	affected, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), affected)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The sweep records itself in the audit stream.
	assert.Equal(t, 1, q.Depth())
}

func TestSweepOnceRedact(t *testing.T) {
	db, mock := newMockDB(t)
	q := NewQueue(testEnricher(), QueueConfig{Capacity: 10})
	r := NewRetention(db, q, RetentionConfig{RetentionDays: 30, Mode: RetentionRedact})

	mock.ExpectExec(`UPDATE audit_events\s+SET details = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	affected, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepOnceLegalHoldsPassedToQuery(t *testing.T) {
	db, mock := newMockDB(t)
	q := NewQueue(testEnricher(), QueueConfig{Capacity: 10})
	r := NewRetention(db, q, RetentionConfig{
		RetentionDays: 30,
		LegalHolds:    []string{"acme", "globex"},
	})

	mock.ExpectExec(`DELETE FROM audit_events WHERE when_utc < \$1 AND tenant_id <> ALL\(\$2\)`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := r.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepOnceDatabaseFailure(t *testing.T) {
	db, mock := newMockDB(t)
	q := NewQueue(testEnricher(), QueueConfig{Capacity: 10})
	r := NewRetention(db, q, RetentionConfig{RetentionDays: 30})

	mock.ExpectExec(`DELETE FROM audit_events`).
		WillReturnError(assert.AnError)

	_, err := r.SweepOnce(context.Background())
	require.Error(t, err)
	// Failed sweeps do not emit a self-audit.
	assert.Equal(t, 0, q.Depth())
}

func TestRetentionConfigDefaults(t *testing.T) {
	db, _ := newMockDB(t)
	r := NewRetention(db, nil, RetentionConfig{})

	assert.Equal(t, 90, r.cfg.RetentionDays)
	assert.Equal(t, RetentionHardDelete, r.cfg.Mode)
	assert.Positive(t, r.cfg.Interval)
}
