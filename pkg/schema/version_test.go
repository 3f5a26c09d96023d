package schema

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func TestEnsureSchemaVersionTable(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS ix_schema_version_name_applied`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchemaVersionTable(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSchemaVersion(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`INSERT INTO "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := RecordSchemaVersion(context.Background(), db, "tansu_tenant_acme", "3",
		"tenant provisioning", map[string]string{"tenantId": "acme"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentVersion(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT version FROM "__SchemaVersion"`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("7"))

	v, err := CurrentVersion(context.Background(), db, "tansu_tenant_acme")
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}

func TestCurrentVersionMissing(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT version FROM "__SchemaVersion"`).
		WillReturnError(sql.ErrNoRows)

	v, err := CurrentVersion(context.Background(), db, "tansu_tenant_acme")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		recorded string
		expected string
		exists   bool
		matches  bool
	}{
		{"matches", "7", "7", true, true},
		{"behind", "5", "7", true, false},
		{"unprovisioned", "", "7", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			if tt.recorded == "" {
				mock.ExpectQuery(`SELECT version FROM "__SchemaVersion"`).
					WillReturnError(sql.ErrNoRows)
			} else {
				mock.ExpectQuery(`SELECT version FROM "__SchemaVersion"`).
					WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(tt.recorded))
			}

			exists, matches, current, err := Validate(context.Background(), db, "tansu_tenant_acme", tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.exists, exists)
			assert.Equal(t, tt.matches, matches)
			assert.Equal(t, tt.recorded, current)
		})
	}
}
