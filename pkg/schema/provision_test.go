package schema

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoolAdmin struct {
	added []string
	err   error
}

func (f *fakePoolAdmin) AddPool(_ context.Context, database string) error {
	f.added = append(f.added, database)
	return f.err
}

func staticConnector(db *sqlx.DB, err error) Connector {
	return func(context.Context, string) (*sqlx.DB, error) { return db, err }
}

func noopMigrate(version string) MigrateFunc {
	return func(context.Context, *sql.DB) (string, error) { return version, nil }
}

func TestProvisionCreatesEverything(t *testing.T) {
	admin, adminMock := newMockDB(t)
	tenantDB, tenantMock := newMockDB(t)

	adminMock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	adminMock.ExpectExec(`CREATE DATABASE "tansu_tenant_acme"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "citus"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "vector"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "pg_trgm"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE TABLE IF NOT EXISTS "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE INDEX IF NOT EXISTS ix_schema_version_name_applied`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`INSERT INTO "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	tenantMock.ExpectClose()

	pools := &fakePoolAdmin{}
	p := NewProvisioner(admin, staticConnector(tenantDB, nil),
		WithMigrate(noopMigrate("3")), WithPoolAdmin(pools))

	name, err := p.Provision(context.Background(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, "tansu_tenant_acme", name)
	assert.Equal(t, []string{"tansu_tenant_acme"}, pools.added)
	assert.NoError(t, adminMock.ExpectationsWereMet())
	assert.NoError(t, tenantMock.ExpectationsWereMet())
}

func TestProvisionExistingDatabaseSkipsCreate(t *testing.T) {
	admin, adminMock := newMockDB(t)
	tenantDB, tenantMock := newMockDB(t)

	adminMock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "citus"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "vector"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "pg_trgm"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE TABLE IF NOT EXISTS "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE INDEX IF NOT EXISTS`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`INSERT INTO "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	tenantMock.ExpectClose()

	p := NewProvisioner(admin, staticConnector(tenantDB, nil), WithMigrate(noopMigrate("3")))

	_, err := p.Provision(context.Background(), "acme")
	require.NoError(t, err)
	assert.NoError(t, adminMock.ExpectationsWereMet())
}

func TestProvisionOptionalExtensionUnavailable(t *testing.T) {
	admin, adminMock := newMockDB(t)
	tenantDB, tenantMock := newMockDB(t)

	adminMock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "citus"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "vector"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "pg_trgm"`).
		WillReturnError(errors.New(`extension "pg_trgm" is not available`))
	tenantMock.ExpectExec(`CREATE TABLE IF NOT EXISTS "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`CREATE INDEX IF NOT EXISTS`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectExec(`INSERT INTO "__SchemaVersion"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	tenantMock.ExpectClose()

	p := NewProvisioner(admin, staticConnector(tenantDB, nil), WithMigrate(noopMigrate("3")))

	_, err := p.Provision(context.Background(), "acme")
	require.NoError(t, err)
}

func TestProvisionRequiredExtensionFailure(t *testing.T) {
	admin, adminMock := newMockDB(t)
	tenantDB, tenantMock := newMockDB(t)

	adminMock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	tenantMock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS "citus"`).
		WillReturnError(errors.New("no citus here"))
	tenantMock.ExpectClose()

	p := NewProvisioner(admin, staticConnector(tenantDB, nil), WithMigrate(noopMigrate("3")))

	_, err := p.Provision(context.Background(), "acme")
	assert.Error(t, err)
}

func TestProvisionInvalidTenant(t *testing.T) {
	admin, _ := newMockDB(t)
	p := NewProvisioner(admin, staticConnector(nil, errors.New("unused")))

	_, err := p.Provision(context.Background(), "   ")
	assert.Error(t, err)
}

func TestValidExtensionName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"citus", true},
		{"pg_trgm", true},
		{"vector", true},
		{"", false},
		{"pg-trgm", false},
		{`x"; DROP TABLE y`, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, validExtensionName(tt.name), tt.name)
	}
}
