package schema

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tansucloud/tansucloud/pkg/audit"
	"github.com/tansucloud/tansucloud/pkg/config"
)

func testQueue() *audit.Queue {
	return audit.NewQueue(&audit.Enricher{Service: "db"}, audit.QueueConfig{Capacity: 10})
}

func TestReconcilerSkipped(t *testing.T) {
	admin, mock := newMockDB(t)
	r := NewExtensionReconciler(admin, staticConnector(nil, errors.New("unused")),
		&config.Config{SkipExtensionUpdate: true}, nil)

	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileAuditsVersionChange(t *testing.T) {
	admin, adminMock := newMockDB(t)
	tenantDB, tenantMock := newMockDB(t)

	adminMock.ExpectQuery(`SELECT datname FROM pg_database`).
		WillReturnRows(sqlmock.NewRows([]string{"datname"}).AddRow("tansu_tenant_acme"))

	// citus upgrades 12.0 -> 12.1; the other extensions are not installed.
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnRows(sqlmock.NewRows([]string{"extversion"}).AddRow("12.0"))
	tenantMock.ExpectExec(`ALTER EXTENSION "citus" UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnRows(sqlmock.NewRows([]string{"extversion"}).AddRow("12.1"))
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnError(sql.ErrNoRows)
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnError(sql.ErrNoRows)
	tenantMock.ExpectClose()

	queue := testQueue()
	r := NewExtensionReconciler(admin, staticConnector(tenantDB, nil),
		&config.Config{Environment: config.EnvProduction}, queue)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, queue.Depth())
	assert.NoError(t, tenantMock.ExpectationsWereMet())
}

func TestReconcileUnchangedVersionNotAudited(t *testing.T) {
	admin, adminMock := newMockDB(t)
	tenantDB, tenantMock := newMockDB(t)

	adminMock.ExpectQuery(`SELECT datname FROM pg_database`).
		WillReturnRows(sqlmock.NewRows([]string{"datname"}).AddRow("tansu_tenant_acme"))

	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnRows(sqlmock.NewRows([]string{"extversion"}).AddRow("12.1"))
	tenantMock.ExpectExec(`ALTER EXTENSION "citus" UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnRows(sqlmock.NewRows([]string{"extversion"}).AddRow("12.1"))
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnError(sql.ErrNoRows)
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnError(sql.ErrNoRows)
	tenantMock.ExpectClose()

	queue := testQueue()
	r := NewExtensionReconciler(admin, staticConnector(tenantDB, nil),
		&config.Config{Environment: config.EnvProduction}, queue)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 0, queue.Depth())
}

func TestReconcileFailureByEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		env     config.Environment
		wantErr bool
	}{
		{"development tolerates", config.EnvDevelopment, false},
		{"production fails", config.EnvProduction, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin, adminMock := newMockDB(t)
			adminMock.ExpectQuery(`SELECT datname FROM pg_database`).
				WillReturnRows(sqlmock.NewRows([]string{"datname"}).AddRow("tansu_tenant_acme"))

			r := NewExtensionReconciler(admin, staticConnector(nil, errors.New("connect refused")),
				&config.Config{Environment: tt.env}, nil)

			err := r.Run(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtensionVersions(t *testing.T) {
	admin, adminMock := newMockDB(t)
	tenantDB, tenantMock := newMockDB(t)

	adminMock.ExpectQuery(`SELECT datname FROM pg_database`).
		WillReturnRows(sqlmock.NewRows([]string{"datname"}).AddRow("tansu_tenant_acme"))

	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnRows(sqlmock.NewRows([]string{"extversion"}).AddRow("12.1"))
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnRows(sqlmock.NewRows([]string{"extversion"}).AddRow("0.7.0"))
	tenantMock.ExpectQuery(`SELECT extversion FROM pg_extension`).
		WillReturnError(sql.ErrNoRows)
	tenantMock.ExpectClose()

	r := NewExtensionReconciler(admin, staticConnector(tenantDB, nil),
		&config.Config{Environment: config.EnvProduction}, nil)

	versions, err := r.ExtensionVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{
		"tansu_tenant_acme": {"citus": "12.1", "vector": "0.7.0"},
	}, versions)
}
