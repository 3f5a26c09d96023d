package schema

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	lastTenant string
	err        error
}

func (f *fakeProvisioner) Provision(ctx context.Context, tenantID string) (string, error) {
	f.lastTenant = tenantID
	if f.err != nil {
		return "", f.err
	}
	return "tansu_tenant_" + tenantID, nil
}

func TestProvisionEndpoint(t *testing.T) {
	prov := &fakeProvisioner{}
	h := NewHandler(prov, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/provisioning/tenants",
		strings.NewReader(`{"tenantId":"acme"}`))
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "acme", prov.lastTenant)
	assert.Contains(t, rec.Body.String(), `"database":"tansu_tenant_acme"`)
}

func TestProvisionEndpointRejectsBlankTenant(t *testing.T) {
	prov := &fakeProvisioner{}
	h := NewHandler(prov, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/provisioning/tenants",
		strings.NewReader(`{"tenantId":""}`))
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, prov.lastTenant)
}

func TestProvisionEndpointRejectsBadJSON(t *testing.T) {
	h := NewHandler(&fakeProvisioner{}, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/provisioning/tenants",
		strings.NewReader(`{`))
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProvisionEndpointFailure(t *testing.T) {
	prov := &fakeProvisioner{err: errors.New("create database failed")}
	h := NewHandler(prov, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/provisioning/tenants",
		strings.NewReader(`{"tenantId":"acme"}`))
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSchemaStatusEndpoint(t *testing.T) {
	// The handler closes the connector's handle per request, so each
	// subtest gets its own mock.
	newHandler := func(t *testing.T) (*Handler, sqlmock.Sqlmock) {
		db, mock := newMockDB(t)
		connect := func(ctx context.Context, name string) (*sqlx.DB, error) {
			return db, nil
		}
		return NewHandler(&fakeProvisioner{}, connect, nil), mock
	}

	t.Run("current version", func(t *testing.T) {
		h, mock := newHandler(t)
		mock.ExpectQuery(`SELECT version FROM "__SchemaVersion"`).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("7"))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/provisioning/tenants/acme/schema", nil)
		h.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"database":"tansu_tenant_acme"`)
		assert.Contains(t, rec.Body.String(), `"current":"7"`)
	})

	t.Run("expected comparison", func(t *testing.T) {
		h, mock := newHandler(t)
		mock.ExpectQuery(`SELECT version FROM "__SchemaVersion"`).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("5"))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/provisioning/tenants/acme/schema?expected=7", nil)
		h.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"matches":false`)
	})
}

func TestSchemaStatusEndpointUnknownDatabase(t *testing.T) {
	connect := func(ctx context.Context, name string) (*sqlx.DB, error) {
		return nil, errors.New("database does not exist")
	}
	h := NewHandler(&fakeProvisioner{}, connect, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/provisioning/tenants/ghost/schema", nil)
	h.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
