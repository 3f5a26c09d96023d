package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, principal *Principal) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	queue := NewQueue(testEnricher(), QueueConfig{Capacity: 10})
	query := NewQueryService(db)
	return NewHandler(query, NewExporter(query, queue), func(*http.Request) *Principal {
		return principal
	}), mock
}

func queryURL() string {
	start := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	end := time.Now().UTC().Format(time.RFC3339)
	return "/?startUtc=" + start + "&endUtc=" + end
}

func TestHandleQueryUnauthenticated(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest("GET", queryURL(), nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestHandleQueryNonAdminNeedsTenant(t *testing.T) {
	h, _ := newTestHandler(t, &Principal{Subject: "u1"})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest("GET", queryURL(), nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenantId")
}

func TestHandleQueryNonAdminWithTenantHeader(t *testing.T) {
	h, mock := newTestHandler(t, &Principal{Subject: "u1"})

	rows := sqlmock.NewRows(eventColumns())
	eventRow(rows, uuid.New(), time.Now().UTC())
	mock.ExpectQuery(`SELECT id, when_utc`).WillReturnRows(rows)

	req := httptest.NewRequest("GET", queryURL(), nil)
	req.Header.Set("X-Tansu-Tenant", "acme")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items"`)
}

func TestHandleQueryValidation(t *testing.T) {
	h, _ := newTestHandler(t, &Principal{Subject: "admin", Admin: true})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/?startUtc=nope&endUtc=alsono", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "startUtc")
}

func TestExportRequiresAdmin(t *testing.T) {
	h, _ := newTestHandler(t, &Principal{Subject: "u1"})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/export/csv"+queryURL()[1:], nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestExportCSVHeaders(t *testing.T) {
	h, mock := newTestHandler(t, &Principal{Subject: "admin", Admin: true})

	rows := sqlmock.NewRows(eventColumns())
	eventRow(rows, uuid.New(), time.Now().UTC())
	mock.ExpectQuery(`SELECT id, when_utc`).WillReturnRows(rows)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/export/csv"+queryURL()[1:]+"&limit=50", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", rec.Header().Get("X-Export-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-Export-Count"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
}
