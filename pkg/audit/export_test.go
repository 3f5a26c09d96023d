package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampExportLimit(t *testing.T) {
	assert.Equal(t, MaxExportLimit, ClampExportLimit(0))
	assert.Equal(t, MaxExportLimit, ClampExportLimit(-1))
	assert.Equal(t, 500, ClampExportLimit(500))
	assert.Equal(t, MaxExportLimit, ClampExportLimit(50000))
}

func TestExportCSVColumnsAndQuoting(t *testing.T) {
	db, mock := newMockDB(t)
	queue := NewQueue(testEnricher(), QueueConfig{Capacity: 10})
	exporter := NewExporter(NewQueryService(db), queue)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(eventColumns())
	id := uuid.New()
	rows.AddRow(id, now, "db", "Production", "1", "acme", `user "quoted"`,
		"Read", "Data", "/db/api", "c1", "", "",
		"", "", "Success", "", []byte(`{"k":"v"}`),
		"", "", "", "key-1")

	mock.ExpectQuery(`SELECT id, when_utc`).WillReturnRows(rows)

	var buf bytes.Buffer
	count, err := exporter.ExportCSV(context.Background(), &buf, Filter{
		StartUTC: now.Add(-time.Hour),
		EndUTC:   now.Add(time.Hour),
	}, 100, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, exportColumns, records[0])
	// RFC 4180 quoting survives a round trip.
	assert.Equal(t, `user "quoted"`, records[1][2])
	assert.Equal(t, `{"k":"v"}`, records[1][18])

	// The export audited itself.
	assert.Equal(t, 1, queue.Depth())
}

func TestExportJSON(t *testing.T) {
	db, mock := newMockDB(t)
	queue := NewQueue(testEnricher(), QueueConfig{Capacity: 10})
	exporter := NewExporter(NewQueryService(db), queue)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(eventColumns())
	eventRow(rows, uuid.New(), now)
	mock.ExpectQuery(`SELECT id, when_utc`).WillReturnRows(rows)

	var buf bytes.Buffer
	count, err := exporter.ExportJSON(context.Background(), &buf, Filter{
		StartUTC: now.Add(-time.Hour),
		EndUTC:   now.Add(time.Hour),
	}, 100, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Contains(t, buf.String(), `"tenantId":"acme"`)
}
