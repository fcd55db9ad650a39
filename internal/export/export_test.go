package export

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/factory"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords(t *testing.T) []model.EventRecord {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var out []model.EventRecord
	for i, cwnd := range []uint32{10, 12, 9} {
		r, err := model.NewEventRecord(base.Add(time.Duration(i)*time.Millisecond), 7, "10.0.0.1", 40000, "10.0.0.2", 443, cwnd)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestSQLiteExporter(t *testing.T) {
	dir := t.TempDir()
	e := NewSQLiteExporter(config.SQLiteConfig{}, nil)
	target := model.ExportTarget{SessionID: "session_20240301_120000", SessionDir: dir, At: time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)}

	path, err := e.Export(context.Background(), target, sampleRecords(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "export_20240302_080000.db"), path)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	var maxCwnd uint32
	require.NoError(t, db.QueryRow("SELECT COUNT(*), MAX(cwnd) FROM cwnd_events WHERE session_id = ?", target.SessionID).Scan(&count, &maxCwnd))
	assert.Equal(t, 3, count)
	assert.EqualValues(t, 12, maxCwnd)

	var key string
	require.NoError(t, db.QueryRow("SELECT connection_key FROM cwnd_events ORDER BY id LIMIT 1").Scan(&key))
	assert.Equal(t, "10.0.0.1:40000->10.0.0.2:443", key)

	second, err := e.Export(context.Background(), target, sampleRecords(t))
	require.NoError(t, err)
	assert.NotEqual(t, path, second, "a second export never reuses a file")
}

func TestClickHouseSettings(t *testing.T) {
	table, batch, err := clickhouseSettings(config.ClickHouseConfig{})
	require.NoError(t, err)
	assert.Equal(t, "cwnd_events", table)
	assert.Equal(t, defaultBatchSize, batch)

	_, _, err = clickhouseSettings(config.ClickHouseConfig{Table: "events; DROP TABLE x"})
	assert.Error(t, err)

	assert.True(t, strings.Contains(createTableStatement("cwnd_events"), "CREATE TABLE IF NOT EXISTS cwnd_events"))
}

func TestFactory_CreateSQLite(t *testing.T) {
	assert.True(t, factory.Registered("sqlite"))
	assert.True(t, factory.Registered("clickhouse"))

	cfg := config.Default()
	cfg.Exporters = []config.ExporterDef{
		{Type: "clickhouse", Enabled: false},
	}

	exporters, err := factory.Create(cfg, nil)
	require.NoError(t, err)
	assert.Empty(t, exporters, "disabled exporters are skipped")

	exporters, err = factory.Create(cfg, nil, "sqlite")
	require.NoError(t, err)
	require.Len(t, exporters, 1)
	assert.Equal(t, "sqlite", exporters[0].Name())

	_, err = factory.Create(cfg, nil, "parquet")
	assert.Error(t, err)
}
