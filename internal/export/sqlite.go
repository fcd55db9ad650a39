// Package export writes session records into derived stores. Importing it
// registers the "sqlite" and "clickhouse" exporter types with the factory.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/factory"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/snapshot"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	factory.RegisterExporter("sqlite", func(def config.ExporterDef, logger *slog.Logger) (model.Exporter, error) {
		return NewSQLiteExporter(def.SQLite, logger), nil
	})
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cwnd_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL,
	timestamp      TEXT NOT NULL,
	pid            INTEGER NOT NULL,
	saddr          TEXT NOT NULL,
	sport          INTEGER NOT NULL,
	daddr          TEXT NOT NULL,
	dport          INTEGER NOT NULL,
	cwnd           INTEGER NOT NULL,
	connection_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cwnd_events_session ON cwnd_events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_cwnd_events_connection ON cwnd_events(connection_key);
CREATE INDEX IF NOT EXISTS idx_cwnd_events_pid ON cwnd_events(pid);`

// SQLiteExporter copies records into a SQLite database. By default every
// export creates a new export_<stamp>.db in the session directory.
type SQLiteExporter struct {
	path   string
	logger *slog.Logger
}

// NewSQLiteExporter creates a SQLite exporter. A non-empty cfg.Path makes
// every export append to that one database instead.
func NewSQLiteExporter(cfg config.SQLiteConfig, logger *slog.Logger) *SQLiteExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteExporter{path: cfg.Path, logger: logger.With("exporter", "sqlite")}
}

// Name implements model.Exporter.
func (e *SQLiteExporter) Name() string { return "sqlite" }

// Close implements model.Exporter. Databases are closed after each export.
func (e *SQLiteExporter) Close() error { return nil }

// Export implements model.Exporter.
func (e *SQLiteExporter) Export(ctx context.Context, target model.ExportTarget, records []model.EventRecord) (string, error) {
	path := e.path
	if path == "" {
		var err error
		path, err = snapshot.NewWriter(target.SessionDir).Reserve("export", "db", target.At)
		if err != nil {
			return "", err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return "", fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return "", fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return "", fmt.Errorf("failed to initialize schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO cwnd_events (session_id, timestamp, pid, saddr, sport, daddr, dport, cwnd, connection_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, target.SessionID, r.Timestamp.Format(model.TimestampLayout),
			r.PID, r.SAddr, r.SPort, r.DAddr, r.DPort, r.Cwnd, r.ConnectionKey); err != nil {
			return "", fmt.Errorf("failed to insert record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit export: %w", err)
	}

	e.logger.Info("exported records", "session", target.SessionID, "records", len(records), "path", path)
	return path, nil
}
