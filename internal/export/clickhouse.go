package export

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/factory"
	"github.com/LordPrinz/dzajtcper/internal/model"
)

func init() {
	factory.RegisterExporter("clickhouse", func(def config.ExporterDef, logger *slog.Logger) (model.Exporter, error) {
		return NewClickHouseExporter(context.Background(), def.ClickHouse, logger)
	})
}

const (
	defaultTable     = "cwnd_events"
	defaultBatchSize = 10000
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func createTableStatement(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    ExportedAt    DateTime,
    SessionID     String,
    Timestamp     DateTime64(6, 'UTC'),
    PID           UInt32,
    SrcIP         String,
    SrcPort       UInt16,
    DstIP         String,
    DstPort       UInt16,
    Cwnd          UInt32,
    ConnectionKey String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SessionID, ConnectionKey, Timestamp);
`, table)
}

// ClickHouseExporter batch-inserts records into a MergeTree table.
type ClickHouseExporter struct {
	conn      driver.Conn
	table     string
	batchSize int
	logger    *slog.Logger
}

// NewClickHouseExporter connects, pings, and ensures the table exists.
func NewClickHouseExporter(ctx context.Context, cfg config.ClickHouseConfig, logger *slog.Logger) (*ClickHouseExporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	table, batchSize, err := clickhouseSettings(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableStatement(table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info("connected to clickhouse", "host", cfg.Host, "table", table)

	return &ClickHouseExporter{conn: conn, table: table, batchSize: batchSize, logger: logger.With("exporter", "clickhouse")}, nil
}

func clickhouseSettings(cfg config.ClickHouseConfig) (string, int, error) {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !identifier.MatchString(table) {
		return "", 0, fmt.Errorf("invalid clickhouse table name '%s'", table)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return table, batchSize, nil
}

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Name implements model.Exporter.
func (e *ClickHouseExporter) Name() string { return "clickhouse" }

// Close implements model.Exporter.
func (e *ClickHouseExporter) Close() error { return e.conn.Close() }

// Export implements model.Exporter.
func (e *ClickHouseExporter) Export(ctx context.Context, target model.ExportTarget, records []model.EventRecord) (string, error) {
	exportedAt := target.At
	if exportedAt.IsZero() {
		exportedAt = time.Now()
	}

	for start := 0; start < len(records); start += e.batchSize {
		end := min(start+e.batchSize, len(records))

		batch, err := e.conn.PrepareBatch(ctx, "INSERT INTO "+e.table)
		if err != nil {
			return "", fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, r := range records[start:end] {
			if err := batch.Append(
				exportedAt.UTC(),
				target.SessionID,
				r.Timestamp,
				r.PID,
				r.SAddr,
				r.SPort,
				r.DAddr,
				r.DPort,
				r.Cwnd,
				r.ConnectionKey,
			); err != nil {
				batch.Abort()
				return "", fmt.Errorf("failed to append record to batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			return "", fmt.Errorf("failed to send batch: %w", err)
		}
	}

	e.logger.Info("exported records", "session", target.SessionID, "records", len(records), "table", e.table)
	return e.table, nil
}
