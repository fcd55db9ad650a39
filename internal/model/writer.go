package model

import (
	"context"
	"time"
)

// ExportTarget identifies the session and analysis run an export belongs to.
type ExportTarget struct {
	SessionID  string
	SessionDir string
	At         time.Time
}

// Exporter writes a session's records into a derived store. Exports are
// copies; the session log stays the source of truth.
type Exporter interface {
	// Export persists records and returns where they went (a file path or
	// a table name).
	Export(ctx context.Context, target ExportTarget, records []EventRecord) (string, error)

	// Name returns the exporter type as registered in the factory.
	Name() string

	Close() error
}
