// Package loader reads a session log into memory.
package loader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/logfile"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"golang.org/x/time/rate"
)

// Info describes the outcome of a load.
type Info struct {
	SessionID   string    `json:"session_id"`
	Records     int       `json:"records"`
	Skipped     int       `json:"skipped"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
	Connections int       `json:"connections"`
	PIDs        int       `json:"pids"`
}

// Loader reads session logs, skipping lines that fail validation.
type Loader struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	warnings *rate.Limiter
}

// New creates a Loader. Both arguments may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:   logger.With("component", "loader"),
		metrics:  m,
		warnings: rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// Load returns every valid record of the session in file order. It fails
// with *model.NotFoundError when the log is missing and with
// *model.EmptySessionError when no line is valid.
func (l *Loader) Load(sess *session.Session) ([]model.EventRecord, error) {
	records, _, err := l.LoadWithInfo(sess, 0)
	return records, err
}

// LoadTail is Load restricted to the last n valid records. n <= 0 means all.
func (l *Loader) LoadTail(sess *session.Session, n int) ([]model.EventRecord, error) {
	records, _, err := l.LoadWithInfo(sess, n)
	return records, err
}

// LoadWithInfo is LoadTail that also reports load statistics.
func (l *Loader) LoadWithInfo(sess *session.Session, tail int) ([]model.EventRecord, Info, error) {
	info := Info{SessionID: sess.ID}

	f, err := os.Open(sess.LogPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, info, &model.NotFoundError{Ref: sess.ID}
		}
		return nil, info, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	records, skipped, err := l.read(f)
	if err != nil {
		return nil, info, err
	}
	info.Skipped = skipped

	if len(records) == 0 {
		return nil, info, &model.EmptySessionError{SessionID: sess.ID, Skipped: skipped}
	}
	if tail > 0 && len(records) > tail {
		records = records[len(records)-tail:]
	}

	conns := make(map[string]struct{})
	pids := make(map[uint32]struct{})
	for _, r := range records {
		conns[r.ConnectionKey] = struct{}{}
		pids[r.PID] = struct{}{}
	}
	info.Records = len(records)
	info.First = records[0].Timestamp
	info.Last = records[len(records)-1].Timestamp
	info.Connections = len(conns)
	info.PIDs = len(pids)

	if skipped > 0 {
		l.logger.Warn("skipped invalid log lines", "session", sess.ID, "skipped", skipped, "loaded", len(records))
	}
	return records, info, nil
}

func (l *Loader) read(r io.Reader) ([]model.EventRecord, int, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		records []model.EventRecord
		skipped int
		lineNo  int
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("failed to read session log: %w", err)
		}
		atEOF := err != nil
		if line == "" && atEOF {
			return records, skipped, nil
		}
		lineNo++

		switch {
		case lineNo == 1 && logfile.IsHeader(strings.TrimSuffix(line, "\n")):
		case atEOF:
			// A last line without a newline is a record still being
			// written, or one cut short by a crash.
			skipped++
			l.skip(&model.ValidationError{Field: "line", Value: line, Reason: "truncated", Line: lineNo})
		default:
			rec, perr := logfile.Parse(line, lineNo)
			if perr != nil {
				skipped++
				l.skip(perr)
				break
			}
			records = append(records, rec)
		}

		if atEOF {
			return records, skipped, nil
		}
	}
}

func (l *Loader) skip(err error) {
	l.metrics.LineSkipped("loader")
	if l.warnings.Allow() {
		l.logger.Warn("skipping invalid line", "error", err)
	}
}

