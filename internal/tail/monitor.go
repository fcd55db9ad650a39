// Package tail follows a session log while a capture is still writing it.
//
// The monitor never coordinates with the writer. It remembers the byte
// offset just past the last complete line it has consumed and, on every
// poll, reads only what was appended after it. A trailing fragment without
// a newline is a record still being written and is left for the next poll.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/logfile"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Monitor.
type State string

const (
	StateIdle     State = "IDLE"
	StateWatching State = "WATCHING"
	StateStopped  State = "STOPPED"
	StateTimedOut State = "TIMED_OUT"
)

// maxChunk bounds a single read so a huge backlog is consumed over
// several polls.
const maxChunk = 4 << 20

// Subscriber receives each non-empty batch of new records in arrival order.
// It runs on the monitor goroutine.
type Subscriber func(batch []model.EventRecord)

// Options configure a Monitor.
type Options struct {
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Monitor is an offset-tracked incremental reader of one session log.
type Monitor struct {
	sessionID string
	path      string
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	warnings  *rate.Limiter

	mu    sync.Mutex
	state State

	pollMu sync.Mutex
	offset int64
	lineNo int
	chunk  int64
	// discarding is set while the rest of an oversized line is skipped.
	discarding bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewMonitor creates an IDLE monitor for sess.
func NewMonitor(sess *session.Session, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		sessionID: sess.ID,
		path:      sess.LogPath(),
		interval:  interval,
		logger:    logger.With("component", "tail", "session", sess.ID),
		metrics:   opts.Metrics,
		warnings:  rate.NewLimiter(rate.Every(time.Second), 5),
		chunk:     maxChunk,
		state:     StateIdle,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins watching in a new goroutine. The monitor ends in
// TIMED_OUT once duration elapses (zero means no limit) and in STOPPED
// when Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context, duration time.Duration, sub Subscriber) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("monitor for session %s already %s", m.sessionID, m.state)
	}
	m.state = StateWatching
	m.mu.Unlock()

	go m.run(ctx, duration, sub)
	return nil
}

// Stop ends watching. It may be called any number of times, from any
// goroutine, and never waits on the writer.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		m.state = StateStopped
		m.doneOnce.Do(func() { close(m.done) })
	}
}

// Wait blocks until the monitor has finished and returns its final state.
func (m *Monitor) Wait() State {
	<-m.done
	return m.State()
}

// Done is closed when the monitor has finished.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Offset returns the byte offset just past the last consumed line.
func (m *Monitor) Offset() int64 {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.offset
}

func (m *Monitor) run(ctx context.Context, duration time.Duration, sub Subscriber) {
	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("live tail started", "poll_interval", m.interval, "duration", duration)
	m.tick(sub)

	for {
		select {
		case <-ticker.C:
			m.tick(sub)
		case <-timeout:
			m.finish(StateTimedOut)
			return
		case <-m.stop:
			m.finish(StateStopped)
			return
		case <-ctx.Done():
			m.finish(StateStopped)
			return
		}
	}
}

func (m *Monitor) tick(sub Subscriber) {
	batch, err := m.Poll()
	if err != nil {
		if m.warnings.Allow() {
			m.logger.Warn("live tail poll failed", "error", err)
		}
		return
	}
	if len(batch) > 0 && sub != nil {
		sub(batch)
	}
}

func (m *Monitor) finish(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.doneOnce.Do(func() { close(m.done) })
	m.logger.Info("live tail finished", "state", s, "offset", m.Offset())
}

// Poll performs one incremental read and returns the records that became
// complete since the previous call. Invalid lines are skipped with a
// warning; the header is skipped silently.
func (m *Monitor) Poll() ([]model.EventRecord, error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat session log: %w", err)
	}
	size := info.Size()

	if size < m.offset {
		m.logger.Warn("session log shrank, restarting from the beginning", "offset", m.offset, "size", size)
		m.offset, m.lineNo, m.discarding = 0, 0, false
	}
	if size == m.offset {
		m.metrics.TailPoll(0)
		return nil, nil
	}

	n := min(size-m.offset, m.chunk)
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, m.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	data := buf[:read]

	if m.discarding {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			m.offset += int64(read)
			m.metrics.TailPoll(0)
			return nil, nil
		}
		m.offset += int64(i + 1)
		data = data[i+1:]
		m.discarding = false
	}

	lines, consumed := logfile.SplitComplete(data)
	if consumed == 0 && int64(len(data)) == m.chunk {
		// No record is this long: drop the line instead of waiting on it.
		m.lineNo++
		m.discarding = true
		m.offset += int64(len(data))
		m.metrics.LineSkipped("tail")
		if m.warnings.Allow() {
			m.logger.Warn("skipping oversized line", "line", m.lineNo, "bytes_at_least", len(data))
		}
		m.metrics.TailPoll(0)
		return nil, nil
	}
	var batch []model.EventRecord
	for _, line := range lines {
		m.lineNo++
		if m.lineNo == 1 && logfile.IsHeader(line) {
			continue
		}
		rec, err := logfile.Parse(line, m.lineNo)
		if err != nil {
			m.metrics.LineSkipped("tail")
			if m.warnings.Allow() {
				m.logger.Warn("skipping invalid line", "error", err)
			}
			continue
		}
		batch = append(batch, rec)
	}
	m.offset += int64(consumed)
	m.metrics.TailPoll(len(batch))
	return batch, nil
}
