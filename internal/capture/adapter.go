// Package capture turns a stream of raw probe tuples into a session log.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/logfile"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"golang.org/x/time/rate"
)

// StopReason records why a capture run ended.
type StopReason string

const (
	StopCancelled StopReason = "cancelled"
	StopTimeout   StopReason = "timeout"
	StopExhausted StopReason = "exhausted"
	StopFailed    StopReason = "failed"
)

// Mirror receives every accepted record, e.g. to republish it on a bus.
// Mirror failures are logged and never stop the capture.
type Mirror interface {
	Publish(t model.RawTuple) error
}

// Options configure an Adapter.
type Options struct {
	// Fsync forces every appended line to stable storage before the next
	// tuple is read.
	Fsync bool
	// Duration bounds the run; zero means run until cancelled or exhausted.
	Duration time.Duration
	// ProgressInterval controls periodic progress logging; zero disables it.
	ProgressInterval time.Duration

	Mirror  Mirror
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Result summarises a finished capture run.
type Result struct {
	SessionID       string            `json:"session_id"`
	Written         uint64            `json:"written"`
	Dropped         uint64            `json:"dropped"`
	DroppedByField  map[string]uint64 `json:"dropped_by_field,omitempty"`
	Lost            uint64            `json:"lost"`
	State           session.State     `json:"state"`
	Reason          StopReason        `json:"reason"`
	FirstRecordTime time.Time         `json:"first_record_time,omitempty"`
	LastRecordTime  time.Time         `json:"last_record_time,omitempty"`
}

// Adapter is the single writer of a session log.
type Adapter struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	// warnings throttles per-tuple drop logs so a flood of bad input cannot
	// flood the log as well.
	warnings *rate.Limiter

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewAdapter creates a capture adapter.
func NewAdapter(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		opts:     opts,
		logger:   logger.With("component", "capture"),
		now:      time.Now,
		warnings: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Run appends every valid tuple from src to the session held by lease until
// ctx is cancelled, the configured duration elapses or src is exhausted.
// On every exit path the log is closed and the lease released; the returned
// Result carries the session's final state. Per-tuple validation failures
// are counted, never returned. A non-nil error means the run stopped on a
// structural failure (the log could not be written, the source broke).
//
// Run may also append to a claimed session that already holds records.
// Timestamps are then clamped to the newest existing record, and the
// session counts as COMPLETED even if this run writes nothing.
func (a *Adapter) Run(ctx context.Context, sess *session.Session, lease *session.Lease, src model.TupleSource) (*Result, error) {
	defer lease.Release()

	out, err := lease.OpenLog()
	if err != nil {
		return nil, err
	}

	// A claimed session may already hold records; new ones must not sort
	// before them.
	end, err := logfile.ReadEnding(sess.LogPath())
	if err != nil {
		out.Close()
		return nil, err
	}
	if end.Partial {
		if _, err := out.Write([]byte{'\n'}); err != nil {
			out.Close()
			return nil, fmt.Errorf("failed to terminate torn line: %w", err)
		}
		a.logger.Warn("session log ended in a torn line", "session", sess.ID)
	}
	if end.HasRecord {
		a.logger.Info("appending to existing records", "session", sess.ID, "last_record_time", end.Last.Timestamp)
	}

	if a.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Duration)
		defer cancel()
	}

	a.written.Store(0)
	a.dropped.Store(0)
	res := &Result{SessionID: sess.ID, DroppedByField: make(map[string]uint64)}

	a.opts.Metrics.CaptureActive(true)
	defer a.opts.Metrics.CaptureActive(false)

	done := make(chan struct{})
	var progressWg sync.WaitGroup
	if a.opts.ProgressInterval > 0 {
		progressWg.Add(1)
		go a.runProgress(sess.ID, done, &progressWg)
	}

	a.logger.Info("capture started", "session", sess.ID, "fsync", a.opts.Fsync, "duration", a.opts.Duration)

	runErr := a.loop(ctx, out, src, res, end.Last.Timestamp)

	close(done)
	progressWg.Wait()

	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close session log: %w", err)
		res.Reason = StopFailed
	}
	if lr, ok := src.(model.LossReporter); ok {
		res.Lost = lr.Lost()
	}

	res.Written = a.written.Load()
	res.Dropped = a.dropped.Load()
	res.State = session.StateEmpty
	if res.Written > 0 || end.HasRecord {
		res.State = session.StateCompleted
	}

	a.logger.Info("capture finished",
		"session", sess.ID, "reason", res.Reason, "state", res.State,
		"written", res.Written, "dropped", res.Dropped, "lost", res.Lost)
	return res, runErr
}

func (a *Adapter) loop(ctx context.Context, out io.Writer, src model.TupleSource, res *Result, last time.Time) error {
	for {
		tuple, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				res.Reason = StopExhausted
				return nil
			case errors.Is(err, context.DeadlineExceeded) && a.opts.Duration > 0:
				res.Reason = StopTimeout
				return nil
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				res.Reason = StopCancelled
				return nil
			default:
				res.Reason = StopFailed
				return fmt.Errorf("tuple source failed: %w", err)
			}
		}

		ts := tuple.Timestamp
		if ts.IsZero() {
			ts = a.now()
		}
		ts = model.NormalizeTime(ts)
		if ts.Before(last) {
			ts = last
		}

		rec, err := tuple.Record(ts)
		if err != nil {
			a.drop(tuple, err, res)
			continue
		}

		if err := a.append(out, rec); err != nil {
			res.Reason = StopFailed
			return err
		}
		last = rec.Timestamp
		if res.FirstRecordTime.IsZero() {
			res.FirstRecordTime = rec.Timestamp
		}
		res.LastRecordTime = rec.Timestamp

		if a.opts.Mirror != nil {
			if err := a.opts.Mirror.Publish(rec.Tuple()); err != nil && a.warnings.Allow() {
				a.logger.Warn("failed to mirror record", "error", err)
			}
		}
	}
}

// append writes one record as a single write call, optionally followed by
// fsync, so a crash can only ever lose whole lines.
func (a *Adapter) append(out io.Writer, rec model.EventRecord) error {
	line := logfile.Encode(rec)
	n, err := out.Write(line)
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("failed to append record: short write (%d of %d bytes)", n, len(line))
	}
	if a.opts.Fsync {
		if s, ok := out.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				return fmt.Errorf("failed to sync session log: %w", err)
			}
		}
	}
	a.written.Add(1)
	a.opts.Metrics.RecordWritten()
	return nil
}

func (a *Adapter) drop(t model.RawTuple, err error, res *Result) {
	a.dropped.Add(1)
	field := "unknown"
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		field = verr.Field
	}
	res.DroppedByField[field]++
	a.opts.Metrics.TupleDropped(field)
	if a.warnings.Allow() {
		a.logger.Warn("dropped malformed tuple", "error", err, "pid", t.PID, "saddr", t.SAddr, "daddr", t.DAddr)
	}
}

// runProgress logs throughput until done is closed.
func (a *Adapter) runProgress(id string, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(a.opts.ProgressInterval)
	defer ticker.Stop()

	var prev uint64
	for {
		select {
		case <-ticker.C:
			cur := a.written.Load()
			a.logger.Info("capture progress",
				"session", id, "written", cur, "dropped", a.dropped.Load(),
				"rate_per_sec", float64(cur-prev)/a.opts.ProgressInterval.Seconds())
			prev = cur
		case <-done:
			return
		}
	}
}
