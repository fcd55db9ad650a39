// Package replay feeds recorded raw tuples back into a capture.
//
// Two input formats are understood: JSON lines with the raw tuple fields
// (timestamp, pid, saddr, sport, daddr, dport, cwnd), and the seven-column
// CSV written by earlier capture tools
// (timestamp,pid,saddr,sport,daddr,dport,cwnd) whose timestamps carry no
// zone and are read as UTC.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// legacyLayout is the naive ISO timestamp of the seven-column CSV.
const legacyLayout = "2006-01-02T15:04:05.999999999"

// Options control a replay.
type Options struct {
	// Realtime reproduces the recorded gaps between tuples and leaves the
	// tuples unstamped, so the capture stamps them on arrival.
	Realtime bool
	// Speed divides the recorded gaps in realtime mode; <= 0 means 1.
	Speed float64
}

type jsonTuple struct {
	Timestamp string `json:"timestamp"`
	PID       int64  `json:"pid"`
	SAddr     string `json:"saddr"`
	SPort     int    `json:"sport"`
	DAddr     string `json:"daddr"`
	DPort     int    `json:"dport"`
	Cwnd      int64  `json:"cwnd"`
}

// Reader is a model.TupleSource over a recording.
type Reader struct {
	file    io.Closer
	scanner *bufio.Scanner
	opts    Options
	lineNo  int
	skipped int
	prev    time.Time
}

// Open opens a recording file.
func Open(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	r := NewReader(f, opts)
	r.file = f
	return r, nil
}

// NewReader reads a recording from in. The format is detected per line.
func NewReader(in io.Reader, opts Options) *Reader {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{scanner: sc, opts: opts}
}

// Next implements model.TupleSource. Lines that cannot be parsed are
// skipped and counted; range validation is left to the capture adapter.
func (r *Reader) Next(ctx context.Context) (model.RawTuple, error) {
	for r.scanner.Scan() {
		r.lineNo++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, "timestamp,") {
			continue
		}

		t, err := parseLine(line)
		if err != nil {
			r.skipped++
			continue
		}
		if err := r.pace(ctx, &t); err != nil {
			return model.RawTuple{}, err
		}
		return t, nil
	}
	if err := r.scanner.Err(); err != nil {
		return model.RawTuple{}, fmt.Errorf("failed to read replay line %d: %w", r.lineNo+1, err)
	}
	return model.RawTuple{}, io.EOF
}

// Skipped returns the number of unparsable lines seen so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Close implements model.TupleSource.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) pace(ctx context.Context, t *model.RawTuple) error {
	if !r.opts.Realtime {
		return nil
	}
	recorded := t.Timestamp
	t.Timestamp = time.Time{}
	if recorded.IsZero() {
		return nil
	}
	defer func() { r.prev = recorded }()
	if r.prev.IsZero() || !recorded.After(r.prev) {
		return nil
	}

	gap := time.Duration(float64(recorded.Sub(r.prev)) / r.opts.Speed)
	timer := time.NewTimer(gap)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseLine(line string) (model.RawTuple, error) {
	if strings.HasPrefix(line, "{") {
		var j jsonTuple
		if err := json.Unmarshal([]byte(line), &j); err != nil {
			return model.RawTuple{}, err
		}
		t := model.RawTuple{PID: j.PID, SAddr: j.SAddr, SPort: j.SPort, DAddr: j.DAddr, DPort: j.DPort, Cwnd: j.Cwnd}
		if j.Timestamp != "" {
			ts, err := parseTime(j.Timestamp)
			if err != nil {
				return model.RawTuple{}, err
			}
			t.Timestamp = ts
		}
		return t, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) < 7 {
		return model.RawTuple{}, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}
	ts, err := parseTime(fields[0])
	if err != nil {
		return model.RawTuple{}, err
	}
	nums := make([]int64, 0, 4)
	for _, i := range []int{1, 3, 5, 6} {
		n, err := strconv.ParseInt(strings.TrimSpace(fields[i]), 10, 64)
		if err != nil {
			return model.RawTuple{}, err
		}
		nums = append(nums, n)
	}
	return model.RawTuple{
		Timestamp: ts,
		PID:       nums[0],
		SAddr:     strings.TrimSpace(fields[2]),
		SPort:     int(nums[1]),
		DAddr:     strings.TrimSpace(fields[4]),
		DPort:     int(nums[2]),
		Cwnd:      nums[3],
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(legacyLayout, s, time.UTC)
}
