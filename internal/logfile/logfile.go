// Package logfile encodes and decodes the session event log: a CSV-shaped
// text file with one header line followed by one record per line.
package logfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// Name is the log file name inside a session directory.
const Name = "cwnd_log.csv"

// Header is written once when a session is created.
const Header = "timestamp,pid,saddr,sport,daddr,dport,cwnd,connection_key"

// NumFields is the column count of Header.
const NumFields = 8

// HeaderLine is Header terminated by a newline, exactly as it appears on disk.
var HeaderLine = []byte(Header + "\n")

// endWindow is the first read size of ReadEnding. It doubles until a valid
// record turns up or the whole file has been scanned.
const endWindow = 64 << 10

// Encode renders rec as a single newline-terminated line.
func Encode(rec model.EventRecord) []byte {
	b := make([]byte, 0, 96)
	b = rec.Timestamp.UTC().AppendFormat(b, model.TimestampLayout)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(rec.PID), 10)
	b = append(b, ',')
	b = append(b, rec.SAddr...)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(rec.SPort), 10)
	b = append(b, ',')
	b = append(b, rec.DAddr...)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(rec.DPort), 10)
	b = append(b, ',')
	b = strconv.AppendUint(b, uint64(rec.Cwnd), 10)
	b = append(b, ',')
	b = append(b, rec.ConnectionKey...)
	return append(b, '\n')
}

// IsHeader reports whether line (without its newline) is the header.
func IsHeader(line string) bool {
	return strings.TrimRight(line, "\r") == Header
}

// Parse decodes one line, with or without its trailing newline. lineNo is
// only used to annotate errors. Every failure is a *model.ValidationError.
func Parse(line string, lineNo int) (model.EventRecord, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, ",")
	if len(fields) != NumFields {
		return model.EventRecord{}, &model.ValidationError{
			Field: "line", Value: line, Reason: "expected " + strconv.Itoa(NumFields) + " fields, got " + strconv.Itoa(len(fields)), Line: lineNo,
		}
	}

	ts, err := parseTime(fields[0])
	if err != nil {
		return model.EventRecord{}, invalid("timestamp", fields[0], "not an RFC 3339 time", lineNo)
	}
	pid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return model.EventRecord{}, invalid("pid", fields[1], "not a non-negative 32-bit integer", lineNo)
	}
	sport, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return model.EventRecord{}, invalid("sport", fields[3], "not a port in 0..65535", lineNo)
	}
	dport, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return model.EventRecord{}, invalid("dport", fields[5], "not a port in 0..65535", lineNo)
	}
	cwnd, err := strconv.ParseUint(fields[6], 10, 32)
	if err != nil {
		return model.EventRecord{}, invalid("cwnd", fields[6], "not a non-negative 32-bit integer", lineNo)
	}

	rec, err := model.NewEventRecord(ts, uint32(pid), fields[2], uint16(sport), fields[4], uint16(dport), uint32(cwnd))
	if err != nil {
		if verr, ok := err.(*model.ValidationError); ok {
			verr.Line = lineNo
		}
		return model.EventRecord{}, err
	}
	if rec.ConnectionKey != fields[7] {
		return model.EventRecord{}, invalid("connection_key", fields[7], "does not match "+rec.ConnectionKey, lineNo)
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(model.TimestampLayout, s)
	if err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func invalid(field, value, reason string, lineNo int) error {
	return &model.ValidationError{Field: field, Value: value, Reason: reason, Line: lineNo}
}

// SplitComplete returns the newline-terminated lines at the start of buf and
// the number of bytes they occupy. A trailing fragment without a newline is
// left unconsumed.
func SplitComplete(buf []byte) (lines []string, consumed int) {
	for {
		i := bytes.IndexByte(buf[consumed:], '\n')
		if i < 0 {
			return lines, consumed
		}
		lines = append(lines, string(buf[consumed:consumed+i]))
		consumed += i + 1
	}
}


// Ending describes how an existing log ends.
type Ending struct {
	// Last is the newest valid record. HasRecord is false when the log
	// holds none.
	Last      model.EventRecord
	HasRecord bool
	// Partial is set when the file does not end in a newline, which is what
	// a writer killed in the middle of an append leaves behind.
	Partial bool
}

// ReadEnding scans the log at path backwards for its newest valid record.
func ReadEnding(path string) (Ending, error) {
	var end Ending
	f, err := os.Open(path)
	if err != nil {
		return end, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return end, fmt.Errorf("failed to stat session log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return end, nil
	}

	for window := int64(endWindow); ; window *= 2 {
		start := max(size-window, 0)
		buf := make([]byte, size-start)
		if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return end, fmt.Errorf("failed to read session log: %w", err)
		}
		end.Partial = buf[len(buf)-1] != '\n'

		// Unless the window starts the file, its first line may be cut.
		lines, _ := SplitComplete(buf)
		first := 0
		if start > 0 {
			first = 1
		}
		for i := len(lines) - 1; i >= first; i-- {
			if IsHeader(lines[i]) {
				continue
			}
			if rec, err := Parse(lines[i], 0); err == nil {
				end.Last, end.HasRecord = rec, true
				return end, nil
			}
		}
		if start == 0 {
			return end, nil
		}
	}
}
