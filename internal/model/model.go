package model

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// TimestampLayout is the on-disk timestamp format: RFC 3339, UTC, microseconds.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// TimestampPrecision is the resolution every record timestamp is truncated to.
const TimestampPrecision = time.Microsecond

// RawTuple is a single sample as handed over by a probe, before validation.
// Field types are deliberately wider than the record's so that out-of-range
// values coming off the wire can be detected and rejected.
type RawTuple struct {
	// Timestamp is the probe's observation time. The zero value means the
	// receiver should stamp the sample on arrival.
	Timestamp time.Time
	PID       int64
	SAddr     string
	SPort     int
	DAddr     string
	DPort     int
	Cwnd      int64
}

// EventRecord is one validated cwnd observation. Records are immutable once
// built; use NewEventRecord or RawTuple.Record so ConnectionKey is consistent.
type EventRecord struct {
	Timestamp time.Time `json:"timestamp"`
	PID       uint32    `json:"pid"`
	SAddr     string    `json:"saddr"`
	SPort     uint16    `json:"sport"`
	DAddr     string    `json:"daddr"`
	DPort     uint16    `json:"dport"`
	Cwnd      uint32    `json:"cwnd"`

	// ConnectionKey is "saddr:sport->daddr:dport", e.g. "10.0.0.1:443->10.0.0.2:51000".
	ConnectionKey string `json:"connection_key"`
}

// ConnectionKey formats the grouping key for a TCP 4-tuple.
func ConnectionKey(saddr string, sport uint16, daddr string, dport uint16) string {
	return fmt.Sprintf("%s:%d->%s:%d", saddr, sport, daddr, dport)
}

// NewEventRecord builds a record from already-typed fields. Addresses are
// stored in their canonical textual form and the timestamp is normalised to
// UTC microseconds.
func NewEventRecord(ts time.Time, pid uint32, saddr string, sport uint16, daddr string, dport uint16, cwnd uint32) (EventRecord, error) {
	src, err := parseAddr("saddr", saddr)
	if err != nil {
		return EventRecord{}, err
	}
	dst, err := parseAddr("daddr", daddr)
	if err != nil {
		return EventRecord{}, err
	}
	if ts.IsZero() {
		return EventRecord{}, &ValidationError{Field: "timestamp", Value: "", Reason: "missing"}
	}

	return EventRecord{
		Timestamp:     NormalizeTime(ts),
		PID:           pid,
		SAddr:         src,
		SPort:         sport,
		DAddr:         dst,
		DPort:         dport,
		Cwnd:          cwnd,
		ConnectionKey: ConnectionKey(src, sport, dst, dport),
	}, nil
}

// Record validates the tuple and converts it into an EventRecord stamped with ts.
// The tuple's own Timestamp is ignored; callers decide which clock wins.
func (t RawTuple) Record(ts time.Time) (EventRecord, error) {
	if t.PID < 0 || t.PID > int64(^uint32(0)) {
		return EventRecord{}, &ValidationError{Field: "pid", Value: strconv.FormatInt(t.PID, 10), Reason: "out of range"}
	}
	if t.SPort < 0 || t.SPort > 65535 {
		return EventRecord{}, &ValidationError{Field: "sport", Value: strconv.Itoa(t.SPort), Reason: "out of range"}
	}
	if t.DPort < 0 || t.DPort > 65535 {
		return EventRecord{}, &ValidationError{Field: "dport", Value: strconv.Itoa(t.DPort), Reason: "out of range"}
	}
	if t.Cwnd < 0 || t.Cwnd > int64(^uint32(0)) {
		return EventRecord{}, &ValidationError{Field: "cwnd", Value: strconv.FormatInt(t.Cwnd, 10), Reason: "out of range"}
	}
	return NewEventRecord(ts, uint32(t.PID), t.SAddr, uint16(t.SPort), t.DAddr, uint16(t.DPort), uint32(t.Cwnd))
}

// Tuple converts the record back into its raw form.
func (r EventRecord) Tuple() RawTuple {
	return RawTuple{
		Timestamp: r.Timestamp,
		PID:       int64(r.PID),
		SAddr:     r.SAddr,
		SPort:     int(r.SPort),
		DAddr:     r.DAddr,
		DPort:     int(r.DPort),
		Cwnd:      int64(r.Cwnd),
	}
}

// Fields returns the record as a flat field map, keyed by log column name.
func (r EventRecord) Fields() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":      r.Timestamp.Format(TimestampLayout),
		"pid":            r.PID,
		"saddr":          r.SAddr,
		"sport":          r.SPort,
		"daddr":          r.DAddr,
		"dport":          r.DPort,
		"cwnd":           r.Cwnd,
		"connection_key": r.ConnectionKey,
	}
}

// NormalizeTime converts t to UTC at microsecond precision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

func parseAddr(field, s string) (string, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", &ValidationError{Field: field, Value: s, Reason: "not an IP address"}
	}
	return addr.String(), nil
}
