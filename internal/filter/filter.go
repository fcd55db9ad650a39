// Package filter selects event records. Predicates are immutable values;
// combining them is always a logical AND, so the order in which they are
// given never changes the result.
package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// Predicate is a condition over a single record.
type Predicate interface {
	Match(r model.EventRecord) bool
	String() string
}

// Apply returns the records matching every predicate, in input order.
// With no predicates the input slice itself is returned.
func Apply(records []model.EventRecord, preds ...Predicate) []model.EventRecord {
	if len(preds) == 0 {
		return records
	}
	all := And(preds...)
	out := make([]model.EventRecord, 0, len(records))
	for _, r := range records {
		if all.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

type and []Predicate

// And combines predicates. Nested combinations are flattened; And() matches
// every record.
func And(preds ...Predicate) Predicate {
	var flat and
	for _, p := range preds {
		if p == nil {
			continue
		}
		if inner, ok := p.(and); ok {
			flat = append(flat, inner...)
			continue
		}
		flat = append(flat, p)
	}
	return flat
}

func (a and) Match(r model.EventRecord) bool {
	for _, p := range a {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

func (a and) String() string {
	if len(a) == 0 {
		return "all"
	}
	parts := make([]string, len(a))
	for i, p := range a {
		parts[i] = p.String()
	}
	return strings.Join(parts, " AND ")
}

type pidEq uint32

// ByPID matches records of one process.
func ByPID(pid uint32) Predicate { return pidEq(pid) }

func (p pidEq) Match(r model.EventRecord) bool { return r.PID == uint32(p) }
func (p pidEq) String() string                 { return fmt.Sprintf("pid=%d", uint32(p)) }

type portEq struct {
	dest bool
	port uint16
}

// BySourcePort matches records whose source port equals port.
func BySourcePort(port uint16) Predicate { return portEq{port: port} }

// ByDestPort matches records whose destination port equals port.
func ByDestPort(port uint16) Predicate { return portEq{dest: true, port: port} }

func (p portEq) Match(r model.EventRecord) bool {
	if p.dest {
		return r.DPort == p.port
	}
	return r.SPort == p.port
}

func (p portEq) String() string {
	if p.dest {
		return fmt.Sprintf("dport=%d", p.port)
	}
	return fmt.Sprintf("sport=%d", p.port)
}

type field int

const (
	fieldSAddr field = iota
	fieldDAddr
	fieldConnection
)

func (f field) name() string {
	switch f {
	case fieldSAddr:
		return "saddr"
	case fieldDAddr:
		return "daddr"
	default:
		return "connection"
	}
}

func (f field) value(r model.EventRecord) string {
	switch f {
	case fieldSAddr:
		return r.SAddr
	case fieldDAddr:
		return r.DAddr
	default:
		return r.ConnectionKey
	}
}

type textMatch struct {
	field field
	pat   pattern
}

// BySourceAddress matches the source address against a pattern: an exact
// address, a prefix ending in '*' ("10.0.*") or a substring wrapped in
// '*' ("*0.0.1*").
func BySourceAddress(p string) (Predicate, error) { return newTextMatch(fieldSAddr, p) }

// ByDestAddress is BySourceAddress for the destination address.
func ByDestAddress(p string) (Predicate, error) { return newTextMatch(fieldDAddr, p) }

// ByConnection matches the connection key, with the same pattern rules as
// BySourceAddress.
func ByConnection(p string) (Predicate, error) { return newTextMatch(fieldConnection, p) }

func newTextMatch(f field, p string) (Predicate, error) {
	pat, err := compilePattern(f.name(), p)
	if err != nil {
		return nil, err
	}
	return textMatch{field: f, pat: pat}, nil
}

func (m textMatch) Match(r model.EventRecord) bool { return m.pat.match(m.field.value(r)) }
func (m textMatch) String() string                 { return fmt.Sprintf("%s~%s", m.field.name(), m.pat.raw) }

type cwndRange struct {
	min, max       uint32
	hasMin, hasMax bool
}

// ByCwndRange matches min <= cwnd <= max. A nil bound is unbounded; both
// nil matches everything. min > max is an *model.InvalidFilterError.
func ByCwndRange(min, max *uint32) (Predicate, error) {
	var c cwndRange
	if min != nil {
		c.min, c.hasMin = *min, true
	}
	if max != nil {
		c.max, c.hasMax = *max, true
	}
	if c.hasMin && c.hasMax && c.min > c.max {
		return nil, &model.InvalidFilterError{
			Filter: "cwnd",
			Reason: fmt.Sprintf("min %d is greater than max %d", c.min, c.max),
		}
	}
	return c, nil
}

func (c cwndRange) Match(r model.EventRecord) bool {
	return (!c.hasMin || r.Cwnd >= c.min) && (!c.hasMax || r.Cwnd <= c.max)
}

func (c cwndRange) String() string {
	return "cwnd in " + bounds(c.hasMin, fmt.Sprint(c.min), c.hasMax, fmt.Sprint(c.max))
}

type timeRange struct {
	start, end       time.Time
	hasStart, hasEnd bool
}

// ByTimeRange matches start <= timestamp <= end, with the same bound rules
// as ByCwndRange.
func ByTimeRange(start, end *time.Time) (Predicate, error) {
	var tr timeRange
	if start != nil {
		tr.start, tr.hasStart = model.NormalizeTime(*start), true
	}
	if end != nil {
		tr.end, tr.hasEnd = model.NormalizeTime(*end), true
	}
	if tr.hasStart && tr.hasEnd && tr.start.After(tr.end) {
		return nil, &model.InvalidFilterError{
			Filter: "time",
			Reason: fmt.Sprintf("start %s is after end %s", tr.start.Format(time.RFC3339Nano), tr.end.Format(time.RFC3339Nano)),
		}
	}
	return tr, nil
}

func (tr timeRange) Match(r model.EventRecord) bool {
	return (!tr.hasStart || !r.Timestamp.Before(tr.start)) && (!tr.hasEnd || !r.Timestamp.After(tr.end))
}

func (tr timeRange) String() string {
	return "time in " + bounds(tr.hasStart, tr.start.Format(time.RFC3339Nano), tr.hasEnd, tr.end.Format(time.RFC3339Nano))
}

func bounds(hasLo bool, lo string, hasHi bool, hi string) string {
	if !hasLo {
		lo = "-inf"
	}
	if !hasHi {
		hi = "+inf"
	}
	return "[" + lo + ", " + hi + "]"
}
