package filter

import (
	"fmt"
	"strconv"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// Query is the flat filter surface shared by the CLI and the APIs. Every
// field is optional; set fields are ANDed.
type Query struct {
	PID        *uint32    `json:"pid,omitempty"`
	SAddr      string     `json:"saddr,omitempty"`
	DAddr      string     `json:"daddr,omitempty"`
	SPort      *uint16    `json:"sport,omitempty"`
	DPort      *uint16    `json:"dport,omitempty"`
	CwndMin    *uint32    `json:"cwnd_min,omitempty"`
	CwndMax    *uint32    `json:"cwnd_max,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Connection string     `json:"connection,omitempty"`
}

// QueryKeys lists the parameter names understood by ParseQuery.
var QueryKeys = []string{"pid", "saddr", "daddr", "sport", "dport", "cwnd_min", "cwnd_max", "start", "end", "connection"}

// Predicates builds the predicate list for the set fields.
func (q Query) Predicates() ([]Predicate, error) {
	var preds []Predicate
	if q.PID != nil {
		preds = append(preds, ByPID(*q.PID))
	}
	if q.SAddr != "" {
		p, err := BySourceAddress(q.SAddr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if q.DAddr != "" {
		p, err := ByDestAddress(q.DAddr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if q.SPort != nil {
		preds = append(preds, BySourcePort(*q.SPort))
	}
	if q.DPort != nil {
		preds = append(preds, ByDestPort(*q.DPort))
	}
	if q.CwndMin != nil || q.CwndMax != nil {
		p, err := ByCwndRange(q.CwndMin, q.CwndMax)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if q.Start != nil || q.End != nil {
		p, err := ByTimeRange(q.Start, q.End)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if q.Connection != "" {
		p, err := ByConnection(q.Connection)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// IsZero reports whether no field is set.
func (q Query) IsZero() bool {
	return q == Query{}
}

// ParseQuery reads a Query from string parameters, e.g. url.Values.Get.
// Malformed values are reported as *model.InvalidFilterError.
func ParseQuery(get func(key string) string) (Query, error) {
	var q Query
	var err error

	if q.PID, err = parseUint32(get, "pid"); err != nil {
		return Query{}, err
	}
	if q.SPort, err = parsePort(get, "sport"); err != nil {
		return Query{}, err
	}
	if q.DPort, err = parsePort(get, "dport"); err != nil {
		return Query{}, err
	}
	if q.CwndMin, err = parseUint32(get, "cwnd_min"); err != nil {
		return Query{}, err
	}
	if q.CwndMax, err = parseUint32(get, "cwnd_max"); err != nil {
		return Query{}, err
	}
	if q.Start, err = parseTime(get, "start"); err != nil {
		return Query{}, err
	}
	if q.End, err = parseTime(get, "end"); err != nil {
		return Query{}, err
	}
	q.SAddr = get("saddr")
	q.DAddr = get("daddr")
	q.Connection = get("connection")

	// Surface contradictions now rather than at first use.
	if _, err := q.Predicates(); err != nil {
		return Query{}, err
	}
	return q, nil
}

func parseUint32(get func(string) string, key string) (*uint32, error) {
	s := get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil, &model.InvalidFilterError{Filter: key, Reason: fmt.Sprintf("%q is not a non-negative integer", s)}
	}
	u := uint32(v)
	return &u, nil
}

func parsePort(get func(string) string, key string) (*uint16, error) {
	s := get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return nil, &model.InvalidFilterError{Filter: key, Reason: fmt.Sprintf("%q is not a port in 0..65535", s)}
	}
	u := uint16(v)
	return &u, nil
}

func parseTime(get func(string) string, key string) (*time.Time, error) {
	s := get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, &model.InvalidFilterError{Filter: key, Reason: fmt.Sprintf("%q is not an RFC 3339 time", s)}
	}
	return &t, nil
}
