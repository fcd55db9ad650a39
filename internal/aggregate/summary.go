package aggregate

import (
	"sort"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// Totals describe the whole record set.
type Totals struct {
	Records     int           `json:"records"`
	Connections int           `json:"connections"`
	PIDs        int           `json:"pids"`
	First       time.Time     `json:"first"`
	Last        time.Time     `json:"last"`
	Span        time.Duration `json:"span_ns"`
}

// Overall are the statistics over every record, with the distribution
// percentiles used by reports.
type Overall struct {
	Stats
	P25 float64 `json:"p25"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
}

// Dynamics describe how the window of one connection moved between
// consecutive samples.
type Dynamics struct {
	Increases   int    `json:"increases"`
	Decreases   int    `json:"decreases"`
	Unchanged   int    `json:"unchanged"`
	MaxIncrease uint32 `json:"max_increase"`
	MaxDecrease uint32 `json:"max_decrease"`
}

// ConnectionStats are the statistics of one connection key.
type ConnectionStats struct {
	Key      string   `json:"connection_key"`
	SAddr    string   `json:"saddr"`
	SPort    uint16   `json:"sport"`
	DAddr    string   `json:"daddr"`
	DPort    uint16   `json:"dport"`
	PIDs     []uint32 `json:"pids"`
	Stats    Stats    `json:"stats"`
	Dynamics Dynamics `json:"dynamics"`
}

// PIDStats are the statistics of one process.
type PIDStats struct {
	PID         uint32 `json:"pid"`
	Connections int    `json:"connections"`
	Stats       Stats  `json:"stats"`
}

// Summary is the result of Summarize. The zero value (with empty slices) is
// the summary of no records.
type Summary struct {
	Totals       Totals            `json:"totals"`
	Overall      Overall           `json:"overall"`
	ByConnection []ConnectionStats `json:"by_connection"`
	ByPID        []PIDStats        `json:"by_pid"`
}

// Empty reports whether the summary covers no records.
func (s Summary) Empty() bool {
	return s.Totals.Records == 0
}

type connAcc struct {
	accumulator
	rec      model.EventRecord
	pids     map[uint32]struct{}
	dyn      Dynamics
	prevCwnd uint32
}

type pidAcc struct {
	accumulator
	conns map[string]struct{}
}

// Summarize groups records by connection key and by pid. Connections and
// processes are ordered by sample count, largest first, then by key.
func Summarize(records []model.EventRecord) Summary {
	sum := Summary{ByConnection: []ConnectionStats{}, ByPID: []PIDStats{}}
	if len(records) == 0 {
		return sum
	}

	var all accumulator
	conns := make(map[string]*connAcc)
	pids := make(map[uint32]*pidAcc)

	for _, r := range records {
		all.add(r.Cwnd, r.Timestamp)

		c, ok := conns[r.ConnectionKey]
		if !ok {
			c = &connAcc{rec: r, pids: make(map[uint32]struct{})}
			conns[r.ConnectionKey] = c
		} else {
			switch {
			case r.Cwnd > c.prevCwnd:
				c.dyn.Increases++
				c.dyn.MaxIncrease = max(c.dyn.MaxIncrease, r.Cwnd-c.prevCwnd)
			case r.Cwnd < c.prevCwnd:
				c.dyn.Decreases++
				c.dyn.MaxDecrease = max(c.dyn.MaxDecrease, c.prevCwnd-r.Cwnd)
			default:
				c.dyn.Unchanged++
			}
		}
		c.prevCwnd = r.Cwnd
		c.add(r.Cwnd, r.Timestamp)
		c.pids[r.PID] = struct{}{}

		p, ok := pids[r.PID]
		if !ok {
			p = &pidAcc{conns: make(map[string]struct{})}
			pids[r.PID] = p
		}
		p.add(r.Cwnd, r.Timestamp)
		p.conns[r.ConnectionKey] = struct{}{}
	}

	overall := all.stats()
	sorted := all.sorted()
	sum.Overall = Overall{
		Stats: overall,
		P25:   percentile(sorted, 25),
		P75:   percentile(sorted, 75),
		P90:   percentile(sorted, 90),
		P95:   percentile(sorted, 95),
	}
	sum.Totals = Totals{
		Records:     len(records),
		Connections: len(conns),
		PIDs:        len(pids),
		First:       overall.First,
		Last:        overall.Last,
		Span:        overall.Duration(),
	}

	for key, c := range conns {
		sum.ByConnection = append(sum.ByConnection, ConnectionStats{
			Key:      key,
			SAddr:    c.rec.SAddr,
			SPort:    c.rec.SPort,
			DAddr:    c.rec.DAddr,
			DPort:    c.rec.DPort,
			PIDs:     sortedPIDs(c.pids),
			Stats:    c.stats(),
			Dynamics: c.dyn,
		})
	}
	sort.Slice(sum.ByConnection, func(i, j int) bool {
		a, b := sum.ByConnection[i], sum.ByConnection[j]
		if a.Stats.Count != b.Stats.Count {
			return a.Stats.Count > b.Stats.Count
		}
		return a.Key < b.Key
	})

	for pid, p := range pids {
		sum.ByPID = append(sum.ByPID, PIDStats{PID: pid, Connections: len(p.conns), Stats: p.stats()})
	}
	sort.Slice(sum.ByPID, func(i, j int) bool {
		a, b := sum.ByPID[i], sum.ByPID[j]
		if a.Stats.Count != b.Stats.Count {
			return a.Stats.Count > b.Stats.Count
		}
		return a.PID < b.PID
	})

	return sum
}

// Connection returns the statistics of one connection key.
func (s Summary) Connection(key string) (ConnectionStats, bool) {
	for _, c := range s.ByConnection {
		if c.Key == key {
			return c, true
		}
	}
	return ConnectionStats{}, false
}

// PID returns the statistics of one process.
func (s Summary) PID(pid uint32) (PIDStats, bool) {
	for _, p := range s.ByPID {
		if p.PID == pid {
			return p, true
		}
	}
	return PIDStats{}, false
}

func sortedPIDs(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for pid := range set {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
