// Package aggregate computes exact cwnd statistics over event records.
package aggregate

import (
	"math"
	"sort"
	"time"
)

// Stats are the cwnd statistics of one group of records.
type Stats struct {
	Count  int       `json:"count"`
	Mean   float64   `json:"mean"`
	Median float64   `json:"median"`
	StdDev float64   `json:"stddev"`
	Min    uint32    `json:"min"`
	Max    uint32    `json:"max"`
	First  time.Time `json:"first"`
	Last   time.Time `json:"last"`
}

// Duration is the time between the first and last sample.
func (s Stats) Duration() time.Duration {
	return s.Last.Sub(s.First)
}

// accumulator collects the samples of one group.
type accumulator struct {
	values      []uint32
	first, last time.Time
}

func (a *accumulator) add(cwnd uint32, ts time.Time) {
	if len(a.values) == 0 || ts.Before(a.first) {
		a.first = ts
	}
	if len(a.values) == 0 || ts.After(a.last) {
		a.last = ts
	}
	a.values = append(a.values, cwnd)
}

// stats computes the group statistics. The standard deviation is the sample
// deviation (n-1 denominator) and is 0 for fewer than two samples.
func (a *accumulator) stats() Stats {
	n := len(a.values)
	if n == 0 {
		return Stats{}
	}

	sorted := a.sorted()
	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range sorted {
		d := float64(v) - mean
		sq += d * d
	}
	var std float64
	if n > 1 {
		std = math.Sqrt(sq / float64(n-1))
	}

	return Stats{
		Count:  n,
		Mean:   mean,
		Median: percentile(sorted, 50),
		StdDev: std,
		Min:    sorted[0],
		Max:    sorted[n-1],
		First:  a.first,
		Last:   a.last,
	}
}

func (a *accumulator) sorted() []uint32 {
	s := make([]uint32, len(a.values))
	copy(s, a.values)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

// percentile interpolates linearly between closest ranks of an ascending
// slice; p is in [0, 100].
func percentile(sorted []uint32, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return float64(sorted[0])
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return float64(sorted[lo]) + frac*(float64(sorted[hi])-float64(sorted[lo]))
}
