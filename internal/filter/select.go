package filter

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// The selectors below depend on the whole record set, not on one record, so
// they are not Predicates. Each returns a subsequence of its input in input
// order.

// TopConnections keeps the records of the n connections with the most
// samples. Ties are broken by connection key.
func TopConnections(records []model.EventRecord, n int) []model.EventRecord {
	keep := topKeys(records, n, func(r model.EventRecord) string { return r.ConnectionKey })
	return keepIf(records, func(r model.EventRecord) bool { _, ok := keep[r.ConnectionKey]; return ok })
}

// TopPIDs keeps the records of the n processes with the most samples.
func TopPIDs(records []model.EventRecord, n int) []model.EventRecord {
	counts := make(map[uint32]int)
	for _, r := range records {
		counts[r.PID]++
	}
	pids := make([]uint32, 0, len(counts))
	for pid := range counts {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool {
		if counts[pids[i]] != counts[pids[j]] {
			return counts[pids[i]] > counts[pids[j]]
		}
		return pids[i] < pids[j]
	})
	if n < len(pids) {
		pids = pids[:max(n, 0)]
	}
	keep := make(map[uint32]struct{}, len(pids))
	for _, p := range pids {
		keep[p] = struct{}{}
	}
	return keepIf(records, func(r model.EventRecord) bool { _, ok := keep[r.PID]; return ok })
}

// Recent keeps the records within window of the newest record.
func Recent(records []model.EventRecord, window time.Duration) []model.EventRecord {
	if len(records) == 0 {
		return records
	}
	newest := records[0].Timestamp
	for _, r := range records[1:] {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	cutoff := newest.Add(-window)
	return keepIf(records, func(r model.EventRecord) bool { return !r.Timestamp.Before(cutoff) })
}

// Selection combines the selectors. Zero fields are not applied.
type Selection struct {
	TopConnections int           `json:"top_connections,omitempty"`
	TopPIDs        int           `json:"top_pids,omitempty"`
	Recent         time.Duration `json:"recent,omitempty"`
}

// SelectionKeys lists the parameter names understood by ParseSelection.
var SelectionKeys = []string{"top_connections", "top_pids", "recent"}

// Apply runs the set selectors in the order recent, top pids, top
// connections.
func (s Selection) Apply(records []model.EventRecord) []model.EventRecord {
	if s.Recent > 0 {
		records = Recent(records, s.Recent)
	}
	if s.TopPIDs > 0 {
		records = TopPIDs(records, s.TopPIDs)
	}
	if s.TopConnections > 0 {
		records = TopConnections(records, s.TopConnections)
	}
	return records
}

// Strings describes the set selectors, for report filter listings.
func (s Selection) Strings() []string {
	var out []string
	if s.Recent > 0 {
		out = append(out, "recent "+s.Recent.String())
	}
	if s.TopPIDs > 0 {
		out = append(out, fmt.Sprintf("top %d pids", s.TopPIDs))
	}
	if s.TopConnections > 0 {
		out = append(out, fmt.Sprintf("top %d connections", s.TopConnections))
	}
	return out
}

// ParseSelection reads a Selection from string parameters.
func ParseSelection(get func(key string) string) (Selection, error) {
	var s Selection
	for key, dst := range map[string]*int{"top_connections": &s.TopConnections, "top_pids": &s.TopPIDs} {
		v := get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Selection{}, &model.InvalidFilterError{Filter: key, Reason: fmt.Sprintf("%q is not a positive integer", v)}
		}
		*dst = n
	}
	if v := get("recent"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Selection{}, &model.InvalidFilterError{Filter: "recent", Reason: fmt.Sprintf("%q is not a positive duration", v)}
		}
		s.Recent = d
	}
	return s, nil
}

func topKeys(records []model.EventRecord, n int, key func(model.EventRecord) string) map[string]struct{} {
	counts := make(map[string]int)
	for _, r := range records {
		counts[key(r)]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if n < len(keys) {
		keys = keys[:max(n, 0)]
	}
	keep := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keep[k] = struct{}{}
	}
	return keep
}

func keepIf(records []model.EventRecord, ok func(model.EventRecord) bool) []model.EventRecord {
	out := make([]model.EventRecord, 0, len(records))
	for _, r := range records {
		if ok(r) {
			out = append(out, r)
		}
	}
	return out
}
