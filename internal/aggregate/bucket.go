package aggregate

import (
	"sort"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// Bucket is one fixed-width interval [Start, Start+width) of a timeline.
type Bucket struct {
	Start    time.Time `json:"start"`
	MeanCwnd float64   `json:"mean_cwnd"`
	Count    int       `json:"count"`
	MinCwnd  uint32    `json:"min_cwnd"`
	MaxCwnd  uint32    `json:"max_cwnd"`
}

// Bucketize splits records into buckets of the given width anchored at the
// earliest timestamp. Buckets without samples are omitted, so gaps in the
// result mean "no data", not "zero cwnd". A non-positive width is a
// *model.ValidationError.
func Bucketize(records []model.EventRecord, width time.Duration) ([]Bucket, error) {
	if width <= 0 {
		return nil, &model.ValidationError{Field: "bucket_width", Value: width.String(), Reason: "must be positive"}
	}
	if len(records) == 0 {
		return []Bucket{}, nil
	}
	return bucketizeFrom(records, earliest(records), width), nil
}

func earliest(records []model.EventRecord) time.Time {
	origin := records[0].Timestamp
	for _, r := range records[1:] {
		if r.Timestamp.Before(origin) {
			origin = r.Timestamp
		}
	}
	return origin
}

func bucketizeFrom(records []model.EventRecord, origin time.Time, width time.Duration) []Bucket {
	type acc struct {
		sum      float64
		n        int
		min, max uint32
	}
	byIndex := make(map[int64]*acc)
	for _, r := range records {
		idx := int64(r.Timestamp.Sub(origin) / width)
		a, ok := byIndex[idx]
		if !ok {
			a = &acc{min: r.Cwnd, max: r.Cwnd}
			byIndex[idx] = a
		}
		a.sum += float64(r.Cwnd)
		a.n++
		a.min = min(a.min, r.Cwnd)
		a.max = max(a.max, r.Cwnd)
	}

	indexes := make([]int64, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	buckets := make([]Bucket, 0, len(indexes))
	for _, idx := range indexes {
		a := byIndex[idx]
		buckets = append(buckets, Bucket{
			Start:    origin.Add(time.Duration(idx) * width),
			MeanCwnd: a.sum / float64(a.n),
			Count:    a.n,
			MinCwnd:  a.min,
			MaxCwnd:  a.max,
		})
	}
	return buckets
}

// Series is the bucketed timeline of one connection.
type Series struct {
	Key     string   `json:"connection_key"`
	Buckets []Bucket `json:"buckets"`
}

// SeriesByConnection bucketizes each of the given connections separately.
// Every series shares the origin of the full record set, so buckets line up
// across connections.
func SeriesByConnection(records []model.EventRecord, keys []string, width time.Duration) ([]Series, error) {
	if width <= 0 {
		return nil, &model.ValidationError{Field: "bucket_width", Value: width.String(), Reason: "must be positive"}
	}
	if len(records) == 0 {
		return []Series{}, nil
	}

	origin := earliest(records)

	want := make(map[string][]model.EventRecord, len(keys))
	for _, k := range keys {
		want[k] = nil
	}
	for _, r := range records {
		if _, ok := want[r.ConnectionKey]; ok {
			want[r.ConnectionKey] = append(want[r.ConnectionKey], r)
		}
	}

	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		if recs := want[k]; len(recs) > 0 {
			out = append(out, Series{Key: k, Buckets: bucketizeFrom(recs, origin, width)})
		}
	}
	return out, nil
}
