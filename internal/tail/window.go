package tail

import (
	"sync"

	"github.com/LordPrinz/dzajtcper/internal/aggregate"
	"github.com/LordPrinz/dzajtcper/internal/model"
)

// latestCount is how many of the newest records Stats carries.
const latestCount = 5

// Window keeps the most recent records seen by a live tail.
type Window struct {
	mu      sync.Mutex
	max     int
	records []model.EventRecord
	total   int
}

// NewWindow creates a window holding at most size records; size <= 0 means 1000.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1000
	}
	return &Window{max: size}
}

// Add appends a batch, evicting the oldest records beyond capacity.
func (w *Window) Add(batch []model.EventRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total += len(batch)
	w.records = append(w.records, batch...)
	if over := len(w.records) - w.max; over > 0 {
		w.records = append([]model.EventRecord(nil), w.records[over:]...)
	}
}

// Records returns a copy of the window contents, oldest first.
func (w *Window) Records() []model.EventRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.EventRecord(nil), w.records...)
}

// Total is the number of records ever added.
func (w *Window) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Stats are rolling statistics over the window.
type Stats struct {
	Total       int                 `json:"total_records"`
	Windowed    int                 `json:"window_records"`
	Connections int                 `json:"unique_connections"`
	PIDs        int                 `json:"unique_pids"`
	MeanCwnd    float64             `json:"avg_cwnd"`
	MinCwnd     uint32              `json:"min_cwnd"`
	MaxCwnd     uint32              `json:"max_cwnd"`
	Latest      []model.EventRecord `json:"latest_records"`
}

// Stats summarises the records currently in the window.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	records := append([]model.EventRecord(nil), w.records...)
	total := w.total
	w.mu.Unlock()

	sum := aggregate.Summarize(records)
	return Stats{
		Total:       total,
		Windowed:    len(records),
		Connections: sum.Totals.Connections,
		PIDs:        sum.Totals.PIDs,
		MeanCwnd:    sum.Overall.Mean,
		MinCwnd:     sum.Overall.Min,
		MaxCwnd:     sum.Overall.Max,
		Latest:      records[max(0, len(records)-latestCount):],
	}
}
