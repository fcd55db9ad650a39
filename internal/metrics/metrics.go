// Package metrics exposes pipeline counters to Prometheus. All methods are
// safe on a nil *Metrics, which turns them into no-ops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cwnd"

// Metrics holds every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	recordsWritten  prometheus.Counter
	tuplesDropped   *prometheus.CounterVec
	samplesLost     prometheus.Counter
	linesSkipped    *prometheus.CounterVec
	tailPolls       prometheus.Counter
	tailRecords     prometheus.Counter
	sessionsCleaned prometheus.Counter
	reportsWritten  *prometheus.CounterVec
	captureActive   prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "records_written_total",
			Help: "Event records appended to session logs.",
		}),
		tuplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "tuples_dropped_total",
			Help: "Raw tuples rejected by validation, by offending field.",
		}, []string{"field"}),
		samplesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "samples_lost_total",
			Help: "Samples the kernel dropped before they could be read.",
		}),
		linesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reader", Name: "lines_skipped_total",
			Help: "Log lines that failed validation on read.",
		}, []string{"reader"}),
		tailPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tail", Name: "polls_total",
			Help: "Live tail poll ticks.",
		}),
		tailRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tail", Name: "records_total",
			Help: "Records emitted by the live tail.",
		}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "cleaned_total",
			Help: "Empty sessions removed.",
		}),
		reportsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "report", Name: "written_total",
			Help: "Report artifacts written, by format.",
		}, []string{"format"}),
		captureActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "active",
			Help: "1 while a capture run holds a session.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.recordsWritten, m.tuplesDropped, m.samplesLost, m.linesSkipped,
		m.tailPolls, m.tailRecords, m.sessionsCleaned, m.reportsWritten, m.captureActive,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordWritten() {
	if m != nil {
		m.recordsWritten.Inc()
	}
}

func (m *Metrics) TupleDropped(field string) {
	if m != nil {
		m.tuplesDropped.WithLabelValues(field).Inc()
	}
}

func (m *Metrics) SamplesLost(n uint64) {
	if m != nil && n > 0 {
		m.samplesLost.Add(float64(n))
	}
}

func (m *Metrics) LineSkipped(reader string) {
	if m != nil {
		m.linesSkipped.WithLabelValues(reader).Inc()
	}
}

func (m *Metrics) TailPoll(records int) {
	if m != nil {
		m.tailPolls.Inc()
		m.tailRecords.Add(float64(records))
	}
}

func (m *Metrics) SessionsCleaned(n int) {
	if m != nil && n > 0 {
		m.sessionsCleaned.Add(float64(n))
	}
}

func (m *Metrics) ReportWritten(format string) {
	if m != nil {
		m.reportsWritten.WithLabelValues(format).Inc()
	}
}

func (m *Metrics) CaptureActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.captureActive.Set(1)
	} else {
		m.captureActive.Set(0)
	}
}
