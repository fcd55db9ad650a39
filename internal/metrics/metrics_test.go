package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.RecordWritten()
	m.RecordWritten()
	m.TupleDropped("sport")
	m.TailPoll(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tuplesDropped.WithLabelValues("sport")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tailRecords))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "cwnd_capture_records_written_total 2")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWritten()
		m.TupleDropped("pid")
		m.SamplesLost(4)
		m.CaptureActive(true)
	})
}
