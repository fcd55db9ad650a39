package alerter

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/aggregate"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	subject, body string
	calls         int
	err           error
}

func (n *captureNotifier) Send(subject, body string) error {
	n.calls++
	n.subject, n.body = subject, body
	return n.err
}

func summary(t *testing.T, cwnds ...uint32) aggregate.Summary {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var records []model.EventRecord
	for i, c := range cwnds {
		r, err := model.NewEventRecord(base.Add(time.Duration(i)*time.Second), 10, "10.0.0.1", 443, "10.0.0.2", 51000, c)
		require.NoError(t, err)
		records = append(records, r)
	}
	return aggregate.Summarize(records)
}

func TestEvaluate(t *testing.T) {
	rules := []config.AlerterRule{
		{Name: "small window", Metric: "min_cwnd", Operator: "<", Threshold: 5},
		{Name: "busy", Metric: "records", Operator: ">=", Threshold: 100},
		{Name: "shrinking", Metric: "decreases", Operator: ">", Threshold: 0},
		{Name: "bad op", Metric: "records", Operator: "!=", Threshold: 0},
	}
	alerts := Evaluate(rules, summary(t, 10, 2, 8))

	require.Len(t, alerts, 2)
	assert.Equal(t, "small window", alerts[0].Rule)
	assert.Equal(t, 2.0, alerts[0].Observed)
	assert.Equal(t, "shrinking", alerts[1].Rule)
	assert.Equal(t, 1.0, alerts[1].Observed)
}

func TestEvaluate_EmptySummary(t *testing.T) {
	rules := []config.AlerterRule{
		{Name: "no data", Metric: "records", Operator: "=", Threshold: 0},
		{Name: "low mean", Metric: "mean_cwnd", Operator: "<", Threshold: 10},
	}
	alerts := Evaluate(rules, aggregate.Summarize(nil))
	require.Len(t, alerts, 1)
	assert.Equal(t, "no data", alerts[0].Rule)
}

func TestNewAlerter_RejectsUnknownMetric(t *testing.T) {
	_, err := NewAlerter(config.AlerterConfig{Rules: []config.AlerterRule{{Name: "x", Metric: "bytes", Operator: ">"}}}, nil, nil)
	assert.Error(t, err)
}

func TestNotify(t *testing.T) {
	n := &captureNotifier{}
	a, err := NewAlerter(config.AlerterConfig{Rules: []config.AlerterRule{
		{Name: "peak", Metric: "max_cwnd", Operator: ">", Threshold: 50},
	}}, n, nil)
	require.NoError(t, err)

	alerts, err := a.Notify("session_20240301_120000", summary(t, 10, 20))
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, 0, n.calls)

	alerts, err = a.Notify("session_20240301_120000", summary(t, 10, 80))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 1, n.calls)
	assert.Contains(t, n.subject, "1 triggered")
	assert.True(t, strings.Contains(n.body, "<h3>Alert: peak</h3>"))

	n.err = errors.New("smtp down")
	alerts, err = a.Notify("session_20240301_120000", summary(t, 10, 80))
	assert.Error(t, err)
	assert.Len(t, alerts, 1, "alerts survive a failed send")
}
