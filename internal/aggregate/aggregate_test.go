package aggregate

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(t *testing.T, offset time.Duration, pid uint32, sport uint16, cwnd uint32) model.EventRecord {
	t.Helper()
	r, err := model.NewEventRecord(t0.Add(offset), pid, "10.0.0.1", sport, "10.0.0.2", 51000, cwnd)
	require.NoError(t, err)
	return r
}

func TestSummarize_ConnectionStats(t *testing.T) {
	// 1. Three samples on one connection: 10, 20, 15.
	records := []model.EventRecord{
		at(t, 0, 1, 443, 10),
		at(t, time.Second, 1, 443, 20),
		at(t, 2*time.Second, 1, 443, 15),
	}

	// 2. Summarize.
	sum := Summarize(records)

	// 3. Verify the per-connection statistics.
	c, ok := sum.Connection("10.0.0.1:443->10.0.0.2:51000")
	require.True(t, ok)
	assert.Equal(t, 3, c.Stats.Count)
	assert.Equal(t, 15.0, c.Stats.Mean)
	assert.Equal(t, 15.0, c.Stats.Median)
	assert.EqualValues(t, 10, c.Stats.Min)
	assert.EqualValues(t, 20, c.Stats.Max)
	assert.InDelta(t, 5.0, c.Stats.StdDev, 1e-9)
	assert.Equal(t, t0, c.Stats.First)
	assert.Equal(t, t0.Add(2*time.Second), c.Stats.Last)
	assert.Equal(t, []uint32{1}, c.PIDs)

	assert.Equal(t, Dynamics{Increases: 1, Decreases: 1, MaxIncrease: 10, MaxDecrease: 5}, c.Dynamics)

	assert.Equal(t, 3, sum.Totals.Records)
	assert.Equal(t, 1, sum.Totals.Connections)
	assert.Equal(t, 1, sum.Totals.PIDs)
	assert.Equal(t, 2*time.Second, sum.Totals.Span)
}

func TestSummarize_GroupsAndOrdering(t *testing.T) {
	records := []model.EventRecord{
		at(t, 0, 7, 1000, 4),
		at(t, 1*time.Second, 8, 2000, 8),
		at(t, 2*time.Second, 8, 2000, 12),
		at(t, 3*time.Second, 8, 3000, 1),
	}
	sum := Summarize(records)

	require.Len(t, sum.ByConnection, 3)
	assert.Equal(t, "10.0.0.1:2000->10.0.0.2:51000", sum.ByConnection[0].Key)
	assert.Equal(t, "10.0.0.1:1000->10.0.0.2:51000", sum.ByConnection[1].Key)

	require.Len(t, sum.ByPID, 2)
	assert.EqualValues(t, 8, sum.ByPID[0].PID)
	assert.Equal(t, 3, sum.ByPID[0].Stats.Count)
	assert.Equal(t, 2, sum.ByPID[0].Connections)
	assert.Equal(t, 7.0, sum.ByPID[0].Stats.Mean)

	single, ok := sum.PID(7)
	require.True(t, ok)
	assert.Equal(t, 0.0, single.Stats.StdDev, "one sample has no deviation")
}

func TestSummarize_Percentiles(t *testing.T) {
	var records []model.EventRecord
	for i := 1; i <= 5; i++ {
		records = append(records, at(t, time.Duration(i)*time.Second, 1, 1, uint32(i*10)))
	}
	sum := Summarize(records)

	assert.Equal(t, 30.0, sum.Overall.Median)
	assert.Equal(t, 20.0, sum.Overall.P25)
	assert.Equal(t, 40.0, sum.Overall.P75)
	assert.InDelta(t, 46.0, sum.Overall.P90, 1e-9)
	assert.InDelta(t, 48.0, sum.Overall.P95, 1e-9)
}

func TestSummarize_Empty(t *testing.T) {
	sum := Summarize(nil)
	assert.True(t, sum.Empty())
	assert.NotNil(t, sum.ByConnection)
	assert.NotNil(t, sum.ByPID)
	assert.Equal(t, 0, sum.Totals.Connections)
	assert.False(t, math.IsNaN(sum.Overall.Mean))
}

func TestBucketize(t *testing.T) {
	records := []model.EventRecord{
		at(t, 0, 1, 1, 10),
		at(t, 400*time.Millisecond, 1, 1, 20),
		at(t, time.Second, 1, 1, 30), // exactly on the boundary: next bucket
		at(t, 3500*time.Millisecond, 1, 1, 40),
	}

	buckets, err := Bucketize(records, time.Second)
	require.NoError(t, err)
	require.Len(t, buckets, 3, "the empty [2s,3s) bucket is omitted")

	assert.Equal(t, t0, buckets[0].Start)
	assert.Equal(t, 15.0, buckets[0].MeanCwnd)
	assert.Equal(t, 2, buckets[0].Count)

	assert.Equal(t, t0.Add(time.Second), buckets[1].Start)
	assert.Equal(t, 1, buckets[1].Count)

	assert.Equal(t, t0.Add(3*time.Second), buckets[2].Start)
	assert.Equal(t, 40.0, buckets[2].MeanCwnd)

	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	assert.Equal(t, len(records), total)
}

func TestBucketize_InvalidWidth(t *testing.T) {
	_, err := Bucketize(nil, 0)
	assert.True(t, errors.Is(err, model.ErrValidation))

	buckets, err := Bucketize(nil, time.Second)
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestSeriesByConnection_SharedOrigin(t *testing.T) {
	records := []model.EventRecord{
		at(t, 0, 1, 1, 10),
		at(t, 1500*time.Millisecond, 1, 2, 20),
		at(t, 2200*time.Millisecond, 1, 2, 30),
	}
	series, err := SeriesByConnection(records, []string{"10.0.0.1:2->10.0.0.2:51000", "missing"}, time.Second)
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Len(t, series[0].Buckets, 2)
	assert.Equal(t, t0.Add(time.Second), series[0].Buckets[0].Start)
	assert.Equal(t, t0.Add(2*time.Second), series[0].Buckets[1].Start)
}

func TestGroupBy(t *testing.T) {
	records := []model.EventRecord{
		at(t, 0, 7, 1000, 4),
		at(t, time.Second, 7, 2000, 8),
		at(t, 2*time.Second, 9, 2000, 12),
	}
	g, err := GroupBy("per_pid_dst", records, []string{"pid", "dport"})
	require.NoError(t, err)
	require.Len(t, g.Groups, 2)
	assert.Equal(t, "7-51000", g.Groups[0].Key)
	assert.Equal(t, 2, g.Groups[0].Stats.Count)
	assert.EqualValues(t, 7, g.Groups[0].Fields["pid"])

	_, err = GroupBy("bad", records, []string{"protocol"})
	assert.Error(t, err)
}
