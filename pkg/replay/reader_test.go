package replay

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, r *Reader) []model.RawTuple {
	t.Helper()
	var out []model.RawTuple
	for {
		tup, err := r.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, tup)
	}
}

func TestReader_MixedFormats(t *testing.T) {
	input := strings.Join([]string{
		"timestamp,pid,saddr,sport,daddr,dport,cwnd",
		"2024-03-01T12:00:00.250000,100,10.0.0.1,40000,10.0.0.2,443,10",
		`{"timestamp":"2024-03-01T12:00:01Z","pid":101,"saddr":"10.0.0.1","sport":40001,"daddr":"10.0.0.3","dport":80,"cwnd":4}`,
		"",
		"not,a,valid,row",
		`{"pid":102,"saddr":"::1","sport":1,"daddr":"::1","dport":2,"cwnd":1}`,
	}, "\n")

	r := NewReader(strings.NewReader(input), Options{})
	got := drain(t, r)
	require.Len(t, got, 3)
	assert.Equal(t, 1, r.Skipped())

	assert.Equal(t, model.RawTuple{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 250000000, time.UTC),
		PID:       100, SAddr: "10.0.0.1", SPort: 40000, DAddr: "10.0.0.2", DPort: 443, Cwnd: 10,
	}, got[0])
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC), got[1].Timestamp.UTC())
	assert.EqualValues(t, 4, got[1].Cwnd)
	assert.True(t, got[2].Timestamp.IsZero())
	assert.NoError(t, r.Close())
}

func TestReader_Realtime(t *testing.T) {
	input := "2024-03-01T12:00:00,1,10.0.0.1,1,10.0.0.2,2,3\n" +
		"2024-03-01T12:00:01,1,10.0.0.1,1,10.0.0.2,2,4\n"

	// 1. Gaps are divided by Speed and tuples come out unstamped.
	r := NewReader(strings.NewReader(input), Options{Realtime: true, Speed: 100})
	start := time.Now()
	got := drain(t, r)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	for _, tup := range got {
		assert.True(t, tup.Timestamp.IsZero())
	}

	// 2. A cancelled context interrupts the wait.
	r = NewReader(strings.NewReader(input), Options{Realtime: true})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.Next(ctx)
	require.NoError(t, err)
	cancel()
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":1,"saddr":"10.0.0.1","sport":1,"daddr":"10.0.0.2","dport":2,"cwnd":9}`+"\n"), 0o644))

	r, err := Open(path, Options{})
	require.NoError(t, err)
	defer r.Close()
	got := drain(t, r)
	require.Len(t, got, 1)
	assert.EqualValues(t, 9, got[0].Cwnd)

	var _ model.TupleSource = r

	_, err = Open(filepath.Join(t.TempDir(), "missing"), Options{})
	assert.Error(t, err)
}
