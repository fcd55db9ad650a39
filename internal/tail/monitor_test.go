package tail

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/logfile"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLiveSession(t *testing.T) (*session.Session, *os.File) {
	t.Helper()
	st, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	sess, lease, err := st.Create()
	require.NoError(t, err)
	t.Cleanup(func() { lease.Release() })

	out, err := lease.OpenLog()
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })
	return sess, out
}

func encoded(t *testing.T, cwnd uint32) []byte {
	t.Helper()
	rec, err := model.NewEventRecord(time.Date(2024, 3, 1, 12, 0, 0, int(cwnd)*1000, time.UTC), 1, "10.0.0.1", 443, "10.0.0.2", 51000, cwnd)
	require.NoError(t, err)
	return logfile.Encode(rec)
}

func TestPoll_HoldsBackPartialLine(t *testing.T) {
	sess, out := newLiveSession(t)
	m := NewMonitor(sess, Options{})

	batch, err := m.Poll()
	require.NoError(t, err)
	assert.Empty(t, batch, "header only")
	assert.EqualValues(t, len(logfile.HeaderLine), m.Offset())

	first := encoded(t, 10)
	second := encoded(t, 20)
	half := len(second) / 2

	_, err = out.Write(append(append([]byte{}, first...), second[:half]...))
	require.NoError(t, err)

	batch, err = m.Poll()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 10, batch[0].Cwnd)
	assert.EqualValues(t, len(logfile.HeaderLine)+len(first), m.Offset(), "offset stops before the fragment")

	batch, err = m.Poll()
	require.NoError(t, err)
	assert.Empty(t, batch)

	_, err = out.Write(second[half:])
	require.NoError(t, err)

	batch, err = m.Poll()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 20, batch[0].Cwnd)
}

func TestPoll_SkipsInvalidLines(t *testing.T) {
	sess, out := newLiveSession(t)
	m := NewMonitor(sess, Options{})

	_, err := out.Write([]byte("not a record\n"))
	require.NoError(t, err)
	_, err = out.Write(encoded(t, 7))
	require.NoError(t, err)

	batch, err := m.Poll()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 7, batch[0].Cwnd)
}

func TestPoll_SkipsOversizedLine(t *testing.T) {
	sess, out := newLiveSession(t)
	m := NewMonitor(sess, Options{})
	m.chunk = 128

	_, err := out.Write(append(bytes.Repeat([]byte("x"), 300), '\n'))
	require.NoError(t, err)
	_, err = out.Write(encoded(t, 7))
	require.NoError(t, err)

	var got []model.EventRecord
	for i := 0; i < 10 && len(got) == 0; i++ {
		got, err = m.Poll()
		require.NoError(t, err)
	}
	require.Len(t, got, 1)
	assert.EqualValues(t, 7, got[0].Cwnd)

	info, err := os.Stat(sess.LogPath())
	require.NoError(t, err)
	assert.Equal(t, info.Size(), m.Offset())
}

func TestPoll_TruncatedFileRestarts(t *testing.T) {
	sess, out := newLiveSession(t)
	m := NewMonitor(sess, Options{})

	_, err := out.Write(encoded(t, 1))
	require.NoError(t, err)
	batch, err := m.Poll()
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// Replace the log with a bare header, shorter than the current offset.
	require.NoError(t, os.WriteFile(sess.LogPath(), logfile.HeaderLine, 0o644))

	batch, err = m.Poll()
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.EqualValues(t, len(logfile.HeaderLine), m.Offset())

	_, err = out.Write(encoded(t, 5))
	require.NoError(t, err)
	batch, err = m.Poll()
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 5, batch[0].Cwnd)
}

func TestMonitor_DeliversAppendedRecords(t *testing.T) {
	sess, out := newLiveSession(t)
	m := NewMonitor(sess, Options{PollInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var got []uint32
	require.NoError(t, m.Start(context.Background(), 0, func(batch []model.EventRecord) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range batch {
			got = append(got, r.Cwnd)
		}
	}))
	assert.Equal(t, StateWatching, m.State())
	assert.Error(t, m.Start(context.Background(), 0, nil), "a monitor starts once")

	for i := uint32(1); i <= 5; i++ {
		_, err := out.Write(encoded(t, i))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()
	assert.Equal(t, StateStopped, m.Wait())

	mu.Lock()
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, got)
	mu.Unlock()
}

func TestMonitor_Timeout(t *testing.T) {
	sess, _ := newLiveSession(t)
	m := NewMonitor(sess, Options{PollInterval: 5 * time.Millisecond})

	require.NoError(t, m.Start(context.Background(), 30*time.Millisecond, nil))
	assert.Equal(t, StateTimedOut, m.Wait())

	m.Stop()
	assert.Equal(t, StateTimedOut, m.State(), "terminal states are final")
}

func TestMonitor_ContextCancel(t *testing.T) {
	sess, _ := newLiveSession(t)
	m := NewMonitor(sess, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx, time.Minute, nil))
	cancel()
	assert.Equal(t, StateStopped, m.Wait())
}

func TestMonitor_StopBeforeStart(t *testing.T) {
	sess, _ := newLiveSession(t)
	m := NewMonitor(sess, Options{})
	m.Stop()
	assert.Equal(t, StateStopped, m.Wait())
	assert.Error(t, m.Start(context.Background(), 0, nil))
}

func TestWindow(t *testing.T) {
	w := NewWindow(3)
	for i := uint32(1); i <= 5; i++ {
		w.Add([]model.EventRecord{{Cwnd: i}})
	}
	recs := w.Records()
	require.Len(t, recs, 3)
	assert.EqualValues(t, 3, recs[0].Cwnd)
	assert.EqualValues(t, 5, recs[2].Cwnd)
	assert.Equal(t, 5, w.Total())
}

func TestWindow_Stats(t *testing.T) {
	w := NewWindow(4)
	assert.Zero(t, w.Stats().Windowed)

	for i := uint32(1); i <= 6; i++ {
		rec, err := model.NewEventRecord(time.Date(2024, 3, 1, 12, 0, int(i), 0, time.UTC), i%2, "10.0.0.1", uint16(1000+i%3), "10.0.0.2", 443, i*10)
		require.NoError(t, err)
		w.Add([]model.EventRecord{rec})
	}

	s := w.Stats()
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 4, s.Windowed)
	assert.InDelta(t, 45.0, s.MeanCwnd, 1e-9)
	assert.EqualValues(t, 30, s.MinCwnd)
	assert.EqualValues(t, 60, s.MaxCwnd)
	assert.Equal(t, 2, s.PIDs)
	assert.Equal(t, 3, s.Connections)
	require.Len(t, s.Latest, 4)
	assert.EqualValues(t, 60, s.Latest[3].Cwnd)
}
