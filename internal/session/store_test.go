package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/logfile"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, at time.Time) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	st.now = func() time.Time { return at }
	return st
}

func appendRecord(t *testing.T, lease *Lease, cwnd uint32) {
	t.Helper()
	rec, err := model.NewEventRecord(time.Now(), 1, "10.0.0.1", 443, "10.0.0.2", 51000, cwnd)
	require.NoError(t, err)
	f, err := lease.OpenLog()
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(logfile.Encode(rec))
	require.NoError(t, err)
}

// createSession makes a released session with n records.
func createSession(t *testing.T, st *Store, n int) *Session {
	t.Helper()
	sess, lease, err := st.Create()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		appendRecord(t, lease, uint32(i+1))
	}
	require.NoError(t, lease.Release())
	return sess
}

func TestStore_CreateLifecycle(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	sess, lease, err := st.Create()
	require.NoError(t, err)
	assert.Equal(t, "session_20240301_120000", sess.ID)
	assert.Equal(t, StateActive, sess.State)

	header, err := os.ReadFile(sess.LogPath())
	require.NoError(t, err)
	assert.Equal(t, logfile.HeaderLine, header)

	listed, err := st.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StateActive, listed[0].State)

	require.NoError(t, lease.Release())
	require.NoError(t, lease.Release())

	got, err := st.Open(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, got.State)

	lease, err = st.Claim(got)
	require.NoError(t, err)
	appendRecord(t, lease, 10)
	require.NoError(t, lease.Release())

	got, err = st.Open(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestStore_SameSecondCollision(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	first := createSession(t, st, 0)
	second := createSession(t, st, 0)
	third := createSession(t, st, 0)

	assert.Equal(t, "session_20240301_120000", first.ID)
	assert.Equal(t, "session_20240301_120000_001", second.ID)
	assert.Equal(t, "session_20240301_120000_002", third.ID)

	entries, err := os.ReadDir(st.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no staging directories may be left behind")
}

func TestStore_ListNewestFirst(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	createSession(t, st, 1)
	st.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC) }
	createSession(t, st, 1)

	sessions, err := st.List()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "session_20240301_120005", sessions[0].ID)
	assert.Equal(t, "session_20240301_120000", sessions[1].ID)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC), sessions[0].CreatedAt)
}

func TestStore_OpenLatest(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := st.Open(AliasLatest)
	var nf *model.NotFoundError
	require.True(t, errors.As(err, &nf))

	completed := createSession(t, st, 2)
	st.now = func() time.Time { return time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC) }
	createSession(t, st, 0) // newer but EMPTY

	got, err := st.Open(AliasLatest)
	require.NoError(t, err)
	assert.Equal(t, completed.ID, got.ID)

	_, err = st.Open("session_19990101_000000")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = st.Open("../etc")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStore_Clean(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	empty := createSession(t, st, 0)
	a := createSession(t, st, 1)
	b := createSession(t, st, 3)

	removed, err := st.Clean()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(empty.Dir)
	assert.True(t, os.IsNotExist(err))
	for _, s := range []*Session{a, b} {
		_, err := os.Stat(s.LogPath())
		assert.NoError(t, err)
	}

	removed, err = st.Clean()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestStore_CleanSkipsActive(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sess, lease, err := st.Create()
	require.NoError(t, err)
	defer lease.Release()

	removed, err := st.Clean()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	_, err = os.Stat(sess.Dir)
	assert.NoError(t, err)
}

func TestStore_ClaimOwnedSession(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sess, lease, err := st.Create()
	require.NoError(t, err)

	_, err = st.Claim(sess)
	var owned *model.SessionOwnershipError
	require.True(t, errors.As(err, &owned))
	assert.Equal(t, sess.ID, owned.SessionID)
	assert.Contains(t, owned.Owner, lease.Owner)

	require.NoError(t, lease.Release())
	second, err := st.Claim(sess)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestStore_Artifacts(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sess := createSession(t, st, 1)
	require.NoError(t, os.WriteFile(filepath.Join(sess.Dir, "report_20240301_130000.txt"), []byte("x"), 0o644))

	names, err := st.Artifacts(sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"report_20240301_130000.txt"}, names)
}

func TestStore_ClaimWhileReaderChecksOwnership(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sess := createSession(t, st, 1)

	// A reader testing ownership keeps its descriptor open across the claim.
	f, err := os.Open(filepath.Join(sess.Dir, LockName))
	require.NoError(t, err)
	defer f.Close()
	held, err := lockHeld(f)
	require.NoError(t, err)
	assert.False(t, held)

	lease, err := st.Claim(sess)
	require.NoError(t, err)

	held, err = lockHeld(f)
	require.NoError(t, err)
	assert.True(t, held)

	listed, err := st.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, StateActive, listed[0].State)

	require.NoError(t, lease.Release())
	reopened, err := st.Open(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, reopened.State)
}

func TestStore_ClaimDuringListing(t *testing.T) {
	st := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	sess := createSession(t, st, 1)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				st.List()
			}
		}
	}()

	for i := 0; i < 50; i++ {
		lease, err := st.Claim(sess)
		require.NoError(t, err)
		require.NoError(t, lease.Release())
	}
	close(stop)
	<-done
}
