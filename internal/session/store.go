// Package session manages capture sessions on disk. A session is a directory
// under the store root holding one append-only event log plus any derived
// artifacts produced by later analysis runs.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/logfile"
	"github.com/LordPrinz/dzajtcper/internal/model"
)

// AliasLatest resolves to the newest session that is ACTIVE or COMPLETED.
const AliasLatest = "latest"

// LockName is the ownership lock file inside a session directory.
const LockName = "capture.lock"

const (
	claimAttempts = 5
	claimBackoff  = 10 * time.Millisecond
)

const (
	idPrefix       = "session_"
	idLayout       = "20060102_150405"
	stagingPrefix  = ".creating-"
	removingPrefix = ".removing-"
	maxSuffix      = 999

	// staleStaging is how old an abandoned staging directory must be before
	// Clean sweeps it.
	staleStaging = time.Minute
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateEmpty     State = "EMPTY"
)

// Session describes one capture run. State is computed when the value is
// produced by the Store and is not refreshed afterwards.
type Session struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
	LogBytes  int64     `json:"log_bytes"`
}

// LogPath returns the path of the session's event log.
func (s *Session) LogPath() string {
	return filepath.Join(s.Dir, logfile.Name)
}

// Store owns the directory that holds all sessions.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore opens (and if necessary creates) a session store rooted at root.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}
	return &Store{root: root, logger: logger.With("component", "session-store"), now: time.Now}, nil
}

// Root returns the store directory.
func (st *Store) Root() string {
	return st.root
}

// Create allocates a new session and returns it together with the write
// lease for it. The session directory is assembled under a hidden name and
// renamed into place, so List never sees a half-built session. Two sessions
// created within the same second get ids "session_<ts>" and
// "session_<ts>_001" and so on.
func (st *Store) Create() (*Session, *Lease, error) {
	staging, err := os.MkdirTemp(st.root, stagingPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	if err := os.Chmod(staging, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to set session permissions: %w", err)
	}
	if err := writeHeader(filepath.Join(staging, logfile.Name)); err != nil {
		return nil, nil, err
	}

	lockFile, err := os.OpenFile(filepath.Join(staging, LockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	if err := tryLock(lockFile); err != nil {
		lockFile.Close()
		return nil, nil, fmt.Errorf("failed to lock new session: %w", err)
	}

	created := st.now().UTC().Truncate(time.Second)
	base := idPrefix + created.Format(idLayout)

	for n := 0; n <= maxSuffix; n++ {
		id := base
		if n > 0 {
			id = fmt.Sprintf("%s_%03d", base, n)
		}
		target := filepath.Join(st.root, id)

		if _, err := os.Lstat(target); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			lockFile.Close()
			return nil, nil, fmt.Errorf("failed to check session '%s': %w", id, err)
		}

		if err := os.Rename(staging, target); err != nil {
			// Another creator won the race for this id.
			if errors.Is(err, fs.ErrExist) || errors.Is(err, syscall.ENOTEMPTY) {
				continue
			}
			lockFile.Close()
			return nil, nil, fmt.Errorf("failed to publish session '%s': %w", id, err)
		}
		committed = true

		lease := newLease(id, target, lockFile)
		if err := lease.stamp(st.now()); err != nil {
			st.logger.Warn("failed to record lease owner", "session", id, "error", err)
		}

		sess := &Session{
			ID:        id,
			Dir:       target,
			CreatedAt: created,
			State:     StateActive,
			LogBytes:  int64(len(logfile.HeaderLine)),
		}
		st.logger.Info("session created", "session", id, "dir", target)
		return sess, lease, nil
	}

	lockFile.Close()
	return nil, nil, fmt.Errorf("failed to allocate a session id for %s: more than %d sessions in one second", base, maxSuffix)
}

// Claim takes write ownership of an existing session. It fails with a
// *model.SessionOwnershipError when another writer holds the session.
func (st *Store) Claim(sess *Session) (*Lease, error) {
	if _, err := os.Stat(sess.LogPath()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &model.NotFoundError{Ref: sess.ID}
		}
		return nil, fmt.Errorf("failed to stat session log: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(sess.Dir, LockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockWithRetry(f); err != nil {
		owner := readOwner(f)
		f.Close()
		if errors.Is(err, errLocked) {
			return nil, &model.SessionOwnershipError{SessionID: sess.ID, Owner: owner}
		}
		return nil, fmt.Errorf("failed to lock session '%s': %w", sess.ID, err)
	}

	lease := newLease(sess.ID, sess.Dir, f)
	if err := lease.stamp(st.now()); err != nil {
		st.logger.Warn("failed to record lease owner", "session", sess.ID, "error", err)
	}
	st.logger.Info("session claimed", "session", sess.ID, "owner", lease.Owner)
	return lease, nil
}

// Open resolves a session by id or by AliasLatest. An empty ref is treated
// as AliasLatest.
func (st *Store) Open(ref string) (*Session, error) {
	if ref == "" || ref == AliasLatest {
		sessions, err := st.List()
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			if s.State != StateEmpty {
				return s, nil
			}
		}
		return nil, &model.NotFoundError{Ref: AliasLatest}
	}

	if !isSessionID(ref) {
		return nil, &model.NotFoundError{Ref: ref}
	}
	return st.inspect(ref)
}

// List returns every session, newest first.
func (st *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read session root: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() || !isSessionID(e.Name()) {
			continue
		}
		s, err := st.inspect(e.Name())
		if err != nil {
			// Removed between ReadDir and inspect.
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })
	return sessions, nil
}

// Clean removes every EMPTY session and returns how many were removed.
// Each candidate is re-checked under an exclusive lock, so a session that
// gains its first record or a writer in the meantime is left alone.
func (st *Store) Clean() (int, error) {
	sessions, err := st.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range sessions {
		if s.State != StateEmpty {
			continue
		}
		ok, err := st.removeIfEmpty(s)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			st.logger.Info("removed empty session", "session", s.ID)
		}
	}

	st.sweepLeftovers()
	return removed, nil
}

// Artifacts lists the derived files of a session (reports, exports), oldest
// name first.
func (st *Store) Artifacts(sess *Session) ([]string, error) {
	entries, err := os.ReadDir(sess.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &model.NotFoundError{Ref: sess.ID}
		}
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == logfile.Name || e.Name() == LockName || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (st *Store) inspect(id string) (*Session, error) {
	dir := filepath.Join(st.root, id)
	dirInfo, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &model.NotFoundError{Ref: id}
		}
		return nil, fmt.Errorf("failed to stat session '%s': %w", id, err)
	}
	if !dirInfo.IsDir() {
		return nil, &model.NotFoundError{Ref: id}
	}

	s := &Session{ID: id, Dir: dir, CreatedAt: parseIDTime(id), State: StateEmpty}

	// A directory without a log can only be debris; report it as EMPTY so
	// Clean can reclaim it.
	info, err := os.Stat(s.LogPath())
	switch {
	case err == nil:
		s.LogBytes = info.Size()
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to stat log of session '%s': %w", id, err)
	}

	active, err := isLocked(filepath.Join(dir, LockName))
	if err != nil {
		return nil, err
	}
	switch {
	case active:
		s.State = StateActive
	case s.LogBytes > int64(len(logfile.HeaderLine)):
		s.State = StateCompleted
	}
	return s, nil
}

func (st *Store) removeIfEmpty(s *Session) (bool, error) {
	f, err := os.OpenFile(filepath.Join(s.Dir, LockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open lock of session '%s': %w", s.ID, err)
	}
	defer f.Close()

	if err := tryLock(f); err != nil {
		if errors.Is(err, errLocked) {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock session '%s': %w", s.ID, err)
	}
	defer unlock(f)

	if info, err := os.Stat(s.LogPath()); err == nil && info.Size() > int64(len(logfile.HeaderLine)) {
		return false, nil
	}

	grave := filepath.Join(st.root, removingPrefix+s.ID)
	if err := os.Rename(s.Dir, grave); err != nil {
		return false, fmt.Errorf("failed to detach session '%s': %w", s.ID, err)
	}
	if err := os.RemoveAll(grave); err != nil {
		return true, fmt.Errorf("failed to remove session '%s': %w", s.ID, err)
	}
	return true, nil
}

// sweepLeftovers deletes hidden directories left behind by a crash during
// Create or Clean.
func (st *Store) sweepLeftovers() {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(st.root, name)
		switch {
		case strings.HasPrefix(name, removingPrefix):
		case strings.HasPrefix(name, stagingPrefix):
			info, err := e.Info()
			if err != nil || st.now().Sub(info.ModTime()) < staleStaging {
				continue
			}
		default:
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			st.logger.Warn("failed to remove leftover directory", "path", path, "error", err)
		}
	}
}

func writeHeader(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	if _, err := f.Write(logfile.HeaderLine); err != nil {
		f.Close()
		return fmt.Errorf("failed to write log header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync log header: %w", err)
	}
	return f.Close()
}

func isLocked(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	held, err := lockHeld(f)
	if err != nil {
		return false, fmt.Errorf("failed to test lock file: %w", err)
	}
	return held, nil
}

// lockWithRetry takes the exclusive lock, retrying for a short while so a
// concurrent Clean or listing does not read as another writer.
func lockWithRetry(f *os.File) error {
	err := tryLock(f)
	for i := 1; i < claimAttempts && errors.Is(err, errLocked); i++ {
		time.Sleep(claimBackoff)
		err = tryLock(f)
	}
	return err
}

func isSessionID(name string) bool {
	return strings.HasPrefix(name, idPrefix) &&
		!strings.ContainsAny(name, `/\`) &&
		len(name) >= len(idPrefix)+len(idLayout)
}

func parseIDTime(id string) time.Time {
	stamp := strings.TrimPrefix(id, idPrefix)
	if len(stamp) < len(idLayout) {
		return time.Time{}
	}
	t, err := time.ParseInLocation(idLayout, stamp[:len(idLayout)], time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
