package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/logfile"
	"github.com/google/uuid"
)

// Lease is write ownership of one session. It is backed by an advisory lock
// on the session's lock file, so a crashed writer never leaves a session
// stuck in ACTIVE.
type Lease struct {
	SessionID string
	Owner     string

	dir  string
	file *os.File
	once sync.Once
	err  error
}

type ownerInfo struct {
	Owner string    `json:"owner"`
	PID   int       `json:"pid"`
	Host  string    `json:"host,omitempty"`
	Since time.Time `json:"since"`
}

func newLease(id, dir string, f *os.File) *Lease {
	return &Lease{SessionID: id, Owner: uuid.NewString(), dir: dir, file: f}
}

// OpenLog opens the session log for appending.
func (l *Lease) OpenLog() (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(l.dir, logfile.Name), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for append: %w", err)
	}
	return f, nil
}

// Release gives up ownership. It is safe to call more than once.
func (l *Lease) Release() error {
	l.once.Do(func() {
		if err := unlock(l.file); err != nil {
			l.err = fmt.Errorf("failed to unlock session '%s': %w", l.SessionID, err)
		}
		if err := l.file.Close(); err != nil && l.err == nil {
			l.err = err
		}
	})
	return l.err
}

func (l *Lease) stamp(now time.Time) error {
	host, _ := os.Hostname()
	data, err := json.Marshal(ownerInfo{Owner: l.Owner, PID: os.Getpid(), Host: host, Since: now.UTC()})
	if err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err = l.file.WriteAt(append(data, '\n'), 0)
	return err
}

// readOwner describes the current lock holder for error messages.
func readOwner(f *os.File) string {
	buf := make([]byte, 512)
	n, _ := f.ReadAt(buf, 0)
	var info ownerInfo
	if err := json.Unmarshal(buf[:n], &info); err != nil || info.Owner == "" {
		return ""
	}
	return fmt.Sprintf("pid %d (%s)", info.PID, info.Owner)
}

