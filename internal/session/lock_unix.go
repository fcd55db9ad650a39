//go:build unix && !linux

package session

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var errLocked = errors.New("lock held")

// tryLock takes a non-blocking exclusive flock on f. The kernel drops it
// when the descriptor is closed or the process dies.
func tryLock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return errLocked
	}
	return err
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// lockHeld reports whether another descriptor holds the lock on f's file.
// flock has no test operation, so the shared lock is taken and dropped at
// once; Claim retries to ride over that window.
func lockHeld(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, unlock(f)
}
