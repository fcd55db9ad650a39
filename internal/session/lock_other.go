//go:build !unix

package session

import (
	"errors"
	"os"
)

var errLocked = errors.New("lock held")

// Platforms without flock do not enforce single-writer ownership.
func tryLock(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }

func lockHeld(f *os.File) (bool, error) { return false, nil }
