package model

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Each typed error below matches exactly one of them.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrEmptySession     = errors.New("session has no records")
	ErrInvalidFilter    = errors.New("invalid filter")
	ErrSessionOwnership = errors.New("session is owned by another writer")
)

// ValidationError reports a malformed raw tuple or log line.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
	// Line is the 1-based log line number, 0 when not read from a log.
	Line int
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: invalid %s %q: %s", e.Line, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports that no session matches an id or alias.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.Ref)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// EmptySessionError reports a session that exists but holds zero valid records.
type EmptySessionError struct {
	SessionID string
	Skipped   int
}

func (e *EmptySessionError) Error() string {
	if e.Skipped > 0 {
		return fmt.Sprintf("session %s has no valid records (%d lines skipped)", e.SessionID, e.Skipped)
	}
	return fmt.Sprintf("session %s has no records", e.SessionID)
}

func (e *EmptySessionError) Is(target error) bool { return target == ErrEmptySession }

// InvalidFilterError reports a self-contradictory filter.
type InvalidFilterError struct {
	Filter string
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %s: %s", e.Filter, e.Reason)
}

func (e *InvalidFilterError) Is(target error) bool { return target == ErrInvalidFilter }

// SessionOwnershipError reports an attempt to write into a session another
// writer already holds.
type SessionOwnershipError struct {
	SessionID string
	Owner     string
}

func (e *SessionOwnershipError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("session %s is already being written by %s", e.SessionID, e.Owner)
	}
	return fmt.Sprintf("session %s is already being written", e.SessionID)
}

func (e *SessionOwnershipError) Is(target error) bool { return target == ErrSessionOwnership }
