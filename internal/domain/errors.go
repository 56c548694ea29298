package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by hard lookups of an unknown block id.
	ErrNotFound = errors.New("block not found")
	// ErrWorkerUnavailable is returned when a worker-bound call is made while the worker is not ready.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrWorkerProtocol matches any *ProtocolError.
	ErrWorkerProtocol = errors.New("worker protocol error")
	// ErrConfiguration marks a missing required path or invalid setting.
	ErrConfiguration = errors.New("configuration error")
	// ErrAllCommandsFailed is returned when no candidate command brought the worker up.
	ErrAllCommandsFailed = errors.New("all commands failed")
	// ErrStopped is returned when a start attempt is abandoned by Stop.
	ErrStopped = errors.New("worker stopped")
)

// ParseError reports a file that could not be read or parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ProtocolError reports a non-success status or malformed body from the worker.
type ProtocolError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("worker %s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("worker %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("worker %s failed: status %d: %s", e.Op, e.Status, e.Body)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is reports ErrWorkerProtocol as a match so callers can test the category.
func (e *ProtocolError) Is(target error) bool { return target == ErrWorkerProtocol }
