package rangelock

import "errors"

var (
	// ErrWouldBlock is returned for a NoWait request which conflicts with a
	// lock held by another owner.
	ErrWouldBlock = errors.New("range lock would block")
	// ErrDeadlock is returned when waiting for a request would close a cycle
	// of owners waiting on each other.  Nothing of the request remains.
	ErrDeadlock = errors.New("range lock would deadlock")
	// ErrInterrupted is returned when a waiting request is abandoned: its
	// context was done, its resource was purged, or its remote system was
	// cleared.
	ErrInterrupted = errors.New("range lock wait interrupted")
	// ErrInvalidRange is returned for malformed or overflowing regions.
	ErrInvalidRange = errors.New("invalid lock range")
	// ErrInvalidArgument is returned for requests with an unusable lock type
	// or wait mode.
	ErrInvalidArgument = errors.New("invalid lock request")
	// ErrNotFound is returned by Cancel when no matching asynchronous request
	// is queued.
	ErrNotFound = errors.New("lock request not found")
	// ErrInProgress is returned by an Async SetLock which has been queued.
	ErrInProgress = errors.New("lock request in progress")
)
