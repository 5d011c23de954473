package rangelock

import (
	"fmt"
	"math"
)

// EOF is the end offset of a range which extends to the end of the resource,
// however long it becomes.
const EOF = math.MaxInt64

// LockType is the kind of a lock request.
type LockType int

const (
	// Read is a shared lock.
	Read LockType = iota + 1
	// Write is an exclusive lock.
	Write
	// Unlock releases whatever the owner holds in a range.
	Unlock
)

func (t LockType) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	case Unlock:
		return "unlock"
	default:
		return fmt.Sprintf("LockType(%d)", int(t))
	}
}

// ParseLockType parses the names returned by LockType.String.
func ParseLockType(s string) (LockType, error) {
	switch s {
	case "read", "r", "shared":
		return Read, nil
	case "write", "w", "exclusive":
		return Write, nil
	case "unlock", "u":
		return Unlock, nil
	}
	return 0, fmt.Errorf("unknown lock type %q: %w", s, ErrInvalidArgument)
}

// WaitMode selects what SetLock does when a request conflicts with a lock
// held by another owner.
type WaitMode int

const (
	// NoWait fails the request with ErrWouldBlock.
	NoWait WaitMode = iota
	// Wait blocks the caller until the request is granted, the context is
	// done or the resource is purged.
	Wait
	// Async queues the request, returns ErrInProgress and reports the
	// outcome through Request.Notify.
	Async
)

func (w WaitMode) String() string {
	switch w {
	case NoWait:
		return "nowait"
	case Wait:
		return "wait"
	case Async:
		return "async"
	default:
		return fmt.Sprintf("WaitMode(%d)", int(w))
	}
}

// Range is an inclusive byte range [Start, End].  An End of EOF extends the
// range to the end of the resource.
type Range struct {
	Start int64
	End   int64
}

// Overlaps reports whether r and other share at least one byte.
func (r Range) Overlaps(other Range) bool {
	return r.Start <= other.End && r.End >= other.Start
}

// Contains reports whether other lies entirely within r.
func (r Range) Contains(other Range) bool {
	return r.Start <= other.Start && r.End >= other.End
}

func (r Range) String() string {
	if r.End == EOF {
		return fmt.Sprintf("[%d,EOF]", r.Start)
	}
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Whence selects what Region.Start is relative to.
type Whence int

const (
	// SeekSet: Start is an absolute offset.
	SeekSet Whence = iota
	// SeekCur: Start has already been adjusted by the caller for the
	// current file offset, and is treated as absolute.
	SeekCur
	// SeekEnd: Start is relative to the size of the resource.
	SeekEnd
)

// Region is a lock range as callers express it, in the manner of struct
// flock: a base, an offset from it and a length.  A Len of zero extends to
// EOF; a negative Len covers the bytes before Start.
type Region struct {
	Whence Whence
	Start  int64
	Len    int64
}

// RegionOf returns the Region which resolves to r.
func RegionOf(r Range) Region {
	if r.End == EOF {
		return Region{Whence: SeekSet, Start: r.Start}
	}
	return Region{Whence: SeekSet, Start: r.Start, Len: r.End - r.Start + 1}
}

// Resolve converts the region to an absolute range.  size is the current
// length of the resource and is only consulted for SeekEnd.
func (r Region) Resolve(size int64) (Range, error) {
	var start int64
	switch r.Whence {
	case SeekSet, SeekCur:
		start = r.Start
	case SeekEnd:
		if size < 0 {
			return Range{}, fmt.Errorf("negative resource size %d: %w", size, ErrInvalidRange)
		}
		if r.Start > 0 && size > math.MaxInt64-r.Start {
			return Range{}, fmt.Errorf("offset %d past size %d overflows: %w", r.Start, size, ErrInvalidRange)
		}
		start = size + r.Start
	default:
		return Range{}, fmt.Errorf("unknown whence %d: %w", r.Whence, ErrInvalidRange)
	}
	if start < 0 {
		return Range{}, fmt.Errorf("negative start %d: %w", start, ErrInvalidRange)
	}

	switch {
	case r.Len < 0:
		if start == 0 {
			return Range{}, fmt.Errorf("negative length %d at offset 0: %w", r.Len, ErrInvalidRange)
		}
		end := start - 1
		start += r.Len
		if start < 0 {
			return Range{}, fmt.Errorf("negative length %d reaches before offset 0: %w", r.Len, ErrInvalidRange)
		}
		return Range{Start: start, End: end}, nil
	case r.Len == 0:
		return Range{Start: start, End: EOF}, nil
	default:
		if r.Len-1 > math.MaxInt64-start {
			return Range{}, fmt.Errorf("length %d at offset %d overflows: %w", r.Len, start, ErrInvalidRange)
		}
		return Range{Start: start, End: start + r.Len - 1}, nil
	}
}

// Resource identifies a lockable object.  The manager never interprets it;
// callers usually derive it from a file's device and inode numbers (see
// package fileid).
type Resource struct {
	Device uint64
	Inode  uint64
}

func (r Resource) String() string {
	return fmt.Sprintf("%d:%d", r.Device, r.Inode)
}

// Identity names the holder of locks.  Local identities are compared by
// Token alone (a process, or an open file description); remote identities,
// which belong to a peer system, are compared by PID and SysID.
type Identity struct {
	Remote bool
	Token  uint64
	PID    int32
	SysID  int32
}

// LocalIdentity returns an identity compared by token.  pid is reported by
// GetLock and Locks.
func LocalIdentity(token uint64, pid int32) Identity {
	return Identity{Token: token, PID: pid}
}

// RemoteIdentity returns an identity for process pid on remote system sysid.
func RemoteIdentity(pid, sysid int32) Identity {
	return Identity{Remote: true, PID: pid, SysID: sysid}
}

func (id Identity) String() string {
	if id.Remote {
		return fmt.Sprintf("%d@%d", id.PID, id.SysID)
	}
	return fmt.Sprintf("%#x(pid %d)", id.Token, id.PID)
}

// Token identifies a queued asynchronous request so that it can be
// cancelled.  Tokens are never reused by a Manager.
type Token uint64

// Request describes a SetLock, ClearLock or GetLock call.
type Request struct {
	Resource Resource
	Owner    Identity
	Region   Region
	Type     LockType
	Mode     WaitMode
	// Size is the length of the resource, used when Region.Whence is
	// SeekEnd.
	Size int64
	// Notify is required with Async.  If SetLock returned ErrInProgress,
	// Notify is later called once, from its own goroutine, with nil when the
	// request has been granted or with an error matching ErrInterrupted when
	// the request was purged.  It is not called for requests removed by
	// Cancel, nor for requests granted without waiting.
	Notify func(error)
}

// LockInfo describes one lock entry.
type LockInfo struct {
	Type  LockType
	Range Range
	Owner Identity
	// Pending is set for requests which are waiting to be granted.
	Pending bool
	// BlockedBy lists the owners whose entries a pending request waits on.
	BlockedBy []Identity
}

// Conflict reports whether GetLock found a conflicting lock.
func (i LockInfo) Conflict() bool {
	return i.Type == Read || i.Type == Write
}
