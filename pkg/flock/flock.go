// flock exposes an API in the manner of flock(2) on top of a rangelock
// Manager: whole-file shared and exclusive locks, which synchronize the
// goroutines sharing one Flock as well as the holders of different Flocks
// for the same file.  Each Flock is a lock owner of its own, so the
// manager's deadlock detection covers Flocks just like range locks.

package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/containers/rangelock/pkg/fileid"
	"github.com/containers/rangelock/pkg/rangelock"
	"golang.org/x/sync/semaphore"
)

var errInternal = errors.New("internal error: flock")

// Flock is a reader/writer lock on a file.
type Flock interface {
	// Lock locks the exclusive Flock for writing.
	Lock() error
	// LockContext is like Lock but gives up when ctx is done.
	LockContext(ctx context.Context) error
	// TryLock locks the exclusive Flock without blocking. The first return
	// value indicates if the Flock has been acquired.
	TryLock() (bool, error)
	// RLock locks the shared Flock for reading.
	RLock() error
	// Unlock unlocks the Flock. If it's a shared Flock, unlock must be called
	// by the number of RLock() calls for the file to be unlocked.
	Unlock() error
	// Locked indicates if the Flock is locked.
	Locked() bool
}

// flockType indicates the type of the Flock.
type flockType int

const (
	// flockUnlocked indicates an unlock flock
	flockUnlocked flockType = iota
	// flockShared indicates a shared flock (i.e., reader)
	flockShared
	// flockExclusive indicates an exclusive flock (i.e., writer)
	flockExclusive
)

var tokens atomic.Uint64

// wholeFile covers every byte the file has or will have.
var wholeFile = rangelock.Range{Start: 0, End: rangelock.EOF}

// flock implements the Flock interface
type flock struct {
	path     string              // path to the lock file
	manager  *rangelock.Manager  // holder of the file's locks
	resource rangelock.Resource  // the file's device and inode
	owner    rangelock.Identity  // unique to this flock
	sem      *semaphore.Weighted // process-space internal flock implementation

	mutex     *sync.Mutex // synchronization of state below
	flockType flockType   // current type of the lock
	refs      uint        // reference counting
}

// New returns a Flock for path, creating the file if needed.
func New(m *rangelock.Manager, path string) (Flock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := fileid.FromFile(f)
	if err != nil {
		return nil, err
	}
	return &flock{
		path:      path,
		manager:   m,
		resource:  info.Resource,
		owner:     rangelock.LocalIdentity(tokens.Add(1), int32(os.Getpid())),
		sem:       semaphore.NewWeighted(1),
		mutex:     new(sync.Mutex),
		flockType: flockUnlocked,
	}, nil
}

func (f *flock) Locked() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.refs > 0
}

func (f *flock) Lock() error {
	return f.LockContext(context.Background())
}

func (f *flock) LockContext(ctx context.Context) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := f.manager.Lock(ctx, f.resource, f.owner, wholeFile, rangelock.Write); err != nil {
		f.sem.Release(1)
		return fmt.Errorf("locking %q: %w", f.path, err)
	}
	f.mutex.Lock()
	f.refs++
	f.flockType = flockExclusive
	f.mutex.Unlock()
	return nil
}

func (f *flock) TryLock() (bool, error) {
	if acquired := f.sem.TryAcquire(1); !acquired {
		return false, nil
	}
	err := f.manager.TryLock(f.resource, f.owner, wholeFile, rangelock.Write)
	if err != nil {
		f.sem.Release(1)
		if errors.Is(err, rangelock.ErrWouldBlock) {
			return false, nil
		}
		return false, fmt.Errorf("locking %q: %w", f.path, err)
	}
	f.mutex.Lock()
	f.refs++
	f.flockType = flockExclusive
	f.mutex.Unlock()
	return true, nil
}

func (f *flock) RLock() error {
	for { // Busy loop to avoid dead locks.
		f.mutex.Lock()
		// Unlock requires owning the mutex, so we will increment the ref conter
		// **before** any concurrent threads may unlock the file.
		if f.flockType == flockShared {
			break
		}
		// If we don't already own the flock (see upper case), we fight with
		// other threads for the semaphore.
		if f.sem.TryAcquire(1) {
			break
		}
		f.mutex.Unlock()
	}
	defer f.mutex.Unlock()

	f.refs++
	if f.refs > 1 {
		return nil
	}
	if err := f.manager.Lock(context.Background(), f.resource, f.owner, wholeFile, rangelock.Read); err != nil {
		f.refs--
		f.sem.Release(1)
		return fmt.Errorf("locking %q for reading: %w", f.path, err)
	}
	f.flockType = flockShared
	return nil
}

func (f *flock) Unlock() error {
	// Note: it's crucial we own the mutex for the entire unlock() procedure.
	// RLock() depends on it.
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.refs == 0 {
		return fmt.Errorf("%w: unlocking unlocked Flock %q", errInternal, f.path)
	}

	f.refs--
	if f.refs == 0 {
		defer func() {
			f.flockType = flockUnlocked
			f.sem.Release(1)
		}()
		if err := f.manager.Unlock(f.resource, f.owner, wholeFile); err != nil {
			return err
		}
	}
	return nil
}
