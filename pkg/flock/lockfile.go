package flock

import (
	"sync"
	"time"

	"github.com/containers/rangelock/pkg/rangelock"
)

type lockfile struct {
	flock Flock
}

// GetLockfile returns a sync.Locker which holds an exclusive lock on path.
// Lock retries until the lock has been acquired, even after the manager
// reported a deadlock.  Unlock panics if the lock is not held, as
// sync.Mutex does.
func GetLockfile(m *rangelock.Manager, path string) (sync.Locker, error) {
	f, err := New(m, path)
	if err != nil {
		return nil, err
	}
	return &lockfile{flock: f}, nil
}

func (l *lockfile) Lock() {
	for l.flock.Lock() != nil {
		time.Sleep(10 * time.Millisecond)
	}
}

func (l *lockfile) Unlock() {
	if err := l.flock.Unlock(); err != nil {
		panic(err)
	}
}
