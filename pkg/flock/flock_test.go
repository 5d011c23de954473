package flock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containers/rangelock/pkg/rangelock"
	"github.com/containers/rangelock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedFlock struct {
	Flock
	name string
}

func newManager() *rangelock.Manager {
	options := types.DefaultManagerOptions()
	options.Verify = true
	return rangelock.New(options)
}

func getTempLockfile(t *testing.T, m *rangelock.Manager) *namedFlock {
	t.Helper()
	name := filepath.Join(t.TempDir(), "lockfile")
	l, err := New(m, name)
	require.NoError(t, err, "error getting temporary lock file")
	return &namedFlock{Flock: l, name: name}
}

// reopen returns a second Flock for the file of l, which competes with l.
func reopen(t *testing.T, m *rangelock.Manager, l *namedFlock) Flock {
	t.Helper()
	other, err := New(m, l.name)
	require.NoError(t, err)
	return other
}

func TestLockfileName(t *testing.T) {
	l := getTempLockfile(t, newManager())

	_, err := os.Stat(l.name)
	assert.NoError(t, err, "New should create the lock file")
	assert.False(t, l.Locked())

	assert.Nil(t, l.RLock())
	assert.True(t, l.Locked())
	assert.Nil(t, l.Unlock())

	assert.Nil(t, l.Lock())
	assert.True(t, l.Locked())
	assert.Nil(t, l.Unlock())
	assert.False(t, l.Locked())
}

func TestRLock(t *testing.T) {
	l := getTempLockfile(t, newManager())

	assert.Nil(t, l.RLock())
	assert.True(t, l.Locked())

	acquired, err := l.TryLock()
	assert.Nil(t, err)
	assert.False(t, acquired)

	assert.Nil(t, l.Unlock())
	assert.False(t, l.Locked())
}

func TestLock(t *testing.T) {
	l := getTempLockfile(t, newManager())

	assert.Nil(t, l.Lock())
	assert.True(t, l.Locked())

	acquired, err := l.TryLock()
	assert.Nil(t, err)
	assert.False(t, acquired)

	assert.Nil(t, l.Unlock())
	assert.False(t, l.Locked())
}

func TestUnlockUnlocked(t *testing.T) {
	l := getTempLockfile(t, newManager())
	err := l.Unlock()
	assert.True(t, errors.Is(err, errInternal), "got %v", err)
}

func TestTwoFlocksExclusive(t *testing.T) {
	m := newManager()
	l := getTempLockfile(t, m)
	other := reopen(t, m, l)

	require.NoError(t, l.Lock())
	acquired, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, acquired)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = other.LockContext(ctx)
	assert.ErrorIs(t, err, rangelock.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, other.Locked())

	done := make(chan error)
	go func() { done <- other.Lock() }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Unlock())
	require.NoError(t, <-done)
	assert.True(t, other.Locked())
	require.NoError(t, other.Unlock())
}

func TestTwoFlocksShared(t *testing.T) {
	m := newManager()
	l := getTempLockfile(t, m)
	other := reopen(t, m, l)

	require.NoError(t, l.RLock())
	require.NoError(t, other.RLock())
	acquired, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, acquired)
	require.NoError(t, l.Unlock())
	require.NoError(t, other.Unlock())
}

func TestConcurrentLock(t *testing.T) {
	m := newManager()
	l := getTempLockfile(t, m)
	flocks := []Flock{l, reopen(t, m, l), reopen(t, m, l)}
	var wg sync.WaitGroup
	var highestMutex sync.Mutex
	var counter, highest int64
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(f Flock) {
			defer wg.Done()
			assert.Nil(t, f.Lock())
			tmp := atomic.AddInt64(&counter, 1)
			assert.True(t, tmp >= 0, "counter should never be less than zero")
			highestMutex.Lock()
			if tmp > highest {
				// multiple writers should not be able to hold
				// this lock at the same time
				highest = tmp
			}
			highestMutex.Unlock()
			atomic.AddInt64(&counter, -1)
			assert.Nil(t, f.Unlock())
		}(flocks[i%len(flocks)])
	}
	wg.Wait()
	assert.True(t, highest == 1, "counter should never have gone above 1, got to %d", highest)
}

func TestConcurrentTryLock(t *testing.T) {
	m := newManager()
	l := getTempLockfile(t, m)
	flocks := []Flock{l, reopen(t, m, l)}
	var wg sync.WaitGroup
	var counter, highest atomic.Int64
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(f Flock) {
			defer wg.Done()
			acquired, err := f.TryLock()
			assert.Nil(t, err)
			if !acquired {
				return
			}
			tmp := counter.Add(1)
			for {
				h := highest.Load()
				if tmp <= h || highest.CompareAndSwap(h, tmp) {
					break
				}
			}
			counter.Add(-1)
			assert.Nil(t, f.Unlock())
		}(flocks[i%len(flocks)])
	}
	wg.Wait()
	assert.LessOrEqual(t, highest.Load(), int64(1))
}

func TestConcurrentRLock(t *testing.T) {
	l := getTempLockfile(t, newManager())

	// the test below is inspired by the stdlib's rwmutex tests
	numReaders := 100
	locked := make(chan bool)
	unlocked := make(chan bool)
	done := make(chan bool)

	for i := 0; i < numReaders; i++ {
		go func() {
			assert.Nil(t, l.RLock())
			locked <- true
			<-unlocked
			assert.Nil(t, l.Unlock())
			done <- true
		}()
	}

	// Wait for all parallel locks to succeed
	for i := 0; i < numReaders; i++ {
		<-locked
	}
	// Instruct all parallel locks to unlock
	for i := 0; i < numReaders; i++ {
		unlocked <- true
	}
	// Wait for all parallel locks to be unlocked
	for i := 0; i < numReaders; i++ {
		<-done
	}
	assert.False(t, l.Locked())
}

func TestGetLockfile(t *testing.T) {
	m := newManager()
	name := filepath.Join(t.TempDir(), "lockfile")
	a, err := GetLockfile(m, name)
	require.NoError(t, err)
	b, err := GetLockfile(m, name)
	require.NoError(t, err)

	a.Lock()
	acquired := make(chan struct{})
	go func() {
		b.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second locker acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	a.Unlock()
	<-acquired
	b.Unlock()
	assert.Panics(t, b.Unlock)
}
