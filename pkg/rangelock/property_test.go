package rangelock

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitsFor builds the graph of owners waiting on each other from the
// queued requests on resources.
func waitsFor(m *Manager, resources []Resource) map[Identity][]Identity {
	g := make(map[Identity][]Identity)
	for _, res := range resources {
		for _, l := range m.Locks(res) {
			if l.Pending {
				g[l.Owner] = append(g[l.Owner], l.BlockedBy...)
			}
		}
	}
	return g
}

func reaches(g map[Identity][]Identity, from, to Identity) bool {
	seen := map[Identity]bool{from: true}
	queue := []Identity{from}
	for len(queue) > 0 {
		x := queue[0]
		queue = queue[1:]
		if x == to {
			return true
		}
		for _, y := range g[x] {
			if !seen[y] {
				seen[y] = true
				queue = append(queue, y)
			}
		}
	}
	return false
}

func acyclic(g map[Identity][]Identity) bool {
	for x, ys := range g {
		for _, y := range ys {
			if reaches(g, y, x) {
				return false
			}
		}
	}
	return true
}

func conflicts(a LockType, ar Range, b LockType, br Range) bool {
	return (a == Write || b == Write) && ar.Overlaps(br)
}

// expectDeadlock predicts whether a request by id would be refused with
// ErrDeadlock.  A request blocked by a granted lock waits on every granted
// or queued entry blocking it; otherwise it is granted, and the queued
// requests it blocks wait on it.
func expectDeadlock(m *Manager, resources []Resource, res Resource, id Identity, r Range, typ LockType, mode WaitMode) bool {
	g := waitsFor(m, resources)
	var blockedBy, blocking []Identity
	granted := false
	for _, l := range m.Locks(res) {
		if l.Owner == id || !conflicts(typ, r, l.Type, l.Range) {
			continue
		}
		if l.Pending {
			blockedBy = append(blockedBy, l.Owner)
			blocking = append(blocking, l.Owner)
		} else {
			blockedBy = append(blockedBy, l.Owner)
			granted = true
		}
	}
	if granted {
		if mode == NoWait {
			return false
		}
		for _, o := range blockedBy {
			if reaches(g, o, id) {
				return true
			}
		}
		return false
	}
	for _, o := range blocking {
		if reaches(g, id, o) {
			return true
		}
	}
	return false
}

func TestRandomRequests(t *testing.T) {
	resources := []Resource{{Inode: 1}, {Inode: 2}}
	owners := []Identity{ownerID(1), ownerID(2), ownerID(3), ownerID(4)}
	ctx := context.Background()

	for seed := uint64(1); seed <= 20; seed++ {
		m := newTestManager(t)
		rng := rand.New(rand.NewPCG(seed, 0))
		type queued struct {
			res Resource
			tok Token
		}
		var tokens []queued
		deadlocks := 0

		for step := 0; step < 300; step++ {
			res := resources[rng.IntN(len(resources))]
			id := owners[rng.IntN(len(owners))]
			start := rng.Int64N(16)
			r := Range{Start: start, End: start + rng.Int64N(8)}
			if rng.IntN(10) == 0 {
				r.End = EOF
			}
			typ := Read
			if rng.IntN(2) == 0 {
				typ = Write
			}

			switch n := rng.IntN(10); {
			case n < 6:
				mode := Async
				if n < 2 {
					mode = NoWait
				}
				want := expectDeadlock(m, resources, res, id, r, typ, mode)
				req := Request{Resource: res, Owner: id, Region: RegionOf(r), Type: typ, Mode: mode}
				if mode == Async {
					req.Notify = func(error) {}
				}
				tok, err := m.SetLock(ctx, req)
				require.Equal(t, want, errors.Is(err, ErrDeadlock), "seed %d step %d: %s %s %s by %s: %v", seed, step, mode, typ, r, id, err)
				switch {
				case errors.Is(err, ErrInProgress):
					tokens = append(tokens, queued{res: res, tok: tok})
				case errors.Is(err, ErrDeadlock):
					deadlocks++
				case err != nil:
					require.ErrorIs(t, err, ErrWouldBlock)
				}
			case n < 9:
				require.NoError(t, m.Unlock(res, id, r))
			default:
				if len(tokens) == 0 {
					continue
				}
				i := rng.IntN(len(tokens))
				q := tokens[i]
				tokens = append(tokens[:i], tokens[i+1:]...)
				if err := m.Cancel(q.res, q.tok); err != nil {
					require.ErrorIs(t, err, ErrNotFound)
				}
			}

			require.True(t, acyclic(waitsFor(m, resources)), "seed %d step %d", seed, step)
			require.NoError(t, m.Check(), "seed %d step %d", seed, step)
		}
		t.Logf("seed %d: %d deadlocks refused", seed, deadlocks)

		for _, res := range resources {
			m.PurgeResource(res)
		}
		assert.Empty(t, m.Resources())
		assert.Equal(t, 0, m.registry.len())
	}
}
