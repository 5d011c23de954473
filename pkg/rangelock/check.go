package rangelock

import (
	"errors"
	"fmt"
)

// Check verifies the manager's invariants: granted locks are ordered and do
// not conflict, every queued request waits on something and on everything
// granted which blocks it, and the owner graph is acyclic and topologically
// ordered.
func (m *Manager) Check() error {
	var errs []error
	for _, st := range m.holdStates() {
		st.mu.Lock()
		errs = append(errs, st.check()...)
		st.mu.Unlock()
		m.putState(st)
	}
	m.graph.mu.Lock()
	if err := m.graph.g.Check(); err != nil {
		errs = append(errs, fmt.Errorf("owner graph: %w", err))
	}
	m.graph.mu.Unlock()
	return errors.Join(errs...)
}

func (st *lockState) check() []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("resource %s: "+format, append([]any{st.resource}, args...)...))
	}

	active := st.activeEntries()
	for i, e := range active {
		if e.start > e.end {
			fail("%s has an empty range", e)
		}
		if e.state != entryActive {
			fail("%s in the active list has state %d", e, e.state)
		}
		if len(e.out) != 0 {
			fail("granted %s waits on %d entries", e, len(e.out))
		}
		if i > 0 && active[i-1].start > e.start {
			fail("%s is out of order", e)
		}
		for _, f := range active[i+1:] {
			if f.start > e.end {
				break
			}
			switch {
			case e.owner == f.owner:
				fail("%s overlaps %s of the same owner", e, f)
			case blocks(e, f):
				fail("%s conflicts with %s", e, f)
			}
		}
	}

	for _, p := range st.pending {
		if p.state != entryPending {
			fail("%s in the pending list has state %d", p, p.state)
		}
		if len(p.out) == 0 {
			fail("pending %s waits on nothing", p)
		}
		for _, edge := range p.out {
			if edge.from != p {
				fail("edge %s -> %s is linked from %s", edge.from, edge.to, p)
			}
			if !blocks(p, edge.to) {
				fail("pending %s waits on %s which does not block it", p, edge.to)
			}
		}
		for _, e := range active {
			if blocks(p, e) && !p.hasEdgeTo(e) {
				fail("pending %s is blocked by %s without waiting on it", p, e)
			}
		}
	}
	return errs
}
