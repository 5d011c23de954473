package rangelock

import (
	"fmt"

	"github.com/google/btree"
)

func (m *Manager) newEntry(o *owner, r Range, typ LockType) *lockEntry {
	return &lockEntry{
		start: r.Start,
		end:   r.End,
		typ:   typ,
		owner: o,
		seq:   m.seq.Add(1),
	}
}

// freeEntry drops an entry which is in neither list and has no edges.
func (m *Manager) freeEntry(e *lockEntry) {
	if len(e.out) != 0 || len(e.in) != 0 {
		panic(fmt.Sprintf("internal error: freeing %s with edges", e))
	}
	if e.state == entryFreed {
		panic(fmt.Sprintf("internal error: %s freed twice", e))
	}
	e.state = entryFreed
	m.registry.release(e.owner)
}

// setStart moves the start of an active entry forward.  The entry changes
// its place in the active tree, and dependents it no longer blocks are
// released.
func (m *Manager) setStart(st *lockState, e *lockEntry, start int64, granted *[]*lockEntry) {
	st.removeActive(e)
	e.start = start
	st.insertActive(e)
	m.updateDependencies(st, e, false, granted)
}

// setEnd moves the end of an active entry back.
func (m *Manager) setEnd(st *lockState, e *lockEntry, end int64, granted *[]*lockEntry) {
	e.end = end
	m.updateDependencies(st, e, false, granted)
}

// split cuts the range of lock out of the active entry e, which contains it.
// Up to two pieces of e remain.
func (m *Manager) split(st *lockState, e, lock *lockEntry, granted *[]*lockEntry) {
	if e.start == lock.start {
		m.setStart(st, e, lock.end+1, granted)
		return
	}
	if e.end == lock.end {
		m.setEnd(st, e, lock.start-1, granted)
		return
	}

	// The tail must hold its waiters before they are released from e.
	m.registry.ref(e.owner)
	tail := m.newEntry(e.owner, Range{Start: lock.end + 1, End: e.end}, e.typ)
	if err := m.graph.addIncoming(st, tail); err != nil {
		panic(fmt.Sprintf("internal error: splitting %s: %v", e, err))
	}
	m.setEnd(st, e, lock.start-1, granted)
	st.insertActive(tail)
}

// coalesce widens lock over the active entries of its owner and type which
// overlap or adjoin it.  The entries themselves are removed afterwards by
// activate, as lock then contains them.
func (m *Manager) coalesce(st *lockState, lock *lockEntry) {
	widened := false
	for {
		changed := false
		st.active.Ascend(func(i btree.Item) bool {
			e := i.(*lockEntry)
			if lock.end != EOF && e.start > lock.end+1 {
				return false
			}
			if e.owner != lock.owner || e.typ != lock.typ || !touches(e, lock) {
				return true
			}
			if e.start < lock.start {
				lock.start, changed = e.start, true
			}
			if e.end > lock.end {
				lock.end, changed = e.end, true
			}
			return true
		})
		if !changed {
			break
		}
		widened = true
	}
	if !widened {
		return
	}
	// Waiters on the merged entries now wait on lock instead.  They already
	// wait on this owner, so no cycle can appear.
	if err := m.graph.addIncoming(st, lock); err != nil {
		panic(fmt.Sprintf("internal error: coalescing %s: %v", lock, err))
	}
}

// activate applies lock, which no other owner's entry blocks, to the active
// tree: the owner's own entries in its range are replaced, trimmed or split.
// Dependents released on the way are appended to granted.
func (m *Manager) activate(st *lockState, lock *lockEntry, granted *[]*lockEntry) {
	if lock.typ != Unlock {
		m.coalesce(st, lock)
	}

	self := func(e *lockEntry) bool { return e.owner == lock.owner }
	var pivot *lockEntry
loop:
	for {
		ov, kind := st.findOverlap(pivot, lock, self)
		switch kind {
		case noOverlap:
			break loop
		case overlapEqual:
			st.removeActive(ov)
			m.updateDependencies(st, ov, true, granted)
			m.freeEntry(ov)
			break loop
		case overlapContains:
			m.split(st, ov, lock, granted)
			break loop
		case overlapContained:
			st.removeActive(ov)
			m.updateDependencies(st, ov, true, granted)
			m.freeEntry(ov)
			pivot = ov
		case overlapStartsBefore:
			m.setEnd(st, ov, lock.start-1, granted)
			pivot = ov.after()
		case overlapEndsAfter:
			m.setStart(st, ov, lock.end+1, granted)
			break loop
		}
	}

	if lock.typ == Unlock {
		m.freeEntry(lock)
		return
	}
	st.insertActive(lock)
	if lock.queued {
		m.metrics.wakeups.Inc()
		if lock.notify != nil {
			st.note(lock.notify, nil)
		} else {
			close(lock.done)
		}
	}
}

// grant activates locks and then, breadth first, every pending entry
// released by doing so.
func (m *Manager) grant(st *lockState, locks ...*lockEntry) {
	granted := locks
	for len(granted) > 0 {
		lock := granted[0]
		granted = granted[1:]
		m.activate(st, lock, &granted)
	}
}

// cancelLock removes a pending entry with its edges and grants whatever
// waited on it alone.
func (m *Manager) cancelLock(st *lockState, lock *lockEntry) {
	st.removePending(lock)
	m.graph.removeOutgoing(lock)
	var granted []*lockEntry
	m.updateDependencies(st, lock, true, &granted)
	m.freeEntry(lock)
	m.grant(st, granted...)
}

// interrupt cancels a pending entry and reports ErrInterrupted to its
// requester.  A synchronous requester frees the entry itself.
func (m *Manager) interrupt(st *lockState, lock *lockEntry, reason string) {
	st.removePending(lock)
	m.graph.removeOutgoing(lock)
	var granted []*lockEntry
	m.updateDependencies(st, lock, true, &granted)
	if lock.notify != nil {
		m.freeEntry(lock)
		st.note(lock.notify, fmt.Errorf("%s: %w", reason, ErrInterrupted))
	} else {
		lock.interrupted = true
		close(lock.done)
	}
	m.grant(st, granted...)
}
