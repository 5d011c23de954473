package rangelock

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/btree"
)

type entryState int

const (
	entryNew entryState = iota
	entryPending
	entryActive
	entryFreed
)

// lockEntry is one request: a range, a type and an owner.  Active entries
// live in their resource's active tree, waiting ones in its pending list.
// All fields are protected by the resource's lockState.mu, except that the
// edge lists are only modified while ownerGraph.mu is held as well.
type lockEntry struct {
	start, end int64
	typ        LockType
	owner      *owner
	// seq orders entries with equal starts and doubles as the cancel token.
	seq   uint64
	state entryState

	// out holds edges to the entries blocking this one, in holds edges
	// from the entries this one blocks.
	out []*lockEdge
	in  []*lockEdge

	// notify is set for asynchronous requests; done is closed to wake a
	// synchronous waiter.
	notify      func(error)
	done        chan struct{}
	queued      bool
	interrupted bool
}

// Less orders the active tree by start offset.
func (e *lockEntry) Less(than btree.Item) bool {
	o := than.(*lockEntry)
	if e.start != o.start {
		return e.start < o.start
	}
	return e.seq < o.seq
}

// after returns a pivot which sorts immediately after e.
func (e *lockEntry) after() *lockEntry {
	return &lockEntry{start: e.start, seq: e.seq + 1}
}

func (e *lockEntry) rng() Range {
	return Range{Start: e.start, End: e.end}
}

func (e *lockEntry) String() string {
	return fmt.Sprintf("%s:%s:%s", e.owner, e.rng(), e.typ)
}

func (e *lockEntry) hasEdgeTo(to *lockEntry) bool {
	return slices.ContainsFunc(e.out, func(edge *lockEdge) bool { return edge.to == to })
}

func (e *lockEntry) info() LockInfo {
	info := LockInfo{
		Type:    e.typ,
		Range:   e.rng(),
		Pending: e.state == entryPending,
	}
	if e.owner != nil {
		info.Owner = e.owner.identity
	}
	for _, edge := range e.out {
		id := edge.to.owner.identity
		if !slices.Contains(info.BlockedBy, id) {
			info.BlockedBy = append(info.BlockedBy, id)
		}
	}
	return info
}

func overlaps(a, b *lockEntry) bool {
	return a.start <= b.end && a.end >= b.start
}

// touches reports whether a and b overlap or are adjacent.
func touches(a, b *lockEntry) bool {
	if overlaps(a, b) {
		return true
	}
	return (a.end != EOF && a.end+1 == b.start) || (b.end != EOF && b.end+1 == a.start)
}

// blocks reports whether a and b cannot both be granted.
func blocks(a, b *lockEntry) bool {
	return a.owner != b.owner && (a.typ == Write || b.typ == Write) && overlaps(a, b)
}

// overlap classifies an existing entry relative to a new one.
type overlap int

const (
	noOverlap overlap = iota
	// the existing entry covers exactly the new range
	overlapEqual
	// the existing entry contains the new range
	overlapContains
	// the new range contains the existing entry
	overlapContained
	// the existing entry starts before the new range and ends inside it
	overlapStartsBefore
	// the existing entry starts inside the new range and ends after it
	overlapEndsAfter
)

func (o overlap) String() string {
	switch o {
	case noOverlap:
		return "none"
	case overlapEqual:
		return "equal"
	case overlapContains:
		return "contains"
	case overlapContained:
		return "contained"
	case overlapStartsBefore:
		return "starts-before"
	case overlapEndsAfter:
		return "ends-after"
	}
	return fmt.Sprintf("overlap(%d)", int(o))
}

func classify(found, lock *lockEntry) overlap {
	switch {
	case lock.start > found.end || found.start > lock.end:
		return noOverlap
	case found.start == lock.start && found.end == lock.end:
		return overlapEqual
	case found.start <= lock.start && found.end >= lock.end:
		return overlapContains
	case lock.start <= found.start && lock.end >= found.end:
		return overlapContained
	case found.start < lock.start:
		return overlapStartsBefore
	case found.end > lock.end:
		return overlapEndsAfter
	}
	panic(fmt.Sprintf("internal error: unclassifiable overlap of %s and %s", found, lock))
}

// lockState holds the locks of one resource.
type lockState struct {
	resource Resource
	mu       sync.Mutex
	// active is ordered by start offset.  Entries of different owners in
	// it never overlap unless both are read locks; entries of one owner
	// never overlap.
	active *btree.BTree
	// pending holds waiting requests in arrival order.  Each has at least
	// one outgoing edge.
	pending []*lockEntry

	// users counts the goroutines operating on the state.  It is protected
	// by Manager.statesMu.
	users int

	// purged is set once PurgeResource has started; no request may queue
	// after that.
	purged bool

	// notes collects asynchronous completions to deliver once mu has been
	// released.
	notes []notification

	metrics *Metrics
}

type notification struct {
	fn  func(error)
	err error
}

func newLockState(res Resource, metrics *Metrics) *lockState {
	return &lockState{
		resource: res,
		active:   btree.New(8),
		metrics:  metrics,
	}
}

func (st *lockState) empty() bool {
	return st.active.Len() == 0 && len(st.pending) == 0
}

func (st *lockState) insertActive(e *lockEntry) {
	if st.active.ReplaceOrInsert(e) != nil {
		panic(fmt.Sprintf("internal error: %s inserted twice", e))
	}
	e.state = entryActive
	st.metrics.active.Inc()
}

func (st *lockState) removeActive(e *lockEntry) {
	if st.active.Delete(e) == nil {
		panic(fmt.Sprintf("internal error: %s is not active", e))
	}
	e.state = entryNew
	st.metrics.active.Dec()
}

func (st *lockState) insertPending(e *lockEntry) {
	e.state = entryPending
	e.queued = true
	st.pending = append(st.pending, e)
	st.metrics.pending.Inc()
}

func (st *lockState) removePending(e *lockEntry) {
	i := slices.Index(st.pending, e)
	if i < 0 {
		panic(fmt.Sprintf("internal error: %s is not pending", e))
	}
	st.pending = slices.Delete(st.pending, i, i+1)
	e.state = entryNew
	st.metrics.pending.Dec()
}

func (st *lockState) activeEntries() []*lockEntry {
	entries := make([]*lockEntry, 0, st.active.Len())
	st.active.Ascend(func(i btree.Item) bool {
		entries = append(entries, i.(*lockEntry))
		return true
	})
	return entries
}

// findOverlap scans the active tree from pivot (from the start if pivot is
// nil) for the first entry accepted by filter which overlaps lock.
func (st *lockState) findOverlap(pivot, lock *lockEntry, filter func(*lockEntry) bool) (found *lockEntry, kind overlap) {
	visit := func(i btree.Item) bool {
		e := i.(*lockEntry)
		if e.start > lock.end {
			return false
		}
		if !filter(e) || lock.start > e.end {
			return true
		}
		found, kind = e, classify(e, lock)
		return false
	}
	if pivot == nil {
		st.active.Ascend(visit)
	} else {
		st.active.AscendGreaterOrEqual(pivot, visit)
	}
	return found, kind
}

// getBlock returns the first active entry which blocks lock.
func (st *lockState) getBlock(lock *lockEntry) *lockEntry {
	var block *lockEntry
	st.active.Ascend(func(i btree.Item) bool {
		e := i.(*lockEntry)
		if e.start > lock.end {
			return false
		}
		if blocks(lock, e) {
			block = e
			return false
		}
		return true
	})
	return block
}

func (st *lockState) note(fn func(error), err error) {
	st.notes = append(st.notes, notification{fn: fn, err: err})
}

func (st *lockState) takeNotes() []notification {
	notes := st.notes
	st.notes = nil
	return notes
}

func deliver(notes []notification) {
	for _, n := range notes {
		go n.fn(n.err)
	}
}
