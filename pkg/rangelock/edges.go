package rangelock

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/containers/rangelock/internal/ownergraph"
	"github.com/google/btree"
)

// lockEdge records that from cannot be granted while to holds its range.
// Every lockEdge is mirrored by one reference on the owner graph edge
// from.owner -> to.owner.
type lockEdge struct {
	from, to *lockEntry
}

// ownerGraph is the manager-wide graph of owners waiting on each other.  It
// is shared by every resource, so edge insertions from all resources are
// serialized by mu and a cycle spanning several resources is still seen.
type ownerGraph struct {
	mu      sync.Mutex
	g       *ownergraph.Graph[*owner]
	metrics *Metrics
}

func newOwnerGraph(metrics *Metrics) *ownerGraph {
	return &ownerGraph{
		g:       ownergraph.New[*owner](),
		metrics: metrics,
	}
}

func (m *ownerGraph) vertex(o *owner) ownergraph.VertexID {
	if !o.vertex.Valid() {
		o.vertex = m.g.AddVertex(o)
		m.metrics.vertices.Set(float64(m.g.Len()))
	}
	return o.vertex
}

// freeVertex drops an owner's vertex.  The owner must not have any edges
// left.
func (m *ownerGraph) freeVertex(o *owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !o.vertex.Valid() {
		return
	}
	m.g.RemoveVertex(o.vertex)
	o.vertex = ownergraph.VertexID{}
	m.metrics.vertices.Set(float64(m.g.Len()))
}

// addEdge adds the edge from -> to, failing with ErrDeadlock if the owner
// of to already waits, directly or not, on the owner of from.
func (m *ownerGraph) addEdge(from, to *lockEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, y := m.vertex(from.owner), m.vertex(to.owner)
	if err := m.g.AddEdge(x, y); err != nil {
		if errors.Is(err, ownergraph.ErrCycle) {
			return fmt.Errorf("%s waiting on %s: %w", from, to, ErrDeadlock)
		}
		return err
	}
	e := &lockEdge{from: from, to: to}
	from.out = append(from.out, e)
	to.in = append(to.in, e)
	return nil
}

func (m *ownerGraph) removeEdge(e *lockEdge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.g.RemoveEdge(e.from.owner.vertex, e.to.owner.vertex)
	e.from.out = deleteEdge(e.from.out, e)
	e.to.in = deleteEdge(e.to.in, e)
}

func deleteEdge(edges []*lockEdge, e *lockEdge) []*lockEdge {
	i := slices.Index(edges, e)
	if i < 0 {
		panic(fmt.Sprintf("internal error: edge %s -> %s is not linked", e.from, e.to))
	}
	return slices.Delete(edges, i, i+1)
}

// addOutgoing adds an edge from lock to every active and then every pending
// entry which blocks it.  Either all edges are added or, on ErrDeadlock,
// none remain.
func (m *ownerGraph) addOutgoing(st *lockState, lock *lockEntry) error {
	var err error
	st.active.Ascend(func(i btree.Item) bool {
		e := i.(*lockEntry)
		if e.start > lock.end {
			return false
		}
		if blocks(lock, e) {
			err = m.addEdge(lock, e)
		}
		return err == nil
	})
	if err == nil {
		for _, p := range st.pending {
			if p == lock || !blocks(lock, p) {
				continue
			}
			if err = m.addEdge(lock, p); err != nil {
				break
			}
		}
	}
	if err != nil {
		m.removeOutgoing(lock)
		return err
	}
	return nil
}

// addIncoming adds an edge to lock from every pending entry which it blocks
// and which does not already wait on it.  Edges added by a failed call are
// removed again.
func (m *ownerGraph) addIncoming(st *lockState, lock *lockEntry) error {
	var added []*lockEdge
	for _, p := range st.pending {
		if p == lock || !blocks(p, lock) || p.hasEdgeTo(lock) {
			continue
		}
		if err := m.addEdge(p, lock); err != nil {
			for _, e := range added {
				m.removeEdge(e)
			}
			return err
		}
		added = append(added, lock.in[len(lock.in)-1])
	}
	return nil
}

func (m *ownerGraph) removeOutgoing(lock *lockEntry) {
	for len(lock.out) > 0 {
		m.removeEdge(lock.out[len(lock.out)-1])
	}
}

func (m *ownerGraph) removeIncoming(lock *lockEntry) {
	for len(lock.in) > 0 {
		m.removeEdge(lock.in[len(lock.in)-1])
	}
}

// updateDependencies re-evaluates the entries waiting on lock after its
// range shrank, or unconditionally when all is set because lock is going
// away.  Dependents left without outgoing edges are moved from the pending
// list to granted.
func (m *Manager) updateDependencies(st *lockState, lock *lockEntry, all bool, granted *[]*lockEntry) {
	for _, e := range slices.Clone(lock.in) {
		dep := e.from
		if !all && blocks(dep, lock) {
			continue
		}
		m.graph.removeEdge(e)
		if len(dep.out) == 0 {
			st.removePending(dep)
			*granted = append(*granted, dep)
		}
	}
}
