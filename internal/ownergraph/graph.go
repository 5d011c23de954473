// Package ownergraph maintains a directed graph whose vertices are kept in a
// topological order while edges are added, so that an edge which would close
// a cycle is refused at insertion time.
//
// The ordering is maintained incrementally using the algorithm of Pearce and
// Kelly ("A Dynamic Topological Sort Algorithm for Directed Acyclic Graphs",
// ACM JEA 2006): inserting an edge x->y that violates the current order only
// reorders the vertices whose order lies between order(y) and order(x) and
// which are reachable from y or reach x.  The cost of an insertion is
// therefore proportional to the affected region rather than to the graph.
//
// A Graph is not safe for concurrent use; callers serialize access.
package ownergraph

import (
	"errors"
	"fmt"
	"slices"
)

// ErrCycle is returned by AddEdge when the new edge would create a cycle.
var ErrCycle = errors.New("edge would create a cycle")

// VertexID is a generation-checked handle to a vertex.  The zero value does
// not refer to any vertex.
type VertexID struct {
	index uint32
	gen   uint32
}

// Valid reports whether id was returned by AddVertex.  It does not report
// whether the vertex is still part of the graph.
func (id VertexID) Valid() bool {
	return id.gen != 0
}

func (id VertexID) String() string {
	return fmt.Sprintf("v%d.%d", id.index, id.gen)
}

type edge struct {
	from, to uint32
	refs     int
}

type vertex[T any] struct {
	gen   uint32
	live  bool
	order int
	mark  uint64
	out   []*edge
	in    []*edge
	value T
}

// Graph is a directed acyclic graph with a maintained topological order.
// Vertices carry a value of type T.  Edges carry a multiplicity: adding an
// edge which already exists only increments it, and the edge disappears when
// it has been removed as many times as it has been added.
type Graph[T any] struct {
	slots []vertex[T]
	free  []uint32
	// order holds slot indexes densely, indexed by vertex order.
	order []uint32
	mark  uint64

	// scratch space reused between insertions
	deltaF  []uint32
	deltaB  []uint32
	indices []int
}

// New returns an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{}
}

func (g *Graph[T]) get(id VertexID) *vertex[T] {
	if int(id.index) >= len(g.slots) {
		panic(fmt.Sprintf("internal error: vertex %s out of range", id))
	}
	v := &g.slots[id.index]
	if !v.live || v.gen != id.gen {
		panic(fmt.Sprintf("internal error: stale vertex handle %s", id))
	}
	return v
}

// AddVertex adds a vertex carrying value and places it last in the order.
func (g *Graph[T]) AddVertex(value T) VertexID {
	var index uint32
	if n := len(g.free); n > 0 {
		index = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		g.slots = append(g.slots, vertex[T]{})
		index = uint32(len(g.slots) - 1)
	}
	v := &g.slots[index]
	v.gen++
	if v.gen == 0 {
		v.gen = 1
	}
	v.live = true
	v.order = len(g.order)
	v.value = value
	g.order = append(g.order, index)
	return VertexID{index: index, gen: v.gen}
}

// RemoveVertex removes a vertex which has no edges.  Every vertex ordered
// after it moves down by one, keeping the order dense.
func (g *Graph[T]) RemoveVertex(id VertexID) {
	v := g.get(id)
	if len(v.out) != 0 || len(v.in) != 0 {
		panic(fmt.Sprintf("internal error: removing vertex %s which still has %d outgoing and %d incoming edges", id, len(v.out), len(v.in)))
	}
	for i := v.order + 1; i < len(g.order); i++ {
		w := g.order[i]
		g.slots[w].order--
		g.order[i-1] = w
	}
	g.order = g.order[:len(g.order)-1]
	var zero T
	v.value = zero
	v.live = false
	v.out = nil
	v.in = nil
	g.free = append(g.free, id.index)
}

// Len returns the number of vertices.
func (g *Graph[T]) Len() int {
	return len(g.order)
}

// Value returns the value carried by a vertex.
func (g *Graph[T]) Value(id VertexID) T {
	return g.get(id).value
}

// Order returns the position of a vertex in the topological order.
func (g *Graph[T]) Order(id VertexID) int {
	return g.get(id).order
}

// Degree returns the number of distinct outgoing and incoming edges.
func (g *Graph[T]) Degree(id VertexID) (out, in int) {
	v := g.get(id)
	return len(v.out), len(v.in)
}

// Refs returns the multiplicity of the edge x->y, zero if there is none.
func (g *Graph[T]) Refs(x, y VertexID) int {
	vx := g.get(x)
	g.get(y)
	for _, e := range vx.out {
		if e.to == y.index {
			return e.refs
		}
	}
	return 0
}

// AddEdge adds the edge x->y, or increments its multiplicity if it already
// exists.  If the edge would create a cycle, ErrCycle is returned and the
// graph is left unchanged.
func (g *Graph[T]) AddEdge(x, y VertexID) error {
	vx := g.get(x)
	vy := g.get(y)
	for _, e := range vx.out {
		if e.to == y.index {
			e.refs++
			return nil
		}
	}
	if x.index == y.index {
		return ErrCycle
	}

	if vy.order < vx.order {
		// The new edge violates the order.  Collect the vertices between
		// the two endpoints which are reachable from y (deltaF) and those
		// which reach x (deltaB), then move all of deltaB in front of all
		// of deltaF.  If x is reachable from y, the edge closes a cycle.
		g.mark++
		if g.deltaForward(x.index, y.index) {
			return ErrCycle
		}
		g.deltaBackward(x.index, y.index)
		g.reorder()
	}

	e := &edge{from: x.index, to: y.index, refs: 1}
	vx.out = append(vx.out, e)
	vy.in = append(vy.in, e)
	return nil
}

// deltaForward collects into g.deltaF the vertices reachable from y whose
// order is below that of x.  It returns true if x itself is reachable.
func (g *Graph[T]) deltaForward(x, y uint32) bool {
	limit := g.slots[x].order
	g.deltaF = append(g.deltaF[:0], y)
	g.slots[y].mark = g.mark
	for i := 0; i < len(g.deltaF); i++ {
		v := &g.slots[g.deltaF[i]]
		for _, e := range v.out {
			if e.to == x {
				return true
			}
			w := &g.slots[e.to]
			if w.order < limit && w.mark != g.mark {
				w.mark = g.mark
				g.deltaF = append(g.deltaF, e.to)
			}
		}
	}
	return false
}

// deltaBackward collects into g.deltaB the vertices which reach x and whose
// order is above that of y.
func (g *Graph[T]) deltaBackward(x, y uint32) {
	limit := g.slots[y].order
	g.deltaB = append(g.deltaB[:0], x)
	g.slots[x].mark = g.mark
	for i := 0; i < len(g.deltaB); i++ {
		v := &g.slots[g.deltaB[i]]
		for _, e := range v.in {
			w := &g.slots[e.from]
			if w.order > limit && w.mark != g.mark {
				w.mark = g.mark
				g.deltaB = append(g.deltaB, e.from)
			}
		}
	}
}

// reorder reassigns the order values held by deltaB and deltaF so that every
// vertex of deltaB comes before every vertex of deltaF, each set keeping its
// own relative order.
func (g *Graph[T]) reorder() {
	byOrder := func(a, b uint32) int {
		return g.slots[a].order - g.slots[b].order
	}
	slices.SortFunc(g.deltaB, byOrder)
	slices.SortFunc(g.deltaF, byOrder)

	g.indices = g.indices[:0]
	for _, v := range g.deltaB {
		g.indices = append(g.indices, g.slots[v].order)
	}
	for _, v := range g.deltaF {
		g.indices = append(g.indices, g.slots[v].order)
	}
	slices.Sort(g.indices)

	i := 0
	for _, set := range [][]uint32{g.deltaB, g.deltaF} {
		for _, v := range set {
			g.slots[v].order = g.indices[i]
			g.order[g.indices[i]] = v
			i++
		}
	}
}

// RemoveEdge decrements the multiplicity of x->y and removes the edge when it
// reaches zero.  The order is left as it is: it remains valid, if no longer
// minimal.
func (g *Graph[T]) RemoveEdge(x, y VertexID) {
	vx := g.get(x)
	vy := g.get(y)
	i := slices.IndexFunc(vx.out, func(e *edge) bool { return e.to == y.index })
	if i < 0 {
		panic(fmt.Sprintf("internal error: removing missing edge %s->%s", x, y))
	}
	e := vx.out[i]
	e.refs--
	if e.refs > 0 {
		return
	}
	vx.out = slices.Delete(vx.out, i, i+1)
	j := slices.Index(vy.in, e)
	if j < 0 {
		panic(fmt.Sprintf("internal error: edge %s->%s missing from incoming list", x, y))
	}
	vy.in = slices.Delete(vy.in, j, j+1)
}

// Vertices returns the vertex values in topological order.
func (g *Graph[T]) Vertices() []T {
	values := make([]T, 0, len(g.order))
	for _, index := range g.order {
		values = append(values, g.slots[index].value)
	}
	return values
}

// Edges calls fn for each edge, with the values of its endpoints and its
// multiplicity.
func (g *Graph[T]) Edges(fn func(from, to T, refs int)) {
	for _, index := range g.order {
		v := &g.slots[index]
		for _, e := range v.out {
			fn(v.value, g.slots[e.to].value, e.refs)
		}
	}
}

// Check verifies the graph's internal consistency: the order array is dense
// and agrees with each vertex's order, and every edge points from a lower to
// a higher order.
func (g *Graph[T]) Check() error {
	for i, index := range g.order {
		v := &g.slots[index]
		if !v.live {
			return fmt.Errorf("order %d holds freed slot %d", i, index)
		}
		if v.order != i {
			return fmt.Errorf("slot %d has order %d but is stored at %d", index, v.order, i)
		}
	}
	live := 0
	for index := range g.slots {
		v := &g.slots[index]
		if !v.live {
			continue
		}
		live++
		for _, e := range v.out {
			if e.refs <= 0 {
				return fmt.Errorf("edge %d->%d has multiplicity %d", e.from, e.to, e.refs)
			}
			if to := &g.slots[e.to]; v.order >= to.order {
				return fmt.Errorf("edge %d->%d goes from order %d to order %d", e.from, e.to, v.order, to.order)
			}
		}
	}
	if live != len(g.order) {
		return fmt.Errorf("%d live vertices but %d ordered", live, len(g.order))
	}
	return nil
}
