package rangelock

import (
	"encoding/binary"
	"math/bits"
	"sync"

	"github.com/containers/rangelock/internal/ownergraph"
	"github.com/zeebo/xxh3"
)

// ownerKey is the comparable form of an Identity: local identities are keyed
// by token, remote ones by pid and system id.
type ownerKey struct {
	remote bool
	token  uint64
	pid    int32
	sysid  int32
}

func (id Identity) key() ownerKey {
	if id.Remote {
		return ownerKey{remote: true, pid: id.PID, sysid: id.SysID}
	}
	return ownerKey{token: id.Token}
}

func (k ownerKey) hash() uint64 {
	var buf [17]byte
	if k.remote {
		buf[0] = 1
		binary.LittleEndian.PutUint32(buf[1:], uint32(k.pid))
		binary.LittleEndian.PutUint32(buf[5:], uint32(k.sysid))
	} else {
		binary.LittleEndian.PutUint64(buf[1:], k.token)
	}
	return xxh3.Hash(buf[:])
}

// owner is shared by every lock entry of one identity.
type owner struct {
	identity Identity
	key      ownerKey
	// refs counts the lock entries referring to the owner.  It is protected
	// by the registry shard holding the owner.
	refs int
	// vertex is the owner's place in the owner graph, allocated when the
	// owner first takes part in a blocking edge.  It is protected by
	// ownerGraph.mu.
	vertex ownergraph.VertexID
}

func (o *owner) String() string {
	if o == nil {
		return "<none>"
	}
	return o.identity.String()
}

type registryShard struct {
	mu     sync.Mutex
	owners map[ownerKey]*owner
}

// registry maps identities to owners.  It is partitioned into shards chosen
// by a hash of the identity so that unrelated lock requests do not contend
// on one lock.
type registry struct {
	shards  []registryShard
	mask    uint64
	graph   *ownerGraph
	metrics *Metrics
}

func newRegistry(shards int, graph *ownerGraph, metrics *Metrics) *registry {
	if shards < 1 {
		shards = 1
	}
	n := 1 << bits.Len(uint(shards-1))
	r := &registry{
		shards:  make([]registryShard, n),
		mask:    uint64(n - 1),
		graph:   graph,
		metrics: metrics,
	}
	for i := range r.shards {
		r.shards[i].owners = make(map[ownerKey]*owner)
	}
	return r
}

func (r *registry) shard(k ownerKey) *registryShard {
	return &r.shards[k.hash()&r.mask]
}

// resolve returns the owner for id with its reference count incremented.
// If there is no such owner, one is created when create is set, and nil is
// returned otherwise.
func (r *registry) resolve(id Identity, create bool) *owner {
	k := id.key()
	s := r.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[k]
	if !ok {
		if !create {
			return nil
		}
		o = &owner{identity: id, key: k}
		s.owners[k] = o
		r.metrics.owners.Inc()
	}
	o.refs++
	return o
}

// ref takes another reference to an owner which is already referenced.
func (r *registry) ref(o *owner) {
	s := r.shard(o.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.refs <= 0 {
		panic("internal error: taking a reference to a released owner " + o.String())
	}
	o.refs++
}

// release drops a reference.  The last release removes the owner from the
// registry and frees its graph vertex.
func (r *registry) release(o *owner) {
	if o == nil {
		return
	}
	s := r.shard(o.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	o.refs--
	switch {
	case o.refs > 0:
		return
	case o.refs < 0:
		panic("internal error: owner " + o.String() + " released too often")
	}
	delete(s.owners, o.key)
	r.metrics.owners.Dec()
	r.graph.freeVertex(o)
}

// len returns the number of live owners.
func (r *registry) len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.owners)
		s.mu.Unlock()
	}
	return n
}
