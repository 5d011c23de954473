// Package rangelock implements advisory byte-range locks in the manner of
// fcntl(2) record locks, with deadlock detection.
//
// A [Manager] keeps, for every [Resource], the granted locks ordered by
// offset and the requests waiting for them.  Locks are held by an
// [Identity]; the locks of one identity never overlap each other, and a new
// request replaces whatever the identity already holds in its range, so
// upgrades, downgrades and partial releases split or trim existing locks.
//
// A request which cannot be granted records an edge to every lock or queued
// request that blocks it.  The edges are mirrored in one graph of owners
// shared by all resources, which is kept in topological order as edges are
// added.  A request whose edges would close a cycle in that graph fails
// with [ErrDeadlock] and leaves nothing behind.  When the last edge of a
// queued request goes away, the releasing call grants it.
//
// Requests can wait synchronously, bounded by a context, or asynchronously
// with a completion callback:
//
//	m := rangelock.New(types.DefaultManagerOptions())
//	err := m.Lock(ctx, res, rangelock.LocalIdentity(token, pid), rangelock.Range{Start: 0, End: 99}, rangelock.Write)
//	if errors.Is(err, rangelock.ErrDeadlock) {
//		// give up the locks held, then retry
//	}
package rangelock
