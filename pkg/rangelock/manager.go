package rangelock

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containers/rangelock/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Manager grants advisory byte-range locks on resources and refuses
// requests whose waiting would deadlock.  A Manager is safe for concurrent
// use; independent Managers share nothing.
type Manager struct {
	opts types.ManagerOptions

	// statesMu protects states and every lockState's users count.
	statesMu sync.Mutex
	// statesCond is signalled whenever a users count drops.
	statesCond *sync.Cond
	states     map[Resource]*lockState

	graph    *ownerGraph
	registry *registry
	metrics  *Metrics
	seq      atomic.Uint64
}

// New returns a Manager configured by opts.
func New(opts types.ManagerOptions) *Manager {
	metrics := newMetrics(opts.MetricsNamespace)
	graph := newOwnerGraph(metrics)
	m := &Manager{
		opts:     opts,
		states:   make(map[Resource]*lockState),
		graph:    graph,
		registry: newRegistry(opts.OwnerShards, graph, metrics),
		metrics:  metrics,
	}
	m.statesCond = sync.NewCond(&m.statesMu)
	return m
}

// Metrics returns the manager's collector.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

func (m *Manager) getState(res Resource, create bool) *lockState {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	st := m.states[res]
	if st == nil {
		if !create {
			return nil
		}
		st = newLockState(res, m.metrics)
		m.states[res] = st
	}
	st.users++
	return st
}

// putState drops a reference taken by getState.  The last user of a state
// without entries discards it.
func (m *Manager) putState(st *lockState) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	st.users--
	if st.users == 0 && m.states[st.resource] == st && st.empty() {
		delete(m.states, st.resource)
	}
	m.statesCond.Broadcast()
}

func (m *Manager) verify() {
	if !m.opts.Verify {
		return
	}
	if err := m.Check(); err != nil {
		panic(fmt.Sprintf("internal error: %v", err))
	}
}

func validate(req Request) error {
	switch req.Type {
	case Read, Write, Unlock:
	default:
		return fmt.Errorf("lock type %s: %w", req.Type, ErrInvalidArgument)
	}
	switch req.Mode {
	case NoWait, Wait:
	case Async:
		if req.Notify == nil {
			return fmt.Errorf("asynchronous request without a completion callback: %w", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("wait mode %s: %w", req.Mode, ErrInvalidArgument)
	}
	return nil
}

func logFields(req Request, r Range) logrus.Fields {
	return logrus.Fields{
		"resource": req.Resource,
		"owner":    req.Owner,
		"range":    r,
	}
}

// SetLock acquires a lock of req.Type on req.Region for req.Owner.  Locks
// the owner already holds in the region are replaced, so a single request
// can upgrade, downgrade, extend or split them.  A Type of Unlock behaves
// like ClearLock.
//
// If another owner holds a conflicting lock, NoWait requests fail with
// ErrWouldBlock, Wait requests block until granted or until ctx is done,
// and Async requests are queued: SetLock then returns a Token for Cancel
// together with ErrInProgress, and req.Notify reports the outcome later.  A
// request whose waiting would complete a cycle of owners waiting on each
// other fails with ErrDeadlock instead.
func (m *Manager) SetLock(ctx context.Context, req Request) (tok Token, err error) {
	defer func() { m.metrics.observe("set", err) }()
	if err := validate(req); err != nil {
		return 0, err
	}
	if req.Type == Unlock {
		return 0, m.clearLock(req)
	}
	r, err := req.Region.Resolve(req.Size)
	if err != nil {
		return 0, err
	}

	st := m.getState(req.Resource, true)
	defer m.putState(st)
	lock := m.newEntry(m.registry.resolve(req.Owner, true), r, req.Type)
	lock.notify = req.Notify

	st.mu.Lock()
	tok, err = m.setLock(ctx, st, lock, req.Mode)
	notes := st.takeNotes()
	st.mu.Unlock()
	deliver(notes)

	if err != nil && !errors.Is(err, ErrInProgress) {
		logrus.WithFields(logFields(req, r)).Debugf("%s lock not granted: %v", req.Type, err)
	}
	m.verify()
	return tok, err
}

// setLock is called with st.mu held.
func (m *Manager) setLock(ctx context.Context, st *lockState, lock *lockEntry, mode WaitMode) (Token, error) {
	if st.purged {
		m.freeEntry(lock)
		return 0, fmt.Errorf("resource %s is being purged: %w", st.resource, ErrInterrupted)
	}

	if block := st.getBlock(lock); block != nil {
		if mode == NoWait {
			m.freeEntry(lock)
			return 0, fmt.Errorf("%s conflicts with %s: %w", lock, block, ErrWouldBlock)
		}
		if err := m.graph.addOutgoing(st, lock); err != nil {
			m.freeEntry(lock)
			return 0, err
		}
		if mode == Async {
			st.insertPending(lock)
			return Token(lock.seq), ErrInProgress
		}
		lock.done = make(chan struct{})
		st.insertPending(lock)
		return 0, m.wait(ctx, st, lock)
	}

	if err := m.graph.addIncoming(st, lock); err != nil {
		m.freeEntry(lock)
		return 0, err
	}
	m.grant(st, lock)
	return 0, nil
}

// wait blocks until a pending entry is granted or interrupted, or until ctx
// is done.  It is called with st.mu held and returns with it held.
func (m *Manager) wait(ctx context.Context, st *lockState, lock *lockEntry) error {
	started := time.Now()
	st.mu.Unlock()
	var ctxErr error
	select {
	case <-lock.done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}
	st.mu.Lock()
	m.metrics.waitSeconds.Observe(time.Since(started).Seconds())

	switch {
	case lock.interrupted:
		m.freeEntry(lock)
		return fmt.Errorf("waiting for %s: %w", lock, ErrInterrupted)
	case lock.state != entryPending:
		// Granted, possibly merged into another entry since.
		return nil
	}
	m.cancelLock(st, lock)
	return fmt.Errorf("waiting for %s: %w: %w", lock, ErrInterrupted, ctxErr)
}

// ClearLock releases whatever req.Owner holds in req.Region.  Releasing a
// range which is not locked is not an error.
func (m *Manager) ClearLock(req Request) (err error) {
	defer func() { m.metrics.observe("clear", err) }()
	return m.clearLock(req)
}

func (m *Manager) clearLock(req Request) error {
	r, err := req.Region.Resolve(req.Size)
	if err != nil {
		return err
	}
	st := m.getState(req.Resource, false)
	if st == nil {
		return nil
	}
	defer m.putState(st)
	o := m.registry.resolve(req.Owner, false)
	if o == nil {
		return nil
	}
	lock := m.newEntry(o, r, Unlock)

	st.mu.Lock()
	if st.purged {
		m.freeEntry(lock)
	} else {
		m.grant(st, lock)
	}
	notes := st.takeNotes()
	st.mu.Unlock()
	deliver(notes)

	logrus.WithFields(logFields(req, r)).Debug("unlocked")
	m.verify()
	return nil
}

// GetLock returns the first granted lock which conflicts with a lock of
// req.Type on req.Region held by req.Owner.  The returned LockInfo has Type
// Unlock if there is none.
func (m *Manager) GetLock(req Request) (LockInfo, error) {
	if req.Type != Read && req.Type != Write {
		return LockInfo{}, fmt.Errorf("testing for lock type %s: %w", req.Type, ErrInvalidArgument)
	}
	r, err := req.Region.Resolve(req.Size)
	if err != nil {
		return LockInfo{}, err
	}
	none := LockInfo{Type: Unlock, Range: r, Owner: req.Owner}
	st := m.getState(req.Resource, false)
	if st == nil {
		return none, nil
	}
	defer m.putState(st)
	o := m.registry.resolve(req.Owner, false)
	defer m.registry.release(o)

	probe := &lockEntry{start: r.Start, end: r.End, typ: req.Type, owner: o}
	st.mu.Lock()
	defer st.mu.Unlock()
	if block := st.getBlock(probe); block != nil {
		return block.info(), nil
	}
	return none, nil
}

// Cancel withdraws a queued asynchronous request.  Its Notify callback is
// not called.  Requests which have been granted in the meantime are not
// affected and ErrNotFound is returned.
func (m *Manager) Cancel(res Resource, tok Token) (err error) {
	defer func() { m.metrics.observe("cancel", err) }()
	st := m.getState(res, false)
	if st == nil {
		return fmt.Errorf("request %d on %s: %w", tok, res, ErrNotFound)
	}
	defer m.putState(st)

	st.mu.Lock()
	i := slices.IndexFunc(st.pending, func(e *lockEntry) bool {
		return e.seq == uint64(tok) && e.notify != nil
	})
	if i < 0 {
		st.mu.Unlock()
		return fmt.Errorf("request %d on %s: %w", tok, res, ErrNotFound)
	}
	m.cancelLock(st, st.pending[i])
	notes := st.takeNotes()
	st.mu.Unlock()
	deliver(notes)

	m.verify()
	return nil
}

// holdStates takes a user reference to every current lock state.
func (m *Manager) holdStates() []*lockState {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	states := make([]*lockState, 0, len(m.states))
	for _, st := range m.states {
		st.users++
		states = append(states, st)
	}
	return states
}

// UnlockAllForSystem drops every lock and request of remote identities on
// system sysid, as when that system has gone away.  Its pending requests
// fail with ErrInterrupted.
func (m *Manager) UnlockAllForSystem(sysid int32) error {
	var g errgroup.Group
	for _, st := range m.holdStates() {
		g.Go(func() error {
			defer m.putState(st)
			m.clearSystem(st, sysid)
			return nil
		})
	}
	err := g.Wait()
	logrus.Debugf("Released all locks of remote system %d", sysid)
	m.verify()
	return err
}

func (m *Manager) clearSystem(st *lockState, sysid int32) {
	ofSystem := func(e *lockEntry) bool {
		return e.owner.identity.Remote && e.owner.identity.SysID == sysid
	}

	st.mu.Lock()
	for _, p := range slices.Clone(st.pending) {
		// Earlier interruptions may have granted p already.
		if p.state == entryPending && ofSystem(p) {
			m.interrupt(st, p, fmt.Sprintf("remote system %d cleared", sysid))
		}
	}
	var owners []*owner
	for _, e := range st.activeEntries() {
		if ofSystem(e) && !slices.Contains(owners, e.owner) {
			owners = append(owners, e.owner)
		}
	}
	for _, o := range owners {
		m.registry.ref(o)
		m.grant(st, m.newEntry(o, Range{Start: 0, End: EOF}, Unlock))
	}
	notes := st.takeNotes()
	st.mu.Unlock()
	deliver(notes)
}

// PurgeResource discards all locks on res, as when it is being destroyed.
// Queued requests fail with ErrInterrupted.  PurgeResource returns once no
// other call is using the resource's locks any more.
func (m *Manager) PurgeResource(res Resource) {
	m.statesMu.Lock()
	st := m.states[res]
	if st == nil {
		m.statesMu.Unlock()
		return
	}
	delete(m.states, res)
	st.users++
	m.statesMu.Unlock()

	st.mu.Lock()
	st.purged = true
	pending := slices.Clone(st.pending)
	for _, p := range pending {
		m.graph.removeOutgoing(p)
	}
	for _, p := range pending {
		st.removePending(p)
		if p.notify != nil {
			m.freeEntry(p)
			st.note(p.notify, fmt.Errorf("resource %s purged: %w", res, ErrInterrupted))
		} else {
			p.interrupted = true
			close(p.done)
		}
	}
	notes := st.takeNotes()
	st.mu.Unlock()
	deliver(notes)

	m.statesMu.Lock()
	for st.users > 1 {
		m.statesCond.Wait()
	}
	st.users--
	m.statesMu.Unlock()

	st.mu.Lock()
	for _, e := range st.activeEntries() {
		st.removeActive(e)
		m.freeEntry(e)
	}
	st.mu.Unlock()

	logrus.WithField("resource", res).Debugf("Purged locks, interrupted %d requests", len(pending))
	m.verify()
}

// Lock acquires a lock on r, waiting as long as ctx allows.
func (m *Manager) Lock(ctx context.Context, res Resource, id Identity, r Range, typ LockType) error {
	_, err := m.SetLock(ctx, Request{Resource: res, Owner: id, Region: RegionOf(r), Type: typ, Mode: Wait})
	return err
}

// TryLock acquires a lock on r if that is possible without waiting.
func (m *Manager) TryLock(res Resource, id Identity, r Range, typ LockType) error {
	_, err := m.SetLock(context.Background(), Request{Resource: res, Owner: id, Region: RegionOf(r), Type: typ, Mode: NoWait})
	return err
}

// Unlock releases r.
func (m *Manager) Unlock(res Resource, id Identity, r Range) error {
	return m.ClearLock(Request{Resource: res, Owner: id, Region: RegionOf(r), Type: Unlock})
}

// Resources lists the resources with locks or queued requests.
func (m *Manager) Resources() []Resource {
	m.statesMu.Lock()
	resources := make([]Resource, 0, len(m.states))
	for res := range m.states {
		resources = append(resources, res)
	}
	m.statesMu.Unlock()
	slices.SortFunc(resources, func(a, b Resource) int {
		return cmp.Or(cmp.Compare(a.Device, b.Device), cmp.Compare(a.Inode, b.Inode))
	})
	return resources
}

// Locks returns the granted locks on res in offset order, followed by the
// queued requests in arrival order.
func (m *Manager) Locks(res Resource) []LockInfo {
	st := m.getState(res, false)
	if st == nil {
		return nil
	}
	defer m.putState(st)
	st.mu.Lock()
	defer st.mu.Unlock()
	var infos []LockInfo
	for _, e := range st.activeEntries() {
		infos = append(infos, e.info())
	}
	for _, p := range st.pending {
		infos = append(infos, p.info())
	}
	return infos
}

// CountLocks returns the number of granted locks held by identities of
// remote system sysid.
func (m *Manager) CountLocks(sysid int32) int {
	n := 0
	for _, st := range m.holdStates() {
		st.mu.Lock()
		for _, e := range st.activeEntries() {
			if e.owner.identity.Remote && e.owner.identity.SysID == sysid {
				n++
			}
		}
		st.mu.Unlock()
		m.putState(st)
	}
	return n
}
