package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containers/rangelock/pkg/fileid"
	"github.com/containers/rangelock/pkg/rangelock"
	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

// ErrUnexpected is returned when a line does not have its expected outcome.
var ErrUnexpected = errors.New("unexpected outcome")

// Resolver maps the file names of a script to resources.
type Resolver func(name string) (fileid.Info, error)

// Runner executes scripts against a Manager.  Lock lines in wait mode run
// in the background so that later lines can release what they wait for;
// join waits for them.
type Runner struct {
	manager *rangelock.Manager
	resolve Resolver
	out     io.Writer

	mu     sync.Mutex
	tokens map[string]rangelock.Token
	async  sync.WaitGroup
	group  errgroup.Group
}

// NewRunner returns a Runner writing a line per operation to out.
func NewRunner(m *rangelock.Manager, resolve Resolver, out io.Writer) *Runner {
	return &Runner{
		manager: m,
		resolve: resolve,
		out:     out,
		tokens:  make(map[string]rangelock.Token),
	}
}

func (r *Runner) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// check reports a line's outcome and compares it with the expected one.
func (r *Runner) check(op Op, outcome string, err error) error {
	if err != nil && outcome != "error" {
		r.printf("%d: %s: %s (%v)\n", op.Line, op, outcome, err)
	} else {
		r.printf("%d: %s: %s\n", op.Line, op, outcome)
	}
	if outcome == "error" {
		return fmt.Errorf("line %d: %w", op.Line, err)
	}
	if op.Expect != "" && op.Expect != outcome {
		return fmt.Errorf("line %d: %s: got %s, expected %s: %w", op.Line, op, outcome, op.Expect, ErrUnexpected)
	}
	return nil
}

func (r *Runner) request(op Op) (rangelock.Request, error) {
	info, err := r.resolve(op.File)
	if err != nil {
		return rangelock.Request{}, err
	}
	req := info.Request(rangelock.Request{Region: op.Region, Type: op.Type, Mode: op.Mode})
	if op.Owner != "" {
		if req.Owner, err = Identity(op.Owner); err != nil {
			return rangelock.Request{}, err
		}
	}
	return req, nil
}

// Run executes ops in order and waits for background requests before
// returning.  It stops at the first line which fails or has an unexpected
// outcome.
func (r *Runner) Run(ctx context.Context, ops []Op) error {
	for _, op := range ops {
		if err := r.step(ctx, op); err != nil {
			return errors.Join(err, r.join())
		}
	}
	return r.join()
}

func (r *Runner) join() error {
	err := r.group.Wait()
	r.async.Wait()
	return err
}

// settle returns once a blocking request started in the background has
// either finished or been queued, so that the lines after it see it.
func (r *Runner) settle(req rangelock.Request, finished <-chan struct{}) {
	for {
		select {
		case <-finished:
			return
		default:
		}
		for _, l := range r.manager.Locks(req.Resource) {
			if l.Pending && l.Owner == req.Owner {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *Runner) step(ctx context.Context, op Op) error {
	logrus.Debugf("Running line %d: %s", op.Line, op)
	switch op.Kind {
	case Join:
		if err := r.join(); err != nil {
			return err
		}
		return r.check(op, "ok", nil)
	case SysClear:
		err := r.manager.UnlockAllForSystem(op.SysID)
		return r.check(op, rangelock.Outcome(err), err)
	}

	req, err := r.request(op)
	if err != nil {
		return fmt.Errorf("line %d: %w", op.Line, err)
	}
	switch op.Kind {
	case Lock:
		return r.lock(ctx, op, req)
	case Unlock:
		err := r.manager.ClearLock(req)
		return r.check(op, rangelock.Outcome(err), err)
	case Test:
		info, err := r.manager.GetLock(req)
		if err != nil {
			return r.check(op, rangelock.Outcome(err), err)
		}
		if !info.Conflict() {
			return r.check(op, "none", nil)
		}
		r.printf("%d: conflicts with %s %s of %s\n", op.Line, info.Type, info.Range, info.Owner)
		return r.check(op, "conflict", nil)
	case Cancel:
		key := op.Owner + "\x00" + op.File
		r.mu.Lock()
		tok, ok := r.tokens[key]
		delete(r.tokens, key)
		r.mu.Unlock()
		if !ok {
			err := fmt.Errorf("no asynchronous request of %s on %s: %w", op.Owner, op.File, rangelock.ErrNotFound)
			return r.check(op, rangelock.Outcome(err), err)
		}
		err := r.manager.Cancel(req.Resource, tok)
		if err == nil {
			r.async.Done()
		}
		return r.check(op, rangelock.Outcome(err), err)
	case Purge:
		r.manager.PurgeResource(req.Resource)
		return r.check(op, "ok", nil)
	case Show:
		info, _ := r.resolve(op.File)
		locks := r.manager.Locks(req.Resource)
		r.printf("%d: %s (%s, %s): %d entries\n", op.Line, op.File, info.Resource, units.HumanSize(float64(info.Size)), len(locks))
		for _, l := range locks {
			state := "granted"
			if l.Pending {
				state = fmt.Sprintf("waiting on %v", l.BlockedBy)
			}
			r.printf("\t%s %s %s %s\n", l.Owner, l.Range, l.Type, state)
		}
		return nil
	}
	return fmt.Errorf("line %d: unknown operation %s", op.Line, op.Kind)
}

func (r *Runner) lock(ctx context.Context, op Op, req rangelock.Request) error {
	switch op.Mode {
	case rangelock.Wait:
		finished := make(chan struct{})
		r.group.Go(func() error {
			defer close(finished)
			_, err := r.manager.SetLock(ctx, req)
			return r.check(op, rangelock.Outcome(err), err)
		})
		r.settle(req, finished)
		return nil
	case rangelock.Async:
		key := op.Owner + "\x00" + op.File
		var tok rangelock.Token // guarded by r.mu
		r.async.Add(1)
		req.Notify = func(err error) {
			r.mu.Lock()
			if tok != 0 && r.tokens[key] == tok {
				delete(r.tokens, key)
			}
			r.mu.Unlock()
			r.printf("%d: %s: completed: %s\n", op.Line, op, rangelock.Outcome(err))
			r.async.Done()
		}
		t, err := r.manager.SetLock(ctx, req)
		if errors.Is(err, rangelock.ErrInProgress) {
			r.mu.Lock()
			tok = t
			r.tokens[key] = t
			r.mu.Unlock()
		} else {
			r.async.Done()
		}
		return r.check(op, rangelock.Outcome(err), err)
	default:
		_, err := r.manager.SetLock(ctx, req)
		return r.check(op, rangelock.Outcome(err), err)
	}
}

// Virtual resolves file names to resources which exist only in the
// manager, all on device 0.  Sizes holds the size hints of files; others
// are empty.
func Virtual(sizes map[string]int64) Resolver {
	return func(name string) (fileid.Info, error) {
		return fileid.Info{
			Resource: rangelock.Resource{Inode: xxh3.HashString(name)},
			Size:     sizes[name],
		}, nil
	}
}
