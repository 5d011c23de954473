package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/containers/rangelock/pkg/rangelock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	stressWorkers   = 4
	stressResources = 2
	stressOps       = 1000
	stressSpan      = int64(64)
	stressSeed      = uint64(0)
	stressWait      = 100 * time.Millisecond
	stressMetrics   = false
)

type stressTally struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (t *stressTally) add(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes[op+" "+rangelock.Outcome(err)]++
}

// stressWorker runs ops random requests as one owner.  Whenever a request
// would deadlock, the worker drops everything it holds, the way an
// application would back off.
func stressWorker(ctx context.Context, m *rangelock.Manager, resources []rangelock.Resource, worker int, tally *stressTally) error {
	rng := rand.New(rand.NewPCG(stressSeed, uint64(worker)))
	id := rangelock.LocalIdentity(uint64(worker)+1, int32(os.Getpid()))
	releaseAll := func() error {
		for _, res := range resources {
			if err := m.Unlock(res, id, rangelock.Range{Start: 0, End: rangelock.EOF}); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < stressOps; i++ {
		res := resources[rng.IntN(len(resources))]
		start := rng.Int64N(stressSpan)
		r := rangelock.Range{Start: start, End: start + rng.Int64N(stressSpan-start)}
		if rng.IntN(8) == 0 {
			r.End = rangelock.EOF
		}
		switch n := rng.IntN(10); {
		case n < 6:
			typ := rangelock.Read
			if rng.IntN(2) == 0 {
				typ = rangelock.Write
			}
			var err error
			if rng.IntN(3) == 0 {
				err = m.TryLock(res, id, r, typ)
				tally.add("trylock", err)
			} else {
				wctx, cancel := context.WithTimeout(ctx, stressWait)
				err = m.Lock(wctx, res, id, r, typ)
				cancel()
				tally.add("lock", err)
			}
			switch {
			case errors.Is(err, rangelock.ErrDeadlock):
				if err := releaseAll(); err != nil {
					return err
				}
			case err != nil && !errors.Is(err, rangelock.ErrWouldBlock) && !errors.Is(err, rangelock.ErrInterrupted):
				return fmt.Errorf("worker %d: %w", worker, err)
			}
		case n < 9:
			err := m.Unlock(res, id, r)
			tally.add("unlock", err)
			if err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
		default:
			if err := releaseAll(); err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
		}
	}
	return releaseAll()
}

func stress(flags *pflag.FlagSet, action string, m *rangelock.Manager, args []string) (int, error) {
	if stressWorkers < 1 || stressResources < 1 || stressSpan < 1 {
		return 1, fmt.Errorf("workers, resources and span must be positive")
	}
	if stressSeed == 0 {
		stressSeed = uint64(time.Now().UnixNano())
	}
	logrus.Debugf("Stress seed %d", stressSeed)

	resources := make([]rangelock.Resource, stressResources)
	for i := range resources {
		resources[i] = rangelock.Resource{Inode: uint64(i) + 1}
	}
	tally := &stressTally{outcomes: make(map[string]int)}
	started := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < stressWorkers; w++ {
		g.Go(func() error {
			return stressWorker(ctx, m, resources, w, tally)
		})
	}
	if err := g.Wait(); err != nil {
		return 1, err
	}
	elapsed := time.Since(started)

	if err := m.Check(); err != nil {
		return 1, err
	}
	if left := m.Resources(); len(left) != 0 {
		return 1, fmt.Errorf("locks left behind on %v", left)
	}

	if stressMetrics {
		registry := prometheus.NewRegistry()
		if err := registry.Register(m.Metrics()); err != nil {
			return 1, err
		}
		families, err := registry.Gather()
		if err != nil {
			return 1, err
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
				return 1, err
			}
		}
		return 0, nil
	}
	if jsonOutput {
		return outputJSON(map[string]any{
			"seed":     stressSeed,
			"seconds":  elapsed.Seconds(),
			"outcomes": tally.outcomes,
		})
	}
	keys := make([]string, 0, len(tally.outcomes))
	for k := range tally.outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("seed %d, %d workers, %d operations each, %v\n", stressSeed, stressWorkers, stressOps, elapsed)
	for _, k := range keys {
		fmt.Printf("%-30s%d\n", k, tally.outcomes[k])
	}
	return 0, nil
}

func init() {
	commands = append(commands, command{
		names:       []string{"stress"},
		optionsHelp: "[options [...]]",
		usage:       "Run random concurrent lock requests and check the manager's invariants",
		minArgs:     0,
		maxArgs:     0,
		action:      stress,
		addFlags: func(flags *pflag.FlagSet, cmd *command) {
			flags.IntVarP(&stressWorkers, "workers", "w", stressWorkers, "Number of concurrent owners")
			flags.IntVar(&stressResources, "resources", stressResources, "Number of resources")
			flags.IntVarP(&stressOps, "ops", "n", stressOps, "Operations per owner")
			flags.Int64Var(&stressSpan, "span", stressSpan, "Highest offset requested, other than EOF")
			flags.Uint64Var(&stressSeed, "seed", stressSeed, "Random seed (0 picks one)")
			flags.DurationVar(&stressWait, "wait", stressWait, "Give up waiting for a lock after `duration`")
			flags.BoolVarP(&stressMetrics, "metrics", "m", stressMetrics, "Print the manager's metrics in the Prometheus text format")
		},
	})
}
