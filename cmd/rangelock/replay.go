package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/containers/rangelock/internal/script"
	"github.com/containers/rangelock/pkg/fileid"
	"github.com/containers/rangelock/pkg/rangelock"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/spf13/pflag"
)

var (
	replayRoot    = ""
	replayTimeout time.Duration
)

// rootResolver maps script file names to files under root, creating them as
// needed, so that scripts lock the resources of real files.
func rootResolver(root string) script.Resolver {
	return func(name string) (fileid.Info, error) {
		path, err := securejoin.SecureJoin(root, name)
		if err != nil {
			return fileid.Info{}, err
		}
		info, err := fileid.FromPath(path)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return info, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fileid.Info{}, err
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fileid.Info{}, err
		}
		defer f.Close()
		return fileid.FromFile(f)
	}
}

func replay(flags *pflag.FlagSet, action string, m *rangelock.Manager, args []string) (int, error) {
	resolve := script.Virtual(nil)
	if replayRoot != "" {
		resolve = rootResolver(replayRoot)
	}
	ctx := context.Background()
	if replayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, replayTimeout)
		defer cancel()
	}
	for _, arg := range args {
		var input io.Reader = os.Stdin
		if arg != "-" {
			f, err := os.Open(arg)
			if err != nil {
				return 1, err
			}
			defer f.Close()
			input = f
		}
		ops, err := script.Parse(input)
		if err != nil {
			return 1, fmt.Errorf("%s: %w", arg, err)
		}
		runner := script.NewRunner(m, resolve, os.Stdout)
		if err := runner.Run(ctx, ops); err != nil {
			return 1, fmt.Errorf("%s: %w", arg, err)
		}
	}
	if err := m.Check(); err != nil {
		return 1, err
	}
	return 0, nil
}

func init() {
	commands = append(commands, command{
		names:       []string{"replay", "run"},
		optionsHelp: "[options [...]] SCRIPT [...]",
		usage:       "Run lock scripts, reading standard input for \"-\"",
		minArgs:     1,
		maxArgs:     -1,
		action:      replay,
		addFlags: func(flags *pflag.FlagSet, cmd *command) {
			flags.StringVarP(&replayRoot, "root", "r", "", "Lock files under `directory` instead of virtual resources")
			flags.DurationVarP(&replayTimeout, "timeout", "t", 0, "Interrupt waiting requests after `duration`")
		},
	})
}
