package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/containers/rangelock/pkg/rangelock"
	"github.com/spf13/pflag"
)

// Version is the version of the rangelock tool.
const Version = "1.0.0-dev"

func version(flags *pflag.FlagSet, action string, m *rangelock.Manager, args []string) (int, error) {
	version := [][2]string{
		{"Version", Version},
		{"GoVersion", runtime.Version()},
		{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
	}
	if jsonOutput {
		return outputJSON(version)
	}
	for _, pair := range version {
		fmt.Fprintf(os.Stderr, "%s: %s\n", pair[0], pair[1])
	}
	return 0, nil
}

func init() {
	commands = append(commands, command{
		names:   []string{"version"},
		usage:   "Return rangelock version information",
		minArgs: 0,
		maxArgs: 0,
		action:  version,
	})
}
