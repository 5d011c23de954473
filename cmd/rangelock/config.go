package main

import (
	"fmt"

	"github.com/containers/rangelock/pkg/rangelock"
	"github.com/containers/rangelock/types"
	"github.com/spf13/pflag"
)

func config(flags *pflag.FlagSet, action string, m *rangelock.Manager, args []string) (int, error) {
	if len(args) > 0 {
		options := types.DefaultManagerOptions()
		if err := types.ReloadConfigurationFile(args[0], &options); err != nil {
			return 1, fmt.Errorf("reload: %+v", err)
		}
		return outputJSON(options)
	}
	return outputJSON(options)
}

func init() {
	commands = append(commands, command{
		names:       []string{"config"},
		usage:       "Print lock manager configuration as JSON",
		minArgs:     0,
		maxArgs:     1,
		optionsHelp: "[configurationFile]",
		action:      config,
	})
}
