package main

import (
	"fmt"
	"os"

	"github.com/containers/rangelock/pkg/rangelock"
	"github.com/containers/rangelock/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type command struct {
	names       []string
	optionsHelp string
	minArgs     int
	maxArgs     int
	usage       string
	addFlags    func(*pflag.FlagSet, *command)
	action      func(*pflag.FlagSet, string, *rangelock.Manager, []string) (int, error)
}

var (
	commands   = []command{}
	jsonOutput = false
	options    = types.ManagerOptions{}
)

func main() {
	configFile := types.DefaultConfigFile()
	debug := false
	verify := false

	makeFlags := func(command string, eh pflag.ErrorHandling) *pflag.FlagSet {
		flags := pflag.NewFlagSet(command, eh)
		flags.StringVarP(&configFile, "config", "c", configFile, "Configuration file ($RANGELOCK_CONF)")
		flags.BoolVarP(&debug, "debug", "D", debug, "Print debugging information")
		flags.BoolVar(&verify, "verify", verify, "Check the lock manager's invariants after every operation")
		flags.BoolVarP(&jsonOutput, "json", "j", jsonOutput, "Prefer JSON output")
		return flags
	}

	flags := makeFlags("rangelock", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Printf("Usage: rangelock command [options [...]]\n\n")
		fmt.Printf("Commands:\n\n")
		for _, command := range commands {
			fmt.Printf("  %-30s%s\n", command.names[0], command.usage)
		}
		fmt.Printf("\nOptions:\n")
		flags.PrintDefaults()
	}

	if len(os.Args) < 2 {
		flags.Usage()
		os.Exit(1)
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Printf("%v while parsing arguments (1)\n", err)
		flags.Usage()
		os.Exit(1)
	}
	args := flags.Args()
	if len(args) < 1 {
		flags.Usage()
		os.Exit(1)
		return
	}
	cmd := args[0]

	for _, command := range commands {
		for _, name := range command.names {
			if cmd == name {
				flags := makeFlags(cmd, pflag.ExitOnError)
				if command.addFlags != nil {
					command.addFlags(flags, &command)
				}
				flags.Usage = func() {
					fmt.Printf("Usage: rangelock %s %s\n\n", cmd, command.optionsHelp)
					fmt.Printf("%s\n", command.usage)
					fmt.Printf("\nOptions:\n")
					flags.PrintDefaults()
				}
				if err := flags.Parse(args[1:]); err != nil {
					fmt.Printf("%v while parsing arguments (3)", err)
					flags.Usage()
					os.Exit(1)
				}
				args = flags.Args()
				if command.minArgs != 0 && len(args) < command.minArgs {
					fmt.Printf("%s: more arguments required.\n", cmd)
					flags.Usage()
					os.Exit(1)
				}
				if command.maxArgs >= 0 && command.maxArgs < command.minArgs {
					panic(fmt.Sprintf("command %v requires more args (%d) than it allows (%d)", command.names, command.minArgs, command.maxArgs))
				}
				if command.maxArgs >= 0 && len(args) > command.maxArgs {
					fmt.Printf("%s: too many arguments (%s).\n", cmd, args)
					flags.Usage()
					os.Exit(1)
				}

				options = types.DefaultManagerOptions()
				if err := types.ReloadConfigurationFileIfNeeded(configFile, &options); err != nil {
					fmt.Printf("error reading %s: %+v\n", configFile, err)
					os.Exit(1)
				}
				if verify {
					options.Verify = true
				}
				if debug {
					logrus.SetLevel(logrus.DebugLevel)
					logrus.Debugf("Configuration file: %s", configFile)
					logrus.Debugf("Owner shards: %d", options.OwnerShards)
					logrus.Debugf("Verify: %t", options.Verify)
				} else if level, err := logrus.ParseLevel(options.LogLevel); err == nil {
					logrus.SetLevel(level)
				} else {
					logrus.SetLevel(logrus.ErrorLevel)
				}
				m := rangelock.New(options)
				res, err := command.action(flags, cmd, m, args)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%+v\n", err)
				}
				os.Exit(res)
			}
		}
	}
	fmt.Printf("%s: unrecognized command.\n", cmd)
	os.Exit(1)
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// outputJSON formats its input as JSON to stdout, and returns values suitable
// for directly returning from command.action
func outputJSON(data any) (int, error) {
	if err := json.NewEncoder(os.Stdout).Encode(data); err != nil {
		return 1, err
	}
	return 0, nil
}
