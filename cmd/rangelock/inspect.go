package main

import (
	"fmt"

	"github.com/containers/rangelock/pkg/fileid"
	"github.com/containers/rangelock/pkg/rangelock"
	units "github.com/docker/go-units"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

type inspectResult struct {
	Path     string `json:"path"`
	Device   uint64 `json:"device"`
	Inode    uint64 `json:"inode"`
	Size     int64  `json:"size"`
	Resource string `json:"resource"`
	Mount    string `json:"mount,omitempty"`
	FSType   string `json:"fstype,omitempty"`
}

// mountOf finds the mount of a device number.
func mountOf(device uint64) (*mountinfo.Info, error) {
	major, minor := int(unix.Major(device)), int(unix.Minor(device))
	mounts, err := mountinfo.GetMounts(func(m *mountinfo.Info) (skip, stop bool) {
		return m.Major != major || m.Minor != minor, false
	})
	if err != nil || len(mounts) == 0 {
		return nil, err
	}
	return mounts[0], nil
}

func inspect(flags *pflag.FlagSet, action string, m *rangelock.Manager, args []string) (int, error) {
	results := make([]inspectResult, 0, len(args))
	for _, path := range args {
		info, err := fileid.FromPath(path)
		if err != nil {
			return 1, err
		}
		results = append(results, inspectResult{
			Path:     path,
			Device:   info.Resource.Device,
			Inode:    info.Resource.Inode,
			Size:     info.Size,
			Resource: info.Resource.String(),
		})
		mount, err := mountOf(info.Resource.Device)
		if err != nil {
			logrus.Debugf("Looking up the mount of %s: %v", path, err)
		} else if mount != nil {
			results[len(results)-1].Mount = mount.Mountpoint
			results[len(results)-1].FSType = mount.FSType
		}
	}
	if jsonOutput {
		return outputJSON(results)
	}
	for _, r := range results {
		fmt.Printf("%s: resource %s, size %s", r.Path, r.Resource, units.HumanSize(float64(r.Size)))
		if r.Mount != "" {
			fmt.Printf(", on %s (%s)", r.Mount, r.FSType)
		}
		fmt.Printf("\n")
	}
	return 0, nil
}

func init() {
	commands = append(commands, command{
		names:       []string{"inspect", "stat"},
		optionsHelp: "FILE [...]",
		usage:       "Print the lock resource and size hint of files",
		minArgs:     1,
		maxArgs:     -1,
		action:      inspect,
	})
}
