//go:build unix

package fileid

import (
	"fmt"
	"os"

	"github.com/containers/rangelock/pkg/rangelock"
	"golang.org/x/sys/unix"
)

func fromStat(st *unix.Stat_t) Info {
	return Info{
		Resource: rangelock.Resource{Device: uint64(st.Dev), Inode: uint64(st.Ino)},
		Size:     st.Size,
	}
}

// FromPath examines the file at path, following symbolic links.
func FromPath(path string) (Info, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Info{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return fromStat(&st), nil
}

// FromFile examines an open file.
func FromFile(f *os.File) (Info, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return Info{}, fmt.Errorf("fstat %s: %w", f.Name(), err)
	}
	return fromStat(&st), nil
}
