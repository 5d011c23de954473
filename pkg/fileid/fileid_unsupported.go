//go:build !unix

package fileid

import "os"

// FromPath is not supported on this platform.
func FromPath(path string) (Info, error) {
	return Info{}, &os.PathError{Op: "stat", Path: path, Err: ErrNotSupported}
}

// FromFile is not supported on this platform.
func FromFile(f *os.File) (Info, error) {
	return Info{}, &os.PathError{Op: "fstat", Path: f.Name(), Err: ErrNotSupported}
}
