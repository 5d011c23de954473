// Package fileid derives lock resource handles from files.  Two paths name
// the same resource when they refer to the same device and inode, however
// they are spelled.
package fileid

import (
	"errors"

	"github.com/containers/rangelock/pkg/rangelock"
)

// ErrNotSupported is returned on platforms without device and inode numbers.
var ErrNotSupported = errors.New("file identity is not supported on this platform")

// Info is what the lock manager needs to know about a file.
type Info struct {
	Resource rangelock.Resource
	// Size is the length of the file when it was examined, the size hint
	// for regions relative to the end of the file.
	Size int64
}

// Request fills in the resource and size hint of req from info.
func (info Info) Request(req rangelock.Request) rangelock.Request {
	req.Resource = info.Resource
	req.Size = info.Size
	return req
}
