//go:build unix

package util

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsTransient returns true for errors that may succeed on retry: a busy
// resource, an interrupted call, or a directory that still shows entries
// another process is removing.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EBUSY, unix.EAGAIN, unix.EINTR, unix.ENOTEMPTY:
		return true
	}
	return false
}
