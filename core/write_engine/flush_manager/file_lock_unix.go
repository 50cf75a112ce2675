//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package flushmanager

import (
	"errors"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

type fder interface {
	Fd() uintptr
}

// ErrFileLocked is returned by TryLockFile when another process holds the lock.
var ErrFileLocked = errors.New("file is locked by another process")

// TryLockFile takes a non blocking exclusive advisory lock on f. Files without a
// descriptor (in-memory filesystems) are not locked.
func TryLockFile(f afero.File) (func() error, error) {
	fd, ok := f.(fder)
	if !ok {
		return func() error { return nil }, nil
	}
	if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrFileLocked
		}
		return nil, err
	}
	return func() error { return unix.Flock(int(fd.Fd()), unix.LOCK_UN) }, nil
}
