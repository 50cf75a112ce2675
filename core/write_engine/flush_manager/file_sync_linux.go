//go:build linux

package flushmanager

import (
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// SyncFile flushes file data to stable storage, using fdatasync when the handle
// exposes a descriptor.
func SyncFile(f afero.File) error {
	if fd, ok := f.(fder); ok {
		return unix.Fdatasync(int(fd.Fd()))
	}
	return f.Sync()
}
