//go:build !linux

package flushmanager

import "github.com/spf13/afero"

// SyncFile flushes file data to stable storage.
func SyncFile(f afero.File) error {
	return f.Sync()
}
