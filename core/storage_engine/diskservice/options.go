package diskservice

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
)

// Options configures how a datafile is opened.
type Options struct {
	// Filename of the data file. The log lives next to it as <name>-log<ext>.
	Filename string
	// Password enables page encryption on a new file and unlocks an existing one.
	Password string
	ReadOnly bool
	// InitialSize pre-allocates the data file on creation, in bytes.
	InitialSize int64
	// LimitSize caps the data file, in bytes; 0 is unbounded.
	LimitSize int64
	// Timeout bounds waits on the data file lock held by another process.
	Timeout time.Duration
	// MaxReaders is the number of idle reader handles kept per file.
	MaxReaders int
	Cache      memtable.Options
}

// LogFilename derives the log path from the data file path.
func (o Options) LogFilename() string {
	ext := filepath.Ext(o.Filename)
	return strings.TrimSuffix(o.Filename, ext) + "-log" + ext
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	return o
}
