package flushmanager

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
)

// DefaultMaxReaders is the number of idle reader handles kept open per file.
const DefaultMaxReaders = 8

// StreamPool manages the open handles of one file: a lazily opened writer handle and
// a pool of reader handles so concurrent readers never contend on a single file offset.
type StreamPool struct {
	fs       afero.Fs
	path     string
	readOnly bool

	mu       sync.Mutex
	readers  chan afero.File
	maxSize  int
	numOpen  int // reader handles currently open, idle or rented
	writer   afero.File
	isClosed bool
}

// NewStreamPool creates a pool for path. No handle is opened until first use.
func NewStreamPool(fs afero.Fs, path string, readOnly bool, maxReaders int) *StreamPool {
	if maxReaders <= 0 {
		maxReaders = DefaultMaxReaders
	}
	return &StreamPool{
		fs:       fs,
		path:     path,
		readOnly: readOnly,
		readers:  make(chan afero.File, maxReaders),
		maxSize:  maxReaders,
	}
}

func (p *StreamPool) Path() string { return p.path }

// Exists reports whether the file is present on the filesystem.
func (p *StreamPool) Exists() (bool, error) {
	return afero.Exists(p.fs, p.path)
}

// Length returns the current file size; a missing file has length 0.
func (p *StreamPool) Length() (int64, error) {
	info, err := p.fs.Stat(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", dberror.ErrIO, p.path, err)
	}
	return info.Size(), nil
}

// Writer returns the single writer handle, creating the file if needed.
func (p *StreamPool) Writer() (afero.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil, dberror.ErrEngineClosed
	}
	if p.writer != nil {
		return p.writer, nil
	}
	if p.readOnly {
		return nil, fmt.Errorf("%w: %s", dberror.ErrReadOnly, p.path)
	}
	f, err := p.fs.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", dberror.ErrIO, p.path, err)
	}
	p.writer = f
	return f, nil
}

// Rent takes an idle reader handle or opens a new one. Handles are returned with Return.
func (p *StreamPool) Rent() (afero.File, error) {
	select {
	case f := <-p.readers:
		return f, nil
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil, dberror.ErrEngineClosed
	}
	f, err := p.fs.OpenFile(p.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", dberror.ErrIO, p.path, err)
	}
	p.numOpen++
	return f, nil
}

// Return gives a rented reader back. Handles beyond the pool size are closed.
func (p *StreamPool) Return(f afero.File) {
	if f == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isClosed {
		select {
		case p.readers <- f:
			return
		default:
		}
	}
	_ = f.Close()
	p.numOpen--
}

// closeHandles closes the writer and every idle reader. Caller holds p.mu.
func (p *StreamPool) closeHandles() error {
	var errs []error
	for {
		select {
		case f := <-p.readers:
			errs = append(errs, f.Close())
			p.numOpen--
			continue
		default:
		}
		break
	}
	if p.writer != nil {
		errs = append(errs, p.writer.Close())
		p.writer = nil
	}
	return errors.Join(errs...)
}

// Reset closes every idle handle; the pool stays usable and reopens on demand.
func (p *StreamPool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeHandles()
}

// Delete closes the idle handles and removes the file.
func (p *StreamPool) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.closeHandles(); err != nil {
		return err
	}
	if err := p.fs.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", dberror.ErrIO, p.path, err)
	}
	return nil
}

// Close shuts the pool; rented handles are closed when they come back.
func (p *StreamPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil
	}
	p.isClosed = true
	return p.closeHandles()
}
