package diskservice

import (
	"github.com/spf13/afero"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// DiskReader resolves pages through the cache and, on a miss, reads them with its
// own rented file handles. A reader belongs to one goroutine (a transaction).
type DiskReader struct {
	ds      *DiskService
	streams [3]afero.File // indexed by origin
}

func (r *DiskReader) pool(origin pagemanager.Origin) *flushmanager.StreamPool {
	if origin == pagemanager.OriginLog {
		return r.ds.logPool
	}
	return r.ds.dataPool
}

func (r *DiskReader) stream(origin pagemanager.Origin) (afero.File, error) {
	if f := r.streams[origin]; f != nil {
		return f, nil
	}
	f, err := r.pool(origin).Rent()
	if err != nil {
		return nil, err
	}
	r.streams[origin] = f
	return f, nil
}

func (r *DiskReader) load(origin pagemanager.Origin) func(position int64, buf []byte) error {
	return func(position int64, buf []byte) error {
		f, err := r.stream(origin)
		if err != nil {
			return err
		}
		return r.ds.readRaw(f, position, origin, buf)
	}
}

// ReadPage returns the shared cached page (release it when done) or, with writable
// set, a private copy the caller may change.
func (r *DiskReader) ReadPage(position int64, writable bool, origin pagemanager.Origin) (*pagemanager.PageBuffer, error) {
	if err := r.ds.checkOpen(); err != nil {
		return nil, err
	}
	if writable {
		return r.ds.cache.GetWritablePage(position, origin, r.load(origin))
	}
	return r.ds.cache.GetReadablePage(position, origin, r.load(origin))
}

// Close returns the rented handles.
func (r *DiskReader) Close() {
	for origin, f := range r.streams {
		if f != nil {
			r.pool(pagemanager.Origin(origin)).Return(f)
			r.streams[origin] = nil
		}
	}
}
