package pagemanager

import (
	"fmt"
	"math"
	"sync/atomic"
)

// --- Page Buffers ---

const (
	// PageSize is the fixed size of every page in both the data and the log file.
	PageSize = 8192

	// MaxPosition marks a buffer with no assigned file position.
	MaxPosition int64 = math.MaxInt64

	// BufferWritable is the share counter of a buffer owned exclusively by one writer.
	BufferWritable int32 = -1
)

// Origin tells which file a page buffer position refers to.
type Origin byte

const (
	OriginNone Origin = iota
	OriginData
	OriginLog
)

func (o Origin) String() string {
	switch o {
	case OriginData:
		return "data"
	case OriginLog:
		return "log"
	default:
		return "none"
	}
}

// PageBuffer is one PageSize block of a memory segment plus the metadata the cache
// needs to share it between readers. Buffers are never freed individually: the
// cache recycles them and only their logical identity (Position/Origin) changes.
type PageBuffer struct {
	UniqueID int
	Array    []byte
	Position int64
	Origin   Origin

	shareCounter atomic.Int32
	timestamp    atomic.Int64
}

// NewPageBuffer wraps a PageSize slice of a segment.
func NewPageBuffer(array []byte, uniqueID int) *PageBuffer {
	if len(array) != PageSize {
		panic(fmt.Sprintf("page buffer must be %d bytes, got %d", PageSize, len(array)))
	}
	return &PageBuffer{
		UniqueID: uniqueID,
		Array:    array,
		Position: MaxPosition,
		Origin:   OriginNone,
	}
}

func (p *PageBuffer) ShareCounter() int32 { return p.shareCounter.Load() }
func (p *PageBuffer) SetShareCounter(v int32) { p.shareCounter.Store(v) }
func (p *PageBuffer) AddShare() int32 { return p.shareCounter.Add(1) }
func (p *PageBuffer) Timestamp() int64 { return p.timestamp.Load() }
func (p *PageBuffer) SetTimestamp(ts int64) { p.timestamp.Store(ts) }
func (p *PageBuffer) IsWritable() bool { return p.shareCounter.Load() == BufferWritable }
func (p *PageBuffer) HasPosition() bool { return p.Position != MaxPosition }

func (p *PageBuffer) CompareAndSwapShare(old, v int32) bool {
	return p.shareCounter.CompareAndSwap(old, v)
}

// Release gives back one share taken by a reader or by the disk writer.
func (p *PageBuffer) Release() {
	if n := p.shareCounter.Add(-1); n < 0 {
		panic(fmt.Sprintf("page buffer %d released too many times (position %d, origin %s)", p.UniqueID, p.Position, p.Origin))
	}
}

// Reset clears the logical identity. Bytes are kept, NewPage zeroes them on reuse.
func (p *PageBuffer) Reset() {
	p.Position = MaxPosition
	p.Origin = OriginNone
	p.shareCounter.Store(0)
	p.timestamp.Store(0)
}

// Clear zeroes the page bytes.
func (p *PageBuffer) Clear() {
	clear(p.Array)
}

// IsBlank reports whether every byte of the page is zero.
func (p *PageBuffer) IsBlank() bool {
	for _, b := range p.Array {
		if b != 0 {
			return false
		}
	}
	return true
}

func (p *PageBuffer) String() string {
	return fmt.Sprintf("buffer %d: position=%d origin=%s share=%d", p.UniqueID, p.Position, p.Origin, p.ShareCounter())
}
