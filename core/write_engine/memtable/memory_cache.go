package memtable

import (
	"container/list"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSegmentSizes is the growth curve of the cache, in pages per segment.
// The last size repeats once the curve is exhausted.
var DefaultSegmentSizes = []int{12, 50, 100, 500, 1000}

// LoadFunc fills buf with the page stored at position.
type LoadFunc func(position int64, buf []byte) error

type pageKey struct {
	position int64
	origin   pagemanager.Origin
}

func (k pageKey) String() string {
	return strconv.Itoa(int(k.origin)) + ":" + strconv.FormatInt(k.position, 10)
}

// Options tunes the cache growth.
type Options struct {
	// SegmentSizes is the number of pages allocated by each extension.
	SegmentSizes []int
	// MaxPages caps the number of buffers; 0 means unbounded.
	MaxPages int
}

// CacheStats is a point in time view of the cache collections.
type CacheStats struct {
	Segments      int
	TotalPages    int
	FreePages     int
	ReadablePages int
	IdlePages     int
	WritablePages int
}

// MemoryCache owns every PageBuffer of a datafile handle. Buffers are either in the
// free list, in the readable map (shared, reference counted, keyed by position and
// origin) or out as writable pages owned by exactly one caller.
type MemoryCache struct {
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics

	mu       sync.RWMutex // protects readable; share counters only grow under it
	readable map[pageKey]*pagemanager.PageBuffer

	freeMu sync.Mutex
	free   *list.List // FIFO of *pagemanager.PageBuffer

	extendMu     sync.Mutex // one extension at a time
	segmentSizes []int
	segments     int
	totalPages   int
	maxPages     int
	nextUniqueID int

	clock    atomic.Int64
	loads    singleflight.Group
	poisoned atomic.Pointer[error]
}

// NewMemoryCache creates an empty cache; the first request allocates the first segment.
func NewMemoryCache(opts Options, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopEngineMetrics()
	}
	sizes := opts.SegmentSizes
	if len(sizes) == 0 {
		sizes = DefaultSegmentSizes
	}
	return &MemoryCache{
		logger:       logger.Named("memory_cache"),
		metrics:      metrics,
		readable:     make(map[pageKey]*pagemanager.PageBuffer),
		free:         list.New(),
		segmentSizes: sizes,
		maxPages:     opts.MaxPages,
	}
}

// Err returns the consistency violation that poisoned the cache, if any.
func (mc *MemoryCache) Err() error {
	if p := mc.poisoned.Load(); p != nil {
		return *p
	}
	return nil
}

// violation poisons the cache. Two owners believing they hold the same exclusive page
// cannot be repaired, so every later call fails instead of risking silent corruption.
func (mc *MemoryCache) violation(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", dberror.ErrConsistencyViolation, fmt.Sprintf(format, args...))
	mc.poisoned.CompareAndSwap(nil, &err)
	mc.logger.Error("memory cache poisoned", zap.Error(err))
	return mc.Err()
}

func (mc *MemoryCache) tick(page *pagemanager.PageBuffer) {
	page.SetTimestamp(mc.clock.Add(1))
}

// GetReadablePage returns the shared instance for (position, origin), loading it with
// load on first access. The share counter is incremented; callers must Release it.
func (mc *MemoryCache) GetReadablePage(position int64, origin pagemanager.Origin, load LoadFunc) (*pagemanager.PageBuffer, error) {
	key := pageKey{position: position, origin: origin}
	for {
		if err := mc.Err(); err != nil {
			return nil, err
		}
		if page := mc.acquire(key); page != nil {
			internaltelemetry.Add(mc.metrics.CacheHitsCounter, 1, internaltelemetry.OriginAttr(origin.String()))
			return page, nil
		}
		internaltelemetry.Add(mc.metrics.CacheMissesCounter, 1, internaltelemetry.OriginAttr(origin.String()))
		// Concurrent misses on the same key share one load; the loop then picks up
		// whichever instance won the insert.
		if _, err, _ := mc.loads.Do(key.String(), func() (any, error) {
			return nil, mc.loadReadable(key, load)
		}); err != nil {
			return nil, err
		}
	}
}

func (mc *MemoryCache) acquire(key pageKey) *pagemanager.PageBuffer {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	page, ok := mc.readable[key]
	if !ok {
		return nil
	}
	page.AddShare()
	mc.tick(page)
	return page
}

func (mc *MemoryCache) loadReadable(key pageKey, load LoadFunc) error {
	mc.mu.RLock()
	_, exists := mc.readable[key]
	mc.mu.RUnlock()
	if exists {
		return nil
	}

	page, err := mc.getFreePage()
	if err != nil {
		return err
	}
	if err := load(key.position, page.Array); err != nil {
		mc.pushFree(page)
		return err
	}
	page.Position = key.position
	page.Origin = key.origin
	page.SetShareCounter(0)
	mc.tick(page)

	mc.mu.Lock()
	if _, ok := mc.readable[key]; ok {
		mc.mu.Unlock()
		page.Reset()
		mc.pushFree(page)
		return nil
	}
	mc.readable[key] = page
	mc.mu.Unlock()
	return nil
}

// GetWritablePage returns a new private buffer holding the content of (position,
// origin): copied from the readable instance when cached, loaded otherwise.
func (mc *MemoryCache) GetWritablePage(position int64, origin pagemanager.Origin, load LoadFunc) (*pagemanager.PageBuffer, error) {
	if err := mc.Err(); err != nil {
		return nil, err
	}
	page, err := mc.getFreePage()
	if err != nil {
		return nil, err
	}
	page.SetShareCounter(pagemanager.BufferWritable)
	page.Position = position
	page.Origin = origin

	key := pageKey{position: position, origin: origin}
	if clean := mc.acquire(key); clean != nil {
		copy(page.Array, clean.Array)
		clean.Release()
	} else if err := load(position, page.Array); err != nil {
		page.Reset()
		mc.pushFree(page)
		return nil, err
	}
	mc.tick(page)
	return page, nil
}

// NewPage returns a zeroed writable buffer without position.
func (mc *MemoryCache) NewPage() (*pagemanager.PageBuffer, error) {
	if err := mc.Err(); err != nil {
		return nil, err
	}
	page, err := mc.getFreePage()
	if err != nil {
		return nil, err
	}
	page.Clear()
	page.SetShareCounter(pagemanager.BufferWritable)
	page.Position = pagemanager.MaxPosition
	page.Origin = pagemanager.OriginNone
	mc.tick(page)
	return page, nil
}

func checkWritable(page *pagemanager.PageBuffer) error {
	if !page.IsWritable() {
		return fmt.Errorf("%w: %s is not writable", dberror.ErrInvalidPageState, page)
	}
	if !page.HasPosition() || page.Origin == pagemanager.OriginNone {
		return fmt.Errorf("%w: %s has no position", dberror.ErrInvalidPageState, page)
	}
	return nil
}

// TryMoveToReadable publishes a writable page with share counter 0. It fails when the
// key is already cached: a newer copy exists and the caller must keep (or discard)
// its buffer. This is what keeps a stale clean copy from overwriting a newer version.
func (mc *MemoryCache) TryMoveToReadable(page *pagemanager.PageBuffer) (bool, error) {
	if err := checkWritable(page); err != nil {
		return false, err
	}
	key := pageKey{position: page.Position, origin: page.Origin}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.readable[key]; ok {
		return false, nil
	}
	page.SetShareCounter(0)
	mc.tick(page)
	mc.readable[key] = page
	return true, nil
}

// MoveToReadable publishes page content unconditionally and returns the canonical
// shared instance with one share taken for the caller. Only the holder of the latest
// version (the writer or checkpoint path) may call it.
func (mc *MemoryCache) MoveToReadable(page *pagemanager.PageBuffer) (*pagemanager.PageBuffer, error) {
	if err := checkWritable(page); err != nil {
		return nil, err
	}
	key := pageKey{position: page.Position, origin: page.Origin}

	mc.mu.Lock()
	if existing, ok := mc.readable[key]; ok {
		existing.AddShare()
		copy(existing.Array, page.Array)
		mc.tick(existing)
		mc.mu.Unlock()

		page.Reset()
		mc.pushFree(page)
		return existing, nil
	}
	page.SetShareCounter(1)
	mc.tick(page)
	mc.readable[key] = page
	mc.mu.Unlock()
	return page, nil
}

// DiscardPage returns a writable page to the free list without publishing it.
func (mc *MemoryCache) DiscardPage(page *pagemanager.PageBuffer) error {
	if !page.IsWritable() {
		return mc.violation("discarding %s which is not writable", page)
	}
	page.Reset()
	mc.pushFree(page)
	return nil
}

func (mc *MemoryCache) pushFree(page *pagemanager.PageBuffer) {
	mc.freeMu.Lock()
	mc.free.PushBack(page)
	mc.freeMu.Unlock()
}

func (mc *MemoryCache) popFree() *pagemanager.PageBuffer {
	mc.freeMu.Lock()
	defer mc.freeMu.Unlock()
	front := mc.free.Front()
	if front == nil {
		return nil
	}
	return mc.free.Remove(front).(*pagemanager.PageBuffer)
}

func (mc *MemoryCache) getFreePage() (*pagemanager.PageBuffer, error) {
	for {
		if page := mc.popFree(); page != nil {
			return page, nil
		}
		if err := mc.Extend(); err != nil {
			return nil, err
		}
	}
}

func (mc *MemoryCache) nextSegmentSize() int {
	if mc.segments < len(mc.segmentSizes) {
		return mc.segmentSizes[mc.segments]
	}
	return mc.segmentSizes[len(mc.segmentSizes)-1]
}

// Extend refills the free list. Idle readable pages (share counter 0) are reclaimed
// oldest timestamp first, lowest UniqueID on ties, when a whole segment worth of them
// exists or the MaxPages cap is reached; otherwise a new segment is allocated.
func (mc *MemoryCache) Extend() error {
	mc.extendMu.Lock()
	defer mc.extendMu.Unlock()

	if err := mc.Err(); err != nil {
		return err
	}
	mc.freeMu.Lock()
	available := mc.free.Len()
	mc.freeMu.Unlock()
	if available > 0 {
		return nil
	}

	segmentSize := mc.nextSegmentSize()
	capped := mc.maxPages > 0 && mc.totalPages+segmentSize > mc.maxPages

	mc.mu.Lock()
	idle := make([]*pagemanager.PageBuffer, 0)
	for _, page := range mc.readable {
		if page.ShareCounter() == 0 {
			idle = append(idle, page)
		}
	}
	if len(idle) >= segmentSize || (capped && len(idle) > 0) {
		sort.Slice(idle, func(i, j int) bool {
			ti, tj := idle[i].Timestamp(), idle[j].Timestamp()
			if ti != tj {
				return ti < tj
			}
			return idle[i].UniqueID < idle[j].UniqueID
		})
		if len(idle) > segmentSize {
			idle = idle[:segmentSize]
		}
		for _, page := range idle {
			// Share counters only grow under mc.mu, which is held: a page that stopped
			// being idle means someone else owns it.
			if page.ShareCounter() != 0 {
				mc.mu.Unlock()
				return mc.violation("reclaiming %s which is in use", page)
			}
			delete(mc.readable, pageKey{position: page.Position, origin: page.Origin})
			page.Reset()
			mc.pushFree(page)
		}
		mc.mu.Unlock()
		internaltelemetry.Add(mc.metrics.CacheReclaimedCounter, int64(len(idle)))
		mc.logger.Debug("reclaimed idle pages", zap.Int("pages", len(idle)))
		return nil
	}
	mc.mu.Unlock()

	if capped {
		if mc.totalPages >= mc.maxPages {
			return fmt.Errorf("%w: %d pages allocated, all in use", dberror.ErrBufferPoolFull, mc.totalPages)
		}
		segmentSize = mc.maxPages - mc.totalPages
	}

	segment := make([]byte, segmentSize*pagemanager.PageSize)
	for i := 0; i < segmentSize; i++ {
		array := segment[i*pagemanager.PageSize : (i+1)*pagemanager.PageSize : (i+1)*pagemanager.PageSize]
		mc.pushFree(pagemanager.NewPageBuffer(array, mc.nextUniqueID))
		mc.nextUniqueID++
	}
	mc.segments++
	mc.totalPages += segmentSize
	internaltelemetry.Add(mc.metrics.CacheSegmentsCounter, 1)
	mc.logger.Debug("allocated memory segment",
		zap.Int("segment", mc.segments),
		zap.Int("pages", segmentSize),
		zap.Int("total_pages", mc.totalPages))
	return nil
}

// Clear drops every idle readable page of origin. A page of that origin still in use
// is a consistency violation: callers clear only after every reader is gone.
func (mc *MemoryCache) Clear(origin pagemanager.Origin) (int, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	cleared, inUse := 0, 0
	for key, page := range mc.readable {
		if key.origin != origin {
			continue
		}
		if page.ShareCounter() != 0 {
			inUse++
			continue
		}
		delete(mc.readable, key)
		page.Reset()
		mc.pushFree(page)
		cleared++
	}
	if inUse > 0 {
		return cleared, mc.violation("%d %s pages still in use while clearing cache", inUse, origin)
	}
	return cleared, nil
}

// Stats snapshots the cache collections.
func (mc *MemoryCache) Stats() CacheStats {
	mc.extendMu.Lock()
	stats := CacheStats{Segments: mc.segments, TotalPages: mc.totalPages}
	mc.extendMu.Unlock()

	mc.mu.RLock()
	stats.ReadablePages = len(mc.readable)
	for _, page := range mc.readable {
		if page.ShareCounter() == 0 {
			stats.IdlePages++
		}
	}
	mc.mu.RUnlock()

	mc.freeMu.Lock()
	stats.FreePages = mc.free.Len()
	mc.freeMu.Unlock()

	stats.WritablePages = stats.TotalPages - stats.FreePages - stats.ReadablePages
	return stats
}

// ForEachReadable visits readable pages under the read lock. Used by tests and stats.
func (mc *MemoryCache) ForEachReadable(fn func(page *pagemanager.PageBuffer)) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, page := range mc.readable {
		fn(page)
	}
}

// InFreeList reports whether page currently sits in the free list.
func (mc *MemoryCache) InFreeList(page *pagemanager.PageBuffer) bool {
	mc.freeMu.Lock()
	defer mc.freeMu.Unlock()
	for e := mc.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*pagemanager.PageBuffer) == page {
			return true
		}
	}
	return false
}
