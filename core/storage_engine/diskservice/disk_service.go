package diskservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"github.com/sushant-115/gojodoc/core/security/encryption"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	commonutils "github.com/sushant-115/gojodoc/internal/common_utils"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

// saltMarker is byte 0 of the salt page. A header page always starts with PageID 0,
// so a first byte of 1 can only be the salt page of an encrypted file.
const saltMarker = 1

// DiskService is the page level facade over the data and log files: it owns the
// memory cache, the stream pools and the log writer goroutine.
type DiskService struct {
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
	opts    Options

	cache    *memtable.MemoryCache
	dataPool *flushmanager.StreamPool
	logPool  *flushmanager.StreamPool
	queue    *flushmanager.DiskWriterQueue

	cipher *encryption.PageCipher
	// dataOffset shifts logical data positions past the salt page.
	dataOffset int64
	logScratch []byte // writer goroutine only
	scratch    sync.Pool

	logMu     sync.Mutex
	logLength int64 // next append position in the log

	unlock   func() error
	isClosed atomic.Bool
}

// Open opens or creates the datafile described by opts. A new file gets its header
// page (and salt page when a password is set) before the writer goroutine starts.
func Open(ctx context.Context, fs afero.Fs, opts Options, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) (*DiskService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopEngineMetrics()
	}
	opts = opts.withDefaults()
	ds := &DiskService{
		logger:   logger.Named("disk_service"),
		metrics:  metrics,
		opts:     opts,
		cache:    memtable.NewMemoryCache(opts.Cache, logger, metrics),
		dataPool: flushmanager.NewStreamPool(fs, opts.Filename, opts.ReadOnly, opts.MaxReaders),
		logPool:  flushmanager.NewStreamPool(fs, opts.LogFilename(), opts.ReadOnly, opts.MaxReaders),
		unlock:   func() error { return nil },
		scratch: sync.Pool{
			New: func() any { return make([]byte, pagemanager.PageSize) },
		},
	}

	if err := ds.lockDataFile(ctx); err != nil {
		ds.closePools()
		return nil, err
	}
	if err := ds.initialize(); err != nil {
		_ = ds.unlock()
		ds.closePools()
		return nil, err
	}
	logLength, err := ds.logPool.Length()
	if err != nil {
		_ = ds.unlock()
		ds.closePools()
		return nil, err
	}
	ds.logLength = logLength
	if ds.cipher != nil {
		ds.logScratch = make([]byte, pagemanager.PageSize)
	}
	ds.queue = flushmanager.NewDiskWriterQueue(ds, logger, metrics)

	ds.logger.Info("datafile opened",
		zap.String("filename", opts.Filename),
		zap.Bool("encrypted", ds.cipher != nil),
		zap.Bool("read_only", opts.ReadOnly),
		zap.Int64("log_length", logLength))
	return ds, nil
}

func (ds *DiskService) closePools() {
	_ = ds.dataPool.Close()
	_ = ds.logPool.Close()
}

// lockDataFile takes the advisory lock, retrying while another process holds it.
func (ds *DiskService) lockDataFile(ctx context.Context) error {
	if ds.opts.ReadOnly {
		return nil
	}
	f, err := ds.dataPool.Writer()
	if err != nil {
		return err
	}
	err = commonutils.TryExec(ctx, ds.opts.Timeout,
		func(err error) bool { return errors.Is(err, flushmanager.ErrFileLocked) },
		func() error {
			unlock, err := flushmanager.TryLockFile(f)
			if err != nil {
				return err
			}
			ds.unlock = unlock
			return nil
		})
	if errors.Is(err, flushmanager.ErrFileLocked) {
		return fmt.Errorf("%w: %s is used by another process: %w", dberror.ErrLockTimeout, ds.opts.Filename, err)
	}
	return err
}

func (ds *DiskService) initialize() error {
	length, err := ds.dataPool.Length()
	if err != nil {
		return err
	}
	if length == 0 {
		if ds.opts.ReadOnly {
			return fmt.Errorf("%w: %s is empty", dberror.ErrInvalidDatafile, ds.opts.Filename)
		}
		return ds.createDatafile()
	}
	return ds.openDatafile()
}

func (ds *DiskService) createDatafile() error {
	f, err := ds.dataPool.Writer()
	if err != nil {
		return err
	}
	buffer := pagemanager.NewPageBuffer(make([]byte, pagemanager.PageSize), -1)
	header := pagemanager.NewHeaderPage(buffer)

	if ds.opts.Password != "" {
		salt, err := encryption.NewSalt()
		if err != nil {
			return err
		}
		if ds.cipher, err = encryption.NewPageCipher(ds.opts.Password, salt); err != nil {
			return err
		}
		saltPage := make([]byte, pagemanager.PageSize)
		saltPage[0] = saltMarker
		copy(saltPage[1:], salt)
		if _, err := f.WriteAt(saltPage, 0); err != nil {
			return fmt.Errorf("%w: write salt page: %v", dberror.ErrIO, err)
		}
		ds.dataOffset = pagemanager.PageSize
		header.Encrypted = true
		header.PasswordHash = ds.cipher.Hash()
	}
	header.UpdateBuffer()
	if _, err := f.WriteAt(buffer.Array, ds.dataOffset); err != nil {
		return fmt.Errorf("%w: write header page: %v", dberror.ErrIO, err)
	}
	if size := ds.opts.InitialSize; size > 0 {
		size = (size + pagemanager.PageSize - 1) / pagemanager.PageSize * pagemanager.PageSize
		if size > pagemanager.PageSize {
			if err := f.Truncate(size + ds.dataOffset); err != nil {
				return fmt.Errorf("%w: preallocate: %v", dberror.ErrIO, err)
			}
		}
	}
	if err := flushmanager.SyncFile(f); err != nil {
		return fmt.Errorf("%w: sync new datafile: %v", dberror.ErrIO, err)
	}
	ds.logger.Info("created datafile", zap.String("database_id", header.DatabaseID.String()))
	return nil
}

func (ds *DiskService) openDatafile() error {
	f, err := ds.dataPool.Rent()
	if err != nil {
		return err
	}
	defer ds.dataPool.Return(f)

	first := make([]byte, pagemanager.PageSize)
	if _, err := f.ReadAt(first, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read first page: %v", dberror.ErrIO, err)
	}
	if first[0] == saltMarker {
		if ds.opts.Password == "" {
			return fmt.Errorf("%w: datafile is encrypted", dberror.ErrWrongPassword)
		}
		salt := first[1 : 1+encryption.SaltSize]
		if ds.cipher, err = encryption.NewPageCipher(ds.opts.Password, salt); err != nil {
			return err
		}
		ds.dataOffset = pagemanager.PageSize
		if _, err := f.ReadAt(first, ds.dataOffset); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read header page: %v", dberror.ErrIO, err)
		}
	}
	header, err := pagemanager.LoadHeaderPage(pagemanager.NewPageBuffer(first, -1))
	if err != nil {
		return err
	}
	switch {
	case ds.cipher != nil && !ds.cipher.Verify(header.PasswordHash[:]):
		return dberror.ErrWrongPassword
	case ds.cipher == nil && ds.opts.Password != "":
		return fmt.Errorf("%w: datafile is not encrypted", dberror.ErrWrongPassword)
	}
	return nil
}

func (ds *DiskService) physical(position int64, origin pagemanager.Origin) int64 {
	if origin == pagemanager.OriginData {
		return position + ds.dataOffset
	}
	return position
}

// readRaw fills buf with the plain page at position. Bytes past the end of the
// file read as zero.
func (ds *DiskService) readRaw(f afero.File, position int64, origin pagemanager.Origin, buf []byte) error {
	n, err := f.ReadAt(buf, ds.physical(position, origin))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read %s page at %d: %v", dberror.ErrIO, origin, position, err)
	}
	clear(buf[n:])
	if ds.cipher == nil || (origin == pagemanager.OriginData && position == 0) {
		return nil
	}
	if n == 0 || isBlank(buf) {
		return nil
	}
	ds.cipher.Decrypt(buf, buf, uint64(position/pagemanager.PageSize), origin == pagemanager.OriginLog)
	return nil
}

func isBlank(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// encoded returns the on-disk bytes of page: the page itself or its ciphertext in dst.
func (ds *DiskService) encoded(page *pagemanager.PageBuffer, dst []byte) []byte {
	if ds.cipher == nil || (page.Origin == pagemanager.OriginData && page.Position == 0) {
		return page.Array
	}
	ds.cipher.Encrypt(dst, page.Array, uint64(page.Position/pagemanager.PageSize), page.Origin == pagemanager.OriginLog)
	return dst
}

func (ds *DiskService) checkOpen() error {
	if ds.isClosed.Load() {
		return dberror.ErrEngineClosed
	}
	return ds.cache.Err()
}

func (ds *DiskService) checkWritable() error {
	if err := ds.checkOpen(); err != nil {
		return err
	}
	if ds.opts.ReadOnly {
		return dberror.ErrReadOnly
	}
	return nil
}

// Cache exposes the memory cache, mainly for stats and tests.
func (ds *DiskService) Cache() *memtable.MemoryCache { return ds.cache }

// Queue exposes the log writer queue.
func (ds *DiskService) Queue() *flushmanager.DiskWriterQueue { return ds.queue }

func (ds *DiskService) Encrypted() bool { return ds.cipher != nil }

func (ds *DiskService) ReadOnly() bool { return ds.opts.ReadOnly }

// GetReader returns a reader renting its own file handles. Close it when done.
func (ds *DiskService) GetReader() *DiskReader {
	return &DiskReader{ds: ds}
}

// ReadPage reads one page through a short lived reader.
func (ds *DiskService) ReadPage(position int64, writable bool, origin pagemanager.Origin) (*pagemanager.PageBuffer, error) {
	r := ds.GetReader()
	defer r.Close()
	return r.ReadPage(position, writable, origin)
}

// NewPage returns a zeroed writable page without position.
func (ds *DiskService) NewPage() (*pagemanager.PageBuffer, error) {
	if err := ds.checkWritable(); err != nil {
		return nil, err
	}
	return ds.cache.NewPage()
}

// CheckLimit fails when the data file would grow past the configured limit.
func (ds *DiskService) CheckLimit(length int64) error {
	if ds.opts.LimitSize > 0 && length > ds.opts.LimitSize {
		return fmt.Errorf("%w: %d bytes requested, limit is %d", dberror.ErrFileSizeExceeds, length, ds.opts.LimitSize)
	}
	return nil
}

// Write hands writable pages over to the disk and returns their positions.
//
// Log pages get consecutive append positions, are published as readable and queued
// for the writer goroutine. Data pages (the checkpoint path) carry their final
// position and are written synchronously, after the size limit is checked for all
// of them. Either way the caller loses ownership of every page.
func (ds *DiskService) Write(pages []*pagemanager.PageBuffer, origin pagemanager.Origin) ([]int64, error) {
	if err := ds.checkWritable(); err != nil {
		return nil, err
	}
	for _, page := range pages {
		if !page.IsWritable() {
			return nil, fmt.Errorf("%w: %s is not writable", dberror.ErrInvalidPageState, page)
		}
	}
	switch origin {
	case pagemanager.OriginLog:
		return ds.writeLog(pages)
	case pagemanager.OriginData:
		return ds.writeData(pages)
	default:
		return nil, fmt.Errorf("%w: cannot write pages to origin %s", dberror.ErrInvalidPageState, origin)
	}
}

func (ds *DiskService) writeLog(pages []*pagemanager.PageBuffer) ([]int64, error) {
	positions := make([]int64, 0, len(pages))
	ds.logMu.Lock()
	defer ds.logMu.Unlock()
	for _, page := range pages {
		page.Position = ds.logLength
		page.Origin = pagemanager.OriginLog
		ds.logLength += pagemanager.PageSize

		shared, err := ds.cache.MoveToReadable(page)
		if err != nil {
			return positions, err
		}
		if err := ds.queue.EnqueuePage(shared); err != nil {
			shared.Release()
			return positions, err
		}
		positions = append(positions, shared.Position)
	}
	return positions, nil
}

func (ds *DiskService) writeData(pages []*pagemanager.PageBuffer) ([]int64, error) {
	var end int64
	for _, page := range pages {
		if !page.HasPosition() {
			return nil, fmt.Errorf("%w: data %s has no position", dberror.ErrInvalidPageState, page)
		}
		end = max(end, page.Position+pagemanager.PageSize)
	}
	if err := ds.CheckLimit(end); err != nil {
		return nil, err
	}
	f, err := ds.dataPool.Writer()
	if err != nil {
		return nil, err
	}
	scratch := ds.scratch.Get().([]byte)
	defer ds.scratch.Put(scratch)

	positions := make([]int64, 0, len(pages))
	for _, page := range pages {
		page.Origin = pagemanager.OriginData
		if _, err := f.WriteAt(ds.encoded(page, scratch), ds.physical(page.Position, page.Origin)); err != nil {
			return positions, fmt.Errorf("%w: write data page at %d: %v", dberror.ErrIO, page.Position, err)
		}
		internaltelemetry.Add(ds.metrics.PagesWrittenCounter, 1, internaltelemetry.OriginAttr(pagemanager.OriginData.String()))
		positions = append(positions, page.Position)

		shared, err := ds.cache.MoveToReadable(page)
		if err != nil {
			return positions, err
		}
		shared.Release()
	}
	return positions, nil
}

// SyncData flushes the data file to stable storage.
func (ds *DiskService) SyncData() error {
	f, err := ds.dataPool.Writer()
	if err != nil {
		return err
	}
	if err := flushmanager.SyncFile(f); err != nil {
		return fmt.Errorf("%w: sync data file: %v", dberror.ErrIO, err)
	}
	return nil
}

// DiscardPages gives writable pages back. Clean pages are kept as readable when no
// newer copy is cached; dirty ones are reset without touching the disk.
func (ds *DiskService) DiscardPages(pages []*pagemanager.PageBuffer, isDirty bool) error {
	var errs []error
	for _, page := range pages {
		if !isDirty && page.HasPosition() && page.Origin != pagemanager.OriginNone {
			ok, err := ds.cache.TryMoveToReadable(page)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				continue
			}
		}
		errs = append(errs, ds.cache.DiscardPage(page))
	}
	return errors.Join(errs...)
}

// SetLength resizes a file. Data is resized at once; the log resize is queued so
// it lands after every page already queued.
func (ds *DiskService) SetLength(length int64, origin pagemanager.Origin) error {
	if err := ds.checkWritable(); err != nil {
		return err
	}
	if length < 0 || length%pagemanager.PageSize != 0 {
		return fmt.Errorf("invalid %s length %d", origin, length)
	}
	switch origin {
	case pagemanager.OriginData:
		if err := ds.CheckLimit(length); err != nil {
			return err
		}
		f, err := ds.dataPool.Writer()
		if err != nil {
			return err
		}
		if err := f.Truncate(length + ds.dataOffset); err != nil {
			return fmt.Errorf("%w: resize data file: %v", dberror.ErrIO, err)
		}
		return nil
	case pagemanager.OriginLog:
		ds.logMu.Lock()
		defer ds.logMu.Unlock()
		if err := ds.queue.EnqueueSetLength(length); err != nil {
			return err
		}
		ds.logLength = length
		return nil
	default:
		return fmt.Errorf("%w: cannot resize origin %s", dberror.ErrInvalidPageState, origin)
	}
}

// GetFileLength is the logical size of a file. For the log this includes pages
// still queued.
func (ds *DiskService) GetFileLength(origin pagemanager.Origin) (int64, error) {
	if origin == pagemanager.OriginLog {
		ds.logMu.Lock()
		defer ds.logMu.Unlock()
		return ds.logLength, nil
	}
	length, err := ds.dataPool.Length()
	if err != nil {
		return 0, err
	}
	return max(length-ds.dataOffset, 0), nil
}

// ReadFull streams every page stored in a file through fn, bypassing the cache. The
// buffer is reused between calls.
func (ds *DiskService) ReadFull(origin pagemanager.Origin, fn func(position int64, buf []byte) error) error {
	if err := ds.checkOpen(); err != nil {
		return err
	}
	pool := ds.dataPool
	if origin == pagemanager.OriginLog {
		pool = ds.logPool
	}
	exists, err := pool.Exists()
	if err != nil || !exists {
		return err
	}
	length, err := pool.Length()
	if err != nil {
		return err
	}
	if origin == pagemanager.OriginData {
		length -= ds.dataOffset
	}
	f, err := pool.Rent()
	if err != nil {
		return err
	}
	defer pool.Return(f)

	buf := make([]byte, pagemanager.PageSize)
	for position := int64(0); position+pagemanager.PageSize <= length; position += pagemanager.PageSize {
		if err := ds.readRaw(f, position, origin, buf); err != nil {
			return err
		}
		if err := fn(position, buf); err != nil {
			return err
		}
	}
	return nil
}

// WriteLogPage implements flushmanager.LogWriter on the writer goroutine.
func (ds *DiskService) WriteLogPage(page *pagemanager.PageBuffer) error {
	f, err := ds.logPool.Writer()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(ds.encoded(page, ds.logScratch), page.Position); err != nil {
		return fmt.Errorf("%w: write log page at %d: %v", dberror.ErrIO, page.Position, err)
	}
	return nil
}

func (ds *DiskService) SetLogLength(length int64) error {
	f, err := ds.logPool.Writer()
	if err != nil {
		return err
	}
	if err := f.Truncate(length); err != nil {
		return fmt.Errorf("%w: resize log file: %v", dberror.ErrIO, err)
	}
	return nil
}

func (ds *DiskService) FlushLog() error {
	f, err := ds.logPool.Writer()
	if err != nil {
		return err
	}
	if err := flushmanager.SyncFile(f); err != nil {
		return fmt.Errorf("%w: sync log file: %v", dberror.ErrIO, err)
	}
	return nil
}

// Stats is a snapshot of the disk service state.
type Stats struct {
	Cache       memtable.CacheStats
	QueueLength int
	DataLength  int64
	LogLength   int64
}

func (ds *DiskService) Stats() (Stats, error) {
	data, err := ds.GetFileLength(pagemanager.OriginData)
	if err != nil {
		return Stats{}, err
	}
	log, _ := ds.GetFileLength(pagemanager.OriginLog)
	return Stats{
		Cache:       ds.cache.Stats(),
		QueueLength: ds.queue.Length(),
		DataLength:  data,
		LogLength:   log,
	}, nil
}

// Close drains the writer, removes an empty log file and releases the file lock.
func (ds *DiskService) Close() error {
	if !ds.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	errs = append(errs, ds.queue.Close())

	ds.logMu.Lock()
	emptyLog := ds.logLength == 0
	ds.logMu.Unlock()
	if emptyLog && !ds.opts.ReadOnly {
		errs = append(errs, ds.logPool.Delete())
	}
	errs = append(errs, ds.unlock())
	errs = append(errs, ds.dataPool.Close(), ds.logPool.Close())

	err := errors.Join(errs...)
	ds.logger.Info("datafile closed", zap.String("filename", ds.opts.Filename), zap.Error(err))
	return err
}
