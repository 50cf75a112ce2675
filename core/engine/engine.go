// Package engine opens a gojodoc datafile: it composes the disk service, the WAL
// index and the transaction manager, and replays the log left by a crash before
// handing out transactions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"github.com/sushant-115/gojodoc/config"
	"github.com/sushant-115/gojodoc/core/storage_engine/common"
	"github.com/sushant-115/gojodoc/core/storage_engine/diskservice"
	"github.com/sushant-115/gojodoc/core/transaction"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Option func(*Engine)

// WithFs replaces the OS filesystem, mostly with afero.NewMemMapFs in tests.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(metrics *internaltelemetry.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// Engine is one open datafile.
type Engine struct {
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
	tracer  trace.Tracer
	fs      afero.Fs
	cfg     config.EngineConfig

	disk *diskservice.DiskService
	wal  *wal.WalIndex
	txm  *transaction.Manager

	closed atomic.Bool
}

// Open opens or creates the datafile. A log left by a process that did not close
// the file is folded into the data file before Open returns; a read-only handle only
// rebuilds the log index.
func Open(ctx context.Context, cfg config.EngineConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		fs:  afero.NewOsFs(),
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = internaltelemetry.NewNoopEngineMetrics()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/sushant-115/gojodoc/core/engine")
	}

	disk, err := diskservice.Open(ctx, e.fs, diskOptions(cfg), e.logger, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("open datafile %s: %w", cfg.Filename, err)
	}
	e.disk = disk
	throttle := common.NewThrottle(cfg.CheckpointBytesPerSec, pagemanager.PageSize)
	e.wal = wal.NewWalIndex(disk, throttle, e.logger, e.metrics)

	if cfg.ReadOnly {
		_, err = e.wal.RestoreIndex()
	} else {
		_, err = e.recover(ctx)
	}
	if err != nil {
		return nil, errors.Join(err, disk.Close())
	}

	e.txm = transaction.NewManager(disk, e.wal, transaction.Options{
		Timeout:        cfg.Timeout,
		CheckpointSize: cfg.CheckpointSize,
		SyncCommit:     cfg.SyncCommit,
	}, e.logger, e.metrics)
	e.logger = e.logger.Named("engine")
	e.logger.Info("engine ready",
		zap.String("filename", cfg.Filename),
		zap.Uint32("read_version", e.wal.CurrentReadVersion()))
	return e, nil
}

func diskOptions(cfg config.EngineConfig) diskservice.Options {
	return diskservice.Options{
		Filename:    cfg.Filename,
		Password:    cfg.Password,
		ReadOnly:    cfg.ReadOnly,
		InitialSize: cfg.InitialSize,
		LimitSize:   cfg.LimitSize,
		Timeout:     cfg.Timeout,
		MaxReaders:  cfg.MaxReaders,
		Cache: memtable.Options{
			SegmentSizes: cfg.CacheSegmentSizes,
			MaxPages:     cfg.CacheMaxPages,
		},
	}
}

func (e *Engine) recover(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Recover")
	defer span.End()
	n, err := e.wal.Recover(ctx)
	span.SetAttributes(attribute.Int("gojodoc.pages", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery failed")
		return n, fmt.Errorf("recover %s: %w", e.cfg.Filename, err)
	}
	return n, nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return dberror.ErrEngineClosed
	}
	return nil
}

// Begin starts a transaction. Commit or Rollback it; Rollback is safe to defer.
func (e *Engine) Begin(ctx context.Context, write bool) (*transaction.Transaction, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.txm.Begin(ctx, write)
}

// View runs fn in a read transaction.
func (e *Engine) View(ctx context.Context, fn func(tx *transaction.Transaction) error) error {
	tx, err := e.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a write transaction and commits it when fn returns nil.
func (e *Engine) Update(ctx context.Context, fn func(tx *transaction.Transaction) error) error {
	tx, err := e.Begin(ctx, true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Checkpoint folds the log into the data file and returns the pages copied.
func (e *Engine) Checkpoint(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.Checkpoint")
	defer span.End()

	n, err := e.txm.Checkpoint(ctx)
	span.SetAttributes(attribute.Int("gojodoc.pages", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
		return n, err
	}
	return n, nil
}

// Stats is a point in time view of an open datafile.
type Stats struct {
	Disk        diskservice.Stats
	Locks       transaction.LockState
	ReadVersion uint32
	Encrypted   bool
	ReadOnly    bool
}

func (e *Engine) Stats() (Stats, error) {
	if err := e.checkOpen(); err != nil {
		return Stats{}, err
	}
	disk, err := e.disk.Stats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Disk:        disk,
		Locks:       e.txm.Locker().State(),
		ReadVersion: e.wal.CurrentReadVersion(),
		Encrypted:   e.disk.Encrypted(),
		ReadOnly:    e.disk.ReadOnly(),
	}, nil
}

// Close checkpoints a non-empty log and closes the datafile. Transactions still
// open hold their locks, so Close waits for them up to the lock timeout.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if !e.cfg.ReadOnly {
		if length, err := e.disk.GetFileLength(pagemanager.OriginLog); err != nil {
			errs = append(errs, err)
		} else if length > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout())
			_, err := e.txm.Checkpoint(ctx)
			cancel()
			if err != nil {
				errs = append(errs, fmt.Errorf("checkpoint on close: %w", err))
			}
		}
	}
	errs = append(errs, e.disk.Close())
	return errors.Join(errs...)
}

func (e *Engine) timeout() time.Duration {
	if e.cfg.Timeout > 0 {
		return e.cfg.Timeout
	}
	return time.Minute
}
