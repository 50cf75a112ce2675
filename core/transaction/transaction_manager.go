package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sushant-115/gojodoc/core/storage_engine/diskservice"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

// Options tunes transaction behaviour.
type Options struct {
	// Timeout bounds every lock wait.
	Timeout time.Duration
	// CheckpointSize is the log length, in pages, that triggers a checkpoint at
	// commit. 0 disables automatic checkpoints.
	CheckpointSize int
	// SyncCommit makes Commit wait until the log is on stable storage.
	SyncCommit bool
}

// DefaultCheckpointSize matches a log of 8MB.
const DefaultCheckpointSize = 1000

// Manager hands out transactions over one open datafile.
type Manager struct {
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
	opts    Options

	disk   *diskservice.DiskService
	wal    *wal.WalIndex
	locker *Locker
}

func NewManager(disk *diskservice.DiskService, walIndex *wal.WalIndex, opts Options, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopEngineMetrics()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Manager{
		logger:  logger.Named("transaction"),
		metrics: metrics,
		opts:    opts,
		disk:    disk,
		wal:     walIndex,
		locker:  NewLocker(opts.Timeout, logger, metrics),
	}
}

func (m *Manager) Locker() *Locker { return m.locker }

// Begin enters the datafile in shared mode. A write transaction takes the reserved
// lock on its first page access and fixes its read version only then, so it always
// starts from the newest committed state.
func (m *Manager) Begin(ctx context.Context, write bool) (*Transaction, error) {
	if write && m.disk.ReadOnly() {
		return nil, dberror.ErrReadOnly
	}
	shared, err := m.locker.Shared(ctx)
	if err != nil {
		return nil, err
	}
	t := &Transaction{
		m:      m,
		write:  write,
		shared: shared,
		reader: m.disk.GetReader(),
		pages:  make(map[uint32]pagemanager.Page),
	}
	if !write {
		t.readVersion = m.wal.CurrentReadVersion()
		t.started = true
	}
	return t, nil
}

// Checkpoint folds the log into the data file under the exclusive lock.
func (m *Manager) Checkpoint(ctx context.Context) (int, error) {
	if m.disk.ReadOnly() {
		return 0, dberror.ErrReadOnly
	}
	shared, err := m.locker.Shared(ctx)
	if err != nil {
		return 0, err
	}
	defer shared.Release()
	reserved, err := shared.Reserved(ctx)
	if err != nil {
		return 0, err
	}
	defer reserved.Release()
	return m.checkpointReserved(ctx, reserved)
}

func (m *Manager) checkpointReserved(ctx context.Context, reserved *ReservedScope) (int, error) {
	exclusive, err := reserved.Exclusive(ctx)
	if err != nil {
		return 0, err
	}
	defer exclusive.Release()
	return m.wal.Checkpoint(ctx)
}

// autoCheckpoint runs after a commit while the writer still holds the reserved
// lock. It only runs when no reader is inside the datafile; otherwise the next
// commit tries again.
func (m *Manager) autoCheckpoint(ctx context.Context, reserved *ReservedScope) error {
	if m.opts.CheckpointSize <= 0 {
		return nil
	}
	length, err := m.disk.GetFileLength(pagemanager.OriginLog)
	if err != nil {
		return err
	}
	if length < int64(m.opts.CheckpointSize)*pagemanager.PageSize {
		return nil
	}
	exclusive, ok := reserved.TryExclusive()
	if !ok {
		m.logger.Debug("automatic checkpoint postponed, datafile in use", zap.Int64("log_bytes", length))
		return nil
	}
	defer exclusive.Release()

	_, err = m.wal.Checkpoint(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.logger.Warn("automatic checkpoint interrupted", zap.Int64("log_bytes", length), zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("automatic checkpoint: %w", err)
	}
	return nil
}
