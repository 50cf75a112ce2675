package wal

import (
	"sort"
	"sync"

	"github.com/sushant-115/gojodoc/core/storage_engine/common"
	"github.com/sushant-115/gojodoc/core/storage_engine/diskservice"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

// PagePosition is one committed version of a page inside the log file.
type PagePosition struct {
	Version  uint32
	Position int64
}

// WalIndex maps page IDs to the log positions of their committed versions. A reader
// fixed at read version V sees, for every page, the newest version <= V, or the
// data file copy when the log has none.
type WalIndex struct {
	logger   *zap.Logger
	metrics  *internaltelemetry.EngineMetrics
	disk     *diskservice.DiskService
	throttle *common.Throttle

	mu                 sync.RWMutex
	index              map[uint32][]PagePosition
	confirmed          map[uint32]struct{}
	currentReadVersion uint32
	lastTransactionID  uint32
}

func NewWalIndex(disk *diskservice.DiskService, throttle *common.Throttle, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) *WalIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopEngineMetrics()
	}
	return &WalIndex{
		logger:    logger.Named("wal_index"),
		metrics:   metrics,
		disk:      disk,
		throttle:  throttle,
		index:     make(map[uint32][]PagePosition),
		confirmed: make(map[uint32]struct{}),
	}
}

// NextTransactionID hands out transaction IDs; IDs keep growing across checkpoints.
func (w *WalIndex) NextTransactionID() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastTransactionID++
	return w.lastTransactionID
}

// CurrentReadVersion is the version a new reader starts from.
func (w *WalIndex) CurrentReadVersion() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentReadVersion
}

// GetPageIndex returns the log position of the newest version of pageID visible at
// version, if any.
func (w *WalIndex) GetPageIndex(pageID uint32, version uint32) (int64, bool) {
	if version == 0 {
		return 0, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	versions := w.index[pageID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Version <= version {
			return versions[i].Position, true
		}
	}
	return 0, false
}

// ConfirmTransaction publishes the log positions written by txID under a new read
// version and returns it.
func (w *WalIndex) ConfirmTransaction(txID uint32, positions map[uint32]int64) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.confirmTransactionLocked(txID, positions)
	return w.currentReadVersion
}

func (w *WalIndex) confirmTransactionLocked(txID uint32, positions map[uint32]int64) {
	w.currentReadVersion++
	for pageID, position := range positions {
		w.index[pageID] = append(w.index[pageID], PagePosition{Version: w.currentReadVersion, Position: position})
	}
	w.confirmed[txID] = struct{}{}
	w.lastTransactionID = max(w.lastTransactionID, txID)
}

// IsConfirmed reports whether txID committed since the last checkpoint.
func (w *WalIndex) IsConfirmed(txID uint32) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.confirmed[txID]
	return ok
}

// PageIDs lists the pages with a version in the log, ascending.
func (w *WalIndex) PageIDs() []uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]uint32, 0, len(w.index))
	for id := range w.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clear forgets every log version. Called once the log has been folded into the
// data file and truncated.
func (w *WalIndex) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index = make(map[uint32][]PagePosition)
	w.confirmed = make(map[uint32]struct{})
	w.currentReadVersion = 0
}

// RestoreIndex rebuilds the index from the log file. Pages of a transaction become
// visible when its confirmed (last) page is found; the rest belong to transactions
// that never committed and are ignored.
func (w *WalIndex) RestoreIndex() (int, error) {
	pending := make(map[uint32]map[uint32]int64)
	restored := 0

	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.disk.ReadFull(pagemanager.OriginLog, func(position int64, buf []byte) error {
		txID := pagemanager.ReadTransactionID(buf)
		if txID == 0 {
			return nil
		}
		w.lastTransactionID = max(w.lastTransactionID, txID)
		positions, ok := pending[txID]
		if !ok {
			positions = make(map[uint32]int64)
			pending[txID] = positions
		}
		positions[pagemanager.ReadPageID(buf)] = position
		if pagemanager.ReadIsConfirmed(buf) {
			w.confirmTransactionLocked(txID, positions)
			restored += len(positions)
			delete(pending, txID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		w.logger.Warn("ignoring uncommitted transactions in log", zap.Int("transactions", len(pending)))
	}
	return restored, nil
}
