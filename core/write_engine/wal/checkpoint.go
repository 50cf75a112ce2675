package wal

import (
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// checkpointBatch is the number of pages copied per data file write.
const checkpointBatch = 16

// Checkpoint folds every confirmed log page into the data file, then truncates the
// log. The caller must hold the exclusive lock: no reader may hold a log page.
func (w *WalIndex) Checkpoint(ctx context.Context) (int, error) {
	start := time.Now()
	if err := w.disk.Queue().Wait(); err != nil {
		return 0, err
	}
	length, err := w.disk.GetFileLength(pagemanager.OriginLog)
	if err != nil || length == 0 {
		return 0, err
	}

	copied, err := w.copyConfirmedPages(ctx)
	if err != nil {
		return copied, err
	}
	if err := w.disk.SyncData(); err != nil {
		return copied, err
	}

	// the data file is durable, the log can go
	if err := w.disk.SetLength(0, pagemanager.OriginLog); err != nil {
		return copied, err
	}
	if err := w.disk.Queue().Wait(); err != nil {
		return copied, err
	}
	if _, err := w.disk.Cache().Clear(pagemanager.OriginLog); err != nil {
		return copied, err
	}
	w.Clear()

	elapsed := time.Since(start)
	w.metrics.CheckpointPagesCounter.Add(ctx, int64(copied))
	w.metrics.CheckpointHistogram.Record(ctx, float64(elapsed.Milliseconds()))
	w.logger.Info("checkpoint done",
		zap.Int("pages", copied),
		zap.Int64("log_bytes", length),
		zap.Duration("elapsed", elapsed))
	return copied, nil
}

func (w *WalIndex) copyConfirmedPages(ctx context.Context) (int, error) {
	copied := 0
	batch := make([]*pagemanager.PageBuffer, 0, checkpointBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := w.disk.Write(batch, pagemanager.OriginData)
		if err != nil {
			w.discardWritable(batch)
			batch = batch[:0]
			return err
		}
		copied += len(batch)
		batch = batch[:0]
		return nil
	}

	err := w.disk.ReadFull(pagemanager.OriginLog, func(position int64, buf []byte) error {
		txID := pagemanager.ReadTransactionID(buf)
		if txID == 0 || !w.IsConfirmed(txID) {
			return nil
		}
		if err := w.throttle.Wait(ctx, pagemanager.PageSize); err != nil {
			return err
		}
		page, err := w.disk.NewPage()
		if err != nil {
			return err
		}
		copy(page.Array, buf)
		pagemanager.ClearTransaction(page.Array)
		page.Position = int64(pagemanager.ReadPageID(buf)) * pagemanager.PageSize
		page.Origin = pagemanager.OriginData
		batch = append(batch, page)
		if len(batch) == checkpointBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	} else {
		w.discardWritable(batch)
	}
	if err != nil {
		return copied, fmt.Errorf("checkpoint: %w", err)
	}
	return copied, nil
}

// discardWritable gives back the pages a failed data write did not consume.
func (w *WalIndex) discardWritable(pages []*pagemanager.PageBuffer) {
	for _, page := range pages {
		if page.IsWritable() {
			_ = w.disk.DiscardPages([]*pagemanager.PageBuffer{page}, true)
		}
	}
}

// Recover replays the log left by a process that did not close the datafile. The
// header version in the log is read first to learn the data file length the last
// committed transaction expects; pages of uncommitted transactions are dropped.
func (w *WalIndex) Recover(ctx context.Context) (int, error) {
	length, err := w.disk.GetFileLength(pagemanager.OriginLog)
	if err != nil || length == 0 {
		return 0, err
	}
	w.logger.Warn("log file found, recovering", zap.Int64("log_bytes", length))

	restored, err := w.RestoreIndex()
	if err != nil {
		return 0, err
	}
	header, err := w.readHeader()
	if err != nil {
		return 0, err
	}
	expected := (int64(header.LastPageID) + 1) * pagemanager.PageSize

	copied, err := w.Checkpoint(ctx)
	if err != nil {
		return copied, err
	}
	dataLength, err := w.disk.GetFileLength(pagemanager.OriginData)
	if err != nil {
		return copied, err
	}
	if dataLength > expected {
		// pages allocated by a transaction that never committed
		if err := w.disk.SetLength(expected, pagemanager.OriginData); err != nil {
			return copied, err
		}
	}
	w.metrics.RecoveredPagesCounter.Add(ctx, int64(copied))
	w.logger.Info("recovery done",
		zap.Int("restored_versions", restored),
		zap.Int("pages", copied),
		zap.Int64("data_bytes", min(dataLength, expected)))
	return copied, nil
}

func (w *WalIndex) readHeader() (*pagemanager.HeaderPage, error) {
	position, origin := int64(0), pagemanager.OriginData
	if logPosition, ok := w.GetPageIndex(pagemanager.HeaderPageID, w.CurrentReadVersion()); ok {
		position, origin = logPosition, pagemanager.OriginLog
	}
	buf, err := w.disk.ReadPage(position, false, origin)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	header, err := pagemanager.LoadHeaderPage(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: header page in %s: %w", dberror.ErrInvalidDatafile, origin, err)
	}
	return header, nil
}
