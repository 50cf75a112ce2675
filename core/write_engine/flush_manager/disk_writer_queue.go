package flushmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

// LogWriter is the log file as seen by the writer goroutine.
type LogWriter interface {
	WriteLogPage(page *pagemanager.PageBuffer) error
	SetLogLength(length int64) error
	FlushLog() error
}

type queueItem struct {
	page      *pagemanager.PageBuffer
	setLength bool
	length    int64
}

// DiskWriterQueue persists log pages in enqueue order on a single goroutine. Pages are
// enqueued holding one share on behalf of the writer; the share is released once the
// page is on disk. A flush is issued each time the queue drains.
type DiskWriterQueue struct {
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
	log     LogWriter

	mu     sync.Mutex
	cond   *sync.Cond
	items  []queueItem
	busy   bool // consumer holds a batch or is flushing
	err    error
	closed bool
	done   chan struct{}
}

// NewDiskWriterQueue starts the writer goroutine.
func NewDiskWriterQueue(log LogWriter, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) *DiskWriterQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopEngineMetrics()
	}
	q := &DiskWriterQueue{
		logger:  logger.Named("disk_writer_queue"),
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *DiskWriterQueue) errLocked() error {
	if q.err != nil {
		return fmt.Errorf("%w: %w", dberror.ErrWriterPoisoned, q.err)
	}
	return nil
}

func (q *DiskWriterQueue) push(item queueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.errLocked(); err != nil {
		return err
	}
	if q.closed {
		return dberror.ErrEngineClosed
	}
	q.items = append(q.items, item)
	if item.page != nil {
		q.metrics.WriterQueueUpDown.Add(context.Background(), 1)
	}
	q.cond.Broadcast()
	return nil
}

// EnqueuePage queues a log page. The page must have a log position and the caller
// must have taken a share that the writer will release.
func (q *DiskWriterQueue) EnqueuePage(page *pagemanager.PageBuffer) error {
	if page.Origin != pagemanager.OriginLog || !page.HasPosition() {
		return fmt.Errorf("%w: %s cannot be queued for the log", dberror.ErrInvalidPageState, page)
	}
	if page.ShareCounter() < 1 {
		return fmt.Errorf("%w: %s is not held for the writer", dberror.ErrInvalidPageState, page)
	}
	return q.push(queueItem{page: page})
}

// EnqueueSetLength queues a resize of the log, applied in order with page writes.
func (q *DiskWriterQueue) EnqueueSetLength(length int64) error {
	if length < 0 {
		return fmt.Errorf("invalid log length %d", length)
	}
	return q.push(queueItem{setLength: true, length: length})
}

// Length is the number of items waiting to be written.
func (q *DiskWriterQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until every queued item is written and flushed. It returns the
// poisoning error if the writer failed.
func (q *DiskWriterQueue) Wait() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for (len(q.items) > 0 || q.busy) && q.err == nil {
		q.cond.Wait()
	}
	return q.errLocked()
}

// Err returns the poisoning error, if any.
func (q *DiskWriterQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errLocked()
}

// Close drains the queue and stops the writer goroutine.
func (q *DiskWriterQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errLocked()
}

func (q *DiskWriterQueue) run() {
	defer close(q.done)
	q.mu.Lock()
	for {
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.items
		q.items = nil
		q.busy = true
		failed := q.err != nil
		q.mu.Unlock()

		var err error
		if failed {
			q.releaseAll(batch)
		} else if err = q.write(batch); err == nil {
			q.mu.Lock()
			drained := len(q.items) == 0
			q.mu.Unlock()
			if drained {
				err = q.flush()
			}
		}

		q.mu.Lock()
		if err != nil && q.err == nil {
			q.err = err
			q.logger.Error("disk writer poisoned", zap.Error(err))
		}
		q.busy = false
		q.cond.Broadcast()
	}
}

func (q *DiskWriterQueue) write(batch []queueItem) error {
	for i, item := range batch {
		var err error
		if item.setLength {
			err = q.log.SetLogLength(item.length)
		} else {
			err = q.log.WriteLogPage(item.page)
			if err == nil {
				internaltelemetry.Add(q.metrics.PagesWrittenCounter, 1, internaltelemetry.OriginAttr(pagemanager.OriginLog.String()))
			}
			q.metrics.WriterQueueUpDown.Add(context.Background(), -1)
			item.page.Release()
		}
		if err != nil {
			// the rest of the batch is dropped but its shares must still go back
			q.releaseAll(batch[i+1:])
			return err
		}
	}
	return nil
}

func (q *DiskWriterQueue) releaseAll(items []queueItem) {
	for _, item := range items {
		if item.page != nil {
			q.metrics.WriterQueueUpDown.Add(context.Background(), -1)
			item.page.Release()
		}
	}
}

func (q *DiskWriterQueue) flush() error {
	if err := q.log.FlushLog(); err != nil {
		return err
	}
	internaltelemetry.Add(q.metrics.LogFlushesCounter, 1)
	return nil
}
