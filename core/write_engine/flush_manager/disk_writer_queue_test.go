package flushmanager

import (
	"errors"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fileLog writes log pages straight into a StreamPool writer.
type fileLog struct {
	pool *StreamPool

	mu      sync.Mutex
	order   []int64
	flushes int
	failAt  int64 // position that fails to write, -1 for none
}

func (l *fileLog) WriteLogPage(page *pagemanager.PageBuffer) error {
	if page.Position == l.failAt {
		return errors.New("injected write failure")
	}
	f, err := l.pool.Writer()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(page.Array, page.Position); err != nil {
		return err
	}
	l.mu.Lock()
	l.order = append(l.order, page.Position)
	l.mu.Unlock()
	return nil
}

func (l *fileLog) SetLogLength(length int64) error {
	f, err := l.pool.Writer()
	if err != nil {
		return err
	}
	return f.Truncate(length)
}

func (l *fileLog) FlushLog() error {
	f, err := l.pool.Writer()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.flushes++
	l.mu.Unlock()
	return SyncFile(f)
}

func setupQueue(t *testing.T) (*DiskWriterQueue, *fileLog) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	log := &fileLog{pool: NewStreamPool(afero.NewMemMapFs(), "test-log.db", false, 2), failAt: -1}
	q := NewDiskWriterQueue(log, logger, nil)
	t.Cleanup(func() { _ = q.Close() })
	return q, log
}

// heldLogPage returns a buffer in the state DiskService hands to the queue.
func heldLogPage(position int64, fill byte) *pagemanager.PageBuffer {
	page := pagemanager.NewPageBuffer(make([]byte, pagemanager.PageSize), int(position))
	for i := range page.Array {
		page.Array[i] = fill
	}
	page.Position = position
	page.Origin = pagemanager.OriginLog
	page.SetShareCounter(1)
	return page
}

func TestDiskWriterQueue_WritesInOrderAndFlushes(t *testing.T) {
	q, log := setupQueue(t)

	var pages []*pagemanager.PageBuffer
	for i := 0; i < 10; i++ {
		page := heldLogPage(int64(i)*pagemanager.PageSize, byte(i+1))
		pages = append(pages, page)
		require.NoError(t, q.EnqueuePage(page))
	}
	require.NoError(t, q.Wait())
	require.Zero(t, q.Length())

	for i, position := range log.order {
		require.Equal(t, int64(i)*pagemanager.PageSize, position)
	}
	require.Len(t, log.order, 10)
	require.GreaterOrEqual(t, log.flushes, 1)
	for _, page := range pages {
		require.Equal(t, int32(0), page.ShareCounter(), "writer must release its share")
	}

	length, err := log.pool.Length()
	require.NoError(t, err)
	require.Equal(t, int64(10*pagemanager.PageSize), length)

	f, err := log.pool.Rent()
	require.NoError(t, err)
	defer log.pool.Return(f)
	buf := make([]byte, pagemanager.PageSize)
	_, err = f.ReadAt(buf, 7*pagemanager.PageSize)
	require.NoError(t, err)
	require.Equal(t, byte(8), buf[0])
}

func TestDiskWriterQueue_SetLengthIsOrdered(t *testing.T) {
	q, log := setupQueue(t)

	require.NoError(t, q.EnqueuePage(heldLogPage(0, 1)))
	require.NoError(t, q.EnqueuePage(heldLogPage(pagemanager.PageSize, 2)))
	require.NoError(t, q.EnqueueSetLength(0))
	require.NoError(t, q.EnqueuePage(heldLogPage(0, 3)))
	require.NoError(t, q.Wait())

	length, err := log.pool.Length()
	require.NoError(t, err)
	require.Equal(t, int64(pagemanager.PageSize), length)
}

func TestDiskWriterQueue_ManyProducers(t *testing.T) {
	q, log := setupQueue(t)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				position := int64(w*25+i) * pagemanager.PageSize
				if err := q.EnqueuePage(heldLogPage(position, byte(w))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, q.Wait())
	require.Len(t, log.order, 200)
}

func TestDiskWriterQueue_RejectsInvalidPages(t *testing.T) {
	q, _ := setupQueue(t)

	data := heldLogPage(0, 1)
	data.Origin = pagemanager.OriginData
	require.ErrorIs(t, q.EnqueuePage(data), dberror.ErrInvalidPageState)

	unpositioned := heldLogPage(0, 1)
	unpositioned.Position = pagemanager.MaxPosition
	require.ErrorIs(t, q.EnqueuePage(unpositioned), dberror.ErrInvalidPageState)

	unheld := heldLogPage(0, 1)
	unheld.SetShareCounter(0)
	require.ErrorIs(t, q.EnqueuePage(unheld), dberror.ErrInvalidPageState)
}

func TestDiskWriterQueue_PoisonedAfterFailure(t *testing.T) {
	q, log := setupQueue(t)
	log.failAt = pagemanager.PageSize

	first := heldLogPage(0, 1)
	failing := heldLogPage(pagemanager.PageSize, 2)
	require.NoError(t, q.EnqueuePage(first))
	require.NoError(t, q.EnqueuePage(failing))

	err := q.Wait()
	require.ErrorIs(t, err, dberror.ErrWriterPoisoned)
	require.True(t, dberror.IsFatal(err))
	require.Equal(t, int32(0), failing.ShareCounter())

	// every later producer sees the failure
	require.ErrorIs(t, q.EnqueuePage(heldLogPage(2*pagemanager.PageSize, 3)), dberror.ErrWriterPoisoned)
	require.ErrorIs(t, q.EnqueueSetLength(0), dberror.ErrWriterPoisoned)
	require.ErrorIs(t, q.Close(), dberror.ErrWriterPoisoned)
}

func TestDiskWriterQueue_CloseDrains(t *testing.T) {
	q, log := setupQueue(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.EnqueuePage(heldLogPage(int64(i)*pagemanager.PageSize, 1)))
	}
	require.NoError(t, q.Close())
	require.Len(t, log.order, 5)
	require.ErrorIs(t, q.EnqueuePage(heldLogPage(0, 1)), dberror.ErrEngineClosed)
}
