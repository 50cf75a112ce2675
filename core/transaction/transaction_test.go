package transaction

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/storage_engine/diskservice"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func setupManager(t *testing.T, opts Options) (*Manager, *diskservice.DiskService) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	ds, err := diskservice.Open(context.Background(), afero.NewMemMapFs(), diskservice.Options{Filename: "tx.db"}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return NewManager(ds, wal.NewWalIndex(ds, nil, logger, nil), opts, logger, nil), ds
}

func putContent(t *testing.T, page pagemanager.Page, content string) {
	t.Helper()
	base := page.Base()
	for _, index := range base.UsedIndexes() {
		base.Delete(index)
	}
	_, segment, err := base.Insert(len(content))
	require.NoError(t, err)
	copy(segment, content)
}

func pageContent(t *testing.T, ctx context.Context, tx *Transaction, pageID uint32) string {
	t.Helper()
	page, err := tx.GetPage(ctx, pageID)
	require.NoError(t, err)
	return string(page.Base().Get(0))
}

func TestTransaction_ReadersKeepTheirVersion(t *testing.T) {
	m, _ := setupManager(t, Options{})
	ctx := context.Background()

	w1, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err := w1.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), page.Base().PageID)
	putContent(t, page, "hello")
	require.NoError(t, w1.Commit(ctx))

	r1, err := m.Begin(ctx, false)
	require.NoError(t, err)
	defer r1.Rollback()
	require.Equal(t, uint32(1), r1.ReadVersion())

	// a writer runs next to the open reader
	w2, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err = w2.GetPage(ctx, 1)
	require.NoError(t, err)
	putContent(t, page, "world")
	require.NoError(t, w2.Commit(ctx))

	require.Equal(t, "hello", pageContent(t, ctx, r1, 1))

	r2, err := m.Begin(ctx, false)
	require.NoError(t, err)
	defer r2.Rollback()
	require.Equal(t, "world", pageContent(t, ctx, r2, 1))

	require.ErrorIs(t, w2.Commit(ctx), dberror.ErrTransactionFinished)
	require.NoError(t, w2.Rollback())
}

func TestTransaction_RollbackDropsChanges(t *testing.T) {
	m, ds := setupManager(t, Options{})
	ctx := context.Background()

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err := w.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
	require.NoError(t, err)
	putContent(t, page, "discarded")
	require.NoError(t, w.Rollback())

	logLength, err := ds.GetFileLength(pagemanager.OriginLog)
	require.NoError(t, err)
	require.Zero(t, logLength)
	require.Zero(t, ds.Cache().Stats().WritablePages)
	require.Equal(t, LockState{}, m.Locker().State())

	r, err := m.Begin(ctx, false)
	require.NoError(t, err)
	defer r.Rollback()
	header, err := r.Header(ctx)
	require.NoError(t, err)
	require.Zero(t, header.LastPageID)
}

func TestTransaction_DeletedPagesAreReused(t *testing.T) {
	m, _ := setupManager(t, Options{})
	ctx := context.Background()

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		page, err := w.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
		require.NoError(t, err)
		putContent(t, page, "data")
	}
	require.NoError(t, w.Commit(ctx))

	w, err = m.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, w.DeletePage(ctx, 1))
	require.ErrorIs(t, w.DeletePage(ctx, pagemanager.HeaderPageID), dberror.ErrInvalidPageState)
	require.NoError(t, w.Commit(ctx))

	w, err = m.Begin(ctx, true)
	require.NoError(t, err)
	defer w.Rollback()
	header, err := w.Header(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), header.FreeEmptyPageList)

	page, err := w.NewPage(ctx, pagemanager.PageTypeIndex, 7)
	require.NoError(t, err)
	require.Equal(t, uint32(1), page.Base().PageID)
	require.Equal(t, pagemanager.PageTypeIndex, page.Base().PageType)
	require.Equal(t, uint32(7), page.Base().ColID)
	require.Equal(t, pagemanager.EmptyPageID, header.FreeEmptyPageList)
	require.Equal(t, uint32(2), header.LastPageID)
}

func TestTransaction_Collections(t *testing.T) {
	m, _ := setupManager(t, Options{})
	ctx := context.Background()

	r, err := m.Begin(ctx, false)
	require.NoError(t, err)
	_, err = r.Collection(ctx, "users", false)
	require.ErrorIs(t, err, dberror.ErrCollectionNotFound)
	_, err = r.Collection(ctx, "users", true)
	require.ErrorIs(t, err, dberror.ErrReadOnly)
	_, err = r.NewPage(ctx, pagemanager.PageTypeData, 0)
	require.ErrorIs(t, err, dberror.ErrReadOnly)
	require.NoError(t, r.Rollback())

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	col, err := w.Collection(ctx, "users", true)
	require.NoError(t, err)
	_, err = col.InsertIndex("_id", "$._id", true)
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))

	r, err = m.Begin(ctx, false)
	require.NoError(t, err)
	defer r.Rollback()
	col, err = r.Collection(ctx, "users", false)
	require.NoError(t, err)
	idx, ok := col.GetIndex("_id")
	require.True(t, ok)
	require.True(t, idx.Unique)
}

func TestTransaction_AutoCheckpoint(t *testing.T) {
	m, ds := setupManager(t, Options{CheckpointSize: 1, SyncCommit: true})
	ctx := context.Background()

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err := w.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
	require.NoError(t, err)
	putContent(t, page, "folded")
	require.NoError(t, w.Commit(ctx))

	logLength, err := ds.GetFileLength(pagemanager.OriginLog)
	require.NoError(t, err)
	require.Zero(t, logLength)
	dataLength, err := ds.GetFileLength(pagemanager.OriginData)
	require.NoError(t, err)
	require.Equal(t, int64(2*pagemanager.PageSize), dataLength)

	r, err := m.Begin(ctx, false)
	require.NoError(t, err)
	defer r.Rollback()
	require.Zero(t, r.ReadVersion())
	require.Equal(t, "folded", pageContent(t, ctx, r, 1))
}

func TestTransaction_WritersAreSerialized(t *testing.T) {
	m, _ := setupManager(t, Options{})
	ctx := context.Background()

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err := w.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
	require.NoError(t, err)
	_, _, err = page.Base().Insert(8)
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))

	const writers = 8
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			tx, err := m.Begin(ctx, true)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			page, err := tx.GetPage(ctx, 1)
			if err != nil {
				return err
			}
			counter := page.Base().Get(0)
			binary.LittleEndian.PutUint64(counter, binary.LittleEndian.Uint64(counter)+1)
			page.Base().IsDirty = true
			return tx.Commit(ctx)
		})
	}
	require.NoError(t, g.Wait())

	r, err := m.Begin(ctx, false)
	require.NoError(t, err)
	defer r.Rollback()
	page, err = r.GetPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(writers), binary.LittleEndian.Uint64(page.Base().Get(0)))
}

func TestManager_Checkpoint(t *testing.T) {
	m, ds := setupManager(t, Options{})
	ctx := context.Background()

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err := w.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
	require.NoError(t, err)
	putContent(t, page, "x")
	require.NoError(t, w.Commit(ctx))

	copied, err := m.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, copied)
	stats, err := ds.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.LogLength)
	require.Equal(t, LockState{}, m.Locker().State())
}

func TestTransaction_AutoCheckpointSkipsWhileReading(t *testing.T) {
	m, ds := setupManager(t, Options{CheckpointSize: 1, SyncCommit: true, Timeout: 2 * time.Second})
	ctx := context.Background()

	r, err := m.Begin(ctx, false)
	require.NoError(t, err)

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err := w.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
	require.NoError(t, err)
	putContent(t, page, "first")
	start := time.Now()
	require.NoError(t, w.Commit(ctx))
	require.Less(t, time.Since(start), time.Second, "commit does not wait for the reader")

	logLength, err := ds.GetFileLength(pagemanager.OriginLog)
	require.NoError(t, err)
	require.Positive(t, logLength, "checkpoint postponed")

	// new readers are admitted right away
	beginCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	r2, err := m.Begin(beginCtx, false)
	require.NoError(t, err)
	require.Equal(t, "first", pageContent(t, ctx, r2, 1))
	require.NoError(t, r2.Rollback())
	require.NoError(t, r.Rollback())

	w2, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err = w2.GetPage(ctx, 1)
	require.NoError(t, err)
	putContent(t, page, "second")
	page.Base().IsDirty = true
	require.NoError(t, w2.Commit(ctx))

	logLength, err = ds.GetFileLength(pagemanager.OriginLog)
	require.NoError(t, err)
	require.Zero(t, logLength, "the next commit without readers folds the log")
}

func TestTransaction_FailedCommitReturnsBuffers(t *testing.T) {
	m, ds := setupManager(t, Options{})
	ctx := context.Background()

	w, err := m.Begin(ctx, true)
	require.NoError(t, err)
	page, err := w.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID)
	require.NoError(t, err)
	putContent(t, page, "lost")
	require.NotZero(t, ds.Cache().Stats().WritablePages)

	require.NoError(t, ds.Close())
	err = w.Commit(ctx)
	require.ErrorIs(t, err, dberror.ErrEngineClosed)

	require.Zero(t, ds.Cache().Stats().WritablePages)
	require.Equal(t, LockState{}, m.Locker().State())
	require.NoError(t, w.Rollback())
}
