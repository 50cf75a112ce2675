package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/config"
	"github.com/sushant-115/gojodoc/core/indexing/skiplist"
	"github.com/sushant-115/gojodoc/core/transaction"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

func testConfig() config.EngineConfig {
	cfg := config.Default().Engine
	cfg.Filename = "engine.db"
	cfg.SyncCommit = true
	return cfg
}

func openEngine(t *testing.T, fs afero.Fs, cfg config.EngineConfig) *Engine {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	e, err := Open(context.Background(), cfg,
		WithFs(fs),
		WithLogger(logger),
		WithTracer(noop.NewTracerProvider().Tracer("")))
	require.NoError(t, err)
	return e
}

// insertUsers indexes ids under users/_id, each pointing at a fake data block.
func insertUsers(t *testing.T, e *Engine, ids ...int32) {
	t.Helper()
	ctx := context.Background()
	err := e.Update(ctx, func(tx *transaction.Transaction) error {
		col, err := tx.Collection(ctx, "users", true)
		if err != nil {
			return err
		}
		svc := skiplist.NewIndexService(tx, col, skiplist.WithSeed(1))
		idx, err := svc.Index("_id")
		if err != nil {
			if idx, err = svc.CreateIndex(ctx, "_id", "$._id", true); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if _, err := svc.Insert(ctx, idx, skiplist.Int32Key(id), pagemanager.NewPageAddress(uint32(id), 0)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func findUser(t *testing.T, e *Engine, id int32) (pagemanager.PageAddress, bool) {
	t.Helper()
	ctx := context.Background()
	var (
		block pagemanager.PageAddress
		found bool
	)
	err := e.View(ctx, func(tx *transaction.Transaction) error {
		col, err := tx.Collection(ctx, "users", false)
		if err != nil {
			return err
		}
		svc := skiplist.NewIndexService(tx, col)
		idx, err := svc.Index("_id")
		if err != nil {
			return err
		}
		node, err := svc.Find(ctx, idx, skiplist.Int32Key(id))
		if err != nil || node == nil {
			return err
		}
		block, found = node.DataBlock(), true
		return nil
	})
	require.NoError(t, err)
	return block, found
}

func TestEngine_IndexSurvivesCrash(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()

	e := openEngine(t, fs, cfg)
	insertUsers(t, e, 3, 1, 2)
	insertUsers(t, e, 10, 20)

	// an uncommitted writer leaves pages behind
	tx, err := e.Begin(context.Background(), true)
	require.NoError(t, err)
	col, err := tx.Collection(context.Background(), "users", false)
	require.NoError(t, err)
	svc := skiplist.NewIndexService(tx, col)
	idx, err := svc.Index("_id")
	require.NoError(t, err)
	_, err = svc.Insert(context.Background(), idx, skiplist.Int32Key(99), pagemanager.EmptyAddress)
	require.NoError(t, err)

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Positive(t, stats.Disk.LogLength)
	require.Equal(t, uint32(2), stats.ReadVersion)
	// crash: neither the transaction nor the engine is closed

	e2 := openEngine(t, fs, cfg)
	defer e2.Close()
	stats, err = e2.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.Disk.LogLength, "recovery folds the log into the data file")

	for _, id := range []int32{1, 2, 3, 10, 20} {
		block, ok := findUser(t, e2, id)
		require.True(t, ok, "id %d", id)
		require.Equal(t, uint32(id), block.PageID)
	}
	_, ok := findUser(t, e2, 99)
	require.False(t, ok)
}

func TestEngine_ReadOnlySeesLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()

	e := openEngine(t, fs, cfg)
	insertUsers(t, e, 7)
	// crash before any checkpoint

	ro := cfg
	ro.ReadOnly = true
	e2 := openEngine(t, fs, ro)
	defer e2.Close()

	block, ok := findUser(t, e2, 7)
	require.True(t, ok)
	require.Equal(t, uint32(7), block.PageID)

	_, err := e2.Begin(context.Background(), true)
	require.ErrorIs(t, err, dberror.ErrReadOnly)
	_, err = e2.Checkpoint(context.Background())
	require.ErrorIs(t, err, dberror.ErrReadOnly)
}

func TestEngine_CloseCheckpoints(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()

	e := openEngine(t, fs, cfg)
	insertUsers(t, e, 1, 2, 3)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Begin(context.Background(), false)
	require.ErrorIs(t, err, dberror.ErrEngineClosed)
	_, err = e.Stats()
	require.ErrorIs(t, err, dberror.ErrEngineClosed)

	exists, err := afero.Exists(fs, "engine-log.db")
	require.NoError(t, err)
	require.False(t, exists, "an empty log is removed on close")

	e2 := openEngine(t, fs, cfg)
	defer e2.Close()
	_, ok := findUser(t, e2, 2)
	require.True(t, ok)
}

func TestEngine_Checkpoint(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs(), testConfig())
	defer e.Close()

	insertUsers(t, e, 1)
	copied, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Positive(t, copied)

	stats, err := e.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.Disk.LogLength)
	require.Equal(t, transaction.LockState{}, stats.Locks)

	copied, err = e.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Zero(t, copied)
}

func TestEngine_UpdateRollsBackOnError(t *testing.T) {
	e := openEngine(t, afero.NewMemMapFs(), testConfig())
	defer e.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err := e.Update(ctx, func(tx *transaction.Transaction) error {
		if _, err := tx.Collection(ctx, "orders", true); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = e.View(ctx, func(tx *transaction.Transaction) error {
		_, err := tx.Collection(ctx, "orders", false)
		return err
	})
	require.ErrorIs(t, err, dberror.ErrCollectionNotFound)
}

func TestEngine_Limits(t *testing.T) {
	cfg := testConfig()
	cfg.LimitSize = 3 * pagemanager.PageSize
	e := openEngine(t, afero.NewMemMapFs(), cfg)
	defer e.Close()

	ctx := context.Background()
	err := e.Update(ctx, func(tx *transaction.Transaction) error {
		for i := 0; i < 4; i++ {
			if _, err := tx.NewPage(ctx, pagemanager.PageTypeData, pagemanager.EmptyPageID); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, dberror.ErrFileSizeExceeds)
}
