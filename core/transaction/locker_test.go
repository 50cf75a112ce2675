package transaction

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func setupLocker(t *testing.T, timeout time.Duration) *Locker {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewLocker(timeout, logger, nil)
}

func TestLocker_SharedIsConcurrent(t *testing.T) {
	l := setupLocker(t, time.Second)
	ctx := context.Background()

	a, err := l.Shared(ctx)
	require.NoError(t, err)
	b, err := l.Shared(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, l.State().Shared)

	a.Release()
	a.Release() // idempotent
	b.Release()
	require.Equal(t, 0, l.State().Shared)
}

func TestLocker_ReservedIsSingleWriter(t *testing.T) {
	l := setupLocker(t, time.Second)
	ctx := context.Background()

	var holders, maxHolders atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			shared, err := l.Shared(ctx)
			if err != nil {
				return err
			}
			defer shared.Release()
			reserved, err := shared.Reserved(ctx)
			if err != nil {
				return err
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			reserved.Release()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), maxHolders.Load())
}

func TestLocker_ReservedDoesNotBlockReaders(t *testing.T) {
	l := setupLocker(t, time.Second)
	ctx := context.Background()

	writer, err := l.Shared(ctx)
	require.NoError(t, err)
	reserved, err := writer.Reserved(ctx)
	require.NoError(t, err)
	defer reserved.Release()
	defer writer.Release()

	reader, err := l.Shared(ctx)
	require.NoError(t, err)
	reader.Release()
}

func TestLocker_ExclusiveWaitsForShared(t *testing.T) {
	l := setupLocker(t, 5*time.Second)
	ctx := context.Background()

	// thread A holds shared
	a, err := l.Shared(ctx)
	require.NoError(t, err)

	// thread B asks for exclusive and must block until A releases
	acquired := make(chan *ExclusiveScope)
	b, err := l.Shared(ctx)
	require.NoError(t, err)
	reserved, err := b.Reserved(ctx)
	require.NoError(t, err)
	go func() {
		exclusive, err := reserved.Exclusive(ctx)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- exclusive
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive acquired while another shared holder is active")
	case <-time.After(50 * time.Millisecond):
	}

	// pending exclusive keeps new readers out
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Shared(blockedCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	a.Release()
	var exclusive *ExclusiveScope
	select {
	case exclusive = <-acquired:
		require.NotNil(t, exclusive)
	case <-time.After(2 * time.Second):
		t.Fatal("exclusive not acquired after shared release")
	}
	require.True(t, l.State().Exclusive)

	// while exclusive is held, shared acquirers block until release
	got := make(chan error, 1)
	go func() {
		s, err := l.Shared(ctx)
		if err == nil {
			s.Release()
		}
		got <- err
	}()
	select {
	case <-got:
		t.Fatal("shared acquired during exclusive")
	case <-time.After(50 * time.Millisecond):
	}
	exclusive.Release()
	reserved.Release()
	b.Release()
	require.NoError(t, <-got)
}

func TestLocker_Timeout(t *testing.T) {
	l := setupLocker(t, 30*time.Millisecond)
	ctx := context.Background()

	first, err := l.Shared(ctx)
	require.NoError(t, err)
	reserved, err := first.Reserved(ctx)
	require.NoError(t, err)

	second, err := l.Shared(ctx)
	require.NoError(t, err)
	_, err = second.Reserved(ctx)
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	require.True(t, dberror.IsRetryable(err))

	// a timed out exclusive request lets readers back in
	_, err = reserved.Exclusive(ctx)
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	third, err := l.Shared(ctx)
	require.NoError(t, err)

	third.Release()
	second.Release()
	reserved.Release()
	first.Release()
	require.Equal(t, LockState{}, l.State())
}

func TestLocker_TryExclusiveNeverWaits(t *testing.T) {
	l := setupLocker(t, time.Minute)
	ctx := context.Background()

	writer, err := l.Shared(ctx)
	require.NoError(t, err)
	reserved, err := writer.Reserved(ctx)
	require.NoError(t, err)
	reader, err := l.Shared(ctx)
	require.NoError(t, err)

	_, ok := reserved.TryExclusive()
	require.False(t, ok)
	// a failed attempt leaves nothing pending
	late, err := l.Shared(ctx)
	require.NoError(t, err)
	late.Release()
	reader.Release()

	exclusive, ok := reserved.TryExclusive()
	require.True(t, ok)
	require.True(t, l.State().Exclusive)
	exclusive.Release()

	reserved.Release()
	writer.Release()
	require.Equal(t, LockState{}, l.State())
}

func TestLocker_ExclusiveAfterOwnSharedReleased(t *testing.T) {
	l := setupLocker(t, time.Minute)
	ctx := context.Background()

	writer, err := l.Shared(ctx)
	require.NoError(t, err)
	reserved, err := writer.Reserved(ctx)
	require.NoError(t, err)
	reader, err := l.Shared(ctx)
	require.NoError(t, err)
	writer.Release()

	// the one shared holder left belongs to someone else
	_, ok := reserved.TryExclusive()
	require.False(t, ok)
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = reserved.Exclusive(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	reader.Release()
	exclusive, err := reserved.Exclusive(ctx)
	require.NoError(t, err)
	exclusive.Release()
	reserved.Release()
	require.Equal(t, LockState{}, l.State())
}
