package skiplist

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// memSnapshot keeps pages in a map, standing in for a write transaction.
type memSnapshot struct {
	write   bool
	pages   map[uint32]pagemanager.Page
	lastID  uint32
	deleted []uint32
}

func newMemSnapshot() *memSnapshot {
	return &memSnapshot{write: true, pages: make(map[uint32]pagemanager.Page)}
}

func (m *memSnapshot) IsWrite() bool { return m.write }

func (m *memSnapshot) GetPage(_ context.Context, pageID uint32) (pagemanager.Page, error) {
	page, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %d not found", pageID)
	}
	return page, nil
}

func (m *memSnapshot) NewPage(_ context.Context, pageType pagemanager.PageType, colID uint32) (pagemanager.Page, error) {
	m.lastID++
	buf := pagemanager.NewPageBuffer(make([]byte, pagemanager.PageSize), int(m.lastID))
	var page pagemanager.Page
	switch pageType {
	case pagemanager.PageTypeCollection:
		page = pagemanager.NewCollectionPage(buf, m.lastID)
	case pagemanager.PageTypeIndex:
		page = pagemanager.NewIndexPage(buf, m.lastID, colID)
	default:
		page = pagemanager.NewBasePage(buf, m.lastID, pageType)
	}
	m.pages[m.lastID] = page
	return page, nil
}

func (m *memSnapshot) DeletePage(_ context.Context, pageID uint32) error {
	page := m.pages[pageID].Base()
	page.MarkAsEmpty()
	m.pages[pageID] = page
	m.deleted = append(m.deleted, pageID)
	return nil
}

func setupIndex(t *testing.T, unique bool) (*IndexService, *pagemanager.CollectionIndex, *memSnapshot) {
	t.Helper()
	snap := newMemSnapshot()
	page, err := snap.NewPage(context.Background(), pagemanager.PageTypeCollection, 0)
	require.NoError(t, err)
	svc := NewIndexService(snap, page.(*pagemanager.CollectionPage), WithSeed(42), WithLogger(zap.NewNop()))
	idx, err := svc.CreateIndex(context.Background(), "ix", "$.value", unique)
	require.NoError(t, err)
	return svc, idx, snap
}

func keysOf(nodes []*IndexNode) []int64 {
	keys := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		keys = append(keys, n.Key.AsInt64())
	}
	return keys
}

func TestIndexService_InsertDeleteScenario(t *testing.T) {
	svc, idx, _ := setupIndex(t, true)
	ctx := context.Background()

	blocks := make(map[int32]pagemanager.PageAddress)
	for i, v := range []int32{5, 1, 9, 3} {
		block := pagemanager.NewPageAddress(100+uint32(i), byte(i))
		blocks[v] = block
		_, err := svc.Insert(ctx, idx, Int32Key(v), block)
		require.NoError(t, err)
	}

	nodes, err := svc.FindAll(ctx, idx, Ascending)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 5, 9}, keysOf(nodes))

	found, err := svc.Delete(ctx, idx, Int32Key(5))
	require.NoError(t, err)
	require.True(t, found)
	nodes, err = svc.FindAll(ctx, idx, Ascending)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 9}, keysOf(nodes))
	require.Equal(t, uint32(3), idx.KeyCount)

	node, err := svc.Find(ctx, idx, Int32Key(9))
	require.NoError(t, err)
	require.NotNil(t, node)
	require.Equal(t, blocks[9], node.DataBlock())

	node, err = svc.Find(ctx, idx, Int32Key(5))
	require.NoError(t, err)
	require.Nil(t, node)
	found, err = svc.Delete(ctx, idx, Int32Key(5))
	require.NoError(t, err)
	require.False(t, found)
}

func TestIndexService_OrderingUnderChurn(t *testing.T) {
	svc, idx, _ := setupIndex(t, false)
	ctx := context.Background()
	rnd := rand.New(rand.NewPCG(7, 7))

	var live []int64
	for i := 0; i < 600; i++ {
		v := rnd.Int64N(200)
		_, err := svc.Insert(ctx, idx, Int64Key(v), pagemanager.NewPageAddress(uint32(i), 0))
		require.NoError(t, err)
		live = append(live, v)
	}
	for i := 0; i < 250; i++ {
		pos := rnd.IntN(len(live))
		found, err := svc.Delete(ctx, idx, Int64Key(live[pos]))
		require.NoError(t, err)
		require.True(t, found)
		live = slices.Delete(live, pos, pos+1)
	}
	slices.Sort(live)

	forward, err := svc.FindAll(ctx, idx, Ascending)
	require.NoError(t, err)
	require.Equal(t, live, keysOf(forward))

	backward, err := svc.FindAll(ctx, idx, Descending)
	require.NoError(t, err)
	reversed := slices.Clone(live)
	slices.Reverse(reversed)
	require.Equal(t, reversed, keysOf(backward))

	for _, v := range live {
		node, err := svc.Find(ctx, idx, Int64Key(v))
		require.NoError(t, err)
		require.NotNil(t, node, "key %d", v)
		require.Zero(t, node.Key.CompareTo(Int64Key(v), svc.Collation()))
	}
	require.Equal(t, uint32(len(live)), idx.KeyCount)
}

func TestIndexService_UniqueRejectsDuplicate(t *testing.T) {
	svc, idx, _ := setupIndex(t, true)
	ctx := context.Background()

	_, err := svc.Insert(ctx, idx, StringKey("alice"), pagemanager.NewPageAddress(1, 0))
	require.NoError(t, err)
	_, err = svc.Insert(ctx, idx, StringKey("ALICE"), pagemanager.NewPageAddress(2, 0))
	require.ErrorIs(t, err, dberror.ErrIndexDuplicateKey)

	nodes, err := svc.FindAll(ctx, idx, Ascending)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, uint32(1), idx.KeyCount)

	head, err := svc.GetNode(ctx, idx.Head)
	require.NoError(t, err)
	page, err := svc.indexPage(ctx, head.Position.PageID)
	require.NoError(t, err)
	require.Equal(t, byte(3), page.ItemsCount, "head, tail and one key")
}

func TestIndexService_EqualKeysKeepInsertionOrder(t *testing.T) {
	svc, idx, _ := setupIndex(t, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Insert(ctx, idx, Int32Key(1), pagemanager.NewPageAddress(uint32(i), 0))
		require.NoError(t, err)
	}
	nodes, err := svc.FindAll(ctx, idx, Ascending)
	require.NoError(t, err)
	for i, n := range nodes {
		require.Equal(t, uint32(i), n.DataBlock().PageID)
	}
}

func TestIndexService_FindRange(t *testing.T) {
	svc, idx, _ := setupIndex(t, false)
	ctx := context.Background()
	for _, v := range []int32{10, 20, 20, 30, 40, 50} {
		_, err := svc.Insert(ctx, idx, Int32Key(v), pagemanager.NewPageAddress(uint32(v), 0))
		require.NoError(t, err)
	}

	nodes, err := svc.FindRange(ctx, idx, Int32Key(15), Int32Key(40), Ascending)
	require.NoError(t, err)
	require.Equal(t, []int64{20, 20, 30, 40}, keysOf(nodes))

	nodes, err = svc.FindRange(ctx, idx, Int32Key(20), Int32Key(45), Descending)
	require.NoError(t, err)
	require.Equal(t, []int64{40, 30, 20, 20}, keysOf(nodes))

	nodes, err = svc.FindRange(ctx, idx, Int32Key(60), Int32Key(70), Ascending)
	require.NoError(t, err)
	require.Empty(t, nodes)

	nodes, err = svc.FindRange(ctx, idx, Int32Key(40), Int32Key(10), Ascending)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestIndexService_PagesAreRecycled(t *testing.T) {
	svc, idx, snap := setupIndex(t, true)
	ctx := context.Background()

	const n = 1000
	for i := 0; i < n; i++ {
		_, err := svc.Insert(ctx, idx, Int32Key(int32(i)), pagemanager.EmptyAddress)
		require.NoError(t, err)
	}
	indexPages := 0
	for _, page := range snap.pages {
		if page.Base().PageType == pagemanager.PageTypeIndex {
			indexPages++
		}
	}
	require.Greater(t, indexPages, 2)

	for i := 0; i < n; i++ {
		found, err := svc.Delete(ctx, idx, Int32Key(int32(i)))
		require.NoError(t, err)
		require.True(t, found)
	}
	require.Zero(t, idx.KeyCount)
	require.NotEmpty(t, snap.deleted, "pages left without nodes are freed")

	// the sentinel page and every page still holding room are on the free list
	for pageID := idx.FreeIndexPageList; pageID != pagemanager.EmptyPageID; {
		page, err := svc.indexPage(ctx, pageID)
		require.NoError(t, err)
		require.Equal(t, onFreeList, page.PageListSlot)
		require.True(t, hasRoomForNode(page))
		pageID = page.NextPageID
	}

	_, err := svc.Insert(ctx, idx, Int32Key(1), pagemanager.EmptyAddress)
	require.NoError(t, err)
	nodes, err := svc.FindAll(ctx, idx, Ascending)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, keysOf(nodes))
}

func TestIndexService_DropIndex(t *testing.T) {
	svc, idx, snap := setupIndex(t, false)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := svc.Insert(ctx, idx, Int32Key(int32(i)), pagemanager.EmptyAddress)
		require.NoError(t, err)
	}
	require.NoError(t, svc.DropIndex(ctx, "ix"))
	_, err := svc.Index("ix")
	require.ErrorIs(t, err, dberror.ErrIndexNotFound)
	require.NotEmpty(t, snap.deleted)
	require.ErrorIs(t, svc.DropIndex(ctx, "ix"), dberror.ErrIndexNotFound)
}

func TestIndexService_RejectsInvalidWrites(t *testing.T) {
	svc, idx, snap := setupIndex(t, false)
	ctx := context.Background()

	_, err := svc.Insert(ctx, idx, MaxKey(), pagemanager.EmptyAddress)
	require.ErrorIs(t, err, dberror.ErrUnsupportedKeyType)
	require.ErrorIs(t, svc.DeleteNode(ctx, idx, idx.Head), dberror.ErrInvalidPageState)

	snap.write = false
	_, err = svc.Insert(ctx, idx, Int32Key(1), pagemanager.EmptyAddress)
	require.ErrorIs(t, err, dberror.ErrReadOnly)
	_, err = svc.Delete(ctx, idx, Int32Key(1))
	require.ErrorIs(t, err, dberror.ErrReadOnly)
}

func TestIndexService_UniqueRejectsEveryReinsert(t *testing.T) {
	svc, idx, _ := setupIndex(t, true)
	ctx := context.Background()

	const n = 64
	for i := 0; i < n; i++ {
		_, err := svc.Insert(ctx, idx, Int32Key(int32(i)), pagemanager.NewPageAddress(uint32(i), 0))
		require.NoError(t, err)
	}
	// nodes with several levels are met above level 0 first
	for i := 0; i < n; i++ {
		_, err := svc.Insert(ctx, idx, Int32Key(int32(i)), pagemanager.NewPageAddress(uint32(n+i), 0))
		require.ErrorIs(t, err, dberror.ErrIndexDuplicateKey, "key %d", i)
	}
	require.Equal(t, uint32(n), idx.KeyCount)

	nodes, err := svc.FindAll(ctx, idx, Ascending)
	require.NoError(t, err)
	require.Len(t, nodes, n)
	for i, node := range nodes {
		require.Equal(t, uint32(i), node.DataBlock().PageID)
	}
}
