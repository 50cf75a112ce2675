package skiplist

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Snapshot is the page access an index needs, implemented by a transaction.
type Snapshot interface {
	IsWrite() bool
	GetPage(ctx context.Context, pageID uint32) (pagemanager.Page, error)
	NewPage(ctx context.Context, pageType pagemanager.PageType, colID uint32) (pagemanager.Page, error)
	DeletePage(ctx context.Context, pageID uint32) error
}

// Order of an index walk.
const (
	Ascending  = 1
	Descending = -1
)

// PageListSlot values of an index page.
const (
	onFreeList  byte = 0
	offFreeList byte = 255
)

// IndexService runs skip-list operations over the indexes of one collection.
type IndexService struct {
	snap      Snapshot
	col       *pagemanager.CollectionPage
	collation *Collation
	rnd       *rand.Rand
	logger    *zap.Logger
}

type Option func(*IndexService)

func WithCollation(c *Collation) Option {
	return func(s *IndexService) { s.collation = c }
}

// WithSeed makes node levels reproducible.
func WithSeed(seed uint64) Option {
	return func(s *IndexService) { s.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *IndexService) { s.logger = l }
}

func NewIndexService(snap Snapshot, col *pagemanager.CollectionPage, opts ...Option) *IndexService {
	s := &IndexService{
		snap:   snap,
		col:    col,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.collation == nil {
		s.collation = DefaultCollation()
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s.logger = s.logger.Named("skiplist")
	return s
}

func (s *IndexService) Collation() *Collation { return s.collation }

func (s *IndexService) checkWrite() error {
	if !s.snap.IsWrite() {
		return fmt.Errorf("%w: index change in a read transaction", dberror.ErrReadOnly)
	}
	return nil
}

// Index returns the descriptor of name.
func (s *IndexService) Index(name string) (*pagemanager.CollectionIndex, error) {
	idx, ok := s.col.GetIndex(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberror.ErrIndexNotFound, name)
	}
	return idx, nil
}

// flip draws a node height: level n+1 is used with probability 1/2^n.
func (s *IndexService) flip() byte {
	levels := byte(1)
	for r := s.rnd.Uint32(); r&1 == 1 && levels < MaxLevelLength; r >>= 1 {
		levels++
	}
	return levels
}

// CreateIndex adds an index with its head and tail sentinels linked on every level.
func (s *IndexService) CreateIndex(ctx context.Context, name, expression string, unique bool) (*pagemanager.CollectionIndex, error) {
	if err := s.checkWrite(); err != nil {
		return nil, err
	}
	idx, err := s.col.InsertIndex(name, expression, unique)
	if err != nil {
		return nil, err
	}
	head, err := s.allocateNode(ctx, idx, MaxLevelLength, MinKey(), pagemanager.EmptyAddress)
	if err != nil {
		return nil, err
	}
	tail, err := s.allocateNode(ctx, idx, MaxLevelLength, MaxKey(), pagemanager.EmptyAddress)
	if err != nil {
		return nil, err
	}
	// the second insert may have moved the head segment
	if head, err = s.GetNode(ctx, head.Position); err != nil {
		return nil, err
	}
	for level := 0; level < MaxLevelLength; level++ {
		head.SetNext(level, tail.Position)
		tail.SetPrev(level, head.Position)
	}
	idx.Head = head.Position
	idx.Tail = tail.Position
	idx.MaxLevel = 1
	s.col.IsDirty = true
	s.logger.Debug("index created", zap.String("name", name), zap.String("expression", expression), zap.Bool("unique", unique))
	return idx, nil
}

// DropIndex removes the index and frees every page holding its nodes.
func (s *IndexService) DropIndex(ctx context.Context, name string) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	idx, err := s.Index(name)
	if err != nil {
		return err
	}
	pages := make(map[uint32]struct{})
	for addr := idx.Head; !addr.IsEmpty(); {
		node, err := s.GetNode(ctx, addr)
		if err != nil {
			return err
		}
		pages[addr.PageID] = struct{}{}
		addr = node.Next(0)
	}
	for pageID := range pages {
		if err := s.snap.DeletePage(ctx, pageID); err != nil {
			return err
		}
	}
	s.col.DeleteIndex(name)
	s.logger.Debug("index dropped", zap.String("name", name), zap.Int("pages", len(pages)))
	return nil
}

func (s *IndexService) indexPage(ctx context.Context, pageID uint32) (*pagemanager.IndexPage, error) {
	page, err := s.snap.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	indexPage, ok := page.(*pagemanager.IndexPage)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an index page", dberror.ErrInvalidPageData, page.Base())
	}
	return indexPage, nil
}

// GetNode resolves an address to its node.
func (s *IndexService) GetNode(ctx context.Context, addr pagemanager.PageAddress) (*IndexNode, error) {
	if addr.IsEmpty() {
		return nil, fmt.Errorf("%w: empty node address", dberror.ErrInvalidPageData)
	}
	page, err := s.indexPage(ctx, addr.PageID)
	if err != nil {
		return nil, err
	}
	return loadIndexNode(page, addr.Index)
}

// freeIndexPage returns a page able to hold one more node, allocating a new one when
// the free index page list is empty.
func (s *IndexService) freeIndexPage(ctx context.Context, idx *pagemanager.CollectionIndex) (*pagemanager.IndexPage, error) {
	if idx.FreeIndexPageList != pagemanager.EmptyPageID {
		return s.indexPage(ctx, idx.FreeIndexPageList)
	}
	page, err := s.snap.NewPage(ctx, pagemanager.PageTypeIndex, s.col.PageID)
	if err != nil {
		return nil, err
	}
	indexPage := page.(*pagemanager.IndexPage)
	if err := s.addFreeList(ctx, idx, indexPage); err != nil {
		return nil, err
	}
	return indexPage, nil
}

func hasRoomForNode(page *pagemanager.IndexPage) bool {
	return page.FreeBytes() >= maxNodeLength+pagemanager.SlotSize
}

func (s *IndexService) addFreeList(ctx context.Context, idx *pagemanager.CollectionIndex, page *pagemanager.IndexPage) error {
	if idx.FreeIndexPageList != pagemanager.EmptyPageID {
		next, err := s.indexPage(ctx, idx.FreeIndexPageList)
		if err != nil {
			return err
		}
		next.PrevPageID = page.PageID
		next.IsDirty = true
	}
	page.PrevPageID = pagemanager.EmptyPageID
	page.NextPageID = idx.FreeIndexPageList
	page.PageListSlot = onFreeList
	page.IsDirty = true
	idx.FreeIndexPageList = page.PageID
	s.col.IsDirty = true
	return nil
}

func (s *IndexService) removeFreeList(ctx context.Context, idx *pagemanager.CollectionIndex, page *pagemanager.IndexPage) error {
	if page.PrevPageID != pagemanager.EmptyPageID {
		prev, err := s.indexPage(ctx, page.PrevPageID)
		if err != nil {
			return err
		}
		prev.NextPageID = page.NextPageID
		prev.IsDirty = true
	}
	if page.NextPageID != pagemanager.EmptyPageID {
		next, err := s.indexPage(ctx, page.NextPageID)
		if err != nil {
			return err
		}
		next.PrevPageID = page.PrevPageID
		next.IsDirty = true
	}
	if idx.FreeIndexPageList == page.PageID {
		idx.FreeIndexPageList = page.NextPageID
		s.col.IsDirty = true
	}
	page.PrevPageID = pagemanager.EmptyPageID
	page.NextPageID = pagemanager.EmptyPageID
	page.PageListSlot = offFreeList
	page.IsDirty = true
	return nil
}

func (s *IndexService) allocateNode(ctx context.Context, idx *pagemanager.CollectionIndex, levels byte, key IndexKey, dataBlock pagemanager.PageAddress) (*IndexNode, error) {
	page, err := s.freeIndexPage(ctx, idx)
	if err != nil {
		return nil, err
	}
	index, segment, err := page.Insert(nodeLength(levels, key))
	if err != nil {
		return nil, err
	}
	node := newIndexNode(page, index, segment, levels, key, dataBlock)
	if !hasRoomForNode(page) {
		if err := s.removeFreeList(ctx, idx, page); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// releaseNode frees the slot of an unlinked node. Pages left empty go back to the
// datafile, pages that regained room go back on the free index page list.
func (s *IndexService) releaseNode(ctx context.Context, idx *pagemanager.CollectionIndex, addr pagemanager.PageAddress) error {
	page, err := s.indexPage(ctx, addr.PageID)
	if err != nil {
		return err
	}
	page.Delete(addr.Index)
	switch {
	case page.ItemsCount == 0:
		if page.PageListSlot == onFreeList {
			if err := s.removeFreeList(ctx, idx, page); err != nil {
				return err
			}
		}
		return s.snap.DeletePage(ctx, page.PageID)
	case page.PageListSlot != onFreeList && hasRoomForNode(page):
		return s.addFreeList(ctx, idx, page)
	}
	return nil
}

// Insert adds key pointing at dataBlock. On a unique index an equal key fails with
// ErrIndexDuplicateKey; the check is part of the same walk that finds the splice
// points.
func (s *IndexService) Insert(ctx context.Context, idx *pagemanager.CollectionIndex, key IndexKey, dataBlock pagemanager.PageAddress) (*IndexNode, error) {
	if err := s.checkWrite(); err != nil {
		return nil, err
	}
	if key.Type == KeyMinValue || key.Type == KeyMaxValue {
		return nil, fmt.Errorf("%w: %s cannot be stored", dberror.ErrUnsupportedKeyType, key.Type)
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	// allocate first: inserting a segment may defragment the page under other nodes
	levels := s.flip()
	node, err := s.allocateNode(ctx, idx, levels, key, dataBlock)
	if err != nil {
		return nil, err
	}

	var preds [MaxLevelLength]*IndexNode
	cur, err := s.GetNode(ctx, idx.Head)
	if err != nil {
		return nil, err
	}
	top := max(int(idx.MaxLevel), int(levels))
	for level := top - 1; level >= 0; level-- {
		for {
			nextAddr := cur.Next(level)
			if nextAddr == idx.Tail {
				break
			}
			next, err := s.GetNode(ctx, nextAddr)
			if err != nil {
				return nil, err
			}
			c := next.Key.CompareTo(key, s.collation)
			// an equal node may first show up on any level, the walk moves past it
			if c == 0 && idx.Unique {
				if err := s.releaseNode(ctx, idx, node.Position); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("%w: index %q key %s", dberror.ErrIndexDuplicateKey, idx.Name, key)
			}
			// equal keys keep insertion order
			if c > 0 {
				break
			}
			cur = next
		}
		preds[level] = cur
	}

	for level := 0; level < int(levels); level++ {
		pred := preds[level]
		succ, err := s.GetNode(ctx, pred.Next(level))
		if err != nil {
			return nil, err
		}
		node.SetPrev(level, pred.Position)
		node.SetNext(level, succ.Position)
		pred.SetNext(level, node.Position)
		succ.SetPrev(level, node.Position)
	}

	idx.MaxLevel = byte(top)
	idx.KeyCount++
	s.col.IsDirty = true
	return node, nil
}

// Search returns the first node whose key is >= key, the tail when there is none.
func (s *IndexService) Search(ctx context.Context, idx *pagemanager.CollectionIndex, key IndexKey) (*IndexNode, error) {
	cur, err := s.GetNode(ctx, idx.Head)
	if err != nil {
		return nil, err
	}
	for level := int(idx.MaxLevel) - 1; level >= 0; level-- {
		for {
			nextAddr := cur.Next(level)
			if nextAddr == idx.Tail {
				break
			}
			next, err := s.GetNode(ctx, nextAddr)
			if err != nil {
				return nil, err
			}
			if next.Key.CompareTo(key, s.collation) >= 0 {
				break
			}
			cur = next
		}
	}
	return s.GetNode(ctx, cur.Next(0))
}

// Find returns the first node with a key equal to key, or nil.
func (s *IndexService) Find(ctx context.Context, idx *pagemanager.CollectionIndex, key IndexKey) (*IndexNode, error) {
	node, err := s.Search(ctx, idx, key)
	if err != nil {
		return nil, err
	}
	if node.Position == idx.Tail || node.Key.CompareTo(key, s.collation) != 0 {
		return nil, nil
	}
	return node, nil
}

// Delete removes the first node holding key. It reports whether one was found.
func (s *IndexService) Delete(ctx context.Context, idx *pagemanager.CollectionIndex, key IndexKey) (bool, error) {
	if err := s.checkWrite(); err != nil {
		return false, err
	}
	node, err := s.Find(ctx, idx, key)
	if err != nil || node == nil {
		return false, err
	}
	return true, s.DeleteNode(ctx, idx, node.Position)
}

// DeleteNode unlinks the node at addr from every level it spans and frees its slot.
func (s *IndexService) DeleteNode(ctx context.Context, idx *pagemanager.CollectionIndex, addr pagemanager.PageAddress) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	if addr == idx.Head || addr == idx.Tail {
		return fmt.Errorf("%w: index sentinels cannot be deleted", dberror.ErrInvalidPageState)
	}
	node, err := s.GetNode(ctx, addr)
	if err != nil {
		return err
	}
	for level := 0; level < int(node.Levels); level++ {
		prev, err := s.GetNode(ctx, node.Prev(level))
		if err != nil {
			return err
		}
		next, err := s.GetNode(ctx, node.Next(level))
		if err != nil {
			return err
		}
		prev.SetNext(level, next.Position)
		next.SetPrev(level, prev.Position)
	}
	if err := s.releaseNode(ctx, idx, addr); err != nil {
		return err
	}
	idx.KeyCount--
	s.col.IsDirty = true
	return nil
}

// walk visits nodes from start following level 0 in order until fn returns false or
// a sentinel is reached.
func (s *IndexService) walk(ctx context.Context, idx *pagemanager.CollectionIndex, start pagemanager.PageAddress, order int, fn func(*IndexNode) bool) error {
	for addr := start; addr != idx.Head && addr != idx.Tail; {
		node, err := s.GetNode(ctx, addr)
		if err != nil {
			return err
		}
		if !fn(node) {
			return nil
		}
		if order == Descending {
			addr = node.Prev(0)
		} else {
			addr = node.Next(0)
		}
	}
	return nil
}

// FindAll lists every node in key order.
func (s *IndexService) FindAll(ctx context.Context, idx *pagemanager.CollectionIndex, order int) ([]*IndexNode, error) {
	from := idx.Head
	if order == Descending {
		from = idx.Tail
	}
	sentinel, err := s.GetNode(ctx, from)
	if err != nil {
		return nil, err
	}
	start := sentinel.Next(0)
	if order == Descending {
		start = sentinel.Prev(0)
	}
	nodes := make([]*IndexNode, 0, idx.KeyCount)
	err = s.walk(ctx, idx, start, order, func(n *IndexNode) bool {
		nodes = append(nodes, n)
		return true
	})
	return nodes, err
}

// FindRange lists the nodes with start <= key <= end.
func (s *IndexService) FindRange(ctx context.Context, idx *pagemanager.CollectionIndex, start, end IndexKey, order int) ([]*IndexNode, error) {
	if start.CompareTo(end, s.collation) > 0 {
		return nil, nil
	}
	var nodes []*IndexNode
	if order != Descending {
		first, err := s.Search(ctx, idx, start)
		if err != nil {
			return nil, err
		}
		err = s.walk(ctx, idx, first.Position, Ascending, func(n *IndexNode) bool {
			if n.Key.CompareTo(end, s.collation) > 0 {
				return false
			}
			nodes = append(nodes, n)
			return true
		})
		return nodes, err
	}

	// last node <= end: the first node > end, stepped back once
	cur, err := s.Search(ctx, idx, end)
	if err != nil {
		return nil, err
	}
	for cur.Position != idx.Tail && cur.Key.CompareTo(end, s.collation) == 0 {
		if cur, err = s.GetNode(ctx, cur.Next(0)); err != nil {
			return nil, err
		}
	}
	err = s.walk(ctx, idx, cur.Prev(0), Descending, func(n *IndexNode) bool {
		if n.Key.CompareTo(start, s.collation) < 0 {
			return false
		}
		nodes = append(nodes, n)
		return true
	})
	return nodes, err
}
