package transaction

import (
	"context"
	"fmt"
	"sort"

	"github.com/sushant-115/gojodoc/core/storage_engine/diskservice"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Transaction is a consistent view of the datafile at one read version. A read
// transaction holds shared buffers, a write transaction works on private copies that
// reach the log only at Commit. A Transaction belongs to one goroutine.
type Transaction struct {
	m     *Manager
	write bool

	shared   *SharedScope
	reserved *ReservedScope
	reader   *diskservice.DiskReader

	started     bool
	readVersion uint32
	pages       map[uint32]pagemanager.Page
	done        bool
}

func (t *Transaction) IsWrite() bool { return t.write }

// ReadVersion is the WAL version this transaction reads at. A write transaction has
// none until its first page access.
func (t *Transaction) ReadVersion() uint32 { return t.readVersion }

func (t *Transaction) check() error {
	if t.done {
		return dberror.ErrTransactionFinished
	}
	return nil
}

// start takes the writer slot before the first page is read.
func (t *Transaction) start(ctx context.Context) error {
	if t.started {
		return nil
	}
	reserved, err := t.shared.Reserved(ctx)
	if err != nil {
		return err
	}
	t.reserved = reserved
	t.readVersion = t.m.wal.CurrentReadVersion()
	t.started = true
	return nil
}

// GetPage returns the view of pageID as seen by this transaction: the newest log
// version visible at the read version, otherwise the data file copy. Pages of a
// write transaction are writable.
func (t *Transaction) GetPage(ctx context.Context, pageID uint32) (pagemanager.Page, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if page, ok := t.pages[pageID]; ok {
		return page, nil
	}
	if err := t.start(ctx); err != nil {
		return nil, err
	}

	position, origin := int64(pageID)*pagemanager.PageSize, pagemanager.OriginData
	if logPosition, ok := t.m.wal.GetPageIndex(pageID, t.readVersion); ok {
		position, origin = logPosition, pagemanager.OriginLog
	}
	buf, err := t.reader.ReadPage(position, t.write, origin)
	if err != nil {
		return nil, err
	}
	page, err := pagemanager.LoadPage(buf)
	if err != nil {
		t.giveBack(buf, false)
		return nil, err
	}
	if page.Base().PageID != pageID && page.Base().PageType != pagemanager.PageTypeEmpty {
		t.giveBack(buf, false)
		return nil, fmt.Errorf("%w: %s read at position %d (%s), expected page %d", dberror.ErrInvalidPageData, page.Base(), position, origin, pageID)
	}
	// a never written page decodes as page 0
	page.Base().PageID = pageID
	t.pages[pageID] = page
	return page, nil
}

func (t *Transaction) giveBack(buf *pagemanager.PageBuffer, dirty bool) {
	if buf.IsWritable() {
		if err := t.m.disk.DiscardPages([]*pagemanager.PageBuffer{buf}, dirty); err != nil {
			t.m.logger.Error("discard page", zap.Stringer("page", buf), zap.Error(err))
		}
		return
	}
	buf.Release()
}

// Header returns the header page view.
func (t *Transaction) Header(ctx context.Context) (*pagemanager.HeaderPage, error) {
	page, err := t.GetPage(ctx, pagemanager.HeaderPageID)
	if err != nil {
		return nil, err
	}
	header, ok := page.(*pagemanager.HeaderPage)
	if !ok {
		return nil, fmt.Errorf("%w: page 0 is %s", dberror.ErrInvalidDatafile, page.Base().PageType)
	}
	return header, nil
}

func (t *Transaction) checkWrite() error {
	if err := t.check(); err != nil {
		return err
	}
	if !t.write {
		return fmt.Errorf("%w: read transaction", dberror.ErrReadOnly)
	}
	return nil
}

// NewPage allocates a page of the given type, reusing the header's free empty page
// list before growing the file.
func (t *Transaction) NewPage(ctx context.Context, pageType pagemanager.PageType, colID uint32) (pagemanager.Page, error) {
	if err := t.checkWrite(); err != nil {
		return nil, err
	}
	header, err := t.Header(ctx)
	if err != nil {
		return nil, err
	}

	var (
		pageID uint32
		buf    *pagemanager.PageBuffer
	)
	if header.FreeEmptyPageList != pagemanager.EmptyPageID {
		pageID = header.FreeEmptyPageList
		free, err := t.GetPage(ctx, pageID)
		if err != nil {
			return nil, err
		}
		header.FreeEmptyPageList = free.Base().NextPageID
		buf = free.Base().Buffer
		clear(buf.Array)
	} else {
		pageID = header.LastPageID + 1
		if err := t.m.disk.CheckLimit(int64(pageID+1) * pagemanager.PageSize); err != nil {
			return nil, err
		}
		if buf, err = t.m.disk.NewPage(); err != nil {
			return nil, err
		}
		header.LastPageID = pageID
	}
	header.IsDirty = true

	var page pagemanager.Page
	switch pageType {
	case pagemanager.PageTypeCollection:
		page = pagemanager.NewCollectionPage(buf, pageID)
	case pagemanager.PageTypeIndex:
		page = pagemanager.NewIndexPage(buf, pageID, colID)
	default:
		base := pagemanager.NewBasePage(buf, pageID, pageType)
		base.ColID = colID
		page = base
	}
	t.pages[pageID] = page
	return page, nil
}

// DeletePage empties a page and pushes it on the header's free empty page list.
func (t *Transaction) DeletePage(ctx context.Context, pageID uint32) error {
	if err := t.checkWrite(); err != nil {
		return err
	}
	if pageID == pagemanager.HeaderPageID {
		return fmt.Errorf("%w: the header page cannot be deleted", dberror.ErrInvalidPageState)
	}
	header, err := t.Header(ctx)
	if err != nil {
		return err
	}
	page, err := t.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	base := page.Base()
	base.MarkAsEmpty()
	base.NextPageID = header.FreeEmptyPageList
	header.FreeEmptyPageList = pageID
	header.IsDirty = true
	t.pages[pageID] = base
	return nil
}

// Collection looks a collection up by name. With create set a missing collection
// gets a new collection page.
func (t *Transaction) Collection(ctx context.Context, name string, create bool) (*pagemanager.CollectionPage, error) {
	header, err := t.Header(ctx)
	if err != nil {
		return nil, err
	}
	if pageID, ok := header.GetCollectionPageID(name); ok {
		page, err := t.GetPage(ctx, pageID)
		if err != nil {
			return nil, err
		}
		col, ok := page.(*pagemanager.CollectionPage)
		if !ok {
			return nil, fmt.Errorf("%w: collection %q points at %s", dberror.ErrInvalidPageData, name, page.Base())
		}
		return col, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", dberror.ErrCollectionNotFound, name)
	}
	if err := t.checkWrite(); err != nil {
		return nil, err
	}
	page, err := t.NewPage(ctx, pagemanager.PageTypeCollection, 0)
	if err != nil {
		return nil, err
	}
	col := page.(*pagemanager.CollectionPage)
	if err := header.InsertCollection(name, col.PageID); err != nil {
		return nil, err
	}
	t.m.logger.Debug("collection created", zap.String("name", name), zap.Uint32("page_id", col.PageID))
	return col, nil
}

// dirtyPages lists changed pages ordered by page ID, header last.
func (t *Transaction) dirtyPages() []pagemanager.Page {
	var dirty []pagemanager.Page
	var header pagemanager.Page
	for id, page := range t.pages {
		if !page.Base().IsDirty {
			continue
		}
		if id == pagemanager.HeaderPageID {
			header = page
			continue
		}
		dirty = append(dirty, page)
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Base().PageID < dirty[j].Base().PageID })
	if header != nil {
		dirty = append(dirty, header)
	}
	return dirty
}

// Commit writes every changed page to the log, the last one carrying the confirm
// flag, and publishes them to the WAL index under a new read version.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	dirty := t.dirtyPages()
	if len(dirty) == 0 {
		return t.end(nil)
	}

	txID := t.m.wal.NextTransactionID()
	buffers := make([]*pagemanager.PageBuffer, 0, len(dirty))
	for i, page := range dirty {
		base := page.Base()
		base.TransactionID = txID
		base.IsConfirmed = i == len(dirty)-1
		buffers = append(buffers, page.UpdateBuffer())
	}

	positions, err := t.m.disk.Write(buffers, pagemanager.OriginLog)
	if err != nil {
		// the disk owns the written pages and the failed one once it was published;
		// end discards every page still writable
		taken := len(positions)
		if taken < len(dirty) && !dirty[taken].Base().Buffer.IsWritable() {
			taken++
		}
		for _, page := range dirty[:taken] {
			delete(t.pages, page.Base().PageID)
		}
		return t.end(fmt.Errorf("commit transaction %d: %w", txID, err))
	}
	byPage := make(map[uint32]int64, len(dirty))
	for i, page := range dirty {
		byPage[page.Base().PageID] = positions[i]
		delete(t.pages, page.Base().PageID)
	}
	version := t.m.wal.ConfirmTransaction(txID, byPage)

	if t.m.opts.SyncCommit {
		if err := t.m.disk.Queue().Wait(); err != nil {
			return t.end(err)
		}
	}
	t.m.logger.Debug("transaction committed",
		zap.Uint32("tx_id", txID),
		zap.Int("pages", len(dirty)),
		zap.Uint32("read_version", version))

	// release pages and readers before the checkpoint waits for them
	t.releasePages()
	return t.end(t.m.autoCheckpoint(ctx, t.reserved))
}

// Rollback drops every change. It is a no-op on a finished transaction so it can be
// deferred.
func (t *Transaction) Rollback() error {
	if t.done {
		return nil
	}
	return t.end(nil)
}

func (t *Transaction) releasePages() {
	for id, page := range t.pages {
		base := page.Base()
		t.giveBack(base.Buffer, base.IsDirty)
		delete(t.pages, id)
	}
	t.reader.Close()
}

func (t *Transaction) end(err error) error {
	t.releasePages()
	t.done = true
	if t.reserved != nil {
		t.reserved.Release()
	}
	t.shared.Release()
	return err
}
