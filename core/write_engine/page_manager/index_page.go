package pagemanager

import (
	"fmt"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
)

// IndexPage stores skip-list nodes of one collection in its segments. Node bytes are
// edited in place, so the base header is all UpdateBuffer has to write.
type IndexPage struct {
	*BasePage
}

func NewIndexPage(buffer *PageBuffer, pageID, colID uint32) *IndexPage {
	p := &IndexPage{BasePage: NewBasePage(buffer, pageID, PageTypeIndex)}
	p.ColID = colID
	p.UpdateBuffer()
	return p
}

func LoadIndexPage(base *BasePage) (*IndexPage, error) {
	if base.PageType != PageTypeIndex {
		return nil, fmt.Errorf("%w: page %d is %s, expected index", dberror.ErrInvalidPageData, base.PageID, base.PageType)
	}
	return &IndexPage{BasePage: base}, nil
}

// Page is implemented by every page view. Base exposes the shared header, UpdateBuffer
// serializes the view into its buffer before the buffer is handed to the disk.
type Page interface {
	Base() *BasePage
	UpdateBuffer() *PageBuffer
}

func (p *BasePage) Base() *BasePage { return p }

// LoadPage decodes a buffer into the view matching its page type.
func LoadPage(buffer *PageBuffer) (Page, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	switch base.PageType {
	case PageTypeHeader:
		return LoadHeaderPage(buffer)
	case PageTypeCollection:
		return LoadCollectionPage(base)
	case PageTypeIndex:
		return LoadIndexPage(base)
	default:
		return base, nil
	}
}
