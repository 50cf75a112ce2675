package skiplist

import (
	"fmt"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// MaxLevelLength is the number of levels of the head and tail sentinels.
const MaxLevelLength = 32

// Node segment layout:
//
//	0  levels u8
//	1  data block PageAddress
//	6  levels x (prev PageAddress, next PageAddress)
//	.. key
const (
	nodeOffsetLevels    = 0
	nodeOffsetDataBlock = 1
	nodeOffsetLinks     = nodeOffsetDataBlock + pagemanager.PageAddressSize
	linkSize            = 2 * pagemanager.PageAddressSize
)

// maxNodeLength is the largest node segment; an index page stays on the free index
// page list while it can fit one more.
const maxNodeLength = nodeOffsetLinks + MaxLevelLength*linkSize + MaxIndexKeyLength

func nodeLength(levels byte, key IndexKey) int {
	return nodeOffsetLinks + int(levels)*linkSize + key.EncodedLength()
}

// IndexNode is a view over one node segment of an index page. Links are read from
// and written to the page bytes directly.
type IndexNode struct {
	page     *pagemanager.IndexPage
	segment  []byte
	Position pagemanager.PageAddress
	Levels   byte
	Key      IndexKey
}

func newIndexNode(page *pagemanager.IndexPage, index byte, segment []byte, levels byte, key IndexKey, dataBlock pagemanager.PageAddress) *IndexNode {
	n := &IndexNode{
		page:     page,
		segment:  segment,
		Position: pagemanager.NewPageAddress(page.PageID, index),
		Levels:   levels,
		Key:      key,
	}
	segment[nodeOffsetLevels] = levels
	pagemanager.WritePageAddress(segment[nodeOffsetDataBlock:], dataBlock)
	for level := 0; level < int(levels); level++ {
		n.SetPrev(level, pagemanager.EmptyAddress)
		n.SetNext(level, pagemanager.EmptyAddress)
	}
	key.Encode(segment[nodeOffsetLinks+int(levels)*linkSize:])
	return n
}

func loadIndexNode(page *pagemanager.IndexPage, index byte) (*IndexNode, error) {
	segment := page.Get(index)
	if len(segment) < nodeOffsetLinks+1 {
		return nil, fmt.Errorf("%w: no index node at %s", dberror.ErrInvalidPageData, pagemanager.NewPageAddress(page.PageID, index))
	}
	levels := segment[nodeOffsetLevels]
	keyOffset := nodeOffsetLinks + int(levels)*linkSize
	if levels == 0 || levels > MaxLevelLength || keyOffset >= len(segment) {
		return nil, fmt.Errorf("%w: corrupt index node at %s", dberror.ErrInvalidPageData, pagemanager.NewPageAddress(page.PageID, index))
	}
	key, err := DecodeIndexKey(segment[keyOffset:])
	if err != nil {
		return nil, err
	}
	return &IndexNode{
		page:     page,
		segment:  segment,
		Position: pagemanager.NewPageAddress(page.PageID, index),
		Levels:   levels,
		Key:      key,
	}, nil
}

func (n *IndexNode) DataBlock() pagemanager.PageAddress {
	return pagemanager.ReadPageAddress(n.segment[nodeOffsetDataBlock:])
}

func (n *IndexNode) Prev(level int) pagemanager.PageAddress {
	return pagemanager.ReadPageAddress(n.segment[nodeOffsetLinks+level*linkSize:])
}

func (n *IndexNode) Next(level int) pagemanager.PageAddress {
	return pagemanager.ReadPageAddress(n.segment[nodeOffsetLinks+level*linkSize+pagemanager.PageAddressSize:])
}

func (n *IndexNode) SetPrev(level int, addr pagemanager.PageAddress) {
	pagemanager.WritePageAddress(n.segment[nodeOffsetLinks+level*linkSize:], addr)
	n.page.IsDirty = true
}

func (n *IndexNode) SetNext(level int, addr pagemanager.PageAddress) {
	pagemanager.WritePageAddress(n.segment[nodeOffsetLinks+level*linkSize+pagemanager.PageAddressSize:], addr)
	n.page.IsDirty = true
}

func (n *IndexNode) String() string {
	return fmt.Sprintf("node %s key=%s levels=%d data=%s", n.Position, n.Key, n.Levels, n.DataBlock())
}
