package pagemanager

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
)

// PageType discriminates the trailing layout of a page. Every page shares the same
// 32 byte header, type specific views (HeaderPage, CollectionPage, IndexPage) wrap a
// BasePage instead of extending it.
type PageType byte

const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeCollection
	PageTypeIndex
	PageTypeData
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "empty"
	case PageTypeHeader:
		return "header"
	case PageTypeCollection:
		return "collection"
	case PageTypeIndex:
		return "index"
	case PageTypeData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

const (
	PageHeaderSize = 32
	SlotSize       = 4

	// noIndex is the HighestIndex of a page without segments.
	noIndex byte = 255
	// MaxItemsCount is the number of segments a page can hold.
	MaxItemsCount = 254

	offsetPageID           = 0
	offsetPageType         = 4
	offsetPrevPageID       = 5
	offsetNextPageID       = 9
	offsetPageListSlot     = 13
	offsetItemsCount       = 14
	offsetUsedBytes        = 15
	offsetFragmentedBytes  = 17
	offsetNextFreePosition = 19
	offsetHighestIndex     = 21
	offsetTransactionID    = 22
	offsetIsConfirmed      = 26
	offsetColID            = 27
)

// BasePage is the decoded page header plus the slot/segment table over a buffer.
// Header fields live in the struct and are written back by UpdateBuffer.
type BasePage struct {
	Buffer *PageBuffer

	PageID           uint32
	PageType         PageType
	PrevPageID       uint32
	NextPageID       uint32
	PageListSlot     byte
	ItemsCount       byte
	UsedBytes        uint16
	FragmentedBytes  uint16
	NextFreePosition uint16
	HighestIndex     byte
	TransactionID    uint32
	IsConfirmed      bool
	ColID            uint32

	IsDirty bool
}

// NewBasePage formats buffer as a fresh page of the given type.
func NewBasePage(buffer *PageBuffer, pageID uint32, pageType PageType) *BasePage {
	p := &BasePage{
		Buffer:           buffer,
		PageID:           pageID,
		PageType:         pageType,
		PrevPageID:       EmptyPageID,
		NextPageID:       EmptyPageID,
		PageListSlot:     noIndex,
		NextFreePosition: PageHeaderSize,
		HighestIndex:     noIndex,
		ColID:            EmptyPageID,
		IsDirty:          true,
	}
	p.UpdateBuffer()
	return p
}

// LoadBasePage decodes the header stored in buffer.
func LoadBasePage(buffer *PageBuffer) (*BasePage, error) {
	a := buffer.Array
	p := &BasePage{
		Buffer:           buffer,
		PageID:           binary.LittleEndian.Uint32(a[offsetPageID:]),
		PageType:         PageType(a[offsetPageType]),
		PrevPageID:       binary.LittleEndian.Uint32(a[offsetPrevPageID:]),
		NextPageID:       binary.LittleEndian.Uint32(a[offsetNextPageID:]),
		PageListSlot:     a[offsetPageListSlot],
		ItemsCount:       a[offsetItemsCount],
		UsedBytes:        binary.LittleEndian.Uint16(a[offsetUsedBytes:]),
		FragmentedBytes:  binary.LittleEndian.Uint16(a[offsetFragmentedBytes:]),
		NextFreePosition: binary.LittleEndian.Uint16(a[offsetNextFreePosition:]),
		HighestIndex:     a[offsetHighestIndex],
		TransactionID:    binary.LittleEndian.Uint32(a[offsetTransactionID:]),
		IsConfirmed:      a[offsetIsConfirmed] == 1,
		ColID:            binary.LittleEndian.Uint32(a[offsetColID:]),
	}
	if p.PageType > PageTypeData {
		return nil, fmt.Errorf("%w: page at position %d has unknown type %d", dberror.ErrInvalidPageData, buffer.Position, a[offsetPageType])
	}
	// A never written page reads as all zeroes.
	if p.NextFreePosition == 0 {
		p.NextFreePosition = PageHeaderSize
		p.HighestIndex = noIndex
	}
	if int(p.NextFreePosition) > PageSize || int(p.UsedBytes) > PageSize {
		return nil, fmt.Errorf("%w: page %d header out of range", dberror.ErrInvalidPageData, p.PageID)
	}
	return p, nil
}

// UpdateBuffer writes header fields back into the buffer and returns it.
func (p *BasePage) UpdateBuffer() *PageBuffer {
	a := p.Buffer.Array
	binary.LittleEndian.PutUint32(a[offsetPageID:], p.PageID)
	a[offsetPageType] = byte(p.PageType)
	binary.LittleEndian.PutUint32(a[offsetPrevPageID:], p.PrevPageID)
	binary.LittleEndian.PutUint32(a[offsetNextPageID:], p.NextPageID)
	a[offsetPageListSlot] = p.PageListSlot
	a[offsetItemsCount] = p.ItemsCount
	binary.LittleEndian.PutUint16(a[offsetUsedBytes:], p.UsedBytes)
	binary.LittleEndian.PutUint16(a[offsetFragmentedBytes:], p.FragmentedBytes)
	binary.LittleEndian.PutUint16(a[offsetNextFreePosition:], p.NextFreePosition)
	a[offsetHighestIndex] = p.HighestIndex
	binary.LittleEndian.PutUint32(a[offsetTransactionID:], p.TransactionID)
	if p.IsConfirmed {
		a[offsetIsConfirmed] = 1
	} else {
		a[offsetIsConfirmed] = 0
	}
	binary.LittleEndian.PutUint32(a[offsetColID:], p.ColID)
	return p.Buffer
}

// ReadPageID and ReadTransactionID peek header fields without decoding the page.
func ReadPageID(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offsetPageID:]) }
func ReadTransactionID(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offsetTransactionID:]) }
func ReadIsConfirmed(buf []byte) bool { return buf[offsetIsConfirmed] == 1 }
func ReadPageType(buf []byte) PageType { return PageType(buf[offsetPageType]) }

// ClearTransaction drops the transaction stamp of a log page copied into the data file.
func ClearTransaction(buf []byte) {
	binary.LittleEndian.PutUint32(buf[offsetTransactionID:], 0)
	buf[offsetIsConfirmed] = 0
}

// FooterSize is the size of the slot table.
func (p *BasePage) FooterSize() int {
	if p.HighestIndex == noIndex {
		return 0
	}
	return (int(p.HighestIndex) + 1) * SlotSize
}

// FreeBytes is the space left for segments, fragmented bytes included.
func (p *BasePage) FreeBytes() int {
	if p.ItemsCount == MaxItemsCount {
		return 0
	}
	return PageSize - PageHeaderSize - int(p.UsedBytes) - p.FooterSize()
}

func slotOffset(index byte) int {
	return PageSize - (int(index)+1)*SlotSize
}

func (p *BasePage) readSlot(index byte) (position, length uint16) {
	off := slotOffset(index)
	a := p.Buffer.Array
	return binary.LittleEndian.Uint16(a[off:]), binary.LittleEndian.Uint16(a[off+2:])
}

func (p *BasePage) writeSlot(index byte, position, length uint16) {
	off := slotOffset(index)
	a := p.Buffer.Array
	binary.LittleEndian.PutUint16(a[off:], position)
	binary.LittleEndian.PutUint16(a[off+2:], length)
}

// Get returns the segment stored at index; nil if the slot is free.
func (p *BasePage) Get(index byte) []byte {
	if p.HighestIndex == noIndex || index > p.HighestIndex {
		return nil
	}
	position, length := p.readSlot(index)
	if position == 0 {
		return nil
	}
	return p.Buffer.Array[position : position+length]
}

// UsedIndexes lists the slot indexes holding a segment, ascending.
func (p *BasePage) UsedIndexes() []byte {
	if p.HighestIndex == noIndex {
		return nil
	}
	indexes := make([]byte, 0, p.ItemsCount)
	for i := 0; i <= int(p.HighestIndex); i++ {
		if position, _ := p.readSlot(byte(i)); position != 0 {
			indexes = append(indexes, byte(i))
		}
	}
	return indexes
}

func (p *BasePage) freeIndex() byte {
	if p.HighestIndex == noIndex {
		return 0
	}
	for i := 0; i <= int(p.HighestIndex); i++ {
		if position, _ := p.readSlot(byte(i)); position == 0 {
			return byte(i)
		}
	}
	return p.HighestIndex + 1
}

// Insert reserves a segment of length bytes and returns its slot index and bytes.
func (p *BasePage) Insert(length int) (byte, []byte, error) {
	if length <= 0 {
		return 0, nil, fmt.Errorf("%w: segment length %d", dberror.ErrInvalidPageData, length)
	}
	if p.ItemsCount >= MaxItemsCount {
		return 0, nil, fmt.Errorf("%w: page %d has %d items", dberror.ErrPageFull, p.PageID, p.ItemsCount)
	}
	index := p.freeIndex()
	highest := p.HighestIndex
	if highest == noIndex || index > highest {
		highest = index
	}
	footer := (int(highest) + 1) * SlotSize
	if PageSize-PageHeaderSize-int(p.UsedBytes)-footer < length {
		return 0, nil, fmt.Errorf("%w: page %d needs %d bytes", dberror.ErrPageFull, p.PageID, length)
	}
	if PageSize-footer-int(p.NextFreePosition) < length {
		p.Defrag()
	}

	position := p.NextFreePosition
	p.writeSlot(index, position, uint16(length))
	p.HighestIndex = highest
	p.ItemsCount++
	p.UsedBytes += uint16(length)
	p.NextFreePosition += uint16(length)
	p.IsDirty = true

	segment := p.Buffer.Array[position : int(position)+length]
	clear(segment)
	return index, segment, nil
}

// Delete frees the segment at index.
func (p *BasePage) Delete(index byte) {
	position, length := p.readSlot(index)
	if position == 0 {
		return
	}
	clear(p.Buffer.Array[position : position+length])
	p.writeSlot(index, 0, 0)
	p.ItemsCount--
	p.UsedBytes -= length
	if position+length == p.NextFreePosition {
		p.NextFreePosition = position
	} else {
		p.FragmentedBytes += length
	}
	if index == p.HighestIndex {
		p.HighestIndex = noIndex
		for i := int(index) - 1; i >= 0; i-- {
			if pos, _ := p.readSlot(byte(i)); pos != 0 {
				p.HighestIndex = byte(i)
				break
			}
		}
	}
	if p.ItemsCount == 0 {
		p.HighestIndex = noIndex
		p.NextFreePosition = PageHeaderSize
		p.FragmentedBytes = 0
	}
	p.IsDirty = true
}

// Defrag moves every segment next to each other right after the header.
func (p *BasePage) Defrag() {
	type segment struct {
		index            byte
		position, length uint16
	}
	segments := make([]segment, 0, p.ItemsCount)
	for _, i := range p.UsedIndexes() {
		position, length := p.readSlot(i)
		segments = append(segments, segment{i, position, length})
	}
	sort.Slice(segments, func(a, b int) bool { return segments[a].position < segments[b].position })

	a := p.Buffer.Array
	next := uint16(PageHeaderSize)
	for _, s := range segments {
		if s.position != next {
			copy(a[next:next+s.length], a[s.position:s.position+s.length])
			p.writeSlot(s.index, next, s.length)
		}
		next += s.length
	}
	clear(a[next : PageSize-p.FooterSize()])
	p.NextFreePosition = next
	p.FragmentedBytes = 0
	p.IsDirty = true
}

// MarkAsEmpty turns the page into an empty page ready for the free list.
func (p *BasePage) MarkAsEmpty() {
	clear(p.Buffer.Array[PageHeaderSize:])
	p.PageType = PageTypeEmpty
	p.PrevPageID = EmptyPageID
	p.NextPageID = EmptyPageID
	p.PageListSlot = noIndex
	p.ItemsCount = 0
	p.UsedBytes = 0
	p.FragmentedBytes = 0
	p.NextFreePosition = PageHeaderSize
	p.HighestIndex = noIndex
	p.ColID = EmptyPageID
	p.IsDirty = true
}

func (p *BasePage) String() string {
	return fmt.Sprintf("page %d (%s) items=%d free=%d", p.PageID, p.PageType, p.ItemsCount, p.FreeBytes())
}
