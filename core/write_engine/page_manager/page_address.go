package pagemanager

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PageAddressSize is the serialized size of a PageAddress.
const PageAddressSize = 5

// EmptyPageID is the null page reference.
const EmptyPageID uint32 = math.MaxUint32

// PageAddress references a slot inside a page. Every link between index nodes and
// data blocks is a PageAddress resolved through the page cache, never a pointer.
type PageAddress struct {
	PageID uint32
	Index  byte
}

// EmptyAddress is the null address.
var EmptyAddress = PageAddress{PageID: EmptyPageID, Index: math.MaxUint8}

func NewPageAddress(pageID uint32, index byte) PageAddress {
	return PageAddress{PageID: pageID, Index: index}
}

func (a PageAddress) IsEmpty() bool { return a.PageID == EmptyPageID }

func (a PageAddress) String() string {
	if a.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("%05d:%03d", a.PageID, a.Index)
}

// ReadPageAddress decodes an address from the first PageAddressSize bytes of buf.
func ReadPageAddress(buf []byte) PageAddress {
	return PageAddress{
		PageID: binary.LittleEndian.Uint32(buf[0:4]),
		Index:  buf[4],
	}
}

// WritePageAddress encodes addr into the first PageAddressSize bytes of buf.
func WritePageAddress(buf []byte, addr PageAddress) {
	binary.LittleEndian.PutUint32(buf[0:4], addr.PageID)
	buf[4] = addr.Index
}
