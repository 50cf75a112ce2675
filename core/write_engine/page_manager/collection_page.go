package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
)

const (
	// MaxIndexesPerCollection bounds the index descriptors of a collection page.
	MaxIndexesPerCollection = 32
	// MaxIndexNameLength bounds index names and field expressions.
	MaxIndexNameLength = 128
)

// CollectionIndex describes one skip-list index of a collection. It is persisted in
// the collection page; Head and Tail are sentinel nodes spanning every level.
type CollectionIndex struct {
	Slot              byte
	Name              string
	Expression        string
	Unique            bool
	Head              PageAddress
	Tail              PageAddress
	MaxLevel          byte
	FreeIndexPageList uint32
	KeyCount          uint32
}

func (ci *CollectionIndex) size() int {
	return 1 + 1 + len(ci.Name) + 1 + len(ci.Expression) + 1 + 2*PageAddressSize + 1 + 4 + 4
}

func (ci *CollectionIndex) String() string {
	return fmt.Sprintf("index %q on %q (slot %d, unique=%t, levels=%d, keys=%d)", ci.Name, ci.Expression, ci.Slot, ci.Unique, ci.MaxLevel, ci.KeyCount)
}

// CollectionPage holds the index descriptors of one collection.
type CollectionPage struct {
	*BasePage
	indexes []*CollectionIndex
}

func NewCollectionPage(buffer *PageBuffer, pageID uint32) *CollectionPage {
	c := &CollectionPage{BasePage: NewBasePage(buffer, pageID, PageTypeCollection)}
	c.ColID = pageID
	c.UpdateBuffer()
	return c
}

func LoadCollectionPage(base *BasePage) (*CollectionPage, error) {
	if base.PageType != PageTypeCollection {
		return nil, fmt.Errorf("%w: page %d is %s, expected collection", dberror.ErrInvalidPageData, base.PageID, base.PageType)
	}
	a := base.Buffer.Array
	c := &CollectionPage{BasePage: base}
	count := int(a[PageHeaderSize])
	pos := PageHeaderSize + 1
	readString := func() (string, error) {
		n := int(a[pos])
		if pos+1+n > PageSize {
			return "", fmt.Errorf("%w: collection page %d is truncated", dberror.ErrInvalidPageData, base.PageID)
		}
		s := string(a[pos+1 : pos+1+n])
		pos += 1 + n
		return s, nil
	}
	for i := 0; i < count; i++ {
		idx := &CollectionIndex{Slot: a[pos]}
		pos++
		var err error
		if idx.Name, err = readString(); err != nil {
			return nil, err
		}
		if idx.Expression, err = readString(); err != nil {
			return nil, err
		}
		if pos+1+2*PageAddressSize+1+4+4 > PageSize {
			return nil, fmt.Errorf("%w: collection page %d is truncated", dberror.ErrInvalidPageData, base.PageID)
		}
		idx.Unique = a[pos] == 1
		pos++
		idx.Head = ReadPageAddress(a[pos:])
		pos += PageAddressSize
		idx.Tail = ReadPageAddress(a[pos:])
		pos += PageAddressSize
		idx.MaxLevel = a[pos]
		pos++
		idx.FreeIndexPageList = binary.LittleEndian.Uint32(a[pos:])
		pos += 4
		idx.KeyCount = binary.LittleEndian.Uint32(a[pos:])
		pos += 4
		c.indexes = append(c.indexes, idx)
	}
	return c, nil
}

// UpdateBuffer serializes every index descriptor.
func (c *CollectionPage) UpdateBuffer() *PageBuffer {
	a := c.Buffer.Array
	clear(a[PageHeaderSize:])
	a[PageHeaderSize] = byte(len(c.indexes))
	pos := PageHeaderSize + 1
	writeString := func(s string) {
		a[pos] = byte(len(s))
		copy(a[pos+1:], s)
		pos += 1 + len(s)
	}
	for _, idx := range c.indexes {
		a[pos] = idx.Slot
		pos++
		writeString(idx.Name)
		writeString(idx.Expression)
		if idx.Unique {
			a[pos] = 1
		}
		pos++
		WritePageAddress(a[pos:], idx.Head)
		pos += PageAddressSize
		WritePageAddress(a[pos:], idx.Tail)
		pos += PageAddressSize
		a[pos] = idx.MaxLevel
		pos++
		binary.LittleEndian.PutUint32(a[pos:], idx.FreeIndexPageList)
		pos += 4
		binary.LittleEndian.PutUint32(a[pos:], idx.KeyCount)
		pos += 4
	}
	return c.BasePage.UpdateBuffer()
}

func (c *CollectionPage) Indexes() []*CollectionIndex { return c.indexes }

func (c *CollectionPage) GetIndex(name string) (*CollectionIndex, bool) {
	for _, idx := range c.indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return nil, false
}

func (c *CollectionPage) GetIndexBySlot(slot byte) (*CollectionIndex, bool) {
	for _, idx := range c.indexes {
		if idx.Slot == slot {
			return idx, true
		}
	}
	return nil, false
}

// InsertIndex adds a descriptor with the first free slot.
func (c *CollectionPage) InsertIndex(name, expression string, unique bool) (*CollectionIndex, error) {
	if len(name) == 0 || len(name) > MaxIndexNameLength || len(expression) > MaxIndexNameLength {
		return nil, fmt.Errorf("invalid index name %q or expression %q", name, expression)
	}
	if _, ok := c.GetIndex(name); ok {
		return nil, fmt.Errorf("%w: %s", dberror.ErrIndexAlreadyExists, name)
	}
	if len(c.indexes) >= MaxIndexesPerCollection {
		return nil, fmt.Errorf("%w: collection page %d already has %d indexes", dberror.ErrPageFull, c.PageID, len(c.indexes))
	}
	var slot byte
	for {
		if _, used := c.GetIndexBySlot(slot); !used {
			break
		}
		slot++
	}
	idx := &CollectionIndex{
		Slot:              slot,
		Name:              name,
		Expression:        expression,
		Unique:            unique,
		Head:              EmptyAddress,
		Tail:              EmptyAddress,
		FreeIndexPageList: EmptyPageID,
	}
	used := PageHeaderSize + 1 + idx.size()
	for _, other := range c.indexes {
		used += other.size()
	}
	if used > PageSize {
		return nil, fmt.Errorf("%w: no room for index %q", dberror.ErrPageFull, name)
	}
	c.indexes = append(c.indexes, idx)
	c.IsDirty = true
	return idx, nil
}

func (c *CollectionPage) DeleteIndex(name string) {
	for i, idx := range c.indexes {
		if idx.Name == name {
			c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
			c.IsDirty = true
			return
		}
	}
}
