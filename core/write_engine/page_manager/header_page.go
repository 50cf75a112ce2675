package pagemanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
)

// HeaderPageID is always the first page of the data file.
const HeaderPageID uint32 = 0

const (
	FileVersion byte = 1

	offsetMagic             = PageHeaderSize
	offsetFileVersion       = offsetMagic + 8
	offsetFreeEmptyPageList = offsetFileVersion + 1
	offsetLastPageID        = offsetFreeEmptyPageList + 4
	offsetCreationTime      = offsetLastPageID + 4
	offsetUserVersion       = offsetCreationTime + 8
	offsetDatabaseID        = offsetUserVersion + 4
	offsetEncrypted         = offsetDatabaseID + 16
	offsetPasswordHash      = offsetEncrypted + 1
	offsetCollections       = offsetPasswordHash + PasswordHashSize

	PasswordHashSize = 32
	// MaxCollectionNameLength bounds a name in the collections table.
	MaxCollectionNameLength = 60
)

var headerMagic = []byte("GOJODOC\x01")

// HeaderPage is the view over page 0. It is read without decryption so a wrong
// password can be rejected before anything else is touched.
type HeaderPage struct {
	*BasePage

	FreeEmptyPageList uint32
	LastPageID        uint32
	CreationTime      time.Time
	UserVersion       int32
	DatabaseID        uuid.UUID
	Encrypted         bool
	PasswordHash      [PasswordHashSize]byte

	collections map[string]uint32
}

// NewHeaderPage formats buffer as the header page of a brand new datafile.
func NewHeaderPage(buffer *PageBuffer) *HeaderPage {
	h := &HeaderPage{
		BasePage:          NewBasePage(buffer, HeaderPageID, PageTypeHeader),
		FreeEmptyPageList: EmptyPageID,
		LastPageID:        0,
		CreationTime:      time.Now().UTC(),
		DatabaseID:        uuid.New(),
		collections:       make(map[string]uint32),
	}
	h.UpdateBuffer()
	return h
}

// LoadHeaderPage decodes page 0.
func LoadHeaderPage(buffer *PageBuffer) (*HeaderPage, error) {
	base, err := LoadBasePage(buffer)
	if err != nil {
		return nil, err
	}
	a := buffer.Array
	if base.PageType != PageTypeHeader || !bytes.Equal(a[offsetMagic:offsetMagic+len(headerMagic)], headerMagic) {
		return nil, fmt.Errorf("%w: page 0 is not a header page", dberror.ErrInvalidDatafile)
	}
	if a[offsetFileVersion] != FileVersion {
		return nil, fmt.Errorf("%w: unsupported file version %d", dberror.ErrInvalidDatafile, a[offsetFileVersion])
	}
	h := &HeaderPage{
		BasePage:          base,
		FreeEmptyPageList: binary.LittleEndian.Uint32(a[offsetFreeEmptyPageList:]),
		LastPageID:        binary.LittleEndian.Uint32(a[offsetLastPageID:]),
		CreationTime:      time.Unix(0, int64(binary.LittleEndian.Uint64(a[offsetCreationTime:]))).UTC(),
		UserVersion:       int32(binary.LittleEndian.Uint32(a[offsetUserVersion:])),
		Encrypted:         a[offsetEncrypted] == 1,
		collections:       make(map[string]uint32),
	}
	copy(h.DatabaseID[:], a[offsetDatabaseID:offsetDatabaseID+16])
	copy(h.PasswordHash[:], a[offsetPasswordHash:offsetPasswordHash+PasswordHashSize])

	count := int(binary.LittleEndian.Uint16(a[offsetCollections:]))
	pos := offsetCollections + 2
	for i := 0; i < count; i++ {
		if pos >= PageSize {
			return nil, fmt.Errorf("%w: collections table overflows header page", dberror.ErrInvalidDatafile)
		}
		n := int(a[pos])
		if pos+1+n+4 > PageSize {
			return nil, fmt.Errorf("%w: collections table overflows header page", dberror.ErrInvalidDatafile)
		}
		name := string(a[pos+1 : pos+1+n])
		h.collections[name] = binary.LittleEndian.Uint32(a[pos+1+n:])
		pos += 1 + n + 4
	}
	return h, nil
}

// UpdateBuffer writes header page fields and the collections table.
func (h *HeaderPage) UpdateBuffer() *PageBuffer {
	a := h.Buffer.Array
	copy(a[offsetMagic:], headerMagic)
	a[offsetFileVersion] = FileVersion
	binary.LittleEndian.PutUint32(a[offsetFreeEmptyPageList:], h.FreeEmptyPageList)
	binary.LittleEndian.PutUint32(a[offsetLastPageID:], h.LastPageID)
	binary.LittleEndian.PutUint64(a[offsetCreationTime:], uint64(h.CreationTime.UnixNano()))
	binary.LittleEndian.PutUint32(a[offsetUserVersion:], uint32(h.UserVersion))
	copy(a[offsetDatabaseID:], h.DatabaseID[:])
	if h.Encrypted {
		a[offsetEncrypted] = 1
	} else {
		a[offsetEncrypted] = 0
	}
	copy(a[offsetPasswordHash:], h.PasswordHash[:])

	clear(a[offsetCollections:])
	names := h.CollectionNames()
	binary.LittleEndian.PutUint16(a[offsetCollections:], uint16(len(names)))
	pos := offsetCollections + 2
	for _, name := range names {
		a[pos] = byte(len(name))
		copy(a[pos+1:], name)
		binary.LittleEndian.PutUint32(a[pos+1+len(name):], h.collections[name])
		pos += 1 + len(name) + 4
	}
	return h.BasePage.UpdateBuffer()
}

// CollectionNames returns the collection names sorted.
func (h *HeaderPage) CollectionNames() []string {
	names := make([]string, 0, len(h.collections))
	for name := range h.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *HeaderPage) GetCollectionPageID(name string) (uint32, bool) {
	id, ok := h.collections[name]
	return id, ok
}

// InsertCollection registers a collection page, checking the table still fits.
func (h *HeaderPage) InsertCollection(name string, pageID uint32) error {
	if len(name) == 0 || len(name) > MaxCollectionNameLength {
		return fmt.Errorf("invalid collection name %q", name)
	}
	used := 2
	for n := range h.collections {
		used += 1 + len(n) + 4
	}
	if offsetCollections+used+1+len(name)+4 > PageSize {
		return fmt.Errorf("%w: no room for collection %q in header page", dberror.ErrPageFull, name)
	}
	h.collections[name] = pageID
	h.IsDirty = true
	return nil
}

func (h *HeaderPage) DeleteCollection(name string) {
	delete(h.collections, name)
	h.IsDirty = true
}
