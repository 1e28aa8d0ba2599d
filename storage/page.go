// Package storage implements the page-file substrate: the typed page
// codec, the buffer/cache layer, the write-ahead log, and the bitmap and
// free-list bookkeeping that the table and index layers build on.
package storage

import (
	"encoding/binary"
	"hash/crc32"
)

// HeaderSize is the length, in bytes, of the header shared by every page
// kind. The body occupies the remainder of the page.
const HeaderSize = 100

// MinPageSize is the smallest page size the engine accepts.
const MinPageSize = 4096

// DefaultPageSize is used when the caller does not request one explicitly.
const DefaultPageSize = 8192

// NoPage is the sentinel stored on disk as 0xFFFFFFFF and read back as -1,
// meaning "no page" (end of a chain, empty free list, etc).
const NoPage int64 = -1

const onDiskNoPage uint32 = 0xFFFFFFFF

// Kind identifies the contents of a page.
type Kind byte

const (
	KindUnknown  Kind = 0
	KindEmpty    Kind = 1
	KindMetadata Kind = 2
	KindBitmap   Kind = 3
	KindIndex    Kind = 4
	KindData     Kind = 5
	KindOverflow Kind = 6
)

func (k Kind) Valid() bool {
	return k <= KindOverflow
}

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindEmpty:
		return "empty"
	case KindMetadata:
		return "metadata"
	case KindBitmap:
		return "bitmap"
	case KindIndex:
		return "index"
	case KindData:
		return "data"
	case KindOverflow:
		return "overflow"
	default:
		return "invalid"
	}
}

// Header field offsets, per the shared 100-byte page header.
const (
	offKind         = 0
	offPageID       = 1
	offNextPageID   = 5
	offInsertedRows = 9
	offRemainingCap = 13
	offChecksum     = 17
)

// Page is one fixed-size page read from or destined for the data file. Data
// is exactly PageSize bytes: the 100-byte header followed by the body.
type Page struct {
	Data []byte
}

// NewPage allocates a zeroed page of the given size and initializes it as
// a fresh page of kind, with next = -1 and full remaining capacity.
func NewPage(size int, kind Kind, id uint32) *Page {
	p := &Page{Data: make([]byte, size)}
	p.Init(kind, id, NoPage, p.BodyLen())
	return p
}

// BodyLen returns body length = page size - header size.
func (p *Page) BodyLen() int {
	return len(p.Data) - HeaderSize
}

// Body returns the mutable body slice (everything after the header).
func (p *Page) Body() []byte {
	return p.Data[HeaderSize:]
}

// Init resets a page's header fields: kind, its own id, its next-page link,
// and its remaining free capacity.
func (p *Page) Init(kind Kind, id uint32, next int64, remaining int) {
	p.Data[offKind] = byte(kind)
	binary.LittleEndian.PutUint32(p.Data[offPageID:], id)
	p.SetNextPageID(next)
	p.SetInsertedRowCount(0)
	p.SetRemainingCapacity(remaining)
	p.RecomputeChecksum()
}

func (p *Page) Kind() Kind {
	return Kind(p.Data[offKind])
}

func (p *Page) SetKind(k Kind) {
	p.Data[offKind] = byte(k)
}

func (p *Page) PageID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offPageID:])
}

func (p *Page) SetPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[offPageID:], id)
}

// NextPageID returns the logical next-page id: -1 (NoPage) if the stored
// sentinel 0xFFFFFFFF is present.
func (p *Page) NextPageID() int64 {
	v := binary.LittleEndian.Uint32(p.Data[offNextPageID:])
	if v == onDiskNoPage {
		return NoPage
	}
	return int64(v)
}

func (p *Page) SetNextPageID(next int64) {
	if next < 0 {
		binary.LittleEndian.PutUint32(p.Data[offNextPageID:], onDiskNoPage)
		return
	}
	binary.LittleEndian.PutUint32(p.Data[offNextPageID:], uint32(next))
}

func (p *Page) InsertedRowCount() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offInsertedRows:])
}

func (p *Page) SetInsertedRowCount(n uint32) {
	binary.LittleEndian.PutUint32(p.Data[offInsertedRows:], n)
}

func (p *Page) RemainingCapacity() int {
	return int(binary.LittleEndian.Uint32(p.Data[offRemainingCap:]))
}

func (p *Page) SetRemainingCapacity(n int) {
	binary.LittleEndian.PutUint32(p.Data[offRemainingCap:], uint32(n))
}

func (p *Page) storedChecksum() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offChecksum:])
}

// Checksum computes the CRC32 of the body only.
func (p *Page) Checksum() uint32 {
	return crc32.ChecksumIEEE(p.Body())
}

// RecomputeChecksum writes a fresh CRC32 of the body into the header. Must
// be called before every persist.
func (p *Page) RecomputeChecksum() {
	binary.LittleEndian.PutUint32(p.Data[offChecksum:], p.Checksum())
}

// Verify reports whether the stored checksum matches the body's CRC32.
func (p *Page) Verify() bool {
	return p.storedChecksum() == p.Checksum()
}
