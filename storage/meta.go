package storage

import (
	"encoding/binary"
	"fmt"
)

// Magic is the fixed string every valid data file carries at body offset 0
// (absolute file offset HeaderSize, i.e. 100) of page 0.
const Magic = "SHARD"

// Metadata page layout, offsets relative to the start of the body (so the
// absolute file offset is HeaderSize + offset). PageSizeOff is pinned at
// body offset 12 (absolute 112) to match the external wire format: the
// engine reads it before anything else in order to learn the real page
// size of an existing file.
const (
	metaMagicOff        = 0
	metaVersionOff       = len(Magic)         // 5
	metaPageCountOff     = metaVersionOff + 3 // 8  (1 version byte + 2 reserved)
	metaPageSizeOff      = metaPageCountOff + 4 // 12 -> absolute 112
	metaRowCountOff      = metaPageSizeOff + 4   // 16
	metaRootIdxPageOff   = metaRowCountOff + 8    // 24
	metaRootIdxOrderOff  = metaRootIdxPageOff + 4 // 28
	metaLastInsertOff    = metaRootIdxOrderOff + 4 // 32
	metaLastRowPKOff     = metaLastInsertOff + 4   // 36
	metaBitmapPageOff    = metaLastRowPKOff + 8     // 44
	metaFreeListHeadOff  = metaBitmapPageOff + 4    // 48
	metaInstanceUUIDOff  = metaFreeListHeadOff + 4  // 52
	metaInstanceUUIDSize = 16
)

const metaFormatVersion = 1

// MetaPage is a typed view over page 0's body.
type MetaPage struct {
	*Page
}

// InitMeta initializes a brand-new page 0: writes the magic, format
// version, a page count of 1 and the page size, zeroes the row count and
// last row pk, and sets the index root, last-insert page, bitmap head and
// free-list head to NoPage.
func (m MetaPage) InitMeta(pageSize int) {
	body := m.Body()
	copy(body[metaMagicOff:], Magic)
	body[metaVersionOff] = metaFormatVersion
	binary.LittleEndian.PutUint32(body[metaPageCountOff:], 1)
	binary.LittleEndian.PutUint32(body[metaPageSizeOff:], uint32(pageSize))
	binary.LittleEndian.PutUint64(body[metaRowCountOff:], 0)
	m.SetRootIndexPageID(NoPage)
	m.SetRootIndexOrder(0)
	m.SetLastInsertPageID(NoPage)
	m.SetLastRowPK(0)
	m.SetBitmapPageID(NoPage)
	m.SetFreeListHead(NoPage)
	m.RecomputeChecksum()
}

// VerifyMagic checks the magic string and returns an error naming the
// offending offset if it does not match.
func (m MetaPage) VerifyMagic() error {
	got := string(m.Body()[metaMagicOff : metaMagicOff+len(Magic)])
	if got != Magic {
		return fmt.Errorf("bad magic %q at offset %d", got, HeaderSize+metaMagicOff)
	}
	return nil
}

func (m MetaPage) PageCount() uint32 {
	return binary.LittleEndian.Uint32(m.Body()[metaPageCountOff:])
}

func (m MetaPage) SetPageCount(n uint32) {
	binary.LittleEndian.PutUint32(m.Body()[metaPageCountOff:], n)
}

// PageSize reads the page size recorded at the fixed, self-describing
// offset 112 — this overrides any caller-requested page size when opening
// an existing file.
func (m MetaPage) PageSize() uint32 {
	return binary.LittleEndian.Uint32(m.Body()[metaPageSizeOff:])
}

func (m MetaPage) RowCount() uint64 {
	return binary.LittleEndian.Uint64(m.Body()[metaRowCountOff:])
}

func (m MetaPage) SetRowCount(n uint64) {
	binary.LittleEndian.PutUint64(m.Body()[metaRowCountOff:], n)
}

func (m MetaPage) RootIndexPageID() int64 {
	return readSigned32(m.Body()[metaRootIdxPageOff:])
}

func (m MetaPage) SetRootIndexPageID(id int64) {
	writeSigned32(m.Body()[metaRootIdxPageOff:], id)
}

func (m MetaPage) RootIndexOrder() uint32 {
	return binary.LittleEndian.Uint32(m.Body()[metaRootIdxOrderOff:])
}

func (m MetaPage) SetRootIndexOrder(order uint32) {
	binary.LittleEndian.PutUint32(m.Body()[metaRootIdxOrderOff:], order)
}

func (m MetaPage) LastInsertPageID() int64 {
	return readSigned32(m.Body()[metaLastInsertOff:])
}

func (m MetaPage) SetLastInsertPageID(id int64) {
	writeSigned32(m.Body()[metaLastInsertOff:], id)
}

func (m MetaPage) LastRowPK() uint64 {
	return GetPK(m.Body()[metaLastRowPKOff : metaLastRowPKOff+6])
}

func (m MetaPage) SetLastRowPK(pk uint64) {
	PutPK(m.Body()[metaLastRowPKOff:metaLastRowPKOff+6], pk)
}

func (m MetaPage) BitmapPageID() int64 {
	return readSigned32(m.Body()[metaBitmapPageOff:])
}

func (m MetaPage) SetBitmapPageID(id int64) {
	writeSigned32(m.Body()[metaBitmapPageOff:], id)
}

func (m MetaPage) FreeListHead() int64 {
	return readSigned32(m.Body()[metaFreeListHeadOff:])
}

func (m MetaPage) SetFreeListHead(id int64) {
	writeSigned32(m.Body()[metaFreeListHeadOff:], id)
}

// InstanceID returns the 16-byte instance identity minted at file creation,
// used to tell apart data files that happen to share a path history (e.g.
// after a restore) — see SPEC_FULL.md's domain-stack notes on uuid wiring.
func (m MetaPage) InstanceID() [metaInstanceUUIDSize]byte {
	var id [metaInstanceUUIDSize]byte
	copy(id[:], m.Body()[metaInstanceUUIDOff:metaInstanceUUIDOff+metaInstanceUUIDSize])
	return id
}

func (m MetaPage) SetInstanceID(id [metaInstanceUUIDSize]byte) {
	copy(m.Body()[metaInstanceUUIDOff:metaInstanceUUIDOff+metaInstanceUUIDSize], id[:])
}

// CopyAllocatorBookkeeping copies the allocator-owned fields — page count,
// free-list head, bitmap chain head — from src into m, leaving every other
// field (row count, last-insert page, last row pk, root index, instance id)
// untouched. A transaction that already holds its own in-flight copy of page
// 0 uses this to fold in a pager-side AllocatePage/FreePage's bookkeeping
// bump without losing the row-level edits layered on top of it.
func (m MetaPage) CopyAllocatorBookkeeping(src MetaPage) {
	m.SetPageCount(src.PageCount())
	m.SetFreeListHead(src.FreeListHead())
	m.SetBitmapPageID(src.BitmapPageID())
}

func readSigned32(b []byte) int64 {
	v := binary.LittleEndian.Uint32(b)
	if v == onDiskNoPage {
		return NoPage
	}
	return int64(v)
}

func writeSigned32(b []byte, v int64) {
	if v < 0 {
		binary.LittleEndian.PutUint32(b, onDiskNoPage)
		return
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
}
