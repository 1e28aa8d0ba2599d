package storage

import "encoding/binary"

// Row flag bits, per the packed row layout: flags(1) | body_size(2) | pk(6) | body.
const (
	RowFlagDeleted    byte = 1 << 0
	RowFlagCompressed byte = 1 << 1
	RowFlagOverflow   byte = 1 << 2
)

// RowHeaderSize is the size, in bytes, of a row's fixed header:
// flags(1) + body_size(2) + pk(6).
const RowHeaderSize = 1 + 2 + 6

// OverflowPointerSize is the size of the body of a row whose payload lives
// in an overflow chain: a 4-byte head page id. Each overflow page records
// its own used length via its remaining_capacity header field, so the
// chain's total length is recovered by walking it rather than being
// duplicated in the pointer.
const OverflowPointerSize = 4

// EncodeRow packs flags, pk and body into the on-page row representation.
func EncodeRow(flags byte, pk uint64, body []byte) []byte {
	buf := make([]byte, RowHeaderSize+len(body))
	buf[0] = flags
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(body)))
	PutPK(buf[3:9], pk)
	copy(buf[RowHeaderSize:], body)
	return buf
}

// RowView is a decoded view over a row's fixed fields, with Body left as a
// slice into the original page buffer (copy before use across writes).
type RowView struct {
	Flags    byte
	BodySize uint16
	PK       uint64
	Body     []byte
}

// DecodeRow reads a row's fixed header and body from buf. buf must be at
// least RowHeaderSize+body_size bytes.
func DecodeRow(buf []byte) RowView {
	bodySize := binary.LittleEndian.Uint16(buf[1:])
	return RowView{
		Flags:    buf[0],
		BodySize: bodySize,
		PK:       GetPK(buf[3:9]),
		Body:     buf[RowHeaderSize : RowHeaderSize+int(bodySize)],
	}
}

// Deleted reports whether the row's deleted flag bit is set.
func (r RowView) Deleted() bool { return r.Flags&RowFlagDeleted != 0 }

// Overflow reports whether the row's body is an overflow-chain pointer.
func (r RowView) Overflow() bool { return r.Flags&RowFlagOverflow != 0 }

// Compressed reports whether the row's body is snappy-compressed. For an
// overflow row the flag describes the payload stored in its overflow chain.
func (r RowView) Compressed() bool { return r.Flags&RowFlagCompressed != 0 }

// OverflowHeadPageID reads the overflow chain's head page id out of an
// overflow row's body. Only valid when Overflow() is true.
func (r RowView) OverflowHeadPageID() uint32 {
	return binary.LittleEndian.Uint32(r.Body[0:4])
}

// EncodeOverflowPointer packs an overflow chain's head page id into a row
// body.
func EncodeOverflowPointer(headPageID uint32) []byte {
	buf := make([]byte, OverflowPointerSize)
	binary.LittleEndian.PutUint32(buf[0:4], headPageID)
	return buf
}

// PutPK writes a 48-bit primary key into a 6-byte little-endian field.
func PutPK(dst []byte, pk uint64) {
	dst[0] = byte(pk)
	dst[1] = byte(pk >> 8)
	dst[2] = byte(pk >> 16)
	dst[3] = byte(pk >> 24)
	dst[4] = byte(pk >> 32)
	dst[5] = byte(pk >> 40)
}

// GetPK reads a 48-bit primary key from a 6-byte little-endian field.
func GetPK(src []byte) uint64 {
	return uint64(src[0]) | uint64(src[1])<<8 | uint64(src[2])<<16 |
		uint64(src[3])<<24 | uint64(src[4])<<32 | uint64(src[5])<<40
}

// RID is the (page_id, slot_index) physical locator of a row, also
// representable as the single number page_id*65536 + slot_index.
type RID struct {
	PageID uint32
	Slot   uint16
}

// Encode packs a RID into its 6-byte on-disk/B+Tree form:
// slot_index(2) | page_id(4), both little-endian.
func (r RID) Encode() [6]byte {
	var buf [6]byte
	binary.LittleEndian.PutUint16(buf[0:2], r.Slot)
	binary.LittleEndian.PutUint32(buf[2:6], r.PageID)
	return buf
}

// DecodeRID unpacks a 6-byte RID.
func DecodeRID(buf []byte) RID {
	return RID{
		Slot:   binary.LittleEndian.Uint16(buf[0:2]),
		PageID: binary.LittleEndian.Uint32(buf[2:6]),
	}
}

// Num returns the RID's numeric form, page_id*65536 + slot_index, which is
// how it is stored as a fixed 8-byte B+Tree value.
func (r RID) Num() uint64 {
	return uint64(r.PageID)*65536 + uint64(r.Slot)
}

// RIDFromNum reconstructs a RID from its numeric form.
func RIDFromNum(n uint64) RID {
	return RID{PageID: uint32(n / 65536), Slot: uint16(n % 65536)}
}

// ---------- Slotted data page ----------

// slotTableEntrySize is the size of one offset-table entry (2 bytes).
const slotTableEntrySize = 2

// rowAreaUsed returns how many body bytes the row-growth region (top-down)
// currently occupies, derived from the page's own bookkeeping fields: body
// length minus remaining capacity minus the slot table's own footprint.
func (p *Page) rowAreaUsed() int {
	slots := int(p.InsertedRowCount()) * slotTableEntrySize
	return p.BodyLen() - p.RemainingCapacity() - slots
}

// AppendRow appends a row to the page's slotted body, growing the row area
// from the top down and the offset table from the bottom up. It returns the
// new slot index (equal to the inserted row count before this call) and
// false if there isn't enough remaining capacity.
func (p *Page) AppendRow(row []byte) (slot uint16, ok bool) {
	n := p.InsertedRowCount()
	needed := len(row) + slotTableEntrySize
	if needed > p.RemainingCapacity() {
		return 0, false
	}
	body := p.Body()
	rowOff := p.rowAreaUsed()
	copy(body[rowOff:], row)

	slotOff := p.BodyLen() - (int(n)+1)*slotTableEntrySize
	binary.LittleEndian.PutUint16(body[slotOff:], uint16(rowOff))

	p.SetInsertedRowCount(n + 1)
	p.SetRemainingCapacity(p.RemainingCapacity() - needed)
	p.RecomputeChecksum()
	return n, true
}

// RowOffset returns the body offset of the row stored at the given slot.
func (p *Page) RowOffset(slot uint16) int {
	slotOff := p.BodyLen() - (int(slot)+1)*slotTableEntrySize
	return int(binary.LittleEndian.Uint16(p.Body()[slotOff:]))
}

// RowAt decodes the row stored at the given slot.
func (p *Page) RowAt(slot uint16) RowView {
	off := p.RowOffset(slot)
	return DecodeRow(p.Body()[off:])
}

// SetRowFlags overwrites the flags byte of the row at the given slot
// in-place (used to mark a row deleted without moving anything).
func (p *Page) SetRowFlags(slot uint16, flags byte) {
	off := p.RowOffset(slot)
	p.Body()[off] = flags
	p.RecomputeChecksum()
}

// UpdateRowBodyInPlace overwrites a row's body with newBody, which must be
// no longer than the row's existing body (callers resolve the
// in-place-vs-relocate decision before calling this). The row's stored
// body_size is rewritten to match; bytes past the new end are left as
// stale garbage until the row area is next compacted.
func (p *Page) UpdateRowBodyInPlace(slot uint16, newBody []byte) {
	off := p.RowOffset(slot)
	body := p.Body()
	binary.LittleEndian.PutUint16(body[off+1:], uint16(len(newBody)))
	copy(body[off+RowHeaderSize:], newBody)
	p.RecomputeChecksum()
}
