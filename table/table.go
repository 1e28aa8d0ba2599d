// Package table implements the row engine: insert, select, update and
// delete over slotted data pages, with overflow chaining for oversized
// bodies, optional snappy compression, and deferred primary-key index
// maintenance via transaction commit hooks.
package table

import (
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/shard-db/shard/errs"
	"github.com/shard-db/shard/index"
	"github.com/shard-db/shard/storage"
	"github.com/shard-db/shard/txn"
)

// pageReader is the minimal page-read surface a Table needs to materialize
// a row: either a *storage.Pager (plain committed reads) or a *txn.Tx
// (reads that must also see the transaction's own uncommitted writes).
type pageReader interface {
	ReadPage(pageID uint32) (*storage.Page, error)
}

// pageWriter is the page-allocate/write/free surface a Table needs to
// mutate rows. Only *txn.Tx satisfies it — all mutation goes through a
// transaction.
type pageWriter interface {
	pageReader
	AllocatePage(kind storage.Kind) (*storage.Page, error)
	WritePage(page *storage.Page) error
	FreePage(pageID uint32) (*storage.Page, error)
}

// Table is the single row store a shard file holds: rows are appended to
// the data page named by the metadata page's last-insert pointer (data
// pages are not linked to each other), indexed by a primary-key B+Tree.
type Table struct {
	pager *storage.Pager
	idx   *index.Index
}

// New returns a Table backed by pager's data pages and idx's primary-key
// index.
func New(pager *storage.Pager, idx *index.Index) *Table {
	return &Table{pager: pager, idx: idx}
}

func (t *Table) maxInlineBody() int {
	return t.pager.PageSize() - storage.HeaderSize - storage.RowHeaderSize - 2
}

func compress(body []byte) ([]byte, byte) {
	compressed := snappy.Encode(nil, body)
	if len(compressed) < len(body) {
		return compressed, storage.RowFlagCompressed
	}
	return body, 0
}

// Insert stores body under pk and returns its physical location. The
// primary-key index is updated by a commit hook registered here: it runs at
// the start of tx.Commit(), so the index entry lands in the same WAL batch
// as the row, and a rolled-back transaction never touches the index.
func (t *Table) Insert(tx *txn.Tx, pk uint64, body []byte) (storage.RID, error) {
	storeBody, flags := compress(body)
	rid, err := t.insertRow(tx, pk, storeBody, flags)
	if err != nil {
		return storage.RID{}, err
	}
	tx.OnCommit(func(htx *txn.Tx) error { return t.idx.Put(htx, pk, rid) })
	return rid, nil
}

// insertRow writes the already-compressed body (choosing inline vs.
// overflow storage) into the open data page, falling back to a fresh page
// when the current one is full.
func (t *Table) insertRow(w pageWriter, pk uint64, storeBody []byte, flags byte) (storage.RID, error) {
	var rowBody []byte
	if len(storeBody) > t.maxInlineBody() {
		headID, err := t.writeOverflow(w, storeBody)
		if err != nil {
			return storage.RID{}, err
		}
		rowBody = storage.EncodeOverflowPointer(headID)
		flags |= storage.RowFlagOverflow
	} else {
		rowBody = storeBody
	}

	row := storage.EncodeRow(flags, pk, rowBody)
	page, slot, err := t.appendToOpenPage(w, row)
	if err != nil {
		return storage.RID{}, err
	}
	return storage.RID{PageID: page.PageID(), Slot: slot}, nil
}

// appendToOpenPage appends row to the data page recorded as the metadata
// page's "last insert" page, allocating a fresh one (which becomes the new
// last-insert page) if it no longer has room. Either way, it bumps the row
// count on the metadata page.
func (t *Table) appendToOpenPage(w pageWriter, row []byte) (*storage.Page, uint16, error) {
	metaPage, err := w.ReadPage(0)
	if err != nil {
		return nil, 0, err
	}
	meta := storage.MetaPage{Page: metaPage}
	lastID := meta.LastInsertPageID()

	var page *storage.Page
	var slot uint16
	var ok bool
	if lastID != storage.NoPage {
		page, err = w.ReadPage(uint32(lastID))
		if err != nil {
			return nil, 0, err
		}
		slot, ok = page.AppendRow(row)
	}
	if !ok {
		page, err = w.AllocatePage(storage.KindData)
		if err != nil {
			return nil, 0, err
		}
		slot, ok = page.AppendRow(row)
		if !ok {
			return nil, 0, errs.New(errs.SafetyLimit, "table.insertRow", fmt.Errorf("row of %d bytes does not fit in an empty page", len(row)))
		}
		// AllocatePage just bumped the metadata page's own bookkeeping
		// (page count, free list); re-read it instead of reusing the
		// copy from before the allocation, so that bump isn't lost when
		// this function writes meta back below.
		refreshed, err := w.ReadPage(0)
		if err != nil {
			return nil, 0, err
		}
		meta = storage.MetaPage{Page: refreshed}
		meta.SetLastInsertPageID(int64(page.PageID()))
	}
	if err := w.WritePage(page); err != nil {
		return nil, 0, err
	}

	meta.SetRowCount(meta.RowCount() + 1)
	meta.RecomputeChecksum()
	if err := w.WritePage(meta.Page); err != nil {
		return nil, 0, err
	}
	return page, slot, nil
}

// writeOverflow allocates a fresh overflow chain holding data and returns
// its head page id. Each page's remaining_capacity records how much of its
// body is unused, so the chain's length is recovered by walking it rather
// than being stored alongside the pointer.
func (t *Table) writeOverflow(w pageWriter, data []byte) (uint32, error) {
	capacity := t.pager.OverflowCapacity()
	var headID uint32
	var prev *storage.Page
	offset := 0
	for offset < len(data) {
		page, err := w.AllocatePage(storage.KindOverflow)
		if err != nil {
			return 0, err
		}
		if prev == nil {
			headID = page.PageID()
		} else {
			prev.SetNextPageID(int64(page.PageID()))
			prev.RecomputeChecksum()
			if err := w.WritePage(prev); err != nil {
				return 0, err
			}
		}
		end := offset + capacity
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		copy(page.Body(), chunk)
		page.SetRemainingCapacity(capacity - len(chunk))
		page.RecomputeChecksum()
		if err := w.WritePage(page); err != nil {
			return 0, err
		}
		offset = end
		prev = page
	}
	return headID, nil
}

// rewriteOverflowChain rewrites the overflow chain rooted at headID with
// data in place: existing linked pages are reused, new ones are allocated
// if the payload grew, and any leftover linked pages are freed if it
// shrank. The chain's head page id never changes, so the row pointing at
// it keeps the same RID across the rewrite.
func (t *Table) rewriteOverflowChain(w pageWriter, headID uint32, data []byte) error {
	capacity := t.pager.OverflowCapacity()
	offset := 0
	curID := headID
	for {
		page, err := w.ReadPage(curID)
		if err != nil {
			return err
		}
		end := offset + capacity
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		copy(page.Body(), chunk)
		page.SetRemainingCapacity(capacity - len(chunk))
		offset = end

		if offset >= len(data) {
			leftover := page.NextPageID()
			page.SetNextPageID(storage.NoPage)
			page.RecomputeChecksum()
			if err := w.WritePage(page); err != nil {
				return err
			}
			return t.freeChainFrom(w, leftover)
		}

		next := page.NextPageID()
		if next == storage.NoPage {
			newPage, err := w.AllocatePage(storage.KindOverflow)
			if err != nil {
				return err
			}
			page.SetNextPageID(int64(newPage.PageID()))
			page.RecomputeChecksum()
			if err := w.WritePage(page); err != nil {
				return err
			}
			curID = newPage.PageID()
			continue
		}
		page.RecomputeChecksum()
		if err := w.WritePage(page); err != nil {
			return err
		}
		curID = uint32(next)
	}
}

// freeChainFrom frees every page in the linked chain starting at pageID
// (a no-op if pageID is storage.NoPage), used to truncate an overflow
// chain's leftover tail after a shorter in-place rewrite.
func (t *Table) freeChainFrom(w pageWriter, pageID int64) error {
	id := pageID
	for id != storage.NoPage {
		page, err := w.ReadPage(uint32(id))
		if err != nil {
			return err
		}
		next := page.NextPageID()
		if _, err := w.FreePage(uint32(id)); err != nil {
			return err
		}
		id = next
	}
	return nil
}

func (t *Table) freeOverflow(w pageWriter, headID uint32) error {
	pageID := headID
	for {
		page, err := w.ReadPage(pageID)
		if err != nil {
			return err
		}
		next := page.NextPageID()
		if _, err := w.FreePage(pageID); err != nil {
			return err
		}
		if next == storage.NoPage {
			return nil
		}
		pageID = uint32(next)
	}
}

// Select reads and decodes the row at rid, decompressing and reassembling
// its overflow chain as needed. r may be a *storage.Pager (plain committed
// read) or a *txn.Tx (read-your-own-writes within an open transaction).
func (t *Table) Select(r pageReader, rid storage.RID) ([]byte, error) {
	page, err := r.ReadPage(rid.PageID)
	if err != nil {
		return nil, err
	}
	row := page.RowAt(rid.Slot)
	if row.Deleted() {
		return nil, errs.New(errs.Usage, "table.Select", fmt.Errorf("row %+v is deleted", rid))
	}
	return t.materialize(r, row)
}

// SelectByPK looks pk up in the index and, if present, selects its row.
func (t *Table) SelectByPK(r pageReader, pk uint64) (storage.RID, []byte, bool, error) {
	if r == nil {
		return storage.RID{}, nil, false, errs.New(errs.Usage, "table.SelectByPK", fmt.Errorf("nil page reader"))
	}
	rid, ok, err := t.idx.Lookup(r, pk)
	if err != nil || !ok {
		return storage.RID{}, nil, false, err
	}
	body, err := t.Select(r, rid)
	if err != nil {
		return storage.RID{}, nil, false, err
	}
	return rid, body, true, nil
}

// Row pairs a decoded row body with its primary key and physical location,
// as returned by SelectMany.
type Row struct {
	PK   uint64
	RID  storage.RID
	Body []byte
}

// SelectMany returns every row whose primary key falls within
// [minPK, maxPK] (either bound nil for unbounded), in key order.
func (t *Table) SelectMany(r pageReader, minPK, maxPK *uint64) ([]Row, error) {
	pks, rids, err := t.idx.RangeScan(r, minPK, maxPK)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(pks))
	for i, pk := range pks {
		body, err := t.Select(r, rids[i])
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{PK: pk, RID: rids[i], Body: body})
	}
	return rows, nil
}

func (t *Table) materialize(r pageReader, row storage.RowView) ([]byte, error) {
	var stored []byte
	if row.Overflow() {
		data, err := t.readOverflow(r, row.OverflowHeadPageID())
		if err != nil {
			return nil, err
		}
		stored = data
	} else {
		stored = append([]byte(nil), row.Body...)
	}
	if !row.Compressed() {
		return stored, nil
	}
	out, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, errs.New(errs.Corruption, "table.materialize", fmt.Errorf("snappy decode: %w", err))
	}
	return out, nil
}

// readOverflow walks the chain rooted at headID and concatenates each
// page's used prefix, body_size - remaining_capacity, recovering the
// chain's content without a separately stored total length.
func (t *Table) readOverflow(r pageReader, headID uint32) ([]byte, error) {
	capacity := t.pager.OverflowCapacity()
	var out []byte
	pageID := headID
	for {
		page, err := r.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		used := capacity - page.RemainingCapacity()
		if used < 0 || used > capacity {
			return nil, errs.New(errs.Corruption, "table.readOverflow", fmt.Errorf("page %d has out-of-range used length %d", pageID, used))
		}
		out = append(out, page.Body()[:used]...)
		next := page.NextPageID()
		if next == storage.NoPage {
			break
		}
		pageID = uint32(next)
	}
	return out, nil
}

// Update replaces the body stored at rid, keeping the same primary key and,
// whenever possible, the same RID. An overflow row has its chain rewritten
// in place (truncated or extended to fit, never relocated). A non-overflow
// row whose new compressed body is no longer than its current one is
// rewritten in place too. Only a non-overflow row whose new body grew past
// what it already occupies is relocated: the old slot is marked deleted
// and a fresh row inserted, deferring the index's pk -> RID swap to commit
// just like Insert does.
func (t *Table) Update(tx *txn.Tx, rid storage.RID, newBody []byte) (storage.RID, error) {
	page, err := tx.ReadPage(rid.PageID)
	if err != nil {
		return storage.RID{}, err
	}
	old := page.RowAt(rid.Slot)
	if old.Deleted() {
		return storage.RID{}, errs.New(errs.Usage, "table.Update", fmt.Errorf("row %+v is deleted", rid))
	}
	pk := old.PK
	storeBody, flags := compress(newBody)

	if old.Overflow() {
		if err := t.rewriteOverflowChain(tx, old.OverflowHeadPageID(), storeBody); err != nil {
			return storage.RID{}, err
		}
		page.SetRowFlags(rid.Slot, flags|storage.RowFlagOverflow)
		if err := tx.WritePage(page); err != nil {
			return storage.RID{}, err
		}
		return rid, nil
	}

	if len(storeBody) <= len(old.Body) {
		page.SetRowFlags(rid.Slot, flags)
		page.UpdateRowBodyInPlace(rid.Slot, storeBody)
		if err := tx.WritePage(page); err != nil {
			return storage.RID{}, err
		}
		return rid, nil
	}

	page.SetRowFlags(rid.Slot, old.Flags|storage.RowFlagDeleted)
	if err := tx.WritePage(page); err != nil {
		return storage.RID{}, err
	}

	newRID, err := t.insertRow(tx, pk, storeBody, flags)
	if err != nil {
		return storage.RID{}, err
	}
	// insertRow counted the copy as a new row; it replaces the row marked
	// deleted above, so take that count back.
	metaPage, err := tx.ReadPage(0)
	if err != nil {
		return storage.RID{}, err
	}
	meta := storage.MetaPage{Page: metaPage}
	meta.SetRowCount(meta.RowCount() - 1)
	meta.RecomputeChecksum()
	if err := tx.WritePage(meta.Page); err != nil {
		return storage.RID{}, err
	}
	tx.OnCommit(func(htx *txn.Tx) error { return t.idx.Put(htx, pk, newRID) })
	return newRID, nil
}

// Delete marks the row at rid deleted, decrements the metadata page's row
// count and frees the row's overflow chain, if any. The index entry is
// removed by a commit hook, in the same WAL batch as the delete.
func (t *Table) Delete(tx *txn.Tx, rid storage.RID) error {
	page, err := tx.ReadPage(rid.PageID)
	if err != nil {
		return err
	}
	row := page.RowAt(rid.Slot)
	if row.Deleted() {
		return nil
	}
	pk := row.PK
	metaPage, err := tx.ReadPage(0)
	if err != nil {
		return err
	}
	meta := storage.MetaPage{Page: metaPage}
	if n := meta.RowCount(); n > 0 {
		meta.SetRowCount(n - 1)
	}
	meta.RecomputeChecksum()
	if err := tx.WritePage(meta.Page); err != nil {
		return err
	}
	if row.Overflow() {
		if err := t.freeOverflow(tx, row.OverflowHeadPageID()); err != nil {
			return err
		}
	}
	page.SetRowFlags(rid.Slot, row.Flags|storage.RowFlagDeleted)
	if err := tx.WritePage(page); err != nil {
		return err
	}
	tx.OnCommit(func(htx *txn.Tx) error { return t.idx.Delete(htx, pk) })
	return nil
}
