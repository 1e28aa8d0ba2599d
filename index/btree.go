// Package index implements the on-disk B+Tree mapping primary keys to row
// identifiers. Each node occupies one page; leaves are chained via the
// page header's next-page pointer for ordered range scans.
package index

import (
	"encoding/binary"
	"sort"

	"github.com/shard-db/shard/storage"
)

// Node body layout, offsets relative to storage.Page.Body():
//
//	[0]      leaf flag (1 byte, 1=leaf 0=internal)
//	[1:5]    parent page id (uint32, 0xFFFFFFFF = none)
//	[5:9]    prev sibling page id, leaves only (uint32, 0xFFFFFFFF = none)
//	[9:11]   key count (uint16)
//	[11:]    key count * 8-byte keys, then:
//	           leaf:     key count * 8-byte RID values
//	           internal: (key count + 1) * 4-byte child page ids
const (
	nodeLeafFlagOff = 0
	nodeParentOff   = 1
	nodePrevOff     = 5
	nodeKeyCountOff = 9
	nodeDataOff     = 11

	nodeNoPage uint32 = 0xFFFFFFFF
)

func encodeNoPage(id int64) uint32 {
	if id < 0 {
		return nodeNoPage
	}
	return uint32(id)
}

func decodeNoPage(v uint32) int64 {
	if v == nodeNoPage {
		return -1
	}
	return int64(v)
}

// BTree is a disk-backed B+Tree keyed by an 8-byte primary key with an
// 8-byte RID value, persisted one node per page. It holds no reference to
// a pager or transaction: every method takes the Reader/Store it should
// operate against, so the same tree can be read through a plain pager and
// mutated through whichever transaction currently owns the write.
type BTree struct {
	RootPageID uint32
	Order      int
}

// OrderForPageSize computes the maximum number of keys a single node may
// hold for a given page size, derived from the leaf entry size (16 bytes
// per key+value pair) so the same order safely bounds internal nodes too.
func OrderForPageSize(pageSize int) int {
	capacity := pageSize - storage.HeaderSize - nodeDataOff
	order := capacity / 16
	if order < 3 {
		order = 3
	}
	return order
}

// NewBTree allocates a fresh empty leaf as the tree's root, staged as a
// write in s (a transaction) so it only becomes durable at that
// transaction's commit.
func NewBTree(s Store, pageSize int) (*BTree, error) {
	order := OrderForPageSize(pageSize)
	root, err := s.AllocatePage(storage.KindIndex)
	if err != nil {
		return nil, err
	}
	initNode(root, true)
	if err := s.WritePage(root); err != nil {
		return nil, err
	}
	return &BTree{RootPageID: root.PageID(), Order: order}, nil
}

// OpenBTree reopens an existing tree given its persisted root page id and
// order (read back from the metadata page by the caller).
func OpenBTree(rootPageID uint32, order int, pageSize int) *BTree {
	if order <= 0 {
		order = OrderForPageSize(pageSize)
	}
	return &BTree{RootPageID: rootPageID, Order: order}
}

func initNode(page *storage.Page, leaf bool) {
	body := page.Body()
	if leaf {
		body[nodeLeafFlagOff] = 1
	} else {
		body[nodeLeafFlagOff] = 0
	}
	binary.LittleEndian.PutUint32(body[nodeParentOff:], nodeNoPage)
	binary.LittleEndian.PutUint32(body[nodePrevOff:], nodeNoPage)
	binary.LittleEndian.PutUint16(body[nodeKeyCountOff:], 0)
	page.SetNextPageID(storage.NoPage)
	page.RecomputeChecksum()
}

func isLeaf(page *storage.Page) bool { return page.Body()[nodeLeafFlagOff] == 1 }

func keyCount(page *storage.Page) int {
	return int(binary.LittleEndian.Uint16(page.Body()[nodeKeyCountOff:]))
}

func setKeyCount(page *storage.Page, n int) {
	binary.LittleEndian.PutUint16(page.Body()[nodeKeyCountOff:], uint16(n))
}

func parentID(page *storage.Page) int64 {
	return decodeNoPage(binary.LittleEndian.Uint32(page.Body()[nodeParentOff:]))
}

func setParentID(page *storage.Page, id int64) {
	binary.LittleEndian.PutUint32(page.Body()[nodeParentOff:], encodeNoPage(id))
}

func prevID(page *storage.Page) int64 {
	return decodeNoPage(binary.LittleEndian.Uint32(page.Body()[nodePrevOff:]))
}

func setPrevID(page *storage.Page, id int64) {
	binary.LittleEndian.PutUint32(page.Body()[nodePrevOff:], encodeNoPage(id))
}

func leafKeys(page *storage.Page) []uint64 {
	n := keyCount(page)
	body := page.Body()
	keys := make([]uint64, n)
	off := nodeDataOff
	for i := 0; i < n; i++ {
		keys[i] = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}
	return keys
}

func leafValues(page *storage.Page) []uint64 {
	n := keyCount(page)
	body := page.Body()
	values := make([]uint64, n)
	off := nodeDataOff + n*8
	for i := 0; i < n; i++ {
		values[i] = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}
	return values
}

func writeLeaf(page *storage.Page, keys, values []uint64) {
	setKeyCount(page, len(keys))
	body := page.Body()
	off := nodeDataOff
	for _, k := range keys {
		binary.LittleEndian.PutUint64(body[off:], k)
		off += 8
	}
	for _, v := range values {
		binary.LittleEndian.PutUint64(body[off:], v)
		off += 8
	}
	page.RecomputeChecksum()
}

func internalKeys(page *storage.Page) []uint64 {
	n := keyCount(page)
	body := page.Body()
	keys := make([]uint64, n)
	off := nodeDataOff
	for i := 0; i < n; i++ {
		keys[i] = binary.LittleEndian.Uint64(body[off:])
		off += 8
	}
	return keys
}

func internalChildren(page *storage.Page) []uint32 {
	n := keyCount(page)
	body := page.Body()
	children := make([]uint32, n+1)
	off := nodeDataOff + n*8
	for i := 0; i <= n; i++ {
		children[i] = binary.LittleEndian.Uint32(body[off:])
		off += 4
	}
	return children
}

func writeInternal(page *storage.Page, keys []uint64, children []uint32) {
	setKeyCount(page, len(keys))
	body := page.Body()
	off := nodeDataOff
	for _, k := range keys {
		binary.LittleEndian.PutUint64(body[off:], k)
		off += 8
	}
	for _, c := range children {
		binary.LittleEndian.PutUint32(body[off:], c)
		off += 4
	}
	page.RecomputeChecksum()
}

// ---------- search ----------

func (bt *BTree) findLeaf(r Reader, key uint64) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := r.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		if isLeaf(page) {
			return page, nil
		}
		keys := internalKeys(page)
		children := internalChildren(page)
		idx := sort.Search(len(keys), func(i int) bool { return keys[i] > key })
		pageID = children[idx]
	}
}

func (bt *BTree) findLeftmostLeaf(r Reader) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := r.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		if isLeaf(page) {
			return page, nil
		}
		pageID = internalChildren(page)[0]
	}
}

// Lookup returns the RID stored for key, if any.
func (bt *BTree) Lookup(r Reader, key uint64) (storage.RID, bool, error) {
	page, err := bt.findLeaf(r, key)
	if err != nil {
		return storage.RID{}, false, err
	}
	keys := leafKeys(page)
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
	if i < len(keys) && keys[i] == key {
		return storage.RIDFromNum(leafValues(page)[i]), true, nil
	}
	return storage.RID{}, false, nil
}

// RangeScan returns every (key, RID) pair with minKey <= key <= maxKey.
// A nil bound is unbounded on that side.
func (bt *BTree) RangeScan(r Reader, minKey, maxKey *uint64) ([]uint64, []storage.RID, error) {
	var page *storage.Page
	var err error
	if minKey != nil {
		page, err = bt.findLeaf(r, *minKey)
	} else {
		page, err = bt.findLeftmostLeaf(r)
	}
	if err != nil {
		return nil, nil, err
	}

	var keysOut []uint64
	var ridsOut []storage.RID
	for {
		keys := leafKeys(page)
		values := leafValues(page)
		for i, k := range keys {
			if minKey != nil && k < *minKey {
				continue
			}
			if maxKey != nil && k > *maxKey {
				return keysOut, ridsOut, nil
			}
			keysOut = append(keysOut, k)
			ridsOut = append(ridsOut, storage.RIDFromNum(values[i]))
		}
		next := page.NextPageID()
		if next == storage.NoPage {
			break
		}
		page, err = r.ReadPage(uint32(next))
		if err != nil {
			return nil, nil, err
		}
	}
	return keysOut, ridsOut, nil
}

// ---------- insert ----------

type splitResult struct {
	key       uint64
	newPageID uint32
}

// Insert adds key -> rid to the tree, splitting nodes as needed. Every
// touched page is written through s (the owning transaction), so the
// structural change is covered by s's dirty buffer, write locks and WAL
// batch exactly like any other page the transaction writes.
func (bt *BTree) Insert(s Store, key uint64, rid storage.RID) error {
	split, err := bt.insertRecursive(s, bt.RootPageID, key, rid)
	if err != nil {
		return err
	}
	if split != nil {
		newRoot, err := s.AllocatePage(storage.KindIndex)
		if err != nil {
			return err
		}
		initNode(newRoot, false)
		writeInternal(newRoot, []uint64{split.key}, []uint32{bt.RootPageID, split.newPageID})
		if err := s.WritePage(newRoot); err != nil {
			return err
		}
		bt.RootPageID = newRoot.PageID()
	}
	return nil
}

func (bt *BTree) insertRecursive(s Store, pageID uint32, key uint64, rid storage.RID) (*splitResult, error) {
	page, err := s.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	if isLeaf(page) {
		return bt.insertIntoLeaf(s, page, key, rid)
	}
	keys := internalKeys(page)
	children := internalChildren(page)
	idx := sort.Search(len(keys), func(i int) bool { return keys[i] > key })
	childSplit, err := bt.insertRecursive(s, children[idx], key, rid)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(s, page, keys, children, idx, childSplit)
}

func (bt *BTree) insertIntoLeaf(s Store, page *storage.Page, key uint64, rid storage.RID) (*splitResult, error) {
	keys := leafKeys(page)
	values := leafValues(page)

	pos := sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
	if pos < len(keys) && keys[pos] == key {
		values[pos] = rid.Num()
		writeLeaf(page, keys, values)
		return nil, s.WritePage(page)
	}

	keys = append(keys, 0)
	copy(keys[pos+1:], keys[pos:])
	keys[pos] = key
	values = append(values, 0)
	copy(values[pos+1:], values[pos:])
	values[pos] = rid.Num()

	if len(keys) <= bt.Order {
		writeLeaf(page, keys, values)
		return nil, s.WritePage(page)
	}

	mid := len(keys) / 2
	leftKeys, rightKeys := keys[:mid], keys[mid:]
	leftValues, rightValues := values[:mid], values[mid:]

	newPage, err := s.AllocatePage(storage.KindIndex)
	if err != nil {
		return nil, err
	}
	initNode(newPage, true)
	writeLeaf(newPage, rightKeys, rightValues)
	newPage.SetNextPageID(page.NextPageID())
	setPrevID(newPage, int64(page.PageID()))
	setParentID(newPage, parentID(page))
	newPage.RecomputeChecksum()

	writeLeaf(page, leftKeys, leftValues)
	page.SetNextPageID(int64(newPage.PageID()))
	page.RecomputeChecksum()

	if err := s.WritePage(page); err != nil {
		return nil, err
	}
	if err := s.WritePage(newPage); err != nil {
		return nil, err
	}

	if nextID := newPage.NextPageID(); nextID != storage.NoPage {
		nextPage, err := s.ReadPage(uint32(nextID))
		if err != nil {
			return nil, err
		}
		setPrevID(nextPage, int64(newPage.PageID()))
		nextPage.RecomputeChecksum()
		if err := s.WritePage(nextPage); err != nil {
			return nil, err
		}
	}

	return &splitResult{key: rightKeys[0], newPageID: newPage.PageID()}, nil
}

func (bt *BTree) insertIntoInternal(s Store, page *storage.Page, keys []uint64, children []uint32, childIdx int, split *splitResult) (*splitResult, error) {
	keys = append(keys, 0)
	copy(keys[childIdx+1:], keys[childIdx:])
	keys[childIdx] = split.key

	children = append(children, 0)
	copy(children[childIdx+2:], children[childIdx+1:])
	children[childIdx+1] = split.newPageID

	if len(keys) <= bt.Order {
		writeInternal(page, keys, children)
		return nil, s.WritePage(page)
	}

	mid := len(keys) / 2
	pushUpKey := keys[mid]

	leftKeys, rightKeys := keys[:mid], keys[mid+1:]
	leftChildren, rightChildren := children[:mid+1], children[mid+1:]

	newPage, err := s.AllocatePage(storage.KindIndex)
	if err != nil {
		return nil, err
	}
	initNode(newPage, false)
	writeInternal(newPage, rightKeys, rightChildren)
	setParentID(newPage, parentID(page))
	newPage.RecomputeChecksum()

	writeInternal(page, leftKeys, leftChildren)

	if err := s.WritePage(page); err != nil {
		return nil, err
	}
	if err := s.WritePage(newPage); err != nil {
		return nil, err
	}

	return &splitResult{key: pushUpKey, newPageID: newPage.PageID()}, nil
}

// ---------- remove ----------

// Remove deletes key from the tree, if present, writing the touched leaf
// through s. No rebalancing is performed — emptied leaves are left in
// place and are not reclaimed.
func (bt *BTree) Remove(s Store, key uint64) error {
	page, err := bt.findLeaf(s, key)
	if err != nil {
		return err
	}
	keys := leafKeys(page)
	values := leafValues(page)
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
	if i >= len(keys) || keys[i] != key {
		return nil
	}
	keys = append(keys[:i], keys[i+1:]...)
	values = append(values[:i], values[i+1:]...)
	writeLeaf(page, keys, values)
	return s.WritePage(page)
}

// AllEntries walks every leaf in order, returning the full key/RID set.
// Intended for diagnostics and tests, not hot paths.
func (bt *BTree) AllEntries(r Reader) ([]uint64, []storage.RID, error) {
	return bt.RangeScan(r, nil, nil)
}
