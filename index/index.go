package index

import (
	"sync"

	"github.com/shard-db/shard/storage"
)

// Index is the primary-key B+Tree for a shard: one per data file, mapping
// the 48-bit row primary key to its current RID.
type Index struct {
	mu    sync.RWMutex
	btree *BTree
}

// New creates a brand-new, empty index by allocating and writing a fresh
// root page through s. s is almost always a bootstrap transaction (the one
// that creates a fresh data file), so the root page's durability is
// covered by that transaction's own commit.
func New(s Store, pageSize int) (*Index, error) {
	bt, err := NewBTree(s, pageSize)
	if err != nil {
		return nil, err
	}
	return &Index{btree: bt}, nil
}

// Open reopens an existing index from its persisted root page id and
// order, as recorded on the metadata page.
func Open(rootPageID uint32, order int, pageSize int) *Index {
	return &Index{btree: OpenBTree(rootPageID, order, pageSize)}
}

// RootPageID returns the root page id to persist on the metadata page.
func (idx *Index) RootPageID() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.RootPageID
}

// Order returns the tree's fanout, to persist alongside RootPageID.
func (idx *Index) Order() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.Order
}

// Put inserts or overwrites the RID stored for pk, as a structural change
// staged inside transaction s. A node split may replace the tree's root; when
// that happens the new root id is folded into s's own copy of the metadata
// page immediately, so the change reaches disk in the same commit as the
// rest of the structural edit instead of only living in this in-memory
// *BTree until the next unrelated write to page 0.
func (idx *Index) Put(s Store, pk uint64, rid storage.RID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	before := idx.btree.RootPageID
	if err := idx.btree.Insert(s, pk, rid); err != nil {
		return err
	}
	if idx.btree.RootPageID != before {
		return idx.persistRoot(s)
	}
	return nil
}

// persistRoot writes the tree's current root page id and order onto s's
// copy of the metadata page, preserving whatever else that transaction has
// already staged there (ReadPage returns s's own in-flight image if one
// exists).
func (idx *Index) persistRoot(s Store) error {
	page, err := s.ReadPage(0)
	if err != nil {
		return err
	}
	m := storage.MetaPage{Page: page}
	m.SetRootIndexPageID(int64(idx.btree.RootPageID))
	m.SetRootIndexOrder(uint32(idx.btree.Order))
	m.RecomputeChecksum()
	return s.WritePage(m.Page)
}

// Delete removes pk from the index, if present, as a structural change
// staged inside transaction s.
func (idx *Index) Delete(s Store, pk uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.btree.Remove(s, pk)
}

// Lookup returns the RID stored for pk. r may be a *storage.Pager (plain
// committed read) or a *txn.Tx (read-your-own-writes within an open
// transaction).
func (idx *Index) Lookup(r Reader, pk uint64) (storage.RID, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.Lookup(r, pk)
}

// RangeScan returns every (pk, RID) pair with minPK <= pk <= maxPK. A nil
// bound is unbounded on that side.
func (idx *Index) RangeScan(r Reader, minPK, maxPK *uint64) ([]uint64, []storage.RID, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.RangeScan(r, minPK, maxPK)
}

// All returns every (pk, RID) pair in key order.
func (idx *Index) All(r Reader) ([]uint64, []storage.RID, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.AllEntries(r)
}
