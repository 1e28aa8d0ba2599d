package index

import "github.com/shard-db/shard/storage"

// Reader is the minimal page-read surface a read-only B+Tree operation
// needs: either a *storage.Pager (plain committed reads) or a *txn.Tx
// (reads that must also see the transaction's own uncommitted writes).
type Reader interface {
	ReadPage(pageID uint32) (*storage.Page, error)
}

// Store is the page-mutate surface a structural B+Tree operation needs.
// Only *txn.Tx satisfies it: every node allocation, write and free a tree
// mutation performs flows through the owning transaction's dirty buffer,
// write locks and (at commit) its WAL batch, exactly like the row pages
// the table package writes (spec.md §4.7: "the tree is mutated inside the
// active transaction's context").
type Store interface {
	Reader
	AllocatePage(kind storage.Kind) (*storage.Page, error)
	WritePage(page *storage.Page) error
	FreePage(pageID uint32) (*storage.Page, error)
}
