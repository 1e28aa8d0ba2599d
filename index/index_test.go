package index

import (
	"path/filepath"
	"testing"

	"github.com/shard-db/shard/concurrency"
	"github.com/shard-db/shard/storage"
	"github.com/shard-db/shard/txn"
)

// testIndex wires an Index to a transaction manager over a fresh pager, so
// every mutation in these tests goes through a real transaction's dirty
// buffer and WAL commit exactly as the table package does.
func testIndex(t *testing.T) (*Index, *txn.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pager, err := storage.Open(path, storage.Options{PageSize: storage.MinPageSize})
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { pager.Close() })

	mgr := txn.NewManager(pager, concurrency.LockPolicyWait)
	bootstrap := mgr.Begin()
	idx, err := New(bootstrap, pager.PageSize())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := bootstrap.Commit(); err != nil {
		t.Fatalf("commit bootstrap: %v", err)
	}
	return idx, mgr
}

func rid(n uint64) storage.RID { return storage.RIDFromNum(n) }

// put is a small helper that runs idx.Put inside its own committed
// transaction, mirroring how the table package defers index writes to a
// commit hook.
func put(t *testing.T, idx *Index, mgr *txn.Manager, pk uint64, r storage.RID) {
	t.Helper()
	tx := mgr.Begin()
	if err := idx.Put(tx, pk, r); err != nil {
		t.Fatalf("put(%d): %v", pk, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit put(%d): %v", pk, err)
	}
}

func del(t *testing.T, idx *Index, mgr *txn.Manager, pk uint64) {
	t.Helper()
	tx := mgr.Begin()
	if err := idx.Delete(tx, pk); err != nil {
		t.Fatalf("delete(%d): %v", pk, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit delete(%d): %v", pk, err)
	}
}

func TestIndexPutLookup(t *testing.T) {
	idx, mgr := testIndex(t)
	put(t, idx, mgr, 10, rid(1))
	put(t, idx, mgr, 20, rid(2))

	tx := mgr.Begin()
	defer tx.Rollback()

	got, ok, err := idx.Lookup(tx, 10)
	if err != nil || !ok || got.Num() != 1 {
		t.Errorf("lookup(10) = %v, %v, %v", got, ok, err)
	}
	_, ok, _ = idx.Lookup(tx, 999)
	if ok {
		t.Error("expected lookup(999) to miss")
	}
}

func TestIndexPutOverwrites(t *testing.T) {
	idx, mgr := testIndex(t)
	put(t, idx, mgr, 10, rid(1))
	put(t, idx, mgr, 10, rid(2))

	tx := mgr.Begin()
	defer tx.Rollback()
	got, ok, _ := idx.Lookup(tx, 10)
	if !ok || got.Num() != 2 {
		t.Errorf("expected overwritten rid 2, got %v ok=%v", got, ok)
	}
}

func TestIndexDelete(t *testing.T) {
	idx, mgr := testIndex(t)
	put(t, idx, mgr, 10, rid(1))
	put(t, idx, mgr, 20, rid(2))
	del(t, idx, mgr, 10)

	tx := mgr.Begin()
	defer tx.Rollback()
	_, ok, _ := idx.Lookup(tx, 10)
	if ok {
		t.Error("expected 10 to be gone after delete")
	}
	_, ok, _ = idx.Lookup(tx, 20)
	if !ok {
		t.Error("expected 20 to remain")
	}
}

func TestIndexDeleteNonExistent(t *testing.T) {
	idx, mgr := testIndex(t)
	put(t, idx, mgr, 10, rid(1))

	tx := mgr.Begin()
	if err := idx.Delete(tx, 999); err != nil {
		t.Fatalf("delete non-existent should be a no-op, got: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestIndexRangeScan(t *testing.T) {
	idx, mgr := testIndex(t)
	for _, pk := range []uint64{1, 3, 5, 7} {
		put(t, idx, mgr, pk, rid(pk*10))
	}

	tx := mgr.Begin()
	defer tx.Rollback()

	lo, hi := uint64(2), uint64(6)
	keys, _, err := idx.RangeScan(tx, &lo, &hi)
	if err != nil {
		t.Fatalf("range scan: %v", err)
	}
	if len(keys) != 2 || keys[0] != 3 || keys[1] != 5 {
		t.Errorf("expected [3 5], got %v", keys)
	}

	keys, _, _ = idx.RangeScan(tx, nil, &hi)
	if len(keys) != 3 {
		t.Errorf("expected 3 keys with only a max bound, got %d", len(keys))
	}
	keys, _, _ = idx.RangeScan(tx, &lo, nil)
	if len(keys) != 3 {
		t.Errorf("expected 3 keys with only a min bound, got %d", len(keys))
	}
}

func TestIndexAll(t *testing.T) {
	idx, mgr := testIndex(t)
	put(t, idx, mgr, 5, rid(1))
	put(t, idx, mgr, 1, rid(2))
	put(t, idx, mgr, 3, rid(3))

	tx := mgr.Begin()
	defer tx.Rollback()

	keys, rids, err := idx.All(tx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(keys) != 3 || keys[0] != 1 || keys[1] != 3 || keys[2] != 5 {
		t.Errorf("expected sorted [1 3 5], got %v", keys)
	}
	if len(rids) != 3 {
		t.Errorf("expected 3 rids, got %d", len(rids))
	}
}

func TestIndexPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")

	pager, err := storage.Open(path, storage.Options{PageSize: storage.MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mgr := txn.NewManager(pager, concurrency.LockPolicyWait)

	bootstrap := mgr.Begin()
	idx, err := New(bootstrap, pager.PageSize())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := bootstrap.Commit(); err != nil {
		t.Fatalf("commit bootstrap: %v", err)
	}
	put(t, idx, mgr, 1, rid(100))
	put(t, idx, mgr, 2, rid(200))
	rootID := idx.RootPageID()
	order := idx.Order()
	pager.Close()

	pager2, err := storage.Open(path, storage.Options{PageSize: storage.MinPageSize})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer pager2.Close()

	idx2 := Open(rootID, order, pager2.PageSize())
	got, ok, _ := idx2.Lookup(pager2, 1)
	if !ok || got.Num() != 100 {
		t.Errorf("expected rid 100 after reopen, got %v ok=%v", got, ok)
	}
	got, ok, _ = idx2.Lookup(pager2, 2)
	if !ok || got.Num() != 200 {
		t.Errorf("expected rid 200 after reopen, got %v ok=%v", got, ok)
	}
}

func TestBTreeSplitManyEntries(t *testing.T) {
	idx, mgr := testIndex(t)

	const n = 500
	for i := uint64(0); i < n; i++ {
		put(t, idx, mgr, i, rid(i))
	}

	tx := mgr.Begin()
	defer tx.Rollback()
	for i := uint64(0); i < n; i++ {
		got, ok, err := idx.Lookup(tx, i)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !ok || got.Num() != i {
			t.Errorf("lookup(%d): expected %d, got %v ok=%v", i, i, got, ok)
		}
	}
}
