// Package txn implements the transaction manager: per-transaction dirty
// page buffering, page-granular write locking, and commit hooks used to
// defer B+Tree structural updates until commit, so that they land in the
// same WAL batch as the rows they index.
package txn

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shard-db/shard/concurrency"
	"github.com/shard-db/shard/errs"
	"github.com/shard-db/shard/storage"
)

// Manager owns the shared Pager and page lock table that every
// transaction coordinates through.
type Manager struct {
	pager    *storage.Pager
	locks    *concurrency.LockManager
	nextTxID uint64
}

// NewManager creates a transaction manager over pager, using policy to
// decide how writers contend for the same page.
func NewManager(pager *storage.Pager, policy concurrency.LockPolicy) *Manager {
	return &Manager{
		pager: pager,
		locks: concurrency.NewLockManager(policy),
	}
}

// Begin starts a new transaction with its own dirty-page overlay.
func (m *Manager) Begin() *Tx {
	id := atomic.AddUint64(&m.nextTxID, 1)
	return &Tx{
		id:        id,
		mgr:       m,
		dirty:     make(map[uint32][]byte),
		heldPages: make(map[uint32]struct{}),
	}
}

// CommitHook runs at the start of Commit, before any of the transaction's
// pages reach the pager and while its page locks are still held. Pages a
// hook writes through tx join the same commit batch. Used to apply deferred
// index updates only for transactions that commit.
type CommitHook func(tx *Tx) error

// Tx is a single transaction: a dirty-page overlay on top of the pager's
// committed state, plus the set of page locks it holds.
type Tx struct {
	id  uint64
	mgr *Manager

	mu              sync.Mutex
	dirty           map[uint32][]byte
	heldPages       map[uint32]struct{}
	hooks           []CommitHook
	done            bool
	pendingSnapshot map[uint32][]byte
	pendingCaptured bool
}

// ID returns the transaction's identity, used as the lock-manager owner
// key and exposed for diagnostics.
func (tx *Tx) ID() uint64 { return tx.id }

// ReadPage returns the page as this transaction currently sees it: its
// own uncommitted write if one exists, otherwise the pager's last
// committed image. This is what gives a transaction snapshot isolation
// over its own writes without exposing them to other readers.
func (tx *Tx) ReadPage(pageID uint32) (*storage.Page, error) {
	tx.mu.Lock()
	if data, ok := tx.dirty[pageID]; ok {
		cp := append([]byte(nil), data...)
		tx.mu.Unlock()
		return &storage.Page{Data: cp}, nil
	}
	tx.mu.Unlock()
	return tx.mgr.pager.ReadPage(pageID)
}

// WritePage acquires pageID's write lock (re-entrant within this
// transaction) and stages page as the transaction's latest image for it.
func (tx *Tx) WritePage(page *storage.Page) error {
	if err := tx.checkOpen("tx.WritePage"); err != nil {
		return err
	}
	if err := tx.mgr.locks.Acquire(page.PageID(), tx.id); err != nil {
		return errs.New(errs.IoFailure, "tx.WritePage", err)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.heldPages[page.PageID()] = struct{}{}
	tx.dirty[page.PageID()] = append([]byte(nil), page.Data...)
	return nil
}

// lockMetadataForAllocation acquires page 0's write lock (re-entrant, held
// until this transaction ends) before any allocator bookkeeping call, per
// §4.5's "acquire write lock on metadata (page 0)" step, and — only on the
// first such call — snapshots the pager's allocator bookkeeping so Rollback
// can undo exactly what this transaction staged. Holding page 0's lock for
// the transaction's whole lifetime is what makes the snapshot race-free:
// no other transaction can be mid-allocation while this one holds it.
func (tx *Tx) lockMetadataForAllocation() error {
	if err := tx.mgr.locks.Acquire(0, tx.id); err != nil {
		return errs.New(errs.IoFailure, "tx.lockMetadataForAllocation", err)
	}
	tx.mu.Lock()
	tx.heldPages[0] = struct{}{}
	if !tx.pendingCaptured {
		tx.pendingCaptured = true
		tx.mu.Unlock()
		tx.pendingSnapshot = tx.mgr.pager.SnapshotPending()
		return nil
	}
	tx.mu.Unlock()
	return nil
}

// AllocatePage allocates a fresh page from the pager and immediately
// stages it as dirty under this transaction. Allocation bookkeeping (page
// count, free list, bitmap) is staged on the pager right away so several
// allocations within one in-flight transaction see each other, but it is
// undone by Rollback via the snapshot lockMetadataForAllocation captured.
func (tx *Tx) AllocatePage(kind storage.Kind) (*storage.Page, error) {
	if err := tx.checkOpen("tx.AllocatePage"); err != nil {
		return nil, err
	}
	if err := tx.lockMetadataForAllocation(); err != nil {
		return nil, err
	}
	page, err := tx.mgr.pager.AllocatePage(kind)
	if err != nil {
		return nil, err
	}
	if err := tx.refreshMetaBookkeeping(); err != nil {
		return nil, err
	}
	if err := tx.WritePage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// FreePage pushes pageID onto the pager's free list and stages the
// resulting (now-empty) page image as this transaction's write, so it only
// becomes visible to other readers once this transaction commits.
func (tx *Tx) FreePage(pageID uint32) (*storage.Page, error) {
	if err := tx.checkOpen("tx.FreePage"); err != nil {
		return nil, err
	}
	if err := tx.lockMetadataForAllocation(); err != nil {
		return nil, err
	}
	page, err := tx.mgr.pager.FreePage(pageID)
	if err != nil {
		return nil, err
	}
	if err := tx.refreshMetaBookkeeping(); err != nil {
		return nil, err
	}
	if err := tx.WritePage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// refreshMetaBookkeeping folds the pager's latest allocator bookkeeping
// (just staged by AllocatePage/FreePage) into this transaction's own
// in-flight copy of page 0, if one already exists. Without this, a
// transaction that read page 0 (e.g. to bump the row count or last-insert
// pointer) before calling AllocatePage would overwrite the pager's page-count
// bump with its own stale copy the next time it writes page 0 back, since a
// transaction's dirty page always wins over the pager's pending bookkeeping
// at Commit.
func (tx *Tx) refreshMetaBookkeeping() error {
	tx.mu.Lock()
	current, ok := tx.dirty[0]
	tx.mu.Unlock()
	if !ok {
		return nil
	}
	fresh, err := tx.mgr.pager.ReadPage(0)
	if err != nil {
		return err
	}
	local := storage.MetaPage{Page: &storage.Page{Data: append([]byte(nil), current...)}}
	local.CopyAllocatorBookkeeping(storage.MetaPage{Page: fresh})
	local.RecomputeChecksum()
	tx.mu.Lock()
	tx.dirty[0] = local.Data
	tx.mu.Unlock()
	return nil
}

// Pager returns the underlying pager, for callers (the table package) that
// need overflow-chain capacity or page-size information alongside the
// transaction's page-level read/write API.
func (tx *Tx) Pager() *storage.Pager { return tx.mgr.pager }

// OnCommit registers a hook to run at the start of Commit, before this
// transaction's pages are persisted.
func (tx *Tx) OnCommit(hook CommitHook) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.hooks = append(tx.hooks, hook)
}

// Commit runs this transaction's commit hooks (which may stage further
// writes of their own, e.g. deferred B+Tree structural changes), then
// writes every page the transaction now holds dirty to the pager, in
// ascending page-id order (so the WAL's prepare entries land in a
// deterministic, replay-friendly order), as a single batch — hooks' writes
// land in the same WAL-protected commit as the rest of the transaction,
// never a separate one — and finally releases the transaction's page
// locks. Per spec, hooks run before anything reaches the WAL: a hook that
// returns an error leaves the transaction's writes un-persisted, matching
// "transactional failures surface to the caller; the transaction is left
// in an aborted state and must be rolled back".
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return errs.New(errs.Usage, "tx.Commit", fmt.Errorf("transaction already finished"))
	}
	hooks := append([]CommitHook(nil), tx.hooks...)
	tx.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(tx); err != nil {
			return errs.New(errs.IoFailure, "tx.Commit", fmt.Errorf("commit hook: %w", err))
		}
	}

	tx.mu.Lock()
	ids := make([]uint32, 0, len(tx.dirty))
	for id := range tx.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pages := make([]storage.DirtyPage, len(ids))
	for i, id := range ids {
		pages[i] = storage.DirtyPage{PageID: id, Data: tx.dirty[id]}
	}
	tx.mu.Unlock()

	if len(pages) > 0 {
		if err := tx.mgr.pager.Commit(pages); err != nil {
			return err
		}
	}
	tx.finish()
	return nil
}

// Rollback discards every page this transaction staged and releases its
// locks. Nothing was ever written through to the pager before Commit, so
// there is nothing on disk to undo — except the pager's own allocator
// bookkeeping (page count, free-list head, bitmap bits), which AllocatePage
// and FreePage stage eagerly so a later allocation within the same
// transaction can see it; that bookkeeping is reverted here to the
// snapshot lockMetadataForAllocation captured before this transaction
// touched anything, restoring spec's "rollback leaves the file unchanged"
// invariant.
func (tx *Tx) Rollback() error {
	if err := tx.checkOpen("tx.Rollback"); err != nil {
		return err
	}
	tx.mu.Lock()
	captured := tx.pendingCaptured
	snapshot := tx.pendingSnapshot
	tx.mu.Unlock()
	if captured {
		tx.mgr.pager.RestorePending(snapshot)
	}
	tx.finish()
	return nil
}

func (tx *Tx) checkOpen(op string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errs.New(errs.Usage, op, fmt.Errorf("transaction already finished"))
	}
	return nil
}

func (tx *Tx) finish() {
	tx.mu.Lock()
	held := make([]uint32, 0, len(tx.heldPages))
	for id := range tx.heldPages {
		held = append(held, id)
	}
	tx.done = true
	tx.mu.Unlock()
	tx.mgr.locks.ReleaseAll(tx.id, held)
}
