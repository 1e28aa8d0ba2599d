package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shard-db/shard/errs"
)

// MaxFileSize is the safety cap on how large the data file is allowed to
// grow. Crossing it fails the allocation instead of silently growing an
// unbounded file.
const MaxFileSize = 512 * 1024 * 1024

// DefaultCachePages is the LRU cache capacity used when the caller doesn't
// request one explicitly.
const DefaultCachePages = 1024

// Pager owns the single data file (or in-memory equivalent): the typed
// page codec, the LRU cache of clean committed pages, the WAL, the OS-level
// file lock, and the bitmap/free-list bookkeeping used to allocate and
// reclaim pages. It has no notion of transactions — callers (the txn
// package) decide what "committed" means and call Commit with the final
// set of dirty pages.
type Pager struct {
	mu       sync.RWMutex
	file     StorageFile
	path     string
	lock     *fileLock
	wal      *WAL
	readOnly bool
	inMemory bool

	pageSize    int
	maxFileSize int64
	cache       *lruCache

	// pending holds allocator bookkeeping pages (the metadata page and any
	// bitmap pages) touched by AllocatePage/FreePage calls that haven't
	// reached a Commit yet. They are folded into the next Commit's batch so
	// that page-count, free-list, and bitmap-bit changes are WAL-protected
	// exactly like the caller's own pages, instead of being written straight
	// to the file out of band. readPageLocked consults this first so that
	// several allocations within the same in-flight transaction observe each
	// other's bookkeeping before any of them commit.
	pending map[uint32][]byte

	// lastRecovery is the report produced by the WAL replay that ran during
	// Open, if any. The engine core stays silent (SPEC_FULL.md §8); callers
	// that want to log it (cmd/shardctl) pull it from here instead.
	lastRecovery RecoveryReport
}

// Options configures how a Pager opens or creates its data file.
type Options struct {
	PageSize            int
	CacheCapacity       int
	CheckpointThreshold int
	ReadOnly            bool

	// MaxFileSize caps how large the data file may grow. Zero or anything
	// above the package's MaxFileSize ceiling falls back to that ceiling;
	// callers may only tighten it, never loosen it (spec's open question 2).
	MaxFileSize int64
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.CacheCapacity == 0 {
		o.CacheCapacity = DefaultCachePages
	}
	if o.CheckpointThreshold == 0 {
		o.CheckpointThreshold = DefaultWALCheckpointThreshold
	}
	if o.MaxFileSize <= 0 || o.MaxFileSize > MaxFileSize {
		o.MaxFileSize = MaxFileSize
	}
	return o
}

// Open opens or creates the data file at path, performing WAL recovery if
// needed.
func Open(path string, opts Options) (*Pager, error) {
	opts = opts.withDefaults()

	lock, err := lockFile(path)
	if err != nil {
		return nil, errs.New(errs.IoFailure, "pager.Open", err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, errs.New(errs.IoFailure, "pager.Open", err)
	}

	p := &Pager{
		file:        file,
		path:        path,
		lock:        lock,
		readOnly:    opts.ReadOnly,
		pageSize:    opts.PageSize,
		maxFileSize: opts.MaxFileSize,
		cache:       newLRUCache(opts.CacheCapacity),
	}

	if err := p.init(opts); err != nil {
		file.Close()
		lock.unlock()
		return nil, err
	}
	return p, nil
}

// OpenMemory creates a Pager entirely in memory: no file, no WAL, no lock.
// Used for the engine's in-memory mode (see SPEC_FULL.md §12).
func OpenMemory(opts Options) (*Pager, error) {
	opts = opts.withDefaults()
	p := &Pager{
		file:        NewMemFile(),
		path:        ":memory:",
		inMemory:    true,
		pageSize:    opts.PageSize,
		maxFileSize: opts.MaxFileSize,
		cache:       newLRUCache(opts.CacheCapacity),
	}
	if err := p.init(opts); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) init(opts Options) error {
	info, err := p.file.Stat()
	if err != nil {
		return errs.New(errs.IoFailure, "pager.init", err)
	}

	if info.Size() == 0 {
		if p.readOnly {
			return errs.New(errs.Usage, "pager.init", fmt.Errorf("cannot create database in read-only mode"))
		}
		page := NewPage(p.pageSize, KindMetadata, 0)
		meta := MetaPage{page}
		meta.InitMeta(p.pageSize)
		id, err := uuid.NewRandom()
		if err == nil {
			var raw [16]byte
			copy(raw[:], id[:])
			meta.SetInstanceID(raw)
			meta.RecomputeChecksum()
		}
		if _, err := p.file.WriteAt(page.Data, 0); err != nil {
			return errs.New(errs.IoFailure, "pager.init", err)
		}
		p.cache.put(0, page.Data)
	} else {
		header := make([]byte, HeaderSize+16)
		if _, err := p.file.ReadAt(header, 0); err != nil {
			return errs.New(errs.IoFailure, "pager.init", err)
		}
		declaredSize := readLEU32(header[HeaderSize+12:])
		if declaredSize >= MinPageSize {
			p.pageSize = int(declaredSize)
		}
		page := &Page{Data: make([]byte, p.pageSize)}
		if _, err := p.file.ReadAt(page.Data, 0); err != nil {
			return errs.New(errs.IoFailure, "pager.init", err)
		}
		meta := MetaPage{page}
		if err := meta.VerifyMagic(); err != nil {
			return errs.New(errs.InvalidFormat, "pager.init", err)
		}
		if !meta.Verify() {
			return errs.New(errs.Corruption, "pager.init", fmt.Errorf("metadata page checksum mismatch"))
		}
		p.cache.put(0, page.Data)
	}

	if !p.readOnly && !p.inMemory {
		wal, err := OpenWAL(p.path, p.pageSize, opts.CheckpointThreshold)
		if err != nil {
			return errs.New(errs.IoFailure, "pager.init", err)
		}
		p.wal = wal
		if err := p.recover(); err != nil {
			wal.Close()
			return err
		}
	}
	return nil
}

func readLEU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// recover replays any WAL entries from committed transactions that were
// never checkpointed before the previous process exited. A recovered page
// 0 already carries the correct final page count, free-list head, and
// bitmap chain, so no separate bookkeeping pass is needed: writing every
// committed page straight to its own offset is enough, and WriteAt growing
// the file past its current size is exactly the file-growth AllocatePage
// would otherwise have performed.
func (p *Pager) recover() error {
	committed, report, err := p.wal.Recover()
	if err != nil {
		return errs.New(errs.IoFailure, "pager.recover", err)
	}
	p.lastRecovery = report
	if len(committed) == 0 {
		return nil
	}
	for pageID, data := range committed {
		if _, err := p.file.WriteAt(data, int64(pageID)*int64(p.pageSize)); err != nil {
			return errs.New(errs.IoFailure, "pager.recover", err)
		}
	}
	if err := p.file.Sync(); err != nil {
		return errs.New(errs.IoFailure, "pager.recover", err)
	}
	p.cache.clear()
	return p.wal.Truncate()
}

// Close flushes any pending allocator bookkeeping, checkpoints the WAL, and
// releases the file lock.
func (p *Pager) Close() error {
	if !p.readOnly {
		if err := p.Commit(nil); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readOnly {
		if err := p.file.Sync(); err != nil {
			return errs.New(errs.IoFailure, "pager.Close", err)
		}
	}
	if p.wal != nil {
		p.wal.Truncate()
		p.wal.Close()
	}
	fileErr := p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
	return fileErr
}

// PageSize returns the page size this data file was created with.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// IsReadOnly reports whether the pager rejects writes.
func (p *Pager) IsReadOnly() bool {
	return p.readOnly
}

// LastRecovery returns the report produced by the WAL replay that ran when
// this Pager was opened (zero value if there was no WAL to replay, or no
// WAL at all).
func (p *Pager) LastRecovery() RecoveryReport {
	return p.lastRecovery
}

// Meta returns a snapshot copy of the metadata page's current state,
// including any allocator bookkeeping staged but not yet committed.
func (p *Pager) Meta() (MetaPage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	page, err := p.readPageLocked(0)
	if err != nil {
		return MetaPage{}, err
	}
	return MetaPage{page}, nil
}

// ReadPage loads a page by id: allocator bookkeeping staged but not yet
// committed comes first, then the LRU cache of clean committed images, then
// the data file on a miss.
func (p *Pager) ReadPage(pageID uint32) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageLocked(pageID)
}

// readPageLocked returns pageID's current image: its own in-flight
// allocator bookkeeping if staged, else the LRU cache, else the data file.
// A page id at or past the file's current logical size (one the allocator
// has reserved via a page-count bump but never actually written to disk
// yet, e.g. between AllocatePage and the owning transaction's Commit) is
// not an error: it reads back as a freshly zeroed page, per spec §4.2.
func (p *Pager) readPageLocked(pageID uint32) (*Page, error) {
	if data, ok := p.pending[pageID]; ok {
		return &Page{Data: append([]byte(nil), data...)}, nil
	}
	if data, ok := p.cache.get(pageID); ok {
		return &Page{Data: data}, nil
	}
	offset := int64(pageID) * int64(p.pageSize)
	if offset+int64(p.pageSize) > p.maxFileSize {
		return nil, errs.New(errs.SafetyLimit, "pager.ReadPage", fmt.Errorf("page %d offset exceeds %d byte safety cap", pageID, p.maxFileSize))
	}
	info, err := p.file.Stat()
	if err != nil {
		return nil, errs.New(errs.IoFailure, "pager.ReadPage", err)
	}
	if offset >= info.Size() {
		return &Page{Data: make([]byte, p.pageSize)}, nil
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, offset); err != nil {
		return nil, errs.New(errs.IoFailure, "pager.ReadPage", fmt.Errorf("page %d: %w", pageID, err))
	}
	p.cache.put(pageID, buf)
	return &Page{Data: buf}, nil
}

// stagePending records an allocator bookkeeping page's new image in memory,
// with its body checksum recomputed, to be folded into the next Commit call.
func (p *Pager) stagePending(pageID uint32, data []byte) {
	if p.pending == nil {
		p.pending = make(map[uint32][]byte)
	}
	staged := &Page{Data: append([]byte(nil), data...)}
	staged.RecomputeChecksum()
	p.pending[pageID] = staged.Data
}

// SnapshotPending copies the current allocator bookkeeping state (page
// count, free-list head, bitmap bits — whatever AllocatePage/FreePage have
// staged but not yet committed). A transaction that is about to allocate
// or free a page for the first time calls this before doing so, so that a
// later Rollback can undo exactly the bookkeeping it performed, matching
// §4.4's "acquire_write_lock(page_id)" discipline for page 0: holding
// page 0's write lock for the transaction's whole lifetime is what makes
// this snapshot race-free — no other transaction can also be mid-allocation
// while this one holds that lock.
func (p *Pager) SnapshotPending() map[uint32][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make(map[uint32][]byte, len(p.pending))
	for id, data := range p.pending {
		snap[id] = append([]byte(nil), data...)
	}
	return snap
}

// RestorePending resets the allocator bookkeeping state to a previously
// captured snapshot, undoing every page-count bump, free-list push/pop and
// bitmap bit flip a rolled-back transaction staged.
func (p *Pager) RestorePending(snapshot map[uint32][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(snapshot) == 0 {
		p.pending = nil
		return
	}
	restored := make(map[uint32][]byte, len(snapshot))
	for id, data := range snapshot {
		restored[id] = append([]byte(nil), data...)
	}
	p.pending = restored
}

// Commit durably applies a batch of dirty pages, merged with any pending
// allocator bookkeeping pages: WAL prepare+finalize, then an eager
// (non-fsynced) write-through to the data file and cache so subsequent
// reads observe the commit immediately. Once the configured page threshold
// is reached, Commit itself checkpoints before returning: it fsyncs the file
// and truncates the WAL.
func (p *Pager) Commit(pages []DirtyPage) error {
	if p.readOnly {
		return errs.New(errs.Usage, "pager.Commit", fmt.Errorf("database is read-only"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	combined := make(map[uint32][]byte, len(p.pending)+len(pages))
	for id, data := range p.pending {
		combined[id] = data
	}
	for _, dp := range pages {
		combined[dp.PageID] = dp.Data
	}
	if len(combined) == 0 {
		return nil
	}
	ids := make([]uint32, 0, len(combined))
	for id := range combined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	batch := make([]DirtyPage, len(ids))
	for i, id := range ids {
		batch[i] = DirtyPage{PageID: id, Data: combined[id]}
	}

	if p.inMemory {
		for _, dp := range batch {
			if err := p.applyPageLocked(dp); err != nil {
				return err
			}
		}
		p.pending = nil
		return nil
	}

	if err := p.wal.AppendBatch(batch); err != nil {
		return errs.New(errs.IoFailure, "pager.Commit", err)
	}
	for _, dp := range batch {
		if err := p.applyPageLocked(dp); err != nil {
			return err
		}
	}
	p.pending = nil
	if p.wal.ShouldCheckpoint() {
		if err := p.checkpointLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pager) applyPageLocked(dp DirtyPage) error {
	if _, err := p.file.WriteAt(dp.Data, int64(dp.PageID)*int64(p.pageSize)); err != nil {
		return errs.New(errs.IoFailure, "pager.applyPage", fmt.Errorf("page %d: %w", dp.PageID, err))
	}
	p.cache.put(dp.PageID, dp.Data)
	return nil
}

// Checkpoint forces an fsync of the data file and truncates the WAL.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkpointLocked()
}

func (p *Pager) checkpointLocked() error {
	if p.wal == nil {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return errs.New(errs.IoFailure, "pager.Checkpoint", err)
	}
	if err := p.wal.Truncate(); err != nil {
		return errs.New(errs.IoFailure, "pager.Checkpoint", err)
	}
	return nil
}

// ---------- Allocation: bitmap chain + free list ----------

// AllocatePage returns a fresh page id of the given kind, reusing a page
// from the free list when one is available, otherwise growing the file by
// one page. The returned page is already initialized and counted as used
// in the bitmap. The caller is responsible for including it in its own
// Commit batch (the txn package does this via Tx.WritePage); the meta and
// bitmap bookkeeping this touches is staged separately and reaches disk on
// the next Commit call regardless.
func (p *Pager) AllocatePage(kind Kind) (*Page, error) {
	if p.readOnly {
		return nil, errs.New(errs.Usage, "pager.AllocatePage", fmt.Errorf("database is read-only"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	meta, err := p.metaLocked()
	if err != nil {
		return nil, err
	}

	if head := meta.FreeListHead(); head != NoPage {
		id := uint32(head)
		page, err := p.readPageLocked(id)
		if err != nil {
			return nil, err
		}
		meta.SetFreeListHead(page.NextPageID())
		p.stagePending(0, meta.Data)
		page.Init(kind, id, NoPage, page.BodyLen())
		if err := p.markUsedLocked(id); err != nil {
			return nil, err
		}
		return page, nil
	}

	id, err := p.growFileLocked()
	if err != nil {
		return nil, err
	}
	page := NewPage(p.pageSize, kind, id)
	if err := p.markUsedLocked(id); err != nil {
		return nil, err
	}
	return page, nil
}

// FreePage pushes pageID onto the free list and clears its bitmap bit. The
// caller is responsible for committing the resulting page image (an empty
// page pointing at the previous free-list head) via Commit.
func (p *Pager) FreePage(pageID uint32) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	meta, err := p.metaLocked()
	if err != nil {
		return nil, err
	}
	head := meta.FreeListHead()
	page := NewPage(p.pageSize, KindEmpty, pageID)
	page.SetNextPageID(head)
	meta.SetFreeListHead(int64(pageID))
	p.stagePending(0, meta.Data)
	if err := p.markFreeLocked(pageID); err != nil {
		return nil, err
	}
	return page, nil
}

func (p *Pager) metaLocked() (MetaPage, error) {
	page, err := p.readPageLocked(0)
	if err != nil {
		return MetaPage{}, err
	}
	return MetaPage{page}, nil
}

// growFileLocked bumps the page count and returns the new page's id. The
// actual file growth happens implicitly the first time that id is written
// through Commit (WriteAt past the current end zero-fills on both the OS
// file and MemFile backends).
func (p *Pager) growFileLocked() (uint32, error) {
	meta, err := p.metaLocked()
	if err != nil {
		return 0, err
	}
	id := meta.PageCount()
	if int64(id+1)*int64(p.pageSize) > p.maxFileSize {
		return 0, errs.New(errs.SafetyLimit, "pager.growFile", fmt.Errorf("data file would exceed %d bytes", p.maxFileSize))
	}
	meta.SetPageCount(id + 1)
	p.stagePending(0, meta.Data)
	return id, nil
}

func (p *Pager) markUsedLocked(pageID uint32) error { return p.setBitLocked(pageID, true) }
func (p *Pager) markFreeLocked(pageID uint32) error { return p.setBitLocked(pageID, false) }

func (p *Pager) setBitLocked(pageID uint32, used bool) error {
	capacity := BitmapCapacity(p.pageSize)
	chainIndex := int(pageID) / capacity
	residual := int(pageID) % capacity

	bmID, err := p.ensureBitmapPageLocked(chainIndex)
	if err != nil {
		return err
	}
	page, err := p.readPageLocked(bmID)
	if err != nil {
		return err
	}
	page.SetBit(residual, used)
	p.stagePending(bmID, page.Data)
	return nil
}

// ensureBitmapPageLocked walks the bitmap page chain out to chainIndex,
// allocating and linking new bitmap pages as needed, and returns the id of
// the bitmap page at that position.
func (p *Pager) ensureBitmapPageLocked(chainIndex int) (uint32, error) {
	meta, err := p.metaLocked()
	if err != nil {
		return 0, err
	}
	head := meta.BitmapPageID()
	if head == NoPage {
		id, err := p.growFileLocked()
		if err != nil {
			return 0, err
		}
		page := NewPage(p.pageSize, KindBitmap, id)
		p.stagePending(id, page.Data)
		meta.SetBitmapPageID(int64(id))
		p.stagePending(0, meta.Data)
		head = int64(id)
	}

	curID := uint32(head)
	for i := 0; i < chainIndex; i++ {
		page, err := p.readPageLocked(curID)
		if err != nil {
			return 0, err
		}
		next := page.NextPageID()
		if next == NoPage {
			id, err := p.growFileLocked()
			if err != nil {
				return 0, err
			}
			newPage := NewPage(p.pageSize, KindBitmap, id)
			p.stagePending(id, newPage.Data)
			page.SetNextPageID(int64(id))
			p.stagePending(curID, page.Data)
			next = int64(id)
		}
		curID = uint32(next)
	}
	return curID, nil
}

// OverflowCapacity returns how many payload bytes a single overflow page
// can hold: its entire body, since overflow pages carry no fields besides
// the shared header's NextPageID chain pointer.
func (p *Pager) OverflowCapacity() int {
	return p.pageSize - HeaderSize
}

// ---------- Cache introspection ----------

// ClearCache empties the LRU cache.
func (p *Pager) ClearCache() {
	p.cache.clear()
}

// CacheStats returns the current LRU cache hit/miss counters and occupancy.
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.cache.stats()
}

// CacheHitRate returns the cache's hit ratio in [0, 1].
func (p *Pager) CacheHitRate() float64 {
	return p.cache.hitRate()
}
