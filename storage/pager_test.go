package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func TestPagerCreateClose(t *testing.T) {
	p, err := Open(tempPath(t), Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPagerReopenPreservesMetadata(t *testing.T) {
	path := tempPath(t)

	p, err := Open(path, Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	meta, err := p.Meta()
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	id := meta.InstanceID()
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	if p2.PageSize() != MinPageSize {
		t.Errorf("expected reopened page size %d, got %d", MinPageSize, p2.PageSize())
	}
	meta2, err := p2.Meta()
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta2.InstanceID() != id {
		t.Error("expected reopened file to keep its instance id")
	}
}

func TestPagerAllocateAndReadPage(t *testing.T) {
	p, err := Open(tempPath(t), Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	page, err := p.AllocatePage(KindData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if page.Kind() != KindData {
		t.Errorf("expected KindData, got %v", page.Kind())
	}
	copy(page.Body(), "hello")
	page.RecomputeChecksum()

	if err := p.Commit([]DirtyPage{{PageID: page.PageID(), Data: append([]byte(nil), page.Data...)}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := p.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Body()[:5]) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got.Body()[:5])
	}
}

func TestPagerReadPastFileSizeReturnsZeroedPage(t *testing.T) {
	p, err := Open(tempPath(t), Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	page, err := p.ReadPage(50)
	if err != nil {
		t.Fatalf("read past file size should not error: %v", err)
	}
	for i, b := range page.Data {
		if b != 0 {
			t.Fatalf("expected a zeroed page, found nonzero byte at %d", i)
			break
		}
	}
}

func TestPagerFreeListReusesPages(t *testing.T) {
	p, err := Open(tempPath(t), Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	a, err := p.AllocatePage(KindData)
	if err != nil {
		t.Fatalf("allocate a: %v", err)
	}
	if err := p.Commit([]DirtyPage{{PageID: a.PageID(), Data: a.Data}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	freed, err := p.FreePage(a.PageID())
	if err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := p.Commit([]DirtyPage{{PageID: freed.PageID(), Data: freed.Data}}); err != nil {
		t.Fatalf("commit free: %v", err)
	}

	b, err := p.AllocatePage(KindData)
	if err != nil {
		t.Fatalf("allocate b: %v", err)
	}
	if b.PageID() != a.PageID() {
		t.Errorf("expected the freed page id %d to be reused, got %d", a.PageID(), b.PageID())
	}
}

func TestPagerReadOnlyRejectsWrites(t *testing.T) {
	path := tempPath(t)
	p, err := Open(path, Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()

	if !ro.IsReadOnly() {
		t.Fatal("expected read-only pager to report IsReadOnly")
	}
	if _, err := ro.AllocatePage(KindData); err == nil {
		t.Error("expected allocate to fail on a read-only pager")
	}
	if err := ro.Commit(nil); err == nil {
		t.Error("expected commit to fail on a read-only pager")
	}
}

func TestPagerCannotCreateInReadOnlyMode(t *testing.T) {
	path := tempPath(t)
	if _, err := Open(path, Options{ReadOnly: true}); err == nil {
		t.Error("expected opening a nonexistent file read-only to fail")
	}
}

func TestPagerOpenMemory(t *testing.T) {
	p, err := OpenMemory(Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer p.Close()

	page, err := p.AllocatePage(KindData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(page.Body(), "memdata")
	page.RecomputeChecksum()
	if err := p.Commit([]DirtyPage{{PageID: page.PageID(), Data: page.Data}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := p.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Body()[:7]) != "memdata" {
		t.Errorf("expected %q, got %q", "memdata", got.Body()[:7])
	}
}

func TestPagerCommitSurvivesReopen(t *testing.T) {
	path := tempPath(t)

	p, err := Open(path, Options{PageSize: MinPageSize, CheckpointThreshold: 1_000_000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	page, err := p.AllocatePage(KindData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(page.Body(), "durable")
	page.RecomputeChecksum()
	if err := p.Commit([]DirtyPage{{PageID: page.PageID(), Data: append([]byte(nil), page.Data...)}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	pageID := page.PageID()

	// The high threshold keeps Commit from checkpointing. Close truncates the
	// WAL, so the next Open has nothing to replay and reads the page that
	// Commit's write-through already put in the data file.
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	got, err := p2.ReadPage(pageID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got.Body()[:7]) != "durable" {
		t.Errorf("expected %q, got %q", "durable", got.Body()[:7])
	}
}

func TestPagerCacheStats(t *testing.T) {
	p, err := Open(tempPath(t), Options{PageSize: MinPageSize, CacheCapacity: 8})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	page, err := p.AllocatePage(KindData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := p.Commit([]DirtyPage{{PageID: page.PageID(), Data: page.Data}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p.ClearCache()

	if _, err := p.ReadPage(page.PageID()); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := p.ReadPage(page.PageID()); err != nil {
		t.Fatalf("read: %v", err)
	}

	hits, misses, size, capacity := p.CacheStats()
	if hits == 0 {
		t.Error("expected at least one cache hit after two reads of the same page")
	}
	if misses == 0 {
		t.Error("expected at least one cache miss on first read after ClearCache")
	}
	if size == 0 {
		t.Error("expected nonzero cache occupancy")
	}
	if capacity != 8 {
		t.Errorf("expected capacity 8, got %d", capacity)
	}
	if rate := p.CacheHitRate(); rate <= 0 || rate > 1 {
		t.Errorf("expected hit rate in (0,1], got %f", rate)
	}
}

func TestPagerConcurrentAllocate(t *testing.T) {
	p, err := Open(tempPath(t), Options{PageSize: MinPageSize})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	const n = 50
	ids := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := p.AllocatePage(KindData)
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			if err := p.Commit([]DirtyPage{{PageID: page.PageID(), Data: page.Data}}); err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			ids <- page.PageID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("page id %d allocated twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct page ids, got %d", n, len(seen))
	}
}
