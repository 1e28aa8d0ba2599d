package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// walCommitMarker is the sentinel page id that terminates a committed
// transaction's batch of entries. Its body payload is zero and ignored.
const walCommitMarker uint32 = 0xFFFFFFFF

// maxSanePageID bounds how large a page id recovered from the WAL may be
// before it is treated as corrupt (§4.3 recovery step 3).
const maxSanePageID = 1_000_000

// DefaultWALCheckpointThreshold is how many pages written to the WAL since
// the last clear trigger an automatic checkpoint.
const DefaultWALCheckpointThreshold = 1000

// WAL is the append-only, fixed-entry-size write-ahead log that makes
// commits crash-atomic and durable. Entry size is constant: 4 bytes of
// little-endian page id followed by one full page body.
type WAL struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	pageSize  int
	entrySize int64

	pagesSinceCheckpoint int
	threshold            int
}

// OpenWAL opens or creates the WAL file alongside the data file at dbPath
// (dbPath + ".wal").
func OpenWAL(dbPath string, pageSize, checkpointThreshold int) (*WAL, error) {
	walPath := dbPath + ".wal"
	f, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: cannot open file: %w", err)
	}
	if checkpointThreshold <= 0 {
		checkpointThreshold = DefaultWALCheckpointThreshold
	}
	return &WAL{
		file:      f,
		path:      walPath,
		pageSize:  pageSize,
		entrySize: int64(4 + pageSize),
		threshold: checkpointThreshold,
	}, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// AppendBatch performs the full prepare+finalize protocol for one
// committing transaction: one entry per dirty page in ascending page-id
// order, a single fsync, then a commit-marker entry, then a second fsync.
// The whole batch is written under the WAL's own lock so that two
// concurrent commits' entries can never interleave, preserving the
// "prepare entries are contiguous and precede their marker" guarantee.
func (w *WAL) AppendBatch(pages []DirtyPage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("wal: stat: %w", err)
	}
	offset := info.Size()

	buf := make([]byte, w.entrySize)
	for _, dp := range pages {
		binary.LittleEndian.PutUint32(buf[0:4], dp.PageID)
		copy(buf[4:], dp.Data)
		if _, err := w.file.WriteAt(buf, offset); err != nil {
			return fmt.Errorf("wal: append page %d: %w", dp.PageID, err)
		}
		offset += w.entrySize
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync prepare: %w", err)
	}

	// Finalize: commit marker.
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], walCommitMarker)
	if _, err := w.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("wal: append commit marker: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync commit: %w", err)
	}

	w.pagesSinceCheckpoint += len(pages)
	return nil
}

// ShouldCheckpoint reports whether the pages-written-since-clear counter
// has reached the configured threshold.
func (w *WAL) ShouldCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pagesSinceCheckpoint >= w.threshold
}

// Truncate clears the WAL to zero length, resetting the checkpoint
// counter. Called after committed pages are durably applied to the main
// data file.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync after truncate: %w", err)
	}
	w.pagesSinceCheckpoint = 0
	return nil
}

// DirtyPage pairs a page id with the page image to persist for it.
type DirtyPage struct {
	PageID uint32
	Data   []byte
}

// SkippedEntry records a WAL page recovered but rejected (sanity bound,
// unknown page kind or CRC mismatch), surfaced to the caller instead of being logged internally
// so the engine core stays silent and embeddable (see SPEC_FULL.md §8).
type SkippedEntry struct {
	PageID uint32
	Reason string
}

// RecoveryReport summarizes what a WAL replay did.
type RecoveryReport struct {
	ReplayedPages int
	Skipped       []SkippedEntry
}

// Recover scans the WAL sequentially, reconstructs the set of pages
// belonging to terminated (marker-closed) transactions, and returns them
// keyed by page id along with anything it had to skip. It does not
// itself write to the data file; the caller (Pager) applies the pages and
// then truncates the WAL.
func (w *WAL) Recover() (map[uint32][]byte, RecoveryReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("wal: stat: %w", err)
	}
	size := info.Size()
	wholeEntries := size / w.entrySize // torn trailing bytes are dropped

	committed := make(map[uint32][]byte)
	pending := make(map[uint32][]byte)
	var report RecoveryReport

	buf := make([]byte, w.entrySize)
	for i := int64(0); i < wholeEntries; i++ {
		if _, err := w.file.ReadAt(buf, i*w.entrySize); err != nil && err != io.EOF {
			return nil, report, fmt.Errorf("wal: read entry %d: %w", i, err)
		}
		pageID := binary.LittleEndian.Uint32(buf[0:4])
		if pageID == walCommitMarker {
			for id, data := range pending {
				cp := make([]byte, len(data))
				copy(cp, data)
				committed[id] = cp
			}
			pending = make(map[uint32][]byte)
			continue
		}
		body := make([]byte, w.pageSize)
		copy(body, buf[4:])
		pending[pageID] = body
	}
	// Unterminated trailing pending entries at EOF are discarded (no
	// marker ever promoted them).

	for pageID, data := range committed {
		if pageID > maxSanePageID {
			report.Skipped = append(report.Skipped, SkippedEntry{PageID: pageID, Reason: "page id exceeds sanity bound"})
			delete(committed, pageID)
			continue
		}
		page := &Page{Data: data}
		if !page.Kind().Valid() {
			report.Skipped = append(report.Skipped, SkippedEntry{PageID: pageID, Reason: "unknown page kind"})
			delete(committed, pageID)
			continue
		}
		if !page.Verify() {
			report.Skipped = append(report.Skipped, SkippedEntry{PageID: pageID, Reason: "CRC mismatch"})
			delete(committed, pageID)
			continue
		}
	}
	report.ReplayedPages = len(committed)
	return committed, report, nil
}
