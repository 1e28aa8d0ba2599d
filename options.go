// Package shard is the façade-facing engine API: open, begin_tx, insert,
// insert_batch, update, delete, select, select_many, metadata, commit,
// rollback and close are implemented here as direct exported methods over
// the txn/table/index/storage packages beneath it. There is no intermediate
// query language — callers speak bytes keyed by a monotonically assigned
// primary key.
package shard

import (
	"fmt"

	"github.com/shard-db/shard/errs"
	"github.com/shard-db/shard/storage"
)

// Options configures how an Engine opens or creates its data file. The zero
// value is valid: every field falls back to the underlying storage package's
// defaults.
type Options struct {
	PageSize            int
	PageCacheCapacity   int
	CheckpointThreshold int
	MaxFileSize         int64
}

func validateOptions(opts Options) error {
	if opts.PageSize != 0 {
		if opts.PageSize < storage.MinPageSize {
			return errs.New(errs.Usage, "shard.Open", fmt.Errorf("page size %d is smaller than the minimum %d", opts.PageSize, storage.MinPageSize))
		}
		if opts.PageSize&(opts.PageSize-1) != 0 {
			return errs.New(errs.Usage, "shard.Open", fmt.Errorf("page size %d must be a power of two", opts.PageSize))
		}
	}
	if opts.PageCacheCapacity != 0 && opts.PageCacheCapacity < 100 {
		return errs.New(errs.Usage, "shard.Open", fmt.Errorf("page cache capacity %d is below the minimum of 100", opts.PageCacheCapacity))
	}
	return nil
}

func (o Options) storageOptions(readOnly bool) storage.Options {
	return storage.Options{
		PageSize:            o.PageSize,
		CacheCapacity:       o.PageCacheCapacity,
		CheckpointThreshold: o.CheckpointThreshold,
		MaxFileSize:         o.MaxFileSize,
		ReadOnly:            readOnly,
	}
}

// Metadata is the engine-wide snapshot returned by Engine.Metadata.
type Metadata struct {
	PageSize  int
	PageCount uint32
	RowCount  uint64
}
