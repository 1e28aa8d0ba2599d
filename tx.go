package shard

import "github.com/shard-db/shard/txn"

// Tx is an explicit, caller-managed transaction. Every mutating Engine
// method also accepts a nil Tx, in which case the Engine wraps the single
// operation in its own transaction and commits it before returning.
type Tx struct {
	tx *txn.Tx
}

// BeginTx starts a new transaction. The caller is responsible for calling
// Commit or Rollback exactly once.
func (e *Engine) BeginTx() *Tx {
	return &Tx{tx: e.mgr.Begin()}
}

// ID returns the transaction's identifier, unique among the transactions
// this Engine has begun.
func (tx *Tx) ID() uint64 {
	return tx.tx.ID()
}

// Commit durably applies every write the transaction made. After a
// successful Commit the Tx must not be reused; after a failed one it is
// still open and Rollback releases its locks.
func (tx *Tx) Commit() error {
	if err := tx.tx.Commit(); err != nil {
		return wrap("shard.Commit", err)
	}
	return nil
}

// Rollback discards every write the transaction made and releases its
// locks. Once Rollback returns the Tx must not be reused.
func (tx *Tx) Rollback() error {
	if err := tx.tx.Rollback(); err != nil {
		return wrap("shard.Rollback", err)
	}
	return nil
}

// runTx runs fn inside tx if one was supplied, leaving its lifecycle to the
// caller; otherwise it begins an implicit transaction, commits it on
// success and rolls it back on failure.
func (e *Engine) runTx(tx *Tx, fn func(*txn.Tx) error) error {
	if tx != nil {
		return fn(tx.tx)
	}
	htx := e.mgr.Begin()
	if err := fn(htx); err != nil {
		htx.Rollback()
		return err
	}
	if err := htx.Commit(); err != nil {
		htx.Rollback()
		return err
	}
	return nil
}
