package shard

import (
	"github.com/shard-db/shard/table"
	"github.com/shard-db/shard/txn"
)

// Insert assigns the next primary key and stores body under it, returning
// the assigned key. Pass a Tx to fold the insert into a larger transaction;
// pass nil to commit it on its own.
func (e *Engine) Insert(body []byte, tx *Tx) (uint64, error) {
	var pk uint64
	err := e.runTx(tx, func(htx *txn.Tx) error {
		var err error
		pk, err = e.assignPK(htx)
		if err != nil {
			return err
		}
		_, err = e.tbl.Insert(htx, pk, body)
		return err
	})
	if err != nil {
		return 0, wrap("shard.Insert", err)
	}
	return pk, nil
}

// InsertBatch inserts every body in order within a single transaction,
// returning the primary keys assigned to each in the same order. Either all
// of them land or none do.
func (e *Engine) InsertBatch(bodies [][]byte, tx *Tx) ([]uint64, error) {
	pks := make([]uint64, len(bodies))
	err := e.runTx(tx, func(htx *txn.Tx) error {
		for i, body := range bodies {
			pk, err := e.assignPK(htx)
			if err != nil {
				return err
			}
			if _, err := e.tbl.Insert(htx, pk, body); err != nil {
				return err
			}
			pks[i] = pk
		}
		return nil
	})
	if err != nil {
		return nil, wrap("shard.InsertBatch", err)
	}
	return pks, nil
}

// Update replaces the row stored under pk with body. It is a no-op, not an
// error, if pk does not exist.
func (e *Engine) Update(pk uint64, body []byte, tx *Tx) error {
	err := e.runTx(tx, func(htx *txn.Tx) error {
		rid, ok, err := e.idx.Lookup(htx, pk)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		_, err = e.tbl.Update(htx, rid, body)
		return err
	})
	if err != nil {
		return wrap("shard.Update", err)
	}
	return nil
}

// Delete removes the row stored under pk. It is a no-op, not an error, if
// pk does not exist.
func (e *Engine) Delete(pk uint64, tx *Tx) error {
	err := e.runTx(tx, func(htx *txn.Tx) error {
		rid, ok, err := e.idx.Lookup(htx, pk)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return e.tbl.Delete(htx, rid)
	})
	if err != nil {
		return wrap("shard.Delete", err)
	}
	return nil
}

// Select returns the row stored under pk, or a nil slice if pk does not
// exist. Pass a Tx to see that transaction's own uncommitted writes.
func (e *Engine) Select(pk uint64, tx *Tx) ([]byte, error) {
	var body []byte
	var err error
	if tx != nil {
		_, body, _, err = e.tbl.SelectByPK(tx.tx, pk)
	} else {
		_, body, _, err = e.tbl.SelectByPK(e.pager, pk)
	}
	if err != nil {
		return nil, wrap("shard.Select", err)
	}
	return body, nil
}

// SelectMany looks up each key in pks independently, returning results in
// the same order. A missing key yields a nil entry rather than failing the
// whole call.
func (e *Engine) SelectMany(pks []uint64, tx *Tx) ([][]byte, error) {
	out := make([][]byte, len(pks))
	for i, pk := range pks {
		body, err := e.Select(pk, tx)
		if err != nil {
			return nil, err
		}
		out[i] = body
	}
	return out, nil
}

// SelectRange returns every row whose primary key falls within [minPK,
// maxPK] (either bound nil for unbounded) in key order, using the index's
// range scan instead of a point lookup per key.
func (e *Engine) SelectRange(minPK, maxPK *uint64, tx *Tx) ([]table.Row, error) {
	var rows []table.Row
	var err error
	if tx != nil {
		rows, err = e.tbl.SelectMany(tx.tx, minPK, maxPK)
	} else {
		rows, err = e.tbl.SelectMany(e.pager, minPK, maxPK)
	}
	if err != nil {
		return nil, wrap("shard.SelectRange", err)
	}
	return rows, nil
}
