package edb

import (
	"sophos/pkg/sophos"
)

// Transaction is a scoped handle over an EDB snapshot. It commits on
// Commit and, if dropped without a call to Commit, leaves the lock held
// until Abort is called explicitly — callers are expected to always
// defer one of the two, mirroring LMDBWrapper::Transaction's RAII commit-
// -or-abort contract.
type Transaction struct {
	edb  *EDB
	ro   bool
	done bool
}

// ROTransaction opens a read-only transaction, giving every Get call made
// through it a consistent snapshot for as long as the transaction stays
// open (spec §4.3, §5).
func (e *EDB) ROTransaction() (*Transaction, error) {
	e.mu.RLock()
	return &Transaction{edb: e, ro: true}, nil
}

// RWTransaction opens a read-write transaction. Only one may be active at
// a time across the whole EDB (spec §5: "only one writer may be active").
func (e *EDB) RWTransaction() (*Transaction, error) {
	e.mu.Lock()
	return &Transaction{edb: e, ro: false}, nil
}

// Get looks up token within the transaction's snapshot.
func (t *Transaction) Get(token sophos.UpdateToken) (sophos.Index, bool) {
	v, ok := t.edb.get(token[:])
	if !ok {
		return 0, false
	}
	return decodeIndex(v), true
}

// Commit ends the transaction, releasing its lock. Safe to call once;
// calling it more than once is a no-op.
func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.ro {
		t.edb.mu.RUnlock()
	} else {
		t.edb.mu.Unlock()
	}
	return nil
}

// Abort ends the transaction without committing any further changes. For
// this table's direct-write design there is nothing to roll back beyond
// releasing the lock; Abort exists for interface parity with LMDB-style
// transactions. Put's map-full path does not call it: a failed probe
// writes nothing, and Put resizes and retries while still holding its
// write lock.
func (t *Transaction) Abort() error {
	return t.Commit()
}

// Put inserts (token, index), growing the map and retrying exactly once
// if the table is full, per spec §4.3 and lmdb_wrapper.cpp's put<K,V>.
func (e *EDB) Put(token sophos.UpdateToken, index sophos.Index) bool {
	tx, err := e.RWTransaction()
	if err != nil {
		e.logger.Printf("ERROR: unable to begin write transaction: %v", err)
		return false
	}
	defer tx.Commit()

	if e.loadFactor() >= maxLoadFactor {
		if err := e.resize(); err != nil {
			e.logger.Printf("ERROR: resize failed: %v", err)
			return false
		}
	}

	if err := e.put(token[:], encodeIndex(index)); err != nil {
		if err == sophos.ErrMapFull {
			e.logger.Printf("INFO: map full, resizing")
			if rerr := e.resize(); rerr != nil {
				e.logger.Printf("ERROR: resize failed: %v", rerr)
				return false
			}
			if err := e.put(token[:], encodeIndex(index)); err != nil {
				e.logger.Printf("ERROR: put failed after resize: %v", err)
				return false
			}
			return true
		}
		e.logger.Printf("ERROR: put failed: %v", err)
		return false
	}
	return true
}

// Get looks up token in its own read-only transaction.
func (e *EDB) Get(token sophos.UpdateToken) (sophos.Index, bool) {
	tx, err := e.ROTransaction()
	if err != nil {
		e.logger.Printf("ERROR: unable to begin read transaction: %v", err)
		return 0, false
	}
	defer tx.Commit()
	return tx.Get(token)
}
