package store

import (
	"github.com/tidwall/buntdb"

	"github.com/ocapkernel/kernel/kernel/kerr"
)

// undoOp records the state of one key immediately before a mutation, so a
// named savepoint rollback can restore it without buntdb itself supporting
// nested savepoints within one transaction.
type undoOp struct {
	key     string
	existed bool
	old     string
}

// savepointFrame is one named entry on a Tx's savepoint stack. ordinal is
// the KV savepoint name "t<ordinal>" where ordinal is the
// stack depth at creation time.
type savepointFrame struct {
	name    string
	ordinal int
	undo    []undoOp
}

// Tx is one KernelStore transaction: a single buntdb read-write
// transaction plus the savepoint stack layered on top of it. Exactly one Tx
// is bound to an active crank.
type Tx struct {
	store      *Store
	btx        *buntdb.Tx
	savepoints []*savepointFrame
}

// Get reads a key. The boolean is false when the key is absent (buntdb
// returns ErrNotFound, which is not itself an error condition here).
func (tx *Tx) Get(key string) (string, bool) {
	v, err := tx.btx.Get(key)
	if err != nil {
		return "", false
	}
	return v, true
}

// Set writes key=value, recording an undo entry in the current savepoint
// frame (if any) so a later Rollback can restore the prior value.
func (tx *Tx) Set(key, value string) error {
	tx.recordUndo(key)
	_, _, err := tx.btx.Set(key, value, nil)
	return err
}

// Delete removes key, recording an undo entry. Deleting an absent key is a
// no-op, matching typical idempotent store semantics.
func (tx *Tx) Delete(key string) error {
	tx.recordUndo(key)
	_, err := tx.btx.Delete(key)
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

// Has reports whether a key is present.
func (tx *Tx) Has(key string) bool {
	_, ok := tx.Get(key)
	return ok
}

// AscendKeys walks all keys with the given prefix in lexicographic order,
// invoking fn(key, value) until fn returns false or keys are exhausted.
func (tx *Tx) AscendKeys(prefix string, fn func(key, value string) bool) {
	_ = tx.btx.AscendGreaterOrEqual("", prefix, func(key, value string) bool {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			return false
		}
		return fn(key, value)
	})
}

func (tx *Tx) recordUndo(key string) {
	if len(tx.savepoints) == 0 {
		return
	}
	old, existed := tx.Get(key)
	top := tx.savepoints[len(tx.savepoints)-1]
	top.undo = append(top.undo, undoOp{key: key, existed: existed, old: old})
}

// CreateSavepoint pushes a new named savepoint. Ordinals are reused after
// a rollback truncates the
// stack, since the ordinal is simply the stack depth at creation.
func (tx *Tx) CreateSavepoint(name string) {
	tx.savepoints = append(tx.savepoints, &savepointFrame{
		name:    name,
		ordinal: len(tx.savepoints),
	})
}

// Rollback undoes every mutation recorded since (and including) the named
// savepoint was created, then truncates the stack to before it.
func (tx *Tx) Rollback(name string) error {
	idx := -1
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return kerr.SavepointMissing(name)
	}
	// Undo in reverse chronological order across all frames from the top
	// down to and including idx.
	for i := len(tx.savepoints) - 1; i >= idx; i-- {
		frame := tx.savepoints[i]
		for j := len(frame.undo) - 1; j >= 0; j-- {
			op := frame.undo[j]
			if op.existed {
				if _, _, err := tx.btx.Set(op.key, op.old, nil); err != nil {
					return err
				}
			} else {
				if _, err := tx.btx.Delete(op.key); err != nil && err != buntdb.ErrNotFound {
					return err
				}
			}
		}
	}
	tx.savepoints = tx.savepoints[:idx]
	return nil
}

// ReleaseAll releases every savepoint from t0 onward: the KV collapses all
// descendants. The underlying mutations
// remain; only the undo bookkeeping is discarded.
func (tx *Tx) ReleaseAll() {
	tx.savepoints = nil
}

// Depth reports the current savepoint stack depth (used to name the next
// savepoint "t<depth>").
func (tx *Tx) Depth() int { return len(tx.savepoints) }

// commit finalizes the underlying buntdb transaction.
func (tx *Tx) commit() error {
	return tx.btx.Commit()
}

// abort fully rolls back the underlying buntdb transaction, discarding
// every mutation made during this Tx regardless of savepoints. This is the
// crank drop-guard's last resort on an unrecovered panic.
func (tx *Tx) abort() error {
	return tx.btx.Rollback()
}
