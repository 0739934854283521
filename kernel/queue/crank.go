package queue

import (
	"fmt"

	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/store"
)

// Crank is the handle a Deliverer receives for the single delivery it is
// processing. Its savepoint names are caller-chosen but map
// onto the underlying KV savepoint stack's fixed "t<ordinal>" naming, so
// ordinals are reused after a rollback truncates the stack.
type Crank struct {
	tx    *store.Tx
	names []string
}

// Tx exposes the crank's transaction to a Deliverer for store reads/writes.
func (c *Crank) Tx() *store.Tx { return c.tx }

// CreateSavepoint pushes a named savepoint.
func (c *Crank) CreateSavepoint(name string) {
	kvName := fmt.Sprintf("t%d", len(c.names))
	c.tx.CreateSavepoint(kvName)
	c.names = append(c.names, name)
}

// RollbackCrank rolls back to the named savepoint and truncates the stack.
func (c *Crank) RollbackCrank(name string) error {
	idx := -1
	for i := len(c.names) - 1; i >= 0; i-- {
		if c.names[i] == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return kerr.SavepointMissing(name)
	}
	if err := c.tx.Rollback(fmt.Sprintf("t%d", idx)); err != nil {
		return err
	}
	c.names = c.names[:idx]
	return nil
}

// ReleaseAllSavepoints collapses the entire savepoint stack, from t0 down.
func (c *Crank) ReleaseAllSavepoints() {
	c.tx.ReleaseAll()
	c.names = nil
}

// Depth reports the current savepoint stack depth.
func (c *Crank) Depth() int { return len(c.names) }
