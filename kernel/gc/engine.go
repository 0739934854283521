// Package gc implements the kernel's GC engine: liveness
// filtering and priority dispatch over the durable GC action set kept by
// kernel/store.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package gc

import (
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/store"
)

// defaultFilterSize bounds the cuckoo filter's backing table. It is sized
// for a busy subcluster's in-flight GC churn, not the lifetime total: the
// filter only ever needs to answer "might this already be in the current
// canonical set", and Rebuild resets it to match that set exactly.
const defaultFilterSize = 1 << 16

// Engine owns the probabilistic prefilter in front of kernel/store's
// canonical GC action set, and derives the dispatch order. The canonical
// set in store remains authoritative; Engine is
// purely a dispatch-and-dedup-optimization layer over it.
type Engine struct {
	st     *store.Store
	filter *cuckoo.Filter
}

// NewEngine constructs a GC engine over st and registers itself as the
// store's dedup prefilter.
func NewEngine(st *store.Store) *Engine {
	e := &Engine{st: st, filter: cuckoo.NewFilter(defaultFilterSize)}
	st.SetPrefilter(e)
	return e
}

// MightContain implements store.Prefilter.
func (e *Engine) MightContain(key string) bool {
	return e.filter.Lookup([]byte(key))
}

// Add implements store.Prefilter.
func (e *Engine) Add(key string) {
	e.filter.InsertUnique([]byte(key))
}

// Rebuild re-derives the filter from the canonical set, discarding
// whatever the filter previously held. Called once on kernel startup and
// again whenever Store.DetectWake reports a cross-incarnation wake, since
// the in-memory filter never survives a restart but the canonical set
// does.
func (e *Engine) Rebuild(tx *store.Tx) error {
	actions, err := e.st.ListGCActions(tx)
	if err != nil {
		return err
	}
	e.filter = cuckoo.NewFilter(defaultFilterSize)
	for _, a := range actions {
		e.filter.InsertUnique([]byte(store.EncodeGCAction(a)))
	}
	return nil
}

// SweepEndpoint discards every pending GC action targeting ep, without
// rebuilding the whole filter: ep's worker is about to be removed
// (SubclusterManager.TerminateSubcluster step 2), so nothing could ever
// dispatch these. The prefilter may still answer MightContain(true) for
// them afterward; that only costs InsertGCAction a redundant canonical scan
// on some future collision, never a correctness issue.
func (e *Engine) SweepEndpoint(tx *store.Tx, ep ids.EndpointID) error {
	actions, err := e.st.ListGCActions(tx)
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.Endpoint != ep {
			continue
		}
		if err := e.st.RemoveGCAction(tx, a); err != nil {
			return err
		}
	}
	return nil
}

// Batch is one dispatchable run-queue GC item: every live kref sharing an
// (endpoint, type) bucket, gathered and sorted lexicographically.
type Batch struct {
	Endpoint ids.EndpointID
	Type     store.GCActionType
	KRefs    []ids.KRef
}

// dispatchPriority fixes the dispatch order: dropExport before
// retireExport before retireImport.
func dispatchPriority(t store.GCActionType) int {
	switch t {
	case store.GCDropExport:
		return 0
	case store.GCRetireExport:
		return 1
	case store.GCRetireImport:
		return 2
	default:
		return 3
	}
}
