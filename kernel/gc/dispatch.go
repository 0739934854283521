package gc

import (
	"sort"

	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/store"
)

// isLive applies the per-type liveness predicates.
// A non-live action means some later mutation already overtook it (e.g. the
// object was re-exported, or the c-list entry was already torn down by a
// prior crank); it is discarded rather than dispatched.
func (e *Engine) isLive(tx *store.Tx, a store.GCAction) bool {
	switch a.Type {
	case store.GCDropExport:
		obj, ok := e.st.GetObject(tx, a.KRef)
		if !ok || obj.Reachable != 0 {
			return false
		}
		_, reachable, ok := e.st.KRefToEref(tx, a.Endpoint, a.KRef)
		return ok && reachable
	case store.GCRetireExport:
		obj, ok := e.st.GetObject(tx, a.KRef)
		if !ok || obj.Reachable != 0 || obj.Recognizable != 0 {
			return false
		}
		return e.st.HasCListEntry(tx, a.Endpoint, a.KRef)
	case store.GCRetireImport:
		return e.st.HasCListEntry(tx, a.Endpoint, a.KRef)
	default:
		return false
	}
}

// NextBatch pops the highest-priority live (endpoint, type) bucket from
// the canonical GC action set, sorts its krefs lexicographically, and
// removes the dispatched entries. Non-live entries encountered along the
// way are discarded silently. Returns ok=false once the set
// holds nothing dispatchable.
func (e *Engine) NextBatch(tx *store.Tx) (Batch, bool, error) {
	actions, err := e.st.ListGCActions(tx)
	if err != nil {
		return Batch{}, false, err
	}

	live := actions[:0:0]
	for _, a := range actions {
		if e.isLive(tx, a) {
			live = append(live, a)
		} else {
			if err := e.st.RemoveGCAction(tx, a); err != nil {
				return Batch{}, false, err
			}
		}
	}
	if len(live) == 0 {
		return Batch{}, false, nil
	}

	ep, typ := chooseBucket(live)

	var krefs []ids.KRef
	for _, a := range live {
		if a.Endpoint == ep && a.Type == typ {
			krefs = append(krefs, a.KRef)
		}
	}
	sort.Slice(krefs, func(i, j int) bool { return krefs[i].String() < krefs[j].String() })

	for _, kref := range krefs {
		if err := e.st.RemoveGCAction(tx, store.GCAction{Endpoint: ep, Type: typ, KRef: kref}); err != nil {
			return Batch{}, false, err
		}
	}

	return Batch{Endpoint: ep, Type: typ, KRefs: krefs}, true, nil
}

// chooseBucket picks the (endpoint, type) group to dispatch next: the
// lexicographically smallest endpoint present, then its highest-priority
// type (dropExport > retireExport > retireImport).
func chooseBucket(live []store.GCAction) (ids.EndpointID, store.GCActionType) {
	bestEp := live[0].Endpoint
	for _, a := range live {
		if a.Endpoint.String() < bestEp.String() {
			bestEp = a.Endpoint
		}
	}

	bestTyp := store.GCActionType("")
	bestPrio := 99
	for _, a := range live {
		if a.Endpoint != bestEp {
			continue
		}
		if p := dispatchPriority(a.Type); p < bestPrio {
			bestPrio = p
			bestTyp = a.Type
		}
	}
	return bestEp, bestTyp
}
