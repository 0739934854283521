package store

import (
	"github.com/ocapkernel/kernel/kernel/debug"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
)

// AddCListEntry creates both directions of a c-list entry.
// Precondition: neither side is currently mapped. New import-direction
// entries for objects (not promises) contribute to the object's
// reachable/recognizable counters.
func (s *Store) AddCListEntry(tx *Tx, ep ids.EndpointID, kref ids.KRef, eref ids.ERef) error {
	epS, krefS, erefS := ep.String(), kref.String(), eref.String()
	debug.Assert(!tx.Has(keyCListEntry(epS, erefS)), "eref already mapped", erefS)
	debug.Assert(!tx.Has(keyCListEntry(epS, krefS)), "kref already mapped at endpoint", krefS)

	if err := tx.Set(keyCListEntry(epS, erefS), krefS); err != nil {
		return err
	}
	if err := tx.Set(keyCListEntry(epS, krefS), encodeReverse(true, erefS)); err != nil {
		return err
	}
	if eref.Dir == ids.DirImport {
		if err := s.addImporter(tx, kref, ep); err != nil {
			return err
		}
		if !kref.IsPromise {
			if err := s.IncrementRefCount(tx, kref); err != nil {
				return err
			}
		}
	}
	return nil
}

// KRefToEref looks up the eref an endpoint uses for kref, if any, along
// with its current reachable flag.
func (s *Store) KRefToEref(tx *Tx, ep ids.EndpointID, kref ids.KRef) (eref ids.ERef, reachable bool, ok bool) {
	v, present := tx.Get(keyCListEntry(ep.String(), kref.String()))
	if !present {
		return ids.ERef{}, false, false
	}
	reach, erefS := decodeReverse(v)
	parsed, err := ids.ParseERef(erefS)
	if err != nil {
		return ids.ERef{}, false, false
	}
	return parsed, reach, true
}

// ErefToKRef looks up the kernel reference an endpoint's local eref maps to.
func (s *Store) ErefToKRef(tx *Tx, ep ids.EndpointID, eref ids.ERef) (ids.KRef, bool) {
	v, ok := tx.Get(keyCListEntry(ep.String(), eref.String()))
	if !ok {
		return ids.KRef{}, false
	}
	kref, err := ids.ParseKRef(v)
	if err != nil {
		return ids.KRef{}, false
	}
	return kref, true
}

// HasCListEntry reports whether ep has any c-list entry for kref.
func (s *Store) HasCListEntry(tx *Tx, ep ids.EndpointID, kref ids.KRef) bool {
	return tx.Has(keyCListEntry(ep.String(), kref.String()))
}

// ClearReachableFlag marks the c-list entry unreachable but leaves it
// recognizable: the "dropped, not retired" state. It
// decrements the object's reachable count and, if that reaches zero,
// records a dropExport GCAction against the owner.
func (s *Store) ClearReachableFlag(tx *Tx, ep ids.EndpointID, kref ids.KRef) error {
	key := keyCListEntry(ep.String(), kref.String())
	v, ok := tx.Get(key)
	if !ok {
		return kerr.StoreCorruption("clearReachableFlag: no c-list entry for %s at %s", kref, ep)
	}
	_, erefS := decodeReverse(v)
	if err := tx.Set(key, encodeReverse(false, erefS)); err != nil {
		return err
	}
	if kref.IsPromise {
		return nil
	}
	return s.DecrementRefCount(tx, kref, "drop", false)
}

// DeleteCListEntry removes both directions of a c-list entry, decrementing
// whichever refcount halves this entry still contributed.
func (s *Store) DeleteCListEntry(tx *Tx, ep ids.EndpointID, kref ids.KRef, eref ids.ERef) error {
	epS, krefS, erefS := ep.String(), kref.String(), eref.String()
	v, ok := tx.Get(keyCListEntry(epS, krefS))
	wasReachable := false
	if ok {
		wasReachable, _ = decodeReverse(v)
	}
	if err := tx.Delete(keyCListEntry(epS, erefS)); err != nil {
		return err
	}
	if err := tx.Delete(keyCListEntry(epS, krefS)); err != nil {
		return err
	}
	if eref.Dir != ids.DirImport {
		return nil
	}
	if err := s.removeImporter(tx, kref, ep); err != nil {
		return err
	}
	if kref.IsPromise {
		return nil
	}
	if wasReachable {
		// Never dropped first: this deletion releases both halves.
		if err := s.DecrementRefCount(tx, kref, "retire", false); err != nil {
			return err
		}
		return s.DecrementRefCount(tx, kref, "retire", true)
	}
	// Already dropped: only the recognizable half remains to release.
	return s.DecrementRefCount(tx, kref, "retire", true)
}

// AllocateErefForKref picks the next local import id (o-N or p-N) using the
// endpoint's counter and registers the c-list entry. Called exclusively
// when an import first crosses into an endpoint.
func (s *Store) AllocateErefForKref(tx *Tx, ep ids.EndpointID, kref ids.KRef) (ids.ERef, error) {
	var eref ids.ERef
	if kref.IsPromise {
		n, err := s.nextPromiseID(tx, ep)
		if err != nil {
			return ids.ERef{}, err
		}
		eref = ids.PromImport(n)
	} else {
		n, err := s.nextObjectID(tx, ep)
		if err != nil {
			return ids.ERef{}, err
		}
		eref = ids.ObjImport(n)
	}
	if err := s.AddCListEntry(tx, ep, kref, eref); err != nil {
		return ids.ERef{}, err
	}
	return eref, nil
}

// KRefsToExistingErefs batch-looks-up krefs for ep, filtering out any that
// have no mapping.
func (s *Store) KRefsToExistingErefs(tx *Tx, ep ids.EndpointID, krefs []ids.KRef) []ids.ERef {
	out := make([]ids.ERef, 0, len(krefs))
	for _, kref := range krefs {
		if eref, _, ok := s.KRefToEref(tx, ep, kref); ok {
			out = append(out, eref)
		}
	}
	return out
}

// ForgetEref removes only the forward (eref->kref) mapping, with no
// refcount side effects. Used when cleaning up a half-written entry after
// an error.
func (s *Store) ForgetEref(tx *Tx, ep ids.EndpointID, eref ids.ERef) error {
	return tx.Delete(keyCListEntry(ep.String(), eref.String()))
}

// ForgetKref removes only the reverse (kref->eref) mapping, with no
// refcount side effects.
func (s *Store) ForgetKref(tx *Tx, ep ids.EndpointID, kref ids.KRef) error {
	return tx.Delete(keyCListEntry(ep.String(), kref.String()))
}

// DeleteAllCListEntries tears down every c-list entry ep holds, decrementing
// refcounts the same way DeleteCListEntry would one at a time. Used by
// SubclusterManager when a vat terminates.
func (s *Store) DeleteAllCListEntries(tx *Tx, ep ids.EndpointID) error {
	prefix := "e." + ep.String() + "."
	var pairs []struct {
		kref ids.KRef
		eref ids.ERef
	}
	tx.AscendKeys(prefix, func(key, value string) bool {
		eref, err := ids.ParseERef(key[len(prefix):])
		if err != nil {
			return true // reverse-direction entry (kref-suffixed key); skip
		}
		kref, err := ids.ParseKRef(value)
		if err != nil {
			return true
		}
		pairs = append(pairs, struct {
			kref ids.KRef
			eref ids.ERef
		}{kref, eref})
		return true
	})
	for _, p := range pairs {
		if err := s.DeleteCListEntry(tx, ep, p.kref, p.eref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) nextObjectID(tx *Tx, ep ids.EndpointID) (uint64, error) {
	return s.nextCounter(tx, keyNextObjectID(ep.String()))
}

func (s *Store) nextPromiseID(tx *Tx, ep ids.EndpointID) (uint64, error) {
	return s.nextCounter(tx, keyNextPromiseID(ep.String()))
}

func (s *Store) nextCounter(tx *Tx, key string) (uint64, error) {
	cur := uint64(0)
	if v, ok := tx.Get(key); ok {
		n, err := parseUint64(v)
		if err != nil {
			return 0, kerr.StoreCorruption("counter %s: %v", key, err)
		}
		cur = n
	}
	next := cur + 1
	if err := tx.Set(key, formatUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// encodeReverse packs the reachable flag and eref into the kref->eref c-list
// value ("reachable|vatSlot").
func encodeReverse(reachable bool, eref string) string {
	if reachable {
		return "1|" + eref
	}
	return "0|" + eref
}

func decodeReverse(v string) (reachable bool, eref string) {
	if len(v) < 2 || v[1] != '|' {
		return false, v
	}
	return v[0] == '1', v[2:]
}
