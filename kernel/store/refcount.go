package store

import (
	"github.com/ocapkernel/kernel/kernel/debug"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
)

// koImportersKey is a derived index (not part of the canonical, bit-exact
// key schema) mapping a kref to the set of endpoints that currently
// hold an import c-list entry for it. It exists so that once an object's
// owner retires its export, the kernel can enumerate exactly which
// importing endpoints still need a retireImport GCAction without a full
// table scan. It is fully rebuildable from the c-list itself.
func koImportersKey(kref string) string { return "koImporters." + kref }

func (s *Store) addImporter(tx *Tx, kref ids.KRef, ep ids.EndpointID) error {
	set, err := s.readImporters(tx, kref)
	if err != nil {
		return err
	}
	epS := ep.String()
	for _, e := range set {
		if e == epS {
			return nil
		}
	}
	set = append(set, epS)
	return s.writeImporters(tx, kref, set)
}

func (s *Store) removeImporter(tx *Tx, kref ids.KRef, ep ids.EndpointID) error {
	set, err := s.readImporters(tx, kref)
	if err != nil {
		return err
	}
	epS := ep.String()
	out := set[:0]
	for _, e := range set {
		if e != epS {
			out = append(out, e)
		}
	}
	return s.writeImporters(tx, kref, out)
}

func (s *Store) readImporters(tx *Tx, kref ids.KRef) ([]string, error) {
	v, ok := tx.Get(koImportersKey(kref.String()))
	if !ok {
		return nil, nil
	}
	var set []string
	if err := unmarshalJSON(v, &set); err != nil {
		return nil, kerr.StoreCorruption("koImporters %s: %v", kref, err)
	}
	return set, nil
}

func (s *Store) writeImporters(tx *Tx, kref ids.KRef, set []string) error {
	if len(set) == 0 {
		return tx.Delete(koImportersKey(kref.String()))
	}
	v, err := marshalJSON(set)
	if err != nil {
		return err
	}
	return tx.Set(koImportersKey(kref.String()), v)
}

// Importers returns every endpoint currently holding an import c-list entry
// for kref.
func (s *Store) Importers(tx *Tx, kref ids.KRef) []ids.EndpointID {
	raw, err := s.readImporters(tx, kref)
	if err != nil {
		return nil
	}
	out := make([]ids.EndpointID, 0, len(raw))
	for _, epS := range raw {
		if ep, err := ids.ParseEndpointID(epS); err == nil {
			out = append(out, ep)
		}
	}
	return out
}

// CreateObject registers kref as owned by owner, with zero reachable and
// recognizable counts and revoked=false.
func (s *Store) CreateObject(tx *Tx, kref ids.KRef, owner ids.EndpointID) error {
	debug.Assert(!kref.IsPromise, "CreateObject called with a promise kref")
	krefS := kref.String()
	if err := tx.Set(keyObjOwner(krefS), owner.String()); err != nil {
		return err
	}
	if err := tx.Set(keyObjReachable(krefS), "0"); err != nil {
		return err
	}
	if err := tx.Set(keyObjRecognizable(krefS), "0"); err != nil {
		return err
	}
	return tx.Set(keyObjRevoked(krefS), "0")
}

// GetObject reads the current state of a kernel object.
func (s *Store) GetObject(tx *Tx, kref ids.KRef) (*KernelObject, bool) {
	krefS := kref.String()
	ownerS, ok := tx.Get(keyObjOwner(krefS))
	if !ok {
		return nil, false
	}
	owner, err := ids.ParseEndpointID(ownerS)
	if err != nil {
		return nil, false
	}
	reach, _ := tx.Get(keyObjReachable(krefS))
	recog, _ := tx.Get(keyObjRecognizable(krefS))
	revokedS, _ := tx.Get(keyObjRevoked(krefS))
	r, _ := parseInt64(reach)
	rc, _ := parseInt64(recog)
	return &KernelObject{
		KRef:         kref,
		Owner:        owner,
		Reachable:    r,
		Recognizable: rc,
		Revoked:      revokedS == "1",
	}, true
}

// IncrementRefCount bumps both reachable and recognizable by one: the
// shape every new import c-list entry takes, and also the shape of the
// in-flight and promise-slot holds. There is no one-half increment;
// DecrementRefCount releases the two halves separately.
func (s *Store) IncrementRefCount(tx *Tx, kref ids.KRef) error {
	krefS := kref.String()
	r, err := s.getCount(tx, keyObjReachable(krefS))
	if err != nil {
		return err
	}
	rc, err := s.getCount(tx, keyObjRecognizable(krefS))
	if err != nil {
		return err
	}
	if err := tx.Set(keyObjReachable(krefS), formatInt64(r+1)); err != nil {
		return err
	}
	return tx.Set(keyObjRecognizable(krefS), formatInt64(rc+1))
}

// DecrementRefCount applies the right half of the reachable/recognizable
// pair. When a count crosses to zero it
// inserts the matching GCAction against the object's owner.
func (s *Store) DecrementRefCount(tx *Tx, kref ids.KRef, reason string, onlyRecognizable bool) error {
	obj, ok := s.GetObject(tx, kref)
	if !ok {
		return kerr.StoreCorruption("decrementRefCount: unknown object %s (%s)", kref, reason)
	}
	krefS := kref.String()
	if onlyRecognizable {
		nv := obj.Recognizable - 1
		debug.Assert(nv >= 0, "recognizable underflow", krefS, reason)
		if err := tx.Set(keyObjRecognizable(krefS), formatInt64(nv)); err != nil {
			return err
		}
		if nv == 0 && obj.Reachable == 0 {
			return s.insertRetireExport(tx, obj.Owner, kref)
		}
		return nil
	}
	nv := obj.Reachable - 1
	debug.Assert(nv >= 0, "reachable underflow", krefS, reason)
	if err := tx.Set(keyObjReachable(krefS), formatInt64(nv)); err != nil {
		return err
	}
	if nv == 0 {
		return s.insertDropExport(tx, obj.Owner, kref)
	}
	return nil
}

func (s *Store) getCount(tx *Tx, key string) (int64, error) {
	v, ok := tx.Get(key)
	if !ok {
		return 0, nil
	}
	n, err := parseInt64(v)
	if err != nil {
		return 0, kerr.StoreCorruption("counter %s: %v", key, err)
	}
	return n, nil
}

func (s *Store) insertDropExport(tx *Tx, owner ids.EndpointID, kref ids.KRef) error {
	return s.InsertGCAction(tx, GCAction{Endpoint: owner, Type: GCDropExport, KRef: kref})
}

func (s *Store) insertRetireExport(tx *Tx, owner ids.EndpointID, kref ids.KRef) error {
	return s.InsertGCAction(tx, GCAction{Endpoint: owner, Type: GCRetireExport, KRef: kref})
}

// RetireExportComplete is called once the owner's GCRetire(Export) delivery
// has been dispatched: it queues a retireImport GCAction for every endpoint
// that still holds an import c-list entry to kref: the owner has already
// retired it, the holders just haven't heard yet.
func (s *Store) RetireExportComplete(tx *Tx, kref ids.KRef) error {
	for _, ep := range s.Importers(tx, kref) {
		if err := s.InsertGCAction(tx, GCAction{Endpoint: ep, Type: GCRetireImport, KRef: kref}); err != nil {
			return err
		}
	}
	return nil
}

// RevokeObject marks kref revoked. Monotonic: never cleared once set.
func (s *Store) RevokeObject(tx *Tx, kref ids.KRef) error {
	return tx.Set(keyObjRevoked(kref.String()), "1")
}

// IsRevoked reports whether kref has been revoked.
func (s *Store) IsRevoked(tx *Tx, kref ids.KRef) bool {
	v, _ := tx.Get(keyObjRevoked(kref.String()))
	return v == "1"
}
