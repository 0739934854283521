package store

import (
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
)

func subclusterCounterKey() string { return "kernel.nextSubclusterId" }

// AddSubcluster persists cfg and allocates a fresh subcluster id.
func (s *Store) AddSubcluster(tx *Tx, cfg SubclusterConfig) (ids.SubclusterID, error) {
	n, err := s.nextCounter(tx, subclusterCounterKey())
	if err != nil {
		return ids.SubclusterID{}, err
	}
	sid := ids.Subcluster(n - 1)
	v, err := marshalJSON(cfg)
	if err != nil {
		return ids.SubclusterID{}, err
	}
	if err := tx.Set(keySubcluster(sid.String()), v); err != nil {
		return ids.SubclusterID{}, err
	}
	if err := tx.Set(keySubclusterVats(sid.String()), "[]"); err != nil {
		return ids.SubclusterID{}, err
	}
	return sid, nil
}

// GetSubcluster reads a subcluster's stored config.
func (s *Store) GetSubcluster(tx *Tx, sid ids.SubclusterID) (*SubclusterConfig, error) {
	v, ok := tx.Get(keySubcluster(sid.String()))
	if !ok {
		return nil, kerr.SubclusterNotFound(sid.String())
	}
	var cfg SubclusterConfig
	if err := unmarshalJSON(v, &cfg); err != nil {
		return nil, kerr.StoreCorruption("subcluster %s: %v", sid, err)
	}
	return &cfg, nil
}

// GetSubclusters lists every registered subcluster id.
func (s *Store) GetSubclusters(tx *Tx) []ids.SubclusterID {
	const prefix = "subcluster."
	var out []ids.SubclusterID
	tx.AscendKeys(prefix, func(key, _ string) bool {
		rest := key[len(prefix):]
		// subclusterVats.<sid> also starts with "subcluster" but not
		// "subcluster."; AscendKeys already filters on the exact prefix,
		// so rest here is always a bare sid.
		if sid, err := ids.ParseSubclusterID(rest); err == nil {
			out = append(out, sid)
		}
		return true
	})
	return out
}

// GetSubclusterVats returns a subcluster's member vat ids, in declaration
// order.
func (s *Store) GetSubclusterVats(tx *Tx, sid ids.SubclusterID) ([]ids.EndpointID, error) {
	v, ok := tx.Get(keySubclusterVats(sid.String()))
	if !ok {
		return nil, kerr.SubclusterNotFound(sid.String())
	}
	var raw []string
	if err := unmarshalJSON(v, &raw); err != nil {
		return nil, kerr.StoreCorruption("subclusterVats %s: %v", sid, err)
	}
	out := make([]ids.EndpointID, 0, len(raw))
	for _, r := range raw {
		ep, err := ids.ParseEndpointID(r)
		if err != nil {
			return nil, kerr.StoreCorruption("subclusterVats %s: %v", sid, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// AddVatToSubcluster appends vid to sid's membership list and records the
// reverse lookup.
func (s *Store) AddVatToSubcluster(tx *Tx, sid ids.SubclusterID, vid ids.EndpointID) error {
	raw, _ := tx.Get(keySubclusterVats(sid.String()))
	var list []string
	if raw != "" {
		if err := unmarshalJSON(raw, &list); err != nil {
			return kerr.StoreCorruption("subclusterVats %s: %v", sid, err)
		}
	}
	list = append(list, vid.String())
	v, err := marshalJSON(list)
	if err != nil {
		return err
	}
	if err := tx.Set(keySubclusterVats(sid.String()), v); err != nil {
		return err
	}
	return tx.Set(keyVatSubcluster(vid.String()), sid.String())
}

// GetVatSubcluster is the reverse lookup from vat to subcluster.
func (s *Store) GetVatSubcluster(tx *Tx, vid ids.EndpointID) (ids.SubclusterID, bool) {
	v, ok := tx.Get(keyVatSubcluster(vid.String()))
	if !ok {
		return ids.SubclusterID{}, false
	}
	sid, err := ids.ParseSubclusterID(v)
	if err != nil {
		return ids.SubclusterID{}, false
	}
	return sid, true
}

// DeleteSubcluster removes a subcluster's record and membership list.
func (s *Store) DeleteSubcluster(tx *Tx, sid ids.SubclusterID) error {
	vats, err := s.GetSubclusterVats(tx, sid)
	if err == nil {
		for _, vid := range vats {
			if err := tx.Delete(keyVatSubcluster(vid.String())); err != nil {
				return err
			}
		}
	}
	if err := tx.Delete(keySubclusterVats(sid.String())); err != nil {
		return err
	}
	return tx.Delete(keySubcluster(sid.String()))
}

// RegisterKernelService durably registers a kernel service's kref under
// name.
func (s *Store) RegisterKernelService(tx *Tx, name string, kref ids.KRef) error {
	return tx.Set(keyKernelService(name), kref.String())
}

// GetKernelService looks up a registered kernel service by name.
func (s *Store) GetKernelService(tx *Tx, name string) (ids.KRef, bool) {
	v, ok := tx.Get(keyKernelService(name))
	if !ok {
		return ids.KRef{}, false
	}
	kref, err := ids.ParseKRef(v)
	if err != nil {
		return ids.KRef{}, false
	}
	return kref, true
}
