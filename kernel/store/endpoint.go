package store

import "github.com/ocapkernel/kernel/kernel/ids"

func vatIDCounterKey() string { return "kernel.nextVatId" }

// NewVatID allocates a fresh, never-reused ordinary-vat endpoint id.
// SubclusterManager calls this once per declared vat when launching.
func (s *Store) NewVatID(tx *Tx) (ids.EndpointID, error) {
	n, err := s.nextCounter(tx, vatIDCounterKey())
	if err != nil {
		return ids.EndpointID{}, err
	}
	return ids.VatID(n - 1), nil
}

// GetEndpointRecord assembles the read-model for an endpoint from its
// constituent keys: the allocator
// counters, subcluster membership, and compromise status.
func (s *Store) GetEndpointRecord(tx *Tx, ep ids.EndpointID) EndpointRecord {
	rec := EndpointRecord{ID: ep}
	if v, ok := tx.Get(keyNextObjectID(ep.String())); ok {
		if n, err := parseUint64(v); err == nil {
			rec.NextObjectID = n
		}
	}
	if v, ok := tx.Get(keyNextPromiseID(ep.String())); ok {
		if n, err := parseUint64(v); err == nil {
			rec.NextPromiseID = n
		}
	}
	if sid, ok := s.GetVatSubcluster(tx, ep); ok {
		rec.Subcluster = &sid
	}
	rec.Compromised = s.IsVatCompromised(tx, ep)
	return rec
}
