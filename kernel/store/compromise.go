package store

import (
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
)

// MarkVatAsCompromised records ep as compromised. Backed by a single
// JSON-serialized array under keyCompromisedVats.
func (s *Store) MarkVatAsCompromised(tx *Tx, ep ids.EndpointID) error {
	set, err := s.readCompromised(tx)
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
	return s.writeCompromised(tx, set)
}

// ClearVatCompromisedStatus removes ep from the compromised set, e.g. after
// a restart.
func (s *Store) ClearVatCompromisedStatus(tx *Tx, ep ids.EndpointID) error {
	set, err := s.readCompromised(tx)
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
	return s.writeCompromised(tx, out)
}

// IsVatCompromised reports whether ep is currently marked compromised.
func (s *Store) IsVatCompromised(tx *Tx, ep ids.EndpointID) bool {
	set, err := s.readCompromised(tx)
	if err != nil {
		return false
	}
	epS := ep.String()
	for _, e := range set {
		if e == epS {
			return true
		}
	}
	return false
}

// GetCompromisedVats lists every currently compromised endpoint.
func (s *Store) GetCompromisedVats(tx *Tx) ([]ids.EndpointID, error) {
	set, err := s.readCompromised(tx)
	if err != nil {
		return nil, err
	}
	out := make([]ids.EndpointID, 0, len(set))
	for _, e := range set {
		ep, err := ids.ParseEndpointID(e)
		if err != nil {
			return nil, kerr.StoreCorruption("compromisedVats: %v", err)
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *Store) readCompromised(tx *Tx) ([]string, error) {
	v, ok := tx.Get(keyCompromisedVats)
	if !ok {
		return nil, nil
	}
	var set []string
	if err := unmarshalJSON(v, &set); err != nil {
		return nil, kerr.StoreCorruption("compromisedVats: %v", err)
	}
	return set, nil
}

func (s *Store) writeCompromised(tx *Tx, set []string) error {
	v, err := marshalJSON(set)
	if err != nil {
		return err
	}
	return tx.Set(keyCompromisedVats, v)
}
