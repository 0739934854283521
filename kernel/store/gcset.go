package store

import (
	"sort"
	"strings"

	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
)

// EncodeGCAction produces the bit-exact "ep type kref" encoding that
// cross-version recovery depends on. Exported so kernel/gc can
// re-derive its cuckoo-filter prefilter from the canonical set.
func EncodeGCAction(a GCAction) string {
	return a.Endpoint.String() + " " + string(a.Type) + " " + a.KRef.String()
}

func encodeGCAction(a GCAction) string { return EncodeGCAction(a) }

func decodeGCAction(s string) (GCAction, error) {
	parts := strings.SplitN(s, " ", 3)
	if len(parts) != 3 {
		return GCAction{}, kerr.StoreCorruption("malformed gc action %q", s)
	}
	ep, err := ids.ParseEndpointID(parts[0])
	if err != nil {
		return GCAction{}, kerr.StoreCorruption("malformed gc action %q: %v", s, err)
	}
	kref, err := ids.ParseKRef(parts[2])
	if err != nil {
		return GCAction{}, kerr.StoreCorruption("malformed gc action %q: %v", s, err)
	}
	return GCAction{Endpoint: ep, Type: GCActionType(parts[1]), KRef: kref}, nil
}

func (s *Store) readGCSet(tx *Tx) ([]string, error) {
	v, ok := tx.Get(keyGCActions)
	if !ok {
		return nil, nil
	}
	var set []string
	if err := unmarshalJSON(v, &set); err != nil {
		return nil, kerr.StoreCorruption("gcActions: %v", err)
	}
	return set, nil
}

func (s *Store) writeGCSet(tx *Tx, set []string) error {
	sort.Strings(set)
	v, err := marshalJSON(set)
	if err != nil {
		return err
	}
	return tx.Set(keyGCActions, v)
}

// Prefilter is a probabilistic "might this already be queued" pre-check
// kernel/gc plugs in ahead of InsertGCAction's canonical, authoritative
// dedup scan. A false positive only costs a redundant canonical scan; a
// false negative never happens by construction (cuckoo filters do not
// produce them), so correctness never depends on the filter.
type Prefilter interface {
	MightContain(key string) bool
	Add(key string)
}

// SetPrefilter installs the GC-action dedup prefilter. Optional: a nil
// prefilter simply means every InsertGCAction does the canonical scan.
func (s *Store) SetPrefilter(p Prefilter) { s.prefilter = p }

// InsertGCAction adds an action to the durable GC action set, deduplicating
// by its bit-exact encoding; the set never holds duplicates.
func (s *Store) InsertGCAction(tx *Tx, a GCAction) error {
	enc := encodeGCAction(a)
	if s.prefilter != nil && !s.prefilter.MightContain(enc) {
		set, err := s.readGCSet(tx)
		if err != nil {
			return err
		}
		set = append(set, enc)
		if err := s.writeGCSet(tx, set); err != nil {
			return err
		}
		s.prefilter.Add(enc)
		return nil
	}
	set, err := s.readGCSet(tx)
	if err != nil {
		return err
	}
	for _, e := range set {
		if e == enc {
			return nil
		}
	}
	set = append(set, enc)
	if err := s.writeGCSet(tx, set); err != nil {
		return err
	}
	if s.prefilter != nil {
		s.prefilter.Add(enc)
	}
	return nil
}

// RemoveGCAction removes an action from the set, if present.
func (s *Store) RemoveGCAction(tx *Tx, a GCAction) error {
	set, err := s.readGCSet(tx)
	if err != nil {
		return err
	}
	enc := encodeGCAction(a)
	out := set[:0]
	for _, e := range set {
		if e != enc {
			out = append(out, e)
		}
	}
	return s.writeGCSet(tx, out)
}

// ListGCActions returns every action currently in the set, in lexicographic
// order of its bit-exact encoding.
func (s *Store) ListGCActions(tx *Tx) ([]GCAction, error) {
	set, err := s.readGCSet(tx)
	if err != nil {
		return nil, err
	}
	out := make([]GCAction, 0, len(set))
	for _, e := range set {
		a, err := decodeGCAction(e)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// GCSetSize reports the number of actions currently pending, for metrics.
func (s *Store) GCSetSize(tx *Tx) int {
	set, _ := s.readGCSet(tx)
	return len(set)
}
