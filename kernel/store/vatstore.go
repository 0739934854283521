package store

import (
	"sort"
	"strings"

	"github.com/ocapkernel/kernel/kernel/ids"
)

// vatstoreKey backs the vatstoreGet/Set/Delete/GetNextKey syscalls.
// Modeled on the same "prefix.<ep>" shape as the rest of the key schema so
// it round-trips through the same typed Tx accessors. Only ordinary vats
// persist here; system vats keep an in-memory map instead.
func vatstoreKey(ep string, key string) string { return "vatstore." + ep + "." + key }
func vatstorePrefix(ep string) string          { return "vatstore." + ep + "." }

// VatstoreGet reads one entry of ep's persistent scratch map.
func (s *Store) VatstoreGet(tx *Tx, ep ids.EndpointID, key string) (string, bool) {
	return tx.Get(vatstoreKey(ep.String(), key))
}

// VatstoreSet writes one entry of ep's persistent scratch map.
func (s *Store) VatstoreSet(tx *Tx, ep ids.EndpointID, key, value string) error {
	return tx.Set(vatstoreKey(ep.String(), key), value)
}

// VatstoreDelete removes one entry, if present.
func (s *Store) VatstoreDelete(tx *Tx, ep ids.EndpointID, key string) error {
	return tx.Delete(vatstoreKey(ep.String(), key))
}

// VatstoreGetNextKey returns the lexicographically next key strictly
// after `after` in ep's scratch map, for cursor-style enumeration.
func (s *Store) VatstoreGetNextKey(tx *Tx, ep ids.EndpointID, after string) (string, bool) {
	prefix := vatstorePrefix(ep.String())
	var keys []string
	tx.AscendKeys(prefix, func(k, _ string) bool {
		keys = append(keys, strings.TrimPrefix(k, prefix))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		if k > after {
			return k, true
		}
	}
	return "", false
}

// DeleteVatstore removes every entry of ep's scratch map, used when a vat
// terminates.
func (s *Store) DeleteVatstore(tx *Tx, ep ids.EndpointID) error {
	prefix := vatstorePrefix(ep.String())
	var keys []string
	tx.AscendKeys(prefix, func(k, _ string) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
