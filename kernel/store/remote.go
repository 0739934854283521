package store

import (
	"sort"
	"strings"

	"github.com/ocapkernel/kernel/kernel/kerr"
)

// RemoteInfo is the persisted per-peer record.
// The remote-comms peer transport itself (discovery, framing, identity) is
// an external collaborator; this is only the bookkeeping
// the kernel side of the sequence/ack protocol needs to name a peer.
type RemoteInfo struct {
	RID  string `json:"rid"`
	Name string `json:"name"`
}

// AddRemote registers a new peer record and primes its sequence state at
// all zeros.
func (s *Store) AddRemote(tx *Tx, info RemoteInfo) error {
	v, err := marshalJSON(info)
	if err != nil {
		return err
	}
	if err := tx.Set(keyRemote(info.RID), v); err != nil {
		return err
	}
	for _, field := range []string{"nextSendSeq", "highestReceivedSeq", "startSeq"} {
		if err := tx.Set(keyRemoteSeq(info.RID, field), "0"); err != nil {
			return err
		}
	}
	return nil
}

// ListRemotes returns every registered peer id, used by recovery sweeps
// that need to walk all peers on kernel restart. The "remote." prefix is
// exact to this accessor's keys alone: "remoteSeq." and "remotePending."
// keys diverge at the character after "remote" and never match it.
func (s *Store) ListRemotes(tx *Tx) []string {
	const prefix = "remote."
	var out []string
	tx.AscendKeys(prefix, func(key, _ string) bool {
		out = append(out, key[len(prefix):])
		return true
	})
	return out
}

// GetRemote reads a peer's record.
func (s *Store) GetRemote(tx *Tx, rid string) (*RemoteInfo, bool) {
	v, ok := tx.Get(keyRemote(rid))
	if !ok {
		return nil, false
	}
	var info RemoteInfo
	if err := unmarshalJSON(v, &info); err != nil {
		return nil, false
	}
	return &info, true
}

// RemoteSeqState is the three-counter sequence/ack state kept for each
// peer direction.
type RemoteSeqState struct {
	NextSendSeq        uint64
	HighestReceivedSeq uint64
	StartSeq           uint64
}

// GetRemoteSeq reads rid's current sequence state.
func (s *Store) GetRemoteSeq(tx *Tx, rid string) (RemoteSeqState, error) {
	var st RemoteSeqState
	next, err := s.remoteSeqField(tx, rid, "nextSendSeq")
	if err != nil {
		return st, err
	}
	hi, err := s.remoteSeqField(tx, rid, "highestReceivedSeq")
	if err != nil {
		return st, err
	}
	start, err := s.remoteSeqField(tx, rid, "startSeq")
	if err != nil {
		return st, err
	}
	st.NextSendSeq, st.HighestReceivedSeq, st.StartSeq = next, hi, start
	return st, nil
}

func (s *Store) remoteSeqField(tx *Tx, rid, field string) (uint64, error) {
	v, ok := tx.Get(keyRemoteSeq(rid, field))
	if !ok {
		return 0, nil
	}
	n, err := parseUint64(v)
	if err != nil {
		return 0, kerr.StoreCorruption("remoteSeq %s.%s: %v", rid, field, err)
	}
	return n, nil
}

// AllocateSendSeq assigns and persists the next outgoing sequence number
// for rid.
func (s *Store) AllocateSendSeq(tx *Tx, rid string) (uint64, error) {
	seq, err := s.remoteSeqField(tx, rid, "nextSendSeq")
	if err != nil {
		return 0, err
	}
	if err := tx.Set(keyRemoteSeq(rid, "nextSendSeq"), formatUint64(seq+1)); err != nil {
		return 0, err
	}
	return seq, nil
}

// SetHighestReceivedSeq persists the highest inbound sequence number seen
// for rid.
func (s *Store) SetHighestReceivedSeq(tx *Tx, rid string, seq uint64) error {
	return tx.Set(keyRemoteSeq(rid, "highestReceivedSeq"), formatUint64(seq))
}

// SetStartSeq persists rid's new ack-bumped start sequence.
func (s *Store) SetStartSeq(tx *Tx, rid string, seq uint64) error {
	return tx.Set(keyRemoteSeq(rid, "startSeq"), formatUint64(seq))
}

// PutPendingMessage persists one outbox row under
// remotePending.<rid>.<seq>.
func (s *Store) PutPendingMessage(tx *Tx, rid string, seq uint64, encoded string) error {
	return tx.Set(keyRemotePending(rid, seq), encoded)
}

// GetPendingMessage reads one outbox row, if still present.
func (s *Store) GetPendingMessage(tx *Tx, rid string, seq uint64) (string, bool) {
	return tx.Get(keyRemotePending(rid, seq))
}

// DeletePendingBelow deletes every outbox row with seq < below.
func (s *Store) DeletePendingBelow(tx *Tx, rid string, below uint64) error {
	for _, seq := range s.pendingSeqs(tx, rid) {
		if seq < below {
			if err := tx.Delete(keyRemotePending(rid, seq)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListPendingFrom returns every outbox row with seq >= from, in ascending
// sequence order.
func (s *Store) ListPendingFrom(tx *Tx, rid string, from uint64) ([]uint64, error) {
	var out []uint64
	for _, seq := range s.pendingSeqs(tx, rid) {
		if seq >= from {
			out = append(out, seq)
		}
	}
	return out, nil
}

func (s *Store) pendingSeqs(tx *Tx, rid string) []uint64 {
	prefix := keyRemotePendingPrefix(rid)
	var seqs []uint64
	tx.AscendKeys(prefix, func(key, _ string) bool {
		rest := strings.TrimPrefix(key, prefix)
		if n, err := parseUint64(rest); err == nil {
			seqs = append(seqs, n)
		}
		return true
	})
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
