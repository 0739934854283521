// Package remote implements the remote-comms adapter: a
// durable, sequence-numbered outbox per peer and ack processing for
// inter-kernel links. Peer discovery, message framing, and remote-identity
// crypto are the external peer transport's job; this
// package owns only the kernel-side sequence/ack contract and the c-list
// hooks a remote endpoint uses like any other endpoint.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package remote

import (
	"encoding/base64"
	"encoding/binary"

	xxhash "github.com/OneOfOne/xxhash"
	"github.com/tinylib/msgp/msgp"

	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/nlog"
	"github.com/ocapkernel/kernel/kernel/store"
)

// Transport is the external collaborator that actually moves bytes to a
// peer.
// Adapter calls Transmit after durably persisting an outbox row, never
// before.
type Transport interface {
	Transmit(rid string, seq uint64, payload *store.CapData) error
}

// Adapter is the remote adapter for one kernel: it multiplexes every
// registered peer's outbox and ack state over the shared KernelStore.
type Adapter struct {
	st        *store.Store
	transport Transport
}

// New constructs an Adapter. transport may be nil in tests that only
// exercise persistence and ack bookkeeping.
func New(st *store.Store, transport Transport) *Adapter {
	return &Adapter{st: st, transport: transport}
}

// RegisterPeer adds a new peer with its sequence counters at zero.
func (a *Adapter) RegisterPeer(tx *store.Tx, rid, name string) error {
	return a.st.AddRemote(tx, store.RemoteInfo{RID: rid, Name: name})
}

// Send assigns the next outgoing sequence number, persists the outbox row,
// and transmits it, in that order.
func (a *Adapter) Send(tx *store.Tx, rid string, payload *store.CapData) (uint64, error) {
	seq, err := a.st.AllocateSendSeq(tx, rid)
	if err != nil {
		return 0, err
	}
	encoded, err := encodeRow(seq, payload)
	if err != nil {
		return 0, err
	}
	if err := a.st.PutPendingMessage(tx, rid, seq, encoded); err != nil {
		return 0, err
	}
	if a.transport != nil {
		if err := a.transport.Transmit(rid, seq, payload); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Ack deletes every pending row below ackedSeq and bumps startSeq.
func (a *Adapter) Ack(tx *store.Tx, rid string, ackedSeq uint64) error {
	if err := a.st.DeletePendingBelow(tx, rid, ackedSeq); err != nil {
		return err
	}
	return a.st.SetStartSeq(tx, rid, ackedSeq)
}

// Receive validates and records one inbound sequence number, bumping
// highestReceivedSeq. It rejects a sequence at or below the last one
// recorded as a duplicate/reordered delivery — the remote adapter's half
// of the kernel's at-most-once, ordered delivery guarantee.
func (a *Adapter) Receive(tx *store.Tx, rid string, seq uint64) error {
	state, err := a.st.GetRemoteSeq(tx, rid)
	if err != nil {
		return err
	}
	if seq <= state.HighestReceivedSeq && state.HighestReceivedSeq != 0 {
		return kerr.SyscallError("remote %s: out-of-order/duplicate seq %d (highest %d)", rid, seq, state.HighestReceivedSeq)
	}
	return a.st.SetHighestReceivedSeq(tx, rid, seq)
}

// Recover sweeps orphaned rows left by a crash mid-ack (seq < startSeq,
// never cleaned up because the crash landed between DeletePendingBelow and
// SetStartSeq) and retransmits everything still pending, in order.
func (a *Adapter) Recover(tx *store.Tx, rid string) error {
	state, err := a.st.GetRemoteSeq(tx, rid)
	if err != nil {
		return err
	}
	if err := a.st.DeletePendingBelow(tx, rid, state.StartSeq); err != nil {
		return err
	}
	seqs, err := a.st.ListPendingFrom(tx, rid, state.StartSeq)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		encoded, ok := a.st.GetPendingMessage(tx, rid, seq)
		if !ok {
			continue
		}
		gotSeq, payload, err := decodeRow(encoded)
		if err != nil {
			return kerr.StoreCorruption("remote %s outbox seq %d: %v", rid, seq, err)
		}
		if gotSeq != seq {
			return kerr.StoreCorruption("remote %s outbox seq %d: row tagged %d", rid, seq, gotSeq)
		}
		if a.transport == nil {
			continue
		}
		nlog.Infoln("remote", rid, "retransmitting seq", seq, "on recovery")
		if err := a.transport.Transmit(rid, seq, payload); err != nil {
			return err
		}
	}
	return nil
}

// encodeRow packs (seq, payload) into msgp's raw array encoding, checksums
// the result with xxhash, and base64s it for storage as a buntdb string
// value. The checksum lets Recover and any future read distinguish a torn
// write from a simply-missing key.
func encodeRow(seq uint64, payload *store.CapData) (string, error) {
	var b []byte
	b = msgp.AppendUint64(b, seq)
	b = msgp.AppendString(b, payload.Body)
	b = msgp.AppendArrayHeader(b, uint32(len(payload.Slots)))
	for _, slot := range payload.Slots {
		b = msgp.AppendString(b, slot)
	}
	sum := xxhash.Checksum64(b)
	var trailer [8]byte
	binary.BigEndian.PutUint64(trailer[:], sum)
	b = append(b, trailer[:]...)
	return base64.StdEncoding.EncodeToString(b), nil
}

// decodeRow reverses encodeRow, verifying the trailing checksum before
// trusting the payload.
func decodeRow(encoded string) (uint64, *store.CapData, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, nil, err
	}
	if len(raw) < 8 {
		return 0, nil, kerr.StoreCorruption("outbox row too short")
	}
	body, trailer := raw[:len(raw)-8], raw[len(raw)-8:]
	wantSum := binary.BigEndian.Uint64(trailer)
	if got := xxhash.Checksum64(body); got != wantSum {
		return 0, nil, kerr.StoreCorruption("outbox row checksum mismatch: got %x want %x", got, wantSum)
	}

	seq, rest, err := msgp.ReadUint64Bytes(body)
	if err != nil {
		return 0, nil, err
	}
	bodyStr, rest, err := msgp.ReadStringBytes(rest)
	if err != nil {
		return 0, nil, err
	}
	n, rest, err := msgp.ReadArrayHeaderBytes(rest)
	if err != nil {
		return 0, nil, err
	}
	slots := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		var s string
		s, rest, err = msgp.ReadStringBytes(rest)
		if err != nil {
			return 0, nil, err
		}
		slots = append(slots, s)
	}
	return seq, &store.CapData{Body: bodyStr, Slots: slots}, nil
}
