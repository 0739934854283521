package vat_test

import (
	"testing"

	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/internal/tassert"
	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
	"github.com/ocapkernel/kernel/kernel/vat"
)

type scriptedWorker struct {
	replies [][]vat.Syscall
	calls   int
	err     error
}

func (w *scriptedWorker) SendDelivery(d vat.Delivery) ([]vat.Syscall, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.calls >= len(w.replies) {
		w.calls++
		return nil, nil
	}
	r := w.replies[w.calls]
	w.calls++
	return r, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(kconfig.Default())
	tassert.CheckFatal(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDeliverGCDropAllocatesErefAndRunsSyscalls(t *testing.T) {
	st := newTestStore(t)
	eng := gc.NewEngine(st)
	vatEp := ids.VatID(1)
	owner := ids.VatID(2)
	kref := ids.Obj(5)

	tx, err := st.Begin()
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, st.CreateObject(tx, kref, owner))
	tassert.CheckFatal(t, st.Commit(tx))

	worker := &scriptedWorker{replies: [][]vat.Syscall{{{Kind: vat.SyscallVatstoreSet, Key: "k", Value: "v"}}}}
	q := queue.New(st, eng, nil)
	h := vat.NewVatHandle(vatEp, st, q, worker)
	disp := vat.NewDispatcher(st)
	disp.Register(h)

	tx, err = st.Begin()
	tassert.CheckFatal(t, err)
	dropItem := queue.RunQueueItem{Kind: queue.KindGCDrop, Endpoint: vatEp, KRefs: []ids.KRef{kref}}
	tassert.CheckFatal(t, disp.Deliver(tx, dropItem))
	tassert.CheckFatal(t, st.Commit(tx))

	tassert.Fatalf(t, h.State() == vat.Running || h.State() == vat.Uninitialized, "unexpected state %s", h.State())

	tx, err = st.Begin()
	tassert.CheckFatal(t, err)
	v, ok := st.VatstoreGet(tx, vatEp, "k")
	tassert.Fatalf(t, ok, "expected vatstore key to be set")
	tassert.Fatalf(t, v == "v", "got %q", v)
	tassert.CheckFatal(t, st.Commit(tx))
}

// TestSyscallSendToRevokedTargetRejectsResultWithoutCompromisingSender
// covers the revocation rule: ObjectRevoked surfaces as a rejected result
// promise, distinct from SyscallError's vat-compromising policy. The
// sender is never punished for sending to an object someone else revoked.
func TestSyscallSendToRevokedTargetRejectsResultWithoutCompromisingSender(t *testing.T) {
	st := newTestStore(t)
	eng := gc.NewEngine(st)
	vatEp := ids.VatID(1)
	owner := ids.VatID(2)
	kref := ids.Obj(9)

	tx, err := st.Begin()
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, st.CreateObject(tx, kref, owner))
	tassert.CheckFatal(t, st.RevokeObject(tx, kref))
	eref, err := st.AllocateErefForKref(tx, vatEp, kref)
	tassert.CheckFatal(t, err)
	kpid, err := st.CreatePromise(tx, owner)
	tassert.CheckFatal(t, err)
	resultEref, err := st.AllocateErefForKref(tx, vatEp, kpid)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, st.Commit(tx))

	resultPRef := resultEref
	worker := &scriptedWorker{replies: [][]vat.Syscall{{{
		Kind: vat.SyscallSend, Target: eref, Methargs: &store.CapData{Body: "#[]"}, Result: &resultPRef,
	}}}}
	q := queue.New(st, eng, nil)
	h := vat.NewVatHandle(vatEp, st, q, worker)
	disp := vat.NewDispatcher(st)
	disp.Register(h)

	tx, err = st.Begin()
	tassert.CheckFatal(t, err)
	dropItem := queue.RunQueueItem{Kind: queue.KindGCDrop, Endpoint: vatEp, KRefs: nil}
	tassert.CheckFatal(t, disp.Deliver(tx, dropItem))
	tassert.CheckFatal(t, st.Commit(tx))

	tassert.Fatalf(t, h.State() != vat.Compromised, "sender must not be compromised by sending to a revoked object, got %s", h.State())

	tx, err = st.Begin()
	tassert.CheckFatal(t, err)
	p, ok := st.GetPromise(tx, kpid)
	tassert.Fatalf(t, ok, "expected result promise to exist")
	tassert.Fatalf(t, p.State == store.PromiseRejected, "expected result promise rejected, got %v", p.State)
	tassert.CheckFatal(t, st.Commit(tx))
}

// TestSyscallSendMintsFreshExportsAndHoldsInFlightRefs: a send naming
// never-before-seen export erefs creates the kernel-side identities (a new
// object owned by the sender, a new promise decided by it), and the
// enqueued message holds a reference on its target and object slots until
// it is consumed.
func TestSyscallSendMintsFreshExportsAndHoldsInFlightRefs(t *testing.T) {
	st := newTestStore(t)
	eng := gc.NewEngine(st)
	sender := ids.VatID(1)
	owner := ids.VatID(2)
	// Created directly rather than through NewKRef, so its id is kept clear
	// of the ones NewKRef hands out when minting o+7 below.
	target := ids.Obj(100)

	tx, err := st.Begin()
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, st.CreateObject(tx, target, owner))
	targetEref, err := st.AllocateErefForKref(tx, sender, target)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, st.Commit(tx))

	resultPRef := ids.PromExport(3)
	worker := &scriptedWorker{replies: [][]vat.Syscall{{{
		Kind:     vat.SyscallSend,
		Target:   targetEref,
		Methargs: &store.CapData{Body: "#[0]", Slots: []string{ids.ObjExport(7).String()}},
		Result:   &resultPRef,
	}}}}
	q := queue.New(st, eng, nil)
	h := vat.NewVatHandle(sender, st, q, worker)
	disp := vat.NewDispatcher(st)
	disp.Register(h)

	tx, err = st.Begin()
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, disp.Deliver(tx, queue.RunQueueItem{Kind: queue.KindGCDrop, Endpoint: sender}))
	tassert.CheckFatal(t, st.Commit(tx))

	tx, err = st.Begin()
	tassert.CheckFatal(t, err)
	mintedObj, ok := st.ErefToKRef(tx, sender, ids.ObjExport(7))
	tassert.Fatalf(t, ok, "expected o+7 to be mapped to a fresh kernel object")
	obj, ok := st.GetObject(tx, mintedObj)
	tassert.Fatalf(t, ok && obj.Owner == sender, "expected minted object owned by sender")
	tassert.Fatalf(t, obj.Reachable == 1, "expected in-flight hold on minted slot, got %d", obj.Reachable)

	mintedProm, ok := st.ErefToKRef(tx, sender, resultPRef)
	tassert.Fatalf(t, ok && mintedProm.IsPromise, "expected p+3 to be mapped to a fresh kernel promise")
	p, ok := st.GetPromise(tx, mintedProm)
	tassert.Fatalf(t, ok && p.Decider != nil && *p.Decider == sender, "expected sender as initial decider")

	tgt, _ := st.GetObject(tx, target)
	tassert.Fatalf(t, tgt.Reachable == 2, "expected c-list entry plus in-flight hold, got %d", tgt.Reachable)
	tassert.CheckFatal(t, st.Commit(tx))
}

func TestSystemVatUsesEphemeralVatstore(t *testing.T) {
	st := newTestStore(t)
	eng := gc.NewEngine(st)
	svEp := ids.SystemVatID(1)

	worker := &scriptedWorker{replies: [][]vat.Syscall{{{Kind: vat.SyscallVatstoreSet, Key: "k", Value: "v1"}}}}
	q := queue.New(st, eng, nil)
	h := vat.NewSystemVatHandle(svEp, st, q, worker)
	disp := vat.NewDispatcher(st)
	disp.Register(h)

	tx, err := st.Begin()
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, disp.Deliver(tx, queue.RunQueueItem{Kind: queue.KindGCDrop, Endpoint: svEp}))
	tassert.CheckFatal(t, st.Commit(tx))

	tx, err = st.Begin()
	tassert.CheckFatal(t, err)
	_, persisted := st.VatstoreGet(tx, svEp, "k")
	tassert.Fatalf(t, !persisted, "system vat scratch must not leak into the persistent vatstore")
	tassert.CheckFatal(t, st.Commit(tx))
}
