package vat

import (
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
)

// execute applies one syscall's effect atomically to the kernel store.
// Every branch returns a SyscallResult; an !OK result marks the vat
// compromised at the call site in Deliver.
func (h *VatHandle) execute(tx *store.Tx, sc Syscall) SyscallResult {
	switch sc.Kind {
	case SyscallSend:
		return h.syscallSend(tx, sc)
	case SyscallSubscribe:
		return h.syscallSubscribe(tx, sc)
	case SyscallResolve:
		return h.syscallResolve(tx, sc)
	case SyscallExit:
		return h.syscallExit(sc)
	case SyscallDropImports:
		return h.syscallDropImports(tx, sc)
	case SyscallRetireImports:
		return h.syscallRetireImports(tx, sc)
	case SyscallRetireExports:
		return h.syscallRetireExports(tx, sc)
	case SyscallAbandonExports:
		return h.syscallAbandonExports(tx, sc)
	case SyscallVatstoreGet:
		return h.syscallVatstoreGet(tx, sc)
	case SyscallVatstoreSet:
		return h.syscallVatstoreSet(tx, sc)
	case SyscallVatstoreDelete:
		return h.syscallVatstoreDelete(tx, sc)
	case SyscallVatstoreGetNextKey:
		return h.syscallVatstoreGetNextKey(tx, sc)
	default:
		return failResult(kerr.SyscallError("unknown syscall kind %v", sc.Kind))
	}
}

// syscallSend: translate target and all slots to krefs, enqueue Send. The
// result (if any) is a kpid owned by this vat.
func (h *VatHandle) syscallSend(tx *store.Tx, sc Syscall) SyscallResult {
	target, err := h.krefForEref(tx, sc.Target)
	if err != nil {
		return failResult(err)
	}
	var result *ids.KRef
	if sc.Result != nil {
		kref, rerr := h.krefForEref(tx, *sc.Result)
		if rerr != nil {
			return failResult(rerr)
		}
		result = &kref
	}
	if obj, ok := h.st.GetObject(tx, target); ok && obj.Revoked {
		// ObjectRevoked surfaces as a rejected result promise, distinct
		// from SyscallError's vat-compromising policy: the sender is never
		// punished for sending to an object someone else revoked.
		if result != nil {
			if err := h.rejectResultForRevokedTarget(tx, *result, target); err != nil {
				return failResult(err)
			}
		}
		return okResult(target.String())
	}
	methargs, err := h.translateCapDataToKrefs(tx, sc.Methargs)
	if err != nil {
		return failResult(err)
	}
	if err := h.q.EnqueueSend(tx, target, methargs, result); err != nil {
		return failResult(err)
	}
	return okResult(target.String())
}

// rejectResultForRevokedTarget settles a send's result promise rejected
// with ObjectRevoked without compromising the sending vat. It resolves
// using the promise's own recorded decider, not the sender, since a
// revoked-target send never reaches the decider that would otherwise have
// answered it.
func (h *VatHandle) rejectResultForRevokedTarget(tx *store.Tx, kpid ids.KRef, target ids.KRef) error {
	p, ok := h.st.GetPromise(tx, kpid)
	if !ok || p.Decider == nil {
		return nil
	}
	errv := kerr.ObjectRevoked(target.String())
	return h.q.ResolvePromises(tx, *p.Decider, []queue.Resolution{
		{KPID: kpid, Rejected: true, Value: &store.CapData{Body: errv.Error()}},
	})
}

func (h *VatHandle) syscallSubscribe(tx *store.Tx, sc Syscall) SyscallResult {
	kpid, ok := h.st.ErefToKRef(tx, h.ep, sc.VPID)
	if !ok {
		return failResult(kerr.SyscallError("subscribe: unknown eref %s", sc.VPID))
	}
	p, ok := h.st.GetPromise(tx, kpid)
	if !ok {
		return failResult(kerr.SyscallError("subscribe: unknown promise %s", kpid))
	}
	if p.State != store.PromiseUnresolved {
		// Already settled: the subscriber gets its notify straight away
		// instead of joining a list that will never drain again.
		h.q.EnqueueNotify(h.ep, kpid)
		return okResult("")
	}
	if err := h.st.Subscribe(tx, kpid, h.ep); err != nil {
		return failResult(err)
	}
	return okResult("")
}

// syscallResolve: decider must be this vat; enqueue Notify for subscribers.
func (h *VatHandle) syscallResolve(tx *store.Tx, sc Syscall) SyscallResult {
	resolutions := make([]queue.Resolution, 0, len(sc.Resolutions))
	for _, r := range sc.Resolutions {
		kpid, ok := h.st.ErefToKRef(tx, h.ep, r.VPID)
		if !ok {
			return failResult(kerr.SyscallError("resolve: unknown eref %s", r.VPID))
		}
		value, err := h.translateCapDataToKrefs(tx, r.Value)
		if err != nil {
			return failResult(err)
		}
		resolutions = append(resolutions, queue.Resolution{KPID: kpid, Rejected: r.Rejected, Value: value})
	}
	if err := h.q.ResolvePromises(tx, h.ep, resolutions); err != nil {
		return failResult(err)
	}
	return okResult("")
}

func (h *VatHandle) syscallExit(sc Syscall) SyscallResult {
	h.state = Terminating
	return okResult(sc.Info)
}

// syscallDropImports: clear reachable flag on imports; may produce
// retireImport GC actions later.
func (h *VatHandle) syscallDropImports(tx *store.Tx, sc Syscall) SyscallResult {
	for _, eref := range sc.Refs {
		kref, ok := h.st.ErefToKRef(tx, h.ep, eref)
		if !ok {
			continue
		}
		if err := h.st.ClearReachableFlag(tx, h.ep, kref); err != nil {
			return failResult(err)
		}
	}
	return okResult("")
}

// syscallRetireImports: delete c-list entries; emit refcount decrements.
func (h *VatHandle) syscallRetireImports(tx *store.Tx, sc Syscall) SyscallResult {
	for _, eref := range sc.Refs {
		kref, ok := h.st.ErefToKRef(tx, h.ep, eref)
		if !ok {
			continue
		}
		if err := h.st.DeleteCListEntry(tx, h.ep, kref, eref); err != nil {
			return failResult(err)
		}
	}
	return okResult("")
}

// syscallRetireExports: owner-side retirement of exports.
func (h *VatHandle) syscallRetireExports(tx *store.Tx, sc Syscall) SyscallResult {
	for _, eref := range sc.Refs {
		kref, ok := h.st.ErefToKRef(tx, h.ep, eref)
		if !ok {
			continue
		}
		if err := h.st.RetireExportComplete(tx, kref); err != nil {
			return failResult(err)
		}
	}
	return okResult("")
}

// syscallAbandonExports: owner disowns these refs; any reachable holder
// receives a retired notification (treated as a scoped compromise of just
// these refs, not of the whole vat).
func (h *VatHandle) syscallAbandonExports(tx *store.Tx, sc Syscall) SyscallResult {
	for _, eref := range sc.Refs {
		kref, ok := h.st.ErefToKRef(tx, h.ep, eref)
		if !ok {
			continue
		}
		if err := h.st.RevokeObject(tx, kref); err != nil {
			return failResult(err)
		}
		if err := h.st.RetireExportComplete(tx, kref); err != nil {
			return failResult(err)
		}
	}
	return okResult("")
}

func (h *VatHandle) syscallVatstoreGet(tx *store.Tx, sc Syscall) SyscallResult {
	if h.ephemeral != nil {
		v, found := h.ephemeral[sc.Key]
		if !found {
			return okResult("")
		}
		return okResult(v)
	}
	v, _ := h.st.VatstoreGet(tx, h.ep, sc.Key)
	return okResult(v)
}

func (h *VatHandle) syscallVatstoreSet(tx *store.Tx, sc Syscall) SyscallResult {
	if h.ephemeral != nil {
		h.ephemeral[sc.Key] = sc.Value
		return okResult("")
	}
	if err := h.st.VatstoreSet(tx, h.ep, sc.Key, sc.Value); err != nil {
		return failResult(err)
	}
	return okResult("")
}

func (h *VatHandle) syscallVatstoreDelete(tx *store.Tx, sc Syscall) SyscallResult {
	if h.ephemeral != nil {
		delete(h.ephemeral, sc.Key)
		return okResult("")
	}
	if err := h.st.VatstoreDelete(tx, h.ep, sc.Key); err != nil {
		return failResult(err)
	}
	return okResult("")
}

func (h *VatHandle) syscallVatstoreGetNextKey(tx *store.Tx, sc Syscall) SyscallResult {
	if h.ephemeral != nil {
		var best string
		found := false
		for k := range h.ephemeral {
			if k > sc.Key && (!found || k < best) {
				best, found = k, true
			}
		}
		if !found {
			return okResult("")
		}
		return okResult(best)
	}
	k, found := h.st.VatstoreGetNextKey(tx, h.ep, sc.Key)
	if !found {
		return okResult("")
	}
	return okResult(k)
}

// krefForEref resolves a syscall-supplied eref, minting the kernel-side
// identity when the vat names one of its own exports for the first time
// (objects are created by a vat exporting a new local reference; a fresh
// result promise starts with this vat as decider and transfers on
// delivery). Naming an unknown import is a syscall error.
func (h *VatHandle) krefForEref(tx *store.Tx, eref ids.ERef) (ids.KRef, error) {
	if kref, ok := h.st.ErefToKRef(tx, h.ep, eref); ok {
		return kref, nil
	}
	if eref.Dir != ids.DirExport {
		return ids.KRef{}, kerr.SyscallError("unknown import eref %s", eref)
	}
	if eref.IsPromise {
		kpid, err := h.st.CreatePromise(tx, h.ep)
		if err != nil {
			return ids.KRef{}, err
		}
		if err := h.st.AddCListEntry(tx, h.ep, kpid, eref); err != nil {
			return ids.KRef{}, err
		}
		return kpid, nil
	}
	kref, err := h.st.NewKRef(tx, false)
	if err != nil {
		return ids.KRef{}, err
	}
	if err := h.st.CreateObject(tx, kref, h.ep); err != nil {
		return ids.KRef{}, err
	}
	if err := h.st.AddCListEntry(tx, h.ep, kref, eref); err != nil {
		return ids.KRef{}, err
	}
	return kref, nil
}

func (h *VatHandle) translateCapDataToKrefs(tx *store.Tx, cd *store.CapData) (*store.CapData, error) {
	if cd == nil {
		return nil, nil
	}
	slots := make([]string, 0, len(cd.Slots))
	for _, s := range cd.Slots {
		eref, err := ids.ParseERef(s)
		if err != nil {
			return nil, kerr.SyscallError("capdata slot %q: %v", s, err)
		}
		kref, err := h.krefForEref(tx, eref)
		if err != nil {
			return nil, err
		}
		slots = append(slots, kref.String())
	}
	return &store.CapData{Body: cd.Body, Slots: slots}, nil
}
