package vat

import (
	"github.com/ocapkernel/kernel/kernel/debug"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/nlog"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
)

// VatHandle owns one endpoint's boundary between the kernel's kref world
// and its local eref world. SystemVatHandle reuses it verbatim; the two
// differ only in their Worker and in where the vatstore syscalls are
// backed (persistent vs. in-memory).
type VatHandle struct {
	ep     ids.EndpointID
	st     *store.Store
	q      *queue.KernelQueue
	worker Worker
	state  State

	// ephemeral is the in-memory vatstore system vats use instead of the
	// persistent store-backed map.
	ephemeral map[string]string
}

// NewVatHandle constructs a handle for an ordinary vat, backed by the
// persistent store vatstore.
func NewVatHandle(ep ids.EndpointID, st *store.Store, q *queue.KernelQueue, worker Worker) *VatHandle {
	return &VatHandle{ep: ep, st: st, q: q, worker: worker, state: Uninitialized}
}

// NewSystemVatHandle constructs a handle for a system vat, backed by an
// ephemeral in-memory vatstore.
func NewSystemVatHandle(ep ids.EndpointID, st *store.Store, q *queue.KernelQueue, worker Worker) *VatHandle {
	return &VatHandle{ep: ep, st: st, q: q, worker: worker, state: Uninitialized, ephemeral: map[string]string{}}
}

func (h *VatHandle) Endpoint() ids.EndpointID { return h.ep }
func (h *VatHandle) State() State             { return h.state }

// StartVat sends the one-time "startVat" delivery directly to the
// worker, outside the run-queue: it happens once at launch, before
// the vat has any scheduled deliveries. Any syscalls the worker issues in
// response (e.g. priming its vatstore) are applied the same way a regular
// delivery's syscalls are.
func (h *VatHandle) StartVat(tx *store.Tx, params string) error {
	debug.Assert(h.state == Uninitialized, "StartVat called on vat in state", h.state.String())
	h.state = Bootstrapping
	syscalls, err := h.worker.SendDelivery(Delivery{Kind: DeliveryStartVat, Params: params})
	if err != nil {
		h.markCompromised(tx)
		return kerr.SyscallError("startVat: %v", err)
	}
	for _, sc := range syscalls {
		if res := h.execute(tx, sc); !res.OK {
			h.markCompromised(tx)
			return kerr.SyscallError("startVat init syscall failed: %s", res.Error)
		}
	}
	return nil
}

// Deliver implements queue.Deliverer for exactly this endpoint's items:
// translate a RunQueueItem into the vat's wire form, send it to the
// worker, and apply the returned syscall batch atomically.
func (h *VatHandle) Deliver(tx *store.Tx, item queue.RunQueueItem) error {
	if h.state == Compromised || h.state == Terminated || h.state == Terminating {
		return h.rejectCompromised(tx, item)
	}
	debug.Assert(h.state.canDeliver() || h.state == Uninitialized, "deliver to vat in state", h.state.String())

	d, err := h.translateToDelivery(tx, item)
	if err != nil {
		return err
	}
	if item.Kind == queue.KindSend && item.Result != nil {
		// Decider transfer: the vat a message's result promise is
		// delivered to becomes the one that may resolve it.
		if err := h.st.TransferDecider(tx, *item.Result, h.ep); err != nil {
			return err
		}
	}

	prior := h.state
	h.state = Suspended
	syscalls, err := h.worker.SendDelivery(d)
	if err != nil {
		h.markCompromised(tx)
		return nil
	}
	h.state = prior
	if h.state == Bootstrapping {
		h.state = Running
	}

	for _, sc := range syscalls {
		res := h.execute(tx, sc)
		if !res.OK {
			nlog.Warningln("vat", h.ep, "syscall failed, marking compromised:", res.Error)
			h.markCompromised(tx)
			return nil
		}
	}
	return nil
}

func (h *VatHandle) markCompromised(tx *store.Tx) {
	h.state = Compromised
	if err := h.st.MarkVatAsCompromised(tx, h.ep); err != nil {
		nlog.Errorln("failed to persist compromise marker for", h.ep, ":", err)
	}
}

// rejectCompromised surfaces the VatCompromised kind to the delivery's
// result promise instead of ever reaching the worker. The
// promise is resolved as its current decider: the message never arrived,
// so the decider was never transferred to this vat.
func (h *VatHandle) rejectCompromised(tx *store.Tx, item queue.RunQueueItem) error {
	if item.Kind != queue.KindSend || item.Result == nil {
		return nil
	}
	p, ok := h.st.GetPromise(tx, *item.Result)
	if !ok || p.Decider == nil {
		return nil
	}
	errv := kerr.VatCompromised(h.ep.String())
	return h.q.ResolvePromises(tx, *p.Decider, []queue.Resolution{
		{KPID: *item.Result, Rejected: true, Value: &store.CapData{Body: errv.Error()}},
	})
}

// translateToDelivery converts a kernel-level RunQueueItem into this
// endpoint's wire-level Delivery, allocating erefs for any kref crossing
// into the endpoint for the first time.
func (h *VatHandle) translateToDelivery(tx *store.Tx, item queue.RunQueueItem) (Delivery, error) {
	switch item.Kind {
	case queue.KindSend:
		targetEref, err := h.erefFor(tx, item.Target)
		if err != nil {
			return Delivery{}, err
		}
		methargs, err := h.translateCapData(tx, item.Methargs)
		if err != nil {
			return Delivery{}, err
		}
		var resultEref *ids.ERef
		if item.Result != nil {
			e, err := h.erefFor(tx, *item.Result)
			if err != nil {
				return Delivery{}, err
			}
			resultEref = &e
		}
		return Delivery{Kind: DeliveryMessage, Target: targetEref, Methargs: methargs, Result: resultEref}, nil

	case queue.KindNotify:
		p, ok := h.st.GetPromise(tx, item.KPID)
		if !ok {
			return Delivery{}, kerr.StoreCorruption("notify: unknown promise %s", item.KPID)
		}
		pref, err := h.erefFor(tx, item.KPID)
		if err != nil {
			return Delivery{}, err
		}
		value, err := h.translateCapData(tx, p.Value)
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{Kind: DeliveryNotify, Notifications: []NotifyEntry{{
			PRef: pref, Rejected: p.State == store.PromiseRejected, Value: value,
		}}}, nil

	case queue.KindGCDrop:
		refs, err := h.erefsFor(tx, item.KRefs)
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{Kind: DeliveryDropImports, Refs: refs}, nil

	case queue.KindGCRetire:
		refs, err := h.erefsFor(tx, item.KRefs)
		if err != nil {
			return Delivery{}, err
		}
		if item.GCType == store.GCRetireExport {
			return Delivery{Kind: DeliveryRetireExports, Refs: refs}, nil
		}
		return Delivery{Kind: DeliveryRetireImports, Refs: refs}, nil

	case queue.KindBringout:
		return Delivery{Kind: DeliveryBringOutYourDead}, nil

	default:
		return Delivery{}, kerr.CrankProtocol("unknown run-queue item kind %v", item.Kind)
	}
}

func (h *VatHandle) erefFor(tx *store.Tx, kref ids.KRef) (ids.ERef, error) {
	if eref, _, ok := h.st.KRefToEref(tx, h.ep, kref); ok {
		return eref, nil
	}
	return h.st.AllocateErefForKref(tx, h.ep, kref)
}

func (h *VatHandle) erefsFor(tx *store.Tx, krefs []ids.KRef) ([]ids.ERef, error) {
	out := make([]ids.ERef, 0, len(krefs))
	for _, kref := range krefs {
		eref, err := h.erefFor(tx, kref)
		if err != nil {
			return nil, err
		}
		out = append(out, eref)
	}
	return out, nil
}

func (h *VatHandle) translateCapData(tx *store.Tx, cd *store.CapData) (*store.CapData, error) {
	if cd == nil {
		return nil, nil
	}
	slots := make([]string, 0, len(cd.Slots))
	for _, s := range cd.Slots {
		kref, err := ids.ParseKRef(s)
		if err != nil {
			return nil, kerr.StoreCorruption("capdata slot %q: %v", s, err)
		}
		eref, err := h.erefFor(tx, kref)
		if err != nil {
			return nil, err
		}
		slots = append(slots, eref.String())
	}
	return &store.CapData{Body: cd.Body, Slots: slots}, nil
}
