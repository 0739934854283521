package vat

import (
	"github.com/ocapkernel/kernel/kernel/debug"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
)

// Dispatcher implements queue.Deliverer by routing each RunQueueItem to
// the VatHandle that owns its target/endpoint. kernel.Kernel owns one
// Dispatcher shared by every launched vat and system vat.
type Dispatcher struct {
	st      *store.Store
	q       *queue.KernelQueue
	handles map[ids.EndpointID]*VatHandle
}

// NewDispatcher constructs an empty Dispatcher. Handles are registered via
// Register as vats launch and removed via Unregister as they terminate.
func NewDispatcher(st *store.Store) *Dispatcher {
	return &Dispatcher{st: st, handles: make(map[ids.EndpointID]*VatHandle)}
}

// SetQueue wires the KernelQueue this Dispatcher rejects gone-vat sends
// through. It is set after construction because kernel.Kernel builds the
// Dispatcher first and hands it to queue.New as the Deliverer.
func (d *Dispatcher) SetQueue(q *queue.KernelQueue) { d.q = q }

func (d *Dispatcher) Register(h *VatHandle)          { d.handles[h.Endpoint()] = h }
func (d *Dispatcher) Unregister(ep ids.EndpointID)    { delete(d.handles, ep) }
func (d *Dispatcher) Handle(ep ids.EndpointID) (*VatHandle, bool) {
	h, ok := d.handles[ep]
	return h, ok
}

// Deliver resolves the item's destination endpoint and forwards to its
// VatHandle.
func (d *Dispatcher) Deliver(tx *store.Tx, item queue.RunQueueItem) error {
	ep, err := destination(d.st, tx, item)
	if err != nil {
		return err
	}
	h, ok := d.handles[ep]
	if !ok {
		if item.Kind == queue.KindSend {
			return d.rejectSendToGoneVat(tx, item, ep)
		}
		return kerr.CrankProtocol("dispatch: no vat handle registered for %s", ep)
	}
	return h.Deliver(tx, item)
}

// rejectSendToGoneVat rejects a pending Send whose target vat has already
// terminated: no handle registered for the destination means the vat was
// torn down (SubclusterManager.teardownVat unregisters it), so there is
// nothing to deliver to. The result promise, if any, is rejected the same way a
// delivery to a compromised vat is (VatHandle.rejectCompromised) instead
// of aborting the whole crank.
func (d *Dispatcher) rejectSendToGoneVat(tx *store.Tx, item queue.RunQueueItem, ep ids.EndpointID) error {
	if item.Result == nil {
		return nil
	}
	debug.Assert(d.q != nil, "dispatch: no queue wired")
	p, ok := d.st.GetPromise(tx, *item.Result)
	if !ok || p.Decider == nil {
		return nil
	}
	errv := kerr.VatCompromised(ep.String())
	return d.q.ResolvePromises(tx, *p.Decider, []queue.Resolution{
		{KPID: *item.Result, Rejected: true, Value: &store.CapData{Body: errv.Error()}},
	})
}

// destination resolves a RunQueueItem's target endpoint. For Send items
// this means looking up the target object's current owner.
func destination(st *store.Store, tx *store.Tx, item queue.RunQueueItem) (ids.EndpointID, error) {
	switch item.Kind {
	case queue.KindSend:
		obj, ok := st.GetObject(tx, item.Target)
		if !ok {
			return ids.EndpointID{}, kerr.StoreCorruption("dispatch: unknown send target %s", item.Target)
		}
		return obj.Owner, nil
	default:
		return item.Endpoint, nil
	}
}
