package queue

import (
	"github.com/ocapkernel/kernel/kernel/debug"
	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/nlog"
	"github.com/ocapkernel/kernel/kernel/store"
)

// Resolution is one (kpid, rejected, value) tuple for ResolvePromises.
type Resolution struct {
	KPID     ids.KRef
	Rejected bool
	Value    *store.CapData
}

// KernelQueue drives the kernel's single-threaded, cooperative scheduler.
// Exactly one crank is ever active at a time.
type KernelQueue struct {
	st        *store.Store
	gcEngine  *gc.Engine
	deliverer Deliverer

	items []RunQueueItem

	// pendingSlotHold tracks, per resolved promise, how many subscriber
	// Notify deliveries remain before the kernel's temporary refcount hold
	// on its resolution slots (store.ResolvePromise) can be released to
	// the subscribers that by then hold their own.
	pendingSlotHold map[ids.KRef]int

	inCrank bool
	waiters []chan struct{}
}

// New constructs a KernelQueue. deliverer is typically a *vat.Dispatcher
// routing by endpoint kind to the right VatHandle/SystemVatHandle.
func New(st *store.Store, gcEngine *gc.Engine, deliverer Deliverer) *KernelQueue {
	return &KernelQueue{
		st:              st,
		gcEngine:        gcEngine,
		deliverer:       deliverer,
		pendingSlotHold: make(map[ids.KRef]int),
	}
}

// EnqueueSend enqueues a Send run-queue item. target and the krefs inside
// methargs/result are already kernel-level (translated by the caller's
// VatHandle before this is called). The message in
// flight holds a reference on its target and every object slot; dispatch
// releases the hold when the delivery consumes the message.
func (q *KernelQueue) EnqueueSend(tx *store.Tx, target ids.KRef, methargs *store.CapData, result *ids.KRef) error {
	return q.enqueueSend(tx, RunQueueItem{Kind: KindSend, Target: target, Methargs: methargs, Result: result})
}

// EnqueueBootstrapSend enqueues the one bootstrap Send a freshly launched
// vat receives, tagging it so the scheduler dispatches it ahead of any GC
// action.
func (q *KernelQueue) EnqueueBootstrapSend(tx *store.Tx, target ids.KRef, methargs *store.CapData) error {
	return q.enqueueSend(tx, RunQueueItem{Kind: KindSend, Target: target, Methargs: methargs, bootstrapRoot: true})
}

func (q *KernelQueue) enqueueSend(tx *store.Tx, item RunQueueItem) error {
	if err := q.holdSendRefs(tx, item); err != nil {
		return err
	}
	q.items = append(q.items, item)
	return nil
}

// EnqueueNotify enqueues a Notify for one subscriber of kpid.
func (q *KernelQueue) EnqueueNotify(ep ids.EndpointID, kpid ids.KRef) {
	q.items = append(q.items, RunQueueItem{Kind: KindNotify, Endpoint: ep, KPID: kpid})
}

// EnqueueBringout schedules a "bringOutYourDead" delivery for ep: the
// vat runs its local finalization pass and answers with
// whatever drop/retire syscalls fell out of it.
func (q *KernelQueue) EnqueueBringout(ep ids.EndpointID) {
	q.items = append(q.items, RunQueueItem{Kind: KindBringout, Endpoint: ep})
}

// holdSendRefs records the in-flight message's refcount contribution:
// the target and every object slot named in the body stay reachable while
// the Send sits on the run queue.
func (q *KernelQueue) holdSendRefs(tx *store.Tx, item RunQueueItem) error {
	if !item.Target.IsPromise {
		if err := q.st.IncrementRefCount(tx, item.Target); err != nil {
			return err
		}
	}
	if item.Methargs == nil {
		return nil
	}
	for _, s := range item.Methargs.Slots {
		kref, err := ids.ParseKRef(s)
		if err != nil {
			return kerr.CrankProtocol("enqueueSend: bad slot %q: %v", s, err)
		}
		if kref.IsPromise {
			continue
		}
		if err := q.st.IncrementRefCount(tx, kref); err != nil {
			return err
		}
	}
	return nil
}

// releaseSendRefs drops the hold holdSendRefs took, once the delivery has
// consumed the message (the destination's own c-list entries, created
// during translation, carry the reference from here on).
func (q *KernelQueue) releaseSendRefs(tx *store.Tx, item RunQueueItem) error {
	release := func(kref ids.KRef) error {
		if err := q.st.DecrementRefCount(tx, kref, "consume", false); err != nil {
			return err
		}
		return q.st.DecrementRefCount(tx, kref, "consume", true)
	}
	if !item.Target.IsPromise {
		if err := release(item.Target); err != nil {
			return err
		}
	}
	if item.Methargs == nil {
		return nil
	}
	for _, s := range item.Methargs.Slots {
		kref, err := ids.ParseKRef(s)
		if err != nil {
			return kerr.CrankProtocol("releaseSendRefs: bad slot %q: %v", s, err)
		}
		if kref.IsPromise {
			continue
		}
		if err := release(kref); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueMessage is the high-level send wrapper: it allocates
// a fresh result promise (decider is target's current owner) and enqueues
// the Send.
func (q *KernelQueue) EnqueueMessage(tx *store.Tx, target ids.KRef, method string, args *store.CapData) (ids.KRef, error) {
	obj, ok := q.st.GetObject(tx, target)
	if !ok {
		return ids.KRef{}, kerr.StoreCorruption("enqueueMessage: unknown target %s", target)
	}
	kpid, err := q.st.CreatePromise(tx, obj.Owner)
	if err != nil {
		return ids.KRef{}, err
	}
	methargs := &store.CapData{Body: method + ":" + args.Body, Slots: args.Slots}
	result := kpid
	if err := q.EnqueueSend(tx, target, methargs, &result); err != nil {
		return ids.KRef{}, err
	}
	return kpid, nil
}

// EnqueueBootstrapMessage is EnqueueMessage's bootstrap-tagged counterpart
// (SubclusterManager.LaunchSubcluster step 6): the resulting Send bypasses
// the GC-before-regular-item scheduling preference.
func (q *KernelQueue) EnqueueBootstrapMessage(tx *store.Tx, target ids.KRef, method string, args *store.CapData) (ids.KRef, error) {
	obj, ok := q.st.GetObject(tx, target)
	if !ok {
		return ids.KRef{}, kerr.StoreCorruption("enqueueBootstrapMessage: unknown target %s", target)
	}
	kpid, err := q.st.CreatePromise(tx, obj.Owner)
	if err != nil {
		return ids.KRef{}, err
	}
	methargs := &store.CapData{Body: method + ":" + args.Body, Slots: args.Slots}
	result := kpid
	if err := q.enqueueSend(tx, RunQueueItem{Kind: KindSend, Target: target, Methargs: methargs, Result: &result, bootstrapRoot: true}); err != nil {
		return ids.KRef{}, err
	}
	return kpid, nil
}

// ResolvePromises updates the promise table, enqueues a Notify for every
// subscriber (in subscribe-order), and arranges for the kernel's
// temporary slot-refcount hold to be released once all of them have been
// delivered.
func (q *KernelQueue) ResolvePromises(tx *store.Tx, ep ids.EndpointID, resolutions []Resolution) error {
	for _, r := range resolutions {
		p, ok := q.st.GetPromise(tx, r.KPID)
		if !ok {
			return kerr.CrankProtocol("resolvePromises: unknown promise %s", r.KPID)
		}
		if p.Decider == nil || *p.Decider != ep {
			return kerr.CrankProtocol("resolvePromises: %s is not decider of %s", ep, r.KPID)
		}

		slots := make([]ids.KRef, 0, len(r.Value.Slots))
		for _, s := range r.Value.Slots {
			kref, err := ids.ParseKRef(s)
			if err != nil {
				return kerr.CrankProtocol("resolvePromises: bad slot %q: %v", s, err)
			}
			slots = append(slots, kref)
		}

		if err := q.st.ResolvePromise(tx, r.KPID, r.Rejected, r.Value, slots); err != nil {
			return err
		}

		subs := p.Subscribers
		if len(subs) == 0 {
			if err := q.st.ReleasePromiseSlotHold(tx, r.KPID); err != nil {
				return err
			}
			continue
		}
		q.pendingSlotHold[r.KPID] = len(subs)
		for _, sub := range subs {
			q.EnqueueNotify(sub, r.KPID)
		}
	}
	return nil
}

// WaitForCrank returns a channel that closes when the currently active
// crank ends, or an already-closed channel if no crank is active.
func (q *KernelQueue) WaitForCrank() <-chan struct{} {
	ch := make(chan struct{})
	if !q.inCrank {
		close(ch)
		return ch
	}
	q.waiters = append(q.waiters, ch)
	return ch
}

// Run pumps run-queue items until both the FIFO queue and the GC action
// set are empty.
func (q *KernelQueue) Run() error {
	for {
		more, err := q.RunOnce()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// RunOnce drives at most one crank. It returns false once there is
// nothing left to do (checked outside any crank, cheaply).
func (q *KernelQueue) RunOnce() (bool, error) {
	work, err := q.hasWork()
	if err != nil || !work {
		return false, err
	}
	var dispatchErr error
	err = q.runCrank(func(c *Crank) error {
		item, ok, perr := q.next(c.tx)
		if perr != nil {
			return perr
		}
		if !ok {
			return nil
		}
		dispatchErr = q.dispatch(c, item)
		return dispatchErr
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *KernelQueue) hasWork() (bool, error) {
	if len(q.items) > 0 {
		return true, nil
	}
	var any bool
	err := q.st.Setup(func(tx *store.Tx) error {
		any = q.st.GCSetSize(tx) > 0
		return nil
	})
	return any, err
}

// next picks the highest-priority dispatchable item: while a bootstrap
// Send is pending anywhere in the FIFO, GC is held back and the FIFO head
// goes next; otherwise a GC batch, then the next FIFO item.
func (q *KernelQueue) next(tx *store.Tx) (RunQueueItem, bool, error) {
	for _, pending := range q.items {
		if pending.bootstrapRoot {
			item := q.items[0]
			q.items = q.items[1:]
			return item, true, nil
		}
	}
	batch, ok, err := q.gcEngine.NextBatch(tx)
	if err != nil {
		return RunQueueItem{}, false, err
	}
	if ok {
		return gcItem(batch), true, nil
	}
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		return item, true, nil
	}
	return RunQueueItem{}, false, nil
}

func (q *KernelQueue) dispatch(c *Crank, item RunQueueItem) error {
	if err := q.deliverer.Deliver(c.tx, item); err != nil {
		return err
	}
	switch item.Kind {
	case KindSend:
		return q.releaseSendRefs(c.tx, item)
	case KindNotify:
		return q.onNotifyDelivered(c.tx, item.KPID)
	}
	return nil
}

func (q *KernelQueue) onNotifyDelivered(tx *store.Tx, kpid ids.KRef) error {
	remaining, ok := q.pendingSlotHold[kpid]
	if !ok {
		return nil
	}
	remaining--
	if remaining > 0 {
		q.pendingSlotHold[kpid] = remaining
		return nil
	}
	delete(q.pendingSlotHold, kpid)
	if err := q.st.ReleasePromiseSlotHold(tx, kpid); err != nil {
		return err
	}
	return q.st.ClearSubscribers(tx, kpid)
}

// runCrank implements the crank lifecycle: startCrank,
// body, endCrank, with a drop guard so a panic inside the delivery still
// leaves the store at a clean transaction boundary.
func (q *KernelQueue) runCrank(fn func(c *Crank) error) (err error) {
	debug.Assert(!q.inCrank, "startCrank: a crank is already active")
	tx, err := q.st.Begin()
	if err != nil {
		return err
	}
	c := &Crank{tx: tx}
	q.inCrank = true

	defer func() {
		if r := recover(); r != nil {
			nlog.Errorln("crank panic, rolling back:", r)
			_ = q.st.Abort(tx)
			q.endCrank()
			panic(r)
		}
	}()

	if ferr := fn(c); ferr != nil {
		_ = q.st.Abort(tx)
		q.endCrank()
		return ferr
	}
	if cerr := q.st.Commit(tx); cerr != nil {
		q.endCrank()
		return cerr
	}
	q.endCrank()
	return nil
}

func (q *KernelQueue) endCrank() {
	debug.Assert(q.inCrank, "endCrank: no crank is active")
	q.inCrank = false
	waiters := q.waiters
	q.waiters = nil
	for _, ch := range waiters {
		close(ch)
	}
}
