package store

import (
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
)

// kernelKRefCounterKey is a global allocator for koN/kpN identifiers. Not
// part of the documented key schema (which covers per-endpoint and
// per-reference bookkeeping, not kernel-wide id minting) but required to
// hand out fresh, never-reused kernel references; see DESIGN.md.
func kernelKRefCounterKey(isPromise bool) string {
	if isPromise {
		return "kernel.nextPromiseKRef"
	}
	return "kernel.nextObjectKRef"
}

// NewKRef allocates a fresh kernel reference (object or promise).
func (s *Store) NewKRef(tx *Tx, isPromise bool) (ids.KRef, error) {
	n, err := s.nextCounter(tx, kernelKRefCounterKey(isPromise))
	if err != nil {
		return ids.KRef{}, err
	}
	if isPromise {
		return ids.Prom(n), nil
	}
	return ids.Obj(n), nil
}

// CreatePromise allocates a new kernel promise with the given decider.
func (s *Store) CreatePromise(tx *Tx, decider ids.EndpointID) (ids.KRef, error) {
	kpid, err := s.NewKRef(tx, true)
	if err != nil {
		return ids.KRef{}, err
	}
	kpS := kpid.String()
	if err := tx.Set(keyPromiseState(kpS), "unresolved"); err != nil {
		return ids.KRef{}, err
	}
	if err := tx.Set(keyPromiseDecider(kpS), decider.String()); err != nil {
		return ids.KRef{}, err
	}
	if err := tx.Set(keyPromiseSubscribers(kpS), "[]"); err != nil {
		return ids.KRef{}, err
	}
	if err := s.addDeciderIndex(tx, decider, kpid); err != nil {
		return ids.KRef{}, err
	}
	return kpid, nil
}

// PromisesByDecider lists the kpids currently decided by ep, in creation
// order. SubclusterManager.TerminateSubcluster uses this to find pending
// promises a terminating vat must reject.
func (s *Store) PromisesByDecider(tx *Tx, ep ids.EndpointID) []ids.KRef {
	raw, _ := tx.Get(keyPromisesByDecider(ep.String()))
	var strs []string
	if raw != "" {
		_ = unmarshalJSON(raw, &strs)
	}
	out := make([]ids.KRef, 0, len(strs))
	for _, s := range strs {
		if kr, err := ids.ParseKRef(s); err == nil {
			out = append(out, kr)
		}
	}
	return out
}

func (s *Store) addDeciderIndex(tx *Tx, ep ids.EndpointID, kpid ids.KRef) error {
	key := keyPromisesByDecider(ep.String())
	raw, _ := tx.Get(key)
	var strs []string
	if raw != "" {
		if err := unmarshalJSON(raw, &strs); err != nil {
			return kerr.StoreCorruption("promisesByDecider %s: %v", ep, err)
		}
	}
	strs = append(strs, kpid.String())
	v, err := marshalJSON(strs)
	if err != nil {
		return err
	}
	return tx.Set(key, v)
}

func (s *Store) removeDeciderIndex(tx *Tx, ep ids.EndpointID, kpid ids.KRef) error {
	key := keyPromisesByDecider(ep.String())
	raw, _ := tx.Get(key)
	if raw == "" {
		return nil
	}
	var strs []string
	if err := unmarshalJSON(raw, &strs); err != nil {
		return kerr.StoreCorruption("promisesByDecider %s: %v", ep, err)
	}
	kpS := kpid.String()
	out := strs[:0]
	for _, s := range strs {
		if s != kpS {
			out = append(out, s)
		}
	}
	v, err := marshalJSON(out)
	if err != nil {
		return err
	}
	return tx.Set(key, v)
}

// GetPromise reads the current state of a kernel promise.
func (s *Store) GetPromise(tx *Tx, kpid ids.KRef) (*KernelPromise, bool) {
	kpS := kpid.String()
	stateS, ok := tx.Get(keyPromiseState(kpS))
	if !ok {
		return nil, false
	}
	p := &KernelPromise{KPID: kpid}
	switch stateS {
	case "fulfilled":
		p.State = PromiseFulfilled
	case "rejected":
		p.State = PromiseRejected
	default:
		p.State = PromiseUnresolved
	}
	if deciderS, ok := tx.Get(keyPromiseDecider(kpS)); ok {
		if d, err := ids.ParseEndpointID(deciderS); err == nil {
			p.Decider = &d
		}
	}
	if subsS, ok := tx.Get(keyPromiseSubscribers(kpS)); ok {
		var raw []string
		if err := unmarshalJSON(subsS, &raw); err == nil {
			for _, r := range raw {
				if ep, err := ids.ParseEndpointID(r); err == nil {
					p.Subscribers = append(p.Subscribers, ep)
				}
			}
		}
	}
	if valS, ok := tx.Get(keyPromiseValue(kpS)); ok {
		var cd CapData
		if err := unmarshalJSON(valS, &cd); err == nil {
			p.Value = &cd
		}
	}
	if slotsS, ok := tx.Get(keyPromiseSlots(kpS)); ok {
		var raw []string
		if err := unmarshalJSON(slotsS, &raw); err == nil {
			for _, r := range raw {
				if kr, err := ids.ParseKRef(r); err == nil {
					p.Slots = append(p.Slots, kr)
				}
			}
		}
	}
	return p, true
}

// Subscribe adds ep to kpid's subscriber list, preserving insertion
// order; notifies go out in that order. Subscribing twice is idempotent.
func (s *Store) Subscribe(tx *Tx, kpid ids.KRef, ep ids.EndpointID) error {
	kpS := kpid.String()
	raw, _ := tx.Get(keyPromiseSubscribers(kpS))
	var subs []string
	if raw != "" {
		if err := unmarshalJSON(raw, &subs); err != nil {
			return kerr.StoreCorruption("promise %s subscribers: %v", kpS, err)
		}
	}
	epS := ep.String()
	for _, e := range subs {
		if e == epS {
			return nil
		}
	}
	subs = append(subs, epS)
	v, err := marshalJSON(subs)
	if err != nil {
		return err
	}
	return tx.Set(keyPromiseSubscribers(kpS), v)
}

// ResolvePromise transitions kpid to fulfilled/rejected, clears the
// decider, and records its value and resolution slots. Each non-promise
// slot's refcount is incremented once, on behalf of the kernel itself
// holding the reference until it is transferred to subscribers as their
// Notify deliveries are built. The caller
// (KernelQueue) must call ReleasePromiseSlotHold once every subscriber's
// Notify has been delivered, or at once when there are no subscribers.
func (s *Store) ResolvePromise(tx *Tx, kpid ids.KRef, rejected bool, value *CapData, slots []ids.KRef) error {
	kpS := kpid.String()
	state := "fulfilled"
	if rejected {
		state = "rejected"
	}
	if err := tx.Set(keyPromiseState(kpS), state); err != nil {
		return err
	}
	if deciderS, ok := tx.Get(keyPromiseDecider(kpS)); ok {
		if decider, err := ids.ParseEndpointID(deciderS); err == nil {
			if err := s.removeDeciderIndex(tx, decider, kpid); err != nil {
				return err
			}
		}
	}
	if err := tx.Delete(keyPromiseDecider(kpS)); err != nil {
		return err
	}
	if value != nil {
		v, err := marshalJSON(value)
		if err != nil {
			return err
		}
		if err := tx.Set(keyPromiseValue(kpS), v); err != nil {
			return err
		}
	}
	slotStrs := make([]string, len(slots))
	for i, sl := range slots {
		slotStrs[i] = sl.String()
	}
	v, err := marshalJSON(slotStrs)
	if err != nil {
		return err
	}
	if err := tx.Set(keyPromiseSlots(kpS), v); err != nil {
		return err
	}
	for _, sl := range slots {
		if sl.IsPromise {
			continue
		}
		if err := s.IncrementRefCount(tx, sl); err != nil {
			return err
		}
	}
	return nil
}

// ReleasePromiseSlotHold releases the kernel's temporary hold (see
// ResolvePromise) on kpid's resolution slots, once every subscriber has
// been notified. Both halves come back down: the hold incremented both.
func (s *Store) ReleasePromiseSlotHold(tx *Tx, kpid ids.KRef) error {
	p, ok := s.GetPromise(tx, kpid)
	if !ok {
		return kerr.StoreCorruption("releasePromiseSlotHold: unknown promise %s", kpid)
	}
	for _, sl := range p.Slots {
		if sl.IsPromise {
			continue
		}
		if err := s.DecrementRefCount(tx, sl, "promise-slot-transfer", false); err != nil {
			return err
		}
		if err := s.DecrementRefCount(tx, sl, "promise-slot-transfer", true); err != nil {
			return err
		}
	}
	return nil
}

// TransferDecider reassigns an unresolved promise's decider to the endpoint
// a message naming it as result is being delivered to. A no-op on an
// already-resolved promise or when the
// decider is unchanged.
func (s *Store) TransferDecider(tx *Tx, kpid ids.KRef, to ids.EndpointID) error {
	kpS := kpid.String()
	cur, ok := tx.Get(keyPromiseDecider(kpS))
	if !ok || cur == to.String() {
		return nil
	}
	old, err := ids.ParseEndpointID(cur)
	if err != nil {
		return kerr.StoreCorruption("promise %s decider: %v", kpS, err)
	}
	if err := s.removeDeciderIndex(tx, old, kpid); err != nil {
		return err
	}
	if err := tx.Set(keyPromiseDecider(kpS), to.String()); err != nil {
		return err
	}
	return s.addDeciderIndex(tx, to, kpid)
}

// ClearSubscribers empties kpid's subscriber list. Called in the crank
// that delivers the last subscriber's Notify.
func (s *Store) ClearSubscribers(tx *Tx, kpid ids.KRef) error {
	return tx.Set(keyPromiseSubscribers(kpid.String()), "[]")
}
