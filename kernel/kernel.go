// Package kernel wires the store, GC engine, run queue, vat dispatcher,
// subcluster manager, kernel facet, remote adapter, and metrics collector
// into one running ocap kernel instance.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package kernel

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocapkernel/kernel/kernel/facet"
	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/metrics"
	"github.com/ocapkernel/kernel/kernel/nlog"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/remote"
	"github.com/ocapkernel/kernel/kernel/store"
	"github.com/ocapkernel/kernel/kernel/subcluster"
	"github.com/ocapkernel/kernel/kernel/vat"
)

const kernelFacetServiceName = "kernelFacet"

// Kernel is the fully-wired instance: opening one is enough to launch
// subclusters, run cranks, and exchange messages with remote peers.
type Kernel struct {
	cfg      *kconfig.Config
	st       *store.Store
	eng      *gc.Engine
	q        *queue.KernelQueue
	disp     *vat.Dispatcher
	mgr      *subcluster.Manager
	facet    *facet.Facet
	remote   *remote.Adapter
	metrics  *metrics.Collector
	platform subcluster.PlatformServices

	facetEp ids.EndpointID

	// facetCalls holds kernel-facet invocations received during a crank.
	// They run between cranks: facet methods open their own store
	// transactions and may wait for crank settlement, so executing them
	// while a delivery's transaction is open would deadlock.
	facetCalls []facetCall
}

type facetCall struct {
	method string
	args   string
	result *ids.ERef
}

// Open starts a kernel instance over cfg's store, registering the kernel
// facet as a durable kernel service and rebuilding the GC prefilter from
// whatever the store already holds: startup always rebuilds the
// in-memory filter from the canonical set, wake or not.
func Open(cfg *kconfig.Config, platform subcluster.PlatformServices, transport remote.Transport, reg prometheus.Registerer) (*Kernel, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}

	eng := gc.NewEngine(st)
	disp := vat.NewDispatcher(st)
	q := queue.New(st, eng, disp)
	disp.SetQueue(q)
	mgr := subcluster.NewManager(st, q, eng, disp, platform)
	fac := facet.New(st, q, eng, disp, mgr)
	rem := remote.New(st, transport)
	mc := metrics.NewCollector(reg)

	k := &Kernel{cfg: cfg, st: st, eng: eng, q: q, disp: disp, mgr: mgr, facet: fac, remote: rem, metrics: mc, platform: platform}

	if err := st.Setup(func(tx *store.Tx) error { return eng.Rebuild(tx) }); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := k.registerKernelFacet(); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := k.ReconcileAfterWake(time.Now()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return k, nil
}

// Close releases the underlying store, recording lastActiveTime so the
// next Open's DetectWake has an honest baseline.
func (k *Kernel) Close() error {
	if err := k.st.RecordLastActiveTime(time.Now()); err != nil {
		nlog.Warningln("close: recording last-active time:", err)
	}
	return k.st.Close()
}

// Facet returns the kernel facet, for callers embedding a kernel in a
// larger process that want to expose it directly (e.g. over an RPC
// transport of their own) rather than only via a launched subcluster's
// bootstrap services.
func (k *Kernel) Facet() *facet.Facet { return k.facet }

// Manager returns the subcluster manager.
func (k *Kernel) Manager() *subcluster.Manager { return k.mgr }

// Dispatcher returns the vat dispatcher, for tests wiring handles directly.
func (k *Kernel) Dispatcher() *vat.Dispatcher { return k.disp }

// Store returns the underlying store, for callers that need direct access
// to state the facet doesn't expose (e.g. test fixtures seeding c-list
// entries or GC actions).
func (k *Kernel) Store() *store.Store { return k.st }

// Remote returns the remote-comms adapter.
func (k *Kernel) Remote() *remote.Adapter { return k.remote }

// Run drives the run queue to quiescence, recording crank metrics around
// each step.
// Kernel-facet invocations picked up during a crank execute here, at the
// between-cranks suspension point, and their results feed back in as
// ordinary promise resolutions.
func (k *Kernel) Run() error {
	for {
		more, err := k.runOnceObserved()
		if err != nil {
			return err
		}
		drained, err := k.drainFacetCalls()
		if err != nil {
			return err
		}
		if !more && !drained {
			return nil
		}
	}
}

// RunOnce drives exactly one crank, for callers that want to interleave
// their own work between cranks (e.g. a test asserting ordering mid-run).
func (k *Kernel) RunOnce() (bool, error) {
	return k.runOnceObserved()
}

func (k *Kernel) runOnceObserved() (bool, error) {
	start := time.Now()
	more, err := k.q.RunOnce()
	if err != nil {
		k.metrics.ObserveCrankAbort()
		return more, err
	}
	if more {
		k.metrics.ObserveCrank(time.Since(start))
	}
	k.refreshGauges()
	return more, nil
}

// refreshGauges snapshots GC action set size and compromised-vat count
// into the metrics collector. Run-queue depth by item kind is not sampled
// here: nothing in the kernel calls metrics.Collector.SetRunQueueDepth.
func (k *Kernel) refreshGauges() {
	_ = k.st.Setup(func(tx *store.Tx) error {
		k.metrics.SetGCActionSetSize(k.st.GCSetSize(tx))
		compromised, err := k.st.GetCompromisedVats(tx)
		if err != nil {
			return err
		}
		k.metrics.SetCompromisedVats(len(compromised))
		return nil
	})
}

// BringOutYourDead schedules ep's periodic finalization sweep: the vat
// walks its local dead set and answers with dropImports /
// retireImports syscalls on the next crank.
func (k *Kernel) BringOutYourDead(ep ids.EndpointID) { k.q.EnqueueBringout(ep) }

// ReconcileAfterWake checks Store.DetectWake against now and, on a
// cross-incarnation wake, rebuilds the GC prefilter from the canonical
// set: the in-memory cuckoo filter never survives a restart, so a wake
// must re-derive it before any dispatch can be trusted not to drop a
// live action or stall on a stale one.
func (k *Kernel) ReconcileAfterWake(now time.Time) error {
	woke, err := k.st.DetectWake(now)
	if err != nil {
		return err
	}
	if !woke {
		return nil
	}
	nlog.Infoln("detected cross-incarnation wake, rebuilding GC prefilter")
	return k.st.Setup(func(tx *store.Tx) error { return k.eng.Rebuild(tx) })
}

// registerKernelFacet mints a synthetic object owned by a dedicated system
// endpoint, backs that endpoint with a Worker that parks deliveries for
// Facet.InvokeMethod, and registers the resulting kref under
// "kernelFacet" so any subcluster config naming it in Services receives
// it in its bootstrap args.
func (k *Kernel) registerKernelFacet() error {
	var ep ids.EndpointID
	if err := k.st.Setup(func(tx *store.Tx) error {
		var err error
		ep, err = k.st.NewVatID(tx)
		return err
	}); err != nil {
		return err
	}
	k.facetEp = ep

	h := vat.NewSystemVatHandle(ep, k.st, k.q, &facetWorker{k: k})
	k.disp.Register(h)

	return k.st.Setup(func(tx *store.Tx) error {
		kref, err := k.st.NewKRef(tx, false)
		if err != nil {
			return err
		}
		if err := k.st.CreateObject(tx, kref, ep); err != nil {
			return err
		}
		if err := k.st.AddCListEntry(tx, ep, kref, ids.ObjExport(0)); err != nil {
			return err
		}
		return k.st.RegisterKernelService(tx, kernelFacetServiceName, kref)
	})
}

// facetWorker adapts Facet.InvokeMethod to the vat.Worker boundary so the
// kernel facet can be delivered to like any other object. It never runs
// the method inside the delivery's crank — it parks the call on the
// kernel's facetCalls list and returns no syscalls; Run executes it at the
// next between-cranks suspension point and resolves the result promise
// then (facet methods open their own transactions and may wait for crank
// settlement, so running them mid-crank would deadlock the store).
type facetWorker struct {
	k *Kernel
}

func (w *facetWorker) SendDelivery(d vat.Delivery) ([]vat.Syscall, error) {
	if d.Kind != vat.DeliveryMessage || d.Methargs == nil {
		return nil, nil
	}
	// EnqueueMessage packs "method:argsJSON" into the body.
	method, args := d.Methargs.Body, ""
	if i := strings.IndexByte(method, ':'); i >= 0 {
		method, args = method[:i], method[i+1:]
	}
	w.k.facetCalls = append(w.k.facetCalls, facetCall{method: method, args: args, result: d.Result})
	return nil, nil
}

// drainFacetCalls runs every parked facet invocation and resolves its
// result promise. Reports whether any call ran (new work may now be on the
// run queue).
func (k *Kernel) drainFacetCalls() (bool, error) {
	if len(k.facetCalls) == 0 {
		return false, nil
	}
	calls := k.facetCalls
	k.facetCalls = nil
	for _, call := range calls {
		out, err := k.facet.InvokeMethod(call.method, call.args)
		if call.result == nil {
			if err != nil {
				nlog.Warningln("kernel facet", call.method, "failed with no result promise:", err)
			}
			continue
		}
		resolution := queue.Resolution{Rejected: err != nil, Value: &store.CapData{Body: out}}
		if err != nil {
			resolution.Value = &store.CapData{Body: err.Error()}
		}
		if serr := k.st.Setup(func(tx *store.Tx) error {
			kpid, ok := k.st.ErefToKRef(tx, k.facetEp, *call.result)
			if !ok {
				return nil // caller already tore the promise down
			}
			resolution.KPID = kpid
			return k.q.ResolvePromises(tx, k.facetEp, []queue.Resolution{resolution})
		}); serr != nil {
			return true, serr
		}
	}
	return true, nil
}
