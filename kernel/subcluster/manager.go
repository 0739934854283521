package subcluster

import (
	"sort"

	"github.com/ocapkernel/kernel/kernel/debug"
	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/nlog"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
	"github.com/ocapkernel/kernel/kernel/vat"
)

// Manager implements the SubclusterManager / VatManager:
// joint launch, terminate, and reload of a group of cooperating vats.
type Manager struct {
	st         *store.Store
	q          *queue.KernelQueue
	eng        *gc.Engine
	dispatcher *vat.Dispatcher
	platform   PlatformServices

	// handles and roots are in-memory, per-process bookkeeping keyed by
	// vat id: the worker handle PlatformServices needs to tear a vat down,
	// and the root kref its launch minted. Neither is part of the durable
	// key schema; both are re-derivable (handles from a fresh
	// PlatformServices.LaunchVat, roots are just ordinary kernel objects)
	// but caching them here avoids a store scan on every terminate.
	handles map[ids.EndpointID]string
	roots   map[ids.EndpointID]ids.KRef
}

// NewManager wires a Manager over the kernel's shared store, queue, GC
// engine, and vat dispatcher.
func NewManager(st *store.Store, q *queue.KernelQueue, eng *gc.Engine, dispatcher *vat.Dispatcher, platform PlatformServices) *Manager {
	return &Manager{
		st:         st,
		q:          q,
		eng:        eng,
		dispatcher: dispatcher,
		platform:   platform,
		handles:    make(map[ids.EndpointID]string),
		roots:      make(map[ids.EndpointID]ids.KRef),
	}
}

// LaunchResult is the {subclusterId, rootKref, bootstrapResult} triple
// LaunchSubcluster returns.
type LaunchResult struct {
	SubclusterID    ids.SubclusterID
	RootKRef        ids.KRef
	BootstrapResult ids.KRef
}

// LaunchSubcluster validates cfg, launches its vats in declaration order,
// and enqueues the bootstrap message to the bootstrap vat's root.
func (m *Manager) LaunchSubcluster(cfg store.SubclusterConfig) (LaunchResult, error) {
	<-m.q.WaitForCrank()

	if _, ok := cfg.Vats[cfg.Bootstrap]; !ok {
		return LaunchResult{}, kerr.InvalidClusterConfig("bootstrap %q is not a declared vat", cfg.Bootstrap)
	}
	if len(cfg.VatOrder) != len(cfg.Vats) {
		return LaunchResult{}, kerr.InvalidClusterConfig("vatOrder (%d) does not match vats (%d)", len(cfg.VatOrder), len(cfg.Vats))
	}
	seen := make(map[string]bool, len(cfg.VatOrder))
	for _, name := range cfg.VatOrder {
		if _, ok := cfg.Vats[name]; !ok {
			return LaunchResult{}, kerr.InvalidClusterConfig("vatOrder names undeclared vat %q", name)
		}
		seen[name] = true
	}
	if len(seen) != len(cfg.Vats) {
		return LaunchResult{}, kerr.InvalidClusterConfig("vatOrder has duplicate entries")
	}

	services := make(map[string]ids.KRef, len(cfg.Services))
	for _, name := range cfg.Services {
		var kref ids.KRef
		var ok bool
		err := m.st.Setup(func(tx *store.Tx) error {
			kref, ok = m.st.GetKernelService(tx, name)
			return nil
		})
		if err != nil {
			return LaunchResult{}, err
		}
		if !ok {
			return LaunchResult{}, kerr.KernelServiceMissing(name)
		}
		services[name] = kref
	}

	var sid ids.SubclusterID
	if err := m.st.Setup(func(tx *store.Tx) error {
		var err error
		sid, err = m.st.AddSubcluster(tx, cfg)
		return err
	}); err != nil {
		return LaunchResult{}, err
	}

	var launched []ids.EndpointID
	roots := make(map[string]ids.KRef, len(cfg.VatOrder))

	rollback := func(cause error) (LaunchResult, error) {
		for i := len(launched) - 1; i >= 0; i-- {
			m.teardownVat(launched[i])
		}
		_ = m.st.Setup(func(tx *store.Tx) error { return m.st.DeleteSubcluster(tx, sid) })
		return LaunchResult{}, cause
	}

	for _, name := range cfg.VatOrder {
		spec := cfg.Vats[name]

		var vid ids.EndpointID
		if err := m.st.Setup(func(tx *store.Tx) error {
			var err error
			vid, err = m.st.NewVatID(tx)
			return err
		}); err != nil {
			return rollback(err)
		}

		worker, handle, err := m.platform.LaunchVat(name, spec)
		if err != nil {
			return rollback(kerr.InvalidClusterConfig("launch vat %q: %v", name, err))
		}
		m.handles[vid] = handle
		launched = append(launched, vid)

		var rootKref ids.KRef
		if err := m.st.Setup(func(tx *store.Tx) error {
			var err error
			rootKref, err = m.st.NewKRef(tx, false)
			if err != nil {
				return err
			}
			if err := m.st.CreateObject(tx, rootKref, vid); err != nil {
				return err
			}
			// The root is the vat's first export by convention, so
			// deliveries targeting it translate to o+0 rather than
			// minting an import entry at the owner.
			if err := m.st.AddCListEntry(tx, vid, rootKref, ids.ObjExport(0)); err != nil {
				return err
			}
			if err := m.st.AddVatToSubcluster(tx, sid, vid); err != nil {
				return err
			}
			return nil
		}); err != nil {
			return rollback(err)
		}
		m.roots[vid] = rootKref
		roots[name] = rootKref

		h := vat.NewVatHandle(vid, m.st, m.q, worker)
		m.dispatcher.Register(h)

		params, err := bodyJSON.MarshalToString(spec)
		if err != nil {
			return rollback(err)
		}
		if err := m.st.Setup(func(tx *store.Tx) error {
			return h.StartVat(tx, params)
		}); err != nil {
			return rollback(err)
		}
	}

	bootstrapArgs, err := buildBootstrapArgs(roots, services)
	if err != nil {
		return rollback(err)
	}

	bootstrapRoot := roots[cfg.Bootstrap]
	var bootstrapKPID ids.KRef
	if err := m.st.Setup(func(tx *store.Tx) error {
		var err error
		bootstrapKPID, err = m.q.EnqueueBootstrapMessage(tx, bootstrapRoot, "bootstrap", bootstrapArgs)
		return err
	}); err != nil {
		return rollback(err)
	}

	nlog.Infoln("launched subcluster", sid, "bootstrap vat", cfg.Bootstrap, "root", bootstrapRoot)
	return LaunchResult{SubclusterID: sid, RootKRef: bootstrapRoot, BootstrapResult: bootstrapKPID}, nil
}

// TerminateSubcluster tears a subcluster down:
// member vats go in reverse declaration order, then the
// subcluster record itself is removed. Best-effort and idempotent per
// vat; the subcluster record is always removed even if individual vat
// teardown errors.
func (m *Manager) TerminateSubcluster(sid ids.SubclusterID) error {
	<-m.q.WaitForCrank()

	var vats []ids.EndpointID
	if err := m.st.Setup(func(tx *store.Tx) error {
		var err error
		vats, err = m.st.GetSubclusterVats(tx, sid)
		return err
	}); err != nil {
		return err
	}

	for i := len(vats) - 1; i >= 0; i-- {
		m.teardownVat(vats[i])
	}

	return m.st.Setup(func(tx *store.Tx) error { return m.st.DeleteSubcluster(tx, sid) })
}

// ReloadSubcluster is terminate followed by a fresh launch with the same
// stored config; the caller receives a new subcluster id.
func (m *Manager) ReloadSubcluster(sid ids.SubclusterID) (LaunchResult, error) {
	var cfg store.SubclusterConfig
	if err := m.st.Setup(func(tx *store.Tx) error {
		got, err := m.st.GetSubcluster(tx, sid)
		if err != nil {
			return err
		}
		cfg = *got
		return nil
	}); err != nil {
		return LaunchResult{}, err
	}
	if err := m.TerminateSubcluster(sid); err != nil {
		return LaunchResult{}, err
	}
	return m.LaunchSubcluster(cfg)
}

// DisconnectSystemVat performs full cleanup of a (typically system) vat
// outside any subcluster teardown: reject pending promises where it is
// decider, delete its c-list, sweep its GC actions, remove its worker.
// A shortcut that only removed the in-memory record without rejecting
// pending promises would leave dangling half-entries in the c-list, so
// full cleanup is the only code path.
func (m *Manager) DisconnectSystemVat(vid ids.EndpointID) error {
	<-m.q.WaitForCrank()
	m.teardownVat(vid)
	return nil
}

// teardownVat is the full-cleanup sequence shared by TerminateSubcluster
// and DisconnectSystemVat.
func (m *Manager) teardownVat(vid ids.EndpointID) {
	if err := m.st.Setup(func(tx *store.Tx) error {
		return m.rejectDeciderPromises(tx, vid)
	}); err != nil {
		nlog.Warningln("terminate vat", vid, ": rejecting decider promises:", err)
	}

	if err := m.st.Setup(func(tx *store.Tx) error {
		if err := m.st.DeleteAllCListEntries(tx, vid); err != nil {
			return err
		}
		if err := m.eng.SweepEndpoint(tx, vid); err != nil {
			return err
		}
		return m.st.DeleteVatstore(tx, vid)
	}); err != nil {
		nlog.Warningln("terminate vat", vid, ": sweeping state:", err)
	}

	if handle, ok := m.handles[vid]; ok {
		if err := m.platform.TerminateVat(handle); err != nil {
			nlog.Warningln("terminate vat", vid, ": worker teardown:", err)
		}
		delete(m.handles, vid)
	}
	delete(m.roots, vid)
	m.dispatcher.Unregister(vid)
}

// rejectDeciderPromises resolves every promise vid still decides as
// rejected with a "vat terminated" error, the way a revoked object's
// pending send is rejected.
func (m *Manager) rejectDeciderPromises(tx *store.Tx, vid ids.EndpointID) error {
	kpids := m.st.PromisesByDecider(tx, vid)
	if len(kpids) == 0 {
		return nil
	}
	// Deterministic order for reproducible Notify dispatch in tests.
	sort.Slice(kpids, func(i, j int) bool { return kpids[i].String() < kpids[j].String() })

	resolutions := make([]queue.Resolution, 0, len(kpids))
	for _, kpid := range kpids {
		resolutions = append(resolutions, queue.Resolution{
			KPID:     kpid,
			Rejected: true,
			Value:    &store.CapData{Body: "vat terminated"},
		})
	}
	debug.Assert(m.q != nil, "rejectDeciderPromises: no queue wired")
	return m.q.ResolvePromises(tx, vid, resolutions)
}
