// Package facet implements the KernelFacet: a single,
// hardened capability object handed to system vats inside their bootstrap
// message, exposing a fixed, closed method list bound to the kernel
// instance so its private state stays reachable without ever widening
// what a system vat can do to the kernel.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package facet

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kerr"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
	"github.com/ocapkernel/kernel/kernel/subcluster"
	"github.com/ocapkernel/kernel/kernel/vat"
)

var methodJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is getStatus()'s return shape: a coarse snapshot of kernel
// health a system vat's monitoring UI can poll.
type Status struct {
	CompromisedVatCount int `json:"compromisedVatCount"`
	SubclusterCount     int `json:"subclusterCount"`
	PendingGCActions    int `json:"pendingGcActions"`
}

// Presence is getPresence()'s return shape.
type Presence struct {
	KRef         string `json:"kref"`
	Owner        string `json:"owner"`
	Reachable    int64  `json:"reachable"`
	Recognizable int64  `json:"recognizable"`
	Revoked      bool   `json:"revoked"`
	Iface        string `json:"iface,omitempty"`
}

// Facet is the KernelFacet. It is immutable after construction: every
// field is a reference to shared kernel collaborators, never copied
// private state of its own.
type Facet struct {
	st   *store.Store
	q    *queue.KernelQueue
	eng  *gc.Engine
	disp *vat.Dispatcher
	mgr  *subcluster.Manager
}

// New constructs the KernelFacet over the kernel's already-wired
// collaborators.
func New(st *store.Store, q *queue.KernelQueue, eng *gc.Engine, disp *vat.Dispatcher, mgr *subcluster.Manager) *Facet {
	return &Facet{st: st, q: q, eng: eng, disp: disp, mgr: mgr}
}

// Ping answers "pong" unconditionally, for the simplest possible liveness
// check a system vat can perform.
func (f *Facet) Ping() string { return "pong" }

// GetPresence reports a kernel object's current refcount/ownership state.
// iface is opaque metadata a caller may pass for its own bookkeeping (the
// kernel does not interpret it) and is echoed back unchanged.
func (f *Facet) GetPresence(kref ids.KRef, iface string) (Presence, error) {
	var p Presence
	err := f.st.Setup(func(tx *store.Tx) error {
		obj, ok := f.st.GetObject(tx, kref)
		if !ok {
			return kerr.StoreCorruption("getPresence: unknown object %s", kref)
		}
		p = Presence{
			KRef:         obj.KRef.String(),
			Owner:        obj.Owner.String(),
			Reachable:    obj.Reachable,
			Recognizable: obj.Recognizable,
			Revoked:      obj.Revoked,
			Iface:        iface,
		}
		return nil
	})
	return p, err
}

// GetStatus returns a coarse kernel health snapshot.
func (f *Facet) GetStatus() (Status, error) {
	var s Status
	err := f.st.Setup(func(tx *store.Tx) error {
		compromised, err := f.st.GetCompromisedVats(tx)
		if err != nil {
			return err
		}
		s.CompromisedVatCount = len(compromised)
		s.SubclusterCount = len(f.st.GetSubclusters(tx))
		s.PendingGCActions = f.st.GCSetSize(tx)
		return nil
	})
	return s, err
}

// GetSubcluster reads one subcluster's stored config.
func (f *Facet) GetSubcluster(sid ids.SubclusterID) (*store.SubclusterConfig, error) {
	var cfg *store.SubclusterConfig
	err := f.st.Setup(func(tx *store.Tx) error {
		got, err := f.st.GetSubcluster(tx, sid)
		if err != nil {
			return err
		}
		cfg = got
		return nil
	})
	return cfg, err
}

// GetSubclusters lists every registered subcluster id.
func (f *Facet) GetSubclusters() ([]ids.SubclusterID, error) {
	var out []ids.SubclusterID
	err := f.st.Setup(func(tx *store.Tx) error {
		out = f.st.GetSubclusters(tx)
		return nil
	})
	return out, err
}

// GetSystemSubclusterRoot resolves a named system vat's root kref. System
// subcluster roots are registered the same way kernel services are, under
// a "system:" namespaced name so they never collide with an ordinary
// service registration.
func (f *Facet) GetSystemSubclusterRoot(name string) (ids.KRef, error) {
	var kref ids.KRef
	err := f.st.Setup(func(tx *store.Tx) error {
		got, ok := f.st.GetKernelService(tx, systemRootServiceName(name))
		if !ok {
			return kerr.KernelServiceMissing(name)
		}
		kref = got
		return nil
	})
	return kref, err
}

// RegisterSystemSubclusterRoot records name's root kref, for use by
// kernel wiring when it launches the system subcluster.
func (f *Facet) RegisterSystemSubclusterRoot(name string, kref ids.KRef) error {
	return f.st.Setup(func(tx *store.Tx) error {
		return f.st.RegisterKernelService(tx, systemRootServiceName(name), kref)
	})
}

func systemRootServiceName(name string) string { return "system:" + name }

// LaunchSubcluster delegates to the SubclusterManager.
func (f *Facet) LaunchSubcluster(cfg store.SubclusterConfig) (subcluster.LaunchResult, error) {
	return f.mgr.LaunchSubcluster(cfg)
}

// TerminateSubcluster delegates to the SubclusterManager.
func (f *Facet) TerminateSubcluster(sid ids.SubclusterID) error {
	return f.mgr.TerminateSubcluster(sid)
}

// PingVat reports whether vid currently has a live, non-compromised vat
// handle registered.
func (f *Facet) PingVat(vid ids.EndpointID) error {
	h, ok := f.disp.Handle(vid)
	if !ok {
		return kerr.StoreCorruption("pingVat: no handle for %s", vid)
	}
	if h.State() == vat.Compromised || h.State() == vat.Terminated {
		return kerr.VatCompromised(vid.String())
	}
	return nil
}

// QueueMessage is the privileged equivalent of a vat's syscall.send: it
// enqueues a message to target and returns the kpid of its result
// promise.
func (f *Facet) QueueMessage(target ids.KRef, method string, args *store.CapData) (ids.KRef, error) {
	var kpid ids.KRef
	err := f.st.Setup(func(tx *store.Tx) error {
		var err error
		kpid, err = f.q.EnqueueMessage(tx, target, method, args)
		return err
	})
	return kpid, err
}

// Reset tears down every live subcluster, returning the kernel to its
// post-open baseline every invariant is checked relative to.
func (f *Facet) Reset() error {
	var sids []ids.SubclusterID
	if err := f.st.Setup(func(tx *store.Tx) error {
		sids = f.st.GetSubclusters(tx)
		return nil
	}); err != nil {
		return err
	}
	for _, sid := range sids {
		if err := f.mgr.TerminateSubcluster(sid); err != nil {
			return err
		}
	}
	return nil
}

// InvokeMethod is the single wire entry point a system vat's worker stub
// actually calls: every other named method on Facet is reachable through
// it by name, so the vat-side binding only ever needs one RPC shape
// crossing the worker boundary.
func (f *Facet) InvokeMethod(method string, rawArgs string) (string, error) {
	switch method {
	case "ping":
		return methodJSON.MarshalToString(f.Ping())
	case "getStatus":
		st, err := f.GetStatus()
		if err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(st)
	case "getSubclusters":
		sids, err := f.GetSubclusters()
		if err != nil {
			return "", err
		}
		names := make([]string, len(sids))
		for i, s := range sids {
			names[i] = s.String()
		}
		return methodJSON.MarshalToString(names)
	case "getPresence":
		var req struct {
			KRef  string `json:"kref"`
			Iface string `json:"iface"`
		}
		if err := methodJSON.UnmarshalFromString(rawArgs, &req); err != nil {
			return "", kerr.SyscallError("invokeMethod getPresence: %v", err)
		}
		kref, err := ids.ParseKRef(req.KRef)
		if err != nil {
			return "", kerr.SyscallError("invokeMethod getPresence: %v", err)
		}
		p, err := f.GetPresence(kref, req.Iface)
		if err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(p)
	case "getSubcluster":
		var req struct {
			SID string `json:"sid"`
		}
		if err := methodJSON.UnmarshalFromString(rawArgs, &req); err != nil {
			return "", kerr.SyscallError("invokeMethod getSubcluster: %v", err)
		}
		sid, err := ids.ParseSubclusterID(req.SID)
		if err != nil {
			return "", kerr.SyscallError("invokeMethod getSubcluster: %v", err)
		}
		cfg, err := f.GetSubcluster(sid)
		if err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(cfg)
	case "getSystemSubclusterRoot":
		var req struct {
			Name string `json:"name"`
		}
		if err := methodJSON.UnmarshalFromString(rawArgs, &req); err != nil {
			return "", kerr.SyscallError("invokeMethod getSystemSubclusterRoot: %v", err)
		}
		kref, err := f.GetSystemSubclusterRoot(req.Name)
		if err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(kref.String())
	case "launchSubcluster":
		var cfg store.SubclusterConfig
		if err := methodJSON.UnmarshalFromString(rawArgs, &cfg); err != nil {
			return "", kerr.SyscallError("invokeMethod launchSubcluster: %v", err)
		}
		res, err := f.LaunchSubcluster(cfg)
		if err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(struct {
			SubclusterID    string `json:"subclusterId"`
			RootKRef        string `json:"rootKref"`
			BootstrapResult string `json:"bootstrapResult"`
		}{
			SubclusterID:    res.SubclusterID.String(),
			RootKRef:        res.RootKRef.String(),
			BootstrapResult: res.BootstrapResult.String(),
		})
	case "terminateSubcluster":
		var req struct {
			SID string `json:"sid"`
		}
		if err := methodJSON.UnmarshalFromString(rawArgs, &req); err != nil {
			return "", kerr.SyscallError("invokeMethod terminateSubcluster: %v", err)
		}
		sid, err := ids.ParseSubclusterID(req.SID)
		if err != nil {
			return "", kerr.SyscallError("invokeMethod terminateSubcluster: %v", err)
		}
		if err := f.TerminateSubcluster(sid); err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(true)
	case "pingVat":
		var req struct {
			VID string `json:"vid"`
		}
		if err := methodJSON.UnmarshalFromString(rawArgs, &req); err != nil {
			return "", kerr.SyscallError("invokeMethod pingVat: %v", err)
		}
		vid, err := ids.ParseEndpointID(req.VID)
		if err != nil {
			return "", kerr.SyscallError("invokeMethod pingVat: %v", err)
		}
		if err := f.PingVat(vid); err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(true)
	case "queueMessage":
		var req struct {
			Target string   `json:"target"`
			Method string   `json:"method"`
			Body   string   `json:"body"`
			Slots  []string `json:"slots"`
		}
		if err := methodJSON.UnmarshalFromString(rawArgs, &req); err != nil {
			return "", kerr.SyscallError("invokeMethod queueMessage: %v", err)
		}
		target, err := ids.ParseKRef(req.Target)
		if err != nil {
			return "", kerr.SyscallError("invokeMethod queueMessage: %v", err)
		}
		kpid, err := f.QueueMessage(target, req.Method, &store.CapData{Body: req.Body, Slots: req.Slots})
		if err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(kpid.String())
	case "reset":
		if err := f.Reset(); err != nil {
			return "", err
		}
		return methodJSON.MarshalToString(true)
	default:
		return "", kerr.SyscallError("invokeMethod: unknown method %q", method)
	}
}
