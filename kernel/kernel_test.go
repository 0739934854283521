package kernel_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocapkernel/kernel/kernel"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/internal/tassert"
	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/store"
	"github.com/ocapkernel/kernel/kernel/subcluster"
	"github.com/ocapkernel/kernel/kernel/vat"
)

func echoBehavior() subcluster.VatBehavior {
	return func(d vat.Delivery) []vat.Syscall {
		if d.Kind != vat.DeliveryMessage || d.Result == nil {
			return nil
		}
		return []vat.Syscall{{
			Kind: vat.SyscallResolve,
			Resolutions: []vat.SyscallResolution{
				{VPID: *d.Result, Rejected: false, Value: &store.CapData{Body: "#[]"}},
			},
		}}
	}
}

func oneVatConfig(name string) store.SubclusterConfig {
	return store.SubclusterConfig{
		Bootstrap: name,
		Vats:      map[string]store.VatSpec{name: {SourceSpec: name + ".js"}},
		VatOrder:  []string{name},
	}
}

// TestRunDispatchesBootstrapAheadOfPendingGCActions mirrors the ordering
// guarantee queue_test.go already proves at the queue level, but exercises
// it through the fully-wired Kernel: a bootstrap Send enqueued after a GC
// action already sits in the canonical set must still dispatch first.
func TestRunDispatchesBootstrapAheadOfPendingGCActions(t *testing.T) {
	platform := subcluster.NewLocalPlatformServices()
	var order []string

	platform.SetBehavior("junk", func(d vat.Delivery) []vat.Syscall {
		switch d.Kind {
		case vat.DeliveryMessage:
			if d.Result == nil {
				return nil
			}
			return []vat.Syscall{{
				Kind: vat.SyscallResolve,
				Resolutions: []vat.SyscallResolution{
					{VPID: *d.Result, Rejected: false, Value: &store.CapData{Body: "#[]"}},
				},
			}}
		case vat.DeliveryRetireImports:
			order = append(order, "gc")
		}
		return nil
	})

	k, err := kernel.Open(kconfig.Default(), platform, nil, prometheus.NewRegistry())
	tassert.CheckFatal(t, err)
	defer func() { _ = k.Close() }()

	junkRes, err := k.Manager().LaunchSubcluster(oneVatConfig("junk"))
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, k.Run())

	var junkEp ids.EndpointID
	tassert.CheckFatal(t, k.Store().Setup(func(tx *store.Tx) error {
		obj, ok := k.Store().GetObject(tx, junkRes.RootKRef)
		tassert.Fatalf(t, ok, "expected junk root object to exist")
		junkEp = obj.Owner
		// junk's root c-list entry (o+0) is still live, so a retireImport
		// against it passes the liveness filter and must wait behind the
		// next bootstrap.
		return k.Store().InsertGCAction(tx, store.GCAction{
			Endpoint: junkEp, Type: store.GCRetireImport, KRef: junkRes.RootKRef,
		})
	}))

	platform.SetBehavior("alice", func(d vat.Delivery) []vat.Syscall {
		if d.Kind != vat.DeliveryMessage || d.Result == nil {
			return nil
		}
		order = append(order, "bootstrap")
		return []vat.Syscall{{
			Kind: vat.SyscallResolve,
			Resolutions: []vat.SyscallResolution{
				{VPID: *d.Result, Rejected: false, Value: &store.CapData{Body: "#[]"}},
			},
		}}
	})
	_, err = k.Manager().LaunchSubcluster(oneVatConfig("alice"))
	tassert.CheckFatal(t, err)

	tassert.CheckFatal(t, k.Run())

	tassert.Fatalf(t, len(order) == 2 && order[0] == "bootstrap" && order[1] == "gc",
		"expected bootstrap dispatched before the pending GC action, got %v", order)
}

// TestKernelStateSurvivesRestartAndReconcilesWake launches a subcluster,
// closes the kernel, waits past the configured wake threshold, and reopens
// against the same store: the subcluster record must still be there, and
// Open must not error while rebuilding the GC prefilter for the new
// incarnation.
func TestKernelStateSurvivesRestartAndReconcilesWake(t *testing.T) {
	path := t.TempDir() + "/kernel.db"
	cfg := &kconfig.Config{StorePath: path, WakeThreshold: 20 * time.Millisecond, MaxSavepointDepth: 64}

	platform1 := subcluster.NewLocalPlatformServices()
	platform1.SetBehavior("alice", echoBehavior())

	k1, err := kernel.Open(cfg, platform1, nil, prometheus.NewRegistry())
	tassert.CheckFatal(t, err)

	res, err := k1.Manager().LaunchSubcluster(oneVatConfig("alice"))
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, k1.Run())

	sids, err := k1.Facet().GetSubclusters()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(sids) == 1, "expected 1 subcluster before restart, got %d", len(sids))
	tassert.CheckFatal(t, k1.Close())

	time.Sleep(40 * time.Millisecond)

	platform2 := subcluster.NewLocalPlatformServices()
	k2, err := kernel.Open(cfg, platform2, nil, prometheus.NewRegistry())
	tassert.CheckFatal(t, err)
	defer func() { _ = k2.Close() }()

	sids, err = k2.Facet().GetSubclusters()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(sids) == 1 && sids[0] == res.SubclusterID,
		"expected subcluster %s to survive restart, got %v", res.SubclusterID, sids)
}
