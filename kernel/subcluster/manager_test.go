package subcluster_test

import (
	"testing"

	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/internal/tassert"
	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
	"github.com/ocapkernel/kernel/kernel/subcluster"
	"github.com/ocapkernel/kernel/kernel/vat"
)

type fixture struct {
	st       *store.Store
	q        *queue.KernelQueue
	eng      *gc.Engine
	disp     *vat.Dispatcher
	platform *subcluster.LocalPlatformServices
	mgr      *subcluster.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(kconfig.Default())
	tassert.CheckFatal(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := gc.NewEngine(st)
	disp := vat.NewDispatcher(st)
	q := queue.New(st, eng, disp)
	disp.SetQueue(q)
	platform := subcluster.NewLocalPlatformServices()
	mgr := subcluster.NewManager(st, q, eng, disp, platform)

	return &fixture{st: st, q: q, eng: eng, disp: disp, platform: platform, mgr: mgr}
}

// echoBehavior replies to every delivery with no syscalls except a
// "message" delivery carrying a result promise, which it resolves at once
// to simulate a vat answering immediately.
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

func twoVatConfig() store.SubclusterConfig {
	return store.SubclusterConfig{
		Bootstrap: "alice",
		Vats: map[string]store.VatSpec{
			"alice": {SourceSpec: "alice.js"},
			"bob":   {SourceSpec: "bob.js"},
		},
		VatOrder: []string{"alice", "bob"},
	}
}

func TestLaunchSubclusterEnqueuesExactlyOneBootstrapSend(t *testing.T) {
	f := newFixture(t)
	bootstraps := 0
	echo := echoBehavior()
	f.platform.SetBehavior("alice", func(d vat.Delivery) []vat.Syscall {
		if d.Kind == vat.DeliveryMessage {
			bootstraps++
		}
		return echo(d)
	})
	f.platform.SetBehavior("bob", echoBehavior())

	res, err := f.mgr.LaunchSubcluster(twoVatConfig())
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, res.SubclusterID == ids.Subcluster(0), "expected subcluster s0, got %s", res.SubclusterID)
	tassert.Fatalf(t, res.RootKRef == ids.Obj(1), "expected alice's root to be ko1, got %s", res.RootKRef)

	tassert.CheckFatal(t, f.q.Run())
	tassert.Fatalf(t, bootstraps == 1, "expected exactly one bootstrap message to alice, got %d", bootstraps)
}

func TestLaunchSubclusterRejectsUnknownBootstrap(t *testing.T) {
	f := newFixture(t)
	cfg := store.SubclusterConfig{
		Bootstrap: "carol",
		Vats:      map[string]store.VatSpec{"alice": {SourceSpec: "a.js"}},
		VatOrder:  []string{"alice"},
	}
	_, err := f.mgr.LaunchSubcluster(cfg)
	tassert.Fatalf(t, err != nil, "expected InvalidClusterConfig error")
}

func TestLaunchSubclusterRejectsMissingService(t *testing.T) {
	f := newFixture(t)
	f.platform.SetBehavior("alice", echoBehavior())
	cfg := store.SubclusterConfig{
		Bootstrap: "alice",
		Vats:      map[string]store.VatSpec{"alice": {SourceSpec: "a.js"}},
		VatOrder:  []string{"alice"},
		Services:  []string{"kernelFacet"},
	}
	_, err := f.mgr.LaunchSubcluster(cfg)
	tassert.Fatalf(t, err != nil, "expected KernelServiceMissing error")
}

func TestTerminateSubclusterRemovesRecordAndCList(t *testing.T) {
	f := newFixture(t)
	f.platform.SetBehavior("alice", echoBehavior())
	f.platform.SetBehavior("bob", echoBehavior())

	res, err := f.mgr.LaunchSubcluster(twoVatConfig())
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, f.q.Run())

	tassert.CheckFatal(t, f.mgr.TerminateSubcluster(res.SubclusterID))

	tx, err := f.st.Begin()
	tassert.CheckFatal(t, err)
	_, err = f.st.GetSubcluster(tx, res.SubclusterID)
	tassert.Fatalf(t, err != nil, "expected subcluster to be gone after terminate")
	tassert.CheckFatal(t, f.st.Commit(tx))
}

func TestReloadSubclusterAllocatesFreshSubclusterID(t *testing.T) {
	f := newFixture(t)
	f.platform.SetBehavior("alice", echoBehavior())
	f.platform.SetBehavior("bob", echoBehavior())

	res, err := f.mgr.LaunchSubcluster(twoVatConfig())
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, f.q.Run())

	reloaded, err := f.mgr.ReloadSubcluster(res.SubclusterID)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, reloaded.SubclusterID != res.SubclusterID, "expected a fresh subcluster id on reload")
}
