package store_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/store"
)

func openStore() *store.Store {
	s, err := store.Open(kconfig.Default())
	Expect(err).NotTo(HaveOccurred())
	return s
}

var _ = Describe("KernelStore", func() {
	var s *store.Store

	BeforeEach(func() {
		s = openStore()
	})

	AfterEach(func() {
		Expect(s.Close()).To(Succeed())
	})

	Describe("c-list", func() {
		It("creates both directions of an entry", func() {
			vatA := ids.VatID(1)
			kref := ids.Obj(10)
			eref := ids.ObjImport(1)

			tx, err := s.Begin()
			Expect(err).NotTo(HaveOccurred())
			Expect(s.CreateObject(tx, kref, ids.VatID(2))).To(Succeed())
			Expect(s.AddCListEntry(tx, vatA, kref, eref)).To(Succeed())

			gotEref, reachable, ok := s.KRefToEref(tx, vatA, kref)
			Expect(ok).To(BeTrue())
			Expect(gotEref).To(Equal(eref))
			Expect(reachable).To(BeTrue())

			gotKref, ok := s.ErefToKRef(tx, vatA, eref)
			Expect(ok).To(BeTrue())
			Expect(gotKref).To(Equal(kref))

			Expect(s.Commit(tx)).To(Succeed())
		})

		It("allocates sequential erefs for first-crossing imports", func() {
			vatA := ids.VatID(1)
			tx, _ := s.Begin()
			k1 := ids.Obj(1)
			k2 := ids.Obj(2)
			Expect(s.CreateObject(tx, k1, ids.VatID(9))).To(Succeed())
			Expect(s.CreateObject(tx, k2, ids.VatID(9))).To(Succeed())

			e1, err := s.AllocateErefForKref(tx, vatA, k1)
			Expect(err).NotTo(HaveOccurred())
			e2, err := s.AllocateErefForKref(tx, vatA, k2)
			Expect(err).NotTo(HaveOccurred())

			Expect(e1.String()).To(Equal("o-1"))
			Expect(e2.String()).To(Equal("o-2"))
			Expect(s.Commit(tx)).To(Succeed())
		})
	})

	Describe("refcounts and GC actions (boundary scenario 4: drop & retire)", func() {
		It("derives dropExport then retireExport as the last holder goes away", func() {
			owner := ids.VatID(1)
			holder := ids.VatID(2)
			kref := ids.Obj(10)
			eref := ids.ObjImport(5)

			tx, _ := s.Begin()
			Expect(s.CreateObject(tx, kref, owner)).To(Succeed())
			Expect(s.AddCListEntry(tx, holder, kref, eref)).To(Succeed())

			obj, ok := s.GetObject(tx, kref)
			Expect(ok).To(BeTrue())
			Expect(obj.Reachable).To(BeEquivalentTo(1))
			Expect(obj.Recognizable).To(BeEquivalentTo(1))

			// holder's last reference is dropped
			Expect(s.ClearReachableFlag(tx, holder, kref)).To(Succeed())

			obj, _ = s.GetObject(tx, kref)
			Expect(obj.Reachable).To(BeEquivalentTo(0))

			actions, err := s.ListGCActions(tx)
			Expect(err).NotTo(HaveOccurred())
			Expect(actions).To(HaveLen(1))
			Expect(actions[0].Type).To(Equal(store.GCDropExport))
			Expect(actions[0].Endpoint).To(Equal(owner))

			// holder fully retires its import (recognizable -> 0)
			Expect(s.DeleteCListEntry(tx, holder, kref, eref)).To(Succeed())
			obj, _ = s.GetObject(tx, kref)
			Expect(obj.Recognizable).To(BeEquivalentTo(0))

			actions, _ = s.ListGCActions(tx)
			var sawRetire bool
			for _, a := range actions {
				if a.Type == store.GCRetireExport {
					sawRetire = true
				}
			}
			Expect(sawRetire).To(BeTrue())

			Expect(s.Commit(tx)).To(Succeed())
		})
	})

	Describe("promise resolution with slots (boundary scenario 3)", func() {
		It("transfers refcount holds from the promise to its subscribers", func() {
			decider := ids.VatID(1)
			subA := ids.VatID(2)
			subB := ids.VatID(3)
			slotKref := ids.Obj(11)

			tx, _ := s.Begin()
			Expect(s.CreateObject(tx, slotKref, decider)).To(Succeed())
			kpid, err := s.CreatePromise(tx, decider)
			Expect(err).NotTo(HaveOccurred())

			Expect(s.Subscribe(tx, kpid, subA)).To(Succeed())
			Expect(s.Subscribe(tx, kpid, subB)).To(Succeed())

			Expect(s.ResolvePromise(tx, kpid, false, &store.CapData{Body: "#[0]"}, []ids.KRef{slotKref})).To(Succeed())

			obj, _ := s.GetObject(tx, slotKref)
			Expect(obj.Reachable).To(BeEquivalentTo(1)) // kernel's temporary hold

			p, ok := s.GetPromise(tx, kpid)
			Expect(ok).To(BeTrue())
			Expect(p.Subscribers).To(Equal([]ids.EndpointID{subA, subB}))
			Expect(p.Decider).To(BeNil())

			// Each subscriber's Notify delivery creates its own c-list entry...
			Expect(s.AddCListEntry(tx, subA, slotKref, ids.ObjImport(1))).To(Succeed())
			Expect(s.AddCListEntry(tx, subB, slotKref, ids.ObjImport(1))).To(Succeed())
			// ...then the kernel releases its own temporary hold.
			Expect(s.ReleasePromiseSlotHold(tx, kpid)).To(Succeed())

			obj, _ = s.GetObject(tx, slotKref)
			Expect(obj.Reachable).To(BeEquivalentTo(2))

			Expect(s.ClearSubscribers(tx, kpid)).To(Succeed())
			p, _ = s.GetPromise(tx, kpid)
			Expect(p.Subscribers).To(BeEmpty())

			Expect(s.Commit(tx)).To(Succeed())
		})
	})

	Describe("savepoints", func() {
		It("rolls back only what was written since the named savepoint", func() {
			tx, _ := s.Begin()
			Expect(tx.Set("k1", "v1")).To(Succeed())
			tx.CreateSavepoint("t0")
			Expect(tx.Set("k2", "v2")).To(Succeed())
			tx.CreateSavepoint("t1")
			Expect(tx.Set("k3", "v3")).To(Succeed())

			Expect(tx.Rollback("t1")).To(Succeed())
			_, ok := tx.Get("k3")
			Expect(ok).To(BeFalse())
			v2, ok := tx.Get("k2")
			Expect(ok).To(BeTrue())
			Expect(v2).To(Equal("v2"))

			// t1's ordinal is reused.
			tx.CreateSavepoint("t1-again")
			Expect(tx.Depth()).To(Equal(2))

			Expect(s.Commit(tx)).To(Succeed())
		})

		It("rejects rollback to an unknown savepoint", func() {
			tx, _ := s.Begin()
			tx.CreateSavepoint("t0")
			err := tx.Rollback("does-not-exist")
			Expect(err).To(HaveOccurred())
			Expect(s.Commit(tx)).To(Succeed())
		})
	})

	Describe("cross-incarnation wake (boundary scenario 6)", func() {
		It("detects wake once, then reports false again", func() {
			past := time.Now().Add(-2 * time.Hour)
			Expect(s.RecordLastActiveTime(past)).To(Succeed())

			woke, err := s.DetectWake(time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(woke).To(BeTrue())

			Expect(s.RecordLastActiveTime(time.Now())).To(Succeed())
			woke, err = s.DetectWake(time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(woke).To(BeFalse())
		})
	})

	Describe("compromise tracking", func() {
		It("adds, lists, and clears compromised vats", func() {
			v1 := ids.VatID(1)
			v2 := ids.VatID(2)

			tx, _ := s.Begin()
			Expect(s.MarkVatAsCompromised(tx, v1)).To(Succeed())
			Expect(s.MarkVatAsCompromised(tx, v2)).To(Succeed())
			Expect(s.IsVatCompromised(tx, v1)).To(BeTrue())

			list, err := s.GetCompromisedVats(tx)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(ConsistOf(v1, v2))

			Expect(s.ClearVatCompromisedStatus(tx, v1)).To(Succeed())
			Expect(s.IsVatCompromised(tx, v1)).To(BeFalse())
			Expect(s.Commit(tx)).To(Succeed())
		})
	})
})
