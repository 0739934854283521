package gc_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/store"
)

var _ = Describe("Engine", func() {
	var (
		st  *store.Store
		eng *gc.Engine
	)

	BeforeEach(func() {
		var err error
		st, err = store.Open(kconfig.Default())
		Expect(err).NotTo(HaveOccurred())
		eng = gc.NewEngine(st)
	})

	AfterEach(func() {
		Expect(st.Close()).To(Succeed())
	})

	It("dispatches dropExport before retireExport for the same endpoint", func() {
		owner := ids.VatID(1)
		holder := ids.VatID(2)
		kref := ids.Obj(7)
		eref := ids.ObjImport(1)

		tx, _ := st.Begin()
		Expect(st.CreateObject(tx, kref, owner)).To(Succeed())
		Expect(st.AddCListEntry(tx, owner, kref, ids.ObjExport(1))).To(Succeed())
		Expect(st.AddCListEntry(tx, holder, kref, eref)).To(Succeed())
		Expect(st.ClearReachableFlag(tx, holder, kref)).To(Succeed())
		Expect(st.DeleteCListEntry(tx, holder, kref, eref)).To(Succeed())

		batch, ok, err := eng.NextBatch(tx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(batch.Endpoint).To(Equal(owner))
		Expect(batch.Type).To(Equal(store.GCDropExport))
		Expect(batch.KRefs).To(ConsistOf(kref))

		batch, ok, err = eng.NextBatch(tx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(batch.Endpoint).To(Equal(owner))
		Expect(batch.Type).To(Equal(store.GCRetireExport))
		Expect(batch.KRefs).To(ConsistOf(kref))

		_, ok, err = eng.NextBatch(tx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		Expect(st.Commit(tx)).To(Succeed())
	})

	It("discards a non-live action silently instead of dispatching it", func() {
		owner := ids.VatID(1)
		kref := ids.Obj(3)

		tx, _ := st.Begin()
		Expect(st.CreateObject(tx, kref, owner)).To(Succeed())
		// Insert a dropExport action directly: the owner holds no c-list
		// entry for the object, so it is not live by construction.
		Expect(st.InsertGCAction(tx, store.GCAction{Endpoint: owner, Type: store.GCDropExport, KRef: kref})).To(Succeed())

		_, ok, err := eng.NextBatch(tx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		actions, err := st.ListGCActions(tx)
		Expect(err).NotTo(HaveOccurred())
		Expect(actions).To(BeEmpty())

		Expect(st.Commit(tx)).To(Succeed())
	})

	It("fans retireImport out to every remaining importer once the owner retires", func() {
		owner := ids.VatID(1)
		subA := ids.VatID(2)
		subB := ids.VatID(3)
		kref := ids.Obj(9)

		tx, _ := st.Begin()
		Expect(st.CreateObject(tx, kref, owner)).To(Succeed())
		Expect(st.AddCListEntry(tx, subA, kref, ids.ObjImport(1))).To(Succeed())
		Expect(st.AddCListEntry(tx, subB, kref, ids.ObjImport(1))).To(Succeed())
		Expect(st.RetireExportComplete(tx, kref)).To(Succeed())

		seen := map[ids.EndpointID]bool{}
		for {
			batch, ok, err := eng.NextBatch(tx)
			Expect(err).NotTo(HaveOccurred())
			if !ok {
				break
			}
			Expect(batch.Type).To(Equal(store.GCRetireImport))
			seen[batch.Endpoint] = true
		}
		Expect(seen).To(HaveLen(2))
		Expect(seen[subA]).To(BeTrue())
		Expect(seen[subB]).To(BeTrue())

		Expect(st.Commit(tx)).To(Succeed())
	})

	It("rebuilds the prefilter from the canonical set", func() {
		owner := ids.VatID(1)
		kref := ids.Obj(4)

		tx, _ := st.Begin()
		Expect(st.CreateObject(tx, kref, owner)).To(Succeed())
		Expect(st.InsertGCAction(tx, store.GCAction{Endpoint: owner, Type: store.GCRetireImport, KRef: kref})).To(Succeed())
		Expect(eng.Rebuild(tx)).To(Succeed())
		Expect(eng.MightContain(store.EncodeGCAction(store.GCAction{Endpoint: owner, Type: store.GCRetireImport, KRef: kref}))).To(BeTrue())
		Expect(st.Commit(tx)).To(Succeed())
	})
})
