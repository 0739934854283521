package queue_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/kconfig"
	"github.com/ocapkernel/kernel/kernel/queue"
	"github.com/ocapkernel/kernel/kernel/store"
)

// recordingDeliverer records every item it is asked to deliver, in
// dispatch order, without otherwise touching the store.
type recordingDeliverer struct {
	delivered []queue.RunQueueItem
}

func (d *recordingDeliverer) Deliver(tx *store.Tx, item queue.RunQueueItem) error {
	d.delivered = append(d.delivered, item)
	return nil
}

var _ = Describe("KernelQueue", func() {
	var (
		st   *store.Store
		eng  *gc.Engine
		rec  *recordingDeliverer
		q    *queue.KernelQueue
	)

	BeforeEach(func() {
		var err error
		st, err = store.Open(kconfig.Default())
		Expect(err).NotTo(HaveOccurred())
		eng = gc.NewEngine(st)
		rec = &recordingDeliverer{}
		q = queue.New(st, eng, rec)
	})

	AfterEach(func() {
		Expect(st.Close()).To(Succeed())
	})

	It("dispatches a bootstrap Send ahead of a pending GC action", func() {
		owner := ids.VatID(1)
		holder := ids.VatID(2)
		kref := ids.Obj(1)
		bootRoot := ids.Obj(2)

		tx, err := st.Begin()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.CreateObject(tx, kref, owner)).To(Succeed())
		Expect(st.CreateObject(tx, bootRoot, owner)).To(Succeed())
		Expect(st.AddCListEntry(tx, holder, kref, ids.ObjImport(1))).To(Succeed())
		Expect(st.ClearReachableFlag(tx, holder, kref)).To(Succeed())
		Expect(q.EnqueueBootstrapSend(tx, bootRoot, &store.CapData{Body: "#[]"})).To(Succeed())
		Expect(st.Commit(tx)).To(Succeed())

		more, err := q.RunOnce()
		Expect(err).NotTo(HaveOccurred())
		Expect(more).To(BeTrue())
		Expect(rec.delivered).To(HaveLen(1))
		Expect(rec.delivered[0].Kind).To(Equal(queue.KindSend))
		Expect(rec.delivered[0].Target).To(Equal(bootRoot))
	})

	It("runs until both the FIFO queue and the GC set are drained", func() {
		owner := ids.VatID(1)
		target := ids.Obj(5)

		tx, err := st.Begin()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.CreateObject(tx, target, owner)).To(Succeed())
		Expect(q.EnqueueSend(tx, target, &store.CapData{Body: "#[]"}, nil)).To(Succeed())
		Expect(st.Commit(tx)).To(Succeed())

		Expect(q.Run()).To(Succeed())
		Expect(rec.delivered).To(HaveLen(1))

		more, err := q.RunOnce()
		Expect(err).NotTo(HaveOccurred())
		Expect(more).To(BeFalse())
	})

	It("delivers a Bringout item to its endpoint", func() {
		q.EnqueueBringout(ids.VatID(4))
		more, err := q.RunOnce()
		Expect(err).NotTo(HaveOccurred())
		Expect(more).To(BeTrue())
		Expect(rec.delivered).To(HaveLen(1))
		Expect(rec.delivered[0].Kind).To(Equal(queue.KindBringout))
		Expect(rec.delivered[0].Endpoint).To(Equal(ids.VatID(4)))
	})

	It("WaitForCrank returns an already-closed channel when idle", func() {
		ch := q.WaitForCrank()
		Eventually(ch).Should(BeClosed())
	})

	It("notifies every subscriber and releases the slot hold once all are delivered", func() {
		decider := ids.VatID(1)
		subA := ids.VatID(2)
		subB := ids.VatID(3)
		slotKref := ids.Obj(9)

		tx, err := st.Begin()
		Expect(err).NotTo(HaveOccurred())
		Expect(st.CreateObject(tx, slotKref, decider)).To(Succeed())
		kpid, err := st.CreatePromise(tx, decider)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Subscribe(tx, kpid, subA)).To(Succeed())
		Expect(st.Subscribe(tx, kpid, subB)).To(Succeed())
		Expect(st.Commit(tx)).To(Succeed())

		tx, err = st.Begin()
		Expect(err).NotTo(HaveOccurred())
		Expect(q.ResolvePromises(tx, decider, []queue.Resolution{
			{KPID: kpid, Rejected: false, Value: &store.CapData{Body: "#[0]", Slots: []string{slotKref.String()}}},
		})).To(Succeed())
		Expect(st.Commit(tx)).To(Succeed())

		Expect(q.Run()).To(Succeed())
		Expect(rec.delivered).To(HaveLen(2))

		tx, err = st.Begin()
		Expect(err).NotTo(HaveOccurred())
		obj, ok := st.GetObject(tx, slotKref)
		Expect(ok).To(BeTrue())
		Expect(obj.Reachable).To(BeEquivalentTo(0))
		Expect(st.Commit(tx)).To(Succeed())
	})
})
