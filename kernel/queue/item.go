// Package queue implements the KernelQueue: the
// single-threaded, cooperative scheduler driving cranks against the
// kernel store and GC engine.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package queue

import (
	"github.com/ocapkernel/kernel/kernel/gc"
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/store"
)

// ItemKind tags a RunQueueItem's variant.
type ItemKind int

const (
	KindSend ItemKind = iota
	KindNotify
	KindGCDrop
	KindGCRetire
	KindBringout
)

func (k ItemKind) String() string {
	switch k {
	case KindSend:
		return "Send"
	case KindNotify:
		return "Notify"
	case KindGCDrop:
		return "GCDrop"
	case KindGCRetire:
		return "GCRetire"
	case KindBringout:
		return "Bringout"
	default:
		return "Unknown"
	}
}

// RunQueueItem is the scheduler's tagged union. Only the fields
// relevant to Kind are populated; Deliverer implementations switch on Kind
// before reading any payload field.
type RunQueueItem struct {
	Kind ItemKind

	// Send
	Target   ids.KRef
	Methargs *store.CapData
	Result   *ids.KRef

	// Notify / GCDrop / GCRetire / Bringout
	Endpoint ids.EndpointID
	KPID     ids.KRef   // Notify only
	KRefs    []ids.KRef // GCDrop / GCRetire / Bringout

	// GCType carries the originating action type for a GCRetire item, so
	// the delivery layer can tell owner-side retireExports apart from
	// holder-side retireImports without re-deriving c-list direction.
	GCType store.GCActionType

	// bootstrapRoot marks a Send as a newly-launched vat's bootstrap
	// delivery, which the scheduler dispatches ahead of any GC action
	// regardless of FIFO position.
	bootstrapRoot bool
}

func gcItem(b gc.Batch) RunQueueItem {
	switch b.Type {
	case store.GCDropExport:
		return RunQueueItem{Kind: KindGCDrop, Endpoint: b.Endpoint, KRefs: b.KRefs, GCType: b.Type}
	default:
		return RunQueueItem{Kind: KindGCRetire, Endpoint: b.Endpoint, KRefs: b.KRefs, GCType: b.Type}
	}
}

// Deliverer translates and applies one RunQueueItem against a vat or
// system vat (kernel/vat.VatHandle implements this). It runs entirely
// inside the active crank's transaction.
type Deliverer interface {
	Deliver(tx *store.Tx, item RunQueueItem) error
}
