// Package vat implements VatHandle and SystemVatHandle: the
// boundary between the kernel's kref world and one vat's local eref world.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package vat

import (
	"github.com/ocapkernel/kernel/kernel/ids"
	"github.com/ocapkernel/kernel/kernel/store"
)

// DeliveryKind tags the wire-level delivery variant.
type DeliveryKind int

const (
	DeliveryStartVat DeliveryKind = iota
	DeliveryMessage
	DeliveryNotify
	DeliveryDropImports
	DeliveryRetireImports
	DeliveryRetireExports
	DeliveryBringOutYourDead
)

// NotifyEntry is one (promise, rejected, value) row of a "notify" delivery.
type NotifyEntry struct {
	PRef     ids.ERef
	Rejected bool
	Value    *store.CapData
}

// Delivery is the tagged variant a Worker receives. Only the
// fields relevant to Kind are populated.
type Delivery struct {
	Kind DeliveryKind

	Params string // startVat

	Target   ids.ERef        // message
	Methargs *store.CapData  // message
	Result   *ids.ERef       // message

	Notifications []NotifyEntry // notify

	Refs []ids.ERef // dropImports / retireImports / retireExports
}

// Worker is the transport boundary to one running vat (kernel/subcluster
// supplies the concrete implementation). SendDelivery transmits a Delivery
// and blocks for the vat's syscall batch reply — the "await" suspension
// point of the whole kernel collapses to this call since it is otherwise
// strictly single-threaded.
type Worker interface {
	SendDelivery(d Delivery) ([]Syscall, error)
}

// SyscallKind tags the syscall variant a vat issues.
type SyscallKind int

const (
	SyscallSend SyscallKind = iota
	SyscallSubscribe
	SyscallResolve
	SyscallExit
	SyscallDropImports
	SyscallRetireImports
	SyscallRetireExports
	SyscallAbandonExports
	SyscallVatstoreGet
	SyscallVatstoreSet
	SyscallVatstoreDelete
	SyscallVatstoreGetNextKey
)

// SyscallResolution is one row of a resolve syscall's argument.
type SyscallResolution struct {
	VPID     ids.ERef
	Rejected bool
	Value    *store.CapData
}

// Syscall is the tagged variant a vat issues back to the kernel during a
// delivery.
type Syscall struct {
	Kind SyscallKind

	Target   ids.ERef       // send
	Methargs *store.CapData // send
	Result   *ids.ERef      // send

	VPID ids.ERef // subscribe

	Resolutions []SyscallResolution // resolve

	IsFailure bool   // exit
	Info      string // exit

	Refs []ids.ERef // dropImports / retireImports / retireExports / abandonExports

	Key   string // vatstoreGet / Set / Delete / GetNextKey
	Value string // vatstoreSet
}

// SyscallResult is the ['ok', data] / ['error', message] pair every
// syscall returns.
type SyscallResult struct {
	OK    bool
	Data  string
	Error string
}

func okResult(data string) SyscallResult { return SyscallResult{OK: true, Data: data} }
func failResult(err error) SyscallResult { return SyscallResult{OK: false, Error: err.Error()} }
