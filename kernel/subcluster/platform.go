// Package subcluster implements SubclusterManager: joint
// lifecycle orchestration for a group of cooperating vats.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package subcluster

import (
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/teris-io/shortid"

	"github.com/ocapkernel/kernel/kernel/store"
	"github.com/ocapkernel/kernel/kernel/vat"
)

var pipeJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// VatBehavior computes a worker's syscall response to one delivery.
// Production deployments load actual vat code; tests and demos supply a
// VatBehavior directly.
type VatBehavior func(vat.Delivery) []vat.Syscall

// PlatformServices is the external collaborator the kernel relies on for
// spawning and tearing down a vat's worker process/thread. launchSubcluster
// and terminateSubcluster are the only callers.
type PlatformServices interface {
	LaunchVat(vatName string, spec store.VatSpec) (vat.Worker, string, error)
	TerminateVat(handle string) error
}

// LocalPlatformServices is the in-process reference implementation: each
// vat is a goroutine reading deliveries and writing syscalls over an
// io.Pipe-backed bidirectional stream, so
// launchSubcluster/terminateSubcluster are testable without a real worker
// process. Worker handles are named with github.com/teris-io/shortid so
// repeated launches of the same vat name never collide.
type LocalPlatformServices struct {
	mu        sync.Mutex
	behaviors map[string]VatBehavior
	workers   map[string]*pipeWorker
}

// NewLocalPlatformServices constructs an empty local platform.
func NewLocalPlatformServices() *LocalPlatformServices {
	return &LocalPlatformServices{
		behaviors: make(map[string]VatBehavior),
		workers:   make(map[string]*pipeWorker),
	}
}

// SetBehavior installs the syscall-producing behavior a launched vat named
// vatName will run. Must be called before LaunchVat; a vat with no
// registered behavior answers every delivery with an empty syscall batch.
func (p *LocalPlatformServices) SetBehavior(vatName string, fn VatBehavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviors[vatName] = fn
}

// LaunchVat starts vatName's worker goroutine and returns the Worker the
// kernel-side VatHandle uses to talk to it.
func (p *LocalPlatformServices) LaunchVat(vatName string, spec store.VatSpec) (vat.Worker, string, error) {
	handle, err := shortid.Generate()
	if err != nil {
		return nil, "", err
	}

	toWorkerR, toWorkerW := io.Pipe()
	toKernelR, toKernelW := io.Pipe()

	w := &pipeWorker{
		enc:      pipeJSON.NewEncoder(toWorkerW),
		dec:      pipeJSON.NewDecoder(toKernelR),
		toWorker: toWorkerW,
		toKernel: toKernelR,
	}

	p.mu.Lock()
	behavior := p.behaviors[vatName]
	p.workers[handle] = w
	p.mu.Unlock()

	go runWorkerLoop(toWorkerR, toKernelW, behavior)

	return w, handle, nil
}

// TerminateVat closes handle's pipes, unblocking its worker goroutine.
func (p *LocalPlatformServices) TerminateVat(handle string) error {
	p.mu.Lock()
	w, ok := p.workers[handle]
	delete(p.workers, handle)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return w.close()
}

// pipeWorker is the kernel-side half of one vat's bidirectional pipe pair.
type pipeWorker struct {
	enc      *jsoniter.Encoder
	dec      *jsoniter.Decoder
	toWorker *io.PipeWriter
	toKernel *io.PipeReader
}

func (w *pipeWorker) SendDelivery(d vat.Delivery) ([]vat.Syscall, error) {
	if err := w.enc.Encode(&d); err != nil {
		return nil, err
	}
	var syscalls []vat.Syscall
	if err := w.dec.Decode(&syscalls); err != nil {
		return nil, err
	}
	return syscalls, nil
}

func (w *pipeWorker) close() error {
	_ = w.toWorker.Close()
	return w.toKernel.Close()
}

// runWorkerLoop is the worker-side goroutine: decode a Delivery, compute a
// syscall batch via behavior (or none), encode the reply, repeat until the
// pipe closes.
func runWorkerLoop(in io.ReadCloser, out io.WriteCloser, behavior VatBehavior) {
	defer in.Close()
	defer out.Close()
	dec := pipeJSON.NewDecoder(in)
	enc := pipeJSON.NewEncoder(out)
	for {
		var d vat.Delivery
		if err := dec.Decode(&d); err != nil {
			return
		}
		var syscalls []vat.Syscall
		if behavior != nil {
			syscalls = behavior(d)
		}
		if err := enc.Encode(&syscalls); err != nil {
			return
		}
	}
}
