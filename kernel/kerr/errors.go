// Package kerr is the kernel's error taxonomy.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package kerr

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ocapkernel/kernel/kernel/nlog"
)

// Kind identifies one row of the kernel's error taxonomy.
type Kind string

const (
	KindInvalidClusterConfig Kind = "InvalidClusterConfig"
	KindSubclusterNotFound   Kind = "SubclusterNotFound"
	KindKernelServiceMissing Kind = "KernelServiceMissing"
	KindVatCompromised       Kind = "VatCompromised"
	KindObjectRevoked        Kind = "ObjectRevoked"
	KindSyscallError         Kind = "SyscallError"
	KindSavepointMissing     Kind = "SavepointMissing"
	KindCrankProtocol        Kind = "CrankProtocol"
	KindStoreCorruption      Kind = "StoreCorruption"
)

// KernelError wraps one of the Kind values above with a stack trace via
// github.com/pkg/errors.
type KernelError struct {
	kind  Kind
	cause error
}

func (e *KernelError) Kind() string { return string(e.kind) }
func (e *KernelError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.kind, e.cause)
	}
	return string(e.kind)
}
func (e *KernelError) Unwrap() error { return e.cause }

func newKind(kind Kind, format string, args ...any) *KernelError {
	return &KernelError{kind: kind, cause: errors.Errorf(format, args...)}
}

func InvalidClusterConfig(format string, args ...any) error {
	return newKind(KindInvalidClusterConfig, format, args...)
}

func SubclusterNotFound(sid string) error {
	return newKind(KindSubclusterNotFound, "subcluster not found: %s", sid)
}

func KernelServiceMissing(name string) error {
	return newKind(KindKernelServiceMissing, "kernel service not registered: %s", name)
}

func VatCompromised(ep string) error {
	return newKind(KindVatCompromised, "vat compromised: %s", ep)
}

func ObjectRevoked(kref string) error {
	return newKind(KindObjectRevoked, "object revoked: %s", kref)
}

func SyscallError(format string, args ...any) error {
	return newKind(KindSyscallError, format, args...)
}

func SavepointMissing(name string) error {
	return newKind(KindSavepointMissing, "savepoint not found: %s", name)
}

func CrankProtocol(format string, args ...any) error {
	return newKind(KindCrankProtocol, format, args...)
}

func StoreCorruption(format string, args ...any) error {
	return newKind(KindStoreCorruption, format, args...)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// Abort logs a fatal, kernel-internal error and panics with it.
// Reserved for StoreCorruption/CrankProtocol/SavepointMissing, the three
// kinds that are programming errors rather than recoverable failures.
// Inside a crank the panic passes through the crank drop guard, which
// aborts the crank's transaction before re-panicking. No code in the
// kernel calls Abort at present.
func Abort(err error) {
	nlog.Errorln("kernel abort:", err)
	panic(err)
}
