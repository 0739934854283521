// Package debug holds the kernel's invariant assertions.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package debug

import "fmt"

// Assert aborts the process when cond is false: a violated
// kernel invariant is a programming error, not a recoverable failure: there
// is no build tag gating this out of production.
func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}

// AssertNoErr is a shorthand for asserting a code path that the caller
// believes cannot fail (e.g. re-parsing an identifier this package itself
// minted).
func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}
