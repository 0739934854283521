// Package tassert provides the small set of test assertion helpers the
// plain testing.T-based suites in this repo share.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package tassert

import "testing"

// CheckFatal fails the test immediately if err is non-nil.
func CheckFatal(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// CheckError reports (without stopping) if err is non-nil.
func CheckError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// Fatalf fails the test immediately unless cond holds.
func Fatalf(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// Errorf reports (without stopping) unless cond holds.
func Errorf(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Errorf(format, args...)
	}
}
