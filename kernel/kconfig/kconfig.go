// Package kconfig holds kernel process configuration. File/flag parsing
// is CLI glue and out of scope; this package only decodes environment
// variables, so constants like the one-hour wake threshold are not
// hardcoded magic numbers scattered through the core.
/*
 * Copyright (c) 2024-2026, ocapkernel contributors. All rights reserved.
 */
package kconfig

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// StorePath is the buntdb file path, or ":memory:" for an in-memory store.
	StorePath string
	// WakeThreshold is the gap detectWake() compares lastActiveTime against.
	WakeThreshold time.Duration
	// MaxSavepointDepth is decoded and carried here, but no code reads it:
	// the number of savepoints pushed within one crank is not capped.
	// Cranks themselves never nest.
	MaxSavepointDepth int
}

func Default() *Config {
	return &Config{
		StorePath:         ":memory:",
		WakeThreshold:     time.Hour,
		MaxSavepointDepth: 64,
	}
}

// FromEnv overlays environment variables onto Default().
func FromEnv() *Config {
	c := Default()
	if v := os.Getenv("KERNEL_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("KERNEL_WAKE_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WakeThreshold = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("KERNEL_MAX_SAVEPOINT_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSavepointDepth = n
		}
	}
	return c
}
