// Package util collects the small helpers used throughout the cache:
// leveled debug tracing, byte-slice cloning, and a handful of small
// arithmetic helpers (rounding, min/max, an overflow check). Only
// DPrintf is called from the other packages of this module.
package util

import "log"

// Debug is the maximum level that DPrintf will print. Raise it while
// chasing a hang; production callers leave it at the default.
var Debug uint64 = 1

// DPrintf prints a debug message if level is at or below Debug.
func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

// RoundUp rounds n up to the next multiple of sz.
func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz * sz
}

// Min returns the smaller of n and m.
func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

// Max returns the larger of n and m.
func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	}
	return m
}

// SumOverflows reports whether n+m overflows a uint64.
func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

// CloneByteSlice returns a fresh copy of b, so the caller can hand out
// a buffer without aliasing pmem-backed or caller-owned storage.
func CloneByteSlice(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
