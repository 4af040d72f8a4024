// Package common holds scalar types and pool-wide constants shared by
// every layer of the cache, from the block guard down to the pmem
// pool. Nothing in here should ever need to import another package of
// this module.
package common

// Bnum is an image byte offset used as a map/lock key. It is not a
// disk block number in the traditional sense -- the cache guards and
// indexes byte ranges, not fixed-size blocks -- but the name matches
// the rest of the pack's convention of a flat numeric key type.
type Bnum = uint64

// SyncGen numbers a sync point. They are assigned in strictly
// increasing order as sync points are created.
type SyncGen = uint64

// MinAlloc is the fixed pmem allocation granularity (spec section 3.2:
// "block size (fixed = MIN_ALLOC)"). Every pmem buffer reservation is
// rounded up to a multiple of this size.
const MinAlloc uint64 = 4096

// MaxLogEntries bounds the ring size N regardless of pool size.
const MaxLogEntries uint64 = 1 << 20

// MinPoolSize is the smallest pmem pool this cache will open.
const MinPoolSize uint64 = 16 * 1024 * 1024

// LayoutVersion identifies the on-pmem root/slot layout. Bumped
// whenever the wire format of Root or Slot changes.
const LayoutVersion uint32 = 1
