// Package pmem implements a reserve/publish/cancel/flush/drain/
// tx_begin/commit/abort/free API against a memory-mapped file opened
// with golang.org/x/sys/unix. No real PMDK binding is available, so
// mmap plus msync is the closest faithful stand-in: flush(ptr,len) is
// a byte-range msync(MS_SYNC) that completes before returning, so
// drain() has nothing left to do, and durability of a write is
// exactly "this byte range has been msync'd".
//
// On-pmem layout: two header blocks (hdr1 carries the static root
// fields plus FirstFreeEntry, hdr2 carries FirstValidEntry), then a
// fixed-size ring of N slots, then a data heap managed by the chunk
// allocator in alloc.go. Splitting the root into two
// independently-flushed headers means advancing one pointer never
// requires an atomic multi-field commit.
package pmem

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pmemcache/common"
)

// Slot is the on-pmem representation of one ring slot.
type Slot struct {
	EntryIndex      uint64
	SyncGen         uint64
	WriteSeq        uint64
	Sequenced       bool
	SyncPoint       bool
	HasData         bool
	EntryValid      bool
	Unmap           bool
	ImageOffset     uint64
	WriteLength     uint64
	DataHandle      uint64 // byte offset of the reserved buffer within the data heap, 0 if HasData is false
	DataHandleBytes uint64 // size in bytes of the reservation backing DataHandle
}

// SlotSize is the fixed on-pmem size of one encoded Slot.
const SlotSize uint64 = 96

func boolToInt(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func encodeSlot(s Slot) []byte {
	enc := marshal.NewEnc(SlotSize)
	enc.PutInt(s.EntryIndex)
	enc.PutInt(s.SyncGen)
	enc.PutInt(s.WriteSeq)
	enc.PutInt(boolToInt(s.Sequenced))
	enc.PutInt(boolToInt(s.SyncPoint))
	enc.PutInt(boolToInt(s.HasData))
	enc.PutInt(boolToInt(s.EntryValid))
	enc.PutInt(boolToInt(s.Unmap))
	enc.PutInt(s.ImageOffset)
	enc.PutInt(s.WriteLength)
	enc.PutInt(s.DataHandle)
	enc.PutInt(s.DataHandleBytes)
	return enc.Finish()
}

func decodeSlot(b []byte) Slot {
	dec := marshal.NewDec(b)
	return Slot{
		EntryIndex:      dec.GetInt(),
		SyncGen:         dec.GetInt(),
		WriteSeq:        dec.GetInt(),
		Sequenced:       dec.GetInt() != 0,
		SyncPoint:       dec.GetInt() != 0,
		HasData:         dec.GetInt() != 0,
		EntryValid:      dec.GetInt() != 0,
		Unmap:           dec.GetInt() != 0,
		ImageOffset:     dec.GetInt(),
		WriteLength:     dec.GetInt(),
		DataHandle:      dec.GetInt(),
		DataHandleBytes: dec.GetInt(),
	}
}

// Root is the on-pmem pool header.
type Root struct {
	LayoutVersion   uint32
	PoolSize        uint64
	BlockSize       uint64
	NumLogEntries   uint64
	FirstFreeEntry  uint64
	FirstValidEntry uint64
}

// hdr1Payload/hdr2Payload are the encoded sizes of the two header
// blocks' fields; on pmem each block is padded out to common.MinAlloc
// so it occupies its own allocation-granularity region and flushes
// independently.
const hdr1Payload = 8 + 8 + 8 + 8 + 8 // version(as 8) + poolsize + blocksize + numentries + firstfree
const hdr2Payload = 8                 // firstvalid

func encodeHdr1(r Root) []byte {
	enc := marshal.NewEnc(hdr1Payload)
	enc.PutInt(uint64(r.LayoutVersion))
	enc.PutInt(r.PoolSize)
	enc.PutInt(r.BlockSize)
	enc.PutInt(r.NumLogEntries)
	enc.PutInt(r.FirstFreeEntry)
	buf := make([]byte, common.MinAlloc)
	copy(buf, enc.Finish())
	return buf
}

func decodeHdr1(b []byte) (Root, error) {
	dec := marshal.NewDec(b[:hdr1Payload])
	r := Root{
		LayoutVersion:  uint32(dec.GetInt()),
		PoolSize:       dec.GetInt(),
		BlockSize:      dec.GetInt(),
		NumLogEntries:  dec.GetInt(),
		FirstFreeEntry: dec.GetInt(),
	}
	if r.LayoutVersion != common.LayoutVersion {
		return Root{}, fmt.Errorf("pmem: layout version mismatch: pool has %d, want %d", r.LayoutVersion, common.LayoutVersion)
	}
	if r.BlockSize != common.MinAlloc {
		return Root{}, fmt.Errorf("pmem: block size mismatch: pool has %d, want %d", r.BlockSize, common.MinAlloc)
	}
	return r, nil
}

func encodeHdr2(firstValid uint64) []byte {
	enc := marshal.NewEnc(hdr2Payload)
	enc.PutInt(firstValid)
	buf := make([]byte, common.MinAlloc)
	copy(buf, enc.Finish())
	return buf
}

func decodeHdr2(b []byte) uint64 {
	dec := marshal.NewDec(b[:hdr2Payload])
	return dec.GetInt()
}

// numLogEntries derives N from the pool size, clamped by MaxLogEntries
// and at least 3.
func numLogEntries(poolSize uint64, usableFraction float64) uint64 {
	usable := uint64(float64(poolSize) * usableFraction)
	perEntry := SlotSize + common.MinAlloc
	n := usable / perEntry
	if n > common.MaxLogEntries {
		n = common.MaxLogEntries
	}
	if n < 3 {
		n = 3
	}
	return n
}
