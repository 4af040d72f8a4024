package pmem

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pmemcache/common"
)

// chunkAlloc is a bitmap allocator over the data heap, one bit per
// common.MinAlloc-sized chunk: a cyclic scan-for-a-free-bit strategy
// extended from "find one free bit" to "find a run of n consecutive
// free bits", since a single buffer reservation can span several
// chunks.
type chunkAlloc struct {
	mu     sync.Mutex
	nchunk uint64
	bits   []byte // 1 bit per chunk, 1 = allocated
	next   uint64 // cyclic scan cursor, mirrors alloc.Alloc.next
}

func newChunkAlloc(nchunk uint64) *chunkAlloc {
	return &chunkAlloc{
		nchunk: nchunk,
		bits:   make([]byte, (nchunk+7)/8),
	}
}

func (a *chunkAlloc) testBit(i uint64) bool {
	return a.bits[i/8]&(1<<(i%8)) != 0
}

func (a *chunkAlloc) setBit(i uint64) {
	a.bits[i/8] |= 1 << (i % 8)
}

func (a *chunkAlloc) clearBit(i uint64) {
	a.bits[i/8] &^= 1 << (i % 8)
}

func (a *chunkAlloc) freeRun(start, n uint64) bool {
	if start+n > a.nchunk {
		return false
	}
	for i := start; i < start+n; i++ {
		if a.testBit(i) {
			return false
		}
	}
	return true
}

// allocRun finds n contiguous free chunks, cyclically scanning from
// a.next, and marks them allocated. It returns the starting chunk
// index.
func (a *chunkAlloc) allocRun(n uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n == 0 || n > a.nchunk {
		return 0, fmt.Errorf("pmem: cannot allocate %d chunks from a %d-chunk heap", n, a.nchunk)
	}
	start := a.next
	tries := uint64(0)
	for tries < a.nchunk {
		if a.freeRun(start, n) {
			for i := start; i < start+n; i++ {
				a.setBit(i)
			}
			a.next = start + n
			if a.next >= a.nchunk {
				a.next = 0
			}
			return start, nil
		}
		start++
		tries++
		if start >= a.nchunk {
			start = 0
		}
	}
	return 0, fmt.Errorf("pmem: no %d contiguous free chunks available", n)
}

func (a *chunkAlloc) free(start, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := start; i < start+n; i++ {
		a.clearBit(i)
	}
}

func chunksFor(size uint64) uint64 {
	return (size + common.MinAlloc - 1) / common.MinAlloc
}
