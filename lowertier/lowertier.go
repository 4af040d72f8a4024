// Package lowertier defines the interface to the block I/O layer
// below the cache and a sharded in-memory reference implementation
// used by tests and the demo. Completions are delivered via callback
// rather than a return value since the cache must never block a
// worker on lower-tier I/O.
package lowertier

import (
	"sort"
	"sync"

	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/util"
)

// LowerTier is the block I/O interface to the layer below the cache.
type LowerTier interface {
	Read(ext extent.Image, out []byte, cb func(error))
	Write(ext extent.Image, buf []byte, cb func(error))
	Discard(offset, length uint64, skipPartial bool, cb func(error))
	WriteSame(ext extent.Image, pattern []byte, cb func(error))
	CompareAndWrite(ext extent.Image, cmp, buf []byte, cb func(error))
	Flush(cb func(error))
	Invalidate(cb func(error))
	Init(cb func(error))
	Shutdown(cb func(error))
}

type imageShard struct {
	mu   sync.RWMutex
	data []byte
}

// MemImage is a sharded in-memory LowerTier: fixed-size shards keyed
// by byte offset, locked in ascending order and then written for
// multi-region operations.
type MemImage struct {
	shardSize uint64
	shards    []*imageShard
	size      uint64
}

const defaultShardSize = 1 << 20 // 1 MiB per shard

// NewMemImage returns a zero-filled image of size bytes.
func NewMemImage(size uint64) *MemImage {
	nshard := (size + defaultShardSize - 1) / defaultShardSize
	if nshard == 0 {
		nshard = 1
	}
	shards := make([]*imageShard, nshard)
	for i := range shards {
		lo := uint64(i) * defaultShardSize
		hi := lo + defaultShardSize
		if hi > size {
			hi = size
		}
		shards[i] = &imageShard{data: make([]byte, hi-lo)}
	}
	return &MemImage{shardSize: defaultShardSize, shards: shards, size: size}
}

func (m *MemImage) shardRange(ext extent.Image) (loShard, hiShard uint64) {
	loShard = ext.Offset / m.shardSize
	hiShard = (ext.End() - 1) / m.shardSize
	return
}

func (m *MemImage) withShardsLocked(ext extent.Image, write bool, fn func()) {
	lo, hi := m.shardRange(ext)
	idxs := make([]uint64, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	for _, i := range idxs {
		if write {
			m.shards[i].mu.Lock()
		} else {
			m.shards[i].mu.RLock()
		}
	}
	fn()
	for _, i := range idxs {
		if write {
			m.shards[i].mu.Unlock()
		} else {
			m.shards[i].mu.RUnlock()
		}
	}
}

func (m *MemImage) readLocked(ext extent.Image, out []byte) {
	off := ext.Offset
	remaining := ext.Length
	pos := uint64(0)
	for remaining > 0 {
		shardIdx := off / m.shardSize
		shardOff := off % m.shardSize
		shard := m.shards[shardIdx]
		n := m.shardSize - shardOff
		if n > remaining {
			n = remaining
		}
		copy(out[pos:pos+n], shard.data[shardOff:shardOff+n])
		off += n
		pos += n
		remaining -= n
	}
}

func (m *MemImage) writeLocked(ext extent.Image, buf []byte) {
	off := ext.Offset
	remaining := ext.Length
	pos := uint64(0)
	for remaining > 0 {
		shardIdx := off / m.shardSize
		shardOff := off % m.shardSize
		shard := m.shards[shardIdx]
		n := m.shardSize - shardOff
		if n > remaining {
			n = remaining
		}
		copy(shard.data[shardOff:shardOff+n], buf[pos:pos+n])
		off += n
		pos += n
		remaining -= n
	}
}

// Read copies ext's bytes into out.
func (m *MemImage) Read(ext extent.Image, out []byte, cb func(error)) {
	m.withShardsLocked(ext, false, func() { m.readLocked(ext, out) })
	cb(nil)
}

// Write copies buf into ext's bytes.
func (m *MemImage) Write(ext extent.Image, buf []byte, cb func(error)) {
	util.DPrintf(3, "lowertier: write %s\n", ext)
	m.withShardsLocked(ext, true, func() { m.writeLocked(ext, buf) })
	cb(nil)
}

// Discard zero-fills [offset, offset+length). skipPartial is accepted
// for interface parity but MemImage always discards the whole range,
// since it has no notion of an underlying allocation granularity.
func (m *MemImage) Discard(offset, length uint64, skipPartial bool, cb func(error)) {
	ext := extent.Image{Offset: offset, Length: length}
	zero := make([]byte, length)
	m.withShardsLocked(ext, true, func() { m.writeLocked(ext, zero) })
	cb(nil)
}

// WriteSame repeats pattern across ext.
func (m *MemImage) WriteSame(ext extent.Image, pattern []byte, cb func(error)) {
	if len(pattern) == 0 {
		cb(nil)
		return
	}
	buf := make([]byte, ext.Length)
	for i := range buf {
		buf[i] = pattern[uint64(i)%uint64(len(pattern))]
	}
	m.withShardsLocked(ext, true, func() { m.writeLocked(ext, buf) })
	cb(nil)
}

// CompareAndWrite writes buf over ext only if the current contents
// equal cmp.
func (m *MemImage) CompareAndWrite(ext extent.Image, cmp, buf []byte, cb func(error)) {
	cur := make([]byte, ext.Length)
	var mismatch bool
	m.withShardsLocked(ext, true, func() {
		m.readLocked(ext, cur)
		for i := range cur {
			if cur[i] != cmp[i] {
				mismatch = true
				return
			}
		}
		m.writeLocked(ext, buf)
	})
	if mismatch {
		cb(errCompareMismatch)
		return
	}
	cb(nil)
}

// Flush is a no-op: MemImage has no write-back cache of its own.
func (m *MemImage) Flush(cb func(error)) { cb(nil) }

// Invalidate is a no-op for the same reason.
func (m *MemImage) Invalidate(cb func(error)) { cb(nil) }

// Init is a no-op.
func (m *MemImage) Init(cb func(error)) { cb(nil) }

// Shutdown is a no-op.
func (m *MemImage) Shutdown(cb func(error)) { cb(nil) }

// Snapshot returns a copy of the full image, for tests.
func (m *MemImage) Snapshot() []byte {
	out := make([]byte, m.size)
	full := extent.Image{Offset: 0, Length: m.size}
	m.withShardsLocked(full, false, func() { m.readLocked(full, out) })
	return out
}

var errCompareMismatch = &compareMismatchError{}

type compareMismatchError struct{}

func (e *compareMismatchError) Error() string { return "lowertier: compare_and_write mismatch" }
