package pmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pmemcache/common"
)

const pageSize = 4096

// View is a reservation returned by Reserve. It stays valid until
// Cancel (reservation abandoned before publish) or Free (entry
// retired) is called on it.
type View struct {
	pool       *Pool
	chunkStart uint64
	chunks     uint64
	size       uint64
	published  bool
	freed      bool
}

// Bytes returns the live mmap-backed slice for this reservation.
func (v *View) Bytes() []byte {
	off := v.pool.dataOffset + v.chunkStart*common.MinAlloc
	return v.pool.data[off : off+v.size]
}

// Offset returns the reservation's byte offset within the data heap,
// suitable for storing in a Slot's DataHandle field.
func (v *View) Offset() uint64 {
	return v.chunkStart * common.MinAlloc
}

// Size returns the reservation's requested size in bytes.
func (v *View) Size() uint64 {
	return v.size
}

// Flush persists this reservation's live bytes.
func (v *View) Flush() error {
	off := v.pool.dataOffset + v.chunkStart*common.MinAlloc
	return v.pool.FlushRange(off, v.size)
}

// Pool is an open pmem-backed log file: two header blocks, a fixed
// ring of slots, and a data heap.
type Pool struct {
	mu sync.Mutex

	fd   int
	data []byte
	size uint64

	root Root

	slotsOffset uint64
	dataOffset  uint64

	alloc *chunkAlloc
}

func mmapWholeFile(fd int, size uint64) ([]byte, error) {
	return unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Create initializes a new pool file at path with the given size and
// usable fraction, and leaves it open.
func Create(path string, poolSize uint64, usableFraction float64) (*Pool, error) {
	if poolSize < common.MinPoolSize {
		return nil, fmt.Errorf("pmem: pool size %d below minimum %d", poolSize, common.MinPoolSize)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(poolSize)); err != nil {
		unix.Close(fd)
		return nil, err
	}

	n := numLogEntries(poolSize, usableFraction)
	slotsOffset := 2 * common.MinAlloc
	slotsRegionSize := roundUp(n*SlotSize, common.MinAlloc)
	dataOffset := uint64(slotsOffset) + slotsRegionSize
	if dataOffset >= poolSize {
		unix.Close(fd)
		return nil, fmt.Errorf("pmem: pool size %d too small to hold %d log entries", poolSize, n)
	}

	data, err := mmapWholeFile(fd, poolSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	p := &Pool{
		fd:   fd,
		data: data,
		size: poolSize,
		root: Root{
			LayoutVersion:   common.LayoutVersion,
			PoolSize:        poolSize,
			BlockSize:       common.MinAlloc,
			NumLogEntries:   n,
			FirstFreeEntry:  0,
			FirstValidEntry: 0,
		},
		slotsOffset: uint64(slotsOffset),
		dataOffset:  dataOffset,
	}
	nchunk := (poolSize - dataOffset) / common.MinAlloc
	p.alloc = newChunkAlloc(nchunk)

	if err := p.writeHdr1Locked(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.writeHdr2Locked(); err != nil {
		p.Close()
		return nil, err
	}
	// All slots start invalid; zero bytes decode to EntryValid=false.
	return p, nil
}

// Open mmaps an existing pool file and validates its layout.
func Open(path string) (*Pool, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, err
	}
	size := uint64(stat.Size)
	data, err := mmapWholeFile(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	root, err := decodeHdr1(data[0:common.MinAlloc])
	if err != nil {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, err
	}
	root.FirstValidEntry = decodeHdr2(data[common.MinAlloc : 2*common.MinAlloc])

	slotsOffset := uint64(2 * common.MinAlloc)
	slotsRegionSize := roundUp(root.NumLogEntries*SlotSize, common.MinAlloc)
	dataOffset := slotsOffset + slotsRegionSize

	p := &Pool{
		fd:          fd,
		data:        data,
		size:        size,
		root:        root,
		slotsOffset: slotsOffset,
		dataOffset:  dataOffset,
	}
	nchunk := (size - dataOffset) / common.MinAlloc
	p.alloc = newChunkAlloc(nchunk)
	p.reconstructAllocatorLocked()
	return p, nil
}

// reconstructAllocatorLocked marks every chunk referenced by a
// currently-valid slot as allocated, so Reserve never hands out space
// that replay is about to attach to a surviving write entry.
func (p *Pool) reconstructAllocatorLocked() {
	n := p.root.NumLogEntries
	for i := p.root.FirstValidEntry; i != p.root.FirstFreeEntry; i = (i + 1) % n {
		s := p.readSlotLocked(i)
		if s.EntryValid && s.HasData {
			chunks := chunksFor(s.DataHandleBytes)
			start := s.DataHandle / common.MinAlloc
			for c := start; c < start+chunks; c++ {
				p.alloc.setBit(c)
			}
		}
	}
}

func roundUp(n, sz uint64) uint64 {
	return (n + sz - 1) / sz * sz
}

// Close unmaps and closes the pool file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.data != nil {
		err = unix.Munmap(p.data)
		p.data = nil
	}
	if p.fd != 0 {
		if cerr := unix.Close(p.fd); err == nil {
			err = cerr
		}
	}
	return err
}

// Root returns a snapshot of the current root fields.
func (p *Pool) Root() Root {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

// NumLogEntries returns N, the fixed slot-ring size.
func (p *Pool) NumLogEntries() uint64 {
	return p.root.NumLogEntries
}

func (p *Pool) writeHdr1Locked() error {
	copy(p.data[0:common.MinAlloc], encodeHdr1(p.root))
	return unix.Msync(p.data[0:common.MinAlloc], unix.MS_SYNC)
}

func (p *Pool) writeHdr2Locked() error {
	copy(p.data[common.MinAlloc:2*common.MinAlloc], encodeHdr2(p.root.FirstValidEntry))
	return unix.Msync(p.data[common.MinAlloc:2*common.MinAlloc], unix.MS_SYNC)
}

func (p *Pool) slotOffset(i uint64) uint64 {
	return p.slotsOffset + i*SlotSize
}

// WriteSlot copies a slot's header into its ring position. The write
// is not durable until FlushSlots (or FlushRange) covers it.
func (p *Pool) WriteSlot(i uint64, s Slot) {
	off := p.slotOffset(i)
	copy(p.data[off:off+SlotSize], encodeSlot(s))
}

func (p *Pool) readSlotLocked(i uint64) Slot {
	off := p.slotOffset(i)
	return decodeSlot(p.data[off : off+SlotSize])
}

// ReadSlot returns the current on-pmem contents of slot i.
func (p *Pool) ReadSlot(i uint64) Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readSlotLocked(i)
}

// FlushRange persists the byte range [offset, offset+length). Go's
// mmap API hands out slices, not raw pointers, so offsets into the
// pool stand in for a pointer.
func (p *Pool) FlushRange(offset, length uint64) error {
	if length == 0 {
		return nil
	}
	lo := offset &^ (pageSize - 1)
	hi := offset + length
	if hi%pageSize != 0 {
		hi = (hi/pageSize + 1) * pageSize
	}
	if hi > p.size {
		hi = p.size
	}
	return unix.Msync(p.data[lo:hi], unix.MS_SYNC)
}

// FlushSlots persists the slots at indices lo..hi (inclusive ring
// positions, assumed already contiguous in file offset by the
// caller).
func (p *Pool) FlushSlots(lo, hi uint64) error {
	start := p.slotOffset(lo)
	end := p.slotOffset(hi) + SlotSize
	return p.FlushRange(start, end-start)
}

// Drain is a barrier: by the time it returns, every FlushRange call
// that preceded it is guaranteed durable. Since FlushRange already
// calls msync synchronously, Drain has nothing left to do; it exists
// so callers can follow the usual flush-then-drain shape without
// caring that this backend collapses the two phases.
func (p *Pool) Drain() error {
	return nil
}

// ViewAt wraps an already-allocated data-heap region (one the
// allocator has already marked in use, typically by
// reconstructAllocatorLocked during replay) as a published View, so
// it can later be handed to Tx.Free like any other reservation.
func (p *Pool) ViewAt(offset, size uint64) *View {
	return &View{pool: p, chunkStart: offset / common.MinAlloc, chunks: chunksFor(size), size: size, published: true}
}

// Reserve allocates a buffer of at least size bytes from the data
// heap. The caller must Publish or Cancel it.
func (p *Pool) Reserve(size uint64) (*View, error) {
	chunks := chunksFor(size)
	start, err := p.alloc.allocRun(chunks)
	if err != nil {
		return nil, err
	}
	return &View{pool: p, chunkStart: start, chunks: chunks, size: size}, nil
}

// Cancel releases a reservation that was never published.
func (p *Pool) Cancel(v *View) {
	if v.published || v.freed {
		panic("pmem: cancel of published or already-freed view")
	}
	p.alloc.free(v.chunkStart, v.chunks)
	v.freed = true
}

// Free releases a published reservation whose entry has retired.
func (p *Pool) Free(v *View) {
	if v.freed {
		return
	}
	p.alloc.free(v.chunkStart, v.chunks)
	v.freed = true
}

// Tx is a staged set of root/publish/free updates applied atomically
// by Commit. Nothing takes effect until Commit runs.
type Tx struct {
	pool       *Pool
	toPublish  []*View
	toFree     []*View
	firstFree  *uint64
	firstValid *uint64
}

// Begin starts a transaction against the pool.
func (p *Pool) Begin() *Tx {
	return &Tx{pool: p}
}

// Publish marks v as durably referenced by the log once the
// transaction commits.
func (t *Tx) Publish(v *View) {
	t.toPublish = append(t.toPublish, v)
}

// Free stages v for release once the transaction commits.
func (t *Tx) Free(v *View) {
	t.toFree = append(t.toFree, v)
}

// SetFirstFreeEntry stages a new ring head, written via hdr1.
func (t *Tx) SetFirstFreeEntry(v uint64) {
	t.firstFree = &v
}

// SetFirstValidEntry stages a new ring tail, written via hdr2.
func (t *Tx) SetFirstValidEntry(v uint64) {
	t.firstValid = &v
}

// Commit applies every staged change. A failure here is fatal to the
// batch that built the transaction; the pool is left exactly as it
// was before Commit was called.
func (t *Tx) Commit() error {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.firstFree != nil {
		prev := p.root.FirstFreeEntry
		p.root.FirstFreeEntry = *t.firstFree
		if err := p.writeHdr1Locked(); err != nil {
			p.root.FirstFreeEntry = prev
			return fmt.Errorf("pmem: commit failed writing header: %w", err)
		}
	}
	if t.firstValid != nil {
		prev := p.root.FirstValidEntry
		p.root.FirstValidEntry = *t.firstValid
		if err := p.writeHdr2Locked(); err != nil {
			p.root.FirstValidEntry = prev
			return fmt.Errorf("pmem: commit failed writing header: %w", err)
		}
	}
	for _, v := range t.toPublish {
		v.published = true
	}
	for _, v := range t.toFree {
		if !v.freed {
			p.alloc.free(v.chunkStart, v.chunks)
			v.freed = true
		}
	}
	return nil
}

// Abort discards every staged change; nothing was ever applied.
func (t *Tx) Abort() error {
	return nil
}
