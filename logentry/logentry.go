// Package logentry holds the in-memory representations of write-log
// entries and sync points: the counted completion gathers, the
// explicit per-write state machine, and the reader-reference-guarded
// view onto a write entry's pmem buffer.
//
// A gather is a small counted barrier, similar in spirit to a
// mutex-plus-sync.Cond wakeup but expressed as a one-shot callback
// instead, since gathers here fire exactly once and never need
// re-checking by a waiter loop.
package logentry

import (
	"sync"

	"github.com/mit-pdos/go-pmemcache/common"
	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/pmem"
)

// WriteState is the explicit per-write-entry lifecycle state machine.
type WriteState int

const (
	StateAdmitted WriteState = iota
	StateAllocated
	StateAppended
	StatePersisted
	StateAcked
	StateFlushing
	StateFlushed
	StateRetired
)

func (s WriteState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateAllocated:
		return "allocated"
	case StateAppended:
		return "appended"
	case StatePersisted:
		return "persisted"
	case StateAcked:
		return "acked"
	case StateFlushing:
		return "flushing"
	case StateFlushed:
		return "flushed"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Gather is a counted completion barrier: onZero runs exactly once,
// the moment the pending count reaches zero. Subs may arrive after
// construction (AddPending), which is how a sync point's
// prior-entries-persisted gather grows to include its earlier point's
// continuation.
type Gather struct {
	mu      sync.Mutex
	pending int
	onZero  func()
	fired   bool
}

// NewGather returns a gather armed with n pending subs.
func NewGather(n int, onZero func()) *Gather {
	g := &Gather{pending: n, onZero: onZero}
	if n <= 0 {
		g.fire()
	}
	return g
}

// AddPending adds n more outstanding subs. Must not be called after
// the gather has already fired.
func (g *Gather) AddPending(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired {
		panic("logentry: AddPending on a fired gather")
	}
	g.pending += n
}

// Sub records completion of one outstanding sub.
func (g *Gather) Sub() {
	g.mu.Lock()
	g.pending--
	fire := g.pending == 0 && !g.fired
	if fire {
		g.fired = true
	}
	g.mu.Unlock()
	if fire {
		g.onZero()
	}
}

func (g *Gather) fire() {
	g.mu.Lock()
	already := g.fired
	g.fired = true
	g.mu.Unlock()
	if !already && g.onZero != nil {
		g.onZero()
	}
}

// SyncPointLogEntry is the in-memory representation of a sync-point
// slot.
type SyncPointLogEntry struct {
	SyncGen         common.SyncGen
	Writes          int
	Bytes           uint64
	WritesCompleted int
}

// SyncPoint pairs a SyncPointLogEntry with its completion gathers and
// continuation lists.
type SyncPoint struct {
	mu sync.Mutex

	Entry *SyncPointLogEntry

	PriorEntriesPersisted *Gather
	SyncPointPersisted    *Gather

	onAppending []func()
	onPersisted []func()

	Earlier *SyncPoint
	Later   *SyncPoint

	Completed bool

	EntryIndex    uint64
	HasEntryIndex bool
}

// NewSyncPoint links a fresh sync point after earlier and arms its
// prior-entries-persisted gather with one sub for earlier's own
// completion, if earlier is non-nil.
func NewSyncPoint(gen common.SyncGen, earlier *SyncPoint) *SyncPoint {
	sp := &SyncPoint{
		Entry:   &SyncPointLogEntry{SyncGen: gen},
		Earlier: earlier,
	}
	sp.SyncPointPersisted = NewGather(1, sp.firePersisted)
	initial := 0
	if earlier != nil {
		earlier.Later = sp
		initial = 1
	}
	sp.PriorEntriesPersisted = NewGather(initial, sp.firePriorPersisted)
	if earlier != nil {
		earlier.AddOnPersisted(func() {
			sp.PriorEntriesPersisted.Sub()
		})
	}
	return sp
}

func (sp *SyncPoint) firePriorPersisted() {}

func (sp *SyncPoint) firePersisted() {
	sp.mu.Lock()
	sp.Completed = true
	sp.BreakEarlierLocked()
	fns := sp.onPersisted
	sp.onPersisted = nil
	sp.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// BreakEarlierLocked clears the earlier link on completion:
// bookkeeping only, broken explicitly rather than left for the
// collector.
func (sp *SyncPoint) BreakEarlierLocked() {
	if sp.Earlier != nil {
		sp.Earlier.Later = nil
		sp.Earlier = nil
	}
}

// AddOnAppending registers a continuation to run when FireAppending
// is called.
func (sp *SyncPoint) AddOnAppending(f func()) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.onAppending = append(sp.onAppending, f)
}

// AddOnPersisted registers a continuation to run when this sync
// point's own persistence gather fires, or immediately if it already
// has.
func (sp *SyncPoint) AddOnPersisted(f func()) {
	sp.mu.Lock()
	if sp.Completed {
		sp.mu.Unlock()
		f()
		return
	}
	sp.onPersisted = append(sp.onPersisted, f)
	sp.mu.Unlock()
}

// FireAppending wakes every follower waiting on this point entering
// the appending stage.
func (sp *SyncPoint) FireAppending() {
	sp.mu.Lock()
	fns := sp.onAppending
	sp.onAppending = nil
	sp.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// SetEntryIndex records the ring slot this sync point was appended
// into.
func (sp *SyncPoint) SetEntryIndex(i uint64) {
	sp.mu.Lock()
	sp.EntryIndex = i
	sp.HasEntryIndex = true
	sp.mu.Unlock()
}

// CanRetire reports whether this sync-point entry may be reclaimed: a
// non-write entry retires unconditionally once completed.
func (sp *SyncPoint) CanRetire() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.Completed
}

// BufferView is a reader-reference-guarded view onto a write entry's
// pmem buffer. The view must be released exactly once.
type BufferView struct {
	entry    *WriteLogEntry
	data     []byte
	released bool
}

// Bytes returns the underlying pmem-backed slice. It is valid only
// until Release is called.
func (v *BufferView) Bytes() []byte {
	return v.data
}

// Release drops the reader reference, unblocking retirement once no
// other reader reference remains.
func (v *BufferView) Release() {
	if v.released {
		return
	}
	v.released = true
	v.entry.releaseReader()
}

// WriteLogEntry is the in-memory representation of a write slot.
type WriteLogEntry struct {
	mu sync.Mutex

	EntryIndex uint64
	SyncPoint  *SyncPoint
	Image      extent.Image
	Unmap      bool
	view       *pmem.View

	state               WriteState
	readers             int
	referringMapEntries int
}

// NewWriteLogEntry constructs a write entry over a pmem reservation.
func NewWriteLogEntry(idx uint64, sp *SyncPoint, img extent.Image, view *pmem.View) *WriteLogEntry {
	return &WriteLogEntry{
		EntryIndex: idx,
		SyncPoint:  sp,
		Image:      img,
		view:       view,
		state:      StateAdmitted,
	}
}

// SetState advances the entry's lifecycle state.
func (e *WriteLogEntry) SetState(s WriteState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the entry's current lifecycle state.
func (e *WriteLogEntry) State() WriteState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// View returns the pmem reservation backing this entry.
func (e *WriteLogEntry) View() *pmem.View {
	return e.view
}

// AcquireReader takes a reader reference and returns a view onto the
// entry's live bytes. The caller must Release it.
func (e *WriteLogEntry) AcquireReader() *BufferView {
	e.mu.Lock()
	e.readers++
	e.mu.Unlock()
	return &BufferView{entry: e, data: e.view.Bytes()}
}

func (e *WriteLogEntry) releaseReader() {
	e.mu.Lock()
	e.readers--
	if e.readers < 0 {
		panic("logentry: reader reference count went negative")
	}
	e.mu.Unlock()
}

// Readers reports the current outstanding reader-reference count.
func (e *WriteLogEntry) Readers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readers
}

// IncrRef increments the reference count: called every time a map
// entry is (re)inserted pointing at this write entry.
func (e *WriteLogEntry) IncrRef() {
	e.mu.Lock()
	e.referringMapEntries++
	e.mu.Unlock()
}

// DecrRef decrements the reference count: called on map entry
// removal.
func (e *WriteLogEntry) DecrRef() {
	e.mu.Lock()
	e.referringMapEntries--
	if e.referringMapEntries < 0 {
		panic("logentry: referring_map_entries went negative")
	}
	e.mu.Unlock()
}

// ReferringMapEntries reports the current reference count.
func (e *WriteLogEntry) ReferringMapEntries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.referringMapEntries
}

// CanRetire is the write-entry retire condition. A flushed entry with
// an open reader cannot retire regardless of its reference count; one
// with no open reader can, whether its last map reference was already
// dropped by an overwrite or is still live and about to be dropped by
// the retirer itself as it retires (see cache.Cache.onBeforeRetire).
func (e *WriteLogEntry) CanRetire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateFlushed && e.readers == 0
}
