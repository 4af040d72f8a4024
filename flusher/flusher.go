// Package flusher drains completed write entries to the lower tier in
// sync-gen order. It is driven by one or more background goroutines
// running Run, each parked on a shared condition variable: a
// priority-by-head FIFO gated by in-flight op count and in-flight
// byte limits.
package flusher

import (
	"sync"

	"github.com/mit-pdos/go-pmemcache/common"
	"github.com/mit-pdos/go-pmemcache/logentry"
	"github.com/mit-pdos/go-pmemcache/lowertier"
)

// Flusher selects dirty entries from the head of its queue and writes
// them to the lower tier.
type Flusher struct {
	mu   sync.Mutex
	cond *sync.Cond

	lower lowertier.LowerTier

	dirty []*logentry.WriteLogEntry

	inFlightCount int
	bytesInFlight uint64
	inFlightLimit uint64
	bytesLimit    uint64
	genCounts     map[common.SyncGen]int

	invalidating bool
	stopped      bool

	allCleanCbs []func()

	// OnFlushed is called after an entry transitions to StateFlushed,
	// outside any lock. The cache uses it for debug logging.
	OnFlushed func(e *logentry.WriteLogEntry)
}

// New returns a flusher writing through lower, gated by the given
// in-flight op count and in-flight byte limits.
func New(lower lowertier.LowerTier, inFlightLimit, bytesLimit uint64) *Flusher {
	f := &Flusher{
		lower:         lower,
		inFlightLimit: inFlightLimit,
		bytesLimit:    bytesLimit,
		genCounts:     make(map[common.SyncGen]int),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// PushDirty enqueues an entry that just became completed.
func (f *Flusher) PushDirty(e *logentry.WriteLogEntry) {
	f.mu.Lock()
	f.dirty = append(f.dirty, e)
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *Flusher) pushFront(e *logentry.WriteLogEntry) {
	f.mu.Lock()
	f.dirty = append([]*logentry.WriteLogEntry{e}, f.dirty...)
	f.cond.Broadcast()
	f.mu.Unlock()
}

// SetInvalidating toggles bookkeeping-only mode: the flusher still
// drains its dirty queue but skips the lower-tier write.
func (f *Flusher) SetInvalidating(v bool) {
	f.mu.Lock()
	f.invalidating = v
	f.mu.Unlock()
}

// Run is the background drain loop. Each goroutine running it flushes
// one entry at a time; several goroutines may run it concurrently to
// keep more flushes in flight.
func (f *Flusher) Run() {
	for {
		f.mu.Lock()
		for {
			if f.stopped {
				f.mu.Unlock()
				return
			}
			if len(f.dirty) > 0 && f.flushableLocked(f.dirty[0]) {
				break
			}
			f.cond.Wait()
		}
		e := f.dirty[0]
		f.dirty = f.dirty[1:]
		gen := e.SyncPoint.Entry.SyncGen
		f.inFlightCount++
		f.bytesInFlight += e.Image.Length
		f.genCounts[gen]++
		invalidating := f.invalidating
		f.mu.Unlock()

		e.SetState(logentry.StateFlushing)
		f.flushOne(e, gen, invalidating)
	}
}

// Stop halts Run once its current wait returns.
func (f *Flusher) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *Flusher) lowestFlushingSyncGenLocked() (common.SyncGen, bool) {
	var min common.SyncGen
	found := false
	for g := range f.genCounts {
		if !found || g < min {
			min = g
			found = true
		}
	}
	return min, found
}

// flushableLocked is the dirty-queue-head selection predicate.
func (f *Flusher) flushableLocked(e *logentry.WriteLogEntry) bool {
	switch e.State() {
	case logentry.StatePersisted, logentry.StateAcked:
	default:
		return false
	}
	if uint64(f.inFlightCount) >= f.inFlightLimit {
		return false
	}
	if f.bytesInFlight >= f.bytesLimit {
		return false
	}
	if lowest, any := f.lowestFlushingSyncGenLocked(); any {
		if e.SyncPoint.Entry.SyncGen > lowest {
			return false
		}
	}
	return true
}

func (f *Flusher) flushOne(e *logentry.WriteLogEntry, gen common.SyncGen, invalidating bool) {
	view := e.AcquireReader()
	if invalidating {
		f.completeFlush(e, gen, nil, view)
		return
	}
	f.lower.Write(e.Image, view.Bytes(), func(err error) {
		f.completeFlush(e, gen, err, view)
	})
}

func (f *Flusher) completeFlush(e *logentry.WriteLogEntry, gen common.SyncGen, err error, view *logentry.BufferView) {
	view.Release()

	f.mu.Lock()
	f.inFlightCount--
	f.bytesInFlight -= e.Image.Length
	f.genCounts[gen]--
	if f.genCounts[gen] == 0 {
		delete(f.genCounts, gen)
	}
	f.mu.Unlock()

	if err != nil {
		// Return to the head of the dirty queue for retry.
		e.SetState(logentry.StateAcked)
		f.pushFront(e)
		return
	}

	e.SetState(logentry.StateFlushed)
	if f.OnFlushed != nil {
		f.OnFlushed(e)
	}

	f.mu.Lock()
	f.cond.Broadcast()
	clean := len(f.dirty) == 0 && f.inFlightCount == 0
	var cbs []func()
	if clean {
		cbs = f.allCleanCbs
		f.allCleanCbs = nil
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// OnAllClean runs cb once nothing is dirty and nothing is in flight,
// immediately if that is already true.
func (f *Flusher) OnAllClean(cb func()) {
	f.mu.Lock()
	if len(f.dirty) == 0 && f.inFlightCount == 0 {
		f.mu.Unlock()
		cb()
		return
	}
	f.allCleanCbs = append(f.allCleanCbs, cb)
	f.mu.Unlock()
}

// DirtyLen reports the current dirty-queue depth, for tests and
// stats.
func (f *Flusher) DirtyLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirty)
}

// InFlight reports the number of flushes currently outstanding.
func (f *Flusher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlightCount
}
