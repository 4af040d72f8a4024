// Package retirer implements high/low-watermark driven reclamation of
// ring slots and their pmem buffers. Like flusher and writelog, it is
// a single background goroutine parked on a condition variable.
package retirer

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-pmemcache/logentry"
	"github.com/mit-pdos/go-pmemcache/pmem"
	"github.com/mit-pdos/go-pmemcache/resource"
	"github.com/mit-pdos/go-pmemcache/util"
	"github.com/mit-pdos/go-pmemcache/writelog"
)

// Entry is one ring slot the retirer may reclaim: exactly one of
// Write or Sync is set.
type Entry struct {
	Write *logentry.WriteLogEntry
	Sync  *logentry.SyncPoint
}

func (e *Entry) ringIndex() uint64 {
	if e.Write != nil {
		return e.Write.EntryIndex
	}
	return e.Sync.EntryIndex
}

func (e *Entry) canRetire() bool {
	if e.Write != nil {
		return e.Write.CanRetire()
	}
	return e.Sync.CanRetire()
}

// Retirer walks Entry values off the tail of the ring while each
// satisfies canRetire, freeing their pmem buffers and advancing
// first_valid_entry.
type Retirer struct {
	mu   sync.Mutex
	cond *sync.Cond

	log       *writelog.Log
	resources *resource.Pool

	freesPerTx     uint64
	batchTimeLimit time.Duration
	highWater      uint64
	lowWater       uint64

	queue []*Entry

	shuttingDown bool
	invalidating bool
	stopped      bool

	// OnBeforeRetire fires for each write entry in a batch, outside
	// any lock, after canRetire has passed but before its pmem buffer
	// is freed. The cache uses it to drop the entry's own remaining
	// index reference, since nothing else will for an entry nobody
	// ever overwrote.
	OnBeforeRetire func(e *Entry)

	// OnRetired fires for each retired entry, outside any lock, after
	// its buffer has been freed, purely for stats/logging.
	OnRetired func(e *Entry)
}

// New returns a retirer over log, sharing resources's counters, with
// the given per-transaction free batch size, per-pass wall-clock
// budget, and high/low byte watermarks.
func New(log *writelog.Log, resources *resource.Pool, freesPerTx uint64, batchTimeLimit time.Duration, highWater, lowWater uint64) *Retirer {
	r := &Retirer{
		log:            log,
		resources:      resources,
		freesPerTx:     freesPerTx,
		batchTimeLimit: batchTimeLimit,
		highWater:      highWater,
		lowWater:       lowWater,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// PushEntry enqueues a newly-appended ring entry, in ring order, and
// wakes the retirer to re-check its run predicate.
func (r *Retirer) PushEntry(e *Entry) {
	r.mu.Lock()
	r.queue = append(r.queue, e)
	r.cond.Broadcast()
	r.mu.Unlock()
}

// SetShuttingDown and SetInvalidating toggle the two standing wake
// conditions besides an allocation failure since the last retire pass
// and the high watermark.
func (r *Retirer) SetShuttingDown(v bool) {
	r.mu.Lock()
	r.shuttingDown = v
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Retirer) SetInvalidating(v bool) {
	r.mu.Lock()
	r.invalidating = v
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Stop halts Run once its current wait returns.
func (r *Retirer) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Retirer) shouldRunLocked() bool {
	if r.shuttingDown || r.invalidating {
		return true
	}
	if r.resources.AllocFailedSinceRetire() {
		return true
	}
	return r.resources.BytesAllocated() > r.highWater
}

// Run is the background reclamation loop. Call it once, from its own
// goroutine.
func (r *Retirer) Run() {
	for {
		r.mu.Lock()
		for !r.stopped && !r.shouldRunLocked() {
			r.cond.Wait()
		}
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.retirePass()
	}
}

// retirePass drains contiguous retirable entries from the queue head
// in batches of at most freesPerTx, honouring the low watermark and
// the per-pass time budget.
func (r *Retirer) retirePass() {
	deadline := time.Now().Add(r.batchTimeLimit)
	for {
		batch := r.takeBatchLocked()
		if len(batch) == 0 {
			return
		}
		if !r.commitBatch(batch) {
			return
		}

		r.mu.Lock()
		stop := !r.shuttingDown && !r.invalidating && r.resources.BytesAllocated() <= r.lowWater
		r.mu.Unlock()
		if stop {
			return
		}
		if time.Now().After(deadline) {
			return
		}
	}
}

func (r *Retirer) takeBatchLocked() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var batch []*Entry
	for uint64(len(batch)) < r.freesPerTx && len(r.queue) > 0 && r.queue[0].canRetire() {
		batch = append(batch, r.queue[0])
		r.queue = r.queue[1:]
	}
	return batch
}

func (r *Retirer) commitBatch(batch []*Entry) bool {
	n := r.log.NumLogEntries()
	newTail := (batch[len(batch)-1].ringIndex() + 1) % n

	if r.OnBeforeRetire != nil {
		for _, e := range batch {
			if e.Write != nil {
				r.OnBeforeRetire(e)
			}
		}
	}
	// The index reference just dropped above is what closes off new
	// readers; any already in flight from just before that drop still
	// need to finish before the buffer beneath them is freed.
	for _, e := range batch {
		if e.Write == nil {
			continue
		}
		for i := 0; i < 100 && e.Write.Readers() > 0; i++ {
			time.Sleep(time.Millisecond)
		}
	}

	var views []*pmem.View
	var lengths []uint64
	var writeCount uint64
	for _, e := range batch {
		if e.Write == nil {
			continue
		}
		writeCount++
		if v := e.Write.View(); v != nil {
			views = append(views, v)
			lengths = append(lengths, e.Write.Image.Length)
		}
	}

	if err := r.log.Retire(newTail, views); err != nil {
		util.DPrintf(0, "retirer: retire transaction failed, requeueing: %v\n", err)
		r.mu.Lock()
		r.queue = append(batch, r.queue...)
		r.mu.Unlock()
		return false
	}

	// Only write entries were ever charged against the log-entries
	// counter (resource.Pool.Allocate is never called for a sync-point
	// marker's own ring slot); crediting writeCount rather than
	// len(batch) keeps that counter from drifting above its true cap.
	r.resources.ReleaseEntriesAndBytes(writeCount, resource.BufferBytes(lengths))

	for _, e := range batch {
		if e.Write != nil {
			e.Write.SetState(logentry.StateRetired)
		}
		if r.OnRetired != nil {
			r.OnRetired(e)
		}
	}
	return true
}

// QueueLen reports the number of ring entries awaiting retirement.
func (r *Retirer) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
