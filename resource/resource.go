// Package resource implements admission and allocation: the lane,
// log-entry, and buffer-byte counters, back-pressure via a deferred
// FIFO, and the single-dispatcher invariant over that queue. It knows
// nothing about pmem or the log ring; buffer reservation is a
// caller-supplied closure so this package stays a plain counter/queue:
// one mutex guards a handful of counters plus a slice-backed waiter
// list.
package resource

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pmemcache/common"
)

// ShortageReason names which counter was insufficient.
type ShortageReason int

const (
	ShortageNone ShortageReason = iota
	ShortageLanes
	ShortageEntries
	ShortageBuffers
)

func (r ShortageReason) String() string {
	switch r {
	case ShortageLanes:
		return "lanes"
	case ShortageEntries:
		return "log entries"
	case ShortageBuffers:
		return "buffer bytes"
	default:
		return "none"
	}
}

// ShortageError is never surfaced to a client: it signals that a
// request should move to the deferred queue.
type ShortageError struct {
	Reason ShortageReason
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("resource: shortage of %s", e.Reason)
}

// Request describes the counters one admitted write needs.
type Request struct {
	Lanes   uint64
	Entries uint64
	Bytes   uint64
}

// Deferred is a request parked on the back-pressure queue. Try
// attempts a full allocation and, on success, dispatches the waiting
// work itself on a worker goroutine; it returns whether the attempt
// succeeded.
type Deferred struct {
	Req Request
	Try func() bool
}

// Pool holds the three admission counters and the deferred queue.
type Pool struct {
	mu sync.Mutex

	freeLanes      uint64
	freeLogEntries uint64
	bytesAllocated uint64
	bytesCap       uint64

	unpublishedReserves uint64

	allocFailedSinceRetire bool

	deferred    []*Deferred
	dispatching bool
}

// New returns a pool with the given lane count, log-entry count
// (N-1 usable slots, since one ring slot is always kept empty), and
// byte cap.
func New(numLanes, numLogEntries, bytesCap uint64) *Pool {
	return &Pool{
		freeLanes:      numLanes,
		freeLogEntries: numLogEntries,
		bytesCap:       bytesCap,
	}
}

func bufferBytesFor(length uint64) uint64 {
	if length < common.MinAlloc {
		return common.MinAlloc
	}
	return length
}

// BufferBytes sums max(MinAlloc, length) across a batch of extent
// lengths.
func BufferBytes(lengths []uint64) uint64 {
	var total uint64
	for _, l := range lengths {
		total += bufferBytesFor(l)
	}
	return total
}

func (p *Pool) checkLocked(req Request) (bool, ShortageReason) {
	if p.freeLanes < req.Lanes {
		return false, ShortageLanes
	}
	if p.freeLogEntries < req.Entries {
		return false, ShortageEntries
	}
	if p.bytesAllocated+req.Bytes > p.bytesCap {
		return false, ShortageBuffers
	}
	return true, ShortageNone
}

func (p *Pool) commitLocked(req Request) {
	p.freeLanes -= req.Lanes
	p.freeLogEntries -= req.Entries
	p.bytesAllocated += req.Bytes
	p.unpublishedReserves += req.Entries
}

// Allocate runs a three-step allocation policy: check counters,
// reserve buffers outside the lock via reserveBuffers, re-check and
// commit. On a second-check failure (another admission consumed the
// counters between steps 1 and 3), cancelBuffers is invoked to undo
// the reservation.
func (p *Pool) Allocate(req Request, reserveBuffers func() error, cancelBuffers func()) error {
	p.mu.Lock()
	ok, reason := p.checkLocked(req)
	if !ok {
		if reason == ShortageEntries || reason == ShortageBuffers {
			p.allocFailedSinceRetire = true
		}
		p.mu.Unlock()
		return &ShortageError{Reason: reason}
	}
	p.mu.Unlock()

	if err := reserveBuffers(); err != nil {
		return err
	}

	p.mu.Lock()
	ok, reason = p.checkLocked(req)
	if !ok {
		if reason == ShortageEntries || reason == ShortageBuffers {
			p.allocFailedSinceRetire = true
		}
		p.mu.Unlock()
		cancelBuffers()
		return &ShortageError{Reason: reason}
	}
	p.commitLocked(req)
	p.mu.Unlock()
	return nil
}

// ReleaseLanes returns n lanes immediately once a write reaches
// durability, then kicks the deferred dispatcher.
func (p *Pool) ReleaseLanes(n uint64) {
	p.mu.Lock()
	p.freeLanes += n
	p.mu.Unlock()
	p.pumpDeferred()
}

// ReleaseEntriesAndBytes returns log entries and buffer bytes; only
// the retirer calls this.
func (p *Pool) ReleaseEntriesAndBytes(entries, bytes uint64) {
	p.mu.Lock()
	p.freeLogEntries += entries
	if bytes > p.bytesAllocated {
		p.bytesAllocated = 0
	} else {
		p.bytesAllocated -= bytes
	}
	p.unpublishedReserves -= entries
	p.allocFailedSinceRetire = false
	p.mu.Unlock()
	p.pumpDeferred()
}

// Defer parks a request that failed allocation.
func (p *Pool) Defer(d *Deferred) {
	p.mu.Lock()
	p.deferred = append(p.deferred, d)
	p.mu.Unlock()
}

// pumpDeferred is the single-dispatcher walk of the deferred queue: at
// most one goroutine walks it (guarded by p.dispatching), popping the
// head only after Try succeeds for it and stopping at the first
// failure.
func (p *Pool) pumpDeferred() {
	p.mu.Lock()
	if p.dispatching {
		p.mu.Unlock()
		return
	}
	p.dispatching = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if len(p.deferred) == 0 {
			p.dispatching = false
			p.mu.Unlock()
			return
		}
		head := p.deferred[0]
		p.mu.Unlock()

		if !head.Try() {
			p.mu.Lock()
			p.dispatching = false
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		if len(p.deferred) > 0 && p.deferred[0] == head {
			p.deferred = p.deferred[1:]
		}
		p.mu.Unlock()
	}
}

// AllocFailedSinceRetire reports whether an allocation has failed on
// entries or buffer bytes since the last retire pass; the retirer
// uses this as one of its wake conditions.
func (p *Pool) AllocFailedSinceRetire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocFailedSinceRetire
}

// BytesAllocated reports the current allocated-byte count.
func (p *Pool) BytesAllocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesAllocated
}

// DeferredLen reports the current deferred-queue depth, for tests and
// stats.
func (p *Pool) DeferredLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}
