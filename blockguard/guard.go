// Package blockguard serializes overlapping requests against block
// extents and provides barrier semantics on top.
//
// Admission tests every active cell for overlap rather than hashing to
// a shard, so the guard keeps one mutex for its whole state. A barrier
// cell puts the guard into a mode where every later arrival queues
// FIFO until the barrier releases.
package blockguard

import (
	"sync"

	"github.com/mit-pdos/go-pmemcache/extent"
)

// Cell is the admission handle returned by Detain. Callers do their
// work and then call Release exactly once.
type Cell struct {
	id       uint64
	Extent   extent.Block
	Detained bool
	barrier  bool
	guard    *Guard
}

type waiter struct {
	ch chan struct{}
}

// Guard serializes overlapping requests keyed by block extent.
type Guard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active map[uint64]*Cell
	nextID uint64

	barrierActive bool
	barrierQueue  []*waiter
}

// New returns an empty guard.
func New() *Guard {
	g := &Guard{active: make(map[uint64]*Cell)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *Guard) overlapsActiveLocked(ext extent.Block) bool {
	for _, c := range g.active {
		if c.Extent.Overlaps(ext) {
			return true
		}
	}
	return false
}

// Detain blocks the caller until ext can be admitted: no barrier is
// outstanding, and no currently-admitted cell overlaps ext. If
// barrier is true, the returned cell puts the guard into barrier mode
// on admission: every request arriving after this point queues FIFO
// until Release is called on this cell.
func (g *Guard) Detain(ext extent.Block, barrier bool) *Cell {
	g.mu.Lock()
	for g.barrierActive {
		w := &waiter{ch: make(chan struct{})}
		g.barrierQueue = append(g.barrierQueue, w)
		g.mu.Unlock()
		<-w.ch
		g.mu.Lock()
	}

	detained := false
	for g.overlapsActiveLocked(ext) {
		detained = true
		g.cond.Wait()
		// A barrier may have been opened by an admitted overlapper
		// while we slept; go back around and queue behind it too.
		for g.barrierActive {
			w := &waiter{ch: make(chan struct{})}
			g.barrierQueue = append(g.barrierQueue, w)
			g.mu.Unlock()
			<-w.ch
			g.mu.Lock()
		}
	}

	id := g.nextID
	g.nextID++
	cell := &Cell{id: id, Extent: ext, Detained: detained, barrier: barrier, guard: g}
	g.active[id] = cell
	if barrier {
		g.barrierActive = true
	}
	g.mu.Unlock()
	return cell
}

// Release admits the next overlapping waiters (and, if this cell was
// a barrier, drains the barrier queue in FIFO arrival order).
func (c *Cell) Release() {
	g := c.guard
	g.mu.Lock()
	delete(g.active, c.id)
	wasBarrier := c.barrier
	if wasBarrier {
		g.barrierActive = false
	}
	g.cond.Broadcast()
	var queue []*waiter
	if wasBarrier {
		queue = g.barrierQueue
		g.barrierQueue = nil
	}
	g.mu.Unlock()

	// Wake barrier-queued requests in the order they arrived. Each
	// resubmits itself to Detain from scratch, so it is still subject
	// to the ordinary overlap check.
	for _, w := range queue {
		close(w.ch)
	}
}

// Outstanding reports the number of currently admitted cells, for
// tests and stats.
func (g *Guard) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
