package cache

import (
	"time"

	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
)

// fullRange is the block extent AioFlush and Invalidate detain against:
// both are whole-image barriers, so their own admission should wait for
// every other outstanding cell regardless of which bytes it touches.
var fullRange = extent.Block{Start: 0, End: ^uint64(0)}

// AioFlush closes out the current sync point and waits for its marker
// to become durable. Because a sync point's marker is submitted to the
// ring at the moment the point is opened, ahead of every write it will
// carry, the append pipeline's single FIFO queue guarantees the
// converse: a marker's own commit can only happen once every op
// enqueued ahead of it -- which includes every write belonging to the
// sync point it closed out -- has committed. So closing out whichever
// sync point is current and waiting on that new marker's durability is
// sufficient proof that everything written before this call is
// durable. If the current point is already empty, it is itself that
// fence, and waiting on it directly (or firing immediately, if it is
// already durable) is enough.
func (c *Cache) AioFlush(onFinish func(error)) {
	go c.doAioFlush(onFinish)
}

func (c *Cache) doAioFlush(onFinish func(error)) {
	cell := c.guard.Detain(fullRange, true)

	c.mu.Lock()
	if c.cfg.PersistOnWriteUntilFlush {
		c.persistOnFlush = true
	}
	sp := c.current
	waitOn := sp
	if sp.Entry.Writes > 0 {
		c.nextGen++
		newSP := logentry.NewSyncPoint(c.nextGen, sp)
		c.current = newSP
		c.submitSyncPointMarkerLocked(newSP)
		waitOn = newSP
	}
	c.mu.Unlock()

	// The barrier only needs to order the rollover decision against
	// concurrent writers; once that decision is made the flush's own
	// completion is driven entirely by sync-point continuations, so
	// the cell can be released right away.
	cell.Release()

	waitOn.AddOnPersisted(func() { onFinish(nil) })
}

// Flush is the internal, non-barrier flush used at shutdown and by
// Invalidate: it waits for every entry currently dirty or in flight to
// reach the lower tier, without forcing a sync-point rollover.
func (c *Cache) Flush(onFinish func()) {
	c.flusher.OnAllClean(onFinish)
}

// Invalidate is a barrier that drops into bookkeeping-only mode (the
// flusher stops writing through and just drains its dirty queue, the
// retirer reclaims unconditionally), waits for everything outstanding
// to clear, forwards to the lower tier, and then resumes normal
// operation.
func (c *Cache) Invalidate(onFinish func(error)) {
	go c.doInvalidate(onFinish)
}

func (c *Cache) doInvalidate(onFinish func(error)) {
	cell := c.guard.Detain(fullRange, true)

	c.flusher.SetInvalidating(true)
	c.retirer.SetInvalidating(true)

	done := make(chan struct{})
	c.Flush(func() { close(done) })
	<-done

	for i := 0; i < 200 && c.retirer.QueueLen() > 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	c.lower.Invalidate(func(err error) {
		c.flusher.SetInvalidating(false)
		c.retirer.SetInvalidating(false)
		cell.Release()
		onFinish(err)
	})
}

// AioDiscard drops the discarded range's own index coverage (so a
// subsequent read falls through to the lower tier rather than serving
// stale cached bytes) before forwarding to the lower tier. Only
// whole-volume invalidation goes through Invalidate; a region discard
// never needs to pause ingress against the rest of the image.
func (c *Cache) AioDiscard(img extent.Image, skipPartial bool, onFinish func(error)) {
	go c.doDiscard(img, skipPartial, onFinish)
}

func (c *Cache) doDiscard(img extent.Image, skipPartial bool, onFinish func(error)) {
	blk := extent.ToBlock(img)
	cell := c.guard.Detain(blk, false)

	for _, me := range c.index.FindMapEntries(blk) {
		c.index.Remove(me)
	}

	c.lower.Discard(img.Offset, img.Length, skipPartial, func(err error) {
		cell.Release()
		onFinish(err)
	})
}
