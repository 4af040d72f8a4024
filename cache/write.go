package cache

import (
	"errors"
	"sync"

	"github.com/mit-pdos/go-pmemcache/blockguard"
	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
	"github.com/mit-pdos/go-pmemcache/pmem"
	"github.com/mit-pdos/go-pmemcache/resource"
	"github.com/mit-pdos/go-pmemcache/retirer"
	"github.com/mit-pdos/go-pmemcache/util"
	"github.com/mit-pdos/go-pmemcache/writelog"
)

// ErrShuttingDown is returned when a write arrives after Close has
// begun draining ingress.
var ErrShuttingDown = errors.New("cache: shutting down")

// AioWrite is the client write entry point. exts and buf must describe
// the same total length; buf is copied into pmem on a background
// goroutine once the write is admitted and allocated, not before
// AioWrite returns. onFinish runs exactly once, off the calling
// goroutine.
func (c *Cache) AioWrite(exts []extent.Image, buf []byte, fadvise FAdvise, onFinish func(error)) {
	c.mu.Lock()
	shuttingDown := c.shuttingDown
	c.mu.Unlock()
	if shuttingDown {
		go onFinish(ErrShuttingDown)
		return
	}
	go c.doWrite(exts, buf, onFinish)
}

func (c *Cache) doWrite(exts []extent.Image, buf []byte, onFinish func(error)) {
	blk := extent.Covering(exts)
	cell := c.guard.Detain(blk, false)
	detained := cell.Detained

	lengths := make([]uint64, len(exts))
	for i, e := range exts {
		lengths[i] = e.Length
	}
	req := resource.Request{
		Lanes:   uint64(len(exts)),
		Entries: uint64(len(exts)),
		Bytes:   resource.BufferBytes(lengths),
	}

	views := make([]*pmem.View, len(exts))
	reserve := func() error {
		for i, e := range exts {
			v, err := c.pool.Reserve(e.Length)
			if err != nil {
				for j := 0; j < i; j++ {
					c.pool.Cancel(views[j])
					views[j] = nil
				}
				return err
			}
			views[i] = v
		}
		return nil
	}
	cancel := func() {
		for i, v := range views {
			if v != nil {
				c.pool.Cancel(v)
				views[i] = nil
			}
		}
	}

	err := c.resources.Allocate(req, reserve, cancel)
	if err == nil {
		c.finishWrite(exts, buf, views, cell, detained, false, onFinish)
		return
	}

	var shortage *resource.ShortageError
	if !errors.As(err, &shortage) {
		cell.Release()
		go onFinish(err)
		return
	}

	util.DPrintf(2, "cache: write deferred, %s shortage\n", shortage.Reason)
	c.resources.Defer(&resource.Deferred{
		Req: req,
		Try: func() bool {
			if e := c.resources.Allocate(req, reserve, cancel); e != nil {
				return false
			}
			c.finishWrite(exts, buf, views, cell, detained, true, onFinish)
			return true
		},
	})
}

// finishWrite runs once admission and allocation have both succeeded:
// it decides sync-point membership, copies the client payload into
// the reserved pmem buffers, inserts into the block-to-entry index,
// and schedules the append pipeline.
func (c *Cache) finishWrite(exts []extent.Image, buf []byte, views []*pmem.View, cell *blockguard.Cell, detained, deferred bool, onFinish func(error)) {
	var totalBytes uint64
	for _, e := range exts {
		totalBytes += e.Length
	}

	c.mu.Lock()
	sp := c.rolloverIfNeededLocked(len(exts), totalBytes)
	ackOnCopy := c.persistOnFlush
	c.mu.Unlock()

	earlyFlush := !detained && !deferred && !ackOnCopy

	entries := make([]*logentry.WriteLogEntry, len(exts))
	ops := make([]*writelog.Op, len(exts))
	offset := uint64(0)
	for i, e := range exts {
		copy(views[i].Bytes(), buf[offset:offset+e.Length])
		offset += e.Length

		entry := logentry.NewWriteLogEntry(0, sp, e, views[i])
		entries[i] = entry
		c.index.Add(extent.ToBlock(e), entry)

		if earlyFlush {
			if err := views[i].Flush(); err != nil {
				util.DPrintf(0, "cache: early flush failed: %v\n", err)
			}
		}

		var seq uint64
		if !ackOnCopy {
			c.mu.Lock()
			c.lastOpSeq++
			seq = c.lastOpSeq
			c.mu.Unlock()
		}

		ops[i] = &writelog.Op{
			Image:      e,
			View:       views[i],
			SyncGen:    sp.Entry.SyncGen,
			WriteSeq:   seq,
			WriteEntry: entry,
		}
	}

	var errMu sync.Mutex
	var firstErr error
	gather := logentry.NewGather(len(ops), func() {
		cell.Release()
		c.resources.ReleaseLanes(uint64(len(ops)))
		if !ackOnCopy {
			onFinish(firstErr)
		}
	})

	for _, op := range ops {
		op := op
		entry := op.WriteEntry
		op.OnAppended = func(idx uint64) { entry.EntryIndex = idx }
		op.OnCommitted = func(idx uint64, err error) {
			if err != nil {
				util.DPrintf(0, "cache: append commit failed: %v\n", err)
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			} else {
				entry.SetState(logentry.StateAcked)
				c.mu.Lock()
				entry.SyncPoint.Entry.WritesCompleted++
				c.mu.Unlock()
				c.flusher.PushDirty(entry)
				c.retirer.PushEntry(&retirer.Entry{Write: entry})
			}
			gather.Sub()
		}
		c.log.Submit(op)
	}

	if ackOnCopy {
		onFinish(nil)
	}
}

// AioWriteSame tiles pattern across ext and writes the result through
// the normal admission pipeline, as a single logical write, rather
// than dispatching to the lower tier and the cache separately: one
// path is what keeps the cache and the lower tier from disagreeing
// about what was written.
func (c *Cache) AioWriteSame(ext extent.Image, pattern []byte, fadvise FAdvise, onFinish func(error)) {
	if len(pattern) == 0 || ext.Length%uint64(len(pattern)) != 0 {
		go onFinish(errors.New("cache: writesame pattern must evenly tile the extent"))
		return
	}
	buf := make([]byte, ext.Length)
	for off := uint64(0); off < ext.Length; off += uint64(len(pattern)) {
		copy(buf[off:], pattern)
	}
	c.AioWrite([]extent.Image{ext}, buf, fadvise, onFinish)
}

// AioCompareAndWrite forwards straight to the lower tier: a
// compare-and-write's compare side is only meaningful against the
// backing store's current, authoritative contents, not the cache's
// write-back view, so it has no business going through admission or
// the block-to-entry index at all. The block guard still serializes it
// against concurrent cache writes to the same range.
func (c *Cache) AioCompareAndWrite(ext extent.Image, cmp, buf []byte, onFinish func(error)) {
	go func() {
		cell := c.guard.Detain(extent.ToBlock(ext), false)
		c.lower.CompareAndWrite(ext, cmp, buf, func(err error) {
			cell.Release()
			onFinish(err)
		})
	}()
}

// rolloverIfNeededLocked opens a new sync point when persist-on-write
// mode already has a completed write in the current point, or when the
// current point has already reached its per-sync-point write or byte
// limit. The new sync
// point's marker op is submitted here, under c.mu, so it is guaranteed
// to reach the ring ahead of every write that will carry its
// sync_gen, since Log.Submit only enqueues and never blocks.
func (c *Cache) rolloverIfNeededLocked(numWrites int, totalBytes uint64) *logentry.SyncPoint {
	sp := c.current
	needNew := (!c.persistOnFlush && sp.Entry.WritesCompleted > 0) ||
		uint64(sp.Entry.Writes) >= c.cfg.MaxWritesPerSP ||
		sp.Entry.Bytes >= c.cfg.MaxBytesPerSP

	if needNew {
		c.nextGen++
		newSP := logentry.NewSyncPoint(c.nextGen, sp)
		c.current = newSP
		sp = newSP
		c.submitSyncPointMarkerLocked(sp)
	}

	sp.Entry.Writes += numWrites
	sp.Entry.Bytes += totalBytes
	return sp
}

// submitSyncPointMarkerLocked appends sp's own marker slot to the
// ring. Called with c.mu held, immediately after sp becomes current,
// so its marker is always queued ahead of any write carrying sp's
// sync_gen.
func (c *Cache) submitSyncPointMarkerLocked(sp *logentry.SyncPoint) {
	marker := &writelog.Op{
		SyncPoint: true,
		SyncGen:   sp.Entry.SyncGen,
		SyncEntry: sp,
	}
	marker.OnAppended = func(idx uint64) {
		sp.SetEntryIndex(idx)
		sp.FireAppending()
	}
	marker.OnCommitted = func(idx uint64, err error) {
		if err != nil {
			util.DPrintf(0, "cache: sync point marker commit failed: %v\n", err)
			return
		}
		sp.SyncPointPersisted.Sub()
		c.retirer.PushEntry(&retirer.Entry{Sync: sp})
	}
	c.log.Submit(marker)
}
