package cache

import (
	"sync"

	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
)

type hitRange struct {
	entry     *logentry.WriteLogEntry
	block     extent.Block
	outOffset uint64
}

type missRange struct {
	img       extent.Image
	outOffset uint64
}

// AioRead is the client read entry point. out must be sized to the
// sum of exts' lengths; onFinish runs exactly once, off the calling
// goroutine, once every hit has been copied and every miss has
// returned from the lower tier.
func (c *Cache) AioRead(exts []extent.Image, out []byte, fadvise FAdvise, onFinish func(error)) {
	go c.doRead(exts, out, onFinish)
}

func (c *Cache) doRead(exts []extent.Image, out []byte, onFinish func(error)) {
	var hits []hitRange
	var misses []missRange

	outOffset := uint64(0)
	for _, e := range exts {
		eb := extent.ToBlock(e)
		baseOffset := outOffset

		cursor := eb.Start
		for _, me := range c.index.FindMapEntries(eb) {
			ov := intersectBlocks(eb, me.Block)
			if ov.Start > cursor {
				gap := extent.Block{Start: cursor, End: ov.Start - 1}
				misses = append(misses, missRange{
					img:       extent.ToImage(gap),
					outOffset: baseOffset + (gap.Start - eb.Start),
				})
			}
			hits = append(hits, hitRange{
				entry:     me.Entry,
				block:     ov,
				outOffset: baseOffset + (ov.Start - eb.Start),
			})
			cursor = ov.End + 1
		}
		if cursor <= eb.End {
			gap := extent.Block{Start: cursor, End: eb.End}
			misses = append(misses, missRange{
				img:       extent.ToImage(gap),
				outOffset: baseOffset + (gap.Start - eb.Start),
			})
		}

		outOffset += e.Length
	}

	for _, h := range hits {
		bv := h.entry.AcquireReader()
		relOffset := h.block.Start - h.entry.Image.Offset
		copy(out[h.outOffset:h.outOffset+h.block.Len()], bv.Bytes()[relOffset:relOffset+h.block.Len()])
		bv.Release()
	}

	if len(misses) == 0 {
		onFinish(nil)
		return
	}

	var errMu sync.Mutex
	var firstErr error
	gather := logentry.NewGather(len(misses), func() { onFinish(firstErr) })
	for _, m := range misses {
		m := m
		c.lower.Read(m.img, out[m.outOffset:m.outOffset+m.img.Length], func(err error) {
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
			gather.Sub()
		})
	}
}

// intersectBlocks returns the overlap of a and b; callers only invoke
// it on blocks already known to overlap.
func intersectBlocks(a, b extent.Block) extent.Block {
	start := a.Start
	if b.Start > start {
		start = b.Start
	}
	end := a.End
	if b.End < end {
		end = b.End
	}
	return extent.Block{Start: start, End: end}
}
