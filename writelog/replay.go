package writelog

import (
	"fmt"

	"github.com/mit-pdos/go-pmemcache/common"
	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
	"github.com/mit-pdos/go-pmemcache/pmem"
)

// ReplayedWrite pairs a reconstructed write entry with the block
// extent it must be reinserted into the index under.
type ReplayedWrite struct {
	Entry *logentry.WriteLogEntry
	Block extent.Block
}

// Replay is everything doReplay rebuilds from the pmem log on open.
// The caller (cache.Open) is responsible for reinserting Writes into
// the block-to-entry index and the flusher's dirty list.
type Replay struct {
	SyncPoints     map[common.SyncGen]*logentry.SyncPoint
	SyncPointOrder []common.SyncGen
	Writes         []*ReplayedWrite
}

// doReplay walks slots from first_valid_entry to first_free_entry
// (mod N) in order, rebuilding sync points and write entries. Every
// surviving write is left in logentry.StateAcked: durable and
// acknowledged before the crash, not yet flushed, so the flusher's
// dirty-entry selection picks them up unchanged.
func doReplay(pool *pmem.Pool) (*Replay, error) {
	root := pool.Root()
	n := pool.NumLogEntries()

	r := &Replay{SyncPoints: make(map[common.SyncGen]*logentry.SyncPoint)}

	var lastGen common.SyncGen
	haveLast := false

	ensureSyncPoint := func(gen common.SyncGen) *logentry.SyncPoint {
		if sp, ok := r.SyncPoints[gen]; ok {
			return sp
		}
		var earlier *logentry.SyncPoint
		if len(r.SyncPointOrder) > 0 {
			earlier = r.SyncPoints[r.SyncPointOrder[len(r.SyncPointOrder)-1]]
		}
		sp := logentry.NewSyncPoint(gen, earlier)
		r.SyncPoints[gen] = sp
		r.SyncPointOrder = append(r.SyncPointOrder, gen)
		lastGen = gen
		haveLast = true
		return sp
	}

	for i := root.FirstValidEntry; i != root.FirstFreeEntry; i = (i + 1) % n {
		slot := pool.ReadSlot(i)
		if !slot.EntryValid {
			return nil, fmt.Errorf("writelog: replay: slot %d in [valid,free) range is not marked valid", i)
		}
		if slot.EntryIndex != i {
			return nil, fmt.Errorf("writelog: replay: slot %d has entry_index %d", i, slot.EntryIndex)
		}

		if slot.SyncPoint {
			if haveLast && slot.SyncGen <= lastGen {
				return nil, fmt.Errorf("writelog: replay: sync point at slot %d has non-increasing sync_gen %d (last %d)", i, slot.SyncGen, lastGen)
			}
			sp := ensureSyncPoint(slot.SyncGen)
			sp.SetEntryIndex(i)
			continue
		}

		if haveLast && slot.SyncGen < lastGen {
			return nil, fmt.Errorf("writelog: replay: write at slot %d has sync_gen %d older than last-seen %d", i, slot.SyncGen, lastGen)
		}
		sp := ensureSyncPoint(slot.SyncGen)

		var view *pmem.View
		if slot.HasData {
			view = pool.ViewAt(slot.DataHandle, slot.DataHandleBytes)
		}
		img := extent.Image{Offset: slot.ImageOffset, Length: slot.WriteLength}
		entry := logentry.NewWriteLogEntry(i, sp, img, view)
		entry.Unmap = slot.Unmap
		entry.SetState(logentry.StateAcked)

		sp.Entry.Writes++
		sp.Entry.Bytes += img.Length
		sp.Entry.WritesCompleted++

		r.Writes = append(r.Writes, &ReplayedWrite{Entry: entry, Block: extent.ToBlock(img)})
	}

	return r, nil
}
