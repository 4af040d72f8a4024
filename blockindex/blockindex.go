// Package blockindex maintains the ordered, non-overlapping map from
// block extent to write log entry. Queries take a read lock and
// mutations take a write lock over a sorted slice; with the ring at a
// few thousand entries for a pool of tens of MiB (common.MaxLogEntries
// caps it at 1<<20) there is no case for reaching past the standard
// library for an ordered container.
package blockindex

import (
	"sort"
	"sync"

	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
)

// MapEntry pairs a block extent with the write entry that currently
// owns it.
type MapEntry struct {
	Block extent.Block
	Entry *logentry.WriteLogEntry
}

// Index is the ordered non-overlapping block-extent -> write-entry
// map.
type Index struct {
	mu      sync.RWMutex
	entries []*MapEntry
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// Add inserts a new map entry over blk pointing at entry, rewriting
// the index so any older overlap is shrunk, split, or removed. Every
// (re)insertion increments entry's reference count; every removal
// decrements the removed fragment's owner.
func (idx *Index) Add(blk extent.Block, entry *logentry.WriteLogEntry) *MapEntry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	result := make([]*MapEntry, 0, len(idx.entries)+2)
	for _, old := range idx.entries {
		if !old.Block.Overlaps(blk) {
			result = append(result, old)
			continue
		}
		switch {
		case blk.Contains(old.Block):
			// old fully covered by new -> remove old.
			old.Entry.DecrRef()

		case old.Block.Contains(blk) && old.Block.Start != blk.Start && old.Block.End != blk.End:
			// new strictly inside old -> split old into two fragments,
			// each still referring to the same write entry.
			left := &MapEntry{Block: extent.Block{Start: old.Block.Start, End: blk.Start - 1}, Entry: old.Entry}
			right := &MapEntry{Block: extent.Block{Start: blk.End + 1, End: old.Block.End}, Entry: old.Entry}
			kept := 0
			if left.Block.Start <= left.Block.End {
				result = append(result, left)
				kept++
			}
			if right.Block.Start <= right.Block.End {
				result = append(result, right)
				kept++
			}
			// old contributed one reference; splitting into two live
			// fragments adds one more.
			if kept == 2 {
				old.Entry.IncrRef()
			} else if kept == 0 {
				old.Entry.DecrRef()
			}

		case blk.Start <= old.Block.Start:
			// new covers the left of old -> shrink old.
			old.Block.Start = blk.End + 1
			result = append(result, old)

		default:
			// new covers the right of old -> shrink old.
			old.Block.End = blk.Start - 1
			result = append(result, old)
		}
	}

	fresh := &MapEntry{Block: blk, Entry: entry}
	entry.IncrRef()
	result = append(result, fresh)
	sort.Slice(result, func(i, j int) bool { return result[i].Block.Start < result[j].Block.Start })
	idx.entries = result
	return fresh
}

// FindMapEntries returns the ordered map entries overlapping ext.
func (idx *Index) FindMapEntries(ext extent.Block) []*MapEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []*MapEntry
	for _, e := range idx.entries {
		if e.Block.Overlaps(ext) {
			out = append(out, e)
		}
	}
	return out
}

// FindLogEntries returns the write entries referenced by the map
// entries overlapping ext, in address order. The same write entry may
// appear more than once if it was split into multiple overlapping
// fragments.
func (idx *Index) FindLogEntries(ext extent.Block) []*logentry.WriteLogEntry {
	maps := idx.FindMapEntries(ext)
	out := make([]*logentry.WriteLogEntry, len(maps))
	for i, m := range maps {
		out[i] = m.Entry
	}
	return out
}

// Remove deletes a specific map entry (identity match) from the
// index, decrementing its owner's reference count. Used when a
// discard drops coverage without a replacing write.
func (idx *Index) Remove(target *MapEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, e := range idx.entries {
		if e == target {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			target.Entry.DecrRef()
			return
		}
	}
}

// RemoveEntry deletes every map entry still pointing at entry,
// decrementing its reference count once per fragment removed. Called
// by the retirer immediately before entry's buffer is freed: a write
// nobody ever overwrote still has its own map entry pointing at it
// right up to that point, and dropping it here is what lets its
// reference count reach zero without requiring a superseding
// overwrite. A no-op for an entry an overwrite already fully
// superseded.
func (idx *Index) RemoveEntry(entry *logentry.WriteLogEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	kept := idx.entries[:0]
	for _, e := range idx.entries {
		if e.Entry == entry {
			entry.DecrRef()
			continue
		}
		kept = append(kept, e)
	}
	idx.entries = kept
}

// Len returns the current number of map entries, for tests and stats.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// All returns a snapshot of every map entry in address order.
func (idx *Index) All() []*MapEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*MapEntry, len(idx.entries))
	copy(out, idx.entries)
	return out
}
