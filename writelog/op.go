package writelog

import (
	"github.com/mit-pdos/go-pmemcache/common"
	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
	"github.com/mit-pdos/go-pmemcache/pmem"
)

// Op is one unit of work moving through the append pipeline: either a
// write (View non-nil, unless it is an unmap) or a sync-point marker
// (SyncPoint true, View nil).
type Op struct {
	SyncPoint bool
	Image     extent.Image
	View      *pmem.View
	Unmap     bool
	SyncGen   common.SyncGen
	WriteSeq  uint64

	// Owner links this op back to the in-memory entry it is
	// appending on behalf of, so the pipeline can drive its state
	// transitions without knowing entry internals.
	WriteEntry *logentry.WriteLogEntry
	SyncEntry  *logentry.SyncPoint

	entryIndex uint64

	// OnBufferPersisted fires once this op's data buffer (if any) is
	// durable, at the Stage A / Stage B boundary.
	OnBufferPersisted func()
	// OnAppended fires the moment the op's slot has been assigned a
	// ring position, before the commit transaction runs.
	OnAppended func(entryIndex uint64)
	// OnCommitted fires after the batch's transaction has committed
	// (err nil) or aborted (err non-nil, fatal to the batch).
	OnCommitted func(entryIndex uint64, err error)
}

func buildSlot(op *Op, idx uint64) pmem.Slot {
	slot := pmem.Slot{
		EntryIndex:  idx,
		SyncGen:     op.SyncGen,
		WriteSeq:    op.WriteSeq,
		Sequenced:   op.WriteSeq != 0,
		SyncPoint:   op.SyncPoint,
		HasData:     op.View != nil,
		EntryValid:  true,
		Unmap:       op.Unmap,
		ImageOffset: op.Image.Offset,
		WriteLength: op.Image.Length,
	}
	if op.View != nil {
		slot.DataHandle = op.View.Offset()
		slot.DataHandleBytes = op.View.Size()
	}
	return slot
}
