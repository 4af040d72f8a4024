package blockindex

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
)

type BlockIndexSuite struct {
	suite.Suite
}

func TestBlockIndex(t *testing.T) {
	suite.Run(t, new(BlockIndexSuite))
}

func entry() *logentry.WriteLogEntry {
	sp := logentry.NewSyncPoint(1, nil)
	return logentry.NewWriteLogEntry(0, sp, extent.Image{Offset: 0, Length: 4096}, nil)
}

func (s *BlockIndexSuite) TestSimpleInsert() {
	idx := New()
	e := entry()
	idx.Add(extent.Block{Start: 0, End: 4095}, e)
	s.Equal(1, idx.Len())
	s.Equal(1, e.ReferringMapEntries())

	found := idx.FindMapEntries(extent.Block{Start: 0, End: 4095})
	s.Len(found, 1)
}

func (s *BlockIndexSuite) TestOverwriteSplit() {
	idx := New()
	// write 0xAA over [0, 12287]
	aa := entry()
	idx.Add(extent.Block{Start: 0, End: 12287}, aa)
	s.Equal(1, aa.ReferringMapEntries())

	// write 0xBB over [4096, 8191] -- strictly inside aa's block.
	bb := entry()
	idx.Add(extent.Block{Start: 4096, End: 8191}, bb)

	s.Equal(3, idx.Len())
	s.Equal(2, aa.ReferringMapEntries())
	s.Equal(1, bb.ReferringMapEntries())

	all := idx.All()
	s.Equal(extent.Block{Start: 0, End: 4095}, all[0].Block)
	s.Same(aa, all[0].Entry)
	s.Equal(extent.Block{Start: 4096, End: 8191}, all[1].Block)
	s.Same(bb, all[1].Entry)
	s.Equal(extent.Block{Start: 8192, End: 12287}, all[2].Block)
	s.Same(aa, all[2].Entry)
}

func (s *BlockIndexSuite) TestFullCoverRemovesOld() {
	idx := New()
	a := entry()
	idx.Add(extent.Block{Start: 0, End: 4095}, a)

	b := entry()
	idx.Add(extent.Block{Start: 0, End: 4095}, b)

	s.Equal(1, idx.Len())
	s.Equal(0, a.ReferringMapEntries())
	s.Equal(1, b.ReferringMapEntries())
}

func (s *BlockIndexSuite) TestLeftAndRightShrink() {
	idx := New()
	a := entry()
	idx.Add(extent.Block{Start: 0, End: 8191}, a)

	// new covers the left half -> old shrinks to the right remainder.
	b := entry()
	idx.Add(extent.Block{Start: 0, End: 4095}, b)
	all := idx.All()
	s.Len(all, 2)
	s.Equal(extent.Block{Start: 4096, End: 8191}, all[1].Block)

	// new covers the right of what remains -> shrinks again.
	c := entry()
	idx.Add(extent.Block{Start: 6144, End: 10000}, c)
	all = idx.All()
	s.Equal(extent.Block{Start: 4096, End: 6143}, all[1].Block)
}

func (s *BlockIndexSuite) TestRemoveEntryDropsEveryFragment() {
	idx := New()
	// a is split into two fragments by b, then removed wholesale: both
	// fragments must go, and a's reference count must reach zero.
	a := entry()
	idx.Add(extent.Block{Start: 0, End: 12287}, a)
	b := entry()
	idx.Add(extent.Block{Start: 4096, End: 8191}, b)
	s.Equal(2, a.ReferringMapEntries())

	idx.RemoveEntry(a)

	s.Equal(0, a.ReferringMapEntries())
	s.Equal(1, idx.Len())
	all := idx.All()
	s.Same(b, all[0].Entry)

	// removing again is a no-op, not a double decrement.
	idx.RemoveEntry(a)
	s.Equal(0, a.ReferringMapEntries())
}

func (s *BlockIndexSuite) TestFindLogEntriesReturnsDuplicatesAcrossSplit() {
	idx := New()
	a := entry()
	idx.Add(extent.Block{Start: 0, End: 12287}, a)
	b := entry()
	idx.Add(extent.Block{Start: 4096, End: 8191}, b)

	found := idx.FindLogEntries(extent.Block{Start: 0, End: 12287})
	s.Len(found, 3)
	s.Same(a, found[0])
	s.Same(b, found[1])
	s.Same(a, found[2])
}
