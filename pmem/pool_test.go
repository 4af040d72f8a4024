package pmem

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-pmemcache/common"
)

type PoolSuite struct {
	suite.Suite
	dir string
}

func (s *PoolSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func TestPool(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}

func (s *PoolSuite) path() string {
	return filepath.Join(s.dir, "pool.pm")
}

func (s *PoolSuite) TestCreateAndRoot() {
	p, err := Create(s.path(), 32*1024*1024, 0.9)
	s.Require().NoError(err)
	defer p.Close()

	r := p.Root()
	s.Equal(common.LayoutVersion, r.LayoutVersion)
	s.Equal(common.MinAlloc, r.BlockSize)
	s.True(r.NumLogEntries >= 3)
	s.EqualValues(0, r.FirstFreeEntry)
	s.EqualValues(0, r.FirstValidEntry)
}

func (s *PoolSuite) TestRejectsUndersizedPool() {
	_, err := Create(s.path(), 1024, 0.9)
	s.Error(err)
}

func (s *PoolSuite) TestReserveWritePublishReadBack() {
	p, err := Create(s.path(), 32*1024*1024, 0.9)
	s.Require().NoError(err)
	defer p.Close()

	v, err := p.Reserve(4096)
	s.Require().NoError(err)
	copy(v.Bytes(), []byte("hello pmem"))
	s.Require().NoError(p.FlushRange(v.Offset()+p.dataOffset, v.size))

	slot := Slot{
		EntryIndex: 0,
		HasData:    true,
		EntryValid: true,
		ImageOffset: 0,
		WriteLength: 4096,
		DataHandle:  v.Offset(),
		DataHandleBytes: 4096,
	}
	p.WriteSlot(0, slot)
	s.Require().NoError(p.FlushSlots(0, 0))

	tx := p.Begin()
	tx.Publish(v)
	tx.SetFirstFreeEntry(1)
	s.Require().NoError(tx.Commit())

	got := p.ReadSlot(0)
	s.True(got.EntryValid)
	s.True(got.HasData)
	s.EqualValues(4096, got.WriteLength)
	s.EqualValues(1, p.Root().FirstFreeEntry)
}

func (s *PoolSuite) TestCancelReturnsChunksToAllocator() {
	p, err := Create(s.path(), 32*1024*1024, 0.9)
	s.Require().NoError(err)
	defer p.Close()

	v1, err := p.Reserve(8192)
	s.Require().NoError(err)
	p.Cancel(v1)

	v2, err := p.Reserve(8192)
	s.Require().NoError(err)
	s.Equal(v1.chunkStart, v2.chunkStart)
}

func (s *PoolSuite) TestReopenPreservesRootAndSlots() {
	path := s.path()
	p, err := Create(path, 32*1024*1024, 0.9)
	s.Require().NoError(err)

	v, err := p.Reserve(4096)
	s.Require().NoError(err)
	copy(v.Bytes(), []byte("survive a reopen"))
	s.Require().NoError(p.FlushRange(v.Offset()+p.dataOffset, 4096))

	slot := Slot{EntryIndex: 0, HasData: true, EntryValid: true, WriteLength: 4096, DataHandle: v.Offset(), DataHandleBytes: 4096}
	p.WriteSlot(0, slot)
	s.Require().NoError(p.FlushSlots(0, 0))

	tx := p.Begin()
	tx.Publish(v)
	tx.SetFirstFreeEntry(1)
	s.Require().NoError(tx.Commit())
	s.Require().NoError(p.Close())

	p2, err := Open(path)
	s.Require().NoError(err)
	defer p2.Close()

	s.EqualValues(1, p2.Root().FirstFreeEntry)
	got := p2.ReadSlot(0)
	s.True(got.EntryValid)
	s.EqualValues(4096, got.WriteLength)

	// The allocator reconstructed from the replayed slot must refuse to
	// hand out the chunk backing the still-valid entry.
	v2, err := p2.Reserve(4096)
	s.Require().NoError(err)
	s.NotEqual(v.Offset(), v2.Offset())
}
