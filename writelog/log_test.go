package writelog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-pmemcache/config"
	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/pmem"
)

type LogSuite struct {
	suite.Suite
	dir string
}

func (s *LogSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func TestLog(t *testing.T) {
	suite.Run(t, new(LogSuite))
}

func (s *LogSuite) path() string {
	return filepath.Join(s.dir, "pool.pm")
}

func (s *LogSuite) newConfig() *config.Config {
	cfg, err := config.New(s.path(), 32*1024*1024)
	s.Require().NoError(err)
	return cfg
}

func (s *LogSuite) submitWrite(l *Log, offset uint64, data []byte) *Op {
	view, err := l.Pool().Reserve(uint64(len(data)))
	s.Require().NoError(err)
	copy(view.Bytes(), data)

	done := make(chan error, 1)
	op := &Op{
		Image:   extent.Image{Offset: offset, Length: uint64(len(data))},
		View:    view,
		SyncGen: 1,
		OnCommitted: func(idx uint64, err error) {
			done <- err
		},
	}
	l.Submit(op)
	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("append never committed")
	}
	return op
}

func (s *LogSuite) TestOpenCreatesFreshPool() {
	l, replay, err := Open(s.newConfig())
	s.Require().NoError(err)
	defer l.Close()
	s.Empty(replay.Writes)
	s.EqualValues(0, l.HeadIndex())
	s.EqualValues(0, l.TailIndex())
}

func (s *LogSuite) TestSubmitAppendsAndCommits() {
	l, _, err := Open(s.newConfig())
	s.Require().NoError(err)
	defer l.Close()

	op := s.submitWrite(l, 0, []byte("hello write log"))
	s.EqualValues(1, l.HeadIndex())

	slot := l.Pool().ReadSlot(op.entryIndex)
	s.True(slot.EntryValid)
	s.True(slot.HasData)
	s.EqualValues(0, slot.ImageOffset)
}

func (s *LogSuite) TestRingDistanceTracksAppends() {
	l, _, err := Open(s.newConfig())
	s.Require().NoError(err)
	defer l.Close()

	s.submitWrite(l, 0, []byte("a"))
	s.submitWrite(l, 4096, []byte("b"))
	s.EqualValues(2, l.RingDistance())
}

func (s *LogSuite) TestReplayReconstructsSurvivingWrites() {
	path := s.path()
	cfg, err := config.New(path, 32*1024*1024)
	s.Require().NoError(err)

	l, _, err := Open(cfg)
	s.Require().NoError(err)
	s.submitWrite(l, 0, []byte("survivor"))
	s.Require().NoError(l.Close())

	cfg2, err := config.New(path, 32*1024*1024)
	s.Require().NoError(err)
	l2, replay, err := Open(cfg2)
	s.Require().NoError(err)
	defer l2.Close()

	s.Len(replay.Writes, 1)
	w := replay.Writes[0]
	s.EqualValues(0, w.Block.Start)
	s.Equal([]byte("survivor"), w.Entry.View().Bytes()[:len("survivor")])
}

func (s *LogSuite) TestRetireAdvancesTailAndFreesBuffer() {
	l, _, err := Open(s.newConfig())
	s.Require().NoError(err)
	defer l.Close()

	op := s.submitWrite(l, 0, []byte("to retire"))
	s.Require().NoError(l.Retire(1, []*pmem.View{op.View}))
	s.EqualValues(1, l.TailIndex())
}
