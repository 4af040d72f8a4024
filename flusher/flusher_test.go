package flusher

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-pmemcache/extent"
	"github.com/mit-pdos/go-pmemcache/logentry"
	"github.com/mit-pdos/go-pmemcache/pmem"
)

type fakeLower struct {
	mu      sync.Mutex
	started []uint64
	gates   map[uint64]chan struct{}
}

func (f *fakeLower) Write(ext extent.Image, buf []byte, cb func(error)) {
	f.mu.Lock()
	f.started = append(f.started, ext.Offset)
	gate := f.gates[ext.Offset]
	f.mu.Unlock()
	go func() {
		if gate != nil {
			<-gate
		}
		cb(nil)
	}()
}

func (f *fakeLower) hasStarted(off uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.started {
		if o == off {
			return true
		}
	}
	return false
}

func (f *fakeLower) Read(extent.Image, []byte, func(error))                    {}
func (f *fakeLower) Discard(uint64, uint64, bool, func(error))                 {}
func (f *fakeLower) WriteSame(extent.Image, []byte, func(error))               {}
func (f *fakeLower) CompareAndWrite(extent.Image, []byte, []byte, func(error)) {}
func (f *fakeLower) Flush(func(error))                                         {}
func (f *fakeLower) Invalidate(func(error))                                    {}
func (f *fakeLower) Init(func(error))                                          {}
func (f *fakeLower) Shutdown(func(error))                                      {}

type FlusherSuite struct {
	suite.Suite
	pool *pmem.Pool
}

func (s *FlusherSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "pool.pm")
	pool, err := pmem.Create(path, 32*1024*1024, 0.9)
	s.Require().NoError(err)
	s.pool = pool
}

func (s *FlusherSuite) TearDownTest() {
	s.pool.Close()
}

func TestFlusher(t *testing.T) {
	suite.Run(t, new(FlusherSuite))
}

func (s *FlusherSuite) newEntry(idx uint64, sp *logentry.SyncPoint, offset uint64) *logentry.WriteLogEntry {
	view, err := s.pool.Reserve(4096)
	s.Require().NoError(err)
	e := logentry.NewWriteLogEntry(idx, sp, extent.Image{Offset: offset, Length: 4096}, view)
	e.SetState(logentry.StateAcked)
	return e
}

func (s *FlusherSuite) TestFlushesSingleEntry() {
	lower := &fakeLower{gates: map[uint64]chan struct{}{}}
	fl := New(lower, 4, 1<<30)
	go fl.Run()
	defer fl.Stop()

	sp := logentry.NewSyncPoint(1, nil)
	e := s.newEntry(0, sp, 0)
	fl.PushDirty(e)

	s.Eventually(func() bool { return e.State() == logentry.StateFlushed }, time.Second, time.Millisecond)
}

func (s *FlusherSuite) TestRespectsLowestFlushingSyncGenOrdering() {
	lower := &fakeLower{gates: map[uint64]chan struct{}{0: make(chan struct{})}}
	fl := New(lower, 4, 1<<30)
	go fl.Run()
	go fl.Run()
	defer fl.Stop()

	spA := logentry.NewSyncPoint(1, nil)
	a := s.newEntry(0, spA, 0)
	spB := logentry.NewSyncPoint(2, spA)
	b := s.newEntry(1, spB, 8192)

	fl.PushDirty(a)
	s.Eventually(func() bool { return lower.hasStarted(0) }, time.Second, time.Millisecond)

	fl.PushDirty(b)
	time.Sleep(50 * time.Millisecond)
	s.False(lower.hasStarted(8192), "B must not flush while a lower sync_gen is still in flight")

	close(lower.gates[0])
	s.Eventually(func() bool { return b.State() == logentry.StateFlushed }, time.Second, time.Millisecond)
}

func (s *FlusherSuite) TestFailedFlushRetriesFromHead() {
	lower := &failOnceLower{fakeLower: fakeLower{gates: map[uint64]chan struct{}{}}}
	lower.failNext = true
	fl := New(lower, 4, 1<<30)
	go fl.Run()
	defer fl.Stop()

	sp := logentry.NewSyncPoint(1, nil)
	e := s.newEntry(0, sp, 0)
	fl.PushDirty(e)

	s.Eventually(func() bool { return e.State() == logentry.StateFlushed }, time.Second, time.Millisecond)
	s.Equal(2, lower.attempts)
}

func (s *FlusherSuite) TestOnAllCleanFiresAfterDrain() {
	lower := &fakeLower{gates: map[uint64]chan struct{}{}}
	fl := New(lower, 4, 1<<30)
	go fl.Run()
	defer fl.Stop()

	sp := logentry.NewSyncPoint(1, nil)
	e := s.newEntry(0, sp, 0)

	cleanFired := make(chan struct{}, 1)
	fl.PushDirty(e)
	s.Eventually(func() bool { return e.State() == logentry.StateFlushed }, time.Second, time.Millisecond)
	fl.OnAllClean(func() { cleanFired <- struct{}{} })

	select {
	case <-cleanFired:
	case <-time.After(time.Second):
		s.Fail("OnAllClean never fired")
	}
}

type failOnceLower struct {
	fakeLower
	failNext bool
	attempts int
}

func (f *failOnceLower) Write(ext extent.Image, buf []byte, cb func(error)) {
	f.attempts++
	if f.failNext {
		f.failNext = false
		go cb(errBoom)
		return
	}
	f.fakeLower.Write(ext, buf, cb)
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
