package resource

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ResourceSuite struct {
	suite.Suite
}

func TestResource(t *testing.T) {
	suite.Run(t, new(ResourceSuite))
}

func (s *ResourceSuite) TestAllocateCommitsCounters() {
	p := New(4, 8, 32*1024)
	req := Request{Lanes: 1, Entries: 1, Bytes: 4096}
	reserved := false
	err := p.Allocate(req, func() error { reserved = true; return nil }, func() {})
	s.Require().NoError(err)
	s.True(reserved)
	s.EqualValues(4096, p.BytesAllocated())
}

func (s *ResourceSuite) TestAllocateShortageNeverReservesBuffers() {
	p := New(1, 8, 32*1024)
	p.freeLanes = 0
	called := false
	err := p.Allocate(Request{Lanes: 1, Entries: 1, Bytes: 4096}, func() error { called = true; return nil }, func() {})
	s.Error(err)
	s.False(called)
	shortage, ok := err.(*ShortageError)
	s.True(ok)
	s.Equal(ShortageLanes, shortage.Reason)
}

func (s *ResourceSuite) TestAllocateSetsAllocFailedSinceRetireOnEntryShortage() {
	p := New(4, 0, 32*1024)
	err := p.Allocate(Request{Lanes: 1, Entries: 1, Bytes: 4096}, func() error { return nil }, func() {})
	s.Error(err)
	s.True(p.AllocFailedSinceRetire())
}

func (s *ResourceSuite) TestAllocateCancelsOnRaceLoss() {
	p := New(1, 1, 4096)
	canceled := false
	err := p.Allocate(Request{Lanes: 1, Entries: 1, Bytes: 4096}, func() error {
		// simulate a concurrent allocation consuming the counters
		// between the first check and the reservation completing.
		p.mu.Lock()
		p.freeLanes = 0
		p.mu.Unlock()
		return nil
	}, func() { canceled = true })
	s.Error(err)
	s.True(canceled)
}

func (s *ResourceSuite) TestDeferredDispatchesInOrderAndStopsAtFailure() {
	p := New(1, 8, 32*1024)
	p.freeLanes = 0 // force everything to defer

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		i := i
		p.Defer(&Deferred{
			Req: Request{Lanes: 1},
			Try: func() bool {
				err := p.Allocate(Request{Lanes: 1}, func() error { return nil }, func() {})
				if err != nil {
					return false
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return true
			},
		})
	}

	go func() {
		<-release
		p.ReleaseLanes(1)
	}()
	close(release)

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	s.Equal([]int{0}, order)
	mu.Unlock()
	s.Equal(2, p.DeferredLen())
}

func (s *ResourceSuite) TestBufferBytesAppliesMinAlloc() {
	s.EqualValues(4096, BufferBytes([]uint64{100}))
	s.EqualValues(4096+8192, BufferBytes([]uint64{100, 8192}))
}
