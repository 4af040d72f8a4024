// Package cache ties every lower-level package into the client-facing
// write-back cache: admission through the block guard and resource
// pool, the append/persist pipeline, the flusher, the retirer, the
// read path, and flush/invalidate control.
package cache

import (
	"sync"
	"time"

	"github.com/mit-pdos/go-pmemcache/blockguard"
	"github.com/mit-pdos/go-pmemcache/blockindex"
	"github.com/mit-pdos/go-pmemcache/config"
	"github.com/mit-pdos/go-pmemcache/flusher"
	"github.com/mit-pdos/go-pmemcache/logentry"
	"github.com/mit-pdos/go-pmemcache/lowertier"
	"github.com/mit-pdos/go-pmemcache/pmem"
	"github.com/mit-pdos/go-pmemcache/resource"
	"github.com/mit-pdos/go-pmemcache/retirer"
	"github.com/mit-pdos/go-pmemcache/util"
	"github.com/mit-pdos/go-pmemcache/writelog"
)

// FAdvise carries the caller's caching hint through to the lower
// tier. The cache itself does not act on it.
type FAdvise int

const (
	FAdviseNormal FAdvise = iota
	FAdviseSequential
	FAdviseRandom
)

// Cache is the persistent write-back cache. Construct with Open.
type Cache struct {
	cfg   *config.Config
	pool  *pmem.Pool
	log   *writelog.Log
	lower lowertier.LowerTier

	guard     *blockguard.Guard
	resources *resource.Pool
	index     *blockindex.Index
	flusher   *flusher.Flusher
	retirer   *retirer.Retirer

	mu             sync.Mutex
	current        *logentry.SyncPoint
	nextGen        uint64
	lastOpSeq      uint64
	persistOnFlush bool // dynamic; flips true post-first-flush when cfg.PersistOnWriteUntilFlush
	shuttingDown   bool
}

// Open opens or creates the pmem-backed log at cfg.PoolPath, replays
// any surviving entries, and returns a cache ready to serve requests
// against lower.
func Open(cfg *config.Config, lower lowertier.LowerTier) (*Cache, error) {
	log, replay, err := writelog.Open(cfg)
	if err != nil {
		return nil, err
	}

	numLanes := uint64(cfg.Workers)
	res := resource.New(numLanes, log.NumLogEntries()-1, cfg.BytesAllocatedCap())
	fl := flusher.New(lower, cfg.FlushInFlight, cfg.FlushBytes)
	ret := retirer.New(log, res, cfg.FreesPerTx, time.Duration(cfg.RetireBatchMs)*time.Millisecond, cfg.HighWater(), cfg.LowWater())

	c := &Cache{
		cfg:       cfg,
		pool:      log.Pool(),
		log:       log,
		lower:     lower,
		guard:     blockguard.New(),
		resources: res,
		index:     blockindex.New(),
		flusher:   fl,
		retirer:   ret,
	}
	fl.OnFlushed = c.onFlushed
	ret.OnBeforeRetire = c.onBeforeRetire

	c.reattachReplay(replay)

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go fl.Run()
	}
	go ret.Run()

	return c, nil
}

// reattachReplay rebuilds in-memory sync points and reinserts every
// surviving write into the block-to-entry index, the flusher's dirty
// list, and the retirer's queue.
func (c *Cache) reattachReplay(replay *writelog.Replay) {
	for i, gen := range replay.SyncPointOrder {
		sp := replay.SyncPoints[gen]
		if i < len(replay.SyncPointOrder)-1 {
			sp.Completed = true
			c.retirer.PushEntry(&retirer.Entry{Sync: sp})
		} else {
			c.current = sp
			c.nextGen = gen
		}
	}
	if c.current == nil {
		c.nextGen = 1
		c.current = logentry.NewSyncPoint(c.nextGen, nil)
	}
	// The current sync point's own marker is normally submitted by the
	// rollover that made it current. The very first sync point a pool
	// ever has, and a current sync point whose marker never reached
	// durability before a crash, are both missing that submission
	// (HasEntryIndex false): without it, nothing would ever fire this
	// sync point's SyncPointPersisted gather, and anything waiting on
	// it (AioFlush chief among them) would hang forever.
	if !c.current.HasEntryIndex {
		c.submitSyncPointMarkerLocked(c.current)
	}

	for _, w := range replay.Writes {
		c.index.Add(w.Block, w.Entry)
		c.flusher.PushDirty(w.Entry)
		c.retirer.PushEntry(&retirer.Entry{Write: w.Entry})
	}
}

func (c *Cache) onFlushed(e *logentry.WriteLogEntry) {
	util.DPrintf(2, "cache: flushed entry %d\n", e.EntryIndex)
}

// onBeforeRetire fires from the retirer, just before a flushed entry's
// pmem buffer is freed. A write nobody ever overwrote still has its
// own map entry pointing at it at this point, so it is dropped here
// rather than required to already be gone: the index does not need to
// keep serving an entry once its backing buffer is about to disappear,
// and this is what lets its reference count reach zero for that case
// without waiting on an overwrite that may never come. Flushed entries
// that survived an overwrite are already unreferenced here and this is
// a no-op for them.
func (c *Cache) onBeforeRetire(e *retirer.Entry) {
	if e.Write == nil {
		return
	}
	c.index.RemoveEntry(e.Write)
}

// Close drains ingress, waits for in-flight work, flushes everything
// dirty, retires everything retirable, and closes the pool.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()

	c.retirer.SetShuttingDown(true)

	done := make(chan struct{})
	c.Flush(func() { close(done) })
	<-done

	// Best-effort drain of whatever is now retirable; entries still
	// held open by outstanding readers are left for the next replay
	// rather than blocking shutdown indefinitely.
	for i := 0; i < 200 && c.retirer.QueueLen() > 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	c.retirer.Stop()
	c.flusher.Stop()
	return c.log.Close()
}

// Index exposes the block-to-entry index, for tests and stats.
func (c *Cache) Index() *blockindex.Index {
	return c.index
}
