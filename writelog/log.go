// Package writelog implements the append/persist pipeline and crash
// replay against a pmem.Pool.
//
// The pipeline is driven by a single background goroutine woken by a
// condition variable: a mutex-guarded pair of queues, a cond that the
// submitting goroutines broadcast and the background worker waits on,
// and explicit batch limits rather than one goroutine per operation.
package writelog

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pmemcache/config"
	"github.com/mit-pdos/go-pmemcache/pmem"
	"github.com/mit-pdos/go-pmemcache/util"
)

// Log owns the pmem pool's ring metadata and drives the two-stage
// append pipeline.
type Log struct {
	pool *pmem.Pool
	cfg  *config.Config

	mu          sync.Mutex
	cond        *sync.Cond
	opsToFlush  []*Op
	opsToAppend []*Op
	appending   bool
	shutdown    bool

	headIndex uint64 // in-memory mirror of root.FirstFreeEntry
	tailIndex uint64 // in-memory mirror of root.FirstValidEntry
	n         uint64
}

// Open opens or creates the pool at cfg.PoolPath and returns a Log
// ready to accept Submit calls. If the pool already existed, Replay
// reports every entry that survived and must be reattached by the
// caller.
func Open(cfg *config.Config) (*Log, *Replay, error) {
	pool, created, err := openOrCreate(cfg)
	if err != nil {
		return nil, nil, err
	}
	l := &Log{
		pool:      pool,
		cfg:       cfg,
		headIndex: pool.Root().FirstFreeEntry,
		tailIndex: pool.Root().FirstValidEntry,
		n:         pool.NumLogEntries(),
	}
	l.cond = sync.NewCond(&l.mu)

	var replay *Replay
	if !created {
		replay, err = doReplay(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		l.headIndex = pool.Root().FirstFreeEntry
		l.tailIndex = pool.Root().FirstValidEntry
	} else {
		replay = &Replay{}
	}

	go l.run()
	return l, replay, nil
}

func openOrCreate(cfg *config.Config) (*pmem.Pool, bool, error) {
	pool, err := pmem.Open(cfg.PoolPath)
	if err == nil {
		return pool, false, nil
	}
	pool, err = pmem.Create(cfg.PoolPath, cfg.PoolSize, cfg.UsableFraction)
	if err != nil {
		return nil, false, err
	}
	return pool, true, nil
}

// Pool returns the underlying pmem pool.
func (l *Log) Pool() *pmem.Pool {
	return l.pool
}

// NumLogEntries returns N.
func (l *Log) NumLogEntries() uint64 {
	return l.n
}

// HeadIndex returns the in-memory first_free_entry.
func (l *Log) HeadIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headIndex
}

// TailIndex returns the in-memory first_valid_entry.
func (l *Log) TailIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailIndex
}

// Submit enqueues op into Stage A and wakes the pipeline.
func (l *Log) Submit(op *Op) {
	l.mu.Lock()
	l.opsToFlush = append(l.opsToFlush, op)
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Close stops the background pipeline and closes the pool. Any queued
// ops are dropped; callers must have already drained everything they
// care about.
func (l *Log) Close() error {
	l.mu.Lock()
	l.shutdown = true
	l.cond.Broadcast()
	l.mu.Unlock()
	return l.pool.Close()
}

func (l *Log) run() {
	l.mu.Lock()
	for {
		for len(l.opsToFlush) == 0 && len(l.opsToAppend) == 0 && !l.shutdown {
			l.cond.Wait()
		}
		if l.shutdown && len(l.opsToFlush) == 0 && len(l.opsToAppend) == 0 {
			l.mu.Unlock()
			return
		}
		l.stageALocked()
		l.stageBLocked()
	}
}

// stageALocked is Stage A: flush every data buffer in a batch, then a
// single drain, then hand the batch to Stage B. Called with l.mu
// held; releases and reacquires it around the actual I/O.
func (l *Log) stageALocked() {
	for len(l.opsToFlush) > 0 {
		batchSize := len(l.opsToFlush)
		if uint64(batchSize) > l.cfg.FlushBatch {
			batchSize = int(l.cfg.FlushBatch)
		}
		batch := l.opsToFlush[:batchSize]
		l.opsToFlush = l.opsToFlush[batchSize:]
		l.mu.Unlock()

		for _, op := range batch {
			if op.View != nil {
				if err := op.View.Flush(); err != nil {
					util.DPrintf(0, "writelog: flush error: %v\n", err)
				}
			}
		}
		l.pool.Drain()
		for _, op := range batch {
			if op.OnBufferPersisted != nil {
				op.OnBufferPersisted()
			}
		}

		l.mu.Lock()
		l.opsToAppend = append(l.opsToAppend, batch...)
	}
}

// stageBLocked is Stage B under the single-appender invariant: only
// one goroutine ever executes this body, so there is no separate CAS
// flag to manage beyond the fact that run() is the sole caller.
func (l *Log) stageBLocked() {
	for len(l.opsToAppend) > 0 {
		batchSize := len(l.opsToAppend)
		if uint64(batchSize) > l.cfg.AppendBatch {
			batchSize = int(l.cfg.AppendBatch)
		}
		batch := l.opsToAppend[:batchSize]
		l.opsToAppend = l.opsToAppend[batchSize:]
		l.mu.Unlock()

		err := l.appendBatch(batch)

		l.mu.Lock()
		if err == nil {
			continue
		}
		util.DPrintf(0, "writelog: append batch fatal: %v\n", err)
	}
}

// appendBatch is Stage B's body: allocate ring slots, write and flush
// them, then run the commit transaction.
func (l *Log) appendBatch(batch []*Op) error {
	l.mu.Lock()
	start := l.headIndex
	l.mu.Unlock()

	idx := start
	for _, op := range batch {
		op.entryIndex = idx
		l.pool.WriteSlot(idx, buildSlot(op, idx))
		if op.OnAppended != nil {
			op.OnAppended(idx)
		}
		idx = (idx + 1) % l.n
	}

	if err := l.flushSlotRange(start, uint64(len(batch))); err != nil {
		return fmt.Errorf("writelog: flushing appended slots: %w", err)
	}
	l.pool.Drain()

	tx := l.pool.Begin()
	for _, op := range batch {
		if op.View != nil {
			tx.Publish(op.View)
		}
	}
	tx.SetFirstFreeEntry(idx)
	err := tx.Commit()

	if err == nil {
		l.mu.Lock()
		l.headIndex = idx
		l.mu.Unlock()
	}

	for _, op := range batch {
		if op.OnCommitted != nil {
			op.OnCommitted(op.entryIndex, err)
		}
	}
	return err
}

// flushSlotRange flushes count contiguous ring slots starting at
// start, splitting into two calls if the range wraps past N.
func (l *Log) flushSlotRange(start, count uint64) error {
	if count == 0 {
		return nil
	}
	end := start + count - 1
	if end < l.n {
		return l.pool.FlushSlots(start, end)
	}
	if err := l.pool.FlushSlots(start, l.n-1); err != nil {
		return err
	}
	wrapEnd := end - l.n
	return l.pool.FlushSlots(0, wrapEnd)
}

// Retire commits the transaction that advances first_valid_entry and
// frees the given buffers.
func (l *Log) Retire(newTail uint64, toFree []*pmem.View) error {
	tx := l.pool.Begin()
	tx.SetFirstValidEntry(newTail)
	for _, v := range toFree {
		tx.Free(v)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.mu.Lock()
	l.tailIndex = newTail
	l.mu.Unlock()
	return nil
}

// RingDistance returns the number of slots currently in use, mod N:
// free log entries plus in-use slots always equals N - 1.
func (l *Log) RingDistance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.headIndex >= l.tailIndex {
		return l.headIndex - l.tailIndex
	}
	return l.n - l.tailIndex + l.headIndex
}
