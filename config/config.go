// Package config builds the tunables recognized by the cache (spec
// section 6, "Recognized configuration") using the functional-options
// style.
package config

import (
	"fmt"

	"github.com/mit-pdos/go-pmemcache/common"
)

// Option mutates a Config during New.
type Option func(*Config)

// Config holds every tunable the cache reads at open time. Use New
// with Options to build one; do not construct Config literally, since
// New fills in and validates defaults.
type Config struct {
	PoolPath string
	PoolSize uint64

	PersistOnWriteUntilFlush bool

	UsableFraction  float64
	HighWaterFrac   float64
	LowWaterFrac    float64
	FlushInFlight   uint64
	FlushBytes      uint64
	AppendBatch     uint64
	FlushBatch      uint64
	FreesPerTx      uint64
	MaxWritesPerSP  uint64
	MaxBytesPerSP   uint64
	Workers         int
	StatsInterval   uint64
	RetireBatchMs   uint64
}

const (
	defaultUsableFraction = 0.9
	defaultHighWaterFrac  = 0.85
	defaultLowWaterFrac   = 0.7
	defaultFlushInFlight  = 32
	defaultFlushBytes     = 32 * 1024 * 1024
	defaultAppendBatch    = 64
	defaultFlushBatch     = 32
	defaultFreesPerTx     = 16
	defaultMaxWritesPerSP = 4
	defaultMaxBytesPerSP  = 1024 * 1024
	defaultWorkers        = 8
	defaultStatsInterval  = 5
	defaultRetireBatchMs  = 10
)

// New builds a Config from the given pool path/size and options,
// filling in defaults for anything not set and validating the result.
func New(poolPath string, poolSize uint64, opts ...Option) (*Config, error) {
	c := &Config{
		PoolPath:       poolPath,
		PoolSize:       poolSize,
		UsableFraction: defaultUsableFraction,
		HighWaterFrac:  defaultHighWaterFrac,
		LowWaterFrac:   defaultLowWaterFrac,
		FlushInFlight:  defaultFlushInFlight,
		FlushBytes:     defaultFlushBytes,
		AppendBatch:    defaultAppendBatch,
		FlushBatch:     defaultFlushBatch,
		FreesPerTx:     defaultFreesPerTx,
		MaxWritesPerSP: defaultMaxWritesPerSP,
		MaxBytesPerSP:  defaultMaxBytesPerSP,
		Workers:        defaultWorkers,
		StatsInterval:  defaultStatsInterval,
		RetireBatchMs:  defaultRetireBatchMs,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.PoolSize < common.MinPoolSize {
		return fmt.Errorf("config: pool size %d below minimum %d", c.PoolSize, common.MinPoolSize)
	}
	if c.UsableFraction <= 0 || c.UsableFraction > 1 {
		return fmt.Errorf("config: usable fraction %v out of range", c.UsableFraction)
	}
	if c.LowWaterFrac <= 0 || c.LowWaterFrac >= c.HighWaterFrac || c.HighWaterFrac > c.UsableFraction {
		return fmt.Errorf("config: watermarks out of order (low=%v high=%v usable=%v)",
			c.LowWaterFrac, c.HighWaterFrac, c.UsableFraction)
	}
	if c.AppendBatch == 0 || c.FlushBatch == 0 || c.FreesPerTx == 0 {
		return fmt.Errorf("config: batch sizes must be non-zero")
	}
	if c.MaxWritesPerSP == 0 || c.MaxBytesPerSP == 0 {
		return fmt.Errorf("config: sync point limits must be non-zero")
	}
	return nil
}

// BytesAllocatedCap returns the byte budget for pmem buffer
// reservations (spec section 4.2).
func (c *Config) BytesAllocatedCap() uint64 {
	return uint64(float64(c.PoolSize) * c.UsableFraction)
}

// HighWater and LowWater are the byte thresholds that start/stop the
// retirer (spec section 4.7).
func (c *Config) HighWater() uint64 {
	return uint64(float64(c.PoolSize) * c.HighWaterFrac)
}

func (c *Config) LowWater() uint64 {
	return uint64(float64(c.PoolSize) * c.LowWaterFrac)
}

func WithPersistOnWriteUntilFlush(v bool) Option {
	return func(c *Config) { c.PersistOnWriteUntilFlush = v }
}

func WithUsableFraction(f float64) Option {
	return func(c *Config) { c.UsableFraction = f }
}

func WithWatermarks(low, high float64) Option {
	return func(c *Config) { c.LowWaterFrac, c.HighWaterFrac = low, high }
}

func WithFlushLimits(inFlight, bytes uint64) Option {
	return func(c *Config) { c.FlushInFlight, c.FlushBytes = inFlight, bytes }
}

func WithBatchSizes(appendBatch, flushBatch uint64) Option {
	return func(c *Config) { c.AppendBatch, c.FlushBatch = appendBatch, flushBatch }
}

func WithFreesPerTx(n uint64) Option {
	return func(c *Config) { c.FreesPerTx = n }
}

func WithSyncPointLimits(maxWrites, maxBytes uint64) Option {
	return func(c *Config) { c.MaxWritesPerSP, c.MaxBytesPerSP = maxWrites, maxBytes }
}

func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

func WithStatsInterval(seconds uint64) Option {
	return func(c *Config) { c.StatsInterval = seconds }
}

func WithRetireBatchTimeLimitMs(ms uint64) Option {
	return func(c *Config) { c.RetireBatchMs = ms }
}
