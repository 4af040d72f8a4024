package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-pmemcache/common"
)

func TestDefaults(t *testing.T) {
	c, err := New("/tmp/pool", common.MinPoolSize)
	assert.NoError(t, err)
	assert.Equal(t, defaultUsableFraction, c.UsableFraction)
	poolSize := common.MinPoolSize
	assert.Equal(t, uint64(float64(poolSize)*defaultUsableFraction), c.BytesAllocatedCap())
}

func TestRejectsUndersizedPool(t *testing.T) {
	_, err := New("/tmp/pool", 1024)
	assert.Error(t, err)
}

func TestRejectsBadWatermarks(t *testing.T) {
	_, err := New("/tmp/pool", common.MinPoolSize, WithWatermarks(0.9, 0.5))
	assert.Error(t, err)
}

func TestOptionsApply(t *testing.T) {
	c, err := New("/tmp/pool", common.MinPoolSize,
		WithPersistOnWriteUntilFlush(true),
		WithBatchSizes(8, 4),
		WithSyncPointLimits(2, 8192))
	assert.NoError(t, err)
	assert.True(t, c.PersistOnWriteUntilFlush)
	assert.EqualValues(t, 8, c.AppendBatch)
	assert.EqualValues(t, 4, c.FlushBatch)
	assert.EqualValues(t, 2, c.MaxWritesPerSP)
	assert.EqualValues(t, 8192, c.MaxBytesPerSP)
}
