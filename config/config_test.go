package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	c := New()

	assert.InDelta(t, 9.5, c.ChunkSizeMB(), 0.001)
	assert.False(t, c.BypassLargeFiles())
	assert.Equal(t, 2, c.UploadWorkers())
	assert.Equal(t, 3, c.DownloadWorkers())
	assert.True(t, c.SafeMode())
	assert.Equal(t, 60*time.Second, c.SafeModeCooldown())

	base, jitter := c.InterChunkDelay()
	assert.Equal(t, 500*time.Millisecond, base)
	assert.Equal(t, 750*time.Millisecond, jitter)
}

func TestWorkerFloorWhenParallelismOff(t *testing.T) {
	c := New()

	c.SetParallelUploads(false)
	assert.Equal(t, 1, c.UploadWorkers(), "disabling the toggle caps uploads at one worker")
	c.SetParallelUploads(true)
	assert.Equal(t, 2, c.UploadWorkers())

	c.SetParallelDownloads(false)
	assert.Equal(t, 1, c.DownloadWorkers())
}

func TestSetWorkersDrivesToggle(t *testing.T) {
	c := New()

	c.SetUploadWorkers(4)
	assert.Equal(t, 4, c.UploadWorkers())

	c.SetUploadWorkers(1)
	assert.Equal(t, 1, c.UploadWorkers())

	c.SetDownloadWorkers(0)
	assert.Equal(t, 1, c.DownloadWorkers(), "nonsense counts fall back to one worker")
}

func TestLiveUpdatesVisible(t *testing.T) {
	c := New()

	c.SetChunkSizeMB(49)
	assert.InDelta(t, 49, c.ChunkSizeMB(), 0.001)

	c.SetInterChunkDelay(0, 0)
	base, jitter := c.InterChunkDelay()
	assert.Zero(t, base)
	assert.Zero(t, jitter)

	c.SetSafeMode(false)
	assert.False(t, c.SafeMode())

	c.SetSafeModeCooldown(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, c.SafeModeCooldown())
}

func TestPresetLadder(t *testing.T) {
	assert.Equal(t, []float64{9.5, 49, 99, 499}, ChunkSizePresetsMB)
}
