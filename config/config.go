package config

import (
	"sync"
	"time"
)

// ChunkSizePresetsMB is the ladder of chunk sizes offered to users, in MB.
var ChunkSizePresetsMB = []float64{9.5, 49, 99, 499}

// Defaults applied by New.
const (
	DefaultChunkSizeMB       = 9.5
	DefaultParallelUploads   = 2
	DefaultParallelDownloads = 3
	DefaultBaseDelayMs       = 500
	DefaultJitterMs          = 750
	DefaultSafeModeCooldown  = 60 * time.Second
)

// Config is the live configuration surface. Engines read it on every
// worker admission, so a change applies on the next cycle of an already
// running transfer.
type Config struct {
	mu sync.RWMutex

	chunkSizeMB       float64
	bypassLargeFiles  bool
	parallelUploads   bool
	uploadWorkers     int
	parallelDownloads bool
	downloadWorkers   int
	baseDelayMs       int
	jitterMs          int
	safeMode          bool
	safeModeCooldown  time.Duration
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		chunkSizeMB:       DefaultChunkSizeMB,
		parallelUploads:   true,
		uploadWorkers:     DefaultParallelUploads,
		parallelDownloads: true,
		downloadWorkers:   DefaultParallelDownloads,
		baseDelayMs:       DefaultBaseDelayMs,
		jitterMs:          DefaultJitterMs,
		safeMode:          true,
		safeModeCooldown:  DefaultSafeModeCooldown,
	}
}

// ChunkSizeMB returns the configured chunk size in MB.
func (c *Config) ChunkSizeMB() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chunkSizeMB
}

// SetChunkSizeMB sets the chunk size in MB.
func (c *Config) SetChunkSizeMB(mb float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkSizeMB = mb
}

// BypassLargeFiles reports whether large files skip the splitter entirely.
func (c *Config) BypassLargeFiles() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bypassLargeFiles
}

// SetBypassLargeFiles toggles the large-file bypass.
func (c *Config) SetBypassLargeFiles(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypassLargeFiles = v
}

// UploadWorkers returns the effective upload concurrency limit. When the
// parallel-upload toggle is off the limit is 1.
func (c *Config) UploadWorkers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.parallelUploads || c.uploadWorkers < 1 {
		return 1
	}
	return c.uploadWorkers
}

// SetUploadWorkers sets the upload worker count and enables parallelism
// when n > 1.
func (c *Config) SetUploadWorkers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadWorkers = n
	c.parallelUploads = n > 1
}

// SetParallelUploads toggles parallel uploads without changing the count.
func (c *Config) SetParallelUploads(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parallelUploads = v
}

// DownloadWorkers returns the effective download/verification concurrency
// limit. When the parallel-download toggle is off the limit is 1.
func (c *Config) DownloadWorkers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.parallelDownloads || c.downloadWorkers < 1 {
		return 1
	}
	return c.downloadWorkers
}

// SetDownloadWorkers sets the download worker count and enables
// parallelism when n > 1.
func (c *Config) SetDownloadWorkers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadWorkers = n
	c.parallelDownloads = n > 1
}

// SetParallelDownloads toggles parallel downloads without changing the count.
func (c *Config) SetParallelDownloads(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parallelDownloads = v
}

// InterChunkDelay returns the base delay and jitter range applied between
// worker starts.
func (c *Config) InterChunkDelay() (base, jitter time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.baseDelayMs) * time.Millisecond,
		time.Duration(c.jitterMs) * time.Millisecond
}

// SetInterChunkDelay sets the base delay and jitter range in milliseconds.
func (c *Config) SetInterChunkDelay(baseMs, jitterMs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseDelayMs = baseMs
	c.jitterMs = jitterMs
}

// SafeMode reports whether rate-limit responses pause the session instead
// of failing it.
func (c *Config) SafeMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.safeMode
}

// SetSafeMode toggles safe mode.
func (c *Config) SetSafeMode(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safeMode = v
}

// SafeModeCooldown returns how long a rate-limited session stays paused
// before it may be resumed.
func (c *Config) SafeModeCooldown() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.safeModeCooldown
}

// SetSafeModeCooldown sets the safe-mode cooldown duration.
func (c *Config) SetSafeModeCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safeModeCooldown = d
}
