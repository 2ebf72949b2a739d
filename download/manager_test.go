package download

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chunkcourier/checksum"
	"github.com/opd-ai/chunkcourier/config"
	"github.com/opd-ai/chunkcourier/registry"
	"github.com/opd-ai/chunkcourier/testutil"
)

// seedSession stores chunk bytes on the platform and registers their
// records, returning the per-index durable URLs.
func seedSession(t *testing.T, plat *testutil.MemoryPlatform, reg *registry.Registry,
	sessionID int64, chunks [][]byte, withChecksum bool) []string {
	t.Helper()

	var size int64
	for _, c := range chunks {
		size += int64(len(c))
	}
	fileSum := ""
	if withChecksum {
		res := checksum.DigestWhole(bytes.NewReader(bytes.Join(chunks, nil)))
		require.True(t, res.Available())
		fileSum = res.Hex
	}

	urls := make([]string, len(chunks))
	for i, data := range chunks {
		url, err := plat.SendAttachment(context.Background(), "chan-1", "seed.bin", data)
		require.NoError(t, err)
		urls[i] = url

		_, err = reg.AddChunk(registry.ChunkRecord{
			Index:           i,
			Total:           len(chunks),
			OriginalName:    "seed.bin",
			OriginalSize:    size,
			SessionID:       sessionID,
			FileChecksum:    fileSum,
			ChunkChecksum:   checksum.DigestChunk(data),
			SourceLocation:  url,
			OriginMessageID: url,
		}, "chan-1", "alice")
		require.NoError(t, err)
	}
	return urls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func waitStatus(t *testing.T, m *Manager, id int64, status Status) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		st, ok := m.State(id)
		return ok && st.Status == status
	})
}

func chunksOf(data []byte, size int) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

func TestStartRejectsIncompleteSession(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	reg := registry.New()
	m := NewManager(plat, reg, config.New())

	// Two of three chunks discovered.
	_, err := reg.AddChunk(registry.ChunkRecord{Index: 0, Total: 3, SessionID: 7, SourceLocation: "u0"}, "c", "u")
	require.NoError(t, err)
	_, err = reg.AddChunk(registry.ChunkRecord{Index: 2, Total: 3, SessionID: 7, SourceLocation: "u2"}, "c", "u")
	require.NoError(t, err)

	err = m.Start(7)
	assert.ErrorIs(t, err, ErrSessionIncomplete)
	assert.Contains(t, err.Error(), "1 of 3")

	_, ok := m.State(7)
	assert.False(t, ok, "rejected start must not create state")
}

func TestStartUnknownSession(t *testing.T) {
	m := NewManager(testutil.NewMemoryPlatform(), registry.New(), config.New())
	assert.ErrorIs(t, m.Start(404), ErrSessionUnknown)
}

func TestDownloadMergesByIndex(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	reg := registry.New()
	cfg := config.New()
	cfg.SetDownloadWorkers(3) // out-of-order completion is expected
	m := NewManager(plat, reg, cfg)

	data := bytes.Repeat([]byte("abcdefghij"), 5) // 50 bytes
	seedSession(t, plat, reg, 10, chunksOf(data, 10), true)

	require.NoError(t, m.Start(10))
	waitStatus(t, m, 10, StatusCompleted)

	st, _ := m.State(10)
	assert.Equal(t, ChecksumPass, st.ChecksumResult)
	assert.Equal(t, int64(50), st.BytesDownloaded)
	assert.Len(t, st.Downloaded, 5)

	result, err := m.Result(10)
	require.NoError(t, err)
	assert.Equal(t, data, result)
}

func TestChecksumSkippedWhenAbsent(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	reg := registry.New()
	m := NewManager(plat, reg, config.New())

	seedSession(t, plat, reg, 11, chunksOf([]byte("0123456789AB"), 4), false)

	require.NoError(t, m.Start(11))
	waitStatus(t, m, 11, StatusCompleted)

	st, _ := m.State(11)
	assert.Equal(t, ChecksumSkipped, st.ChecksumResult,
		"absent checksum is skipped, never a failure")
}

func TestChecksumVerdictMapping(t *testing.T) {
	good := checksum.DigestChunk([]byte("payload"))

	assert.Equal(t, ChecksumPass, checksumVerdict(checksum.Result{Hex: good}, good))
	assert.Equal(t, ChecksumFail, checksumVerdict(checksum.Result{Hex: good}, "deadbeef"))

	// A digest that could not be computed is no evidence of corruption.
	unavailable := checksum.Result{Err: errors.New("short read")}
	assert.Equal(t, ChecksumSkipped, checksumVerdict(unavailable, good))
}

func TestChecksumFailureStillCompletes(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	reg := registry.New()
	m := NewManager(plat, reg, config.New())

	chunks := chunksOf([]byte("correct horse battery staple"), 8)
	urls := seedSession(t, plat, reg, 12, chunks, true)

	// Corrupt one stored chunk after its checksum was recorded.
	plat.CorruptObject(urls[1], []byte("wrongbyt"))

	require.NoError(t, m.Start(12))
	waitStatus(t, m, 12, StatusCompleted)

	st, _ := m.State(12)
	assert.Equal(t, ChecksumFail, st.ChecksumResult)

	// The bytes are still usable despite the mismatch.
	result, err := m.Result(12)
	require.NoError(t, err)
	assert.Len(t, result, 28)
}

func TestEmptyFetchFailsDownload(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	reg := registry.New()
	m := NewManager(plat, reg, config.New())

	urls := seedSession(t, plat, reg, 13, chunksOf(bytes.Repeat([]byte{1}, 30), 10), true)
	plat.EmptyFetch(urls[1])

	require.NoError(t, m.Start(13))
	waitStatus(t, m, 13, StatusError)

	st, _ := m.State(13)
	assert.Contains(t, st.ErrorMessage, "no data")

	_, err := m.Result(13)
	assert.ErrorIs(t, err, ErrNotCompleted, "no partial merge may exist")
}

func TestDeadFetchFailsDownload(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	reg := registry.New()
	m := NewManager(plat, reg, config.New())

	urls := seedSession(t, plat, reg, 14, chunksOf(bytes.Repeat([]byte{2}, 30), 10), false)
	plat.KillFetch(urls[2])

	require.NoError(t, m.Start(14))
	waitStatus(t, m, 14, StatusError)
}

func TestPauseRetainsCacheAndResumeSkipsRefetch(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	plat.SetFetchDelay(30 * time.Millisecond)
	reg := registry.New()
	cfg := config.New()
	cfg.SetDownloadWorkers(1)
	m := NewManager(plat, reg, cfg)

	urls := seedSession(t, plat, reg, 15, chunksOf(bytes.Repeat([]byte{3}, 60), 10), true)

	require.NoError(t, m.Start(15))
	waitFor(t, 5*time.Second, func() bool {
		st, _ := m.State(15)
		return len(st.Downloaded) >= 2
	})
	require.NoError(t, m.Pause(15))
	time.Sleep(100 * time.Millisecond)

	st, _ := m.State(15)
	require.Equal(t, StatusPaused, st.Status)
	cachedAtPause := make(map[int]bool, len(st.Downloaded))
	for i := range st.Downloaded {
		cachedAtPause[i] = true
	}
	countsAtPause := make(map[int]int, len(urls))
	for i, url := range urls {
		countsAtPause[i] = plat.FetchCount(url)
	}

	plat.SetFetchDelay(0)
	require.NoError(t, m.Resume(15))
	waitStatus(t, m, 15, StatusCompleted)

	for i := range cachedAtPause {
		assert.Equal(t, countsAtPause[i], plat.FetchCount(urls[i]),
			"cached chunk %d must not be refetched after resume", i)
	}

	result, err := m.Result(15)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{3}, 60), result)
}

func TestConcurrencyBound(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	plat.SetFetchDelay(20 * time.Millisecond)
	reg := registry.New()
	cfg := config.New()
	cfg.SetDownloadWorkers(3)
	m := NewManager(plat, reg, cfg)

	seedSession(t, plat, reg, 16, chunksOf(bytes.Repeat([]byte{4}, 120), 10), false)

	require.NoError(t, m.Start(16))
	waitStatus(t, m, 16, StatusCompleted)

	assert.LessOrEqual(t, plat.MaxInFlightFetches(), 3,
		"in-flight fetches must never exceed the worker limit")
}

func TestConcurrencyBoundHoldsAcrossLiveLimitChanges(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	plat.SetFetchDelay(20 * time.Millisecond)
	reg := registry.New()
	cfg := config.New()
	cfg.SetDownloadWorkers(3)
	m := NewManager(plat, reg, cfg)

	seedSession(t, plat, reg, 21, chunksOf(bytes.Repeat([]byte{7}, 240), 10), false)

	require.NoError(t, m.Start(21))

	// Shrink and grow the limit while chunks are still in flight; the
	// pool re-reads it on every admission.
	waitFor(t, 10*time.Second, func() bool {
		st, ok := m.State(21)
		return ok && len(st.Downloaded) >= 3
	})
	cfg.SetDownloadWorkers(1)
	waitFor(t, 10*time.Second, func() bool {
		st, ok := m.State(21)
		return ok && len(st.Downloaded) >= 10
	})
	cfg.SetDownloadWorkers(2)

	waitStatus(t, m, 21, StatusCompleted)
	assert.LessOrEqual(t, plat.MaxInFlightFetches(), 3,
		"in-flight fetches must never exceed the largest limit in effect")
}

func TestCancelTearsDownState(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	plat.SetFetchDelay(30 * time.Millisecond)
	reg := registry.New()
	m := NewManager(plat, reg, config.New())

	seedSession(t, plat, reg, 17, chunksOf(bytes.Repeat([]byte{5}, 40), 10), false)

	require.NoError(t, m.Start(17))
	require.NoError(t, m.Cancel(17))

	_, ok := m.State(17)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Pause(17), ErrSessionUnknown)
}

func TestSaveFile(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	reg := registry.New()
	m := NewManager(plat, reg, config.New())

	data := []byte("save me to disk please, thanks")
	seedSession(t, plat, reg, 18, chunksOf(data, 7), true)

	path := filepath.Join(t.TempDir(), "restored.bin")

	// Saving before completion is rejected.
	assert.Error(t, m.SaveFile(18, path))

	require.NoError(t, m.Start(18))
	waitStatus(t, m, 18, StatusCompleted)

	require.NoError(t, m.SaveFile(18, path))
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}
