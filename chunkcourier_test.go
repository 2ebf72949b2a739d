package chunkcourier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chunkcourier/download"
	"github.com/opd-ai/chunkcourier/testutil"
	"github.com/opd-ai/chunkcourier/upload"
	"github.com/opd-ai/chunkcourier/wire"
)

// newCourier builds a Courier over the in-memory platform with pacing
// disabled so tests run at full speed.
func newCourier(t *testing.T, plat *testutil.MemoryPlatform, store *testutil.MemoryBlobStore) *Courier {
	t.Helper()
	opts := NewOptions()
	opts.Config.SetInterChunkDelay(0, 0)
	c, err := New(plat, store, opts)
	require.NoError(t, err)
	t.Cleanup(c.Kill)
	return c
}

// mbFor converts a byte count into the fractional megabyte chunk size
// that produces chunks of exactly that many bytes.
func mbFor(bytes int) float64 {
	return float64(bytes) / (1 << 20)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil, testutil.NewMemoryBlobStore(), nil)
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestNewDefaultsNilOptions(t *testing.T) {
	c, err := New(testutil.NewMemoryPlatform(), testutil.NewMemoryBlobStore(), nil)
	require.NoError(t, err)
	defer c.Kill()

	assert.NotNil(t, c.Config())
	assert.InDelta(t, 9.5, c.Config().ChunkSizeMB(), 0.001)
	assert.True(t, c.IsRunning())
}

func TestUploadIsDiscoveredLive(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	c := newCourier(t, plat, testutil.NewMemoryBlobStore())
	c.Config().SetChunkSizeMB(mbFor(8))

	data := []byte("twenty-four byte payload")
	id, err := c.Upload(upload.NewBytesSource("notes.txt", data), "chan-1")
	require.NoError(t, err)

	waitFor(t, func() bool {
		sess, ok := c.Registry().Session(id)
		return ok && sess.IsComplete
	}, "upload never became fully discovered")

	sess, _ := c.Registry().Session(id)
	assert.Equal(t, 3, sess.Total)
	assert.Equal(t, "notes.txt", sess.OriginalName)
	assert.Equal(t, "chan-1", sess.OriginChannel)
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	c := newCourier(t, plat, testutil.NewMemoryBlobStore())
	c.Config().SetChunkSizeMB(mbFor(10))

	data := []byte("the quick brown fox jumps over the lazy dog")
	id, err := c.Upload(upload.NewBytesSource("fox.txt", data), "chan-1")
	require.NoError(t, err)

	waitFor(t, func() bool {
		sess, ok := c.Registry().Session(id)
		return ok && sess.IsComplete
	}, "upload never became fully discovered")

	require.NoError(t, c.Download(id))
	waitFor(t, func() bool {
		st, ok := c.Downloads().State(id)
		return ok && st.Status == download.StatusCompleted
	}, "download did not complete")

	got, err := c.Downloads().Result(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	st, _ := c.Downloads().State(id)
	assert.Equal(t, download.ChecksumPass, st.ChecksumResult)
}

func TestDeletedCarrierInvalidatesSession(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	c := newCourier(t, plat, testutil.NewMemoryBlobStore())
	c.Config().SetChunkSizeMB(mbFor(10))

	data := []byte("thirty bytes of session data!!")
	id, err := c.Upload(upload.NewBytesSource("gone.bin", data), "chan-1")
	require.NoError(t, err)

	waitFor(t, func() bool {
		sess, ok := c.Registry().Session(id)
		return ok && sess.IsComplete
	}, "upload never became fully discovered")

	sess, _ := c.Registry().Session(id)
	rec, ok := sess.Chunk(1)
	require.True(t, ok)
	plat.DeleteMessage(rec.OriginMessageID)

	sess, ok = c.Registry().Session(id)
	require.True(t, ok)
	assert.False(t, sess.IsComplete)

	err = c.Download(id)
	assert.ErrorIs(t, err, download.ErrSessionIncomplete)
}

func TestScanRebuildsAfterRestart(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	first := newCourier(t, plat, testutil.NewMemoryBlobStore())
	first.Config().SetChunkSizeMB(mbFor(10))

	data := []byte("survives a restart via history")
	id, err := first.Upload(upload.NewBytesSource("hist.bin", data), "chan-1")
	require.NoError(t, err)
	waitFor(t, func() bool {
		sess, ok := first.Registry().Session(id)
		return ok && sess.IsComplete
	}, "upload never became fully discovered")
	first.Kill()

	// A fresh Courier knows nothing until it scans.
	second := newCourier(t, plat, testutil.NewMemoryBlobStore())
	second.Scanner().SetPageDelay(0)
	_, ok := second.Registry().Session(id)
	assert.False(t, ok)

	added, err := second.ScanChannel("chan-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	sess, ok := second.Registry().Session(id)
	require.True(t, ok)
	assert.True(t, sess.IsComplete)

	require.NoError(t, second.Download(id))
	waitFor(t, func() bool {
		st, ok := second.Downloads().State(id)
		return ok && st.Status == download.StatusCompleted
	}, "download from scanned session did not complete")

	got, err := second.Downloads().Result(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPersistedUploadRestoredOnConstruction(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	store := testutil.NewMemoryBlobStore()

	opts := NewOptions()
	opts.Config.SetInterChunkDelay(0, 0)
	first, err := New(plat, store, opts)
	require.NoError(t, err)
	first.Config().SetChunkSizeMB(mbFor(10))

	// Slow sends so the pause always lands before the upload finishes.
	plat.SetSendDelay(100 * time.Millisecond)
	data := []byte("partial upload, paused midway.")
	id, err := first.Upload(upload.NewBytesSource("resume.bin", data), "chan-1")
	require.NoError(t, err)
	require.NoError(t, first.Uploads().Pause(id))
	waitFor(t, func() bool {
		s, ok := first.Uploads().Session(id)
		return ok && s.Status == upload.StatusPaused
	}, "session did not settle into paused")
	first.Kill()
	plat.SetSendDelay(0)

	second := newCourier(t, plat, store)
	sess, ok := second.Uploads().Session(id)
	require.True(t, ok, "paused session must survive the restart")
	assert.Equal(t, upload.StatusPaused, sess.Status)
	assert.Equal(t, "resume.bin", sess.Name)

	// The restored session has no file attached; resuming with the
	// original source finishes it.
	require.NoError(t, second.Uploads().Resume(id, upload.NewBytesSource("resume.bin", data)))
	waitFor(t, func() bool {
		s, ok := second.Uploads().Session(id)
		return ok && s.Status == upload.StatusCompleted
	}, "restored session did not finish")
}

func TestRepairCleanSessionViaFacade(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	c := newCourier(t, plat, testutil.NewMemoryBlobStore())
	c.Config().SetChunkSizeMB(mbFor(10))

	data := []byte("nothing wrong with this file")
	id, err := c.Upload(upload.NewBytesSource("ok.bin", data), "chan-1")
	require.NoError(t, err)
	waitFor(t, func() bool {
		sess, ok := c.Registry().Session(id)
		return ok && sess.IsComplete
	}, "upload never became fully discovered")

	c.Repairs().SetInterChunkDelay(0)
	require.NoError(t, c.Repair(id, upload.NewBytesSource("ok.bin", data)))

	st, ok := c.Repairs().State(id)
	require.True(t, ok)
	assert.Zero(t, st.TotalBadChunks)
}

func TestSweepEvictsExpiredSessions(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	opts := NewOptions()
	opts.Config.SetInterChunkDelay(0, 0)
	opts.SweepInterval = 20 * time.Millisecond
	c, err := New(plat, testutil.NewMemoryBlobStore(), opts)
	require.NoError(t, err)
	defer c.Kill()
	c.Config().SetChunkSizeMB(mbFor(10))
	c.Registry().SetExpiry(1 * time.Millisecond)

	data := []byte("short-lived registry entry...")
	id, err := c.Upload(upload.NewBytesSource("fleeting.bin", data), "chan-1")
	require.NoError(t, err)
	waitFor(t, func() bool {
		sess, ok := c.Registry().Session(id)
		return ok && sess.IsComplete
	}, "upload never became fully discovered")

	waitFor(t, func() bool {
		_, ok := c.Registry().Session(id)
		return !ok
	}, "expired session was not swept")
}

func TestBypassSendsSingleChunk(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	c := newCourier(t, plat, testutil.NewMemoryBlobStore())
	c.Config().SetChunkSizeMB(mbFor(10))
	c.Config().SetBypassLargeFiles(true)

	data := []byte("would normally be three chunks")
	id, err := c.Upload(upload.NewBytesSource("whole.bin", data), "chan-1")
	require.NoError(t, err)

	waitFor(t, func() bool {
		sess, ok := c.Registry().Session(id)
		return ok && sess.IsComplete
	}, "upload never became fully discovered")

	sess, _ := c.Registry().Session(id)
	assert.Equal(t, 1, sess.Total)
}

func TestKillStopsCourier(t *testing.T) {
	c, err := New(testutil.NewMemoryPlatform(), testutil.NewMemoryBlobStore(), nil)
	require.NoError(t, err)
	assert.True(t, c.IsRunning())
	c.Kill()
	assert.False(t, c.IsRunning())
}

func TestFacadeHandlersSkipMalformedMetadata(t *testing.T) {
	plat := testutil.NewMemoryPlatform()
	c := newCourier(t, plat, testutil.NewMemoryBlobStore())
	ctx := context.Background()

	// A chunk body with an impossible index must never reach the
	// registry, even when it carries an attachment.
	meta := &wire.Metadata{
		Type:         wire.TypeTag,
		Index:        5,
		Total:        3,
		OriginalName: "bogus.bin",
		OriginalSize: 10,
		Timestamp:    1700000000009,
	}
	body, err := meta.Encode()
	require.NoError(t, err)
	url, err := plat.SendAttachment(ctx, "chan-1", "bogus.bin.part006", []byte("junk"))
	require.NoError(t, err)
	_, err = plat.PostMessage(ctx, "chan-1", body, url)
	require.NoError(t, err)

	_, err = plat.PostMessage(ctx, "chan-1", "plain chatter", "")
	require.NoError(t, err)

	assert.Empty(t, c.Registry().Sessions(""))
}
