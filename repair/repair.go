package repair

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkcourier/checksum"
	"github.com/opd-ai/chunkcourier/config"
	"github.com/opd-ai/chunkcourier/platform"
	"github.com/opd-ai/chunkcourier/registry"
	"github.com/opd-ai/chunkcourier/upload"
	"github.com/opd-ai/chunkcourier/wire"
)

// ErrSessionUnknown indicates the registry has no session with that ID.
var ErrSessionUnknown = errors.New("session not found in registry")

// ErrNoReference indicates a verification without a reference file.
var ErrNoReference = errors.New("no reference file supplied")

// chunkSizeLadderMiB is the closed set of known standard chunk sizes
// tested when reconstructing a session's historical chunk size.
var chunkSizeLadderMiB = []float64{8, 9.5, 9.9, 10, 24, 24.9, 25, 49, 50, 99, 100, 499, 500}

// fallbackChunkSizeMiB is used when no ladder candidate satisfies the
// ceiling equation.
const fallbackChunkSizeMiB = 9.5

// DefaultRetention is how long a completed repair state stays visible
// before it is discarded.
const DefaultRetention = 30 * time.Second

// DefaultInterChunkDelay paces the serial replacement sends.
const DefaultInterChunkDelay = time.Second

// idlePoll is the wait between admission checks during verification.
const idlePoll = 75 * time.Millisecond

// Status represents the current state of a repair cycle.
type Status uint8

const (
	// StatusVerifying indicates chunk comparison is running.
	StatusVerifying Status = iota
	// StatusRepairing indicates damaged chunks are being replaced.
	StatusRepairing
	// StatusCompleted indicates the cycle finished, clean or repaired.
	StatusCompleted
	// StatusFailed indicates the cycle aborted.
	StatusFailed
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusVerifying:
		return "verifying"
	case StatusRepairing:
		return "repairing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State tracks one verification/repair cycle. It is ephemeral: completed
// states are discarded after a retention window.
type State struct {
	SessionID      int64
	Status         Status
	TotalBadChunks int
	RepairedChunks int
	ErrorMessage   string
}

// Manager owns repair cycles. Replacement chunks go out through the
// upload manager's single-chunk send primitive, bypassing the full
// session machinery since only specific indices need replacing.
type Manager struct {
	mu      sync.RWMutex
	client  platform.Client
	reg     *registry.Registry
	uploads *upload.Manager
	cfg     *config.Config
	states  map[int64]*State

	retention  time.Duration
	chunkDelay time.Duration
}

// NewManager creates a repair manager.
func NewManager(client platform.Client, reg *registry.Registry, uploads *upload.Manager, cfg *config.Config) *Manager {
	return &Manager{
		client:     client,
		reg:        reg,
		uploads:    uploads,
		cfg:        cfg,
		states:     make(map[int64]*State),
		retention:  DefaultRetention,
		chunkDelay: DefaultInterChunkDelay,
	}
}

// SetRetention overrides how long completed states stay visible.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = d
}

// SetInterChunkDelay overrides the pacing between replacement sends.
func (m *Manager) SetInterChunkDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkDelay = d
}

// State returns a snapshot of the repair cycle for a session.
func (m *Manager) State(sessionID int64) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[sessionID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// VerifySession compares every expected chunk of a session against the
// reference file and returns the sorted indices found missing or corrupt.
// Checks run with bounded concurrency since each one is a network fetch
// plus two hash computations.
func (m *Manager) VerifySession(ctx context.Context, sessionID int64, ref upload.Source) ([]int, error) {
	if ref == nil {
		return nil, ErrNoReference
	}
	sess, ok := m.reg.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionUnknown, sessionID)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "VerifySession",
		"session_id": sessionID,
		"total":      sess.Total,
		"known":      len(sess.Chunks),
	}).Info("Verifying session against reference file")

	var (
		badMu sync.Mutex
		bad   []int
	)
	flagBad := func(idx int, reason string) {
		badMu.Lock()
		bad = append(bad, idx)
		badMu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "VerifySession",
			"session_id": sessionID,
			"index":      idx,
			"reason":     reason,
		}).Debug("Chunk flagged bad")
	}

	// Chunk size is not stored in metadata, only total and size, so the
	// nominal size comes from the first retrievable chunk's byte length.
	nominal, err := m.inferNominalSize(ctx, &sess)
	if err != nil {
		return nil, err
	}

	var (
		wg      sync.WaitGroup
		active  int32
		fetchMu sync.Mutex
		fetched error
	)

	for idx := 0; idx < sess.Total; idx++ {
		rec, present := sess.Chunk(idx)
		if !present {
			flagBad(idx, "missing from registry")
			continue
		}

		for ctx.Err() == nil && int(atomic.LoadInt32(&active)) >= m.cfg.DownloadWorkers() {
			if !sleepCtx(ctx, idlePoll) {
				break
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		atomic.AddInt32(&active, 1)
		wg.Add(1)
		go func(idx int, rec registry.ChunkRecord) {
			defer wg.Done()
			defer atomic.AddInt32(&active, -1)

			remote, err := m.client.FetchBytes(ctx, rec.SourceLocation)
			if err != nil || len(remote) == 0 {
				if err != nil && errors.Is(err, context.Canceled) {
					fetchMu.Lock()
					if fetched == nil {
						fetched = err
					}
					fetchMu.Unlock()
					return
				}
				// Unreachable bytes mean the stored chunk is unusable.
				flagBad(idx, "remote bytes unavailable")
				return
			}

			local := sliceRange(ref, int64(idx)*nominal, nominal)
			if len(local) != len(remote) {
				flagBad(idx, "length mismatch")
				return
			}
			if checksum.DigestChunk(local) != checksum.DigestChunk(remote) {
				flagBad(idx, "hash mismatch")
			}
		}(idx, rec)
	}
	wg.Wait()

	if fetched != nil {
		return nil, fetched
	}

	sort.Ints(bad)
	logrus.WithFields(logrus.Fields{
		"function":   "VerifySession",
		"session_id": sessionID,
		"bad_chunks": len(bad),
	}).Info("Verification finished")
	return bad, nil
}

// inferNominalSize fetches the lowest-index available chunk and uses its
// byte length as the session's nominal chunk size.
func (m *Manager) inferNominalSize(ctx context.Context, sess *registry.Session) (int64, error) {
	for idx := 0; idx < sess.Total; idx++ {
		rec, ok := sess.Chunk(idx)
		if !ok {
			continue
		}
		data, err := m.client.FetchBytes(ctx, rec.SourceLocation)
		if err != nil || len(data) == 0 {
			continue
		}
		return int64(len(data)), nil
	}
	return 0, fmt.Errorf("session %d: no chunk bytes retrievable to infer chunk size", sess.ID)
}

// RepairSession verifies the session and replaces every damaged chunk by
// re-slicing the reference file and re-sending the affected indices.
func (m *Manager) RepairSession(ctx context.Context, sessionID int64, ref upload.Source) error {
	sess, ok := m.reg.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionUnknown, sessionID)
	}

	state := &State{SessionID: sessionID, Status: StatusVerifying}
	m.mu.Lock()
	m.states[sessionID] = state
	m.mu.Unlock()

	bad, err := m.VerifySession(ctx, sessionID, ref)
	if err != nil {
		m.fail(state, err)
		return err
	}
	if len(bad) == 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "RepairSession",
			"session_id": sessionID,
		}).Info("Session verified clean, nothing to repair")
		m.complete(state)
		return nil
	}

	m.mu.Lock()
	state.Status = StatusRepairing
	state.TotalBadChunks = len(bad)
	m.mu.Unlock()

	// Stale records would block re-insertion of the replacements.
	for _, idx := range bad {
		m.reg.RemoveChunkByIndex(sessionID, idx)
	}

	chunkSize := inferHistoricalChunkSize(sess.OriginalSize, sess.Total)
	fileSum := ""
	for _, rec := range sess.Chunks {
		if rec.FileChecksum != "" {
			fileSum = rec.FileChecksum
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RepairSession",
		"session_id": sessionID,
		"bad_chunks": len(bad),
		"chunk_size": chunkSize,
	}).Info("Repairing damaged chunks")

	m.mu.RLock()
	delay := m.chunkDelay
	m.mu.RUnlock()

	// Replacements go out serially with the same rate-limit courtesy as
	// normal uploads.
	for i, idx := range bad {
		if i > 0 && !sleepCtx(ctx, delay) {
			m.fail(state, ctx.Err())
			return ctx.Err()
		}

		data := sliceRange(ref, int64(idx)*chunkSize, chunkSize)
		meta := &wire.Metadata{
			Type:          wire.TypeTag,
			Index:         idx,
			Total:         sess.Total,
			OriginalName:  sess.OriginalName,
			OriginalSize:  sess.OriginalSize,
			Timestamp:     sessionID,
			Checksum:      fileSum,
			ChunkChecksum: checksum.DigestChunk(data),
		}
		if _, err := m.uploads.SendChunk(ctx, sess.OriginChannel, data, meta); err != nil {
			m.fail(state, fmt.Errorf("replacing chunk %d: %w", idx, err))
			return err
		}

		m.mu.Lock()
		state.RepairedChunks++
		m.mu.Unlock()
	}

	m.complete(state)
	return nil
}

func (m *Manager) complete(state *State) {
	m.mu.Lock()
	state.Status = StatusCompleted
	retention := m.retention
	id := state.SessionID
	repaired := state.RepairedChunks
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "complete",
		"session_id": id,
		"repaired":   repaired,
	}).Info("Repair cycle completed")

	time.AfterFunc(retention, func() {
		m.mu.Lock()
		if st, ok := m.states[id]; ok && st.Status == StatusCompleted {
			delete(m.states, id)
		}
		m.mu.Unlock()
	})
}

func (m *Manager) fail(state *State, err error) {
	m.mu.Lock()
	state.Status = StatusFailed
	if err != nil {
		state.ErrorMessage = err.Error()
	}
	id := state.SessionID
	msg := state.ErrorMessage
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "fail",
		"session_id": id,
		"error":      msg,
	}).Error("Repair cycle failed")
}

// inferHistoricalChunkSize reconstructs a session's chunk size from its
// file size and chunk count by testing the ladder of known preset sizes
// against ceil(fileSize / candidate) == totalChunks. The first match
// wins; with a custom chunk size more than one candidate can satisfy the
// equation and the inference may silently be wrong.
func inferHistoricalChunkSize(fileSize int64, totalChunks int) int64 {
	for _, mib := range chunkSizeLadderMiB {
		candidate := int64(math.Round(mib * (1 << 20)))
		if candidate <= 0 {
			continue
		}
		if (fileSize+candidate-1)/candidate == int64(totalChunks) {
			return candidate
		}
	}
	return int64(math.Round(fallbackChunkSizeMiB * (1 << 20)))
}

// sliceRange reads [off, off+n) from the reference, clamped to its size.
func sliceRange(ref upload.Source, off, n int64) []byte {
	size := ref.Size()
	if off >= size {
		return nil
	}
	if off+n > size {
		n = size - off
	}
	buf := make([]byte, n)
	if _, err := ref.ReadAt(buf, off); err != nil {
		return nil
	}
	return buf
}

// sleepCtx sleeps for d or until the context is cancelled, reporting
// whether the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
