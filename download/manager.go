package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkcourier/checksum"
	"github.com/opd-ai/chunkcourier/config"
	"github.com/opd-ai/chunkcourier/platform"
	"github.com/opd-ai/chunkcourier/registry"
)

// ErrSessionUnknown indicates the registry has no session with that ID.
var ErrSessionUnknown = errors.New("session not found in registry")

// ErrSessionIncomplete indicates a download was requested before the
// registry located every expected chunk.
var ErrSessionIncomplete = errors.New("session is missing chunks")

// ErrNotCompleted indicates a result was requested before the download
// finished merging.
var ErrNotCompleted = errors.New("download not completed")

// ErrAlreadyActive indicates the download is already running.
var ErrAlreadyActive = errors.New("download already active")

// idlePoll is the wait between admission checks while the worker pool is
// saturated.
const idlePoll = 75 * time.Millisecond

// Status represents the current state of a download.
type Status uint8

const (
	// StatusPending indicates the download is waiting to start.
	StatusPending Status = iota
	// StatusDownloading indicates chunks are being fetched.
	StatusDownloading
	// StatusMerging indicates all chunks are cached and reassembly is
	// running.
	StatusMerging
	// StatusPaused indicates the download was paused; the byte cache is
	// retained for resume.
	StatusPaused
	// StatusCompleted indicates the merged result is available.
	StatusCompleted
	// StatusError indicates the attempt failed.
	StatusError
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloading:
		return "downloading"
	case StatusMerging:
		return "merging"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ChecksumResult is the verification outcome recorded after merge.
type ChecksumResult uint8

const (
	// ChecksumPending means no merge has happened yet.
	ChecksumPending ChecksumResult = iota
	// ChecksumPass means the merged bytes matched the recorded checksum.
	ChecksumPass
	// ChecksumFail means the merged bytes did not match.
	ChecksumFail
	// ChecksumSkipped means verification was not possible, either
	// because no whole-file checksum was ever recorded or because the
	// digest could not be computed. This is not a failure.
	ChecksumSkipped
)

// String returns the lowercase result name.
func (c ChecksumResult) String() string {
	switch c {
	case ChecksumPass:
		return "pass"
	case ChecksumFail:
		return "fail"
	case ChecksumSkipped:
		return "skipped"
	default:
		return "pending"
	}
}

// State tracks one in-progress or resumable download. The byte cache and
// merged result are restart-volatile.
type State struct {
	SessionID       int64
	Status          Status
	Downloaded      map[int]bool
	BytesDownloaded int64
	TotalBytes      int64
	StartTime       time.Time
	Speed           float64 // bytes per second, current attempt
	ETR             time.Duration
	ChecksumResult  ChecksumResult
	ErrorMessage    string

	cache  map[int][]byte
	result []byte
	cancel context.CancelFunc
}

// Progress renders a human-readable progress line.
func (s *State) Progress() string {
	return fmt.Sprintf("%s / %s (%s/s)",
		humanize.Bytes(uint64(s.BytesDownloaded)),
		humanize.Bytes(uint64(s.TotalBytes)),
		humanize.Bytes(uint64(s.Speed)))
}

// snapshot returns a copy safe to hand out without the live handles.
func (s *State) snapshot() State {
	out := *s
	out.cancel = nil
	out.cache = nil
	out.result = nil
	out.Downloaded = make(map[int]bool, len(s.Downloaded))
	for i := range s.Downloaded {
		out.Downloaded[i] = true
	}
	return out
}

// Listener is invoked after every visible state change.
type Listener func()

// Manager drives all downloads against the chunk registry.
type Manager struct {
	mu        sync.RWMutex
	client    platform.Client
	reg       *registry.Registry
	cfg       *config.Config
	states    map[int64]*State
	listeners []Listener
}

// NewManager creates a download manager.
func NewManager(client platform.Client, reg *registry.Registry, cfg *config.Config) *Manager {
	return &Manager{
		client: client,
		reg:    reg,
		cfg:    cfg,
		states: make(map[int64]*State),
	}
}

// OnChange registers a listener invoked after every visible change.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start begins (or resumes) downloading a session. The registry must
// report the session complete; otherwise the request is rejected with the
// missing chunk count and no state is created or mutated.
func (m *Manager) Start(sessionID int64) error {
	sess, ok := m.reg.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionUnknown, sessionID)
	}
	if !sess.IsComplete {
		return fmt.Errorf("%w: %d of %d chunks not yet discovered",
			ErrSessionIncomplete, sess.MissingCount(), sess.Total)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	state, exists := m.states[sessionID]
	if exists {
		switch state.Status {
		case StatusPending, StatusDownloading, StatusMerging:
			m.mu.Unlock()
			cancel()
			return ErrAlreadyActive
		case StatusCompleted:
			m.mu.Unlock()
			cancel()
			return nil
		}
	} else {
		state = &State{
			SessionID:  sessionID,
			Downloaded: make(map[int]bool),
			cache:      make(map[int][]byte),
		}
		m.states[sessionID] = state
	}
	state.Status = StatusPending
	state.ErrorMessage = ""
	state.TotalBytes = sess.OriginalSize
	state.cancel = cancel
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Start",
		"session_id":   sessionID,
		"total_chunks": sess.Total,
		"total_bytes":  sess.OriginalSize,
		"cached":       len(state.cache),
	}).Info("Download starting")

	m.notifyListeners()
	go m.run(ctx, state, sess)
	return nil
}

// Resume continues a paused download, reusing the byte cache.
func (m *Manager) Resume(sessionID int64) error {
	return m.Start(sessionID)
}

// Pause signals cooperative cancellation and flips the state to paused.
// The byte cache is retained.
func (m *Manager) Pause(sessionID int64) error {
	m.mu.Lock()
	state, ok := m.states[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionUnknown, sessionID)
	}
	if state.Status != StatusDownloading && state.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("download %d is %s, not active", sessionID, state.Status)
	}
	state.Status = StatusPaused
	cancel := state.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Pause",
		"session_id": sessionID,
	}).Info("Download paused")

	m.notifyListeners()
	return nil
}

// Cancel tears the download state down entirely, discarding the cache.
func (m *Manager) Cancel(sessionID int64) error {
	m.mu.Lock()
	state, ok := m.states[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionUnknown, sessionID)
	}
	cancel := state.cancel
	delete(m.states, sessionID)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Cancel",
		"session_id": sessionID,
	}).Info("Download cancelled")

	m.notifyListeners()
	return nil
}

// State returns a snapshot of one download.
func (m *Manager) State(sessionID int64) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[sessionID]
	if !ok {
		return State{}, false
	}
	return state.snapshot(), true
}

// Result returns the merged bytes of a completed download.
func (m *Manager) Result(sessionID int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionUnknown, sessionID)
	}
	if state.Status != StatusCompleted || state.result == nil {
		return nil, ErrNotCompleted
	}
	out := make([]byte, len(state.result))
	copy(out, state.result)
	return out, nil
}

// SaveFile writes the merged result to disk. Only callable once the
// download has completed.
func (m *Manager) SaveFile(sessionID int64, path string) error {
	data, err := m.Result(sessionID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing merged file: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "SaveFile",
		"session_id": sessionID,
		"path":       path,
		"size":       humanize.Bytes(uint64(len(data))),
	}).Info("Merged file saved to disk")
	return nil
}

// run drives one download attempt: fetch every uncached chunk, then merge.
func (m *Manager) run(ctx context.Context, state *State, sess registry.Session) {
	m.mu.Lock()
	if state.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	state.Status = StatusDownloading
	state.StartTime = time.Now()
	pending := make([]int, 0, sess.Total)
	for i := 0; i < sess.Total; i++ {
		if _, cached := state.cache[i]; !cached {
			pending = append(pending, i)
		}
	}
	baseBytes := state.BytesDownloaded
	cancelAttempt := state.cancel
	m.mu.Unlock()
	m.notifyListeners()

	attemptStart := time.Now()

	var (
		wg       sync.WaitGroup
		active   int32
		errMu    sync.Mutex
		firstErr error
	)

	for _, idx := range pending {
		for ctx.Err() == nil && int(atomic.LoadInt32(&active)) >= m.cfg.DownloadWorkers() {
			sleepCtx(ctx, idlePoll)
		}
		if ctx.Err() != nil {
			break
		}

		atomic.AddInt32(&active, 1)
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer atomic.AddInt32(&active, -1)

			if ctx.Err() != nil {
				return
			}
			err := m.fetchIndex(ctx, state, sess, idx, attemptStart, baseBytes)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}

			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
			// Full coverage is required for merge, so one dead chunk
			// aborts the whole attempt.
			cancelAttempt()
		}(idx)
	}
	wg.Wait()

	errMu.Lock()
	err := firstErr
	errMu.Unlock()
	m.finish(state, sess, err)
}

// fetchIndex retrieves one chunk's bytes and folds them into the cache
// and progress accounting.
func (m *Manager) fetchIndex(ctx context.Context, state *State, sess registry.Session,
	idx int, attemptStart time.Time, baseBytes int64) error {

	rec, ok := sess.Chunk(idx)
	if !ok {
		return fmt.Errorf("chunk %d disappeared from registry", idx)
	}

	data, err := m.client.FetchBytes(ctx, rec.SourceLocation)
	if err != nil {
		return fmt.Errorf("fetching chunk %d: %w", idx, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("fetching chunk %d: %w", idx, platform.ErrNoData)
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return ctx.Err()
	}
	state.cache[idx] = data
	state.Downloaded[idx] = true
	state.BytesDownloaded += int64(len(data))
	elapsed := time.Since(attemptStart).Seconds()
	if elapsed > 0 {
		state.Speed = float64(state.BytesDownloaded-baseBytes) / elapsed
	}
	if state.Speed > 0 {
		remaining := float64(state.TotalBytes - state.BytesDownloaded)
		state.ETR = time.Duration(remaining / state.Speed * float64(time.Second))
	}
	m.mu.Unlock()

	m.notifyListeners()
	return nil
}

// finish merges when coverage is full, otherwise resolves pause or error.
func (m *Manager) finish(state *State, sess registry.Session, firstErr error) {
	m.mu.Lock()
	if _, tracked := m.states[state.SessionID]; !tracked {
		// Cancelled mid-flight; state is gone.
		m.mu.Unlock()
		return
	}

	covered := true
	for i := 0; i < sess.Total; i++ {
		if _, ok := state.cache[i]; !ok {
			covered = false
			break
		}
	}

	if !covered {
		switch {
		case state.Status == StatusPaused:
			// User pause already resolved the state.
		case firstErr != nil:
			state.Status = StatusError
			state.ErrorMessage = firstErr.Error()
		default:
			state.Status = StatusPaused
		}
		id := state.SessionID
		status := state.Status
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":   "finish",
			"session_id": id,
			"status":     status.String(),
		}).Info("Download attempt finished without full coverage")
		m.notifyListeners()
		return
	}

	state.Status = StatusMerging
	chunks := make([][]byte, sess.Total)
	for i := 0; i < sess.Total; i++ {
		chunks[i] = state.cache[i]
	}
	m.mu.Unlock()
	m.notifyListeners()

	// Reassembly is by explicit index, never by completion order.
	merged := bytes.Join(chunks, nil)

	want := ""
	for _, rec := range sess.Chunks {
		if rec.FileChecksum != "" {
			want = rec.FileChecksum
			break
		}
	}
	result := ChecksumSkipped
	if want != "" {
		result = checksumVerdict(checksum.DigestWhole(bytes.NewReader(merged)), want)
	}

	m.mu.Lock()
	state.result = merged
	state.ChecksumResult = result
	state.Status = StatusCompleted
	state.ETR = 0
	id := state.SessionID
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "finish",
		"session_id": id,
		"size":       humanize.Bytes(uint64(len(merged))),
		"checksum":   result.String(),
	}).Info("Download merged")

	m.notifyListeners()
}

// checksumVerdict maps a whole-file digest against the recorded
// checksum. An unavailable digest means verification could not run,
// which is a skip, never a mismatch.
func checksumVerdict(digest checksum.Result, want string) ChecksumResult {
	if !digest.Available() {
		return ChecksumSkipped
	}
	if digest.Hex == want {
		return ChecksumPass
	}
	return ChecksumFail
}

func (m *Manager) notifyListeners() {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l()
	}
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
