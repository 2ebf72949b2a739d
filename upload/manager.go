package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkcourier/checksum"
	"github.com/opd-ai/chunkcourier/config"
	"github.com/opd-ai/chunkcourier/platform"
	"github.com/opd-ai/chunkcourier/wire"
)

// ErrSessionNotFound indicates an unknown upload session ID.
var ErrSessionNotFound = errors.New("upload session not found")

// ErrSourceMismatch indicates a resume attempt with a file whose name or
// size does not match the session's recorded source.
var ErrSourceMismatch = errors.New("source file does not match session")

// ErrNoSource indicates a resume attempt on a session whose source file
// was lost (typically across a restart) and was not re-supplied.
var ErrNoSource = errors.New("no source file attached")

// ErrSessionActive indicates an operation that requires an idle session.
var ErrSessionActive = errors.New("upload session already running")

// ErrEmptySource indicates an upload of a zero-byte file.
var ErrEmptySource = errors.New("source file is empty")

// idlePoll is the wait between admission checks while the worker pool is
// saturated.
const idlePoll = 75 * time.Millisecond

// Listener is invoked after every visible session change.
type Listener func()

// Manager drives all upload sessions. It is the sole owner of the
// persisted upload state in the blob store.
type Manager struct {
	mu        sync.RWMutex
	client    platform.Client
	store     platform.BlobStore
	cfg       *config.Config
	sessions  map[int64]*Session
	listeners []Listener
}

// NewManager creates an upload manager. Call Restore afterwards to reload
// sessions persisted by a previous run.
func NewManager(client platform.Client, store platform.BlobStore, cfg *config.Config) *Manager {
	return &Manager{
		client:   client,
		store:    store,
		cfg:      cfg,
		sessions: make(map[int64]*Session),
	}
}

// OnChange registers a listener invoked after every visible change.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Restore reloads persisted sessions. Restored sessions come back paused
// with no source attached; the user must reattach the file to resume.
func (m *Manager) Restore() error {
	blob, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("loading persisted upload state: %w", err)
	}
	if blob == "" {
		return nil
	}

	var persisted []persistedSession
	if err := json.Unmarshal([]byte(blob), &persisted); err != nil {
		return fmt.Errorf("parsing persisted upload state: %w", err)
	}

	m.mu.Lock()
	for _, p := range persisted {
		if _, exists := m.sessions[p.ID]; exists {
			continue
		}
		m.sessions[p.ID] = fromPersisted(p)
	}
	count := len(persisted)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Restore",
		"sessions": count,
	}).Info("Upload sessions restored in paused state")

	m.notifyListeners()
	return nil
}

// Start begins uploading src to the destination channel, split into
// chunks of chunkSizeMB megabytes. It returns the new session's ID, which
// doubles as the discovery session ID shared by every chunk.
func (m *Manager) Start(src Source, destination string, chunkSizeMB float64) (int64, error) {
	if src == nil {
		return 0, ErrNoSource
	}
	size := src.Size()
	if size == 0 {
		return 0, ErrEmptySource
	}
	chunkSize := int64(math.Round(chunkSizeMB * (1 << 20)))
	if chunkSize <= 0 {
		return 0, fmt.Errorf("invalid chunk size %.2f MB", chunkSizeMB)
	}
	totalChunks := int((size + chunkSize - 1) / chunkSize)

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	id := time.Now().UnixMilli()
	for {
		if _, exists := m.sessions[id]; !exists {
			break
		}
		id++
	}
	sess := &Session{
		ID:          id,
		Name:        src.Name(),
		Size:        size,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Destination: destination,
		Completed:   make(map[int]bool),
		Status:      StatusPending,
		source:      src,
		cancel:      cancel,
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Start",
		"session_id":   id,
		"name":         sess.Name,
		"size":         size,
		"chunk_size":   chunkSize,
		"total_chunks": totalChunks,
		"destination":  destination,
	}).Info("Upload session created")

	m.emitChange()
	go m.run(ctx, sess)
	return id, nil
}

// Resume restarts a paused or errored session. A source must either still
// be attached or supplied now; a supplied source whose name or size does
// not match the session is rejected without mutating any state.
func (m *Manager) Resume(id int64, src Source) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status == StatusUploading || sess.Status == StatusPending {
		m.mu.Unlock()
		return ErrSessionActive
	}
	if src != nil {
		if src.Name() != sess.Name || src.Size() != sess.Size {
			m.mu.Unlock()
			return fmt.Errorf("%w: got %q (%d bytes), session recorded %q (%d bytes)",
				ErrSourceMismatch, src.Name(), src.Size(), sess.Name, sess.Size)
		}
		sess.source = src
	}
	if sess.source == nil {
		m.mu.Unlock()
		return ErrNoSource
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.Status = StatusPending
	sess.ErrorMessage = ""
	sess.cancel = cancel
	completed := len(sess.Completed)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Resume",
		"session_id": id,
		"completed":  completed,
	}).Info("Upload session resuming")

	m.emitChange()
	go m.run(ctx, sess)
	return nil
}

// Pause signals cooperative cancellation to the in-flight workers and
// flips the session to paused.
func (m *Manager) Pause(id int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status != StatusUploading && sess.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("session %d is %s, not active", id, sess.Status)
	}
	sess.Status = StatusPaused
	cancel := sess.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Pause",
		"session_id": id,
	}).Info("Upload session paused")

	m.emitChange()
	return nil
}

// Delete cancels any in-flight work and removes the session entirely.
func (m *Manager) Delete(id int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	cancel := sess.cancel
	delete(m.sessions, id)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Delete",
		"session_id": id,
	}).Info("Upload session deleted")

	m.emitChange()
	return nil
}

// Session returns a snapshot of one session.
func (m *Manager) Session(id int64) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// Sessions returns snapshots of all tracked sessions.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// SendChunk performs one chunk transmission: the binary upload followed by
// the carrier message whose body is the JSON metadata. It returns the
// carrier message's ID. The repair engine uses this primitive directly to
// replace individual chunks without a full session.
func (m *Manager) SendChunk(ctx context.Context, destination string, data []byte, meta *wire.Metadata) (string, error) {
	filename := ChunkFileName(meta.OriginalName, meta.Index)

	url, err := m.client.SendAttachment(ctx, destination, filename, data)
	if err != nil {
		return "", fmt.Errorf("uploading chunk %d: %w", meta.Index, err)
	}

	body, err := meta.Encode()
	if err != nil {
		return "", fmt.Errorf("encoding chunk %d metadata: %w", meta.Index, err)
	}

	messageID, err := m.client.PostMessage(ctx, destination, body, url)
	if err != nil {
		return "", fmt.Errorf("posting carrier message for chunk %d: %w", meta.Index, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendChunk",
		"index":      meta.Index,
		"total":      meta.Total,
		"filename":   filename,
		"message_id": messageID,
	}).Debug("Chunk sent")

	return messageID, nil
}

// run drives one upload attempt to completion, pause, or error.
func (m *Manager) run(ctx context.Context, sess *Session) {
	m.mu.Lock()
	if sess.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	sess.Status = StatusUploading
	sess.StartTime = time.Now()
	src := sess.source
	cancelAttempt := sess.cancel
	id := sess.ID
	size := sess.Size
	totalChunks := sess.TotalChunks
	name := sess.Name
	destination := sess.Destination
	pending := make([]int, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		if !sess.Completed[i] {
			pending = append(pending, i)
		}
	}
	baseBytes := sess.completedBytes()
	m.mu.Unlock()
	m.emitChange()

	// Whole-file digest is best effort: its absence degrades verification,
	// never the upload itself.
	fileSum := ""
	if res := checksum.DigestWhole(io.NewSectionReader(src, 0, size)); res.Available() {
		fileSum = res.Hex
	} else if res.Err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "run",
			"session_id": id,
			"error":      res.Err.Error(),
		}).Warn("Whole-file checksum unavailable, uploading without integrity metadata")
	}

	sort.Ints(pending)
	attemptStart := time.Now()

	var (
		wg          sync.WaitGroup
		active      int32
		rateLimited atomic.Bool
		errMu       sync.Mutex
		firstErr    error
	)

	for _, idx := range pending {
		// Admission honors the live worker limit on every cycle.
		for ctx.Err() == nil && int(atomic.LoadInt32(&active)) >= m.cfg.UploadWorkers() {
			sleepCtx(ctx, idlePoll)
		}
		if ctx.Err() != nil {
			break
		}

		base, jitter := m.cfg.InterChunkDelay()
		delay := base
		if jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(jitter)))
		}
		if !sleepCtx(ctx, delay) {
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
			err := m.sendIndex(ctx, sess, src, idx, fileSum, attemptStart, baseBytes,
				id, size, totalChunks, name, destination)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}

			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
			if platform.IsRateLimited(err) {
				rateLimited.Store(true)
			}
			// One failed worker aborts the whole attempt.
			cancelAttempt()
		}(idx)
	}
	wg.Wait()

	errMu.Lock()
	err := firstErr
	errMu.Unlock()
	m.finish(sess, err, rateLimited.Load())
}

// sendIndex slices, hashes, and sends one chunk, then folds the result
// into the session's progress accounting.
func (m *Manager) sendIndex(ctx context.Context, sess *Session, src Source, idx int,
	fileSum string, attemptStart time.Time, baseBytes int64,
	id, size int64, totalChunks int, name, destination string) error {

	off, n := sess.chunkBounds(idx)
	buf := make([]byte, n)
	if _, err := src.ReadAt(buf, off); err != nil {
		return fmt.Errorf("reading chunk %d at offset %d: %w", idx, off, err)
	}

	meta := &wire.Metadata{
		Type:          wire.TypeTag,
		Index:         idx,
		Total:         totalChunks,
		OriginalName:  name,
		OriginalSize:  size,
		Timestamp:     id,
		Checksum:      fileSum,
		ChunkChecksum: checksum.DigestChunk(buf),
	}

	messageID, err := m.SendChunk(ctx, destination, buf, meta)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		// Cancelled while the send was in flight; discard the result
		// without touching shared state.
		m.mu.Unlock()
		return ctx.Err()
	}
	sess.Completed[idx] = true
	sess.LastMessageID = messageID
	sess.BytesUploaded = sess.completedBytes()
	elapsed := time.Since(attemptStart).Seconds()
	if elapsed > 0 {
		sess.Speed = float64(sess.BytesUploaded-baseBytes) / elapsed
	}
	if sess.Speed > 0 {
		remaining := float64(sess.Size - sess.BytesUploaded)
		sess.ETR = time.Duration(remaining / sess.Speed * float64(time.Second))
	}
	m.mu.Unlock()

	m.emitChange()
	return nil
}

// finish resolves the session's terminal state for this attempt.
func (m *Manager) finish(sess *Session, firstErr error, rateLimited bool) {
	safeModePause := false

	m.mu.Lock()
	if _, tracked := m.sessions[sess.ID]; !tracked {
		// Deleted mid-flight; nothing left to resolve.
		m.mu.Unlock()
		return
	}
	switch {
	case len(sess.Completed) == sess.TotalChunks:
		sess.Status = StatusCompleted
		sess.ErrorMessage = ""
		sess.ETR = 0
	case sess.Status == StatusPaused:
		// User pause already resolved the state.
	case rateLimited && m.cfg.SafeMode():
		sess.Status = StatusPaused
		safeModePause = true
	case firstErr != nil:
		sess.Status = StatusError
		sess.ErrorMessage = firstErr.Error()
	default:
		sess.Status = StatusPaused
	}
	id := sess.ID
	status := sess.Status
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "finish",
		"session_id": id,
		"status":     status.String(),
	}).Info("Upload attempt finished")

	m.emitChange()

	if safeModePause {
		cooldown := m.cfg.SafeModeCooldown()
		logrus.WithFields(logrus.Fields{
			"function":   "finish",
			"session_id": id,
			"cooldown":   cooldown,
		}).Warn("Rate limited, safe mode paused the session")
		time.AfterFunc(cooldown, func() {
			if err := m.Resume(id, nil); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "finish",
					"session_id": id,
					"error":      err.Error(),
				}).Warn("Safe-mode cooldown resume failed")
			}
		})
	}
}

// emitChange persists recoverable state and notifies listeners. Every
// visible session mutation funnels through here.
func (m *Manager) emitChange() {
	m.persist()
	m.notifyListeners()
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

// persist writes the projection of all non-terminal sessions to the blob
// store so they survive a restart in paused state.
func (m *Manager) persist() {
	m.mu.RLock()
	projections := make([]persistedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Status == StatusCompleted || sess.Status == StatusError {
			continue
		}
		projections = append(projections, sess.toPersisted())
	}
	m.mu.RUnlock()

	data, err := json.Marshal(projections)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persist",
			"error":    err.Error(),
		}).Warn("Failed to serialize upload state")
		return
	}
	if err := m.store.Save(string(data)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persist",
			"error":    err.Error(),
		}).Warn("Failed to persist upload state")
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
