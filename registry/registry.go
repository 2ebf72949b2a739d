package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultExpiry is how long a session may go without mutation before the
// sweep removes it.
const DefaultExpiry = 15 * time.Minute

// SweepInterval is the recommended cadence for calling SweepExpired.
const SweepInterval = 60 * time.Second

// ErrInvalidRecord indicates a chunk record violating basic invariants.
var ErrInvalidRecord = errors.New("invalid chunk record")

// ErrTotalConflict indicates a record whose chunk total disagrees with
// the session it claims to belong to.
var ErrTotalConflict = errors.New("chunk total conflicts with session")

// ChunkRecord represents one transferred piece of a file.
type ChunkRecord struct {
	Index           int
	Total           int
	OriginalName    string
	OriginalSize    int64
	SessionID       int64
	FileChecksum    string
	ChunkChecksum   string
	SourceLocation  string
	OriginMessageID string
}

// Session aggregates all chunk records sharing a session ID.
type Session struct {
	ID            int64
	Total         int
	OriginalName  string
	OriginalSize  int64
	Chunks        []ChunkRecord
	IsComplete    bool
	LastUpdated   time.Time
	OriginChannel string
	Uploader      string
}

// Chunk returns the record at the given index, if known.
func (s *Session) Chunk(index int) (ChunkRecord, bool) {
	for _, c := range s.Chunks {
		if c.Index == index {
			return c, true
		}
	}
	return ChunkRecord{}, false
}

// MissingCount returns how many expected indices have no record yet.
func (s *Session) MissingCount() int {
	return s.Total - len(s.Chunks)
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// Listener is invoked synchronously after every visible registry change.
type Listener func()

// Registry is the authoritative in-memory chunk index.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[int64]*Session
	listeners []Listener
	expiry    time.Duration
	clock     TimeProvider
}

// New creates an empty registry with the default expiry window.
func New() *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		expiry:   DefaultExpiry,
		clock:    defaultTimeProvider{},
	}
}

// SetExpiry overrides the session expiry window.
func (r *Registry) SetExpiry(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expiry = d
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (r *Registry) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = tp
}

// OnChange registers a listener invoked after every visible change.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// notify invokes all listeners. Callers must not hold the mutex.
func (r *Registry) notify() {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		l()
	}
}

// AddChunk inserts a record, creating its session on first insert. The
// insert is idempotent: a record for an already known (session, index)
// pair is a no-op. Returns true if the registry changed.
func (r *Registry) AddChunk(rec ChunkRecord, channel, uploader string) (bool, error) {
	if rec.Index < 0 || rec.Total <= 0 || rec.Index >= rec.Total {
		return false, ErrInvalidRecord
	}

	r.mu.Lock()
	sess, exists := r.sessions[rec.SessionID]
	if !exists {
		sess = &Session{
			ID:            rec.SessionID,
			Total:         rec.Total,
			OriginalName:  rec.OriginalName,
			OriginalSize:  rec.OriginalSize,
			OriginChannel: channel,
			Uploader:      uploader,
		}
		r.sessions[rec.SessionID] = sess
	}

	// A conflicting total means the record belongs to a different logical
	// session (ID collision or forged metadata). Accepting it would let
	// the raw chunk count reach sess.Total with index gaps, falsely
	// flipping IsComplete.
	if rec.Total != sess.Total {
		sessTotal := sess.Total
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":      "AddChunk",
			"session_id":    rec.SessionID,
			"index":         rec.Index,
			"record_total":  rec.Total,
			"session_total": sessTotal,
		}).Warn("Chunk rejected, total conflicts with session")
		return false, ErrTotalConflict
	}

	// Duplicate scan is linear; sessions hold tens of chunks, not millions.
	for _, c := range sess.Chunks {
		if c.Index == rec.Index {
			r.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":   "AddChunk",
				"session_id": rec.SessionID,
				"index":      rec.Index,
			}).Debug("Duplicate chunk ignored")
			return false, nil
		}
	}

	sess.Chunks = append(sess.Chunks, rec)
	sess.IsComplete = len(sess.Chunks) == sess.Total
	sess.LastUpdated = r.clock.Now()
	complete := sess.IsComplete
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "AddChunk",
		"session_id": rec.SessionID,
		"index":      rec.Index,
		"total":      rec.Total,
		"complete":   complete,
	}).Debug("Chunk added to registry")

	r.notify()
	return true, nil
}

// RemoveChunk removes any record across all sessions whose carrier message
// matches. An emptied session is removed entirely. Returns true if the
// registry changed.
func (r *Registry) RemoveChunk(carrierMessageID string) bool {
	r.mu.Lock()
	changed := false
	for id, sess := range r.sessions {
		for i, c := range sess.Chunks {
			if c.OriginMessageID != carrierMessageID {
				continue
			}
			sess.Chunks = append(sess.Chunks[:i], sess.Chunks[i+1:]...)
			sess.IsComplete = false
			sess.LastUpdated = r.clock.Now()
			if len(sess.Chunks) == 0 {
				delete(r.sessions, id)
			}
			changed = true
			break
		}
		if changed {
			break
		}
	}
	r.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function":   "RemoveChunk",
			"message_id": carrierMessageID,
		}).Info("Chunk removed after upstream message deletion")
		r.notify()
	}
	return changed
}

// RemoveChunkByIndex removes one record by position within a session, so a
// replacement chunk is accepted as new rather than rejected as a
// duplicate. Returns true if the registry changed.
func (r *Registry) RemoveChunkByIndex(sessionID int64, index int) bool {
	r.mu.Lock()
	changed := false
	if sess, ok := r.sessions[sessionID]; ok {
		for i, c := range sess.Chunks {
			if c.Index != index {
				continue
			}
			sess.Chunks = append(sess.Chunks[:i], sess.Chunks[i+1:]...)
			sess.IsComplete = false
			sess.LastUpdated = r.clock.Now()
			if len(sess.Chunks) == 0 {
				delete(r.sessions, sessionID)
			}
			changed = true
			break
		}
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return changed
}

// Session returns a copy of the session with the given ID.
func (r *Registry) Session(sessionID int64) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return copySession(sess), true
}

// Sessions returns copies of all sessions, optionally filtered by origin
// channel. Pass an empty filter for all sessions.
func (r *Registry) Sessions(channelFilter string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if channelFilter != "" && sess.OriginChannel != channelFilter {
			continue
		}
		out = append(out, copySession(sess))
	}
	return out
}

// SweepExpired removes sessions without mutation inside the expiry window
// and returns how many were removed. Listeners fire only when something
// was removed.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	now := r.clock.Now()
	removed := 0
	for id, sess := range r.sessions {
		if now.Sub(sess.LastUpdated) > r.expiry {
			delete(r.sessions, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepExpired",
			"removed":  removed,
		}).Info("Expired sessions swept from registry")
		r.notify()
	}
	return removed
}

// copySession returns a deep enough copy to hand out safely.
func copySession(s *Session) Session {
	out := *s
	out.Chunks = make([]ChunkRecord, len(s.Chunks))
	copy(out.Chunks, s.Chunks)
	return out
}
