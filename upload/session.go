package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Status represents the current state of an upload session.
type Status uint8

const (
	// StatusPending indicates the session is waiting to start.
	StatusPending Status = iota
	// StatusUploading indicates chunks are being sent.
	StatusUploading
	// StatusPaused indicates the session was paused by the user, a
	// restart, or a safe-mode cooldown.
	StatusPaused
	// StatusCompleted indicates all chunks were sent.
	StatusCompleted
	// StatusError indicates the session failed and needs an explicit
	// resume to restart.
	StatusError
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploading:
		return "uploading"
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

// Session tracks one in-progress or resumable upload. The source handle
// and cancellation handle never survive a restart.
type Session struct {
	ID            int64
	Name          string
	Size          int64
	ChunkSize     int64
	TotalChunks   int
	Destination   string
	Completed     map[int]bool
	Status        Status
	StartTime     time.Time
	BytesUploaded int64
	Speed         float64 // bytes per second, current attempt
	ETR           time.Duration
	LastMessageID string
	ErrorMessage  string

	source Source
	cancel context.CancelFunc
}

// chunkBounds returns the byte range [off, off+n) of chunk index i.
func (s *Session) chunkBounds(i int) (off, n int64) {
	off = int64(i) * s.ChunkSize
	n = s.ChunkSize
	if off+n > s.Size {
		n = s.Size - off
	}
	return off, n
}

// completedBytes sums the sizes of all completed chunks, accounting for
// the shorter final chunk.
func (s *Session) completedBytes() int64 {
	var total int64
	for i := range s.Completed {
		_, n := s.chunkBounds(i)
		total += n
	}
	return total
}

// Progress renders a human-readable progress line.
func (s *Session) Progress() string {
	return fmt.Sprintf("%s / %s (%s/s)",
		humanize.Bytes(uint64(s.BytesUploaded)),
		humanize.Bytes(uint64(s.Size)),
		humanize.Bytes(uint64(s.Speed)))
}

// snapshot returns a copy safe to hand out without the live handles.
func (s *Session) snapshot() Session {
	out := *s
	out.source = nil
	out.cancel = nil
	out.Completed = make(map[int]bool, len(s.Completed))
	for i := range s.Completed {
		out.Completed[i] = true
	}
	return out
}

// persistedSession is the serializable projection written to the blob
// store. File and cancellation handles are omitted; the completed set is
// flattened to a plain array.
type persistedSession struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Size             int64  `json:"size"`
	ChunkSize        int64  `json:"chunkSize"`
	TotalChunks      int    `json:"totalChunks"`
	Destination      string `json:"destination"`
	CompletedIndices []int  `json:"completedIndices"`
	BytesUploaded    int64  `json:"bytesUploaded"`
	LastMessageID    string `json:"lastCarrierMessageId,omitempty"`
	ErrorMessage     string `json:"error,omitempty"`
}

func (s *Session) toPersisted() persistedSession {
	indices := make([]int, 0, len(s.Completed))
	for i := range s.Completed {
		indices = append(indices, i)
	}
	return persistedSession{
		ID:               s.ID,
		Name:             s.Name,
		Size:             s.Size,
		ChunkSize:        s.ChunkSize,
		TotalChunks:      s.TotalChunks,
		Destination:      s.Destination,
		CompletedIndices: indices,
		BytesUploaded:    s.BytesUploaded,
		LastMessageID:    s.LastMessageID,
		ErrorMessage:     s.ErrorMessage,
	}
}

// fromPersisted rebuilds a session in paused status with no source
// attached; the user must reattach the file before resuming.
func fromPersisted(p persistedSession) *Session {
	completed := make(map[int]bool, len(p.CompletedIndices))
	for _, i := range p.CompletedIndices {
		completed[i] = true
	}
	return &Session{
		ID:            p.ID,
		Name:          p.Name,
		Size:          p.Size,
		ChunkSize:     p.ChunkSize,
		TotalChunks:   p.TotalChunks,
		Destination:   p.Destination,
		Completed:     completed,
		Status:        StatusPaused,
		BytesUploaded: p.BytesUploaded,
		LastMessageID: p.LastMessageID,
		ErrorMessage:  p.ErrorMessage,
	}
}
