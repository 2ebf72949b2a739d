package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/chunkcourier/platform"
)

// MemoryPlatform is an in-memory platform.Client. Channels hold messages
// newest first, attachments live in a url-keyed object map, and live
// event handlers fire synchronously.
type MemoryPlatform struct {
	mu       sync.Mutex
	channels map[string][]platform.Message
	objects  map[string][]byte

	createdHandlers []platform.MessageCreatedHandler
	deletedHandlers []platform.MessageDeletedHandler

	// Failure injection knobs.
	sendErr        error
	rateLimitAfter int // rate limit every send once sendCount reaches this; 0 disables
	sendCount      int
	deadFetches    map[string]bool
	emptyFetches   map[string]bool
	sendDelay      time.Duration
	fetchDelay     time.Duration
	fetchCounts    map[string]int

	inFlight    int
	maxInFlight int

	fetchInFlight    int
	maxFetchInFlight int
}

// NewMemoryPlatform creates an empty in-memory platform.
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		channels:     make(map[string][]platform.Message),
		objects:      make(map[string][]byte),
		deadFetches:  make(map[string]bool),
		emptyFetches: make(map[string]bool),
		fetchCounts:  make(map[string]int),
	}
}

// SetSendError makes every subsequent SendAttachment fail with err.
func (m *MemoryPlatform) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// RateLimitAfter makes SendAttachment fail with platform.ErrRateLimited
// once n sends have succeeded. Zero disables.
func (m *MemoryPlatform) RateLimitAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitAfter = n
}

// SetSendDelay adds artificial latency to SendAttachment, useful for
// exercising cancellation and concurrency bounds.
func (m *MemoryPlatform) SetSendDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendDelay = d
}

// KillFetch makes FetchBytes fail for the given URL.
func (m *MemoryPlatform) KillFetch(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadFetches[url] = true
}

// EmptyFetch makes FetchBytes succeed with zero bytes for the given URL.
func (m *MemoryPlatform) EmptyFetch(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emptyFetches[url] = true
}

// MaxInFlight reports the highest number of concurrent SendAttachment
// calls observed.
func (m *MemoryPlatform) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// SetFetchDelay adds artificial latency to FetchBytes.
func (m *MemoryPlatform) SetFetchDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchDelay = d
}

// FetchCount reports how many times a URL was fetched.
func (m *MemoryPlatform) FetchCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCounts[url]
}

// MaxInFlightFetches reports the highest number of concurrent FetchBytes
// calls observed.
func (m *MemoryPlatform) MaxInFlightFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFetchInFlight
}

// SendAttachment stores the bytes and returns a durable mem:// URL.
func (m *MemoryPlatform) SendAttachment(ctx context.Context, destination, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return "", err
	}
	if m.rateLimitAfter > 0 && m.sendCount >= m.rateLimitAfter {
		m.mu.Unlock()
		return "", fmt.Errorf("sending %q: %w", filename, platform.ErrRateLimited)
	}
	m.sendCount++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay := m.sendDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.mu.Lock()
			m.inFlight--
			m.mu.Unlock()
			return "", ctx.Err()
		}
	}

	url := "mem://" + destination + "/" + uuid.NewString() + "/" + filename
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	m.objects[url] = stored
	m.inFlight--
	m.mu.Unlock()

	return url, nil
}

// PostMessage creates a carrier message referencing a stored attachment
// and fires message-created handlers.
func (m *MemoryPlatform) PostMessage(ctx context.Context, destination, body, attachmentURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	msg := platform.Message{
		ID:        uuid.NewString(),
		ChannelID: destination,
		Author:    "memory-platform",
		Content:   body,
		Attachments: []platform.Attachment{{
			ID:       uuid.NewString(),
			URL:      attachmentURL,
			Size:     int64(len(m.objects[attachmentURL])),
			Filename: attachmentURL,
		}},
	}
	// Newest first, matching platform list order.
	m.channels[destination] = append([]platform.Message{msg}, m.channels[destination]...)
	handlers := make([]platform.MessageCreatedHandler, len(m.createdHandlers))
	copy(handlers, m.createdHandlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return msg.ID, nil
}

// FetchBytes returns a copy of the stored object bytes.
func (m *MemoryPlatform) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.fetchCounts[url]++
	m.fetchInFlight++
	if m.fetchInFlight > m.maxFetchInFlight {
		m.maxFetchInFlight = m.fetchInFlight
	}
	delay := m.fetchDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.mu.Lock()
			m.fetchInFlight--
			m.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchInFlight--

	if m.deadFetches[url] {
		return nil, fmt.Errorf("fetching %q: %w", url, platform.ErrNoData)
	}
	if m.emptyFetches[url] {
		return []byte{}, nil
	}
	data, ok := m.objects[url]
	if !ok {
		return nil, fmt.Errorf("fetching %q: %w", url, platform.ErrNoData)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ListMessages pages newest first, returning messages older than
// beforeCursor when it is set.
func (m *MemoryPlatform) ListMessages(ctx context.Context, destination string, pageSize int, beforeCursor string) ([]platform.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.channels[destination]
	start := 0
	if beforeCursor != "" {
		start = len(msgs)
		for i, msg := range msgs {
			if msg.ID == beforeCursor {
				start = i + 1
				break
			}
		}
	}

	end := start + pageSize
	if end > len(msgs) {
		end = len(msgs)
	}
	if start >= len(msgs) {
		return nil, nil
	}

	out := make([]platform.Message, end-start)
	copy(out, msgs[start:end])
	return out, nil
}

// OnMessageCreated registers a live-discovery handler.
func (m *MemoryPlatform) OnMessageCreated(handler platform.MessageCreatedHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdHandlers = append(m.createdHandlers, handler)
}

// OnMessageDeleted registers a deletion handler.
func (m *MemoryPlatform) OnMessageDeleted(handler platform.MessageDeletedHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedHandlers = append(m.deletedHandlers, handler)
}

// DeleteMessage removes a message from its channel and fires deletion
// handlers, mimicking an upstream delete.
func (m *MemoryPlatform) DeleteMessage(messageID string) {
	m.mu.Lock()
	for channel, msgs := range m.channels {
		for i, msg := range msgs {
			if msg.ID == messageID {
				m.channels[channel] = append(msgs[:i], msgs[i+1:]...)
				break
			}
		}
	}
	handlers := make([]platform.MessageDeletedHandler, len(m.deletedHandlers))
	copy(handlers, m.deletedHandlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(messageID)
	}
}

// Messages returns a snapshot of a channel, newest first.
func (m *MemoryPlatform) Messages(destination string) []platform.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]platform.Message, len(m.channels[destination]))
	copy(out, m.channels[destination])
	return out
}

// Object returns a copy of the stored bytes behind a URL.
func (m *MemoryPlatform) Object(url string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.objects[url]
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// CorruptObject overwrites the stored bytes behind a URL, simulating
// upstream corruption.
func (m *MemoryPlatform) CorruptObject(url string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[url] = stored
}

// MemoryBlobStore is an in-memory platform.BlobStore.
type MemoryBlobStore struct {
	mu   sync.Mutex
	blob string
}

// NewMemoryBlobStore creates an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{}
}

// Load returns the stored blob, empty when nothing was saved.
func (s *MemoryBlobStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blob, nil
}

// Save replaces the stored blob.
func (s *MemoryBlobStore) Save(blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = blob
	return nil
}
