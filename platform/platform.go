package platform

import (
	"context"
	"errors"
)

// ErrRateLimited is returned (possibly wrapped) by Client implementations
// when the platform rejects an operation due to rate limiting. The upload
// engine treats it specially under safe mode.
var ErrRateLimited = errors.New("platform rate limited")

// ErrNoData indicates a fetch returned successfully but carried no bytes.
var ErrNoData = errors.New("fetch returned no data")

// IsRateLimited reports whether err is (or wraps) a rate-limit rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Attachment is a binary object referenced by a message. URL is the durable
// reference usable to retrieve the attachment's bytes later.
type Attachment struct {
	ID       string
	Filename string
	URL      string
	Size     int64
}

// Message is one historical or live message as exposed by the platform.
type Message struct {
	ID          string
	ChannelID   string
	Author      string
	Content     string
	Attachments []Attachment
}

// MessageCreatedHandler is invoked for every newly observed message.
type MessageCreatedHandler func(msg Message)

// MessageDeletedHandler is invoked when a message is deleted upstream,
// identified by its message ID.
type MessageDeletedHandler func(messageID string)

// Client is the chat platform surface the transfer core consumes.
//
// All methods honor context cancellation; a cancelled context aborts the
// call and returns the context's error.
type Client interface {
	// SendAttachment uploads binary content to the destination channel's
	// object storage and returns a durable reference (URL) for it.
	SendAttachment(ctx context.Context, destination, filename string, data []byte) (string, error)

	// PostMessage posts a text message carrying one previously uploaded
	// attachment reference and returns the new message's ID.
	PostMessage(ctx context.Context, destination, body, attachmentURL string) (string, error)

	// FetchBytes retrieves the bytes behind a durable reference.
	FetchBytes(ctx context.Context, url string) ([]byte, error)

	// ListMessages returns up to pageSize messages from the destination,
	// newest first, older than beforeCursor when it is non-empty.
	ListMessages(ctx context.Context, destination string, pageSize int, beforeCursor string) ([]Message, error)

	// OnMessageCreated registers a handler for live message creation events.
	OnMessageCreated(handler MessageCreatedHandler)

	// OnMessageDeleted registers a handler for upstream message deletions.
	OnMessageDeleted(handler MessageDeletedHandler)
}

// BlobStore persists one small JSON blob across process restarts. The
// upload engine is its only writer.
type BlobStore interface {
	Load() (string, error)
	Save(blob string) error
}
