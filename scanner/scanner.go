package scanner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkcourier/platform"
	"github.com/opd-ai/chunkcourier/registry"
	"github.com/opd-ai/chunkcourier/wire"
)

// pageSize is how many messages each history request asks for.
const pageSize = 50

// DefaultPageDelay paces consecutive history requests.
const DefaultPageDelay = 300 * time.Millisecond

// Scanner walks channel history backward and feeds recognized chunk
// records into the registry.
type Scanner struct {
	client    platform.Client
	reg       *registry.Registry
	pageDelay time.Duration
}

// New creates a scanner over the given platform client and registry.
func New(client platform.Client, reg *registry.Registry) *Scanner {
	return &Scanner{
		client:    client,
		reg:       reg,
		pageDelay: DefaultPageDelay,
	}
}

// SetPageDelay overrides the pacing between history pages.
func (s *Scanner) SetPageDelay(d time.Duration) {
	s.pageDelay = d
}

// ScanChannel pages backward through up to limit messages of a channel
// (limit <= 0 means no cap) and inserts every recognized chunk into the
// registry. It returns the number of newly inserted records. Messages
// that are not chunk carriers are skipped without logging noise.
func (s *Scanner) ScanChannel(ctx context.Context, channelID string, limit int) (int, error) {
	logrus.WithFields(logrus.Fields{
		"function":   "ScanChannel",
		"channel_id": channelID,
		"limit":      limit,
	}).Info("Scanning channel history for chunks")

	var (
		cursor  string
		scanned int
		added   int
	)

	for {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		size := pageSize
		if limit > 0 && limit-scanned < size {
			size = limit - scanned
		}
		if size <= 0 {
			break
		}

		page, err := s.client.ListMessages(ctx, channelID, size, cursor)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "ScanChannel",
				"channel_id": channelID,
				"cursor":     cursor,
				"error":      err,
			}).Error("History page fetch failed")
			return added, err
		}
		if len(page) == 0 {
			break
		}

		for _, msg := range page {
			scanned++
			if s.ingest(msg) {
				added++
			}
		}
		// A short page is not proof of exhaustion; the client only
		// promises up to pageSize messages. Keep going until a page
		// comes back empty or the cursor stops moving.
		next := page[len(page)-1].ID
		if next == cursor {
			break
		}
		cursor = next

		if !sleepCtx(ctx, s.pageDelay) {
			return added, ctx.Err()
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ScanChannel",
		"channel_id": channelID,
		"scanned":    scanned,
		"added":      added,
	}).Info("Channel scan finished")
	return added, nil
}

// ingest parses one message and inserts it if it carries a chunk.
func (s *Scanner) ingest(msg platform.Message) bool {
	meta, ok := wire.Parse(msg.Content)
	if !ok || len(msg.Attachments) == 0 {
		return false
	}

	inserted, err := s.reg.AddChunk(registry.ChunkRecord{
		Index:           meta.Index,
		Total:           meta.Total,
		OriginalName:    meta.OriginalName,
		OriginalSize:    meta.OriginalSize,
		SessionID:       meta.Timestamp,
		FileChecksum:    meta.Checksum,
		ChunkChecksum:   meta.ChunkChecksum,
		SourceLocation:  msg.Attachments[0].URL,
		OriginMessageID: msg.ID,
	}, msg.ChannelID, msg.Author)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ingest",
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Chunk metadata parsed but record rejected")
		return false
	}
	return inserted
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
