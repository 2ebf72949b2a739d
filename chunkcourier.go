package chunkcourier

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chunkcourier/config"
	"github.com/opd-ai/chunkcourier/download"
	"github.com/opd-ai/chunkcourier/platform"
	"github.com/opd-ai/chunkcourier/registry"
	"github.com/opd-ai/chunkcourier/repair"
	"github.com/opd-ai/chunkcourier/scanner"
	"github.com/opd-ai/chunkcourier/upload"
	"github.com/opd-ai/chunkcourier/wire"
)

// ErrNoClient indicates construction without a platform client.
var ErrNoClient = errors.New("platform client is required")

// Options configures a Courier instance.
type Options struct {
	// Config holds the live tunables shared by every engine. A nil
	// Config means defaults.
	Config *config.Config

	// SweepInterval is how often expired registry sessions are swept.
	SweepInterval time.Duration

	// RestoreSessions controls whether persisted upload sessions are
	// loaded from the blob store during construction.
	RestoreSessions bool
}

// NewOptions creates an Options with default settings.
func NewOptions() *Options {
	return &Options{
		Config:          config.New(),
		SweepInterval:   registry.SweepInterval,
		RestoreSessions: true,
	}
}

// Courier is the top-level handle. It owns one registry and one of each
// engine, all sharing the same platform client and configuration.
type Courier struct {
	client platform.Client
	cfg    *config.Config

	registry  *registry.Registry
	uploads   *upload.Manager
	downloads *download.Manager
	repairs   *repair.Manager
	scanner   *scanner.Scanner

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a Courier over the given platform client and blob store,
// wires live message discovery into the registry, restores persisted
// upload sessions, and starts the expiry sweep loop.
func New(client platform.Client, store platform.BlobStore, options *Options) (*Courier, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if options == nil {
		options = NewOptions()
	}
	cfg := options.Config
	if cfg == nil {
		cfg = config.New()
	}
	sweep := options.SweepInterval
	if sweep <= 0 {
		sweep = registry.SweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New()
	uploads := upload.NewManager(client, store, cfg)

	c := &Courier{
		client:    client,
		cfg:       cfg,
		registry:  reg,
		uploads:   uploads,
		downloads: download.NewManager(client, reg, cfg),
		repairs:   repair.NewManager(client, reg, uploads, cfg),
		scanner:   scanner.New(client, reg),
		ctx:       ctx,
		cancel:    cancel,
		running:   true,
	}

	c.registerEventHandlers()

	if options.RestoreSessions {
		if err := c.uploads.Restore(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "New",
				"error":    err,
			}).Warn("Could not restore persisted upload sessions")
		}
	}

	go c.sweepLoop(sweep)

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"sweep_interval": sweep,
	}).Info("Courier initialized")
	return c, nil
}

// registerEventHandlers connects platform message events to the
// registry so uploads become discoverable the moment they land and
// deleted carriers drop out immediately.
func (c *Courier) registerEventHandlers() {
	c.client.OnMessageCreated(func(msg platform.Message) {
		meta, ok := wire.Parse(msg.Content)
		if !ok || len(msg.Attachments) == 0 {
			return
		}
		_, err := c.registry.AddChunk(registry.ChunkRecord{
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
				"function":   "registerEventHandlers",
				"message_id": msg.ID,
				"error":      err,
			}).Warn("Discovered chunk rejected by registry")
		}
	})

	c.client.OnMessageDeleted(func(messageID string) {
		c.registry.RemoveChunk(messageID)
	})
}

// sweepLoop periodically evicts expired sessions until Kill.
func (c *Courier) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.registry.SweepExpired()
		}
	}
}

// IsRunning reports whether Kill has been called.
func (c *Courier) IsRunning() bool {
	return c.running
}

// Kill stops the Courier and releases its background resources. Engines
// remain readable but no new background work is started.
func (c *Courier) Kill() {
	c.running = false
	c.cancel()
	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("Courier stopped")
}

// Registry returns the shared chunk registry.
func (c *Courier) Registry() *registry.Registry { return c.registry }

// Uploads returns the upload engine.
func (c *Courier) Uploads() *upload.Manager { return c.uploads }

// Downloads returns the download engine.
func (c *Courier) Downloads() *download.Manager { return c.downloads }

// Repairs returns the repair engine.
func (c *Courier) Repairs() *repair.Manager { return c.repairs }

// Scanner returns the history scanner.
func (c *Courier) Scanner() *scanner.Scanner { return c.scanner }

// Config returns the live configuration shared by all engines.
func (c *Courier) Config() *config.Config { return c.cfg }

// Upload starts a new upload of src to destination using the configured
// chunk size and returns the session ID. With the large-file bypass
// enabled the file is sent as a single chunk instead of being split.
func (c *Courier) Upload(src upload.Source, destination string) (int64, error) {
	sizeMB := c.cfg.ChunkSizeMB()
	if c.cfg.BypassLargeFiles() && src != nil {
		sizeMB = float64(src.Size()) / (1 << 20)
	}
	return c.uploads.Start(src, destination, sizeMB)
}

// Download starts (or resumes) downloading a fully discovered session.
func (c *Courier) Download(sessionID int64) error {
	return c.downloads.Start(sessionID)
}

// Repair verifies sessionID against ref and replaces damaged chunks.
func (c *Courier) Repair(sessionID int64, ref upload.Source) error {
	return c.repairs.RepairSession(c.ctx, sessionID, ref)
}

// ScanChannel backfills the registry from channel history. A limit of 0
// scans the full history.
func (c *Courier) ScanChannel(channelID string, limit int) (int, error) {
	return c.scanner.ScanChannel(c.ctx, channelID, limit)
}
