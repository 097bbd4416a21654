package cli

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/collector"
	"github.com/tengta119/VoipRecord/internal/config"
	"github.com/tengta119/VoipRecord/internal/ledger"
	"github.com/tengta119/VoipRecord/internal/recorder"
	"github.com/tengta119/VoipRecord/internal/state"
	"github.com/tengta119/VoipRecord/internal/storage"
)

func newClient(cfg *config.Config) *collector.Client {
	return collector.NewClient(collector.Options{
		PoolSize:   cfg.Server.PoolSize,
		Timeout:    cfg.Server.Timeout.Duration,
		MaxRetries: cfg.Server.MaxRetries,
		RetryDelay: cfg.Server.RetryDelay.Duration,
		Version:    cfg.Server.ClientVersion,
	})
}

func newFFmpeg(cfg *config.Config) *capture.FFmpeg {
	c := cfg.Capture
	return capture.NewFFmpeg(capture.FFmpegConfig{
		Binary:         c.FFmpeg,
		AudioFormat:    c.AudioFormat,
		UplinkDevice:   c.UplinkDevice,
		DownlinkDevice: c.DownlinkDevice,
		ScreenFormat:   c.ScreenFormat,
		ScreenDevice:   c.ScreenDevice,
		ScreenFPS:      c.ScreenFPS,
	})
}

// newAcquirer registers every capture backend; grants that name none get the
// configured one.
func newAcquirer(cfg *config.Config) *capture.Router {
	return capture.NewRouter(map[string]capture.Acquirer{
		"ffmpeg":    newFFmpeg(cfg),
		"synthetic": capture.NewSynthetic(),
	}, cfg.Capture.Backend)
}

func recorderConfig(cfg *config.Config) recorder.Config {
	r := cfg.Recorder
	return recorder.Config{
		DefaultChunkInterval:      r.ChunkInterval.Duration,
		DefaultScreenshotInterval: r.ScreenshotInterval.Duration,
		JoinTimeout:               r.JoinTimeout.Duration,
		CloseTimeout:              r.CloseTimeout.Duration,
		HealthMaxJitter:           r.HealthMaxJitter.Duration,
		ScreenshotQuality:         r.ScreenshotQuality,
		UploadPolicy:              r.UploadPolicy,
		RequeueLimit:              r.RequeueLimit,
	}
}

// openLedger opens the configured ledger. It returns nil, nil when the ledger
// is disabled.
func openLedger(cfg *config.Config) (*ledger.Store, error) {
	dsn := cfg.LedgerDSN
	if dsn == "" {
		return nil, nil
	}
	if !strings.Contains(dsn, "://") || strings.HasPrefix(dsn, "sqlite://") {
		dir := filepath.Dir(strings.TrimPrefix(dsn, "sqlite://"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create ledger directory")
		}
	}
	return ledger.Open(dsn)
}

// engine is a fully wired coordinator and the resources it owns.
type engine struct {
	coord   *recorder.Coordinator
	store   *storage.Store
	client  *collector.Client
	pub     *state.Publisher
	ledger  *ledger.Store
	journal *ledger.Journal
}

func newEngine(cfg *config.Config) (*engine, error) {
	store, err := storage.NewStore(cfg.Storage.ChunkDir)
	if err != nil {
		return nil, err
	}
	e := &engine{
		store:  store,
		client: newClient(cfg),
		pub:    state.NewPublisher(),
	}

	// the ledger is a convenience; recording proceeds without it
	e.ledger, err = openLedger(cfg)
	if err != nil {
		slog.Warn("ledger unavailable, recording without it", "error", err)
	}
	if e.ledger != nil {
		e.journal = ledger.NewJournal(e.ledger)
	}

	e.coord = recorder.New(recorderConfig(cfg), newAcquirer(cfg), e.client, store, e.pub, e.journal)
	return e, nil
}

// Close waits for pending session closes and flushes the ledger. The
// coordinator must already be stopped.
func (e *engine) Close() {
	e.coord.WaitClosed()
	e.journal.Close()
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			slog.Warn("close ledger", "error", err)
		}
	}
}
