package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/collector"
	"github.com/tengta119/VoipRecord/internal/ledger"
	"github.com/tengta119/VoipRecord/internal/metrics"
	"github.com/tengta119/VoipRecord/internal/state"
)

// Upload policies for chunks whose upload failed.
const (
	PolicyDrop    = "drop"
	PolicyRequeue = "requeue"
)

// Config holds the recorder's timing and policy knobs.
type Config struct {
	// Used when the server does not negotiate a value.
	DefaultChunkInterval      time.Duration
	DefaultScreenshotInterval time.Duration

	JoinTimeout       time.Duration
	CloseTimeout      time.Duration
	HealthMaxJitter   time.Duration
	ScreenshotQuality int
	UploadPolicy      string
	RequeueLimit      int
}

// DefaultConfig returns the stock recorder settings.
func DefaultConfig() Config {
	return Config{
		DefaultChunkInterval:      4 * time.Second,
		DefaultScreenshotInterval: 10 * time.Second,
		JoinTimeout:               time.Second,
		CloseTimeout:              30 * time.Second,
		HealthMaxJitter:           60 * time.Second,
		ScreenshotQuality:         70,
		UploadPolicy:              PolicyDrop,
		RequeueLimit:              32,
	}
}

// Collector is the subset of the collection server API the recorder uses.
type Collector interface {
	CreateSession(ctx context.Context, baseURL, username string) (*collector.SessionParams, error)
	UploadChunk(ctx context.Context, baseURL, sessionID, channel string, index int, path string) error
	UploadScreenshot(ctx context.Context, baseURL, sessionID string, image []byte) error
	PostHealth(ctx context.Context, baseURL, sessionID, username string) error
	CloseSession(ctx context.Context, baseURL, sessionID string) (*collector.SessionSummary, error)
}

// ChunkStore persists chunk files locally.
type ChunkStore interface {
	ChunkPath(sessionID string, index int, channel, username string) string
	Write(path string, data []byte) error
	Pin(path string) func()
	WriteSummary(sessionID string, summary any) error
}

// Publisher receives recording state transitions.
type Publisher interface {
	Publish(s state.State)
}

// StartRequest carries everything needed to open a session.
type StartRequest struct {
	Username  string
	ServerURL string
	Grant     capture.Grant
}

// run is the live state of one session. Workers only read it.
type run struct {
	session  Session
	ctx      context.Context
	cancel   context.CancelFunc
	sources  *capture.Sources
	counters *counters
	workers  []workerHandle
}

type workerHandle struct {
	name string
	done chan struct{}
}

// Coordinator owns the session lifecycle and supervises the workers.
type Coordinator struct {
	cfg      Config
	acquirer capture.Acquirer
	client   Collector
	store    ChunkStore
	pub      Publisher
	journal  *ledger.Journal

	// recording is the flag every worker loop checks; only Start and Stop write it.
	recording atomic.Bool

	mu      sync.Mutex // serialises Start and Stop
	current *run
	last    atomic.Pointer[run]

	closing sync.WaitGroup
}

// New creates a coordinator. journal may be nil.
func New(cfg Config, acquirer capture.Acquirer, client Collector, store ChunkStore, pub Publisher, journal *ledger.Journal) *Coordinator {
	def := DefaultConfig()
	if cfg.DefaultChunkInterval <= 0 {
		cfg.DefaultChunkInterval = def.DefaultChunkInterval
	}
	if cfg.DefaultScreenshotInterval <= 0 {
		cfg.DefaultScreenshotInterval = def.DefaultScreenshotInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.HealthMaxJitter <= 0 {
		cfg.HealthMaxJitter = def.HealthMaxJitter
	}
	if cfg.ScreenshotQuality <= 0 || cfg.ScreenshotQuality > 100 {
		cfg.ScreenshotQuality = def.ScreenshotQuality
	}
	if cfg.UploadPolicy == "" {
		cfg.UploadPolicy = def.UploadPolicy
	}
	if cfg.RequeueLimit <= 0 {
		cfg.RequeueLimit = def.RequeueLimit
	}
	return &Coordinator{
		cfg:      cfg,
		acquirer: acquirer,
		client:   client,
		store:    store,
		pub:      pub,
		journal:  journal,
	}
}

// Recording reports whether a session is active.
func (c *Coordinator) Recording() bool {
	return c.recording.Load()
}

// Session returns the active session, if any.
func (c *Coordinator) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return c.current.session, true
}

// Counters returns the tallies of the active session, or of the most recent
// one after it stopped.
func (c *Coordinator) Counters() Counters {
	r := c.last.Load()
	if r == nil {
		return newCounters().snapshot()
	}
	return r.counters.snapshot()
}

// Start acquires capture sources, creates a server session and launches the
// workers. It returns once the workers are running or the start failed.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return ErrAlreadyRecording
	}
	c.pub.Publish(state.Starting)

	sources, err := c.acquirer.Acquire(ctx, req.Grant)
	if err != nil {
		metrics.SessionStartFailures.WithLabelValues("capture").Inc()
		c.pub.Publish(state.Fail)
		slog.Error("capture unavailable", "backend", req.Grant.Backend, "error", err)
		return &CaptureUnavailableError{Err: err}
	}

	params, err := c.client.CreateSession(ctx, req.ServerURL, req.Username)
	if err != nil {
		if relErr := sources.Release(); relErr != nil {
			slog.Warn("release capture sources", "error", relErr)
		}
		metrics.SessionStartFailures.WithLabelValues("session_create").Inc()
		c.pub.Publish(state.Fail)
		slog.Error("session create failed", "server", req.ServerURL, "error", err)
		return &SessionCreateError{ServerURL: req.ServerURL, Err: err}
	}

	sess := Session{
		ID:                 params.SessionID,
		Username:           req.Username,
		ServerURL:          req.ServerURL,
		AudioChunkInterval: params.AudioChunkInterval(),
		ScreenshotInterval: params.ScreenshotInterval(),
		StartedAt:          time.Now(),
	}
	if sess.AudioChunkInterval <= 0 {
		sess.AudioChunkInterval = c.cfg.DefaultChunkInterval
	}
	if sess.ScreenshotInterval <= 0 {
		sess.ScreenshotInterval = c.cfg.DefaultScreenshotInterval
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		session:  sess,
		ctx:      runCtx,
		cancel:   cancel,
		sources:  sources,
		counters: newCounters(),
	}
	c.current = r
	c.last.Store(r)
	c.recording.Store(true)

	c.journal.SessionOpened(ledger.Session{
		ID:                 sess.ID,
		Username:           sess.Username,
		ServerURL:          sess.ServerURL,
		AudioChunkInterval: sess.AudioChunkInterval,
		ScreenshotInterval: sess.ScreenshotInterval,
		StartedAt:          sess.StartedAt,
	})

	for _, ch := range sources.Channels() {
		w := newCaptureWorker(c, r, ch, sources.Audio[ch])
		c.spawn(r, "capture-"+ch, w.loop)
	}
	if sources.Screen != nil {
		w := &screenshotWorker{c: c, r: r, src: sources.Screen}
		c.spawn(r, "screenshot", w.loop)
	}
	hw := &healthWorker{c: c, r: r}
	c.spawn(r, "health", hw.loop)

	metrics.SessionsActive.Set(1)
	metrics.SessionsTotal.Inc()
	slog.Info("recording started",
		"session_id", sess.ID, "username", sess.Username,
		"chunk_interval", sess.AudioChunkInterval, "screenshot_interval", sess.ScreenshotInterval,
		"channels", sources.Channels(), "screen", sources.Screen != nil)
	c.pub.Publish(state.Recording)
	return nil
}

func (c *Coordinator) spawn(r *run, name string, fn func(ctx context.Context)) {
	done := make(chan struct{})
	r.workers = append(r.workers, workerHandle{name: name, done: done})
	go func() {
		defer close(done)
		fn(r.ctx)
	}()
}

// Stop ends the active session. Calling it with no session is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	c.stopLocked(ctx, c.current)
	return nil
}

// requestStop ends r from inside a worker without waiting for it.
func (c *Coordinator) requestStop(r *run, reason string) {
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current != r {
			return
		}
		slog.Warn("stopping session", "session_id", r.session.ID, "reason", reason)
		c.stopLocked(context.Background(), r)
	}()
}

func (c *Coordinator) stopLocked(ctx context.Context, r *run) {
	c.pub.Publish(state.Stopping)
	c.recording.Store(false)
	r.cancel()

	c.join(ctx, r)

	if err := r.sources.Release(); err != nil {
		slog.Warn("release capture sources", "session_id", r.session.ID, "error", err)
	}
	c.current = nil
	metrics.SessionsActive.Set(0)

	c.closeAsync(r)

	counts := r.counters.snapshot()
	slog.Info("recording stopped",
		"session_id", r.session.ID,
		"chunks_uploaded", counts.TotalUploaded(),
		"screenshots_uploaded", counts.ScreenshotsUploaded)
	c.pub.Publish(state.Idle)
}

// join waits for each worker for at most JoinTimeout. Workers that overrun are
// abandoned; their context is already cancelled.
func (c *Coordinator) join(ctx context.Context, r *run) {
	for _, w := range r.workers {
		timer := time.NewTimer(c.cfg.JoinTimeout)
		select {
		case <-w.done:
		case <-timer.C:
			slog.Warn("worker did not stop in time, abandoning", "session_id", r.session.ID, "worker", w.name)
		case <-ctx.Done():
			slog.Warn("stop cancelled while joining worker", "session_id", r.session.ID, "worker", w.name)
		}
		timer.Stop()
	}
}

func (c *Coordinator) closeAsync(r *run) {
	c.closing.Add(1)
	go func() {
		defer c.closing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		defer cancel()

		sess := r.session
		summary, err := c.client.CloseSession(ctx, sess.ServerURL, sess.ID)
		endedAt := time.Now()
		if err != nil {
			slog.Error("session close failed", "session_id", sess.ID, "error", err)
			c.journal.SessionEnded(sess.ID, endedAt)
			return
		}

		local := r.counters.snapshot()
		attrs := []any{
			"session_id", sess.ID,
			"server_chunks", summary.TotalAudioChunks,
			"local_chunks", local.TotalUploaded(),
			"images_received", summary.ImagesReceived,
			"duration", summary.SessionDuration,
		}
		if summary.TotalAudioChunks != local.TotalUploaded() {
			slog.Warn("session closed with chunk count mismatch", attrs...)
		} else {
			slog.Info("session closed", attrs...)
		}

		raw, _ := json.Marshal(summary)
		c.journal.SessionClosed(sess.ID, endedAt, summary.TotalAudioChunks, summary.ImagesReceived, string(raw))
		if err := c.store.WriteSummary(sess.ID, summary); err != nil {
			slog.Warn("write session summary", "session_id", sess.ID, "error", err)
		}
	}()
}

// WaitClosed blocks until every pending session close has finished.
func (c *Coordinator) WaitClosed() {
	c.closing.Wait()
}
