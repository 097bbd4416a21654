package recorder

import (
	"bytes"
	"context"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/ledger"
	"github.com/tengta119/VoipRecord/internal/metrics"
)

// screenshotWorker samples the screen every ScreenshotInterval. Frames are
// independent, so a missed or failed one is simply skipped.
type screenshotWorker struct {
	c   *Coordinator
	r   *run
	src capture.ScreenSource
}

func (w *screenshotWorker) loop(ctx context.Context) {
	sess := w.r.session
	for w.c.recording.Load() {
		if sleepCtx(ctx, sess.ScreenshotInterval) != nil || !w.c.recording.Load() {
			return
		}

		img, err := w.src.AcquireLatestFrame()
		if errors.Is(err, capture.ErrSourceClosed) {
			slog.Warn("screen source closed, screenshots stop for this session", "session_id", sess.ID)
			return
		}
		if err != nil {
			metrics.ScreenshotsSkipped.WithLabelValues("capture_error").Inc()
			slog.Warn("screen capture failed", "session_id", sess.ID, "error", err)
			continue
		}
		if img == nil {
			metrics.ScreenshotsSkipped.WithLabelValues("no_frame").Inc()
			continue
		}

		shot := Screenshot{CapturedAt: time.Now()}
		var buf bytes.Buffer
		if err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.c.cfg.ScreenshotQuality}); err != nil {
			metrics.ScreenshotsSkipped.WithLabelValues("encode_error").Inc()
			slog.Warn("screenshot encode failed", "session_id", sess.ID, "error", err)
			continue
		}
		shot.Image = buf.Bytes()

		w.upload(ctx, shot)
	}
}

func (w *screenshotWorker) upload(ctx context.Context, shot Screenshot) {
	sess := w.r.session
	rec := ledger.Screenshot{SessionID: sess.ID, SizeBytes: int64(len(shot.Image)), CapturedAt: shot.CapturedAt}

	if err := w.c.client.UploadScreenshot(ctx, sess.ServerURL, sess.ID, shot.Image); err != nil {
		metrics.ScreenshotsSkipped.WithLabelValues("upload_error").Inc()
		w.r.counters.update(func(c *Counters) { c.ScreenshotsFailed++ })
		slog.Warn("screenshot upload failed", "session_id", sess.ID, "error", err)
		rec.Status, rec.Error = ledger.StatusFailed, err.Error()
		w.c.journal.Screenshot(rec)
		return
	}

	metrics.ScreenshotsUploaded.Inc()
	w.r.counters.update(func(c *Counters) { c.ScreenshotsUploaded++ })
	rec.Status = ledger.StatusUploaded
	w.c.journal.Screenshot(rec)
}
