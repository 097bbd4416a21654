package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/tengta119/VoipRecord/internal/audio"
	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/ledger"
	"github.com/tengta119/VoipRecord/internal/metrics"
)

// readErrorBackoff throttles a source that keeps returning non-fatal errors.
const readErrorBackoff = 100 * time.Millisecond

type pendingChunk struct {
	chunk Chunk
	unpin func()
}

// captureWorker turns one audio channel into a sequence of uploaded chunks.
type captureWorker struct {
	c       *Coordinator
	r       *run
	channel string
	src     capture.AudioSource

	index   int
	backlog []pendingChunk
	silent  bool
}

func newCaptureWorker(c *Coordinator, r *run, channel string, src capture.AudioSource) *captureWorker {
	return &captureWorker{c: c, r: r, channel: channel, src: src}
}

func (w *captureWorker) loop(ctx context.Context) {
	defer w.dropBacklog()

	for w.c.recording.Load() {
		pcm, err := w.accumulate(ctx)
		if ctx.Err() != nil || !w.c.recording.Load() {
			// partial window is discarded on stop
			return
		}
		if errors.Is(err, capture.ErrSourceClosed) {
			slog.Error("audio source closed", "session_id", w.r.session.ID, "channel", w.channel)
			w.c.requestStop(w.r, "audio source closed: "+w.channel)
			return
		}
		if len(pcm) == 0 {
			continue
		}
		w.emit(ctx, pcm)
	}
}

// accumulate reads frames until the chunk window elapses. Only a closed
// source or a cancelled session ends the window early; other read errors are
// logged and the window keeps filling.
func (w *captureWorker) accumulate(ctx context.Context) ([]byte, error) {
	windowCtx, cancel := context.WithTimeout(ctx, w.r.session.AudioChunkInterval)
	defer cancel()

	var buf []byte
	for {
		frame, err := w.src.ReadFrame(windowCtx)
		if err == nil {
			buf = append(buf, frame...)
			continue
		}
		if ctx.Err() != nil || errors.Is(err, capture.ErrSourceClosed) {
			return buf, err
		}
		if windowCtx.Err() != nil {
			return buf, nil
		}
		slog.Warn("audio read failed", "session_id", w.r.session.ID, "channel", w.channel, "error", err)
		if sleepCtx(windowCtx, readErrorBackoff) != nil {
			if ctx.Err() != nil {
				return buf, ctx.Err()
			}
			return buf, nil
		}
	}
}

// emit encodes, persists and uploads one chunk. The index advances whatever
// happens to the chunk.
func (w *captureWorker) emit(ctx context.Context, pcm []byte) {
	index := w.index
	w.index++
	sess := w.r.session
	log := slog.With("session_id", sess.ID, "channel", w.channel, "index", index)

	payload, err := audio.EncodeWAV(pcm, audio.DefaultSampleRate, audio.DefaultChannels, audio.DefaultBitsPerSample)
	if err != nil {
		log.Error("chunk encode failed, dropping", "error", err)
		w.fail(index, "", "encode", err)
		return
	}

	level := audio.EnergyDB(pcm)
	metrics.ChunkLevel.WithLabelValues(w.channel).Observe(level)
	if level <= audio.SilenceDB && !w.silent {
		w.silent = true
		log.Warn("channel is producing digital silence; check the capture device")
	}

	path := w.c.store.ChunkPath(sess.ID, index, w.channel, sess.Username)
	// pinned before the file exists so a concurrent sweep never sees it unpinned
	unpin := w.c.store.Pin(path)
	if err = w.c.store.Write(path, payload); err != nil {
		unpin()
		log.Error("chunk persist failed, dropping", "error", err)
		w.fail(index, path, "persist", err)
		return
	}

	chunk := Chunk{Channel: w.channel, Index: index, Payload: payload, LocalPath: path, LevelDB: level}
	metrics.ChunksProduced.WithLabelValues(w.channel).Inc()
	w.r.counters.channel(w.channel, func(cc *ChannelCounts) { cc.Produced++ })
	w.c.journal.Chunk(w.record(chunk, ledger.StatusPersisted, ""))

	if !w.upload(ctx, chunk) {
		w.enqueue(pendingChunk{chunk: chunk, unpin: unpin})
		return
	}
	unpin()
	w.flushBacklog(ctx)
}

func (w *captureWorker) upload(ctx context.Context, chunk Chunk) bool {
	sess := w.r.session
	err := w.c.client.UploadChunk(ctx, sess.ServerURL, sess.ID, chunk.Channel, chunk.Index, chunk.LocalPath)
	if err != nil {
		slog.Warn("chunk upload failed",
			"session_id", sess.ID, "channel", chunk.Channel, "index", chunk.Index, "error", err)
		metrics.ChunksFailed.WithLabelValues(chunk.Channel, "upload").Inc()
		w.c.journal.Chunk(w.record(chunk, ledger.StatusFailed, err.Error()))
		return false
	}
	metrics.ChunksUploaded.WithLabelValues(chunk.Channel).Inc()
	w.r.counters.channel(chunk.Channel, func(cc *ChannelCounts) { cc.Uploaded++ })
	w.c.journal.Chunk(w.record(chunk, ledger.StatusUploaded, ""))
	slog.Debug("chunk uploaded", "session_id", sess.ID, "channel", chunk.Channel, "index", chunk.Index)
	return true
}

// enqueue keeps a failed chunk for another attempt under the requeue policy.
// Under the drop policy, or when the session is ending, the chunk is lost.
func (w *captureWorker) enqueue(p pendingChunk) {
	if w.c.cfg.UploadPolicy != PolicyRequeue || w.r.ctx.Err() != nil {
		w.r.counters.channel(p.chunk.Channel, func(cc *ChannelCounts) { cc.Failed++ })
		p.unpin()
		return
	}
	if len(w.backlog) >= w.c.cfg.RequeueLimit {
		oldest := w.backlog[0]
		w.backlog = w.backlog[1:]
		oldest.unpin()
		w.r.counters.channel(oldest.chunk.Channel, func(cc *ChannelCounts) { cc.Failed++ })
		slog.Warn("requeue backlog full, dropping oldest chunk",
			"session_id", w.r.session.ID, "channel", w.channel, "index", oldest.chunk.Index)
	}
	w.backlog = append(w.backlog, p)
}

// flushBacklog retries queued chunks in order until one fails again.
func (w *captureWorker) flushBacklog(ctx context.Context) {
	for len(w.backlog) > 0 && ctx.Err() == nil {
		p := w.backlog[0]
		if !w.upload(ctx, p.chunk) {
			return
		}
		p.unpin()
		w.backlog = w.backlog[1:]
	}
}

func (w *captureWorker) dropBacklog() {
	for _, p := range w.backlog {
		p.unpin()
		w.r.counters.channel(p.chunk.Channel, func(cc *ChannelCounts) { cc.Failed++ })
	}
	w.backlog = nil
}

func (w *captureWorker) fail(index int, path, stage string, err error) {
	metrics.ChunksFailed.WithLabelValues(w.channel, stage).Inc()
	w.r.counters.channel(w.channel, func(cc *ChannelCounts) { cc.Failed++ })
	w.c.journal.Chunk(ledger.Chunk{
		SessionID: w.r.session.ID,
		Channel:   w.channel,
		Index:     index,
		Path:      path,
		Status:    ledger.StatusFailed,
		Error:     stage + ": " + err.Error(),
	})
}

func (w *captureWorker) record(chunk Chunk, status, errMsg string) ledger.Chunk {
	return ledger.Chunk{
		SessionID: w.r.session.ID,
		Channel:   chunk.Channel,
		Index:     chunk.Index,
		Path:      chunk.LocalPath,
		SizeBytes: int64(len(chunk.Payload)),
		LevelDB:   chunk.LevelDB,
		Status:    status,
		Error:     errMsg,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
