package recorder

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tengta119/VoipRecord/internal/metrics"
)

// healthWorker posts a heartbeat, then sleeps a random duration below
// HealthMaxJitter so clients do not beat in lockstep.
type healthWorker struct {
	c *Coordinator
	r *run
}

func (w *healthWorker) loop(ctx context.Context) {
	sess := w.r.session
	for w.c.recording.Load() {
		if err := w.c.client.PostHealth(ctx, sess.ServerURL, sess.ID, sess.Username); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.Heartbeats.WithLabelValues("failed").Inc()
			w.r.counters.update(func(c *Counters) { c.HeartbeatFailures++ })
			slog.Warn("heartbeat failed", "session_id", sess.ID, "error", err)
		} else {
			metrics.Heartbeats.WithLabelValues("ok").Inc()
			w.r.counters.update(func(c *Counters) { c.Heartbeats++ })
		}

		if sleepCtx(ctx, jitter(w.c.cfg.HealthMaxJitter)) != nil {
			return
		}
	}
}

// jitter returns a random duration in [0, limit).
func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
