package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_sessions_active",
		Help: "Currently active recording sessions (0 or 1)",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_sessions_total",
		Help: "Recording sessions started successfully",
	})

	SessionStartFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_session_start_failures_total",
		Help: "Session starts aborted, by reason",
	}, []string{"reason"})

	ChunksProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_chunks_produced_total",
		Help: "Audio chunks encoded and persisted, by channel",
	}, []string{"channel"})

	ChunksUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_chunks_uploaded_total",
		Help: "Audio chunks accepted by the collection server, by channel",
	}, []string{"channel"})

	ChunksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_chunks_failed_total",
		Help: "Audio chunks dropped, by channel and stage",
	}, []string{"channel", "stage"})

	ChunkLevel = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recorder_chunk_level_dbfs",
		Help:    "RMS level of each emitted chunk",
		Buckets: []float64{-90, -70, -60, -50, -40, -30, -20, -10, 0},
	}, []string{"channel"})

	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recorder_upload_duration_seconds",
		Help:    "Collection server call latency, including transport retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"kind"})

	TransportRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_transport_retries_total",
		Help: "HTTP attempts retried after a transport-level failure",
	})

	ScreenshotsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_screenshots_uploaded_total",
		Help: "Screenshots accepted by the collection server",
	})

	ScreenshotsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_screenshots_skipped_total",
		Help: "Screenshot cycles that produced no upload, by reason",
	}, []string{"reason"})

	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_heartbeats_total",
		Help: "Health heartbeats by outcome",
	}, []string{"outcome"})

	SweepDeletedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_sweep_deleted_files_total",
		Help: "Local chunk files evicted by the retention sweep",
	})

	SweepDeletedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_sweep_deleted_bytes_total",
		Help: "Bytes reclaimed by the retention sweep",
	})

	StoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_store_bytes",
		Help: "Total size of local chunk files after the last sweep",
	})
)
