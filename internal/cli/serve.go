package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tengta119/VoipRecord/internal/control"
	"github.com/tengta119/VoipRecord/internal/recorder"
	"github.com/tengta119/VoipRecord/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control server and wait for start/stop requests",
		Long: "serve exposes the recording control API, a websocket state stream and Prometheus " +
			"metrics, and keeps the chunk directory under its size ceiling.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if listen != "" {
				cfg.ListenAddr = listen
			}

			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			signals := make(chan recorder.Signal)
			runDone := make(chan struct{})
			go func() {
				defer close(runDone)
				if err := e.coord.Run(ctx, signals); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("coordinator stopped", "error", err)
				}
			}()

			if cfg.Storage.MaxBytes > 0 && cfg.Storage.SweepInterval.Duration > 0 {
				go storage.NewSweeper(e.store, cfg.Storage.MaxBytes).Run(ctx, cfg.Storage.SweepInterval.Duration)
			}

			srv := &http.Server{
				Addr: cfg.ListenAddr,
				Handler: control.New(control.Config{
					Signals:          signals,
					Status:           e.coord,
					Events:           e.pub,
					DefaultServerURL: cfg.Server.URL,
					DefaultUsername:  cfg.Server.Username,
					Backend:          cfg.Capture.Backend,
				}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				slog.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			slog.Info("control server starting",
				"addr", cfg.ListenAddr, "backend", cfg.Capture.Backend,
				"chunk_dir", cfg.Storage.ChunkDir, "upload_policy", cfg.Recorder.UploadPolicy)

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-runDone
				return errors.Wrap(err, "control server")
			}
			<-runDone
			slog.Info("control server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}
