package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tengta119/VoipRecord/internal/capture"
	"github.com/tengta119/VoipRecord/internal/collector"
	"github.com/tengta119/VoipRecord/internal/output"
	"github.com/tengta119/VoipRecord/internal/recorder"
	"github.com/tengta119/VoipRecord/internal/state"
)

func newRecordCmd(a *app) *cobra.Command {
	var (
		username string
		server   string
		backend  string
		noScreen bool
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one session in the foreground until Ctrl+C",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if username == "" {
				username = cfg.Server.Username
			}
			if server == "" {
				server = cfg.Server.URL
			}
			if username == "" || server == "" {
				return errors.New("a username and a server URL are required (flags or config)")
			}
			if backend == "" {
				backend = cfg.Capture.Backend
			}

			e, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			f := output.NewFormatter(cmd.OutOrStdout())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			events, unsubscribe := e.pub.Subscribe()
			defer unsubscribe()

			err = e.coord.Start(ctx, recorder.StartRequest{
				Username:  username,
				ServerURL: server,
				// running the command is the user's consent to capture
				Grant: capture.Grant{Token: "cli", Backend: backend, Screen: !noScreen},
			})
			if err != nil {
				return err
			}
			sess, _ := e.coord.Session()
			f.RecordingStarted(sess)

			var deadline <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				deadline = timer.C
			}
			waitForEnd(ctx, events, deadline)

			if err := e.coord.Stop(context.Background()); err != nil {
				return err
			}
			e.coord.WaitClosed()
			f.RecordingStopped(time.Since(sess.StartedAt), e.coord.Counters())

			var summary collector.SessionSummary
			if err := e.store.ReadSummary(sess.ID, &summary); err == nil {
				f.SessionSummary(&summary)
			} else {
				f.Warning("server did not confirm the session close")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "user", "u", "", "username reported to the server")
	cmd.Flags().StringVarP(&server, "server", "s", "", "collection server base URL")
	cmd.Flags().StringVar(&backend, "backend", "", "capture backend: ffmpeg or synthetic")
	cmd.Flags().BoolVar(&noScreen, "no-screen", false, "do not capture screenshots")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 records until interrupted)")
	return cmd
}

// waitForEnd returns on interrupt, at the deadline, or when the session ends
// on its own.
func waitForEnd(ctx context.Context, events <-chan state.Event, deadline <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case ev, ok := <-events:
			if !ok || ev.State == state.Idle {
				return
			}
		}
	}
}
