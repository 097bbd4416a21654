package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tengta119/VoipRecord/internal/output"
	"github.com/tengta119/VoipRecord/internal/storage"
)

const pingTimeout = 5 * time.Second

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			f := output.NewFormatter(cmd.OutOrStdout())
			ok := true
			check := func(name string, pass bool, detail string) {
				f.Check(name, pass, detail)
				ok = ok && pass
			}

			if cfg.Path != "" {
				f.Check("Config", true, cfg.Path)
			} else {
				f.Check("Config", true, "defaults (no config file found)")
			}

			if cfg.Capture.Backend == "ffmpeg" {
				if err := newFFmpeg(cfg).CheckFFmpeg(); err != nil {
					check("ffmpeg", false, err.Error())
				} else {
					check("ffmpeg", true, cfg.Capture.FFmpeg)
				}
				check("Audio devices", cfg.Capture.UplinkDevice != "" || cfg.Capture.DownlinkDevice != "",
					fmt.Sprintf("uplink %q, downlink %q", cfg.Capture.UplinkDevice, cfg.Capture.DownlinkDevice))
			} else {
				f.Check("Capture", true, "synthetic backend, no devices needed")
			}

			if _, err := storage.NewStore(cfg.Storage.ChunkDir); err != nil {
				check("Chunk directory", false, err.Error())
			} else {
				check("Chunk directory", true, fmt.Sprintf("%s (ceiling %s)", cfg.Storage.ChunkDir, output.FormatBytes(cfg.Storage.MaxBytes)))
			}

			if db, err := openLedger(cfg); err != nil {
				check("Ledger", false, err.Error())
			} else if db == nil {
				f.Check("Ledger", true, "disabled")
			} else {
				check("Ledger", true, db.Driver())
				db.Close()
			}

			if cfg.Server.URL == "" {
				check("Collection server", false, "not set. Set VOIPRECORD_SERVER_URL or server.url")
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
				status, err := newClient(cfg).Ping(ctx, cfg.Server.URL)
				cancel()
				if err != nil {
					check("Collection server", false, err.Error())
				} else {
					check("Collection server", true, fmt.Sprintf("%s (HTTP %d)", cfg.Server.URL, status))
				}
			}

			if ok {
				f.Success("All prerequisites met. Ready to record!")
			} else {
				f.Warning("Some prerequisites are missing.")
			}
			return nil
		},
	}
}
