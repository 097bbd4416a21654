package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tengta119/VoipRecord/internal/config"
	"github.com/tengta119/VoipRecord/internal/version"
)

// app carries the state shared by every subcommand. cfg is loaded in the
// root's PersistentPreRunE, after flags are parsed.
type app struct {
	configPath string
	verbose    bool
	cfg        *config.Config

	stderr io.Writer
}

func NewRootCmd() *cobra.Command {
	a := &app{stderr: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "voiprecord",
		Short: "Capture VoIP call audio and screen and upload it to a collection server",
		Long: "voiprecord records both sides of a call as fixed-length WAV chunks, takes periodic " +
			"screenshots, and streams everything to a collection server while keeping a local copy.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/voiprecord/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "human-readable debug logging on stderr")

	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newRecordCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	rootCmd.AddCommand(newSweepCmd(a))
	rootCmd.AddCommand(newDoctorCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
