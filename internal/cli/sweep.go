package cli

import (
	"github.com/spf13/cobra"

	"github.com/tengta119/VoipRecord/internal/output"
	"github.com/tengta119/VoipRecord/internal/storage"
)

func newSweepCmd(a *app) *cobra.Command {
	var maxBytes int64

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass over the chunk directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("max-bytes") {
				maxBytes = a.cfg.Storage.MaxBytes
			}
			store, err := storage.NewStore(a.cfg.Storage.ChunkDir)
			if err != nil {
				return err
			}
			res, err := storage.NewSweeper(store, maxBytes).Sweep()
			if err != nil {
				return err
			}
			output.NewFormatter(cmd.OutOrStdout()).SweepResult(res)
			return nil
		},
	}

	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "byte ceiling for this pass (default storage.max_bytes)")
	return cmd
}
