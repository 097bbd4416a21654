package cli

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tengta119/VoipRecord/internal/output"
	"github.com/tengta119/VoipRecord/internal/storage"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		format string
		files  bool
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List recorded sessions, the chunks of one session, or chunk files on disk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !output.ValidFormat(format) {
				return errors.Errorf("unknown format %q (table, yaml, json)", format)
			}
			f := output.NewFormatter(cmd.OutOrStdout())

			if files {
				store, err := storage.NewStore(a.cfg.Storage.ChunkDir)
				if err != nil {
					return err
				}
				entries, err := store.History(limit)
				if err != nil {
					return err
				}
				return f.Files(format, entries)
			}

			db, err := openLedger(a.cfg)
			if err != nil {
				return err
			}
			if db == nil {
				return errors.New("no ledger configured; use --files to list chunk files on disk")
			}
			defer db.Close()

			if len(args) == 1 {
				chunks, err := db.SessionChunks(args[0])
				if err != nil {
					return err
				}
				return f.Chunks(format, chunks)
			}
			sessions, total, err := db.ListSessions(limit, offset)
			if err != nil {
				return err
			}
			return f.Sessions(format, sessions, total)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatTable, "output format: table, yaml or json")
	cmd.Flags().BoolVar(&files, "files", false, "list chunk files on disk instead of ledger sessions")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many sessions")
	return cmd
}
