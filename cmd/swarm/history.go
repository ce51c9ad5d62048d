package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/aristath/swarm/internal/persistence"
)

var errNoStore = errors.New("no history store configured (set store.path or pass --store)")

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var (
		storePath string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history [batch-id]",
		Short: "List past batches or show the tasks of one batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.cfg.Store.Path
			if cmd.Flags().Changed("store") {
				path = storePath
			}
			if path == "" {
				return errNoStore
			}

			ctx := cmd.Context()
			store, err := persistence.NewSQLiteStore(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				batches, err := store.ListBatches(ctx, limit)
				if err != nil {
					return err
				}
				printBatches(out, batches)
				return nil
			}

			b, err := store.GetBatch(ctx, args[0])
			if err != nil {
				return err
			}
			runs, err := store.ListTaskRuns(ctx, b.ID)
			if err != nil {
				return err
			}
			printTaskRuns(out, b, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "SQLite file for run history")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of batches to list (0 for all)")
	return cmd
}
