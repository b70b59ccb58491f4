package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newIndexCmd creates the `muse index` command group.
func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the retrieval index",
		Long: `Manages the embedding index and the local search index.

Examples:
  muse index rebuild
  muse index stats`,
	}

	cmd.AddCommand(newIndexRebuildCmd(), newIndexStatsCmd())
	return cmd
}

func newIndexRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Re-embed every visible card and sync the local index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := newAssistant(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.RebuildIndex(context.Background())
			if err != nil {
				return fmt.Errorf("rebuilding index: %w", err)
			}
			fmt.Printf("Indexed %d cards.\n", n)
			return nil
		},
	}
}

func newIndexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show local index row counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := newAssistant(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cardRows, postingRows := a.IndexStats()
			fmt.Printf("cards: %d\npostings: %d\n", cardRows, postingRows)
			return nil
		},
	}
}
