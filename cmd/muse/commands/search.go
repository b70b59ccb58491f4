package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newSearchCmd creates the `muse search` command: retrieval without a
// generation call, useful for checking what the assistant would see.
func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Show the cards retrieval would surface for a query",
		Long: `Runs retrieval over the card corpus and prints the context lines the
assistant would receive, without calling the generation model.

Examples:
  muse search "obsidian crown"
  muse search "who guards the northern pass"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSearch,
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, _, err := newAssistant(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	query := strings.Join(args, " ")
	lines, err := a.Search(context.Background(), query)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Println("No matching cards.")
		return nil
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
