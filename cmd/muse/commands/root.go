// Package commands implements the muse CLI commands using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/storydeck/muse/pkg/muse/assistant"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "muse",
		Short: "Muse - writing assistant for card-based scenarios",
		Long: `Muse is a writing assistant that grounds its answers in your story
cards: characters, locations, plot beats. It retrieves the cards relevant to
each question and keeps its answers consistent with them.

Examples:
  muse chat "What does the villain want?"
  muse search "obsidian crown"
  muse index rebuild
  muse config set-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newSearchCmd(),
		newIndexCmd(),
		newConfigCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace name (default from config)")

	return rootCmd
}

// resolveConfig loads the config file from --config or the standard locations.
func resolveConfig(cmd *cobra.Command) (*assistant.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = assistant.FindConfigFile()
	}
	if path == "" {
		return assistant.DefaultConfig(), nil
	}

	cfg, err := assistant.LoadConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	if ws, _ := cmd.Root().PersistentFlags().GetString("workspace"); ws != "" {
		cfg.Workspace.Name = ws
	}
	return cfg, nil
}

// newLogger builds the CLI logger. Text to stderr so command output on
// stdout stays clean.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newAssistant loads config, resolves credentials and builds the assistant.
func newAssistant(cmd *cobra.Command) (*assistant.Assistant, *slog.Logger, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd)

	assistant.ResolveAPIKey(cfg, logger)

	a, err := assistant.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}
