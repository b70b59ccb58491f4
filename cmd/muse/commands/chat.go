package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/storydeck/muse/pkg/muse/assistant"
)

// newChatCmd creates the `muse chat` command.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant about your story",
		Long: `Starts a conversation with the assistant. Send a single message as an
argument, or run without arguments for an interactive session.

Examples:
  muse chat "Where would Senna set the ambush?"
  muse chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "chat model to use (e.g. gpt-4o-mini)")
	cmd.Flags().Bool("usage", false, "print token usage after each answer")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Model = model
	}

	logger := newLogger(cmd)
	assistant.ResolveAPIKey(cfg, logger)

	a, err := assistant.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	showUsage, _ := cmd.Flags().GetBool("usage")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		return askOnce(ctx, a, args[0], showUsage)
	}
	return chatLoop(ctx, a, showUsage)
}

// askOnce answers a single message and exits.
func askOnce(ctx context.Context, a *assistant.Assistant, message string, showUsage bool) error {
	resp, err := a.Ask(ctx, message)
	if err != nil {
		return err
	}
	fmt.Println(resp.Text)
	if showUsage {
		fmt.Println(assistant.FormatUsage(resp.Usage))
	}
	return nil
}

// chatLoop runs the interactive REPL.
func chatLoop(ctx context.Context, a *assistant.Assistant, showUsage bool) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "muse> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	fmt.Println("Muse is ready. Ask about your story; /quit to exit.")
	if turns := len(a.Thread().Turns); turns > 0 {
		fmt.Printf("Resuming session with %d earlier turns.\n", turns)
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		message := strings.TrimSpace(line)
		switch message {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		resp, err := a.Ask(ctx, message)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		fmt.Println()
		fmt.Println(resp.Text)
		if showUsage {
			fmt.Println(assistant.FormatUsage(resp.Usage))
		}
		fmt.Println()
	}
}
