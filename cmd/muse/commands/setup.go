package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/storydeck/muse/pkg/muse/assistant"
)

// newSetupCmd creates the `muse setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walks through creating your initial muse.yaml: model, endpoint,
workspace location and API key storage. Keys go to the OS keyring or an
encrypted vault, never into the YAML in plaintext.

Examples:
  muse setup`,
		RunE: runSetup,
	}
}

// keyStorage is where the wizard puts the API key.
type keyStorage string

const (
	storageKeyring keyStorage = "keyring"
	storageVault   keyStorage = "vault"
	storageEnv     keyStorage = "env"
)

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := assistant.DefaultConfig()
	storage := storageKeyring
	if !assistant.KeyringAvailable() {
		storage = storageVault
	}
	var apiKey string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Chat model").
				Description("Any model your endpoint serves.").
				Placeholder(cfg.Model).
				Value(&cfg.Model),
			huh.NewInput().
				Title("API base URL").
				Description("OpenAI-compatible chat completions endpoint.").
				Placeholder(cfg.API.BaseURL).
				Value(&cfg.API.BaseURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Parent directory holding one subdirectory per story.").
				Placeholder(cfg.Workspace.Root).
				Value(&cfg.Workspace.Root),
			huh.NewSelect[string]().
				Title("Embedding provider").
				Description("Semantic retrieval; 'none' falls back to keyword search.").
				Options(
					huh.NewOption("Gemini", "gemini"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("None (keyword search only)", "none"),
				).
				Value(&cfg.Embedding.Provider),
		),
		huh.NewGroup(
			huh.NewSelect[keyStorage]().
				Title("API key storage").
				Options(
					huh.NewOption("OS keyring", storageKeyring),
					huh.NewOption("Encrypted vault", storageVault),
					huh.NewOption("Environment variable (MUSE_API_KEY)", storageEnv),
				).
				Value(&storage),
			huh.NewInput().
				Title("API key").
				Description("Leave empty to set it later with 'muse config set-key'.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
	).WithShowHelp(true)

	if err := form.Run(); err != nil {
		return err
	}

	if apiKey != "" {
		if err := storeKey(storage, apiKey); err != nil {
			return err
		}
	}
	if storage == storageEnv {
		cfg.API.APIKey = "${MUSE_API_KEY}"
	}

	const path = "muse.yaml"
	if err := assistant.SaveConfigToFile(cfg, path); err != nil {
		return err
	}

	fmt.Printf("\nWrote %s. Put your cards in %s/<workspace>/cards.json and run 'muse chat'.\n",
		path, cfg.Workspace.Root)
	return nil
}

// storeKey saves the API key to the chosen backend.
func storeKey(storage keyStorage, apiKey string) error {
	switch storage {
	case storageKeyring:
		if err := assistant.StoreKeyring("api_key", apiKey); err != nil {
			return fmt.Errorf("storing key in keyring: %w", err)
		}
		fmt.Println("API key stored in the OS keyring.")

	case storageVault:
		vault := assistant.NewVault(assistant.VaultFile)
		password, err := assistant.ReadPassword("New vault password: ")
		if err != nil {
			return err
		}
		if vault.Exists() {
			if err := vault.Unlock(password); err != nil {
				return err
			}
		} else if err := vault.Create(password); err != nil {
			return err
		}
		defer vault.Lock()
		if err := vault.Set("MUSE_API_KEY", apiKey); err != nil {
			return err
		}
		fmt.Println("API key stored in the encrypted vault.")

	case storageEnv:
		fmt.Println("Export MUSE_API_KEY before running muse.")
	}
	return nil
}
