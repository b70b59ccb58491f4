package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/storydeck/muse/pkg/muse/assistant"
)

// newConfigCmd creates the `muse config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage muse configuration and credentials",
		Long: `Manages the muse configuration file and API credentials. Keys go to
the OS keyring or an encrypted vault, never into the YAML in plaintext.

Examples:
  muse config init
  muse config show
  muse config set-key
  muse config vault-init
  muse config vault-set GEMINI_API_KEY`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigVaultInitCmd(),
		newConfigVaultSetCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default muse.yaml in the current directory",
		RunE: func(_ *cobra.Command, _ []string) error {
			const path = "muse.yaml"
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := assistant.SaveConfigToFile(assistant.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Created %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Never print resolved secrets.
			shown := *cfg
			if shown.API.APIKey != "" && !assistant.IsEnvReference(shown.API.APIKey) {
				shown.API.APIKey = "(set)"
			}
			if shown.Embedding.APIKey != "" && !assistant.IsEnvReference(shown.Embedding.APIKey) {
				shown.Embedding.APIKey = "(set)"
			}

			data, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

// newConfigSetKeyCmd stores the generation API key in the OS keyring.
func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !assistant.KeyringAvailable() {
				return fmt.Errorf("OS keyring unavailable; use 'muse config vault-init' instead")
			}

			key, err := assistant.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := assistant.StoreKeyring("api_key", key); err != nil {
				return fmt.Errorf("storing key: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault-init",
		Short: "Create an encrypted credential vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			vault := assistant.NewVault(assistant.VaultFile)
			if vault.Exists() {
				return fmt.Errorf("vault already exists at %s", assistant.VaultFile)
			}

			password, err := assistant.ReadPassword("New vault password: ")
			if err != nil {
				return err
			}
			confirm, err := assistant.ReadPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if password == "" || password != confirm {
				return fmt.Errorf("passwords empty or mismatched")
			}

			if err := vault.Create(password); err != nil {
				return err
			}
			fmt.Printf("Vault created at %s\n", assistant.VaultFile)
			return nil
		},
	}
}

func newConfigVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault-set <name>",
		Short: "Store a secret in the vault (e.g. MUSE_API_KEY)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vault := assistant.NewVault(assistant.VaultFile)
			if !vault.Exists() {
				return fmt.Errorf("no vault found; run 'muse config vault-init' first")
			}

			password, err := assistant.ReadPassword("Vault password: ")
			if err != nil {
				return err
			}
			if err := vault.Unlock(password); err != nil {
				return err
			}
			defer vault.Lock()

			value, err := assistant.ReadPassword(fmt.Sprintf("Value for %s: ", args[0]))
			if err != nil {
				return err
			}
			if err := vault.Set(args[0], value); err != nil {
				return err
			}
			fmt.Printf("Stored %s in the vault.\n", args[0])
			return nil
		},
	}
}
