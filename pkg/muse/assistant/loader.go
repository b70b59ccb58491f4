// Package assistant – loader.go reads the YAML configuration, loading .env
// files and expanding environment variable references before parsing.
package assistant

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/storydeck/muse/pkg/muse/memory"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and bare $VAR references in
// config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file. .env files
// are loaded first so ${VAR} references in the YAML resolve against them.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := ParseConfig([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveWorkspaceRoot(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.Budgets = cfg.Budgets.Effective()

	defaults := memory.DefaultProviderConfig()
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = defaults.Provider
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = defaults.Model
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = defaults.Dimensions
	}
	if cfg.Embedding.Timeout <= 0 {
		cfg.Embedding.Timeout = defaults.Timeout
	}
	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML. A literal API key is replaced
// with an env var reference when one matches, so real keys don't land in the
// file. A .bak copy of the previous file is kept.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, "MUSE_API_KEY")
	sanitized.Embedding.APIKey = sanitizeSecret(cfg.Embedding.APIKey, "GEMINI_API_KEY")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"muse.yaml",
		"muse.yml",
		"config.yaml",
		"config.yml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "muse", "muse.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env files. godotenv never overwrites variables that
// are already set in the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default} and $VAR references with
// their environment values. Unset variables without a default keep the
// placeholder so resolveSecrets can still detect them.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, defaultVal, bareVar := sub[1], sub[2], sub[3]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if strings.Contains(match, ":-") {
			return defaultVal
		}
		return match
	})
}

// resolveSecrets fills empty or unresolved secrets from the environment.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		for _, env := range []string{"MUSE_API_KEY", "OPENAI_API_KEY"} {
			if key := os.Getenv(env); key != "" {
				cfg.API.APIKey = key
				break
			}
		}
	}
	if cfg.Embedding.APIKey == "" || IsEnvReference(cfg.Embedding.APIKey) {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.Embedding.APIKey = key
		}
	}
}

// resolveWorkspaceRoot makes the workspace root absolute relative to the
// config file, so muse behaves the same from any working directory.
func resolveWorkspaceRoot(cfg *Config, configPath string) {
	root := cfg.Workspace.Root
	if root == "" {
		root = "."
	}
	if strings.HasPrefix(root, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, root[2:])
		}
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(configPath), root)
	}
	cfg.Workspace.Root = root
}

// sanitizeSecret replaces a literal secret with an env var reference when
// that variable currently holds the same value.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference reports whether s is an unresolved env var reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns when the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
