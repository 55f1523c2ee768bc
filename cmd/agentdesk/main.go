package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.agentdesk/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	State   ConfigState   `toml:"state"`
	Watch   ConfigWatch   `toml:"watch"`
}

// ConfigDefault holds the API connection settings.
type ConfigDefault struct {
	Token     string `toml:"token"`
	BaseURL   string `toml:"base_url"`
	Workspace string `toml:"workspace"`
}

// ConfigState locates the local state database.
type ConfigState struct {
	DB string `toml:"db"`
}

// ConfigWatch holds defaults for the watch command.
type ConfigWatch struct {
	Transport     string `toml:"transport"`
	Listen        string `toml:"listen"`
	WebhookSecret string `toml:"webhook_secret"`
}

// Environment variables that override the config file.
const (
	envToken     = "AGENTDESK_TOKEN"
	envBaseURL   = "AGENTDESK_BASE_URL"
	envWorkspace = "AGENTDESK_WORKSPACE"
	envStateDB   = "AGENTDESK_STATE_DB"
	envSecret    = "AGENTDESK_WEBHOOK_SECRET"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.agentdesk, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".agentdesk")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile reads and parses the config file without environment
// overrides. A missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file, then applies .env and environment
// overrides. Use readConfigFile for commands that write the file back.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&cfg.Default.Token, envToken)
	override(&cfg.Default.BaseURL, envBaseURL)
	override(&cfg.Default.Workspace, envWorkspace)
	override(&cfg.State.DB, envStateDB)
	override(&cfg.Watch.WebhookSecret, envSecret)
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "workspace":
			cfg.Default.Workspace = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "state":
		switch field {
		case "db":
			cfg.State.DB = value
		default:
			return fmt.Errorf("unknown field %q in section [state]", field)
		}
	case "watch":
		switch field {
		case "transport":
			if value != "ws" && value != "sse" {
				return fmt.Errorf("transport must be ws or sse")
			}
			cfg.Watch.Transport = value
		case "listen":
			cfg.Watch.Listen = value
		case "webhook_secret":
			cfg.Watch.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [watch]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, state, watch)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "agentdesk",
	Short: "Agent console sync CLI",
	Long:  "Command-line interface for the agent console sync engine.\nManage configuration, persist the conversation filter, and watch a live workspace.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
