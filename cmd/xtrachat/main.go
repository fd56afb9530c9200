package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.xtrachat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Codec   string `toml:"codec"`
}

// ConfigAuth holds the bearer token and the identity announced on connect.
type ConfigAuth struct {
	Token        string `toml:"token"`
	Identity     string `toml:"identity"`
	TokenExpires string `toml:"token_expires"`
}

// envOverrides are read after an optional .env file and win over the
// config file. They are never written back.
type envOverrides struct {
	BaseURL  string `env:"XTRACHAT_BASE_URL"`
	Codec    string `env:"XTRACHAT_CODEC"`
	Token    string `env:"XTRACHAT_TOKEN"`
	Identity string `env:"XTRACHAT_IDENTITY"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.xtrachat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".xtrachat")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
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

// effectiveConfig is the config file with environment overrides applied.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays XTRACHAT_* variables, after an optional .env file, and
// returns the names of the variables that replaced a value.
func applyEnv(cfg *Config) ([]string, error) {
	_ = godotenv.Load()
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	var applied []string
	override := func(dst *string, v, name string) {
		if v != "" {
			*dst = v
			applied = append(applied, name)
		}
	}
	override(&cfg.Default.BaseURL, o.BaseURL, "XTRACHAT_BASE_URL")
	override(&cfg.Default.Codec, o.Codec, "XTRACHAT_CODEC")
	override(&cfg.Auth.Token, o.Token, "XTRACHAT_TOKEN")
	override(&cfg.Auth.Identity, o.Identity, "XTRACHAT_IDENTITY")
	return applied, nil
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "codec":
			if value != "json" && value != "cbor" {
				return fmt.Errorf("codec must be json or cbor")
			}
			cfg.Default.Codec = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "identity":
			cfg.Auth.Identity = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "xtrachat",
	Short: "xtrawrkx chat CLI",
	Long:  "Command-line client for xtrawrkx conversations.\nBrowse conversations and history, upload files, and chat in real time.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
