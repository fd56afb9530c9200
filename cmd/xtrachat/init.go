package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initIdentity string
	initBaseURL  string
)

func init() {
	initCmd.Flags().StringVar(&initIdentity, "identity", "", "Identity announced when connecting")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Chat server origin, e.g. https://chat.example.com")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.xtrachat/config.toml",
	Long:  "Initialize xtrachat by storing your access token, and optionally your identity and server, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initIdentity != "" {
			cfg.Auth.Identity = initIdentity
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = defaultBaseURL
		}
		if cfg.Default.Codec == "" {
			cfg.Default.Codec = "json"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
