package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	Long:  "Display the effective configuration, check if the token is expired, and ping the chat server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, defaultBaseURL+" (default)"))
		fmt.Printf("  Codec:       %s\n", valueOrDefault(cfg.Default.Codec, "json"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Identity:    %s\n", valueOrDefault(cfg.Auth.Identity, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (no expiry set)"
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus = fmt.Sprintf("valid (expires %s)", humanize.Time(expires))
				default:
					tokenStatus = color.Red.Sprintf("EXPIRED (%s)", humanize.Time(expires))
				}
			}
			fmt.Printf("  Token:       %s %s\n", maskKey(cfg.Auth.Token), tokenStatus)
		} else {
			fmt.Printf("  Token:       %s\n", tokenStatus)
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		base := valueOrDefault(cfg.Default.BaseURL, defaultBaseURL)
		client := chatsync.NewClient(base, cfg.Auth.Token)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Chat service: %s\n", color.Red.Sprint("UNHEALTHY"))
			fmt.Printf("  Error:        %v\n", err)
			return nil
		}
		fmt.Printf("  Chat service: %s (%s)\n", color.Green.Sprint("HEALTHY"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Realtime URL: %s\n", chatsync.NewWSTransport(base, "").URL())
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
