package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync"
)

const defaultBaseURL = "http://localhost:3000"

// mustConfig loads the effective config and exits when no token is set.
func mustConfig() *Config {
	cfg, err := effectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'xtrachat init <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		cfg.Default.BaseURL = defaultBaseURL
	}
	return cfg
}

// getClient creates a REST client authenticated with the stored token.
func getClient() *chatsync.Client {
	cfg := mustConfig()
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token)
}

// newSession builds a session on the WebSocket transport, seeded from the
// REST history service. Nothing is dialed until Connect.
func newSession(cfg *Config, log *slog.Logger) (*chatsync.Session, error) {
	tr := chatsync.NewWSTransport(cfg.Default.BaseURL, cfg.Auth.Token)
	tr.Logger = log
	if cfg.Default.Codec == "cbor" {
		codec, err := chatsync.NewCBORCodec()
		if err != nil {
			return nil, err
		}
		tr.Codec = codec
	}
	client := chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token)
	return chatsync.New(tr,
		chatsync.WithHistory(client.Conversations),
		chatsync.WithLogger(log),
	)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// apiError formats REST envelope errors the way the server reports them.
func apiError(err error) error {
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("API error: %s: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("request failed: %w", err)
}
