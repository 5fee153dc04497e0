package main

import (
	"fmt"
	"os"

	learnhub "github.com/learnhubhq/learnhub-go"
)

// getClient creates a portal client authenticated with the stored token.
func getClient() *learnhub.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'learnhub init <token>' first.")
		os.Exit(1)
	}
	return getClientFromConfig(cfg)
}

// getClientFromConfig creates a portal client from an already-loaded config.
func getClientFromConfig(cfg *Config) *learnhub.Client {
	var opts []learnhub.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, learnhub.WithBaseURL(cfg.Default.BaseURL))
	}
	return learnhub.NewClient(cfg.Default.Token, opts...)
}
