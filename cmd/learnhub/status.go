package main

import (
	"context"
	"fmt"
	"time"

	learnhub "github.com/learnhubhq/learnhub-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and portal status",
	Long:  "Display the current configuration, check if the session token is expired, and ping the portal API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		} else {
			fmt.Printf("  Base URL:    %s (default)\n", learnhub.DefaultBaseURL)
		}
		fmt.Printf("  Mirror path: %s\n", valueOrDefault(cfg.Sync.MirrorPath, "(in-memory)"))

		fmt.Println()
		fmt.Println("Session:")
		tokenStatus := "none"
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskToken(cfg.Default.Token))
			claims, err := learnhub.ParseTokenClaims(cfg.Default.Token)
			if err != nil {
				tokenStatus = fmt.Sprintf("unparseable (%v)", err)
			} else {
				fmt.Printf("  User ID:     %s\n", claims.UserID)
				if claims.Name != "" {
					fmt.Printf("  Name:        %s\n", claims.Name)
				}
				if claims.ExpiresAt != nil {
					if time.Now().Before(claims.ExpiresAt.Time) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", claims.ExpiresAt.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", claims.ExpiresAt.Format(time.RFC3339))
					}
				} else {
					tokenStatus = "present (no expiry set)"
				}
			}
		}
		fmt.Printf("  Status:      %s\n", tokenStatus)

		// Ping the portal if we have a token.
		if cfg.Default.Token != "" {
			fmt.Println()
			fmt.Println("Portal:")

			client := getClientFromConfig(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			result, err := client.Health(ctx)
			if err != nil {
				fmt.Printf("  Error reaching portal: %v\n", err)
				return nil
			}
			if !result.OK {
				if result.Error != nil {
					fmt.Printf("  API error: %s: %s\n", result.Error.Code, result.Error.Message)
				} else {
					fmt.Println("  API returned an error (no details)")
				}
				return nil
			}
			fmt.Println("  Reachable:   yes")
		}

		return nil
	},
}

// maskToken shows the first 12 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return token[:4] + "..." + token[len(token)-4:]
	}
	return token[:12] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
