package main

import (
	"fmt"

	learnhub "github.com/learnhubhq/learnhub-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a portal session token in ~/.learnhub/config.toml",
	Long:  "Initialize the LearnHub CLI by storing your portal session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		claims, err := learnhub.ParseTokenClaims(token)
		if err != nil {
			return fmt.Errorf("invalid session token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for user %s saved to %s\n", claims.UserID, path)
		return nil
	},
}
